package app

import (
	"context"
	"net"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Port  string `env:"PORT, default=3000"`
	Title string `env:"APP_TITLE, default=scanline"`
	Dev   bool   `env:"APP_DEV, default=false"`
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort("0.0.0.0", c.Port)
}

func LoadConfig(ctx context.Context) (*Config, error) {
	return LoadConfigFrom(ctx, envconfig.OsLookuper())
}

func LoadConfigFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
