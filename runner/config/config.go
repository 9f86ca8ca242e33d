package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

var ErrQueueSize = errors.New("queue size must be at least 1")

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6555"`
	DBPath     string `env:"DB_PATH, default=scanline.db"`
	Dev        bool   `env:"DEV, default=false"`
	QueueSize  int    `env:"QUEUE_SIZE, default=100"`
}

type Pipelines struct {
	// empty means the built-in default workflow
	WorkflowFile    string        `env:"WORKFLOW_FILE"`
	WorkspaceDir    string        `env:"WORKSPACE_DIR, default=/var/lib/scanline/workspaces"`
	LogDir          string        `env:"LOG_DIR, default=/var/log/scanline"`
	WorkflowTimeout time.Duration `env:"WORKFLOW_TIMEOUT, default=15m"`
	KeepImages      bool          `env:"KEEP_IMAGES, default=false"`
	ScanImage       string        `env:"SCAN_IMAGE, default=ghcr.io/zaproxy/zaproxy:stable"`
}

type Config struct {
	Server    Server    `env:",prefix=SCANLINE_RUNNER_"`
	Pipelines Pipelines `env:",prefix=SCANLINE_PIPELINES_"`
}

func Load(ctx context.Context) (*Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom reads the config from l instead of the process environment.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Server.QueueSize < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrQueueSize, cfg.Server.QueueSize)
	}

	return &cfg, nil
}
