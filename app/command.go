package app

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "app",
		Usage: "serve the web application",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := LoadConfig(ctx)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			return Run(ctx, cfg)
		},
		Description: `
Environment variables:
	PORT        (default: 3000)
	APP_TITLE   (default: scanline)
	APP_DEV     (default: false)
`,
	}
}
