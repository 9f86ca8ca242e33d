package monitoring

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"tangled.sh/tangled.sh/scanline/log"
)

func Command() *cli.Command {
	def := Default()

	return &cli.Command{
		Name:  "monitoring",
		Usage: "render the prometheus and grafana configuration",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "out",
				Usage: "directory to write the files to",
				Value: "monitoring",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "prometheus scrape interval",
				Value: def.Interval,
			},
			&cli.StringSliceFlag{
				Name:  "target",
				Usage: "host:port to scrape (repeatable)",
				Value: def.Targets,
			},
			&cli.StringFlag{
				Name:  "metrics-path",
				Usage: "path the targets expose metrics on",
				Value: def.MetricsPath,
			},
			&cli.IntFlag{
				Name:  "app-port",
				Usage: "port the app listens on",
				Value: def.AppPort,
			},
			&cli.IntFlag{
				Name:  "dashboard-port",
				Usage: "host port for grafana",
				Value: def.DashboardPort,
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "overwrite existing files",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			l := log.FromContext(ctx).With("component", "monitoring")

			c := def
			c.Interval = cmd.Duration("interval")
			c.Targets = cmd.StringSlice("target")
			c.MetricsPath = cmd.String("metrics-path")
			c.AppPort = int(cmd.Int("app-port"))
			c.DashboardPort = int(cmd.Int("dashboard-port"))

			written, err := Write(cmd.String("out"), c, cmd.Bool("force"))
			if err != nil {
				return fmt.Errorf("failed to write monitoring config: %w", err)
			}

			for _, p := range written {
				l.Info("wrote file", "path", p)
			}
			return nil
		},
	}
}
