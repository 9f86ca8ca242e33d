package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"

	"tangled.sh/tangled.sh/scanline/app"
	"tangled.sh/tangled.sh/scanline/hook"
	"tangled.sh/tangled.sh/scanline/log"
	"tangled.sh/tangled.sh/scanline/monitoring"
	"tangled.sh/tangled.sh/scanline/runner"
	"tangled.sh/tangled.sh/scanline/workflow"
)

func main() {
	cmd := &cli.Command{
		Name:    "scanline",
		Usage:   "ci runner, web app and monitoring config for the scanline pipeline",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			app.Command(),
			runner.Command(),
			runner.RunCommand(),
			workflow.Command(),
			hook.Command(),
			monitoring.Command(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New("scanline")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		stop()
		os.Exit(-1)
	}
}
