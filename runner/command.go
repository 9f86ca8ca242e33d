package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"tangled.sh/tangled.sh/scanline/log"
	"tangled.sh/tangled.sh/scanline/runner/config"
	"tangled.sh/tangled.sh/scanline/runner/db"
	"tangled.sh/tangled.sh/scanline/runner/engine"
	"tangled.sh/tangled.sh/scanline/runner/engines/docker"
	"tangled.sh/tangled.sh/scanline/runner/models"
	"tangled.sh/tangled.sh/scanline/workflow"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "runner",
		Usage: "run the pipeline runner server",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return Run(ctx)
		},
		Description: `
Environment variables:
	SCANLINE_RUNNER_LISTEN_ADDR           (default: 0.0.0.0:6555)
	SCANLINE_RUNNER_DB_PATH               (default: scanline.db)
	SCANLINE_RUNNER_DEV                   (default: false)
	SCANLINE_RUNNER_QUEUE_SIZE            (default: 100)
	SCANLINE_PIPELINES_WORKFLOW_FILE      (default: built-in workflow)
	SCANLINE_PIPELINES_WORKSPACE_DIR      (default: /var/lib/scanline/workspaces)
	SCANLINE_PIPELINES_LOG_DIR            (default: /var/log/scanline)
	SCANLINE_PIPELINES_WORKFLOW_TIMEOUT   (default: 15m)
	SCANLINE_PIPELINES_KEEP_IMAGES        (default: false)
	SCANLINE_PIPELINES_SCAN_IMAGE         (default: ghcr.io/zaproxy/zaproxy:stable)
`,
	}
}

// RunCommand is `scanline run`: one pipeline, in the foreground, against
// the local docker daemon.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run the pipeline once against a repository",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "repo",
				Usage:    "clone url of the repository",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "ref",
				Usage: "ref to check out",
				Value: "refs/heads/" + workflow.DefaultBranch,
			},
			&cli.StringFlag{
				Name:  "sha",
				Usage: "commit to check out (default: tip of ref)",
			},
			&cli.StringFlag{
				Name:  "workflow",
				Usage: "workflow file (default: built-in workflow)",
			},
			&cli.StringFlag{
				Name:  "workspace-dir",
				Usage: "where workspaces are created",
				Value: os.TempDir(),
			},
			&cli.StringFlag{
				Name:  "log-dir",
				Usage: "where step logs are written",
				Value: os.TempDir(),
			},
		},
		Action: runOnce,
	}
}

func runOnce(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)
	out := cmd.Root().Writer

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Pipelines.WorkspaceDir = cmd.String("workspace-dir")
	cfg.Pipelines.LogDir = cmd.String("log-dir")

	path := cmd.String("workflow")
	if path == "" {
		path = cfg.Pipelines.WorkflowFile
	}
	workflows, err := LoadWorkflows(path)
	if err != nil {
		return err
	}

	d, err := db.Make(":memory:")
	if err != nil {
		return err
	}
	defer d.Close()

	eng, err := docker.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to setup docker engine: %w", err)
	}

	trigger := workflow.Trigger{
		Kind:    workflow.TriggerKindManual,
		RepoURL: cmd.String("repo"),
		Ref:     cmd.String("ref"),
		NewSha:  cmd.String("sha"),
	}

	var failed error
	for _, wf := range workflows {
		id, err := d.CreatePipeline(db.Pipeline{Workflow: wf.Name, Trigger: trigger}, nil)
		if err != nil {
			return err
		}
		wid := models.WorkflowId{PipelineId: id, Name: wf.Name}

		w, err := eng.InitWorkflow(wf, trigger)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "running %s on %s (%s)\n", wf.Name, trigger.RepoURL, trigger.Ref)
		err = engine.StartWorkflow(ctx, logger, eng, engine.Options{
			DB:     d,
			LogDir: cfg.Pipelines.LogDir,
			Mirror: out,
		}, wid, w)
		if err != nil {
			failed = errors.Join(failed, err)
		}

		if err := printSummary(out, models.LogFilePath(cfg.Pipelines.LogDir, wid), w); err != nil {
			logger.Warn("failed to summarize run", "error", err)
		}
	}

	if failed != nil {
		return cli.Exit(fmt.Sprintf("pipeline failed: %v", failed), 1)
	}
	return nil
}

type stepResult struct {
	name   string
	status string
}

// summarize folds the control lines of a workflow log into one result per
// step. Steps that never started are reported as skipped.
func summarize(lines []models.LogLine, w *models.Workflow) []stepResult {
	results := make([]stepResult, len(w.Steps))
	for i, s := range w.Steps {
		results[i] = stepResult{name: s.Name(), status: "skipped"}
	}

	for _, l := range lines {
		if l.Kind != models.LogKindControl || l.StepId < 0 || l.StepId >= len(results) {
			continue
		}
		status := string(l.StepStatus)
		if l.Masked {
			status = "failed (continued)"
		}
		results[l.StepId].status = status
	}

	return results
}

func printSummary(out io.Writer, logPath string, w *models.Workflow) error {
	f, err := os.Open(logPath)
	if err != nil {
		return err
	}
	defer f.Close()

	lines, err := models.ReadLogLines(f)
	if err != nil {
		return err
	}

	fmt.Fprintln(out)
	for i, res := range summarize(lines, w) {
		fmt.Fprintf(out, "%d. %-24s %s\n", i+1, res.name, res.status)
	}

	if info, err := f.Stat(); err == nil {
		fmt.Fprintf(out, "\nlogs: %s (%s)\n", logPath, humanize.Bytes(uint64(info.Size())))
	}
	return nil
}
