package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"tangled.sh/tangled.sh/scanline/log"
	"tangled.sh/tangled.sh/scanline/notifier"
	"tangled.sh/tangled.sh/scanline/runner/config"
	"tangled.sh/tangled.sh/scanline/runner/db"
	"tangled.sh/tangled.sh/scanline/runner/engines/docker"
	"tangled.sh/tangled.sh/scanline/runner/models"
	"tangled.sh/tangled.sh/scanline/runner/queue"
	"tangled.sh/tangled.sh/scanline/telemetry"
	"tangled.sh/tangled.sh/scanline/workflow"
)

type Runner struct {
	db        *db.DB
	l         *slog.Logger
	n         *notifier.Notifier
	eng       models.Engine
	jq        *queue.Queue
	cfg       *config.Config
	t         *telemetry.Telemetry
	workflows []workflow.Workflow

	// lifetime of the runner; pipelines run under it, not under the
	// request that triggered them
	base context.Context
}

// New wires a runner. Call Start before enqueueing and Stop when done.
func New(ctx context.Context, cfg *config.Config, d *db.DB, eng models.Engine, workflows []workflow.Workflow) *Runner {
	return &Runner{
		db:        d,
		l:         log.FromContext(ctx).With("component", "runner"),
		n:         notifier.New(),
		eng:       eng,
		jq:        queue.NewQueue(cfg.Server.QueueSize, 1),
		cfg:       cfg,
		workflows: workflows,
		base:      ctx,
	}
}

func (r *Runner) Start() {
	r.jq.Start()
}

// Stop waits for queued pipelines to finish.
func (r *Runner) Stop() {
	r.jq.Stop()
}

func Run(ctx context.Context) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	workflows, err := LoadWorkflows(cfg.Pipelines.WorkflowFile)
	if err != nil {
		return err
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	defer d.Close()

	t, err := telemetry.NewTelemetry(ctx, "scanline-runner", versioninfo.Short(), cfg.Server.Dev)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		if err := t.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "error", err)
		}
	}()

	eng, err := docker.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to setup docker engine: %w", err)
	}

	r := New(ctx, cfg, d, eng, workflows)
	r.t = t

	// starts a job queue runner in the background
	r.Start()
	defer r.Stop()

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: r.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting runner server", "address", cfg.Server.ListenAddr, "workflows", len(workflows))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (r *Runner) Router() http.Handler {
	mux := chi.NewRouter()

	mux.Use(r.RequestLogger)
	if r.t != nil {
		mux.Use(r.t.RequestInFlight())
		mux.Use(r.t.RequestDuration())
	}

	mux.Post("/hooks/push", r.HandlePush)
	mux.Get("/pipelines", r.ListPipelines)
	mux.Get("/pipelines/{id}", r.GetPipeline)
	mux.HandleFunc("/events", r.Events)
	mux.HandleFunc("/logs/{id}", r.Logs)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// LoadWorkflows reads the workflow file at path, or returns the built-in
// default workflow when path is empty. Invalid workflows are rejected here
// so that a broken file never reaches a push.
func LoadWorkflows(path string) ([]workflow.Workflow, error) {
	wf := workflow.Default()

	if path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading workflow: %w", err)
		}

		wf, err = workflow.FromFile(filepath.Base(path), contents)
		if err != nil {
			return nil, fmt.Errorf("parsing workflow %s: %w", path, err)
		}
	}

	// manual triggers match every workflow, so everything gets analyzed
	c := workflow.Compiler{Trigger: workflow.Trigger{Kind: workflow.TriggerKindManual}}
	c.Compile([]workflow.Workflow{wf})
	if c.Diagnostics.IsErr() {
		errs := make([]error, 0, len(c.Diagnostics.Errors))
		for _, e := range c.Diagnostics.Errors {
			errs = append(errs, fmt.Errorf("%s: %w", e.Path, e.Error))
		}
		return nil, errors.Join(errs...)
	}

	return []workflow.Workflow{wf}, nil
}
