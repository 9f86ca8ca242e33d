package docker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"

	"tangled.sh/tangled.sh/scanline/log"
	"tangled.sh/tangled.sh/scanline/runner/config"
	"tangled.sh/tangled.sh/scanline/runner/engine"
	"tangled.sh/tangled.sh/scanline/runner/models"
	"tangled.sh/tangled.sh/scanline/workflow"
)

const (
	workspaceDir = "/workspace"
	// run steps share this volume for HOME and package caches
	cacheDir = "/cache"
)

type cleanupFunc func(context.Context) error

type Engine struct {
	docker client.APIClient
	l      *slog.Logger
	cfg    *config.Config

	// used by wait steps; nil means http.DefaultClient
	readyClient *http.Client

	cleanupMu sync.Mutex
	cleanup   map[string][]cleanupFunc
}

type Step struct {
	name            string
	kind            workflow.StepKind
	command         string
	environment     map[string]string
	continueOnError bool
	def             workflow.Step
}

func (s Step) Name() string {
	return s.name
}

func (s Step) Command() string {
	return s.command
}

func (s Step) Kind() workflow.StepKind {
	return s.kind
}

func (s Step) ContinueOnError() bool {
	return s.continueOnError
}

// workflowState is shared by the steps of one workflow run.
type workflowState struct {
	env         map[string]string
	workspace   string
	cacheVolume string

	// set by setup-runtime, used by run steps
	runtimeImage string
	// set by start-service, the scanner joins its network namespace
	serviceID string
}

func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	return NewWithClient(ctx, cfg, dcli), nil
}

func NewWithClient(ctx context.Context, cfg *config.Config, dcli client.APIClient) *Engine {
	l := log.FromContext(ctx).With("component", "docker-engine")

	return &Engine{
		docker:  dcli,
		l:       l,
		cfg:     cfg,
		cleanup: make(map[string][]cleanupFunc),
	}
}

func (e *Engine) InitWorkflow(wf workflow.Workflow, trigger workflow.Trigger) (*models.Workflow, error) {
	swf := &models.Workflow{
		Name:    wf.Name,
		Trigger: trigger,
	}

	for i, ws := range wf.Steps {
		if !ws.Kind.Valid() {
			return nil, fmt.Errorf("step %d (%s): %w: %q", i+1, ws.Name, engine.ErrUnknownStep, ws.Kind)
		}
		if missingOpts(ws) {
			return nil, fmt.Errorf("step %d (%s): missing %s options", i+1, ws.Name, ws.Kind)
		}

		name := ws.Name
		if name == "" {
			name = string(ws.Kind)
		}

		swf.Steps = append(swf.Steps, Step{
			name:            name,
			kind:            ws.Kind,
			command:         describe(ws, trigger),
			environment:     ws.Environment,
			continueOnError: ws.ContinueOnError,
			def:             ws,
		})
	}

	swf.Data = &workflowState{
		env: wf.Environment,
	}

	return swf, nil
}

func missingOpts(s workflow.Step) bool {
	switch s.Kind {
	case workflow.StepKindSetupRuntime:
		return s.Runtime == nil
	case workflow.StepKindBuildImage:
		return s.Image == nil
	case workflow.StepKindStartService:
		return s.Service == nil
	case workflow.StepKindWait:
		return s.Wait == nil
	case workflow.StepKindScan:
		return s.Scan == nil
	}
	return false
}

// describe renders a step as the shell command it is equivalent to.
func describe(s workflow.Step, trigger workflow.Trigger) string {
	switch s.Kind {
	case workflow.StepKindCheckout:
		return fmt.Sprintf("git init && git fetch --depth=%d %s %s && git checkout %s", cloneDepth(s.Checkout), trigger.RepoURL, trigger.NewSha, trigger.NewSha)
	case workflow.StepKindSetupRuntime:
		if s.Runtime != nil {
			return "docker pull " + s.Runtime.ImageRef()
		}
	case workflow.StepKindRun:
		return s.Command
	case workflow.StepKindBuildImage:
		if s.Image != nil {
			return fmt.Sprintf("docker build -t %s -f %s %s", s.Image.Tag, dockerfileOrDefault(s.Image), contextOrDefault(s.Image))
		}
	case workflow.StepKindStartService:
		if s.Service != nil {
			return "docker run -d " + s.Service.Image
		}
	case workflow.StepKindWait:
		if s.Wait != nil {
			return "sleep " + s.Wait.Duration.Std().String()
		}
	case workflow.StepKindScan:
		if s.Scan != nil {
			return "zap-baseline.py -t " + s.Scan.Target
		}
	}
	return ""
}

func (e *Engine) WorkflowTimeout() time.Duration {
	if e.cfg.Pipelines.WorkflowTimeout <= 0 {
		e.l.Warn("invalid workflow timeout, using default", "timeout", e.cfg.Pipelines.WorkflowTimeout)
		return 15 * time.Minute
	}
	return e.cfg.Pipelines.WorkflowTimeout
}

// SetupWorkflow creates the host workspace, a bridge network and a cache
// volume for the workflow. All of them are destroyed at the end of the
// workflow.
func (e *Engine) SetupWorkflow(ctx context.Context, wid models.WorkflowId, wf *models.Workflow) error {
	e.l.Info("setting up workflow", "workflow", wid)

	state := wf.Data.(*workflowState)

	workspace, err := filepath.Abs(filepath.Join(e.cfg.Pipelines.WorkspaceDir, wid.String()))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}
	e.registerCleanup(wid, func(ctx context.Context) error {
		return os.RemoveAll(workspace)
	})
	state.workspace = workspace

	_, err = e.docker.NetworkCreate(ctx, networkName(wid), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fmt.Errorf("creating network: %w", err)
	}
	e.registerCleanup(wid, func(ctx context.Context) error {
		return e.docker.NetworkRemove(ctx, networkName(wid))
	})

	vol, err := e.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   cacheVolumeName(wid),
		Labels: map[string]string{"sh.scanline.workflow": wid.String()},
	})
	if err != nil {
		return fmt.Errorf("creating cache volume: %w", err)
	}
	e.registerCleanup(wid, func(ctx context.Context) error {
		return e.docker.VolumeRemove(ctx, vol.Name, true)
	})
	state.cacheVolume = vol.Name

	return nil
}

func (e *Engine) RunStep(ctx context.Context, wid models.WorkflowId, w *models.Workflow, idx int, wfLogger *models.WorkflowLogger) error {
	step := w.Steps[idx].(Step)
	state := w.Data.(*workflowState)

	select {
	case <-ctx.Done():
		return engine.ErrTimedOut
	default:
	}

	e.l.Info("running step", "workflow", wid, "step", step.name, "kind", step.kind)

	out := newStepOutput(wfLogger, idx)

	switch step.kind {
	case workflow.StepKindCheckout:
		return e.checkout(ctx, state, w.Trigger, step.def.Checkout, out)
	case workflow.StepKindSetupRuntime:
		return e.setupRuntime(ctx, state, *step.def.Runtime, out)
	case workflow.StepKindRun:
		return e.runCommand(ctx, wid, state, step, out)
	case workflow.StepKindBuildImage:
		return e.buildImage(ctx, wid, state, *step.def.Image, out)
	case workflow.StepKindStartService:
		return e.startService(ctx, wid, state, *step.def.Service, out)
	case workflow.StepKindWait:
		return e.wait(ctx, *step.def.Wait, out)
	case workflow.StepKindScan:
		return e.scan(ctx, wid, state, *step.def.Scan, out)
	}

	return fmt.Errorf("%w: %q", engine.ErrUnknownStep, step.kind)
}

// DestroyWorkflow releases everything registered for wid, newest first.
func (e *Engine) DestroyWorkflow(ctx context.Context, wid models.WorkflowId) error {
	e.cleanupMu.Lock()
	key := wid.String()

	fns := e.cleanup[key]
	delete(e.cleanup, key)
	e.cleanupMu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](ctx); err != nil {
			e.l.Error("failed to cleanup workflow resource", "workflowId", wid, "error", err)
		}
	}
	return nil
}

func (e *Engine) registerCleanup(wid models.WorkflowId, fn cleanupFunc) {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()

	key := wid.String()
	e.cleanup[key] = append(e.cleanup[key], fn)
}

func networkName(wid models.WorkflowId) string {
	return fmt.Sprintf("scanline-%s", wid)
}

func cacheVolumeName(wid models.WorkflowId) string {
	return fmt.Sprintf("scanline-%s-cache", wid)
}

func serviceName(wid models.WorkflowId) string {
	return fmt.Sprintf("scanline-%s-service", wid)
}
