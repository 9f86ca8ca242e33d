package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.sh/tangled.sh/scanline/notifier"
	"tangled.sh/tangled.sh/scanline/runner/db"
	"tangled.sh/tangled.sh/scanline/runner/models"
	"tangled.sh/tangled.sh/scanline/workflow"
)

type fakeStep struct {
	name       string
	kind       workflow.StepKind
	continueOn bool
}

func (s fakeStep) Name() string            { return s.name }
func (s fakeStep) Command() string         { return "" }
func (s fakeStep) Kind() workflow.StepKind { return s.kind }
func (s fakeStep) ContinueOnError() bool   { return s.continueOn }

// fakeEngine records which steps ran and fails the ones listed in fail.
type fakeEngine struct {
	mu        sync.Mutex
	ran       []string
	fail      map[string]error
	setupErr  error
	timeout   time.Duration
	destroyed bool
	block     string
}

func (e *fakeEngine) InitWorkflow(wf workflow.Workflow, _ workflow.Trigger) (*models.Workflow, error) {
	return nil, nil
}

func (e *fakeEngine) SetupWorkflow(context.Context, models.WorkflowId, *models.Workflow) error {
	return e.setupErr
}

func (e *fakeEngine) WorkflowTimeout() time.Duration {
	if e.timeout == 0 {
		return time.Minute
	}
	return e.timeout
}

func (e *fakeEngine) DestroyWorkflow(context.Context, models.WorkflowId) error {
	e.mu.Lock()
	e.destroyed = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) RunStep(ctx context.Context, _ models.WorkflowId, w *models.Workflow, idx int, wfLogger *models.WorkflowLogger) error {
	name := w.Steps[idx].Name()

	e.mu.Lock()
	e.ran = append(e.ran, name)
	e.mu.Unlock()

	if name == e.block {
		<-ctx.Done()
		return ErrTimedOut
	}

	if wfLogger != nil {
		io.WriteString(wfLogger.DataWriter(idx, "stdout"), "running "+name)
	}

	return e.fail[name]
}

func canonicalSteps() []models.Step {
	return []models.Step{
		fakeStep{name: "checkout", kind: workflow.StepKindCheckout},
		fakeStep{name: "runtime", kind: workflow.StepKindSetupRuntime},
		fakeStep{name: "install", kind: workflow.StepKindRun},
		fakeStep{name: "test", kind: workflow.StepKindRun, continueOn: true},
		fakeStep{name: "build", kind: workflow.StepKindBuildImage},
		fakeStep{name: "start", kind: workflow.StepKindStartService},
		fakeStep{name: "wait", kind: workflow.StepKindWait},
		fakeStep{name: "scan", kind: workflow.StepKindScan},
	}
}

func setup(t *testing.T) (Options, models.WorkflowId) {
	t.Helper()

	d, err := db.Make(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	id, err := d.CreatePipeline(db.Pipeline{
		Workflow: "default.yml",
		Trigger: workflow.Trigger{
			Kind:    workflow.TriggerKindPush,
			RepoURL: "https://example.com/webapp.git",
			Ref:     "refs/heads/main",
			NewSha:  strings.Repeat("a", 40),
		},
	}, nil)
	require.NoError(t, err)

	opts := Options{DB: d, Notifier: notifier.New(), LogDir: t.TempDir()}
	return opts, models.WorkflowId{PipelineId: id, Name: "default.yml"}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func statusOf(t *testing.T, opts Options, wid models.WorkflowId) *db.Event {
	t.Helper()
	ev, err := opts.DB.GetStatus(wid)
	require.NoError(t, err)
	return ev
}

func stepResults(t *testing.T, opts Options, wid models.WorkflowId) map[string]models.LogLine {
	t.Helper()
	f, err := os.Open(models.LogFilePath(opts.LogDir, wid))
	require.NoError(t, err)
	defer f.Close()

	lines, err := models.ReadLogLines(f)
	require.NoError(t, err)

	results := map[string]models.LogLine{}
	for _, l := range lines {
		if l.Kind == models.LogKindControl && l.StepStatus != models.StepStatusStart {
			results[l.Content] = l
		}
	}
	return results
}

func TestStartWorkflowRunsStepsInOrder(t *testing.T) {
	opts, wid := setup(t)
	eng := &fakeEngine{}

	err := StartWorkflow(context.Background(), discard(), eng, opts, wid, &models.Workflow{Name: wid.Name, Steps: canonicalSteps()})
	require.NoError(t, err)

	assert.Equal(t, []string{"checkout", "runtime", "install", "test", "build", "start", "wait", "scan"}, eng.ran)
	assert.True(t, eng.destroyed)
	assert.Equal(t, models.StatusKindSuccess, statusOf(t, opts, wid).Status)
}

func TestStartWorkflowTestFailureDoesNotHalt(t *testing.T) {
	opts, wid := setup(t)
	eng := &fakeEngine{fail: map[string]error{
		"test": &StepError{ExitCode: 1, Err: ErrWorkflowFailed},
	}}

	err := StartWorkflow(context.Background(), discard(), eng, opts, wid, &models.Workflow{Name: wid.Name, Steps: canonicalSteps()})
	require.NoError(t, err)

	assert.Equal(t, []string{"checkout", "runtime", "install", "test", "build", "start", "wait", "scan"}, eng.ran)
	assert.Equal(t, models.StatusKindSuccess, statusOf(t, opts, wid).Status)

	results := stepResults(t, opts, wid)
	assert.Equal(t, models.StepStatusFailed, results["test"].StepStatus)
	assert.True(t, results["test"].Masked)
	assert.Equal(t, models.StepStatusSuccess, results["scan"].StepStatus)
}

func TestStartWorkflowInstallFailureHalts(t *testing.T) {
	opts, wid := setup(t)
	eng := &fakeEngine{fail: map[string]error{
		"install": &StepError{ExitCode: 2, Err: ErrWorkflowFailed},
	}}

	err := StartWorkflow(context.Background(), discard(), eng, opts, wid, &models.Workflow{Name: wid.Name, Steps: canonicalSteps()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkflowFailed)

	assert.Equal(t, []string{"checkout", "runtime", "install"}, eng.ran)
	assert.True(t, eng.destroyed)

	status := statusOf(t, opts, wid)
	assert.Equal(t, models.StatusKindFailed, status.Status)
	require.NotNil(t, status.ExitCode)
	assert.EqualValues(t, 2, *status.ExitCode)
}

func TestStartWorkflowSetupFailure(t *testing.T) {
	opts, wid := setup(t)
	eng := &fakeEngine{setupErr: errors.New("no docker")}

	err := StartWorkflow(context.Background(), discard(), eng, opts, wid, &models.Workflow{Name: wid.Name, Steps: canonicalSteps()})
	require.Error(t, err)

	assert.Empty(t, eng.ran)
	assert.True(t, eng.destroyed)

	status := statusOf(t, opts, wid)
	assert.Equal(t, models.StatusKindFailed, status.Status)
	assert.EqualValues(t, -1, *status.ExitCode)
}

func TestStartWorkflowTimeout(t *testing.T) {
	opts, wid := setup(t)
	eng := &fakeEngine{timeout: 50 * time.Millisecond, block: "build"}

	err := StartWorkflow(context.Background(), discard(), eng, opts, wid, &models.Workflow{Name: wid.Name, Steps: canonicalSteps()})
	assert.ErrorIs(t, err, ErrTimedOut)

	assert.Equal(t, "build", eng.ran[len(eng.ran)-1])
	assert.True(t, eng.destroyed)
	assert.Equal(t, models.StatusKindTimeout, statusOf(t, opts, wid).Status)
}

func TestStartWorkflowTimeoutIsNotMasked(t *testing.T) {
	opts, wid := setup(t)
	eng := &fakeEngine{timeout: 50 * time.Millisecond, block: "test"}

	err := StartWorkflow(context.Background(), discard(), eng, opts, wid, &models.Workflow{Name: wid.Name, Steps: canonicalSteps()})
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Equal(t, "test", eng.ran[len(eng.ran)-1])
}

func TestStartWorkflowCancelled(t *testing.T) {
	opts, wid := setup(t)
	eng := &fakeEngine{block: "wait"}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := StartWorkflow(ctx, discard(), eng, opts, wid, &models.Workflow{Name: wid.Name, Steps: canonicalSteps()})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.StatusKindCancelled, statusOf(t, opts, wid).Status)
}

func TestExitCode(t *testing.T) {
	assert.EqualValues(t, 3, ExitCode(&StepError{ExitCode: 3, Err: ErrScanFailed}))
	assert.EqualValues(t, -1, ExitCode(errors.New("boom")))
	assert.ErrorIs(t, &StepError{ExitCode: 3, Err: ErrScanFailed}, ErrScanFailed)
}

func TestStartWorkflowMirrorsOutput(t *testing.T) {
	opts, wid := setup(t)
	var out strings.Builder
	opts.Mirror = &out

	err := StartWorkflow(context.Background(), discard(), &fakeEngine{}, opts, wid, &models.Workflow{Name: wid.Name, Steps: canonicalSteps()[:1]})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "running checkout")
}
