package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var trigger = Trigger{
	Kind:    TriggerKindPush,
	RepoURL: "https://example.com/webapp.git",
	Ref:     "refs/heads/main",
	OldSha:  strings.Repeat("0", 40),
	NewSha:  strings.Repeat("f", 40),
}

func errorsOf(d Diagnostics) []error {
	var errs []error
	for _, e := range d.Errors {
		errs = append(errs, e.Error)
	}
	return errs
}

func TestCompileDefaultWorkflow(t *testing.T) {
	c := Compiler{Trigger: trigger}
	out := c.Compile([]Workflow{Default()})

	require.Len(t, out, 1)
	assert.False(t, c.Diagnostics.IsErr(), "%v", c.Diagnostics.Errors)

	// the test step's failure policy is flagged, not hidden
	require.Len(t, c.Diagnostics.Warnings, 1)
	assert.Equal(t, MaskedFailure, c.Diagnostics.Warnings[0].Type)
	assert.Contains(t, c.Diagnostics.Warnings[0].Path, "Run tests")
}

func TestDefaultWorkflowStepOrder(t *testing.T) {
	var kinds []StepKind
	for _, s := range Default().Steps {
		kinds = append(kinds, s.Kind)
	}

	assert.Equal(t, []StepKind{
		StepKindCheckout,
		StepKindSetupRuntime,
		StepKindRun,
		StepKindRun,
		StepKindBuildImage,
		StepKindStartService,
		StepKindWait,
		StepKindScan,
	}, kinds)

	assert.Equal(t, "go mod download", Default().Steps[2].Command)
	assert.True(t, Default().Steps[3].ContinueOnError)
	assert.Equal(t, "http://localhost:3000", Default().Steps[7].Scan.Target)
}

// go test has to build the sqlite driver, which needs cgo
func TestDefaultWorkflowKeepsCgo(t *testing.T) {
	wf := Default()

	assert.NotContains(t, wf.Environment, "CGO_ENABLED")
	for _, s := range wf.Steps {
		if s.Kind == StepKindRun {
			assert.NotContains(t, s.Environment, "CGO_ENABLED", s.Name)
		}
	}
}

func TestCompileTriggerMismatch(t *testing.T) {
	wf := Default()
	wf.When = []Constraint{{Event: StringList{"push"}, Branch: StringList{"master"}}}

	c := Compiler{Trigger: trigger}
	out := c.Compile([]Workflow{wf})

	assert.Len(t, out, 0)
	require.Len(t, c.Diagnostics.Warnings, 1)
	assert.Equal(t, WorkflowSkipped, c.Diagnostics.Warnings[0].Type)
}

func TestCompileScanBeforeService(t *testing.T) {
	wf := Default()
	steps := wf.Steps
	// move the scan in front of the service start
	wf.Steps = append(append([]Step{}, steps[:5]...), steps[7], steps[5], steps[6])

	c := Compiler{Trigger: trigger}
	out := c.Compile([]Workflow{wf})

	assert.Len(t, out, 0)
	assert.ErrorIs(t, errorsOf(c.Diagnostics)[0], ErrOutOfOrder)
}

func TestCompilePortMismatch(t *testing.T) {
	wf := Default()
	wf.Steps[7].Scan = &ScanOpts{Target: "http://localhost:8080"}

	c := Compiler{Trigger: trigger}
	out := c.Compile([]Workflow{wf})

	assert.Len(t, out, 0)
	require.Len(t, c.Diagnostics.Errors, 1)
	assert.ErrorIs(t, c.Diagnostics.Errors[0].Error, ErrPortMismatch)
}

func TestCompileServiceListensOnUnpublishedPort(t *testing.T) {
	wf := Default()
	wf.Steps[5].Service.Environment = map[string]string{"PORT": "4000"}

	c := Compiler{Trigger: trigger}
	c.Compile([]Workflow{wf})

	require.True(t, c.Diagnostics.IsErr())
	assert.ErrorIs(t, c.Diagnostics.Errors[0].Error, ErrPortMismatch)
}

func TestCompileStepValidation(t *testing.T) {
	runtime := Step{Kind: StepKindSetupRuntime, Runtime: &RuntimeOpts{Name: "golang", Version: "1.24"}}

	tests := []struct {
		name  string
		steps []Step
		want  error
	}{
		{"no steps", nil, ErrNoSteps},
		{"unknown kind", []Step{{Kind: "deploy"}}, ErrUnknownStep},
		{"run without runtime", []Step{{Kind: StepKindRun, Command: "make"}}, ErrNoRuntime},
		{"empty command", []Step{runtime, {Kind: StepKindRun}}, ErrEmptyCommand},
		{"runtime without name", []Step{{Kind: StepKindSetupRuntime, Runtime: &RuntimeOpts{}}}, ErrMissingRuntime},
		{"image without tag", []Step{{Kind: StepKindBuildImage, Image: &ImageOpts{}}}, ErrMissingImageTag},
		{"service without image", []Step{{Kind: StepKindStartService}}, ErrMissingServiceImage},
		{"bad port", []Step{{Kind: StepKindStartService, Service: &ServiceOpts{Image: "x", Ports: []string{"abc:def"}}}}, ErrInvalidPort},
		{"zero wait", []Step{{Kind: StepKindWait, Wait: &WaitOpts{}}}, ErrInvalidWait},
		{"scan without target", []Step{{Kind: StepKindScan, Scan: &ScanOpts{}}}, ErrInvalidTarget},
		{"scan bad scheme", []Step{{Kind: StepKindScan, Scan: &ScanOpts{Target: "ftp://localhost"}}}, ErrInvalidTarget},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Compiler{Trigger: trigger}
			ok := c.Analyze(Workflow{Name: "t.yml", Steps: tt.steps})

			assert.False(t, ok)
			require.NotEmpty(t, c.Diagnostics.Errors)
			assert.ErrorIs(t, c.Diagnostics.Errors[0].Error, tt.want)
		})
	}
}

func TestCompileServiceWithoutScanWarns(t *testing.T) {
	wf := Default()
	wf.Steps = wf.Steps[:7]

	c := Compiler{Trigger: trigger}
	out := c.Compile([]Workflow{wf})

	assert.Len(t, out, 1)
	var kinds []WarningKind
	for _, w := range c.Diagnostics.Warnings {
		kinds = append(kinds, w.Type)
	}
	assert.Contains(t, kinds, NoScan)
}

func TestParseCollectsErrors(t *testing.T) {
	c := Compiler{Trigger: trigger}
	out := c.Parse([]RawWorkflow{
		{Name: "ok.yml", Contents: []byte("steps: []")},
		{Name: "broken.yml", Contents: []byte("steps: [")},
	})

	assert.Len(t, out, 1)
	require.Len(t, c.Diagnostics.Errors, 1)
	assert.Equal(t, "broken.yml", c.Diagnostics.Errors[0].Path)
}

func TestTargetPort(t *testing.T) {
	tests := []struct {
		target string
		want   int
	}{
		{"http://localhost:3000", 3000},
		{"http://localhost", 80},
		{"https://example.com", 443},
	}

	for _, tt := range tests {
		port, err := TargetPort(tt.target)
		assert.NoError(t, err)
		assert.Equal(t, tt.want, port, tt.target)
	}
}
