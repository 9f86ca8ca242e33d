package workflow

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/docker/go-connections/nat"
)

type RawWorkflow struct {
	Name     string
	Contents []byte
}

type Compiler struct {
	Trigger     Trigger
	Diagnostics Diagnostics
}

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

var (
	ErrNoSteps             = errors.New("workflow has no steps")
	ErrUnknownStep         = errors.New("unknown step kind")
	ErrEmptyCommand        = errors.New("run step has an empty command")
	ErrNoRuntime           = errors.New("run step before any setup-runtime step")
	ErrMissingRuntime      = errors.New("setup-runtime step without a runtime name or image")
	ErrMissingImageTag     = errors.New("build-image step without an image tag")
	ErrMissingServiceImage = errors.New("start-service step without an image")
	ErrInvalidPort         = errors.New("invalid port mapping")
	ErrInvalidTarget       = errors.New("invalid scan target")
	ErrInvalidWait         = errors.New("wait step needs a positive duration")
	ErrOutOfOrder          = errors.New("step out of order")
	ErrPortMismatch        = errors.New("port mismatch")
)

type WarningKind string

var (
	WorkflowSkipped WarningKind = "workflow skipped"
	MaskedFailure   WarningKind = "masked failure"
	NoScan          WarningKind = "no scan"
)

func (compiler *Compiler) Parse(p []RawWorkflow) []Workflow {
	var pp []Workflow

	for _, w := range p {
		wf, err := FromFile(w.Name, w.Contents)
		if err != nil {
			compiler.Diagnostics.AddError(w.Name, err)
			continue
		}

		pp = append(pp, wf)
	}

	return pp
}

// Compile returns the workflows that match the compiler's trigger and pass
// validation. Everything else ends up in Diagnostics.
func (compiler *Compiler) Compile(p []Workflow) []Workflow {
	var out []Workflow

	for _, wf := range p {
		if !wf.Match(compiler.Trigger) {
			compiler.Diagnostics.AddWarning(
				wf.Name,
				WorkflowSkipped,
				fmt.Sprintf("did not match trigger %s %s", compiler.Trigger.Kind, compiler.Trigger.Ref),
			)
			continue
		}

		if !compiler.Analyze(wf) {
			continue
		}

		out = append(out, wf)
	}

	return out
}

// Analyze validates a single workflow and reports whether it is runnable.
func (compiler *Compiler) Analyze(w Workflow) bool {
	before := len(compiler.Diagnostics.Errors)

	if len(w.Steps) == 0 {
		compiler.Diagnostics.AddError(w.Name, ErrNoSteps)
		return false
	}

	var (
		lastStage   = -1
		lastKind    StepKind
		haveRuntime bool
		service     *ServiceOpts
		scans       []ScanOpts
	)

	for i, s := range w.Steps {
		path := stepPath(w.Name, i, s)

		stage, ok := s.Kind.stage()
		if !ok {
			compiler.Diagnostics.AddError(path, fmt.Errorf("%w: %q", ErrUnknownStep, s.Kind))
			continue
		}
		if stage < lastStage {
			compiler.Diagnostics.AddError(path, fmt.Errorf("%w: %s after %s", ErrOutOfOrder, s.Kind, lastKind))
		} else {
			lastStage = stage
			lastKind = s.Kind
		}

		if s.ContinueOnError {
			compiler.Diagnostics.AddWarning(
				path,
				MaskedFailure,
				"a failure of this step will not halt the pipeline",
			)
		}

		switch s.Kind {
		case StepKindSetupRuntime:
			if s.Runtime == nil || s.Runtime.ImageRef() == "" {
				compiler.Diagnostics.AddError(path, ErrMissingRuntime)
				continue
			}
			haveRuntime = true

		case StepKindRun:
			if s.Command == "" {
				compiler.Diagnostics.AddError(path, ErrEmptyCommand)
			}
			if !haveRuntime {
				compiler.Diagnostics.AddError(path, ErrNoRuntime)
			}

		case StepKindBuildImage:
			if s.Image == nil || s.Image.Tag == "" {
				compiler.Diagnostics.AddError(path, ErrMissingImageTag)
			}

		case StepKindStartService:
			if s.Service == nil || s.Service.Image == "" {
				compiler.Diagnostics.AddError(path, ErrMissingServiceImage)
				continue
			}
			if err := compiler.analyzeService(*s.Service); err != nil {
				compiler.Diagnostics.AddError(path, err)
				continue
			}
			service = s.Service

		case StepKindWait:
			if s.Wait == nil || s.Wait.Duration <= 0 {
				compiler.Diagnostics.AddError(path, ErrInvalidWait)
			}

		case StepKindScan:
			if s.Scan == nil || s.Scan.Target == "" {
				compiler.Diagnostics.AddError(path, fmt.Errorf("%w: empty target", ErrInvalidTarget))
				continue
			}
			if _, err := TargetPort(s.Scan.Target); err != nil {
				compiler.Diagnostics.AddError(path, err)
				continue
			}
			scans = append(scans, *s.Scan)
		}
	}

	if service != nil && len(scans) == 0 {
		compiler.Diagnostics.AddWarning(w.Name, NoScan, "a service is started but never scanned")
	}

	if service != nil {
		exposed, _, _ := nat.ParsePortSpecs(service.Ports)
		for _, sc := range scans {
			port, _ := TargetPort(sc.Target)
			if !hasContainerPort(exposed, port) {
				compiler.Diagnostics.AddError(
					w.Name,
					fmt.Errorf("%w: scan target %s uses port %d which the service does not publish", ErrPortMismatch, sc.Target, port),
				)
			}
		}
	}

	return len(compiler.Diagnostics.Errors) == before
}

func (compiler *Compiler) analyzeService(s ServiceOpts) error {
	exposed, _, err := nat.ParsePortSpecs(s.Ports)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPort, err)
	}

	// the app listens on $PORT; publishing a different port would hide it
	if raw, ok := s.Environment["PORT"]; ok {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: PORT=%q", ErrInvalidPort, raw)
		}
		if len(exposed) > 0 && !hasContainerPort(exposed, port) {
			return fmt.Errorf("%w: service listens on %d but publishes %v", ErrPortMismatch, port, s.Ports)
		}
	}

	return nil
}

// TargetPort returns the TCP port a scan target URL points at.
func TargetPort(target string) (int, error) {
	u, err := url.Parse(target)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return 0, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Hostname() == "" {
		return 0, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
		}
		return port, nil
	}

	if u.Scheme == "https" {
		return 443, nil
	}
	return 80, nil
}

func hasContainerPort(exposed map[nat.Port]struct{}, port int) bool {
	for p := range exposed {
		if p.Int() == port {
			return true
		}
	}
	return false
}

func stepPath(workflow string, idx int, s Step) string {
	name := s.Name
	if name == "" {
		name = string(s.Kind)
	}
	return fmt.Sprintf("%s: step %d (%s)", workflow, idx+1, name)
}
