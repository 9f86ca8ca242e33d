package workflow

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"gopkg.in/yaml.v3"
)

// - a push to a watched branch results in the trigger of a "Pipeline"
// - a pipeline runs exactly one workflow file
// - each workflow consists of some execution steps, these execute serially

type (
	// this is simply a structural representation of the workflow file
	Workflow struct {
		Name        string            `yaml:"-"` // name of the workflow file
		When        []Constraint      `yaml:"when"`
		Environment map[string]string `yaml:"environment"`
		Steps       []Step            `yaml:"steps"`
	}

	Constraint struct {
		Event  StringList `yaml:"event"`
		Branch StringList `yaml:"branch"` // optional, only applied on "push" events
	}

	Step struct {
		Name            string            `yaml:"name"`
		Kind            StepKind          `yaml:"kind"`
		Command         string            `yaml:"command"`
		Environment     map[string]string `yaml:"environment"`
		ContinueOnError bool              `yaml:"continue_on_error"`

		Checkout *CheckoutOpts `yaml:"checkout,omitempty"`
		Runtime  *RuntimeOpts  `yaml:"runtime,omitempty"`
		Image    *ImageOpts    `yaml:"image,omitempty"`
		Service  *ServiceOpts  `yaml:"service,omitempty"`
		Wait     *WaitOpts     `yaml:"wait,omitempty"`
		Scan     *ScanOpts     `yaml:"scan,omitempty"`
	}

	CheckoutOpts struct {
		Depth      int  `yaml:"depth"`
		Submodules bool `yaml:"submodules"`
	}

	RuntimeOpts struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
		// Image overrides the "<name>:<version>" image reference.
		Image string `yaml:"image,omitempty"`
	}

	ImageOpts struct {
		Tag        string `yaml:"tag"`
		Context    string `yaml:"context"`
		Dockerfile string `yaml:"dockerfile"`
	}

	ServiceOpts struct {
		Image       string            `yaml:"image"`
		Ports       []string          `yaml:"ports"`
		Environment map[string]string `yaml:"environment"`
	}

	WaitOpts struct {
		Duration Duration `yaml:"duration"`
		// Ready is polled until it answers 200 or Duration runs out.
		Ready string `yaml:"ready,omitempty"`
	}

	ScanOpts struct {
		Target     string `yaml:"target"`
		Image      string `yaml:"image,omitempty"`
		FailOnWarn bool   `yaml:"fail_on_warn"`
	}

	StepKind string

	StringList []string

	Duration time.Duration
)

const (
	StepKindCheckout     StepKind = "checkout"
	StepKindSetupRuntime StepKind = "setup-runtime"
	StepKindRun          StepKind = "run"
	StepKindBuildImage   StepKind = "build-image"
	StepKindStartService StepKind = "start-service"
	StepKindWait         StepKind = "wait"
	StepKindScan         StepKind = "scan"
)

// stage is the position of a step kind in the build -> deploy -> scan order.
// Steps of a workflow must never go back to an earlier stage.
func (k StepKind) stage() (int, bool) {
	switch k {
	case StepKindCheckout:
		return 0, true
	case StepKindSetupRuntime:
		return 1, true
	case StepKindRun:
		return 2, true
	case StepKindBuildImage:
		return 3, true
	case StepKindStartService:
		return 4, true
	case StepKindWait:
		return 5, true
	case StepKindScan:
		return 6, true
	}
	return 0, false
}

func (k StepKind) Valid() bool {
	_, ok := k.stage()
	return ok
}

func FromFile(name string, contents []byte) (Workflow, error) {
	var wf Workflow

	err := yaml.Unmarshal(contents, &wf)
	if err != nil {
		return wf, err
	}

	wf.Name = name

	return wf, nil
}

// if any of the constraints on a workflow is true, return true
func (w *Workflow) Match(trigger Trigger) bool {
	// manual triggers always run the workflow
	if trigger.Kind == TriggerKindManual {
		return true
	}

	// no constraints, always run this workflow
	if len(w.When) == 0 {
		return true
	}

	for _, c := range w.When {
		if c.Match(trigger) {
			return true
		}
	}

	return false
}

func (c *Constraint) Match(trigger Trigger) bool {
	if trigger.Kind == TriggerKindManual {
		return true
	}

	if !c.MatchEvent(trigger.Kind) {
		return false
	}

	if trigger.Kind == TriggerKindPush && len(c.Branch) > 0 {
		return c.MatchRef(trigger.Ref)
	}

	return true
}

func (c *Constraint) MatchRef(ref string) bool {
	refName := plumbing.ReferenceName(ref)
	if refName.IsBranch() {
		return slices.Contains(c.Branch, refName.Short())
	}
	return false
}

func (c *Constraint) MatchEvent(event string) bool {
	return slices.Contains(c.Event, event)
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ImageRef is the image a setup-runtime step pulls.
func (r RuntimeOpts) ImageRef() string {
	if r.Image != "" {
		return r.Image
	}
	if r.Version == "" {
		return r.Name
	}
	return r.Name + ":" + r.Version
}
