package models

import (
	"tangled.sh/tangled.sh/scanline/workflow"
)

type Step interface {
	Name() string
	Command() string
	Kind() workflow.StepKind
	ContinueOnError() bool
}

// Workflow is a workflow definition after an engine has resolved it into
// executable steps. Data holds engine specific state.
type Workflow struct {
	Steps   []Step
	Name    string
	Trigger workflow.Trigger
	Data    any
}
