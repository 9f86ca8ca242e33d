package models

import (
	"context"
	"time"

	"tangled.sh/tangled.sh/scanline/workflow"
)

type Engine interface {
	InitWorkflow(wf workflow.Workflow, trigger workflow.Trigger) (*Workflow, error)
	SetupWorkflow(ctx context.Context, wid WorkflowId, wf *Workflow) error
	WorkflowTimeout() time.Duration
	DestroyWorkflow(ctx context.Context, wid WorkflowId) error
	RunStep(ctx context.Context, wid WorkflowId, w *Workflow, idx int, wfLogger *WorkflowLogger) error
}
