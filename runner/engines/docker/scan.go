package docker

import (
	"context"
	"fmt"

	"tangled.sh/tangled.sh/scanline/runner/engine"
	"tangled.sh/tangled.sh/scanline/runner/models"
	"tangled.sh/tangled.sh/scanline/workflow"
)

// zap-baseline exit codes
const (
	scanPassed   = 0
	scanFailed   = 1
	scanWarnings = 2
)

func (e *Engine) scanImage(opts workflow.ScanOpts) string {
	if opts.Image != "" {
		return opts.Image
	}
	return e.cfg.Pipelines.ScanImage
}

// scan runs a baseline scan against opts.Target from inside the network
// namespace of the started service, so localhost reaches the service.
func (e *Engine) scan(ctx context.Context, wid models.WorkflowId, state *workflowState, opts workflow.ScanOpts, out stepOutput) error {
	if state.serviceID == "" {
		return fmt.Errorf("no service started before scanning %s", opts.Target)
	}

	img := e.scanImage(opts)
	if err := e.ensureImage(ctx, img, out.stdout); err != nil {
		return err
	}

	st, err := e.runContainer(ctx, wid, containerSpec{
		step:          "scan",
		image:         img,
		cmd:           []string{"zap-baseline.py", "-t", opts.Target},
		joinContainer: state.serviceID,
	}, out)
	if err != nil {
		return err
	}

	return e.scanResult(wid, opts, int64(st.ExitCode))
}

func (e *Engine) scanResult(wid models.WorkflowId, opts workflow.ScanOpts, code int64) error {
	switch code {
	case scanPassed:
		return nil
	case scanFailed:
		return &engine.StepError{ExitCode: code, Err: engine.ErrScanFailed}
	case scanWarnings:
		if opts.FailOnWarn {
			return &engine.StepError{ExitCode: code, Err: engine.ErrScanFailed}
		}
		e.l.Warn("scan reported warnings", "workflow", wid, "target", opts.Target)
		return nil
	}
	return &engine.StepError{ExitCode: code, Err: engine.ErrWorkflowFailed}
}
