package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tangled.sh/tangled.sh/scanline/notifier"
	"tangled.sh/tangled.sh/scanline/runner/db"
	"tangled.sh/tangled.sh/scanline/runner/models"
)

var tracer = otel.Tracer("tangled.sh/tangled.sh/scanline/runner/engine")

type Options struct {
	DB       *db.DB
	Notifier *notifier.Notifier
	LogDir   string
	// Mirror receives a plain text copy of the step output.
	Mirror io.Writer
}

// StartWorkflow runs the steps of w one after the other and records exactly
// one terminal status for wid. Engine resources are destroyed before it
// returns, whatever the outcome.
func StartWorkflow(ctx context.Context, l *slog.Logger, eng models.Engine, opts Options, wid models.WorkflowId, w *models.Workflow) error {
	l = l.With("workflow", wid.String())
	d, n := opts.DB, opts.Notifier

	ctx, span := tracer.Start(ctx, "workflow", trace.WithAttributes(
		attribute.String("pipeline.id", wid.PipelineId.String()),
		attribute.String("workflow.name", wid.Name),
	))
	defer span.End()

	err := d.StatusRunning(wid, n)
	if err != nil {
		return err
	}

	// cleanup must run even when ctx is already done
	defer func() {
		if err := eng.DestroyWorkflow(context.WithoutCancel(ctx), wid); err != nil {
			l.Error("failed to destroy workflow", "error", err)
		}
	}()

	err = eng.SetupWorkflow(ctx, wid, w)
	if err != nil {
		l.Error("workflow setup failed", "error", err)
		span.SetStatus(codes.Error, err.Error())
		if dbErr := d.StatusFailed(wid, err.Error(), -1, n); dbErr != nil {
			return dbErr
		}
		return fmt.Errorf("setting up workflow: %w", err)
	}

	wfLogger, err := models.NewWorkflowLogger(opts.LogDir, wid)
	if err != nil {
		l.Warn("failed to setup step logger; logs will not be persisted", "error", err)
	} else {
		defer wfLogger.Close()
	}

	if opts.Mirror != nil && wfLogger != nil {
		wfLogger.Mirror(opts.Mirror)
	}

	workflowTimeout := eng.WorkflowTimeout()
	l.Info("using workflow timeout", "timeout", workflowTimeout)

	runCtx, cancel := context.WithTimeout(ctx, workflowTimeout)
	defer cancel()

	for stepIdx, step := range w.Steps {
		stepLogger := l.With("step", step.Name(), "kind", step.Kind())

		if wfLogger != nil {
			_ = wfLogger.Control(stepIdx, step, models.StepStatusStart, false)
		}

		stepCtx, stepSpan := tracer.Start(runCtx, "step", trace.WithAttributes(
			attribute.Int("step.index", stepIdx),
			attribute.String("step.name", step.Name()),
			attribute.String("step.kind", string(step.Kind())),
		))
		err = eng.RunStep(stepCtx, wid, w, stepIdx, wfLogger)
		if err != nil {
			stepSpan.SetStatus(codes.Error, err.Error())
		}
		stepSpan.End()

		if err == nil {
			if wfLogger != nil {
				_ = wfLogger.Control(stepIdx, step, models.StepStatusSuccess, false)
			}
			continue
		}

		interrupted := errors.Is(err, ErrTimedOut) || runCtx.Err() != nil
		if step.ContinueOnError() && !interrupted {
			stepLogger.Warn("step failed; continuing because continue_on_error is set", "error", err)
			if wfLogger != nil {
				_ = wfLogger.Control(stepIdx, step, models.StepStatusFailed, true)
			}
			continue
		}

		if wfLogger != nil {
			_ = wfLogger.Control(stepIdx, step, models.StepStatusFailed, false)
		}
		span.SetStatus(codes.Error, err.Error())

		switch {
		case ctx.Err() != nil:
			stepLogger.Warn("workflow cancelled", "error", ctx.Err())
			if dbErr := d.StatusCancelled(wid, ctx.Err().Error(), n); dbErr != nil {
				return dbErr
			}
			return fmt.Errorf("%s: %w", step.Name(), ctx.Err())

		case interrupted:
			stepLogger.Error("workflow timed out", "timeout", workflowTimeout)
			if dbErr := d.StatusTimeout(wid, n); dbErr != nil {
				return dbErr
			}
			return fmt.Errorf("%s: %w", step.Name(), ErrTimedOut)

		default:
			stepLogger.Error("workflow failed", "error", err)
			if dbErr := d.StatusFailed(wid, err.Error(), ExitCode(err), n); dbErr != nil {
				return dbErr
			}
			return fmt.Errorf("%s: %w", step.Name(), err)
		}
	}

	err = d.StatusSuccess(wid, n)
	if err != nil {
		return err
	}

	l.Info("workflow succeeded")
	return nil
}
