package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"tangled.sh/tangled.sh/scanline/runner/db"
	"tangled.sh/tangled.sh/scanline/runner/engine"
	"tangled.sh/tangled.sh/scanline/runner/models"
	"tangled.sh/tangled.sh/scanline/runner/queue"
	"tangled.sh/tangled.sh/scanline/workflow"
)

var (
	ErrQueueFull = errors.New("job queue is full")
	ErrInvalid   = errors.New("invalid workflow")
)

type PostReceiveLine struct {
	OldSha plumbing.Hash // old sha of reference being updated
	NewSha plumbing.Hash // new sha of reference being updated
	Ref    string        // the reference being updated
}

// ParsePostReceive reads the "<old> <new> <ref>" lines git passes to a
// post-receive hook. Malformed lines are skipped.
func ParsePostReceive(buf io.Reader) ([]PostReceiveLine, error) {
	scanner := bufio.NewScanner(buf)
	var lines []PostReceiveLine
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			continue
		}

		oldSha := parts[0]
		newSha := parts[1]
		ref := parts[2]

		if !plumbing.IsHash(oldSha) || !plumbing.IsHash(newSha) {
			continue
		}

		lines = append(lines, PostReceiveLine{
			OldSha: plumbing.NewHash(oldSha),
			NewSha: plumbing.NewHash(newSha),
			Ref:    ref,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return lines, nil
}

func (l PostReceiveLine) Trigger(repoURL string) workflow.Trigger {
	return workflow.Trigger{
		Kind:    workflow.TriggerKindPush,
		RepoURL: repoURL,
		Ref:     l.Ref,
		OldSha:  l.OldSha.String(),
		NewSha:  l.NewSha.String(),
	}
}

type TriggerResult struct {
	Pipeline  models.PipelineId `json:"pipeline"`
	Workflow  string            `json:"workflow"`
	Ref       string            `json:"ref"`
	Sha       string            `json:"sha,omitempty"`
	Duplicate bool              `json:"duplicate,omitempty"`
}

// Trigger starts one pipeline per configured workflow matching trigger. A
// push that was already seen returns the existing pipeline instead.
func (r *Runner) Trigger(ctx context.Context, trigger workflow.Trigger) ([]TriggerResult, error) {
	l := r.l.With("ref", trigger.Ref, "sha", trigger.NewSha)

	if trigger.IsDeletion() {
		l.Info("ignoring ref deletion")
		return nil, nil
	}

	c := workflow.Compiler{Trigger: trigger}
	matched := c.Compile(r.workflows)
	for _, w := range c.Diagnostics.Warnings {
		l.Debug("workflow diagnostic", "path", w.Path, "type", w.Type, "reason", w.Reason)
	}
	if c.Diagnostics.IsErr() {
		e := c.Diagnostics.Errors[0]
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, e.Path, e.Error)
	}

	var results []TriggerResult
	for _, wf := range matched {
		res := TriggerResult{Workflow: wf.Name, Ref: trigger.Ref, Sha: trigger.NewSha}

		id, err := r.db.CreatePipeline(db.Pipeline{Workflow: wf.Name, Trigger: trigger}, r.n)
		if errors.Is(err, db.ErrDuplicateTrigger) {
			l.Info("push already triggered a pipeline", "pipeline", id, "workflow", wf.Name)
			res.Pipeline = id
			res.Duplicate = true
			results = append(results, res)
			continue
		}
		if err != nil {
			return results, fmt.Errorf("creating pipeline: %w", err)
		}
		res.Pipeline = id

		wid := models.WorkflowId{PipelineId: id, Name: wf.Name}
		if err := r.db.StatusPending(wid, r.n); err != nil {
			return results, err
		}

		if err := r.enqueue(wid, wf, trigger); err != nil {
			// drop the row so that a retried push is not taken for a duplicate
			if dbErr := r.db.DeletePipeline(id, r.n); dbErr != nil {
				l.Error("failed to drop unqueued pipeline", "pipeline", id, "error", dbErr)
				if dbErr := r.db.StatusFailed(wid, err.Error(), -1, r.n); dbErr != nil {
					l.Error("failed to record enqueue failure", "error", dbErr)
				}
			}
			return results, err
		}

		l.Info("pipeline enqueued successfully", "pipeline", id, "workflow", wf.Name)
		results = append(results, res)
	}

	return results, nil
}

func (r *Runner) enqueue(wid models.WorkflowId, wf workflow.Workflow, trigger workflow.Trigger) error {
	ok := r.jq.Enqueue(queue.Job{
		Run: func() error {
			return r.runWorkflow(r.base, wid, wf, trigger)
		},
		OnFail: func(jobError error) {
			r.l.Error("pipeline run failed", "workflow", wid, "error", jobError)
		},
	})
	if !ok {
		return ErrQueueFull
	}
	return nil
}

func (r *Runner) runWorkflow(ctx context.Context, wid models.WorkflowId, wf workflow.Workflow, trigger workflow.Trigger) error {
	// the runner is shutting down and the queue is being drained
	if err := ctx.Err(); err != nil {
		if dbErr := r.db.StatusCancelled(wid, err.Error(), r.n); dbErr != nil {
			return dbErr
		}
		return err
	}

	w, err := r.eng.InitWorkflow(wf, trigger)
	if err != nil {
		if dbErr := r.db.StatusFailed(wid, err.Error(), -1, r.n); dbErr != nil {
			return dbErr
		}
		return err
	}

	return engine.StartWorkflow(ctx, r.l, r.eng, engine.Options{
		DB:       r.db,
		Notifier: r.n,
		LogDir:   r.cfg.Pipelines.LogDir,
	}, wid, w)
}

// HandlePush is the endpoint the post-receive hook posts to.
func (r *Runner) HandlePush(w http.ResponseWriter, req *http.Request) {
	l := r.l.With("handler", "HandlePush")

	repoURL := req.Header.Get("X-Repo-Url")
	if repoURL == "" {
		writeError(w, "missing X-Repo-Url header", http.StatusBadRequest)
		return
	}

	lines, err := ParsePostReceive(req.Body)
	if err != nil {
		l.Error("failed to read payload", "err", err)
		writeError(w, "failed to read payload", http.StatusBadRequest)
		return
	}

	results := []TriggerResult{}
	for _, line := range lines {
		res, err := r.Trigger(req.Context(), line.Trigger(repoURL))
		results = append(results, res...)

		// pipelines queued for earlier lines are reported along with the error
		switch {
		case errors.Is(err, ErrQueueFull):
			l.Error("failed to enqueue pipeline: queue is full")
			writeTriggerError(w, err.Error(), results, http.StatusServiceUnavailable)
			return
		case errors.Is(err, ErrInvalid):
			writeTriggerError(w, err.Error(), results, http.StatusUnprocessableEntity)
			return
		case err != nil:
			l.Error("failed to trigger pipeline", "ref", line.Ref, "err", err)
			writeTriggerError(w, "failed to trigger pipeline", results, http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, results)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(data)
}

type triggerError struct {
	Error   string          `json:"error"`
	Results []TriggerResult `json:"results,omitempty"`
}

func writeTriggerError(w http.ResponseWriter, msg string, results []TriggerResult, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(triggerError{Error: msg, Results: results})
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
