package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/scanline/notifier"
	"tangled.sh/tangled.sh/scanline/runner/models"
)

type Event struct {
	Id         int64             `json:"id"`
	PipelineId models.PipelineId `json:"pipeline"`
	Workflow   string            `json:"workflow"`
	Status     models.StatusKind `json:"status"`
	Error      *string           `json:"error,omitempty"`
	ExitCode   *int64            `json:"exit_code,omitempty"`
	Created    time.Time         `json:"created"`
}

func (d *DB) createStatusEvent(
	workflowId models.WorkflowId,
	statusKind models.StatusKind,
	workflowError *string,
	exitCode *int64,
	n *notifier.Notifier,
) error {
	_, err := d.Exec(
		`insert into events (pipeline_id, workflow, status, error, exit_code, created) values (?, ?, ?, ?, ?, ?)`,
		workflowId.PipelineId,
		workflowId.Name,
		statusKind,
		workflowError,
		exitCode,
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting %s event for %s: %w", statusKind, workflowId, err)
	}

	n.NotifyAll()
	return nil
}

// GetEvents returns up to 100 status events after cursor, oldest first.
func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	rows, err := d.Query(`
		select id, pipeline_id, workflow, status, error, exit_code, created
		from events
		where id > ?
		order by id asc
		limit 100
	`, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}

func scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var (
		ev      Event
		created int64
	)
	err := row.Scan(&ev.Id, &ev.PipelineId, &ev.Workflow, &ev.Status, &ev.Error, &ev.ExitCode, &created)
	ev.Created = time.Unix(0, created)
	return ev, err
}

// GetStatus returns the latest status event of a workflow.
func (d *DB) GetStatus(workflowId models.WorkflowId) (*Event, error) {
	row := d.QueryRow(`
		select id, pipeline_id, workflow, status, error, exit_code, created
		from events
		where pipeline_id = ? and workflow = ?
		order by id desc
		limit 1
	`, workflowId.PipelineId, workflowId.Name)

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("status of %s: %w", workflowId, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	return &ev, nil
}

func (d *DB) StatusPending(workflowId models.WorkflowId, n *notifier.Notifier) error {
	return d.createStatusEvent(workflowId, models.StatusKindPending, nil, nil, n)
}

func (d *DB) StatusRunning(workflowId models.WorkflowId, n *notifier.Notifier) error {
	return d.createStatusEvent(workflowId, models.StatusKindRunning, nil, nil, n)
}

func (d *DB) StatusFailed(workflowId models.WorkflowId, workflowError string, exitCode int64, n *notifier.Notifier) error {
	return d.createStatusEvent(workflowId, models.StatusKindFailed, &workflowError, &exitCode, n)
}

func (d *DB) StatusCancelled(workflowId models.WorkflowId, workflowError string, n *notifier.Notifier) error {
	return d.createStatusEvent(workflowId, models.StatusKindCancelled, &workflowError, nil, n)
}

func (d *DB) StatusSuccess(workflowId models.WorkflowId, n *notifier.Notifier) error {
	return d.createStatusEvent(workflowId, models.StatusKindSuccess, nil, nil, n)
}

func (d *DB) StatusTimeout(workflowId models.WorkflowId, n *notifier.Notifier) error {
	return d.createStatusEvent(workflowId, models.StatusKindTimeout, nil, nil, n)
}
