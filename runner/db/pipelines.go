package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"tangled.sh/tangled.sh/scanline/notifier"
	"tangled.sh/tangled.sh/scanline/runner/models"
	"tangled.sh/tangled.sh/scanline/workflow"
)

var (
	ErrDuplicateTrigger = errors.New("pipeline already triggered")
	ErrNotFound         = errors.New("not found")
)

type Pipeline struct {
	Seq      int64             `json:"-"`
	Id       models.PipelineId `json:"id"`
	Workflow string            `json:"workflow"`
	Trigger  workflow.Trigger  `json:"trigger"`
	Created  time.Time         `json:"created"`

	// latest status event, filled by GetPipeline and GetPipelines
	Status   models.StatusKind `json:"status,omitempty"`
	Error    *string           `json:"error,omitempty"`
	ExitCode *int64            `json:"exit_code,omitempty"`
}

func (p Pipeline) WorkflowId() models.WorkflowId {
	return models.WorkflowId{
		PipelineId: p.Id,
		Name:       p.Workflow,
	}
}

// CreatePipeline records a new run. When the same push was already recorded
// for this workflow, the existing id is returned with ErrDuplicateTrigger.
func (d *DB) CreatePipeline(p Pipeline, n *notifier.Notifier) (models.PipelineId, error) {
	if p.Id == "" {
		p.Id = models.NewPipelineId()
	}
	if p.Created.IsZero() {
		p.Created = time.Now()
	}

	trigger, err := json.Marshal(p.Trigger)
	if err != nil {
		return "", err
	}

	_, err = d.Exec(`
		insert into pipelines (id, kind, repo, ref, sha, workflow, trigger, created)
		values (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.Id,
		p.Trigger.Kind,
		p.Trigger.RepoURL,
		p.Trigger.Ref,
		p.Trigger.NewSha,
		p.Workflow,
		string(trigger),
		p.Created.UnixNano(),
	)

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		var existing models.PipelineId
		lookupErr := d.QueryRow(`
			select id from pipelines
			where kind = 'push' and repo = ? and ref = ? and sha = ? and workflow = ?
		`, p.Trigger.RepoURL, p.Trigger.Ref, p.Trigger.NewSha, p.Workflow).Scan(&existing)
		if lookupErr != nil {
			return "", fmt.Errorf("looking up existing pipeline: %w", lookupErr)
		}
		return existing, ErrDuplicateTrigger
	}
	if err != nil {
		return "", err
	}

	n.NotifyAll()
	return p.Id, nil
}

const pipelineColumns = `
	p.seq, p.id, p.workflow, p.trigger, p.created,
	e.status, e.error, e.exit_code
`

// joins every pipeline with its most recent status event
const pipelineFrom = `
	from pipelines p
	left join events e on e.id = (
		select max(id) from events
		where pipeline_id = p.id and workflow = p.workflow
	)
`

func scanPipeline(row interface{ Scan(...any) error }) (Pipeline, error) {
	var (
		p       Pipeline
		trigger string
		created int64
		status  sql.NullString
	)

	err := row.Scan(&p.Seq, &p.Id, &p.Workflow, &trigger, &created, &status, &p.Error, &p.ExitCode)
	if err != nil {
		return p, err
	}

	if err := json.Unmarshal([]byte(trigger), &p.Trigger); err != nil {
		return p, fmt.Errorf("decoding trigger: %w", err)
	}
	p.Created = time.Unix(0, created)
	p.Status = models.StatusKind(status.String)

	return p, nil
}

func (d *DB) GetPipeline(id models.PipelineId) (Pipeline, error) {
	row := d.QueryRow(`select `+pipelineColumns+pipelineFrom+` where p.id = ?`, id)

	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
	}
	return p, err
}

// GetPipelines returns up to 100 pipelines created after cursor, oldest first.
func (d *DB) GetPipelines(cursor int64) ([]Pipeline, error) {
	rows, err := d.Query(`
		select `+pipelineColumns+pipelineFrom+`
		where p.seq > ?
		order by p.seq asc
		limit 100
	`, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelines []Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return pipelines, nil
}

// DeletePipeline removes a pipeline and its status events, freeing its push
// for a later trigger.
func (d *DB) DeletePipeline(id models.PipelineId, n *notifier.Notifier) error {
	res, err := d.Exec(`delete from pipelines where id = ?`, id)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("pipeline %s: %w", id, ErrNotFound)
	}

	n.NotifyAll()
	return nil
}
