package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.sh/tangled.sh/scanline/notifier"
	"tangled.sh/tangled.sh/scanline/runner/models"
	"tangled.sh/tangled.sh/scanline/workflow"
)

func createInMemoryDB(t *testing.T) *DB {
	t.Helper()
	d, err := Make(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func pushTo(ref, sha string) workflow.Trigger {
	return workflow.Trigger{
		Kind:    workflow.TriggerKindPush,
		RepoURL: "https://example.com/webapp.git",
		Ref:     ref,
		OldSha:  strings.Repeat("0", 40),
		NewSha:  sha,
	}
}

func TestCreatePipelineOncePerPush(t *testing.T) {
	d := createInMemoryDB(t)
	n := notifier.New()
	sha := strings.Repeat("a", 40)

	first, err := d.CreatePipeline(Pipeline{Workflow: "default.yml", Trigger: pushTo("refs/heads/main", sha)}, n)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := d.CreatePipeline(Pipeline{Workflow: "default.yml", Trigger: pushTo("refs/heads/main", sha)}, n)
	assert.ErrorIs(t, err, ErrDuplicateTrigger)
	assert.Equal(t, first, second)

	// a different commit is a different run
	third, err := d.CreatePipeline(Pipeline{Workflow: "default.yml", Trigger: pushTo("refs/heads/main", strings.Repeat("b", 40))}, n)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)

	pipelines, err := d.GetPipelines(0)
	require.NoError(t, err)
	assert.Len(t, pipelines, 2)
}

func TestManualTriggersAreNotDeduplicated(t *testing.T) {
	d := createInMemoryDB(t)
	manual := workflow.Trigger{Kind: workflow.TriggerKindManual, RepoURL: "https://example.com/webapp.git", Ref: "refs/heads/main"}

	a, err := d.CreatePipeline(Pipeline{Workflow: "default.yml", Trigger: manual}, nil)
	require.NoError(t, err)
	b, err := d.CreatePipeline(Pipeline{Workflow: "default.yml", Trigger: manual}, nil)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestCreatePipelineNotifies(t *testing.T) {
	d := createInMemoryDB(t)
	n := notifier.New()
	ch := n.Subscribe()

	_, err := d.CreatePipeline(Pipeline{Workflow: "default.yml", Trigger: pushTo("refs/heads/main", strings.Repeat("c", 40))}, n)
	require.NoError(t, err)

	assert.Len(t, ch, 1)
}

func TestStatusEvents(t *testing.T) {
	d := createInMemoryDB(t)
	n := notifier.New()

	id, err := d.CreatePipeline(Pipeline{Workflow: "default.yml", Trigger: pushTo("refs/heads/main", strings.Repeat("d", 40))}, n)
	require.NoError(t, err)
	wid := models.WorkflowId{PipelineId: id, Name: "default.yml"}

	p, err := d.GetPipeline(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKind(""), p.Status)
	assert.Equal(t, "refs/heads/main", p.Trigger.Ref)

	require.NoError(t, d.StatusPending(wid, n))
	require.NoError(t, d.StatusRunning(wid, n))
	require.NoError(t, d.StatusFailed(wid, "exit status 2", 2, n))

	status, err := d.GetStatus(wid)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindFailed, status.Status)
	require.NotNil(t, status.ExitCode)
	assert.EqualValues(t, 2, *status.ExitCode)
	require.NotNil(t, status.Error)
	assert.Equal(t, "exit status 2", *status.Error)

	p, err = d.GetPipeline(id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusKindFailed, p.Status)

	events, err := d.GetEvents(0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, models.StatusKindPending, events[0].Status)
	assert.Nil(t, events[0].ExitCode)

	later, err := d.GetEvents(events[1].Id)
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, models.StatusKindFailed, later[0].Status)
}

func TestGetMissing(t *testing.T) {
	d := createInMemoryDB(t)

	_, err := d.GetPipeline(models.NewPipelineId())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = d.GetStatus(models.WorkflowId{PipelineId: models.NewPipelineId(), Name: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeletePipelineFreesPush(t *testing.T) {
	d := createInMemoryDB(t)
	sha := strings.Repeat("c", 40)
	p := Pipeline{Workflow: "default.yml", Trigger: pushTo("refs/heads/main", sha)}

	id, err := d.CreatePipeline(p, nil)
	require.NoError(t, err)
	wid := models.WorkflowId{PipelineId: id, Name: "default.yml"}
	require.NoError(t, d.StatusPending(wid, nil))

	require.NoError(t, d.DeletePipeline(id, nil))

	_, err = d.GetPipeline(id)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = d.GetStatus(wid)
	assert.ErrorIs(t, err, ErrNotFound)

	again, err := d.CreatePipeline(p, nil)
	require.NoError(t, err)
	assert.NotEqual(t, id, again)

	assert.ErrorIs(t, d.DeletePipeline(id, nil), ErrNotFound)
}
