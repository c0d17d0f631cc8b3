package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(id string) *TaskRecord {
	return &TaskRecord{
		ID:       id,
		TaskType: "copy",
		Payload:  `{"items":[]}`,
		Stats:    `{}`,
		UserID:   "a1",
		UserKind: "admin",
	}
}

func TestTaskCreateAndClaim(t *testing.T) {
	db := NewTestTaskDB(t)
	repo := db.Tasks

	require.NoError(t, repo.Create(newTask("copy-1")))
	require.NoError(t, repo.Create(newTask("copy-2")))

	claimed, err := repo.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "copy-1", claimed.ID)
	assert.Equal(t, TaskRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)
	assert.GreaterOrEqual(t, *claimed.StartedAt, claimed.CreatedAt)

	// Second claim picks the next pending row.
	claimed2, err := repo.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, "copy-2", claimed2.ID)

	// Nothing left.
	claimed3, err := repo.ClaimNext()
	require.NoError(t, err)
	assert.Nil(t, claimed3)
}

func TestTaskCancelVisibleMidFlight(t *testing.T) {
	db := NewTestTaskDB(t)
	repo := db.Tasks

	require.NoError(t, repo.Create(newTask("copy-1")))
	_, err := repo.ClaimNext()
	require.NoError(t, err)

	ok, err := repo.Cancel("copy-1")
	require.NoError(t, err)
	assert.True(t, ok)

	cancelled, err := repo.IsCancelled("copy-1")
	require.NoError(t, err)
	assert.True(t, cancelled)

	// Finish must not overwrite the cancellation.
	require.NoError(t, repo.Finish("copy-1", TaskCompleted, `{}`, nil))
	rec, err := repo.Get("copy-1")
	require.NoError(t, err)
	assert.Equal(t, TaskCancelled, rec.Status)

	// Double cancel reports no transition.
	ok, err = repo.Cancel("copy-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTaskDeleteOnlyTerminal(t *testing.T) {
	db := NewTestTaskDB(t)
	repo := db.Tasks

	require.NoError(t, repo.Create(newTask("copy-1")))

	ok, err := repo.Delete("copy-1")
	require.NoError(t, err)
	assert.False(t, ok, "pending task must not be deletable")

	_, err = repo.ClaimNext()
	require.NoError(t, err)
	require.NoError(t, repo.Finish("copy-1", TaskFailed, `{}`, nil))

	ok, err = repo.Delete("copy-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTaskRecoverInterrupted(t *testing.T) {
	db := NewTestTaskDB(t)
	repo := db.Tasks

	require.NoError(t, repo.Create(newTask("copy-1")))
	require.NoError(t, repo.Create(newTask("copy-2")))
	_, err := repo.ClaimNext()
	require.NoError(t, err)

	n, err := repo.RecoverInterrupted()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	rec, err := repo.Get("copy-1")
	require.NoError(t, err)
	assert.Equal(t, TaskPending, rec.Status)
	assert.Nil(t, rec.StartedAt)
}

func TestTaskListFilter(t *testing.T) {
	db := NewTestTaskDB(t)
	repo := db.Tasks

	require.NoError(t, repo.Create(newTask("copy-1")))
	other := newTask("del-1")
	other.TaskType = "delete"
	require.NoError(t, repo.Create(other))

	tt := "copy"
	list, err := repo.List(TaskFilter{TaskType: &tt})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "copy-1", list[0].ID)

	status := TaskPending
	list, err = repo.List(TaskFilter{Status: &status})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestTaskTerminalTimestamps(t *testing.T) {
	db := NewTestTaskDB(t)
	repo := db.Tasks

	require.NoError(t, repo.Create(newTask("copy-1")))
	claimed, err := repo.ClaimNext()
	require.NoError(t, err)
	require.NoError(t, repo.Finish("copy-1", TaskCompleted, `{}`, nil))

	rec, err := repo.Get("copy-1")
	require.NoError(t, err)
	require.NotNil(t, rec.FinishedAt)
	assert.GreaterOrEqual(t, *rec.FinishedAt, *claimed.StartedAt)
	assert.GreaterOrEqual(t, *claimed.StartedAt, rec.CreatedAt)
}
