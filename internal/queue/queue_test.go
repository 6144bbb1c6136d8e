// ABOUTME: Tests for the task queue
// ABOUTME: Covers creation, listing defaults, progress validation, and release

package queue

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hive/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return New(s)
}

func TestCreateTask_Pool(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.CreateTask(context.Background(), "", "review the open PRs")
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Empty(t, task.AgentID)
	assert.Equal(t, store.TaskStatusPending, task.Status)
	assert.Nil(t, task.FinishedAt)
}

func TestCreateTask_Assigned(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.CreateTask(context.Background(), "agent-1", "fix the flaky test")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", task.AgentID)
}

func TestCreateTask_EmptyText(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.CreateTask(context.Background(), "", "   ")
	assert.Error(t, err)
}

func TestGetAllTasks_DefaultsToInProgress(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	pending, err := q.CreateTask(ctx, "", "waiting work")
	require.NoError(t, err)
	started, err := q.CreateTask(ctx, "", "active work")
	require.NoError(t, err)
	_, err = q.StartTask(ctx, started.ID)
	require.NoError(t, err)

	tasks, err := q.GetAllTasks(ctx, "")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, started.ID, tasks[0].ID)

	tasks, err = q.GetAllTasks(ctx, StatusFilterAll)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	tasks, err = q.GetAllTasks(ctx, store.TaskStatusPending)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, pending.ID, tasks[0].ID)
}

func TestGetTaskByID(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	created, err := q.CreateTask(ctx, "", "some work")
	require.NoError(t, err)

	task, err := q.GetTaskByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "some work", task.Task)

	_, err = q.GetTaskByID(ctx, "nonexistent")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetPendingTaskForAgent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	pool, err := q.CreateTask(ctx, "", "pool work")
	require.NoError(t, err)

	task, err := q.GetPendingTaskForAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, pool.ID, task.ID)

	// Read-only: the task is still pending afterwards.
	task, err = q.GetTaskByID(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusPending, task.Status)
}

func TestStoreProgress_InvalidStatus(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	created, err := q.CreateTask(ctx, "", "some work")
	require.NoError(t, err)

	bogus := "exploded"
	_, err = q.StoreProgress(ctx, created.ID, store.ProgressUpdate{Status: &bogus})
	assert.Error(t, err)
}

func TestStoreProgress_Terminal(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	created, err := q.CreateTask(ctx, "agent-1", "some work")
	require.NoError(t, err)

	status := store.TaskStatusCompleted
	output := "done"
	task, err := q.StoreProgress(ctx, created.ID, store.ProgressUpdate{Status: &status, Output: &output})
	require.NoError(t, err)
	assert.True(t, task.Terminal())
	assert.NotNil(t, task.FinishedAt)
}

func TestReleaseTask(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	created, err := q.CreateTask(ctx, "agent-1", "some work")
	require.NoError(t, err)
	_, err = q.StartTask(ctx, created.ID)
	require.NoError(t, err)

	require.NoError(t, q.ReleaseTask(ctx, created.ID))

	task, err := q.GetTaskByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusPending, task.Status)
	assert.Empty(t, task.AgentID)

	assert.ErrorIs(t, q.ReleaseTask(ctx, "nonexistent"), store.ErrNotFound)
}
