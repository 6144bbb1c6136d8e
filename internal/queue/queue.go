// ABOUTME: Task queue over the store: creation, listing, progress, release.
// ABOUTME: The pending -> in_progress transition itself lives in the claim path.

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hive/internal/store"
)

// ErrInvalidStatus is returned when a progress update carries a status
// outside the task lifecycle.
var ErrInvalidStatus = errors.New("invalid task status")

// StatusFilterAll lists tasks in every status. An empty filter defaults to
// in_progress, which is what operators usually want to see.
const StatusFilterAll = "all"

// Queue manages task records: creation, listing, progress reporting, and
// release back to the pool.
type Queue struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Queue backed by the given store.
func New(s store.Store) *Queue {
	return &Queue{
		store:  s,
		logger: slog.Default().With("component", "queue"),
	}
}

// CreateTask creates a pending task. An empty agentID leaves the task in the
// pool for any agent to claim.
func (q *Queue) CreateTask(ctx context.Context, agentID, text string) (*store.Task, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("task text is required")
	}

	now := time.Now().UTC()
	task := &store.Task{
		ID:            uuid.New().String(),
		AgentID:       agentID,
		Task:          text,
		Status:        store.TaskStatusPending,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	if err := q.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	q.logger.Info("task created", "task_id", task.ID, "agent_id", agentID, "pool", agentID == "")
	return task, nil
}

// GetAllTasks lists tasks sorted by last_updated_at descending. An empty
// filter defaults to in_progress; pass StatusFilterAll for every status.
func (q *Queue) GetAllTasks(ctx context.Context, statusFilter string) ([]*store.Task, error) {
	switch statusFilter {
	case "":
		statusFilter = store.TaskStatusInProgress
	case StatusFilterAll:
		statusFilter = ""
	}
	return q.store.ListTasks(ctx, statusFilter)
}

// GetTaskByID returns the full task record, including output and failure
// reason. Returns store.ErrNotFound if no such task exists.
func (q *Queue) GetTaskByID(ctx context.Context, id string) (*store.Task, error) {
	return q.store.GetTask(ctx, id)
}

// GetPendingTaskForAgent returns the next task the agent would claim, or
// (nil, nil) when none is eligible. Read-only: the claim itself must go
// through the claim protocol.
func (q *Queue) GetPendingTaskForAgent(ctx context.Context, agentID string) (*store.Task, error) {
	return q.store.PendingTaskForAgent(ctx, agentID)
}

// StartTask transitions a pending task to in_progress. Returns (nil, nil)
// when the task is no longer pending (lost race).
func (q *Queue) StartTask(ctx context.Context, id string) (*store.Task, error) {
	return q.store.StartTask(ctx, id)
}

// StoreProgress applies a progress update to a task.
func (q *Queue) StoreProgress(ctx context.Context, id string, update store.ProgressUpdate) (*store.Task, error) {
	if update.Status != nil && !validTaskStatus(*update.Status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *update.Status)
	}
	return q.store.StoreProgress(ctx, id, update)
}

// ReleaseTask clears the task's agent binding and returns it to the pool.
func (q *Queue) ReleaseTask(ctx context.Context, id string) error {
	if err := q.store.ReleaseTask(ctx, id); err != nil {
		return err
	}
	q.logger.Info("task released", "task_id", id)
	return nil
}

func validTaskStatus(status string) bool {
	switch status {
	case store.TaskStatusPending, store.TaskStatusInProgress,
		store.TaskStatusCompleted, store.TaskStatusFailed:
		return true
	}
	return false
}
