// ABOUTME: Store interface and data types for hive persistence
// ABOUTME: Defines Agent, Task structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Agent status values
const (
	AgentStatusIdle    = "idle"
	AgentStatusBusy    = "busy"
	AgentStatusOffline = "offline"
)

// Task status values
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// Agent represents a registered participant (lead or worker) with a status.
type Agent struct {
	ID            string
	Name          string
	IsLead        bool
	Status        string // "idle", "busy", "offline"
	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

// Task represents a unit of work with a lifecycle status. A task with an
// empty AgentID is a pool task, eligible for any polling agent to claim.
type Task struct {
	ID            string
	AgentID       string // empty means unassigned, in the pool
	Task          string // free-form instruction text
	Status        string // "pending", "in_progress", "completed", "failed"
	Progress      string
	Output        string
	FailureReason string
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	FinishedAt    *time.Time // set once on the first terminal transition
}

// Terminal reports whether the task has reached a terminal status.
func (t *Task) Terminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// ProgressUpdate carries the optional fields of a StoreProgress call.
// Nil fields are left untouched.
type ProgressUpdate struct {
	Progress      *string
	Status        *string
	Output        *string
	FailureReason *string
}

// Store defines the interface for agent and task persistence.
// Implementations must make StartTask and ClaimNext safe to call
// concurrently: the pending -> in_progress transition is a compare-and-swap
// on status, and at most one caller wins it per task.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgentStatus(ctx context.Context, id, status string) error
	MarkAgentsOffline(ctx context.Context, staleBefore time.Time) (int, error)

	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, statusFilter string) ([]*Task, error)
	PendingTaskForAgent(ctx context.Context, agentID string) (*Task, error)
	StartTask(ctx context.Context, id string) (*Task, error)
	StoreProgress(ctx context.Context, id string, update ProgressUpdate) (*Task, error)
	ReleaseTask(ctx context.Context, id string) error

	// ClaimNext runs the full claim transaction for one poll attempt:
	// self-heal the agent's status, find the next eligible pending task,
	// and start it, all in one atomic unit. Returns (nil, nil) when no
	// task is eligible.
	ClaimNext(ctx context.Context, agentID string) (*Task, error)

	// Close releases any resources held by the store
	Close() error
}
