// ABOUTME: Claim protocol poller: cooperative long-polling over the store's
// ABOUTME: atomic claim transaction, with a non-blocking still-polling signal.

package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/hive/internal/store"
)

// ErrNoAgentID is returned when a poll is attempted without an agent identity.
var ErrNoAgentID = errors.New("no agent id supplied")

// ErrAgentNotFound is returned when the polling agent is not registered.
var ErrAgentNotFound = errors.New("agent not found")

// Default poll window and retry interval.
const (
	DefaultMaxDuration  = 60 * time.Second
	DefaultPollInterval = 2 * time.Second
)

// Result is the outcome of one Poll call. Task is nil when the window
// elapsed without a claim; Waited is the elapsed wall-clock time either way.
type Result struct {
	Task   *store.Task
	Waited time.Duration
}

// Notification is emitted on the poller's side channel each time an attempt
// comes up empty and the poller goes back to sleep.
type Notification struct {
	AgentID string
	Waited  time.Duration
}

// Options tunes one Poll call. Zero values take the package defaults.
type Options struct {
	MaxDuration  time.Duration
	PollInterval time.Duration
}

// Poller runs the claim protocol against a store. Each attempt is a single
// store transaction, so two pollers can never both claim the same task: the
// loser observes it as no-longer-pending and loops again.
type Poller struct {
	store  store.Store
	notify chan<- Notification
	logger *slog.Logger
}

// NewPoller creates a Poller. notify may be nil; when set, still-polling
// notifications are sent to it best-effort and are dropped if nobody is
// listening.
func NewPoller(s store.Store, notify chan<- Notification) *Poller {
	return &Poller{
		store:  s,
		notify: notify,
		logger: slog.Default().With("component", "claim"),
	}
}

// Poll attempts to claim a task for the agent, retrying until the window
// elapses. An empty or unknown agent id is a terminal error. An exhausted
// window is not an error: the caller gets Result{Task: nil} and is expected
// to call Poll again. Store failures propagate so the caller can back off.
func (p *Poller) Poll(ctx context.Context, agentID string, opts Options) (*Result, error) {
	if agentID == "" {
		return nil, ErrNoAgentID
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	if _, err := p.store.GetAgent(ctx, agentID); err != nil {
		if err == store.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
		}
		return nil, fmt.Errorf("validating agent: %w", err)
	}

	start := time.Now()
	deadline := start.Add(opts.MaxDuration)

	for {
		task, err := p.store.ClaimNext(ctx, agentID)
		if err != nil {
			return nil, fmt.Errorf("claim attempt: %w", err)
		}
		if task != nil {
			waited := time.Since(start)
			p.logger.Info("poll claimed task",
				"agent_id", agentID,
				"task_id", task.ID,
				"waited", waited,
			)
			return &Result{Task: task, Waited: waited}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		p.sendNotification(Notification{AgentID: agentID, Waited: time.Since(start)})

		sleep := opts.PollInterval
		if sleep > remaining {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	waited := time.Since(start)
	p.logger.Debug("poll window exhausted", "agent_id", agentID, "waited", waited)
	return &Result{Waited: waited}, nil
}

// sendNotification never blocks. A full or absent channel drops the signal.
func (p *Poller) sendNotification(n Notification) {
	if p.notify == nil {
		return
	}
	select {
	case p.notify <- n:
	default:
	}
}
