// ABOUTME: Agent registry over the store, handles registration and status upkeep.
// ABOUTME: Runs the background sweep that marks stale agents offline.

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hive/internal/store"
)

// Registry manages agent records: registration, lookup, and liveness.
type Registry struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Registry backed by the given store.
func New(s store.Store) *Registry {
	return &Registry{
		store:  s,
		logger: slog.Default().With("component", "registry"),
	}
}

// RegisterAgent creates an agent record, or returns the existing one when the
// id is already registered. An empty id gets a generated UUID. Registration
// is idempotent so workers can re-register on every startup.
func (r *Registry) RegisterAgent(ctx context.Context, id, name string, isLead bool) (*store.Agent, error) {
	if id == "" {
		id = uuid.New().String()
	}

	existing, err := r.store.GetAgent(ctx, id)
	if err == nil {
		r.logger.Debug("agent already registered", "agent_id", id)
		return existing, nil
	}
	if err != store.ErrNotFound {
		return nil, fmt.Errorf("looking up agent: %w", err)
	}

	now := time.Now().UTC()
	agent := &store.Agent{
		ID:            id,
		Name:          name,
		IsLead:        isLead,
		Status:        store.AgentStatusIdle,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	if err := r.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("registering agent: %w", err)
	}

	r.logger.Info("agent registered",
		"agent_id", agent.ID,
		"name", agent.Name,
		"is_lead", agent.IsLead,
	)
	return agent, nil
}

// GetAgentByID returns the agent record for the given id.
// Returns store.ErrNotFound if no such agent exists.
func (r *Registry) GetAgentByID(ctx context.Context, id string) (*store.Agent, error) {
	return r.store.GetAgent(ctx, id)
}

// ListAgents returns all registered agents.
func (r *Registry) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	return r.store.ListAgents(ctx)
}

// UpdateAgentStatus sets an agent's status.
func (r *Registry) UpdateAgentStatus(ctx context.Context, id, status string) error {
	return r.store.UpdateAgentStatus(ctx, id, status)
}

// RunOfflineSweep periodically marks agents offline when they have not been
// heard from within timeout. It blocks until ctx is cancelled; run it in its
// own goroutine. A marked agent comes back to idle on its next poll.
func (r *Registry) RunOfflineSweep(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("offline sweep started", "interval", interval, "timeout", timeout)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("offline sweep stopped")
			return
		case <-ticker.C:
			staleBefore := time.Now().UTC().Add(-timeout)
			count, err := r.store.MarkAgentsOffline(ctx, staleBefore)
			if err != nil {
				r.logger.Error("offline sweep failed", "error", err)
				continue
			}
			if count > 0 {
				r.logger.Warn("agents marked offline", "count", count)
			}
		}
	}
}
