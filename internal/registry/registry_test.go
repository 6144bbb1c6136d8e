// ABOUTME: Tests for the agent registry
// ABOUTME: Covers idempotent registration, lookup, and the offline sweep

package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hive/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, store.Store) {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return New(s), s
}

func TestRegisterAgent_GeneratesID(t *testing.T) {
	reg, _ := newTestRegistry(t)

	agent, err := reg.RegisterAgent(context.Background(), "", "builder", false)
	require.NoError(t, err)
	assert.NotEmpty(t, agent.ID)
	assert.Equal(t, "builder", agent.Name)
	assert.Equal(t, store.AgentStatusIdle, agent.Status)
	assert.False(t, agent.IsLead)
}

func TestRegisterAgent_Idempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.RegisterAgent(ctx, "agent-1", "builder", false)
	require.NoError(t, err)

	// Re-registering the same id returns the existing record untouched.
	second, err := reg.RegisterAgent(ctx, "agent-1", "renamed", true)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "builder", second.Name)
	assert.False(t, second.IsLead)
}

func TestRegisterAgent_Lead(t *testing.T) {
	reg, _ := newTestRegistry(t)

	agent, err := reg.RegisterAgent(context.Background(), "lead-1", "coordinator", true)
	require.NoError(t, err)
	assert.True(t, agent.IsLead)
}

func TestGetAgentByID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterAgent(ctx, "agent-1", "builder", false)
	require.NoError(t, err)

	agent, err := reg.GetAgentByID(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "builder", agent.Name)

	_, err = reg.GetAgentByID(ctx, "nonexistent")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListAgents(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterAgent(ctx, "agent-1", "builder", false)
	require.NoError(t, err)
	_, err = reg.RegisterAgent(ctx, "agent-2", "reviewer", false)
	require.NoError(t, err)

	agents, err := reg.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 2)
}

func TestRunOfflineSweep(t *testing.T) {
	reg, s := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stale := &store.Agent{
		ID:            "stale-agent",
		Name:          "stale",
		Status:        store.AgentStatusIdle,
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
		LastUpdatedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, s.CreateAgent(ctx, stale))

	go reg.RunOfflineSweep(ctx, 10*time.Millisecond, time.Minute)

	require.Eventually(t, func() bool {
		agent, err := s.GetAgent(ctx, "stale-agent")
		return err == nil && agent.Status == store.AgentStatusOffline
	}, 2*time.Second, 10*time.Millisecond)
}
