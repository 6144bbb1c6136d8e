// ABOUTME: Tests for the gateway HTTP client
// ABOUTME: Runs against a real in-process gateway handler

package client

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hive/internal/config"
	"github.com/2389/hive/internal/gateway"
	"github.com/2389/hive/internal/store"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	return newTestClientWithPoll(t, config.PollConfig{
		MaxDuration:  time.Second,
		PollInterval: 100 * time.Millisecond,
	})
}

func newTestClientWithPoll(t *testing.T, poll config.PollConfig) *Client {
	t.Helper()

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "localhost:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")},
		Agents: config.AgentsConfig{
			HeartbeatInterval: config.DefaultHeartbeatInterval,
			HeartbeatTimeout:  config.DefaultHeartbeatTimeout,
		},
		Poll: poll,
	}

	gw, err := gateway.New(cfg, slog.Default())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)

	return New(srv.URL)
}

func TestClient_RegisterAndList(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	agent, err := c.Register(ctx, "agent-1", "builder", false)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", agent.ID)
	assert.Equal(t, store.AgentStatusIdle, agent.Status)

	// Re-registration returns the same record.
	again, err := c.Register(ctx, "agent-1", "builder", false)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, again.ID)

	agents, err := c.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestClient_CreateAndGetTask(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	created, err := c.CreateTask(ctx, "", "inspect the logs")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusPending, created.Status)

	task, err := c.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "inspect the logs", task.Task)

	_, err = c.GetTask(ctx, "nonexistent")
	assert.ErrorContains(t, err, "404")
}

func TestClient_PollClaimsTask(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Register(ctx, "agent-1", "builder", false)
	require.NoError(t, err)
	created, err := c.CreateTask(ctx, "", "pool work")
	require.NoError(t, err)

	poll, err := c.Poll(ctx, "agent-1", time.Second, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, poll.Success)
	require.NotNil(t, poll.Task)
	assert.Equal(t, created.ID, poll.Task.ID)
	assert.Equal(t, store.TaskStatusInProgress, poll.Task.Status)
}

func TestClient_PollEmptyWindow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Register(ctx, "agent-1", "builder", false)
	require.NoError(t, err)

	poll, err := c.Poll(ctx, "agent-1", time.Second, 200*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, poll.Success)
	assert.Nil(t, poll.Task)
	assert.Greater(t, poll.WaitedForSeconds, 0.5)
}

func TestClient_PollSubSecondWindowRoundsUp(t *testing.T) {
	// The server default here is long; a sub-second window must still be
	// sent (rounded up to 1s), never dropped to the default.
	c := newTestClientWithPoll(t, config.PollConfig{
		MaxDuration:  30 * time.Second,
		PollInterval: 100 * time.Millisecond,
	})
	ctx := context.Background()

	_, err := c.Register(ctx, "agent-1", "builder", false)
	require.NoError(t, err)

	start := time.Now()
	poll, err := c.Poll(ctx, "agent-1", 300*time.Millisecond, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.False(t, poll.Success)
	assert.Less(t, elapsed, 5*time.Second, "sub-second window fell back to the server default")
}

func TestClient_PollUnknownAgent(t *testing.T) {
	c := newTestClient(t)

	_, err := c.Poll(context.Background(), "ghost", time.Second, 100*time.Millisecond)
	require.Error(t, err)
	assert.ErrorContains(t, err, "404")
}

func TestClient_ProgressAndListTasks(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	created, err := c.CreateTask(ctx, "agent-1", "work")
	require.NoError(t, err)

	progress := "halfway there"
	task, err := c.StoreProgress(ctx, created.ID, gateway.ProgressRequest{Progress: &progress})
	require.NoError(t, err)
	assert.Equal(t, "halfway there", task.Progress)

	status := store.TaskStatusCompleted
	output := "done"
	task, err = c.StoreProgress(ctx, created.ID, gateway.ProgressRequest{Status: &status, Output: &output})
	require.NoError(t, err)
	assert.NotEmpty(t, task.FinishedAt)

	tasks, err := c.ListTasks(ctx, "completed")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestClient_ReleaseTask(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Register(ctx, "agent-1", "builder", false)
	require.NoError(t, err)
	created, err := c.CreateTask(ctx, "agent-1", "work")
	require.NoError(t, err)
	_, err = c.Poll(ctx, "agent-1", time.Second, 100*time.Millisecond)
	require.NoError(t, err)

	task, err := c.ReleaseTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusPending, task.Status)
	assert.Empty(t, task.AgentID)
}

func TestClient_Health(t *testing.T) {
	c := newTestClient(t)

	require.NoError(t, c.Health(context.Background()))

	bad := New("http://127.0.0.1:1")
	assert.Error(t, bad.Health(context.Background()))
}
