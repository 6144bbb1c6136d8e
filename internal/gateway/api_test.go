// ABOUTME: Tests for the gateway HTTP API handlers
// ABOUTME: Exercises registration, task CRUD, polling, and error status codes

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hive/internal/config"
	"github.com/2389/hive/internal/store"
)

func newTestServer(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "localhost:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")},
		Agents: config.AgentsConfig{
			HeartbeatInterval: config.DefaultHeartbeatInterval,
			HeartbeatTimeout:  config.DefaultHeartbeatTimeout,
		},
		Poll: config.PollConfig{
			MaxDuration:  time.Second,
			PollInterval: 100 * time.Millisecond,
		},
	}

	gw, err := New(cfg, slog.Default())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(func() {
		srv.Close()
		gw.store.Close()
	})
	return gw, srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func registerTestAgent(t *testing.T, baseURL, id string) AgentResponse {
	t.Helper()

	resp := postJSON(t, baseURL+"/api/agents/register", RegisterAgentRequest{
		AgentID: id,
		Name:    "agent " + id,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeJSON[AgentResponse](t, resp)
}

func createTestTask(t *testing.T, baseURL, agentID, text string) TaskResponse {
	t.Helper()

	resp := postJSON(t, baseURL+"/api/tasks", CreateTaskRequest{AgentID: agentID, Task: text})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeJSON[TaskResponse](t, resp)
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterAgent(t *testing.T) {
	_, srv := newTestServer(t)

	agent := registerTestAgent(t, srv.URL, "agent-1")
	assert.Equal(t, "agent-1", agent.ID)
	assert.Equal(t, store.AgentStatusIdle, agent.Status)
	assert.False(t, agent.IsLead)
}

func TestRegisterAgent_GeneratedID(t *testing.T) {
	_, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/agents/register", RegisterAgentRequest{Name: "anon"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	agent := decodeJSON[AgentResponse](t, resp)
	assert.NotEmpty(t, agent.ID)
}

func TestRegisterAgent_MissingName(t *testing.T) {
	_, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/agents/register", RegisterAgentRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterAgent_MethodNotAllowed(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/agents/register")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestListAgents(t *testing.T) {
	_, srv := newTestServer(t)

	registerTestAgent(t, srv.URL, "agent-1")
	registerTestAgent(t, srv.URL, "agent-2")

	resp, err := http.Get(srv.URL + "/api/agents")
	require.NoError(t, err)
	agents := decodeJSON[[]AgentResponse](t, resp)
	assert.Len(t, agents, 2)
}

func TestCreateAndGetTask(t *testing.T) {
	_, srv := newTestServer(t)

	created := createTestTask(t, srv.URL, "", "review the queue")
	assert.Equal(t, store.TaskStatusPending, created.Status)
	assert.Empty(t, created.AgentID)

	resp, err := http.Get(srv.URL + "/api/tasks/" + created.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	task := decodeJSON[TaskResponse](t, resp)
	assert.Equal(t, "review the queue", task.Task)
}

func TestCreateTask_MissingText(t *testing.T) {
	_, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/tasks", CreateTaskRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTask_NotFound(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/tasks/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListTasks_DefaultFilter(t *testing.T) {
	_, srv := newTestServer(t)

	createTestTask(t, srv.URL, "", "pending work")
	registerTestAgent(t, srv.URL, "agent-1")

	// Claim the second task so it shows up under the default filter.
	createTestTask(t, srv.URL, "agent-1", "active work")
	pollResp := postJSON(t, srv.URL+"/api/poll", PollRequest{AgentID: "agent-1"})
	require.Equal(t, http.StatusOK, pollResp.StatusCode)
	poll := decodeJSON[PollResponse](t, pollResp)
	require.True(t, poll.Success)

	resp, err := http.Get(srv.URL + "/api/tasks")
	require.NoError(t, err)
	tasks := decodeJSON[[]TaskSummary](t, resp)
	require.Len(t, tasks, 1)
	assert.Equal(t, store.TaskStatusInProgress, tasks[0].Status)

	resp, err = http.Get(srv.URL + "/api/tasks?status=all")
	require.NoError(t, err)
	tasks = decodeJSON[[]TaskSummary](t, resp)
	assert.Len(t, tasks, 2)
}

func TestTaskSummaryOmitsOutput(t *testing.T) {
	_, srv := newTestServer(t)

	created := createTestTask(t, srv.URL, "", "secret work")
	output := "detailed output"
	status := store.TaskStatusCompleted
	resp := postJSON(t, srv.URL+"/api/tasks/"+created.ID+"/progress", ProgressRequest{
		Status: &status,
		Output: &output,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	listResp, err := http.Get(srv.URL + "/api/tasks?status=completed")
	require.NoError(t, err)
	defer listResp.Body.Close()

	var raw []map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&raw))
	require.Len(t, raw, 1)
	assert.NotContains(t, raw[0], "output")
	assert.NotContains(t, raw[0], "failure_reason")

	// The detail endpoint does include the output.
	detailResp, err := http.Get(srv.URL + "/api/tasks/" + created.ID)
	require.NoError(t, err)
	detail := decodeJSON[TaskResponse](t, detailResp)
	assert.Equal(t, "detailed output", detail.Output)
}

func TestPoll_ClaimsTask(t *testing.T) {
	_, srv := newTestServer(t)

	registerTestAgent(t, srv.URL, "agent-1")
	created := createTestTask(t, srv.URL, "", "pool work")

	resp := postJSON(t, srv.URL+"/api/poll", PollRequest{AgentID: "agent-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	poll := decodeJSON[PollResponse](t, resp)
	require.True(t, poll.Success)
	require.NotNil(t, poll.Task)
	assert.Equal(t, created.ID, poll.Task.ID)
	assert.Equal(t, "agent-1", poll.Task.AgentID)
	assert.Equal(t, store.TaskStatusInProgress, poll.Task.Status)
}

func TestPoll_EmptyWindow(t *testing.T) {
	_, srv := newTestServer(t)

	registerTestAgent(t, srv.URL, "agent-1")

	resp := postJSON(t, srv.URL+"/api/poll", PollRequest{
		AgentID:            "agent-1",
		MaxDurationSeconds: 1,
		PollIntervalMs:     200,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	poll := decodeJSON[PollResponse](t, resp)
	assert.False(t, poll.Success)
	assert.Nil(t, poll.Task)
	assert.InDelta(t, 1.0, poll.WaitedForSeconds, 0.5)
}

func TestPoll_MissingAgentID(t *testing.T) {
	_, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/poll", PollRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPoll_UnknownAgent(t *testing.T) {
	_, srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/poll", PollRequest{AgentID: "ghost"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReleaseTask(t *testing.T) {
	_, srv := newTestServer(t)

	registerTestAgent(t, srv.URL, "agent-1")
	created := createTestTask(t, srv.URL, "agent-1", "work")

	pollResp := postJSON(t, srv.URL+"/api/poll", PollRequest{AgentID: "agent-1"})
	require.Equal(t, http.StatusOK, pollResp.StatusCode)
	pollResp.Body.Close()

	resp := postJSON(t, srv.URL+"/api/tasks/"+created.ID+"/release", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	task := decodeJSON[TaskResponse](t, resp)
	assert.Equal(t, store.TaskStatusPending, task.Status)
	assert.Empty(t, task.AgentID)
}

func TestProgress_TerminalStatus(t *testing.T) {
	_, srv := newTestServer(t)

	created := createTestTask(t, srv.URL, "", "work")

	status := store.TaskStatusFailed
	reason := "subprocess exited with code 1"
	resp := postJSON(t, srv.URL+"/api/tasks/"+created.ID+"/progress", ProgressRequest{
		Status:        &status,
		FailureReason: &reason,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	task := decodeJSON[TaskResponse](t, resp)
	assert.Equal(t, store.TaskStatusFailed, task.Status)
	assert.Equal(t, reason, task.FailureReason)
	assert.NotEmpty(t, task.FinishedAt)
}

func TestProgress_InvalidStatus(t *testing.T) {
	_, srv := newTestServer(t)

	created := createTestTask(t, srv.URL, "", "work")

	bogus := "exploded"
	resp := postJSON(t, srv.URL+"/api/tasks/"+created.ID+"/progress", ProgressRequest{Status: &bogus})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProgress_NotFound(t *testing.T) {
	_, srv := newTestServer(t)

	progress := "halfway"
	resp := postJSON(t, srv.URL+"/api/tasks/nonexistent/progress", ProgressRequest{Progress: &progress})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTwoWorkersOnePoolTask(t *testing.T) {
	_, srv := newTestServer(t)

	registerTestAgent(t, srv.URL, "w1")
	registerTestAgent(t, srv.URL, "w2")
	createTestTask(t, srv.URL, "", "the one task")

	type outcome struct {
		poll PollResponse
		err  error
	}
	results := make(chan outcome, 2)
	for _, agentID := range []string{"w1", "w2"} {
		go func(agentID string) {
			resp := postJSON(t, srv.URL+"/api/poll", PollRequest{
				AgentID:            agentID,
				MaxDurationSeconds: 1,
				PollIntervalMs:     100,
			})
			defer resp.Body.Close()
			var poll PollResponse
			err := json.NewDecoder(resp.Body).Decode(&poll)
			results <- outcome{poll: poll, err: err}
		}(agentID)
	}

	winners := 0
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		if r.poll.Success {
			winners++
			assert.Equal(t, store.TaskStatusInProgress, r.poll.Task.Status)
		}
	}
	assert.Equal(t, 1, winners, "exactly one worker wins the task")
}

func TestUnknownTaskRoute(t *testing.T) {
	_, srv := newTestServer(t)

	created := createTestTask(t, srv.URL, "", "work")
	resp := postJSON(t, fmt.Sprintf("%s/api/tasks/%s/bogus", srv.URL, created.ID), struct{}{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
