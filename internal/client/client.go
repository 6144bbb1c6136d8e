// ABOUTME: HTTP client for the hive-gateway coordination API
// ABOUTME: Used by workers and leads to register, poll, and report progress

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/2389/hive/internal/gateway"
)

// Client talks to a hive-gateway over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for the gateway at baseURL. The HTTP timeout is
// generous because /api/poll holds the connection for the long-poll window.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// Register registers the agent with the gateway. Safe to call on every
// startup: an already-registered id returns the existing record.
func (c *Client) Register(ctx context.Context, agentID, name string, isLead bool) (*gateway.AgentResponse, error) {
	var agent gateway.AgentResponse
	err := c.post(ctx, "/api/agents/register", gateway.RegisterAgentRequest{
		AgentID: agentID,
		Name:    name,
		IsLead:  isLead,
	}, &agent)
	if err != nil {
		return nil, fmt.Errorf("registering agent: %w", err)
	}
	return &agent, nil
}

// Poll runs one long-poll window of the claim protocol. A success:false
// response with no error means the window elapsed without a task.
func (c *Client) Poll(ctx context.Context, agentID string, maxDuration, pollInterval time.Duration) (*gateway.PollResponse, error) {
	req := gateway.PollRequest{AgentID: agentID}
	if maxDuration > 0 {
		// Round up so sub-second windows request 1s instead of falling
		// back to the server default.
		req.MaxDurationSeconds = int((maxDuration + time.Second - 1) / time.Second)
	}
	if pollInterval > 0 {
		req.PollIntervalMs = int(pollInterval.Milliseconds())
	}

	var poll gateway.PollResponse
	if err := c.post(ctx, "/api/poll", req, &poll); err != nil {
		return nil, fmt.Errorf("polling for task: %w", err)
	}
	return &poll, nil
}

// CreateTask creates a task. An empty agentID leaves it in the pool.
func (c *Client) CreateTask(ctx context.Context, agentID, text string) (*gateway.TaskResponse, error) {
	var task gateway.TaskResponse
	err := c.post(ctx, "/api/tasks", gateway.CreateTaskRequest{AgentID: agentID, Task: text}, &task)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	return &task, nil
}

// StoreProgress reports a progress update for a task. Any nil field is
// left untouched on the server.
func (c *Client) StoreProgress(ctx context.Context, taskID string, req gateway.ProgressRequest) (*gateway.TaskResponse, error) {
	var task gateway.TaskResponse
	path := "/api/tasks/" + url.PathEscape(taskID) + "/progress"
	if err := c.post(ctx, path, req, &task); err != nil {
		return nil, fmt.Errorf("storing progress: %w", err)
	}
	return &task, nil
}

// ReleaseTask returns a task to the pool.
func (c *Client) ReleaseTask(ctx context.Context, taskID string) (*gateway.TaskResponse, error) {
	var task gateway.TaskResponse
	path := "/api/tasks/" + url.PathEscape(taskID) + "/release"
	if err := c.post(ctx, path, struct{}{}, &task); err != nil {
		return nil, fmt.Errorf("releasing task: %w", err)
	}
	return &task, nil
}

// ListAgents returns all registered agents.
func (c *Client) ListAgents(ctx context.Context) ([]gateway.AgentResponse, error) {
	var agents []gateway.AgentResponse
	if err := c.get(ctx, "/api/agents", &agents); err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	return agents, nil
}

// ListTasks lists task summaries. An empty statusFilter uses the server
// default (in_progress); "all" lists every task.
func (c *Client) ListTasks(ctx context.Context, statusFilter string) ([]gateway.TaskSummary, error) {
	path := "/api/tasks"
	if statusFilter != "" {
		path += "?status=" + url.QueryEscape(statusFilter)
	}
	var tasks []gateway.TaskSummary
	if err := c.get(ctx, path, &tasks); err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return tasks, nil
}

// GetTask fetches the full task record, including output and failure reason.
func (c *Client) GetTask(ctx context.Context, taskID string) (*gateway.TaskResponse, error) {
	var task gateway.TaskResponse
	if err := c.get(ctx, "/api/tasks/"+url.PathEscape(taskID), &task); err != nil {
		return nil, fmt.Errorf("fetching task: %w", err)
	}
	return &task, nil
}

// Health reports whether the gateway responds on /health.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// statusError extracts the gateway's JSON error message when present.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("gateway returned %d", resp.StatusCode)
}
