// ABOUTME: HTTP API handlers for agent registration, task management, and polling.
// ABOUTME: JSON request/response types mirror the store records.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/2389/hive/internal/claim"
	"github.com/2389/hive/internal/queue"
	"github.com/2389/hive/internal/store"
)

// RegisterAgentRequest is the JSON request body for POST /api/agents/register.
// An empty agent_id asks the gateway to generate one.
type RegisterAgentRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Name    string `json:"name"`
	IsLead  bool   `json:"is_lead,omitempty"`
}

// AgentResponse is the JSON representation of an agent record.
type AgentResponse struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	IsLead        bool   `json:"is_lead"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
	LastUpdatedAt string `json:"last_updated_at"`
}

// PollRequest is the JSON request body for POST /api/poll.
type PollRequest struct {
	AgentID            string `json:"agent_id"`
	MaxDurationSeconds int    `json:"max_duration_seconds,omitempty"`
	PollIntervalMs     int    `json:"poll_interval_ms,omitempty"`
}

// PollResponse is the JSON response for POST /api/poll. Success is false
// both for errors and for an exhausted window; Task distinguishes them.
type PollResponse struct {
	Success          bool          `json:"success"`
	Task             *TaskResponse `json:"task,omitempty"`
	WaitedForSeconds float64       `json:"waited_for_seconds"`
	Error            string        `json:"error,omitempty"`
}

// CreateTaskRequest is the JSON request body for POST /api/tasks.
// An empty agent_id puts the task in the pool.
type CreateTaskRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Task    string `json:"task"`
}

// ProgressRequest is the JSON request body for POST /api/tasks/{id}/progress.
// Absent fields are left untouched.
type ProgressRequest struct {
	Progress      *string `json:"progress,omitempty"`
	Status        *string `json:"status,omitempty"`
	Output        *string `json:"output,omitempty"`
	FailureReason *string `json:"failure_reason,omitempty"`
}

// TaskSummary is the JSON representation of a task in list responses.
// It omits output and failure_reason; fetch the task by id for those.
type TaskSummary struct {
	ID            string `json:"id"`
	AgentID       string `json:"agent_id,omitempty"`
	Task          string `json:"task"`
	Status        string `json:"status"`
	Progress      string `json:"progress,omitempty"`
	CreatedAt     string `json:"created_at"`
	LastUpdatedAt string `json:"last_updated_at"`
	FinishedAt    string `json:"finished_at,omitempty"`
}

// TaskResponse is the full JSON representation of a task record.
type TaskResponse struct {
	TaskSummary
	Output        string `json:"output,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

func agentResponse(a *store.Agent) AgentResponse {
	return AgentResponse{
		ID:            a.ID,
		Name:          a.Name,
		IsLead:        a.IsLead,
		Status:        a.Status,
		CreatedAt:     a.CreatedAt.Format(time.RFC3339),
		LastUpdatedAt: a.LastUpdatedAt.Format(time.RFC3339),
	}
}

func taskSummary(t *store.Task) TaskSummary {
	s := TaskSummary{
		ID:            t.ID,
		AgentID:       t.AgentID,
		Task:          t.Task,
		Status:        t.Status,
		Progress:      t.Progress,
		CreatedAt:     t.CreatedAt.Format(time.RFC3339),
		LastUpdatedAt: t.LastUpdatedAt.Format(time.RFC3339),
	}
	if t.FinishedAt != nil {
		s.FinishedAt = t.FinishedAt.Format(time.RFC3339)
	}
	return s
}

func taskResponse(t *store.Task) *TaskResponse {
	return &TaskResponse{
		TaskSummary:   taskSummary(t),
		Output:        t.Output,
		FailureReason: t.FailureReason,
	}
}

// handleRegisterAgent handles POST /api/agents/register requests.
func (g *Gateway) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	agent, err := g.registry.RegisterAgent(r.Context(), req.AgentID, req.Name, req.IsLead)
	if err != nil {
		g.logger.Error("agent registration failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, agentResponse(agent))
}

// handleListAgents handles GET /api/agents requests.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agents, err := g.registry.ListAgents(r.Context())
	if err != nil {
		g.logger.Error("listing agents failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		response = append(response, agentResponse(a))
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handlePoll handles POST /api/poll requests: one long-poll window of the
// claim protocol. A missing or unknown agent fails immediately; an empty
// window is a success:false response, not an error status.
func (g *Gateway) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req PollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	opts := claim.Options{
		MaxDuration:  g.config.Poll.MaxDuration,
		PollInterval: g.config.Poll.PollInterval,
	}
	if req.MaxDurationSeconds > 0 {
		opts.MaxDuration = time.Duration(req.MaxDurationSeconds) * time.Second
	}
	if req.PollIntervalMs > 0 {
		opts.PollInterval = time.Duration(req.PollIntervalMs) * time.Millisecond
	}

	result, err := g.poller.Poll(r.Context(), req.AgentID, opts)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, claim.ErrNoAgentID):
			status = http.StatusBadRequest
		case errors.Is(err, claim.ErrAgentNotFound):
			status = http.StatusNotFound
		default:
			g.logger.Error("poll failed", "agent_id", req.AgentID, "error", err)
			g.sendJSON(w, status, PollResponse{Success: false, Error: "internal server error"})
			return
		}
		g.sendJSON(w, status, PollResponse{Success: false, Error: err.Error()})
		return
	}

	resp := PollResponse{
		Success:          result.Task != nil,
		WaitedForSeconds: result.Waited.Seconds(),
	}
	if result.Task != nil {
		resp.Task = taskResponse(result.Task)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleTasks handles GET and POST /api/tasks requests.
func (g *Gateway) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListTasks(w, r)
	case http.MethodPost:
		g.handleCreateTask(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleListTasks handles GET /api/tasks?status= requests. The default
// filter is in_progress; status=all lists every task.
func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := g.queue.GetAllTasks(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		g.logger.Error("listing tasks failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		response = append(response, taskSummary(t))
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleCreateTask handles POST /api/tasks requests.
func (g *Gateway) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "task is required")
		return
	}

	task, err := g.queue.CreateTask(r.Context(), req.AgentID, req.Task)
	if err != nil {
		g.logger.Error("task creation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusCreated, taskResponse(task))
}

// handleTaskRoutes dispatches /api/tasks/{id} and its subresources.
func (g *Gateway) handleTaskRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		g.sendJSONError(w, http.StatusBadRequest, "task id is required")
		return
	}
	taskID := parts[0]

	switch {
	case len(parts) == 1:
		g.handleGetTask(w, r, taskID)
	case len(parts) == 2 && parts[1] == "release":
		g.handleReleaseTask(w, r, taskID)
	case len(parts) == 2 && parts[1] == "progress":
		g.handleProgress(w, r, taskID)
	default:
		g.sendJSONError(w, http.StatusNotFound, "unknown task route")
	}
}

// handleGetTask handles GET /api/tasks/{id} requests, returning the full
// record including output and failure_reason.
func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	task, err := g.queue.GetTaskByID(r.Context(), taskID)
	if err == store.ErrNotFound {
		g.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		g.logger.Error("fetching task failed", "task_id", taskID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, taskResponse(task))
}

// handleReleaseTask handles POST /api/tasks/{id}/release requests.
func (g *Gateway) handleReleaseTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	err := g.queue.ReleaseTask(r.Context(), taskID)
	if err == store.ErrNotFound {
		g.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		g.logger.Error("releasing task failed", "task_id", taskID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	task, err := g.queue.GetTaskByID(r.Context(), taskID)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, taskResponse(task))
}

// handleProgress handles POST /api/tasks/{id}/progress requests.
func (g *Gateway) handleProgress(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	task, err := g.queue.StoreProgress(r.Context(), taskID, store.ProgressUpdate{
		Progress:      req.Progress,
		Status:        req.Status,
		Output:        req.Output,
		FailureReason: req.FailureReason,
	})
	if err == store.ErrNotFound {
		g.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	if errors.Is(err, queue.ErrInvalidStatus) {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		g.logger.Error("storing progress failed", "task_id", taskID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, taskResponse(task))
}

// sendJSON writes a JSON response with the given status code.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
