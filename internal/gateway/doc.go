// Package gateway orchestrates the hive-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the hive-gateway server.
// It owns the store, the agent registry, the task queue, and the claim
// protocol poller, and serves the coordination API over HTTP.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /api/agents/register - Register an agent (idempotent)
//   - GET /api/agents - List registered agents
//   - POST /api/poll - Long-poll for the next task (claim protocol)
//   - GET /api/tasks - List tasks (default filter: in_progress)
//   - POST /api/tasks - Create a task, assigned or pool
//   - GET /api/tasks/{id} - Full task record
//   - POST /api/tasks/{id}/release - Return a task to the pool
//   - POST /api/tasks/{id}/progress - Report progress or a terminal status
//   - GET /health - Liveness check
//
// # Lifecycle
//
// New() builds the component graph; Run(ctx) serves until the context is
// cancelled, then shuts down the HTTP server, the background offline sweep,
// and the store in order.
package gateway
