// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agent/task persistence and the atomic claim transaction

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes transactions within this process;
	// cross-process writers are covered by the busy timeout below.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			is_lead         INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			last_updated_at TEXT NOT NULL,

			CHECK (status IN ('idle', 'busy', 'offline'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			agent_id        TEXT NOT NULL DEFAULT '',
			task            TEXT NOT NULL,
			status          TEXT NOT NULL,
			progress        TEXT NOT NULL DEFAULT '',
			output          TEXT NOT NULL DEFAULT '',
			failure_reason  TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			last_updated_at TEXT NOT NULL,
			finished_at     TEXT,

			CHECK (status IN ('pending', 'in_progress', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateAgent inserts a new agent record. Inserting an id that already
// exists is a no-op, so registration retries are safe.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	query := `
		INSERT INTO agents (id, name, is_lead, status, created_at, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		boolToInt(agent.IsLead),
		agent.Status,
		formatTime(agent.CreatedAt),
		formatTime(agent.LastUpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "name", agent.Name, "is_lead", agent.IsLead)
	return nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `
		SELECT id, name, is_lead, status, created_at, last_updated_at
		FROM agents
		WHERE id = ?
	`

	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}

	return agent, nil
}

// ListAgents returns all agents sorted by creation time.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	query := `
		SELECT id, name, is_lead, status, created_at, last_updated_at
		FROM agents
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		agents = append(agents, agent)
	}

	return agents, rows.Err()
}

// UpdateAgentStatus sets an agent's status and stamps last_updated_at.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, id, status string) error {
	query := `
		UPDATE agents
		SET status = ?, last_updated_at = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query, status, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated agent status", "id", id, "status", status)
	return nil
}

// MarkAgentsOffline transitions agents not updated since staleBefore to
// offline. A later poll by such an agent self-heals it back to idle.
func (s *SQLiteStore) MarkAgentsOffline(ctx context.Context, staleBefore time.Time) (int, error) {
	query := `
		UPDATE agents
		SET status = 'offline', last_updated_at = ?
		WHERE status != 'offline' AND last_updated_at < ?
	`

	res, err := s.db.ExecContext(ctx, query, formatTime(time.Now()), formatTime(staleBefore))
	if err != nil {
		return 0, fmt.Errorf("marking agents offline: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected > 0 {
		s.logger.Info("marked stale agents offline", "count", affected)
	}

	return int(affected), nil
}

// CreateTask inserts a new task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	query := `
		INSERT INTO tasks (id, agent_id, task, status, progress, output, failure_reason, created_at, last_updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.AgentID,
		task.Task,
		task.Status,
		task.Progress,
		task.Output,
		task.FailureReason,
		formatTime(task.CreatedAt),
		formatTime(task.LastUpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "agent_id", task.AgentID)
	return nil
}

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, selectTask+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}

	return task, nil
}

// ListTasks returns tasks sorted by last_updated_at descending.
// An empty statusFilter returns tasks in every status.
func (s *SQLiteStore) ListTasks(ctx context.Context, statusFilter string) ([]*Task, error) {
	query := selectTask
	args := []any{}
	if statusFilter != "" {
		query += ` WHERE status = ?`
		args = append(args, statusFilter)
	}
	query += ` ORDER BY last_updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

// PendingTaskForAgent returns the oldest-created pending task assigned to the
// agent, falling back to the oldest pool task. Returns (nil, nil) when no
// task is eligible.
func (s *SQLiteStore) PendingTaskForAgent(ctx context.Context, agentID string) (*Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, pendingTaskQuery, agentID, agentID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying pending task: %w", err)
	}

	return task, nil
}

// StartTask transitions a pending task to in_progress, stamping
// last_updated_at. The WHERE status = 'pending' clause is the sole arbiter
// under concurrency: a lost race returns (nil, nil), never an error.
// Returns ErrNotFound if no task with the given id exists.
func (s *SQLiteStore) StartTask(ctx context.Context, id string) (*Task, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'in_progress', last_updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, formatTime(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("starting task: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		// Either the task is gone or it is no longer pending (lost race).
		if _, err := s.GetTask(ctx, id); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return s.GetTask(ctx, id)
}

// StoreProgress applies a free-form progress update. When the status becomes
// terminal for the first time, finished_at is stamped; only ReleaseTask can
// clear it again.
func (s *SQLiteStore) StoreProgress(ctx context.Context, id string, update ProgressUpdate) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := scanTask(tx.QueryRowContext(ctx, selectTask+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}

	var sets []string
	var args []any
	if update.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *update.Progress)
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, *update.Output)
	}
	if update.FailureReason != nil {
		sets = append(sets, "failure_reason = ?")
		args = append(args, *update.FailureReason)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
		terminal := *update.Status == TaskStatusCompleted || *update.Status == TaskStatusFailed
		if terminal && task.FinishedAt == nil {
			sets = append(sets, "finished_at = ?")
			args = append(args, formatTime(time.Now()))
		}
	}
	sets = append(sets, "last_updated_at = ?")
	args = append(args, formatTime(time.Now()))
	args = append(args, id)

	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("updating task progress: %w", err)
	}

	task, err = scanTask(tx.QueryRowContext(ctx, selectTask+` WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("re-reading task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing progress update: %w", err)
	}

	s.logger.Debug("stored task progress", "id", id, "status", task.Status)
	return task, nil
}

// ReleaseTask clears the task's agent binding and resets it to pending,
// re-entering the pool. Releasing a terminal task also clears finished_at
// so a later terminal transition stamps it fresh.
func (s *SQLiteStore) ReleaseTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET agent_id = '', status = 'pending', finished_at = NULL, last_updated_at = ?
		WHERE id = ?
	`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("releasing task: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("released task", "id", id)
	return nil
}

// ClaimNext runs one poll attempt as a single transaction: re-read the
// agent's status, self-heal anything that is not busy back to idle, find
// the next eligible pending task, and start it. Two concurrent claims can
// observe the same pending task, but the compare-and-swap in the UPDATE
// lets only one commit the pending -> in_progress transition; the loser
// gets (nil, nil) and loops again.
func (s *SQLiteStore) ClaimNext(ctx context.Context, agentID string) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM agents WHERE id = ?`, agentID).Scan(&status)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent status: %w", err)
	}

	// Self-heal: a previous task may have been abandoned without cleanup.
	// A busy agent with no in_progress task bound to it is stale too.
	heal := status != AgentStatusBusy
	if !heal {
		var active int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM tasks WHERE agent_id = ? AND status = 'in_progress'
		`, agentID).Scan(&active)
		if err != nil {
			return nil, fmt.Errorf("counting active tasks: %w", err)
		}
		heal = active == 0
	}
	if heal {
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET status = 'idle', last_updated_at = ? WHERE id = ?
		`, now, agentID); err != nil {
			return nil, fmt.Errorf("resetting agent status: %w", err)
		}
	}

	task, err := scanTask(tx.QueryRowContext(ctx, pendingTaskQuery, agentID, agentID))
	if err == sql.ErrNoRows {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing claim transaction: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying eligible task: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'in_progress', agent_id = ?, last_updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, agentID, now, task.ID)
	if err != nil {
		return nil, fmt.Errorf("starting claimed task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		// Lost the race: another claim committed first.
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("committing claim transaction: %w", err)
		}
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE agents SET status = 'busy', last_updated_at = ? WHERE id = ?
	`, now, agentID); err != nil {
		return nil, fmt.Errorf("marking agent busy: %w", err)
	}

	task, err = scanTask(tx.QueryRowContext(ctx, selectTask+` WHERE id = ?`, task.ID))
	if err != nil {
		return nil, fmt.Errorf("re-reading claimed task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim transaction: %w", err)
	}

	s.logger.Info("task claimed", "task_id", task.ID, "agent_id", agentID)
	return task, nil
}

const selectTask = `
	SELECT id, agent_id, task, status, progress, output, failure_reason, created_at, last_updated_at, finished_at
	FROM tasks
`

// Direct-assigned tasks take precedence over pool tasks; within each group
// the oldest created_at wins.
const pendingTaskQuery = selectTask + `
	WHERE status = 'pending' AND (agent_id = ? OR agent_id = '')
	ORDER BY CASE WHEN agent_id = ? THEN 0 ELSE 1 END, created_at ASC
	LIMIT 1
`

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var agent Agent
	var isLead int
	var createdAtStr, updatedAtStr string

	if err := row.Scan(&agent.ID, &agent.Name, &isLead, &agent.Status, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}

	agent.IsLead = isLead != 0

	var err error
	agent.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	agent.LastUpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_updated_at: %w", err)
	}

	return &agent, nil
}

func scanTask(row scanner) (*Task, error) {
	var task Task
	var createdAtStr, updatedAtStr string
	var finishedAtStr sql.NullString

	if err := row.Scan(
		&task.ID,
		&task.AgentID,
		&task.Task,
		&task.Status,
		&task.Progress,
		&task.Output,
		&task.FailureReason,
		&createdAtStr,
		&updatedAtStr,
		&finishedAtStr,
	); err != nil {
		return nil, err
	}

	var err error
	task.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	task.LastUpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_updated_at: %w", err)
	}
	if finishedAtStr.Valid {
		finishedAt, err := parseTime(finishedAtStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		task.FinishedAt = &finishedAt
	}

	return &task, nil
}

// Timestamps are stored as RFC 3339 with a fixed-width nanosecond fraction
// so that lexicographic ORDER BY matches chronological order even for
// sub-second task creation bursts.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
