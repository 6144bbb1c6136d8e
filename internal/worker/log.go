// ABOUTME: Per-iteration JSONL log files and the session-level error log
// ABOUTME: Log writes are best-effort and never abort an iteration

package worker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// logTimestamp is the filename-safe timestamp layout for iteration logs.
// Nanosecond precision keeps back-to-back iterations from colliding.
const logTimestamp = "2006-01-02T15-04-05.000000000Z"

// metaRecord is the first line of every iteration log.
type metaRecord struct {
	SessionID string `json:"session_id"`
	Iteration int    `json:"iteration"`
	Timestamp string `json:"timestamp"`
	Prompt    string `json:"prompt"`
	Yolo      bool   `json:"yolo"`
}

// streamLine is one captured line of subprocess output.
type streamLine struct {
	Timestamp string `json:"timestamp"`
	Stream    string `json:"stream"` // "stdout" or "stderr"
	Type      string `json:"type,omitempty"`
	Line      string `json:"line"`
}

// exitRecord is the final line of an iteration log.
type exitRecord struct {
	Timestamp string `json:"timestamp"`
	ExitCode  int    `json:"exit_code"`
}

// errorRecord is one entry in the session's errors.jsonl.
type errorRecord struct {
	Timestamp string `json:"timestamp"`
	Iteration int    `json:"iteration"`
	ExitCode  int    `json:"exit_code"`
}

// iterationLog writes one iteration's records to
// {dir}/{sessionID}/{timestamp}.jsonl. All writes are best-effort: a failed
// write degrades to a warning, never an aborted iteration.
type iterationLog struct {
	file   *os.File
	enc    *json.Encoder
	logger *slog.Logger
}

// openIterationLog creates the session directory if needed, opens a fresh
// log file, and writes the metadata record as its first line.
func openIterationLog(dir, sessionID string, iteration int, prompt string, yolo bool) (*iterationLog, error) {
	sessionDir := filepath.Join(dir, sessionID)
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("creating session log directory: %w", err)
	}

	name := time.Now().UTC().Format(logTimestamp) + ".jsonl"
	f, err := os.OpenFile(filepath.Join(sessionDir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating iteration log: %w", err)
	}

	l := &iterationLog{
		file:   f,
		enc:    json.NewEncoder(f),
		logger: slog.Default().With("component", "worker-log"),
	}
	l.write(metaRecord{
		SessionID: sessionID,
		Iteration: iteration,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Prompt:    prompt,
		Yolo:      yolo,
	})
	return l, nil
}

// Stdout records one stdout line, tagged with the parsed record type when
// the line was structured.
func (l *iterationLog) Stdout(line, recordType string) {
	l.write(streamLine{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Stream:    "stdout",
		Type:      recordType,
		Line:      line,
	})
}

// Stderr records one raw stderr line.
func (l *iterationLog) Stderr(line string) {
	l.write(streamLine{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Stream:    "stderr",
		Line:      line,
	})
}

// Exit records the subprocess exit code as the log's final line.
func (l *iterationLog) Exit(code int) {
	l.write(exitRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		ExitCode:  code,
	})
}

func (l *iterationLog) Close() {
	if err := l.file.Close(); err != nil {
		l.logger.Warn("closing iteration log failed", "error", err)
	}
}

func (l *iterationLog) write(record any) {
	if err := l.enc.Encode(record); err != nil {
		l.logger.Warn("iteration log write failed", "error", err)
	}
}

// appendErrorRecord appends a failed-iteration entry to the session's
// errors.jsonl. Best-effort like the iteration log.
func appendErrorRecord(dir, sessionID string, iteration, exitCode int) error {
	sessionDir := filepath.Join(dir, sessionID)
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return fmt.Errorf("creating session log directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(sessionDir, "errors.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening error log: %w", err)
	}
	defer f.Close()

	return json.NewEncoder(f).Encode(errorRecord{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Iteration: iteration,
		ExitCode:  exitCode,
	})
}
