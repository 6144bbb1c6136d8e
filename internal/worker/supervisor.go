// ABOUTME: Worker supervisor loop: spawn the work subprocess, drain its
// ABOUTME: streams, record the exit, and apply the failure-tolerance policy

package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/2389/hive/internal/client"
	"github.com/2389/hive/internal/gateway"
	"github.com/2389/hive/internal/store"
)

// outputTailLimit caps how much subprocess output is reported back to the
// gateway as a task's final output.
const outputTailLimit = 4096

// ExitError signals that the supervisor must terminate with the
// subprocess's exit code (fail-stop mode).
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("subprocess exited with code %d", e.Code)
}

// IterationResult captures the outcome of one supervised iteration.
type IterationResult struct {
	Iteration  int
	ExitCode   int
	Output     string // result text if the stream produced one, else a stdout tail
	WroteBytes bool   // false means both streams were completely silent
}

// Supervisor runs the worker loop for a single agent session. Work comes
// from the gateway's claim protocol when a gateway URL is configured, or
// the configured default prompt otherwise.
type Supervisor struct {
	cfg          *Config
	client       *client.Client
	idleInterval time.Duration
	logger       *slog.Logger

	iteration int
}

// New creates a Supervisor from config. Defaults are applied here so a
// hand-built Config behaves the same as a loaded one.
func New(cfg *Config) (*Supervisor, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	idle, err := time.ParseDuration(cfg.Worker.IdleInterval)
	if err != nil {
		return nil, fmt.Errorf("parsing idle_interval: %w", err)
	}

	s := &Supervisor{
		cfg:          cfg,
		idleInterval: idle,
		logger: slog.Default().With(
			"component", "worker",
			"session_id", cfg.Worker.SessionID,
		),
	}
	if cfg.Gateway.URL != "" {
		s.client = client.New(cfg.Gateway.URL)
	}
	return s, nil
}

// Run executes the supervisor loop until the context is cancelled, the
// iteration cap is reached, or a fail-stop failure occurs. A fail-stop
// failure is returned as *ExitError so the caller can propagate the code.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.client != nil {
		if _, err := s.client.Register(ctx, s.cfg.Worker.AgentID, s.cfg.Worker.Name, false); err != nil {
			return fmt.Errorf("registering with gateway: %w", err)
		}
		s.logger.Info("registered with gateway",
			"agent_id", s.cfg.Worker.AgentID,
			"gateway", s.cfg.Gateway.URL,
		)
		return s.runWithGateway(ctx)
	}
	return s.runStandalone(ctx)
}

// runStandalone loops on the default prompt forever.
func (s *Supervisor) runStandalone(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := s.superviseOnce(ctx, s.cfg.Subprocess.DefaultPrompt)
		if err != nil || done {
			return err
		}
	}
}

// runWithGateway polls the gateway for tasks and supervises one iteration
// per claimed task, reporting the terminal status back.
func (s *Supervisor) runWithGateway(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		poll, err := s.client.Poll(ctx, s.cfg.Worker.AgentID, 0, 0)
		if err != nil {
			s.logger.Warn("poll failed, backing off", "error", err)
			if !s.sleep(ctx, s.idleInterval) {
				return ctx.Err()
			}
			continue
		}
		if poll.Task == nil {
			// Empty window: the server-side long poll is the wait, so
			// re-poll after a short idle pause.
			if !s.sleep(ctx, s.idleInterval) {
				return ctx.Err()
			}
			continue
		}

		prompt := poll.Task.Task
		if prompt == "" {
			prompt = s.cfg.Subprocess.DefaultPrompt
		}

		result, runErr := s.runIteration(ctx, prompt)
		s.reportTask(ctx, poll.Task.ID, result, runErr)

		if runErr != nil {
			var exitErr *ExitError
			switch {
			case errors.As(runErr, &exitErr) && !s.cfg.Worker.Yolo:
				return runErr
			case exitErr != nil:
				s.logger.Warn("iteration failed, continuing (tolerant mode)",
					"iteration", s.iteration,
					"task_id", poll.Task.ID,
					"exit_code", exitErr.Code,
				)
			default:
				s.logger.Warn("iteration failed before the subprocess could run",
					"iteration", s.iteration,
					"task_id", poll.Task.ID,
					"error", runErr,
				)
			}
		}
		if s.reachedIterationCap() {
			return nil
		}
	}
}

// superviseOnce runs one iteration and applies the failure policy.
// done is true when the iteration cap is reached.
func (s *Supervisor) superviseOnce(ctx context.Context, prompt string) (done bool, err error) {
	_, runErr := s.runIteration(ctx, prompt)
	if runErr != nil {
		var exitErr *ExitError
		if errors.As(runErr, &exitErr) {
			if !s.cfg.Worker.Yolo {
				return false, runErr
			}
			s.logger.Warn("iteration failed, continuing (tolerant mode)",
				"iteration", s.iteration,
				"exit_code", exitErr.Code,
			)
		} else {
			return false, runErr
		}
	}
	return s.reachedIterationCap(), nil
}

// reportTask sends the task's terminal status to the gateway.
func (s *Supervisor) reportTask(ctx context.Context, taskID string, result IterationResult, runErr error) {
	if s.client == nil {
		return
	}

	var update gateway.ProgressRequest
	if runErr == nil {
		status := store.TaskStatusCompleted
		update.Status = &status
		if result.Output != "" {
			update.Output = &result.Output
		}
	} else {
		status := store.TaskStatusFailed
		reason := runErr.Error()
		update.Status = &status
		update.FailureReason = &reason
		if result.Output != "" {
			update.Output = &result.Output
		}
	}

	if _, err := s.client.StoreProgress(ctx, taskID, update); err != nil {
		s.logger.Warn("reporting task status failed", "task_id", taskID, "error", err)
	}
}

// runIteration performs a single iteration: fresh log,
// spawn, concurrent stream drain, exit recording, and the error log on
// failure. A non-zero exit returns *ExitError; the caller decides whether
// that is fatal.
func (s *Supervisor) runIteration(ctx context.Context, prompt string) (IterationResult, error) {
	s.iteration++
	result := IterationResult{Iteration: s.iteration}

	itLog, err := openIterationLog(
		s.cfg.Logging.Dir,
		s.cfg.Worker.SessionID,
		s.iteration,
		prompt,
		s.cfg.Worker.Yolo,
	)
	if err != nil {
		return result, fmt.Errorf("opening iteration log: %w", err)
	}
	defer itLog.Close()

	s.logger.Info("iteration starting", "iteration", s.iteration)

	args := append([]string{}, s.cfg.Subprocess.Args...)
	args = append(args, prompt)
	cmd := exec.CommandContext(ctx, s.cfg.Subprocess.Command, args...)

	// Inherit the parent environment and identify the session to the child.
	cmd.Env = append(os.Environ(),
		"SESSION_ID="+s.cfg.Worker.SessionID,
		"HIVE_AGENT_ID="+s.cfg.Worker.AgentID,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return result, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return result, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return result, fmt.Errorf("starting subprocess: %w", err)
	}

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		sawOutput   bool
		finalResult string
		tail        strings.Builder
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()

			mu.Lock()
			sawOutput = true
			appendTail(&tail, line)
			mu.Unlock()

			rec, ok := parseStreamLine(line)
			if !ok {
				itLog.Stdout(line, "")
				continue
			}
			itLog.Stdout(line, rec.Type)
			if text, isResult := resultText(rec); isResult {
				mu.Lock()
				finalResult = text
				mu.Unlock()
			}
			if summary := summarize(rec); summary != "" {
				fmt.Println(summary)
			}
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()

			mu.Lock()
			sawOutput = true
			mu.Unlock()

			itLog.Stderr(line)
		}
	}()

	// Both streams must be fully drained before the exit is handled, or
	// buffered output from a fast-exiting subprocess is lost.
	wg.Wait()

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return result, fmt.Errorf("awaiting subprocess: %w", err)
		}
	}

	itLog.Exit(exitCode)

	result.ExitCode = exitCode
	result.WroteBytes = sawOutput
	if finalResult != "" {
		result.Output = finalResult
	} else {
		result.Output = tail.String()
	}

	if !sawOutput {
		s.logger.Warn("subprocess produced zero output on both streams; it may have failed to start or authenticate",
			"iteration", s.iteration,
		)
	}

	if exitCode != 0 {
		if err := appendErrorRecord(s.cfg.Logging.Dir, s.cfg.Worker.SessionID, s.iteration, exitCode); err != nil {
			s.logger.Warn("writing error record failed", "error", err)
		}
		return result, &ExitError{Code: exitCode}
	}

	s.logger.Info("iteration complete", "iteration", s.iteration, "exit_code", exitCode)
	return result, nil
}

// reachedIterationCap reports whether the configured max_iterations limit
// has been hit. Zero means unlimited.
func (s *Supervisor) reachedIterationCap() bool {
	return s.cfg.Worker.MaxIterations > 0 && s.iteration >= s.cfg.Worker.MaxIterations
}

// sleep waits for d or until the context is cancelled. Returns false on
// cancellation.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// appendTail keeps the last outputTailLimit bytes of raw output.
func appendTail(tail *strings.Builder, line string) {
	tail.WriteString(line)
	tail.WriteByte('\n')
	if tail.Len() > outputTailLimit*2 {
		trimmed := tail.String()
		trimmed = trimmed[len(trimmed)-outputTailLimit:]
		tail.Reset()
		tail.WriteString(trimmed)
	}
}
