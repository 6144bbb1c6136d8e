// ABOUTME: Configuration loading for the worker supervisor
// ABOUTME: Loads TOML config with environment variable expansion and env overrides

package worker

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Config holds the full worker supervisor configuration.
type Config struct {
	Worker     WorkerConfig     `toml:"worker"`
	Gateway    GatewayConfig    `toml:"gateway"`
	Subprocess SubprocessConfig `toml:"subprocess"`
	Logging    LoggingConfig    `toml:"logging"`
}

// WorkerConfig identifies the agent and sets its failure policy.
type WorkerConfig struct {
	AgentID string `toml:"agent_id"`
	Name    string `toml:"name"`
	Role    string `toml:"role"`

	// Yolo is the failure-tolerance mode: false means fail-stop (a
	// non-zero subprocess exit terminates the supervisor with the same
	// code), true means log and continue.
	Yolo bool `toml:"yolo"`

	// SessionID overrides the generated session identifier.
	SessionID string `toml:"session_id"`

	// MaxIterations stops the loop after N iterations. 0 means run
	// forever; anything else is only useful for testing.
	MaxIterations int `toml:"max_iterations"`

	// IdleInterval is how long to wait before re-polling after an empty
	// poll window, in Go duration syntax.
	IdleInterval string `toml:"idle_interval"`
}

// GatewayConfig points the worker at a hive-gateway. An empty URL runs the
// worker standalone on its default prompt.
type GatewayConfig struct {
	URL string `toml:"url"`
}

// SubprocessConfig describes the external one-shot program that performs
// the actual work each iteration.
type SubprocessConfig struct {
	Command string `toml:"command"`

	// Args are passthrough arguments forwarded verbatim to the
	// subprocess before the instruction text.
	Args []string `toml:"args"`

	// DefaultPrompt is the instruction used when no task queue is
	// present or a task carries no text.
	DefaultPrompt string `toml:"default_prompt"`
}

// LoggingConfig holds the per-session log location.
type LoggingConfig struct {
	Dir   string `toml:"dir"`
	Level string `toml:"level"`
}

// LoadConfig reads worker config from the given path, expanding ${VAR}
// environment references, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// ApplyEnvOverrides applies the worker environment contract on top of the
// file values: SESSION_ID, WORKER_LOG_DIR, and WORKER_YOLO.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SESSION_ID"); v != "" {
		c.Worker.SessionID = v
	}
	if v := os.Getenv("WORKER_LOG_DIR"); v != "" {
		c.Logging.Dir = v
	}
	if v := os.Getenv("WORKER_YOLO"); v != "" {
		c.Worker.Yolo = v == "1" || strings.EqualFold(v, "true")
	}
}

// ApplyDefaults fills unset fields: a generated session id, the ./logs
// directory, and a generated agent id.
func (c *Config) ApplyDefaults() {
	if c.Worker.SessionID == "" {
		c.Worker.SessionID = uuid.New().String()
	}
	if c.Worker.AgentID == "" {
		c.Worker.AgentID = uuid.New().String()
	}
	if c.Worker.Name == "" {
		short := c.Worker.AgentID
		if len(short) > 8 {
			short = short[:8]
		}
		c.Worker.Name = "worker-" + short
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "./logs"
	}
	if c.Worker.IdleInterval == "" {
		c.Worker.IdleInterval = "2s"
	}
}

// Validate checks that required config fields are present.
func (c *Config) Validate() error {
	if c.Subprocess.Command == "" {
		return fmt.Errorf("subprocess.command is required")
	}
	if c.Gateway.URL == "" && c.Subprocess.DefaultPrompt == "" {
		return fmt.Errorf("subprocess.default_prompt is required when no gateway.url is set")
	}
	return nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}
