// ABOUTME: Entry point for the hive-worker supervisor binary
// ABOUTME: Polls the gateway for tasks and runs an external subprocess per iteration

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/hive/internal/worker"
)

// Version is set by goreleaser at build time.
var version = "dev"

var (
	flagConfig        string
	flagGateway       string
	flagAgentID       string
	flagName          string
	flagCommand       string
	flagPrompt        string
	flagLogDir        string
	flagYolo          bool
	flagMaxIterations int
)

var rootCmd = &cobra.Command{
	Use:   "hive-worker [flags] [-- subprocess args]",
	Short: "Supervise an external agent subprocess",
	Long: `hive-worker runs an external one-shot program in a loop, feeding it
task text claimed from a hive-gateway. Without a gateway it loops on a
fixed default prompt. Arguments after -- are forwarded verbatim to the
subprocess.`,
	Version:      version,
	SilenceUsage: true,
	RunE:         runWorker,
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to worker config file (TOML)")
	rootCmd.Flags().StringVar(&flagGateway, "gateway", "", "gateway base URL (empty runs standalone)")
	rootCmd.Flags().StringVar(&flagAgentID, "agent-id", "", "agent identifier (generated if empty)")
	rootCmd.Flags().StringVar(&flagName, "name", "", "human-readable agent name")
	rootCmd.Flags().StringVar(&flagCommand, "command", "", "subprocess command to supervise")
	rootCmd.Flags().StringVar(&flagPrompt, "prompt", "", "default instruction text for the subprocess")
	rootCmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for per-session iteration logs")
	rootCmd.Flags().BoolVar(&flagYolo, "yolo", false, "continue past non-zero subprocess exits")
	rootCmd.Flags().IntVar(&flagMaxIterations, "max-iterations", 0, "stop after N iterations (0 = unlimited)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *worker.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(args)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sup, err := worker.New(cfg)
	if err != nil {
		return fmt.Errorf("creating supervisor: %w", err)
	}

	logger.Info("starting hive-worker",
		"version", version,
		"agent_id", cfg.Worker.AgentID,
		"gateway", cfg.Gateway.URL,
		"command", cfg.Subprocess.Command,
		"yolo", cfg.Worker.Yolo,
	)

	if err := sup.Run(ctx); err != nil {
		var exitErr *worker.ExitError
		if errors.As(err, &exitErr) {
			logger.Error("subprocess failed, stopping", "exit_code", exitErr.Code)
			return err
		}
		return fmt.Errorf("supervisor: %w", err)
	}
	return nil
}

// buildConfig loads the config file when given one, then layers command-line
// flags on top. Flags win over file values; env overrides sit between the
// two layers.
func buildConfig(passthrough []string) (*worker.Config, error) {
	var cfg *worker.Config
	if flagConfig != "" {
		loaded, err := worker.LoadConfig(flagConfig)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = &worker.Config{}
		cfg.ApplyEnvOverrides()
	}

	if flagGateway != "" {
		cfg.Gateway.URL = flagGateway
	}
	if flagAgentID != "" {
		cfg.Worker.AgentID = flagAgentID
	}
	if flagName != "" {
		cfg.Worker.Name = flagName
	}
	if flagCommand != "" {
		cfg.Subprocess.Command = flagCommand
	}
	if flagPrompt != "" {
		cfg.Subprocess.DefaultPrompt = flagPrompt
	}
	if flagLogDir != "" {
		cfg.Logging.Dir = flagLogDir
	}
	if flagYolo {
		cfg.Worker.Yolo = true
	}
	if flagMaxIterations > 0 {
		cfg.Worker.MaxIterations = flagMaxIterations
	}
	if len(passthrough) > 0 {
		cfg.Subprocess.Args = append(cfg.Subprocess.Args, passthrough...)
	}

	return cfg, nil
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
