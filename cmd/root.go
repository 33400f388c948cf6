package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/timvw/orchflow/internal/config"
)

var (
	// Global flags.
	flagBackend  string
	flagSession  string
	flagLogLevel string
	flagJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "orchflow",
	Short: "Orchestrate AI coding workers in terminal multiplexer panes",
	Long: `orchflow runs AI coding workers side by side in terminal multiplexer panes.

It detects the terminal environment, picks a setup flow for the best
available multiplexer (tmux, zellij, screen, WezTerm, or a detached-process
fallback), spawns one worker per task in its own pane, and gives each
active worker a quick-access key 1-9 for jumping between them.

State is snapshotted after every command, so each invocation picks up
where the last one left off. Run 'orchflow serve' in the status pane for a
live view that also collects worker exit and progress reports.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "", "multiplexer backend: tmux, zellij, screen, wezterm, fallback (default: auto-detect)")
	rootCmd.PersistentFlags().StringVar(&flagSession, "session", "", "multiplexer session name (default: from config, \"orchflow\")")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error (default: from config)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print results as JSON")
}

// loadConfig loads the configuration and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if flagBackend != "" {
		cfg.Backend = flagBackend
	}
	if flagSession != "" {
		cfg.SessionName = flagSession
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	return cfg, nil
}

// setupLogging installs the default slog handler on stderr. Config errors
// are reported by the command itself.
func setupLogging() error {
	level := slog.LevelWarn
	if cfg, err := loadConfig(); err == nil {
		level = cfg.SlogLevel()
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}
