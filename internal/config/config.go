// Package config loads orchflow configuration from file and environment.
//
// Precedence (highest to lowest):
//  1. Environment variables (ORCHFLOW_*)
//  2. Config file
//  3. Built-in defaults
//
// Config file search order:
//  1. .orchflow.yaml in current directory
//  2. $ORCHFLOW_CONFIG_DIR/config.yaml, else ~/.config/orchflow/config.yaml
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all orchflow configuration.
type Config struct {
	// Session and layout
	SessionName  string `yaml:"session_name"`
	Backend      string `yaml:"backend"` // "" auto-detects; tmux, zellij, screen, wezterm/native, fallback
	PrimaryWidth int    `yaml:"primary_width"`
	StatusWidth  int    `yaml:"status_width"`
	FlowsFile    string `yaml:"flows_file"`

	// Workers
	WorkerCommand string `yaml:"worker_command"` // {task} {id} {name} {type} placeholders
	APIEndpoint   string `yaml:"api_endpoint"`   // exported to workers as ORCHFLOW_API
	ReportExit    *bool  `yaml:"report_exit"`    // wrap workers so exits reach the collector

	// Timeouts and refresh (Go duration strings, e.g. "10s")
	CommandTimeout string `yaml:"command_timeout"`
	SetupTimeout   string `yaml:"setup_timeout"`
	Refresh        string `yaml:"refresh"`

	// Persistence
	Store         string `yaml:"store"` // file or sqlite
	StateDir      string `yaml:"state_dir"`
	KeepAutosaves int    `yaml:"keep_autosaves"`

	Interactive *bool  `yaml:"interactive"`
	Theme       string `yaml:"theme"`
	EventSocket string `yaml:"event_socket"`
	LogLevel    string `yaml:"log_level"`

	// Worker naming: heuristic, anthropic or openai
	Namer          string `yaml:"namer"`
	NamerModel     string `yaml:"namer_model"`
	NamerAPIKey    string `yaml:"namer_api_key"`
	NamerBaseURL   string `yaml:"namer_base_url"`
	NamerMaxTokens int64  `yaml:"namer_max_tokens"`

	// OTEL
	OTELEndpoint string `yaml:"otel_endpoint"`
	OTELHeaders  string `yaml:"otel_headers"` // Comma-separated key=value pairs, e.g. "Authorization=Basic abc123"

	// Parsed durations (not from YAML, set after loading)
	CommandTimeoutDuration time.Duration `yaml:"-"`
	SetupTimeoutDuration   time.Duration `yaml:"-"`
	RefreshDuration        time.Duration `yaml:"-"`

	// ConfigFile is the path to the config file that was loaded (empty if none).
	ConfigFile string `yaml:"-"`
}

// Defaults returns a Config with all default values.
func Defaults() *Config {
	return &Config{
		SessionName:    "orchflow",
		PrimaryWidth:   70,
		StatusWidth:    30,
		WorkerCommand:  "claude {task}",
		CommandTimeout: "10s",
		SetupTimeout:   "60s",
		Refresh:        "2s",
		Store:          "file",
		KeepAutosaves:  20,
		Theme:          "dark",
		LogLevel:       "warn",
		Namer:          "heuristic",
	}
}

// Load reads configuration from file and environment variables.
// Environment variables always override file values.
func Load() (*Config, error) {
	cfg := Defaults()

	// Try to load config file
	if path, data, err := findConfigFile(); err == nil {
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		cfg.ConfigFile = path
		mergeFile(cfg, &fileCfg)
	}

	// Environment variables override everything
	if err := mergeEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finish parses durations, fills derived paths and validates.
func (cfg *Config) finish() error {
	var err error
	cfg.CommandTimeoutDuration, err = parseDurationOrDisable(cfg.CommandTimeout, 10*time.Second)
	if err != nil {
		return fmt.Errorf("invalid command timeout %q: %w", cfg.CommandTimeout, err)
	}
	cfg.SetupTimeoutDuration, err = parseDurationOrDisable(cfg.SetupTimeout, 60*time.Second)
	if err != nil {
		return fmt.Errorf("invalid setup timeout %q: %w", cfg.SetupTimeout, err)
	}
	cfg.RefreshDuration, err = parseDurationOrDisable(cfg.Refresh, 2*time.Second)
	if err != nil {
		return fmt.Errorf("invalid refresh interval %q: %w", cfg.Refresh, err)
	}

	if cfg.StateDir == "" {
		cfg.StateDir = StateDir()
	}
	switch cfg.Store {
	case "file", "sqlite":
	default:
		return fmt.Errorf("invalid store %q (want file or sqlite)", cfg.Store)
	}
	switch cfg.Namer {
	case "heuristic", "anthropic", "openai":
	default:
		return fmt.Errorf("invalid namer %q (want heuristic, anthropic or openai)", cfg.Namer)
	}
	if cfg.PrimaryWidth <= 0 || cfg.StatusWidth <= 0 || cfg.PrimaryWidth+cfg.StatusWidth > 100 {
		return fmt.Errorf("invalid layout %d/%d: widths must be positive and sum to at most 100", cfg.PrimaryWidth, cfg.StatusWidth)
	}
	if !strings.Contains(cfg.WorkerCommand, "{task}") {
		slog.Warn("worker_command has no {task} placeholder; the task description will not reach workers", "worker_command", cfg.WorkerCommand)
	}
	return nil
}

// IsInteractive reports whether setup may prompt (default true).
func (cfg *Config) IsInteractive() bool {
	return cfg.Interactive == nil || *cfg.Interactive
}

// ReportsExit reports whether worker commands are wrapped with an exit
// report (default true).
func (cfg *Config) ReportsExit() bool {
	return cfg.ReportExit == nil || *cfg.ReportExit
}

// SlogLevel maps LogLevel to a slog level (warn when unknown).
func (cfg *Config) SlogLevel() slog.Level {
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// StorePath is the snapshot directory (file store) or database (sqlite).
func (cfg *Config) StorePath() string {
	if cfg.Store == "sqlite" {
		return filepath.Join(cfg.StateDir, "orchflow.db")
	}
	return filepath.Join(cfg.StateDir, "snapshots")
}

// findConfigFile searches for a config file and returns its path and contents.
func findConfigFile() (string, []byte, error) {
	// 1. Current directory
	if data, err := os.ReadFile(".orchflow.yaml"); err == nil {
		return ".orchflow.yaml", data, nil
	}

	// 2. XDG config dir / ~/.config
	path := filepath.Join(ConfigDir(), "config.yaml")
	if data, err := os.ReadFile(path); err == nil {
		return path, data, nil
	}

	return "", nil, fmt.Errorf("no config file found")
}

// mergeFile applies non-zero file values onto cfg.
func mergeFile(cfg *Config, file *Config) {
	mergeString(&cfg.SessionName, file.SessionName)
	mergeString(&cfg.Backend, file.Backend)
	mergeString(&cfg.FlowsFile, file.FlowsFile)
	mergeString(&cfg.WorkerCommand, file.WorkerCommand)
	mergeString(&cfg.APIEndpoint, file.APIEndpoint)
	mergeString(&cfg.CommandTimeout, file.CommandTimeout)
	mergeString(&cfg.SetupTimeout, file.SetupTimeout)
	mergeString(&cfg.Refresh, file.Refresh)
	mergeString(&cfg.Store, file.Store)
	mergeString(&cfg.StateDir, file.StateDir)
	mergeString(&cfg.Theme, file.Theme)
	mergeString(&cfg.EventSocket, file.EventSocket)
	mergeString(&cfg.LogLevel, file.LogLevel)
	mergeString(&cfg.Namer, file.Namer)
	mergeString(&cfg.NamerModel, file.NamerModel)
	mergeString(&cfg.NamerAPIKey, file.NamerAPIKey)
	mergeString(&cfg.NamerBaseURL, file.NamerBaseURL)
	mergeString(&cfg.OTELEndpoint, file.OTELEndpoint)
	mergeString(&cfg.OTELHeaders, file.OTELHeaders)
	if file.PrimaryWidth > 0 {
		cfg.PrimaryWidth = file.PrimaryWidth
	}
	if file.StatusWidth > 0 {
		cfg.StatusWidth = file.StatusWidth
	}
	if file.KeepAutosaves > 0 {
		cfg.KeepAutosaves = file.KeepAutosaves
	}
	if file.NamerMaxTokens > 0 {
		cfg.NamerMaxTokens = file.NamerMaxTokens
	}
	if file.ReportExit != nil {
		cfg.ReportExit = file.ReportExit
	}
	if file.Interactive != nil {
		cfg.Interactive = file.Interactive
	}
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// mergeEnv applies environment variables onto cfg. Env always wins.
func mergeEnv(cfg *Config) error {
	strs := map[string]*string{
		"ORCHFLOW_SESSION":         &cfg.SessionName,
		"ORCHFLOW_BACKEND":         &cfg.Backend,
		"ORCHFLOW_FLOWS_FILE":      &cfg.FlowsFile,
		"ORCHFLOW_WORKER_COMMAND":  &cfg.WorkerCommand,
		"ORCHFLOW_COMMAND_TIMEOUT": &cfg.CommandTimeout,
		"ORCHFLOW_SETUP_TIMEOUT":   &cfg.SetupTimeout,
		"ORCHFLOW_REFRESH":         &cfg.Refresh,
		"ORCHFLOW_STORE":           &cfg.Store,
		"ORCHFLOW_STATE_DIR":       &cfg.StateDir,
		"ORCHFLOW_THEME":           &cfg.Theme,
		"ORCHFLOW_EVENT_SOCKET":    &cfg.EventSocket,
		"ORCHFLOW_LOG_LEVEL":       &cfg.LogLevel,
		"ORCHFLOW_NAMER":           &cfg.Namer,
		"ORCHFLOW_NAMER_MODEL":     &cfg.NamerModel,
		"ORCHFLOW_NAMER_API_KEY":   &cfg.NamerAPIKey,
		"ORCHFLOW_NAMER_BASE_URL":  &cfg.NamerBaseURL,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	// ORCHFLOW_API is what workers see; accept it for the endpoint too.
	if v := os.Getenv("ORCHFLOW_API_ENDPOINT"); v != "" {
		cfg.APIEndpoint = v
	} else if v := os.Getenv("ORCHFLOW_API"); v != "" && cfg.APIEndpoint == "" {
		cfg.APIEndpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTELEndpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); v != "" {
		cfg.OTELHeaders = v
	}

	ints := map[string]*int{
		"ORCHFLOW_PRIMARY_WIDTH":  &cfg.PrimaryWidth,
		"ORCHFLOW_STATUS_WIDTH":   &cfg.StatusWidth,
		"ORCHFLOW_KEEP_AUTOSAVES": &cfg.KeepAutosaves,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = n
		}
	}
	bools := map[string]**bool{
		"ORCHFLOW_INTERACTIVE": &cfg.Interactive,
		"ORCHFLOW_REPORT_EXIT": &cfg.ReportExit,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = &b
		}
	}

	// API key fallbacks for the LLM namers
	if cfg.NamerAPIKey == "" {
		switch cfg.Namer {
		case "anthropic":
			cfg.NamerAPIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			cfg.NamerAPIKey = os.Getenv("OPENAI_API_KEY")
			if cfg.NamerAPIKey == "" {
				cfg.NamerAPIKey = os.Getenv("AZURE_OPENAI_API_KEY")
			}
		}
	}

	// Azure base URL fallback
	if cfg.NamerBaseURL == "" {
		if rn := os.Getenv("AZURE_RESOURCE_NAME"); rn != "" {
			switch cfg.Namer {
			case "anthropic":
				cfg.NamerBaseURL = fmt.Sprintf("https://%s.services.ai.azure.com/anthropic/", rn)
			case "openai":
				cfg.NamerBaseURL = fmt.Sprintf("https://%s.openai.azure.com/openai/v1", rn)
			}
		}
	}
	return nil
}

// parseDurationOrDisable parses a duration string. "0", "off", "disable" return 0.
// Empty string returns the fallback value.
func parseDurationOrDisable(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	if s == "0" || s == "off" || s == "disable" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// IsAzureEndpoint returns true if the URL is an Azure endpoint.
func IsAzureEndpoint(url string) bool {
	return strings.Contains(url, ".azure.com") || strings.Contains(url, ".azure.us")
}
