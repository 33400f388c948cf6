package config

import (
	"os"
	"path/filepath"
)

// ConfigDir resolves the config directory.
// Priority: ORCHFLOW_CONFIG_DIR > $XDG_CONFIG_HOME/orchflow > ~/.config/orchflow
func ConfigDir() string {
	if v := os.Getenv("ORCHFLOW_CONFIG_DIR"); v != "" {
		return v
	}
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "orchflow")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "orchflow")
}

// StateDir resolves the state directory (snapshots, fallback worker logs).
// Priority: $XDG_STATE_HOME/orchflow > ~/.local/state/orchflow
// (ORCHFLOW_STATE_DIR is applied through Config.StateDir).
func StateDir() string {
	if v := os.Getenv("XDG_STATE_HOME"); v != "" {
		return filepath.Join(v, "orchflow")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "orchflow-state")
	}
	return filepath.Join(home, ".local", "state", "orchflow")
}
