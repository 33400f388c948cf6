// Package flow selects a setup flow for the detected environment and runs
// its steps.
//
// Flows are tried in a fixed priority order (tmux, zellij, screen, native,
// fallback); the first whose compatibility predicate holds wins. The
// fallback flow has no steps and accepts every environment, so routing is
// total.
package flow

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/timvw/orchflow/internal/env"
	"github.com/timvw/orchflow/internal/mux"
)

// Flow names in priority order.
const (
	NameTmux     = "tmux"
	NameZellij   = "zellij"
	NameScreen   = "screen"
	NameNative   = "native"
	NameFallback = "fallback"
)

// Priority is the fixed routing order.
var Priority = []string{NameTmux, NameZellij, NameScreen, NameNative, NameFallback}

// Step is one setup action. Check is a shell precondition; Run is an
// optional shell command; Builtin names a Go action registered with the
// runner. A failing optional step is reported and skipped.
type Step struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description" json:"description"`
	Check       string `yaml:"check,omitempty" json:"check,omitempty"`
	Run         string `yaml:"run,omitempty" json:"run,omitempty"`
	Builtin     string `yaml:"builtin,omitempty" json:"builtin,omitempty"`
	Optional    bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
	// Confirm asks the user before running.
	Confirm bool `yaml:"confirm,omitempty" json:"confirm,omitempty"`
}

// Flow is an ordered setup procedure bound to a backend.
type Flow struct {
	Name        string `yaml:"name" json:"name"`
	Backend     string `yaml:"backend" json:"backend"`
	Description string `yaml:"description" json:"description"`
	Steps       []Step `yaml:"steps" json:"steps,omitempty"`
}

// Fallback is the terminal flow: no steps, never fails.
var Fallback = Flow{
	Name:        NameFallback,
	Backend:     mux.BackendFallback,
	Description: "no multiplexer: workers run as background processes",
}

type flowFile struct {
	Flows []Flow `yaml:"flows"`
}

//go:embed flows.yaml
var defaultFlows []byte

// Defaults returns the built-in flows keyed by name, fallback included.
func Defaults() (map[string]Flow, error) {
	flows, err := parse(defaultFlows)
	if err != nil {
		return nil, fmt.Errorf("built-in flows: %w", err)
	}
	return flows, nil
}

// Load returns the built-in flows overlaid with the flows defined in path.
// Flows in the file replace built-in flows with the same name. The fallback
// flow cannot be replaced.
func Load(path string) (map[string]Flow, error) {
	flows, err := Defaults()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return flows, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flows file: %w", err)
	}
	overrides, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse flows file %s: %w", path, err)
	}
	for name, f := range overrides {
		if name == NameFallback {
			continue
		}
		flows[name] = f
	}
	return flows, nil
}

func parse(data []byte) (map[string]Flow, error) {
	var ff flowFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, err
	}
	flows := map[string]Flow{NameFallback: Fallback}
	for _, f := range ff.Flows {
		if f.Name == "" {
			return nil, fmt.Errorf("flow without name")
		}
		if f.Name == NameFallback {
			continue
		}
		if !mux.Supported(f.Backend) {
			return nil, fmt.Errorf("flow %s: unknown backend %q", f.Name, f.Backend)
		}
		seen := map[string]bool{}
		for i, s := range f.Steps {
			if s.ID == "" {
				return nil, fmt.Errorf("flow %s: step %d has no id", f.Name, i+1)
			}
			if seen[s.ID] {
				return nil, fmt.Errorf("flow %s: duplicate step id %s", f.Name, s.ID)
			}
			seen[s.ID] = true
		}
		flows[f.Name] = f
	}
	return flows, nil
}

// Compatible reports whether the named flow can run in the environment.
func Compatible(name string, d env.Descriptor) bool {
	switch name {
	case NameTmux:
		return d.Multiplexer == "tmux" || (d.Multiplexer == "" && d.Has("tmux"))
	case NameZellij:
		return d.Multiplexer == "zellij" || (d.Multiplexer == "" && d.Has("zellij"))
	case NameScreen:
		return d.Multiplexer == "screen"
	case NameNative:
		return d.Terminal == "wezterm" && d.Has("wezterm")
	case NameFallback:
		return true
	}
	return false
}
