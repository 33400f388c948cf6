package flow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/timvw/orchflow/internal/env"
	"github.com/timvw/orchflow/internal/mux"
	"github.com/timvw/orchflow/internal/prompt"
)

func mustDefaults(t *testing.T) map[string]Flow {
	t.Helper()
	flows, err := Defaults()
	if err != nil {
		t.Fatal(err)
	}
	return flows
}

func TestDefaults(t *testing.T) {
	flows := mustDefaults(t)
	for _, name := range Priority {
		if _, ok := flows[name]; !ok {
			t.Errorf("missing built-in flow %s", name)
		}
	}
	if flows[NameNative].Backend != mux.BackendWezTerm {
		t.Errorf("native backend = %q", flows[NameNative].Backend)
	}
	if len(flows[NameFallback].Steps) != 0 {
		t.Errorf("fallback flow should have no steps")
	}
}

func TestRoute(t *testing.T) {
	r := NewRouter(mustDefaults(t))
	tests := []struct {
		name string
		d    env.Descriptor
		want string
	}{
		{"inside tmux", env.Descriptor{Multiplexer: "tmux", Available: []string{"tmux", "zellij"}}, NameTmux},
		{"inside zellij with tmux installed", env.Descriptor{Multiplexer: "zellij", Available: []string{"tmux", "zellij"}}, NameZellij},
		{"none active, tmux installed", env.Descriptor{Available: []string{"zellij", "tmux"}}, NameTmux},
		{"none active, zellij installed", env.Descriptor{Available: []string{"zellij"}}, NameZellij},
		{"inside screen", env.Descriptor{Multiplexer: "screen", Available: []string{"screen"}}, NameScreen},
		{"screen installed but not active", env.Descriptor{Available: []string{"screen"}}, NameFallback},
		{"wezterm", env.Descriptor{Terminal: "wezterm", Available: []string{"wezterm"}}, NameNative},
		{"wezterm terminal without cli", env.Descriptor{Terminal: "wezterm"}, NameFallback},
		{"nothing", env.Descriptor{}, NameFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Route(tt.d).Name; got != tt.want {
				t.Errorf("Route = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRouteIsTotal(t *testing.T) {
	r := NewRouter(nil)
	if got := r.Route(env.Descriptor{Multiplexer: "tmux", Available: []string{"tmux"}}); got.Name != NameFallback {
		t.Errorf("router without flows should fall back, got %s", got.Name)
	}
}

func TestRouteExcluding(t *testing.T) {
	r := NewRouter(mustDefaults(t))
	d := env.Descriptor{Multiplexer: "tmux", Available: []string{"tmux", "zellij"}}
	if got := r.RouteExcluding(d, "tmux"); got.Name != NameZellij {
		t.Errorf("excluding tmux = %s, want zellij", got.Name)
	}
	if got := r.RouteExcluding(d, "tmux", "zellij"); got.Name != NameFallback {
		t.Errorf("excluding both = %s, want fallback", got.Name)
	}
	if got := r.RouteExcluding(env.Descriptor{}, mux.BackendFallback); got.Name != NameFallback {
		t.Errorf("fallback cannot be excluded, got %s", got.Name)
	}
}

func TestForBackend(t *testing.T) {
	r := NewRouter(mustDefaults(t))
	for _, name := range []string{"tmux", "wezterm", "native", "fallback"} {
		if _, ok := r.ForBackend(name); !ok {
			t.Errorf("ForBackend(%s) not found", name)
		}
	}
	if _, ok := r.ForBackend("kitty"); ok {
		t.Errorf("ForBackend(kitty) should not resolve")
	}
}

func TestLoadOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.yaml")
	data := `flows:
  - name: tmux
    backend: tmux
    steps:
      - id: custom
        run: "true"
  - name: fallback
    backend: tmux
    steps:
      - id: ignored
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	flows, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if steps := flows[NameTmux].Steps; len(steps) != 1 || steps[0].ID != "custom" {
		t.Errorf("tmux steps = %+v", steps)
	}
	if len(flows[NameFallback].Steps) != 0 || flows[NameFallback].Backend != mux.BackendFallback {
		t.Errorf("fallback was overridden: %+v", flows[NameFallback])
	}
	if _, ok := flows[NameZellij]; !ok {
		t.Errorf("built-in zellij flow lost")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown backend": "flows:\n  - name: x\n    backend: kitty\n",
		"missing step id": "flows:\n  - name: tmux\n    backend: tmux\n    steps:\n      - run: ls\n",
		"duplicate step":  "flows:\n  - name: tmux\n    backend: tmux\n    steps:\n      - id: a\n      - id: a\n",
		"bad yaml":        "flows: [",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "flows.yaml")
			if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("expected error")
			}
		})
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("expected error for missing file")
	}
}

type recordingRunner struct {
	calls []string
	fail  map[string]bool
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	line := strings.Join(args[1:], " ")
	r.calls = append(r.calls, line)
	if r.fail[line] {
		return "", &mux.ExitError{Code: 1, Stderr: "nope"}
	}
	return "", nil
}

type scriptedPrompt struct {
	prompt.NonInteractive
	answers  []bool
	progress []string
}

func (p *scriptedPrompt) Confirm(_ context.Context, _ string, def bool) (bool, error) {
	if len(p.answers) == 0 {
		return def, nil
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

func (p *scriptedPrompt) ShowProgress(step, total int, message string) {
	p.progress = append(p.progress, message)
}

func TestRunnerOrderAndWarnings(t *testing.T) {
	exec := &recordingRunner{fail: map[string]bool{"opt-check": true}}
	p := &scriptedPrompt{}
	r := NewRunner(exec, p, 0)
	var builtinRan bool
	r.Register("hook", func(context.Context) error { builtinRan = true; return nil })

	f := Flow{Name: "t", Steps: []Step{
		{ID: "a", Description: "first", Check: "check-a", Run: "run-a"},
		{ID: "b", Check: "opt-check", Run: "never", Optional: true},
		{ID: "c", Builtin: "hook"},
	}}
	res, err := r.Run(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(exec.calls, ","); got != "check-a,run-a,opt-check" {
		t.Errorf("calls = %s", got)
	}
	if !builtinRan {
		t.Errorf("builtin did not run")
	}
	if strings.Join(res.Completed, ",") != "a,c" {
		t.Errorf("completed = %v", res.Completed)
	}
	if len(res.Warnings) != 1 || !strings.HasPrefix(res.Warnings[0], "b:") {
		t.Errorf("warnings = %v", res.Warnings)
	}
	if strings.Join(p.progress, ",") != "first,b,c" {
		t.Errorf("progress = %v", p.progress)
	}
}

func TestRunnerRequiredFailure(t *testing.T) {
	exec := &recordingRunner{fail: map[string]bool{"boom": true}}
	r := NewRunner(exec, nil, 0)
	f := Flow{Name: "t", Steps: []Step{
		{ID: "a", Check: "boom"},
		{ID: "b", Run: "after"},
	}}
	_, err := r.Run(context.Background(), f)
	var se *StepError
	if !errors.As(err, &se) || se.Step != "a" || se.Flow != "t" {
		t.Fatalf("expected StepError for a, got %v", err)
	}
	var ee *mux.ExitError
	if !errors.As(err, &ee) {
		t.Errorf("cause not preserved: %v", err)
	}
	if len(exec.calls) != 1 {
		t.Errorf("later steps ran: %v", exec.calls)
	}
}

func TestRunnerUnknownBuiltin(t *testing.T) {
	r := NewRunner(&recordingRunner{}, nil, 0)
	_, err := r.Run(context.Background(), Flow{Name: "t", Steps: []Step{{ID: "x", Builtin: "missing"}}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRunnerConfirm(t *testing.T) {
	exec := &recordingRunner{}
	p := &scriptedPrompt{answers: []bool{false, false}}
	r := NewRunner(exec, p, 0)
	f := Flow{Name: "t", Steps: []Step{
		{ID: "opt", Run: "opt", Confirm: true, Optional: true},
		{ID: "req", Run: "req", Confirm: true},
	}}
	res, err := r.Run(context.Background(), f)
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected ErrDeclined, got %v", err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "opt" {
		t.Errorf("skipped = %v", res.Skipped)
	}
	if len(exec.calls) != 0 {
		t.Errorf("declined steps ran: %v", exec.calls)
	}
}

func TestRunnerFallbackFlow(t *testing.T) {
	res, err := NewRunner(&recordingRunner{}, nil, 0).Run(context.Background(), Fallback)
	if err != nil || res.Flow != NameFallback {
		t.Errorf("fallback run = %+v, %v", res, err)
	}
}
