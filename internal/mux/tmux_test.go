package mux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestTmuxEnsureSessionCreatesWhenMissing(t *testing.T) {
	r := newFakeRunner()
	r.on("has-session -t =orch", "", &ExitError{Code: 1, Stderr: "can't find session: orch"})
	tm := NewTmux(Options{Runner: r})

	h, err := tm.EnsureSession(context.Background(), "orch")
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if !h.Created || h.Name != "orch" || h.Backend != "tmux" {
		t.Errorf("handle = %+v", h)
	}
	if !r.called("tmux new-session -d -s orch") {
		t.Errorf("new-session not called: %v", r.joined())
	}
}

func TestTmuxEnsureSessionIsIdempotent(t *testing.T) {
	r := newFakeRunner()
	tm := NewTmux(Options{Runner: r})
	for i := 0; i < 2; i++ {
		h, err := tm.EnsureSession(context.Background(), "orch")
		if err != nil {
			t.Fatal(err)
		}
		if h.Created {
			t.Errorf("existing session reported as created")
		}
	}
	if r.called("tmux new-session") {
		t.Errorf("new-session must not run for an existing session")
	}
}

func TestTmuxMissingBinaryIsBackendUnavailable(t *testing.T) {
	r := RunnerFunc(func(context.Context, string, ...string) (string, error) {
		return "", &exec.Error{Name: "tmux", Err: exec.ErrNotFound}
	})
	tm := NewTmux(Options{Runner: r})
	_, err := tm.EnsureSession(context.Background(), "orch")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestTmuxErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"pane gone", &ExitError{Code: 1, Stderr: "can't find pane: %9"}, ErrPaneNotFound},
		{"no server", &ExitError{Code: 1, Stderr: "no server running on /tmp/tmux-0/default"}, ErrPaneNotFound},
		{"timeout", &TimeoutError{After: time.Second}, ErrCommandFailed},
		{"other", &ExitError{Code: 1, Stderr: "unknown option"}, ErrCommandFailed},
		{"server connect", &ExitError{Code: 1, Stderr: "error connecting to /tmp/tmux-0/default"}, ErrBackendUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeRunner()
			r.on("kill-pane -t %9", "", tt.err)
			tm := NewTmux(Options{Runner: r})
			err := tm.KillPane(context.Background(), "%9")
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			var ce *CommandError
			if !errors.As(err, &ce) || ce.Backend != "tmux" || ce.Op != "kill-pane" {
				t.Errorf("CommandError = %+v", ce)
			}
			for _, other := range []error{ErrPaneNotFound, ErrBackendUnavailable, ErrCommandFailed} {
				if other != tt.want && errors.Is(err, other) {
					t.Errorf("error also matches %v", other)
				}
			}
		})
	}
}

func TestTmuxLayoutAndPanes(t *testing.T) {
	r := newFakeRunner()
	r.on("display-message -p -t =orch: #{pane_id}", "%0\n", nil)
	r.on("split-window -h -d -t %0 -l 30% -P -F #{pane_id}", "%1\n", nil)
	r.on("new-window -d -t =orch: -n API Developer -P -F #{pane_id}", "%2\n", nil)
	tm := NewTmux(Options{Runner: r})
	ctx := context.Background()

	if _, err := tm.EnsureSession(ctx, "orch"); err != nil {
		t.Fatal(err)
	}
	primary, status, err := tm.CreateSplitLayout(ctx, 70, 30)
	if err != nil {
		t.Fatal(err)
	}
	if primary != "%0" || status != "%1" {
		t.Errorf("layout = %q %q", primary, status)
	}

	ref, err := tm.NewPane(ctx, "API Developer")
	if err != nil {
		t.Fatal(err)
	}
	if ref != "%2" {
		t.Errorf("ref = %q", ref)
	}
	if !r.called("tmux set-option -w -t %2 remain-on-exit on") {
		t.Errorf("remain-on-exit not set: %v", r.joined())
	}

	env := map[string]string{"ORCHFLOW_API": "http://localhost:8080", "ORCHFLOW_WORKER_ID": "w1"}
	if err := tm.SpawnInPane(ctx, ref, "claude-flow task 'build it'", env); err != nil {
		t.Fatal(err)
	}
	want := "tmux respawn-pane -k -t %2 export ORCHFLOW_API='http://localhost:8080' ORCHFLOW_WORKER_ID='w1'; claude-flow task 'build it'"
	if !r.called(want) {
		t.Errorf("respawn-pane call missing; calls: %v", r.joined())
	}
}

func TestTmuxLayoutValidation(t *testing.T) {
	tm := NewTmux(Options{Runner: newFakeRunner()})
	for _, pct := range [][2]int{{0, 30}, {70, 0}, {80, 30}, {-1, 50}} {
		if _, _, err := tm.CreateSplitLayout(context.Background(), pct[0], pct[1]); err == nil {
			t.Errorf("layout %v accepted", pct)
		}
	}
}

func TestParseTmuxPanes(t *testing.T) {
	out := strings.Join([]string{
		"%0\t0\torchflow\t1\t100\tzsh\t0\t",
		"%2\t0\tAPI Developer\t0\t200\tclaude\t1\t3",
		"garbage",
		"",
	}, "\n")
	panes := parseTmuxPanes("orch", out)
	if len(panes) != 2 {
		t.Fatalf("got %d panes, want 2", len(panes))
	}
	if panes[0].ID != "%0" || !panes[0].Active || panes[0].Dead || panes[0].PID != 100 {
		t.Errorf("pane 0 = %+v", panes[0])
	}
	if !panes[1].Dead || panes[1].ExitStatus == nil || *panes[1].ExitStatus != 3 || panes[1].Title != "API Developer" {
		t.Errorf("pane 1 = %+v", panes[1])
	}
}

func TestTmuxSendText(t *testing.T) {
	r := newFakeRunner()
	tm := NewTmux(Options{Runner: r})
	if err := tm.SendText(context.Background(), "%4", "yes"); err != nil {
		t.Fatal(err)
	}
	calls := r.joined()
	if len(calls) != 2 || calls[0] != "tmux send-keys -t %4 -l yes" || calls[1] != "tmux send-keys -t %4 Enter" {
		t.Errorf("calls = %v", calls)
	}
}

func TestObserverSeesEveryCall(t *testing.T) {
	var ops []string
	obs := func(backend, op string, _ time.Duration, err error) {
		ops = append(ops, fmt.Sprintf("%s/%s/%v", backend, op, err != nil))
	}
	r := newFakeRunner()
	r.on("kill-pane -t %1", "", &ExitError{Code: 1, Stderr: "can't find pane"})
	tm := NewTmux(Options{Runner: r, Observer: obs})
	_ = tm.FocusPane(context.Background(), "%2")
	_ = tm.KillPane(context.Background(), "%1")
	if len(ops) < 3 || ops[0] != "tmux/select-window/false" || ops[len(ops)-1] != "tmux/kill-pane/true" {
		t.Errorf("ops = %v", ops)
	}
}

func TestWriteTmuxConfig(t *testing.T) {
	var b strings.Builder
	if err := WriteTmuxConfig(&b, "/usr/local/bin/orchflow"); err != nil {
		t.Fatal(err)
	}
	out := b.String()
	for _, want := range []string{
		"bind-key -n M-1 run-shell -b '/usr/local/bin/orchflow connect 1'",
		"bind-key -n M-9 run-shell -b '/usr/local/bin/orchflow connect 9'",
		"set-option -g mouse on",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("config missing %q:\n%s", want, out)
		}
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"":          "''",
		"plain":     "'plain'",
		"it's":      `'it'\''s'`,
		"a b; rm x": "'a b; rm x'",
	}
	for in, want := range tests {
		if got := ShellQuote(in); got != want {
			t.Errorf("ShellQuote(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestOpName(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"kill-pane", "-t", "%1"}, "kill-pane"},
		{[]string{"-S", "orch", "-p", "2", "-X", "stuff", "x"}, "stuff"},
		{[]string{"-S", "orch", "-Q", "windows"}, "windows"},
		{[]string{"--session", "orch", "action", "new-tab"}, "new-tab"},
		{[]string{"cli", "list", "--format", "json"}, "list"},
	}
	for _, tt := range tests {
		if got := opName(tt.args); got != tt.want {
			t.Errorf("opName(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestNewFactory(t *testing.T) {
	for _, name := range append(Backends, "native", " TMUX ") {
		a, err := New(name, Options{Runner: newFakeRunner(), StateDir: t.TempDir()})
		if err != nil {
			t.Errorf("New(%q): %v", name, err)
			continue
		}
		if a.Name() == "" {
			t.Errorf("New(%q) has empty name", name)
		}
	}
	if _, err := New("kitty", Options{}); err == nil {
		t.Errorf("expected error for unknown backend")
	}
}
