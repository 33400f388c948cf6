package mux

import (
	"context"
	"errors"
	"testing"
)

func TestZellijTabsAsPanes(t *testing.T) {
	r := newFakeRunner()
	r.on("list-sessions --short --no-formatting", "other\n", nil)
	r.on("--session orch action query-tab-names", "Tab #1\nAPI Developer\n", nil)
	z := NewZellij(Options{Runner: r})
	ctx := context.Background()

	h, err := z.EnsureSession(ctx, "orch")
	if err != nil {
		t.Fatal(err)
	}
	if !h.Created || !r.called("zellij attach --create-background orch") {
		t.Errorf("session not created: %+v %v", h, r.joined())
	}

	ref, err := z.NewPane(ctx, "API Developer")
	if err != nil || ref != "tab:API Developer" {
		t.Fatalf("NewPane = %q, %v", ref, err)
	}
	if err := z.SpawnInPane(ctx, ref, "make build", nil); err != nil {
		t.Fatal(err)
	}
	if !r.called("zellij --session orch action write-chars make build") {
		t.Errorf("write-chars missing: %v", r.joined())
	}

	if err := z.FocusPane(ctx, "tab:Missing"); !errors.Is(err, ErrPaneNotFound) {
		t.Errorf("expected ErrPaneNotFound, got %v", err)
	}
	if err := z.KillPane(ctx, "%3"); !errors.Is(err, ErrPaneNotFound) {
		t.Errorf("foreign ref: expected ErrPaneNotFound, got %v", err)
	}

	panes, err := z.ListPanes(ctx, "orch")
	if err != nil {
		t.Fatal(err)
	}
	if len(panes) != 2 || panes[1].ID != "tab:API Developer" {
		t.Errorf("panes = %+v", panes)
	}
}

func TestZellijExistingSession(t *testing.T) {
	r := newFakeRunner()
	r.on("list-sessions --short --no-formatting", "orch\nother\n", nil)
	z := NewZellij(Options{Runner: r})
	h, err := z.EnsureSession(context.Background(), "orch")
	if err != nil || h.Created {
		t.Fatalf("EnsureSession = %+v, %v", h, err)
	}
}

func TestScreenWindows(t *testing.T) {
	r := newFakeRunner()
	r.on("-S orch -Q windows", "0$ bash  1-$ API Developer  2*$ API Developer", nil)
	s := NewScreen(Options{Runner: r})
	ctx := context.Background()

	h, err := s.EnsureSession(ctx, "orch")
	if err != nil || h.Created {
		t.Fatalf("EnsureSession = %+v, %v", h, err)
	}
	ref, err := s.NewPane(ctx, "API Developer")
	if err != nil {
		t.Fatal(err)
	}
	if ref != "win:2" {
		t.Errorf("NewPane picked %q, want newest window win:2", ref)
	}
	if err := s.SendText(ctx, ref, "y"); err != nil {
		t.Fatal(err)
	}
	if !r.called("screen -S orch -p 2 -X stuff y\n") {
		t.Errorf("stuff missing: %q", r.joined())
	}
	if err := s.FocusPane(ctx, "win:7"); !errors.Is(err, ErrPaneNotFound) {
		t.Errorf("expected ErrPaneNotFound, got %v", err)
	}
}

func TestScreenCreatesSession(t *testing.T) {
	r := newFakeRunner()
	r.on("-S orch -Q windows", "", &ExitError{Code: 1, Stderr: "No screen session found."})
	s := NewScreen(Options{Runner: r})
	h, err := s.EnsureSession(context.Background(), "orch")
	if err != nil || !h.Created {
		t.Fatalf("EnsureSession = %+v, %v", h, err)
	}
	if !r.called("screen -dmS orch") {
		t.Errorf("calls = %v", r.joined())
	}
}

func TestParseScreenWindows(t *testing.T) {
	panes := parseScreenWindows("s", "0$ bash  1*$ Test Engineer  x junk")
	if len(panes) != 2 {
		t.Fatalf("panes = %+v", panes)
	}
	if panes[1].ID != "win:1" || !panes[1].Active || panes[1].Title != "Test Engineer" {
		t.Errorf("pane = %+v", panes[1])
	}
}

func TestWezTerm(t *testing.T) {
	r := newFakeRunner()
	r.on("cli list --format json", `[
		{"window_id":0,"tab_id":0,"pane_id":3,"workspace":"default","title":"zsh","is_active":true},
		{"window_id":1,"tab_id":1,"pane_id":7,"workspace":"orch","title":"zsh","is_active":true},
		{"window_id":1,"tab_id":2,"pane_id":9,"workspace":"orch","title":"API Developer","is_active":false}
	]`, nil)
	r.on("cli split-pane --pane-id 7 --right --percent 30", "8\n", nil)
	r.on("cli spawn --pane-id 7", "10\n", nil)
	w := NewWezTerm(Options{Runner: r})
	ctx := context.Background()

	h, err := w.EnsureSession(ctx, "orch")
	if err != nil || h.Created {
		t.Fatalf("EnsureSession = %+v, %v", h, err)
	}
	primary, status, err := w.CreateSplitLayout(ctx, 70, 30)
	if err != nil || primary != "7" || status != "8" {
		t.Fatalf("layout = %q %q %v", primary, status, err)
	}
	ref, err := w.NewPane(ctx, "Test Engineer")
	if err != nil || ref != "10" {
		t.Fatalf("NewPane = %q %v", ref, err)
	}
	panes, err := w.ListPanes(ctx, "orch")
	if err != nil || len(panes) != 2 {
		t.Fatalf("ListPanes = %+v %v", panes, err)
	}
	if _, err := w.ListPanes(ctx, "gone"); !errors.Is(err, ErrPaneNotFound) {
		t.Errorf("empty workspace: expected ErrPaneNotFound, got %v", err)
	}
}

func TestWezTermCreatesWorkspace(t *testing.T) {
	r := newFakeRunner()
	r.on("cli list --format json", `[]`, nil)
	r.on("cli spawn --new-window --workspace orch", "12\n", nil)
	w := NewWezTerm(Options{Runner: r})
	h, err := w.EnsureSession(context.Background(), "orch")
	if err != nil || !h.Created {
		t.Fatalf("EnsureSession = %+v, %v", h, err)
	}
	if w.primary != "12" {
		t.Errorf("primary = %q", w.primary)
	}
}
