package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/timvw/orchflow/internal/model"
)

// WezTerm implements Adapter on top of "wezterm cli" for terminals with
// native splits. A session is a WezTerm workspace; pane refs are pane ids.
type WezTerm struct {
	base
	session string
	primary string
}

// NewWezTerm creates a WezTerm adapter.
func NewWezTerm(opts Options) *WezTerm {
	return &WezTerm{base: newBase("wezterm", "wezterm", opts,
		[]string{"not found", "no such pane", "invalid pane"},
		[]string{"failed to connect", "unable to connect", "no running wezterm"},
	)}
}

// Name returns "wezterm".
func (w *WezTerm) Name() string { return "wezterm" }

type weztermPane struct {
	PaneID    int64  `json:"pane_id"`
	TabID     int64  `json:"tab_id"`
	WindowID  int64  `json:"window_id"`
	Workspace string `json:"workspace"`
	Title     string `json:"title"`
	IsActive  bool   `json:"is_active"`
}

func (w *WezTerm) list(ctx context.Context) ([]weztermPane, error) {
	out, err := w.run(ctx, "cli", "list", "--format", "json")
	if err != nil {
		return nil, fmt.Errorf("wezterm cli list: %w", err)
	}
	var panes []weztermPane
	if err := json.Unmarshal([]byte(out), &panes); err != nil {
		return nil, &CommandError{Backend: w.Name(), Op: "list", Kind: ErrCommandFailed, Err: fmt.Errorf("decode wezterm list json: %w", err)}
	}
	sort.Slice(panes, func(i, j int) bool { return panes[i].PaneID < panes[j].PaneID })
	return panes, nil
}

// EnsureSession spawns a window in the workspace unless it already has panes.
func (w *WezTerm) EnsureSession(ctx context.Context, name string) (SessionHandle, error) {
	h := SessionHandle{Name: name, Backend: w.Name()}
	panes, err := w.list(ctx)
	if err != nil {
		return h, err
	}
	for _, p := range panes {
		if p.Workspace == name {
			w.session = name
			w.primary = strconv.FormatInt(p.PaneID, 10)
			return h, nil
		}
	}
	out, err := w.run(ctx, "cli", "spawn", "--new-window", "--workspace", name)
	if err != nil {
		return h, fmt.Errorf("wezterm cli spawn: %w", err)
	}
	id, err := parsePaneID(out)
	if err != nil {
		return h, &CommandError{Backend: w.Name(), Op: "spawn", Kind: ErrCommandFailed, Err: err}
	}
	w.session = name
	w.primary = id
	h.Created = true
	return h, nil
}

// CreateSplitLayout splits the workspace's first pane to the right.
func (w *WezTerm) CreateSplitLayout(ctx context.Context, primaryPct, statusPct int) (string, string, error) {
	if err := validateLayout(primaryPct, statusPct); err != nil {
		return "", "", err
	}
	if w.primary == "" {
		return "", "", fmt.Errorf("wezterm split layout: no session ensured")
	}
	out, err := w.run(ctx, "cli", "split-pane", "--pane-id", w.primary, "--right", "--percent", strconv.Itoa(statusPct))
	if err != nil {
		return "", "", fmt.Errorf("wezterm cli split-pane: %w", err)
	}
	status, err := parsePaneID(out)
	if err != nil {
		return "", "", &CommandError{Backend: w.Name(), Op: "split-pane", Kind: ErrCommandFailed, Err: err}
	}
	return w.primary, status, nil
}

// NewPane opens a tab next to the primary pane and titles it.
func (w *WezTerm) NewPane(ctx context.Context, title string) (string, error) {
	if w.primary == "" {
		return "", fmt.Errorf("wezterm new pane: no session ensured")
	}
	out, err := w.run(ctx, "cli", "spawn", "--pane-id", w.primary)
	if err != nil {
		return "", fmt.Errorf("wezterm cli spawn: %w", err)
	}
	id, err := parsePaneID(out)
	if err != nil {
		return "", &CommandError{Backend: w.Name(), Op: "spawn", Kind: ErrCommandFailed, Err: err}
	}
	_, _ = w.run(ctx, "cli", "set-tab-title", "--pane-id", id, title)
	return id, nil
}

// SpawnInPane sends the command line to the pane's shell.
func (w *WezTerm) SpawnInPane(ctx context.Context, ref, command string, env map[string]string) error {
	return w.SendText(ctx, ref, shellLine(command, env))
}

// SendText sends text plus a carriage return without bracketed paste.
func (w *WezTerm) SendText(ctx context.Context, ref, text string) error {
	if _, err := w.run(ctx, "cli", "send-text", "--pane-id", ref, "--no-paste", text+"\r"); err != nil {
		return fmt.Errorf("wezterm cli send-text %s: %w", ref, err)
	}
	return nil
}

// FocusPane activates the pane.
func (w *WezTerm) FocusPane(ctx context.Context, ref string) error {
	if _, err := w.run(ctx, "cli", "activate-pane", "--pane-id", ref); err != nil {
		return fmt.Errorf("wezterm cli activate-pane %s: %w", ref, err)
	}
	return nil
}

// KillPane kills the pane.
func (w *WezTerm) KillPane(ctx context.Context, ref string) error {
	if _, err := w.run(ctx, "cli", "kill-pane", "--pane-id", ref); err != nil {
		return fmt.Errorf("wezterm cli kill-pane %s: %w", ref, err)
	}
	return nil
}

// ListPanes returns the panes of one workspace. An empty workspace is
// reported as a missing session.
func (w *WezTerm) ListPanes(ctx context.Context, session string) ([]model.Pane, error) {
	all, err := w.list(ctx)
	if err != nil {
		return nil, err
	}
	var panes []model.Pane
	for i, p := range all {
		if p.Workspace != session {
			continue
		}
		panes = append(panes, model.Pane{
			ID:      strconv.FormatInt(p.PaneID, 10),
			Session: session,
			Index:   i,
			Title:   p.Title,
			Active:  p.IsActive,
		})
	}
	if len(panes) == 0 {
		return nil, &CommandError{Backend: w.Name(), Op: "list", Kind: ErrPaneNotFound, Err: fmt.Errorf("workspace %q has no panes", session)}
	}
	return panes, nil
}

func parsePaneID(out string) (string, error) {
	raw := strings.TrimSpace(out)
	if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
		return "", fmt.Errorf("parse pane id %q: %w", raw, err)
	}
	return raw, nil
}
