package mux

import (
	"context"
	"fmt"
	"strings"

	"github.com/timvw/orchflow/internal/model"
)

// Zellij implements Adapter for zellij. The zellij CLI cannot address panes
// by id, so each worker gets its own tab and the pane ref is "tab:<name>".
type Zellij struct {
	base
	session string
}

// NewZellij creates a zellij adapter.
func NewZellij(opts Options) *Zellij {
	return &Zellij{base: newBase("zellij", "zellij", opts,
		[]string{"not found", "no active zellij sessions", "no session"},
		nil,
	)}
}

// Name returns "zellij".
func (z *Zellij) Name() string { return "zellij" }

// EnsureSession creates a background session when none with the name exists.
func (z *Zellij) EnsureSession(ctx context.Context, name string) (SessionHandle, error) {
	h := SessionHandle{Name: name, Backend: z.Name()}
	out, err := z.run(ctx, "list-sessions", "--short", "--no-formatting")
	if err != nil && !isExit(err) {
		return h, fmt.Errorf("zellij list-sessions: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == name {
			z.session = name
			return h, nil
		}
	}
	if _, err := z.run(ctx, "attach", "--create-background", name); err != nil {
		return h, fmt.Errorf("zellij attach --create-background: %w", err)
	}
	z.session = name
	h.Created = true
	return h, nil
}

func (z *Zellij) action(ctx context.Context, args ...string) (string, error) {
	if z.session == "" {
		return "", fmt.Errorf("zellij: no session ensured")
	}
	return z.run(ctx, append([]string{"--session", z.session, "action"}, args...)...)
}

// CreateSplitLayout adds a status pane to the right of the first tab.
// zellij sizes new panes itself; the percentages are validated only.
func (z *Zellij) CreateSplitLayout(ctx context.Context, primaryPct, statusPct int) (string, string, error) {
	if err := validateLayout(primaryPct, statusPct); err != nil {
		return "", "", err
	}
	tabs, err := z.tabNames(ctx)
	if err != nil {
		return "", "", err
	}
	if len(tabs) == 0 {
		return "", "", &CommandError{Backend: z.Name(), Op: "query-tab-names", Kind: ErrCommandFailed, Err: fmt.Errorf("session %s has no tabs", z.session)}
	}
	if _, err := z.action(ctx, "go-to-tab-name", tabs[0]); err != nil {
		return "", "", fmt.Errorf("zellij go-to-tab-name: %w", err)
	}
	if _, err := z.action(ctx, "new-pane", "--direction", "right", "--name", "orchflow-status"); err != nil {
		return "", "", fmt.Errorf("zellij new-pane: %w", err)
	}
	return "tab:" + tabs[0], "pane:orchflow-status", nil
}

// NewPane opens a tab named after the worker.
func (z *Zellij) NewPane(ctx context.Context, title string) (string, error) {
	name := sanitizeTabName(title)
	if _, err := z.action(ctx, "new-tab", "--name", name); err != nil {
		return "", fmt.Errorf("zellij new-tab: %w", err)
	}
	return "tab:" + name, nil
}

// SpawnInPane types the command into the tab's shell.
func (z *Zellij) SpawnInPane(ctx context.Context, ref, command string, env map[string]string) error {
	return z.SendText(ctx, ref, shellLine(command, env))
}

// SendText focuses the tab and writes text followed by Enter.
func (z *Zellij) SendText(ctx context.Context, ref, text string) error {
	if err := z.FocusPane(ctx, ref); err != nil {
		return err
	}
	if _, err := z.action(ctx, "write-chars", text); err != nil {
		return fmt.Errorf("zellij write-chars: %w", err)
	}
	if _, err := z.action(ctx, "write", "13"); err != nil {
		return fmt.Errorf("zellij write: %w", err)
	}
	return nil
}

// FocusPane switches to the worker's tab.
func (z *Zellij) FocusPane(ctx context.Context, ref string) error {
	name, err := z.requireTab(ctx, ref, "go-to-tab-name")
	if err != nil {
		return err
	}
	if _, err := z.action(ctx, "go-to-tab-name", name); err != nil {
		return fmt.Errorf("zellij go-to-tab-name: %w", err)
	}
	return nil
}

// KillPane closes the worker's tab.
func (z *Zellij) KillPane(ctx context.Context, ref string) error {
	if err := z.FocusPane(ctx, ref); err != nil {
		return err
	}
	if _, err := z.action(ctx, "close-tab"); err != nil {
		return fmt.Errorf("zellij close-tab: %w", err)
	}
	return nil
}

// ListPanes reports one pane per tab.
func (z *Zellij) ListPanes(ctx context.Context, session string) ([]model.Pane, error) {
	out, err := z.run(ctx, "--session", session, "action", "query-tab-names")
	if err != nil {
		return nil, fmt.Errorf("zellij query-tab-names: %w", err)
	}
	var panes []model.Pane
	for i, name := range splitLines(out) {
		panes = append(panes, model.Pane{ID: "tab:" + name, Session: session, Index: i, Title: name})
	}
	return panes, nil
}

func (z *Zellij) tabNames(ctx context.Context) ([]string, error) {
	out, err := z.action(ctx, "query-tab-names")
	if err != nil {
		return nil, fmt.Errorf("zellij query-tab-names: %w", err)
	}
	return splitLines(out), nil
}

func (z *Zellij) requireTab(ctx context.Context, ref, op string) (string, error) {
	name, ok := strings.CutPrefix(ref, "tab:")
	if !ok {
		return "", paneNotFound(z.Name(), op, ref)
	}
	tabs, err := z.tabNames(ctx)
	if err != nil {
		return "", err
	}
	for _, t := range tabs {
		if t == name {
			return name, nil
		}
	}
	return "", paneNotFound(z.Name(), op, ref)
}

func sanitizeTabName(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return ' '
		}
		return r
	}, strings.TrimSpace(s))
	if s == "" {
		return "worker"
	}
	return s
}

func splitLines(out string) []string {
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
