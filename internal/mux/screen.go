package mux

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/timvw/orchflow/internal/model"
)

// Screen implements Adapter for GNU screen. Workers get their own screen
// window; the pane ref is "win:<number>".
type Screen struct {
	base
	session string
}

// NewScreen creates a screen adapter.
func NewScreen(opts Options) *Screen {
	return &Screen{base: newBase("screen", "screen", opts,
		[]string{"no screen session found", "could not find pre-select window", "no such window"},
		nil,
	)}
}

// Name returns "screen".
func (s *Screen) Name() string { return "screen" }

// EnsureSession starts a detached session unless one with the name answers.
func (s *Screen) EnsureSession(ctx context.Context, name string) (SessionHandle, error) {
	h := SessionHandle{Name: name, Backend: s.Name()}
	if _, err := s.run(ctx, "-S", name, "-Q", "windows"); err == nil {
		s.session = name
		return h, nil
	} else if !isExit(err) {
		return h, fmt.Errorf("screen -Q windows: %w", err)
	}
	if _, err := s.run(ctx, "-dmS", name); err != nil {
		return h, fmt.Errorf("screen -dmS: %w", err)
	}
	s.session = name
	h.Created = true
	return h, nil
}

func (s *Screen) cmd(ctx context.Context, window string, args ...string) (string, error) {
	if s.session == "" {
		return "", fmt.Errorf("screen: no session ensured")
	}
	full := []string{"-S", s.session}
	if window != "" {
		full = append(full, "-p", window)
	}
	full = append(full, "-X")
	return s.run(ctx, append(full, args...)...)
}

// CreateSplitLayout splits the display vertically and opens a status window
// in the right region sized to statusPct.
func (s *Screen) CreateSplitLayout(ctx context.Context, primaryPct, statusPct int) (string, string, error) {
	if err := validateLayout(primaryPct, statusPct); err != nil {
		return "", "", err
	}
	steps := [][]string{
		{"split", "-v"},
		{"focus", "right"},
		{"screen", "-t", "orchflow-status"},
		{"resize", "-h", strconv.Itoa(statusPct) + "%"},
		{"focus", "left"},
	}
	for _, st := range steps {
		if _, err := s.cmd(ctx, "", st...); err != nil {
			return "", "", fmt.Errorf("screen %s: %w", st[0], err)
		}
	}
	wins, err := s.ListPanes(ctx, s.session)
	if err != nil {
		return "", "", err
	}
	status := latestWindow(wins, "orchflow-status")
	if status == "" {
		return "", "", &CommandError{Backend: s.Name(), Op: "screen", Kind: ErrCommandFailed, Err: fmt.Errorf("status window not created")}
	}
	return "win:0", status, nil
}

// NewPane opens a window titled after the worker.
func (s *Screen) NewPane(ctx context.Context, title string) (string, error) {
	title = sanitizeTabName(title)
	if _, err := s.cmd(ctx, "", "screen", "-t", title); err != nil {
		return "", fmt.Errorf("screen -X screen: %w", err)
	}
	wins, err := s.ListPanes(ctx, s.session)
	if err != nil {
		return "", err
	}
	ref := latestWindow(wins, title)
	if ref == "" {
		return "", &CommandError{Backend: s.Name(), Op: "screen", Kind: ErrCommandFailed, Err: fmt.Errorf("window %q not found after creation", title)}
	}
	return ref, nil
}

// SpawnInPane stuffs the command into the window's shell.
func (s *Screen) SpawnInPane(ctx context.Context, ref, command string, env map[string]string) error {
	return s.SendText(ctx, ref, shellLine(command, env))
}

// SendText stuffs text plus a newline into the window.
func (s *Screen) SendText(ctx context.Context, ref, text string) error {
	n, err := s.requireWindow(ctx, ref, "stuff")
	if err != nil {
		return err
	}
	if _, err := s.cmd(ctx, n, "stuff", text+"\n"); err != nil {
		return fmt.Errorf("screen stuff: %w", err)
	}
	return nil
}

// FocusPane selects the window.
func (s *Screen) FocusPane(ctx context.Context, ref string) error {
	n, err := s.requireWindow(ctx, ref, "select")
	if err != nil {
		return err
	}
	if _, err := s.cmd(ctx, "", "select", n); err != nil {
		return fmt.Errorf("screen select: %w", err)
	}
	return nil
}

// KillPane kills the window.
func (s *Screen) KillPane(ctx context.Context, ref string) error {
	n, err := s.requireWindow(ctx, ref, "kill")
	if err != nil {
		return err
	}
	if _, err := s.cmd(ctx, n, "kill"); err != nil {
		return fmt.Errorf("screen kill: %w", err)
	}
	return nil
}

// ListPanes parses "screen -Q windows": "0$ bash  1-$ API Developer  2*$ status".
func (s *Screen) ListPanes(ctx context.Context, session string) ([]model.Pane, error) {
	out, err := s.run(ctx, "-S", session, "-Q", "windows")
	if err != nil {
		return nil, fmt.Errorf("screen -Q windows: %w", err)
	}
	return parseScreenWindows(session, out), nil
}

func parseScreenWindows(session, out string) []model.Pane {
	var panes []model.Pane
	for _, entry := range strings.Split(strings.TrimSpace(out), "  ") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		head, title, _ := strings.Cut(entry, " ")
		digits := strings.TrimRightFunc(head, func(r rune) bool { return r < '0' || r > '9' })
		n, err := strconv.Atoi(digits)
		if err != nil {
			continue
		}
		panes = append(panes, model.Pane{
			ID:      "win:" + digits,
			Session: session,
			Index:   n,
			Title:   strings.TrimSpace(title),
			Active:  strings.Contains(head[len(digits):], "*"),
		})
	}
	return panes
}

func latestWindow(wins []model.Pane, title string) string {
	ref, best := "", -1
	for _, w := range wins {
		if w.Title == title && w.Index > best {
			ref, best = w.ID, w.Index
		}
	}
	return ref
}

func (s *Screen) requireWindow(ctx context.Context, ref, op string) (string, error) {
	n, ok := strings.CutPrefix(ref, "win:")
	if !ok {
		return "", paneNotFound(s.Name(), op, ref)
	}
	wins, err := s.ListPanes(ctx, s.session)
	if err != nil {
		return "", err
	}
	for _, w := range wins {
		if w.ID == ref {
			return n, nil
		}
	}
	return "", paneNotFound(s.Name(), op, ref)
}
