// Package mux drives terminal multiplexers (tmux, zellij, screen, the
// WezTerm CLI) and a no-multiplexer fallback behind one Adapter interface.
//
// The package is pure transport: it creates, addresses and lists panes and
// never interprets what runs inside them. Every call is bounded by the
// Runner's timeout and is never retried here; retry policy belongs to the
// caller.
package mux

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/timvw/orchflow/internal/model"
)

// Adapter abstracts one multiplexer backend. Pane references are opaque
// strings owned by the backend that issued them.
type Adapter interface {
	// Name returns the backend name ("tmux", "zellij", "screen", "wezterm", "fallback").
	Name() string

	// EnsureSession attaches to the named session, creating it if absent.
	// Calling it again with the same name is a no-op apart from re-selecting it.
	EnsureSession(ctx context.Context, name string) (SessionHandle, error)

	// CreateSplitLayout splits the session's first pane into a primary area
	// and a status area sized by width percentages.
	CreateSplitLayout(ctx context.Context, primaryPct, statusPct int) (primary, status string, err error)

	// NewPane creates a pane for a worker in the active session.
	NewPane(ctx context.Context, title string) (string, error)

	// SpawnInPane runs command in the pane with the extra environment.
	SpawnInPane(ctx context.Context, paneRef, command string, env map[string]string) error

	FocusPane(ctx context.Context, paneRef string) error
	KillPane(ctx context.Context, paneRef string) error

	// ListPanes returns the panes of a session. A missing session yields ErrPaneNotFound.
	ListPanes(ctx context.Context, session string) ([]model.Pane, error)
}

// Suspender is implemented by backends that can stop and continue the
// process running in a pane.
type Suspender interface {
	SuspendPane(ctx context.Context, paneRef string) error
	ResumePane(ctx context.Context, paneRef string) error
}

// Sender is implemented by backends that can type input into a pane.
type Sender interface {
	SendText(ctx context.Context, paneRef, text string) error
}

// SessionHandle identifies an ensured session.
type SessionHandle struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	// Created is true when EnsureSession had to create the session.
	Created bool `json:"created"`
}

var (
	// ErrBackendUnavailable means the multiplexer binary or server cannot be reached.
	ErrBackendUnavailable = errors.New("multiplexer backend unavailable")
	// ErrPaneNotFound means the pane (or its session) no longer exists.
	ErrPaneNotFound = errors.New("pane not found")
	// ErrCommandFailed covers every other failure, timeouts included.
	ErrCommandFailed = errors.New("multiplexer command failed")
)

// CommandError carries the backend, the sub-command and the raw error
// output of a failed multiplexer call. It matches exactly one of the
// sentinel errors above via errors.Is.
type CommandError struct {
	Backend string
	Op      string
	Kind    error
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %v", e.Backend, e.Op, e.Kind)
	if e.Stderr != "" {
		fmt.Fprintf(&b, ": %s", e.Stderr)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *CommandError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// paneNotFound builds a PaneNotFound error for checks done locally.
func paneNotFound(backend, op, ref string) error {
	return &CommandError{Backend: backend, Op: op, Kind: ErrPaneNotFound, Err: fmt.Errorf("no pane %q", ref)}
}

// validateLayout rejects percentages that cannot describe a split.
func validateLayout(primaryPct, statusPct int) error {
	if primaryPct <= 0 || statusPct <= 0 || primaryPct+statusPct > 100 {
		return fmt.Errorf("invalid layout %d%%/%d%%: both widths must be positive and sum to at most 100", primaryPct, statusPct)
	}
	return nil
}

// shellLine exports env and then runs command, for backends that type the
// command into an interactive shell or hand it to "sh -c".
func shellLine(command string, env map[string]string) string {
	if len(env) == 0 {
		return command
	}
	keys := sortedKeys(env)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+ShellQuote(env[k]))
	}
	return "export " + strings.Join(parts, " ") + "; " + command
}

// ShellQuote wraps s in single quotes for POSIX shells.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
