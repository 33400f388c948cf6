package mux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/timvw/orchflow/internal/model"
)

// Tmux implements Adapter for tmux. Worker panes live in their own windows
// with remain-on-exit set, so exits stay observable through ListPanes.
type Tmux struct {
	base
	session string
}

// NewTmux creates a tmux adapter.
func NewTmux(opts Options) *Tmux {
	return &Tmux{base: newBase("tmux", "tmux", opts,
		[]string{"can't find pane", "can't find session", "can't find window", "no such session", "session not found", "no server running"},
		[]string{"error connecting to", "server exited unexpectedly"},
	)}
}

// Name returns "tmux".
func (t *Tmux) Name() string { return "tmux" }

// EnsureSession creates the session detached if it does not exist.
func (t *Tmux) EnsureSession(ctx context.Context, name string) (SessionHandle, error) {
	h := SessionHandle{Name: name, Backend: t.Name()}
	_, err := t.run(ctx, "has-session", "-t", "="+name)
	if err == nil {
		t.session = name
		return h, nil
	}
	if !errors.Is(err, ErrPaneNotFound) && !isExit(err) {
		return h, err
	}
	if _, err := t.run(ctx, "new-session", "-d", "-s", name); err != nil {
		return h, fmt.Errorf("tmux new-session: %w", err)
	}
	t.session = name
	h.Created = true
	return h, nil
}

// CreateSplitLayout splits the session's first pane horizontally: the
// existing pane stays primary, the new right-hand pane shows status.
func (t *Tmux) CreateSplitLayout(ctx context.Context, primaryPct, statusPct int) (string, string, error) {
	if err := validateLayout(primaryPct, statusPct); err != nil {
		return "", "", err
	}
	if t.session == "" {
		return "", "", fmt.Errorf("tmux split layout: no session ensured")
	}
	out, err := t.run(ctx, "display-message", "-p", "-t", "="+t.session+":", "#{pane_id}")
	if err != nil {
		return "", "", fmt.Errorf("tmux display-message: %w", err)
	}
	primary := strings.TrimSpace(out)

	out, err = t.run(ctx, "split-window", "-h", "-d", "-t", primary,
		"-l", strconv.Itoa(statusPct)+"%", "-P", "-F", "#{pane_id}")
	if err != nil {
		return "", "", fmt.Errorf("tmux split-window: %w", err)
	}
	status := strings.TrimSpace(out)

	_, _ = t.run(ctx, "select-pane", "-t", primary, "-T", "orchflow")
	_, _ = t.run(ctx, "select-pane", "-t", status, "-T", "orchflow-status")
	return primary, status, nil
}

// NewPane opens a detached window for a worker and returns its pane id.
func (t *Tmux) NewPane(ctx context.Context, title string) (string, error) {
	if t.session == "" {
		return "", fmt.Errorf("tmux new pane: no session ensured")
	}
	out, err := t.run(ctx, "new-window", "-d", "-t", "="+t.session+":", "-n", title, "-P", "-F", "#{pane_id}")
	if err != nil {
		return "", fmt.Errorf("tmux new-window: %w", err)
	}
	ref := strings.TrimSpace(out)
	if ref == "" {
		return "", &CommandError{Backend: t.Name(), Op: "new-window", Kind: ErrCommandFailed, Err: errors.New("no pane id returned")}
	}
	_, _ = t.run(ctx, "set-option", "-w", "-t", ref, "remain-on-exit", "on")
	_, _ = t.run(ctx, "select-pane", "-t", ref, "-T", title)
	return ref, nil
}

// SpawnInPane replaces whatever runs in the pane with command.
func (t *Tmux) SpawnInPane(ctx context.Context, ref, command string, env map[string]string) error {
	if _, err := t.run(ctx, "respawn-pane", "-k", "-t", ref, shellLine(command, env)); err != nil {
		return fmt.Errorf("tmux respawn-pane -t %s: %w", ref, err)
	}
	return nil
}

// SendText types text into the pane followed by Enter.
func (t *Tmux) SendText(ctx context.Context, ref, text string) error {
	if _, err := t.run(ctx, "send-keys", "-t", ref, "-l", text); err != nil {
		return fmt.Errorf("tmux send-keys -t %s: %w", ref, err)
	}
	if _, err := t.run(ctx, "send-keys", "-t", ref, "Enter"); err != nil {
		return fmt.Errorf("tmux send-keys -t %s Enter: %w", ref, err)
	}
	return nil
}

// FocusPane selects the pane's window and pane, and switches the attached
// client to it when called from inside tmux.
func (t *Tmux) FocusPane(ctx context.Context, ref string) error {
	if _, err := t.run(ctx, "select-window", "-t", ref); err != nil {
		return fmt.Errorf("tmux select-window -t %s: %w", ref, err)
	}
	if _, err := t.run(ctx, "select-pane", "-t", ref); err != nil {
		return fmt.Errorf("tmux select-pane -t %s: %w", ref, err)
	}
	if os.Getenv("TMUX") != "" {
		if _, err := t.run(ctx, "switch-client", "-t", ref); err != nil {
			return fmt.Errorf("tmux switch-client -t %s: %w", ref, err)
		}
	}
	return nil
}

// KillPane closes the pane.
func (t *Tmux) KillPane(ctx context.Context, ref string) error {
	if _, err := t.run(ctx, "kill-pane", "-t", ref); err != nil {
		return fmt.Errorf("tmux kill-pane -t %s: %w", ref, err)
	}
	return nil
}

const tmuxPaneFormat = "#{pane_id}\t#{pane_index}\t#{pane_title}\t#{pane_active}\t#{pane_pid}\t#{pane_current_command}\t#{pane_dead}\t#{pane_dead_status}"

// ListPanes lists every pane of every window in the session.
func (t *Tmux) ListPanes(ctx context.Context, session string) ([]model.Pane, error) {
	out, err := t.run(ctx, "list-panes", "-s", "-t", "="+session, "-F", tmuxPaneFormat)
	if err != nil {
		return nil, fmt.Errorf("tmux list-panes: %w", err)
	}
	return parseTmuxPanes(session, out), nil
}

func parseTmuxPanes(session, out string) []model.Pane {
	var panes []model.Pane
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 8 {
			continue
		}
		idx, _ := strconv.Atoi(parts[1])
		pid, _ := strconv.Atoi(parts[4])
		p := model.Pane{
			ID:      parts[0],
			Session: session,
			Index:   idx,
			Title:   parts[2],
			Active:  parts[3] == "1",
			PID:     pid,
			Command: parts[5],
			Dead:    parts[6] == "1",
		}
		if p.Dead {
			if code, err := strconv.Atoi(parts[7]); err == nil {
				p.ExitStatus = &code
			}
		}
		panes = append(panes, p)
	}
	return panes
}

// SuspendPane stops the pane's process group.
func (t *Tmux) SuspendPane(ctx context.Context, ref string) error {
	pid, err := t.panePID(ctx, ref)
	if err != nil {
		return err
	}
	return signalGroup(t.Name(), pid, sigStop)
}

// ResumePane continues the pane's process group.
func (t *Tmux) ResumePane(ctx context.Context, ref string) error {
	pid, err := t.panePID(ctx, ref)
	if err != nil {
		return err
	}
	return signalGroup(t.Name(), pid, sigCont)
}

func (t *Tmux) panePID(ctx context.Context, ref string) (int, error) {
	out, err := t.run(ctx, "display-message", "-p", "-t", ref, "#{pane_pid}")
	if err != nil {
		return 0, fmt.Errorf("tmux display-message -t %s: %w", ref, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil || pid <= 0 {
		return 0, &CommandError{Backend: t.Name(), Op: "display-message", Kind: ErrCommandFailed, Err: fmt.Errorf("bad pane pid %q", strings.TrimSpace(out))}
	}
	return pid, nil
}

func isExit(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}
