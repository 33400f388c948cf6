package mux

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteTmuxConfig renders a tmux config fragment that binds Alt-1..Alt-9
// to "<binary> connect N" and shows the orchflow session in the status bar.
func WriteTmuxConfig(w io.Writer, binary string) error {
	if binary == "" {
		binary = "orchflow"
	}
	lines := []string{
		"# generated by orchflow; changes are overwritten by 'orchflow up'",
		"set-option -g mouse on",
		"set-option -g status-left-length 40",
		"set-option -g status-left '#[bold][#S] '",
		"set-option -g status-right 'M-1..M-9 jump to worker'",
	}
	for k := 1; k <= 9; k++ {
		lines = append(lines, fmt.Sprintf("bind-key -n M-%d run-shell -b %s", k, ShellQuote(fmt.Sprintf("%s connect %d", binary, k))))
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

// ApplyConfig writes the quick-access config to path and sources it into
// the running server.
func (t *Tmux) ApplyConfig(ctx context.Context, path, binary string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("tmux config dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tmux config: %w", err)
	}
	if err := WriteTmuxConfig(f, binary); err != nil {
		f.Close()
		return fmt.Errorf("tmux config: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("tmux config: %w", err)
	}
	if _, err := t.run(ctx, "source-file", path); err != nil {
		return fmt.Errorf("tmux source-file %s: %w", path, err)
	}
	return nil
}
