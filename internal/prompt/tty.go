package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	questionStyle = lipgloss.NewStyle().Bold(true)
	optionStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	progressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// ErrAborted is returned when input ends before an answer is given.
var ErrAborted = errors.New("prompt aborted")

// TTY prompts on a terminal.
type TTY struct {
	in  *bufio.Reader
	out io.Writer
}

// NewTTY creates a prompt reading from in and writing to out.
func NewTTY(in io.Reader, out io.Writer) *TTY {
	return &TTY{in: bufio.NewReader(in), out: out}
}

// Default returns a TTY prompt on stdin/stderr when stdin is a terminal,
// and NonInteractive otherwise.
func Default(interactive bool) UserPrompt {
	if interactive && term.IsTerminal(int(os.Stdin.Fd())) {
		return NewTTY(os.Stdin, os.Stderr)
	}
	return NonInteractive{Out: os.Stderr}
}

type lineResult struct {
	line string
	err  error
}

// readLine reads one line, giving up when ctx is done.
func (t *TTY) readLine(ctx context.Context) (string, error) {
	ch := make(chan lineResult, 1)
	go func() {
		line, err := t.in.ReadString('\n')
		ch <- lineResult{line: line, err: err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil && (r.line == "" || !errors.Is(r.err, io.EOF)) {
			if errors.Is(r.err, io.EOF) {
				return "", ErrAborted
			}
			return "", r.err
		}
		return strings.TrimSpace(r.line), nil
	}
}

// ChooseOption lists the options numbered from 1 and reads a choice.
// An empty answer picks the first option.
func (t *TTY) ChooseOption(ctx context.Context, question string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, fmt.Errorf("%s: no options", question)
	}
	for {
		fmt.Fprintln(t.out, questionStyle.Render(question))
		for i, o := range options {
			fmt.Fprintf(t.out, "  %s %s\n", optionStyle.Render(strconv.Itoa(i+1)+")"), o)
		}
		fmt.Fprintf(t.out, "choice [1]: ")
		line, err := t.readLine(ctx)
		if err != nil {
			return 0, err
		}
		if line == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(line)
		if err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		fmt.Fprintln(t.out, errorStyle.Render(fmt.Sprintf("enter a number between 1 and %d", len(options))))
	}
}

// Confirm asks a yes/no question; an empty answer returns def.
func (t *TTY) Confirm(ctx context.Context, question string, def bool) (bool, error) {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	for {
		fmt.Fprintf(t.out, "%s %s ", questionStyle.Render(question), hint)
		line, err := t.readLine(ctx)
		if err != nil {
			return false, err
		}
		switch strings.ToLower(line) {
		case "":
			return def, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(t.out, errorStyle.Render("answer y or n"))
	}
}

// ShowProgress prints a dimmed "[step/total] message" line.
func (t *TTY) ShowProgress(step, total int, message string) {
	fmt.Fprintln(t.out, progressStyle.Render(fmt.Sprintf("[%d/%d]", step, total))+" "+message)
}
