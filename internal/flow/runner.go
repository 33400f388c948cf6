package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/timvw/orchflow/internal/mux"
	"github.com/timvw/orchflow/internal/prompt"
)

// DefaultSetupTimeout bounds the whole flow.
const DefaultSetupTimeout = 60 * time.Second

// ErrDeclined is returned (wrapped in a StepError) when the user declines a
// required step.
var ErrDeclined = errors.New("declined by user")

// Builtin is a Go-implemented setup step.
type Builtin func(ctx context.Context) error

// StepError reports the required step that stopped a flow.
type StepError struct {
	Flow string
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("flow %s: step %s: %v", e.Flow, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Result summarises a flow run.
type Result struct {
	Flow      string        `json:"flow"`
	Completed []string      `json:"completed,omitempty"`
	Skipped   []string      `json:"skipped,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Runner executes flow steps.
type Runner struct {
	exec     mux.Runner
	prompt   prompt.UserPrompt
	builtins map[string]Builtin
	timeout  time.Duration
	log      *slog.Logger
}

// NewRunner creates a runner that shells out through exec and talks to the
// user through p.
func NewRunner(exec mux.Runner, p prompt.UserPrompt, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultSetupTimeout
	}
	if p == nil {
		p = prompt.NonInteractive{}
	}
	return &Runner{
		exec:     exec,
		prompt:   p,
		builtins: map[string]Builtin{},
		timeout:  timeout,
		log:      slog.Default(),
	}
}

// Register makes a builtin step available by name.
func (r *Runner) Register(name string, fn Builtin) {
	r.builtins[name] = fn
}

// SetLogger replaces the runner's logger.
func (r *Runner) SetLogger(l *slog.Logger) {
	if l != nil {
		r.log = l
	}
}

// Run executes the steps of f in order. Failed optional steps become
// warnings; the first failed required step aborts with *StepError.
func (r *Runner) Run(ctx context.Context, f Flow) (Result, error) {
	start := time.Now()
	res := Result{Flow: f.Name}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	total := len(f.Steps)
	for i, s := range f.Steps {
		desc := s.Description
		if desc == "" {
			desc = s.ID
		}
		r.prompt.ShowProgress(i+1, total, desc)

		if s.Confirm {
			ok, err := r.prompt.Confirm(ctx, desc+"?", true)
			if err != nil {
				res.Duration = time.Since(start)
				return res, &StepError{Flow: f.Name, Step: s.ID, Err: err}
			}
			if !ok {
				if s.Optional {
					res.Skipped = append(res.Skipped, s.ID)
					continue
				}
				res.Duration = time.Since(start)
				return res, &StepError{Flow: f.Name, Step: s.ID, Err: ErrDeclined}
			}
		}

		if err := r.step(ctx, s); err != nil {
			if s.Optional {
				r.log.Warn("optional setup step failed", "flow", f.Name, "step", s.ID, "err", err)
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", s.ID, err))
				continue
			}
			res.Duration = time.Since(start)
			return res, &StepError{Flow: f.Name, Step: s.ID, Err: err}
		}
		res.Completed = append(res.Completed, s.ID)
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (r *Runner) step(ctx context.Context, s Step) error {
	if s.Check != "" {
		if _, err := r.exec.Run(ctx, "sh", "-c", s.Check); err != nil {
			return fmt.Errorf("check %q: %w", s.Check, err)
		}
	}
	if s.Run != "" {
		if _, err := r.exec.Run(ctx, "sh", "-c", s.Run); err != nil {
			return fmt.Errorf("run %q: %w", s.Run, err)
		}
	}
	if s.Builtin != "" {
		fn, ok := r.builtins[s.Builtin]
		if !ok {
			return fmt.Errorf("unknown builtin %q", s.Builtin)
		}
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}
