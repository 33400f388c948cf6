package mux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// DefaultTimeout bounds a single multiplexer call.
const DefaultTimeout = 10 * time.Second

// Runner executes a program and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, name string, args ...string) (string, error)

func (f RunnerFunc) Run(ctx context.Context, name string, args ...string) (string, error) {
	return f(ctx, name, args...)
}

// ExitError is returned by ExecRunner when the program exits non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, e.Stderr)
}

// TimeoutError is returned when a call exceeds the runner's timeout.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s", e.After)
}

// ExecRunner runs programs with os/exec under a per-call timeout.
type ExecRunner struct {
	Timeout time.Duration
}

// NewExecRunner returns a runner with the given timeout (DefaultTimeout if <= 0).
func NewExecRunner(timeout time.Duration) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ExecRunner{Timeout: timeout}
}

// Run executes name with args. Missing binaries surface as exec.ErrNotFound.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return stdout.String(), &TimeoutError{After: timeout}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), &ExitError{Code: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
	}
	return stdout.String(), err
}

// Observer is told about every multiplexer call (metrics hook).
type Observer func(backend, op string, d time.Duration, err error)

// Options configure adapters built by New.
type Options struct {
	Runner   Runner
	Observer Observer
	// StateDir holds the fallback backend's process records.
	StateDir string
}

// base is embedded by the exec-driven backends.
type base struct {
	backend string
	bin     string
	runner  Runner
	observe Observer
	// notFound lists stderr fragments that mean the pane or session is gone.
	notFound []string
	// unavailable lists stderr fragments that mean the server cannot be reached.
	unavailable []string
}

func newBase(backend, bin string, opts Options, notFound, unavailable []string) base {
	r := opts.Runner
	if r == nil {
		r = NewExecRunner(DefaultTimeout)
	}
	return base{
		backend:     backend,
		bin:         bin,
		runner:      r,
		observe:     opts.Observer,
		notFound:    notFound,
		unavailable: unavailable,
	}
}

// run executes the backend binary and classifies failures.
func (b *base) run(ctx context.Context, args ...string) (string, error) {
	start := time.Now()
	out, err := b.runner.Run(ctx, b.bin, args...)
	if err != nil {
		err = b.classify(opName(args), err)
	}
	if b.observe != nil {
		b.observe(b.backend, opName(args), time.Since(start), err)
	}
	return out, err
}

func (b *base) classify(op string, err error) error {
	ce := &CommandError{Backend: b.backend, Op: op, Kind: ErrCommandFailed, Err: err}
	var exitErr *ExitError
	var timeoutErr *TimeoutError
	switch {
	case errors.Is(err, exec.ErrNotFound):
		ce.Kind = ErrBackendUnavailable
	case errors.As(err, &timeoutErr):
		ce.Kind = ErrCommandFailed
	case errors.As(err, &exitErr):
		ce.Stderr = exitErr.Stderr
		lower := strings.ToLower(exitErr.Stderr)
		if containsAny(lower, b.notFound) {
			ce.Kind = ErrPaneNotFound
		} else if containsAny(lower, b.unavailable) {
			ce.Kind = ErrBackendUnavailable
		}
	}
	return ce
}

// opName picks the sub-command out of an argument list, skipping flags
// and their values ("-S name -X stuff" -> "stuff").
func opName(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "-") {
			if a == "-S" || a == "-p" || a == "--session" || a == "-X" {
				if a == "-X" && i+1 < len(args) {
					return args[i+1]
				}
				i++
			}
			continue
		}
		if a == "action" || a == "cli" {
			if i+1 < len(args) {
				return args[i+1]
			}
		}
		return a
	}
	return ""
}

func containsAny(s string, frags []string) bool {
	for _, f := range frags {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
