package mux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/timvw/orchflow/internal/model"
)

// Fallback runs workers as detached background processes when no
// multiplexer is usable. Each "pane" is a record file under
// <state>/fallback/<session>/ with the process id, a log file and, once
// the process ends, an exit-code file. It never reports ErrBackendUnavailable.
type Fallback struct {
	root    string
	observe Observer

	mu      sync.Mutex
	session string
}

type fallbackRecord struct {
	Ref     string    `json:"ref"`
	Title   string    `json:"title"`
	Command string    `json:"command,omitempty"`
	PID     int       `json:"pid,omitempty"`
	Started time.Time `json:"started,omitempty"`
}

// NewFallback creates the fallback adapter rooted at opts.StateDir.
func NewFallback(opts Options) *Fallback {
	root := opts.StateDir
	if root == "" {
		root = os.TempDir()
	}
	return &Fallback{root: filepath.Join(root, "fallback"), observe: opts.Observer}
}

// Name returns "fallback".
func (f *Fallback) Name() string { return "fallback" }

func (f *Fallback) dir(session string) string {
	return filepath.Join(f.root, session)
}

func (f *Fallback) done(op string, start time.Time, err error) error {
	if f.observe != nil {
		f.observe(f.Name(), op, time.Since(start), err)
	}
	return err
}

// EnsureSession creates the session's record directory.
func (f *Fallback) EnsureSession(_ context.Context, name string) (SessionHandle, error) {
	start := time.Now()
	h := SessionHandle{Name: name, Backend: f.Name()}
	dir := f.dir(name)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		h.Created = true
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return h, f.done("ensure-session", start, &CommandError{Backend: f.Name(), Op: "ensure-session", Kind: ErrCommandFailed, Err: err})
	}
	f.mu.Lock()
	f.session = name
	f.mu.Unlock()
	return h, f.done("ensure-session", start, nil)
}

// CreateSplitLayout has nothing to split: the caller's terminal is the
// only pane and there is no status area.
func (f *Fallback) CreateSplitLayout(_ context.Context, primaryPct, statusPct int) (string, string, error) {
	if err := validateLayout(primaryPct, statusPct); err != nil {
		return "", "", err
	}
	return "console", "", nil
}

// NewPane reserves a record for a worker process.
func (f *Fallback) NewPane(_ context.Context, title string) (string, error) {
	start := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == "" {
		return "", f.done("new-pane", start, fmt.Errorf("fallback new pane: no session ensured"))
	}
	recs, err := f.records(f.session)
	if err != nil {
		return "", f.done("new-pane", start, err)
	}
	next := 1
	for _, r := range recs {
		if n, err := strconv.Atoi(strings.TrimPrefix(r.Ref, "proc-")); err == nil && n >= next {
			next = n + 1
		}
	}
	rec := fallbackRecord{Ref: "proc-" + strconv.Itoa(next), Title: title}
	if err := f.write(f.session, rec); err != nil {
		return "", f.done("new-pane", start, err)
	}
	return rec.Ref, f.done("new-pane", start, nil)
}

// SpawnInPane starts command detached with output to <ref>.log.
func (f *Fallback) SpawnInPane(_ context.Context, ref, command string, env map[string]string) error {
	start := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.read(f.session, ref)
	if err != nil {
		return f.done("spawn", start, err)
	}
	dir := f.dir(f.session)
	logFile, err := os.OpenFile(filepath.Join(dir, ref+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return f.done("spawn", start, &CommandError{Backend: f.Name(), Op: "spawn", Kind: ErrCommandFailed, Err: err})
	}
	defer logFile.Close()

	exitPath := filepath.Join(dir, ref+".exit")
	_ = os.Remove(exitPath)
	// $1 is the worker command line, $2 the exit-code file.
	cmd := exec.Command("sh", "-c", `sh -c "$1"; echo $? > "$2"`, "orchflow-worker", shellLine(command, env), exitPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)
	if err := cmd.Start(); err != nil {
		kind := ErrCommandFailed
		if errors.Is(err, exec.ErrNotFound) {
			kind = ErrBackendUnavailable
		}
		return f.done("spawn", start, &CommandError{Backend: f.Name(), Op: "spawn", Kind: kind, Err: err})
	}
	go func() { _ = cmd.Wait() }()

	rec.PID = cmd.Process.Pid
	rec.Command = command
	rec.Started = time.Now()
	return f.done("spawn", start, f.write(f.session, rec))
}

// FocusPane only checks the record exists; there is nothing to focus.
func (f *Fallback) FocusPane(_ context.Context, ref string) error {
	start := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.read(f.session, ref)
	return f.done("focus", start, err)
}

// KillPane terminates the process group and removes the record.
func (f *Fallback) KillPane(_ context.Context, ref string) error {
	start := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.read(f.session, ref)
	if err != nil {
		return f.done("kill", start, err)
	}
	if rec.PID > 0 && processAlive(rec.PID) && !f.exited(f.session, ref) {
		if err := signalGroup(f.Name(), rec.PID, sigTerm); err != nil && !errors.Is(err, ErrPaneNotFound) {
			return f.done("kill", start, err)
		}
	}
	dir := f.dir(f.session)
	_ = os.Remove(filepath.Join(dir, ref+".json"))
	_ = os.Remove(filepath.Join(dir, ref+".exit"))
	return f.done("kill", start, nil)
}

// ListPanes reports every record of the session; finished processes are dead panes.
func (f *Fallback) ListPanes(_ context.Context, session string) ([]model.Pane, error) {
	start := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(f.dir(session)); err != nil {
		return nil, f.done("list", start, &CommandError{Backend: f.Name(), Op: "list", Kind: ErrPaneNotFound, Err: fmt.Errorf("no session %q", session)})
	}
	recs, err := f.records(session)
	if err != nil {
		return nil, f.done("list", start, err)
	}
	panes := make([]model.Pane, 0, len(recs))
	for i, r := range recs {
		p := model.Pane{ID: r.Ref, Session: session, Index: i, Title: r.Title, PID: r.PID, Command: r.Command}
		if code, ok := f.exitCode(session, r.Ref); ok {
			p.Dead = true
			p.ExitStatus = &code
		} else if r.PID > 0 && !processAlive(r.PID) {
			p.Dead = true
		}
		panes = append(panes, p)
	}
	return panes, f.done("list", start, nil)
}

// SuspendPane stops the worker's process group.
func (f *Fallback) SuspendPane(_ context.Context, ref string) error {
	return f.signal(ref, sigStop)
}

// ResumePane continues the worker's process group.
func (f *Fallback) ResumePane(_ context.Context, ref string) error {
	return f.signal(ref, sigCont)
}

// LogPath returns where the worker's output is written.
func (f *Fallback) LogPath(ref string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return filepath.Join(f.dir(f.session), ref+".log")
}

func (f *Fallback) signal(ref string, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.read(f.session, ref)
	if err != nil {
		return err
	}
	if rec.PID <= 0 {
		return paneNotFound(f.Name(), "signal", ref)
	}
	return signalGroup(f.Name(), rec.PID, sig)
}

func (f *Fallback) records(session string) ([]fallbackRecord, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir(session), "proc-*.json"))
	if err != nil {
		return nil, &CommandError{Backend: f.Name(), Op: "list", Kind: ErrCommandFailed, Err: err}
	}
	var recs []fallbackRecord
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		var r fallbackRecord
		if err := json.Unmarshal(data, &r); err != nil || r.Ref == "" {
			continue
		}
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return refNum(recs[i].Ref) < refNum(recs[j].Ref) })
	return recs, nil
}

func refNum(ref string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(ref, "proc-"))
	return n
}

func (f *Fallback) read(session, ref string) (fallbackRecord, error) {
	var r fallbackRecord
	if session == "" {
		return r, paneNotFound(f.Name(), "read", ref)
	}
	data, err := os.ReadFile(filepath.Join(f.dir(session), ref+".json"))
	if err != nil {
		return r, paneNotFound(f.Name(), "read", ref)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, &CommandError{Backend: f.Name(), Op: "read", Kind: ErrCommandFailed, Err: err}
	}
	return r, nil
}

func (f *Fallback) write(session string, r fallbackRecord) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return &CommandError{Backend: f.Name(), Op: "write", Kind: ErrCommandFailed, Err: err}
	}
	path := filepath.Join(f.dir(session), r.Ref+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &CommandError{Backend: f.Name(), Op: "write", Kind: ErrCommandFailed, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &CommandError{Backend: f.Name(), Op: "write", Kind: ErrCommandFailed, Err: err}
	}
	return nil
}

func (f *Fallback) exitCode(session, ref string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(f.dir(session), ref+".exit"))
	if err != nil {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return code, true
}

func (f *Fallback) exited(session, ref string) bool {
	_, ok := f.exitCode(session, ref)
	return ok
}
