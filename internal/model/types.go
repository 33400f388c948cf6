// Package model holds the data types shared between the orchestrator, its
// persistence layer, the multiplexer adapters and the CLI.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a worker (and of its task).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Active reports whether a worker in this status still occupies a pane.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning || s == StatusPaused
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Task is the unit of work handed to a worker. Its content is opaque.
type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	// Type is inferred from the description (code, test, research, docs, review, general).
	Type string `json:"type"`
	// Priority ranges 0-10, higher first.
	Priority int    `json:"priority"`
	Status   Status `json:"status"`
	// Dependencies are advisory task ids; they are not enforced.
	Dependencies []string `json:"dependencies,omitempty"`
}

// Resources is a best-effort view of what a worker's pane runs.
type Resources struct {
	PID     int    `json:"pid,omitempty"`
	Command string `json:"command,omitempty"`
}

// Worker is one managed process bound to at most one pane.
type Worker struct {
	// ID is unique and never reused.
	ID string `json:"id"`
	// Seq orders workers by creation within a registry. Higher is newer.
	Seq             uint64 `json:"seq"`
	DescriptiveName string `json:"descriptive_name"`
	Status          Status `json:"status"`
	// QuickAccessKey is 1-9, or 0 when unassigned.
	QuickAccessKey int `json:"quick_access_key,omitempty"`
	// PaneRef is the adapter's opaque handle. Empty means no binding.
	PaneRef      string     `json:"pane_ref,omitempty"`
	Backend      string     `json:"backend,omitempty"`
	Command      string     `json:"command,omitempty"`
	CurrentTask  *Task      `json:"current_task,omitempty"`
	StartTime    time.Time  `json:"start_time"`
	LastActivity time.Time  `json:"last_activity"`
	Progress     int        `json:"progress"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Error        string     `json:"error,omitempty"`
	Resources    *Resources `json:"resources,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with the registry.
func (w *Worker) Clone() *Worker {
	if w == nil {
		return nil
	}
	c := *w
	if w.CurrentTask != nil {
		t := *w.CurrentTask
		t.Dependencies = append([]string(nil), w.CurrentTask.Dependencies...)
		c.CurrentTask = &t
	}
	if w.ExitCode != nil {
		code := *w.ExitCode
		c.ExitCode = &code
	}
	if w.Resources != nil {
		r := *w.Resources
		c.Resources = &r
	}
	return &c
}

// View flattens a worker into the read-only shape returned to callers.
func (w *Worker) View() WorkerView {
	v := WorkerView{
		ID:              w.ID,
		DescriptiveName: w.DescriptiveName,
		Status:          w.Status,
		QuickAccessKey:  w.QuickAccessKey,
		PaneRef:         w.PaneRef,
		Backend:         w.Backend,
		StartTime:       w.StartTime,
		LastActivity:    w.LastActivity,
		Progress:        w.Progress,
		Error:           w.Error,
		Seq:             w.Seq,
	}
	if w.ExitCode != nil {
		code := *w.ExitCode
		v.ExitCode = &code
	}
	if w.CurrentTask != nil {
		v.TaskID = w.CurrentTask.ID
		v.TaskDescription = w.CurrentTask.Description
		v.TaskType = w.CurrentTask.Type
		v.Priority = w.CurrentTask.Priority
	}
	return v
}

// WorkerView is a snapshot of a worker for listings, events and displays.
type WorkerView struct {
	ID              string    `json:"id"`
	Seq             uint64    `json:"seq"`
	DescriptiveName string    `json:"descriptive_name"`
	Status          Status    `json:"status"`
	QuickAccessKey  int       `json:"quick_access_key,omitempty"`
	PaneRef         string    `json:"pane_ref,omitempty"`
	Backend         string    `json:"backend,omitempty"`
	TaskID          string    `json:"task_id,omitempty"`
	TaskDescription string    `json:"task_description,omitempty"`
	TaskType        string    `json:"task_type,omitempty"`
	Priority        int       `json:"priority"`
	Progress        int       `json:"progress"`
	StartTime       time.Time `json:"start_time"`
	LastActivity    time.Time `json:"last_activity"`
	ExitCode        *int      `json:"exit_code,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// KeyLabel renders the quick-access key for display ("-" when unassigned).
func (v WorkerView) KeyLabel() string {
	if v.QuickAccessKey == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", v.QuickAccessKey)
}

// Pane is one pane as reported by a multiplexer.
type Pane struct {
	// ID is the opaque reference used by the adapter (e.g. "%3" for tmux).
	ID      string `json:"id"`
	Session string `json:"session"`
	Index   int    `json:"index"`
	Title   string `json:"title,omitempty"`
	Active  bool   `json:"active"`
	PID     int    `json:"pid,omitempty"`
	Command string `json:"command,omitempty"`
	// Dead is set when the pane's process exited but the pane is retained.
	Dead       bool `json:"dead,omitempty"`
	ExitStatus *int `json:"exit_status,omitempty"`
}

// PaneIndex maps pane ids to panes.
func PaneIndex(panes []Pane) map[string]Pane {
	idx := make(map[string]Pane, len(panes))
	for _, p := range panes {
		idx[p.ID] = p
	}
	return idx
}

// Abbreviate shortens s to at most n runes, appending "..." when cut.
func Abbreviate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if n <= 3 || len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
