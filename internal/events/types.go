// Package events carries orchestrator lifecycle events to subscribers and
// collects exit/progress reports sent by worker wrappers over a unix socket.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/timvw/orchflow/internal/model"
)

// Kind names a lifecycle event.
type Kind string

const (
	KindWorkerSpawned      Kind = "workerSpawned"
	KindWorkerStopped      Kind = "workerStopped"
	KindWorkerUpdated      Kind = "workerUpdated"
	KindQuickAccessChanged Kind = "quickAccessChanged"
	KindTaskCompleted      Kind = "taskCompleted"
)

// Event is a lifecycle notification. Worker and Task carry the full current
// record, not a diff. For quickAccessChanged, Key is the key and WorkerID
// its new holder ("" when released).
type Event struct {
	Kind     Kind              `json:"kind"`
	Seq      uint64            `json:"seq"`
	Time     time.Time         `json:"time"`
	Worker   *model.WorkerView `json:"worker,omitempty"`
	Task     *model.Task       `json:"task,omitempty"`
	Key      int               `json:"key,omitempty"`
	WorkerID string            `json:"worker_id,omitempty"`
}

// Subject returns the worker id an event is about.
func (e Event) Subject() string {
	if e.Worker != nil {
		return e.Worker.ID
	}
	return e.WorkerID
}

func (e Event) String() string {
	switch e.Kind {
	case KindQuickAccessChanged:
		holder := e.WorkerID
		if holder == "" {
			holder = "-"
		}
		return fmt.Sprintf("%s key=%d worker=%s", e.Kind, e.Key, holder)
	case KindTaskCompleted:
		if e.Task != nil {
			return fmt.Sprintf("%s task=%s worker=%s", e.Kind, e.Task.ID, e.Subject())
		}
	}
	if e.Worker != nil {
		return fmt.Sprintf("%s worker=%s name=%q status=%s", e.Kind, e.Worker.ID, e.Worker.DescriptiveName, e.Worker.Status)
	}
	return string(e.Kind)
}

// Report kinds sent by workers.
const (
	ReportExit     = "exit"
	ReportProgress = "progress"
)

// Report is the datagram a worker wrapper sends to the collector.
type Report struct {
	WorkerID string    `json:"worker_id"`
	Pane     string    `json:"pane,omitempty"`
	Kind     string    `json:"kind"`
	ExitCode int       `json:"exit_code,omitempty"`
	Progress int       `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
	TS       time.Time `json:"ts"`
}

// Validate rejects reports that cannot be applied.
func (r Report) Validate() error {
	if strings.TrimSpace(r.WorkerID) == "" && strings.TrimSpace(r.Pane) == "" {
		return fmt.Errorf("worker_id or pane is required")
	}
	switch r.Kind {
	case ReportExit:
		if r.ExitCode < 0 || r.ExitCode > 255 {
			return fmt.Errorf("invalid exit_code %d", r.ExitCode)
		}
	case ReportProgress:
		if r.Progress < 0 || r.Progress > 100 {
			return fmt.Errorf("invalid progress %d", r.Progress)
		}
	default:
		return fmt.Errorf("invalid kind %q", r.Kind)
	}
	if r.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	return nil
}
