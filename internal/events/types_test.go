package events

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/timvw/orchflow/internal/model"
)

func TestReportValidate(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name    string
		r       Report
		wantErr bool
	}{
		{"exit", Report{WorkerID: "w", Kind: ReportExit, ExitCode: 1, TS: now}, false},
		{"progress by pane", Report{Pane: "%3", Kind: ReportProgress, Progress: 100, TS: now}, false},
		{"no subject", Report{Kind: ReportExit, TS: now}, true},
		{"bad kind", Report{WorkerID: "w", Kind: "boom", TS: now}, true},
		{"exit out of range", Report{WorkerID: "w", Kind: ReportExit, ExitCode: 300, TS: now}, true},
		{"progress out of range", Report{WorkerID: "w", Kind: ReportProgress, Progress: 101, TS: now}, true},
		{"no timestamp", Report{WorkerID: "w", Kind: ReportExit}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.r.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEventSubjectAndString(t *testing.T) {
	e := Event{Kind: KindWorkerSpawned, Worker: &model.WorkerView{ID: "w-1", DescriptiveName: "API Developer", Status: model.StatusRunning}}
	if e.Subject() != "w-1" {
		t.Fatalf("subject = %q", e.Subject())
	}
	if !strings.Contains(e.String(), `name="API Developer"`) {
		t.Fatalf("string = %q", e.String())
	}
	q := Event{Kind: KindQuickAccessChanged, Key: 5}
	if q.String() != "quickAccessChanged key=5 worker=-" {
		t.Fatalf("string = %q", q.String())
	}
	done := Event{Kind: KindTaskCompleted, Task: &model.Task{ID: "t-1"}, WorkerID: "w-1"}
	if done.String() != "taskCompleted task=t-1 worker=w-1" {
		t.Fatalf("string = %q", done.String())
	}
}

func TestDefaultSocketPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", dir)
	if got := DefaultSocketPath(); got != filepath.Join(dir, "orchflow", "events.sock") {
		t.Fatalf("socket path = %s", got)
	}
	t.Setenv("XDG_RUNTIME_DIR", "")
	if got := DefaultSocketPath(); !strings.HasSuffix(got, "events.sock") || !strings.Contains(got, "orchflow-") {
		t.Fatalf("fallback socket path = %s", got)
	}
}
