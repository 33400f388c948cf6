package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		status   Status
		valid    bool
		active   bool
		terminal bool
	}{
		{StatusPending, true, true, false},
		{StatusRunning, true, true, false},
		{StatusPaused, true, true, false},
		{StatusCompleted, true, false, true},
		{StatusError, true, false, true},
		{Status("zombie"), false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.valid {
				t.Errorf("Valid() = %v, want %v", got, tt.valid)
			}
			if got := tt.status.Active(); got != tt.active {
				t.Errorf("Active() = %v, want %v", got, tt.active)
			}
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestWorkerCloneIsDeep(t *testing.T) {
	code := 3
	w := &Worker{
		ID:          "w1",
		CurrentTask: &Task{ID: "t1", Dependencies: []string{"t0"}},
		ExitCode:    &code,
		Resources:   &Resources{PID: 42},
	}
	c := w.Clone()
	c.CurrentTask.Dependencies[0] = "changed"
	*c.ExitCode = 9
	c.Resources.PID = 7

	if w.CurrentTask.Dependencies[0] != "t0" {
		t.Errorf("dependencies shared with clone")
	}
	if *w.ExitCode != 3 {
		t.Errorf("exit code shared with clone")
	}
	if w.Resources.PID != 42 {
		t.Errorf("resources shared with clone")
	}
	if (*Worker)(nil).Clone() != nil {
		t.Errorf("nil clone should be nil")
	}
}

func TestWorkerView(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w := &Worker{
		ID:              "w1",
		Seq:             4,
		DescriptiveName: "API Developer",
		Status:          StatusRunning,
		QuickAccessKey:  2,
		PaneRef:         "%3",
		StartTime:       start,
		CurrentTask:     &Task{ID: "t1", Description: "build the API", Type: "code", Priority: 7},
	}
	v := w.View()
	if v.TaskDescription != "build the API" || v.TaskType != "code" || v.Priority != 7 {
		t.Errorf("task fields not flattened: %+v", v)
	}
	if v.KeyLabel() != "2" {
		t.Errorf("KeyLabel() = %q, want %q", v.KeyLabel(), "2")
	}
	if (WorkerView{}).KeyLabel() != "-" {
		t.Errorf("unassigned KeyLabel() should be -")
	}

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["descriptive_name"] != "API Developer" {
		t.Errorf("descriptive_name = %v", raw["descriptive_name"])
	}
	if _, ok := raw["exit_code"]; ok {
		t.Errorf("exit_code should be omitted when nil")
	}
}

func TestAbbreviate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"a much longer description", 10, "a much ..."},
		{"  padded  ", 10, "padded"},
		{"tiny", 2, "tiny"},
	}
	for _, tt := range tests {
		if got := Abbreviate(tt.in, tt.n); got != tt.want {
			t.Errorf("Abbreviate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestPaneIndex(t *testing.T) {
	idx := PaneIndex([]Pane{{ID: "%1"}, {ID: "%2", Dead: true}})
	if len(idx) != 2 || !idx["%2"].Dead {
		t.Errorf("PaneIndex = %+v", idx)
	}
}
