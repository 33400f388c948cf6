package status

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/timvw/orchflow/internal/events"
	"github.com/timvw/orchflow/internal/model"
	"github.com/timvw/orchflow/internal/orchestrator"
)

// fakeController records calls and serves a fixed worker list.
type fakeController struct {
	mu      sync.Mutex
	workers []model.WorkerView
	calls   []string
	err     error
	bus     *events.Bus
}

func newFakeController(ws ...model.WorkerView) *fakeController {
	return &fakeController{workers: ws, bus: events.NewBus()}
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeController) ListWorkers(sortBy string, includeInactive bool) ([]model.WorkerView, error) {
	var out []model.WorkerView
	for _, w := range f.workers {
		if includeInactive || w.Status.Active() {
			out = append(out, w)
		}
	}
	return out, nil
}

func (f *fakeController) Connect(_ context.Context, id string) (orchestrator.ConnectResult, error) {
	f.record("connect " + id)
	if f.err != nil {
		return orchestrator.ConnectResult{}, f.err
	}
	w := f.workers[0]
	return orchestrator.ConnectResult{Worker: &w}, nil
}

func (f *fakeController) Pause(_ context.Context, id string) (model.WorkerView, error) {
	f.record("pause " + id)
	return f.workers[0], f.err
}

func (f *fakeController) Resume(_ context.Context, id string) (model.WorkerView, error) {
	f.record("resume " + id)
	return f.workers[0], f.err
}

func (f *fakeController) Stop(_ context.Context, id string, keep bool) (model.WorkerView, error) {
	f.record("stop " + id)
	return f.workers[0], f.err
}

func (f *fakeController) Send(_ context.Context, id, text string) error {
	f.record("send " + id + " " + strings.TrimSpace(text))
	return f.err
}

func (f *fakeController) Subscribe(buffer int) events.Subscription {
	return f.bus.Subscribe(buffer)
}

func sampleWorkers() []model.WorkerView {
	return []model.WorkerView{
		{ID: "w-1", DescriptiveName: "API Builder", Status: model.StatusRunning, QuickAccessKey: 1, Progress: 40, TaskDescription: "build the api"},
		{ID: "w-2", DescriptiveName: "Test Runner", Status: model.StatusPaused, QuickAccessKey: 2, TaskDescription: "run the tests"},
		{ID: "w-3", DescriptiveName: "Docs Writer", Status: model.StatusCompleted, Progress: 100, TaskDescription: "write docs"},
	}
}

func newTestModel(t *testing.T, ctrl *fakeController) *tuiModel {
	t.Helper()
	m := newModel(context.Background(), ctrl, "", "", 0, DarkTheme())
	t.Cleanup(m.sub.Close)
	m.width, m.height = 120, 40
	ws, _ := ctrl.ListWorkers("", m.showInactive)
	m.setWorkers(ws)
	return m
}

// run executes cmd and feeds the resulting message back into the model.
func run(t *testing.T, m *tuiModel, cmd tea.Cmd) tea.Msg {
	t.Helper()
	if cmd == nil {
		t.Fatal("expected a command")
	}
	msg := cmd()
	m.Update(msg)
	return msg
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEscape}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestListHidesFinishedWorkers(t *testing.T) {
	m := newTestModel(t, newFakeController(sampleWorkers()...))
	if len(m.visible) != 2 {
		t.Fatalf("visible = %d, want 2", len(m.visible))
	}
	_, cmd := m.handleKey(key("a"))
	run(t, m, cmd)
	if len(m.visible) != 3 {
		t.Errorf("after toggle visible = %d, want 3", len(m.visible))
	}
}

func TestCursorNavigation(t *testing.T) {
	m := newTestModel(t, newFakeController(sampleWorkers()...))
	m.handleKey(key("down"))
	m.handleKey(key("down"))
	if m.cursor != 1 {
		t.Errorf("cursor = %d, want clamped at 1", m.cursor)
	}
	m.handleKey(key("k"))
	if m.cursor != 0 {
		t.Errorf("cursor = %d, want 0", m.cursor)
	}
}

func TestCursorFollowsWorkerAcrossReload(t *testing.T) {
	m := newTestModel(t, newFakeController(sampleWorkers()...))
	m.handleKey(key("j"))
	ws := sampleWorkers()
	m.setWorkers([]model.WorkerView{ws[1], ws[0]})
	if got := m.selected(); got == nil || got.ID != "w-2" {
		t.Errorf("selected = %+v, want w-2", got)
	}
}

func TestActionsCallController(t *testing.T) {
	tests := []struct {
		keys []string
		want string
	}{
		{[]string{"enter"}, "connect w-1"},
		{[]string{"2"}, "connect 2"},
		{[]string{"j", "p"}, "pause w-2"},
		{[]string{"j", "r"}, "resume w-2"},
		{[]string{"x"}, "stop w-1"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			ctrl := newFakeController(sampleWorkers()...)
			m := newTestModel(t, ctrl)
			var cmd tea.Cmd
			for _, k := range tt.keys {
				_, cmd = m.handleKey(key(k))
			}
			run(t, m, cmd)
			if len(ctrl.calls) != 1 || ctrl.calls[0] != tt.want {
				t.Errorf("calls = %v, want [%s]", ctrl.calls, tt.want)
			}
		})
	}
}

func TestActionErrorShownAsMessage(t *testing.T) {
	ctrl := newFakeController(sampleWorkers()...)
	ctrl.err = errors.New("no matching worker")
	m := newTestModel(t, ctrl)
	_, cmd := m.handleKey(key("7"))
	run(t, m, cmd)
	if m.message != "no matching worker" {
		t.Errorf("message = %q", m.message)
	}
}

func TestFilter(t *testing.T) {
	m := newTestModel(t, newFakeController(sampleWorkers()...))
	m.handleKey(key("/"))
	if m.mode != modeFilter {
		t.Fatal("expected filter mode")
	}
	for _, r := range "tst" {
		m.handleKey(key(string(r)))
	}
	if len(m.visible) != 1 || m.workers[m.visible[0]].ID != "w-2" {
		t.Errorf("visible = %v", m.visible)
	}
	m.handleKey(key("enter"))
	if m.mode != modeList || m.filter.Value() != "tst" {
		t.Errorf("after enter mode=%v filter=%q", m.mode, m.filter.Value())
	}
	m.handleKey(key("esc"))
	if len(m.visible) != 2 {
		t.Errorf("esc should clear the filter, visible = %d", len(m.visible))
	}
}

func TestSendText(t *testing.T) {
	ctrl := newFakeController(sampleWorkers()...)
	m := newTestModel(t, ctrl)
	m.handleKey(key("t"))
	if m.mode != modeSend || m.sendTo == nil {
		t.Fatal("expected send mode")
	}
	m.sendInput.SetValue("continue")
	_, cmd := m.handleKey(key("enter"))
	run(t, m, cmd)
	if len(ctrl.calls) != 1 || ctrl.calls[0] != "send w-1 continue" {
		t.Errorf("calls = %v", ctrl.calls)
	}
	if m.mode != modeList {
		t.Error("expected list mode after sending")
	}
}

func TestEventsTriggerReload(t *testing.T) {
	ctrl := newFakeController(sampleWorkers()...)
	m := newTestModel(t, ctrl)
	ctrl.bus.Publish(events.Event{Kind: events.KindWorkerUpdated, WorkerID: "w-1"})
	msg := m.waitForEvent()()
	_, cmd := m.Update(msg)
	if cmd == nil {
		t.Fatal("expected reload command")
	}
	if m.events != 1 || m.lastEvent.Kind != events.KindWorkerUpdated {
		t.Errorf("events = %d, last = %s", m.events, m.lastEvent.Kind)
	}
}

func TestView(t *testing.T) {
	m := newTestModel(t, newFakeController(sampleWorkers()...))
	out := m.View()
	for _, want := range []string{"orchflow", "API Builder", "Test Runner", "1 running", "1 paused"} {
		if !strings.Contains(out, want) {
			t.Errorf("view missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Docs Writer") {
		t.Error("finished worker should be hidden")
	}

	empty := newTestModel(t, newFakeController())
	if !strings.Contains(empty.View(), "No workers.") {
		t.Error("expected empty state")
	}
}

func TestTruncateAndPad(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"a long worker name", 10, "a long ..."},
		{"日本語の名前です", 9, "日本語..."},
		{"abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.width); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
	if got := padRight("日本", 6); got != "日本  " {
		t.Errorf("padRight = %q", got)
	}
}

func TestProgressBar(t *testing.T) {
	if got := progressBar(50, 4); got != "██░░" {
		t.Errorf("progressBar(50) = %q", got)
	}
	if got := progressBar(150, 2); got != "██" {
		t.Errorf("progressBar(150) = %q", got)
	}
	if got := progressBar(10, 0); got != "" {
		t.Errorf("zero width = %q", got)
	}
}

func TestActivityTagFollowsEvents(t *testing.T) {
	ctrl := newFakeController(sampleWorkers()...)
	m := newTestModel(t, ctrl)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.now = func() time.Time { return base }

	w := sampleWorkers()[0]
	m.Update(eventMsg{event: events.Event{Kind: events.KindWorkerUpdated, Seq: 1, Time: base, Worker: &w}, ok: true})
	if out := m.View(); !strings.Contains(out, "[workerUpdated]") {
		t.Errorf("view missing activity tag:\n%s", out)
	}

	m.now = func() time.Time { return base.Add(activityTTL + time.Second) }
	if out := m.View(); strings.Contains(out, "[workerUpdated]") {
		t.Error("stale activity should be hidden")
	}

	m.now = func() time.Time { return base }
	m.Update(eventMsg{event: events.Event{Kind: events.KindWorkerStopped, Seq: 2, Time: base, WorkerID: "w-1"}, ok: true})
	if out := m.View(); strings.Contains(out, "[workerUpdated]") {
		t.Error("stopped worker should lose its activity tag")
	}
}
