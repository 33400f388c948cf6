package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/timvw/orchflow/internal/env"
	"github.com/timvw/orchflow/internal/events"
	"github.com/timvw/orchflow/internal/flow"
	"github.com/timvw/orchflow/internal/model"
	"github.com/timvw/orchflow/internal/mux"
	"github.com/timvw/orchflow/internal/session"
)

// fakeAdapter is an in-memory multiplexer. Panes live in a map; failures
// are injected through the *Err fields.
type fakeAdapter struct {
	mu      sync.Mutex
	name    string
	session bool
	next    int
	panes   map[string]*model.Pane

	spawned   map[string]string
	envs      map[string]map[string]string
	focused   []string
	killed    []string
	suspended map[string]bool
	sent      map[string]string

	ensureErr   error
	newPaneErr  error
	spawnErr    error
	listErr     error
	layoutCalls int
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name:      name,
		next:      10,
		panes:     map[string]*model.Pane{},
		spawned:   map[string]string{},
		envs:      map[string]map[string]string{},
		suspended: map[string]bool{},
		sent:      map[string]string{},
	}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) EnsureSession(_ context.Context, name string) (mux.SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return mux.SessionHandle{}, f.ensureErr
	}
	created := !f.session
	f.session = true
	return mux.SessionHandle{Name: name, Backend: f.name, Created: created}, nil
}

func (f *fakeAdapter) CreateSplitLayout(context.Context, int, int) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.layoutCalls++
	return "%0", "%1", nil
}

func (f *fakeAdapter) NewPane(_ context.Context, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newPaneErr != nil {
		return "", f.newPaneErr
	}
	ref := fmt.Sprintf("%%%d", f.next)
	f.next++
	f.panes[ref] = &model.Pane{ID: ref, Title: title, PID: 1000 + f.next, Command: "sh"}
	return ref, nil
}

func (f *fakeAdapter) SpawnInPane(_ context.Context, ref, command string, env map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return f.spawnErr
	}
	if _, ok := f.panes[ref]; !ok {
		return fmt.Errorf("spawn %s: %w", ref, mux.ErrPaneNotFound)
	}
	f.spawned[ref] = command
	f.envs[ref] = env
	return nil
}

func (f *fakeAdapter) FocusPane(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.panes[ref]; !ok {
		return fmt.Errorf("focus %s: %w", ref, mux.ErrPaneNotFound)
	}
	f.focused = append(f.focused, ref)
	return nil
}

func (f *fakeAdapter) KillPane(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.panes[ref]; !ok {
		return fmt.Errorf("kill %s: %w", ref, mux.ErrPaneNotFound)
	}
	delete(f.panes, ref)
	f.killed = append(f.killed, ref)
	return nil
}

func (f *fakeAdapter) ListPanes(_ context.Context, session string) ([]model.Pane, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]model.Pane, 0, len(f.panes))
	for _, p := range f.panes {
		c := *p
		c.Session = session
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeAdapter) SuspendPane(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended[ref] = true
	return nil
}

func (f *fakeAdapter) ResumePane(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.suspended[ref] = false
	return nil
}

func (f *fakeAdapter) SendText(_ context.Context, ref, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[ref] += text
	return nil
}

// markDead keeps the pane listed but dead with the given exit status.
func (f *fakeAdapter) markDead(ref string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := code
	f.panes[ref].Dead = true
	f.panes[ref].ExitStatus = &c
}

func (f *fakeAdapter) drop(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.panes, ref)
}

// plainAdapter hides the optional Suspender and Sender capabilities.
type plainAdapter struct{ mux.Adapter }

type staticDetector struct{ d env.Descriptor }

func (s staticDetector) Detect(context.Context, bool) env.Descriptor { return s.d }

type harness struct {
	o        *Orchestrator
	adapters map[string]*fakeAdapter
	wrap     func(*fakeAdapter) mux.Adapter
	store    session.Store
	sub      events.Subscription
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	cfg      Config
	detector env.Descriptor
	exec     mux.Runner
	store    session.Store
	adapters map[string]*fakeAdapter
	wrap     func(*fakeAdapter) mux.Adapter
}

func withStore(s session.Store) harnessOption {
	return func(c *harnessConfig) { c.store = s }
}

func withAdapter(a *fakeAdapter) harnessOption {
	return func(c *harnessConfig) { c.adapters[a.name] = a }
}

func withoutCapabilities() harnessOption {
	return func(c *harnessConfig) {
		c.wrap = func(a *fakeAdapter) mux.Adapter { return plainAdapter{a} }
	}
}

func withDetector(d env.Descriptor) harnessOption {
	return func(c *harnessConfig) { c.detector = d }
}

func withExec(r mux.Runner) harnessOption {
	return func(c *harnessConfig) { c.exec = r }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	hc := &harnessConfig{
		cfg: Config{
			SessionName:   "orchflow-test",
			WorkerCommand: "claude {task}",
			APIEndpoint:   "http://127.0.0.1:7777",
			Binary:        "orchflow",
			ReportExit:    true,
		},
		exec:     mux.RunnerFunc(func(context.Context, string, ...string) (string, error) { return "", nil }),
		adapters: map[string]*fakeAdapter{},
		wrap:     func(a *fakeAdapter) mux.Adapter { return a },
	}
	for _, opt := range opts {
		opt(hc)
	}
	if hc.store == nil {
		s, err := session.NewFileStore(filepath.Join(t.TempDir(), "snapshots"))
		if err != nil {
			t.Fatal(err)
		}
		hc.store = s
	}
	flows, err := flow.Defaults()
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{adapters: hc.adapters, wrap: hc.wrap, store: hc.store}
	factory := func(backend string) (mux.Adapter, error) {
		a, ok := h.adapters[backend]
		if !ok {
			a = newFakeAdapter(backend)
			h.adapters[backend] = a
		}
		return h.wrap(a), nil
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.o = New(hc.cfg, Deps{
		Detector:    staticDetector{hc.detector},
		Router:      flow.NewRouter(flows),
		FlowRunner:  flow.NewRunner(hc.exec, nil, time.Second),
		Adapters:    factory,
		Persistence: session.New(hc.store),
		Bus:         events.NewBus(events.WithLogger(logger)),
		Logger:      logger,
	})
	h.o.SetClock(func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) })
	n := 0
	h.o.newID = func() string {
		n++
		return fmt.Sprintf("w-%d", n)
	}
	h.sub = h.o.Subscribe(256)
	t.Cleanup(h.sub.Close)
	return h
}

// setUp runs Setup forced onto the fallback backend and discards its events.
func (h *harness) setUp(t *testing.T) *fakeAdapter {
	t.Helper()
	if _, err := h.o.Setup(context.Background(), SetupOptions{Backend: mux.BackendFallback}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	h.drain()
	return h.adapters[mux.BackendFallback]
}

func (h *harness) spawn(t *testing.T, name string) model.WorkerView {
	t.Helper()
	v, err := h.o.SpawnWorker(context.Background(), "task for "+strings.ToLower(name), SpawnOptions{Name: name})
	if err != nil {
		t.Fatalf("SpawnWorker(%s): %v", name, err)
	}
	return v
}

func (h *harness) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-h.sub.Events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func kinds(evs []events.Event) []string {
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		switch e.Kind {
		case events.KindQuickAccessChanged:
			out = append(out, fmt.Sprintf("%s:%d=%s", e.Kind, e.Key, e.WorkerID))
		default:
			out = append(out, fmt.Sprintf("%s:%s", e.Kind, e.Subject()))
		}
	}
	return out
}
