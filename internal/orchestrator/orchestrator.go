// Package orchestrator is the single entry point for managing workers. It
// owns the worker registry and the quick-access allocator; every operation
// runs under one mutex, including the multiplexer calls it makes, so
// operations never interleave and events leave in operation order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/timvw/orchflow/internal/env"
	"github.com/timvw/orchflow/internal/events"
	"github.com/timvw/orchflow/internal/flow"
	"github.com/timvw/orchflow/internal/model"
	"github.com/timvw/orchflow/internal/mux"
	"github.com/timvw/orchflow/internal/naming"
	orchotel "github.com/timvw/orchflow/internal/otel"
	"github.com/timvw/orchflow/internal/quickaccess"
	"github.com/timvw/orchflow/internal/session"
	"github.com/timvw/orchflow/internal/worker"
)

// Detector yields the environment descriptor.
type Detector interface {
	Detect(ctx context.Context, useCache bool) env.Descriptor
}

// AdapterFactory builds the adapter for a backend name.
type AdapterFactory func(backend string) (mux.Adapter, error)

// Config holds orchestrator settings.
type Config struct {
	SessionName  string
	PrimaryWidth int
	StatusWidth  int
	// WorkerCommand is a template with {task}, {id}, {name} and {type}.
	WorkerCommand string
	// APIEndpoint is exported to workers as ORCHFLOW_API.
	APIEndpoint string
	// Binary, when set with ReportExit, is invoked after the worker command
	// as "<binary> report exit" so the exit reaches a running collector.
	Binary     string
	ReportExit bool
	// TmuxConfPath is where the tmux-config setup step writes its bindings.
	TmuxConfPath string
	// PinBackend keeps a restored session on its backend even when that
	// backend becomes unavailable.
	PinBackend bool
}

// Deps are the collaborators. Nil fields get working defaults except
// Persistence, which is required for Snapshot and Restore.
type Deps struct {
	Detector    Detector
	Router      *flow.Router
	FlowRunner  *flow.Runner
	Adapters    AdapterFactory
	Namer       naming.Namer
	Persistence *session.Persistence
	Bus         *events.Bus
	Metrics     *orchotel.Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

type adapterSlot struct {
	adapter mux.Adapter
	ready   bool
}

// Orchestrator coordinates workers, panes, keys and persistence.
type Orchestrator struct {
	mu sync.Mutex

	cfg      Config
	detector Detector
	router   *flow.Router
	runner   *flow.Runner
	factory  AdapterFactory
	namer    naming.Namer
	persist  *session.Persistence
	bus      *events.Bus
	metrics  *orchotel.Metrics
	tracer   trace.Tracer
	log      *slog.Logger
	now      func() time.Time
	newID    func() string

	registry *worker.Registry
	keys     *quickaccess.Allocator
	adapters map[string]*adapterSlot

	// Session state established by Setup or Restore.
	backend string
	flow    session.FlowRef
	env     env.Descriptor
	layout  session.Layout
	// forced is set when Setup was told which backend to use; such a
	// backend is never routed away from.
	forced bool
	// excluded lists backends found unavailable since Setup.
	excluded []string
}

// New creates an orchestrator. It does not touch the multiplexer until
// Setup, Restore or a worker operation needs it.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.SessionName == "" {
		cfg.SessionName = "orchflow"
	}
	if cfg.PrimaryWidth <= 0 {
		cfg.PrimaryWidth = 70
	}
	if cfg.StatusWidth <= 0 {
		cfg.StatusWidth = 30
	}
	if cfg.WorkerCommand == "" {
		cfg.WorkerCommand = "{task}"
	}
	o := &Orchestrator{
		cfg:      cfg,
		detector: deps.Detector,
		router:   deps.Router,
		runner:   deps.FlowRunner,
		factory:  deps.Adapters,
		namer:    deps.Namer,
		persist:  deps.Persistence,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		log:      deps.Logger,
		now:      time.Now,
		newID:    newWorkerID,
		keys:     quickaccess.New(),
		adapters: map[string]*adapterSlot{},
	}
	if o.detector == nil {
		o.detector = env.NewDetector()
	}
	if o.router == nil {
		flows, err := flow.Defaults()
		if err != nil {
			flows = nil
		}
		o.router = flow.NewRouter(flows)
	}
	if o.runner == nil {
		o.runner = flow.NewRunner(mux.NewExecRunner(flow.DefaultSetupTimeout), nil, 0)
	}
	if o.factory == nil {
		o.factory = func(backend string) (mux.Adapter, error) { return mux.New(backend, mux.Options{}) }
	}
	if o.namer == nil {
		o.namer = naming.Heuristic{}
	}
	if o.bus == nil {
		o.bus = events.NewBus()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("orchflow/orchestrator")
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.registry = worker.NewRegistry()
	o.registry.SetClock(o.nowUTC)
	return o
}

// SetClock overrides the time source (tests).
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
	o.registry.SetClock(o.nowUTC)
}

func (o *Orchestrator) nowUTC() time.Time { return o.now().UTC() }

func newWorkerID() string {
	return "w-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// Subscribe returns a subscription to lifecycle events.
func (o *Orchestrator) Subscribe(buffer int) events.Subscription {
	return o.bus.Subscribe(buffer)
}

// Backend returns the active backend name ("" before setup or restore).
func (o *Orchestrator) Backend() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.backend
}

// SessionName returns the multiplexer session name.
func (o *Orchestrator) SessionName() string {
	return o.cfg.SessionName
}

// Info describes the current session for status displays.
type Info struct {
	SessionName string             `json:"session_name"`
	Backend     string             `json:"backend"`
	Flow        string             `json:"flow"`
	Layout      session.Layout     `json:"layout"`
	Environment env.Descriptor     `json:"environment"`
	Workers     []model.WorkerView `json:"workers"`
	Keys        map[int]string     `json:"keys"`
}

// Info returns a consistent view of the session and every worker.
func (o *Orchestrator) Info() Info {
	o.mu.Lock()
	defer o.mu.Unlock()
	ws := o.registry.List()
	views := make([]model.WorkerView, 0, len(ws))
	for _, w := range ws {
		views = append(views, w.View())
	}
	return Info{
		SessionName: o.cfg.SessionName,
		Backend:     o.backend,
		Flow:        o.flow.Name,
		Layout:      o.layout,
		Environment: o.env,
		Workers:     views,
		Keys:        o.keys.Table(),
	}
}

// emit publishes an event. Callers hold o.mu.
func (o *Orchestrator) emit(e events.Event) {
	o.bus.Publish(e)
}

func (o *Orchestrator) emitWorker(kind events.Kind, w *model.Worker) {
	v := w.View()
	e := events.Event{Kind: kind, Worker: &v, WorkerID: w.ID}
	if kind == events.KindTaskCompleted && w.CurrentTask != nil {
		t := *w.CurrentTask
		e.Task = &t
	}
	o.emit(e)
}

// emitKeyChanges publishes quickAccessChanged for every changed key and
// mirrors the change onto the worker records.
func (o *Orchestrator) emitKeyChanges(ctx context.Context, changes []quickaccess.Change) {
	if len(changes) == 0 {
		return
	}
	o.syncKeysLocked()
	for _, c := range changes {
		o.emit(events.Event{Kind: events.KindQuickAccessChanged, Key: c.Key, WorkerID: c.WorkerID})
	}
	o.metrics.RecordQuickAccessChanges(ctx, len(changes))
}

// syncKeysLocked copies the allocator's view of each worker's key into the
// registry.
func (o *Orchestrator) syncKeysLocked() {
	for _, w := range o.registry.List() {
		k := o.keys.KeyOf(w.ID)
		if k != w.QuickAccessKey {
			_, _ = o.registry.SetKey(w.ID, k)
		}
	}
}

// startSpan starts a span for an orchestrator operation.
func (o *Orchestrator) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "orchestrator."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// adapterLocked returns the adapter for backend, ensuring the session on
// first use in this process.
func (o *Orchestrator) adapterLocked(ctx context.Context, backend string) (mux.Adapter, error) {
	if backend == "" {
		return nil, ErrNotSetUp
	}
	slot, err := o.slotLocked(backend)
	if err != nil {
		return nil, err
	}
	if !slot.ready {
		if _, err := slot.adapter.EnsureSession(ctx, o.cfg.SessionName); err != nil {
			return nil, fmt.Errorf("ensure session %s: %w", o.cfg.SessionName, err)
		}
		slot.ready = true
	}
	return slot.adapter, nil
}

// rawAdapterLocked returns the adapter without ensuring a session. Used for
// ListPanes, which names the session explicitly.
func (o *Orchestrator) rawAdapterLocked(backend string) (mux.Adapter, error) {
	slot, err := o.slotLocked(backend)
	if err != nil {
		return nil, err
	}
	return slot.adapter, nil
}

func (o *Orchestrator) slotLocked(backend string) (*adapterSlot, error) {
	if slot, ok := o.adapters[backend]; ok {
		return slot, nil
	}
	a, err := o.factory(backend)
	if err != nil {
		return nil, err
	}
	slot := &adapterSlot{adapter: a}
	o.adapters[backend] = slot
	return slot, nil
}

// SetupOptions controls Setup.
type SetupOptions struct {
	// Backend forces a backend (or flow name) instead of routing.
	Backend string
	// Fresh bypasses the environment detection cache.
	Fresh bool
	// SkipLayout leaves an existing session's panes alone even if it was
	// just created.
	SkipLayout bool
}

// SetupResult reports what Setup did.
type SetupResult struct {
	Flow        flow.Flow         `json:"flow"`
	Backend     string            `json:"backend"`
	Environment env.Descriptor    `json:"environment"`
	Session     mux.SessionHandle `json:"session"`
	Layout      session.Layout    `json:"layout"`
	Steps       flow.Result       `json:"steps"`
	Excluded    []string          `json:"excluded,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
}

// Setup detects the environment, picks and runs a flow, ensures the
// session and creates the split layout. When a routed backend turns out to
// be unusable it is excluded and routing is repeated; the fallback flow
// always succeeds.
func (o *Orchestrator) Setup(ctx context.Context, opts SetupOptions) (res SetupResult, err error) {
	ctx, span := o.startSpan(ctx, "setup", attribute.String("backend.forced", opts.Backend))
	defer func() { endSpan(span, err) }()

	o.mu.Lock()
	defer o.mu.Unlock()

	desc := o.detector.Detect(ctx, !opts.Fresh)
	res.Environment = desc

	forced := opts.Backend != ""
	var f flow.Flow
	if forced {
		var ok bool
		f, ok = o.router.ForBackend(opts.Backend)
		if !ok {
			return res, fmt.Errorf("unknown backend %q", opts.Backend)
		}
	} else {
		f = o.router.Route(desc)
	}

	err = o.establishLocked(ctx, desc, f, forced, opts, &res)
	if err != nil {
		return res, err
	}
	o.forced = forced
	o.excluded = res.Excluded
	span.SetAttributes(attribute.String("flow", res.Flow.Name))
	return res, nil
}

// establishLocked runs flow f and ensures its session. Unless forced, an
// unusable backend is excluded and the router asked again, down to
// fallback. On success the flow becomes the session's backend.
func (o *Orchestrator) establishLocked(ctx context.Context, desc env.Descriptor, f flow.Flow, forced bool, opts SetupOptions, res *SetupResult) error {
	for attempt := 0; attempt <= len(flow.Priority); attempt++ {
		err := o.setupFlowLocked(ctx, f, opts, res)
		if err == nil {
			o.backend = f.Backend
			o.flow = session.FlowRef{Name: f.Name, Backend: f.Backend}
			o.env = desc
			return nil
		}
		if forced || f.Name == flow.NameFallback || !rerouteable(err) {
			return err
		}
		o.log.Warn("backend unusable, re-routing", "backend", f.Backend, "err", err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", f.Backend, err))
		res.Excluded = append(res.Excluded, f.Backend)
		delete(o.adapters, f.Backend)
		f = o.router.RouteExcluding(desc, res.Excluded...)
	}
	return fmt.Errorf("setup: no usable backend")
}

// rerouteLocked moves the session off a backend that reported
// ErrBackendUnavailable after setup and returns the new backend's adapter.
// Workers already on the old backend keep their binding. cause is returned
// unchanged when re-routing does not apply.
func (o *Orchestrator) rerouteLocked(ctx context.Context, failed string, cause error) (mux.Adapter, error) {
	if !errors.Is(cause, mux.ErrBackendUnavailable) || o.forced || o.cfg.PinBackend || failed == mux.BackendFallback || o.router == nil {
		return nil, cause
	}
	res := SetupResult{Excluded: append(append([]string(nil), o.excluded...), failed)}
	delete(o.adapters, failed)
	f := o.router.RouteExcluding(o.env, res.Excluded...)
	o.log.Warn("backend unavailable, re-routing", "backend", failed, "flow", f.Name, "err", cause)
	if err := o.establishLocked(ctx, o.env, f, false, SetupOptions{}, &res); err != nil {
		return nil, fmt.Errorf("re-route after %s: %w", failed, errors.Join(cause, err))
	}
	o.excluded = res.Excluded
	return o.adapterLocked(ctx, o.backend)
}

// rerouteable reports whether a setup failure means "try another backend".
func rerouteable(err error) bool {
	var se *flow.StepError
	return errors.Is(err, mux.ErrBackendUnavailable) || (errors.As(err, &se) && !errors.Is(err, flow.ErrDeclined))
}

func (o *Orchestrator) setupFlowLocked(ctx context.Context, f flow.Flow, opts SetupOptions, res *SetupResult) error {
	slot, err := o.slotLocked(f.Backend)
	if err != nil {
		return err
	}
	adapter := slot.adapter
	if t, ok := adapter.(*mux.Tmux); ok && o.cfg.TmuxConfPath != "" {
		binary := o.cfg.Binary
		if binary == "" {
			binary = "orchflow"
		}
		o.runner.Register("tmux-config", func(ctx context.Context) error {
			return t.ApplyConfig(ctx, o.cfg.TmuxConfPath, binary)
		})
	}

	steps, err := o.runner.Run(ctx, f)
	res.Flow = f
	res.Backend = f.Backend
	res.Steps = steps
	if err != nil {
		return err
	}

	h, err := adapter.EnsureSession(ctx, o.cfg.SessionName)
	if err != nil {
		return err
	}
	slot.ready = true
	res.Session = h

	if h.Created && !opts.SkipLayout {
		primary, status, err := adapter.CreateSplitLayout(ctx, o.cfg.PrimaryWidth, o.cfg.StatusWidth)
		if err != nil {
			if errors.Is(err, mux.ErrBackendUnavailable) {
				return err
			}
			o.log.Warn("split layout failed", "backend", f.Backend, "err", err)
			res.Warnings = append(res.Warnings, fmt.Sprintf("layout: %v", err))
		} else {
			o.layout = session.Layout{PrimaryPane: primary, StatusPane: status}
		}
	}
	res.Layout = o.layout
	return nil
}
