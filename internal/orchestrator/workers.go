package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/timvw/orchflow/internal/events"
	"github.com/timvw/orchflow/internal/model"
	"github.com/timvw/orchflow/internal/mux"
	"github.com/timvw/orchflow/internal/naming"
	"github.com/timvw/orchflow/internal/quickaccess"
	"github.com/timvw/orchflow/internal/worker"
)

// SpawnOptions refine SpawnWorker.
type SpawnOptions struct {
	// Name overrides the generated descriptive name (still made unique).
	Name string
	// Key requests a specific quick-access key; 0 takes the lowest free one.
	Key int
	// NoKey skips key assignment.
	NoKey bool
	// Priority is 0-10.
	Priority int
	// Type overrides the inferred task type.
	Type         string
	Dependencies []string
	// Command overrides the worker command template.
	Command string
	// KeepOnFailure keeps a failed worker's record in the error state
	// instead of removing it.
	KeepOnFailure bool
}

// SpawnWorker names a worker for task, gives it a pane and starts the
// worker command there. Key assignment is best-effort: a spawn succeeds
// without a key when all nine are taken. A routed backend that has become
// unavailable is replaced by the router's next choice before the pane is
// created. On failure the pane, key and record are rolled back.
func (o *Orchestrator) SpawnWorker(ctx context.Context, task string, opts SpawnOptions) (view model.WorkerView, err error) {
	ctx, span := o.startSpan(ctx, "spawn")
	defer func() { endSpan(span, err) }()

	task = strings.TrimSpace(task)
	if task == "" {
		return view, fmt.Errorf("spawn: empty task description")
	}
	if opts.Priority < 0 || opts.Priority > 10 {
		return view, fmt.Errorf("spawn: priority %d out of range 0-10", opts.Priority)
	}
	if opts.Key != 0 && !quickaccess.ValidKey(opts.Key) {
		return view, fmt.Errorf("spawn: %w: %d", quickaccess.ErrInvalidKey, opts.Key)
	}

	// Naming may call an LLM; do it before taking the lock.
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name, err = o.namer.Name(ctx, task)
		if err != nil || name == "" {
			o.log.Warn("naming failed, using heuristic", "err", err)
			name = naming.Derive(task)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	adapter, err := o.adapterLocked(ctx, o.backend)
	if errors.Is(err, mux.ErrBackendUnavailable) {
		adapter, err = o.rerouteLocked(ctx, o.backend, err)
	}
	if err != nil {
		o.metrics.RecordSpawn(ctx, o.backend, false)
		return view, err
	}

	taken := map[string]bool{}
	for _, w := range o.registry.List() {
		taken[w.DescriptiveName] = true
	}
	name = naming.Unique(name, taken)

	id := o.newID()
	for {
		if _, err := o.registry.Get(id); err != nil {
			break
		}
		id = o.newID()
	}
	taskType := opts.Type
	if taskType == "" {
		taskType = naming.InferTaskType(task)
	}
	t := &model.Task{
		ID:           "t-" + strings.TrimPrefix(id, "w-"),
		Description:  task,
		Type:         taskType,
		Priority:     opts.Priority,
		Status:       model.StatusPending,
		Dependencies: append([]string(nil), opts.Dependencies...),
	}
	w, err := o.registry.Add(&model.Worker{ID: id, DescriptiveName: name, CurrentTask: t})
	if err != nil {
		return view, err
	}
	span.SetAttributes(attribute.String("worker.id", id), attribute.String("worker.name", name))

	// Remember the previous table so a failed spawn leaves keys untouched.
	prevKeys := o.keys.Table()
	if !opts.NoKey {
		_, _, err = o.keys.Assign(id, opts.Key)
		if errors.Is(err, quickaccess.ErrNoKeysAvailable) {
			o.log.Info("no quick-access key free", "worker", id)
		} else if err != nil {
			o.rollbackLocked(ctx, id, "", err, prevKeys, adapter, false)
			return view, err
		}
	}

	template := o.cfg.WorkerCommand
	if opts.Command != "" {
		template = opts.Command
	}
	command := o.workerCommand(template, w)

	ref, err := adapter.NewPane(ctx, name)
	if errors.Is(err, mux.ErrBackendUnavailable) {
		if next, rerr := o.rerouteLocked(ctx, adapter.Name(), err); rerr == nil {
			adapter = next
			ref, err = adapter.NewPane(ctx, name)
		} else if rerr != err {
			o.log.Warn("re-route failed", "err", rerr)
		}
	}
	if err != nil {
		return view, o.failSpawnLocked(ctx, id, "new-pane", "", err, prevKeys, adapter, opts.KeepOnFailure)
	}
	if _, err := o.registry.SetPane(id, ref, adapter.Name()); err != nil {
		return view, err
	}
	if err := adapter.SpawnInPane(ctx, ref, command, o.workerEnv(w)); err != nil {
		return view, o.failSpawnLocked(ctx, id, "spawn", ref, err, prevKeys, adapter, opts.KeepOnFailure)
	}

	if _, err := o.registry.Update(id, func(w *model.Worker) { w.Command = command }); err != nil {
		return view, err
	}
	if _, err := o.registry.Transition(id, model.StatusRunning); err != nil {
		return view, err
	}
	// Mirror the new key and any displaced holder before the event goes out.
	o.syncKeysLocked()
	if w, err = o.registry.Get(id); err != nil {
		return view, err
	}

	o.emitWorker(events.KindWorkerSpawned, w)
	o.emitKeyChanges(ctx, o.keyDiff(prevKeys))
	o.metrics.RecordSpawn(ctx, adapter.Name(), true)
	o.log.Info("worker spawned", "id", id, "name", name, "pane", ref, "key", w.QuickAccessKey)
	return w.View(), nil
}

// keyDiff lists every key whose holder differs from prev.
func (o *Orchestrator) keyDiff(prev map[int]string) []quickaccess.Change {
	cur := o.keys.Table()
	var changes []quickaccess.Change
	for k := quickaccess.MinKey; k <= quickaccess.MaxKey; k++ {
		if prev[k] != cur[k] {
			changes = append(changes, quickaccess.Change{Key: k, WorkerID: cur[k]})
		}
	}
	return changes
}

// failSpawnLocked rolls back a failed spawn and wraps the cause.
func (o *Orchestrator) failSpawnLocked(ctx context.Context, id, stage, ref string, cause error, prevKeys map[int]string, adapter mux.Adapter, keep bool) error {
	o.metrics.RecordSpawn(ctx, adapter.Name(), false)
	o.log.Error("spawn failed", "id", id, "stage", stage, "err", cause)
	o.rollbackLocked(ctx, id, ref, cause, prevKeys, adapter, keep)
	return &SpawnError{WorkerID: id, Stage: stage, Err: cause}
}

// rollbackLocked kills the pane (if any) and restores the key table. The
// record is removed, or with keep moved to error and announced.
func (o *Orchestrator) rollbackLocked(ctx context.Context, id, ref string, cause error, prevKeys map[int]string, adapter mux.Adapter, keep bool) {
	if ref != "" {
		if err := adapter.KillPane(ctx, ref); err != nil && !errors.Is(err, mux.ErrPaneNotFound) {
			o.log.Warn("rollback: kill pane", "pane", ref, "err", err)
		}
	}
	_ = o.keys.Restore(prevKeys)
	o.syncKeysLocked()
	if !keep {
		_, _ = o.registry.Remove(id)
		return
	}
	if _, err := o.registry.Transition(id, model.StatusError); err != nil {
		_, _ = o.registry.Remove(id)
		return
	}
	w, err := o.registry.Update(id, func(w *model.Worker) {
		w.PaneRef = ""
		w.QuickAccessKey = 0
		w.Error = cause.Error()
	})
	if err == nil {
		o.emitWorker(events.KindWorkerSpawned, w)
	}
}

// workerCommand renders the command template for w and appends the exit
// report when enabled.
func (o *Orchestrator) workerCommand(template string, w *model.Worker) string {
	task, typ := "", ""
	if w.CurrentTask != nil {
		task, typ = w.CurrentTask.Description, w.CurrentTask.Type
	}
	r := strings.NewReplacer(
		"{task}", mux.ShellQuote(task),
		"{id}", w.ID,
		"{name}", mux.ShellQuote(w.DescriptiveName),
		"{type}", typ,
	)
	command := r.Replace(template)
	if o.cfg.ReportExit && o.cfg.Binary != "" {
		command = fmt.Sprintf("%s; %s report exit --worker %s --code $?", command, mux.ShellQuote(o.cfg.Binary), w.ID)
	}
	return command
}

func (o *Orchestrator) workerEnv(w *model.Worker) map[string]string {
	e := map[string]string{
		"ORCHFLOW_WORKER_ID":   w.ID,
		"ORCHFLOW_WORKER_NAME": w.DescriptiveName,
	}
	if o.cfg.APIEndpoint != "" {
		e["ORCHFLOW_API"] = o.cfg.APIEndpoint
	}
	return e
}

// Sort orders accepted by ListWorkers.
const (
	SortCreated  = "created"
	SortPriority = "priority"
	SortProgress = "progress"
	SortName     = "name"
)

// ListWorkers returns worker views. Inactive (completed or error) workers
// are skipped unless includeInactive is set. Ties sort by id.
func (o *Orchestrator) ListWorkers(sortBy string, includeInactive bool) ([]model.WorkerView, error) {
	var less func(a, b model.WorkerView) (bool, bool)
	switch sortBy {
	case "", SortCreated:
		less = func(a, b model.WorkerView) (bool, bool) { return a.Seq < b.Seq, a.Seq != b.Seq }
	case SortPriority:
		less = func(a, b model.WorkerView) (bool, bool) { return a.Priority > b.Priority, a.Priority != b.Priority }
	case SortProgress:
		less = func(a, b model.WorkerView) (bool, bool) { return a.Progress > b.Progress, a.Progress != b.Progress }
	case SortName:
		less = func(a, b model.WorkerView) (bool, bool) {
			x, y := strings.ToLower(a.DescriptiveName), strings.ToLower(b.DescriptiveName)
			return x < y, x != y
		}
	default:
		return nil, fmt.Errorf("unknown sort %q (use created, priority, progress or name)", sortBy)
	}

	o.mu.Lock()
	ws := o.registry.List()
	o.mu.Unlock()

	views := make([]model.WorkerView, 0, len(ws))
	for _, w := range ws {
		if !includeInactive && !w.Status.Active() {
			continue
		}
		views = append(views, w.View())
	}
	sort.SliceStable(views, func(i, j int) bool {
		if l, decided := less(views[i], views[j]); decided {
			return l
		}
		return views[i].ID < views[j].ID
	})
	return views, nil
}

// Pause suspends a running worker. Backends without suspend support only
// record the state change.
func (o *Orchestrator) Pause(ctx context.Context, identifier string) (model.WorkerView, error) {
	return o.suspend(ctx, identifier, model.StatusPaused)
}

// Resume continues a paused worker.
func (o *Orchestrator) Resume(ctx context.Context, identifier string) (model.WorkerView, error) {
	return o.suspend(ctx, identifier, model.StatusRunning)
}

func (o *Orchestrator) suspend(ctx context.Context, identifier string, to model.Status) (view model.WorkerView, err error) {
	op := "pause"
	if to == model.StatusRunning {
		op = "resume"
	}
	ctx, span := o.startSpan(ctx, op, attribute.String("worker", identifier))
	defer func() { endSpan(span, err) }()

	o.mu.Lock()
	defer o.mu.Unlock()

	w, err := o.resolveLocked(identifier)
	if err != nil {
		return view, err
	}
	if !worker.CanTransition(w.Status, to) || (to == model.StatusRunning && w.Status != model.StatusPaused) {
		return view, &worker.TransitionError{WorkerID: w.ID, From: w.Status, To: to}
	}
	if w.PaneRef == "" {
		return view, fmt.Errorf("%s %s: %w", op, w.ID, ErrNoPane)
	}
	adapter, err := o.adapterLocked(ctx, w.Backend)
	if err != nil {
		return view, err
	}
	if s, ok := adapter.(mux.Suspender); ok {
		if to == model.StatusPaused {
			err = s.SuspendPane(ctx, w.PaneRef)
		} else {
			err = s.ResumePane(ctx, w.PaneRef)
		}
		if err != nil {
			return view, fmt.Errorf("%s %s: %w", op, w.ID, err)
		}
	} else {
		o.log.Warn("backend cannot suspend panes; recording state only", "backend", adapter.Name(), "worker", w.ID)
	}

	w, err = o.registry.Transition(w.ID, to)
	if err != nil {
		return view, err
	}
	o.emitWorker(events.KindWorkerUpdated, w)
	return w.View(), nil
}

// Stop kills the worker's pane and releases its key. With keepRecord the
// worker stays listed as completed (or error if it never started);
// otherwise it is removed.
func (o *Orchestrator) Stop(ctx context.Context, identifier string, keepRecord bool) (view model.WorkerView, err error) {
	ctx, span := o.startSpan(ctx, "stop", attribute.String("worker", identifier))
	defer func() { endSpan(span, err) }()

	o.mu.Lock()
	defer o.mu.Unlock()

	w, err := o.resolveLocked(identifier)
	if err != nil {
		return view, err
	}
	if w.PaneRef != "" {
		adapter, err := o.adapterLocked(ctx, w.Backend)
		if err != nil {
			return view, err
		}
		if err := adapter.KillPane(ctx, w.PaneRef); err != nil && !errors.Is(err, mux.ErrPaneNotFound) {
			return view, fmt.Errorf("stop %s: %w", w.ID, err)
		}
	}

	prevKeys := o.keys.Table()
	o.keys.ReleaseWorker(w.ID)

	if keepRecord {
		if w.Status.Active() {
			to := model.StatusCompleted
			if w.Status == model.StatusPending {
				to = model.StatusError
			}
			if _, err := o.registry.Transition(w.ID, to); err != nil {
				return view, err
			}
		}
		w, err = o.registry.Update(w.ID, func(w *model.Worker) {
			w.PaneRef = ""
			w.QuickAccessKey = 0
			if w.Status == model.StatusError && w.Error == "" {
				w.Error = "stopped"
			}
		})
		if err != nil {
			return view, err
		}
	} else {
		w, err = o.registry.Remove(w.ID)
		if err != nil {
			return view, err
		}
		w.QuickAccessKey = 0
	}

	o.emitWorker(events.KindWorkerStopped, w)
	o.emitKeyChanges(ctx, o.keyDiff(prevKeys))
	o.metrics.RecordExit(ctx, "stopped")
	o.log.Info("worker stopped", "id", w.ID, "kept", keepRecord)
	return w.View(), nil
}

// HandlePaneExit records that a worker's process exited. subject is a
// worker id or a pane reference. Code 0 completes the worker and its task;
// anything else marks both error. The quick-access key is released. With
// drop the pane is closed and the record removed. Repeated reports for an
// already finished worker are ignored.
func (o *Orchestrator) HandlePaneExit(ctx context.Context, subject string, code int, drop bool) (view model.WorkerView, err error) {
	ctx, span := o.startSpan(ctx, "pane_exit", attribute.String("subject", subject), attribute.Int("exit_code", code))
	defer func() { endSpan(span, err) }()

	o.mu.Lock()
	defer o.mu.Unlock()

	w, err := o.registry.Get(subject)
	if err != nil {
		var ok bool
		if w, ok = o.registry.ByPane(subject); !ok {
			return view, fmt.Errorf("%w: %s", ErrWorkerNotFound, subject)
		}
	}
	return o.exitLocked(ctx, w, code, drop)
}

func (o *Orchestrator) exitLocked(ctx context.Context, w *model.Worker, code int, drop bool) (model.WorkerView, error) {
	prevKeys := o.keys.Table()
	if w.Status.Terminal() && !drop {
		return w.View(), nil
	}

	if w.Status.Active() {
		to := model.StatusCompleted
		if code != 0 {
			to = model.StatusError
		}
		if w.Status == model.StatusPending && to == model.StatusCompleted {
			if _, err := o.registry.Transition(w.ID, model.StatusRunning); err != nil {
				return model.WorkerView{}, err
			}
		}
		if _, err := o.registry.Transition(w.ID, to); err != nil {
			return model.WorkerView{}, err
		}
		c := code
		if _, err := o.registry.Update(w.ID, func(w *model.Worker) {
			w.ExitCode = &c
			if code != 0 {
				w.Error = fmt.Sprintf("exited with status %d", code)
			}
		}); err != nil {
			return model.WorkerView{}, err
		}
		o.metrics.RecordExit(ctx, string(to))
	}
	o.keys.ReleaseWorker(w.ID)
	o.syncKeysLocked()

	if drop {
		if w.PaneRef != "" {
			if adapter, err := o.adapterLocked(ctx, w.Backend); err == nil {
				if err := adapter.KillPane(ctx, w.PaneRef); err != nil && !errors.Is(err, mux.ErrPaneNotFound) {
					o.log.Warn("close exited pane", "pane", w.PaneRef, "err", err)
				}
			}
		}
		final, err := o.registry.Remove(w.ID)
		if err != nil {
			return model.WorkerView{}, err
		}
		o.emitWorker(events.KindWorkerStopped, final)
		o.emitKeyChanges(ctx, o.keyDiff(prevKeys))
		return final.View(), nil
	}

	w, err := o.registry.Get(w.ID)
	if err != nil {
		return model.WorkerView{}, err
	}
	if w.Status == model.StatusCompleted {
		o.emitWorker(events.KindTaskCompleted, w)
	} else {
		o.emitWorker(events.KindWorkerUpdated, w)
	}
	o.emitKeyChanges(ctx, o.keyDiff(prevKeys))
	o.log.Info("worker exited", "id", w.ID, "code", code, "status", w.Status)
	return w.View(), nil
}

// ReportProgress records a worker's self-reported progress (0-100).
func (o *Orchestrator) ReportProgress(ctx context.Context, identifier string, pct int) (model.WorkerView, error) {
	if pct < 0 || pct > 100 {
		return model.WorkerView{}, fmt.Errorf("progress %d out of range 0-100", pct)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	w, err := o.resolveLocked(identifier)
	if err != nil {
		return model.WorkerView{}, err
	}
	if w.Status.Terminal() {
		return w.View(), nil
	}
	w, err = o.registry.Update(w.ID, func(w *model.Worker) { w.Progress = pct })
	if err != nil {
		return model.WorkerView{}, err
	}
	o.emitWorker(events.KindWorkerUpdated, w)
	return w.View(), nil
}

// Send types text into the worker's pane.
func (o *Orchestrator) Send(ctx context.Context, identifier, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, err := o.resolveLocked(identifier)
	if err != nil {
		return err
	}
	if w.PaneRef == "" {
		return fmt.Errorf("send %s: %w", w.ID, ErrNoPane)
	}
	adapter, err := o.adapterLocked(ctx, w.Backend)
	if err != nil {
		return err
	}
	s, ok := adapter.(mux.Sender)
	if !ok {
		return fmt.Errorf("send: %s: %w", adapter.Name(), ErrUnsupported)
	}
	if err := s.SendText(ctx, w.PaneRef, text); err != nil {
		return err
	}
	_, _ = o.registry.Update(w.ID, func(*model.Worker) {})
	return nil
}

// ApplyReport routes a report from a worker wrapper.
func (o *Orchestrator) ApplyReport(ctx context.Context, r events.Report) error {
	subject := r.WorkerID
	if subject == "" {
		subject = r.Pane
	}
	var err error
	switch r.Kind {
	case events.ReportExit:
		_, err = o.HandlePaneExit(ctx, subject, r.ExitCode, false)
	case events.ReportProgress:
		_, err = o.ReportProgress(ctx, subject, r.Progress)
	default:
		err = fmt.Errorf("unknown report kind %q", r.Kind)
	}
	return err
}
