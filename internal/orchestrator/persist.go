package orchestrator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/timvw/orchflow/internal/events"
	"github.com/timvw/orchflow/internal/mux"
	"github.com/timvw/orchflow/internal/quickaccess"
	"github.com/timvw/orchflow/internal/session"
	"github.com/timvw/orchflow/internal/worker"
)

// Snapshot saves the current workers, keys, flow and layout under name and
// returns the snapshot id.
func (o *Orchestrator) Snapshot(ctx context.Context, name string) (id string, err error) {
	ctx, span := o.startSpan(ctx, "snapshot", attribute.String("name", name))
	defer func() { endSpan(span, err) }()

	if o.persist == nil {
		return "", fmt.Errorf("snapshot: no persistence configured")
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	st := session.State{
		SessionName: o.cfg.SessionName,
		Flow:        o.flow,
		Environment: o.env,
		Layout:      o.layout,
		Workers:     o.registry.List(),
		QuickAccess: o.keys.Table(),
	}
	id, err = o.persist.Save(ctx, name, st)
	if err != nil {
		return "", err
	}
	o.metrics.RecordSnapshot(ctx, name)
	o.log.Debug("snapshot saved", "id", id, "name", name, "workers", len(st.Workers))
	return id, nil
}

// Restore loads a snapshot ("" or "latest" for the newest), reconciles it
// against the live multiplexer and replaces the in-memory state. Nothing
// changes unless the whole restore succeeds. Afterwards every worker is
// announced with workerSpawned and every released key with
// quickAccessChanged.
func (o *Orchestrator) Restore(ctx context.Context, id string) (rep session.Report, err error) {
	ctx, span := o.startSpan(ctx, "restore", attribute.String("snapshot", id))
	defer func() { endSpan(span, err) }()

	if o.persist == nil {
		return rep, fmt.Errorf("restore: no persistence configured")
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	st, rep, err := o.persist.Restore(ctx, id, func(backend string) (mux.Adapter, error) {
		return o.rawAdapterLocked(backend)
	})
	if err != nil {
		return rep, err
	}

	keys := quickaccess.New()
	if err := keys.Restore(st.QuickAccess); err != nil {
		return rep, fmt.Errorf("restore %s: %w", rep.SnapshotID, err)
	}
	reg := worker.NewRegistry()
	reg.SetClock(o.nowUTC)
	if err := reg.Load(st.Workers); err != nil {
		return rep, fmt.Errorf("restore %s: %w", rep.SnapshotID, err)
	}

	if st.SessionName != "" && st.SessionName != o.cfg.SessionName {
		o.cfg.SessionName = st.SessionName
		for _, slot := range o.adapters {
			slot.ready = false
		}
	}
	o.registry = reg
	o.keys = keys
	o.backend = st.Flow.Backend
	o.flow = st.Flow
	o.env = st.Environment
	o.layout = st.Layout
	o.forced = false
	o.excluded = nil
	if rep.SessionMissing {
		for _, slot := range o.adapters {
			slot.ready = false
		}
	}

	for _, w := range o.registry.List() {
		o.emitWorker(events.KindWorkerSpawned, w)
	}
	for _, k := range rep.ReleasedKeys {
		o.emit(events.Event{Kind: events.KindQuickAccessChanged, Key: k})
	}
	o.metrics.RecordRestoreLost(ctx, len(rep.Lost))
	o.log.Info("session restored", "snapshot", rep.SnapshotID,
		"kept", len(rep.Kept), "lost", len(rep.Lost), "exited", len(rep.Exited))
	return rep, nil
}
