package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/timvw/orchflow/internal/model"
	"github.com/timvw/orchflow/internal/mux"
)

// SyncReport lists workers whose state Sync changed.
type SyncReport struct {
	Lost   []string `json:"lost,omitempty"`
	Exited []string `json:"exited,omitempty"`
}

// Sync compares active workers against the panes the multiplexer reports.
// A dead pane ends its worker by exit status; a missing pane marks the
// worker error. Live panes refresh the worker's pid and command. A
// CommandFailed from the backend aborts without changes.
func (o *Orchestrator) Sync(ctx context.Context) (rep SyncReport, err error) {
	ctx, span := o.startSpan(ctx, "sync")
	defer func() { endSpan(span, err) }()

	o.mu.Lock()
	defer o.mu.Unlock()

	byBackend := map[string][]*model.Worker{}
	for _, w := range o.registry.List() {
		if w.Status.Active() && w.PaneRef != "" {
			byBackend[w.Backend] = append(byBackend[w.Backend], w)
		}
	}

	// List everything first so a failure leaves no partial update.
	listed := map[string]map[string]model.Pane{}
	for backend := range byBackend {
		adapter, err := o.rawAdapterLocked(backend)
		if err != nil {
			return rep, err
		}
		panes, err := adapter.ListPanes(ctx, o.cfg.SessionName)
		switch {
		case err == nil:
			listed[backend] = model.PaneIndex(panes)
		case errors.Is(err, mux.ErrPaneNotFound), errors.Is(err, mux.ErrBackendUnavailable):
			listed[backend] = map[string]model.Pane{}
		default:
			return rep, fmt.Errorf("sync %s: %w", backend, err)
		}
	}

	for backend, ws := range byBackend {
		panes := listed[backend]
		for _, w := range ws {
			p, ok := panes[w.PaneRef]
			switch {
			case !ok:
				o.loseLocked(ctx, w)
				rep.Lost = append(rep.Lost, w.ID)
			case p.Dead:
				code := 0
				if p.ExitStatus != nil {
					code = *p.ExitStatus
				}
				if _, err := o.exitLocked(ctx, w, code, false); err != nil {
					return rep, err
				}
				rep.Exited = append(rep.Exited, w.ID)
			default:
				if p.PID != 0 || p.Command != "" {
					_ = o.registry.SetResources(w.ID, &model.Resources{PID: p.PID, Command: p.Command})
				}
			}
		}
	}
	sort.Strings(rep.Lost)
	sort.Strings(rep.Exited)
	if n := len(rep.Lost); n > 0 {
		o.metrics.RecordRestoreLost(ctx, n)
	}
	return rep, nil
}
