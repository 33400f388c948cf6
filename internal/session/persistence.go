package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/timvw/orchflow/internal/env"
	"github.com/timvw/orchflow/internal/model"
	"github.com/timvw/orchflow/internal/mux"
)

// State is what the orchestrator saves and gets back from a restore.
type State struct {
	SessionName string
	Flow        FlowRef
	Environment env.Descriptor
	Layout      Layout
	Workers     []*model.Worker
	// QuickAccess maps keys 1-9 to worker ids.
	QuickAccess map[int]string
}

// Report describes what reconciliation changed.
type Report struct {
	SnapshotID string `json:"snapshot_id"`
	// Kept workers still have a live pane.
	Kept []string `json:"kept,omitempty"`
	// Lost workers' panes no longer exist; they are marked error.
	Lost []string `json:"lost,omitempty"`
	// Exited workers' panes are dead; they are completed or error by exit status.
	Exited       []string `json:"exited,omitempty"`
	ReleasedKeys []int    `json:"released_keys,omitempty"`
	// SessionMissing is set when the multiplexer session (or backend) is gone.
	SessionMissing bool `json:"session_missing,omitempty"`
}

// AdapterFor returns the adapter for a backend name.
type AdapterFor func(backend string) (mux.Adapter, error)

// Persistence saves and restores orchestrator state through a Store.
type Persistence struct {
	store Store
	now   func() time.Time
}

// New creates a Persistence over store.
func New(store Store) *Persistence {
	return &Persistence{store: store, now: time.Now}
}

// Store returns the underlying store.
func (p *Persistence) Store() Store { return p.store }

// Save writes st as a new snapshot named name and returns its id.
func (p *Persistence) Save(ctx context.Context, name string, st State) (string, error) {
	snap := &Snapshot{
		Version:     FormatVersion,
		Name:        name,
		CreatedAt:   p.now().UTC(),
		SessionName: st.SessionName,
		Flow:        st.Flow,
		Environment: st.Environment,
		Layout:      st.Layout,
		Workers:     make([]*model.Worker, 0, len(st.Workers)),
		QuickAccess: EncodeKeyTable(st.QuickAccess),
	}
	for _, w := range st.Workers {
		snap.Workers = append(snap.Workers, w.Clone())
	}
	if err := snap.Validate(); err != nil {
		return "", fmt.Errorf("refusing to save: %w", err)
	}
	if err := p.store.Put(ctx, snap); err != nil {
		return "", err
	}
	return snap.ID, nil
}

// Load returns a snapshot by id. The empty id and "latest" select the
// newest snapshot.
func (p *Persistence) Load(ctx context.Context, id string) (*Snapshot, error) {
	if id == "" || id == "latest" {
		return p.store.Latest(ctx, "")
	}
	return p.store.Get(ctx, id)
}

// Restore loads a snapshot and reconciles it against the live multiplexer.
// Nothing is returned unless reconciliation completes; a CommandFailed
// from the adapter aborts the restore.
func (p *Persistence) Restore(ctx context.Context, id string, adapterFor AdapterFor) (State, Report, error) {
	snap, err := p.Load(ctx, id)
	if err != nil {
		return State{}, Report{}, err
	}
	return Reconcile(ctx, snap, adapterFor)
}

// Reconcile checks each worker's pane binding against ListPanes:
//   - a live pane keeps its binding
//   - a dead pane ends the worker by exit status and releases its key
//   - a missing pane marks an active worker error ("pane lost") and
//     releases its key
//
// A missing session or unavailable backend means every pane is missing.
func Reconcile(ctx context.Context, snap *Snapshot, adapterFor AdapterFor) (State, Report, error) {
	rep := Report{SnapshotID: snap.ID}
	table, err := snap.KeyTable()
	if err != nil {
		return State{}, rep, err
	}

	var panes map[string]model.Pane
	adapter, err := adapterFor(snap.Flow.Backend)
	switch {
	case errors.Is(err, mux.ErrBackendUnavailable):
		rep.SessionMissing = true
	case err != nil:
		return State{}, rep, fmt.Errorf("restore %s: %w", snap.ID, err)
	default:
		list, err := adapter.ListPanes(ctx, snap.SessionName)
		switch {
		case err == nil:
			panes = model.PaneIndex(list)
		case errors.Is(err, mux.ErrPaneNotFound), errors.Is(err, mux.ErrBackendUnavailable):
			rep.SessionMissing = true
		default:
			return State{}, rep, fmt.Errorf("restore %s: list panes: %w", snap.ID, err)
		}
	}

	st := State{
		SessionName: snap.SessionName,
		Flow:        snap.Flow,
		Environment: snap.Environment,
		Layout:      snap.Layout,
		QuickAccess: table,
	}
	if rep.SessionMissing {
		st.Layout = Layout{}
	}

	release := func(w *model.Worker) {
		for k, id := range table {
			if id == w.ID {
				delete(table, k)
				rep.ReleasedKeys = append(rep.ReleasedKeys, k)
			}
		}
		w.QuickAccessKey = 0
	}

	workers := make([]*model.Worker, 0, len(snap.Workers))
	for _, orig := range snap.Workers {
		w := orig.Clone()
		w.QuickAccessKey = 0
		for k, id := range table {
			if id == w.ID {
				w.QuickAccessKey = k
			}
		}
		if w.PaneRef == "" {
			if w.Status.Active() {
				markLost(w)
				release(w)
				rep.Lost = append(rep.Lost, w.ID)
			}
			workers = append(workers, w)
			continue
		}

		pane, ok := panes[w.PaneRef]
		switch {
		case ok && !pane.Dead:
			rep.Kept = append(rep.Kept, w.ID)
		case ok && pane.Dead:
			if w.Status.Active() {
				code := 0
				if pane.ExitStatus != nil {
					code = *pane.ExitStatus
				}
				markExited(w, code)
				rep.Exited = append(rep.Exited, w.ID)
			}
			w.PaneRef = ""
			release(w)
		default:
			if w.Status.Active() {
				markLost(w)
				rep.Lost = append(rep.Lost, w.ID)
			}
			w.PaneRef = ""
			release(w)
		}
		workers = append(workers, w)
	}
	sort.Ints(rep.ReleasedKeys)
	st.Workers = workers
	return st, rep, nil
}

func markLost(w *model.Worker) {
	w.Status = model.StatusError
	w.Error = "pane lost"
	w.PaneRef = ""
	if w.CurrentTask != nil {
		w.CurrentTask.Status = model.StatusError
	}
}

func markExited(w *model.Worker, code int) {
	c := code
	w.ExitCode = &c
	if code == 0 {
		w.Status = model.StatusCompleted
		w.Progress = 100
	} else {
		w.Status = model.StatusError
		w.Error = fmt.Sprintf("exited with status %d", code)
	}
	if w.CurrentTask != nil {
		w.CurrentTask.Status = w.Status
	}
}
