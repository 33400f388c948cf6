// Package worker owns the in-memory worker table and enforces the worker
// lifecycle: pending -> running -> {paused <-> running, completed, error}.
//
// The registry has one writer (the orchestrator, which holds its own lock)
// but guards itself with an RWMutex so status displays can read copies
// concurrently.
package worker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/timvw/orchflow/internal/model"
)

// ErrNotFound is returned when a worker id is unknown.
var ErrNotFound = errors.New("worker not found")

// Registry holds all known workers keyed by id.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*model.Worker
	seq     uint64
	now     func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]*model.Worker),
		now:     time.Now,
	}
}

// SetClock overrides the time source (tests).
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Add inserts w in the pending state and assigns its creation sequence.
func (r *Registry) Add(w *model.Worker) (*model.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.ID == "" {
		return nil, fmt.Errorf("add worker: empty id")
	}
	if _, exists := r.workers[w.ID]; exists {
		return nil, fmt.Errorf("add worker: duplicate id %s", w.ID)
	}
	c := w.Clone()
	r.seq++
	c.Seq = r.seq
	if c.Status == "" {
		c.Status = model.StatusPending
	}
	if c.StartTime.IsZero() {
		c.StartTime = r.now()
	}
	c.LastActivity = c.StartTime
	r.workers[c.ID] = c
	return c.Clone(), nil
}

// Load replaces the whole table with restored workers, keeping their
// sequence numbers. The next Add continues after the highest one.
func (r *Registry) Load(ws []*model.Worker) error {
	next := make(map[string]*model.Worker, len(ws))
	var maxSeq uint64
	for _, w := range ws {
		if w.ID == "" {
			return fmt.Errorf("load: worker with empty id")
		}
		if _, dup := next[w.ID]; dup {
			return fmt.Errorf("load: duplicate worker id %s", w.ID)
		}
		if !w.Status.Valid() {
			return fmt.Errorf("load: worker %s has unknown status %q", w.ID, w.Status)
		}
		next[w.ID] = w.Clone()
		if w.Seq > maxSeq {
			maxSeq = w.Seq
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = next
	r.seq = maxSeq
	return nil
}

// Get returns a copy of the worker.
func (r *Registry) Get(id string) (*model.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return w.Clone(), nil
}

// Remove deletes the worker and returns its final record.
func (r *Registry) Remove(id string) (*model.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.workers, id)
	return w, nil
}

// List returns copies of all workers in creation order.
func (r *Registry) List() []*model.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len returns the number of workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// ByPane returns the worker bound to paneRef.
func (r *Registry) ByPane(paneRef string) (*model.Worker, bool) {
	if paneRef == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.workers {
		if w.PaneRef == paneRef {
			return w.Clone(), true
		}
	}
	return nil, false
}

// Transition moves the worker to status to, or returns a *TransitionError.
// The task status follows the worker status.
func (r *Registry) Transition(id string, to model.Status) (*model.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !CanTransition(w.Status, to) {
		return nil, &TransitionError{WorkerID: id, From: w.Status, To: to}
	}
	w.Status = to
	w.LastActivity = r.now()
	if w.CurrentTask != nil {
		w.CurrentTask.Status = to
	}
	if to == model.StatusCompleted {
		w.Progress = 100
	}
	return w.Clone(), nil
}

// Update applies fn to the stored worker. fn must not change ID, Seq or Status.
func (r *Registry) Update(id string, fn func(w *model.Worker)) (*model.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	origID, origSeq, origStatus := w.ID, w.Seq, w.Status
	fn(w)
	w.ID, w.Seq, w.Status = origID, origSeq, origStatus
	w.LastActivity = r.now()
	return w.Clone(), nil
}

// SetPane records (or clears, with "") the pane binding.
func (r *Registry) SetPane(id, paneRef, backend string) (*model.Worker, error) {
	return r.Update(id, func(w *model.Worker) {
		w.PaneRef = paneRef
		w.Backend = backend
	})
}

// SetKey mirrors the allocator's key for the worker (0 clears it).
func (r *Registry) SetKey(id string, key int) (*model.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	w.QuickAccessKey = key
	return w.Clone(), nil
}

// SetResources records what the worker's pane runs without counting as
// activity.
func (r *Registry) SetResources(id string, res *model.Resources) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if res == nil {
		w.Resources = nil
		return nil
	}
	c := *res
	w.Resources = &c
	return nil
}
