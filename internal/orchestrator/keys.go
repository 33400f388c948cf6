package orchestrator

import (
	"context"
	"fmt"

	"github.com/timvw/orchflow/internal/quickaccess"
)

// AssignQuickKey binds key (1-9, or 0 for the lowest free) to a worker. A
// worker holds at most one key, and a key held by another worker moves.
// One quickAccessChanged event goes out per changed key.
func (o *Orchestrator) AssignQuickKey(ctx context.Context, identifier string, key int) (int, error) {
	if key != 0 && !quickaccess.ValidKey(key) {
		return 0, fmt.Errorf("%w: %d", quickaccess.ErrInvalidKey, key)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	w, err := o.resolveLocked(identifier)
	if err != nil {
		return 0, err
	}
	if !w.Status.Active() {
		return 0, fmt.Errorf("assign key: worker %s is %s", w.ID, w.Status)
	}
	got, changes, err := o.keys.Assign(w.ID, key)
	if err != nil {
		return 0, err
	}
	o.emitKeyChanges(ctx, changes)
	return got, nil
}

// UnassignQuickKey frees key. It reports whether the key was held.
func (o *Orchestrator) UnassignQuickKey(ctx context.Context, key int) (bool, error) {
	if !quickaccess.ValidKey(key) {
		return false, fmt.Errorf("%w: %d", quickaccess.ErrInvalidKey, key)
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, held := o.keys.Release(key); !held {
		return false, nil
	}
	o.emitKeyChanges(ctx, []quickaccess.Change{{Key: key}})
	return true, nil
}

// QuickKeys returns the current key table.
func (o *Orchestrator) QuickKeys() map[int]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.keys.Table()
}
