// Package quickaccess maps the numeric keys 1-9 to worker ids.
//
// The allocator is not safe for concurrent use; the orchestrator owns it
// and serialises access.
package quickaccess

import (
	"errors"
	"fmt"
	"sort"
)

const (
	MinKey = 1
	MaxKey = 9
)

var (
	// ErrNoKeysAvailable is returned when all nine keys are held.
	ErrNoKeysAvailable = errors.New("no quick-access keys available")
	// ErrInvalidKey is returned for keys outside 1-9.
	ErrInvalidKey = errors.New("quick-access key out of range")
)

// Change describes one key whose holder changed. WorkerID is empty when
// the key became free.
type Change struct {
	Key      int
	WorkerID string
}

// Allocator is the authoritative key -> worker table.
type Allocator struct {
	keys [MaxKey + 1]string
}

// New returns an empty allocator.
func New() *Allocator {
	return &Allocator{}
}

// ValidKey reports whether k is within 1-9.
func ValidKey(k int) bool {
	return k >= MinKey && k <= MaxKey
}

// Assign binds workerID to key. A key of 0 picks the lowest free key.
// A worker holds at most one key: its previous key is released. If key is
// held by another worker, that worker loses it. The returned changes list
// every key whose holder changed, in the order they happened.
func (a *Allocator) Assign(workerID string, key int) (int, []Change, error) {
	if workerID == "" {
		return 0, nil, fmt.Errorf("assign: empty worker id")
	}
	if key == 0 {
		if cur := a.KeyOf(workerID); cur != 0 {
			return cur, nil, nil
		}
		key = a.lowestFree()
		if key == 0 {
			return 0, nil, ErrNoKeysAvailable
		}
	}
	if !ValidKey(key) {
		return 0, nil, fmt.Errorf("%w: %d", ErrInvalidKey, key)
	}
	if a.keys[key] == workerID {
		return key, nil, nil
	}

	var changes []Change
	if prev := a.KeyOf(workerID); prev != 0 {
		a.keys[prev] = ""
		changes = append(changes, Change{Key: prev})
	}
	a.keys[key] = workerID
	changes = append(changes, Change{Key: key, WorkerID: workerID})
	return key, changes, nil
}

// Displaced returns the worker currently holding key, if it is not workerID.
// Callers use it before Assign to learn who will lose the key.
func (a *Allocator) Displaced(workerID string, key int) string {
	if !ValidKey(key) {
		return ""
	}
	if h := a.keys[key]; h != workerID {
		return h
	}
	return ""
}

// Release frees key. It reports whether anything was held.
func (a *Allocator) Release(key int) (string, bool) {
	if !ValidKey(key) || a.keys[key] == "" {
		return "", false
	}
	prev := a.keys[key]
	a.keys[key] = ""
	return prev, true
}

// ReleaseWorker frees whatever key workerID holds.
func (a *Allocator) ReleaseWorker(workerID string) (int, bool) {
	k := a.KeyOf(workerID)
	if k == 0 {
		return 0, false
	}
	a.keys[k] = ""
	return k, true
}

// Resolve returns the worker bound to key.
func (a *Allocator) Resolve(key int) (string, bool) {
	if !ValidKey(key) || a.keys[key] == "" {
		return "", false
	}
	return a.keys[key], true
}

// KeyOf returns the key held by workerID, or 0.
func (a *Allocator) KeyOf(workerID string) int {
	if workerID == "" {
		return 0
	}
	for k := MinKey; k <= MaxKey; k++ {
		if a.keys[k] == workerID {
			return k
		}
	}
	return 0
}

// Free returns the unassigned keys in ascending order.
func (a *Allocator) Free() []int {
	var free []int
	for k := MinKey; k <= MaxKey; k++ {
		if a.keys[k] == "" {
			free = append(free, k)
		}
	}
	return free
}

// Table returns a copy of the current bindings.
func (a *Allocator) Table() map[int]string {
	t := make(map[int]string)
	for k := MinKey; k <= MaxKey; k++ {
		if a.keys[k] != "" {
			t[k] = a.keys[k]
		}
	}
	return t
}

// Keys returns the held keys in ascending order.
func (a *Allocator) Keys() []int {
	t := a.Table()
	keys := make([]int, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// Restore replaces the table. It rejects out-of-range keys and workers
// bound to more than one key, leaving the allocator untouched.
func (a *Allocator) Restore(table map[int]string) error {
	var next [MaxKey + 1]string
	seen := make(map[string]int)
	for k, id := range table {
		if !ValidKey(k) {
			return fmt.Errorf("%w: %d", ErrInvalidKey, k)
		}
		if id == "" {
			continue
		}
		if other, dup := seen[id]; dup {
			return fmt.Errorf("worker %s bound to keys %d and %d", id, other, k)
		}
		seen[id] = k
		next[k] = id
	}
	a.keys = next
	return nil
}

func (a *Allocator) lowestFree() int {
	for k := MinKey; k <= MaxKey; k++ {
		if a.keys[k] == "" {
			return k
		}
	}
	return 0
}
