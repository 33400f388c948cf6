package quickaccess

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

// checkInvariants verifies that keys are within range and no worker holds two keys.
func checkInvariants(t *testing.T, a *Allocator) {
	t.Helper()
	seen := map[string]int{}
	for k, id := range a.Table() {
		if !ValidKey(k) {
			t.Fatalf("key %d out of range", k)
		}
		if prev, ok := seen[id]; ok {
			t.Fatalf("worker %s holds keys %d and %d", id, prev, k)
		}
		seen[id] = k
	}
}

func TestAssignLowestFree(t *testing.T) {
	a := New()
	for i := 1; i <= 9; i++ {
		k, _, err := a.Assign(fmt.Sprintf("w%d", i), 0)
		if err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
		if k != i {
			t.Errorf("assign %d got key %d", i, k)
		}
	}
	checkInvariants(t, a)

	if _, _, err := a.Assign("w10", 0); !errors.Is(err, ErrNoKeysAvailable) {
		t.Fatalf("expected ErrNoKeysAvailable, got %v", err)
	}

	a.Release(4)
	k, _, err := a.Assign("w10", 0)
	if err != nil || k != 4 {
		t.Fatalf("after release got key %d err %v, want 4", k, err)
	}
}

func TestAssignExplicitKeyLastAssignmentWins(t *testing.T) {
	a := New()
	if _, _, err := a.Assign("A", 5); err != nil {
		t.Fatal(err)
	}
	if got := a.Displaced("B", 5); got != "A" {
		t.Errorf("Displaced = %q, want A", got)
	}
	_, changes, err := a.Assign("B", 5)
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := a.Resolve(5); id != "B" {
		t.Errorf("Resolve(5) = %q, want B", id)
	}
	if a.KeyOf("A") != 0 {
		t.Errorf("A should no longer hold a key")
	}
	want := []Change{{Key: 5, WorkerID: "B"}}
	if !reflect.DeepEqual(changes, want) {
		t.Errorf("changes = %+v, want %+v", changes, want)
	}
	checkInvariants(t, a)
}

func TestReassignReleasesPreviousKey(t *testing.T) {
	a := New()
	a.Assign("A", 2)
	_, changes, err := a.Assign("A", 7)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := a.Resolve(2); ok {
		t.Errorf("key 2 should be free")
	}
	want := []Change{{Key: 2}, {Key: 7, WorkerID: "A"}}
	if !reflect.DeepEqual(changes, want) {
		t.Errorf("changes = %+v, want %+v", changes, want)
	}

	// Auto-assign for a worker that already holds a key keeps it.
	k, changes, _ := a.Assign("A", 0)
	if k != 7 || changes != nil {
		t.Errorf("auto assign for holder = %d %+v", k, changes)
	}
	checkInvariants(t, a)
}

func TestAssignRejectsInvalidKeys(t *testing.T) {
	a := New()
	for _, k := range []int{-1, 10, 42} {
		if _, _, err := a.Assign("A", k); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Assign(%d): expected ErrInvalidKey, got %v", k, err)
		}
	}
	if _, _, err := a.Assign("", 1); err == nil {
		t.Errorf("expected error for empty worker id")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	a := New()
	a.Assign("A", 3)
	if id, ok := a.Release(3); !ok || id != "A" {
		t.Errorf("first release = %q %v", id, ok)
	}
	if _, ok := a.Release(3); ok {
		t.Errorf("second release should report nothing")
	}
	if _, ok := a.Release(0); ok {
		t.Errorf("release of invalid key should report nothing")
	}

	a.Assign("B", 0)
	if k, ok := a.ReleaseWorker("B"); !ok || k != 1 {
		t.Errorf("ReleaseWorker = %d %v", k, ok)
	}
	if _, ok := a.ReleaseWorker("B"); ok {
		t.Errorf("second ReleaseWorker should report nothing")
	}
}

func TestRandomSequencePreservesInvariants(t *testing.T) {
	a := New()
	ops := []struct {
		op  string
		id  string
		key int
	}{
		{"assign", "A", 0}, {"assign", "B", 0}, {"assign", "C", 5},
		{"assign", "A", 5}, {"release", "", 1}, {"assign", "D", 0},
		{"releaseWorker", "C", 0}, {"assign", "B", 9}, {"assign", "E", 9},
		{"assign", "F", 0}, {"release", "", 9}, {"assign", "A", 1},
	}
	for _, op := range ops {
		switch op.op {
		case "assign":
			a.Assign(op.id, op.key)
		case "release":
			a.Release(op.key)
		case "releaseWorker":
			a.ReleaseWorker(op.id)
		}
		checkInvariants(t, a)
	}
}

func TestRestore(t *testing.T) {
	a := New()
	if err := a.Restore(map[int]string{1: "A", 4: "B"}); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a.Keys(), []int{1, 4}) {
		t.Errorf("Keys = %v", a.Keys())
	}
	if !reflect.DeepEqual(a.Free(), []int{2, 3, 5, 6, 7, 8, 9}) {
		t.Errorf("Free = %v", a.Free())
	}

	if err := a.Restore(map[int]string{1: "A", 2: "A"}); err == nil {
		t.Errorf("expected duplicate worker error")
	}
	if err := a.Restore(map[int]string{12: "A"}); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	// Failed restores leave the table untouched.
	if id, _ := a.Resolve(4); id != "B" {
		t.Errorf("table changed after failed restore")
	}
}
