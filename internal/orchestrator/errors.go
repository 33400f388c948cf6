package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkerNotFound means no worker matches the id, key or name given.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrNoPane means the worker has no pane binding (it exited or its pane was lost).
	ErrNoPane = errors.New("worker has no pane")
	// ErrNoMatch means connect found no worker; the result carries suggestions.
	ErrNoMatch = errors.New("no matching worker")
	// ErrKeyUnassigned means no worker holds the quick-access key.
	ErrKeyUnassigned = errors.New("quick-access key unassigned")
	// ErrNotSetUp means no backend has been selected yet (run setup or restore first).
	ErrNotSetUp = errors.New("orchestrator not set up")
	// ErrUnsupported means the active backend lacks the capability.
	ErrUnsupported = errors.New("not supported by backend")
)

// SpawnError reports which stage of a spawn failed. The worker record and
// its key have already been rolled back when it is returned.
type SpawnError struct {
	WorkerID string
	Stage    string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker %s: %s: %v", e.WorkerID, e.Stage, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
