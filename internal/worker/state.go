package worker

import (
	"errors"
	"fmt"

	"github.com/timvw/orchflow/internal/model"
)

// ErrInvalidTransition is matched by every *TransitionError.
var ErrInvalidTransition = errors.New("invalid worker state transition")

// TransitionError reports a rejected state change.
type TransitionError struct {
	WorkerID string
	From     model.Status
	To       model.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("worker %s: cannot go from %s to %s", e.WorkerID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var transitions = map[model.Status][]model.Status{
	model.StatusPending: {model.StatusRunning, model.StatusError},
	model.StatusRunning: {model.StatusPaused, model.StatusCompleted, model.StatusError},
	model.StatusPaused:  {model.StatusRunning, model.StatusCompleted, model.StatusError},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
