package store

import (
	"errors"
	"fmt"

	"github.com/aristath/conductor/internal/task"
)

// ErrNotFound is returned when a task id does not resolve to a live record.
var ErrNotFound = errors.New("task not found")

// InvalidTransitionError reports an attempt to perform an illegal status
// change. It indicates a logic error in the calling component; the store
// leaves state unchanged and the error must propagate.
type InvalidTransitionError struct {
	TaskID string
	From   task.Status
	To     task.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for task %q: %s -> %s", e.TaskID, e.From, e.To)
}

// IsInvalidTransition reports whether err wraps an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
