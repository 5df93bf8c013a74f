package task

import (
	"time"
)

// Status represents the lifecycle state of a task.
type Status int

const (
	StatusPending             Status = iota // Created, dependencies not yet evaluated
	StatusReady                             // All dependencies completed, waiting for a claim
	StatusRunning                           // Claimed by an iteration loop
	StatusAwaitingValidation                // Worker output produced, validator pending
	StatusBlockedOnDependency               // At least one dependency incomplete
	StatusBlockedOnHuman                    // Parked for human intervention
	StatusCompleted                         // Terminal: validated and accepted
	StatusFailed                            // Terminal: permanent failure
	StatusCancelled                         // Terminal: externally cancelled
)

// String returns the canonical name for a status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusReady:
		return "READY"
	case StatusRunning:
		return "RUNNING"
	case StatusAwaitingValidation:
		return "AWAITING_VALIDATION"
	case StatusBlockedOnDependency:
		return "BLOCKED_ON_DEPENDENCY"
	case StatusBlockedOnHuman:
		return "BLOCKED_ON_HUMAN"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ErrorRecord is one entry in a task's error history.
type ErrorRecord struct {
	Timestamp time.Time
	Kind      string
	Message   string
}

// Task is a unit of work owned by the state store.
// Mutations happen exclusively through store transition operations.
type Task struct {
	ID             string
	ProjectID      string
	Title          string
	Description    string // Opaque payload forwarded to the worker
	Priority       int    // Higher runs first
	DependencyIDs  []string
	Status         Status
	IterationCount int
	MaxIterations  int
	ErrorHistory   []ErrorRecord
	Deleted        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone returns a deep copy so callers can't mutate store-owned state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	if t.DependencyIDs != nil {
		cp.DependencyIDs = append([]string(nil), t.DependencyIDs...)
	}
	if t.ErrorHistory != nil {
		cp.ErrorHistory = append([]ErrorRecord(nil), t.ErrorHistory...)
	}
	return &cp
}
