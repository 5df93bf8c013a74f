package store

import (
	"context"
	"fmt"

	"github.com/aristath/conductor/internal/task"
)

// Cause identifies why a transition happened. The ID makes replays
// detectable: a transition already applied with the same cause id is a
// no-op returning the unchanged current state, not an error.
type Cause struct {
	ID        string // Unique per logical transition attempt
	Reason    string // Human-readable reason ("claim", "decision:retry", "pause", ...)
	ErrorKind string // Optional error classification that drove the transition
	Message   string // Optional detail (validator issues, error text)
}

// Transition moves a task to a new status, validating legality against the
// current status and appending a history entry, all in one transaction.
func (s *Store) Transition(ctx context.Context, taskID string, to task.Status, cause Cause) (*task.Task, error) {
	var result *task.Task
	err := s.WithinTransaction(ctx, func(tx *Tx) error {
		t, err := tx.Transition(taskID, to, cause)
		if err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Transition is the in-transaction variant, for callers that bundle a
// transition with other side effects.
func (tx *Tx) Transition(taskID string, to task.Status, cause Cause) (*task.Task, error) {
	t, err := getTask(tx.ctx, tx.tx, taskID)
	if err != nil {
		return nil, err
	}

	// Idempotent replay: if this cause was already applied, return the
	// current state untouched.
	applied, err := causeApplied(tx.ctx, tx.tx, taskID, cause.ID)
	if err != nil {
		return nil, err
	}
	if applied {
		return t, nil
	}

	if !task.CanTransition(t.Status, to) {
		return nil, &InvalidTransitionError{TaskID: taskID, From: t.Status, To: to}
	}

	if _, err := tx.tx.ExecContext(tx.ctx, `
		UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, to, taskID); err != nil {
		return nil, fmt.Errorf("failed to update task status: %w", err)
	}

	from := t.Status
	if err := appendHistory(tx.ctx, tx.tx, taskID, historyEntry{
		Kind:      historyKindTransition,
		From:      &from,
		To:        &to,
		CauseID:   cause.ID,
		Reason:    cause.Reason,
		ErrorKind: cause.ErrorKind,
		Message:   cause.Message,
	}); err != nil {
		return nil, err
	}

	t.Status = to
	return t, nil
}

// Claim atomically moves a ready task to RUNNING. Returns false without
// error when another execution context already claimed it; the scheduler
// simply moves on to the next candidate.
func (s *Store) Claim(ctx context.Context, taskID string, cause Cause) (bool, error) {
	claimed := false
	err := s.WithinTransaction(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND deleted = 0 AND status IN (?, ?)
		`, task.StatusRunning, taskID, task.StatusPending, task.StatusReady)
		if err != nil {
			return fmt.Errorf("failed to claim task: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return nil // Lost the claim; not an error
		}

		claimed = true
		to := task.StatusRunning
		return appendHistory(ctx, tx.tx, taskID, historyEntry{
			Kind:    historyKindTransition,
			To:      &to,
			CauseID: cause.ID,
			Reason:  cause.Reason,
		})
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// IncrementIteration bumps the task's iteration counter and records it in
// history. Returns the new count.
func (tx *Tx) IncrementIteration(taskID string) (int, error) {
	t, err := getTask(tx.ctx, tx.tx, taskID)
	if err != nil {
		return 0, err
	}

	count := t.IterationCount + 1
	if _, err := tx.tx.ExecContext(tx.ctx, `
		UPDATE tasks SET iteration_count = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, count, taskID); err != nil {
		return 0, fmt.Errorf("failed to increment iteration count: %w", err)
	}

	if err := appendHistory(tx.ctx, tx.tx, taskID, historyEntry{
		Kind:   historyKindIteration,
		Reason: fmt.Sprintf("iteration %d", count),
	}); err != nil {
		return 0, err
	}

	return count, nil
}

// AppendError records an error against the task's ordered error history.
func (tx *Tx) AppendError(taskID, kind, message string) error {
	return appendHistory(tx.ctx, tx.tx, taskID, historyEntry{
		Kind:      historyKindError,
		ErrorKind: kind,
		Message:   message,
	})
}

// AppendError is the standalone variant wrapping a single-write transaction.
func (s *Store) AppendError(ctx context.Context, taskID, kind, message string) error {
	return s.WithinTransaction(ctx, func(tx *Tx) error {
		return tx.AppendError(taskID, kind, message)
	})
}

// AppendNote records free-form guidance against the task's history, e.g.
// human input supplied when resuming a blocked task.
func (s *Store) AppendNote(ctx context.Context, taskID, message string) error {
	return s.WithinTransaction(ctx, func(tx *Tx) error {
		return appendHistory(tx.ctx, tx.tx, taskID, historyEntry{
			Kind:    historyKindNote,
			Message: message,
		})
	})
}
