package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/aristath/conductor/internal/task"
)

// CheckpointHandle identifies an immutable snapshot of a task's state,
// taken before a risky transition. Discarded on successful commit,
// restored-from on failure.
type CheckpointHandle struct {
	ID     string
	TaskID string
}

// checkpointSnapshot is the persisted shape of a task snapshot.
// History rows are append-only and never rolled back.
type checkpointSnapshot struct {
	Status         task.Status `json:"status"`
	Priority       int         `json:"priority"`
	IterationCount int         `json:"iteration_count"`
	MaxIterations  int         `json:"max_iterations"`
	DependencyIDs  []string    `json:"dependency_ids"`
}

// Checkpoint snapshots the task's current state and returns a handle for
// later rollback.
func (s *Store) Checkpoint(ctx context.Context, taskID string) (CheckpointHandle, error) {
	handle := CheckpointHandle{ID: uuid.NewString(), TaskID: taskID}

	err := s.WithinTransaction(ctx, func(tx *Tx) error {
		t, err := getTask(ctx, tx.tx, taskID)
		if err != nil {
			return err
		}

		snap, err := json.Marshal(checkpointSnapshot{
			Status:         t.Status,
			Priority:       t.Priority,
			IterationCount: t.IterationCount,
			MaxIterations:  t.MaxIterations,
			DependencyIDs:  t.DependencyIDs,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint: %w", err)
		}

		_, err = tx.tx.ExecContext(ctx, `
			INSERT INTO checkpoints (id, task_id, snapshot) VALUES (?, ?, ?)
		`, handle.ID, taskID, string(snap))
		if err != nil {
			return fmt.Errorf("failed to insert checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return CheckpointHandle{}, err
	}

	return handle, nil
}

// Rollback restores the task to the checkpointed state, dependency links
// included, and consumes the checkpoint. The restore itself is recorded in
// history.
func (s *Store) Rollback(ctx context.Context, handle CheckpointHandle) error {
	return s.WithinTransaction(ctx, func(tx *Tx) error {
		var raw string
		err := tx.tx.QueryRowContext(ctx, `
			SELECT snapshot FROM checkpoints WHERE id = ? AND task_id = ?
		`, handle.ID, handle.TaskID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checkpoint not found: %s", handle.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to query checkpoint: %w", err)
		}

		var snap checkpointSnapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return fmt.Errorf("failed to unmarshal checkpoint: %w", err)
		}

		if _, err := tx.tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, priority = ?, iteration_count = ?, max_iterations = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, snap.Status, snap.Priority, snap.IterationCount, snap.MaxIterations, handle.TaskID); err != nil {
			return fmt.Errorf("failed to restore task from checkpoint: %w", err)
		}

		if _, err := tx.tx.ExecContext(ctx, `
			DELETE FROM task_dependencies WHERE task_id = ?
		`, handle.TaskID); err != nil {
			return fmt.Errorf("failed to clear dependencies for restore: %w", err)
		}
		for _, depID := range snap.DependencyIDs {
			if _, err := tx.tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)
			`, handle.TaskID, depID); err != nil {
				return fmt.Errorf("failed to restore dependency %s -> %s: %w", handle.TaskID, depID, err)
			}
		}

		to := snap.Status
		if err := appendHistory(ctx, tx.tx, handle.TaskID, historyEntry{
			Kind:   historyKindRollback,
			To:     &to,
			Reason: fmt.Sprintf("rolled back to checkpoint %s", handle.ID),
		}); err != nil {
			return err
		}

		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, handle.ID); err != nil {
			return fmt.Errorf("failed to delete checkpoint: %w", err)
		}
		return nil
	})
}

// Discard drops a checkpoint after a successful commit. Missing handles
// are ignored so discard is safe to call unconditionally.
func (s *Store) Discard(ctx context.Context, handle CheckpointHandle) error {
	return s.WithinTransaction(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, handle.ID)
		if err != nil {
			return fmt.Errorf("failed to discard checkpoint: %w", err)
		}
		return nil
	})
}
