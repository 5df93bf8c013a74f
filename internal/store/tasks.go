package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/aristath/conductor/internal/task"
)

// Create inserts a new task in PENDING status and returns its id.
// A missing id is generated; dependency links are persisted alongside.
func (s *Store) Create(ctx context.Context, t *task.Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status != task.StatusPending {
		t.Status = task.StatusPending
	}

	err := s.WithinTransaction(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO tasks (id, project_id, title, description, priority, status, iteration_count, max_iterations)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.ProjectID, t.Title, t.Description, t.Priority, t.Status, t.IterationCount, t.MaxIterations)
		if err != nil {
			return fmt.Errorf("failed to insert task: %w", err)
		}

		for _, depID := range t.DependencyIDs {
			if depID == t.ID {
				return fmt.Errorf("task %s cannot depend on itself", t.ID)
			}

			var exists int
			err := tx.tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ? AND deleted = 0`, depID).Scan(&exists)
			if err == sql.ErrNoRows {
				return fmt.Errorf("dependency task %s does not exist", depID)
			}
			if err != nil {
				return fmt.Errorf("failed to check dependency existence: %w", err)
			}

			_, err = tx.tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)
			`, t.ID, depID)
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, depID, err)
			}
		}

		return appendHistory(ctx, tx.tx, t.ID, historyEntry{
			Kind:    historyKindTransition,
			To:      statusPtr(task.StatusPending),
			CauseID: uuid.NewString(),
			Reason:  "created",
		})
	})
	if err != nil {
		return "", err
	}

	return t.ID, nil
}

// Get retrieves a live task by id, including dependencies and error history.
func (s *Store) Get(ctx context.Context, taskID string) (*task.Task, error) {
	return getTask(ctx, s.db, taskID)
}

// Get retrieves a task inside the transaction.
func (tx *Tx) Get(taskID string) (*task.Task, error) {
	return getTask(tx.ctx, tx.tx, taskID)
}

func getTask(ctx context.Context, q querier, taskID string) (*task.Task, error) {
	t := &task.Task{}
	var deleted int

	err := q.QueryRowContext(ctx, `
		SELECT id, project_id, title, description, priority, status, iteration_count, max_iterations, deleted, created_at, updated_at
		FROM tasks
		WHERE id = ?
	`, taskID).Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Priority, &t.Status,
		&t.IterationCount, &t.MaxIterations, &deleted, &t.CreatedAt, &t.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	t.Deleted = deleted != 0
	if t.Deleted {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	if t.DependencyIDs, err = loadDependencies(ctx, q, taskID); err != nil {
		return nil, err
	}
	if t.ErrorHistory, err = loadErrorHistory(ctx, q, taskID); err != nil {
		return nil, err
	}

	return t, nil
}

func loadDependencies(ctx context.Context, q querier, taskID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	deps := []string{}
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return deps, nil
}

func loadErrorHistory(ctx context.Context, q querier, taskID string) ([]task.ErrorRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT error_kind, message, created_at
		FROM task_history
		WHERE task_id = ? AND kind = ?
		ORDER BY seq
	`, taskID, historyKindError)
	if err != nil {
		return nil, fmt.Errorf("failed to query error history: %w", err)
	}
	defer rows.Close()

	var records []task.ErrorRecord
	for rows.Next() {
		var rec task.ErrorRecord
		if err := rows.Scan(&rec.Kind, &rec.Message, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan error record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating error history: %w", err)
	}

	return records, nil
}

// ListProject returns all live tasks for a project ordered by creation time.
func (s *Store) ListProject(ctx context.Context, projectID string) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE project_id = ? AND deleted = 0 ORDER BY created_at, id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := getTask(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, nil
}

// AddDependency persists a dependency link between two existing tasks.
// Graph-level validation (cycles, depth, projects) happens in the
// dependency graph before this is called; the store only enforces that
// both endpoints exist.
func (s *Store) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	return s.WithinTransaction(ctx, func(tx *Tx) error {
		for _, id := range []string{taskID, dependsOnID} {
			var exists int
			err := tx.tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ? AND deleted = 0`, id).Scan(&exists)
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			if err != nil {
				return fmt.Errorf("failed to check task existence: %w", err)
			}
		}

		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)
			ON CONFLICT(task_id, depends_on_id) DO NOTHING
		`, taskID, dependsOnID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency: %w", err)
		}
		return nil
	})
}

// Delete soft-deletes a task. The record stays addressable in the database
// for audit but disappears from Get and ListProject.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	return s.WithinTransaction(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `
			UPDATE tasks SET deleted = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND deleted = 0
		`, taskID)
		if err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return nil
	})
}

func statusPtr(s task.Status) *task.Status { return &s }
