package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/task"
)

// History entry kinds. Error records are history rows too, so one
// monotonic sequence orders everything that happened to a task.
const (
	historyKindTransition = "transition"
	historyKindError      = "error"
	historyKindIteration  = "iteration"
	historyKindRollback   = "rollback"
	historyKindNote       = "note"
)

// Exported history kind names for callers filtering History results.
const (
	HistoryKindTransition = historyKindTransition
	HistoryKindError      = historyKindError
	HistoryKindIteration  = historyKindIteration
	HistoryKindRollback   = historyKindRollback
	HistoryKindNote       = historyKindNote
)

// HistoryEntry is one audit record for a task, ordered by Seq.
type HistoryEntry struct {
	Seq       int64
	Kind      string
	From      *task.Status
	To        *task.Status
	CauseID   string
	Reason    string
	ErrorKind string
	Message   string
	CreatedAt time.Time
}

// historyEntry is the write-side shape; Seq is assigned on append.
type historyEntry struct {
	Kind      string
	From      *task.Status
	To        *task.Status
	CauseID   string
	Reason    string
	ErrorKind string
	Message   string
}

// appendHistory inserts a history row with the next sequence number.
// Must run inside a write transaction.
func appendHistory(ctx context.Context, q querier, taskID string, e historyEntry) error {
	seq, err := nextSeq(ctx, q, taskID)
	if err != nil {
		return err
	}

	var from, to any
	if e.From != nil {
		from = int(*e.From)
	}
	if e.To != nil {
		to = int(*e.To)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO task_history (task_id, seq, kind, status_from, status_to, cause_id, reason, error_kind, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, taskID, seq, e.Kind, from, to, e.CauseID, e.Reason, e.ErrorKind, e.Message)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	return nil
}

// causeApplied reports whether a history row with the given cause id
// already exists for the task. Used for idempotent replay detection.
func causeApplied(ctx context.Context, q querier, taskID, causeID string) (bool, error) {
	if causeID == "" {
		return false, nil
	}

	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM task_history WHERE task_id = ? AND cause_id = ?
	`, taskID, causeID).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check cause id: %w", err)
}

// History returns the full audit trail for a task ordered by sequence number.
func (s *Store) History(ctx context.Context, taskID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, status_from, status_to, cause_id, reason, error_kind, message, created_at
		FROM task_history
		WHERE task_id = ?
		ORDER BY seq
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var from, to *int
		if err := rows.Scan(&e.Seq, &e.Kind, &from, &to, &e.CauseID, &e.Reason, &e.ErrorKind, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		if from != nil {
			s := task.Status(*from)
			e.From = &s
		}
		if to != nil {
			s := task.Status(*to)
			e.To = &s
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	return entries, nil
}
