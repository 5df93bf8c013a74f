package store

import (
	"context"
	"database/sql"
	"fmt"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Read helpers take a querier so they work both inside and outside a
// write transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a scoped write transaction. All writes inside it commit together
// or not at all. A Tx is only valid for the duration of the
// WithinTransaction callback that produced it.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
	s   *Store
}

// WithinTransaction runs fn inside a single serialized write transaction.
// Either every write fn performs commits, or none do. Used whenever a
// transition has multiple side effects (status change + history append).
func (s *Store) WithinTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{ctx: ctx, tx: sqlTx, s: s}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// nextSeq returns the next monotonic history sequence number for a task.
// Must be called inside a write transaction so concurrent appends can't
// observe the same maximum.
func nextSeq(ctx context.Context, q querier, taskID string) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM task_history WHERE task_id = ?
	`, taskID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next sequence number: %w", err)
	}
	return seq, nil
}
