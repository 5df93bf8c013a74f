// Package store is the durable, transactional record of tasks, their status,
// and their history. No other component mutates task state directly: all
// writes flow through transition operations that validate legality, append
// history, and commit atomically. Writers serialize behind a store-level
// mutex plus SQLite IMMEDIATE transactions; readers proceed concurrently.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed state store.
type Store struct {
	db *sql.DB

	// writeMu serializes write transactions. SQLite allows a single writer;
	// taking the mutex before BEGIN IMMEDIATE avoids busy-retry churn and
	// gives history appends a total order per task.
	writeMu sync.Mutex
}

// Open creates a SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and busy timeout.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return finishOpen(ctx, db)
}

// OpenMemory creates an in-memory store for testing.
// Uses a shared cache so multiple connections see the same database.
func OpenMemory(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	return finishOpen(ctx, db)
}

func finishOpen(ctx context.Context, db *sql.DB) (*Store, error) {
	// modernc.org/sqlite doesn't support _foreign_keys in the connection
	// string; enable via PRAGMA instead.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One connection for the serialized write path, one for readers.
	db.SetMaxOpenConns(2)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
