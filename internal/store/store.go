// Package store is the transactional persistence layer: a single SQLite
// database in WAL mode with foreign keys enforced, shared by every
// component that needs to read or write project/plan/task state.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Store owns the single writer connection. Writes are serialized by mu;
// the transaction key in a context lets a nested call reuse the caller's
// transaction instead of deadlocking on mu, so same-caller re-entry
// is a no-op.
type Store struct {
	conn *sql.DB
	mu   sync.Mutex
}

type txKey struct{}

// Open creates or opens the database at path, applies migrations, and
// runs startup recovery.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory %q: %w", dir, err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %q: %w", path, err)
	}

	// A single connection turns SQLite's own single-writer constraint into
	// a cooperative one: every statement, read or write, is already
	// serialized, so the mutex above only needs to arbitrate transaction
	// boundaries, not individual statements.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := runMigrations(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &Store{conn: conn}
	n, err := s.recoverInterrupted(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if n > 0 {
		slog.Info("recovered interrupted tasks on startup", "count", n)
	}

	return s, nil
}

// recoverInterrupted guarantees no process-lifetime state bleeds across
// restarts: tasks left running/queued become failed, and projects left
// executing are parked as paused for a human to resume.
func (s *Store) recoverInterrupted(ctx context.Context) (int64, error) {
	now := formatTimestamp(nowUTC())
	res, err := s.conn.ExecContext(ctx,
		`UPDATE tasks SET status = 'failed', error = 'server restart - task interrupted', updated_at = ?
		 WHERE status IN ('running', 'queued')`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to recover interrupted tasks: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := s.conn.ExecContext(ctx,
		`UPDATE projects SET status = 'paused', updated_at = ? WHERE status = 'executing'`, now); err != nil {
		return n, fmt.Errorf("failed to pause interrupted projects: %w", err)
	}
	return n, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so read/write helpers
// work the same whether or not a transaction is in flight.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.conn
}

// WithTx runs fn inside a transaction. Re-entrant: if ctx already carries
// a transaction (a caller up the stack is already inside WithTx), fn runs
// against that same transaction instead of blocking on mu. A fresh call
// acquires mu so that concurrent top-level callers serialize instead of
// racing on BEGIN.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ExecWrite runs a single write statement. Outside WithTx it auto-commits
// (SQLite's implicit-transaction behavior); inside, it participates in
// the outer transaction.
func (s *Store) ExecWrite(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return s.q(ctx).ExecContext(ctx, query, args...)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.ExecContext(ctx, query, args...)
}

func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.q(ctx).QueryContext(ctx, query, args...)
}

func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.q(ctx).QueryRowContext(ctx, query, args...)
}

func (s *Store) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
