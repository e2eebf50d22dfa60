// ABOUTME: SQLite implementation of the invocation ledger using modernc.org/sqlite
// ABOUTME: Provides append-only audit records with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements InvocationStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite ledger at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

// createSchema creates the invocations table if it doesn't exist.
func (s *SQLiteStore) createSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS invocations (
	id          TEXT PRIMARY KEY,
	client_name TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	request_id  INTEGER NOT NULL,
	method      TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	duration_ms INTEGER NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_invocations_client ON invocations(client_name, started_at DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

// RecordInvocation appends one RPC record to the ledger.
func (s *SQLiteStore) RecordInvocation(ctx context.Context, inv *Invocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invocations (id, client_name, session_id, request_id, method, started_at, duration_ms, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID,
		inv.ClientName,
		inv.SessionID,
		inv.RequestID,
		inv.Method,
		inv.StartedAt.UTC(),
		inv.Duration.Milliseconds(),
		string(inv.Status),
		inv.Error,
	)
	if err != nil {
		return fmt.Errorf("recording invocation: %w", err)
	}
	return nil
}

// ListInvocations returns the most recent invocations for a client,
// newest first. A non-positive limit defaults to 50.
func (s *SQLiteStore) ListInvocations(ctx context.Context, clientName string, limit int) ([]*Invocation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_name, session_id, request_id, method, started_at, duration_ms, status, error
		FROM invocations
		WHERE client_name = ?
		ORDER BY started_at DESC
		LIMIT ?`,
		clientName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing invocations: %w", err)
	}
	defer rows.Close()

	var out []*Invocation
	for rows.Next() {
		var inv Invocation
		var startedAt time.Time
		var durationMS int64
		var status string

		if err := rows.Scan(
			&inv.ID,
			&inv.ClientName,
			&inv.SessionID,
			&inv.RequestID,
			&inv.Method,
			&startedAt,
			&durationMS,
			&status,
			&inv.Error,
		); err != nil {
			return nil, fmt.Errorf("scanning invocation: %w", err)
		}

		inv.StartedAt = startedAt
		inv.Duration = time.Duration(durationMS) * time.Millisecond
		inv.Status = InvocationStatus(status)
		out = append(out, &inv)
	}

	return out, rows.Err()
}

// CountInvocations returns the total number of recorded RPCs for a client.
func (s *SQLiteStore) CountInvocations(ctx context.Context, clientName string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM invocations WHERE client_name = ?`, clientName,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting invocations: %w", err)
	}
	return count, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
