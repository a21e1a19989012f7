// The local medium persists entries in a single SQLite table so they survive process restarts. Rows keep their
// insertion sequence, which gives Keys the same order a browser-style storage would report.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	seq   INTEGER PRIMARY KEY AUTOINCREMENT,
	key   TEXT NOT NULL UNIQUE,
	value TEXT NOT NULL
)`

var _ Medium = (*SQLiteMedium)(nil)

// SQLiteMedium stores entries in a SQLite database file.
type SQLiteMedium struct { // Implements Medium.
	db       *sql.DB
	maxBytes int64 // <= 0 is unlimited.
}

// OpenSQLiteMedium opens (or creates) the database at `path`; ":memory:" gives a throwaway database.
// The quota counts key and value bytes, not SQLite's page overhead.
func OpenSQLiteMedium(ctx context.Context, path string, maxBytes int64) (*SQLiteMedium, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite medium %s: %w", path, err)
	}
	// A single connection serializes writers and keeps ":memory:" databases alive between calls.
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize sqlite medium %s: %w", path, err)
		}
	}
	return &SQLiteMedium{db: db, maxBytes: maxBytes}, nil
}

func (s *SQLiteMedium) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteMedium) Set(ctx context.Context, key, value string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin write of %q: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.maxBytes > 0 {
		var used int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(LENGTH(CAST(key AS BLOB)) + LENGTH(CAST(value AS BLOB))), 0) FROM kv WHERE key <> ?`,
			key).Scan(&used); err != nil {
			return fmt.Errorf("failed to measure sqlite medium: %w", err)
		}
		if needed := used + footprint(key, value); needed > s.maxBytes {
			return fmt.Errorf("%w: writing %q needs %d bytes of %d", ErrQuotaExceeded, key, needed, s.maxBytes)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value); err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write of %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteMedium) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteMedium) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteMedium) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		return fmt.Errorf("failed to clear sqlite medium: %w", err)
	}
	return nil
}

func (s *SQLiteMedium) Close() error {
	return s.db.Close()
}
