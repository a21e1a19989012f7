// A Postgres table can back the local scope when several processes should share one durable store.
// Every medium owns one table; the quota check and the write happen in one transaction that locks the table
// against concurrent writers, so two processes can't both squeeze into the last free bytes.

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Medium = (*PostgresMedium)(nil)

// PostgresMedium stores entries in a Postgres table.
type PostgresMedium struct { // Implements Medium.
	pool     *pgxpool.Pool
	table    string // Sanitized, ready to be embedded in statements.
	maxBytes int64  // <= 0 is unlimited.
}

// OpenPostgresMedium connects to `dsn` and creates `table` if needed.
func OpenPostgresMedium(ctx context.Context, dsn, table string, maxBytes int64) (*PostgresMedium, error) {
	if table == "" {
		return nil, errors.New("postgres medium needs a table name")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	medium := &PostgresMedium{pool: pool, table: pgx.Identifier{table}.Sanitize(), maxBytes: maxBytes}
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+medium.table+` (
		seq   BIGSERIAL,
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create table %s: %w", medium.table, err)
	}
	return medium, nil
}

func (p *PostgresMedium) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := p.pool.QueryRow(ctx, `SELECT value FROM `+p.table+` WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %q: %w", key, err)
	}
	return value, nil
}

func (p *PostgresMedium) Set(ctx context.Context, key, value string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin write of %q: %w", key, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if p.maxBytes > 0 {
		if _, err := tx.Exec(ctx, `LOCK TABLE `+p.table+` IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("failed to lock %s: %w", p.table, err)
		}
		var used int64
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(octet_length(key) + octet_length(value)), 0) FROM `+p.table+` WHERE key <> $1`,
			key).Scan(&used); err != nil {
			return fmt.Errorf("failed to measure %s: %w", p.table, err)
		}
		if needed := used + footprint(key, value); needed > p.maxBytes {
			return fmt.Errorf("%w: writing %q needs %d bytes of %d", ErrQuotaExceeded, key, needed, p.maxBytes)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+p.table+` (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value); err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return tx.Commit(ctx)
}

func (p *PostgresMedium) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM `+p.table+` WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

func (p *PostgresMedium) Keys(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT key FROM `+p.table+` ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}

func (p *PostgresMedium) Clear(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM `+p.table); err != nil {
		return fmt.Errorf("failed to clear %s: %w", p.table, err)
	}
	return nil
}

func (p *PostgresMedium) Close() error {
	p.pool.Close()
	return nil
}
