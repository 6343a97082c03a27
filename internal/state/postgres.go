package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// #region schema
const pgSchema = `
CREATE TABLE IF NOT EXISTS quality_kv (
	key         TEXT PRIMARY KEY,
	value       BYTEA NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// #endregion schema

// #region postgres-struct
// Querier is the subset of *pgxpool.Pool the adapter uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresKV stores documents in a Postgres table.
type PostgresKV struct {
	q     Querier
	close func()
}

// NewPostgresKV wraps an existing pool or connection.
func NewPostgresKV(q Querier) *PostgresKV {
	return &PostgresKV{q: q}
}

// OpenPostgresKV connects to dsn and creates the table if needed.
func OpenPostgresKV(ctx context.Context, dsn string) (*PostgresKV, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	kv := &PostgresKV{q: pool, close: pool.Close}
	if err := kv.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return kv, nil
}

// Migrate creates the quality_kv table if needed.
func (p *PostgresKV) Migrate(ctx context.Context) error {
	if _, err := p.q.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close releases the pool when the adapter opened it.
func (p *PostgresKV) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}

// #endregion postgres-struct

// #region kv
// Get reads a value. Returns ErrNotFound when the key is absent.
func (p *PostgresKV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.q.QueryRow(ctx, `SELECT value FROM quality_kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set upserts a value.
func (p *PostgresKV) Set(ctx context.Context, key string, value []byte) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO quality_kv (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (p *PostgresKV) Delete(ctx context.Context, key string) error {
	if _, err := p.q.Exec(ctx, `DELETE FROM quality_kv WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// #endregion kv
