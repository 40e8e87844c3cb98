// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is the subset of pgxpool.Pool the stores use. pgxmock pools
// satisfy it too.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Connect opens a pgx pool from the config.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS snap_jobs (
	id          TEXT PRIMARY KEY,
	queue       TEXT NOT NULL,
	payload     JSONB NOT NULL,
	fingerprint TEXT NOT NULL,
	state       TEXT NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	run_at      TIMESTAMPTZ NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL,
	cancelled   BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE UNIQUE INDEX IF NOT EXISTS snap_jobs_fingerprint_uniq ON snap_jobs (fingerprint)
	WHERE NOT cancelled AND queue <> 'syncCrawler';
CREATE INDEX IF NOT EXISTS snap_jobs_claim_idx ON snap_jobs (queue, state, run_at);

CREATE TABLE IF NOT EXISTS snap_snapshots (
	job_id        TEXT PRIMARY KEY,
	url           TEXT NOT NULL,
	status        TEXT NOT NULL,
	html          TEXT NOT NULL DEFAULT '',
	screenshot    TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	last_modified TEXT NOT NULL DEFAULT '',
	replace       BOOLEAN NOT NULL DEFAULT FALSE,
	meta          JSONB NOT NULL DEFAULT '{}',
	options       JSONB NOT NULL DEFAULT '{}',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS snap_snapshots_url_idx ON snap_snapshots (url);
`

// Migrate creates the tables and indexes if they do not exist.
func Migrate(ctx context.Context, pool Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
