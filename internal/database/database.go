// Package database manages PostgreSQL connections and provides the data access layer.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool and provides query methods.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Ping checks connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// migrationLockID keeps replicas from racing on DDL. "MRD" prefix + 01.
const migrationLockID int64 = 0x4D52_4401

const schema = `
	CREATE TABLE IF NOT EXISTS tenants (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL DEFAULT '',
		subscription_tier  TEXT NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		task_id         TEXT NOT NULL,
		task_type       TEXT NOT NULL,
		tier            TEXT NOT NULL,
		timestamp       TIMESTAMPTZ NOT NULL,
		estimated_cost  DOUBLE PRECISION NOT NULL,
		actual_cost     DOUBLE PRECISION,
		status          TEXT NOT NULL CHECK (status IN ('reserved', 'committed', 'released')),
		reconciled_at   TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS business_contexts (
		business_id  TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		context      JSONB NOT NULL DEFAULT '{}',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS workflow_states (
		business_id        TEXT PRIMARY KEY,
		tenant_id          TEXT NOT NULL,
		current_stage      TEXT NOT NULL,
		route_back_target  TEXT NOT NULL DEFAULT '',
		stage_results      JSONB NOT NULL DEFAULT '{}',
		iterations         JSONB NOT NULL DEFAULT '{}',
		last_error         JSONB,
		version            BIGINT NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL,
		archived_at        TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS stage_results (
		id              TEXT PRIMARY KEY,
		business_id     TEXT NOT NULL,
		stage           TEXT NOT NULL,
		payload_ref     TEXT NOT NULL,
		payload         JSONB,
		completeness    DOUBLE PRECISION,
		route_back_to   TEXT NOT NULL DEFAULT '',
		model_used      TEXT NOT NULL DEFAULT '',
		actual_cost     DOUBLE PRECISION NOT NULL DEFAULT 0,
		reservation_id  TEXT NOT NULL DEFAULT '',
		iteration       INTEGER NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invocations (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		reservation_id  TEXT NOT NULL,
		task_type       TEXT NOT NULL,
		provider        TEXT NOT NULL,
		model           TEXT NOT NULL,
		primary_model   TEXT NOT NULL,
		input_tokens    BIGINT NOT NULL DEFAULT 0,
		output_tokens   BIGINT NOT NULL DEFAULT 0,
		cost_usd        DOUBLE PRECISION NOT NULL DEFAULT 0,
		latency_ms      BIGINT NOT NULL DEFAULT 0,
		attempts        INTEGER NOT NULL DEFAULT 1,
		fell_back       BOOLEAN NOT NULL DEFAULT FALSE,
		timestamp       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_tenant_ts ON ledger_entries(tenant_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_reserved ON ledger_entries(status) WHERE status = 'reserved';
	CREATE INDEX IF NOT EXISTS idx_stage_results_business ON stage_results(business_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_invocations_tenant_id ON invocations(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_invocations_timestamp ON invocations(timestamp);
	CREATE INDEX IF NOT EXISTS idx_invocations_model ON invocations(model);
	`

// Migrate runs database schema migrations.
// An advisory lock prevents concurrent replicas from racing on DDL statements.
func (db *DB) Migrate(ctx context.Context) error {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for migration: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockID) //nolint:errcheck

	if _, err := conn.Exec(ctx, schema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
