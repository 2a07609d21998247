package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the tables if needed. Having the migration in code
// keeps the stack self-contained so docker-compose can bootstrap everything.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS meals (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	status TEXT NOT NULL,
	meal_type TEXT,
	eaten_on TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_meals_owner ON meals(owner_id, created_at);

CREATE TABLE IF NOT EXISTS photos (
	id TEXT PRIMARY KEY,
	meal_id TEXT NOT NULL REFERENCES meals(id) ON DELETE CASCADE,
	owner_id TEXT NOT NULL,
	status TEXT NOT NULL,
	task_handle TEXT,
	object_key TEXT NOT NULL,
	comment TEXT,
	locale TEXT,
	result JSONB,
	error_code TEXT,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_photos_meal ON photos(meal_id);
CREATE INDEX IF NOT EXISTS idx_photos_task_handle ON photos(task_handle);

CREATE TABLE IF NOT EXISTS cancellation_events (
	id TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	meal_id TEXT,
	payload JSONB NOT NULL,
	reason TEXT,
	noop BOOLEAN NOT NULL DEFAULT FALSE,
	cancelled_count INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_quotas (
	owner_id TEXT NOT NULL,
	period TEXT NOT NULL,
	used INT NOT NULL DEFAULT 0,
	PRIMARY KEY (owner_id, period)
);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
