package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the gateway's control-plane PostgreSQL pool. Webhook execution
// traffic never runs through this pool; instances get their own isolated
// pools from the registry.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates the control-plane connection pool.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Modest sizing; the control plane only does credential lookups and
	// audit writes.
	config.MaxConns = 10
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the control-plane pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate creates the gateway tables.
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		// Issued webhook credentials. Rows are never deleted, only
		// status-flipped, so revoked/expired credentials keep audit value.
		`CREATE TABLE IF NOT EXISTS sql_webhooks (
			id TEXT PRIMARY KEY,
			token_digest TEXT NOT NULL UNIQUE,
			owner_id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			tier TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL,
			revoked_at TIMESTAMPTZ,
			ip_allowlist TEXT[] NOT NULL DEFAULT '{}',
			total_requests BIGINT NOT NULL DEFAULT 0,
			successful_requests BIGINT NOT NULL DEFAULT 0,
			failed_requests BIGINT NOT NULL DEFAULT 0,
			last_used_at TIMESTAMPTZ
		);`,

		// Per-day usage buckets with a per-minute jsonb breakdown.
		`CREATE TABLE IF NOT EXISTS webhook_daily_usage (
			webhook_id TEXT NOT NULL REFERENCES sql_webhooks(id),
			day DATE NOT NULL,
			requests BIGINT NOT NULL DEFAULT 0,
			by_minute JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (webhook_id, day)
		);`,

		// Append-only audit trail, one row per gateway request.
		`CREATE TABLE IF NOT EXISTS webhook_audit_log (
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			webhook_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			instance_id TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			query_hash TEXT NOT NULL DEFAULT '',
			query_preview TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT '',
			path TEXT NOT NULL DEFAULT '',
			response_time_ms BIGINT NOT NULL DEFAULT 0,
			status_code INT NOT NULL DEFAULT 0,
			success BOOLEAN NOT NULL DEFAULT false
		);`,

		`CREATE INDEX IF NOT EXISTS idx_sql_webhooks_owner ON sql_webhooks(owner_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sql_webhooks_instance ON sql_webhooks(instance_id);`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_audit_webhook_ts ON webhook_audit_log(webhook_id, ts DESC);`,
	}

	for _, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w\nQuery: %s", err, migration)
		}
	}
	return nil
}
