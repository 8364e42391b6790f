// Package postgres - database migrations
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration represents a single database migration
type Migration struct {
	Name       string
	Statements []string
}

// migrationsList is the ordered list of all migrations to run. Applied
// migrations are tracked by name in schema_migrations and never re-run.
var migrationsList = []Migration{
	{"initial_schema", []string{
		`CREATE TABLE IF NOT EXISTS channels (
			id BIGSERIAL PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			display_order INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT true,
			pricing_policy TEXT NOT NULL DEFAULT 'internal',
			edit_policy TEXT NOT NULL DEFAULT 'open',
			config JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id BIGSERIAL PRIMARY KEY,
			session_key TEXT NOT NULL UNIQUE,
			channel_id BIGINT NOT NULL REFERENCES channels(id),
			handle_type TEXT NOT NULL DEFAULT '',
			handle_ref TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'open',
			pricing_policy TEXT NOT NULL,
			edit_policy TEXT NOT NULL,
			rev BIGINT NOT NULL DEFAULT 0,
			items JSONB NOT NULL DEFAULT '[]',
			pricing JSONB NOT NULL DEFAULT '{}',
			pricing_trace JSONB NOT NULL DEFAULT '[]',
			data JSONB NOT NULL DEFAULT '{}',
			opened_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			committed_at TIMESTAMPTZ,
			commit_token TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open_handle
			ON sessions(channel_id, handle_type, handle_ref)
			WHERE state = 'open' AND handle_type <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_channel_state ON sessions(channel_id, state)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id BIGSERIAL PRIMARY KEY,
			ref TEXT NOT NULL UNIQUE,
			channel_id BIGINT NOT NULL REFERENCES channels(id),
			session_key TEXT NOT NULL DEFAULT '',
			handle_type TEXT NOT NULL DEFAULT '',
			handle_ref TEXT NOT NULL DEFAULT '',
			external_ref TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'new',
			snapshot JSONB NOT NULL DEFAULT '{}',
			currency TEXT NOT NULL DEFAULT 'BRL',
			total_q BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			confirmed_at TIMESTAMPTZ,
			processing_at TIMESTAMPTZ,
			ready_at TIMESTAMPTZ,
			dispatched_at TIMESTAMPTZ,
			delivered_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ,
			returned_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_channel_status ON orders(channel_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_external_ref ON orders(external_ref)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_session_key ON orders(session_key)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id BIGSERIAL PRIMARY KEY,
			order_id BIGINT NOT NULL REFERENCES orders(id),
			line_id TEXT NOT NULL,
			sku TEXT NOT NULL,
			qty NUMERIC(12,3) NOT NULL CHECK (qty > 0),
			unit_price_q BIGINT,
			line_total_q BIGINT NOT NULL DEFAULT 0,
			name TEXT NOT NULL DEFAULT '',
			meta JSONB NOT NULL DEFAULT '{}',
			UNIQUE(order_id, line_id)
		)`,
		`CREATE TABLE IF NOT EXISTS order_events (
			id BIGSERIAL PRIMARY KEY,
			order_id BIGINT NOT NULL REFERENCES orders(id),
			type TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id, id)`,
		`CREATE TABLE IF NOT EXISTS directives (
			id BIGSERIAL PRIMARY KEY,
			topic TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			payload JSONB NOT NULL DEFAULT '{}',
			attempts INTEGER NOT NULL DEFAULT 0,
			available_at TIMESTAMPTZ NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_directives_poll ON directives(status, topic, available_at)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			id BIGSERIAL PRIMARY KEY,
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'in_progress',
			response_code INTEGER NOT NULL DEFAULT 0,
			response_body JSONB,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE(scope, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at)`,
	}},
	{"refs_tables", []string{
		`CREATE TABLE IF NOT EXISTS refs (
			id BIGSERIAL PRIMARY KEY,
			ref_type TEXT NOT NULL,
			target_kind TEXT NOT NULL,
			target_id BIGINT NOT NULL,
			value TEXT NOT NULL,
			scope JSONB NOT NULL DEFAULT '{}',
			scope_hash TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refs_lookup ON refs(ref_type, value, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_refs_target ON refs(target_kind, target_id, is_active)`,
		`CREATE TABLE IF NOT EXISTS ref_sequences (
			id BIGSERIAL PRIMARY KEY,
			sequence_name TEXT NOT NULL,
			scope_hash TEXT NOT NULL DEFAULT '',
			value BIGINT NOT NULL DEFAULT 0,
			UNIQUE(sequence_name, scope_hash)
		)`,
	}},
	{"fulfillment_tables", []string{
		`CREATE TABLE IF NOT EXISTS fulfillments (
			id BIGSERIAL PRIMARY KEY,
			order_id BIGINT NOT NULL REFERENCES orders(id),
			status TEXT NOT NULL DEFAULT 'pending',
			tracking TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fulfillments_order ON fulfillments(order_id)`,
		`CREATE TABLE IF NOT EXISTS fulfillment_items (
			id BIGSERIAL PRIMARY KEY,
			fulfillment_id BIGINT NOT NULL REFERENCES fulfillments(id),
			line_id TEXT NOT NULL,
			qty NUMERIC(12,3) NOT NULL
		)`,
	}},
}

// migrationLockID serializes migrations across processes sharing the
// database via an advisory lock.
const migrationLockID = 0x6f6d6e69 // "omni"

// runMigrations applies all pending migrations in order inside one
// transaction holding an advisory lock, so concurrent starts do not race.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	for _, m := range migrationsList {
		if err := applyMigration(ctx, tx, m); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	return nil
}

func applyMigration(ctx context.Context, tx pgx.Tx, m Migration) error {
	var n int
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE name = $1`, m.Name).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to check migration %s: %w", m.Name, err)
	}
	if n > 0 {
		return nil
	}
	for _, stmt := range m.Statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, m.Name); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", m.Name, err)
	}
	return nil
}
