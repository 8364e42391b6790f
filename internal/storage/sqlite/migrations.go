// Package sqlite - database migrations
package sqlite

import (
	"database/sql"
	"fmt"
	"time"
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
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			display_order INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			pricing_policy TEXT NOT NULL DEFAULT 'internal',
			edit_policy TEXT NOT NULL DEFAULT 'open',
			config TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL UNIQUE,
			channel_id INTEGER NOT NULL REFERENCES channels(id),
			handle_type TEXT NOT NULL DEFAULT '',
			handle_ref TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'open',
			pricing_policy TEXT NOT NULL,
			edit_policy TEXT NOT NULL,
			rev INTEGER NOT NULL DEFAULT 0,
			items TEXT NOT NULL DEFAULT '[]',
			pricing TEXT NOT NULL DEFAULT '{}',
			pricing_trace TEXT NOT NULL DEFAULT '[]',
			data TEXT NOT NULL DEFAULT '{}',
			opened_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			committed_at TEXT,
			commit_token TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open_handle
			ON sessions(channel_id, handle_type, handle_ref)
			WHERE state = 'open' AND handle_type != ''`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_channel_state ON sessions(channel_id, state)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ref TEXT NOT NULL UNIQUE,
			channel_id INTEGER NOT NULL REFERENCES channels(id),
			session_key TEXT NOT NULL DEFAULT '',
			handle_type TEXT NOT NULL DEFAULT '',
			handle_ref TEXT NOT NULL DEFAULT '',
			external_ref TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'new',
			snapshot TEXT NOT NULL DEFAULT '{}',
			currency TEXT NOT NULL DEFAULT 'BRL',
			total_q INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			confirmed_at TEXT,
			processing_at TEXT,
			ready_at TEXT,
			dispatched_at TEXT,
			delivered_at TEXT,
			completed_at TEXT,
			cancelled_at TEXT,
			returned_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_channel_status ON orders(channel_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_external_ref ON orders(external_ref)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_session_key ON orders(session_key)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id INTEGER NOT NULL REFERENCES orders(id),
			line_id TEXT NOT NULL,
			sku TEXT NOT NULL,
			qty TEXT NOT NULL CHECK (CAST(qty AS REAL) > 0),
			unit_price_q INTEGER,
			line_total_q INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL DEFAULT '',
			meta TEXT NOT NULL DEFAULT '{}',
			UNIQUE(order_id, line_id)
		)`,
		`CREATE TABLE IF NOT EXISTS order_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id INTEGER NOT NULL REFERENCES orders(id),
			type TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id, id)`,
		`CREATE TABLE IF NOT EXISTS directives (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			payload TEXT NOT NULL DEFAULT '{}',
			attempts INTEGER NOT NULL DEFAULT 0,
			available_at TEXT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_directives_poll ON directives(status, topic, available_at)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scope TEXT NOT NULL,
			key TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'in_progress',
			response_code INTEGER NOT NULL DEFAULT 0,
			response_body TEXT,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(scope, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys(expires_at)`,
	}},
	{"refs_tables", []string{
		`CREATE TABLE IF NOT EXISTS refs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ref_type TEXT NOT NULL,
			target_kind TEXT NOT NULL,
			target_id INTEGER NOT NULL,
			value TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '{}',
			scope_hash TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_refs_lookup ON refs(ref_type, value, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_refs_target ON refs(target_kind, target_id, is_active)`,
		`CREATE TABLE IF NOT EXISTS ref_sequences (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sequence_name TEXT NOT NULL,
			scope_hash TEXT NOT NULL DEFAULT '',
			value INTEGER NOT NULL DEFAULT 0,
			UNIQUE(sequence_name, scope_hash)
		)`,
	}},
	{"fulfillment_tables", []string{
		`CREATE TABLE IF NOT EXISTS fulfillments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id INTEGER NOT NULL REFERENCES orders(id),
			status TEXT NOT NULL DEFAULT 'pending',
			tracking TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fulfillments_order ON fulfillments(order_id)`,
		`CREATE TABLE IF NOT EXISTS fulfillment_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fulfillment_id INTEGER NOT NULL REFERENCES fulfillments(id),
			line_id TEXT NOT NULL,
			qty TEXT NOT NULL
		)`,
	}},
}

// runMigrations applies all pending migrations in order. Each migration runs
// in its own transaction together with its schema_migrations record, so a
// failed migration leaves no trace.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	for _, m := range migrationsList {
		var n int
		err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, m.Name).Scan(&n)
		if err != nil {
			return fmt.Errorf("failed to check migration %s: %w", m.Name, err)
		}
		if n > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", m.Name, err)
		}
		if err := applyMigration(tx, m); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Name, err)
		}
	}
	return nil
}

func applyMigration(tx *sql.Tx, m Migration) error {
	for _, stmt := range m.Statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}
	_, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
		m.Name, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record migration %s: %w", m.Name, err)
	}
	return nil
}
