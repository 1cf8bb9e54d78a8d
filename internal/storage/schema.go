package storage

import (
	"context"
	"fmt"
	"strings"
)

// schema is written once for both dialects; {{id}} expands to the
// auto-increment primary key column definition.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS app_settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_ledger (
		id {{id}},
		created_at TEXT NOT NULL,
		event_type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id BIGINT,
		actor_id BIGINT,
		payload_json TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL UNIQUE
	)`,
	// One successor per predecessor: a second writer that read a stale tail
	// fails here instead of forking the chain.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_ledger_prev_hash ON audit_ledger(prev_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_ledger_event_type ON audit_ledger(event_type)`,
	`CREATE TABLE IF NOT EXISTS users (
		id {{id}},
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'staff',
		asset_tag TEXT,
		grade_level TEXT,
		repeat_breakage_flag BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS assets (
		id {{id}},
		asset_tag TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		type TEXT NOT NULL,
		serial_number TEXT,
		status TEXT NOT NULL DEFAULT 'available',
		location TEXT,
		purchase_date TEXT,
		purchase_cost DOUBLE PRECISION,
		condition TEXT NOT NULL DEFAULT 'good',
		repeat_breakage_flag BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS checkouts (
		id {{id}},
		asset_id BIGINT NOT NULL REFERENCES assets(id),
		checked_out_to TEXT NOT NULL,
		checked_out_by BIGINT NOT NULL REFERENCES users(id),
		checkout_date TEXT NOT NULL,
		expected_return_date TEXT,
		checked_in_date TEXT,
		checkin_condition TEXT,
		checkin_notes TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_checkouts_one_open_per_asset ON checkouts(asset_id) WHERE checked_in_date IS NULL`,
	`CREATE TABLE IF NOT EXISTS repair_tickets (
		id {{id}},
		asset_id BIGINT NOT NULL REFERENCES assets(id),
		status TEXT NOT NULL,
		notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_repairs_one_open_per_asset ON repair_tickets(asset_id) WHERE status <> 'closed'`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id {{id}},
		entity_id BIGINT NOT NULL,
		entity_kind TEXT NOT NULL,
		observed_at TEXT NOT NULL,
		source TEXT NOT NULL,
		notes TEXT,
		checkout_id BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_entity ON incidents(entity_kind, entity_id, observed_at)`,
	`CREATE TABLE IF NOT EXISTS snapshot_runs (
		id {{id}},
		run_id TEXT NOT NULL UNIQUE,
		generated_at TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		delivery_method TEXT NOT NULL,
		recipient TEXT,
		bundle_filename TEXT NOT NULL,
		manifest_sha256 TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL,
		created_by BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS schedules (
		schedule_type TEXT PRIMARY KEY,
		enabled BOOLEAN NOT NULL,
		recipient_email TEXT NOT NULL,
		frequency TEXT NOT NULL,
		hour_utc INTEGER NOT NULL,
		minute_utc INTEGER NOT NULL,
		weekday_utc INTEGER NOT NULL,
		last_run_at TEXT,
		updated_at TEXT NOT NULL
	)`,
}

// EnsureSchema creates every table and index that does not exist yet.
func (d *DB) EnsureSchema(ctx context.Context) error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if d.Dialect == Postgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	q := d.Conn(ctx)
	for _, stmt := range schema {
		if _, err := q.ExecContext(ctx, strings.ReplaceAll(stmt, "{{id}}", id)); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}
