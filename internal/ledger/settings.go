package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/yourorg/assetledger/internal/storage"
)

// EnabledSettingKey is the app_settings row holding the administrative toggle.
const EnabledSettingKey = "audit_ledger_enabled"

// ConfigSource reports whether the ledger is enabled. It is read at call time
// so an administrative toggle takes effect on the next append.
type ConfigSource interface {
	LedgerEnabled(ctx context.Context) (bool, error)
}

// Settings persists the toggle in app_settings.
type Settings struct {
	db *storage.DB
}

func NewSettings(db *storage.DB) *Settings {
	return &Settings{db: db}
}

// LedgerEnabled treats a missing row or a missing table as disabled.
func (s *Settings) LedgerEnabled(ctx context.Context) (bool, error) {
	var value string
	err := s.db.Conn(ctx).QueryRowContext(ctx,
		s.db.Rebind(`SELECT value FROM app_settings WHERE key = ?`), EnabledSettingKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) || storage.IsMissingTable(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == "true", nil
}

// SetLedgerEnabled upserts the toggle, creating the schema if needed.
func (s *Settings) SetLedgerEnabled(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	return s.db.WithSchemaRetry(ctx, func() error {
		_, err := s.db.Conn(ctx).ExecContext(ctx, s.db.Rebind(`
			INSERT INTO app_settings (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value
		`), EnabledSettingKey, value)
		return err
	})
}

// StaticConfig is a fixed ConfigSource.
type StaticConfig bool

func (c StaticConfig) LedgerEnabled(context.Context) (bool, error) { return bool(c), nil }

// SeedLedgerEnabled writes the configured default only when no toggle has
// been stored yet. An administrator's later choice always wins.
func (s *Settings) SeedLedgerEnabled(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	return s.db.WithSchemaRetry(ctx, func() error {
		_, err := s.db.Conn(ctx).ExecContext(ctx, s.db.Rebind(`
			INSERT INTO app_settings (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO NOTHING
		`), EnabledSettingKey, value)
		return err
	})
}
