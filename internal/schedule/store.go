package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/filecoin-project/go-clock"

	"github.com/yourorg/assetledger/internal/storage"
)

// Store persists the audit snapshot schedule.
type Store struct {
	db    *storage.DB
	clock clock.Clock
}

func NewStore(db *storage.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{db: db, clock: clk}
}

// Get returns the schedule, creating it with Defaults on first read.
func (s *Store) Get(ctx context.Context) (Config, error) {
	var cfg Config
	err := s.db.WithSchemaRetry(ctx, func() error {
		return s.db.RunInTx(ctx, func(ctx context.Context) error {
			var err error
			cfg, err = s.load(ctx)
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
			cfg = Defaults()
			cfg.UpdatedAt = s.now()
			return s.upsert(ctx, cfg)
		})
	})
	if err != nil {
		return Config{}, fmt.Errorf("load schedule: %w", err)
	}
	return cfg, nil
}

// Save validates and stores cfg. LastRunAt is owned by MarkRun and is
// left unchanged.
func (s *Store) Save(ctx context.Context, cfg Config, mailConfigured bool) (Config, error) {
	cfg.RecipientEmail = strings.TrimSpace(cfg.RecipientEmail)
	if verr := Validate(cfg, mailConfigured); verr != nil {
		return Config{}, verr
	}
	err := s.db.WithSchemaRetry(ctx, func() error {
		return s.db.RunInTx(ctx, func(ctx context.Context) error {
			current, err := s.load(ctx)
			switch {
			case err == nil:
				cfg.LastRunAt = current.LastRunAt
			case errors.Is(err, sql.ErrNoRows):
				cfg.LastRunAt = nil
			default:
				return err
			}
			cfg.UpdatedAt = s.now()
			return s.upsert(ctx, cfg)
		})
	})
	if err != nil {
		return Config{}, fmt.Errorf("save schedule: %w", err)
	}
	return cfg, nil
}

// MarkRun records a successful run at.
func (s *Store) MarkRun(ctx context.Context, at time.Time) error {
	_, err := s.db.Conn(ctx).ExecContext(ctx, s.db.Rebind(`
		UPDATE schedules SET last_run_at = ? WHERE schedule_type = ?
	`), storage.FormatTime(at), TypeAuditSnapshot)
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context) (Config, error) {
	var (
		cfg       Config
		frequency string
		lastRun   sql.NullString
		updated   string
	)
	err := s.db.Conn(ctx).QueryRowContext(ctx, s.db.Rebind(`
		SELECT enabled, recipient_email, frequency, hour_utc, minute_utc, weekday_utc, last_run_at, updated_at
		FROM schedules WHERE schedule_type = ?
	`), TypeAuditSnapshot).Scan(&cfg.Enabled, &cfg.RecipientEmail, &frequency, &cfg.HourUTC, &cfg.MinuteUTC,
		&cfg.WeekdayUTC, &lastRun, &updated)
	if err != nil {
		return Config{}, err
	}
	cfg.Frequency = Frequency(frequency)
	if cfg.LastRunAt, err = storage.TimePtr(lastRun); err != nil {
		return Config{}, err
	}
	cfg.UpdatedAt, _ = storage.ParseTime(updated)
	return cfg, nil
}

func (s *Store) upsert(ctx context.Context, cfg Config) error {
	_, err := s.db.Conn(ctx).ExecContext(ctx, s.db.Rebind(`
		INSERT INTO schedules (schedule_type, enabled, recipient_email, frequency, hour_utc, minute_utc, weekday_utc, last_run_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (schedule_type) DO UPDATE SET
			enabled = excluded.enabled,
			recipient_email = excluded.recipient_email,
			frequency = excluded.frequency,
			hour_utc = excluded.hour_utc,
			minute_utc = excluded.minute_utc,
			weekday_utc = excluded.weekday_utc,
			last_run_at = excluded.last_run_at,
			updated_at = excluded.updated_at
	`), TypeAuditSnapshot, cfg.Enabled, cfg.RecipientEmail, string(cfg.Frequency), cfg.HourUTC, cfg.MinuteUTC,
		cfg.WeekdayUTC, storage.NullTime(cfg.LastRunAt), storage.FormatTime(cfg.UpdatedAt))
	return err
}

func (s *Store) now() time.Time {
	t, _ := storage.ParseTime(storage.FormatTime(s.clock.Now()))
	return t
}
