package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/filecoin-project/go-clock"

	"github.com/yourorg/assetledger/internal/hashchain"
	"github.com/yourorg/assetledger/internal/storage"
)

const maxAppendAttempts = 3

// Toggle is a ConfigSource that can also be switched.
type Toggle interface {
	ConfigSource
	SetLedgerEnabled(ctx context.Context, enabled bool) error
}

// Store owns the chain tail. Appends are serialized in-process by mu and
// across processes by the unique index on prev_hash.
type Store struct {
	mu     sync.Mutex
	db     *storage.DB
	config Toggle
	clock  clock.Clock
	logger *slog.Logger
}

func NewStore(db *storage.DB, config Toggle, clk clock.Clock, logger *slog.Logger) *Store {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, config: config, clock: clk, logger: logger}
}

// Append chains ev onto the current tail. It returns (nil, nil) without
// writing anything when the ledger is disabled.
func (s *Store) Append(ctx context.Context, ev Event) (*Entry, error) {
	entry, err := s.newEntry(ev)
	if err != nil {
		return nil, err
	}
	var wrote bool
	err = s.chain(ctx, ev.EventType, func(ctx context.Context) error {
		wrote = false
		enabled, err := s.config.LedgerEnabled(ctx)
		if err != nil {
			return fmt.Errorf("read toggle: %w", err)
		}
		if !enabled {
			return nil
		}
		wrote = true
		return s.insert(ctx, entry)
	})
	if err != nil || !wrote {
		return nil, err
	}
	return entry, nil
}

func (s *Store) newEntry(ev Event) (*Entry, error) {
	payload, err := hashchain.CanonicalJSON(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	created := ev.CreatedAt
	if created.IsZero() {
		created = s.clock.Now()
	}
	ts := storage.FormatTime(created)
	createdAt, _ := storage.ParseTime(ts)
	return &Entry{
		CreatedAt:   createdAt,
		EventType:   ev.EventType,
		EntityType:  ev.EntityType,
		EntityID:    ev.EntityID,
		ActorID:     ev.ActorID,
		PayloadJSON: payload,
		timestamp:   ts,
	}, nil
}

// chain runs fn inside a transaction while holding the tail lock. The lock
// is taken after the transaction has its connection so that callers which
// append from inside their own transaction acquire both in the same order.
// Inside a caller's transaction fn runs under a savepoint, so a failed
// append is rolled back alone. A unique violation on prev_hash means another
// process moved the tail; fn is retried from a fresh read.
func (s *Store) chain(ctx context.Context, eventType string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := s.db.WithSchemaRetry(ctx, func() error {
			return s.db.RunInSavepoint(ctx, "ledger_append", func(ctx context.Context) error {
				s.mu.Lock()
				defer s.mu.Unlock()
				return fn(ctx)
			})
		})
		switch {
		case err == nil:
			return nil
		case storage.IsUniqueViolation(err) && attempt < maxAppendAttempts:
			s.logger.Warn("ledger tail moved during append, retrying", "attempt", attempt, "eventType", eventType)
		case storage.IsUniqueViolation(err):
			return fmt.Errorf("%w: %w", ErrChainConflict, err)
		default:
			return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
	}
}

func (s *Store) insert(ctx context.Context, entry *Entry) error {
	q := s.db.Conn(ctx)
	prev, err := s.tailHash(ctx, q)
	if err != nil {
		return err
	}
	entry.PrevHash = prev
	entry.EntryHash = entry.ComputeHash()
	return q.QueryRowContext(ctx, s.db.Rebind(`
		INSERT INTO audit_ledger
		(created_at, event_type, entity_type, entity_id, actor_id, payload_json, prev_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`),
		entry.timestamp,
		entry.EventType,
		entry.EntityType,
		storage.NullInt(entry.EntityID),
		storage.NullInt(entry.ActorID),
		entry.PayloadJSON,
		entry.PrevHash,
		entry.EntryHash,
	).Scan(&entry.ID)
}

func (s *Store) tailHash(ctx context.Context, q storage.Querier) (string, error) {
	var hash string
	err := q.QueryRowContext(ctx, `SELECT entry_hash FROM audit_ledger ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// Latest returns the tail entry, or nil for an empty or uninitialized store.
func (s *Store) Latest(ctx context.Context) (*Entry, error) {
	row := s.db.Conn(ctx).QueryRowContext(ctx, `
		SELECT id, created_at, event_type, entity_type, entity_id, actor_id, payload_json, prev_hash, entry_hash
		FROM audit_ledger ORDER BY id DESC LIMIT 1
	`)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) || storage.IsMissingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return &entry, nil
}

// SetEnabled switches the administrative toggle. History is never altered;
// a ledger_disabled entry is written before switching off and a
// ledger_enabled entry right after switching back on, so every gap is
// visible in-band.
func (s *Store) SetEnabled(ctx context.Context, enabled bool, actorID *int64) error {
	// Marker and setting share one transaction below.
	if err := s.db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	eventType := EventLedgerEnabled
	if !enabled {
		eventType = EventLedgerDisabled
	}
	return s.chain(ctx, eventType, func(ctx context.Context) error {
		current, err := s.config.LedgerEnabled(ctx)
		if err != nil {
			return fmt.Errorf("read toggle: %w", err)
		}
		if current == enabled {
			return s.config.SetLedgerEnabled(ctx, enabled)
		}
		marker, err := s.newEntry(Event{EventType: eventType, EntityType: "app_setting", ActorID: actorID, Payload: map[string]any{
			"setting": EnabledSettingKey,
			"from":    current,
			"to":      enabled,
		}})
		if err != nil {
			return err
		}
		if !enabled {
			if err := s.insert(ctx, marker); err != nil {
				return err
			}
			return s.config.SetLedgerEnabled(ctx, false)
		}
		if err := s.config.SetLedgerEnabled(ctx, true); err != nil {
			return err
		}
		return s.insert(ctx, marker)
	})
}

// Enabled reports the current toggle state.
func (s *Store) Enabled(ctx context.Context) (bool, error) {
	return s.config.LedgerEnabled(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e        Entry
		entityID sql.NullInt64
		actorID  sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.timestamp, &e.EventType, &e.EntityType, &entityID, &actorID, &e.PayloadJSON, &e.PrevHash, &e.EntryHash); err != nil {
		return Entry{}, err
	}
	created, err := storage.ParseTime(e.timestamp)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %d: %w", e.ID, err)
	}
	e.CreatedAt = created
	e.EntityID = storage.IntPtr(entityID)
	e.ActorID = storage.IntPtr(actorID)
	return e, nil
}
