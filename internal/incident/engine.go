// Package incident keeps the repeat-breakage flags on assets and people.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/filecoin-project/go-clock"

	"github.com/yourorg/assetledger/internal/inventory"
	"github.com/yourorg/assetledger/internal/ledger"
	"github.com/yourorg/assetledger/internal/metrics"
	"github.com/yourorg/assetledger/internal/storage"
)

const (
	KindAsset  = "asset"
	KindPerson = "person"

	DefaultWindow    = 180 * 24 * time.Hour
	DefaultThreshold = 3
)

var ErrInvalidIncident = errors.New("invalid incident")

// Entities stores the derived flag and resolves free-text names to users.
// *inventory.Store satisfies it.
type Entities interface {
	SetRepeatFlag(ctx context.Context, kind string, id int64, flag bool) error
	FindUserByEmailOrName(ctx context.Context, text string) (*inventory.User, error)
}

// Recorder is the ledger write side.
type Recorder interface {
	Record(ctx context.Context, eventType, entityType string, entityID, actorID *int64, payload map[string]any) *ledger.Entry
}

type Incident struct {
	ID         int64     `json:"id"`
	EntityID   int64     `json:"entityId"`
	EntityKind string    `json:"entityKind"`
	ObservedAt time.Time `json:"observedAt"`
	Source     string    `json:"source"`
	Notes      string    `json:"notes,omitempty"`
	CheckoutID *int64    `json:"checkoutId,omitempty"`
}

type Options struct {
	Window    time.Duration
	Threshold int
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

type Engine struct {
	db        *storage.DB
	entities  Entities
	recorder  Recorder
	window    time.Duration
	threshold int
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewEngine(db *storage.DB, entities Entities, recorder Recorder, opts Options) *Engine {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		db:        db,
		entities:  entities,
		recorder:  recorder,
		window:    opts.Window,
		threshold: opts.Threshold,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// RecordIncident stores inc and recomputes the flag for its entity. It
// returns the new flag value.
func (e *Engine) RecordIncident(ctx context.Context, inc Incident) (bool, error) {
	switch inc.EntityKind {
	case KindAsset, KindPerson:
	default:
		return false, fmt.Errorf("%w: unknown entity kind %q", ErrInvalidIncident, inc.EntityKind)
	}
	if inc.ObservedAt.IsZero() {
		inc.ObservedAt = e.clock.Now()
	}
	var flagged bool
	err := e.db.WithSchemaRetry(ctx, func() error {
		return e.db.RunInTx(ctx, func(ctx context.Context) error {
			if _, err := e.db.Conn(ctx).ExecContext(ctx, e.db.Rebind(`
				INSERT INTO incidents (entity_id, entity_kind, observed_at, source, notes, checkout_id)
				VALUES (?, ?, ?, ?, ?, ?)
			`), inc.EntityID, inc.EntityKind, storage.FormatTime(inc.ObservedAt), inc.Source, inc.Notes,
				storage.NullInt(inc.CheckoutID)); err != nil {
				return err
			}
			var err error
			flagged, err = e.RefreshFlag(ctx, inc.EntityID, inc.EntityKind)
			return err
		})
	})
	if err != nil {
		return false, fmt.Errorf("record %s incident for %d: %w", inc.EntityKind, inc.EntityID, err)
	}
	e.metrics.IncidentRecorded(inc.EntityKind)
	return flagged, nil
}

// RefreshFlag recounts incidents inside the trailing window and stores the
// result. An entity that does not exist fails with ErrInvalidIncident
// wrapping inventory.ErrNotFound, which also rolls back a just-recorded
// incident. Flags are only refreshed here, so one that was set is not cleared
// as its incidents age out until the next incident for that entity.
func (e *Engine) RefreshFlag(ctx context.Context, entityID int64, kind string) (bool, error) {
	if kind != KindAsset && kind != KindPerson {
		return false, fmt.Errorf("%w: unknown entity kind %q", ErrInvalidIncident, kind)
	}
	since := e.clock.Now().Add(-e.window)
	var count int
	err := e.db.Conn(ctx).QueryRowContext(ctx, e.db.Rebind(`
		SELECT COUNT(*) FROM incidents
		WHERE entity_kind = ? AND entity_id = ? AND observed_at >= ?
	`), kind, entityID, storage.FormatTime(since)).Scan(&count)
	if err != nil {
		return false, err
	}
	flagged := count >= e.threshold
	if e.entities != nil {
		if err := e.entities.SetRepeatFlag(ctx, kind, entityID, flagged); err != nil {
			if errors.Is(err, inventory.ErrNotFound) {
				return false, fmt.Errorf("%w: %w", ErrInvalidIncident, err)
			}
			return false, err
		}
	}
	return flagged, nil
}

// Damage describes a damaged return or a reported breakage.
type Damage struct {
	AssetID      int64
	CheckedOutTo string
	Source       string
	Notes        string
	CheckoutID   *int64
	ActorID      *int64
}

type DamageResult struct {
	AssetFlagged  bool   `json:"assetFlagged"`
	PersonID      *int64 `json:"personId,omitempty"`
	PersonFlagged bool   `json:"personFlagged"`
}

// RecordDamage records an asset incident and, when CheckedOutTo resolves to
// a known user, a person incident as well. A damage_incident ledger entry
// summarizes both.
func (e *Engine) RecordDamage(ctx context.Context, d Damage) (DamageResult, error) {
	if d.Source == "" {
		return DamageResult{}, fmt.Errorf("%w: damage source is required", ErrInvalidIncident)
	}
	var res DamageResult
	now := e.clock.Now()
	err := e.db.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		res.AssetFlagged, err = e.RecordIncident(ctx, Incident{
			EntityID: d.AssetID, EntityKind: KindAsset, ObservedAt: now,
			Source: d.Source, Notes: d.Notes, CheckoutID: d.CheckoutID,
		})
		if err != nil {
			return err
		}
		if e.entities != nil {
			user, err := e.entities.FindUserByEmailOrName(ctx, d.CheckedOutTo)
			if err != nil {
				return err
			}
			if user != nil {
				res.PersonID = &user.ID
				res.PersonFlagged, err = e.RecordIncident(ctx, Incident{
					EntityID: user.ID, EntityKind: KindPerson, ObservedAt: now,
					Source: d.Source, Notes: d.Notes, CheckoutID: d.CheckoutID,
				})
				if err != nil {
					return err
				}
			}
		}
		checkedOutTo := strings.TrimSpace(d.CheckedOutTo)
		if checkedOutTo == "" {
			checkedOutTo = "Unknown"
		}
		if e.recorder != nil {
			e.recorder.Record(ctx, ledger.EventDamageIncident, "asset", &d.AssetID, d.ActorID, map[string]any{
				"source":         d.Source,
				"checked_out_to": checkedOutTo,
				"checkout_id":    d.CheckoutID,
				"user_id":        res.PersonID,
				"asset_flagged":  res.AssetFlagged,
				"person_flagged": res.PersonFlagged,
			})
		}
		return nil
	})
	if err != nil {
		return DamageResult{}, err
	}
	e.logger.Info("damage incident recorded", "assetId", d.AssetID, "source", d.Source, "assetFlagged", res.AssetFlagged)
	return res, nil
}
