package ledger

import (
	"context"
	"log/slog"

	"github.com/yourorg/assetledger/internal/metrics"
)

// Appender is the write side of Store.
type Appender interface {
	Append(ctx context.Context, ev Event) (*Entry, error)
}

// Recorder is what collaborators call on every state change. Auditing must
// never fail the audited operation: storage errors are logged and dropped.
type Recorder struct {
	store   Appender
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewRecorder(store Appender, logger *slog.Logger, m *metrics.Metrics) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger, metrics: m}
}

// Record appends one event. It returns the written entry, or nil when the
// ledger is disabled or the write was dropped.
func (r *Recorder) Record(ctx context.Context, eventType, entityType string, entityID, actorID *int64, payload map[string]any) *Entry {
	return r.RecordEvent(ctx, Event{
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    payload,
	})
}

func (r *Recorder) RecordEvent(ctx context.Context, ev Event) *Entry {
	if r == nil || r.store == nil {
		return nil
	}
	entry, err := r.store.Append(ctx, ev)
	if err != nil {
		r.metrics.LedgerDropped()
		r.logger.Error("AUDIT LEDGER WRITE DROPPED",
			"eventType", ev.EventType,
			"entityType", ev.EntityType,
			"entityId", ev.EntityID,
			"actorId", ev.ActorID,
			"error", err,
		)
		return nil
	}
	if entry != nil {
		r.metrics.LedgerAppended()
	}
	return entry
}
