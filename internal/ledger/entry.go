// Package ledger is the append-only, hash-chained audit trail. Entries are
// written by the Recorder on every domain state change and never updated or
// deleted.
package ledger

import (
	"errors"
	"time"

	"github.com/yourorg/assetledger/internal/hashchain"
)

// Event types recorded by this subsystem itself.
const (
	EventLedgerEnabled  = "ledger_enabled"
	EventLedgerDisabled = "ledger_disabled"
	EventAuditSnapshot  = "audit_snapshot"
	EventDamageIncident = "damage_incident"
)

var (
	// ErrStorageUnavailable means the backing store could not be reached or
	// initialized even after a lazy schema creation.
	ErrStorageUnavailable = errors.New("ledger storage unavailable")
	ErrChainConflict      = errors.New("ledger tail changed during append")
)

// Event is what a collaborator asks to have recorded.
type Event struct {
	EventType  string
	EntityType string
	EntityID   *int64
	ActorID    *int64 // nil for system-initiated events
	Payload    map[string]any
	CreatedAt  time.Time // zero means now
}

// Entry is one immutable ledger row.
type Entry struct {
	ID          int64     `json:"id"`
	CreatedAt   time.Time `json:"createdAt"`
	EventType   string    `json:"eventType"`
	EntityType  string    `json:"entityType"`
	EntityID    *int64    `json:"entityId,omitempty"`
	ActorID     *int64    `json:"actorId,omitempty"`
	PayloadJSON string    `json:"payload,omitempty"`
	PrevHash    string    `json:"prevHash"`
	EntryHash   string    `json:"entryHash"`

	// timestamp is the exact string that was digested.
	timestamp string
}

// Fields returns the digest input in its documented order:
// timestamp, event type, entity type, entity id, actor id, payload JSON.
func (e Entry) Fields() []string {
	return []string{
		e.timestamp,
		e.EventType,
		e.EntityType,
		hashchain.OptionalInt(e.EntityID),
		hashchain.OptionalInt(e.ActorID),
		e.PayloadJSON,
	}
}

// ComputeHash recomputes the entry digest from its stored fields.
func (e Entry) ComputeHash() string {
	return hashchain.Digest(e.PrevHash, e.Fields()...)
}
