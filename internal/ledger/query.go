package ledger

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yourorg/assetledger/internal/storage"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Filter narrows the operator-facing listing. Category matches event types
// by prefix, so "ticket" covers ticket_created and ticket_updated.
type Filter struct {
	Category string
	Limit    int
}

// List returns entries newest-first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `SELECT id, created_at, event_type, entity_type, entity_id, actor_id, payload_json, prev_hash, entry_hash FROM audit_ledger`
	args := []any{}
	if c := strings.TrimSpace(f.Category); c != "" {
		// Literal prefix match: "_" and "%" in a category are not wildcards.
		query += ` WHERE substr(event_type, 1, ?) = ?`
		args = append(args, utf8.RuneCountInString(c), c)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Conn(ctx).QueryContext(ctx, s.db.Rebind(query), args...)
	if storage.IsMissingTable(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
