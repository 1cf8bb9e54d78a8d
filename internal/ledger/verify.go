package ledger

import (
	"context"
	"fmt"

	"github.com/yourorg/assetledger/internal/storage"
)

// VerifyReport summarizes a full chain walk.
type VerifyReport struct {
	OK       bool     `json:"ok"`
	Total    int64    `json:"total"`
	LastID   int64    `json:"lastId"`
	LastHash string   `json:"lastHash"`
	Resumed  []int64  `json:"resumedAt,omitempty"`
	Errors   []string `json:"errors"`
}

// Verify walks the ledger oldest-first, recomputing every digest and
// checking that each entry links to its predecessor. Resumed lists the ids
// of ledger_enabled markers, i.e. where a disabled period ended.
func (s *Store) Verify(ctx context.Context) (VerifyReport, error) {
	report := VerifyReport{OK: true, Errors: []string{}}
	rows, err := s.db.Conn(ctx).QueryContext(ctx, `
		SELECT id, created_at, event_type, entity_type, entity_id, actor_id, payload_json, prev_hash, entry_hash
		FROM audit_ledger ORDER BY id ASC
	`)
	if storage.IsMissingTable(err) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	expectedPrev := ""
	seen := map[string]int64{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			report.OK = false
			report.Errors = append(report.Errors, fmt.Sprintf("decode entry: %v", err))
			continue
		}
		if e.PrevHash != expectedPrev {
			report.OK = false
			report.Errors = append(report.Errors, fmt.Sprintf("prev_hash mismatch at %d", e.ID))
		}
		if e.ComputeHash() != e.EntryHash {
			report.OK = false
			report.Errors = append(report.Errors, fmt.Sprintf("hash mismatch at %d", e.ID))
		}
		if other, dup := seen[e.EntryHash]; dup {
			report.OK = false
			report.Errors = append(report.Errors, fmt.Sprintf("entry %d repeats hash of entry %d", e.ID, other))
		}
		seen[e.EntryHash] = e.ID
		if e.EventType == EventLedgerEnabled {
			report.Resumed = append(report.Resumed, e.ID)
		}
		expectedPrev = e.EntryHash
		report.Total++
		report.LastID = e.ID
		report.LastHash = e.EntryHash
	}
	if err := rows.Err(); err != nil {
		return report, err
	}
	return report, nil
}
