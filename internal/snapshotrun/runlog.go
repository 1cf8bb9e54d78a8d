package snapshotrun

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/assetledger/internal/ledger"
	"github.com/yourorg/assetledger/internal/storage"
)

const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"

	MethodDownload     = "download"
	MethodEmail        = "email"
	MethodMultiChannel = "multi-channel"

	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// RunLog is one snapshot run attempt, successful or not.
type RunLog struct {
	ID             int64     `json:"id"`
	RunID          uuid.UUID `json:"runId"`
	GeneratedAt    time.Time `json:"generatedAt"`
	TriggerType    string    `json:"triggerType"`
	DeliveryMethod string    `json:"deliveryMethod"`
	Recipient      string    `json:"recipient,omitempty"`
	BundleFilename string    `json:"bundleFilename"`
	ManifestSHA256 string    `json:"manifestSha256"`
	Status         string    `json:"status"`
	Message        string    `json:"message"`
	CreatedBy      *int64    `json:"createdBy,omitempty"`
}

// Recorder is the ledger write side.
type Recorder interface {
	Record(ctx context.Context, eventType, entityType string, entityID, actorID *int64, payload map[string]any) *ledger.Entry
}

// RunStore is the append-only run log. Every row is mirrored into the
// ledger as an audit_snapshot event in the same transaction.
type RunStore struct {
	db       *storage.DB
	recorder Recorder
}

func NewRunStore(db *storage.DB, recorder Recorder) *RunStore {
	return &RunStore{db: db, recorder: recorder}
}

func (s *RunStore) Create(ctx context.Context, run *RunLog) error {
	if run.RunID == uuid.Nil {
		run.RunID = uuid.New()
	}
	err := s.db.WithSchemaRetry(ctx, func() error {
		return s.db.RunInTx(ctx, func(ctx context.Context) error {
			err := s.db.Conn(ctx).QueryRowContext(ctx, s.db.Rebind(`
				INSERT INTO snapshot_runs (run_id, generated_at, trigger_type, delivery_method, recipient,
					bundle_filename, manifest_sha256, status, message, created_by)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id
			`), run.RunID.String(), storage.FormatTime(run.GeneratedAt), run.TriggerType, run.DeliveryMethod,
				nullString(run.Recipient), run.BundleFilename, run.ManifestSHA256, run.Status, run.Message,
				storage.NullInt(run.CreatedBy)).Scan(&run.ID)
			if err != nil {
				return err
			}
			if s.recorder != nil {
				s.recorder.Record(ctx, ledger.EventAuditSnapshot, "audit_snapshot_log", &run.ID, run.CreatedBy, map[string]any{
					"trigger_type":    run.TriggerType,
					"delivery_method": run.DeliveryMethod,
					"filename":        run.BundleFilename,
					"manifest_sha256": run.ManifestSHA256,
					"status":          run.Status,
				})
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("create run log: %w", err)
	}
	return nil
}

// List returns runs newest-first.
func (s *RunStore) List(ctx context.Context, limit int) ([]RunLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.Conn(ctx).QueryContext(ctx, s.db.Rebind(`
		SELECT id, run_id, generated_at, trigger_type, delivery_method, recipient, bundle_filename,
			manifest_sha256, status, message, created_by
		FROM snapshot_runs ORDER BY id DESC LIMIT ?
	`), limit)
	if storage.IsMissingTable(err) {
		return []RunLog{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []RunLog{}
	for rows.Next() {
		var (
			r         RunLog
			runID     string
			generated string
			recipient sql.NullString
			createdBy sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &runID, &generated, &r.TriggerType, &r.DeliveryMethod, &recipient,
			&r.BundleFilename, &r.ManifestSHA256, &r.Status, &r.Message, &createdBy); err != nil {
			return nil, err
		}
		if r.RunID, err = uuid.Parse(runID); err != nil {
			return nil, fmt.Errorf("run %d: %w", r.ID, err)
		}
		if r.GeneratedAt, err = storage.ParseTime(generated); err != nil {
			return nil, fmt.Errorf("run %d: %w", r.ID, err)
		}
		r.Recipient = recipient.String
		r.CreatedBy = storage.IntPtr(createdBy)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
