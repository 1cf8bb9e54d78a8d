// Package mirror keeps offline, independently verifiable logs of snapshot
// deliveries. Each channel is its own hash chain keyed off its own last
// row, so it can be checked without the primary database.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yourorg/assetledger/internal/hashchain"
	"github.com/yourorg/assetledger/internal/metrics"
)

var (
	ErrUnknownChannel = errors.New("unknown mirror channel")
	// ErrMalformedTail means the last stored row is not a complete row, for
	// example after a torn write. Appending is refused until it is repaired.
	ErrMalformedTail = errors.New("mirror tail row is malformed")
)

// Columns is the header row of every mirror channel.
var Columns = []string{
	"timestamp_utc",
	"snapshot_filename",
	"zip_sha256",
	"manifest_sha256",
	"remote_zip_id",
	"remote_manifest_csv_id",
	"remote_manifest_pdf_id",
	"local_zip_path",
	"local_manifest_csv_path",
	"local_manifest_pdf_path",
	"prev_hash",
	"row_hash",
}

// FieldCount is the number of caller-supplied fields per row.
var FieldCount = len(Columns) - 2

// Row is one delivery attempt.
type Row struct {
	Timestamp            time.Time
	SnapshotFilename     string
	ZipSHA256            string
	ManifestSHA256       string
	RemoteZipID          string
	RemoteManifestCSVID  string
	RemoteManifestPDFID  string
	LocalZipPath         string
	LocalManifestCSVPath string
	LocalManifestPDFPath string
}

// Fields returns the hashed fields in column order.
func (r Row) Fields() []string {
	return []string{
		r.Timestamp.UTC().Format("2006-01-02 15:04:05"),
		r.SnapshotFilename,
		r.ZipSHA256,
		r.ManifestSHA256,
		r.RemoteZipID,
		r.RemoteManifestCSVID,
		r.RemoteManifestPDFID,
		r.LocalZipPath,
		r.LocalManifestCSVPath,
		r.LocalManifestPDFPath,
	}
}

// Channel is a mirror destination holding rows in order, header first.
type Channel interface {
	ID() string
	// Load returns every stored row. exists is false when the channel has
	// not been created yet.
	Load(ctx context.Context) (rows [][]string, exists bool, err error)
	Append(ctx context.Context, rows [][]string) error
}

type Log struct {
	channels map[string]Channel
	order    []string
	locks    map[string]*sync.Mutex
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewLog(logger *slog.Logger, m *metrics.Metrics, channels ...Channel) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{
		channels: map[string]Channel{},
		locks:    map[string]*sync.Mutex{},
		logger:   logger,
		metrics:  m,
	}
	for _, ch := range channels {
		l.channels[ch.ID()] = ch
		l.locks[ch.ID()] = &sync.Mutex{}
		l.order = append(l.order, ch.ID())
	}
	return l
}

// Channels lists configured channel ids in registration order.
func (l *Log) Channels() []string {
	return append([]string(nil), l.order...)
}

// AppendRow chains fields onto channelID's last row and returns the new
// row hash. A channel that does not exist yet is created with a header.
func (l *Log) AppendRow(ctx context.Context, channelID string, fields []string) (string, error) {
	ch, ok := l.channels[channelID]
	if !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownChannel, channelID)
	}
	if len(fields) != FieldCount {
		return "", fmt.Errorf("mirror row needs %d fields, got %d", FieldCount, len(fields))
	}
	mu := l.locks[channelID]
	mu.Lock()
	defer mu.Unlock()

	rows, exists, err := ch.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("read mirror %s: %w", channelID, err)
	}
	prev, err := lastRowHash(rows)
	if err != nil {
		return "", fmt.Errorf("mirror %s: %w", channelID, err)
	}
	rowHash := hashchain.Digest(prev, fields...)
	row := append(append([]string(nil), fields...), prev, rowHash)

	pending := [][]string{row}
	if !exists || len(rows) == 0 {
		pending = [][]string{Columns, row}
	}
	if err := ch.Append(ctx, pending); err != nil {
		return "", fmt.Errorf("write mirror %s: %w", channelID, err)
	}
	return rowHash, nil
}

// Result is one channel's outcome from AppendAll.
type Result struct {
	Channel string
	RowHash string
	Err     error
}

// AppendAll writes r to every channel. Failures are per channel.
func (l *Log) AppendAll(ctx context.Context, r Row) []Result {
	fields := r.Fields()
	out := make([]Result, 0, len(l.order))
	for _, id := range l.order {
		hash, err := l.AppendRow(ctx, id, fields)
		l.metrics.MirrorRow(id, err == nil)
		if err != nil {
			l.logger.Warn("mirror log write failed", "channel", id, "snapshot", r.SnapshotFilename, "error", err)
		}
		out = append(out, Result{Channel: id, RowHash: hash, Err: err})
	}
	return out
}

func isHeader(row []string) bool {
	return len(row) > 0 && row[0] == Columns[0]
}

// lastRowHash returns the row_hash of the last data row, or "" for a
// channel with no rows yet.
func lastRowHash(rows [][]string) (string, error) {
	for i := len(rows) - 1; i >= 0; i-- {
		if len(rows[i]) == 0 || isHeader(rows[i]) {
			continue
		}
		last := rows[i]
		if len(last) != len(Columns) {
			return "", fmt.Errorf("%w: record %d has %d columns, want %d", ErrMalformedTail, i+1, len(last), len(Columns))
		}
		if hash := last[len(last)-1]; len(hash) != 64 {
			return "", fmt.Errorf("%w: record %d has row_hash %q", ErrMalformedTail, i+1, hash)
		}
		return last[len(last)-1], nil
	}
	return "", nil
}

type VerifyReport struct {
	OK       bool     `json:"ok"`
	Channel  string   `json:"channel"`
	Rows     int      `json:"rows"`
	LastHash string   `json:"lastHash"`
	Errors   []string `json:"errors"`
}

// Verify recomputes every row hash in channelID from its genesis.
func (l *Log) Verify(ctx context.Context, channelID string) (VerifyReport, error) {
	report := VerifyReport{OK: true, Channel: channelID, Errors: []string{}}
	ch, ok := l.channels[channelID]
	if !ok {
		return report, fmt.Errorf("%w %q", ErrUnknownChannel, channelID)
	}
	mu := l.locks[channelID]
	mu.Lock()
	rows, _, err := ch.Load(ctx)
	mu.Unlock()
	if err != nil {
		return report, fmt.Errorf("read mirror %s: %w", channelID, err)
	}

	prev := ""
	record := 0
	for _, row := range rows {
		record++
		if len(row) == 0 || isHeader(row) {
			continue
		}
		if len(row) != len(Columns) {
			report.OK = false
			report.Errors = append(report.Errors, fmt.Sprintf("record %d: expected %d columns, got %d", record, len(Columns), len(row)))
			continue
		}
		fields, storedPrev, storedHash := row[:FieldCount], row[FieldCount], row[FieldCount+1]
		if storedPrev != prev {
			report.OK = false
			report.Errors = append(report.Errors, fmt.Sprintf("record %d: prev_hash mismatch", record))
		}
		if hashchain.Digest(storedPrev, fields...) != storedHash {
			report.OK = false
			report.Errors = append(report.Errors, fmt.Sprintf("record %d: row_hash mismatch", record))
		}
		prev = storedHash
		report.Rows++
		report.LastHash = storedHash
	}
	return report, nil
}
