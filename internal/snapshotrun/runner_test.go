package snapshotrun

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"

	"github.com/yourorg/assetledger/internal/delivery"
	"github.com/yourorg/assetledger/internal/inventory"
	"github.com/yourorg/assetledger/internal/ledger"
	"github.com/yourorg/assetledger/internal/mirror"
	"github.com/yourorg/assetledger/internal/schedule"
	"github.com/yourorg/assetledger/internal/snapshot"
	"github.com/yourorg/assetledger/internal/storage"
)

type unreachableStore struct{}

func (unreachableStore) PutObject(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("dial tcp 10.1.2.3:9000: connect: connection refused")
}

func (unreachableStore) GetObject(context.Context, string) ([]byte, error) {
	return nil, delivery.ErrObjectNotFound
}

type captureMailer struct {
	err  error
	sent []delivery.Message
}

func (m *captureMailer) Send(_ context.Context, msg delivery.Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type fixture struct {
	runner    *Runner
	runs      *RunStore
	ledger    *ledger.Store
	schedules *schedule.Store
	mirror    *mirror.Log
	clock     *clock.Mock
	dir       string
}

type fixtureOpts struct {
	mailer  delivery.Mailer
	builder Builder
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenInMemory(t.Name())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 4, 7, 2, 0, 0, 0, time.UTC))

	ledgerStore := ledger.NewStore(db, ledger.NewSettings(db), clk, nil)
	if err := ledgerStore.SetEnabled(ctx, true, nil); err != nil {
		t.Fatalf("enable ledger: %v", err)
	}
	rec := ledger.NewRecorder(ledgerStore, nil, nil)
	inv := inventory.NewStore(db, rec, clk)
	staff, err := inv.CreateUser(ctx, inventory.User{Email: "ops@example.org", Name: "Ops"}, nil)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	asset, err := inv.CreateAsset(ctx, inventory.Asset{AssetTag: "LT-1", Name: "Laptop", Category: "computer", Type: "laptop"}, nil)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := inv.CheckOut(ctx, asset.ID, "Jamie", staff.ID, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	dir := t.TempDir()
	mirrorLog := mirror.NewLog(nil, nil, mirror.FileChannel{Path: filepath.Join(dir, "logs", "audit_log.csv")})
	builder := o.builder
	if builder == nil {
		builder = snapshot.NewBuilder(inv, nil, clk, nil)
	}
	runs := NewRunStore(db, rec)
	schedules := schedule.NewStore(db, clk)
	runner := NewRunner(builder, delivery.NewDispatcher(time.Second, nil, nil), runs, schedules, Options{
		Archive: []delivery.Channel{
			delivery.LocalChannel{Dir: filepath.Join(dir, "out")},
			delivery.ObjectStoreChannel{Store: unreachableStore{}, InitialInterval: time.Millisecond},
		},
		Mailer:         o.mailer,
		PrimaryChannel: delivery.ChannelLocal,
		Mirror:         mirrorLog,
		Clock:          clk,
	})
	return &fixture{runner: runner, runs: runs, ledger: ledgerStore, schedules: schedules, mirror: mirrorLog, clock: clk, dir: dir}
}

func TestPartialDeliveryIsSuccessWithWarning(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	actor := int64(1)

	res, err := f.runner.Run(ctx, Request{Method: MethodMultiChannel, CreatedBy: &actor})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Run.Status != StatusSuccess {
		t.Fatalf("status = %s (%s)", res.Run.Status, res.Run.Message)
	}
	if !strings.HasPrefix(res.Run.Message, "Manual snapshot delivered. Storage warnings: Object store upload failed:") ||
		!strings.Contains(res.Run.Message, "connection refused") {
		t.Fatalf("message = %q", res.Run.Message)
	}
	if res.Run.BundleFilename != "audit_snapshot_20260407_020000.zip" {
		t.Fatalf("filename = %s", res.Run.BundleFilename)
	}

	runs, err := f.runs.List(ctx, 10)
	if err != nil || len(runs) != 1 || runs[0].RunID != res.Run.RunID || *runs[0].CreatedBy != actor {
		t.Fatalf("run log = %+v %v", runs, err)
	}

	latest, err := f.ledger.Latest(ctx)
	if err != nil || latest == nil || latest.EventType != ledger.EventAuditSnapshot {
		t.Fatalf("ledger tail = %+v %v", latest, err)
	}
	if !strings.Contains(latest.PayloadJSON, `"status":"success"`) {
		t.Fatalf("payload = %s", latest.PayloadJSON)
	}

	report, err := f.mirror.Verify(ctx, mirror.ChannelLocalCSV)
	if err != nil || !report.OK || report.Rows != 1 {
		t.Fatalf("mirror: %+v %v", report, err)
	}
	if len(res.Mirrors) != 1 || res.Mirrors[0].RowHash != report.LastHash {
		t.Fatalf("mirror results = %+v", res.Mirrors)
	}
}

func TestPrimaryEmailFailureFailsRun(t *testing.T) {
	f := newFixture(t, fixtureOpts{mailer: &captureMailer{err: errors.New("535 authentication failed")}})
	res, err := f.runner.Run(context.Background(), Request{Method: MethodEmail, Recipient: "auditor@example.org"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if res.Run.Status != StatusFailed || !strings.Contains(res.Run.Message, "535 authentication failed") {
		t.Fatalf("run = %+v", res.Run)
	}
}

type brokenBuilder struct{}

func (brokenBuilder) Build(context.Context) (*snapshot.Bundle, error) {
	return nil, errors.New("snapshot build failed: assets.csv: database is locked")
}

func TestBuildFailureIsLogged(t *testing.T) {
	f := newFixture(t, fixtureOpts{builder: brokenBuilder{}})
	ctx := context.Background()
	res, err := f.runner.Run(ctx, Request{Method: MethodDownload})
	if err == nil {
		t.Fatalf("expected error")
	}
	if res.Run.Status != StatusFailed || res.Run.ManifestSHA256 != strings.Repeat("0", 64) {
		t.Fatalf("run = %+v", res.Run)
	}
	runs, _ := f.runs.List(ctx, 10)
	if len(runs) != 1 || runs[0].Message != "snapshot build failed: assets.csv: database is locked" {
		t.Fatalf("runs = %+v", runs)
	}
	report, _ := f.mirror.Verify(ctx, mirror.ChannelLocalCSV)
	if report.Rows != 0 {
		t.Fatalf("failed build must not reach the mirror")
	}
}

func TestEmailWithoutRelayIsRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	_, err := f.runner.Run(context.Background(), Request{Method: MethodEmail, Recipient: "a@example.org"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	runs, _ := f.runs.List(context.Background(), 10)
	if len(runs) != 0 {
		t.Fatalf("rejected manual request was logged")
	}
}

func TestMultiChannelRecipientWithoutRelayIsRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()
	_, err := f.runner.Run(ctx, Request{Method: MethodMultiChannel, Recipient: "auditor@example.org"})
	if !errors.Is(err, ErrInvalidRequest) || !strings.Contains(err.Error(), "SMTP") {
		t.Fatalf("expected SMTP ErrInvalidRequest, got %v", err)
	}
	runs, _ := f.runs.List(ctx, 10)
	if len(runs) != 0 {
		t.Fatalf("rejected manual request was logged: %+v", runs)
	}

	res, err := f.runner.Run(ctx, Request{Method: MethodMultiChannel})
	if err != nil || res.Run.Status != StatusSuccess {
		t.Fatalf("multi-channel without recipient: %+v %v", res.Run, err)
	}
}

func TestScheduledRunFiresOncePerWindow(t *testing.T) {
	mailer := &captureMailer{}
	f := newFixture(t, fixtureOpts{mailer: mailer})
	ctx := context.Background()

	ran, msg, err := f.runner.RunScheduledIfDue(ctx)
	if err != nil || ran || msg != "No enabled audit snapshot schedule." {
		t.Fatalf("disabled schedule: %v %q %v", ran, msg, err)
	}

	if _, err := f.schedules.Save(ctx, schedule.Config{Enabled: true, RecipientEmail: "auditor@example.org", Frequency: schedule.Daily, HourUTC: 1}, true); err != nil {
		t.Fatalf("save schedule: %v", err)
	}
	ran, msg, err = f.runner.RunScheduledIfDue(ctx)
	if err != nil || !ran {
		t.Fatalf("first poll: %v %q %v", ran, msg, err)
	}
	if len(mailer.sent) != 1 || mailer.sent[0].To[0] != "auditor@example.org" {
		t.Fatalf("mail not sent: %+v", mailer.sent)
	}

	f.clock.Add(10 * time.Minute)
	ran, msg, err = f.runner.RunScheduledIfDue(ctx)
	if err != nil || ran || msg != "Snapshot already generated for current schedule window." {
		t.Fatalf("second poll: %v %q %v", ran, msg, err)
	}

	cfg, _ := f.schedules.Get(ctx)
	if cfg.LastRunAt == nil || !cfg.LastRunAt.Equal(time.Date(2026, 4, 7, 2, 0, 0, 0, time.UTC)) {
		t.Fatalf("last_run_at = %v", cfg.LastRunAt)
	}
	runs, _ := f.runs.List(ctx, 10)
	if len(runs) != 1 || runs[0].TriggerType != TriggerScheduled || runs[0].CreatedBy != nil {
		t.Fatalf("runs = %+v", runs)
	}
	if !strings.HasPrefix(runs[0].Message, "Scheduled snapshot emailed.") {
		t.Fatalf("message = %q", runs[0].Message)
	}
}
