package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"github.com/filecoin-project/go-clock"

	"github.com/yourorg/assetledger/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.DB, *clock.Mock) {
	t.Helper()
	db, err := storage.OpenInMemory(t.Name())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC))
	store := NewStore(db, NewSettings(db), clk, nil)
	return store, db, clk
}

func enable(t *testing.T, s *Store) {
	t.Helper()
	if err := s.SetEnabled(context.Background(), true, nil); err != nil {
		t.Fatalf("enable: %v", err)
	}
}

func id(v int64) *int64 { return &v }

func TestAppendChainsEntries(t *testing.T) {
	store, _, clk := newTestStore(t)
	ctx := context.Background()
	enable(t, store)

	marker, err := store.Latest(ctx)
	if err != nil || marker == nil {
		t.Fatalf("latest after enable: %v %v", marker, err)
	}
	if marker.EventType != EventLedgerEnabled || marker.PrevHash != "" {
		t.Fatalf("unexpected first entry: %+v", marker)
	}

	clk.Add(time.Second)
	a, err := store.Append(ctx, Event{EventType: "asset_created", EntityType: "asset", EntityID: id(7), ActorID: id(1), Payload: map[string]any{"asset_tag": "LT-1"}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	b, err := store.Append(ctx, Event{EventType: "asset_updated", EntityType: "asset", EntityID: id(7)})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if a.PrevHash != marker.EntryHash {
		t.Fatalf("first event should chain to marker")
	}
	if b.PrevHash != a.EntryHash {
		t.Fatalf("second event should chain to first")
	}
	if a.PayloadJSON != `{"asset_tag":"LT-1"}` {
		t.Fatalf("payload = %q", a.PayloadJSON)
	}
	if b.PayloadJSON != "" {
		t.Fatalf("nil payload should digest as empty, got %q", b.PayloadJSON)
	}
	if !a.CreatedAt.Equal(clk.Now()) {
		t.Fatalf("created_at = %v, want %v", a.CreatedAt, clk.Now())
	}

	report, err := store.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK || report.Total != 3 || report.LastHash != b.EntryHash {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestStoredHashMatchesRecomputation(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	enable(t, store)

	f := func(eventType string, entity int64, note string) bool {
		e, err := store.Append(ctx, Event{EventType: "x_" + eventType, EntityType: "asset", EntityID: &entity, Payload: map[string]any{"note": note}})
		if err != nil || e == nil {
			return false
		}
		latest, err := store.Latest(ctx)
		if err != nil || latest == nil {
			return false
		}
		return latest.EntryHash == e.EntryHash && latest.ComputeHash() == latest.EntryHash
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 25}); err != nil {
		t.Fatal(err)
	}
	report, err := store.Verify(ctx)
	if err != nil || !report.OK {
		t.Fatalf("verify: %+v %v", report, err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	store, db, _ := newTestStore(t)
	ctx := context.Background()
	enable(t, store)
	for i := 0; i < 3; i++ {
		if _, err := store.Append(ctx, Event{EventType: "user_created", EntityType: "user", EntityID: id(int64(i))}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if _, err := db.ExecContext(ctx, `UPDATE audit_ledger SET payload_json = '{"role":"admin"}' WHERE id = 3`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	report, err := store.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.OK {
		t.Fatalf("tampered ledger verified")
	}
	if len(report.Errors) == 0 || report.Errors[0] != "hash mismatch at 3" {
		t.Fatalf("errors = %v", report.Errors)
	}
}

func TestDisabledLedgerWritesNothing(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	e, err := store.Append(ctx, Event{EventType: "asset_created", EntityType: "asset"})
	if err != nil || e != nil {
		t.Fatalf("append on fresh store: %v %v", e, err)
	}
	latest, err := store.Latest(ctx)
	if err != nil || latest != nil {
		t.Fatalf("expected empty ledger, got %v %v", latest, err)
	}
}

func TestToggleWritesGapMarkers(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	enable(t, store)

	before, _ := store.Append(ctx, Event{EventType: "asset_created", EntityType: "asset"})
	if err := store.SetEnabled(ctx, false, id(9)); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if e, _ := store.Append(ctx, Event{EventType: "asset_updated", EntityType: "asset"}); e != nil {
		t.Fatalf("append while disabled wrote %+v", e)
	}
	if err := store.SetEnabled(ctx, true, id(9)); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	after, err := store.Append(ctx, Event{EventType: "asset_deleted", EntityType: "asset"})
	if err != nil || after == nil {
		t.Fatalf("append after re-enable: %v %v", after, err)
	}

	entries, err := store.List(ctx, Filter{Category: "ledger_"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 markers, got %d", len(entries))
	}
	if entries[1].EventType != EventLedgerDisabled || entries[1].PrevHash != before.EntryHash {
		t.Fatalf("disable marker should follow last event: %+v", entries[1])
	}
	if entries[1].PayloadJSON != `{"from":true,"setting":"audit_ledger_enabled","to":false}` {
		t.Fatalf("marker payload = %s", entries[1].PayloadJSON)
	}
	if entries[0].EventType != EventLedgerEnabled || entries[0].PrevHash != entries[1].EntryHash {
		t.Fatalf("enable marker should chain to disable marker: %+v", entries[0])
	}

	report, err := store.Verify(ctx)
	if err != nil || !report.OK {
		t.Fatalf("verify: %+v %v", report, err)
	}
	if len(report.Resumed) != 2 || report.Resumed[1] != entries[0].ID {
		t.Fatalf("resumed = %v", report.Resumed)
	}
}

func TestConcurrentAppendsDoNotFork(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	enable(t, store)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Append(ctx, Event{EventType: "checkout_created", EntityType: "checkout", Payload: map[string]any{"n": i}})
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	report, err := store.Verify(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK || report.Total != 21 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestListFiltersAndLimits(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	enable(t, store)
	for i := 0; i < 5; i++ {
		kind := "ticket_created"
		if i%2 == 1 {
			kind = "asset_created"
		}
		if _, err := store.Append(ctx, Event{EventType: kind, EntityType: "x", Payload: map[string]any{"i": i}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tickets, err := store.List(ctx, Filter{Category: "ticket"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tickets) != 3 {
		t.Fatalf("expected 3 ticket entries, got %d", len(tickets))
	}
	if tickets[0].ID < tickets[1].ID {
		t.Fatalf("expected newest first")
	}

	if _, err := store.Append(ctx, Event{EventType: "assetXcreated", EntityType: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	for category, want := range map[string]int{"asset_": 2, "asset_c": 2, "asset%": 0, "assetX": 1} {
		got, err := store.List(ctx, Filter{Category: category})
		if err != nil {
			t.Fatalf("list %q: %v", category, err)
		}
		if len(got) != want {
			t.Fatalf("category %q matched %d entries, want %d", category, len(got), want)
		}
	}

	limited, err := store.List(ctx, Filter{Limit: 2})
	if err != nil || len(limited) != 2 {
		t.Fatalf("limited list: %d %v", len(limited), err)
	}
}

type failingAppender struct{ calls int }

func (f *failingAppender) Append(context.Context, Event) (*Entry, error) {
	f.calls++
	return nil, fmt.Errorf("%w: disk gone", ErrStorageUnavailable)
}

func TestRecorderSwallowsStorageErrors(t *testing.T) {
	app := &failingAppender{}
	rec := NewRecorder(app, nil, nil)
	if e := rec.Record(context.Background(), "asset_created", "asset", id(1), nil, nil); e != nil {
		t.Fatalf("expected nil entry, got %+v", e)
	}
	if app.calls != 1 {
		t.Fatalf("calls = %d", app.calls)
	}
}

func TestRecorderOnEmptyDatabaseCreatesSchema(t *testing.T) {
	store, _, _ := newTestStore(t)
	rec := NewRecorder(store, nil, nil)
	ctx := context.Background()
	if e := rec.Record(ctx, "asset_created", "asset", id(1), nil, nil); e != nil {
		t.Fatalf("disabled ledger should not write")
	}
	if err := store.SetEnabled(ctx, true, nil); err != nil {
		t.Fatalf("enable: %v", err)
	}
	e := rec.Record(ctx, "asset_created", "asset", id(1), id(2), map[string]any{"name": "Chromebook"})
	if e == nil || e.ID == 0 {
		t.Fatalf("expected written entry, got %+v", e)
	}
}

func TestSeedDoesNotOverrideStoredToggle(t *testing.T) {
	store, db, _ := newTestStore(t)
	ctx := context.Background()
	settings := NewSettings(db)

	if err := settings.SeedLedgerEnabled(ctx, true); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if on, _ := store.Enabled(ctx); !on {
		t.Fatalf("expected seeded default to apply")
	}
	if err := store.SetEnabled(ctx, false, id(1)); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := settings.SeedLedgerEnabled(ctx, true); err != nil {
		t.Fatalf("seed again: %v", err)
	}
	if on, _ := store.Enabled(ctx); on {
		t.Fatalf("seed must not override an explicit disable")
	}
}

func TestDroppedAppendDoesNotSpoilCallerTransaction(t *testing.T) {
	store, db, _ := newTestStore(t)
	ctx := context.Background()
	enable(t, store)
	before, err := store.Latest(ctx)
	if err != nil || before == nil {
		t.Fatalf("latest: %v %+v", err, before)
	}
	if _, err := db.ExecContext(ctx, `CREATE TRIGGER reject_ledger BEFORE INSERT ON audit_ledger
		BEGIN SELECT RAISE(ABORT, 'ledger offline'); END`); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	rec := NewRecorder(store, nil, nil)
	err = db.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := db.Conn(ctx).ExecContext(ctx, "INSERT INTO app_settings (key, value) VALUES (?, ?)", "site_name", "North"); err != nil {
			return err
		}
		if e := rec.Record(ctx, "asset_created", "asset", id(1), nil, nil); e != nil {
			t.Fatalf("expected dropped write, got %+v", e)
		}
		_, err := db.Conn(ctx).ExecContext(ctx, "UPDATE app_settings SET value = ? WHERE key = ?", "South", "site_name")
		return err
	})
	if err != nil {
		t.Fatalf("caller transaction failed: %v", err)
	}

	var value string
	if err := db.QueryRowContext(ctx, "SELECT value FROM app_settings WHERE key = ?", "site_name").Scan(&value); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if value != "South" {
		t.Fatalf("value = %q", value)
	}
	after, err := store.Latest(ctx)
	if err != nil || after == nil || after.ID != before.ID {
		t.Fatalf("tail moved: before %+v after %+v err %v", before, after, err)
	}
}
