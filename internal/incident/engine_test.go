package incident

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/filecoin-project/go-clock"

	"github.com/yourorg/assetledger/internal/inventory"
	"github.com/yourorg/assetledger/internal/ledger"
	"github.com/yourorg/assetledger/internal/storage"
)

type fixture struct {
	engine *Engine
	inv    *inventory.Store
	ledger *ledger.Store
	clock  *clock.Mock
	asset  inventory.Asset
	user   inventory.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenInMemory(t.Name())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))

	store := ledger.NewStore(db, ledger.NewSettings(db), clk, nil)
	if err := store.SetEnabled(ctx, true, nil); err != nil {
		t.Fatalf("enable ledger: %v", err)
	}
	rec := ledger.NewRecorder(store, nil, nil)
	inv := inventory.NewStore(db, rec, clk)
	user, err := inv.CreateUser(ctx, inventory.User{Email: "sam@example.org", Name: "Sam Lee", Role: "student"}, nil)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	asset, err := inv.CreateAsset(ctx, inventory.Asset{AssetTag: "CB-100", Name: "Chromebook", Category: "computer", Type: "chromebook"}, nil)
	if err != nil {
		t.Fatalf("create asset: %v", err)
	}
	return &fixture{
		engine: NewEngine(db, inv, rec, Options{Clock: clk}),
		inv:    inv,
		ledger: store,
		clock:  clk,
		asset:  asset,
		user:   user,
	}
}

func TestThresholdBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		flagged, err := f.engine.RecordIncident(ctx, Incident{EntityID: f.asset.ID, EntityKind: KindAsset, Source: "checkin"})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if want := i >= 3; flagged != want {
			t.Fatalf("after %d incidents flagged = %v, want %v", i, flagged, want)
		}
	}
	asset, err := f.inv.GetAsset(ctx, f.asset.ID)
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	if !asset.RepeatBreakageFlag {
		t.Fatalf("flag not persisted")
	}
}

func TestIncidentsOutsideWindowDoNotCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	observed := []time.Time{
		now.Add(-181 * 24 * time.Hour),
		now.Add(-30 * 24 * time.Hour),
		now.Add(-1 * time.Hour),
	}
	var flagged bool
	for _, at := range observed {
		var err error
		flagged, err = f.engine.RecordIncident(ctx, Incident{EntityID: f.asset.ID, EntityKind: KindAsset, ObservedAt: at, Source: "report"})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if flagged {
		t.Fatalf("incident older than the window was counted")
	}
}

func TestFlagIsNotClearedWithoutNewIncident(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.engine.RecordIncident(ctx, Incident{EntityID: f.asset.ID, EntityKind: KindAsset, Source: "checkin"}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	f.clock.Add(200 * 24 * time.Hour)
	asset, _ := f.inv.GetAsset(ctx, f.asset.ID)
	if !asset.RepeatBreakageFlag {
		t.Fatalf("flag cleared without a new incident")
	}

	flagged, err := f.engine.RefreshFlag(ctx, f.asset.ID, KindAsset)
	if err != nil || flagged {
		t.Fatalf("explicit refresh = %v %v", flagged, err)
	}
}

func TestRecordDamageResolvesPerson(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.RecordDamage(ctx, Damage{AssetID: f.asset.ID, CheckedOutTo: "SAM LEE", Source: "checkin", Notes: "cracked hinge"})
	if err != nil {
		t.Fatalf("record damage: %v", err)
	}
	if res.PersonID == nil || *res.PersonID != f.user.ID {
		t.Fatalf("person not resolved: %+v", res)
	}

	latest, err := f.ledger.Latest(ctx)
	if err != nil || latest == nil {
		t.Fatalf("latest: %v %v", latest, err)
	}
	if latest.EventType != ledger.EventDamageIncident || *latest.EntityID != f.asset.ID {
		t.Fatalf("unexpected ledger tail: %+v", latest)
	}

	res, err = f.engine.RecordDamage(ctx, Damage{AssetID: f.asset.ID, CheckedOutTo: "visitor", Source: "report"})
	if err != nil {
		t.Fatalf("record damage: %v", err)
	}
	if res.PersonID != nil {
		t.Fatalf("unknown person resolved to %d", *res.PersonID)
	}
}

func TestIncidentForUnknownEntityIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		flagged, err := f.engine.RecordIncident(ctx, Incident{EntityID: 99999, EntityKind: KindAsset, Source: "checkin"})
		if !errors.Is(err, ErrInvalidIncident) || !errors.Is(err, inventory.ErrNotFound) {
			t.Fatalf("expected unknown asset to be rejected, got flagged=%v err=%v", flagged, err)
		}
	}
	var n int
	if err := f.engine.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents WHERE entity_id = 99999`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("orphan incidents stored: %d", n)
	}

	before, _ := f.ledger.Latest(ctx)
	if _, err := f.engine.RecordDamage(ctx, Damage{AssetID: 424242, CheckedOutTo: "Sam Lee", Source: "checkin"}); !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("expected damage on unknown asset to fail, got %v", err)
	}
	after, _ := f.ledger.Latest(ctx)
	if after.ID != before.ID {
		t.Fatalf("damage on unknown asset reached the ledger: %+v", after)
	}
	if _, err := f.engine.RefreshFlag(ctx, 777, KindPerson); !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("expected unknown person refresh to fail, got %v", err)
	}
}
