package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/filecoin-project/go-clock"

	"github.com/yourorg/assetledger/internal/ledger"
	"github.com/yourorg/assetledger/internal/storage"
)

// Recorder receives one call per state change.
type Recorder interface {
	Record(ctx context.Context, eventType, entityType string, entityID, actorID *int64, payload map[string]any) *ledger.Entry
}

// Store owns the inventory tables. Every mutation runs in one transaction
// together with its ledger event.
type Store struct {
	db       *storage.DB
	recorder Recorder
	clock    clock.Clock
}

func NewStore(db *storage.DB, recorder Recorder, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}
	return &Store{db: db, recorder: recorder, clock: clk}
}

func (s *Store) record(ctx context.Context, eventType, entityType string, entityID int64, actorID *int64, payload map[string]any) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(ctx, eventType, entityType, &entityID, actorID, payload)
}

func (s *Store) write(ctx context.Context, fn func(ctx context.Context, q storage.Querier) error) error {
	return s.db.WithSchemaRetry(ctx, func() error {
		return s.db.RunInTx(ctx, func(ctx context.Context) error {
			return fn(ctx, s.db.Conn(ctx))
		})
	})
}

func (s *Store) CreateUser(ctx context.Context, u User, actorID *int64) (User, error) {
	u.Email = strings.TrimSpace(u.Email)
	u.Name = strings.TrimSpace(u.Name)
	if u.Email == "" || u.Name == "" {
		return User{}, errors.New("user email and name are required")
	}
	if u.Role == "" {
		u.Role = "staff"
	}
	u.CreatedAt = s.now()
	err := s.write(ctx, func(ctx context.Context, q storage.Querier) error {
		err := q.QueryRowContext(ctx, s.db.Rebind(`
			INSERT INTO users (email, name, role, asset_tag, grade_level, repeat_breakage_flag, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id
		`), u.Email, u.Name, u.Role, nullString(u.AssetTag), nullString(u.GradeLevel), u.RepeatBreakageFlag, storage.FormatTime(u.CreatedAt)).Scan(&u.ID)
		if err != nil {
			return err
		}
		s.record(ctx, "user_created", "user", u.ID, actorID, map[string]any{"email": u.Email, "name": u.Name, "role": u.Role})
		return nil
	})
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *Store) CreateAsset(ctx context.Context, a Asset, actorID *int64) (Asset, error) {
	a.AssetTag = strings.TrimSpace(a.AssetTag)
	if a.AssetTag == "" || a.Name == "" {
		return Asset{}, errors.New("asset tag and name are required")
	}
	if a.Status == "" {
		a.Status = AssetAvailable
	}
	if a.Condition == "" {
		a.Condition = "good"
	}
	a.CreatedAt = s.now()
	a.UpdatedAt = a.CreatedAt
	err := s.write(ctx, func(ctx context.Context, q storage.Querier) error {
		err := q.QueryRowContext(ctx, s.db.Rebind(`
			INSERT INTO assets (asset_tag, name, category, type, serial_number, status, location, purchase_date,
				purchase_cost, condition, repeat_breakage_flag, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id
		`), a.AssetTag, a.Name, a.Category, a.Type, nullString(a.SerialNumber), a.Status, nullString(a.Location),
			nullString(a.PurchaseDate), nullFloat(a.PurchaseCost), a.Condition, a.RepeatBreakageFlag,
			storage.FormatTime(a.CreatedAt), storage.FormatTime(a.UpdatedAt)).Scan(&a.ID)
		if err != nil {
			return err
		}
		s.record(ctx, "asset_created", "asset", a.ID, actorID, map[string]any{"asset_tag": a.AssetTag, "name": a.Name})
		return nil
	})
	if err != nil {
		return Asset{}, fmt.Errorf("create asset: %w", err)
	}
	return a, nil
}

// CheckOut opens a checkout. The partial unique index on open checkouts
// rejects a second one for the same asset.
func (s *Store) CheckOut(ctx context.Context, assetID int64, to string, by int64, expectedReturn *time.Time) (Checkout, error) {
	c := Checkout{
		AssetID:            assetID,
		CheckedOutTo:       strings.TrimSpace(to),
		CheckedOutBy:       by,
		CheckoutDate:       s.now(),
		ExpectedReturnDate: expectedReturn,
	}
	err := s.write(ctx, func(ctx context.Context, q storage.Querier) error {
		err := q.QueryRowContext(ctx, s.db.Rebind(`
			INSERT INTO checkouts (asset_id, checked_out_to, checked_out_by, checkout_date, expected_return_date, created_at)
			VALUES (?, ?, ?, ?, ?, ?) RETURNING id
		`), c.AssetID, c.CheckedOutTo, c.CheckedOutBy, storage.FormatTime(c.CheckoutDate), storage.NullTime(expectedReturn),
			storage.FormatTime(c.CheckoutDate)).Scan(&c.ID)
		if storage.IsUniqueViolation(err) {
			return ErrAssetAlreadyCheckedOut
		}
		if err != nil {
			return err
		}
		if err := s.setAssetStatus(ctx, q, assetID, AssetCheckedOut); err != nil {
			return err
		}
		s.record(ctx, "checkout_created", "checkout", c.ID, &by, map[string]any{"asset_id": assetID, "checked_out_to": c.CheckedOutTo})
		return nil
	})
	if err != nil {
		return Checkout{}, fmt.Errorf("check out asset %d: %w", assetID, err)
	}
	return c, nil
}

func (s *Store) CheckIn(ctx context.Context, checkoutID int64, condition, notes string, actorID *int64) (Checkout, error) {
	var c Checkout
	err := s.write(ctx, func(ctx context.Context, q storage.Querier) error {
		open, err := s.checkoutByID(ctx, q, checkoutID)
		if err != nil {
			return err
		}
		if open.CheckedInDate != nil {
			return fmt.Errorf("checkout %d already checked in", checkoutID)
		}
		now := s.now()
		open.CheckedInDate = &now
		open.CheckinCondition = condition
		open.CheckinNotes = notes
		if _, err := q.ExecContext(ctx, s.db.Rebind(`
			UPDATE checkouts SET checked_in_date = ?, checkin_condition = ?, checkin_notes = ? WHERE id = ?
		`), storage.FormatTime(now), nullString(condition), nullString(notes), checkoutID); err != nil {
			return err
		}
		if err := s.setAssetStatus(ctx, q, open.AssetID, AssetAvailable); err != nil {
			return err
		}
		s.record(ctx, "checkout_returned", "checkout", checkoutID, actorID, map[string]any{"asset_id": open.AssetID, "condition": condition})
		c = open
		return nil
	})
	if err != nil {
		return Checkout{}, fmt.Errorf("check in %d: %w", checkoutID, err)
	}
	return c, nil
}

func (s *Store) OpenRepair(ctx context.Context, assetID int64, notes string, actorID *int64) (RepairTicket, error) {
	now := s.now()
	t := RepairTicket{AssetID: assetID, Status: RepairOpen, Notes: notes, CreatedAt: now, UpdatedAt: now}
	err := s.write(ctx, func(ctx context.Context, q storage.Querier) error {
		err := q.QueryRowContext(ctx, s.db.Rebind(`
			INSERT INTO repair_tickets (asset_id, status, notes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?) RETURNING id
		`), assetID, t.Status, nullString(notes), storage.FormatTime(now), storage.FormatTime(now)).Scan(&t.ID)
		if storage.IsUniqueViolation(err) {
			return ErrRepairAlreadyOpen
		}
		if err != nil {
			return err
		}
		if err := s.setAssetStatus(ctx, q, assetID, AssetInRepair); err != nil {
			return err
		}
		s.record(ctx, "ticket_created", "repair_ticket", t.ID, actorID, map[string]any{"asset_id": assetID, "status": t.Status})
		return nil
	})
	if err != nil {
		return RepairTicket{}, fmt.Errorf("open repair for asset %d: %w", assetID, err)
	}
	return t, nil
}

// UpdateRepair moves a ticket to status. Closing it returns the asset to
// service.
func (s *Store) UpdateRepair(ctx context.Context, ticketID int64, status, notes string, actorID *int64) (RepairTicket, error) {
	switch status {
	case RepairOpen, RepairInProgress, RepairClosed:
	default:
		return RepairTicket{}, fmt.Errorf("unknown repair status %q", status)
	}
	var t RepairTicket
	err := s.write(ctx, func(ctx context.Context, q storage.Querier) error {
		var (
			created, updated string
			n                sql.NullString
		)
		err := q.QueryRowContext(ctx, s.db.Rebind(`
			SELECT id, asset_id, status, notes, created_at, updated_at FROM repair_tickets WHERE id = ?
		`), ticketID).Scan(&t.ID, &t.AssetID, &t.Status, &n, &created, &updated)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		t.CreatedAt, _ = storage.ParseTime(created)
		from := t.Status
		t.Status = status
		t.Notes = n.String
		if notes != "" {
			t.Notes = notes
		}
		t.UpdatedAt = s.now()
		if _, err := q.ExecContext(ctx, s.db.Rebind(`
			UPDATE repair_tickets SET status = ?, notes = ?, updated_at = ? WHERE id = ?
		`), t.Status, nullString(t.Notes), storage.FormatTime(t.UpdatedAt), t.ID); err != nil {
			return err
		}
		if status == RepairClosed {
			if err := s.setAssetStatus(ctx, q, t.AssetID, AssetAvailable); err != nil {
				return err
			}
		}
		s.record(ctx, "ticket_updated", "repair_ticket", t.ID, actorID, map[string]any{"from": from, "to": status})
		return nil
	})
	if err != nil {
		return RepairTicket{}, fmt.Errorf("update repair %d: %w", ticketID, err)
	}
	return t, nil
}

// ActiveCheckout returns the open checkout for assetID, or nil.
func (s *Store) ActiveCheckout(ctx context.Context, assetID int64) (*Checkout, error) {
	row := s.db.Conn(ctx).QueryRowContext(ctx, s.db.Rebind(checkoutSelect+` WHERE asset_id = ? AND checked_in_date IS NULL`), assetID)
	c, err := scanCheckout(row)
	if errors.Is(err, sql.ErrNoRows) || storage.IsMissingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ActiveRepair returns the ticket for assetID that is not closed, or nil.
func (s *Store) ActiveRepair(ctx context.Context, assetID int64) (*RepairTicket, error) {
	var (
		t                RepairTicket
		notes            sql.NullString
		created, updated string
	)
	err := s.db.Conn(ctx).QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, asset_id, status, notes, created_at, updated_at
		FROM repair_tickets WHERE asset_id = ? AND status <> 'closed'
	`), assetID).Scan(&t.ID, &t.AssetID, &t.Status, &notes, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) || storage.IsMissingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Notes = notes.String
	t.CreatedAt, _ = storage.ParseTime(created)
	t.UpdatedAt, _ = storage.ParseTime(updated)
	return &t, nil
}

func (s *Store) GetAsset(ctx context.Context, id int64) (Asset, error) {
	var (
		a                              Asset
		serial, location, purchaseDate sql.NullString
		cost                           sql.NullFloat64
		created, updated               string
	)
	err := s.db.Conn(ctx).QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, asset_tag, name, category, type, serial_number, status, location, purchase_date, purchase_cost,
			condition, repeat_breakage_flag, created_at, updated_at
		FROM assets WHERE id = ?
	`), id).Scan(&a.ID, &a.AssetTag, &a.Name, &a.Category, &a.Type, &serial, &a.Status, &location, &purchaseDate,
		&cost, &a.Condition, &a.RepeatBreakageFlag, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, err
	}
	a.SerialNumber = serial.String
	a.Location = location.String
	a.PurchaseDate = purchaseDate.String
	if cost.Valid {
		v := cost.Float64
		a.PurchaseCost = &v
	}
	a.CreatedAt, _ = storage.ParseTime(created)
	a.UpdatedAt, _ = storage.ParseTime(updated)
	return a, nil
}

// FindUserByEmailOrName matches free text typed into a checkout against the
// user registry, ignoring case. It returns nil when nothing matches.
func (s *Store) FindUserByEmailOrName(ctx context.Context, text string) (*User, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	var (
		u                    User
		assetTag, gradeLevel sql.NullString
		created              string
	)
	err := s.db.Conn(ctx).QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, email, name, role, asset_tag, grade_level, repeat_breakage_flag, created_at
		FROM users WHERE LOWER(email) = LOWER(?) OR LOWER(name) = LOWER(?)
		ORDER BY id LIMIT 1
	`), text, text).Scan(&u.ID, &u.Email, &u.Name, &u.Role, &assetTag, &gradeLevel, &u.RepeatBreakageFlag, &created)
	if errors.Is(err, sql.ErrNoRows) || storage.IsMissingTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.AssetTag = assetTag.String
	u.GradeLevel = gradeLevel.String
	u.CreatedAt, _ = storage.ParseTime(created)
	return &u, nil
}

// SetRepeatFlag stores the derived repeat-breakage flag on an asset
// (kind "asset") or a user (kind "person").
func (s *Store) SetRepeatFlag(ctx context.Context, kind string, id int64, flag bool) error {
	var query string
	switch kind {
	case "asset":
		query = `UPDATE assets SET repeat_breakage_flag = ? WHERE id = ?`
	case "person":
		query = `UPDATE users SET repeat_breakage_flag = ? WHERE id = ?`
	default:
		return fmt.Errorf("unknown entity kind %q", kind)
	}
	res, err := s.db.Conn(ctx).ExecContext(ctx, s.db.Rebind(query), flag, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

func (s *Store) setAssetStatus(ctx context.Context, q storage.Querier, assetID int64, status string) error {
	res, err := q.ExecContext(ctx, s.db.Rebind(`UPDATE assets SET status = ?, updated_at = ? WHERE id = ?`),
		status, storage.FormatTime(s.now()), assetID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("asset %d: %w", assetID, ErrNotFound)
	}
	return nil
}

const checkoutSelect = `SELECT id, asset_id, checked_out_to, checked_out_by, checkout_date, expected_return_date,
	checked_in_date, checkin_condition, checkin_notes FROM checkouts`

func (s *Store) checkoutByID(ctx context.Context, q storage.Querier, id int64) (Checkout, error) {
	c, err := scanCheckout(q.QueryRowContext(ctx, s.db.Rebind(checkoutSelect+` WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return Checkout{}, ErrNotFound
	}
	return c, err
}

func scanCheckout(row interface{ Scan(...any) error }) (Checkout, error) {
	var (
		c                   Checkout
		checkoutDate        string
		expected, checkedIn sql.NullString
		condition, notes    sql.NullString
	)
	if err := row.Scan(&c.ID, &c.AssetID, &c.CheckedOutTo, &c.CheckedOutBy, &checkoutDate, &expected,
		&checkedIn, &condition, &notes); err != nil {
		return Checkout{}, err
	}
	var err error
	if c.CheckoutDate, err = storage.ParseTime(checkoutDate); err != nil {
		return Checkout{}, err
	}
	if c.ExpectedReturnDate, err = storage.TimePtr(expected); err != nil {
		return Checkout{}, err
	}
	if c.CheckedInDate, err = storage.TimePtr(checkedIn); err != nil {
		return Checkout{}, err
	}
	c.CheckinCondition = condition.String
	c.CheckinNotes = notes.String
	return c, nil
}

func (s *Store) now() time.Time {
	t, _ := storage.ParseTime(storage.FormatTime(s.clock.Now()))
	return t
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
