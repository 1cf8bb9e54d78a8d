package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
)

func TestRebindPostgres(t *testing.T) {
	d := &DB{Dialect: Postgres}
	got := d.Rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	if got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Fatalf("rebind = %s", got)
	}
	s := &DB{Dialect: SQLite}
	if s.Rebind("a = ?") != "a = ?" {
		t.Fatalf("sqlite queries must be untouched")
	}
}

func TestIsMissingTable(t *testing.T) {
	if !IsMissingTable(&pq.Error{Code: "42P01"}) {
		t.Fatalf("expected undefined_table to match")
	}
	if IsMissingTable(&pq.Error{Code: "23505"}) {
		t.Fatalf("unique violation is not a missing table")
	}
	if !IsMissingTable(errors.New("no such table: audit_ledger")) {
		t.Fatalf("expected sqlite message to match")
	}
	if IsMissingTable(nil) {
		t.Fatalf("nil is not missing")
	}
}

func TestWithSchemaRetryCreatesTablesOnce(t *testing.T) {
	db, err := OpenInMemory(t.Name())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	calls := 0
	err = db.WithSchemaRetry(ctx, func() error {
		calls++
		var n int
		return db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_ledger").Scan(&n)
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one retry, got %d calls", calls)
	}
}

func TestRunInTxRollsBack(t *testing.T) {
	db, err := OpenInMemory(t.Name())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	boom := errors.New("boom")
	err = db.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := db.Conn(ctx).ExecContext(ctx, "INSERT INTO app_settings (key, value) VALUES (?, ?)", "k", "v"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM app_settings").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected rollback, found %d rows", n)
	}
}

func TestFormatTimeRoundTrip(t *testing.T) {
	in := time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC)
	s := FormatTime(in)
	if s != "2024-05-06T07:08:09.123456Z" {
		t.Fatalf("format = %s", s)
	}
	out, err := ParseTime(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !out.Equal(in.Truncate(time.Microsecond)) {
		t.Fatalf("round trip %v != %v", out, in)
	}
}

func TestSavepointFailureKeepsOuterWrite(t *testing.T) {
	db, err := OpenInMemory(t.Name())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	boom := errors.New("boom")
	err = db.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := db.Conn(ctx).ExecContext(ctx, "INSERT INTO app_settings (key, value) VALUES (?, ?)", "outer", "v"); err != nil {
			return err
		}
		serr := db.RunInSavepoint(ctx, "inner_write", func(ctx context.Context) error {
			if _, err := db.Conn(ctx).ExecContext(ctx, "INSERT INTO app_settings (key, value) VALUES (?, ?)", "inner", "v"); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(serr, boom) {
			t.Fatalf("expected boom from savepoint, got %v", serr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer transaction: %v", err)
	}

	var keys []string
	rows, err := db.QueryContext(ctx, "SELECT key FROM app_settings ORDER BY key")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			t.Fatalf("scan: %v", err)
		}
		keys = append(keys, k)
	}
	if len(keys) != 1 || keys[0] != "outer" {
		t.Fatalf("expected only the outer write, got %v", keys)
	}
}

func TestSavepointWithoutOuterTxCommits(t *testing.T) {
	db, err := OpenInMemory(t.Name())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	err = db.RunInSavepoint(ctx, "solo", func(ctx context.Context) error {
		_, err := db.Conn(ctx).ExecContext(ctx, "INSERT INTO app_settings (key, value) VALUES (?, ?)", "k", "v")
		return err
	})
	if err != nil {
		t.Fatalf("savepoint: %v", err)
	}
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM app_settings").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected committed row, found %d", n)
	}
}
