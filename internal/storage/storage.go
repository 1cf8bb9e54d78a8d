// Package storage opens the relational store shared by the ledger, the
// inventory boundary and the snapshot bookkeeping tables.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects driver-specific SQL.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// TimeLayout is the fixed-width UTC layout used for every stored timestamp.
// Stored text sorts chronologically and is the exact string fed to digests.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps *sql.DB with the dialect it was opened with.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to driver/dsn. sqlite connections are capped at one so
// writers never race for the file lock.
func Open(driver, dsn string) (*DB, error) {
	dialect := Dialect(driver)
	switch dialect {
	case SQLite, Postgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect == SQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	return &DB{DB: db, Dialect: dialect}, nil
}

// OpenInMemory returns a private in-memory sqlite database. The name keeps
// concurrently opened databases apart.
func OpenInMemory(name string) (*DB, error) {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == ' ' || r == '?' || r == '&' {
			return '_'
		}
		return r
	}, name)
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", safe, uuid.NewString())
	return Open(string(SQLite), dsn)
}

type txKey struct{}

// RunInTx runs fn inside one transaction. A transaction already carried by
// ctx is joined instead of nesting, so a caller's unit of work covers every
// write made on its behalf.
func (d *DB) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = fn(context.WithValue(ctx, txKey{}, tx))
	if err != nil {
		return err
	}
	return tx.Commit()
}

// RunInSavepoint is RunInTx for writes that must not spoil the caller's
// unit of work. Inside a joined transaction fn runs under SAVEPOINT name and
// a failure rolls back to it, leaving the outer transaction usable (postgres
// aborts the whole transaction on any failed statement otherwise). Without
// an outer transaction it is a plain RunInTx.
func (d *DB) RunInSavepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	if !ok {
		return d.RunInTx(ctx, fn)
	}
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if _, rerr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rerr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint %s: %w", name, rerr))
		}
		_, _ = tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		return err
	}
	_, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

// Conn returns the transaction carried by ctx, or the pool.
func (d *DB) Conn(ctx context.Context) Querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return d.DB
}

// Rebind rewrites "?" placeholders for the active dialect.
func (d *DB) Rebind(query string) string {
	if d.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsMissingTable reports whether err means the schema has not been created.
func IsMissingTable(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	return strings.Contains(err.Error(), "no such table")
}

// IsUniqueViolation reports whether err is a uniqueness constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// WithSchemaRetry runs fn and, when it fails because tables are missing,
// creates the schema and runs fn exactly once more.
func (d *DB) WithSchemaRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if !IsMissingTable(err) {
		return err
	}
	if serr := d.EnsureSchema(ctx); serr != nil {
		return fmt.Errorf("create schema: %w", serr)
	}
	return fn()
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(TimeLayout)
}

// ParseTime reads a value written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// NullTime renders an optional timestamp for a nullable column.
func NullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

// NullInt renders an optional id for a nullable column.
func NullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// IntPtr converts a scanned nullable integer.
func IntPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

// TimePtr converts a scanned nullable timestamp column.
func TimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
