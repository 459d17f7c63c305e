// Package sqlite is the persistence layer. One database file holds the whole
// ledger: accounts, lots, entries, reservations, payouts, treasury and the
// dead-letter queue.
//
// All money-moving writes go through WithTx, which opens an immediate
// transaction. Combined with a single connection this serializes writers, so
// a transaction sees a frozen view of every balance it touches and partial
// postings can never become visible.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle and exposes typed operations.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies any
// pending migrations. The DSN requests immediate transactions so writers
// take the write lock up front instead of deadlocking on upgrade, and a
// busy timeout so a briefly held lock means waiting, not failing.
func Open(path string) (*DB, error) {
	dsn := "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=synchronous(NORMAL)"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: a single writer at a time, and reads inside a
	// transaction always see that transaction's own writes.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying handle.
func (db *DB) Close() error {
	return db.db.Close()
}

// migrate executes the schema statements one at a time. Every statement is
// idempotent, so running migrations on an existing database is a no-op.
func (db *DB) migrate() error {
	for i, stmt := range Migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// Tx is an open transaction. Operations on Tx see earlier writes of the same
// transaction and become durable only when WithTx commits.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a single transaction. If fn returns an error the
// transaction is rolled back and the error comes back unchanged, so sentinel
// checks with errors.Is work across the boundary.
func (db *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// querier lets read helpers run against either the bare handle or an open
// transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ─── Time Encoding ──────────────────────────────────────────────────────────

// Timestamps are stored as RFC3339 UTC strings. All values share one format
// and zone, so lexicographic comparison in SQL matches chronological order.

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func fmtNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
