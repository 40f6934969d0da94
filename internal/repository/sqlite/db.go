// Package sqlite contains the device-local SQLite store: whitelist cache,
// offline action queue and sealed credentials.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/and161185/fieldtrace/internal/migrate"
)

// DB is the device store handle.
type DB struct{ SQL *sql.DB }

// Open opens (creating if needed) the store at path and applies migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	// single writer; also keeps transactions and plain queries on one connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open device store: %w", err)
	}
	if err := migrate.UpSQLite(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{SQL: db}, nil
}

// Close closes the underlying handle.
func (db *DB) Close() error { return db.SQL.Close() }

// ClearAll wipes every tenant-scoped table (logout / tenant switch).
func (db *DB) ClearAll(ctx context.Context) (err error) {
	tx, err := db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	for _, q := range []string{
		`DELETE FROM whitelist`,
		`DELETE FROM whitelist_meta`,
		`DELETE FROM actions`,
		`DELETE FROM sessions`,
		`DELETE FROM credentials`,
	} {
		if _, err = tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
