// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/and161185/fieldtrace/migrations"
)

// Up runs all pending server migrations against the Postgres database at dsn.
func Up(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	return run(ctx, goose.DialectPostgres, db, migrations.Postgres, "postgres")
}

// UpSQLite runs all pending device migrations on an open SQLite handle.
func UpSQLite(ctx context.Context, db *sql.DB) error {
	return run(ctx, goose.DialectSQLite3, db, migrations.SQLite, "sqlite")
}

// run uses a goose Provider rather than the package-level goose state so that
// several stores can migrate concurrently.
func run(ctx context.Context, dialect goose.Dialect, db *sql.DB, fsys fs.FS, dir string) error {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(dialect, db, sub)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", dir, err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("migrate %s: %w", dir, err)
	}
	return nil
}
