package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
)

// WhitelistRepo implements repository.LocalWhitelist.
type WhitelistRepo struct{ db *DB }

// NewWhitelistRepo constructs a whitelist cache repository.
func NewWhitelistRepo(db *DB) *WhitelistRepo { return &WhitelistRepo{db: db} }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (model.WhitelistEntry, error) {
	var (
		e              model.WhitelistEntry
		token          string
		locID, locName sql.NullString
		activated      int64
		status         string
	)
	if err := row.Scan(&token, &locID, &locName, &activated, &status); err != nil {
		return e, err
	}
	id, err := model.ParseIdentity(token)
	if err != nil {
		return e, err
	}
	e.Token = id
	if locID.Valid {
		e.Location = &model.Location{ID: locID.String, Name: locName.String}
	}
	e.ActivatedAt = fromUnix(activated)
	e.Status = model.EntryStatus(status)
	return e, nil
}

func entryArgs(e model.WhitelistEntry) []any {
	var locID, locName sql.NullString
	if e.Location != nil {
		locID = sql.NullString{String: e.Location.ID, Valid: true}
		locName = sql.NullString{String: e.Location.Name, Valid: true}
	}
	return []any{e.Token.String(), locID, locName, toUnix(e.ActivatedAt), string(e.Status)}
}

// Get selects one entry in any status.
func (r *WhitelistRepo) Get(ctx context.Context, id model.TokenIdentity) (*model.WhitelistEntry, error) {
	const q = `
SELECT token, location_id, location_name, activated_at, status
FROM whitelist WHERE token = ?`
	e, err := scanEntry(r.db.SQL.QueryRowContext(ctx, q, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Put inserts or replaces one entry.
func (r *WhitelistRepo) Put(ctx context.Context, e model.WhitelistEntry) error {
	if !e.Status.Valid() {
		return fmt.Errorf("whitelist entry %s: unknown status %q", e.Token, e.Status)
	}
	const q = `
INSERT INTO whitelist (token, location_id, location_name, activated_at, status)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (token) DO UPDATE SET
    location_id = excluded.location_id,
    location_name = excluded.location_name,
    activated_at = excluded.activated_at,
    status = excluded.status`
	_, err := r.db.SQL.ExecContext(ctx, q, entryArgs(e)...)
	return err
}

// Delete removes one entry; deleting an absent entry is not an error.
func (r *WhitelistRepo) Delete(ctx context.Context, id model.TokenIdentity) error {
	_, err := r.db.SQL.ExecContext(ctx, `DELETE FROM whitelist WHERE token = ?`, id.String())
	return err
}

// Replace fills a staging table and swaps it in within one transaction, so a
// failure at any point leaves the previous snapshot untouched.
func (r *WhitelistRepo) Replace(ctx context.Context, scope string, entries []model.WhitelistEntry, syncedAt time.Time) (err error) {
	tx, err := r.db.SQL.BeginTx(ctx, nil)
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

	const staging = `
CREATE TEMP TABLE IF NOT EXISTS whitelist_staging (
    token         TEXT PRIMARY KEY,
    location_id   TEXT,
    location_name TEXT,
    activated_at  INTEGER NOT NULL,
    status        TEXT NOT NULL
)`
	if _, err = tx.ExecContext(ctx, staging); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM temp.whitelist_staging`); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO temp.whitelist_staging (token, location_id, location_name, activated_at, status)
VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if !e.Status.Valid() {
			return fmt.Errorf("whitelist entry %s: unknown status %q", e.Token, e.Status)
		}
		if _, err = stmt.ExecContext(ctx, entryArgs(e)...); err != nil {
			return err
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM whitelist`); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO whitelist (token, location_id, location_name, activated_at, status)
SELECT token, location_id, location_name, activated_at, status FROM temp.whitelist_staging`); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM temp.whitelist_staging`); err != nil {
		return err
	}
	const meta = `
INSERT INTO whitelist_meta (id, scope, last_synced_at) VALUES (1, ?, ?)
ON CONFLICT (id) DO UPDATE SET scope = excluded.scope, last_synced_at = excluded.last_synced_at`
	_, err = tx.ExecContext(ctx, meta, scope, toUnix(syncedAt))
	return err
}

// Snapshot reads every entry ordered by token plus the scope marker.
func (r *WhitelistRepo) Snapshot(ctx context.Context) (*model.WhitelistSnapshot, error) {
	snap := &model.WhitelistSnapshot{}
	var synced int64
	err := r.db.SQL.QueryRowContext(ctx, `SELECT scope, last_synced_at FROM whitelist_meta WHERE id = 1`).Scan(&snap.Scope, &synced)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		snap.LastSyncedAt = fromUnix(synced)
	}

	rows, err := r.db.SQL.QueryContext(ctx, `
SELECT token, location_id, location_name, activated_at, status
FROM whitelist ORDER BY token`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		snap.Entries = append(snap.Entries, e)
	}
	return snap, rows.Err()
}

// Clear removes every entry and the scope marker together.
func (r *WhitelistRepo) Clear(ctx context.Context) (err error) {
	tx, err := r.db.SQL.BeginTx(ctx, nil)
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
	if _, err = tx.ExecContext(ctx, `DELETE FROM whitelist`); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM whitelist_meta`)
	return err
}
