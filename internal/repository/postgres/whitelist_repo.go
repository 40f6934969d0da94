package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
)

// WhitelistRepo implements WhitelistRepository using PostgreSQL.
type WhitelistRepo struct{ db *DB }

// NewWhitelistRepo constructs a whitelist repository.
func NewWhitelistRepo(db *DB) *WhitelistRepo { return &WhitelistRepo{db: db} }

// List returns every entry of scope with its location.
func (r *WhitelistRepo) List(ctx context.Context, scope string) ([]model.WhitelistEntry, error) {
	const q = `
SELECT w.token, w.activated_at, w.status, l.id, l.name
FROM whitelist_entries w
LEFT JOIN locations l ON l.id = w.location_id
WHERE w.scope=$1
ORDER BY w.activated_at, w.token`
	rows, err := r.db.Pool.Query(ctx, q, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.WhitelistEntry, 0)
	for rows.Next() {
		var (
			e       model.WhitelistEntry
			status  string
			locID   *string
			locName *string
		)
		if err := rows.Scan(&e.Token, &e.ActivatedAt, &status, &locID, &locName); err != nil {
			return nil, err
		}
		e.Status = model.EntryStatus(status)
		if locID != nil {
			e.Location = &model.Location{ID: *locID}
			if locName != nil {
				e.Location.Name = *locName
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Upsert inserts or replaces an entry, creating or renaming its location.
func (r *WhitelistRepo) Upsert(ctx context.Context, scope string, e model.WhitelistEntry) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		var locID *string
		if e.Location != nil {
			const loc = `
INSERT INTO locations (id, name) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name`
			if _, err := tx.Exec(ctx, loc, e.Location.ID, e.Location.Name); err != nil {
				return err
			}
			locID = &e.Location.ID
		}

		const ins = `
INSERT INTO whitelist_entries (scope, token, location_id, activated_at, status)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (scope, token) DO UPDATE
SET location_id=EXCLUDED.location_id, activated_at=EXCLUDED.activated_at, status=EXCLUDED.status`
		_, err := tx.Exec(ctx, ins, scope, e.Token, locID, e.ActivatedAt, string(e.Status))
		return err
	})
}

// SetStatus changes the status of an existing entry.
func (r *WhitelistRepo) SetStatus(ctx context.Context, scope string, token model.TokenIdentity, st model.EntryStatus) error {
	const q = `UPDATE whitelist_entries SET status=$3 WHERE scope=$1 AND token=$2`
	tag, err := r.db.Pool.Exec(ctx, q, scope, token, string(st))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
