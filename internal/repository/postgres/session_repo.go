package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
)

// SessionRepo implements SessionRepository using PostgreSQL.
type SessionRepo struct{ db *DB }

// NewSessionRepo constructs a scan-session repository.
func NewSessionRepo(db *DB) *SessionRepo { return &SessionRepo{db: db} }

// Start inserts a started session.
func (r *SessionRepo) Start(ctx context.Context, s *model.Session) error {
	const q = `
INSERT INTO scan_sessions (id, scope, subject, work_ref, started_at)
VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Pool.Exec(ctx, q, s.ID, s.Scope, s.Subject, s.WorkRef, s.StartedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Get loads a session by id within scope.
func (r *SessionRepo) Get(ctx context.Context, scope string, id uuid.UUID) (*model.Session, error) {
	const q = `
SELECT id, scope, subject, work_ref, started_at, ended_at, result
FROM scan_sessions WHERE scope=$1 AND id=$2`
	var s model.Session
	err := r.db.Pool.QueryRow(ctx, q, scope, id).
		Scan(&s.ID, &s.Scope, &s.Subject, &s.WorkRef, &s.StartedAt, &s.EndedAt, &s.Result)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// End completes a session under a row lock.
func (r *SessionRepo) End(ctx context.Context, scope string, id uuid.UUID, endedAt time.Time, result []byte) error {
	return r.db.inTx(ctx, func(tx pgx.Tx) error {
		const sel = `SELECT ended_at FROM scan_sessions WHERE scope=$1 AND id=$2 FOR UPDATE`
		var ended *time.Time
		if err := tx.QueryRow(ctx, sel, scope, id).Scan(&ended); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		if ended != nil {
			return errs.ErrConflict
		}

		const upd = `UPDATE scan_sessions SET ended_at=$3, result=$4 WHERE scope=$1 AND id=$2`
		_, err := tx.Exec(ctx, upd, scope, id, endedAt, nullJSON(result))
		return err
	})
}

// nullJSON maps an empty payload to SQL NULL for JSONB columns.
func nullJSON(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
