package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
)

// SessionRepo implements repository.SessionStore.
type SessionRepo struct{ db *DB }

// NewSessionRepo constructs an open-session repository.
func NewSessionRepo(db *DB) *SessionRepo { return &SessionRepo{db: db} }

const sessionCols = `id, subject, work_ref, state, started_at, start_queued`

func scanSession(row rowScanner) (model.ScanSession, error) {
	var (
		s           model.ScanSession
		id, subject string
		state       string
		started     int64
	)
	if err := row.Scan(&id, &subject, &s.WorkRef, &state, &started, &s.StartQueued); err != nil {
		return s, err
	}
	var err error
	if s.ID, err = uuid.FromString(id); err != nil {
		return s, err
	}
	if s.Subject, err = model.ParseIdentity(subject); err != nil {
		return s, err
	}
	s.State = model.SessionState(state)
	if started != 0 {
		t := fromUnix(started)
		s.StartedAt = &t
	}
	return s, nil
}

func startedAt(s *model.ScanSession) int64 {
	if s.StartedAt == nil {
		return 0
	}
	return toUnix(*s.StartedAt)
}

// Create inserts a new open session.
func (r *SessionRepo) Create(ctx context.Context, s *model.ScanSession) error {
	_, err := r.db.SQL.ExecContext(ctx, `INSERT INTO sessions (`+sessionCols+`) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID.String(), s.Subject.String(), s.WorkRef, string(s.State), startedAt(s), s.StartQueued)
	if isUniqueViolation(err) {
		return errs.ErrSessionAlreadyActive
	}
	return err
}

// Update rewrites the mutable columns.
func (r *SessionRepo) Update(ctx context.Context, s *model.ScanSession) error {
	res, err := r.db.SQL.ExecContext(ctx, `
UPDATE sessions SET state = ?, started_at = ?, start_queued = ? WHERE id = ?`,
		string(s.State), startedAt(s), s.StartQueued, s.ID.String())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// BySubject loads the open session of subject.
func (r *SessionRepo) BySubject(ctx context.Context, subject model.TokenIdentity) (*model.ScanSession, error) {
	s, err := scanSession(r.db.SQL.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE subject = ?`, subject.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Delete removes a session if present.
func (r *SessionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.SQL.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id.String())
	return err
}

// List returns open sessions ordered by start time.
func (r *SessionRepo) List(ctx context.Context) ([]model.ScanSession, error) {
	rows, err := r.db.SQL.QueryContext(ctx, `SELECT `+sessionCols+` FROM sessions ORDER BY started_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ScanSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// isUniqueViolation reports whether err is a SQLite UNIQUE or PRIMARY KEY
// constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
