package sqlite

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
)

// ActionRepo implements repository.ActionStore. Enqueue order is the
// autoincrement seq column.
type ActionRepo struct{ db *DB }

// NewActionRepo constructs an action queue repository.
func NewActionRepo(db *DB) *ActionRepo { return &ActionRepo{db: db} }

const actionCols = `id, kind, payload, enqueued_at, attempts, next_retry_at, status, last_error`

func scanAction(row rowScanner) (model.QueuedAction, error) {
	var (
		a              model.QueuedAction
		id             string
		kind, status   string
		enqueued, next int64
	)
	if err := row.Scan(&id, &kind, &a.Payload, &enqueued, &a.Attempts, &next, &status, &a.LastError); err != nil {
		return a, err
	}
	parsed, err := uuid.FromString(id)
	if err != nil {
		return a, err
	}
	a.ID = parsed
	a.Kind = model.ActionKind(kind)
	a.Status = model.ActionStatus(status)
	a.EnqueuedAt = fromUnix(enqueued)
	a.NextRetryAt = fromUnix(next)
	return a, nil
}

// Insert appends a at the tail of the queue.
func (r *ActionRepo) Insert(ctx context.Context, a *model.QueuedAction) error {
	const q = `
INSERT INTO actions (` + actionCols + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.SQL.ExecContext(ctx, q, a.ID.String(), string(a.Kind), a.Payload,
		toUnix(a.EnqueuedAt), a.Attempts, toUnix(a.NextRetryAt), string(a.Status), a.LastError)
	return err
}

func (r *ActionRepo) query(ctx context.Context, q string, args ...any) ([]model.QueuedAction, error) {
	rows, err := r.db.SQL.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.QueuedAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Due returns pending actions with next_retry_at <= now in enqueue order.
func (r *ActionRepo) Due(ctx context.Context, now time.Time) ([]model.QueuedAction, error) {
	return r.query(ctx, `
SELECT `+actionCols+` FROM actions
WHERE status = ? AND next_retry_at <= ?
ORDER BY seq`, string(model.ActionPending), toUnix(now))
}

// List returns actions in enqueue order; an empty status lists all.
func (r *ActionRepo) List(ctx context.Context, status model.ActionStatus) ([]model.QueuedAction, error) {
	if status == "" {
		return r.query(ctx, `SELECT `+actionCols+` FROM actions ORDER BY seq`)
	}
	return r.query(ctx, `SELECT `+actionCols+` FROM actions WHERE status = ? ORDER BY seq`, string(status))
}

// Claim is a compare-and-set from pending to in-flight.
func (r *ActionRepo) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.SQL.ExecContext(ctx,
		`UPDATE actions SET status = ? WHERE id = ? AND status = ?`,
		string(model.ActionInFlight), id.String(), string(model.ActionPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Complete deletes a delivered action.
func (r *ActionRepo) Complete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.SQL.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, id.String())
	return err
}

// Reschedule returns an action to pending after a failed attempt.
func (r *ActionRepo) Reschedule(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	return r.update(ctx, `
UPDATE actions SET status = ?, attempts = ?, next_retry_at = ?, last_error = ?
WHERE id = ?`, string(model.ActionPending), attempts, toUnix(next), lastErr, id.String())
}

// Fail parks an action as failed; the row is kept for the operator.
func (r *ActionRepo) Fail(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error {
	return r.update(ctx, `
UPDATE actions SET status = ?, attempts = ?, last_error = ?
WHERE id = ?`, string(model.ActionFailed), attempts, lastErr, id.String())
}

// Requeue resets a failed action for another round of attempts.
func (r *ActionRepo) Requeue(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.update(ctx, `
UPDATE actions SET status = ?, attempts = 0, next_retry_at = ?, last_error = ''
WHERE id = ? AND status = ?`, string(model.ActionPending), toUnix(now), id.String(), string(model.ActionFailed))
}

// ResetInFlight recovers actions interrupted by a crash mid-submission.
func (r *ActionRepo) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := r.db.SQL.ExecContext(ctx,
		`UPDATE actions SET status = ? WHERE status = ?`,
		string(model.ActionPending), string(model.ActionInFlight))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *ActionRepo) update(ctx context.Context, q string, args ...any) error {
	res, err := r.db.SQL.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}
