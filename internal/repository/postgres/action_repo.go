package postgres

import (
	"context"

	"github.com/and161185/fieldtrace/internal/model"
)

// ActionRepo implements ActionRepository using PostgreSQL.
type ActionRepo struct{ db *DB }

// NewActionRepo constructs an action receipt repository.
func NewActionRepo(db *DB) *ActionRepo { return &ActionRepo{db: db} }

// Apply stores the receipt unless its idempotency key was seen before.
func (r *ActionRepo) Apply(ctx context.Context, a *model.ActionReceipt) (bool, error) {
	const q = `
INSERT INTO action_receipts (id, scope, kind, payload)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`
	tag, err := r.db.Pool.Exec(ctx, q, a.ID, a.Scope, a.Kind, a.Payload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
