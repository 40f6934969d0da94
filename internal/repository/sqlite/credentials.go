package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/and161185/fieldtrace/internal/errs"
)

// CredentialRepo implements repository.CredentialStore. It stores only sealed
// blobs; sealing happens in the credstore package.
type CredentialRepo struct{ db *DB }

// NewCredentialRepo constructs a credential repository.
func NewCredentialRepo(db *DB) *CredentialRepo { return &CredentialRepo{db: db} }

// Put inserts or replaces a sealed record.
func (r *CredentialRepo) Put(ctx context.Context, name string, salt, sealed []byte) error {
	const q = `
INSERT INTO credentials (name, salt, sealed, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET salt = excluded.salt, sealed = excluded.sealed, updated_at = excluded.updated_at`
	_, err := r.db.SQL.ExecContext(ctx, q, name, salt, sealed, time.Now().UnixNano())
	return err
}

// Get loads a sealed record.
func (r *CredentialRepo) Get(ctx context.Context, name string) ([]byte, []byte, error) {
	var salt, sealed []byte
	err := r.db.SQL.QueryRowContext(ctx, `SELECT salt, sealed FROM credentials WHERE name = ?`, name).Scan(&salt, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return salt, sealed, nil
}

// Delete removes a record if present.
func (r *CredentialRepo) Delete(ctx context.Context, name string) error {
	_, err := r.db.SQL.ExecContext(ctx, `DELETE FROM credentials WHERE name = ?`, name)
	return err
}
