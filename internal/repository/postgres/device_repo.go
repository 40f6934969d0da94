package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
)

// DeviceRepo implements DeviceRepository using PostgreSQL.
type DeviceRepo struct{ db *DB }

// NewDeviceRepo constructs a device repository.
func NewDeviceRepo(db *DB) *DeviceRepo { return &DeviceRepo{db: db} }

// Create inserts a new device row.
func (r *DeviceRepo) Create(ctx context.Context, d *model.Device) error {
	const q = `
INSERT INTO devices (id, name, scope, pwd_hash, salt_auth, master_secret)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Pool.Exec(ctx, q, d.ID, d.Name, d.Scope, d.PwdHash, d.SaltAuth, d.MasterSecret)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects a device by ID.
func (r *DeviceRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Device, error) {
	const q = `
SELECT id, name, scope, pwd_hash, salt_auth, master_secret, created_at
FROM devices WHERE id=$1`
	return scanDevice(r.db.Pool.QueryRow(ctx, q, id))
}

// GetByName selects a device by its login name.
func (r *DeviceRepo) GetByName(ctx context.Context, name string) (*model.Device, error) {
	const q = `
SELECT id, name, scope, pwd_hash, salt_auth, master_secret, created_at
FROM devices WHERE name=$1`
	return scanDevice(r.db.Pool.QueryRow(ctx, q, name))
}

func scanDevice(row pgx.Row) (*model.Device, error) {
	var d model.Device
	if err := row.Scan(&d.ID, &d.Name, &d.Scope, &d.PwdHash, &d.SaltAuth, &d.MasterSecret, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// MasterSecret returns the secret shared by the devices of scope.
func (r *DeviceRepo) MasterSecret(ctx context.Context, scope string) ([]byte, error) {
	const q = `SELECT master_secret FROM devices WHERE scope=$1 ORDER BY created_at LIMIT 1`
	var secret []byte
	if err := r.db.Pool.QueryRow(ctx, q, scope).Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return secret, nil
}

// RotateMasterSecret replaces the secret of every device in scope and returns
// how many devices were updated.
func (r *DeviceRepo) RotateMasterSecret(ctx context.Context, scope string, secret []byte) (int64, error) {
	const q = `UPDATE devices SET master_secret=$2 WHERE scope=$1`
	tag, err := r.db.Pool.Exec(ctx, q, scope, secret)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, errs.ErrNotFound
	}
	return tag.RowsAffected(), nil
}
