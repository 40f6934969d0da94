// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/fieldtrace/internal/model"
	"github.com/gofrs/uuid/v5"
)

// DeviceRepository provides access to registered handhelds.
type DeviceRepository interface {
	// Create inserts a new device.
	Create(ctx context.Context, d *model.Device) error
	// GetByID loads a device by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Device, error)
	// GetByName loads a device by its login name.
	GetByName(ctx context.Context, name string) (*model.Device, error)
	// MasterSecret returns the master secret shared by the devices of scope,
	// or errs.ErrNotFound when the scope has none yet.
	MasterSecret(ctx context.Context, scope string) ([]byte, error)
	// RotateMasterSecret replaces the master secret of every device in scope.
	RotateMasterSecret(ctx context.Context, scope string, secret []byte) (int64, error)
}
