package repository

import (
	"context"
	"time"

	"github.com/and161185/fieldtrace/internal/model"
	"github.com/gofrs/uuid/v5"
)

// WhitelistRepository is the authoritative whitelist kept by the server of record.
type WhitelistRepository interface {
	// List returns every entry of scope.
	List(ctx context.Context, scope string) ([]model.WhitelistEntry, error)
	// Upsert inserts or replaces an entry, creating its location if needed.
	Upsert(ctx context.Context, scope string, e model.WhitelistEntry) error
	// SetStatus changes the status of an existing entry.
	SetStatus(ctx context.Context, scope string, token model.TokenIdentity, st model.EntryStatus) error
}

// SessionRepository persists scan-session timing records.
type SessionRepository interface {
	// Start inserts a started session; a duplicate id yields errs.ErrAlreadyExists.
	Start(ctx context.Context, s *model.Session) error
	// Get loads a session by id within scope.
	Get(ctx context.Context, scope string, id uuid.UUID) (*model.Session, error)
	// End completes a session; an already ended session yields errs.ErrConflict.
	End(ctx context.Context, scope string, id uuid.UUID, endedAt time.Time, result []byte) error
}

// ActionRepository records generic actions under their idempotency key.
type ActionRepository interface {
	// Apply stores the receipt; inserted is false when the key was already applied.
	Apply(ctx context.Context, r *model.ActionReceipt) (inserted bool, err error)
}
