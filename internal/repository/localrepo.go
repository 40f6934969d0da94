package repository

import (
	"context"
	"time"

	"github.com/and161185/fieldtrace/internal/model"
	"github.com/gofrs/uuid/v5"
)

// LocalWhitelist is the device-side whitelist cache.
type LocalWhitelist interface {
	// Get returns the entry for id in any status, or errs.ErrNotFound.
	Get(ctx context.Context, id model.TokenIdentity) (*model.WhitelistEntry, error)
	// Put inserts or replaces one entry.
	Put(ctx context.Context, e model.WhitelistEntry) error
	// Delete removes one entry.
	Delete(ctx context.Context, id model.TokenIdentity) error
	// Replace swaps the whole cache for scope in one transaction.
	Replace(ctx context.Context, scope string, entries []model.WhitelistEntry, syncedAt time.Time) error
	// Snapshot reads the whole cache.
	Snapshot(ctx context.Context) (*model.WhitelistSnapshot, error)
	// Clear removes every entry and the scope marker.
	Clear(ctx context.Context) error
}

// ActionStore persists the offline action queue.
type ActionStore interface {
	// Insert appends a new action at the tail.
	Insert(ctx context.Context, a *model.QueuedAction) error
	// Due returns pending actions whose retry time has come, in enqueue order.
	Due(ctx context.Context, now time.Time) ([]model.QueuedAction, error)
	// Claim moves a pending action to in-flight; false if it was not pending.
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	// Complete removes a delivered action.
	Complete(ctx context.Context, id uuid.UUID) error
	// Reschedule returns an in-flight action to pending with a new retry time.
	Reschedule(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error
	// Fail parks an action as failed.
	Fail(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error
	// Requeue resets a failed action to pending with zero attempts.
	Requeue(ctx context.Context, id uuid.UUID, now time.Time) error
	// List returns actions in enqueue order, optionally filtered by status.
	List(ctx context.Context, status model.ActionStatus) ([]model.QueuedAction, error)
	// ResetInFlight returns interrupted in-flight actions to pending.
	ResetInFlight(ctx context.Context) (int64, error)
}

// CredentialStore keeps sealed credential records.
type CredentialStore interface {
	Put(ctx context.Context, name string, salt, sealed []byte) error
	// Get returns errs.ErrNotFound when the record is absent.
	Get(ctx context.Context, name string) (salt, sealed []byte, err error)
	Delete(ctx context.Context, name string) error
}

// SessionStore keeps open scan sessions across process restarts. At most one
// session per subject exists.
type SessionStore interface {
	// Create inserts s; errs.ErrSessionAlreadyActive if the subject has one.
	Create(ctx context.Context, s *model.ScanSession) error
	// Update rewrites state and flags of an existing session.
	Update(ctx context.Context, s *model.ScanSession) error
	// BySubject returns the open session of subject, or errs.ErrNotFound.
	BySubject(ctx context.Context, subject model.TokenIdentity) (*model.ScanSession, error)
	// Delete removes a session.
	Delete(ctx context.Context, id uuid.UUID) error
	// List returns open sessions ordered by start time.
	List(ctx context.Context) ([]model.ScanSession, error)
}
