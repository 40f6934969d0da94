package service

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
	"github.com/and161185/fieldtrace/internal/repository"
)

// WhitelistService serves and maintains the authoritative whitelist.
type WhitelistService struct {
	repo repository.WhitelistRepository
	now  func() time.Time
}

// NewWhitelistService constructs a WhitelistService.
func NewWhitelistService(repo repository.WhitelistRepository) *WhitelistService {
	return &WhitelistService{repo: repo, now: time.Now}
}

// Snapshot returns every entry of scope, stamped with the serving time.
func (s *WhitelistService) Snapshot(ctx context.Context, scope string) (*model.WhitelistSnapshot, error) {
	entries, err := s.repo.List(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("whitelist %s: %w", scope, err)
	}
	return &model.WhitelistSnapshot{Scope: scope, Entries: entries, LastSyncedAt: s.now().UTC()}, nil
}

// Upsert adds or replaces an entry. Missing status means active; missing
// activation time means now.
func (s *WhitelistService) Upsert(ctx context.Context, scope string, e model.WhitelistEntry) error {
	if scope == "" || e.Token == uuid.Nil {
		return fmt.Errorf("empty scope/token: %w", errs.ErrInvalid)
	}
	if e.Status == "" {
		e.Status = model.StatusActive
	}
	if !e.Status.Valid() {
		return fmt.Errorf("status %q: %w", e.Status, errs.ErrInvalid)
	}
	if e.Location != nil && e.Location.ID == "" {
		return fmt.Errorf("location without id: %w", errs.ErrInvalid)
	}
	if e.ActivatedAt.IsZero() {
		e.ActivatedAt = s.now().UTC()
	}
	return s.repo.Upsert(ctx, scope, e)
}

// SetStatus activates, deactivates or parks an existing entry.
func (s *WhitelistService) SetStatus(ctx context.Context, scope string, token model.TokenIdentity, st model.EntryStatus) error {
	if !st.Valid() {
		return fmt.Errorf("status %q: %w", st, errs.ErrInvalid)
	}
	return s.repo.SetStatus(ctx, scope, token, st)
}
