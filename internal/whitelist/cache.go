// Package whitelist keeps the device-local authorization list and refreshes it
// from the server of record when the network allows.
package whitelist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
	"github.com/and161185/fieldtrace/internal/repository"
)

// Source fetches the authoritative whitelist for a scope.
type Source interface {
	FetchWhitelist(ctx context.Context, scope string) (*model.WhitelistSnapshot, error)
}

// Options tune Sync.
type Options struct {
	// Attempts bounds fetch attempts per Sync (default 3).
	Attempts uint64
	// RetryBase is the first backoff delay (default 200ms).
	RetryBase time.Duration
	Logger    *zap.Logger
}

// Cache answers authorization lookups from local storage only.
type Cache struct {
	repo  repository.LocalWhitelist
	src   Source
	scope string
	opts  Options
	log   *zap.Logger
	now   func() time.Time
}

// New constructs a cache for scope. src may be nil on a device that never syncs.
func New(repo repository.LocalWhitelist, src Source, scope string, opts Options) *Cache {
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache{repo: repo, src: src, scope: scope, opts: opts, log: opts.Logger, now: time.Now}
}

// Scope is the tenant scope this cache syncs.
func (c *Cache) Scope() string { return c.scope }

// Lookup returns the entry for id when it authorizes, nil otherwise. Inactive
// and under-service entries never authorize.
func (c *Cache) Lookup(ctx context.Context, id model.TokenIdentity) (*model.WhitelistEntry, error) {
	e, err := c.repo.Get(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("whitelist lookup: %w", err)
	}
	if !e.Authorizes() {
		return nil, nil
	}
	return e, nil
}

// Known reports whether id has an entry in any status.
func (c *Cache) Known(ctx context.Context, id model.TokenIdentity) (bool, error) {
	_, err := c.repo.Get(ctx, id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errs.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("whitelist lookup: %w", err)
	}
}

// Upsert edits one local entry without touching the sync marker.
func (c *Cache) Upsert(ctx context.Context, e model.WhitelistEntry) error {
	if e.ActivatedAt.IsZero() {
		e.ActivatedAt = c.now().UTC()
	}
	return c.repo.Put(ctx, e)
}

// Remove deletes one local entry.
func (c *Cache) Remove(ctx context.Context, id model.TokenIdentity) error {
	return c.repo.Delete(ctx, id)
}

// ReplaceSnapshot atomically swaps the whole cache.
func (c *Cache) ReplaceSnapshot(ctx context.Context, snap *model.WhitelistSnapshot) error {
	synced := snap.LastSyncedAt
	if synced.IsZero() {
		synced = c.now().UTC()
	}
	scope := snap.Scope
	if scope == "" {
		scope = c.scope
	}
	return c.repo.Replace(ctx, scope, snap.Entries, synced)
}

// Snapshot reads the whole cache.
func (c *Cache) Snapshot(ctx context.Context) (*model.WhitelistSnapshot, error) {
	return c.repo.Snapshot(ctx)
}

// Clear empties the cache (logout / tenant switch).
func (c *Cache) Clear(ctx context.Context) error { return c.repo.Clear(ctx) }

// Sync pulls the full whitelist and replaces the cache. Transient failures are
// retried with backoff; on failure the cache is left as it was and the error
// wraps errs.ErrSync.
func (c *Cache) Sync(ctx context.Context) (int, error) {
	if c.src == nil {
		return 0, fmt.Errorf("no whitelist source: %w", errs.ErrSync)
	}

	b := retry.WithMaxRetries(c.opts.Attempts-1, retry.NewExponential(c.opts.RetryBase))
	var snap *model.WhitelistSnapshot
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		s, err := c.src.FetchWhitelist(ctx, c.scope)
		if err != nil {
			if errors.Is(err, errs.ErrUnavailable) {
				c.log.Debug("whitelist fetch retry", zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}
		snap = s
		return nil
	})
	if err != nil {
		c.log.Warn("whitelist sync failed, keeping cached snapshot", zap.String("scope", c.scope), zap.Error(err))
		return 0, fmt.Errorf("%w: %w", errs.ErrSync, err)
	}

	snap.LastSyncedAt = c.now().UTC()
	if snap.Scope == "" {
		snap.Scope = c.scope
	}
	if err := c.ReplaceSnapshot(ctx, snap); err != nil {
		return 0, fmt.Errorf("%w: store snapshot: %w", errs.ErrSync, err)
	}
	c.log.Info("whitelist synced", zap.String("scope", snap.Scope), zap.Int("entries", len(snap.Entries)))
	return len(snap.Entries), nil
}
