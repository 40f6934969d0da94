package limiter

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG keeps lockout state in auth_limiter so every server replica sees the
// same counts. Timestamps come from the limiter clock, not the database's.
type PG struct {
	db     querier
	policy Policy
	now    func() time.Time
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(pool *pgxpool.Pool, p Policy) *PG {
	return NewPGWithQuerier(pool, p)
}

// NewPGWithQuerier is NewPG over any querier (a pgxmock pool in tests).
func NewPGWithQuerier(db querier, p Policy) *PG {
	return &PG{db: db, policy: p, now: time.Now}
}

// HashIP returns a stable hash of a client address; raw addresses are never stored.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

// Allow implements Limiter.
func (l *PG) Allow(ctx context.Context, device string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_limiter WHERE device=$1 AND ip_hash=$2`
	var until time.Time
	if err := l.db.QueryRow(ctx, q, device, ipHash).Scan(&until); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, 0, nil
		}
		return false, 0, err
	}
	if left := until.Sub(l.now()); left > 0 {
		return false, left, nil
	}
	return true, 0, nil
}

// Success implements Limiter by forgetting the pair.
func (l *PG) Success(ctx context.Context, device string, ipHash []byte) error {
	const q = `DELETE FROM auth_limiter WHERE device=$1 AND ip_hash=$2`
	_, err := l.db.Exec(ctx, q, device, ipHash)
	return err
}

// Failure implements Limiter. A failure older than the window restarts the
// count; reaching MaxFails sets the block and clears the count, so an expired
// block starts a fresh budget.
func (l *PG) Failure(ctx context.Context, device string, ipHash []byte) (bool, time.Duration, error) {
	now := l.now()

	const count = `
INSERT INTO auth_limiter AS a (device, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, 'epoch', $3)
ON CONFLICT (device, ip_hash) DO UPDATE
SET fail_count = CASE WHEN $3::timestamptz - a.updated_at > $4::interval THEN 1 ELSE a.fail_count + 1 END,
    updated_at = $3
RETURNING fail_count`
	var fails int
	if err := l.db.QueryRow(ctx, count, device, ipHash, now, l.policy.Window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails < l.policy.MaxFails {
		return false, 0, nil
	}

	const block = `UPDATE auth_limiter SET blocked_until=$3, fail_count=0 WHERE device=$1 AND ip_hash=$2`
	if _, err := l.db.Exec(ctx, block, device, ipHash, now.Add(l.policy.BlockFor)); err != nil {
		return false, 0, err
	}
	return true, l.policy.BlockFor, nil
}

// Sweep deletes pairs idle for longer than the window and not blocked.
func (l *PG) Sweep(ctx context.Context) (int64, error) {
	now := l.now()
	const q = `DELETE FROM auth_limiter WHERE updated_at < $1 AND blocked_until < $2`
	tag, err := l.db.Exec(ctx, q, now.Add(-l.policy.Window), now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
