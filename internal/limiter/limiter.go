// Package limiter throttles device logins per (device, client address).
package limiter

import (
	"context"
	"time"
)

// Limiter controls login attempts and temporary lockouts.
type Limiter interface {
	// Allow reports whether a login may be attempted and, if not, for how long.
	Allow(ctx context.Context, device string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful login.
	Success(ctx context.Context, device string, ipHash []byte) error
	// Failure records a failed attempt; reaching the threshold places a block.
	Failure(ctx context.Context, device string, ipHash []byte) (bool, time.Duration, error)
}

// Sweeper drops state that can no longer affect a decision.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Policy is the lockout configuration shared by the implementations.
type Policy struct {
	Window   time.Duration // failures older than this restart the count
	MaxFails int
	BlockFor time.Duration
}

// DefaultPolicy allows five failures in fifteen minutes.
var DefaultPolicy = Policy{Window: 15 * time.Minute, MaxFails: 5, BlockFor: 15 * time.Minute}
