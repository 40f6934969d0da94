package limiter

import (
	"context"
	"encoding/hex"
	"sync"
	"time"
)

type memEntry struct {
	fails        int
	blockedUntil time.Time
	updatedAt    time.Time
}

// Memory is a process-local Limiter for single-replica deployments and tests.
type Memory struct {
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*memEntry
}

// NewMemory constructs an in-memory limiter.
func NewMemory(p Policy) *Memory {
	return &Memory{policy: p, now: time.Now, entries: make(map[string]*memEntry)}
}

func memKey(device string, ipHash []byte) string {
	return device + "|" + hex.EncodeToString(ipHash)
}

// Allow implements Limiter.
func (m *Memory) Allow(_ context.Context, device string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[memKey(device, ipHash)]
	if !ok {
		return true, 0, nil
	}
	if now := m.now(); e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success implements Limiter.
func (m *Memory) Success(_ context.Context, device string, ipHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, memKey(device, ipHash))
	return nil
}

// Failure implements Limiter.
func (m *Memory) Failure(_ context.Context, device string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	k := memKey(device, ipHash)
	e, ok := m.entries[k]
	if !ok || now.Sub(e.updatedAt) > m.policy.Window {
		e = &memEntry{}
		m.entries[k] = e
	}
	e.fails++
	e.updatedAt = now
	if e.fails >= m.policy.MaxFails {
		e.fails = 0
		e.blockedUntil = now.Add(m.policy.BlockFor)
		return true, m.policy.BlockFor, nil
	}
	return false, 0, nil
}

// Sweep drops entries idle for longer than the window and not blocked.
func (m *Memory) Sweep(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for k, e := range m.entries {
		if now.Sub(e.updatedAt) > m.policy.Window && !e.blockedUntil.After(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}
