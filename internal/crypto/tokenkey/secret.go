package tokenkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
)

// MasterSecret is the process-wide handle to the shared master secret.
// The zero value is unprovisioned.
type MasterSecret struct {
	mu     sync.RWMutex
	secret []byte
}

// NewMasterSecret returns a handle holding a copy of b (may be empty).
func NewMasterSecret(b []byte) *MasterSecret {
	m := &MasterSecret{}
	if len(b) > 0 {
		m.secret = append([]byte(nil), b...)
	}
	return m
}

// Update rotates the secret. Keys derived before the call stay valid only for
// tokens provisioned under the old secret.
func (m *MasterSecret) Update(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("update master secret: %w", errs.ErrNoMasterSecret)
	}
	cp := append([]byte(nil), b...)
	m.mu.Lock()
	old := m.secret
	m.secret = cp
	m.mu.Unlock()
	wipe(old)
	return nil
}

// Clear drops the secret (logout / tenant switch).
func (m *MasterSecret) Clear() {
	m.mu.Lock()
	old := m.secret
	m.secret = nil
	m.mu.Unlock()
	wipe(old)
}

// Provisioned reports whether a secret is held.
func (m *MasterSecret) Provisioned() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.secret) > 0
}

// Bytes returns a copy of the secret.
func (m *MasterSecret) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.secret...)
}

// Derive computes the sector key for id under the current secret.
func (m *MasterSecret) Derive(id model.TokenIdentity) (model.DerivedSecret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Derive(id, m.secret)
}

// Fingerprint is a short digest safe to log; empty when unprovisioned.
func (m *MasterSecret) Fingerprint() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.secret) == 0 {
		return ""
	}
	sum := sha256.Sum256(m.secret)
	return hex.EncodeToString(sum[:4])
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
