// Package tokenkey derives per-token sector keys from a shared master secret.
package tokenkey

import (
	"crypto/sha256"
	"fmt"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
)

// KeyLen is the size of a derived sector key.
const KeyLen = 6

// Derive computes truncate(SHA-256(identity || master), 6).
func Derive(id model.TokenIdentity, master []byte) (model.DerivedSecret, error) {
	return DeriveBytes(id.Bytes(), master)
}

// DeriveBytes is Derive over a raw identity as read from a token block.
func DeriveBytes(identity, master []byte) (model.DerivedSecret, error) {
	var out model.DerivedSecret
	if len(identity) != model.IdentityLen {
		return out, fmt.Errorf("derive: identity of %d bytes: %w", len(identity), errs.ErrMalformedIdentity)
	}
	if len(master) == 0 {
		return out, fmt.Errorf("derive: %w", errs.ErrNoMasterSecret)
	}
	h := sha256.New()
	h.Write(identity)
	h.Write(master)
	copy(out[:], h.Sum(nil)[:KeyLen])
	return out, nil
}
