package model

import (
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fieldtrace/internal/errs"
)

// TokenIdentity is the 128-bit identifier written to a token.
type TokenIdentity = uuid.UUID

// DerivedSecret is the 6-byte per-token sector key.
type DerivedSecret [6]byte

// IdentityLen is the size of an encoded identity, equal to one token block.
const IdentityLen = uuid.Size

// IdentityToBytes encodes an identity as the 16 bytes stored on the token.
func IdentityToBytes(id TokenIdentity) []byte {
	out := make([]byte, IdentityLen)
	copy(out, id.Bytes())
	return out
}

// BytesToIdentity decodes a token block into an identity.
func BytesToIdentity(b []byte) (TokenIdentity, error) {
	if len(b) != IdentityLen {
		return uuid.Nil, fmt.Errorf("identity of %d bytes: %w", len(b), errs.ErrMalformedIdentity)
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%v: %w", err, errs.ErrMalformedIdentity)
	}
	return id, nil
}

// ParseIdentity parses the canonical text form of an identity.
func ParseIdentity(s string) (TokenIdentity, error) {
	id, err := uuid.FromString(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%v: %w", err, errs.ErrMalformedIdentity)
	}
	return id, nil
}
