// Package crypto implements server-side device credential hashing and secret generation.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters (tuned for server-side hashing).
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32

	saltLen         = 16
	masterSecretLen = 32
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// HashPassword returns Argon2id hash of a device password using the provided salt.
func HashPassword(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyPassword verifies a device password against expected Argon2id hash and salt.
func VerifyPassword(password, salt, expected []byte) bool {
	if len(password) == 0 {
		return false
	}
	got := HashPassword(password, salt)
	return subtle.ConstantTimeCompare(got, expected) == 1
}

// NewCredential salts and hashes a freshly enrolled device password.
func NewCredential(password []byte) (hash, salt []byte, err error) {
	salt, err = RandBytes(saltLen)
	if err != nil {
		return nil, nil, err
	}
	return HashPassword(password, salt), salt, nil
}

// NewMasterSecret generates the shared token master secret for a scope.
func NewMasterSecret() ([]byte, error) {
	return RandBytes(masterSecretLen)
}
