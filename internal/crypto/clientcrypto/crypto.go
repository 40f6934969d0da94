// Package clientcrypto contains device-side primitives for sealing credentials at rest.
package clientcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	KeKLen    = 32
	RecordLen = 32
	SaltLen   = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKEK derives the credential-store KEK from the device passphrase using Argon2id.
func DeriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeKLen)
}

// DeriveRecordKey derives a per-record key via HKDF-SHA256 using scope||name as info.
func DeriveRecordKey(kek []byte, scope, name string) ([]byte, error) {
	r := hkdf.New(sha256.New, kek, nil, recordAAD(scope, name))
	key := make([]byte, RecordLen)
	_, err := r.Read(key)
	return key, err
}

// SealRecord encrypts plaintext with XChaCha20-Poly1305, AAD = scope||0||name, random nonce.
func SealRecord(kek []byte, scope, name string, plaintext []byte) ([]byte, error) {
	key, err := DeriveRecordKey(kek, scope, name)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, recordAAD(scope, name))...)
	return out, nil
}

// OpenRecord decrypts a blob sealed by SealRecord under the same scope and name.
func OpenRecord(kek []byte, scope, name string, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("sealed record too short")
	}
	key, err := DeriveRecordKey(kek, scope, name)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, recordAAD(scope, name))
}

func recordAAD(scope, name string) []byte {
	aad := make([]byte, 0, len(scope)+len(name)+1)
	aad = append(aad, scope...)
	aad = append(aad, 0)
	aad = append(aad, name...)
	return aad
}
