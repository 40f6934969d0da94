package crypto

import (
	"bytes"
	"testing"
)

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	const n = 64
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes(2): %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two subsequent RandBytes(%d) are equal", n)
	}
}

func TestHashPassword_DeterministicOnSameInput(t *testing.T) {
	t.Parallel()

	pw := []byte("handheld-07")
	salt := []byte("NaCl-16-bytes?")

	h1 := HashPassword(pw, salt)
	h2 := HashPassword(pw, salt)
	if len(h1) == 0 || !bytes.Equal(h1, h2) {
		t.Fatalf("hash empty or not deterministic")
	}
	if bytes.Equal(h1, HashPassword(pw, []byte("another-salt----"))) {
		t.Fatalf("hash should differ when salt differs")
	}
	if bytes.Equal(h1, HashPassword([]byte("handheld-08"), salt)) {
		t.Fatalf("hash should differ when password differs")
	}
}

func TestVerifyPassword(t *testing.T) {
	t.Parallel()

	pw := []byte("correct horse battery staple")
	hash, salt, err := NewCredential(pw)
	if err != nil {
		t.Fatalf("NewCredential: %v", err)
	}
	if len(salt) != saltLen {
		t.Fatalf("salt len=%d", len(salt))
	}

	if !VerifyPassword(pw, salt, hash) {
		t.Fatalf("VerifyPassword: expected true for correct password")
	}
	if VerifyPassword([]byte("wrong"), salt, hash) {
		t.Fatalf("VerifyPassword: expected false for wrong password")
	}
	if VerifyPassword(pw, []byte("wrong-salt"), hash) {
		t.Fatalf("VerifyPassword: expected false for wrong salt")
	}
	if VerifyPassword([]byte{}, salt, hash) {
		t.Fatalf("VerifyPassword: expected false for empty password")
	}
}

func TestNewMasterSecret(t *testing.T) {
	t.Parallel()
	a, err := NewMasterSecret()
	if err != nil || len(a) != masterSecretLen {
		t.Fatalf("NewMasterSecret: len=%d err=%v", len(a), err)
	}
	b, _ := NewMasterSecret()
	if bytes.Equal(a, b) {
		t.Fatalf("master secrets must be random")
	}
}
