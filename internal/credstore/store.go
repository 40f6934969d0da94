// Package credstore keeps the device's credentials sealed at rest: the scope
// master secret pulled at login and the server access token.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/fieldtrace/internal/crypto/clientcrypto"
	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/repository"
)

// Record names and the sealing scope.
const (
	sealScope        = "fieldtrace"
	recMasterSecret  = "master_secret"
	recAccessToken   = "access_token"
	defaultTokenLife = 15 * time.Minute
)

// ErrPassphrase indicates a sealed record could not be opened with the
// configured passphrase.
var ErrPassphrase = errors.New("credential store: wrong passphrase or corrupted record")

// Token is the persisted login state.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Scope       string    `json:"scope"`
	Device      string    `json:"device"`
}

// Store seals records with XChaCha20-Poly1305 under an Argon2id KEK derived
// from the device passphrase and a per-record salt.
type Store struct {
	repo repository.CredentialStore
	pass []byte
	now  func() time.Time

	mu    sync.Mutex
	keks  map[string][]byte
	token *Token
}

// New returns a store over repo. The passphrase must be non-empty.
func New(repo repository.CredentialStore, passphrase []byte) (*Store, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("credential store: empty passphrase")
	}
	return &Store{
		repo: repo,
		pass: append([]byte(nil), passphrase...),
		now:  time.Now,
		keks: map[string][]byte{},
	}, nil
}

// SaveMasterSecret seals and stores the scope master secret.
func (s *Store) SaveMasterSecret(ctx context.Context, secret []byte) error {
	if len(secret) == 0 {
		return fmt.Errorf("save master secret: %w", errs.ErrNoMasterSecret)
	}
	return s.put(ctx, recMasterSecret, secret)
}

// MasterSecret loads the stored secret; errs.ErrNoMasterSecret if none.
func (s *Store) MasterSecret(ctx context.Context) ([]byte, error) {
	b, err := s.get(ctx, recMasterSecret)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrNoMasterSecret
	}
	return b, err
}

// SaveToken stores the access token. When ExpiresAt is zero it is taken from
// the JWT exp claim, falling back to a short default.
func (s *Store) SaveToken(ctx context.Context, t Token) (Token, error) {
	if t.AccessToken == "" {
		return Token{}, fmt.Errorf("save token: %w", errs.ErrUnauthorized)
	}
	if t.ExpiresAt.IsZero() {
		t.ExpiresAt = s.expiry(t.AccessToken)
	}
	b, err := json.Marshal(t)
	if err != nil {
		return Token{}, err
	}
	if err := s.put(ctx, recAccessToken, b); err != nil {
		return Token{}, err
	}
	s.mu.Lock()
	cp := t
	s.token = &cp
	s.mu.Unlock()
	return t, nil
}

// Token returns the stored login state, expired or not.
func (s *Store) Token(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	if s.token != nil {
		cp := *s.token
		s.mu.Unlock()
		return &cp, nil
	}
	s.mu.Unlock()

	b, err := s.get(ctx, recAccessToken)
	if err != nil {
		return nil, err
	}
	var t Token
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode token record: %w", err)
	}
	s.mu.Lock()
	s.token = &t
	s.mu.Unlock()
	cp := t
	return &cp, nil
}

// AccessToken implements recordclient.TokenSource.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	t, err := s.Token(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		return "", fmt.Errorf("no token (login required): %w", errs.ErrUnauthorized)
	}
	if err != nil {
		return "", err
	}
	if !s.now().Before(t.ExpiresAt) {
		return "", fmt.Errorf("token expired at %s (login required): %w", t.ExpiresAt.Format(time.RFC3339), errs.ErrUnauthorized)
	}
	return t.AccessToken, nil
}

// Clear removes every record and forgets cached state.
func (s *Store) Clear(ctx context.Context) error {
	for _, name := range []string{recMasterSecret, recAccessToken} {
		if err := s.repo.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete %s: %w", name, err)
		}
	}
	s.mu.Lock()
	s.token = nil
	s.keks = map[string][]byte{}
	s.mu.Unlock()
	return nil
}

func (s *Store) expiry(tok string) time.Time {
	// The device never holds the server key; exp is read, not verified.
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil || claims.ExpiresAt == nil {
		return s.now().Add(defaultTokenLife)
	}
	return claims.ExpiresAt.Time
}

func (s *Store) put(ctx context.Context, name string, plaintext []byte) error {
	salt, err := clientcrypto.Rand(clientcrypto.SaltLen)
	if err != nil {
		return err
	}
	sealed, err := clientcrypto.SealRecord(s.kek(salt), sealScope, name, plaintext)
	if err != nil {
		return fmt.Errorf("seal %s: %w", name, err)
	}
	if err := s.repo.Put(ctx, name, salt, sealed); err != nil {
		return fmt.Errorf("store %s: %w", name, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, name string) ([]byte, error) {
	salt, sealed, err := s.repo.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	b, err := clientcrypto.OpenRecord(s.kek(salt), sealScope, name, sealed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrPassphrase)
	}
	return b, nil
}

// kek caches Argon2id output per salt; derivation is deliberately slow.
func (s *Store) kek(salt []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keks[string(salt)]; ok {
		return k
	}
	k := clientcrypto.DeriveKEK(s.pass, salt)
	s.keks[string(salt)] = k
	return k
}
