// Package service contains the server-of-record application services: device
// authentication, the authoritative whitelist, scan-session timing records and
// idempotent generic actions.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/and161185/fieldtrace/internal/crypto"
	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/limiter"
	"github.com/and161185/fieldtrace/internal/model"
	"github.com/and161185/fieldtrace/internal/repository"
)

// Claims are carried by device access tokens.
type Claims struct {
	Device string `json:"device"`
	Scope  string `json:"scope"`
	jwt.RegisteredClaims
}

// AuthService defines device registration and login.
type AuthService interface {
	// Register creates a device in scope, joining the scope's master secret
	// or generating the first one.
	Register(ctx context.Context, name, scope, password string) (uuid.UUID, error)
	// LoginWithIP applies rate limiting and authenticates the device.
	LoginWithIP(ctx context.Context, name, password, ip string) (model.Tokens, model.Device, error)
	// ParseToken verifies an access token and returns its claims.
	ParseToken(token string) (*Claims, error)
	// RotateMasterSecret replaces the scope's master secret on every device.
	RotateMasterSecret(ctx context.Context, scope string) (int64, error)
}

type AuthServiceImpl struct {
	devices   repository.DeviceRepository
	signKey   []byte
	accessTTL time.Duration
	lim       limiter.Limiter
	now       func() time.Time
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(devices repository.DeviceRepository, signKey []byte, accessTTL time.Duration, lim limiter.Limiter) *AuthServiceImpl {
	return &AuthServiceImpl{devices: devices, signKey: signKey, accessTTL: accessTTL, lim: lim, now: time.Now}
}

// Register creates a new device record with a per-device salt.
func (s *AuthServiceImpl) Register(ctx context.Context, name, scope, password string) (uuid.UUID, error) {
	if name == "" || scope == "" || password == "" {
		return uuid.Nil, fmt.Errorf("empty device/scope/password: %w", errs.ErrInvalid)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, err
	}
	hash, salt, err := pkgcrypto.NewCredential([]byte(password))
	if err != nil {
		return uuid.Nil, err
	}
	secret, err := s.devices.MasterSecret(ctx, scope)
	if errors.Is(err, errs.ErrNotFound) {
		secret, err = pkgcrypto.NewMasterSecret()
	}
	if err != nil {
		return uuid.Nil, err
	}

	d := &model.Device{
		ID:           id,
		Name:         name,
		Scope:        scope,
		PwdHash:      hash,
		SaltAuth:     salt,
		MasterSecret: secret,
	}
	if err := s.devices.Create(ctx, d); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// LoginWithIP authenticates with rate limiting by (device, ip).
func (s *AuthServiceImpl) LoginWithIP(ctx context.Context, name, password, ip string) (model.Tokens, model.Device, error) {
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, name, ipHash)
	if err != nil {
		return model.Tokens{}, model.Device{}, err
	}
	if !allowed {
		return model.Tokens{}, model.Device{}, errs.ErrRateLimited
	}

	d, err := s.devices.GetByName(ctx, name)
	if err != nil || !pkgcrypto.VerifyPassword([]byte(password), d.SaltAuth, d.PwdHash) {
		if blocked, _, ferr := s.lim.Failure(ctx, name, ipHash); ferr == nil && blocked {
			return model.Tokens{}, model.Device{}, errs.ErrRateLimited
		}
		// unknown device and wrong password look the same
		return model.Tokens{}, model.Device{}, errs.ErrUnauthorized
	}

	_ = s.lim.Success(ctx, name, ipHash)

	access, exp, err := s.issueAccessToken(d)
	if err != nil {
		return model.Tokens{}, model.Device{}, err
	}
	return model.Tokens{AccessToken: access, ExpiresAt: exp}, *d, nil
}

// issueAccessToken creates a signed HS256 JWT bound to the device's scope.
func (s *AuthServiceImpl) issueAccessToken(d *model.Device) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.accessTTL)
	claims := Claims{
		Device: d.Name,
		Scope:  d.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   d.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}

// ParseToken validates signature, algorithm and expiry.
func (s *AuthServiceImpl) ParseToken(token string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signKey, nil
	}, jwt.WithLeeway(30*time.Second), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, errs.ErrUnauthorized)
	}
	if claims.Scope == "" {
		return nil, fmt.Errorf("token without scope: %w", errs.ErrUnauthorized)
	}
	return &claims, nil
}

// RotateMasterSecret generates a new master secret for scope. Devices pick it
// up on their next login.
func (s *AuthServiceImpl) RotateMasterSecret(ctx context.Context, scope string) (int64, error) {
	if scope == "" {
		return 0, fmt.Errorf("empty scope: %w", errs.ErrInvalid)
	}
	secret, err := pkgcrypto.NewMasterSecret()
	if err != nil {
		return 0, err
	}
	return s.devices.RotateMasterSecret(ctx, scope, secret)
}
