// Package httpapi is the REST surface of the server of record.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/fieldtrace/internal/model"
	"github.com/and161185/fieldtrace/internal/service"
)

// Whitelist is the whitelist service used by the handlers.
type Whitelist interface {
	Snapshot(ctx context.Context, scope string) (*model.WhitelistSnapshot, error)
	Upsert(ctx context.Context, scope string, e model.WhitelistEntry) error
	SetStatus(ctx context.Context, scope string, token model.TokenIdentity, st model.EntryStatus) error
}

// Sessions is the scan-session service used by the handlers.
type Sessions interface {
	Start(ctx context.Context, scope string, in model.SessionStart) error
	End(ctx context.Context, scope string, in model.SessionEnd) error
}

// Actions is the generic action service used by the handlers.
type Actions interface {
	Apply(ctx context.Context, scope string, key uuid.UUID, kind string, payload json.RawMessage) (bool, error)
}

// Options configure the router.
type Options struct {
	Auth      service.AuthService
	Whitelist Whitelist
	Sessions  Sessions
	Actions   Actions
	Logger    *zap.Logger

	// AdminKey enables the /admin routes when set.
	AdminKey string
	// LoginRPS and LoginBurst bound login requests per client address.
	LoginRPS   float64
	LoginBurst int
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	TrustProxy bool
	// RequestTimeout bounds each request's context.
	RequestTimeout time.Duration
}

type api struct {
	opts Options
	log  *zap.Logger
}

// NewRouter builds the handler tree. ctx bounds background cleanup.
func NewRouter(ctx context.Context, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.LoginRPS <= 0 {
		opts.LoginRPS = 1
	}
	if opts.LoginBurst <= 0 {
		opts.LoginBurst = 5
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	a := &api{opts: opts, log: opts.Logger}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if opts.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(RequestLogger(a.log))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(opts.RequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(RateLimit(ctx, opts.LoginRPS, opts.LoginBurst))
		r.Post("/auth/login", a.handleLogin)
	})

	r.Group(func(r chi.Router) {
		r.Use(DeviceAuth(opts.Auth))
		r.Get("/whitelist/{scope}", a.handleWhitelist)
		r.Post("/scan-sessions/{id}/start", a.handleSessionStart)
		r.Post("/scan-sessions/{id}/end", a.handleSessionEnd)
		r.Post("/actions", a.handleAction)
	})

	if opts.AdminKey != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminKey(opts.AdminKey))
			r.Post("/devices", a.handleRegisterDevice)
			r.Post("/scopes/{scope}/rotate-secret", a.handleRotateSecret)
			r.Put("/whitelist/{scope}/{token}", a.handleUpsertEntry)
			r.Put("/whitelist/{scope}/{token}/status", a.handleSetStatus)
		})
	}
	return r
}
