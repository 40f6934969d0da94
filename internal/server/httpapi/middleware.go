package httpapi

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/and161185/fieldtrace/internal/service"
)

type contextKey string

const claimsKey contextKey = "ft.claims"

// TokenParser verifies device access tokens.
type TokenParser interface {
	ParseToken(token string) (*service.Claims, error)
}

// DeviceAuth validates the Bearer token and stores its claims in the context.
func DeviceAuth(tokens TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !found || token == "" {
				writeJSON(w, http.StatusUnauthorized, errorResponse("missing or malformed bearer token", "unauthorized"))
				return
			}
			claims, err := tokens.ParseToken(token)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorResponse("invalid or expired token", "unauthorized"))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// ClaimsFromContext returns the authenticated device claims.
func ClaimsFromContext(ctx context.Context) (*service.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*service.Claims)
	return c, ok
}

// AdminKey guards operator routes with a static shared key.
func AdminKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-Admin-Key")
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResponse("admin key required", "unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	idle     time.Duration
}

func newIPRateLimiter(rps float64, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
	}
}

func (rl *ipRateLimiter) get(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (rl *ipRateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		if time.Since(v.lastSeen) > rl.idle {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *ipRateLimiter) cleanup(ctx context.Context) {
	t := time.NewTicker(rl.idle)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.sweep()
		}
	}
}

// RateLimit limits requests per client address. Idle addresses are forgotten
// until ctx is done.
func RateLimit(ctx context.Context, rps float64, burst int) func(http.Handler) http.Handler {
	rl := newIPRateLimiter(rps, burst)
	go rl.cleanup(ctx)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.get(clientIP(r)).Allow() {
				writeJSON(w, http.StatusTooManyRequests, errorResponse("too many requests", "rate_limited"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// RequestLogger logs one line per request with the matched route.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("dur", time.Since(start)),
				zap.String("request_id", chimw.GetReqID(r.Context())),
			}
			switch {
			case status >= 500:
				log.Error("http", fields...)
			case status >= 400:
				log.Warn("http", fields...)
			default:
				log.Info("http", fields...)
			}
		})
	}
}
