// Command ft-server starts the field traceability server of record: the HTTP
// records API and the gRPC health endpoint devices probe.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jackc/pgx/v5/pgxpool"
	"google.golang.org/grpc/credentials"

	"github.com/and161185/fieldtrace/internal/limiter"
	"github.com/and161185/fieldtrace/internal/migrate"
	"github.com/and161185/fieldtrace/internal/repository"
	"github.com/and161185/fieldtrace/internal/repository/memory"
	"github.com/and161185/fieldtrace/internal/repository/postgres"
	grpcserver "github.com/and161185/fieldtrace/internal/server/grpc"
	"github.com/and161185/fieldtrace/internal/server/httpapi"
	"github.com/and161185/fieldtrace/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type repos struct {
	devices   repository.DeviceRepository
	whitelist repository.WhitelistRepository
	sessions  repository.SessionRepository
	actions   repository.ActionRepository
	lim       limiter.Limiter
	sweeper   limiter.Sweeper
	store     grpcserver.Pinger
}

// main parses configuration, runs migrations, and serves HTTP and gRPC health.
func main() {
	// Flags
	addr := flag.String("addr", ":8080", "HTTP listen address")
	healthAddr := flag.String("health-addr", ":9090", "gRPC health listen address")
	dsn := flag.String("dsn", os.Getenv("FT_DSN"), "PostgreSQL DSN (empty: in-memory store)")
	jwtKey := flag.String("jwt-key", os.Getenv("FT_JWT_KEY"), "HS256 signing key (required)")
	accessTTL := flag.Duration("access-ttl", 12*time.Hour, "access token TTL")
	minDur := flag.Duration("min-duration", 0, "shortest accepted scan session")
	maxDur := flag.Duration("max-duration", 0, "longest accepted scan session (0: unbounded)")
	loginWindow := flag.Duration("login-window", limiter.DefaultPolicy.Window, "failed login counting window")
	loginFails := flag.Int("login-max-fails", limiter.DefaultPolicy.MaxFails, "failed logins before a block")
	loginBlock := flag.Duration("login-block", limiter.DefaultPolicy.BlockFor, "block duration")
	loginRPS := flag.Float64("login-rps", 1, "login requests per second per client address")
	adminKey := flag.String("admin-key", os.Getenv("FT_ADMIN_KEY"), "enables /admin when set")
	trustProxy := flag.Bool("trust-proxy", false, "take client address from X-Forwarded-For")
	certFile := flag.String("tls-cert", "", "TLS certificate (PEM); empty serves plaintext")
	keyFile := flag.String("tls-key", "", "TLS private key (PEM)")
	dev := flag.Bool("dev", false, "enable gRPC server reflection (dev only)")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", *addr),
		zap.String("healthAddr", *healthAddr),
	)

	if *jwtKey == "" {
		logger.Fatal("missing jwt signing key (--jwt-key)")
	}
	if *loginWindow <= 0 || *loginFails <= 0 {
		logger.Fatal("login-window and login-max-fails must be positive")
	}
	if *maxDur > 0 && *maxDur < *minDur {
		logger.Fatal("max-duration below min-duration")
	}

	var creds credentials.TransportCredentials
	if *certFile != "" {
		c, err := credentials.NewServerTLSFromFile(*certFile, *keyFile)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		creds = c
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy := limiter.Policy{Window: *loginWindow, MaxFails: *loginFails, BlockFor: *loginBlock}
	r, closeRepos := openRepos(ctx, logger, *dsn, policy)
	defer closeRepos()
	go sweep(ctx, logger, r.sweeper, *loginWindow)

	// Services
	authSvc := service.NewAuthService(r.devices, []byte(*jwtKey), *accessTTL, r.lim)
	wlSvc := service.NewWhitelistService(r.whitelist)
	sessSvc := service.NewSessionService(r.sessions, service.TimingPolicy{Min: *minDur, Max: *maxDur}, logger.Named("sessions"))
	actSvc := service.NewActionService(r.actions, logger.Named("actions"))

	router := httpapi.NewRouter(ctx, httpapi.Options{
		Auth:           authSvc,
		Whitelist:      wlSvc,
		Sessions:       sessSvc,
		Actions:        actSvc,
		Logger:         logger.Named("http"),
		AdminKey:       *adminKey,
		LoginRPS:       *loginRPS,
		LoginBurst:     5,
		TrustProxy:     *trustProxy,
		RequestTimeout: 30 * time.Second,
	})
	if *adminKey == "" {
		logger.Warn("admin routes disabled (--admin-key)")
	}

	httpSrv := &http.Server{
		Addr:              *addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	hs := grpcserver.NewHealth(grpcserver.Options{
		Logger:     logger.Named("grpc"),
		Creds:      creds,
		Reflection: *dev,
		Store:      r.store,
	})

	// Listen
	lis, err := net.Listen("tcp", *healthAddr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("health listening", zap.String("addr", *healthAddr), zap.Bool("tls", creds != nil))
		errCh <- hs.Serve(ctx, lis)
	}()
	go func() {
		logger.Info("http listening", zap.String("addr", *addr), zap.Bool("tls", *certFile != ""))
		var err error
		if *certFile != "" {
			err = httpSrv.ListenAndServeTLS(*certFile, *keyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}

	// graceful shutdown
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	hs.Stop(5 * time.Second)

	logger.Info("shutdown complete")
}

// openRepos picks PostgreSQL when dsn is set, the in-memory store otherwise.
func openRepos(ctx context.Context, logger *zap.Logger, dsn string, policy limiter.Policy) (repos, func()) {
	if dsn == "" {
		logger.Warn("no --dsn: records are kept in memory and lost on exit")
		store := memory.New()
		lim := limiter.NewMemory(policy)
		return repos{devices: store, whitelist: store, sessions: store, actions: store, lim: lim, sweeper: lim}, func() {}
	}

	if err := migrate.Up(ctx, dsn); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	// DB pool
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Fatal("pgxpool.New", zap.Error(err))
	}
	db := &postgres.DB{Pool: pool}
	lim := limiter.NewPG(pool, policy)
	return repos{
		devices:   postgres.NewDeviceRepo(db),
		whitelist: postgres.NewWhitelistRepo(db),
		sessions:  postgres.NewSessionRepo(db),
		actions:   postgres.NewActionRepo(db),
		lim:       lim,
		sweeper:   lim,
		store:     db,
	}, pool.Close
}

// sweep drops stale lockout state once per window.
func sweep(ctx context.Context, logger *zap.Logger, s limiter.Sweeper, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.Sweep(ctx)
			if err != nil {
				logger.Warn("limiter sweep", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("limiter swept", zap.Int64("pairs", n))
			}
		}
	}
}
