// Package grpcserver hosts the gRPC side of the server of record: the health
// endpoint devices check for connectivity, and its interceptors.
package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service devices check by default.
const ServiceName = "fieldtrace.Records"

const healthPrefix = "/grpc.health.v1.Health/"

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configure the health server.
type Options struct {
	Logger *zap.Logger
	// Creds enables TLS when set.
	Creds credentials.TransportCredentials
	// Reflection registers server reflection (dev only).
	Reflection bool
	// Store, when set, is pinged every PingEvery and drives the serving status.
	Store     Pinger
	PingEvery time.Duration
}

// Health serves grpc.health.v1 for ServiceName.
type Health struct {
	srv   *grpc.Server
	hs    *health.Server
	log   *zap.Logger
	store Pinger
	every time.Duration
}

// NewHealth builds the server. ServiceName starts SERVING.
func NewHealth(opts Options) *Health {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	so := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
		grpc.ChainStreamInterceptor(
			RecoverStream(log),
			LoggingStream(log),
		),
	}
	if opts.Creds != nil {
		so = append(so, grpc.Creds(opts.Creds))
	}
	s := grpc.NewServer(so...)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	if opts.Reflection {
		reflection.Register(s)
	}

	every := opts.PingEvery
	if every <= 0 {
		every = 10 * time.Second
	}
	return &Health{srv: s, hs: hs, log: log, store: opts.Store, every: every}
}

// SetServing flips the status devices observe, for ServiceName and the
// overall server ("").
func (h *Health) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.hs.SetServingStatus("", st)
	h.hs.SetServingStatus(ServiceName, st)
}

// Serve blocks on lis until Stop. The store watchdog runs alongside when a
// Pinger was configured.
func (h *Health) Serve(ctx context.Context, lis net.Listener) error {
	if h.store != nil {
		go h.watch(ctx)
	}
	return h.srv.Serve(lis)
}

// Stop drains in-flight calls, forcing after timeout.
func (h *Health) Stop(timeout time.Duration) {
	h.hs.Shutdown()
	done := make(chan struct{})
	go func() {
		h.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		h.srv.Stop()
	}
}

func (h *Health) watch(ctx context.Context) {
	t := time.NewTicker(h.every)
	defer t.Stop()
	serving := true
	for {
		pctx, cancel := context.WithTimeout(ctx, h.every/2)
		err := h.store.Ping(pctx)
		cancel()
		if ok := err == nil; ok != serving {
			serving = ok
			h.SetServing(ok)
			if ok {
				h.log.Info("store reachable again")
			} else {
				h.log.Warn("store unreachable; reporting NOT_SERVING", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
