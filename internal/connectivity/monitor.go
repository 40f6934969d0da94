// Package connectivity watches reachability of the server of record and
// notifies listeners on online/offline transitions.
package connectivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/fieldtrace/internal/errs"
)

// Prober checks reachability once.
type Prober interface {
	Probe(ctx context.Context) error
}

// HealthProber asks the server's gRPC health service.
type HealthProber struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	service string
}

// DialHealth creates a health client for addr. The connection is lazy, so an
// unreachable server only shows up in Probe.
func DialHealth(addr, service string) (*HealthProber, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("health client %s: %w", addr, err)
	}
	return &HealthProber{conn: conn, client: healthpb.NewHealthClient(conn), service: service}, nil
}

// Probe implements Prober.
func (p *HealthProber) Probe(ctx context.Context) error {
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return fmt.Errorf("health check: %v: %w", err, errs.ErrUnavailable)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health check: %s: %w", resp.GetStatus(), errs.ErrUnavailable)
	}
	return nil
}

// Close releases the connection.
func (p *HealthProber) Close() error { return p.conn.Close() }

// Listener receives the new state on every transition.
type Listener func(ctx context.Context, online bool)

// Options tune a Monitor.
type Options struct {
	Interval time.Duration // default 15s
	Timeout  time.Duration // per probe, default 3s
	Logger   *zap.Logger
}

// Monitor polls a Prober.
type Monitor struct {
	p    Prober
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	listeners []Listener
	known     bool
	online    bool
}

// NewMonitor constructs a monitor; call Run to start polling.
func NewMonitor(p Prober, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Monitor{p: p, opts: opts, log: opts.Logger}
}

// Subscribe registers l. Listeners run on the monitor goroutine.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check probes once and notifies listeners if the state changed. The first
// check always notifies.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	err := m.p.Probe(pctx)
	cancel()
	online := err == nil

	m.mu.Lock()
	changed := !m.known || m.online != online
	m.known = true
	m.online = online
	ls := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if !changed {
		return online
	}
	if online {
		m.log.Info("server of record reachable")
	} else {
		m.log.Info("server of record unreachable", zap.Error(err))
	}
	for _, l := range ls {
		l(ctx, online)
	}
	return online
}

// Run checks immediately and then every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.Check(ctx)
		}
	}
}
