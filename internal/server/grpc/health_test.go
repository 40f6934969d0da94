package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/fieldtrace/internal/connectivity"
	"github.com/and161185/fieldtrace/internal/errs"
)

type flakyStore struct{ down atomic.Bool }

func (s *flakyStore) Ping(context.Context) error {
	if s.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestHealth_DeviceProbeFollowsStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := &flakyStore{}
	h := NewHealth(Options{Logger: zaptest.NewLogger(t), Store: store, PingEvery: 20 * time.Millisecond})
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = h.Serve(ctx, lis) }()
	t.Cleanup(func() { h.Stop(time.Second) })

	for _, service := range []string{"", ServiceName} {
		p, err := connectivity.DialHealth(lis.Addr().String(), service)
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Close() })
		require.Eventually(t, func() bool { return p.Probe(ctx) == nil }, 2*time.Second, 10*time.Millisecond, "service %q", service)
	}

	p, err := connectivity.DialHealth(lis.Addr().String(), ServiceName)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	store.down.Store(true)
	require.Eventually(t, func() bool { return errors.Is(p.Probe(ctx), errs.ErrUnavailable) }, 2*time.Second, 10*time.Millisecond)
	store.down.Store(false)
	require.Eventually(t, func() bool { return p.Probe(ctx) == nil }, 2*time.Second, 10*time.Millisecond)
}

func TestHealth_SetServing(t *testing.T) {
	ctx := context.Background()
	h := NewHealth(Options{})
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = h.Serve(ctx, lis) }()
	t.Cleanup(func() { h.Stop(time.Second) })

	p, err := connectivity.DialHealth(lis.Addr().String(), ServiceName)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	h.SetServing(false)
	require.ErrorIs(t, p.Probe(ctx), errs.ErrUnavailable)
	h.SetServing(true)
	require.NoError(t, p.Probe(ctx))
}

func TestHealth_UnknownServiceIsUnavailable(t *testing.T) {
	ctx := context.Background()
	h := NewHealth(Options{})
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = h.Serve(ctx, lis) }()
	t.Cleanup(func() { h.Stop(time.Second) })

	p, err := connectivity.DialHealth(lis.Addr().String(), "nope.Service")
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	require.ErrorIs(t, p.Probe(ctx), errs.ErrUnavailable)
}
