package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/and161185/fieldtrace/internal/audit"
	"github.com/and161185/fieldtrace/internal/config"
	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
	"github.com/and161185/fieldtrace/internal/reader/simradio"
	"github.com/and161185/fieldtrace/internal/recordclient"
	"github.com/and161185/fieldtrace/internal/scan"
	"github.com/and161185/fieldtrace/internal/session"
)

// records is a minimal server of record.
type records struct {
	mu      sync.Mutex
	secret  []byte
	scope   string
	entries []model.WhitelistEntry
	ended   []model.SessionEnd
	starts  int
	offline atomic.Bool

	// holdWhitelist parks whitelist requests until the client goes away,
	// signalling whitelistHeld once each
	holdWhitelist atomic.Bool
	whitelistHeld chan struct{}

	// actionFailures answers the first n action submissions with 503
	actionFailures int
	actionCalls    int
	actionsApplied int
}

func (s *records) router() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if s.offline.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Post("/auth/login", func(w http.ResponseWriter, req *http.Request) {
		var in recordclient.LoginRequest
		_ = json.NewDecoder(req.Body).Decode(&in)
		if in.Password != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(recordclient.LoginResponse{
			AccessToken:  "tok-" + in.Device,
			ExpiresAt:    time.Now().Add(time.Hour),
			Scope:        s.scope,
			MasterSecret: s.secret,
		})
	})
	r.Get("/whitelist/{scope}", func(w http.ResponseWriter, req *http.Request) {
		if s.holdWhitelist.Load() {
			s.whitelistHeld <- struct{}{}
			<-req.Context().Done()
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(model.WhitelistSnapshot{Scope: chi.URLParam(req, "scope"), Entries: s.entries})
	})
	r.Post("/scan-sessions/{id}/start", func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		s.starts++
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/scan-sessions/{id}/end", func(w http.ResponseWriter, req *http.Request) {
		var e model.SessionEnd
		_ = json.NewDecoder(req.Body).Decode(&e)
		s.mu.Lock()
		s.ended = append(s.ended, e)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/actions", func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.actionCalls++
		if s.actionCalls <= s.actionFailures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		s.actionsApplied++
		w.WriteHeader(http.StatusCreated)
	})
	return r
}

func (s *records) actions() (calls, applied int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actionCalls, s.actionsApplied
}

func (s *records) endedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ended)
}

type fixture struct {
	cfg *config.Config
	srv *records
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := &records{secret: []byte("plant-a-master"), scope: "plant-a"}
	hs := httptest.NewServer(srv.router())
	t.Cleanup(hs.Close)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Device.Name = "handheld-07"
	cfg.Device.Passphrase = "device-pass"
	cfg.Server.URL = hs.URL
	cfg.Reader.TapTimeout = config.Duration(2 * time.Second)
	cfg.Queue.BackoffBase = config.Duration(time.Millisecond)
	cfg.Queue.BackoffCap = config.Duration(time.Millisecond)
	cfg.Queue.Rate = 1000
	cfg.Queue.RetryInterval = config.Duration(20 * time.Millisecond)
	require.NoError(t, cfg.Validate())
	return &fixture{cfg: cfg, srv: srv}
}

func (f *fixture) open(t *testing.T, opts Options) *Agent {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	a, err := Open(context.Background(), f.cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func (f *fixture) present(t *testing.T, uid ...byte) {
	t.Helper()
	require.NoError(t, simradio.SaveImage(f.cfg.Reader.CardImage, simradio.NewBlankCard(uid)))
}

func TestOpen_RequiresPassphrase(t *testing.T) {
	f := newFixture(t)
	f.cfg.Device.Passphrase = ""
	_, err := Open(context.Background(), f.cfg, Options{})
	require.Error(t, err)
}

func TestLoginProvisionScan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, Options{})

	require.False(t, a.Secret.Provisioned())
	_, err := a.Login(ctx, "handheld-07", "nope")
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	tk, err := a.Login(ctx, "handheld-07", "pw")
	require.NoError(t, err)
	require.Equal(t, "plant-a", tk.Scope)
	require.True(t, a.Secret.Provisioned())
	require.Equal(t, "plant-a", a.Whitelist.Scope())

	// a blank token is provisioned and then whitelisted by the server
	f.present(t, 0x04, 0x10, 0x20, 0x30)
	require.NoError(t, a.Close())
	a = f.open(t, Options{})
	require.True(t, a.Secret.Provisioned(), "secret restored from the credential store")
	require.Equal(t, "plant-a", a.Whitelist.Scope(), "scope restored from the stored token")

	id, err := a.Provision(ctx, uuid.Nil)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	res, err := a.Scanner.Validate(ctx)
	require.NoError(t, err)
	require.Equal(t, scan.NotAuthorized, res.Outcome)

	f.srv.mu.Lock()
	f.srv.entries = []model.WhitelistEntry{{Token: id, Status: model.StatusActive, ActivatedAt: time.Now().UTC()}}
	f.srv.mu.Unlock()
	n, err := a.Whitelist.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err = a.Scanner.Validate(ctx)
	require.NoError(t, err)
	require.Equal(t, scan.Valid, res.Outcome)
	require.Equal(t, id, res.Subject())

	events, err := audit.Read(f.cfg.AuditPath(), audit.KindTokenProvisioned)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, id.String(), events[0].Token)
}

func TestSessionAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.present(t, 1, 2, 3, 4)
	a := f.open(t, Options{})
	_, err := a.Login(ctx, "handheld-07", "pw")
	require.NoError(t, err)
	id, err := a.Provision(ctx, uuid.Nil)
	require.NoError(t, err)
	require.NoError(t, a.Whitelist.Upsert(ctx, model.WhitelistEntry{Token: id, Status: model.StatusActive}))

	s, err := a.Sessions.Start(ctx, "weld-9")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b := f.open(t, Options{})
	active, err := b.Sessions.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, s.ID, active[0].ID)

	rep, err := b.Sessions.End(ctx, json.RawMessage(`{"passes":3}`))
	require.NoError(t, err)
	require.Equal(t, session.Delivered, rep.Delivery)
	require.Equal(t, 1, f.srv.endedCount())
}

func TestLogoutClearsEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, Options{})
	_, err := a.Login(ctx, "handheld-07", "pw")
	require.NoError(t, err)
	require.NoError(t, a.Whitelist.Upsert(ctx, model.WhitelistEntry{Token: uuid.Must(uuid.NewV4()), Status: model.StatusActive}))
	_, err = a.Queue.Enqueue(ctx, model.KindGeneric, []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, a.Logout(ctx))
	require.False(t, a.Secret.Provisioned())
	snap, err := a.Whitelist.Snapshot(ctx)
	require.NoError(t, err)
	require.Empty(t, snap.Entries)
	all, err := a.Queue.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, all)
	_, err = a.Creds.AccessToken(ctx)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestUpdateMasterSecret_AuditsRotation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.open(t, Options{})

	require.ErrorIs(t, a.UpdateMasterSecret(ctx, nil), errs.ErrNoMasterSecret)
	require.NoError(t, a.UpdateMasterSecret(ctx, []byte("one")))
	require.NoError(t, a.UpdateMasterSecret(ctx, []byte("one")))
	require.NoError(t, a.UpdateMasterSecret(ctx, []byte("two")))

	events, err := audit.Read(f.cfg.AuditPath(), audit.KindMasterSecretRotated)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "previous none", events[0].Reason)
	require.True(t, audit.Verify(f.cfg.AuditPath()).Valid)
}

type flipProber struct{ online atomic.Bool }

func (p *flipProber) Probe(context.Context) error {
	if p.online.Load() {
		return nil
	}
	return errs.ErrUnavailable
}

func TestRun_DrainsOnReconnectAndReloadsSecret(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cfg.Connectivity.Interval = config.Duration(20 * time.Millisecond)
	f.cfg.Device.MasterSecretFile = filepath.Join(f.cfg.DataDir, "master.secret")
	require.NoError(t, os.WriteFile(f.cfg.Device.MasterSecretFile, []byte("file-secret\n"), 0o600))

	prober := &flipProber{}
	a := f.open(t, Options{Prober: prober})
	require.Equal(t, []byte("file-secret"), a.Secret.Bytes())
	_, err := a.Login(ctx, "handheld-07", "pw")
	require.NoError(t, err)

	payload, _ := json.Marshal(model.SessionEnd{SessionID: uuid.Must(uuid.NewV4()), EndedAt: time.Now().UTC()})
	_, err = a.Queue.Enqueue(ctx, model.KindSessionEnd, payload)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 0, f.srv.endedCount(), "offline: nothing delivered")
	prober.online.Store(true)
	require.Eventually(t, func() bool { return f.srv.endedCount() == 1 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(f.cfg.Device.MasterSecretFile, []byte("rotated"), 0o600))
	require.Eventually(t, func() bool { return string(a.Secret.Bytes()) == "rotated" }, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	if err := a.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		t.Fatalf("close: %v", err)
	}
}

type upProber struct{}

func (upProber) Probe(context.Context) error { return nil }

func TestRun_RetriesWhileStayingOnline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cfg.Connectivity.Interval = config.Duration(20 * time.Millisecond)
	f.cfg.Queue.BackoffBase = config.Duration(10 * time.Millisecond)
	f.cfg.Queue.BackoffCap = config.Duration(20 * time.Millisecond)
	f.srv.actionFailures = 2

	a := f.open(t, Options{Prober: upProber{}})
	_, err := a.Login(ctx, "handheld-07", "pw")
	require.NoError(t, err)
	_, err = a.Queue.Enqueue(ctx, model.KindGeneric, []byte(`{"weld":"W-3"}`))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	require.Eventually(t, func() bool {
		_, applied := f.srv.actions()
		return applied == 1
	}, 5*time.Second, 10*time.Millisecond, "rescheduled action delivered without a reconnect")
	calls, _ := f.srv.actions()
	require.Equal(t, 3, calls)

	// enqueued while online and healthy: no transition, still delivered
	_, err = a.Queue.Enqueue(ctx, model.KindGeneric, []byte(`{"weld":"W-4"}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, applied := f.srv.actions()
		return applied == 2
	}, 5*time.Second, 10*time.Millisecond)

	left, err := a.Queue.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, left)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRun_WaitsForReconnectSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cfg.Connectivity.Interval = config.Duration(20 * time.Millisecond)
	core, logs := observer.New(zapcore.DebugLevel)

	a := f.open(t, Options{Prober: upProber{}, Logger: zap.New(core)})
	_, err := a.Login(ctx, "handheld-07", "pw")
	require.NoError(t, err)

	f.srv.whitelistHeld = make(chan struct{}, 8)
	f.srv.holdWhitelist.Store(true)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	select {
	case <-f.srv.whitelistHeld:
	case <-time.After(3 * time.Second):
		t.Fatal("no whitelist sync after going online")
	}
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	// the sync finished before Run returned, so Close cannot race it
	require.Equal(t, 1, logs.FilterMessage("whitelist sync after reconnect").Len())
}
