// Package agent wires the device components together from a config.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/and161185/fieldtrace/internal/audit"
	"github.com/and161185/fieldtrace/internal/config"
	"github.com/and161185/fieldtrace/internal/connectivity"
	"github.com/and161185/fieldtrace/internal/credstore"
	"github.com/and161185/fieldtrace/internal/crypto/tokenkey"
	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/model"
	"github.com/and161185/fieldtrace/internal/queue"
	"github.com/and161185/fieldtrace/internal/reader"
	"github.com/and161185/fieldtrace/internal/reader/pcsc"
	"github.com/and161185/fieldtrace/internal/reader/simradio"
	"github.com/and161185/fieldtrace/internal/recordclient"
	"github.com/and161185/fieldtrace/internal/repository/sqlite"
	"github.com/and161185/fieldtrace/internal/scan"
	"github.com/and161185/fieldtrace/internal/session"
	"github.com/and161185/fieldtrace/internal/whitelist"
)

// Options supply dependencies that do not come from the config file.
type Options struct {
	Logger *zap.Logger
	// PCSC is the platform reader binding used when reader.driver is pcsc.
	PCSC pcsc.Context
	// Radio overrides reader construction entirely.
	Radio reader.Radio
	// Prober overrides the gRPC health probe.
	Prober connectivity.Prober
	// ConfigPath is watched for changes by Run.
	ConfigPath string
}

// Agent is a running device.
type Agent struct {
	Config *config.Config
	Log    *zap.Logger

	DB        *sqlite.DB
	Audit     *audit.Log
	Creds     *credstore.Store
	Secret    *tokenkey.MasterSecret
	Client    *recordclient.Client
	Reader    *reader.Reader
	Whitelist *whitelist.Cache
	Scanner   *scan.Orchestrator
	Queue     *queue.Queue
	Sessions  *session.Machine

	opts Options
	mu   sync.Mutex
	bg   sync.WaitGroup // background whitelist syncs
}

// Open builds the agent. The database, audit log and credential store are
// opened; the reader is negotiated; nothing touches the network.
func Open(ctx context.Context, cfg *config.Config, opts Options) (_ *Agent, err error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if cfg.Device.Passphrase == "" {
		return nil, errors.New("device passphrase required (FT_PASSPHRASE)")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	a := &Agent{Config: cfg, Log: opts.Logger, opts: opts}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.DB, err = sqlite.Open(ctx, cfg.DBPath()); err != nil {
		return nil, err
	}
	if a.Audit, err = audit.Open(cfg.AuditPath()); err != nil {
		return nil, err
	}
	if a.Creds, err = credstore.New(sqlite.NewCredentialRepo(a.DB), []byte(cfg.Device.Passphrase)); err != nil {
		return nil, err
	}

	a.Secret = tokenkey.NewMasterSecret(nil)
	secret, err := a.Creds.MasterSecret(ctx)
	switch {
	case err == nil:
		_ = a.Secret.Update(secret)
	case errors.Is(err, errs.ErrNoMasterSecret):
		a.Log.Warn("device not provisioned with a master secret; run login")
	default:
		return nil, err
	}
	if cfg.Device.MasterSecretFile != "" {
		if err := a.loadSecretFile(ctx, cfg.Device.MasterSecretFile); err != nil {
			a.Log.Warn("master secret file not applied", zap.Error(err))
		}
	}

	if a.Client, err = recordclient.New(cfg.Server.URL, recordclient.Options{
		Timeout: cfg.Server.Timeout.D(),
		Tokens:  a.Creds,
		Logger:  a.Log.Named("recordclient"),
	}); err != nil {
		return nil, err
	}

	radio, err := a.radio()
	if err != nil {
		return nil, err
	}
	capability, err := reader.Negotiate(ctx, radio)
	if err != nil {
		return nil, err
	}
	if a.Reader, err = reader.New(radio, capability, reader.Options{
		ReadTimeout: cfg.Reader.ReadTimeout.D(),
		TapTimeout:  cfg.Reader.TapTimeout.D(),
		Logger:      a.Log.Named("reader"),
	}); err != nil {
		return nil, err
	}

	if a.Queue, err = queue.Open(ctx, sqlite.NewActionRepo(a.DB), queue.RecordSubmitter{API: a.Client}, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase.D(),
		BackoffCap:  cfg.Queue.BackoffCap.D(),
		Rate:        rate.Limit(cfg.Queue.Rate),
		Logger:      a.Log.Named("queue"),
		Audit:       a.Audit,
	}); err != nil {
		return nil, err
	}

	scope := cfg.Device.Scope
	if scope == "" {
		if tk, err := a.Creds.Token(ctx); err == nil {
			scope = tk.Scope
		}
	}
	a.wire(scope)
	return a, nil
}

// wire builds the scope-bound components.
func (a *Agent) wire(scope string) {
	a.Whitelist = whitelist.New(sqlite.NewWhitelistRepo(a.DB), a.Client, scope, whitelist.Options{Logger: a.Log.Named("whitelist")})
	a.Scanner = scan.New(a.Reader, a.Secret, a.Whitelist, a.Audit, a.Log.Named("scan"))
	a.Sessions = session.New(a.Scanner, a.Client, a.Queue, sqlite.NewSessionRepo(a.DB), session.Options{
		Logger: a.Log.Named("session"),
		Audit:  a.Audit,
	})
}

func (a *Agent) radio() (reader.Radio, error) {
	if a.opts.Radio != nil {
		return a.opts.Radio, nil
	}
	switch a.Config.Reader.Driver {
	case config.DriverPCSC:
		if a.opts.PCSC == nil {
			return nil, fmt.Errorf("no PC/SC binding available: %w", errs.ErrReaderUnsupported)
		}
		return pcsc.New(a.opts.PCSC), nil
	default:
		return simradio.OpenImage(a.Config.Reader.CardImage)
	}
}

// Login authenticates the device, stores the token and master secret sealed,
// and rotates the in-memory secret. A scope change clears the cached
// whitelist.
func (a *Agent) Login(ctx context.Context, device, password string) (*credstore.Token, error) {
	resp, err := a.Client.Login(ctx, device, password)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	tk, err := a.Creds.SaveToken(ctx, credstore.Token{
		AccessToken: resp.AccessToken,
		ExpiresAt:   resp.ExpiresAt,
		Scope:       resp.Scope,
		Device:      device,
	})
	if err != nil {
		return nil, err
	}
	if err := a.UpdateMasterSecret(ctx, resp.MasterSecret); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if resp.Scope != "" && resp.Scope != a.Whitelist.Scope() {
		if err := a.Whitelist.Clear(ctx); err != nil {
			return nil, fmt.Errorf("clear whitelist of previous scope: %w", err)
		}
		a.Log.Info("scope changed", zap.String("from", a.Whitelist.Scope()), zap.String("to", resp.Scope))
		a.wire(resp.Scope)
	}
	return &tk, nil
}

// UpdateMasterSecret persists and applies a new master secret. Unchanged
// secrets are a no-op.
func (a *Agent) UpdateMasterSecret(ctx context.Context, secret []byte) error {
	if len(secret) == 0 {
		return fmt.Errorf("update master secret: %w", errs.ErrNoMasterSecret)
	}
	if bytes.Equal(a.Secret.Bytes(), secret) {
		return nil
	}
	prev := a.Secret.Fingerprint()
	if err := a.Creds.SaveMasterSecret(ctx, secret); err != nil {
		return err
	}
	if err := a.Secret.Update(secret); err != nil {
		return err
	}
	a.Log.Info("master secret rotated", zap.String("from", prev), zap.String("to", a.Secret.Fingerprint()))
	if err := a.Audit.Record(audit.Event{
		Kind:   audit.KindMasterSecretRotated,
		Ref:    a.Secret.Fingerprint(),
		Reason: "previous " + orNone(prev),
	}); err != nil {
		a.Log.Error("audit write failed", zap.Error(err))
	}
	return nil
}

func (a *Agent) loadSecretFile(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return a.UpdateMasterSecret(ctx, bytes.TrimSpace(b))
}

// Logout wipes every piece of persisted device state and the in-memory secret.
func (a *Agent) Logout(ctx context.Context) error {
	if err := a.DB.ClearAll(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	if err := a.Creds.Clear(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	a.Secret.Clear()
	a.Log.Info("device state cleared")
	return nil
}

// Provision writes a fresh identity to the blank token in the field. A nil
// id generates one.
func (a *Agent) Provision(ctx context.Context, id model.TokenIdentity) (model.TokenIdentity, error) {
	if id == uuid.Nil {
		var err error
		if id, err = uuid.NewV4(); err != nil {
			return uuid.Nil, err
		}
	}
	key, err := a.Secret.Derive(id)
	if err != nil {
		return uuid.Nil, err
	}
	if err := a.Reader.Provision(ctx, id, key); err != nil {
		return uuid.Nil, err
	}
	if err := a.Audit.Record(audit.Event{
		Kind:   audit.KindTokenProvisioned,
		Token:  id.String(),
		Ref:    a.Secret.Fingerprint(),
		Reason: "provisioned by " + orNone(a.Config.Device.Name),
	}); err != nil {
		a.Log.Error("audit write failed", zap.Error(err))
	}
	return id, nil
}

// Close releases files. Safe on a partially opened agent.
func (a *Agent) Close() error {
	var errList []error
	if a.Audit != nil {
		errList = append(errList, a.Audit.Close())
	}
	if a.DB != nil {
		errList = append(errList, a.DB.Close())
	}
	return errors.Join(errList...)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
