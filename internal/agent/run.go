package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/fieldtrace/internal/config"
	"github.com/and161185/fieldtrace/internal/connectivity"
)

// Run keeps the device in the background loop until ctx is done: connectivity
// probing, queue drains and whitelist syncs on reconnect, and hot reload of
// the config and master secret files.
func (a *Agent) Run(ctx context.Context) error {
	prober := a.opts.Prober
	if prober == nil {
		hp, err := connectivity.DialHealth(a.Config.Server.HealthAddr, a.Config.Server.HealthService)
		if err != nil {
			return err
		}
		defer hp.Close()
		prober = hp
	}

	mon := connectivity.NewMonitor(prober, connectivity.Options{
		Interval: a.Config.Connectivity.Interval.D(),
		Timeout:  a.Config.Connectivity.Timeout.D(),
		Logger:   a.Log.Named("connectivity"),
	})
	mon.Subscribe(a.Queue.OnConnectivity)
	mon.Subscribe(a.syncOnReconnect)

	w, err := config.NewWatcher([]string{a.opts.ConfigPath, a.Config.Device.MasterSecretFile}, func(path string) {
		a.reload(ctx, path)
	}, a.Log.Named("reload"))
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = w.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.Queue.Retry(ctx, a.Config.Queue.RetryInterval.D())
	}()

	a.Log.Info("agent running",
		zap.String("device", a.Config.Device.Name),
		zap.String("scope", a.Whitelist.Scope()),
		zap.String("reader", a.Reader.Capability().Model),
		zap.String("secret", a.Secret.Fingerprint()),
	)
	err = mon.Run(ctx)
	wg.Wait()
	a.bg.Wait()
	a.Queue.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *Agent) syncOnReconnect(ctx context.Context, online bool) {
	if !online || a.Whitelist.Scope() == "" {
		return
	}
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		n, err := a.Whitelist.Sync(ctx)
		if err != nil {
			a.Log.Warn("whitelist sync after reconnect", zap.Error(err))
			return
		}
		a.Log.Info("whitelist synced", zap.Int("entries", n))
	}()
}

func (a *Agent) reload(ctx context.Context, path string) {
	if a.Config.Device.MasterSecretFile != "" && samePath(path, a.Config.Device.MasterSecretFile) {
		if err := a.loadSecretFile(ctx, path); err != nil {
			a.Log.Error("master secret reload failed", zap.Error(err))
		}
		return
	}
	cfg, err := config.Load(path)
	if err != nil {
		a.Log.Error("config reload failed", zap.Error(err))
		return
	}
	a.Log.Info("config reloaded")
	if cfg.Device.MasterSecretFile != "" && cfg.Device.MasterSecretFile != a.Config.Device.MasterSecretFile {
		a.Log.Warn("master_secret_file changed; restart the agent to watch the new path")
	}
	if cfg.Device.MasterSecretFile != "" {
		if err := a.loadSecretFile(ctx, cfg.Device.MasterSecretFile); err != nil {
			a.Log.Error("master secret reload failed", zap.Error(err))
		}
	}
}

func samePath(a, b string) bool {
	x, err1 := filepath.Abs(a)
	y, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && x == y
}
