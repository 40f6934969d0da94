package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// unset clears key for the test and restores it afterwards.
func unset(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	unset(t, "FT_DATA_DIR")
	unset(t, "FT_READER")

	cfg, err := Load(filepath.Join(dir, "none.yaml"))
	require.NoError(t, err)
	require.Equal(t, DriverSim, cfg.Reader.Driver)
	require.Equal(t, 8, cfg.Queue.MaxAttempts)
	require.Equal(t, 2*time.Second, cfg.Queue.BackoffBase.D())
	require.Equal(t, 5*time.Second, cfg.Queue.RetryInterval.D())
	require.Equal(t, filepath.Join(dir, "fieldtrace"), cfg.DataDir)
	require.Equal(t, filepath.Join(cfg.DataDir, "card.json"), cfg.Reader.CardImage)
	require.Equal(t, filepath.Join(cfg.DataDir, "device.db"), cfg.DBPath())
}

func TestLoad_YAMLOverlayAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device:
  name: handheld-07
  scope: plant-a
server:
  url: https://records.example.com
  timeout: 4s
queue:
  max_attempts: 3
  backoff_base: 1s
data_dir: `+dir+`
`), 0o600))
	t.Setenv("FT_SERVER_URL", "http://10.0.0.5:8080")
	t.Setenv("FT_TAP_TIMEOUT", "5s")
	unset(t, "FT_SCOPE")
	unset(t, "FT_DEVICE")
	unset(t, "FT_READER")
	unset(t, "FT_DATA_DIR")
	unset(t, "FT_MAX_ATTEMPTS")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "handheld-07", cfg.Device.Name)
	require.Equal(t, "plant-a", cfg.Device.Scope)
	require.Equal(t, "http://10.0.0.5:8080", cfg.Server.URL)
	require.Equal(t, 4*time.Second, cfg.Server.Timeout.D())
	require.Equal(t, 3, cfg.Queue.MaxAttempts)
	require.Equal(t, time.Second, cfg.Queue.BackoffBase.D())
	require.Equal(t, 10*time.Minute, cfg.Queue.BackoffCap.D())
	require.Equal(t, 5*time.Second, cfg.Reader.TapTimeout.D())
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	unset(t, "FT_SCOPE")
	unset(t, "FT_PASSPHRASE")
	unset(t, "FT_DATA_DIR")
	unset(t, "FT_READER")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FT_SCOPE=plant-b\nFT_PASSPHRASE=s3cret\n"), 0o600))

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, "plant-b", cfg.Device.Scope)
	require.Equal(t, "s3cret", cfg.Device.Passphrase)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	unset(t, "FT_READER")
	unset(t, "FT_DATA_DIR")
	path := filepath.Join(dir, "config.yaml")

	require.NoError(t, os.WriteFile(path, []byte("reader:\n  driver: nfc-magic\n"), 0o600))
	_, err := Load(path)
	require.ErrorContains(t, err, "reader.driver")

	require.NoError(t, os.WriteFile(path, []byte("queue:\n  backoff_base: soon\n"), 0o600))
	_, err = Load(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("queue:\n  backoff_base: 20m\n  backoff_cap: 1m\n"), 0o600))
	_, err = Load(path)
	require.ErrorContains(t, err, "backoff")

	require.NoError(t, os.WriteFile(path, []byte("queue:\n  retry_interval: 0s\n"), 0o600))
	_, err = Load(path)
	require.ErrorContains(t, err, "retry_interval")
}

func TestSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	unset(t, "FT_DATA_DIR")
	unset(t, "FT_READER")
	unset(t, "FT_SCOPE")
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := Default()
	cfg.Device.Scope = "plant-c"
	cfg.DataDir = dir
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "plant-c", got.Device.Scope)
	require.Equal(t, cfg.Connectivity.Interval, got.Connectivity.Interval)
}

func TestWatcher_DebouncedReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o600))

	changed := make(chan string, 4)
	w, err := NewWatcher([]string{path, ""}, func(p string) { changed <- p }, zaptest.NewLogger(t))
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other"), []byte("x"), 0o600))
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(path, []byte("v2"), 0o600))
	}

	select {
	case p := <-changed:
		abs, _ := filepath.Abs(path)
		require.Equal(t, abs, p)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}
	select {
	case p := <-changed:
		t.Fatalf("unexpected second reload for %s", p)
	case <-time.After(200 * time.Millisecond):
	}
}
