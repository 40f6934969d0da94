// Package config loads the device agent configuration: YAML file overlaid on
// defaults, then .env and FT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Reader drivers.
const (
	DriverSim  = "sim"
	DriverPCSC = "pcsc"
)

// Duration is a time.Duration that reads "15s" style strings from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// D returns the value as time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Device identifies this handheld.
type Device struct {
	Name  string `yaml:"name"`
	Scope string `yaml:"scope"`
	// Passphrase unlocks the credential store. Prefer FT_PASSPHRASE.
	Passphrase string `yaml:"passphrase"`
	// MasterSecretFile, when set, is watched and its content rotates the
	// master secret.
	MasterSecretFile string `yaml:"master_secret_file"`
}

// Server is the server of record.
type Server struct {
	URL           string   `yaml:"url"`
	HealthAddr    string   `yaml:"health_addr"`
	HealthService string   `yaml:"health_service"`
	Timeout       Duration `yaml:"timeout"`
}

// Reader configures the contactless reader.
type Reader struct {
	Driver      string   `yaml:"driver"`
	CardImage   string   `yaml:"card_image"`
	TapTimeout  Duration `yaml:"tap_timeout"`
	ReadTimeout Duration `yaml:"read_timeout"`
}

// Queue tunes the offline action queue.
type Queue struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffCap  Duration `yaml:"backoff_cap"`
	Rate        float64  `yaml:"rate"`
	// RetryInterval is how often the running agent drains due actions while online.
	RetryInterval Duration `yaml:"retry_interval"`
}

// Connectivity tunes the network-state probe.
type Connectivity struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// Config is the full device configuration.
type Config struct {
	Device       Device       `yaml:"device"`
	Server       Server       `yaml:"server"`
	Reader       Reader       `yaml:"reader"`
	Queue        Queue        `yaml:"queue"`
	Connectivity Connectivity `yaml:"connectivity"`
	DataDir      string       `yaml:"data_dir"`
	LogLevel     string       `yaml:"log_level"`
}

// DefaultDir is $XDG_CONFIG_HOME/fieldtrace or ~/.config/fieldtrace.
func DefaultDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "fieldtrace")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "fieldtrace")
}

// DefaultPath is the config file used when none is given.
func DefaultPath() string { return filepath.Join(DefaultDir(), "config.yaml") }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			URL:        "http://127.0.0.1:8080",
			HealthAddr: "127.0.0.1:9090",
			Timeout:    Duration(10 * time.Second),
		},
		Reader: Reader{
			Driver:      DriverSim,
			TapTimeout:  Duration(30 * time.Second),
			ReadTimeout: Duration(2 * time.Second),
		},
		Queue: Queue{
			MaxAttempts:   8,
			BackoffBase:   Duration(2 * time.Second),
			BackoffCap:    Duration(10 * time.Minute),
			Rate:          5,
			RetryInterval: Duration(5 * time.Second),
		},
		Connectivity: Connectivity{
			Interval: Duration(15 * time.Second),
			Timeout:  Duration(3 * time.Second),
		},
		DataDir:  DefaultDir(),
		LogLevel: "info",
	}
}

// Load reads path over the defaults. A missing file yields defaults. A .env
// file next to the config is loaded first; variables already set win.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := godotenv.Load(filepath.Join(filepath.Dir(path), ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML, creating the directory.
func Save(path string, cfg *Config) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"FT_DEVICE":             &c.Device.Name,
		"FT_SCOPE":              &c.Device.Scope,
		"FT_PASSPHRASE":         &c.Device.Passphrase,
		"FT_MASTER_SECRET_FILE": &c.Device.MasterSecretFile,
		"FT_SERVER_URL":         &c.Server.URL,
		"FT_HEALTH_ADDR":        &c.Server.HealthAddr,
		"FT_READER":             &c.Reader.Driver,
		"FT_CARD_IMAGE":         &c.Reader.CardImage,
		"FT_DATA_DIR":           &c.DataDir,
		"FT_LOG_LEVEL":          &c.LogLevel,
	}
	for k, p := range str {
		if v := os.Getenv(k); v != "" {
			*p = v
		}
	}
	if v := os.Getenv("FT_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FT_MAX_ATTEMPTS: %w", err)
		}
		c.Queue.MaxAttempts = n
	}
	if v := os.Getenv("FT_TAP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("FT_TAP_TIMEOUT: %w", err)
		}
		c.Reader.TapTimeout = Duration(d)
	}
	return nil
}

// Validate checks values the agent cannot start without.
func (c *Config) Validate() error {
	var problems []string
	switch c.Reader.Driver {
	case DriverSim:
		if c.Reader.CardImage == "" {
			c.Reader.CardImage = filepath.Join(c.DataDir, "card.json")
		}
	case DriverPCSC:
	default:
		problems = append(problems, fmt.Sprintf("reader.driver %q unknown", c.Reader.Driver))
	}
	if c.Queue.MaxAttempts < 1 {
		problems = append(problems, "queue.max_attempts must be positive")
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffCap < c.Queue.BackoffBase {
		problems = append(problems, "queue backoff: need 0 < backoff_base <= backoff_cap")
	}
	if c.Queue.RetryInterval <= 0 {
		problems = append(problems, "queue.retry_interval must be positive")
	}
	if c.DataDir == "" {
		problems = append(problems, "data_dir is empty")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DBPath is the device SQLite file.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "device.db") }

// AuditPath is the security audit log.
func (c *Config) AuditPath() string { return filepath.Join(c.DataDir, "audit.jsonl") }
