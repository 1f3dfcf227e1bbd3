// FILE: config.go
// Package main – Runtime configuration model, loader and hot-reload store.
//
// Config holds every knob the fleet uses. It is loaded from a YAML file
// (robofleet.yaml by default) and then overridden by ROBOFLEET_* environment
// variables (see env.go).
//
// A loaded *Config is never mutated. ConfigStore swaps whole snapshots behind
// an atomic pointer; the keep-online loop calls Refresh() once per pass and
// reads that snapshot for the rest of the pass. An fsnotify watcher marks the
// store dirty when the file changes so Refresh() only re-parses when needed.
//
// Typical flow (see main.go):
//   store, err := NewConfigStore(path, log)
//   go store.Watch(ctx)
//   cfg := store.Refresh()

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

const (
	defaultConfigFile = "robofleet.yaml"
	maxConfigFileSize = 1024 * 1024
)

// Config holds all runtime knobs for the fleet.
type Config struct {
	DataDir      string        `koanf:"data_dir"`
	OrderMaximum int           `koanf:"order_maximum"` // bond/create actions per UTC hour, fleet-wide
	PassInterval time.Duration `koanf:"pass_interval"` // sleep between keep-online passes
	LockTimeout  time.Duration `koanf:"lock_timeout"`
	Workers      int           `koanf:"workers"` // >1 parallelises a pass across identities

	Tor     TorConfig     `koanf:"tor"`
	Client  ClientConfig  `koanf:"client"`
	Bond    BondConfig    `koanf:"bond"`
	Payment PaymentConfig `koanf:"payment"`
	Notify  NotifyConfig  `koanf:"notify"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`

	Coordinators []CoordinatorConfig `koanf:"coordinators"`
}

type TorConfig struct {
	Proxy    string `koanf:"proxy"`    // SOCKS5 host:port
	Disabled bool   `koanf:"disabled"` // dial directly (clearnet / local testing)
}

type ClientConfig struct {
	Timeout           time.Duration `koanf:"timeout"`
	ReadRetryDelay    time.Duration `koanf:"read_retry_delay"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	UserAgent         string        `koanf:"user_agent"`
}

type BondConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	MaxRetries   int           `koanf:"max_retries"`
}

// PaymentConfig names the external commands behind the Payer contract.
// Each command is argv; {invoice}, {amount} and {label} are substituted.
type PaymentConfig struct {
	Paper      bool     `koanf:"paper"`
	CheckCmd   []string `koanf:"check_cmd"`
	PayCmd     []string `koanf:"pay_cmd"`
	InvoiceCmd []string `koanf:"invoice_cmd"`
}

type NotifyConfig struct {
	Webhook Secret        `koanf:"webhook"`
	Timeout time.Duration `koanf:"timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json | console | auto (console on a tty)
}

type MetricsConfig struct {
	Addr string `koanf:"addr"` // empty disables /metrics
}

// CoordinatorConfig is one federated exchange coordinator.
type CoordinatorConfig struct {
	ID       string `koanf:"id"`
	Name     string `koanf:"name"`
	Onion    string `koanf:"onion"`
	Clearnet string `koanf:"clearnet"`
}

// BaseURL picks the onion endpoint unless Tor is disabled and a clearnet one exists.
func (c CoordinatorConfig) BaseURL(torDisabled bool) string {
	if torDisabled && c.Clearnet != "" {
		return c.Clearnet
	}
	if c.Onion != "" {
		return c.Onion
	}
	return c.Clearnet
}

// Coordinator looks up a coordinator by id.
func (c *Config) Coordinator(id string) (CoordinatorConfig, error) {
	for _, co := range c.Coordinators {
		if co.ID == id {
			return co, nil
		}
	}
	return CoordinatorConfig{}, fmt.Errorf("coordinator %q: %w", id, ErrNotFound)
}

// Secret wraps strings that should be redacted in logs and serialization.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

func (s Secret) GoString() string { return "Secret([REDACTED])" }

// Value returns the actual secret value.
func (s Secret) Value() string { return string(s) }

// Validate rejects configurations the loop cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.OrderMaximum < 1 {
		errs = append(errs, fmt.Errorf("order_maximum must be >= 1, got %d", c.OrderMaximum))
	}
	if c.PassInterval <= 0 {
		errs = append(errs, errors.New("pass_interval must be positive"))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("lock_timeout must be positive"))
	}
	if c.Bond.MaxRetries < 1 {
		errs = append(errs, errors.New("bond.max_retries must be >= 1"))
	}
	if c.Client.RequestsPerSecond <= 0 {
		errs = append(errs, errors.New("client.requests_per_second must be positive"))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" && c.Log.Format != "auto" {
		errs = append(errs, fmt.Errorf("log.format must be json, console or auto, got %q", c.Log.Format))
	}
	seen := make(map[string]bool, len(c.Coordinators))
	for i, co := range c.Coordinators {
		if co.ID == "" {
			errs = append(errs, fmt.Errorf("coordinators[%d]: id is required", i))
			continue
		}
		if seen[co.ID] {
			errs = append(errs, fmt.Errorf("coordinators[%d]: duplicate id %q", i, co.ID))
		}
		seen[co.ID] = true
		if co.Onion == "" && co.Clearnet == "" {
			errs = append(errs, fmt.Errorf("coordinator %q: onion or clearnet url is required", co.ID))
		}
	}
	return errors.Join(errs...)
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".robofleet")
		}
	}
	if cfg.OrderMaximum == 0 {
		cfg.OrderMaximum = 2
	}
	if cfg.PassInterval == 0 {
		cfg.PassInterval = 5 * time.Minute
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.Tor.Proxy == "" {
		cfg.Tor.Proxy = "127.0.0.1:9050"
	}
	if cfg.Client.Timeout == 0 {
		cfg.Client.Timeout = 60 * time.Second
	}
	if cfg.Client.ReadRetryDelay == 0 {
		cfg.Client.ReadRetryDelay = 10 * time.Second
	}
	if cfg.Client.RequestsPerSecond == 0 {
		cfg.Client.RequestsPerSecond = 2
	}
	if cfg.Client.UserAgent == "" {
		cfg.Client.UserAgent = "robofleet"
	}
	if cfg.Bond.PollInterval == 0 {
		cfg.Bond.PollInterval = 10 * time.Second
	}
	if cfg.Bond.MaxRetries == 0 {
		cfg.Bond.MaxRetries = 30
	}
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = 3 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "auto"
	}
}

// LoadConfig reads path (missing file is fine), applies env overrides and
// defaults, and validates. An empty path resolves via resolveConfigPath.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")
	if path == "" {
		path = resolveConfigPath()
	}

	if f, err := os.Open(path); err == nil {
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
		}
		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("open config file: %w", err)
	}

	if err := loadEnvOverrides(k); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigStore serves immutable Config snapshots and reloads them on change.
type ConfigStore struct {
	path     string
	log      *zap.Logger
	current  atomic.Pointer[Config]
	dirty    atomic.Bool
	watching atomic.Bool
}

// NewConfigStore loads the initial snapshot; a bad initial config is an error.
func NewConfigStore(path string, log *zap.Logger) (*ConfigStore, error) {
	if path == "" {
		path = resolveConfigPath()
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	s := &ConfigStore{path: path, log: log}
	s.current.Store(cfg)
	return s, nil
}

// Current returns the active snapshot without reloading.
func (s *ConfigStore) Current() *Config { return s.current.Load() }

// Refresh reloads the file when the watcher flagged a change (or when no
// watcher is running) and returns the snapshot to use. An invalid new file
// keeps the previous snapshot.
func (s *ConfigStore) Refresh() *Config {
	if s.watching.Load() && !s.dirty.Swap(false) {
		return s.current.Load()
	}
	cfg, err := LoadConfig(s.path)
	if err != nil {
		s.log.Warn("config reload failed, keeping previous", zap.String("path", s.path), zap.Error(err))
		return s.current.Load()
	}
	if prev := s.current.Swap(cfg); prev != nil && s.watching.Load() {
		s.log.Info("config reloaded", zap.String("path", s.path))
	}
	return cfg
}

// Watch marks the store dirty whenever the config file changes. It blocks
// until ctx is done. The parent directory is watched so editors that replace
// the file by rename are seen.
func (s *ConfigStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	s.watching.Store(true)
	defer s.watching.Store(false)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				s.dirty.Store(true)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("config watcher error", zap.Error(err))
		}
	}
}
