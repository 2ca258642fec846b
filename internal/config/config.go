package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Backends a session can talk to.
const (
	BackendHTTP     = "http"
	BackendWhatsApp = "whatsapp"
)

// Duration is a time.Duration stored as a string such as "1.2s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.wppsync/config.toml.
type Config struct {
	DefaultSession string         `toml:"default_session"`
	Backend        string         `toml:"backend"`
	Remote         RemoteConfig   `toml:"remote"`
	Chat           CollectionConf `toml:"chat"`
	Feed           CollectionConf `toml:"feed"`
	Scroll         ScrollConfig   `toml:"scroll"`
	Media          MediaConfig    `toml:"media"`
	Outbox         OutboxConfig   `toml:"outbox"`
	Receipts       ReceiptsConfig `toml:"receipts"`
	Store          StoreConfig    `toml:"store"`
	Log            LogConfig      `toml:"log"`
	Daemon         DaemonConfig   `toml:"daemon"`
}

// RemoteConfig locates the HTTP backend.
type RemoteConfig struct {
	BaseURL        string   `toml:"base_url"`
	UserID         string   `toml:"user_id"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// CollectionConf tunes the sync engine for one kind of collection.
type CollectionConf struct {
	RecentLimit  int      `toml:"recent_limit"`
	WindowMax    int      `toml:"window_max"`
	PollInterval Duration `toml:"poll_interval"`
	GroupByDay   bool     `toml:"group_by_day"`
	SyncTimeout  Duration `toml:"sync_timeout"`
}

// ScrollConfig tunes the scroll coordinator.
type ScrollConfig struct {
	IdleDebounce Duration `toml:"idle_debounce"`
}

// MediaConfig tunes the media cache.
type MediaConfig struct {
	BudgetBytes     int64    `toml:"budget_bytes"`
	MaxConcurrent   int      `toml:"max_concurrent"`
	EvictionGrace   Duration `toml:"eviction_grace"`
	DownloadTimeout Duration `toml:"download_timeout"`
	EvictInterval   Duration `toml:"evict_interval"`
}

// OutboxConfig tunes the send pipeline.
type OutboxConfig struct {
	FlushInterval Duration `toml:"flush_interval"`
	SendTimeout   Duration `toml:"send_timeout"`
}

// ReceiptsConfig tunes the receipt flusher.
type ReceiptsConfig struct {
	FlushInterval Duration `toml:"flush_interval"`
	BatchSize     int      `toml:"batch_size"`
}

// StoreConfig bounds the content store.
type StoreConfig struct {
	MaxItemsPerCollection int `toml:"max_items_per_collection"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `toml:"level"`
}

// DaemonConfig lists collections wppd keeps in sync.
type DaemonConfig struct {
	Collections []string `toml:"collections"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Backend:        BackendHTTP,
		Remote:         RemoteConfig{RequestTimeout: Duration{10 * time.Second}},
		Chat: CollectionConf{
			RecentLimit:  80,
			WindowMax:    200,
			PollInterval: Duration{1200 * time.Millisecond},
			GroupByDay:   true,
			SyncTimeout:  Duration{8 * time.Second},
		},
		Feed: CollectionConf{
			RecentLimit: 20,
			WindowMax:   200,
			SyncTimeout: Duration{8 * time.Second},
		},
		Scroll: ScrollConfig{IdleDebounce: Duration{280 * time.Millisecond}},
		Media: MediaConfig{
			BudgetBytes:     256 << 20,
			MaxConcurrent:   4,
			EvictionGrace:   Duration{30 * time.Second},
			DownloadTimeout: Duration{60 * time.Second},
			EvictInterval:   Duration{5 * time.Minute},
		},
		Outbox: OutboxConfig{
			FlushInterval: Duration{500 * time.Millisecond},
			SendTimeout:   Duration{30 * time.Second},
		},
		Receipts: ReceiptsConfig{FlushInterval: Duration{2 * time.Second}, BatchSize: 50},
		Store:    StoreConfig{MaxItemsPerCollection: 2000},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads config from the given path over the defaults. Returns nil and
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that treats a missing file as the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv overlays WPPSYNC_* variables, reading envFile first when it
// exists. Variables already set in the process win over the file.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if v := os.Getenv("WPPSYNC_SESSION"); v != "" {
		cfg.DefaultSession = v
	}
	if v := os.Getenv("WPPSYNC_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("WPPSYNC_REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("WPPSYNC_USER_ID"); v != "" {
		cfg.Remote.UserID = v
	}
	if v := os.Getenv("WPPSYNC_MEDIA_BUDGET_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("WPPSYNC_MEDIA_BUDGET_BYTES: %w", err)
		}
		cfg.Media.BudgetBytes = n
	}
	if v := os.Getenv("WPPSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendHTTP:
		if c.Remote.BaseURL == "" {
			errs = append(errs, errors.New("remote.base_url is required for the http backend"))
		}
	case BackendWhatsApp:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	for name, cc := range map[string]CollectionConf{"chat": c.Chat, "feed": c.Feed} {
		if cc.RecentLimit <= 0 {
			errs = append(errs, fmt.Errorf("%s.recent_limit must be positive", name))
		}
		if cc.WindowMax <= 0 {
			errs = append(errs, fmt.Errorf("%s.window_max must be positive", name))
		}
		if cc.PollInterval.Duration < 0 {
			errs = append(errs, fmt.Errorf("%s.poll_interval must not be negative", name))
		}
	}
	if c.Media.MaxConcurrent < 1 || c.Media.MaxConcurrent > 16 {
		errs = append(errs, fmt.Errorf("media.max_concurrent must be within 1..16, got %d", c.Media.MaxConcurrent))
	}
	if c.Media.BudgetBytes < 0 {
		errs = append(errs, errors.New("media.budget_bytes must not be negative"))
	}
	if c.Receipts.BatchSize <= 0 {
		errs = append(errs, errors.New("receipts.batch_size must be positive"))
	}
	if c.Store.MaxItemsPerCollection < 0 {
		errs = append(errs, errors.New("store.max_items_per_collection must not be negative"))
	}
	return errors.Join(errs...)
}
