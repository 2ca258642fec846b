package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Chat.PollInterval = Duration{2 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Chat.PollInterval.Duration != 2*time.Second {
		t.Errorf("poll interval = %v", loaded.Chat.PollInterval)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := "backend = \"whatsapp\"\n[scroll]\nidle_debounce = \"300ms\"\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scroll.IdleDebounce.Duration != 300*time.Millisecond {
		t.Errorf("idle debounce = %v", cfg.Scroll.IdleDebounce)
	}
	if cfg.Chat.RecentLimit != 80 || cfg.Media.MaxConcurrent != 4 {
		t.Errorf("defaults lost: %+v", cfg.Chat)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil || cfg.Backend != BackendHTTP {
		t.Errorf("LoadOrDefault = %+v, %v", cfg, err)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[chat]\npoll_interval = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected duration parse error")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestApplyEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	body := "WPPSYNC_REMOTE_URL=http://file.example\nWPPSYNC_LOG_LEVEL=debug\n"
	if err := os.WriteFile(envFile, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WPPSYNC_REMOTE_URL", "http://env.example")
	t.Setenv("WPPSYNC_MEDIA_BUDGET_BYTES", "1024")
	t.Setenv("WPPSYNC_SESSION", "work")
	// godotenv sets variables for the rest of the process.
	t.Setenv("WPPSYNC_LOG_LEVEL", "")
	_ = os.Unsetenv("WPPSYNC_LOG_LEVEL")

	cfg := Default()
	if err := ApplyEnv(cfg, envFile); err != nil {
		t.Fatal(err)
	}
	if cfg.Remote.BaseURL != "http://env.example" {
		t.Errorf("base url = %q, process env should win", cfg.Remote.BaseURL)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want value from .env", cfg.Log.Level)
	}
	if cfg.Media.BudgetBytes != 1024 || cfg.DefaultSession != "work" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestApplyEnvMissingFile(t *testing.T) {
	if err := ApplyEnv(Default(), filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("missing .env should be ignored: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults with url", func(c *Config) { c.Remote.BaseURL = "http://x" }, ""},
		{"whatsapp needs no url", func(c *Config) { c.Backend = BackendWhatsApp }, ""},
		{"missing url", func(c *Config) {}, "base_url"},
		{"unknown backend", func(c *Config) { c.Backend = "smoke" }, "unknown backend"},
		{"bad limit", func(c *Config) { c.Remote.BaseURL = "http://x"; c.Chat.RecentLimit = 0 }, "chat.recent_limit"},
		{"bad window", func(c *Config) { c.Remote.BaseURL = "http://x"; c.Feed.WindowMax = -1 }, "feed.window_max"},
		{"too many transfers", func(c *Config) { c.Remote.BaseURL = "http://x"; c.Media.MaxConcurrent = 17 }, "max_concurrent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
