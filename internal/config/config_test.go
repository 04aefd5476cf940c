package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Launcher.DataDir == "" {
		t.Error("Launcher.DataDir is empty")
	}
	if cfg.Launcher.Locale != "en" {
		t.Errorf("Launcher.Locale = %q, want %q", cfg.Launcher.Locale, "en")
	}
	if cfg.Downloads.MaxWorkers != 4 {
		t.Errorf("Downloads.MaxWorkers = %d, want 4", cfg.Downloads.MaxWorkers)
	}
	if cfg.Downloads.RetryAttempts != 3 {
		t.Errorf("Downloads.RetryAttempts = %d, want 3", cfg.Downloads.RetryAttempts)
	}
	if cfg.Registry.BatchSize != 50 {
		t.Errorf("Registry.BatchSize = %d, want 50", cfg.Registry.BatchSize)
	}
	if cfg.Catalog.CacheTTL != 5*time.Minute {
		t.Errorf("Catalog.CacheTTL = %v, want 5m", cfg.Catalog.CacheTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

// TestLoad tests loading a valid config file over defaults
func TestLoad(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "packctl.yaml")

	configContent := `
launcher:
  data_dir: "/custom/data"
  db_path: "/custom/data/launcher.db"
  locale: "es"
catalog:
  url: "https://catalog.example.com/modpacks.json"
  cache_ttl: 10m
registry:
  url: "https://registry.example.com/v1/files"
  batch_size: 25
rate_limit:
  url: "https://accounts.example.com/check"
  client_token: "anon-token"
downloads:
  max_workers: 8
  retry_attempts: 5
  request_timeout: 45s
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"data dir", cfg.Launcher.DataDir, "/custom/data"},
		{"db path", cfg.Launcher.DBPath, "/custom/data/launcher.db"},
		{"locale", cfg.Launcher.Locale, "es"},
		{"catalog url", cfg.Catalog.URL, "https://catalog.example.com/modpacks.json"},
		{"registry url", cfg.Registry.URL, "https://registry.example.com/v1/files"},
		{"client token", cfg.RateLimit.ClientToken, "anon-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}

	if cfg.Downloads.MaxWorkers != 8 {
		t.Errorf("Downloads.MaxWorkers = %d, want 8", cfg.Downloads.MaxWorkers)
	}
	if cfg.Catalog.CacheTTL != 10*time.Minute {
		t.Errorf("Catalog.CacheTTL = %v, want 10m", cfg.Catalog.CacheTTL)
	}
	if cfg.DBPath() != "/custom/data/launcher.db" {
		t.Errorf("DBPath() = %q, want explicit db path", cfg.DBPath())
	}
}

// TestLoadMissingFile verifies Load fails on a nonexistent path
func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/packctl.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

// TestValidate covers rejection of bad values
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.Launcher.DataDir = "" }},
		{"zero workers", func(c *Config) { c.Downloads.MaxWorkers = 0 }},
		{"zero batch size", func(c *Config) { c.Registry.BatchSize = 0 }},
		{"unknown locale", func(c *Config) { c.Launcher.Locale = "fr" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

// TestInstanceDir verifies instance paths land under the data dir
func TestInstanceDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Launcher.DataDir = "/data"
	got := cfg.InstanceDir("skyfactory")
	want := filepath.Join("/data", "instances", "skyfactory")
	if got != want {
		t.Errorf("InstanceDir = %q, want %q", got, want)
	}
}
