package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Launcher    LauncherConfig    `yaml:"launcher"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Registry    RegistryConfig    `yaml:"registry"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	KnownErrors KnownErrorsConfig `yaml:"known_errors"`
	Downloads   DownloadsConfig   `yaml:"downloads"`
}

// LauncherConfig holds local launcher settings
type LauncherConfig struct {
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
	Locale  string `yaml:"locale"`
}

// CatalogConfig holds the remote modpack catalog settings
type CatalogConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// RegistryConfig holds the mod registry proxy settings
type RegistryConfig struct {
	URL       string `yaml:"url"`
	BatchSize int    `yaml:"batch_size"`
}

// RateLimitConfig holds the download accounting service settings
type RateLimitConfig struct {
	URL         string `yaml:"url"`
	ClientToken string `yaml:"client_token"`
	AuthToken   string `yaml:"auth_token"`
}

// KnownErrorsConfig holds the remote known-errors table settings
type KnownErrorsConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DownloadsConfig holds download engine settings
type DownloadsConfig struct {
	MaxWorkers     int           `yaml:"max_workers"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	dataDir := "/var/lib/packctl"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".local", "share", "packctl")
	}
	return &Config{
		Launcher: LauncherConfig{
			DataDir: dataDir,
			DBPath:  "",
			Locale:  "en",
		},
		Catalog: CatalogConfig{
			CacheTTL: 5 * time.Minute,
		},
		Registry: RegistryConfig{
			BatchSize: 50,
		},
		RateLimit: RateLimitConfig{},
		KnownErrors: KnownErrorsConfig{
			CacheTTL: 15 * time.Minute,
		},
		Downloads: DownloadsConfig{
			MaxWorkers:     4,
			RetryAttempts:  3,
			RequestTimeout: 30 * time.Second,
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"packctl.yaml",
		"/etc/packctl/packctl.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "packctl", "packctl.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks values that would otherwise fail deep inside an operation
func (c *Config) Validate() error {
	if c.Launcher.DataDir == "" {
		return fmt.Errorf("launcher.data_dir is required")
	}
	if c.Downloads.MaxWorkers < 1 {
		return fmt.Errorf("downloads.max_workers must be at least 1, got %d", c.Downloads.MaxWorkers)
	}
	if c.Registry.BatchSize < 1 {
		return fmt.Errorf("registry.batch_size must be at least 1, got %d", c.Registry.BatchSize)
	}
	switch c.Launcher.Locale {
	case "en", "es":
	default:
		return fmt.Errorf("unsupported locale %q (supported: en, es)", c.Launcher.Locale)
	}
	return nil
}

// DBPath returns the configured database path, defaulting under the data dir
func (c *Config) DBPath() string {
	if c.Launcher.DBPath != "" {
		return c.Launcher.DBPath
	}
	return filepath.Join(c.Launcher.DataDir, "packctl.db")
}

// InstanceDir returns the on-disk directory for an instance
func (c *Config) InstanceDir(instanceID string) string {
	return filepath.Join(c.Launcher.DataDir, "instances", instanceID)
}

// EnsureDataDir creates the data directory tree if missing
func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{
		c.Launcher.DataDir,
		filepath.Join(c.Launcher.DataDir, "instances"),
		filepath.Join(c.Launcher.DataDir, "tmp"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating data directory %s: %w", dir, err)
		}
	}
	return nil
}
