package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the trigger API.
type BasicAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config is the top-level service configuration. CalDAV account credentials do
// not live here; they are stored per-user in the database.
type Config struct {
	// Listen is the HTTP listen address for the trigger and read API.
	Listen string `yaml:"listen"`

	// DatabasePath is the sqlite database file.
	DatabasePath string `yaml:"database_path"`

	// Timezone is the IANA timezone used by the scheduler.
	Timezone string `yaml:"timezone"`

	// SyncCron is the cron spec for the scheduled sync pass.
	SyncCron string `yaml:"sync_cron"`

	// SyncWorkers bounds how many accounts are synced concurrently
	// within one scheduled pass.
	SyncWorkers int `yaml:"sync_workers"`

	// DefaultCalDAVURL is used when a credential has no base URL.
	DefaultCalDAVURL string `yaml:"default_caldav_url"`

	// HTTPTimeout bounds every CalDAV request.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// BasicAuth, if non-nil, protects all /api/ endpoints. /health stays open.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty"`

	loc *time.Location
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:           "127.0.0.1:8080",
		DatabasePath:     "./data/calsync.db",
		Timezone:         "UTC",
		SyncCron:         "*/15 * * * *",
		SyncWorkers:      4,
		DefaultCalDAVURL: "https://caldav.icloud.com",
		HTTPTimeout:      30 * time.Second,
	}
}

// Normalize fills missing/zero values with defaults so partially-filled
// configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.DatabasePath == "" {
		c.DatabasePath = d.DatabasePath
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.SyncCron == "" {
		c.SyncCron = d.SyncCron
	}
	if c.SyncWorkers <= 0 {
		c.SyncWorkers = d.SyncWorkers
	}
	if c.DefaultCalDAVURL == "" {
		c.DefaultCalDAVURL = d.DefaultCalDAVURL
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
}

// Location returns the scheduler timezone.
func (c *Config) Location() *time.Location {
	if c.loc != nil {
		return c.loc
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		loc = time.UTC
	}
	c.loc = loc
	return loc
}

// Path returns the config file path: CALSYNC_CONFIG or ./calsync.yaml.
func Path() string {
	if p := os.Getenv("CALSYNC_CONFIG"); p != "" {
		return p
	}
	return "./calsync.yaml"
}

// Load loads configuration from the given YAML path. A missing file is first
// run: a default config is written (0600 perms) and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}

	return &cfg, nil
}

// Save writes the configuration atomically (temp file + rename, 0600 perms).
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
