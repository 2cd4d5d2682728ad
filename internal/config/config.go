// Package config loads the daemon configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	TPM      TPMConfig      `yaml:"tpm"`
	Workers  WorkersConfig  `yaml:"workers"`
	Caching  CachingConfig  `yaml:"caching"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// PathsConfig anchors the daemon's path spaces.
type PathsConfig struct {
	FuseRoot    string `yaml:"fuse_root"`
	BackingRoot string `yaml:"backing_root"`
	CacheRoot   string `yaml:"cache_root"`
	RuntimeDir  string `yaml:"runtime_dir"`
}

// DatabaseConfig points at the catalog store.
type DatabaseConfig struct {
	// DSN is a lib/pq connection string. Empty selects the in-memory
	// catalog (development only).
	DSN             string        `yaml:"dsn"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// LogConfig configures the logrus stack.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TPMConfig selects the master key provider.
type TPMConfig struct {
	// Device is the TPM character device.
	Device string `yaml:"device"`
	// AllowFileFallback permits the insecure file-backed master key on
	// machines without a TPM.
	AllowFileFallback bool `yaml:"allow_file_fallback"`
}

// WorkersConfig sizes the pools.
type WorkersConfig struct {
	Sync      int `yaml:"sync"`
	Stats     int `yaml:"stats"`
	Thumbnail int `yaml:"thumbnail"`
}

// CachingConfig controls preview rendering and the file cache.
type CachingConfig struct {
	ThumbnailSizes []int `yaml:"thumbnail_sizes"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			FuseRoot:    "/mnt/vaulthalla",
			BackingRoot: "/var/lib/vaulthalla/backing",
			CacheRoot:   "/var/cache/vaulthalla",
			RuntimeDir:  "/run/vaulthalla",
		},
		Database: DatabaseConfig{
			MaxConnections:  16,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		TPM: TPMConfig{Device: "/dev/tpmrm0"},
		Workers: WorkersConfig{
			Sync:      4,
			Stats:     2,
			Thumbnail: 2,
		},
		Caching: CachingConfig{ThumbnailSizes: []int{128, 256, 512}},
		Metrics: MetricsConfig{Listen: ":9309"},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VH_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("VH_FUSE_ROOT"); v != "" {
		cfg.Paths.FuseRoot = v
	}
	if v := os.Getenv("VH_BACKING_ROOT"); v != "" {
		cfg.Paths.BackingRoot = v
	}
	if v := os.Getenv("VH_CACHE_ROOT"); v != "" {
		cfg.Paths.CacheRoot = v
	}
	if v := os.Getenv("VH_RUNTIME_DIR"); v != "" {
		cfg.Paths.RuntimeDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("VH_SYNC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers.Sync = n
		}
	}
	if v := os.Getenv("VH_TPM_DEVICE"); v != "" {
		cfg.TPM.Device = v
	}
	if v := os.Getenv("VH_TPM_ALLOW_FILE_FALLBACK"); v != "" {
		cfg.TPM.AllowFileFallback = strings.EqualFold(v, "true") || v == "1"
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	for name, p := range map[string]string{
		"paths.fuse_root":    c.Paths.FuseRoot,
		"paths.backing_root": c.Paths.BackingRoot,
		"paths.cache_root":   c.Paths.CacheRoot,
		"paths.runtime_dir":  c.Paths.RuntimeDir,
	} {
		if p == "" {
			return fmt.Errorf("config: %s must be set", name)
		}
		if !filepath.IsAbs(p) {
			return fmt.Errorf("config: %s must be absolute, got %q", name, p)
		}
	}
	if c.Workers.Sync < 1 {
		return fmt.Errorf("config: workers.sync must be >= 1")
	}
	return nil
}

// SuperadminUID consumes the one-shot superadmin seed file if present,
// returning (0, false) when there is none.
func SuperadminUID(runtimeDir string) (uint32, bool, error) {
	path := filepath.Join(runtimeDir, "superadmin_uid")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read superadmin seed: %w", err)
	}
	uid, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil {
		return 0, false, fmt.Errorf("parse superadmin seed: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return 0, false, fmt.Errorf("consume superadmin seed: %w", err)
	}
	return uint32(uid), true, nil
}
