// Package config loads the dashboard configuration from YAML with environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-gwquickview/pkg/archive"
	"github.com/illmade-knight/go-gwquickview/pkg/cache"
	"github.com/illmade-knight/go-gwquickview/pkg/gwosc"
	"github.com/illmade-knight/go-gwquickview/pkg/quickview"
	"github.com/rs/zerolog"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all dashboard configuration.
type Config struct {
	LogLevel        string `yaml:"log_level"`
	HTTPPort        string `yaml:"http_port"`
	CredentialsFile string `yaml:"credentials_file"`

	GWOSC     gwosc.Config          `yaml:"gwosc"`
	Cache     quickview.CacheConfig `yaml:"cache"`
	Redis     cache.RedisConfig     `yaml:"redis"`
	Firestore cache.FirestoreConfig `yaml:"firestore"`
	Sessions  Sessions              `yaml:"sessions"`
	Archive   archive.Config        `yaml:"archive"`
	Dashboard Dashboard             `yaml:"dashboard"`
}

// Sessions selects where per-session selections are kept.
type Sessions struct {
	Backend string        `yaml:"backend"` // "memory" | "redis"
	TTL     time.Duration `yaml:"ttl"`
}

// Dashboard holds presentation settings.
type Dashboard struct {
	// MaxPoints bounds the number of points sent to the browser per plot.
	MaxPoints int `yaml:"max_points"`
}

// DefaultConfig returns a Config with the dashboard's defaults: one hour and
// ten entries for both memo caches, in-memory everything.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		HTTPPort: ":8080",
		GWOSC: gwosc.Config{
			BaseURL:   gwosc.DefaultBaseURL,
			Timeout:   60 * time.Second,
			UserAgent: "gw-quickview",
		},
		Cache: quickview.CacheConfig{
			Strain:            quickview.DefaultMemoConfig,
			Events:            quickview.DefaultMemoConfig,
			Backend:           quickview.BackendMemory,
			LookupConcurrency: 8,
		},
		Redis: cache.RedisConfig{
			CacheTTL:  time.Hour,
			KeyPrefix: "gwqv:",
		},
		Firestore: cache.FirestoreConfig{
			CollectionName: "gwqv-cache",
			CacheTTL:       time.Hour,
		},
		Sessions: Sessions{
			Backend: "memory",
			TTL:     24 * time.Hour,
		},
		Archive: archive.Config{
			ObjectPrefix: "strain",
		},
		Dashboard: Dashboard{
			MaxPoints: 4000,
		},
	}
}

// Load reads the YAML config file at path over the defaults.
// If the file does not exist, defaults are returned without error.
// If the file contains invalid YAML or unknown fields, an error is returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return &cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		// Comment-only YAML files produce EOF with no decoded content.
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyEnv applies environment variable overrides to the config.
// GWQV_CACHE_TTL accepts day units, e.g. "1d" or "1d12h".
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("GWQV_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GWQV_HTTP_PORT"); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			v = ":" + v
		}
		c.HTTPPort = v
	}
	if v := os.Getenv("GWQV_GWOSC_URL"); v != "" {
		c.GWOSC.BaseURL = v
	}
	if v := os.Getenv("GWQV_CACHE_TTL"); v != "" {
		d, err := str2duration.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid GWQV_CACHE_TTL %q: %w", v, err)
		}
		c.Cache.Strain.TTL = d
		c.Cache.Events.TTL = d
	}
	if v := os.Getenv("GWQV_CACHE_BACKEND"); v != "" {
		c.Cache.Backend = v
	}
	if v := os.Getenv("GWQV_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("GWQV_FIRESTORE_PROJECT"); v != "" {
		c.Firestore.ProjectID = v
	}
	if v := os.Getenv("GWQV_ARCHIVE_BUCKET"); v != "" {
		c.Archive.Bucket = v
	}
	if v := os.Getenv("GWQV_CREDENTIALS_FILE"); v != "" {
		c.CredentialsFile = v
	}
	return nil
}

// Validate checks that config values are usable.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: log_level: %w", err)
	}
	if c.HTTPPort == "" {
		return errors.New("config: http_port cannot be empty")
	}
	for name, m := range map[string]cache.MemoConfig{"strain": c.Cache.Strain, "events": c.Cache.Events} {
		if m.TTL <= 0 {
			return fmt.Errorf("config: cache.%s.ttl must be positive, got %v", name, m.TTL)
		}
		if m.MaxEntries <= 0 {
			return fmt.Errorf("config: cache.%s.max_entries must be positive, got %d", name, m.MaxEntries)
		}
	}
	switch c.Cache.Backend {
	case quickview.BackendMemory:
	case quickview.BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("config: cache.backend is redis but redis.addr is empty")
		}
	case quickview.BackendFirestore:
		if c.Firestore.ProjectID == "" {
			return errors.New("config: cache.backend is firestore but firestore.project_id is empty")
		}
	default:
		return fmt.Errorf("config: cache.backend must be memory, redis or firestore, got %q", c.Cache.Backend)
	}
	switch c.Sessions.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("config: sessions.backend is redis but redis.addr is empty")
		}
	default:
		return fmt.Errorf("config: sessions.backend must be memory or redis, got %q", c.Sessions.Backend)
	}
	if c.Sessions.TTL < 0 {
		return fmt.Errorf("config: sessions.ttl must be non-negative, got %v", c.Sessions.TTL)
	}
	if c.Dashboard.MaxPoints < 2 {
		return fmt.Errorf("config: dashboard.max_points must be at least 2, got %d", c.Dashboard.MaxPoints)
	}
	return nil
}
