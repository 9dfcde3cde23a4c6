// Package config defines the engine's configuration surface (spec section
// 6) and the ways it can be populated: hardcoded defaults, environment
// variables, and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the full configuration surface accepted by engine.Open.
type Config struct {
	DataDir string `yaml:"data_dir"`

	// CacheCapacity is the read LRU's bound. Zero disables the read cache.
	CacheCapacity int `yaml:"cache_capacity"`

	// DefaultTTL applies to puts that don't specify one. Zero means no
	// default expiry.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// SyncInterval governs fsync cadence; zero fsyncs after every append.
	SyncInterval time.Duration `yaml:"sync_interval"`

	Compression     bool `yaml:"compression"`
	AsyncCompaction bool `yaml:"async_compaction"`
	WriteBackCache  bool `yaml:"write_back_cache"`

	// Logger controls the ambient slog setup; see internal logging setup.
	Logger LoggerConfig `yaml:"logger"`
}

// LoggerConfig controls the process-wide slog handler.
type LoggerConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// Default returns a conservative baseline: durable by default (fsync every
// write), no cache, no compression, synchronous compaction.
func Default() Config {
	return Config{
		DataDir:       "./data",
		CacheCapacity: 0,
		DefaultTTL:    0,
		SyncInterval:  0,
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
	}
}

// FromEnv overlays CRABKV_DATA_DIR, CRABKV_CACHE_CAPACITY, and
// CRABKV_DEFAULT_TTL_SECS (spec section 6) onto cfg, returning the result.
// Unset variables leave the corresponding field unchanged.
func FromEnv(cfg Config) (Config, error) {
	if v, ok := os.LookupEnv("CRABKV_DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("CRABKV_CACHE_CAPACITY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse CRABKV_CACHE_CAPACITY: %w", err)
		}
		cfg.CacheCapacity = n
	}
	if v, ok := os.LookupEnv("CRABKV_DEFAULT_TTL_SECS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse CRABKV_DEFAULT_TTL_SECS: %w", err)
		}
		cfg.DefaultTTL = time.Duration(n) * time.Second
	}
	return cfg, nil
}

// LoadYAML reads and merges a YAML config file over Default().
func LoadYAML(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields required for engine.Open to succeed.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.CacheCapacity < 0 {
		return fmt.Errorf("cache_capacity must not be negative")
	}
	if c.DefaultTTL < 0 {
		return fmt.Errorf("default_ttl must not be negative")
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("sync_interval must not be negative")
	}
	return nil
}
