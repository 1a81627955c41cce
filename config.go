package apijson

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime tuning knobs shared by the engine
// components. The zero value is not usable; start from DefaultConfig
// and override, or load from a YAML file.
type Config struct {
	// IDKey is the primary-key column name assumed by UPDATE
	// compilation and reference resolution.
	IDKey string `yaml:"id_key"`

	// DefaultPageSize is the LIMIT applied to paged reads when the
	// request carries @page but no @count.
	DefaultPageSize int `yaml:"default_page_size"`

	// MaxPageSize bounds @count; values beyond it are rejected.
	MaxPageSize int `yaml:"max_page_size"`

	Cache CacheConfig `yaml:"cache"`
	Batch BatchConfig `yaml:"batch"`
}

// CacheConfig tunes the in-memory result cache.
type CacheConfig struct {
	// MaxEntries bounds the entry count; inserting beyond it evicts
	// the earliest-inserted surviving entry.
	MaxEntries int `yaml:"max_entries"`

	// DefaultTTLMillis applies when a read request is cacheable but
	// carries no @cache directive. 0 means no expiry.
	DefaultTTLMillis int64 `yaml:"default_ttl_millis"`

	// SweepIntervalMillis controls the optional background sweep.
	// 0 disables the sweeper; expiry stays lazy either way.
	SweepIntervalMillis int64 `yaml:"sweep_interval_millis"`
}

// BatchConfig tunes the batch operation service defaults.
type BatchConfig struct {
	ChunkSize        int   `yaml:"chunk_size"`
	Concurrency      int   `yaml:"concurrency"`
	MaxRetries       int   `yaml:"max_retries"`
	RetryDelayMillis int64 `yaml:"retry_delay_millis"`
	ContinueOnError  bool  `yaml:"continue_on_error"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		IDKey:           "id",
		DefaultPageSize: 10,
		MaxPageSize:     100,
		Cache: CacheConfig{
			MaxEntries:          1000,
			DefaultTTLMillis:    60_000,
			SweepIntervalMillis: 0,
		},
		Batch: BatchConfig{
			ChunkSize:        100,
			Concurrency:      5,
			MaxRetries:       0,
			RetryDelayMillis: 100,
			ContinueOnError:  true,
		},
	}
}

// LoadConfig reads a YAML configuration file. Missing fields keep
// their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("apijson: reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("apijson: parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid field, if any.
func (c *Config) Validate() error {
	switch {
	case c.IDKey == "":
		return fmt.Errorf("apijson: config: id_key must not be empty")
	case c.DefaultPageSize <= 0:
		return fmt.Errorf("apijson: config: default_page_size must be positive")
	case c.MaxPageSize < c.DefaultPageSize:
		return fmt.Errorf("apijson: config: max_page_size must be >= default_page_size")
	case c.Cache.MaxEntries <= 0:
		return fmt.Errorf("apijson: config: cache.max_entries must be positive")
	case c.Batch.ChunkSize <= 0:
		return fmt.Errorf("apijson: config: batch.chunk_size must be positive")
	case c.Batch.Concurrency <= 0:
		return fmt.Errorf("apijson: config: batch.concurrency must be positive")
	}
	return nil
}
