package storage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sjpalmer/relstore/internal/dberrors"
)

// Config is the engine's full set of tunables, loaded from a YAML file
// at startup (see LoadConfig) or constructed with DefaultConfig and
// overridden programmatically.
type Config struct {
	DataPath         string `yaml:"data_path"`
	PageSize         int    `yaml:"page_size"`
	BufferPoolSize   int    `yaml:"buffer_pool_size"`
	WALEnabled       bool   `yaml:"wal_enabled"`
	CheckpointSpec   string `yaml:"checkpoint_spec"`
	LockWaitTimeoutMs int   `yaml:"lock_wait_timeout_ms"`
}

// DefaultConfig returns the engine's out-of-the-box tunables.
func DefaultConfig() Config {
	return Config{
		DataPath:          "./data",
		PageSize:          4096,
		BufferPoolSize:    1000,
		WALEnabled:        true,
		CheckpointSpec:    "@every 30s",
		LockWaitTimeoutMs: 5000,
	}
}

// LoadConfig reads and strictly decodes a YAML config file: unknown
// keys are rejected rather than silently ignored, so a typo'd field
// name surfaces immediately instead of falling back to its default.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config %q: %w", path, dberrors.ErrIO)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, dberrors.Wrap(err.Error(), dberrors.ErrParse))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects a config with non-positive sizes or an empty data
// path, which would otherwise surface later as confusing I/O errors.
func (c Config) Validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("data_path is required: %w", dberrors.ErrInvalidType)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive: %w", dberrors.ErrInvalidType)
	}
	if c.BufferPoolSize <= 0 {
		return fmt.Errorf("buffer_pool_size must be positive: %w", dberrors.ErrInvalidType)
	}
	return nil
}
