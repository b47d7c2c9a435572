package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig should validate: %v", err)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []Config{
		{DataPath: "", PageSize: 4096, BufferPoolSize: 100},
		{DataPath: "./data", PageSize: 0, BufferPoolSize: 100},
		{DataPath: "./data", PageSize: 4096, BufferPoolSize: 0},
	}
	for i, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error, got nil for %+v", i, cfg)
		}
	}
}

func TestLoadConfigStrictUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	good := "data_path: " + dir + "\npage_size: 8192\nbuffer_pool_size: 500\nwal_enabled: false\ncheckpoint_spec: \"\"\nlock_wait_timeout_ms: 1000\n"
	if err := os.WriteFile(path, []byte(good), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.PageSize != 8192 || cfg.BufferPoolSize != 500 || cfg.WALEnabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	bad := good + "typo_field: true\n"
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected unknown field to be rejected, got nil error")
	}
}
