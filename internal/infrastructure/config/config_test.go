package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Broker.MaxMapSize != 4<<20 {
		t.Errorf("MaxMapSize = %d, want %d", cfg.Broker.MaxMapSize, 4<<20)
	}
	if cfg.Broker.NiceLimit != 40 {
		t.Errorf("NiceLimit = %d, want 40", cfg.Broker.NiceLimit)
	}
	if cfg.Admin.Port != "9410" {
		t.Errorf("Admin.Port = %q, want 9410", cfg.Admin.Port)
	}
}

func TestLoadUsesEnv(t *testing.T) {
	t.Setenv("IPC_MAX_MAP_SIZE", "131072")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Broker.MaxMapSize != 131072 {
		t.Errorf("MaxMapSize = %d, want 131072", cfg.Broker.MaxMapSize)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ipcd.yaml")
	body := []byte("broker:\n  max_map_size: 262144\n  nice_limit: 20\nlogging:\n  level: warn\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Broker.MaxMapSize != 262144 {
		t.Errorf("MaxMapSize = %d, want 262144", cfg.Broker.MaxMapSize)
	}
	if cfg.Broker.NiceLimit != 20 {
		t.Errorf("NiceLimit = %d, want 20", cfg.Broker.NiceLimit)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile("/nonexistent/ipcd.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}
