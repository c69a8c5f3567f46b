package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if cfg.Port == 0 || cfg.DataDir == "" || cfg.MaxConcurrentBuilds < 1 {
		t.Fatalf("default config invalid: %+v", cfg)
	}
	if cfg.CacheTTL != 24*time.Hour {
		t.Fatalf("expected 24h cache ttl, got %s", cfg.CacheTTL)
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "not_exists.yml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.Port != defaultPort {
		t.Fatalf("expected default port, got %d", cfg.Port)
	}
}

func TestLoadReadsAndValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yml")
	content := []byte(`port: 9090
data_dir: testdata
log_level: DEBUG
max_concurrent_builds: 4
cache_ttl: 2h
record_store:
  url: http://records.local/
  files_relation: cbct
blob:
  base_url: http://records.local/api/files/
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9090 || cfg.DataDir != "testdata" || cfg.MaxConcurrentBuilds != 4 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.CacheTTL != 2*time.Hour {
		t.Fatalf("expected 2h cache ttl, got %s", cfg.CacheTTL)
	}
	if cfg.RecordStore.URL != "http://records.local" || cfg.Blob.BaseURL != "http://records.local/api/files" {
		t.Fatalf("urls not normalized: %+v", cfg)
	}
	if cfg.RecordStore.FilesRelation != "cbct" || cfg.RecordStore.OrdersCollection != defaultOrdersCollection {
		t.Fatalf("unexpected record store cfg: %+v", cfg.RecordStore)
	}
	if cfg.Level() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", cfg.Level())
	}
}

func TestLoadRejectsInvalidConcurrency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yml")
	if err := os.WriteFile(path, []byte("max_concurrent_builds: 0\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for invalid concurrency")
	}
}

func TestLoadRejectsUnknownLogFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yml")
	if err := os.WriteFile(path, []byte("log_format: xml\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown log format")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yml")
	if err := os.WriteFile(path, []byte("port: 9090\ncache_ttl: 1h\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONEBEAM_PORT", "7070")
	t.Setenv("CONEBEAM_CACHE_TTL", "30m")
	t.Setenv("CONEBEAM_BLOB_BASE_URL", "http://blobs/")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 7070 || cfg.CacheTTL != 30*time.Minute || cfg.Blob.BaseURL != "http://blobs" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("CONEBEAM_FETCH_TIMEOUT", "soon")
	if _, err := Load(filepath.Join(t.TempDir(), "none.yml")); err == nil {
		t.Fatalf("expected error for malformed duration")
	}
}
