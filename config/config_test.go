package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDataDirDefault(t *testing.T) {
	t.Setenv("FILEFORGE_DATA_DIR", "")

	if got := GetDataDir(); got != "./data" {
		t.Errorf("Expected default data dir ./data, got %s", got)
	}
	if got := GetHistoryDBPath(); got != filepath.Join("./data", "history.db") {
		t.Errorf("Unexpected history path %s", got)
	}
}

func TestDataDirEnv(t *testing.T) {
	customDir := filepath.Join(t.TempDir(), "forge-data")
	t.Setenv("FILEFORGE_DATA_DIR", customDir)
	t.Setenv("FILEFORGE_ARTIFACT_DIR", "")

	if got := GetHistoryDBPath(); got != filepath.Join(customDir, "history.db") {
		t.Errorf("Expected history path in %s, got %s", customDir, got)
	}
	if got := GetArtifactDir(); got != filepath.Join(customDir, "artifacts") {
		t.Errorf("Expected artifact dir in %s, got %s", customDir, got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FILEFORGE_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("Expected addr :8080, got %s", cfg.Addr)
	}
	if cfg.Jobs.TTL != time.Hour {
		t.Errorf("Expected job ttl 1h, got %v", cfg.Jobs.TTL)
	}
	if cfg.Artifacts.Backend != "local" {
		t.Errorf("Expected local artifact backend, got %s", cfg.Artifacts.Backend)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fileforge.yaml")
	content := `
addr: ":9090"
rate_limit:
  convert_max: 5
  window: 30s
jobs:
  ttl: 10m
  workers: 2
artifacts:
  backend: s3
  s3:
    bucket: from-file
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	t.Setenv("FILEFORGE_CONFIG", path)
	t.Setenv("FILEFORGE_S3_BUCKET", "from-env")
	t.Setenv("FILEFORGE_WORKERS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Errorf("Expected addr from file, got %s", cfg.Addr)
	}
	if cfg.RateLimit.ConvertMax != 5 || cfg.RateLimit.Window != 30*time.Second {
		t.Errorf("Unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.RateLimit.PollMax != 240 {
		t.Errorf("Expected untouched poll max to keep default, got %d", cfg.RateLimit.PollMax)
	}
	if cfg.Jobs.TTL != 10*time.Minute {
		t.Errorf("Expected ttl 10m, got %v", cfg.Jobs.TTL)
	}
	if cfg.Jobs.Workers != 7 {
		t.Errorf("Expected env to override workers, got %d", cfg.Jobs.Workers)
	}
	if cfg.Artifacts.S3.Bucket != "from-env" {
		t.Errorf("Expected env to override bucket, got %s", cfg.Artifacts.S3.Bucket)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("FILEFORGE_CONFIG", "")
	t.Setenv("FILEFORGE_JOB_TTL", "soon")
	if _, err := Load(); err == nil {
		t.Error("Expected error for unparsable duration")
	}

	t.Setenv("FILEFORGE_JOB_TTL", "")
	t.Setenv("FILEFORGE_ARTIFACT_BACKEND", "floppy")
	if _, err := Load(); err == nil {
		t.Error("Expected error for unknown artifact backend")
	}
}
