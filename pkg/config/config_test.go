package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Listen)
	}
	if cfg.Pool.MaxConcurrentPerAccount != 2 {
		t.Errorf("expected 2 concurrent per account, got %d", cfg.Pool.MaxConcurrentPerAccount)
	}
	if cfg.Pool.QuotaFreshness != 5*time.Minute {
		t.Errorf("expected 5m freshness, got %v", cfg.Pool.QuotaFreshness)
	}
	if cfg.Scheduler.MaxExtraChecks != 20 {
		t.Errorf("expected 20 extra checks, got %d", cfg.Scheduler.MaxExtraChecks)
	}
	if cfg.Rotation.RotateTimeout != 60*time.Second {
		t.Errorf("expected 60s rotate timeout, got %v", cfg.Rotation.RotateTimeout)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_PROXY_KEY", "pk-test-123")

	content := `
listen: ":9090"
ledger_path: "test_accounts.csv"
model_limits:
  default:
    rpm: 30
    rpd: 5000
  eleven_flash_v2_5:
    rpm: 120
    cpm: 100000
rotation:
  proxy_id: "42"
  api_key: ${TEST_PROXY_KEY}
  rotate_timeout: 90s
pool:
  batch_size: 25
  min_useful_quota: 250
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Rotation.APIKey != "pk-test-123" {
		t.Errorf("env var not expanded: got %s", cfg.Rotation.APIKey)
	}
	if cfg.Rotation.RotateTimeout != 90*time.Second {
		t.Errorf("expected 90s rotate timeout, got %v", cfg.Rotation.RotateTimeout)
	}
	if cfg.Pool.BatchSize != 25 {
		t.Errorf("expected batch size 25, got %d", cfg.Pool.BatchSize)
	}
	if cfg.Pool.MinUsefulQuota != 250 {
		t.Errorf("expected quota floor 250, got %d", cfg.Pool.MinUsefulQuota)
	}
	flash, ok := cfg.ModelLimits["eleven_flash_v2_5"]
	if !ok {
		t.Fatal("flash model limits missing")
	}
	if flash.RPM != 120 || flash.CPM != 100000 {
		t.Errorf("flash limits = %+v", flash)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("VOXGATE_LISTEN", ":7070")

	content := "listen: \":9090\"\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":7070" {
		t.Errorf("env override lost: got %s", cfg.Listen)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}
