package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileWritesTemplateAndReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Stockbit.PageLimit != 50 {
		t.Errorf("PageLimit = %d, want default 50", cfg.Stockbit.PageLimit)
	}
	if cfg.Storage.RotationTimezone != "UTC" {
		t.Errorf("RotationTimezone = %q, want UTC", cfg.Storage.RotationTimezone)
	}
	if cfg.Scheduler.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.Scheduler.MaxRetries)
	}
	if cfg.Stream.BaseBackoff != 5*time.Second {
		t.Errorf("BaseBackoff = %v, want 5s", cfg.Stream.BaseBackoff)
	}

	if _, err := os.Stat(filepath.Join(dir, "config.toml")); err != nil {
		t.Errorf("template config.toml was not written: %v", err)
	}
}

func TestLoad_ReadsExistingFileOverridingDefaults(t *testing.T) {
	dir := t.TempDir()
	contents := `
[stockbit]
page_limit = 99

[storage]
rotation_timezone = "UTC"
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(contents), 0o644); err != nil {
		t.Fatalf("write config.toml: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Stockbit.PageLimit != 99 {
		t.Errorf("PageLimit = %d, want 99 from the file", cfg.Stockbit.PageLimit)
	}
	// Unset fields still fall back to defaults.
	if cfg.Scheduler.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3 for an unset field", cfg.Scheduler.MaxRetries)
	}
}

func TestLoad_RejectsNonUTCRotationTimezone(t *testing.T) {
	dir := t.TempDir()
	contents := `
[storage]
rotation_timezone = "Asia/Jakarta"
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(contents), 0o644); err != nil {
		t.Fatalf("write config.toml: %v", err)
	}

	if _, err := Load(dir); err == nil {
		t.Fatal("expected Load to reject a non-UTC rotation_timezone")
	}
}

func TestApplyEnvOverrides_DataDirAndWebSocketURL(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STOCKBIT_DATA_DIR", "/custom/data")
	t.Setenv("STOCKBIT_JOB_DB_PATH", "/custom/jobs.db")
	t.Setenv("STOCKBIT_WEBSOCKET_URL", "wss://custom.example/ws")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.DataDir != "/custom/data" {
		t.Errorf("DataDir = %q, want /custom/data", cfg.Storage.DataDir)
	}
	if cfg.Storage.JobDBPath != "/custom/jobs.db" {
		t.Errorf("JobDBPath = %q, want /custom/jobs.db", cfg.Storage.JobDBPath)
	}
	if cfg.Stockbit.WebSocketURL != "wss://custom.example/ws" {
		t.Errorf("WebSocketURL = %q, want override", cfg.Stockbit.WebSocketURL)
	}
}

func TestValidate_RejectsNonPositivePageLimit(t *testing.T) {
	cfg := &Config{
		Storage:   StorageConfig{RotationTimezone: "UTC"},
		Stockbit:  StockbitConfig{PageLimit: 0},
		Stream:    StreamConfig{BaseBackoff: time.Second, MaxBackoff: time.Minute},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for page_limit <= 0")
	}
}

func TestValidate_RejectsNegativeMaxRetries(t *testing.T) {
	cfg := &Config{
		Storage:   StorageConfig{RotationTimezone: "UTC"},
		Stockbit:  StockbitConfig{PageLimit: 10},
		Scheduler: SchedulerConfig{MaxRetries: -1},
		Stream:    StreamConfig{BaseBackoff: time.Second, MaxBackoff: time.Minute},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for negative max_retries")
	}
}

func TestValidate_RejectsMaxBackoffBelowBase(t *testing.T) {
	cfg := &Config{
		Storage:  StorageConfig{RotationTimezone: "UTC"},
		Stockbit: StockbitConfig{PageLimit: 10},
		Stream:   StreamConfig{BaseBackoff: time.Minute, MaxBackoff: time.Second},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when max_backoff < base_backoff")
	}
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	cfg := &Config{
		Storage:  StorageConfig{RotationTimezone: "UTC"},
		Stockbit: StockbitConfig{PageLimit: 50},
		Stream:   StreamConfig{BaseBackoff: 5 * time.Second, MaxBackoff: 5 * time.Minute},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestCredentialPath_DerivesFromConfigDir(t *testing.T) {
	got := CredentialPath("/some/dir")
	want := filepath.Join("/some/dir", "token.json")
	if got != want {
		t.Errorf("CredentialPath = %q, want %q", got, want)
	}
}
