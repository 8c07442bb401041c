package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Engine.ContextWindow != 30 {
		t.Errorf("context_window = %d, want 30", cfg.Engine.ContextWindow)
	}
	if cfg.Engine.ApprovalTimeout() != time.Hour {
		t.Errorf("approval timeout = %v, want 1h", cfg.Engine.ApprovalTimeout())
	}
	if cfg.Engine.WorkerPollInterval() != 100*time.Millisecond {
		t.Errorf("poll interval = %v, want 100ms", cfg.Engine.WorkerPollInterval())
	}
	if cfg.Engine.ReactiveWorkers != 2 {
		t.Errorf("reactive_workers = %d, want 2", cfg.Engine.ReactiveWorkers)
	}
	if cfg.Proactive.DailyTokenLimit != 7_000_000 {
		t.Errorf("daily_token_limit = %d, want 7000000", cfg.Proactive.DailyTokenLimit)
	}
	if cfg.Engine.MaxJobAttempts != 3 {
		t.Errorf("max_job_attempts = %d, want 3", cfg.Engine.MaxJobAttempts)
	}
}

func TestLoadJSON5(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data := `{
		// reactive loop tuning
		engine: {
			context_window: 50,
			reactive_workers: 4,
		},
		proactive: { daily_token_limit: 1000000 },
	}`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.ContextWindow != 50 {
		t.Errorf("context_window = %d, want 50", cfg.Engine.ContextWindow)
	}
	if cfg.Engine.ReactiveWorkers != 4 {
		t.Errorf("reactive_workers = %d, want 4", cfg.Engine.ReactiveWorkers)
	}
	if cfg.Proactive.DailyTokenLimit != 1_000_000 {
		t.Errorf("daily_token_limit = %d", cfg.Proactive.DailyTokenLimit)
	}
	// Untouched sections keep defaults.
	if cfg.Engine.ApprovalTimeoutSeconds != 3600 {
		t.Errorf("approval_timeout_seconds = %d, want 3600", cfg.Engine.ApprovalTimeoutSeconds)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing file must yield defaults: %v", err)
	}
	if cfg.Engine.ContextWindow != 30 {
		t.Errorf("context_window = %d, want 30", cfg.Engine.ContextWindow)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_TELEGRAM_TOKEN", "tok-123")
	t.Setenv("RELAY_POSTGRES_DSN", "postgres://x")
	t.Setenv("RELAY_OWNER_IDS", "1,2,3")
	t.Setenv("RELAY_REACTIVE_WORKERS", "8")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "tok-123" {
		t.Errorf("token = %q", cfg.Telegram.Token)
	}
	if !cfg.Telegram.Enabled {
		t.Error("telegram not auto-enabled by token")
	}
	if !cfg.Database.IsManaged() {
		t.Error("postgres dsn not applied")
	}
	if len(cfg.Telegram.OwnerIDs) != 3 {
		t.Errorf("owner ids = %v", cfg.Telegram.OwnerIDs)
	}
	if cfg.Engine.ReactiveWorkers != 8 {
		t.Errorf("reactive_workers = %d, want 8", cfg.Engine.ReactiveWorkers)
	}
}

func TestSecretsNeverPersist(t *testing.T) {
	t.Setenv("RELAY_TELEGRAM_TOKEN", "tok-secret")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "out.json")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("empty config written")
	}
	if strings.Contains(string(data), "tok-secret") {
		t.Fatal("secret leaked into config file")
	}
}
