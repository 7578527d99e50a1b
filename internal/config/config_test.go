package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/farelens/farelens-alerts/internal/policy"
)

func TestLoadMemoryDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PUSH_PROVIDER", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreDriver != DriverMemory || cfg.PushProvider != PushLog {
		t.Fatalf("driver=%s push=%s", cfg.StoreDriver, cfg.PushProvider)
	}
	if cfg.ScanInterval != 5*time.Minute || cfg.ScanDeadline != 4*time.Minute {
		t.Fatalf("scan interval=%s deadline=%s", cfg.ScanInterval, cfg.ScanDeadline)
	}
	if cfg.Policy.For(policy.Free).DailyCap != 3 || cfg.Policy.DedupWindowHours != 12 {
		t.Fatalf("policy = %+v", cfg.Policy)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}

	t.Setenv("STORE_DRIVER", "mongo")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestLoadPushProviderValidation(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("PUSH_PROVIDER", "telegram")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	if _, err := Load(); err == nil {
		t.Fatal("telegram without token accepted")
	}
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	if _, err := Load(); err != nil {
		t.Fatalf("telegram with token: %v", err)
	}
}

func TestPolicyFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := "dedup_window_hours: 8\ntiers:\n  pro:\n    daily_cap: 10\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("PUSH_PROVIDER", "log")
	t.Setenv("POLICY_FILE", path)
	t.Setenv("FREE_DAILY_CAP", "2")
	t.Setenv("WATCHLIST_BOOST", "0.2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.Policy
	if p.DedupWindowHours != 8 {
		t.Errorf("dedup window = %d, want 8 from file", p.DedupWindowHours)
	}
	if p.For(policy.Pro).DailyCap != 10 {
		t.Errorf("pro cap = %d, want 10 from file", p.For(policy.Pro).DailyCap)
	}
	if p.For(policy.Free).DailyCap != 2 {
		t.Errorf("free cap = %d, want 2 from env", p.For(policy.Free).DailyCap)
	}
	if p.WatchlistBoost != 0.2 {
		t.Errorf("boost = %v, want 0.2", p.WatchlistBoost)
	}
}

func TestPolicyEnvOutOfRange(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("PUSH_PROVIDER", "log")
	t.Setenv("POLICY_FILE", "")
	t.Setenv("ALERT_DEDUP_WINDOW_HOURS", "2")
	if _, err := Load(); err == nil {
		t.Fatal("dedup window of 2h accepted")
	}
}

func TestLoadRejectsNonPositiveScanInterval(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("PUSH_PROVIDER", "log")
	t.Setenv("SCAN_INTERVAL_SECONDS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("zero scan interval accepted")
	}
}
