package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/farelens/farelens-alerts/internal/alerts"
	"github.com/farelens/farelens-alerts/internal/store/memory"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func useMemoryStore(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("PUSH_PROVIDER", "log")
	t.Setenv("POLICY_FILE", "")
}

func TestScanRun(t *testing.T) {
	useMemoryStore(t)
	out, err := run(t, "scan", "run")
	if err != nil {
		t.Fatal(err)
	}
	var res alerts.ScanResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("output is not a ScanResult: %v\n%s", err, out)
	}
	if res.Delivered != 1 {
		t.Fatalf("delivered = %d", res.Delivered)
	}
	if res.Dispatches != nil {
		t.Fatal("dispatches printed without --verbose")
	}
}

func TestQuotaShow(t *testing.T) {
	useMemoryStore(t)
	out, err := run(t, "quota", "show", "--user", memory.DemoUserID)
	if err != nil {
		t.Fatal(err)
	}
	var q map[string]any
	if err := json.Unmarshal([]byte(out), &q); err != nil {
		t.Fatal(err)
	}
	if q["tier"] != "pro" || q["cap"] != float64(6) {
		t.Fatalf("quota = %v", q)
	}

	if _, err := run(t, "quota", "show", "--user", "nope"); err == nil {
		t.Fatal("expected error for non-UUID user")
	}
}

func TestDedupCheck(t *testing.T) {
	useMemoryStore(t)
	out, err := run(t, "dedup", "check", "--user", memory.DemoUserID, "--family", "SFO-NRT")
	if err != nil {
		t.Fatal(err)
	}
	var d map[string]any
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		t.Fatal(err)
	}
	if d["may_alert"] != true || d["window_hours"] != float64(12) {
		t.Fatalf("dedup = %v", d)
	}

	if _, err := run(t, "dedup", "check", "--user", "nope", "--family", "SFO-NRT"); err == nil {
		t.Fatal("expected error for non-UUID user")
	}
}

func TestPolicyShow(t *testing.T) {
	useMemoryStore(t)
	t.Setenv("ALERT_DEDUP_WINDOW_HOURS", "8")
	out, err := run(t, "policy", "show")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "dedup_window_hours: 8") {
		t.Fatalf("policy output:\n%s", out)
	}
}

func TestWatermarkResetRequiresRFC3339(t *testing.T) {
	useMemoryStore(t)
	if _, err := run(t, "scan", "watermark", "reset", "--to", "yesterday"); err == nil {
		t.Fatal("expected parse error")
	}
	out, err := run(t, "scan", "watermark", "show")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "unset" {
		t.Fatalf("watermark = %q", out)
	}
}

func TestMigrateRejectsNonPostgres(t *testing.T) {
	useMemoryStore(t)
	if _, err := run(t, "migrate"); err == nil {
		t.Fatal("expected error")
	}
}
