package alerts_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/farelens/farelens-alerts/internal/alerts"
	"github.com/farelens/farelens-alerts/internal/policy"
	"github.com/farelens/farelens-alerts/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// brokenLedger fails every read.
type brokenLedger struct{ *memory.Store }

func (brokenLedger) LastSent(context.Context, string, string) (time.Time, bool, error) {
	return time.Time{}, false, errors.New("connection refused")
}

func TestDedupWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	store := memory.New()
	ledger := alerts.NewDedupLedger(store, 6*time.Hour, discardLogger())

	if !ledger.MayAlert(ctx, "u1", "SFO-NRT", now) {
		t.Fatal("empty ledger should allow")
	}
	if err := ledger.Record(ctx, alerts.AlertRecord{UserID: "u1", FamilyKey: "SFO-NRT", DealID: "d1", SentAt: now.Add(-4 * time.Hour)}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	if ledger.MayAlert(ctx, "u1", "SFO-NRT", now) {
		t.Fatal("alert 4h after previous should be suppressed with a 6h window")
	}
	if !ledger.MayAlert(ctx, "u1", "SFO-LHR", now) {
		t.Fatal("other family should be allowed")
	}
	if !ledger.MayAlert(ctx, "u2", "SFO-NRT", now) {
		t.Fatal("other user should be allowed")
	}
	if !ledger.MayAlert(ctx, "u1", "SFO-NRT", now.Add(2*time.Hour)) {
		t.Fatal("alert exactly one window later should be allowed")
	}
}

func TestDedupFailsClosed(t *testing.T) {
	ledger := alerts.NewDedupLedger(brokenLedger{memory.New()}, 6*time.Hour, discardLogger())
	now := time.Now()

	if ledger.MayAlert(context.Background(), "u1", "SFO-NRT", now) {
		t.Fatal("MayAlert should fail closed")
	}
	_, err := ledger.Check(context.Background(), "u1", "SFO-NRT", now)
	if !errors.Is(err, alerts.ErrStoreUnavailable) {
		t.Fatalf("Check error = %v, want ErrStoreUnavailable", err)
	}
}

func TestQuotaOverrideSlot(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	pol := policy.Default()
	q := alerts.NewQuotaTracker(memory.New(), pol)
	p := alerts.DefaultProfile("u1")

	for i := 0; i < 3; i++ {
		ok, err := q.Consume(ctx, p, now, alerts.SlotRegular)
		if err != nil || !ok {
			t.Fatalf("consume %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := q.Consume(ctx, p, now, alerts.SlotRegular); ok {
		t.Fatal("fourth regular alert accepted on free tier")
	}
	if n, _ := q.RemainingQuota(ctx, p, now); n != 0 {
		t.Fatalf("remaining = %d, want 0", n)
	}

	if ok, _ := q.Consume(ctx, p, now, alerts.SlotOverride); !ok {
		t.Fatal("override slot refused")
	}
	if ok, _ := q.Consume(ctx, p, now, alerts.SlotOverride); ok {
		t.Fatal("second override accepted")
	}

	// The next local day starts fresh.
	tomorrow := now.Add(24 * time.Hour)
	if n, _ := q.RemainingQuota(ctx, p, tomorrow); n != 3 {
		t.Fatalf("remaining tomorrow = %d, want 3", n)
	}

	if err := q.Release(ctx, p, now, alerts.SlotRegular); err != nil {
		t.Fatalf("Release: %v", err)
	}
	st, _ := q.Status(ctx, p, now)
	if st.Used != 2 || st.OverrideUsed != 1 || st.OverridesLeft() != 0 {
		t.Fatalf("status after release = %+v", st)
	}
}

func TestQuotaConcurrentConsume(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	q := alerts.NewQuotaTracker(memory.New(), policy.Default())
	p := alerts.DefaultProfile("u1")
	p.Tier = policy.Pro

	var (
		mu       sync.Mutex
		accepted int
		wg       sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := q.Consume(ctx, p, now, alerts.SlotRegular)
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != 6 {
		t.Fatalf("accepted %d concurrent consumes, want pro cap 6", accepted)
	}
}
