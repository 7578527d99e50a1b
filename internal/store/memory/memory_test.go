package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/farelens/farelens-alerts/internal/alerts"
)

var now = time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)

func TestDeferUpsertsByUserAndDeal(t *testing.T) {
	ctx := context.Background()
	s := New()
	deal := alerts.Deal{ID: "d1", CreatedAt: now}

	if err := s.Defer(ctx, alerts.Deferred{ID: "q1", UserID: "u", Deal: deal, DeliverAt: now.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := s.Defer(ctx, alerts.Deferred{ID: "q2", UserID: "u", Deal: deal, DeliverAt: now, Attempts: 2}); err != nil {
		t.Fatal(err)
	}

	pending := s.PendingDeferrals()
	if len(pending) != 1 || pending[0].ID != "q1" || pending[0].Attempts != 2 {
		t.Fatalf("pending = %+v", pending)
	}

	due, _ := s.ClaimDue(ctx, now, 10)
	if len(due) != 1 {
		t.Fatalf("due = %+v", due)
	}
	if again, _ := s.ClaimDue(ctx, now, 10); len(again) != 0 {
		t.Fatalf("claimed twice: %+v", again)
	}

	if n, _ := s.RequeueStaleDeferrals(ctx, now.Add(time.Minute)); n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}
	due, _ = s.ClaimDue(ctx, now, 10)
	if err := s.Complete(ctx, []string{due[0].ID}); err != nil {
		t.Fatal(err)
	}
	if len(s.PendingDeferrals()) != 0 {
		t.Fatal("completed entry still pending")
	}
}

func TestQuotaCounters(t *testing.T) {
	ctx := context.Background()
	s := New()

	if ok, _ := s.Increment(ctx, "u", "2026-03-10", alerts.SlotOverride, 1); !ok {
		t.Fatal("first override refused")
	}
	if ok, _ := s.Increment(ctx, "u", "2026-03-10", alerts.SlotOverride, 1); ok {
		t.Fatal("second override granted")
	}
	_ = s.Decrement(ctx, "u", "2026-03-10", alerts.SlotRegular)
	u, _ := s.Usage(ctx, "u", "2026-03-10")
	if u.Regular != 0 || u.Override != 1 {
		t.Fatalf("usage = %+v", u)
	}

	if n, _ := s.PurgeCounters(ctx, "2026-03-11"); n != 1 {
		t.Fatalf("purged %d counters, want 1", n)
	}
}

func TestLedgerHistoryAndClicks(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i, id := range []string{"r1", "r2", "r3"} {
		_ = s.Append(ctx, alerts.AlertRecord{ID: id, UserID: "u", SentAt: now.Add(time.Duration(i) * time.Hour)})
	}

	hist, total, _ := s.History(ctx, "u", 2, 1)
	if total != 3 || len(hist) != 2 || hist[0].ID != "r2" || hist[1].ID != "r1" {
		t.Fatalf("history = %+v total=%d", hist, total)
	}
	if hist, _, _ = s.History(ctx, "u", 10, 5); len(hist) != 0 {
		t.Fatalf("offset past end = %+v", hist)
	}

	if err := s.MarkClicked(ctx, "other", "r1"); !errors.Is(err, alerts.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.MarkClicked(ctx, "u", "r1"); err != nil {
		t.Fatal(err)
	}
}

func TestWatermarkNeverMovesBack(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.AdvanceWatermark(ctx, "scan", alerts.Cursor{CreatedAt: now, DealID: "d2"})
	_ = s.AdvanceWatermark(ctx, "scan", alerts.Cursor{CreatedAt: now.Add(-time.Minute), DealID: "d9"})
	_ = s.AdvanceWatermark(ctx, "scan", alerts.Cursor{CreatedAt: now, DealID: "d1"})
	if wm, _ := s.Watermark(ctx, "scan"); !wm.CreatedAt.Equal(now) || wm.DealID != "d2" {
		t.Fatalf("watermark = %+v", wm)
	}
}

func TestListDealsSincePagesWithinOneTimestamp(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, id := range []string{"d3", "d1", "d2"} {
		s.AddDeal(alerts.Deal{ID: id, CreatedAt: now})
	}

	first, _ := s.ListDealsSince(ctx, alerts.Cursor{}, 2)
	if len(first) != 2 || first[0].ID != "d1" || first[1].ID != "d2" {
		t.Fatalf("first page = %+v", first)
	}
	rest, _ := s.ListDealsSince(ctx, alerts.CursorAt(first[1]), 2)
	if len(rest) != 1 || rest[0].ID != "d3" {
		t.Fatalf("second page = %+v", rest)
	}
	// An empty deal id replays everything at the timestamp.
	if all, _ := s.ListDealsSince(ctx, alerts.Cursor{CreatedAt: now}, 10); len(all) != 3 {
		t.Fatalf("replay = %+v", all)
	}
}

func TestSeedDeliversDemoAlert(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Seed(now)

	p, err := s.ProfileFor(ctx, DemoUserID)
	if err != nil {
		t.Fatal(err)
	}
	if !p.PrefersAirport("LAX") {
		t.Fatalf("demo profile airports = %+v", p.PreferredAirports)
	}
	deals, _ := s.ListDealsSince(ctx, alerts.Cursor{}, 10)
	if len(deals) != 1 || deals[0].ID != DemoDealID {
		t.Fatalf("deals = %+v", deals)
	}
	ws, _ := s.WatchlistsMatching(ctx, "LAX", "JFK")
	if len(ws) != 1 || ws[0].ID != DemoWatchlistID {
		t.Fatalf("watchlists = %+v", ws)
	}
	if toks, _ := s.TokensFor(ctx, DemoUserID); len(toks) != 1 || toks[0] != DemoDeviceToken {
		t.Fatalf("tokens = %v", toks)
	}
}
