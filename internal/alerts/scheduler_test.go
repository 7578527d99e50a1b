package alerts_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/farelens/farelens-alerts/internal/alerts"
	"github.com/farelens/farelens-alerts/internal/policy"
	"github.com/farelens/farelens-alerts/internal/store/memory"
)

// 11:00 in Los Angeles.
var baseNow = time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)

var departure = time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)

type push struct {
	token   string
	payload alerts.Payload
}

// fakeTransport records every call. Tokens listed in fail get that result.
type fakeTransport struct {
	mu    sync.Mutex
	calls []push
	fail  map[string]alerts.DeliveryResult
	delay time.Duration
}

func (f *fakeTransport) Send(_ context.Context, token string, p alerts.Payload) alerts.DeliveryResult {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, push{token, p})
	if r, ok := f.fail[token]; ok {
		return r
	}
	return alerts.DeliveryResult{Success: true}
}

func (f *fakeTransport) delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if _, failing := f.fail[c.token]; !failing {
			n++
		}
	}
	return n
}

func (f *fakeTransport) setFail(token string, r *alerts.DeliveryResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = make(map[string]alerts.DeliveryResult)
	}
	if r == nil {
		delete(f.fail, token)
		return
	}
	f.fail[token] = *r
}

func newDeal(id, origin, dest string, score int, created time.Time) alerts.Deal {
	return alerts.Deal{
		ID:            id,
		Origin:        origin,
		Destination:   dest,
		DepartureDate: departure,
		TotalPrice:    400,
		Currency:      "USD",
		DealScore:     score,
		CreatedAt:     created,
		ExpiresAt:     created.Add(72 * time.Hour),
	}
}

func addUser(s *memory.Store, p alerts.UserAlertProfile) {
	s.PutProfile(p)
	s.AddDevice(p.UserID, "tok-"+p.UserID)
}

func watch(s *memory.Store, id, userID, origin, dest string) {
	s.AddWatchlist(alerts.Watchlist{ID: id, UserID: userID, Origin: origin, Destination: dest, IsActive: true})
}

func noBoost() policy.Policy {
	p := policy.Default()
	p.WatchlistBoost = 0
	return p
}

func newScheduler(stores alerts.Stores, tr alerts.Transport, pol policy.Policy, now time.Time) *alerts.Scheduler {
	return alerts.NewScheduler(stores, tr, pol, alerts.Options{
		Workers: 4,
		Now:     func() time.Time { return now },
	}, discardLogger())
}

func runCycle(t *testing.T, s *alerts.Scheduler) *alerts.ScanResult {
	t.Helper()
	res, err := s.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	return res
}

func outcome(t *testing.T, res *alerts.ScanResult, userID, dealID string) alerts.Dispatch {
	t.Helper()
	for _, d := range res.Dispatches {
		if d.UserID == userID && d.DealID == dealID {
			return d
		}
	}
	t.Fatalf("no dispatch for %s/%s in %+v", userID, dealID, res.Dispatches)
	return alerts.Dispatch{}
}

func watermark(t *testing.T, s *memory.Store) time.Time {
	t.Helper()
	wm, err := s.Watermark(context.Background(), alerts.DefaultWatermark)
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	return wm.CreatedAt
}

func TestRunCycleDeliversWatchlistMatch(t *testing.T) {
	store := memory.New()
	addUser(store, alerts.DefaultProfile("u1"))
	watch(store, "w1", "u1", "SFO", alerts.AnyDestination)
	d := newDeal("d1", "SFO", "NRT", 85, baseNow.Add(-time.Minute))
	store.AddDeal(d)

	tr := &fakeTransport{}
	res := runCycle(t, newScheduler(alerts.StoresFrom(store), tr, policy.Default(), baseNow))

	got := outcome(t, res, "u1", "d1")
	if got.Outcome != alerts.OutcomeDelivered {
		t.Fatalf("outcome = %s (%s)", got.Outcome, got.Reason)
	}
	if !approx(got.FinalScore, 97.75) {
		t.Fatalf("final score = %v, want 97.75", got.FinalScore)
	}
	if got.Slot != alerts.SlotRegular {
		t.Fatalf("slot = %s, want regular", got.Slot)
	}
	if tr.delivered() != 1 || tr.calls[0].token != "tok-u1" {
		t.Fatalf("transport calls = %+v", tr.calls)
	}
	if !watermark(t, store).Equal(d.CreatedAt) {
		t.Fatalf("watermark = %s, want %s", watermark(t, store), d.CreatedAt)
	}

	hist, total, _ := store.History(context.Background(), "u1", 10, 0)
	if total != 1 || hist[0].DealID != "d1" || hist[0].FamilyKey != got.FamilyKey {
		t.Fatalf("history = %+v", hist)
	}
	usage, _ := store.Usage(context.Background(), "u1", "2026-03-10")
	if usage.Regular != 1 {
		t.Fatalf("usage = %+v", usage)
	}
}

func TestRunCycleReplayIsIdempotent(t *testing.T) {
	store := memory.New()
	addUser(store, alerts.DefaultProfile("u1"))
	watch(store, "w1", "u1", "SFO", "NRT")
	store.AddDeal(newDeal("d1", "SFO", "NRT", 70, baseNow.Add(-time.Minute)))

	tr := &fakeTransport{}
	sched := newScheduler(alerts.StoresFrom(store), tr, policy.Default(), baseNow)
	runCycle(t, sched)

	// Simulate a crash before the watermark commit.
	if err := store.ResetWatermark(context.Background(), alerts.DefaultWatermark, alerts.Cursor{}); err != nil {
		t.Fatal(err)
	}
	res := runCycle(t, sched)

	if tr.delivered() != 1 {
		t.Fatalf("replay delivered %d alerts, want 1", tr.delivered())
	}
	if got := outcome(t, res, "u1", "d1"); got.Outcome != alerts.OutcomeSuppressedDedup {
		t.Fatalf("replay outcome = %s", got.Outcome)
	}
}

func TestRunCycleDedupWindow(t *testing.T) {
	store := memory.New()
	addUser(store, alerts.DefaultProfile("u1"))
	watch(store, "w1", "u1", "SFO", "NRT")
	pol := policy.Default()
	pol.DedupWindowHours = 6

	first := newDeal("d1", "SFO", "NRT", 70, baseNow.Add(-4*time.Hour))
	store.AddDeal(first)
	tr := &fakeTransport{}
	runCycle(t, newScheduler(alerts.StoresFrom(store), tr, pol, baseNow.Add(-4*time.Hour)))

	// Same family four hours later: suppressed although quota remains.
	second := newDeal("d2", "SFO", "NRT", 75, baseNow.Add(-time.Minute))
	second.TotalPrice = 350
	store.AddDeal(second)
	res := runCycle(t, newScheduler(alerts.StoresFrom(store), tr, pol, baseNow))

	if got := outcome(t, res, "u1", "d2"); got.Outcome != alerts.OutcomeSuppressedDedup {
		t.Fatalf("outcome = %s, want suppressed_dedup", got.Outcome)
	}
	if tr.delivered() != 1 {
		t.Fatalf("delivered %d, want 1", tr.delivered())
	}
	if !watermark(t, store).Equal(second.CreatedAt) {
		t.Fatal("suppressed deal should still advance the watermark")
	}
}

func TestRunCycleDailyCap(t *testing.T) {
	store := memory.New()
	addUser(store, alerts.DefaultProfile("u1"))
	dests := []string{"NRT", "LHR", "CDG", "JFK", "MEX"}
	for i, dest := range dests {
		watch(store, "w-"+dest, "u1", "SFO", dest)
		store.AddDeal(newDeal("d-"+dest, "SFO", dest, 60+i, baseNow.Add(-time.Duration(10-i)*time.Minute)))
	}

	tr := &fakeTransport{}
	res := runCycle(t, newScheduler(alerts.StoresFrom(store), tr, noBoost(), baseNow))

	if res.Delivered != 3 || res.SuppressedQuota != 2 {
		t.Fatalf("delivered=%d suppressed_quota=%d, want 3/2", res.Delivered, res.SuppressedQuota)
	}
	// Highest scores win the cap, in ranked order.
	wantOrder := []string{"d-MEX", "d-JFK", "d-CDG"}
	for i, c := range tr.calls {
		if c.payload.Data["deal_id"] != wantOrder[i] {
			t.Fatalf("call %d = %s, want %s", i, c.payload.Data["deal_id"], wantOrder[i])
		}
	}
	if !watermark(t, store).Equal(baseNow.Add(-6 * time.Minute)) {
		t.Fatalf("watermark = %s", watermark(t, store))
	}
}

func TestRunCycleExceptionalOverride(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	addUser(store, alerts.DefaultProfile("u1"))
	watch(store, "w1", "u1", "SFO", alerts.AnyDestination)
	for i := 0; i < 3; i++ {
		if _, err := store.Increment(ctx, "u1", "2026-03-10", alerts.SlotRegular, 3); err != nil {
			t.Fatal(err)
		}
	}

	store.AddDeal(newDeal("d96", "SFO", "NRT", 96, baseNow.Add(-time.Hour)))
	tr := &fakeTransport{}
	res := runCycle(t, newScheduler(alerts.StoresFrom(store), tr, noBoost(), baseNow))
	got := outcome(t, res, "u1", "d96")
	if got.Outcome != alerts.OutcomeDelivered || got.Slot != alerts.SlotOverride {
		t.Fatalf("d96 = %s/%s, want delivered via override", got.Outcome, got.Slot)
	}

	store.AddDeal(newDeal("d97", "SFO", "LHR", 97, baseNow.Add(time.Minute)))
	res = runCycle(t, newScheduler(alerts.StoresFrom(store), tr, noBoost(), baseNow.Add(2*time.Hour)))
	if got := outcome(t, res, "u1", "d97"); got.Outcome != alerts.OutcomeSuppressedQuota {
		t.Fatalf("d97 = %s, want suppressed_quota", got.Outcome)
	}
	if tr.delivered() != 1 {
		t.Fatalf("delivered %d, want 1", tr.delivered())
	}
}

func TestRunCycleOverrideIgnoresBoost(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	addUser(store, alerts.DefaultProfile("u1"))
	watch(store, "w1", "u1", "SFO", "NRT")
	for i := 0; i < 3; i++ {
		if _, err := store.Increment(ctx, "u1", "2026-03-10", alerts.SlotRegular, 3); err != nil {
			t.Fatal(err)
		}
	}

	// 90 × 1.15 clears the threshold but the deal itself does not.
	store.AddDeal(newDeal("d90", "SFO", "NRT", 90, baseNow.Add(-time.Minute)))
	res := runCycle(t, newScheduler(alerts.StoresFrom(store), &fakeTransport{}, policy.Default(), baseNow))
	if got := outcome(t, res, "u1", "d90"); got.Outcome != alerts.OutcomeSuppressedQuota {
		t.Fatalf("d90 = %s/%s, want suppressed_quota", got.Outcome, got.Slot)
	}
}

func TestRunCycleQuietHoursDefers(t *testing.T) {
	store := memory.New()
	addUser(store, alerts.DefaultProfile("u1"))
	watch(store, "w1", "u1", "SFO", "NRT")
	watch(store, "w2", "u1", "SFO", "LHR")

	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	night := time.Date(2026, 3, 10, 23, 0, 0, 0, la)
	morning := time.Date(2026, 3, 11, 7, 0, 0, 0, la)

	store.AddDeal(newDeal("d90", "SFO", "NRT", 90, night.Add(-time.Minute)))
	store.AddDeal(newDeal("d98", "SFO", "LHR", 98, night.Add(-time.Minute)))

	tr := &fakeTransport{}
	res := runCycle(t, newScheduler(alerts.StoresFrom(store), tr, noBoost(), night))

	if got := outcome(t, res, "u1", "d90"); got.Outcome != alerts.OutcomeDeferred {
		t.Fatalf("d90 = %s, want deferred", got.Outcome)
	}
	if got := outcome(t, res, "u1", "d98"); got.Outcome != alerts.OutcomeDelivered {
		t.Fatalf("exceptional d98 = %s, want delivered", got.Outcome)
	}
	pending := store.PendingDeferrals()
	if len(pending) != 1 || pending[0].Deal.ID != "d90" || !pending[0].DeliverAt.Equal(morning) {
		t.Fatalf("pending = %+v, want d90 due at %s", pending, morning)
	}
	if !watermark(t, store).Equal(night.Add(-time.Minute)) {
		t.Fatal("deferred deal should not hold the watermark")
	}

	// Still quiet at 06:00: nothing is due.
	res = runCycle(t, newScheduler(alerts.StoresFrom(store), tr, noBoost(), morning.Add(-time.Hour)))
	if res.DeferralsClaimed != 0 {
		t.Fatalf("claimed %d deferrals before window end", res.DeferralsClaimed)
	}

	res = runCycle(t, newScheduler(alerts.StoresFrom(store), tr, noBoost(), morning))
	if got := outcome(t, res, "u1", "d90"); got.Outcome != alerts.OutcomeDelivered {
		t.Fatalf("d90 at window end = %s (%s)", got.Outcome, got.Reason)
	}
	if n := len(store.PendingDeferrals()); n != 0 {
		t.Fatalf("%d deferrals left after delivery", n)
	}
	if tr.delivered() != 2 {
		t.Fatalf("delivered %d, want 2", tr.delivered())
	}
}

func TestRunCycleBoostedScoreDoesNotBypassQuietHours(t *testing.T) {
	store := memory.New()
	p := alerts.DefaultProfile("u1")
	p.PreferredAirports = []alerts.AirportWeight{{IATA: "SFO", Weight: 1}}
	addUser(store, p)
	watch(store, "w1", "u1", "SFO", "NRT")

	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	night := time.Date(2026, 3, 11, 2, 0, 0, 0, la)
	store.AddDeal(newDeal("d48", "SFO", "NRT", 48, night.Add(-time.Minute)))

	tr := &fakeTransport{}
	res := runCycle(t, newScheduler(alerts.StoresFrom(store), tr, policy.Default(), night))

	got := outcome(t, res, "u1", "d48")
	if got.FinalScore < 95 {
		t.Fatalf("final score = %.2f, want boosted past the exceptional threshold", got.FinalScore)
	}
	if got.Outcome != alerts.OutcomeDeferred {
		t.Fatalf("d48 = %s, want deferred", got.Outcome)
	}
	if tr.delivered() != 0 {
		t.Fatalf("delivered %d during quiet hours", tr.delivered())
	}
}

func TestRunCycleRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	addUser(store, alerts.DefaultProfile("u1"))
	watch(store, "w1", "u1", "SFO", "NRT")
	d := newDeal("d1", "SFO", "NRT", 70, baseNow.Add(-time.Minute))
	store.AddDeal(d)

	tr := &fakeTransport{}
	tr.setFail("tok-u1", &alerts.DeliveryResult{Reason: "gateway status 503"})
	res := runCycle(t, newScheduler(alerts.StoresFrom(store), tr, policy.Default(), baseNow))

	if got := outcome(t, res, "u1", "d1"); got.Outcome != alerts.OutcomeRetryQueued {
		t.Fatalf("outcome = %s, want retry_queued", got.Outcome)
	}
	if usage, _ := store.Usage(ctx, "u1", "2026-03-10"); usage.Regular != 0 {
		t.Fatalf("quota not released: %+v", usage)
	}
	pending := store.PendingDeferrals()
	if len(pending) != 1 || pending[0].Attempts != 1 {
		t.Fatalf("pending = %+v", pending)
	}
	if !watermark(t, store).Equal(d.CreatedAt) {
		t.Fatal("queued retry should let the watermark advance")
	}

	tr.setFail("tok-u1", nil)
	res = runCycle(t, newScheduler(alerts.StoresFrom(store), tr, policy.Default(), baseNow.Add(time.Minute)))
	if got := outcome(t, res, "u1", "d1"); got.Outcome != alerts.OutcomeDelivered {
		t.Fatalf("retry outcome = %s", got.Outcome)
	}
	if len(store.PendingDeferrals()) != 0 {
		t.Fatal("retry entry not completed")
	}
}

func TestRunCycleGivesUpAfterMaxAttempts(t *testing.T) {
	store := memory.New()
	addUser(store, alerts.DefaultProfile("u1"))
	watch(store, "w1", "u1", "SFO", "NRT")
	store.AddDeal(newDeal("d1", "SFO", "NRT", 70, baseNow.Add(-time.Minute)))

	tr := &fakeTransport{}
	tr.setFail("tok-u1", &alerts.DeliveryResult{Reason: "timeout"})

	now := baseNow
	var res *alerts.ScanResult
	for i := 0; i < 3; i++ {
		res = runCycle(t, newScheduler(alerts.StoresFrom(store), tr, policy.Default(), now))
		now = now.Add(time.Minute)
	}
	if got := outcome(t, res, "u1", "d1"); got.Outcome != alerts.OutcomeFailed {
		t.Fatalf("third attempt = %s, want failed", got.Outcome)
	}
	if len(store.PendingDeferrals()) != 0 {
		t.Fatal("failed entry still queued")
	}
}

func TestRunCycleDeactivatesInvalidToken(t *testing.T) {
	store := memory.New()
	addUser(store, alerts.DefaultProfile("u1"))
	store.AddDevice("u1", "tok-fresh")
	watch(store, "w1", "u1", "SFO", "NRT")
	store.AddDeal(newDeal("d1", "SFO", "NRT", 70, baseNow.Add(-time.Minute)))

	tr := &fakeTransport{}
	tr.setFail("tok-u1", &alerts.DeliveryResult{Reason: "unregistered", Permanent: true, TokenInvalid: true})
	res := runCycle(t, newScheduler(alerts.StoresFrom(store), tr, policy.Default(), baseNow))

	if got := outcome(t, res, "u1", "d1"); got.Outcome != alerts.OutcomeDelivered {
		t.Fatalf("outcome = %s, want delivered via remaining device", got.Outcome)
	}
	tokens, _ := store.TokensFor(context.Background(), "u1")
	if len(tokens) != 1 || tokens[0] != "tok-fresh" {
		t.Fatalf("active tokens = %v", tokens)
	}
}

// flakyQuota fails counter reads for one user.
type flakyQuota struct {
	*memory.Store
	badUser string
}

func (f flakyQuota) Usage(ctx context.Context, userID, day string) (alerts.QuotaUsage, error) {
	if userID == f.badUser {
		return alerts.QuotaUsage{}, errors.New("connection reset by peer")
	}
	return f.Store.Usage(ctx, userID, day)
}

func TestRunCycleIsolatesStoreFailures(t *testing.T) {
	store := memory.New()
	addUser(store, alerts.DefaultProfile("good"))
	addUser(store, alerts.DefaultProfile("bad"))
	watch(store, "w-bad", "bad", "SFO", "NRT")
	watch(store, "w-good", "good", "SFO", "LHR")
	store.AddDeal(newDeal("d-bad", "SFO", "NRT", 70, baseNow.Add(-2*time.Minute)))
	store.AddDeal(newDeal("d-good", "SFO", "LHR", 70, baseNow.Add(-time.Minute)))

	stores := alerts.StoresFrom(store)
	stores.Quota = flakyQuota{store, "bad"}
	tr := &fakeTransport{}
	res := runCycle(t, newScheduler(stores, tr, policy.Default(), baseNow))

	if got := outcome(t, res, "good", "d-good"); got.Outcome != alerts.OutcomeDelivered {
		t.Fatalf("good user = %s", got.Outcome)
	}
	if got := outcome(t, res, "bad", "d-bad"); got.Outcome != alerts.OutcomeUnresolved {
		t.Fatalf("bad user = %s, want unresolved", got.Outcome)
	}
	if res.WatermarkAdvanced || !watermark(t, store).IsZero() {
		t.Fatal("watermark moved past an unresolved deal")
	}
	if len(res.Errors) == 0 {
		t.Fatal("store failure not reported")
	}
}

func TestRunCycleDedupStoreFailsClosed(t *testing.T) {
	store := memory.New()
	addUser(store, alerts.DefaultProfile("u1"))
	watch(store, "w1", "u1", "SFO", "NRT")
	store.AddDeal(newDeal("d1", "SFO", "NRT", 70, baseNow.Add(-time.Minute)))

	stores := alerts.StoresFrom(store)
	stores.Ledger = brokenLedger{store}
	tr := &fakeTransport{}
	res := runCycle(t, newScheduler(stores, tr, policy.Default(), baseNow))

	if len(tr.calls) != 0 {
		t.Fatalf("sent %d alerts with the ledger down", len(tr.calls))
	}
	if got := outcome(t, res, "u1", "d1"); got.Outcome != alerts.OutcomeUnresolved {
		t.Fatalf("outcome = %s, want unresolved", got.Outcome)
	}
}

func TestRunCycleAirportExpansion(t *testing.T) {
	store := memory.New()
	free := alerts.DefaultProfile("free")
	free.PreferredAirports = []alerts.AirportWeight{{IATA: "LAX", Weight: 1}}
	addUser(store, free)

	watchOnly := alerts.DefaultProfile("pro")
	watchOnly.Tier = policy.Pro
	watchOnly.WatchlistOnlyMode = true
	watchOnly.PreferredAirports = []alerts.AirportWeight{{IATA: "LAX", Weight: 1}}
	addUser(store, watchOnly)

	store.AddDeal(newDeal("hot", "LAX", "MIA", 85, baseNow.Add(-2*time.Minute)))
	store.AddDeal(newDeal("meh", "LAX", "SEA", 60, baseNow.Add(-time.Minute)))

	tr := &fakeTransport{}
	res := runCycle(t, newScheduler(alerts.StoresFrom(store), tr, policy.Default(), baseNow))

	got := outcome(t, res, "free", "hot")
	if got.Outcome != alerts.OutcomeDelivered || !approx(got.FinalScore, 170) {
		t.Fatalf("hot = %s score %v", got.Outcome, got.FinalScore)
	}
	for _, d := range res.Dispatches {
		if d.DealID == "meh" || d.UserID == "pro" {
			t.Fatalf("unexpected candidate %+v", d)
		}
	}
}

func TestRunCycleSkipsUnknownAndExpired(t *testing.T) {
	store := memory.New()
	watch(store, "w-ghost", "ghost", "SFO", "NRT")
	addUser(store, alerts.DefaultProfile("u1"))
	watch(store, "w1", "u1", "SFO", "LHR")

	stale := newDeal("stale", "SFO", "LHR", 90, baseNow.Add(-time.Hour))
	stale.ExpiresAt = baseNow.Add(-time.Minute)
	store.AddDeal(stale)
	store.AddDeal(newDeal("d1", "SFO", "NRT", 90, baseNow.Add(-time.Minute)))

	tr := &fakeTransport{}
	res := runCycle(t, newScheduler(alerts.StoresFrom(store), tr, policy.Default(), baseNow))

	if got := outcome(t, res, "ghost", "d1"); got.Outcome != alerts.OutcomeSkipped {
		t.Fatalf("ghost = %s, want skipped", got.Outcome)
	}
	if len(tr.calls) != 0 {
		t.Fatal("expired deal or unknown user alerted")
	}
	if !watermark(t, store).Equal(baseNow.Add(-time.Minute)) {
		t.Fatal("watermark should pass skipped and expired deals")
	}
}

func TestRunCycleKeepsBestOfFamily(t *testing.T) {
	store := memory.New()
	addUser(store, alerts.DefaultProfile("u1"))
	watch(store, "w1", "u1", "SFO", "NRT")
	pricey := newDeal("pricey", "SFO", "NRT", 70, baseNow.Add(-2*time.Minute))
	cheap := newDeal("cheap", "SFO", "NRT", 70, baseNow.Add(-time.Minute))
	cheap.TotalPrice = 300
	store.AddDeal(pricey)
	store.AddDeal(cheap)

	tr := &fakeTransport{}
	res := runCycle(t, newScheduler(alerts.StoresFrom(store), tr, policy.Default(), baseNow))

	if got := outcome(t, res, "u1", "cheap"); got.Outcome != alerts.OutcomeDelivered {
		t.Fatalf("cheap = %s", got.Outcome)
	}
	if got := outcome(t, res, "u1", "pricey"); got.Outcome != alerts.OutcomeSuppressedDedup {
		t.Fatalf("pricey = %s", got.Outcome)
	}
}

func TestRunCycleDeadlineStopsNewDispatches(t *testing.T) {
	store := memory.New()
	addUser(store, alerts.DefaultProfile("u1"))
	watch(store, "w1", "u1", "SFO", "NRT")
	watch(store, "w2", "u1", "SFO", "LHR")
	store.AddDeal(newDeal("first", "SFO", "NRT", 75, baseNow.Add(-2*time.Minute)))
	store.AddDeal(newDeal("second", "SFO", "LHR", 70, baseNow.Add(-time.Minute)))

	tr := &fakeTransport{delay: 200 * time.Millisecond}
	sched := alerts.NewScheduler(alerts.StoresFrom(store), tr, policy.Default(), alerts.Options{
		Deadline: 50 * time.Millisecond,
		Now:      func() time.Time { return baseNow },
	}, discardLogger())
	res := runCycle(t, sched)

	if !res.DeadlineExceeded {
		t.Fatal("deadline not reported")
	}
	if got := outcome(t, res, "u1", "first"); got.Outcome != alerts.OutcomeDelivered {
		t.Fatalf("in-flight dispatch = %s, want delivered", got.Outcome)
	}
	if got := outcome(t, res, "u1", "second"); got.Outcome != alerts.OutcomeUnresolved {
		t.Fatalf("late dispatch = %s, want unresolved", got.Outcome)
	}
	if !watermark(t, store).Equal(baseNow.Add(-2 * time.Minute)) {
		t.Fatalf("watermark = %s, want first deal only", watermark(t, store))
	}
}

func TestRunCyclePagesThroughDealsSharingATimestamp(t *testing.T) {
	store := memory.New()
	addUser(store, alerts.DefaultProfile("u1"))
	watch(store, "w1", "u1", "SFO", "NRT")
	at := baseNow.Add(-time.Minute)
	store.AddDeal(newDeal("d1", "SFO", "LHR", 70, at))
	store.AddDeal(newDeal("d2", "SFO", "CDG", 70, at))
	store.AddDeal(newDeal("d3", "SFO", "NRT", 70, at))

	tr := &fakeTransport{}
	sched := alerts.NewScheduler(alerts.StoresFrom(store), tr, noBoost(), alerts.Options{
		FetchLimit: 2,
		Now:        func() time.Time { return baseNow },
	}, discardLogger())

	first := runCycle(t, sched)
	if first.DealsFetched != 2 || !first.WatermarkAdvanced {
		t.Fatalf("first cycle: %s", first.Summary())
	}
	second := runCycle(t, sched)
	if second.DealsFetched != 1 {
		t.Fatalf("second cycle fetched %d, want the remaining deal", second.DealsFetched)
	}
	if got := outcome(t, second, "u1", "d3"); got.Outcome != alerts.OutcomeDelivered {
		t.Fatalf("d3 = %s", got.Outcome)
	}
	wm, _ := store.Watermark(context.Background(), alerts.DefaultWatermark)
	if !wm.CreatedAt.Equal(at) || wm.DealID != "d3" {
		t.Fatalf("watermark = %+v, want %s/d3", wm, at)
	}
	if third := runCycle(t, sched); third.DealsFetched != 0 || tr.delivered() != 1 {
		t.Fatalf("third cycle fetched %d, delivered %d", third.DealsFetched, tr.delivered())
	}
}

func TestParallelShardsRespectQuota(t *testing.T) {
	store := memory.New()
	addUser(store, alerts.DefaultProfile("u1"))
	watch(store, "w1", "u1", "SFO", alerts.AnyDestination)
	for i, dest := range []string{"NRT", "LHR", "CDG", "JFK", "MEX", "SEA", "BOS", "ORD"} {
		store.AddDeal(newDeal("d-"+dest, "SFO", dest, 60+i, baseNow.Add(-time.Duration(i+1)*time.Minute)))
	}

	tr := &fakeTransport{}
	var wg sync.WaitGroup
	for _, shard := range []string{"shard-a", "shard-b", "shard-c"} {
		sched := alerts.NewScheduler(alerts.StoresFrom(store), tr, noBoost(), alerts.Options{
			WatermarkName: shard,
			Now:           func() time.Time { return baseNow },
		}, discardLogger())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sched.RunCycle(context.Background()); err != nil {
				t.Errorf("RunCycle: %v", err)
			}
		}()
	}
	wg.Wait()

	usage, _ := store.Usage(context.Background(), "u1", "2026-03-10")
	if usage.Regular > 3 || tr.delivered() > 3 {
		t.Fatalf("quota exceeded across shards: usage=%+v delivered=%d", usage, tr.delivered())
	}
	if tr.delivered() != usage.Regular {
		t.Fatalf("delivered %d but counter is %d", tr.delivered(), usage.Regular)
	}
}
