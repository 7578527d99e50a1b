package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/farelens/farelens-alerts/internal/policy"
)

// ErrScanInProgress is returned by RunCycle when another cycle holds the
// scheduler.
var ErrScanInProgress = errors.New("scan already in progress")

// Options tunes a Scheduler. Zero values fall back to defaults, except
// PushRetries where zero means a single attempt per token.
type Options struct {
	Workers       int
	FetchLimit    int
	Deadline      time.Duration
	PushTimeout   time.Duration
	PushRetries   int
	StoreTimeout  time.Duration
	MaxAttempts   int
	WatermarkName string
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Workers < 1 {
		o.Workers = defaultWorkers
	}
	if o.FetchLimit < 1 {
		o.FetchLimit = defaultFetchLimit
	}
	if o.Deadline <= 0 {
		o.Deadline = defaultDeadline
	}
	if o.PushTimeout <= 0 {
		o.PushTimeout = defaultPushTimeout
	}
	if o.PushRetries < 0 {
		o.PushRetries = defaultPushRetries
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = defaultStoreTimeout
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.WatermarkName == "" {
		o.WatermarkName = DefaultWatermark
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Scheduler runs scan cycles: it turns newly discovered deals into ranked,
// filtered push notifications. One cycle runs at a time per Scheduler;
// parallel shards in other processes coordinate through the stores.
type Scheduler struct {
	stores    Stores
	transport Transport
	policy    policy.Policy
	opts      Options
	scorer    ScoringEngine
	ledger    *DedupLedger
	quota     *QuotaTracker
	quiet     QuietHoursGate
	logger    *slog.Logger
	running   sync.Mutex
}

// NewScheduler wires a scheduler over stores and transport.
func NewScheduler(stores Stores, transport Transport, p policy.Policy, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	ledger := NewDedupLedger(stores.Ledger, p.DedupWindow(), logger)
	ledger.timeout = opts.StoreTimeout
	quota := NewQuotaTracker(stores.Quota, p)
	quota.timeout = opts.StoreTimeout

	return &Scheduler{
		stores:    stores,
		transport: transport,
		policy:    p,
		opts:      opts,
		scorer:    NewScoringEngine(p),
		ledger:    ledger,
		quota:     quota,
		logger:    logger,
	}
}

// Now returns the scheduler's clock reading.
func (s *Scheduler) Now() time.Time { return s.opts.Now() }

// Quota exposes the tracker for read-only API use.
func (s *Scheduler) Quota() *QuotaTracker { return s.quota }

// Policy returns the policy the scheduler was built with.
func (s *Scheduler) Policy() policy.Policy { return s.policy }

// --------------------------------------------------------------------------
// Cycle state
// --------------------------------------------------------------------------

// pair is one (user, deal) candidate moving through a cycle.
type pair struct {
	Candidate
	slot    Slot
	outcome Outcome
	reason  string
}

func (p *pair) settle(o Outcome, reason string) {
	p.outcome = o
	p.reason = reason
}

func (p *pair) unresolve(reason string) {
	p.outcome = OutcomeUnresolved
	p.reason = reason
}

func (p *pair) fresh() bool { return p.deferralID == "" }

func (p *pair) dispatch() Dispatch {
	return Dispatch{
		UserID:     p.UserID,
		DealID:     p.Deal.ID,
		FamilyKey:  p.FamilyKey,
		FinalScore: p.FinalScore,
		Slot:       p.slot,
		Outcome:    p.outcome,
		Reason:     p.reason,
	}
}

// userBatch is the slice of a cycle owned by one user. Only the worker
// handling the user touches it.
type userBatch struct {
	userID   string
	profile  UserAlertProfile
	pairs    []*pair
	status   QuotaStatus
	eligible []*pair
	selected []*pair
	errs     []string
}

func (u *userBatch) fail(err error) {
	u.errs = append(u.errs, fmt.Sprintf("user %s: %v", u.userID, err))
}

// unresolveRest marks every pair without an outcome as unresolved.
func unresolveRest(ps []*pair, reason string) {
	for _, p := range ps {
		if p.outcome == "" {
			p.unresolve(reason)
		}
	}
}

type cycle struct {
	res      *ScanResult
	now      time.Time
	deals    []Deal
	blocked  map[string]bool
	users    []*userBatch
	settled  []*pair
	deadline atomic.Bool
}

func (c *cycle) pairs() []*pair {
	out := append([]*pair(nil), c.settled...)
	for _, u := range c.users {
		out = append(out, u.pairs...)
	}
	return out
}

// --------------------------------------------------------------------------
// RunCycle
// --------------------------------------------------------------------------

// RunCycle executes one scan cycle. Deals are read past the stored
// watermark, and the watermark only moves past deals whose every pair
// reached a final or durably queued outcome. Replaying a batch therefore
// re-evaluates pairs, and the dedup ledger keeps delivery at most once per
// family within the window.
func (s *Scheduler) RunCycle(ctx context.Context) (*ScanResult, error) {
	if !s.running.TryLock() {
		return nil, ErrScanInProgress
	}
	defer s.running.Unlock()

	start := time.Now()
	c := &cycle{
		res:     &ScanResult{RunID: uuid.NewString()},
		now:     s.opts.Now(),
		blocked: make(map[string]bool),
	}
	defer func() {
		c.res.Duration = time.Since(start)
		c.res.PhaseName = c.res.Phase.String()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.opts.Deadline)
	defer cancel()

	// Fetching
	s.enter(c, PhaseFetching)
	claimed, err := s.fetch(ctx, c)
	if err != nil {
		return c.res, err
	}
	if len(c.deals) == 0 && len(claimed) == 0 {
		s.enter(c, PhaseCommitted)
		return c.res, nil
	}

	// Expanding
	s.enter(c, PhaseExpanding)
	s.expand(ctx, c, claimed)

	// Scoring
	s.enter(c, PhaseScoring)
	s.forEachUser(c.users, func(u *userBatch) {
		for _, p := range u.pairs {
			p.FinalScore = s.scorer.Score(u.profile, p.Deal, p.Match)
		}
	})

	// Filtering
	s.enter(c, PhaseFiltering)
	s.forEachUser(c.users, func(u *userBatch) { s.filter(ctx, c, u) })

	// Ranking
	s.enter(c, PhaseRanking)
	for _, u := range c.users {
		s.rank(u)
	}

	// Dispatching
	s.enter(c, PhaseDispatching)
	s.forEachUser(c.users, func(u *userBatch) { s.dispatchUser(ctx, c, u) })
	c.res.DeadlineExceeded = c.deadline.Load()

	// Committed
	err = s.commit(ctx, c)
	s.enter(c, PhaseCommitted)

	s.logger.Info("scan cycle complete", "run_id", c.res.RunID, "summary", c.res.Summary())
	return c.res, err
}

func (s *Scheduler) enter(c *cycle, p Phase) {
	c.res.Phase = p
	s.logger.Debug("scan phase", "run_id", c.res.RunID, "phase", p.String())
}

// forEachUser fans users out over a fixed worker pool. Each user is owned
// by exactly one worker, so per-user state needs no locking.
func (s *Scheduler) forEachUser(users []*userBatch, fn func(*userBatch)) {
	if len(users) == 0 {
		return
	}
	workers := min(s.opts.Workers, len(users))

	ch := make(chan *userBatch, len(users))
	for _, u := range users {
		ch <- u
	}
	close(ch)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range ch {
				fn(u)
			}
		}()
	}
	wg.Wait()
}

// --------------------------------------------------------------------------
// Fetching / Expanding
// --------------------------------------------------------------------------

func (s *Scheduler) fetch(ctx context.Context, c *cycle) ([]Deferred, error) {
	var wm Cursor
	err := callStore(ctx, s.opts.StoreTimeout, 1, func(ctx context.Context) error {
		var err error
		wm, err = s.stores.Watermarks.Watermark(ctx, s.opts.WatermarkName)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read watermark: %w", err)
	}
	c.res.WatermarkFrom, c.res.WatermarkTo = wm, wm

	err = callStore(ctx, s.opts.StoreTimeout, 1, func(ctx context.Context) error {
		var err error
		c.deals, err = s.stores.Deals.ListDealsSince(ctx, wm, s.opts.FetchLimit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	sort.SliceStable(c.deals, func(i, j int) bool {
		if !c.deals[i].CreatedAt.Equal(c.deals[j].CreatedAt) {
			return c.deals[i].CreatedAt.Before(c.deals[j].CreatedAt)
		}
		return c.deals[i].ID < c.deals[j].ID
	})
	c.res.DealsFetched = len(c.deals)

	var claimed []Deferred
	err = callStore(ctx, s.opts.StoreTimeout, 0, func(ctx context.Context) error {
		var err error
		claimed, err = s.stores.Deferrals.ClaimDue(ctx, c.now, deferralClaimLimit)
		return err
	})
	if err != nil {
		// New deals still go out; due deferrals wait for the next cycle.
		s.logger.Warn("claim deferrals failed", "run_id", c.res.RunID, "error", err)
		c.res.Errors = append(c.res.Errors, fmt.Sprintf("claim deferrals: %v", err))
		claimed = nil
	}
	c.res.DeferralsClaimed = len(claimed)
	return claimed, nil
}

type rawPair struct {
	userID      string
	deal        Deal
	match       Match
	airportOnly bool
	deferralID  string
	attempts    int
}

func (s *Scheduler) expand(ctx context.Context, c *cycle, claimed []Deferred) {
	var live []Deal
	for _, d := range c.deals {
		if d.Expired(c.now) {
			c.res.Expired++
			continue
		}
		live = append(live, d)
	}

	profiles := make(map[string]UserAlertProfile)
	seen := make(map[string]bool)
	var raw []rawPair
	add := func(r rawPair) {
		if r.deferralID == "" {
			key := r.userID + "\x00" + r.deal.ID
			if seen[key] {
				return
			}
			seen[key] = true
		}
		raw = append(raw, r)
	}

	// Watchlist matches, one store query per distinct route.
	routes := make(map[route][]string)
	var routeOrder []route
	for _, d := range live {
		k := route{d.Origin, d.Destination}
		if _, ok := routes[k]; !ok {
			routeOrder = append(routeOrder, k)
		}
		routes[k] = append(routes[k], d.ID)
	}
	var watchlists []Watchlist
	for _, k := range routeOrder {
		var ws []Watchlist
		err := callStore(ctx, s.opts.StoreTimeout, 1, func(ctx context.Context) error {
			var err error
			ws, err = s.stores.Watchlists.WatchlistsMatching(ctx, k.origin, k.destination)
			return err
		})
		if err != nil {
			s.block(c, routes[k], fmt.Errorf("watchlists %s-%s: %w", k.origin, k.destination, err))
			continue
		}
		watchlists = append(watchlists, ws...)
	}
	ix := NewWatchlistIndex(watchlists)
	for _, d := range live {
		if c.blocked[d.ID] {
			continue
		}
		byUser := make(map[string][]Watchlist)
		var order []string
		for _, w := range ix.Match(d) {
			if _, ok := byUser[w.UserID]; !ok {
				order = append(order, w.UserID)
			}
			byUser[w.UserID] = append(byUser[w.UserID], w)
		}
		for _, userID := range order {
			add(rawPair{userID: userID, deal: d, match: MatchFor(byUser[userID], d)})
		}
	}

	// Preferred-airport matches, gated by tier visibility.
	origins := make(map[string][]Deal)
	var originOrder []string
	for _, d := range live {
		if c.blocked[d.ID] {
			continue
		}
		if _, ok := origins[d.Origin]; !ok {
			originOrder = append(originOrder, d.Origin)
		}
		origins[d.Origin] = append(origins[d.Origin], d)
	}
	visible := make(map[policy.Tier]map[string]bool)
	for _, origin := range originOrder {
		var ps []UserAlertProfile
		err := callStore(ctx, s.opts.StoreTimeout, 1, func(ctx context.Context) error {
			var err error
			ps, err = s.stores.Profiles.ProfilesByAirport(ctx, origin)
			return err
		})
		if err != nil {
			ids := make([]string, 0, len(origins[origin]))
			for _, d := range origins[origin] {
				ids = append(ids, d.ID)
			}
			s.block(c, ids, fmt.Errorf("profiles by airport %s: %w", origin, err))
			continue
		}
		for _, p := range ps {
			profiles[p.UserID] = p
			vis, ok := visible[p.Tier]
			if !ok {
				vis = VisibleDeals(live, s.policy.For(p.Tier))
				visible[p.Tier] = vis
			}
			for _, d := range origins[origin] {
				if vis[d.ID] {
					add(rawPair{userID: p.UserID, deal: d, airportOnly: true})
				}
			}
		}
	}

	for _, d := range claimed {
		add(rawPair{
			userID:     d.UserID,
			deal:       d.Deal,
			match:      Match{Watchlist: d.WatchlistMatch, Exact: d.ExactMatch},
			deferralID: d.ID,
			attempts:   d.Attempts,
		})
	}

	// Group by user and resolve profiles.
	byUser := make(map[string][]rawPair)
	var userOrder []string
	for _, r := range raw {
		if _, ok := byUser[r.userID]; !ok {
			userOrder = append(userOrder, r.userID)
		}
		byUser[r.userID] = append(byUser[r.userID], r)
	}
	sort.Strings(userOrder)

	for _, userID := range userOrder {
		rs := byUser[userID]
		p, known := profiles[userID]
		var lookupErr error
		if !known {
			lookupErr = callStore(ctx, s.opts.StoreTimeout, 1, func(ctx context.Context) error {
				var err error
				p, err = s.stores.Profiles.ProfileFor(ctx, userID)
				return err
			})
		}

		var skip Outcome
		var reason string
		switch {
		case errors.Is(lookupErr, ErrUserNotFound):
			s.logger.Warn("alert candidate for unknown user", "run_id", c.res.RunID, "user_id", userID)
			skip, reason = OutcomeSkipped, "user not found"
		case lookupErr != nil:
			s.logger.Error("profile lookup failed", "run_id", c.res.RunID, "user_id", userID, "error", lookupErr)
			c.res.Errors = append(c.res.Errors, fmt.Sprintf("user %s: %v", userID, lookupErr))
			skip, reason = OutcomeUnresolved, "profile lookup failed"
		default:
			if err := ValidateProfile(p, s.policy); err != nil {
				s.logger.Warn("skipping invalid alert profile", "run_id", c.res.RunID, "user_id", userID, "error", err)
				skip, reason = OutcomeSkipped, "invalid profile"
			} else if !p.AlertsEnabled {
				skip, reason = OutcomeSkipped, "alerts disabled"
			}
		}

		u := &userBatch{userID: userID, profile: p}
		for _, r := range rs {
			pr := &pair{
				Candidate: Candidate{
					UserID:     userID,
					Deal:       r.deal,
					Match:      r.match,
					FamilyKey:  FamilyKey(r.deal, s.policy.FamilyBucketDays),
					deferralID: r.deferralID,
					attempts:   r.attempts,
				},
			}
			switch {
			case skip != "":
				pr.settle(skip, reason)
			case r.deal.Expired(c.now):
				pr.settle(OutcomeExpired, "deal expired")
			case r.airportOnly && p.WatchlistOnlyMode:
				pr.settle(OutcomeSkipped, "watchlist-only mode")
			}
			if pr.outcome != "" {
				c.settled = append(c.settled, pr)
				continue
			}
			u.pairs = append(u.pairs, pr)
		}
		if len(u.pairs) > 0 {
			c.users = append(c.users, u)
		}
	}
	c.res.Candidates = len(raw)
}

// block holds back whole deals whose expansion failed.
func (s *Scheduler) block(c *cycle, dealIDs []string, err error) {
	s.logger.Error("candidate expansion failed", "run_id", c.res.RunID, "deals", len(dealIDs), "error", err)
	c.res.Errors = append(c.res.Errors, err.Error())
	for _, id := range dealIDs {
		c.blocked[id] = true
	}
}

// --------------------------------------------------------------------------
// Filtering / Ranking
// --------------------------------------------------------------------------

func (s *Scheduler) filter(ctx context.Context, c *cycle, u *userBatch) {
	status, err := s.quota.Status(ctx, u.profile, c.now)
	if err != nil {
		s.logger.Error("quota store unavailable", "run_id", c.res.RunID, "user_id", u.userID, "error", err)
		u.fail(err)
		unresolveRest(u.pairs, "quota store unavailable")
		return
	}
	u.status = status

	quiet := s.quiet.IsQuietNow(u.profile, c.now)
	for i, p := range u.pairs {
		if quiet && !s.policy.IsExceptional(float64(p.Deal.DealScore)) {
			due := s.quiet.WindowEnd(u.profile, c.now)
			if err := s.enqueue(ctx, p, due, p.attempts, "quiet hours"); err != nil {
				u.fail(err)
				p.unresolve("deferral store unavailable")
				continue
			}
			p.settle(OutcomeDeferred, "quiet hours until "+due.UTC().Format(time.RFC3339))
			continue
		}

		ok, err := s.ledger.Check(ctx, u.userID, p.FamilyKey, c.now)
		if err != nil {
			// Fail closed for the rest of this user's batch.
			s.logger.Error("dedup ledger unavailable, failing closed",
				"run_id", c.res.RunID, "user_id", u.userID, "error", err)
			u.fail(err)
			unresolveRest(u.pairs[i:], "dedup ledger unavailable")
			return
		}
		if !ok {
			p.settle(OutcomeSuppressedDedup, "alerted within dedup window")
			continue
		}
		u.eligible = append(u.eligible, p)
	}
}

// rank orders the eligible candidates and assigns quota slots: regular
// first, then the exceptional override. Only the best candidate of each
// deal family survives.
func (s *Scheduler) rank(u *userBatch) {
	sort.SliceStable(u.eligible, func(i, j int) bool {
		return Less(u.eligible[i].Candidate, u.eligible[j].Candidate)
	})

	regular := u.status.Remaining()
	overrides := u.status.OverridesLeft()
	families := make(map[string]bool)
	for _, p := range u.eligible {
		switch {
		case families[p.FamilyKey]:
			p.settle(OutcomeSuppressedDedup, "duplicate family in batch")
			continue
		case regular > 0:
			p.slot = SlotRegular
			regular--
		case overrides > 0 && s.policy.IsExceptional(float64(p.Deal.DealScore)):
			p.slot = SlotOverride
			overrides--
		default:
			p.settle(OutcomeSuppressedQuota, "daily cap reached")
			continue
		}
		families[p.FamilyKey] = true
		u.selected = append(u.selected, p)
	}
}

// --------------------------------------------------------------------------
// Commit
// --------------------------------------------------------------------------

func (s *Scheduler) commit(ctx context.Context, c *cycle) error {
	all := c.pairs()
	for _, u := range c.users {
		c.res.Errors = append(c.res.Errors, u.errs...)
	}

	requeued := make(map[string]bool)
	for _, p := range all {
		if p.outcome == OutcomeDeferred || p.outcome == OutcomeRetryQueued {
			requeued[p.UserID+"\x00"+p.Deal.ID] = true
		}
	}

	var complete, release []string
	unresolved := make(map[string]bool)
	for _, p := range all {
		c.res.tally(p.dispatch())
		if p.fresh() {
			if !p.outcome.Resolved() {
				unresolved[p.Deal.ID] = true
			}
			continue
		}
		switch {
		case !p.outcome.Resolved():
			release = append(release, p.deferralID)
		case requeued[p.UserID+"\x00"+p.Deal.ID]:
			// Defer already rewrote the entry as pending.
		default:
			complete = append(complete, p.deferralID)
		}
	}

	if len(complete) > 0 {
		if err := callStore(ctx, s.opts.StoreTimeout, 1, func(ctx context.Context) error {
			return s.stores.Deferrals.Complete(ctx, complete)
		}); err != nil {
			s.logger.Error("complete deferrals failed", "run_id", c.res.RunID, "error", err)
			c.res.Errors = append(c.res.Errors, fmt.Sprintf("complete deferrals: %v", err))
		}
	}
	if len(release) > 0 {
		if err := callStore(ctx, s.opts.StoreTimeout, 1, func(ctx context.Context) error {
			return s.stores.Deferrals.Release(ctx, release)
		}); err != nil {
			s.logger.Error("release deferrals failed", "run_id", c.res.RunID, "error", err)
			c.res.Errors = append(c.res.Errors, fmt.Sprintf("release deferrals: %v", err))
		}
	}

	from := c.res.WatermarkFrom
	to := nextWatermark(c.deals, from, unresolved, c.blocked)
	if !from.Before(to) {
		if len(unresolved) > 0 || len(c.blocked) > 0 {
			s.logger.Warn("watermark held", "run_id", c.res.RunID,
				"unresolved_deals", len(unresolved)+len(c.blocked))
		}
		return nil
	}
	if err := callStore(ctx, s.opts.StoreTimeout, 1, func(ctx context.Context) error {
		return s.stores.Watermarks.AdvanceWatermark(ctx, s.opts.WatermarkName, to)
	}); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	c.res.WatermarkTo = to
	c.res.WatermarkAdvanced = true
	return nil
}

// nextWatermark returns the cursor of the last deal in the longest resolved
// prefix of deals, which must be in stream order. Deals from the first
// unresolved one onwards are fetched again next cycle.
func nextWatermark(deals []Deal, from Cursor, unresolved, blocked map[string]bool) Cursor {
	to := from
	for _, d := range deals {
		if unresolved[d.ID] || blocked[d.ID] {
			break
		}
		if cur := CursorAt(d); to.Before(cur) {
			to = cur
		}
	}
	return to
}
