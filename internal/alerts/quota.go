package alerts

import (
	"context"
	"time"

	"github.com/farelens/farelens-alerts/internal/policy"
)

// QuotaTracker enforces per-tier daily caps plus the exceptional override
// allowance. Counters are keyed by the user's local calendar date, so a new
// day starts a new counter without any reset.
type QuotaTracker struct {
	store   QuotaStore
	policy  policy.Policy
	timeout time.Duration
	retries int
}

// NewQuotaTracker wraps store with the caps from p.
func NewQuotaTracker(store QuotaStore, p policy.Policy) *QuotaTracker {
	return &QuotaTracker{
		store:   store,
		policy:  p,
		timeout: defaultStoreTimeout,
		retries: 1,
	}
}

// QuotaStatus is a user's standing for one local day.
type QuotaStatus struct {
	Day          string `json:"day"`
	Used         int    `json:"used"`
	Cap          int    `json:"cap"`
	OverrideUsed int    `json:"override_used"`
	OverrideCap  int    `json:"override_cap"`
}

// Remaining returns how many regular alerts are left today.
func (s QuotaStatus) Remaining() int {
	return max(s.Cap-s.Used, 0)
}

// OverridesLeft returns how many exceptional overrides are left today.
func (s QuotaStatus) OverridesLeft() int {
	return max(s.OverrideCap-s.OverrideUsed, 0)
}

// Status reads today's counters for p.
func (q *QuotaTracker) Status(ctx context.Context, p UserAlertProfile, now time.Time) (QuotaStatus, error) {
	day := p.LocalDate(now)
	var usage QuotaUsage
	err := callStore(ctx, q.timeout, q.retries, func(ctx context.Context) error {
		var err error
		usage, err = q.store.Usage(ctx, p.UserID, day)
		return err
	})
	if err != nil {
		return QuotaStatus{}, err
	}
	return QuotaStatus{
		Day:          day,
		Used:         usage.Regular,
		Cap:          q.policy.For(p.Tier).DailyCap,
		OverrideUsed: usage.Override,
		OverrideCap:  q.policy.OverridesPerDay,
	}, nil
}

// RemainingQuota returns the regular alerts p may still receive today.
func (q *QuotaTracker) RemainingQuota(ctx context.Context, p UserAlertProfile, now time.Time) (int, error) {
	s, err := q.Status(ctx, p, now)
	if err != nil {
		return 0, err
	}
	return s.Remaining(), nil
}

// Consume charges one alert to slot with a conditional atomic increment.
// It returns false when the slot is already exhausted, which happens when a
// concurrent shard consumed the last unit first.
func (q *QuotaTracker) Consume(ctx context.Context, p UserAlertProfile, now time.Time, slot Slot) (bool, error) {
	limit := q.limit(p, slot)
	if limit <= 0 {
		return false, nil
	}
	day := p.LocalDate(now)
	var ok bool
	// Increments are not idempotent, so no retry.
	err := callStore(ctx, q.timeout, 0, func(ctx context.Context) error {
		var err error
		ok, err = q.store.Increment(ctx, p.UserID, day, slot, limit)
		return err
	})
	return ok, err
}

// Release returns a unit consumed for a dispatch that did not go out.
func (q *QuotaTracker) Release(ctx context.Context, p UserAlertProfile, now time.Time, slot Slot) error {
	day := p.LocalDate(now)
	return callStore(ctx, q.timeout, 0, func(ctx context.Context) error {
		return q.store.Decrement(ctx, p.UserID, day, slot)
	})
}

func (q *QuotaTracker) limit(p UserAlertProfile, slot Slot) int {
	if slot == SlotOverride {
		return q.policy.OverridesPerDay
	}
	return q.policy.For(p.Tier).DailyCap
}
