package alerts

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DedupLedger enforces the minimum interval between alerts for the same
// (user, deal family).
type DedupLedger struct {
	store   LedgerStore
	window  time.Duration
	timeout time.Duration
	retries int
	logger  *slog.Logger
}

// NewDedupLedger wraps store with the given dedup window.
func NewDedupLedger(store LedgerStore, window time.Duration, logger *slog.Logger) *DedupLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &DedupLedger{
		store:   store,
		window:  window,
		timeout: defaultStoreTimeout,
		retries: 1,
		logger:  logger,
	}
}

// Window returns the configured dedup window.
func (l *DedupLedger) Window() time.Duration { return l.window }

// Check reports whether (user, family) may be alerted at now. Store errors
// are returned wrapped with ErrStoreUnavailable.
func (l *DedupLedger) Check(ctx context.Context, userID, familyKey string, now time.Time) (bool, error) {
	var (
		last  time.Time
		found bool
	)
	err := callStore(ctx, l.timeout, l.retries, func(ctx context.Context) error {
		var err error
		last, found, err = l.store.LastSent(ctx, userID, familyKey)
		return err
	})
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return now.Sub(last) >= l.window, nil
}

// MayAlert is Check with the store failure folded into "no": an unreachable
// ledger must never let a duplicate through. It is the yes/no form for
// callers outside a scan cycle. The scheduler calls Check instead, since it
// must hold a pair unresolved on a store failure rather than suppress it.
func (l *DedupLedger) MayAlert(ctx context.Context, userID, familyKey string, now time.Time) bool {
	ok, err := l.Check(ctx, userID, familyKey, now)
	if err != nil {
		l.logger.Error("dedup ledger unavailable, failing closed",
			"user_id", userID, "family", familyKey, "error", err)
		return false
	}
	return ok
}

// Record persists the new watermark for (user, family). Callers invoke it
// only after a successful dispatch.
func (l *DedupLedger) Record(ctx context.Context, rec AlertRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Slot == "" {
		rec.Slot = SlotRegular
	}
	return callStore(ctx, l.timeout, l.retries, func(ctx context.Context) error {
		return l.store.Append(ctx, rec)
	})
}
