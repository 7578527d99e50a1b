package alerts

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUserNotFound marks a reference to a user that does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrNotFound is returned for missing records other than users.
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable marks a ledger/quota store that could not answer.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvalidProfile marks a profile that violates the tier policy.
	ErrInvalidProfile = errors.New("invalid alert profile")
)

// DealStore is the read-only view of discovered deals.
type DealStore interface {
	// ListDealsSince returns deals positioned strictly after the cursor,
	// ordered by (CreatedAt, ID).
	ListDealsSince(ctx context.Context, after Cursor, limit int) ([]Deal, error)
}

// WatchlistStore answers watchlist queries.
type WatchlistStore interface {
	// WatchlistsMatching returns active watchlists with the given origin whose
	// destination is destination or AnyDestination.
	WatchlistsMatching(ctx context.Context, origin, destination string) ([]Watchlist, error)
}

// ProfileStore reads (and, for the preference API, writes) user profiles.
type ProfileStore interface {
	ProfileFor(ctx context.Context, userID string) (UserAlertProfile, error)
	// ProfilesByAirport returns enabled profiles that list iata as a
	// preferred airport and are not in watchlist-only mode.
	ProfilesByAirport(ctx context.Context, iata string) ([]UserAlertProfile, error)
	SetPreferredAirports(ctx context.Context, userID string, airports []AirportWeight) error
	SetPreferences(ctx context.Context, userID string, prefs Preferences) error
}

// DeviceStore resolves push tokens.
type DeviceStore interface {
	TokensFor(ctx context.Context, userID string) ([]string, error)
	Deactivate(ctx context.Context, userID, token string) error
	// RegisterDevice activates d.Token for userID. A device re-registering
	// under a new token retires its previous one.
	RegisterDevice(ctx context.Context, userID string, d Device) error
}

// LedgerStore persists AlertRecords.
type LedgerStore interface {
	// LastSent returns the most recent SentAt for (user, family).
	LastSent(ctx context.Context, userID, familyKey string) (time.Time, bool, error)
	Append(ctx context.Context, rec AlertRecord) error
	MarkClicked(ctx context.Context, userID, recordID string) error
	History(ctx context.Context, userID string, limit, offset int) ([]AlertRecord, int, error)
}

// QuotaStore persists DailyCounters keyed by (user, local date).
type QuotaStore interface {
	Usage(ctx context.Context, userID, day string) (QuotaUsage, error)
	// Increment atomically bumps the slot counter if it is below limit and
	// reports whether it did.
	Increment(ctx context.Context, userID, day string, slot Slot, limit int) (bool, error)
	Decrement(ctx context.Context, userID, day string, slot Slot) error
}

// DeferralStore holds quiet-hours deferrals and retry entries.
type DeferralStore interface {
	// Defer enqueues d, replacing any entry for the same (user, deal).
	Defer(ctx context.Context, d Deferred) error
	// ClaimDue claims entries with DeliverAt <= now for this cycle.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Deferred, error)
	// Complete removes resolved entries.
	Complete(ctx context.Context, ids []string) error
	// Release returns unresolved claimed entries to the queue.
	Release(ctx context.Context, ids []string) error
}

// WatermarkStore persists the scan watermark.
type WatermarkStore interface {
	Watermark(ctx context.Context, name string) (Cursor, error)
	// AdvanceWatermark stores to only if it sorts after the current value.
	AdvanceWatermark(ctx context.Context, name string, to Cursor) error
}

// Janitor is implemented by stores that support periodic cleanup.
type Janitor interface {
	PurgeLedger(ctx context.Context, before time.Time) (int64, error)
	PurgeCounters(ctx context.Context, beforeDay string) (int64, error)
	RequeueStaleDeferrals(ctx context.Context, claimedBefore time.Time) (int64, error)
}

// Transport delivers a payload to one device token.
type Transport interface {
	Send(ctx context.Context, deviceToken string, p Payload) DeliveryResult
}

// Stores bundles every collaborator the scheduler reads or writes.
type Stores struct {
	Deals      DealStore
	Watchlists WatchlistStore
	Profiles   ProfileStore
	Devices    DeviceStore
	Ledger     LedgerStore
	Quota      QuotaStore
	Deferrals  DeferralStore
	Watermarks WatermarkStore
}

// Backend is a single store implementing every interface, as the postgres,
// sqlite and memory packages do.
type Backend interface {
	DealStore
	WatchlistStore
	ProfileStore
	DeviceStore
	LedgerStore
	QuotaStore
	DeferralStore
	WatermarkStore
	Janitor
}

// StoresFrom wires every slot of Stores to b.
func StoresFrom(b Backend) Stores {
	return Stores{
		Deals:      b,
		Watchlists: b,
		Profiles:   b,
		Devices:    b,
		Ledger:     b,
		Quota:      b,
		Deferrals:  b,
		Watermarks: b,
	}
}
