// Package alerts decides which newly discovered flight deals justify a push
// notification, for whom, and in what order.
//
// Pipeline per scan cycle: fetch deals since the watermark → expand to
// (user, deal) candidates via watchlists and preferred airports → score →
// filter through quiet hours, dedup ledger and daily quota → rank → dispatch
// in ranked order per user → commit ledger/quota state and advance the
// watermark past fully resolved deals.
package alerts

import (
	"time"

	"github.com/farelens/farelens-alerts/internal/policy"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// AnyDestination is the watchlist destination wildcard.
	AnyDestination = "ANY"

	// DefaultWatermark names the watermark row used by the deal scan.
	DefaultWatermark = "deal_scan"

	defaultTimezone     = "America/Los_Angeles"
	weightTolerance     = 0.001
	defaultWorkers      = 4
	defaultFetchLimit   = 500
	defaultDeadline     = 4 * time.Minute
	defaultPushTimeout  = 10 * time.Second
	defaultPushRetries  = 2
	defaultStoreTimeout = 5 * time.Second
	defaultMaxAttempts  = 3
	deferralClaimLimit  = 500
	notificationTitle   = "FareLens deal alert"
	deepLinkScheme      = "farelens://deal/"
)

// --------------------------------------------------------------------------
// Domain types
// --------------------------------------------------------------------------

// Deal is an immutable flight deal. A price change produces a new Deal.
type Deal struct {
	ID              string    `json:"id"`
	Origin          string    `json:"origin"`
	Destination     string    `json:"destination"`
	DepartureDate   time.Time `json:"departure_date"`
	ReturnDate      time.Time `json:"return_date"`
	TotalPrice      float64   `json:"total_price"`
	Currency        string    `json:"currency"`
	DealScore       int       `json:"deal_score"` // 0-100
	DiscountPercent int       `json:"discount_percent"`
	Airline         string    `json:"airline,omitempty"`
	DeepLink        string    `json:"deep_link,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Expired reports whether the deal can no longer be alerted.
func (d Deal) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !d.ExpiresAt.After(now)
}

// Cursor is a position in the deal stream, which is ordered by
// (CreatedAt, ID). Deals sharing a timestamp still move it forward.
type Cursor struct {
	CreatedAt time.Time `json:"created_at"`
	DealID    string    `json:"deal_id,omitempty"`
}

// CursorAt returns the cursor sitting on d.
func CursorAt(d Deal) Cursor { return Cursor{CreatedAt: d.CreatedAt, DealID: d.ID} }

// IsZero reports whether the cursor is the start of the stream.
func (c Cursor) IsZero() bool { return c.CreatedAt.IsZero() && c.DealID == "" }

// Before reports whether c sorts strictly before o.
func (c Cursor) Before(o Cursor) bool {
	if !c.CreatedAt.Equal(o.CreatedAt) {
		return c.CreatedAt.Before(o.CreatedAt)
	}
	return c.DealID < o.DealID
}

// Watchlist is a user's route subscription. Origin is always a concrete
// IATA code; Destination may be AnyDestination.
type Watchlist struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Name           string     `json:"name,omitempty"`
	Origin         string     `json:"origin"`
	Destination    string     `json:"destination"`
	DateRangeStart *time.Time `json:"date_range_start,omitempty"`
	DateRangeEnd   *time.Time `json:"date_range_end,omitempty"`
	MaxPrice       *float64   `json:"max_price,omitempty"`
	IsActive       bool       `json:"is_active"`
}

// AirportWeight is one preferred-airport entry.
type AirportWeight struct {
	IATA   string  `json:"iata"`
	Weight float64 `json:"weight"`
}

// UserAlertProfile is the alerting view of a user.
type UserAlertProfile struct {
	UserID            string          `json:"user_id"`
	Tier              policy.Tier     `json:"tier"`
	AlertsEnabled     bool            `json:"alerts_enabled"`
	QuietHoursEnabled bool            `json:"quiet_hours_enabled"`
	QuietStartHour    int             `json:"quiet_hours_start"`
	QuietEndHour      int             `json:"quiet_hours_end"`
	Timezone          string          `json:"timezone"`
	UTCOffsetMinutes  *int            `json:"utc_offset_minutes,omitempty"`
	WatchlistOnlyMode bool            `json:"watchlist_only_mode"`
	PreferredAirports []AirportWeight `json:"preferred_airports"`
}

// AirportWeight returns the weight assigned to iata, or 0.
func (p UserAlertProfile) AirportWeight(iata string) float64 {
	for _, a := range p.PreferredAirports {
		if a.IATA == iata {
			return a.Weight
		}
	}
	return 0
}

// PrefersAirport reports whether iata is in the preferred list.
func (p UserAlertProfile) PrefersAirport(iata string) bool {
	for _, a := range p.PreferredAirports {
		if a.IATA == iata {
			return true
		}
	}
	return false
}

// Location resolves the user's timezone: IANA name first, then the stored
// UTC offset, then UTC.
func (p UserAlertProfile) Location() *time.Location {
	if p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			return loc
		}
	}
	if p.UTCOffsetMinutes != nil {
		return time.FixedZone("", *p.UTCOffsetMinutes*60)
	}
	return time.UTC
}

// LocalDate returns the user's calendar date at now, formatted YYYY-MM-DD.
func (p UserAlertProfile) LocalDate(now time.Time) string {
	return now.In(p.Location()).Format(time.DateOnly)
}

// Preferences is the user-editable subset of a profile. Tier, airports and
// the UTC offset are managed elsewhere.
type Preferences struct {
	AlertsEnabled     bool   `json:"alerts_enabled"`
	QuietHoursEnabled bool   `json:"quiet_hours_enabled"`
	QuietStartHour    int    `json:"quiet_hours_start"`
	QuietEndHour      int    `json:"quiet_hours_end"`
	Timezone          string `json:"timezone"`
	WatchlistOnlyMode bool   `json:"watchlist_only_mode"`
}

// Preferences returns the editable fields of p.
func (p UserAlertProfile) Preferences() Preferences {
	return Preferences{
		AlertsEnabled:     p.AlertsEnabled,
		QuietHoursEnabled: p.QuietHoursEnabled,
		QuietStartHour:    p.QuietStartHour,
		QuietEndHour:      p.QuietEndHour,
		Timezone:          p.Timezone,
		WatchlistOnlyMode: p.WatchlistOnlyMode,
	}
}

// WithPreferences returns p with its editable fields replaced by prefs.
func (p UserAlertProfile) WithPreferences(prefs Preferences) UserAlertProfile {
	p.AlertsEnabled = prefs.AlertsEnabled
	p.QuietHoursEnabled = prefs.QuietHoursEnabled
	p.QuietStartHour = prefs.QuietStartHour
	p.QuietEndHour = prefs.QuietEndHour
	p.Timezone = prefs.Timezone
	p.WatchlistOnlyMode = prefs.WatchlistOnlyMode
	return p
}

// Device is a push registration. DeviceID identifies the physical device
// across token rotations; it may be empty.
type Device struct {
	DeviceID string `json:"device_id,omitempty"`
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// Slot identifies which quota bucket an alert is charged to.
type Slot string

const (
	SlotRegular  Slot = "regular"
	SlotOverride Slot = "override"
)

// AlertRecord is a ledger entry for a delivered alert.
type AlertRecord struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	FamilyKey  string    `json:"family_key"`
	DealID     string    `json:"deal_id"`
	FinalScore float64   `json:"final_score"`
	Slot       Slot      `json:"slot"`
	SentAt     time.Time `json:"sent_at"`
	WasClicked bool      `json:"was_clicked"`
}

// QuotaUsage is one DailyCounter row.
type QuotaUsage struct {
	Regular  int
	Override int
}

// Deferred is a (user, deal) pair held for later delivery: either deferred
// by quiet hours or queued for retry after a transient dispatch failure.
type Deferred struct {
	ID             string
	UserID         string
	Deal           Deal
	WatchlistMatch bool
	ExactMatch     bool
	DeliverAt      time.Time
	Attempts       int
	Reason         string
}

// Payload is what the push transport delivers to a device.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data"`
}

// DeliveryResult reports the outcome of one transport call.
type DeliveryResult struct {
	Success      bool
	Reason       string
	Permanent    bool // retrying will not help
	TokenInvalid bool // token should be deactivated
}
