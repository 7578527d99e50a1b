package alerts

import (
	"fmt"
	"math"
	"time"

	"github.com/farelens/farelens-alerts/internal/policy"
)

// DefaultProfile returns the profile a new user starts with.
func DefaultProfile(userID string) UserAlertProfile {
	return UserAlertProfile{
		UserID:            userID,
		Tier:              policy.Free,
		AlertsEnabled:     true,
		QuietHoursEnabled: true,
		QuietStartHour:    22,
		QuietEndHour:      7,
		Timezone:          defaultTimezone,
	}
}

// ValidIATA reports whether s is a three-letter uppercase airport code.
func ValidIATA(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}

// ValidateAirports checks preferred-airport weights against the tier limits:
// at most MaxAirports entries, weights in [0, 1] summing to 1.0 ± 0.001.
// An empty list is allowed.
func ValidateAirports(tier policy.Tier, airports []AirportWeight, pol policy.Policy) error {
	if len(airports) == 0 {
		return nil
	}
	limits := pol.For(tier)
	if len(airports) > limits.MaxAirports {
		return fmt.Errorf("%w: %s tier allows at most %d preferred airports, got %d",
			ErrInvalidProfile, tier, limits.MaxAirports, len(airports))
	}

	seen := make(map[string]bool, len(airports))
	sum := 0.0
	for _, a := range airports {
		if !ValidIATA(a.IATA) {
			return fmt.Errorf("%w: invalid airport code %q", ErrInvalidProfile, a.IATA)
		}
		if seen[a.IATA] {
			return fmt.Errorf("%w: duplicate airport %s", ErrInvalidProfile, a.IATA)
		}
		seen[a.IATA] = true
		if a.Weight < 0 || a.Weight > 1 {
			return fmt.Errorf("%w: weight for %s out of range: %.3f", ErrInvalidProfile, a.IATA, a.Weight)
		}
		sum += a.Weight
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w: airport weights sum to %.4f, want 1.0", ErrInvalidProfile, sum)
	}
	return nil
}

// ValidTimezone reports whether name is empty or a loadable IANA zone.
func ValidTimezone(name string) bool {
	if name == "" {
		return true
	}
	_, err := time.LoadLocation(name)
	return err == nil
}

// ValidateProfile checks every invariant an accepted profile must satisfy.
func ValidateProfile(p UserAlertProfile, pol policy.Policy) error {
	if p.UserID == "" {
		return fmt.Errorf("%w: missing user id", ErrInvalidProfile)
	}
	if p.QuietStartHour < 0 || p.QuietStartHour > 23 || p.QuietEndHour < 0 || p.QuietEndHour > 23 {
		return fmt.Errorf("%w: quiet hours must be within 0-23, got %d-%d",
			ErrInvalidProfile, p.QuietStartHour, p.QuietEndHour)
	}
	if p.WatchlistOnlyMode && !pol.For(p.Tier).WatchlistOnlyMode {
		return fmt.Errorf("%w: watchlist-only mode is not available on the %s tier", ErrInvalidProfile, p.Tier)
	}
	return ValidateAirports(p.Tier, p.PreferredAirports, pol)
}
