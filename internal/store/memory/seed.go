package memory

import (
	"time"

	"github.com/farelens/farelens-alerts/internal/alerts"
	"github.com/farelens/farelens-alerts/internal/policy"
)

// Demo fixture identifiers.
const (
	DemoUserID      = "6f1c1f0e-3b7a-4c55-9d2e-6f0a7d1e2b01"
	DemoDealID      = "0b6e3c2a-91d4-4f0e-8a57-2d6c1e4f9a10"
	DemoWatchlistID = "c3a9e5d1-7f26-4b8e-b0a4-5e1d2f3c4b77"
	DemoDeviceToken = "demo-device-token"
)

// Seed loads a demo user watching LAX→JFK and one matching deal, relative
// to now.
func (s *Store) Seed(now time.Time) {
	maxPrice := 500.0
	start := now
	end := now.AddDate(0, 0, 60)

	s.PutProfile(alerts.UserAlertProfile{
		UserID:            DemoUserID,
		Tier:              policy.Pro,
		AlertsEnabled:     true,
		QuietHoursEnabled: false,
		QuietStartHour:    22,
		QuietEndHour:      7,
		Timezone:          "America/Los_Angeles",
		PreferredAirports: []alerts.AirportWeight{{IATA: "LAX", Weight: 1.0}},
	})
	s.AddDevice(DemoUserID, DemoDeviceToken)
	s.AddWatchlist(alerts.Watchlist{
		ID:             DemoWatchlistID,
		UserID:         DemoUserID,
		Name:           "LAX to JFK",
		Origin:         "LAX",
		Destination:    "JFK",
		DateRangeStart: &start,
		DateRangeEnd:   &end,
		MaxPrice:       &maxPrice,
		IsActive:       true,
	})
	s.AddDeal(alerts.Deal{
		ID:              DemoDealID,
		Origin:          "LAX",
		Destination:     "JFK",
		DepartureDate:   now.AddDate(0, 0, 14),
		ReturnDate:      now.AddDate(0, 0, 21),
		TotalPrice:      420,
		Currency:        "USD",
		DealScore:       94,
		DiscountPercent: 35,
		Airline:         "Delta",
		DeepLink:        "https://example.com/deal/lax-jfk",
		CreatedAt:       now.Add(-2 * time.Hour),
		ExpiresAt:       now.Add(12 * time.Hour),
	})
}
