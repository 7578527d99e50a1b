package alerts_test

import (
	"errors"
	"testing"

	"github.com/farelens/farelens-alerts/internal/alerts"
	"github.com/farelens/farelens-alerts/internal/policy"
)

func TestValidateAirports(t *testing.T) {
	pol := policy.Default()
	aw := func(pairs ...any) []alerts.AirportWeight {
		var out []alerts.AirportWeight
		for i := 0; i < len(pairs); i += 2 {
			out = append(out, alerts.AirportWeight{IATA: pairs[i].(string), Weight: pairs[i+1].(float64)})
		}
		return out
	}

	tests := []struct {
		name    string
		tier    policy.Tier
		in      []alerts.AirportWeight
		wantErr bool
	}{
		{"empty", policy.Free, nil, false},
		{"free single", policy.Free, aw("SFO", 1.0), false},
		{"free two", policy.Free, aw("SFO", 0.5, "OAK", 0.5), true},
		{"pro three", policy.Pro, aw("SFO", 0.5, "OAK", 0.3, "SJC", 0.2), false},
		{"pro four", policy.Pro, aw("SFO", 0.25, "OAK", 0.25, "SJC", 0.25, "LAX", 0.25), true},
		{"within tolerance", policy.Pro, aw("SFO", 0.3333, "OAK", 0.3333, "SJC", 0.3333), false},
		{"sum too low", policy.Pro, aw("SFO", 0.5, "OAK", 0.4), true},
		{"bad code", policy.Free, aw("sfo", 1.0), true},
		{"duplicate", policy.Pro, aw("SFO", 0.5, "SFO", 0.5), true},
		{"negative weight", policy.Pro, aw("SFO", 1.2, "OAK", -0.2), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := alerts.ValidateAirports(tt.tier, tt.in, pol)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, alerts.ErrInvalidProfile) {
				t.Fatalf("error %v does not wrap ErrInvalidProfile", err)
			}
		})
	}
}

func TestValidateProfile(t *testing.T) {
	pol := policy.Default()

	if err := alerts.ValidateProfile(alerts.DefaultProfile("u1"), pol); err != nil {
		t.Fatalf("default profile rejected: %v", err)
	}

	freeWatchOnly := alerts.DefaultProfile("u1")
	freeWatchOnly.WatchlistOnlyMode = true
	if err := alerts.ValidateProfile(freeWatchOnly, pol); err == nil {
		t.Fatal("free tier accepted watchlist-only mode")
	}

	proWatchOnly := freeWatchOnly
	proWatchOnly.Tier = policy.Pro
	if err := alerts.ValidateProfile(proWatchOnly, pol); err != nil {
		t.Fatalf("pro watchlist-only rejected: %v", err)
	}

	badHours := alerts.DefaultProfile("u1")
	badHours.QuietEndHour = 24
	if err := alerts.ValidateProfile(badHours, pol); err == nil {
		t.Fatal("quiet end hour 24 accepted")
	}

	if err := alerts.ValidateProfile(alerts.DefaultProfile(""), pol); err == nil {
		t.Fatal("missing user id accepted")
	}
}
