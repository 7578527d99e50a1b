package alerts

import (
	"sort"

	"github.com/farelens/farelens-alerts/internal/policy"
)

// ScoringEngine computes per-user final scores. It holds no mutable state.
type ScoringEngine struct {
	WatchlistBoost float64
	// BoostWildcardMatches extends the boost to watchlists matched through
	// the ANY destination. When false only exact origin+destination
	// watchlists earn it.
	BoostWildcardMatches bool
}

// NewScoringEngine builds an engine from the policy.
func NewScoringEngine(p policy.Policy) ScoringEngine {
	return ScoringEngine{
		WatchlistBoost:       p.WatchlistBoost,
		BoostWildcardMatches: p.BoostWildcardMatches,
	}
}

// Score returns dealScore × (1 + watchlistBoost) × (1 + airportWeight).
func (e ScoringEngine) Score(p UserAlertProfile, d Deal, m Match) float64 {
	boost := 0.0
	if m.Exact || (m.Watchlist && e.BoostWildcardMatches) {
		boost = e.WatchlistBoost
	}
	return float64(d.DealScore) * (1 + boost) * (1 + p.AirportWeight(d.Origin))
}

// Candidate is one scored (user, deal) pair.
type Candidate struct {
	UserID     string
	Deal       Deal
	Match      Match
	FamilyKey  string
	FinalScore float64

	deferralID string
	attempts   int
}

// Less orders candidates by final score descending, then price ascending,
// departure ascending and deal id ascending.
func Less(a, b Candidate) bool {
	if a.FinalScore != b.FinalScore {
		return a.FinalScore > b.FinalScore
	}
	if a.Deal.TotalPrice != b.Deal.TotalPrice {
		return a.Deal.TotalPrice < b.Deal.TotalPrice
	}
	if !a.Deal.DepartureDate.Equal(b.Deal.DepartureDate) {
		return a.Deal.DepartureDate.Before(b.Deal.DepartureDate)
	}
	return a.Deal.ID < b.Deal.ID
}

// Rank sorts cs into delivery order.
func Rank(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool { return Less(cs[i], cs[j]) })
}
