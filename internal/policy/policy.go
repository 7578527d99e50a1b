// Package policy holds the tier-keyed alert limits used by the scoring,
// quota and scheduling code. Everything that differs between free and pro
// users is looked up here instead of branching on the tier elsewhere.
package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier is a subscription tier.
type Tier string

const (
	Free Tier = "free"
	Pro  Tier = "pro"
)

// ParseTier maps a stored tier string to a Tier. Unknown values fall back
// to Free so a bad row can never grant pro limits.
func ParseTier(s string) Tier {
	if Tier(s) == Pro {
		return Pro
	}
	return Free
}

// --------------------------------------------------------------------------
// Limits
// --------------------------------------------------------------------------

// Limits are the per-tier knobs.
type Limits struct {
	DailyCap          int  `yaml:"daily_cap"`
	MaxAirports       int  `yaml:"max_airports"`
	MinVisibleScore   int  `yaml:"min_visible_score"`  // 0 = every deal is visible
	BackfillScore     int  `yaml:"backfill_score"`     // lower bound used when too few deals qualify
	BackfillTarget    int  `yaml:"backfill_target"`    // qualify count below which backfill kicks in
	WatchlistOnlyMode bool `yaml:"watchlist_only_mode"` // whether the tier may enable watchlist-only mode
}

// Policy is the full alerting policy.
type Policy struct {
	Tiers map[Tier]Limits `yaml:"tiers"`

	DedupWindowHours     int     `yaml:"dedup_window_hours"`
	ExceptionalThreshold float64 `yaml:"exceptional_score_threshold"`
	OverridesPerDay      int     `yaml:"exceptional_overrides_per_day"`
	WatchlistBoost       float64 `yaml:"watchlist_boost"`
	BoostWildcardMatches bool    `yaml:"boost_wildcard_matches"`
	FamilyBucketDays     int     `yaml:"family_bucket_days"`
}

// Default returns the production defaults.
func Default() Policy {
	return Policy{
		Tiers: map[Tier]Limits{
			Free: {
				DailyCap:        3,
				MaxAirports:     1,
				MinVisibleScore: 80,
				BackfillScore:   70,
				BackfillTarget:  20,
			},
			Pro: {
				DailyCap:          6,
				MaxAirports:       3,
				WatchlistOnlyMode: true,
			},
		},
		DedupWindowHours:     12,
		ExceptionalThreshold: 95,
		OverridesPerDay:      1,
		WatchlistBoost:       0.15,
		BoostWildcardMatches: true,
		FamilyBucketDays:     7,
	}
}

// For returns the limits for a tier. Unknown tiers get the free limits.
func (p Policy) For(t Tier) Limits {
	if l, ok := p.Tiers[t]; ok {
		return l
	}
	return p.Tiers[Free]
}

// DedupWindow returns the dedup window as a duration.
func (p Policy) DedupWindow() time.Duration {
	return time.Duration(p.DedupWindowHours) * time.Hour
}

// IsExceptional reports whether a deal's own score qualifies for the
// override slot and the quiet-hours bypass. Personalized boosts do not
// count toward it.
func (p Policy) IsExceptional(dealScore float64) bool {
	return dealScore >= p.ExceptionalThreshold
}

// Validate checks the policy for values the scheduler cannot honor.
func (p Policy) Validate() error {
	if p.DedupWindowHours < 6 || p.DedupWindowHours > 12 {
		return fmt.Errorf("dedup_window_hours must be within 6-12, got %d", p.DedupWindowHours)
	}
	if p.ExceptionalThreshold <= 0 {
		return fmt.Errorf("exceptional_score_threshold must be positive, got %.2f", p.ExceptionalThreshold)
	}
	if p.OverridesPerDay < 0 {
		return fmt.Errorf("exceptional_overrides_per_day must be >= 0, got %d", p.OverridesPerDay)
	}
	if p.WatchlistBoost < 0 {
		return fmt.Errorf("watchlist_boost must be >= 0, got %.2f", p.WatchlistBoost)
	}
	if p.FamilyBucketDays < 0 {
		return fmt.Errorf("family_bucket_days must be >= 0, got %d", p.FamilyBucketDays)
	}
	if _, ok := p.Tiers[Free]; !ok {
		return fmt.Errorf("policy must define the %q tier", Free)
	}
	for tier, l := range p.Tiers {
		if l.DailyCap < 0 {
			return fmt.Errorf("tier %s: daily_cap must be >= 0", tier)
		}
		if l.MaxAirports < 1 {
			return fmt.Errorf("tier %s: max_airports must be >= 1", tier)
		}
		if l.BackfillScore > l.MinVisibleScore {
			return fmt.Errorf("tier %s: backfill_score above min_visible_score", tier)
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// YAML overlay
// --------------------------------------------------------------------------

// fileLimits mirrors Limits with optional fields so a policy file only has
// to name the values it changes.
type fileLimits struct {
	DailyCap          *int  `yaml:"daily_cap"`
	MaxAirports       *int  `yaml:"max_airports"`
	MinVisibleScore   *int  `yaml:"min_visible_score"`
	BackfillScore     *int  `yaml:"backfill_score"`
	BackfillTarget    *int  `yaml:"backfill_target"`
	WatchlistOnlyMode *bool `yaml:"watchlist_only_mode"`
}

type file struct {
	Tiers                map[Tier]fileLimits `yaml:"tiers"`
	DedupWindowHours     *int                `yaml:"dedup_window_hours"`
	ExceptionalThreshold *float64            `yaml:"exceptional_score_threshold"`
	OverridesPerDay      *int                `yaml:"exceptional_overrides_per_day"`
	WatchlistBoost       *float64            `yaml:"watchlist_boost"`
	BoostWildcardMatches *bool               `yaml:"boost_wildcard_matches"`
	FamilyBucketDays     *int                `yaml:"family_bucket_days"`
}

// Load reads a YAML policy file and overlays it on Default().
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse overlays YAML bytes on Default().
func Parse(data []byte) (Policy, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}

	p := Default()
	setInt(&p.DedupWindowHours, f.DedupWindowHours)
	setFloat(&p.ExceptionalThreshold, f.ExceptionalThreshold)
	setInt(&p.OverridesPerDay, f.OverridesPerDay)
	setFloat(&p.WatchlistBoost, f.WatchlistBoost)
	setBool(&p.BoostWildcardMatches, f.BoostWildcardMatches)
	setInt(&p.FamilyBucketDays, f.FamilyBucketDays)

	for tier, fl := range f.Tiers {
		l := p.Tiers[tier]
		setInt(&l.DailyCap, fl.DailyCap)
		setInt(&l.MaxAirports, fl.MaxAirports)
		setInt(&l.MinVisibleScore, fl.MinVisibleScore)
		setInt(&l.BackfillScore, fl.BackfillScore)
		setInt(&l.BackfillTarget, fl.BackfillTarget)
		setBool(&l.WatchlistOnlyMode, fl.WatchlistOnlyMode)
		p.Tiers[tier] = l
	}
	return p, nil
}

// Marshal renders the effective policy as YAML.
func (p Policy) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
