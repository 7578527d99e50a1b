package alerts

import (
	"sort"

	"github.com/farelens/farelens-alerts/internal/policy"
)

// VisibleDeals returns the ids of deals a tier may be alerted about without
// a watchlist match. Deals scoring at least MinVisibleScore are visible; if
// fewer than BackfillTarget qualify, the best deals down to BackfillScore
// are added until the target is reached. MinVisibleScore 0 shows everything.
func VisibleDeals(deals []Deal, lim policy.Limits) map[string]bool {
	visible := make(map[string]bool, len(deals))
	if lim.MinVisibleScore <= 0 {
		for _, d := range deals {
			visible[d.ID] = true
		}
		return visible
	}

	var backfill []Deal
	for _, d := range deals {
		switch {
		case d.DealScore >= lim.MinVisibleScore:
			visible[d.ID] = true
		case d.DealScore >= lim.BackfillScore:
			backfill = append(backfill, d)
		}
	}
	if len(visible) >= lim.BackfillTarget || len(backfill) == 0 {
		return visible
	}

	sort.SliceStable(backfill, func(i, j int) bool {
		if backfill[i].DealScore != backfill[j].DealScore {
			return backfill[i].DealScore > backfill[j].DealScore
		}
		return backfill[i].ID < backfill[j].ID
	})
	for _, d := range backfill {
		if len(visible) >= lim.BackfillTarget {
			break
		}
		visible[d.ID] = true
	}
	return visible
}
