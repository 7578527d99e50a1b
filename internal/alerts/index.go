package alerts

// WatchlistIndex maps (origin, destination) routes to the watchlists that
// want them. It is built once per scan cycle and only read afterwards, so
// concurrent Match calls are safe.
type WatchlistIndex struct {
	byRoute map[route][]Watchlist
	size    int
}

type route struct {
	origin      string
	destination string
}

// NewWatchlistIndex indexes the active watchlists in ws.
func NewWatchlistIndex(ws []Watchlist) *WatchlistIndex {
	ix := &WatchlistIndex{byRoute: make(map[route][]Watchlist)}
	seen := make(map[string]bool, len(ws))
	for _, w := range ws {
		if !w.IsActive || seen[w.ID] {
			continue
		}
		seen[w.ID] = true
		key := route{w.Origin, w.Destination}
		ix.byRoute[key] = append(ix.byRoute[key], w)
		ix.size++
	}
	return ix
}

// Len returns the number of indexed watchlists.
func (ix *WatchlistIndex) Len() int { return ix.size }

// Match returns the active watchlists whose origin equals the deal's,
// whose destination equals the deal's or is AnyDestination, and whose
// optional date range and price ceiling admit the deal.
func (ix *WatchlistIndex) Match(d Deal) []Watchlist {
	var out []Watchlist
	for _, key := range []route{{d.Origin, d.Destination}, {d.Origin, AnyDestination}} {
		for _, w := range ix.byRoute[key] {
			if admits(w, d) {
				out = append(out, w)
			}
		}
	}
	return out
}

func admits(w Watchlist, d Deal) bool {
	dep := dateOnly(d.DepartureDate)
	if w.DateRangeStart != nil && dep.Before(dateOnly(*w.DateRangeStart)) {
		return false
	}
	if w.DateRangeEnd != nil && dep.After(dateOnly(*w.DateRangeEnd)) {
		return false
	}
	if w.MaxPrice != nil && *w.MaxPrice < d.TotalPrice {
		return false
	}
	return true
}

// Match summarizes how a user's watchlists relate to a deal.
type Match struct {
	Watchlist bool // at least one watchlist admits the deal
	Exact     bool // at least one of them names the deal's destination
}

// MatchFor folds a set of matching watchlists into a Match.
func MatchFor(ws []Watchlist, d Deal) Match {
	var m Match
	for _, w := range ws {
		m.Watchlist = true
		if w.Destination == d.Destination {
			m.Exact = true
		}
	}
	return m
}
