// Package memory is an in-process alerts.Backend for local development,
// the CLI and tests. All state is guarded by one mutex, which gives the
// quota counters the same atomic conditional-increment semantics as the
// database backends.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/farelens/farelens-alerts/internal/alerts"
)

type counterKey struct {
	userID string
	day    string
}

type device struct {
	alerts.Device
	active bool
}

type deferral struct {
	alerts.Deferred
	claimed   bool
	claimedAt time.Time
}

// Store implements alerts.Backend in memory.
type Store struct {
	mu         sync.Mutex
	deals      map[string]alerts.Deal
	watchlists map[string]alerts.Watchlist
	profiles   map[string]alerts.UserAlertProfile
	devices    map[string][]device
	ledger     map[string]alerts.AlertRecord
	counters   map[counterKey]alerts.QuotaUsage
	deferrals  map[string]*deferral
	watermarks map[string]alerts.Cursor
}

var _ alerts.Backend = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		deals:      make(map[string]alerts.Deal),
		watchlists: make(map[string]alerts.Watchlist),
		profiles:   make(map[string]alerts.UserAlertProfile),
		devices:    make(map[string][]device),
		ledger:     make(map[string]alerts.AlertRecord),
		counters:   make(map[counterKey]alerts.QuotaUsage),
		deferrals:  make(map[string]*deferral),
		watermarks: make(map[string]alerts.Cursor),
	}
}

// --------------------------------------------------------------------------
// Fixtures
// --------------------------------------------------------------------------

// AddDeal stores d, replacing any deal with the same id.
func (s *Store) AddDeal(d alerts.Deal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deals[d.ID] = d
}

// AddWatchlist stores w.
func (s *Store) AddWatchlist(w alerts.Watchlist) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchlists[w.ID] = w
}

// PutProfile stores p.
func (s *Store) PutProfile(p alerts.UserAlertProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
}

// AddDevice registers an active push token for userID.
func (s *Store) AddDevice(userID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[userID] = append(s.devices[userID], device{Device: alerts.Device{Token: token}, active: true})
}

// PendingDeferrals returns unclaimed queue entries ordered by DeliverAt.
func (s *Store) PendingDeferrals() []alerts.Deferred {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alerts.Deferred
	for _, d := range s.deferrals {
		if !d.claimed {
			out = append(out, d.Deferred)
		}
	}
	sortDeferrals(out)
	return out
}

// --------------------------------------------------------------------------
// Deals / watchlists / profiles / devices
// --------------------------------------------------------------------------

func (s *Store) ListDealsSince(_ context.Context, after alerts.Cursor, limit int) ([]alerts.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alerts.Deal
	for _, d := range s.deals {
		if after.Before(alerts.CursorAt(d)) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) WatchlistsMatching(_ context.Context, origin, destination string) ([]alerts.Watchlist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alerts.Watchlist
	for _, w := range s.watchlists {
		if !w.IsActive || w.Origin != origin {
			continue
		}
		if w.Destination == destination || w.Destination == alerts.AnyDestination {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ProfileFor(_ context.Context, userID string) (alerts.UserAlertProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return alerts.UserAlertProfile{}, alerts.ErrUserNotFound
	}
	return p, nil
}

func (s *Store) ProfilesByAirport(_ context.Context, iata string) ([]alerts.UserAlertProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alerts.UserAlertProfile
	for _, p := range s.profiles {
		if p.AlertsEnabled && !p.WatchlistOnlyMode && p.PrefersAirport(iata) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) SetPreferredAirports(_ context.Context, userID string, airports []alerts.AirportWeight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return alerts.ErrUserNotFound
	}
	p.PreferredAirports = append([]alerts.AirportWeight(nil), airports...)
	s.profiles[userID] = p
	return nil
}

func (s *Store) SetPreferences(_ context.Context, userID string, prefs alerts.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return alerts.ErrUserNotFound
	}
	s.profiles[userID] = p.WithPreferences(prefs)
	return nil
}

func (s *Store) TokensFor(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, d := range s.devices[userID] {
		if d.active {
			out = append(out, d.Token)
		}
	}
	return out, nil
}

func (s *Store) Deactivate(_ context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds := s.devices[userID]
	for i := range ds {
		if ds[i].Token == token {
			ds[i].active = false
		}
	}
	return nil
}

func (s *Store) RegisterDevice(_ context.Context, userID string, d alerts.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[userID]; !ok {
		return alerts.ErrUserNotFound
	}
	ds := s.devices[userID]
	found := false
	for i := range ds {
		switch {
		case ds[i].Token == d.Token:
			ds[i].Device, ds[i].active = d, true
			found = true
		case d.DeviceID != "" && ds[i].DeviceID == d.DeviceID:
			ds[i].active = false
		}
	}
	if !found {
		ds = append(ds, device{Device: d, active: true})
	}
	s.devices[userID] = ds
	return nil
}

// --------------------------------------------------------------------------
// Ledger
// --------------------------------------------------------------------------

func (s *Store) LastSent(_ context.Context, userID, familyKey string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		last  time.Time
		found bool
	)
	for _, r := range s.ledger {
		if r.UserID == userID && r.FamilyKey == familyKey && (!found || r.SentAt.After(last)) {
			last, found = r.SentAt, true
		}
	}
	return last, found, nil
}

func (s *Store) Append(_ context.Context, rec alerts.AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledger[rec.ID]; !ok {
		s.ledger[rec.ID] = rec
	}
	return nil
}

func (s *Store) MarkClicked(_ context.Context, userID, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ledger[recordID]
	if !ok || r.UserID != userID {
		return alerts.ErrNotFound
	}
	r.WasClicked = true
	s.ledger[recordID] = r
	return nil
}

func (s *Store) History(_ context.Context, userID string, limit, offset int) ([]alerts.AlertRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []alerts.AlertRecord
	for _, r := range s.ledger {
		if r.UserID == userID {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].SentAt.Equal(all[j].SentAt) {
			return all[i].SentAt.After(all[j].SentAt)
		}
		return all[i].ID < all[j].ID
	})
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

// --------------------------------------------------------------------------
// Quota
// --------------------------------------------------------------------------

func (s *Store) Usage(_ context.Context, userID, day string) (alerts.QuotaUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey{userID, day}], nil
}

func (s *Store) Increment(_ context.Context, userID, day string, slot alerts.Slot, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := counterKey{userID, day}
	u := s.counters[k]
	n := &u.Regular
	if slot == alerts.SlotOverride {
		n = &u.Override
	}
	if *n >= limit {
		return false, nil
	}
	*n++
	s.counters[k] = u
	return true, nil
}

func (s *Store) Decrement(_ context.Context, userID, day string, slot alerts.Slot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := counterKey{userID, day}
	u := s.counters[k]
	n := &u.Regular
	if slot == alerts.SlotOverride {
		n = &u.Override
	}
	if *n > 0 {
		*n--
	}
	s.counters[k] = u
	return nil
}

// --------------------------------------------------------------------------
// Deferrals
// --------------------------------------------------------------------------

func (s *Store) Defer(_ context.Context, d alerts.Deferred) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.deferrals {
		if e.UserID == d.UserID && e.Deal.ID == d.Deal.ID {
			d.ID = id
			break
		}
	}
	s.deferrals[d.ID] = &deferral{Deferred: d}
	return nil
}

func (s *Store) ClaimDue(_ context.Context, now time.Time, limit int) ([]alerts.Deferred, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []alerts.Deferred
	for _, e := range s.deferrals {
		if !e.claimed && !e.DeliverAt.After(now) {
			due = append(due, e.Deferred)
		}
	}
	sortDeferrals(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, d := range due {
		e := s.deferrals[d.ID]
		e.claimed = true
		e.claimedAt = now
	}
	return due, nil
}

func (s *Store) Complete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.deferrals, id)
	}
	return nil
}

func (s *Store) Release(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if e, ok := s.deferrals[id]; ok {
			e.claimed = false
		}
	}
	return nil
}

func sortDeferrals(ds []alerts.Deferred) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].DeliverAt.Equal(ds[j].DeliverAt) {
			return ds[i].DeliverAt.Before(ds[j].DeliverAt)
		}
		return ds[i].ID < ds[j].ID
	})
}

// --------------------------------------------------------------------------
// Watermarks
// --------------------------------------------------------------------------

func (s *Store) Watermark(_ context.Context, name string) (alerts.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermarks[name], nil
}

// AdvanceWatermark moves the watermark forward; it never moves back.
func (s *Store) AdvanceWatermark(_ context.Context, name string, to alerts.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watermarks[name].Before(to) {
		s.watermarks[name] = to
	}
	return nil
}

// ResetWatermark sets the watermark unconditionally.
func (s *Store) ResetWatermark(_ context.Context, name string, to alerts.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[name] = to
	return nil
}

// --------------------------------------------------------------------------
// Janitor
// --------------------------------------------------------------------------

func (s *Store) PurgeLedger(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.ledger {
		if r.SentAt.Before(before) {
			delete(s.ledger, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) PurgeCounters(_ context.Context, beforeDay string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.counters {
		if k.day < beforeDay {
			delete(s.counters, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) RequeueStaleDeferrals(_ context.Context, claimedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.deferrals {
		if e.claimed && e.claimedAt.Before(claimedBefore) {
			e.claimed = false
			n++
		}
	}
	return n, nil
}
