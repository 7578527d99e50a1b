// Package postgres implements alerts.Backend on top of the shared pgx pool.
// Counters use conditional upserts and deferrals are claimed with
// FOR UPDATE SKIP LOCKED, so several scan shards can share one database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/farelens/farelens-alerts/internal/alerts"
	"github.com/farelens/farelens-alerts/internal/db"
	"github.com/farelens/farelens-alerts/internal/policy"
)

// Store implements alerts.Backend.
type Store struct {
	pool *db.Pool
}

var _ alerts.Backend = (*Store)(nil)

// New wraps pool.
func New(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// --------------------------------------------------------------------------
// Deals / watchlists
// --------------------------------------------------------------------------

func (s *Store) ListDealsSince(ctx context.Context, after alerts.Cursor, limit int) ([]alerts.Deal, error) {
	rows, err := s.pool.Query(ctx, "deals_since", after.CreatedAt, nullID(after.DealID), limit)
	if err != nil {
		return nil, fmt.Errorf("list deals: %w", err)
	}
	defer rows.Close()

	var deals []alerts.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deal: %w", err)
		}
		deals = append(deals, d)
	}
	return deals, rows.Err()
}

func scanDeal(row pgx.Row) (alerts.Deal, error) {
	var (
		d         alerts.Deal
		returning *time.Time
		expires   *time.Time
	)
	err := row.Scan(&d.ID, &d.Origin, &d.Destination, &d.DepartureDate, &returning, &d.TotalPrice,
		&d.Currency, &d.DealScore, &d.DiscountPercent, &d.Airline, &d.DeepLink, &d.CreatedAt, &expires)
	if returning != nil {
		d.ReturnDate = *returning
	}
	if expires != nil {
		d.ExpiresAt = *expires
	}
	return d, err
}

func (s *Store) WatchlistsMatching(ctx context.Context, origin, destination string) ([]alerts.Watchlist, error) {
	rows, err := s.pool.Query(ctx, "watchlists_matching", origin, destination)
	if err != nil {
		return nil, fmt.Errorf("watchlists matching: %w", err)
	}
	defer rows.Close()

	var out []alerts.Watchlist
	for rows.Next() {
		var w alerts.Watchlist
		if err := rows.Scan(&w.ID, &w.UserID, &w.Name, &w.Origin, &w.Destination,
			&w.DateRangeStart, &w.DateRangeEnd, &w.MaxPrice, &w.IsActive); err != nil {
			return nil, fmt.Errorf("scan watchlist: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --------------------------------------------------------------------------
// Profiles / devices
// --------------------------------------------------------------------------

func scanProfile(row pgx.Row) (alerts.UserAlertProfile, error) {
	var (
		p        alerts.UserAlertProfile
		tier     string
		airports []byte
	)
	err := row.Scan(&p.UserID, &tier, &p.AlertsEnabled, &p.QuietHoursEnabled,
		&p.QuietStartHour, &p.QuietEndHour, &p.Timezone, &p.UTCOffsetMinutes,
		&p.WatchlistOnlyMode, &airports)
	if err != nil {
		return p, err
	}
	p.Tier = policy.ParseTier(tier)
	if err := json.Unmarshal(airports, &p.PreferredAirports); err != nil {
		return p, fmt.Errorf("decode preferred airports: %w", err)
	}
	return p, nil
}

func (s *Store) ProfileFor(ctx context.Context, userID string) (alerts.UserAlertProfile, error) {
	p, err := scanProfile(s.pool.QueryRow(ctx, "profile_by_id", userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return p, alerts.ErrUserNotFound
	}
	if err != nil {
		return p, fmt.Errorf("profile %s: %w", userID, err)
	}
	return p, nil
}

func (s *Store) ProfilesByAirport(ctx context.Context, iata string) ([]alerts.UserAlertProfile, error) {
	rows, err := s.pool.Query(ctx, "profiles_by_airport", iata)
	if err != nil {
		return nil, fmt.Errorf("profiles by airport: %w", err)
	}
	defer rows.Close()

	var out []alerts.UserAlertProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPreferredAirports replaces the user's airports in one transaction.
func (s *Store) SetPreferredAirports(ctx context.Context, userID string, airports []alerts.AirportWeight) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)", userID).Scan(&exists); err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return alerts.ErrUserNotFound
	}
	if _, err := tx.Exec(ctx, "DELETE FROM user_preferred_airports WHERE user_id = $1", userID); err != nil {
		return fmt.Errorf("clear airports: %w", err)
	}
	for _, a := range airports {
		if _, err := tx.Exec(ctx,
			"INSERT INTO user_preferred_airports (user_id, iata, weight) VALUES ($1, $2, $3)",
			userID, a.IATA, a.Weight); err != nil {
			return fmt.Errorf("insert airport %s: %w", a.IATA, err)
		}
	}
	return tx.Commit(ctx)
}

// SetPreferences updates the editable profile columns.
func (s *Store) SetPreferences(ctx context.Context, userID string, prefs alerts.Preferences) error {
	tag, err := s.pool.Exec(ctx, "profile_set_preferences", userID,
		prefs.AlertsEnabled, prefs.QuietHoursEnabled, prefs.QuietStartHour,
		prefs.QuietEndHour, prefs.Timezone, prefs.WatchlistOnlyMode)
	if err != nil {
		return fmt.Errorf("update preferences: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return alerts.ErrUserNotFound
	}
	return nil
}

func (s *Store) TokensFor(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, "get_user_device_tokens", userID)
	if err != nil {
		return nil, fmt.Errorf("device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *Store) Deactivate(ctx context.Context, userID, token string) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE user_devices SET is_active = false WHERE user_id = $1 AND token = $2", userID, token)
	return err
}

// RegisterDevice retires the device's previous tokens and upserts the new
// one in one transaction.
func (s *Store) RegisterDevice(ctx context.Context, userID string, d alerts.Device) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)", userID).Scan(&exists); err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return alerts.ErrUserNotFound
	}
	if d.DeviceID != "" {
		if _, err := tx.Exec(ctx, "device_retire", userID, d.DeviceID, d.Token); err != nil {
			return fmt.Errorf("retire old tokens: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, "device_register", userID, nullID(d.DeviceID), d.Token, d.Platform); err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	return tx.Commit(ctx)
}

// --------------------------------------------------------------------------
// Ledger
// --------------------------------------------------------------------------

func (s *Store) LastSent(ctx context.Context, userID, familyKey string) (time.Time, bool, error) {
	var last *time.Time
	if err := s.pool.QueryRow(ctx, "ledger_last_sent", userID, familyKey).Scan(&last); err != nil {
		return time.Time{}, false, fmt.Errorf("last sent: %w", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return *last, true, nil
}

// Append inserts rec. Re-appending the same id is a no-op.
func (s *Store) Append(ctx context.Context, rec alerts.AlertRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_ledger (id, user_id, family_key, deal_id, final_score, slot, sent_at, was_clicked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.UserID, rec.FamilyKey, rec.DealID, rec.FinalScore, string(rec.Slot), rec.SentAt, rec.WasClicked)
	if err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

func (s *Store) MarkClicked(ctx context.Context, userID, recordID string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE alert_ledger SET was_clicked = true WHERE id = $1 AND user_id = $2", recordID, userID)
	if err != nil {
		return fmt.Errorf("mark clicked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return alerts.ErrNotFound
	}
	return nil
}

func (s *Store) History(ctx context.Context, userID string, limit, offset int) ([]alerts.AlertRecord, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, "ledger_count", userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	rows, err := s.pool.Query(ctx, "ledger_history", userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var out []alerts.AlertRecord
	for rows.Next() {
		var (
			r    alerts.AlertRecord
			slot string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.FamilyKey, &r.DealID, &r.FinalScore, &slot, &r.SentAt, &r.WasClicked); err != nil {
			return nil, 0, fmt.Errorf("scan history: %w", err)
		}
		r.Slot = alerts.Slot(slot)
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// --------------------------------------------------------------------------
// Quota
// --------------------------------------------------------------------------

func parseDay(day string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, day)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad counter day %q: %w", day, err)
	}
	return t, nil
}

func (s *Store) Usage(ctx context.Context, userID, day string) (alerts.QuotaUsage, error) {
	d, err := parseDay(day)
	if err != nil {
		return alerts.QuotaUsage{}, err
	}
	var u alerts.QuotaUsage
	err = s.pool.QueryRow(ctx, "quota_usage", userID, d).Scan(&u.Regular, &u.Override)
	if errors.Is(err, pgx.ErrNoRows) {
		return alerts.QuotaUsage{}, nil
	}
	if err != nil {
		return u, fmt.Errorf("quota usage: %w", err)
	}
	return u, nil
}

func counterColumn(slot alerts.Slot) string {
	if slot == alerts.SlotOverride {
		return "override_count"
	}
	return "regular_count"
}

// Increment bumps the slot counter only while it is below limit. The row
// lock taken by the upsert serializes concurrent shards.
func (s *Store) Increment(ctx context.Context, userID, day string, slot alerts.Slot, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	d, err := parseDay(day)
	if err != nil {
		return false, err
	}
	col := counterColumn(slot)
	var n int
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO alert_daily_counters (user_id, day, %[1]s) VALUES ($1, $2, 1)
		ON CONFLICT (user_id, day) DO UPDATE
		SET %[1]s = alert_daily_counters.%[1]s + 1
		WHERE alert_daily_counters.%[1]s < $3
		RETURNING %[1]s`, col), userID, d, limit).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("increment %s: %w", col, err)
	}
	return true, nil
}

func (s *Store) Decrement(ctx context.Context, userID, day string, slot alerts.Slot) error {
	d, err := parseDay(day)
	if err != nil {
		return err
	}
	col := counterColumn(slot)
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE alert_daily_counters SET %[1]s = %[1]s - 1
		WHERE user_id = $1 AND day = $2 AND %[1]s > 0`, col), userID, d)
	if err != nil {
		return fmt.Errorf("decrement %s: %w", col, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Deferrals
// --------------------------------------------------------------------------

func (s *Store) Defer(ctx context.Context, d alerts.Deferred) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alert_deferrals (id, user_id, deal_id, watchlist_match, exact_match, deliver_at, attempts, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
		ON CONFLICT (user_id, deal_id) DO UPDATE
		SET watchlist_match = EXCLUDED.watchlist_match,
		    exact_match     = EXCLUDED.exact_match,
		    deliver_at      = EXCLUDED.deliver_at,
		    attempts        = EXCLUDED.attempts,
		    reason          = EXCLUDED.reason,
		    status          = 'pending',
		    claimed_at      = NULL`,
		d.ID, d.UserID, d.Deal.ID, d.WatchlistMatch, d.ExactMatch, d.DeliverAt, d.Attempts, d.Reason)
	if err != nil {
		return fmt.Errorf("defer alert: %w", err)
	}
	return nil
}

// ClaimDue atomically claims due entries for this cycle.
// Uses FOR UPDATE SKIP LOCKED so parallel shards never claim the same row.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]alerts.Deferred, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE alert_deferrals q
		SET status = 'claimed', claimed_at = NOW()
		FROM flight_deals f
		WHERE f.id = q.deal_id AND q.id IN (
			SELECT id FROM alert_deferrals
			WHERE status = 'pending' AND deliver_at <= $1
			ORDER BY deliver_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING q.id, q.user_id, q.watchlist_match, q.exact_match, q.deliver_at, q.attempts, COALESCE(q.reason, ''),
			f.id, f.origin, f.destination, f.departure_date, f.return_date, f.total_price::float8,
			f.currency, f.deal_score, COALESCE(f.discount_percent, 0), COALESCE(f.airline, ''), COALESCE(f.deep_link, ''),
			f.created_at, f.expires_at`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim deferrals: %w", err)
	}
	defer rows.Close()

	var out []alerts.Deferred
	for rows.Next() {
		var (
			d         alerts.Deferred
			returning *time.Time
			expires   *time.Time
		)
		if err := rows.Scan(&d.ID, &d.UserID, &d.WatchlistMatch, &d.ExactMatch, &d.DeliverAt, &d.Attempts, &d.Reason,
			&d.Deal.ID, &d.Deal.Origin, &d.Deal.Destination, &d.Deal.DepartureDate, &returning, &d.Deal.TotalPrice,
			&d.Deal.Currency, &d.Deal.DealScore, &d.Deal.DiscountPercent, &d.Deal.Airline, &d.Deal.DeepLink,
			&d.Deal.CreatedAt, &expires); err != nil {
			return nil, fmt.Errorf("scan deferral: %w", err)
		}
		if returning != nil {
			d.Deal.ReturnDate = *returning
		}
		if expires != nil {
			d.Deal.ExpiresAt = *expires
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) Complete(ctx context.Context, ids []string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM alert_deferrals WHERE id::text = ANY($1::text[])", ids)
	if err != nil {
		return fmt.Errorf("complete deferrals: %w", err)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, ids []string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE alert_deferrals SET status = 'pending', claimed_at = NULL
		WHERE id::text = ANY($1::text[])`, ids)
	if err != nil {
		return fmt.Errorf("release deferrals: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Watermarks
// --------------------------------------------------------------------------

func (s *Store) Watermark(ctx context.Context, name string) (alerts.Cursor, error) {
	var (
		c      alerts.Cursor
		dealID *string
	)
	err := s.pool.QueryRow(ctx, "watermark_get", name).Scan(&c.CreatedAt, &dealID)
	if errors.Is(err, pgx.ErrNoRows) {
		return alerts.Cursor{}, nil
	}
	if err != nil {
		return alerts.Cursor{}, fmt.Errorf("read watermark: %w", err)
	}
	if dealID != nil {
		c.DealID = *dealID
	}
	return c, nil
}

// AdvanceWatermark moves the watermark forward in a single statement; it
// never moves back. A NULL deal id sorts before every deal at its timestamp.
func (s *Store) AdvanceWatermark(ctx context.Context, name string, to alerts.Cursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_watermarks (name, watermark, deal_id, updated_at) VALUES ($1, $2, $3::uuid, NOW())
		ON CONFLICT (name) DO UPDATE
		SET watermark = EXCLUDED.watermark, deal_id = EXCLUDED.deal_id, updated_at = NOW()
		WHERE (scan_watermarks.watermark, COALESCE(scan_watermarks.deal_id, '`+nilUUID+`'))
		    < (EXCLUDED.watermark, COALESCE(EXCLUDED.deal_id, '`+nilUUID+`'))`,
		name, to.CreatedAt, nullID(to.DealID))
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// ResetWatermark sets the watermark unconditionally.
func (s *Store) ResetWatermark(ctx context.Context, name string, to alerts.Cursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_watermarks (name, watermark, deal_id, updated_at) VALUES ($1, $2, $3::uuid, NOW())
		ON CONFLICT (name) DO UPDATE
		SET watermark = EXCLUDED.watermark, deal_id = EXCLUDED.deal_id, updated_at = NOW()`,
		name, to.CreatedAt, nullID(to.DealID))
	if err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}
	return nil
}

const nilUUID = "00000000-0000-0000-0000-000000000000"

func nullID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// --------------------------------------------------------------------------
// Janitor
// --------------------------------------------------------------------------

func (s *Store) PurgeLedger(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM alert_ledger WHERE sent_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("purge ledger: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) PurgeCounters(ctx context.Context, beforeDay string) (int64, error) {
	d, err := parseDay(beforeDay)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, "DELETE FROM alert_daily_counters WHERE day < $1", d)
	if err != nil {
		return 0, fmt.Errorf("purge counters: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) RequeueStaleDeferrals(ctx context.Context, claimedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alert_deferrals SET status = 'pending', claimed_at = NULL
		WHERE status = 'claimed' AND claimed_at < $1`, claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue deferrals: %w", err)
	}
	return tag.RowsAffected(), nil
}
