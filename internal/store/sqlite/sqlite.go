// Package sqlite implements alerts.Backend on a single sqlite file, for
// single-node deployments and the CLI.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/farelens/farelens-alerts/internal/alerts"
	"github.com/farelens/farelens-alerts/internal/policy"
)

//go:embed schema.sql
var schemaSQL string

// addedColumns upgrades files created before these columns existed. sqlite
// has no ADD COLUMN IF NOT EXISTS, so a duplicate-column error means the
// file is already current.
var addedColumns = []string{
	"ALTER TABLE scan_watermarks ADD COLUMN deal_id TEXT NOT NULL DEFAULT ''",
	"ALTER TABLE user_devices ADD COLUMN device_id TEXT NOT NULL DEFAULT ''",
	"ALTER TABLE user_devices ADD COLUMN platform TEXT NOT NULL DEFAULT ''",
}

// Store implements alerts.Backend.
type Store struct {
	db *sql.DB
}

var _ alerts.Backend = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. One connection serializes writers, which makes the quota
// upsert atomic across goroutines.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	for _, stmt := range addedColumns {
		if _, err := db.Exec(stmt); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			db.Close()
			return nil, fmt.Errorf("upgrade schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --------------------------------------------------------------------------
// Encoding helpers
// --------------------------------------------------------------------------

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullDate(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.DateOnly), Valid: true}
}

func parseDate(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --------------------------------------------------------------------------
// Fixtures
// --------------------------------------------------------------------------

// UpsertDeal stores d, replacing any deal with the same id.
func (s *Store) UpsertDeal(ctx context.Context, d alerts.Deal) error {
	ret := d.ReturnDate
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO flight_deals (id, origin, destination, departure_date, return_date, total_price,
			currency, deal_score, discount_percent, airline, deep_link, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Origin, d.Destination, d.DepartureDate.Format(time.DateOnly), nullDate(&ret), d.TotalPrice,
		d.Currency, d.DealScore, d.DiscountPercent, d.Airline, d.DeepLink, millis(d.CreatedAt), nullMillis(d.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert deal: %w", err)
	}
	return nil
}

// UpsertWatchlist stores w.
func (s *Store) UpsertWatchlist(ctx context.Context, w alerts.Watchlist) error {
	var maxPrice sql.NullFloat64
	if w.MaxPrice != nil {
		maxPrice = sql.NullFloat64{Float64: *w.MaxPrice, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO watchlists (id, user_id, name, origin, destination, date_range_start, date_range_end, max_price, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, w.Name, w.Origin, w.Destination, nullDate(w.DateRangeStart), nullDate(w.DateRangeEnd), maxPrice, w.IsActive)
	if err != nil {
		return fmt.Errorf("upsert watchlist: %w", err)
	}
	return nil
}

// UpsertProfile stores p together with its preferred airports.
func (s *Store) UpsertProfile(ctx context.Context, p alerts.UserAlertProfile) error {
	var offset sql.NullInt64
	if p.UTCOffsetMinutes != nil {
		offset = sql.NullInt64{Int64: int64(*p.UTCOffsetMinutes), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, subscription_tier, alert_enabled, quiet_hours_enabled, quiet_hours_start,
			quiet_hours_end, timezone, utc_offset_minutes, watchlist_only_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			subscription_tier = excluded.subscription_tier,
			alert_enabled = excluded.alert_enabled,
			quiet_hours_enabled = excluded.quiet_hours_enabled,
			quiet_hours_start = excluded.quiet_hours_start,
			quiet_hours_end = excluded.quiet_hours_end,
			timezone = excluded.timezone,
			utc_offset_minutes = excluded.utc_offset_minutes,
			watchlist_only_mode = excluded.watchlist_only_mode`,
		p.UserID, string(p.Tier), p.AlertsEnabled, p.QuietHoursEnabled, p.QuietStartHour,
		p.QuietEndHour, p.Timezone, offset, p.WatchlistOnlyMode)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return s.SetPreferredAirports(ctx, p.UserID, p.PreferredAirports)
}

// AddDevice registers an active push token for userID.
func (s *Store) AddDevice(ctx context.Context, userID, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_devices (user_id, token) VALUES (?, ?)
		ON CONFLICT (user_id, token) DO UPDATE SET is_active = 1`, userID, token)
	if err != nil {
		return fmt.Errorf("add device: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Deals / watchlists
// --------------------------------------------------------------------------

const dealColumns = `f.id, f.origin, f.destination, f.departure_date, f.return_date, f.total_price,
	f.currency, f.deal_score, f.discount_percent, f.airline, f.deep_link, f.created_at, f.expires_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDeal(row scanner, extra ...any) (alerts.Deal, error) {
	var (
		d         alerts.Deal
		departure string
		returning sql.NullString
		created   int64
		expires   sql.NullInt64
	)
	dest := append(extra, &d.ID, &d.Origin, &d.Destination, &departure, &returning, &d.TotalPrice,
		&d.Currency, &d.DealScore, &d.DiscountPercent, &d.Airline, &d.DeepLink, &created, &expires)
	if err := row.Scan(dest...); err != nil {
		return d, err
	}
	dep, err := time.Parse(time.DateOnly, departure)
	if err != nil {
		return d, fmt.Errorf("deal %s departure: %w", d.ID, err)
	}
	d.DepartureDate = dep
	ret, err := parseDate(returning)
	if err != nil {
		return d, fmt.Errorf("deal %s return: %w", d.ID, err)
	}
	if ret != nil {
		d.ReturnDate = *ret
	}
	d.CreatedAt = fromMillis(created)
	if expires.Valid {
		d.ExpiresAt = fromMillis(expires.Int64)
	}
	return d, nil
}

func (s *Store) ListDealsSince(ctx context.Context, after alerts.Cursor, limit int) ([]alerts.Deal, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+dealColumns+" FROM flight_deals f WHERE (f.created_at, f.id) > (?, ?) ORDER BY f.created_at, f.id LIMIT ?",
		millis(after.CreatedAt), after.DealID, limit)
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

func (s *Store) WatchlistsMatching(ctx context.Context, origin, destination string) ([]alerts.Watchlist, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, origin, destination, date_range_start, date_range_end, max_price, is_active
		FROM watchlists WHERE is_active = 1 AND origin = ? AND destination IN (?, ?) ORDER BY id`,
		origin, destination, alerts.AnyDestination)
	if err != nil {
		return nil, fmt.Errorf("watchlists matching: %w", err)
	}
	defer rows.Close()

	var out []alerts.Watchlist
	for rows.Next() {
		var (
			w          alerts.Watchlist
			start, end sql.NullString
			maxPrice   sql.NullFloat64
		)
		if err := rows.Scan(&w.ID, &w.UserID, &w.Name, &w.Origin, &w.Destination, &start, &end, &maxPrice, &w.IsActive); err != nil {
			return nil, fmt.Errorf("scan watchlist: %w", err)
		}
		if w.DateRangeStart, err = parseDate(start); err != nil {
			return nil, fmt.Errorf("watchlist %s start: %w", w.ID, err)
		}
		if w.DateRangeEnd, err = parseDate(end); err != nil {
			return nil, fmt.Errorf("watchlist %s end: %w", w.ID, err)
		}
		if maxPrice.Valid {
			v := maxPrice.Float64
			w.MaxPrice = &v
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --------------------------------------------------------------------------
// Profiles / devices
// --------------------------------------------------------------------------

const profileQuery = `SELECT id, subscription_tier, alert_enabled, quiet_hours_enabled, quiet_hours_start,
	quiet_hours_end, timezone, utc_offset_minutes, watchlist_only_mode FROM users`

func scanProfile(row scanner) (alerts.UserAlertProfile, error) {
	var (
		p      alerts.UserAlertProfile
		tier   string
		offset sql.NullInt64
	)
	if err := row.Scan(&p.UserID, &tier, &p.AlertsEnabled, &p.QuietHoursEnabled, &p.QuietStartHour,
		&p.QuietEndHour, &p.Timezone, &offset, &p.WatchlistOnlyMode); err != nil {
		return p, err
	}
	p.Tier = policy.ParseTier(tier)
	if offset.Valid {
		v := int(offset.Int64)
		p.UTCOffsetMinutes = &v
	}
	return p, nil
}

// airports loads preferred airports. Callers must not hold open rows: the
// pool has a single connection.
func (s *Store) airports(ctx context.Context, userID string) ([]alerts.AirportWeight, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT iata, weight FROM user_preferred_airports WHERE user_id = ? ORDER BY weight DESC, iata", userID)
	if err != nil {
		return nil, fmt.Errorf("preferred airports: %w", err)
	}
	defer rows.Close()

	out := []alerts.AirportWeight{}
	for rows.Next() {
		var a alerts.AirportWeight
		if err := rows.Scan(&a.IATA, &a.Weight); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) ProfileFor(ctx context.Context, userID string) (alerts.UserAlertProfile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx, profileQuery+" WHERE id = ?", userID))
	if errors.Is(err, sql.ErrNoRows) {
		return p, alerts.ErrUserNotFound
	}
	if err != nil {
		return p, fmt.Errorf("profile %s: %w", userID, err)
	}
	if p.PreferredAirports, err = s.airports(ctx, userID); err != nil {
		return p, err
	}
	return p, nil
}

func (s *Store) ProfilesByAirport(ctx context.Context, iata string) ([]alerts.UserAlertProfile, error) {
	rows, err := s.db.QueryContext(ctx, profileQuery+`
		WHERE alert_enabled = 1 AND watchlist_only_mode = 0
		  AND id IN (SELECT user_id FROM user_preferred_airports WHERE iata = ?)
		ORDER BY id`, iata)
	if err != nil {
		return nil, fmt.Errorf("profiles by airport: %w", err)
	}

	var out []alerts.UserAlertProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].PreferredAirports, err = s.airports(ctx, out[i].UserID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) SetPreferredAirports(ctx context.Context, userID string, airports []alerts.AirportWeight) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var n int
	if err := tx.QueryRowContext(ctx, "SELECT count(*) FROM users WHERE id = ?", userID).Scan(&n); err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if n == 0 {
		return alerts.ErrUserNotFound
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM user_preferred_airports WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("clear airports: %w", err)
	}
	for _, a := range airports {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO user_preferred_airports (user_id, iata, weight) VALUES (?, ?, ?)",
			userID, a.IATA, a.Weight); err != nil {
			return fmt.Errorf("insert airport %s: %w", a.IATA, err)
		}
	}
	return tx.Commit()
}

// SetPreferences updates the editable profile columns.
func (s *Store) SetPreferences(ctx context.Context, userID string, prefs alerts.Preferences) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET alert_enabled = ?, quiet_hours_enabled = ?, quiet_hours_start = ?,
			quiet_hours_end = ?, timezone = ?, watchlist_only_mode = ?
		WHERE id = ?`,
		prefs.AlertsEnabled, prefs.QuietHoursEnabled, prefs.QuietStartHour,
		prefs.QuietEndHour, prefs.Timezone, prefs.WatchlistOnlyMode, userID)
	if err != nil {
		return fmt.Errorf("update preferences: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return alerts.ErrUserNotFound
	}
	return nil
}

func (s *Store) TokensFor(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT token FROM user_devices WHERE user_id = ? AND is_active = 1 ORDER BY id", userID)
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
	_, err := s.db.ExecContext(ctx,
		"UPDATE user_devices SET is_active = 0 WHERE user_id = ? AND token = ?", userID, token)
	return err
}

func (s *Store) RegisterDevice(ctx context.Context, userID string, d alerts.Device) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var n int
	if err := tx.QueryRowContext(ctx, "SELECT count(*) FROM users WHERE id = ?", userID).Scan(&n); err != nil {
		return fmt.Errorf("check user: %w", err)
	}
	if n == 0 {
		return alerts.ErrUserNotFound
	}
	if d.DeviceID != "" {
		if _, err := tx.ExecContext(ctx,
			"UPDATE user_devices SET is_active = 0 WHERE user_id = ? AND device_id = ? AND token <> ?",
			userID, d.DeviceID, d.Token); err != nil {
			return fmt.Errorf("retire old tokens: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_devices (user_id, device_id, token, platform) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, token) DO UPDATE SET
			device_id = excluded.device_id, platform = excluded.platform, is_active = 1`,
		userID, d.DeviceID, d.Token, d.Platform); err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	return tx.Commit()
}

// --------------------------------------------------------------------------
// Ledger
// --------------------------------------------------------------------------

func (s *Store) LastSent(ctx context.Context, userID, familyKey string) (time.Time, bool, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT max(sent_at) FROM alert_ledger WHERE user_id = ? AND family_key = ?", userID, familyKey).Scan(&last)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last sent: %w", err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(last.Int64), true, nil
}

func (s *Store) Append(ctx context.Context, rec alerts.AlertRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_ledger (id, user_id, family_key, deal_id, final_score, slot, sent_at, was_clicked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.UserID, rec.FamilyKey, rec.DealID, rec.FinalScore, string(rec.Slot), millis(rec.SentAt), rec.WasClicked)
	if err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

func (s *Store) MarkClicked(ctx context.Context, userID, recordID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE alert_ledger SET was_clicked = 1 WHERE id = ? AND user_id = ?", recordID, userID)
	if err != nil {
		return fmt.Errorf("mark clicked: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return alerts.ErrNotFound
	}
	return nil
}

func (s *Store) History(ctx context.Context, userID string, limit, offset int) ([]alerts.AlertRecord, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM alert_ledger WHERE user_id = ?", userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, family_key, deal_id, final_score, slot, sent_at, was_clicked
		FROM alert_ledger WHERE user_id = ? ORDER BY sent_at DESC, id LIMIT ? OFFSET ?`,
		userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var out []alerts.AlertRecord
	for rows.Next() {
		var (
			r    alerts.AlertRecord
			slot string
			sent int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.FamilyKey, &r.DealID, &r.FinalScore, &slot, &sent, &r.WasClicked); err != nil {
			return nil, 0, fmt.Errorf("scan history: %w", err)
		}
		r.Slot = alerts.Slot(slot)
		r.SentAt = fromMillis(sent)
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// --------------------------------------------------------------------------
// Quota
// --------------------------------------------------------------------------

func counterColumn(slot alerts.Slot) string {
	if slot == alerts.SlotOverride {
		return "override_count"
	}
	return "regular_count"
}

func (s *Store) Usage(ctx context.Context, userID, day string) (alerts.QuotaUsage, error) {
	var u alerts.QuotaUsage
	err := s.db.QueryRowContext(ctx,
		"SELECT regular_count, override_count FROM alert_daily_counters WHERE user_id = ? AND day = ?",
		userID, day).Scan(&u.Regular, &u.Override)
	if errors.Is(err, sql.ErrNoRows) {
		return alerts.QuotaUsage{}, nil
	}
	if err != nil {
		return u, fmt.Errorf("quota usage: %w", err)
	}
	return u, nil
}

func (s *Store) Increment(ctx context.Context, userID, day string, slot alerts.Slot, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	col := counterColumn(slot)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO alert_daily_counters (user_id, day, %[1]s) VALUES (?, ?, 1)
		ON CONFLICT (user_id, day) DO UPDATE
		SET %[1]s = %[1]s + 1
		WHERE %[1]s < ?`, col), userID, day, limit)
	if err != nil {
		return false, fmt.Errorf("increment %s: %w", col, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) Decrement(ctx context.Context, userID, day string, slot alerts.Slot) error {
	col := counterColumn(slot)
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE alert_daily_counters SET %[1]s = %[1]s - 1
		WHERE user_id = ? AND day = ? AND %[1]s > 0`, col), userID, day)
	if err != nil {
		return fmt.Errorf("decrement %s: %w", col, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Deferrals
// --------------------------------------------------------------------------

// Defer enqueues d. The deal row is upserted too so a claimed entry can
// always be joined back to its deal.
func (s *Store) Defer(ctx context.Context, d alerts.Deferred) error {
	if err := s.UpsertDeal(ctx, d.Deal); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_deferrals (id, user_id, deal_id, watchlist_match, exact_match, deliver_at, attempts, reason, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending')
		ON CONFLICT (user_id, deal_id) DO UPDATE SET
			watchlist_match = excluded.watchlist_match,
			exact_match = excluded.exact_match,
			deliver_at = excluded.deliver_at,
			attempts = excluded.attempts,
			reason = excluded.reason,
			status = 'pending',
			claimed_at = NULL`,
		d.ID, d.UserID, d.Deal.ID, d.WatchlistMatch, d.ExactMatch, millis(d.DeliverAt), d.Attempts, d.Reason)
	if err != nil {
		return fmt.Errorf("defer alert: %w", err)
	}
	return nil
}

// ClaimDue claims due entries in one transaction. The single connection
// means no other writer can interleave.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]alerts.Deferred, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `
		SELECT q.id, q.user_id, q.watchlist_match, q.exact_match, q.deliver_at, q.attempts, q.reason, `+dealColumns+`
		FROM alert_deferrals q JOIN flight_deals f ON f.id = q.deal_id
		WHERE q.status = 'pending' AND q.deliver_at <= ?
		ORDER BY q.deliver_at, q.id LIMIT ?`, millis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("claim deferrals: %w", err)
	}

	var out []alerts.Deferred
	for rows.Next() {
		var (
			d         alerts.Deferred
			deliverAt int64
		)
		deal, err := scanDeal(rows, &d.ID, &d.UserID, &d.WatchlistMatch, &d.ExactMatch, &deliverAt, &d.Attempts, &d.Reason)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan deferral: %w", err)
		}
		d.Deal = deal
		d.DeliverAt = fromMillis(deliverAt)
		out = append(out, d)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for _, d := range out {
		if _, err := tx.ExecContext(ctx,
			"UPDATE alert_deferrals SET status = 'claimed', claimed_at = ? WHERE id = ?", millis(now), d.ID); err != nil {
			return nil, fmt.Errorf("claim %s: %w", d.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return out, nil
}

// inClause returns "(?, ?, ...)" and the matching args.
func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ") + ")", args
}

func (s *Store) Complete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	if _, err := s.db.ExecContext(ctx, "DELETE FROM alert_deferrals WHERE id IN "+in, args...); err != nil {
		return fmt.Errorf("complete deferrals: %w", err)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	if _, err := s.db.ExecContext(ctx,
		"UPDATE alert_deferrals SET status = 'pending', claimed_at = NULL WHERE id IN "+in, args...); err != nil {
		return fmt.Errorf("release deferrals: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Watermarks
// --------------------------------------------------------------------------

func (s *Store) Watermark(ctx context.Context, name string) (alerts.Cursor, error) {
	var (
		ms int64
		c  alerts.Cursor
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT watermark, deal_id FROM scan_watermarks WHERE name = ?", name).Scan(&ms, &c.DealID)
	if errors.Is(err, sql.ErrNoRows) {
		return alerts.Cursor{}, nil
	}
	if err != nil {
		return alerts.Cursor{}, fmt.Errorf("read watermark: %w", err)
	}
	c.CreatedAt = fromMillis(ms)
	return c, nil
}

func (s *Store) AdvanceWatermark(ctx context.Context, name string, to alerts.Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_watermarks (name, watermark, deal_id) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET watermark = excluded.watermark, deal_id = excluded.deal_id
		WHERE (watermark, deal_id) < (excluded.watermark, excluded.deal_id)`,
		name, millis(to.CreatedAt), to.DealID)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// ResetWatermark sets the watermark unconditionally.
func (s *Store) ResetWatermark(ctx context.Context, name string, to alerts.Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_watermarks (name, watermark, deal_id) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET watermark = excluded.watermark, deal_id = excluded.deal_id`,
		name, millis(to.CreatedAt), to.DealID)
	if err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Janitor
// --------------------------------------------------------------------------

func (s *Store) PurgeLedger(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM alert_ledger WHERE sent_at < ?", millis(before))
	if err != nil {
		return 0, fmt.Errorf("purge ledger: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) PurgeCounters(ctx context.Context, beforeDay string) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM alert_daily_counters WHERE day < ?", beforeDay)
	if err != nil {
		return 0, fmt.Errorf("purge counters: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) RequeueStaleDeferrals(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_deferrals SET status = 'pending', claimed_at = NULL
		WHERE status = 'claimed' AND claimed_at < ?`, millis(claimedBefore))
	if err != nil {
		return 0, fmt.Errorf("requeue deferrals: %w", err)
	}
	return res.RowsAffected()
}
