// Package db provides a pgxpool-based connection pool with prepared statement
// registration, schema migration and health checking.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/farelens/farelens-alerts/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New creates and validates a new connection pool.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// Register prepared statements on every new connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, dbURL string) error {
	// A plain connection: prepared statements reference tables the schema
	// may not have created yet.
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// profileColumns is shared by the profile lookups. Preferred airports come
// back as a JSON array.
const profileColumns = `u.id, u.subscription_tier, u.alert_enabled, u.quiet_hours_enabled,
	u.quiet_hours_start, u.quiet_hours_end, u.timezone, u.utc_offset_minutes,
	u.watchlist_only_mode,
	COALESCE((SELECT json_agg(json_build_object('iata', a.iata, 'weight', a.weight) ORDER BY a.weight DESC, a.iata)
	          FROM user_preferred_airports a WHERE a.user_id = u.id), '[]'::json)`

// registerPreparedStatements registers the read paths of the scan cycle and
// the API. Prepared statements eliminate parse overhead on every request.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	stmts := map[string]string{
		// Health
		"health_check": "SELECT 1",

		// Deals
		"deals_since": `SELECT id, origin, destination, departure_date, return_date, total_price::float8,
			currency, deal_score, COALESCE(discount_percent, 0), COALESCE(airline, ''), COALESCE(deep_link, ''),
			created_at, expires_at
			FROM flight_deals
			WHERE (created_at, id) > ($1, COALESCE($2::uuid, '00000000-0000-0000-0000-000000000000'))
			ORDER BY created_at, id LIMIT $3`,

		// Watchlists
		"watchlists_matching": `SELECT id, user_id, COALESCE(name, ''), origin, destination,
			date_range_start, date_range_end, max_price::float8, is_active
			FROM watchlists WHERE is_active AND origin = $1 AND destination IN ($2, 'ANY')`,

		// Profiles
		"profile_by_id": "SELECT " + profileColumns + " FROM users u WHERE u.id = $1",
		"profile_set_preferences": `UPDATE users SET alert_enabled = $2, quiet_hours_enabled = $3,
			quiet_hours_start = $4, quiet_hours_end = $5, timezone = $6, watchlist_only_mode = $7
			WHERE id = $1`,
		"profiles_by_airport": "SELECT " + profileColumns + ` FROM users u
			WHERE u.alert_enabled AND NOT u.watchlist_only_mode
			  AND EXISTS (SELECT 1 FROM user_preferred_airports p WHERE p.user_id = u.id AND p.iata = $1)
			ORDER BY u.id`,

		// Devices
		"get_user_device_tokens": "SELECT token FROM user_devices WHERE user_id = $1 AND is_active = true ORDER BY id",
		"device_retire": `UPDATE user_devices SET is_active = false, updated_at = NOW()
			WHERE user_id = $1 AND device_id = $2::uuid AND token <> $3`,
		"device_register": `INSERT INTO user_devices (user_id, device_id, token, platform) VALUES ($1, $2::uuid, $3, $4)
			ON CONFLICT (user_id, token) DO UPDATE SET
				device_id = EXCLUDED.device_id, platform = EXCLUDED.platform, is_active = true, updated_at = NOW()`,

		// Ledger
		"ledger_last_sent": "SELECT max(sent_at) FROM alert_ledger WHERE user_id = $1 AND family_key = $2",
		"ledger_history": `SELECT id, user_id, family_key, deal_id, final_score, slot, sent_at, was_clicked
			FROM alert_ledger WHERE user_id = $1 ORDER BY sent_at DESC, id LIMIT $2 OFFSET $3`,
		"ledger_count": "SELECT count(*) FROM alert_ledger WHERE user_id = $1",

		// Quota
		"quota_usage": "SELECT regular_count, override_count FROM alert_daily_counters WHERE user_id = $1 AND day = $2",

		// Watermarks
		"watermark_get": "SELECT watermark, deal_id::text FROM scan_watermarks WHERE name = $1",
	}

	for name, sql := range stmts {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}
