// Package config provides centralized configuration loaded from environment
// variables. Shared by cmd/api and cmd/alertctl.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/farelens/farelens-alerts/internal/policy"
)

// --------------------------------------------------------------------------
// Store drivers and push providers
// --------------------------------------------------------------------------

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"

	PushGateway  = "gateway"
	PushTelegram = "telegram"
	PushLog      = "log"
)

// --------------------------------------------------------------------------
// Config
// --------------------------------------------------------------------------

// Config is populated from environment variables.
type Config struct {
	// Storage
	StoreDriver    string
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration
	SQLitePath     string

	// API server
	APIHost     string
	APIPort     int
	Environment string // development, staging, production
	Debug       bool

	// CORS
	CORSAllowOrigins []string

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Auth
	JWTSecret string

	// Push transport
	PushProvider      string
	PushGatewayURL    string
	PushGatewayKey    string
	PushRatePerSecond float64
	TelegramBotToken  string

	// Scan cycle
	ScanInterval        time.Duration
	ScanDeadline        time.Duration
	ScanWorkers         int
	ScanFetchLimit      int
	PushTimeout         time.Duration
	PushRetries         int
	StoreTimeout        time.Duration
	MaxDeliveryAttempts int

	// Alert policy (tier limits, dedup window, boosts)
	PolicyFile string
	Policy     policy.Policy
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		StoreDriver:    strings.ToLower(envOr("STORE_DRIVER", DriverPostgres)),
		DatabaseURL:    envOr("DATABASE_URL", ""),
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 2),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,
		SQLitePath:     envOr("SQLITE_PATH", "farelens-alerts.db"),

		APIHost:     envOr("API_HOST", "0.0.0.0"),
		APIPort:     envInt("API_PORT", envInt("PORT", 8000)),
		Environment: envOr("ENVIRONMENT", "development"),
		Debug:       envBool("DEBUG", false),

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   time.Duration(envInt("RATE_LIMIT_WINDOW", 60)) * time.Second,

		JWTSecret: envOr("SUPABASE_JWT_SECRET", ""),

		PushProvider:      strings.ToLower(envOr("PUSH_PROVIDER", PushLog)),
		PushGatewayURL:    envOr("PUSH_GATEWAY_URL", ""),
		PushGatewayKey:    envOr("PUSH_GATEWAY_KEY", ""),
		PushRatePerSecond: envFloat("PUSH_RATE_PER_SECOND", 50),
		TelegramBotToken:  envOr("TELEGRAM_BOT_TOKEN", ""),

		ScanInterval:        time.Duration(envInt("SCAN_INTERVAL_SECONDS", 300)) * time.Second,
		ScanDeadline:        time.Duration(envInt("SCAN_DEADLINE_SECONDS", 240)) * time.Second,
		ScanWorkers:         envInt("SCAN_WORKERS", 4),
		ScanFetchLimit:      envInt("SCAN_FETCH_LIMIT", 500),
		PushTimeout:         time.Duration(envInt("PUSH_TIMEOUT_SECONDS", 10)) * time.Second,
		PushRetries:         envInt("PUSH_RETRIES", 2),
		StoreTimeout:        time.Duration(envInt("STORE_TIMEOUT_SECONDS", 5)) * time.Second,
		MaxDeliveryAttempts: envInt("MAX_DELIVERY_ATTEMPTS", 3),

		PolicyFile: envOr("POLICY_FILE", ""),
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL must be set when STORE_DRIVER=postgres")
		}
	case DriverSQLite, DriverMemory:
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q (want postgres, sqlite or memory)", cfg.StoreDriver)
	}

	switch cfg.PushProvider {
	case PushGateway:
		if cfg.PushGatewayURL == "" {
			return nil, fmt.Errorf("PUSH_GATEWAY_URL must be set when PUSH_PROVIDER=gateway")
		}
	case PushTelegram:
		if cfg.TelegramBotToken == "" {
			return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN must be set when PUSH_PROVIDER=telegram")
		}
	case PushLog:
	default:
		return nil, fmt.Errorf("unknown PUSH_PROVIDER %q (want gateway, telegram or log)", cfg.PushProvider)
	}

	if cfg.ScanInterval <= 0 {
		return nil, fmt.Errorf("SCAN_INTERVAL_SECONDS must be positive")
	}

	pol, err := loadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.Policy = pol

	return cfg, nil
}

// loadPolicy reads the optional policy file, then applies env overrides.
func loadPolicy(path string) (policy.Policy, error) {
	p := policy.Default()
	if path != "" {
		var err error
		if p, err = policy.Load(path); err != nil {
			return policy.Policy{}, err
		}
	}

	p.DedupWindowHours = envInt("ALERT_DEDUP_WINDOW_HOURS", p.DedupWindowHours)
	p.ExceptionalThreshold = envFloat("EXCEPTIONAL_SCORE_THRESHOLD", p.ExceptionalThreshold)
	p.OverridesPerDay = envInt("EXCEPTIONAL_OVERRIDES_PER_DAY", p.OverridesPerDay)
	p.WatchlistBoost = envFloat("WATCHLIST_BOOST", p.WatchlistBoost)
	p.FamilyBucketDays = envInt("DEAL_FAMILY_BUCKET_DAYS", p.FamilyBucketDays)

	tiers := make(map[policy.Tier]policy.Limits, len(p.Tiers))
	for t, l := range p.Tiers {
		tiers[t] = l
	}
	free := p.For(policy.Free)
	free.DailyCap = envInt("FREE_DAILY_CAP", free.DailyCap)
	tiers[policy.Free] = free
	pro := p.For(policy.Pro)
	pro.DailyCap = envInt("PRO_DAILY_CAP", pro.DailyCap)
	tiers[policy.Pro] = pro
	p.Tiers = tiers

	if err := p.Validate(); err != nil {
		return policy.Policy{}, fmt.Errorf("alert policy: %w", err)
	}
	return p, nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
