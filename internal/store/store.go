// Package store opens the alert backend selected by STORE_DRIVER.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/farelens/farelens-alerts/internal/alerts"
	"github.com/farelens/farelens-alerts/internal/config"
	"github.com/farelens/farelens-alerts/internal/db"
	"github.com/farelens/farelens-alerts/internal/store/memory"
	"github.com/farelens/farelens-alerts/internal/store/postgres"
	"github.com/farelens/farelens-alerts/internal/store/sqlite"
)

// Backend is an alert store that also supports operator watermark resets.
type Backend interface {
	alerts.Backend
	ResetWatermark(ctx context.Context, name string, to alerts.Cursor) error
}

// HealthChecker reports whether the underlying database is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handle is an opened backend plus what the caller needs to supervise it.
type Handle struct {
	Driver  string
	Backend Backend
	Health  HealthChecker // nil for the in-memory driver
	Pool    *db.Pool      // postgres only; LISTEN/NOTIFY needs it
	closeFn func()
}

// Close releases the backend's connections.
func (h *Handle) Close() {
	if h.closeFn != nil {
		h.closeFn()
	}
}

// Open connects to the configured backend. The memory driver is seeded
// with demo fixtures so a fresh process has something to deliver.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Handle, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		logger.Info("Connecting to database...")
		pool, err := db.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		logger.Info("Database connected",
			"min_conns", cfg.DBPoolMinConns,
			"max_conns", cfg.DBPoolMaxConns)
		return &Handle{
			Driver:  cfg.StoreDriver,
			Backend: postgres.New(pool),
			Health:  pool,
			Pool:    pool,
			closeFn: pool.Close,
		}, nil

	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("SQLite store opened", "path", cfg.SQLitePath)
		return &Handle{
			Driver:  cfg.StoreDriver,
			Backend: s,
			Health:  s,
			closeFn: func() { _ = s.Close() },
		}, nil

	case config.DriverMemory:
		s := memory.New()
		s.Seed(time.Now())
		logger.Warn("Using in-memory store; state is lost on restart")
		return &Handle{Driver: cfg.StoreDriver, Backend: s}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
