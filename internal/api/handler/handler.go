// Package handler provides HTTP handlers for all API endpoints.
// Handlers call the alert stores and scheduler directly; there is no
// service layer.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/farelens/farelens-alerts/internal/alerts"
	"github.com/farelens/farelens-alerts/internal/api/respond"
	"github.com/farelens/farelens-alerts/internal/config"
)

// Pinger reports backing-store connectivity.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	sched    *alerts.Scheduler
	profiles alerts.ProfileStore
	devices  alerts.DeviceStore
	ledger   alerts.LedgerStore
	db       Pinger
	cfg      *config.Config
}

// New creates a Handler with shared dependencies. db may be nil when the
// store has no connectivity to check.
func New(sched *alerts.Scheduler, stores alerts.Stores, db Pinger, cfg *config.Config) *Handler {
	return &Handler{
		sched:    sched,
		profiles: stores.Profiles,
		devices:  stores.Devices,
		ledger:   stores.Ledger,
		db:       db,
		cfg:      cfg,
	}
}

// Root serves API info at /.
// @Summary API root info
// @Description Returns API name, version, status and the active store driver.
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"name":          "FareLens Alerts API",
		"version":       "1.0.0",
		"status":        "running",
		"docs":          "/docs",
		"store_driver":  h.cfg.StoreDriver,
		"push_provider": h.cfg.PushProvider,
	})
}

// HealthCheck returns basic health status.
// @Summary Health check
// @Description Returns basic health status and timestamp.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckDB verifies database connectivity.
// @Summary Database health check
// @Description Verifies connectivity to the configured store.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/db [get]
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.HealthCheck(r.Context()); err != nil {
			respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]any{
				"status":    "unhealthy",
				"database":  "disconnected",
				"error":     "Database connection check failed",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"database":  "connected",
		"driver":    h.cfg.StoreDriver,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
