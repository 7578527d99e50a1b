// Command api is the FareLens alert queue server.
//
// Usage:
//
//	farelens-alerts
//	STORE_DRIVER=sqlite SQLITE_PATH=alerts.db farelens-alerts

// @title FareLens Alerts API
// @version 1.0.0
// @description Smart alert queue for flight-deal push notifications: scan trigger, quota, history, click tracking and preferred airports.
// @host localhost:8000
// @BasePath /
// @schemes http https
// @contact.name FareLens
// @license.name MIT
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/farelens/farelens-alerts/internal/alerts"
	"github.com/farelens/farelens-alerts/internal/api"
	"github.com/farelens/farelens-alerts/internal/config"
	"github.com/farelens/farelens-alerts/internal/listener"
	"github.com/farelens/farelens-alerts/internal/maintenance"
	"github.com/farelens/farelens-alerts/internal/push"
	"github.com/farelens/farelens-alerts/internal/store"
)

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Open the alert store
	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Push transport
	transport, err := push.New(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize push transport", "provider", cfg.PushProvider, "error", err)
		os.Exit(1)
	}
	logger.Info("Push transport initialized", "provider", cfg.PushProvider)

	stores := alerts.StoresFrom(st.Backend)
	sched := alerts.NewScheduler(stores, transport, cfg.Policy, alerts.Options{
		Workers:      cfg.ScanWorkers,
		FetchLimit:   cfg.ScanFetchLimit,
		Deadline:     cfg.ScanDeadline,
		PushTimeout:  cfg.PushTimeout,
		PushRetries:  cfg.PushRetries,
		StoreTimeout: cfg.StoreTimeout,
		MaxAttempts:  cfg.MaxDeliveryAttempts,
	}, logger)

	// Scan worker: interval ticks plus coalesced triggers
	trigger := alerts.NewTrigger()
	go alerts.StartWorker(ctx, sched, cfg.ScanInterval, trigger.C(), logger)

	// LISTEN/NOTIFY consumer for newly discovered deals
	if st.Pool != nil {
		go listener.Start(ctx, cfg.DatabaseURL, trigger, logger)
	} else {
		logger.Info("Deal listener disabled", "driver", st.Driver)
	}

	// Maintenance tickers (retention, stale claim recovery)
	go maintenance.Start(ctx, st.Backend, maintenance.DefaultConfig(), logger)

	// Create router
	router := api.NewRouter(sched, stores, st.Health, cfg)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.ScanDeadline + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info("Starting FareLens Alerts API",
			"addr", addr,
			"environment", cfg.Environment,
			"store", st.Driver,
			"docs", fmt.Sprintf("http://localhost:%d/docs/", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-ctx.Done()
	logger.Info("Shutting down...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	logger.Info("Server stopped")
}
