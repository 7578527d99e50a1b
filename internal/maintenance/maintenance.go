// Package maintenance runs periodic background tasks as Go tickers.
// Retention and crash recovery for the alert queue are driven from Go
// since the API is already a persistent, long-running service.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/farelens/farelens-alerts/internal/alerts"
)

// Config controls maintenance task intervals. Zero duration disables a task.
type Config struct {
	CleanupInterval  time.Duration // Old ledger rows + daily counters
	RequeueInterval  time.Duration // Deferral claims abandoned by a crashed cycle
	LedgerRetention  time.Duration
	CounterRetention time.Duration
	ClaimTimeout     time.Duration
	Now              func() time.Time
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		CleanupInterval:  30 * time.Minute,
		RequeueInterval:  5 * time.Minute,
		LedgerRetention:  30 * 24 * time.Hour,
		CounterRetention: 7 * 24 * time.Hour,
		ClaimTimeout:     15 * time.Minute,
		Now:              time.Now,
	}
}

// Start launches all configured maintenance tickers. Blocks until ctx is
// cancelled. Intended to be called with `go`.
func Start(ctx context.Context, j alerts.Janitor, cfg Config, logger *slog.Logger) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger.Info("Maintenance tickers started",
		"cleanup", cfg.CleanupInterval,
		"requeue", cfg.RequeueInterval)

	tickers := make([]*time.Ticker, 0, 2)
	defer func() {
		for _, t := range tickers {
			t.Stop()
		}
	}()

	// Cleanup: ledger rows past every dedup window, counters for past days
	if cfg.CleanupInterval > 0 {
		t := time.NewTicker(cfg.CleanupInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, "cleanup", func() { Cleanup(ctx, j, cfg, logger) })
	}

	// Requeue: claimed deferrals whose cycle never completed or released them
	if cfg.RequeueInterval > 0 {
		t := time.NewTicker(cfg.RequeueInterval)
		tickers = append(tickers, t)
		go runLoop(ctx, t.C, "requeue", func() { RequeueStale(ctx, j, cfg, logger) })
	}

	<-ctx.Done()
	logger.Info("Maintenance tickers stopped")
}

func runLoop(ctx context.Context, ch <-chan time.Time, name string, fn func()) {
	for {
		select {
		case <-ch:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// --------------------------------------------------------------------------
// Task implementations
// --------------------------------------------------------------------------

// Cleanup purges ledger rows older than LedgerRetention and daily counters
// older than CounterRetention. Ledger retention must stay well above the
// dedup window or suppressed families would alert again.
func Cleanup(ctx context.Context, j alerts.Janitor, cfg Config, logger *slog.Logger) (ledger, counters int64) {
	now := cfg.Now()

	ledger, err := j.PurgeLedger(ctx, now.Add(-cfg.LedgerRetention))
	if err != nil {
		logger.Warn("Cleanup: failed to purge old ledger rows", "error", err)
	} else if ledger > 0 {
		logger.Info("Cleanup: purged old ledger rows", "count", ledger)
	}

	// Counters are keyed by local date; a UTC cutoff a full retention back
	// never touches any timezone's current day.
	beforeDay := now.UTC().Add(-cfg.CounterRetention).Format(time.DateOnly)
	counters, err = j.PurgeCounters(ctx, beforeDay)
	if err != nil {
		logger.Warn("Cleanup: failed to purge old counters", "error", err)
	} else if counters > 0 {
		logger.Info("Cleanup: purged old daily counters", "count", counters, "before", beforeDay)
	}
	return ledger, counters
}

// RequeueStale returns deferrals claimed longer than ClaimTimeout ago to
// the pending queue.
func RequeueStale(ctx context.Context, j alerts.Janitor, cfg Config, logger *slog.Logger) int64 {
	n, err := j.RequeueStaleDeferrals(ctx, cfg.Now().Add(-cfg.ClaimTimeout))
	if err != nil {
		logger.Warn("Requeue: failed to release stale deferral claims", "error", err)
		return 0
	}
	if n > 0 {
		logger.Info("Requeue: released stale deferral claims", "count", n)
	}
	return n
}
