package alerts

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Trigger coalesces scan requests. Firing while a request is already
// pending is a no-op.
type Trigger struct {
	ch chan struct{}
}

// NewTrigger returns a ready trigger.
func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{}, 1)}
}

// Fire requests a scan without blocking.
func (t *Trigger) Fire() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// C is the channel the worker waits on.
func (t *Trigger) C() <-chan struct{} { return t.ch }

// StartWorker runs scan cycles every interval and whenever trigger fires.
// Blocks until ctx is cancelled. Intended to be called with `go`.
func StartWorker(ctx context.Context, sched *Scheduler, interval time.Duration, trigger <-chan struct{}, logger *slog.Logger) {
	logger.Info("Alert scan worker started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runOnce(ctx, sched, logger, "interval")
		case <-trigger:
			runOnce(ctx, sched, logger, "trigger")
		case <-ctx.Done():
			logger.Info("Alert scan worker stopped")
			return
		}
	}
}

func runOnce(ctx context.Context, sched *Scheduler, logger *slog.Logger, reason string) {
	res, err := sched.RunCycle(ctx)
	switch {
	case errors.Is(err, ErrScanInProgress):
		logger.Debug("scan skipped, cycle already running", "reason", reason)
	case err != nil:
		logger.Error("scan cycle error", "reason", reason, "error", err)
	case res.Delivered+res.Deferred+res.Failed > 0:
		logger.Info("scan cycle", "reason", reason, "delivered", res.Delivered,
			"deferred", res.Deferred, "failed", res.Failed)
	}
}
