// Package listener provides a Postgres LISTEN/NOTIFY consumer that wakes the
// scan worker as soon as new deals land. It holds a dedicated pgx
// connection (not from the pool) listening on the `deals_discovered`
// channel, which the flight_deals insert trigger notifies.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	channel          = "deals_discovered"
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
)

// Firer requests a scan. alerts.Trigger implements it; repeated fires
// while a scan is pending coalesce.
type Firer interface {
	Fire()
}

// Start opens a dedicated connection and listens on the deals_discovered
// channel. It reconnects automatically on connection loss. Blocks until ctx
// is cancelled. Intended to be called with `go`.
func Start(ctx context.Context, dbURL string, trigger Firer, logger *slog.Logger) {
	backoff := reconnectBackoff

	for {
		err := listenLoop(ctx, dbURL, trigger, logger)
		if ctx.Err() != nil {
			logger.Info("Deal listener stopped (context cancelled)")
			return
		}

		logger.Error("Deal listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func listenLoop(ctx context.Context, dbURL string, trigger Firer, logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	_, err = conn.Exec(ctx, "LISTEN "+channel)
	if err != nil {
		return fmt.Errorf("LISTEN %s: %w", channel, err)
	}
	logger.Info("Deal listener connected", "channel", channel)

	// Deals inserted while we were disconnected are still behind the
	// watermark; one scan picks them up.
	trigger.Fire()

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		handle(notification.Payload, trigger, logger)
	}
}

// handle validates one notification payload and fires the trigger.
func handle(payload string, trigger Firer, logger *slog.Logger) bool {
	dealID, err := uuid.Parse(payload)
	if err != nil {
		logger.Warn("Ignoring malformed deal notification", "payload", payload, "error", err)
		return false
	}
	logger.Debug("Deal discovered", "deal_id", dealID.String())
	trigger.Fire()
	return true
}
