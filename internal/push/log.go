package push

import (
	"context"
	"log/slog"

	"github.com/farelens/farelens-alerts/internal/alerts"
)

// LogSender logs every notification and reports success. Used in
// development and with the memory store.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, deviceToken string, p alerts.Payload) alerts.DeliveryResult {
	s.logger.Info("push (log provider)",
		"token", deviceToken, "title", p.Title, "body", p.Body, "deal_id", p.Data["deal_id"])
	return ok()
}
