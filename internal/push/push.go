// Package push implements alerts.Transport for the supported providers.
//
// Every sender reports outcomes as alerts.DeliveryResult values. Permanent
// marks failures a retry cannot fix; TokenInvalid additionally tells the
// scheduler to deactivate the device token.
package push

import (
	"fmt"
	"log/slog"

	"github.com/farelens/farelens-alerts/internal/alerts"
	"github.com/farelens/farelens-alerts/internal/config"
)

// New builds the transport selected by cfg.PushProvider.
func New(cfg *config.Config, logger *slog.Logger) (alerts.Transport, error) {
	switch cfg.PushProvider {
	case config.PushGateway:
		return NewGatewaySender(cfg.PushGatewayURL, cfg.PushGatewayKey, cfg.PushRatePerSecond, cfg.PushTimeout, logger), nil
	case config.PushTelegram:
		s, err := NewTelegramSender(cfg.TelegramBotToken, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.PushLog:
		return NewLogSender(logger), nil
	default:
		return nil, fmt.Errorf("unknown push provider %q", cfg.PushProvider)
	}
}

func ok() alerts.DeliveryResult {
	return alerts.DeliveryResult{Success: true}
}

func transient(reason string) alerts.DeliveryResult {
	return alerts.DeliveryResult{Reason: reason}
}

func permanent(reason string) alerts.DeliveryResult {
	return alerts.DeliveryResult{Reason: reason, Permanent: true}
}

func invalidToken(reason string) alerts.DeliveryResult {
	return alerts.DeliveryResult{Reason: reason, Permanent: true, TokenInvalid: true}
}
