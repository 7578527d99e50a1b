package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/farelens/farelens-alerts/internal/alerts"
)

// GatewaySender posts notifications to an FCM-style HTTP push gateway.
// Outbound requests share a token bucket limiter.
type GatewaySender struct {
	httpClient *http.Client
	url        string
	apiKey     string
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewGatewaySender creates a gateway sender. ratePerSecond <= 0 disables
// limiting.
func NewGatewaySender(url, apiKey string, ratePerSecond float64, timeout time.Duration, logger *slog.Logger) *GatewaySender {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	burst := 1
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
		burst = max(1, int(ratePerSecond))
	}
	return &GatewaySender{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		apiKey:     apiKey,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

// gatewayMessage is the request body accepted by the gateway.
type gatewayMessage struct {
	Token        string            `json:"token"`
	Notification gatewayNote       `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type gatewayNote struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Send delivers p to one device token.
//
// Status mapping: 2xx success; 404/410 unregistered token; other 4xx
// permanent; 429, 5xx and network errors transient.
func (s *GatewaySender) Send(ctx context.Context, deviceToken string, p alerts.Payload) alerts.DeliveryResult {
	if err := s.limiter.Wait(ctx); err != nil {
		return transient(fmt.Sprintf("rate limit wait: %v", err))
	}

	body, err := json.Marshal(gatewayMessage{
		Token:        deviceToken,
		Notification: gatewayNote{Title: p.Title, Body: p.Body},
		Data:         p.Data,
	})
	if err != nil {
		return permanent(fmt.Sprintf("encode message: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Sprintf("create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return transient(fmt.Sprintf("http request: %v", err))
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return ok()
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		s.logger.Debug("push token unregistered", "status", resp.StatusCode)
		return invalidToken(fmt.Sprintf("gateway returned %d: %s", resp.StatusCode, truncate(respBody, 200)))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return transient(fmt.Sprintf("gateway returned %d", resp.StatusCode))
	default:
		return permanent(fmt.Sprintf("gateway returned %d: %s", resp.StatusCode, truncate(respBody, 200)))
	}
}

// truncate returns a truncated string representation for error messages.
func truncate(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}
