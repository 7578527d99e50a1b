package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/farelens/farelens-alerts/internal/alerts"
)

// botAPI is the part of tgbotapi.BotAPI the sender uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender delivers alerts as Telegram bot messages. The device
// token is the recipient's chat id.
type TelegramSender struct {
	bot    botAPI
	logger *slog.Logger
}

// NewTelegramSender authorizes the bot token against the Telegram API.
func NewTelegramSender(token string, logger *slog.Logger) (*TelegramSender, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token not configured")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	bot.Debug = false
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Telegram bot authorized", "username", bot.Self.UserName)
	return &TelegramSender{bot: bot, logger: logger}, nil
}

func (s *TelegramSender) Send(ctx context.Context, deviceToken string, p alerts.Payload) alerts.DeliveryResult {
	chatID, err := strconv.ParseInt(deviceToken, 10, 64)
	if err != nil {
		return invalidToken(fmt.Sprintf("chat id %q: %v", deviceToken, err))
	}
	if err := ctx.Err(); err != nil {
		return transient(err.Error())
	}

	msg := tgbotapi.NewMessage(chatID, messageText(p))
	msg.DisableWebPagePreview = true
	if _, err := s.bot.Send(msg); err != nil {
		return classifyTelegram(err)
	}
	return ok()
}

// messageText renders the payload as plain text.
func messageText(p alerts.Payload) string {
	var b strings.Builder
	b.WriteString(p.Title)
	b.WriteString("\n")
	b.WriteString(p.Body)
	if link := p.Data["booking_url"]; link != "" {
		b.WriteString("\n")
		b.WriteString(link)
	}
	return b.String()
}

// classifyTelegram maps Bot API errors: 403 (bot blocked) and 400 (chat
// not found) retire the chat id, 429 and transport errors are transient.
func classifyTelegram(err error) alerts.DeliveryResult {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return transient(err.Error())
	}
	switch apiErr.Code {
	case http.StatusForbidden, http.StatusBadRequest:
		return invalidToken(fmt.Sprintf("telegram %d: %s", apiErr.Code, apiErr.Message))
	case http.StatusTooManyRequests:
		return transient(fmt.Sprintf("telegram rate limited, retry after %ds", apiErr.RetryAfter))
	default:
		if apiErr.Code >= 500 {
			return transient(fmt.Sprintf("telegram %d: %s", apiErr.Code, apiErr.Message))
		}
		return permanent(fmt.Sprintf("telegram %d: %s", apiErr.Code, apiErr.Message))
	}
}
