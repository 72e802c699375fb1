package alerts

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

var severityMarkers = map[Severity]string{
	SeverityCritical: "🚨",
	SeverityWarning:  "⚠️",
	SeverityInfo:     "ℹ️",
}

// TelegramAlerter delivers alerts to one or more Telegram chats.
// Delivery to at least one chat counts as success.
type TelegramAlerter struct {
	bot   *tgbotapi.BotAPI
	chats []int64
}

func NewTelegramAlerter(botToken string, chatIDs []int64) (*TelegramAlerter, error) {
	if botToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("telegram bot auth: %w", err)
	}

	log.Info().
		Str("bot_username", bot.Self.UserName).
		Int("chat_count", len(chatIDs)).
		Msg("Telegram alerter ready")
	return &TelegramAlerter{bot: bot, chats: chatIDs}, nil
}

func (t *TelegramAlerter) Send(ctx context.Context, alert Alert) error {
	if len(t.chats) == 0 {
		log.Warn().Str("alert_title", alert.Title).Msg("No Telegram chats configured, alert dropped")
		return nil
	}

	text := renderTelegramAlert(alert)
	var delivered int
	var lastErr error
	for _, chatID := range t.chats {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := t.bot.Send(msg); err != nil {
			lastErr = err
			log.Error().Err(err).Int64("chat_id", chatID).Str("alert_title", alert.Title).Msg("Telegram send failed")
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("alert %q reached no chats: %w", alert.Title, lastErr)
	}
	return nil
}

func renderTelegramAlert(alert Alert) string {
	marker, ok := severityMarkers[alert.Severity]
	if !ok {
		marker = severityMarkers[SeverityInfo]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s*\n\n%s", marker, alert.Title, alert.Message)
	if len(alert.Metadata) > 0 {
		b.WriteString("\n")
		for key, value := range alert.Metadata {
			fmt.Fprintf(&b, "\n• %s: `%v`", key, value)
		}
	}
	fmt.Fprintf(&b, "\n\n_%s_", alert.Timestamp.Format("2006-01-02 15:04:05"))
	return b.String()
}
