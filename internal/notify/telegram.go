package notify

import (
	"context"
	"fmt"

	"crosspost/internal/config"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Sender is the slice of the Telegram client the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram pushes operator alerts to a single chat. A nil *Telegram is a
// valid no-op notifier, so callers never have to branch on alerting being
// configured.
type Telegram struct {
	sender Sender
	chatID int64
	logger zerolog.Logger
}

// NewTelegram returns nil when no bot token is configured.
func NewTelegram(cfg config.TelegramConfig, logger *zerolog.Logger) (*Telegram, error) {
	if cfg.BotToken == "" {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	return newTelegram(bot, cfg.ChatID, logger), nil
}

func newTelegram(sender Sender, chatID int64, logger *zerolog.Logger) *Telegram {
	return &Telegram{
		sender: sender,
		chatID: chatID,
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

func (t *Telegram) Alert(ctx context.Context, subject, detail string) {
	if t == nil || t.sender == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}

	msg := tgbotapi.NewMessage(t.chatID, fmt.Sprintf("⚠️ %s\n%s", subject, detail))
	if _, err := t.sender.Send(msg); err != nil {
		// Алерты не должны ронять обработку задач.
		t.logger.Error().Err(err).Str("subject", subject).Msg("failed to send alert")
	}
}
