package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSink delivers alerts to a Telegram chat through a bot.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSink creates a Telegram sink. The token is validated against
// the Bot API, so this needs network access.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &TelegramSink{bot: bot, chatID: chatID}, nil
}

// Name returns the sink name.
func (s *TelegramSink) Name() string { return "telegram" }

// Send posts one alert to the configured chat.
func (s *TelegramSink) Send(ctx context.Context, message string, level Level, meta map[string]any) error {
	text := fmt.Sprintf("[%s] %s", level, message)
	if len(meta) > 0 {
		if encoded, err := json.Marshal(meta); err == nil {
			text += "\n" + string(encoded)
		}
	}

	msg := tgbotapi.NewMessage(s.chatID, text)
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
