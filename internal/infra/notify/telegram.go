package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
	APIURL string `yaml:"api_url"`
}

// TelegramSink sends summaries to one chat through a bot.
type TelegramSink struct {
	bot  *tele.Bot
	chat *tele.Chat
}

// NewTelegramSink creates a send-only bot; it never polls for updates.
func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramSink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

func (t *TelegramSink) Notify(ctx context.Context, s Summary) error {
	if _, err := t.bot.Send(t.chat, s.Text()); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}
