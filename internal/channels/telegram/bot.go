// Package telegram delivers notifications through a Telegram bot
package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/gmsas95/dosekeeper/internal/notify"
)

// Config holds Telegram bot configuration
type Config struct {
	Token   string
	ChatIDs []int64 // chats that receive notifications
}

// sender is the part of tgbotapi.BotAPI the channel uses
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bot is a notify.Channel backed by the Telegram Bot API
type Bot struct {
	api     sender
	chatIDs []int64
	logger  *zap.Logger
}

// NewBot authorizes against the Bot API
func NewBot(cfg Config, logger *zap.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, fmt.Errorf("at least one telegram chat id is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	api.Debug = false

	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Telegram bot authorized", zap.String("username", api.Self.UserName))
	return newBot(api, cfg.ChatIDs, logger), nil
}

func newBot(api sender, chatIDs []int64, logger *zap.Logger) *Bot {
	return &Bot{api: api, chatIDs: chatIDs, logger: logger}
}

func (b *Bot) Name() string { return "telegram" }

// Send posts the message to every configured chat
func (b *Bot) Send(ctx context.Context, msg notify.Message) error {
	text := formatMessage(msg)
	for _, chatID := range b.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		m := tgbotapi.NewMessage(chatID, text)
		m.ParseMode = tgbotapi.ModeMarkdown
		if _, err := b.api.Send(m); err != nil {
			return fmt.Errorf("send to chat %d: %w", chatID, err)
		}
	}
	return nil
}

func formatMessage(msg notify.Message) string {
	icon := "💊"
	switch msg.Kind {
	case notify.KindDepleted:
		icon = "🚫"
	case notify.KindLowStock:
		icon = "⚠️"
	}
	if msg.Title == "" {
		return icon + " " + msg.Body
	}
	return fmt.Sprintf("%s *%s*\n%s", icon, tgbotapi.EscapeText(tgbotapi.ModeMarkdown, msg.Title), tgbotapi.EscapeText(tgbotapi.ModeMarkdown, msg.Body))
}
