// Package discord delivers notifications to Discord channels
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/gmsas95/dosekeeper/internal/notify"
)

// Config holds Discord bot configuration
type Config struct {
	Token    string
	Channels []string // channel ids that receive notifications
}

type messageSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Bot is a notify.Channel backed by a Discord bot session. Sending goes
// through the REST API, so no gateway connection is opened.
type Bot struct {
	session  messageSender
	channels []string
	logger   *zap.Logger
}

// NewBot creates a new Discord bot
func NewBot(cfg Config, logger *zap.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("at least one discord channel is required")
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{session: session, channels: cfg.Channels, logger: logger}, nil
}

func (b *Bot) Name() string { return "discord" }

func (b *Bot) Send(ctx context.Context, msg notify.Message) error {
	content := msg.Body
	if msg.Title != "" {
		content = fmt.Sprintf("**%s**\n%s", msg.Title, msg.Body)
	}

	for _, channelID := range b.channels {
		if _, err := b.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send to channel %s: %w", channelID, err)
		}
	}
	return nil
}
