// Package notify delivers reminders and stock alerts to the configured
// channels.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Kind classifies a message
type Kind string

const (
	KindDose     Kind = "dose"
	KindDepleted Kind = "depleted"
	KindLowStock Kind = "low_stock"
)

// Message is what a channel delivers
type Message struct {
	Kind         Kind   `json:"kind"`
	MedicationID string `json:"medication_id"`
	Title        string `json:"title"`
	Body         string `json:"body"`
}

// Text renders the message as one plain text block
func (m Message) Text() string {
	if m.Title == "" {
		return m.Body
	}
	return m.Title + "\n" + m.Body
}

// Channel is one delivery target
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// LogChannel writes messages to the log. It is always available.
type LogChannel struct {
	logger *zap.Logger
}

func NewLogChannel(logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(ctx context.Context, msg Message) error {
	c.logger.Info("Notification",
		zap.String("kind", string(msg.Kind)),
		zap.String("medication_id", msg.MedicationID),
		zap.String("title", msg.Title),
		zap.String("body", msg.Body),
	)
	return nil
}
