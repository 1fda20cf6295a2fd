package dispatcher

import (
	"context"

	"go.uber.org/zap"
)

// Email is one outbound message, fully resolved from a fired event.
type Email struct {
	To      string
	ToName  string
	Subject string
	Body    string
}

// EmailSender delivers an email. Deployments plug in their provider;
// LogSender only records the delivery.
type EmailSender interface {
	Send(ctx context.Context, email Email) error
}

type LogSender struct{}

func NewLogSender() *LogSender { return &LogSender{} }

func (LogSender) Send(_ context.Context, email Email) error {
	zap.L().Info("email delivered",
		zap.String("to", email.To),
		zap.String("subject", email.Subject),
	)
	return nil
}
