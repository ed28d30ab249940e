package sender

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// LogSender writes notifications to the log instead of a provider. It is
// the default for environments without provider credentials.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, n *Notification) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(n.Recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrInvalidRecipient)
	}
	s.logger.Info("Notification sent",
		zap.String("message_id", n.MessageID.String()),
		zap.String("channel", string(n.Channel)),
		zap.Strings("recipients", n.Recipients),
		zap.String("subject", n.Subject),
		zap.Int("body_length", len(n.BodyText)+len(n.BodyHTML)),
		zap.String("correlation_id", n.CorrelationID),
	)
	return &Result{ProviderResponse: "logged"}, nil
}
