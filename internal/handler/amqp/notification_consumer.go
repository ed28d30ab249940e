package amqp

import (
	"context"
	"errors"
	"fmt"

	"notifications/internal/delivery"
	"notifications/internal/infrastructure/rabbitmq"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type DeliveryService interface {
	Handle(ctx context.Context, body []byte) error
	HandleDeadLetter(ctx context.Context, body []byte) error
}

type NotificationConsumer struct {
	service DeliveryService
	logger  *zap.Logger
}

func NewNotificationConsumer(s DeliveryService, l *zap.Logger) *NotificationConsumer {
	return &NotificationConsumer{service: s, logger: l}
}

// HandleMessage consumes the primary queue. A retryable delivery failure is
// translated into rabbitmq.ErrRetry so the consumer parks the message in the
// next retry tier.
func (c *NotificationConsumer) HandleMessage(ctx context.Context, d amqp091.Delivery) error {
	err := c.service.Handle(ctx, d.Body)
	if err == nil {
		return nil
	}
	if errors.Is(err, delivery.ErrRetryable) {
		return fmt.Errorf("%w: %v", rabbitmq.ErrRetry, err)
	}
	c.logger.Error("Error processing notification delivery",
		zap.String("message_id", d.MessageId),
		zap.String("routing_key", d.RoutingKey),
		zap.Error(err))
	return err
}

// HandleDeadLetter consumes the dead-letter queue.
func (c *NotificationConsumer) HandleDeadLetter(ctx context.Context, d amqp091.Delivery) error {
	if err := c.service.HandleDeadLetter(ctx, d.Body); err != nil {
		c.logger.Error("Error recording dead-lettered notification",
			zap.String("message_id", d.MessageId),
			zap.Error(err))
		return err
	}
	return nil
}
