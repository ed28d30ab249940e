package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var (
	ErrPublishNacked   = errors.New("message was nacked by broker")
	ErrConfirmTimeout  = errors.New("timed out waiting for publish confirmation")
	ErrPublisherClosed = errors.New("publisher confirmation stream closed")
)

const defaultConfirmTimeout = 5 * time.Second

// ConfirmableChannel defines the AMQP channel operations with confirms.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
}

// Publisher wraps an AMQP channel in confirm mode. Publishes are serialized
// so each call waits for its own confirmation; confirmations left behind by
// a timed-out publish are skipped by delivery tag.
type Publisher struct {
	ch             ConfirmableChannel
	confirms       chan amqp.Confirmation
	confirmTimeout time.Duration
	logger         *zap.Logger

	mu      sync.Mutex
	nextTag uint64
}

func NewPublisher(ch ConfirmableChannel, confirmTimeout time.Duration, logger *zap.Logger) (*Publisher, error) {
	if ch == nil {
		return nil, fmt.Errorf("new publisher: %w", ErrChannelRequired)
	}
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	return &Publisher{
		ch:             ch,
		confirms:       confirms,
		confirmTimeout: confirmTimeout,
		logger:         logger,
	}, nil
}

// Publish sends msg and blocks until the broker acks or nacks it.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	p.nextTag++

	return p.waitForConfirm(ctx, p.nextTag)
}

func (p *Publisher) waitForConfirm(ctx context.Context, tag uint64) error {
	timeout := time.NewTimer(p.confirmTimeout)
	defer timeout.Stop()

	for {
		select {
		case confirmed, ok := <-p.confirms:
			if !ok {
				return ErrPublisherClosed
			}
			if confirmed.DeliveryTag < tag {
				p.logger.Debug("Skipping stale publish confirmation",
					zap.Uint64("delivery_tag", confirmed.DeliveryTag),
					zap.Uint64("expected_tag", tag))
				continue
			}
			if !confirmed.Ack {
				return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
			}
			return nil
		case <-timeout.C:
			return ErrConfirmTimeout
		case <-ctx.Done():
			return fmt.Errorf("context cancelled waiting for confirm: %w", ctx.Err())
		}
	}
}
