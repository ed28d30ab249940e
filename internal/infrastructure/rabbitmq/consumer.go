package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var (
	// ErrRetry tells the consumer to park the delivery in the next retry tier.
	ErrRetry = errors.New("retry in next tier")

	ErrDeliveriesClosed = errors.New("amqp deliveries channel closed")
)

// Handler processes one delivery. Returning nil acks it; an error wrapping
// ErrRetry moves it to the next tier; any other error requeues it.
type Handler func(ctx context.Context, d amqp.Delivery) error

// ConsumeChannel defines the AMQP channel operations a Consumer needs.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

type ConsumerConfig struct {
	Channel     string
	Queue       string
	Tag         string
	Prefetch    int
	Concurrency int
}

// Consumer runs a bounded pool of workers over one queue and drives tier
// escalation by republishing failed deliveries with confirms.
type Consumer struct {
	ch        ConsumeChannel
	publisher MessagePublisher
	topology  TopologyConfig
	cfg       ConsumerConfig
	handler   Handler
	logger    *zap.Logger
}

func NewConsumer(
	ch ConsumeChannel,
	publisher MessagePublisher,
	topology TopologyConfig,
	cfg ConsumerConfig,
	handler Handler,
	logger *zap.Logger,
) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Prefetch < cfg.Concurrency {
		cfg.Prefetch = cfg.Concurrency
	}
	if cfg.Tag == "" {
		cfg.Tag = cfg.Queue + "-consumer"
	}
	return &Consumer{
		ch:        ch,
		publisher: publisher,
		topology:  topology,
		cfg:       cfg,
		handler:   handler,
		logger:    logger.With(zap.String("queue", cfg.Queue), zap.String("channel", cfg.Channel)),
	}
}

// Run consumes until ctx is cancelled or the broker closes the deliveries
// channel. In-flight deliveries finish before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos on %s: %w", c.cfg.Queue, err)
	}
	deliveries, err := c.ch.Consume(c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range deliveries {
				c.handle(ctx, d)
			}
		}()
	}

	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()

	c.logger.Info("Consumer started", zap.Int("concurrency", c.cfg.Concurrency), zap.Int("prefetch", c.cfg.Prefetch))

	select {
	case <-ctx.Done():
		if err := c.ch.Cancel(c.cfg.Tag, false); err != nil {
			c.logger.Warn("Failed to cancel consumer", zap.Error(err))
		}
		<-stopped
		c.logger.Info("Consumer stopped")
		return nil
	case <-stopped:
		if ctx.Err() != nil {
			return nil
		}
		return ErrDeliveriesClosed
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	logger := c.logger.With(zap.String("message_id", d.MessageId), zap.Int("tier", RetryTier(d.Headers)))

	err := c.invoke(ctx, d)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Error("Failed to ack delivery", zap.Error(ackErr))
		}
	case errors.Is(err, ErrRetry):
		logger.Warn("Delivery failed, escalating to next retry tier", zap.Error(err))
		c.escalate(ctx, d, logger)
	default:
		logger.Error("Delivery handler failed, requeueing", zap.Error(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			logger.Error("Failed to nack delivery", zap.Error(nackErr))
		}
	}
}

// invoke runs the handler and converts a panic into an error. A panic on a
// delivery that was already redelivered is escalated instead of requeued so
// a poison message cannot spin on the primary queue.
func (c *Consumer) invoke(ctx context.Context, d amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if d.Redelivered {
				err = fmt.Errorf("%w: handler panic: %v", ErrRetry, r)
				return
			}
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, d)
}

// escalate republishes d into the next tier, or into the DLQ when the
// ladder is exhausted, and acks the original only once the broker has
// confirmed the copy.
func (c *Consumer) escalate(ctx context.Context, d amqp.Delivery, logger *zap.Logger) {
	next := RetryTier(d.Headers) + 1

	exchange, routingKey := c.topology.RetryExchange, RetryKey(c.cfg.Channel, next)
	if next > c.topology.Tiers() {
		exchange, routingKey = c.topology.DLXExchange, DLQKey(c.cfg.Channel)
	}

	if err := c.publisher.Publish(ctx, exchange, routingKey, retryPublishing(d, next)); err != nil {
		logger.Error("Failed to republish delivery for retry, requeueing",
			zap.String("exchange", exchange),
			zap.String("routing_key", routingKey),
			zap.Error(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			logger.Error("Failed to nack delivery", zap.Error(nackErr))
		}
		return
	}

	logger.Info("Delivery parked for retry",
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
		zap.Int("next_tier", next))
	if err := d.Ack(false); err != nil {
		logger.Error("Failed to ack delivery after republish", zap.Error(err))
	}
}

func retryPublishing(d amqp.Delivery, tier int) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		if k == "x-death" || k == "x-first-death-exchange" || k == "x-first-death-queue" || k == "x-first-death-reason" {
			continue
		}
		headers[k] = v
	}
	headers[RetryTierHeader] = int32(tier)

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		Priority:      d.Priority,
		CorrelationId: d.CorrelationId,
		MessageId:     d.MessageId,
		Timestamp:     d.Timestamp,
		Type:          d.Type,
		Body:          d.Body,
	}
}

// RetryTier reads the tier header; deliveries that never failed are tier 0.
func RetryTier(headers amqp.Table) int {
	switch v := headers[RetryTierHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	default:
		return 0
	}
}
