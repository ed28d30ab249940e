package rabbitmq

import (
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultExchangePrefix = "notifications"
	exchangeType          = "topic"

	// maxPriority bounds the x-max-priority argument of primary queues.
	maxPriority = 10

	// RetryTierHeader carries the tier a message was last parked in.
	RetryTierHeader = "x-retry-tier"
)

var ErrChannelRequired = errors.New("amqp channel is required")

// AMQPChannel defines the AMQP channel operations required for topology setup.
type AMQPChannel interface {
	ExchangeDeclare(
		name, kind string,
		durable, autoDelete, internal, noWait bool,
		args amqp.Table,
	) error
	QueueDeclare(
		name string,
		durable, autoDelete, exclusive, noWait bool,
		args amqp.Table,
	) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// TopologyConfig names the exchanges shared by every notification channel
// and the delay ladder each channel gets.
type TopologyConfig struct {
	PrimaryExchange string
	RetryExchange   string
	DLXExchange     string
	Channels        []string
	TierDelays      []time.Duration
}

func NewTopologyConfig(prefix string, channels []string, tierDelays []time.Duration) TopologyConfig {
	if prefix == "" {
		prefix = defaultExchangePrefix
	}
	return TopologyConfig{
		PrimaryExchange: prefix + ".exchange",
		RetryExchange:   prefix + ".retry",
		DLXExchange:     prefix + ".dlx",
		Channels:        channels,
		TierDelays:      tierDelays,
	}
}

func (cfg TopologyConfig) Tiers() int {
	return len(cfg.TierDelays)
}

func PrimaryQueue(channel string) string { return channel + ".send.q" }

func RequestedKey(channel string) string { return channel + ".requested" }

func RetryQueue(channel string, tier int) string { return fmt.Sprintf("%s.retry.%d.q", channel, tier) }

func RetryKey(channel string, tier int) string { return fmt.Sprintf("%s.retry.%d", channel, tier) }

func DLQName(channel string) string { return channel + ".dlq" }

func DLQKey(channel string) string { return channel + ".dlq" }

// DeclareTopology declares exchanges, queues and bindings for every channel.
// All declarations are durable and idempotent, so it is safe to run at every
// boot.
func DeclareTopology(ch AMQPChannel, cfg TopologyConfig) error {
	if ch == nil {
		return fmt.Errorf("declare topology: %w", ErrChannelRequired)
	}
	if len(cfg.TierDelays) == 0 {
		return errors.New("declare topology: at least one retry tier is required")
	}

	for _, exchange := range []string{cfg.PrimaryExchange, cfg.RetryExchange, cfg.DLXExchange} {
		if err := ch.ExchangeDeclare(exchange, exchangeType, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}

	for _, channel := range cfg.Channels {
		if err := declareChannel(ch, cfg, channel); err != nil {
			return err
		}
	}
	return nil
}

func declareChannel(ch AMQPChannel, cfg TopologyConfig, channel string) error {
	primary := PrimaryQueue(channel)
	if _, err := ch.QueueDeclare(primary, true, false, false, false, amqp.Table{
		"x-max-priority": int32(maxPriority),
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", primary, err)
	}
	if err := ch.QueueBind(primary, RequestedKey(channel), cfg.PrimaryExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", primary, err)
	}

	tiers := cfg.Tiers()
	for tier := 1; tier <= tiers; tier++ {
		queue := RetryQueue(channel, tier)
		if _, err := ch.QueueDeclare(queue, true, false, false, false, cfg.retryQueueArgs(channel, tier)); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, RetryKey(channel, tier), cfg.RetryExchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", queue, err)
		}
	}

	dlq := DLQName(channel)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, DLQKey(channel), cfg.DLXExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", dlq, err)
	}
	return nil
}

// retryQueueArgs parks messages for the tier's delay. Every tier but the
// last dead-letters back into the primary exchange; the last one
// dead-letters into the DLX.
func (cfg TopologyConfig) retryQueueArgs(channel string, tier int) amqp.Table {
	ttlMillis := cfg.TierDelays[tier-1].Milliseconds()
	if ttlMillis <= 0 {
		ttlMillis = 1
	}

	args := amqp.Table{"x-message-ttl": ttlMillis}
	if tier < cfg.Tiers() {
		args["x-dead-letter-exchange"] = cfg.PrimaryExchange
		args["x-dead-letter-routing-key"] = RequestedKey(channel)
	} else {
		args["x-dead-letter-exchange"] = cfg.DLXExchange
		args["x-dead-letter-routing-key"] = DLQKey(channel)
	}
	return args
}
