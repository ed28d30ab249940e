package rabbitmq

import (
	"context"

	"notifications/internal/domain"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessagePublisher publishes a single message and waits for the broker's ack.
type MessagePublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// EventPublisher relays outbox rows onto the primary exchange.
type EventPublisher struct {
	publisher MessagePublisher
	exchange  string
}

func NewEventPublisher(publisher MessagePublisher, exchange string) *EventPublisher {
	return &EventPublisher{publisher: publisher, exchange: exchange}
}

func (p *EventPublisher) PublishEvent(ctx context.Context, ev *domain.OutboxEvent) error {
	return p.publisher.Publish(ctx, p.exchange, domain.RoutingKey(ev.AggregateType, ev.EventType), buildPublishing(ev))
}

func buildPublishing(ev *domain.OutboxEvent) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID.String(),
		Timestamp:    ev.CreatedAt,
		Type:         ev.EventType,
		Body:         ev.Payload,
		Headers: amqp.Table{
			"outbox_event_id": ev.ID.String(),
			"aggregate_type":  ev.AggregateType,
			"aggregate_id":    ev.AggregateID,
			"generation":      int32(ev.Generation),
		},
	}

	// Payloads that are not notification documents still relay; they just
	// go out without notification properties.
	if env, err := domain.PeekEnvelope(ev.Payload); err == nil {
		if env.MessageID != uuid.Nil {
			msg.MessageId = env.MessageID.String()
		}
		msg.CorrelationId = env.CorrelationID
		msg.Priority = env.Priority.AMQPPriority()
		if env.Schema != "" {
			msg.Headers["schema"] = env.Schema
		}
	}
	return msg
}
