package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"notifications/internal/domain"
	kafka_infra "notifications/internal/infrastructure/kafka"
)

// StatusEvent is published for every delivery attempt and every terminal
// transition so downstream consumers can follow a notification without
// reading the ledger tables.
type StatusEvent struct {
	MessageID      string    `json:"message_id"`
	Channel        string    `json:"channel"`
	Status         string    `json:"status"`
	AttemptNumber  int       `json:"attempt_number,omitempty"`
	AttemptStatus  string    `json:"attempt_status,omitempty"`
	ErrorCode      string    `json:"error_code,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func newStatusEvent(m *domain.Message, attempt *domain.DeliveryAttempt, at time.Time) StatusEvent {
	ev := StatusEvent{
		MessageID:      m.ID.String(),
		Channel:        string(m.Channel),
		Status:         string(m.Status),
		ErrorMessage:   m.LastError,
		CorrelationID:  m.CorrelationID,
		IdempotencyKey: m.IdempotencyKey,
		OccurredAt:     at.UTC(),
	}
	if attempt != nil {
		ev.AttemptNumber = attempt.AttemptNumber
		ev.AttemptStatus = string(attempt.Status)
		ev.ErrorCode = attempt.ErrorCode
		ev.ErrorMessage = attempt.ErrorMessage
	}
	return ev
}

type StatusStream interface {
	Emit(ctx context.Context, ev StatusEvent) error
}

type NoopStatusStream struct{}

func (NoopStatusStream) Emit(context.Context, StatusEvent) error { return nil }

// KafkaStatusStream keys events by message id so one notification's events
// stay on one partition.
type KafkaStatusStream struct {
	producer kafka_infra.Producer
}

func NewKafkaStatusStream(producer kafka_infra.Producer) *KafkaStatusStream {
	return &KafkaStatusStream{producer: producer}
}

func (s *KafkaStatusStream) Emit(ctx context.Context, ev StatusEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}
	return s.producer.Produce(ctx, ev.MessageID, payload)
}
