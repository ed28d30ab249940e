package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent is write-once apart from the relay bookkeeping columns. A row
// with ProcessedAt or FailedAt set is never polled again; a pending row is
// polled once NextAttemptAt has passed.
type OutboxEvent struct {
	ID              uuid.UUID
	AggregateType   string
	AggregateID     string
	EventType       string
	Payload         json.RawMessage
	IdempotencyKey  string
	Generation      int
	ParentID        *uuid.UUID
	PublishAttempts int
	LastError       string
	CreatedAt       time.Time
	NextAttemptAt   time.Time
	ProcessedAt     *time.Time
	FailedAt        *time.Time
}

func (e *OutboxEvent) IsPending() bool {
	return e.ProcessedAt == nil && e.FailedAt == nil
}

// NextGeneration copies the payload into a fresh row one generation deeper,
// due at notBefore.
func (e *OutboxEvent) NextGeneration(id uuid.UUID, now, notBefore time.Time) *OutboxEvent {
	parent := e.ID
	return &OutboxEvent{
		ID:             id,
		AggregateType:  e.AggregateType,
		AggregateID:    e.AggregateID,
		EventType:      e.EventType,
		Payload:        e.Payload,
		IdempotencyKey: e.IdempotencyKey,
		Generation:     e.Generation + 1,
		ParentID:       &parent,
		CreatedAt:      now,
		NextAttemptAt:  notBefore,
	}
}
