package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notifications/internal/domain"
	"notifications/internal/repository/outbox_repo"
	"notifications/internal/util"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var ErrInvalidPayload = errors.New("outbox payload must be a valid JSON document")

// Publisher records events in the caller's transaction. It never talks to
// the broker; the Processor relays committed rows.
type Publisher struct {
	repo         outbox_repo.OutboxRepository
	clock        clockwork.Clock
	newID        util.IDFunc
	dedupeWindow time.Duration
	smsMaxLength int
	logger       *zap.Logger
}

func NewPublisher(repo outbox_repo.OutboxRepository, clock clockwork.Clock, dedupeWindow time.Duration, smsMaxLength int, logger *zap.Logger) *Publisher {
	if smsMaxLength <= 0 {
		smsMaxLength = domain.DefaultSmsMaxLength
	}
	return &Publisher{
		repo:         repo,
		clock:        clock,
		newID:        util.GenerateUUID,
		dedupeWindow: dedupeWindow,
		smsMaxLength: smsMaxLength,
		logger:       logger,
	}
}

// Publish inserts an outbox row through q, which must be the transaction
// carrying the caller's business change. When idempotencyKey was already
// used within the dedupe window the call is a no-op and returns false.
// Any error must abort the caller's transaction.
func (p *Publisher) Publish(
	ctx context.Context,
	q domain.Querier,
	aggregateType, aggregateID, eventType string,
	payload json.RawMessage,
	idempotencyKey string,
) (uuid.UUID, bool, error) {
	if aggregateType == "" || eventType == "" {
		return uuid.Nil, false, errors.New("aggregate type and event type are required")
	}
	if !json.Valid(payload) {
		return uuid.Nil, false, ErrInvalidPayload
	}

	now := p.clock.Now().UTC()
	ev := &domain.OutboxEvent{
		ID:             p.newID(),
		AggregateType:  aggregateType,
		AggregateID:    aggregateID,
		EventType:      eventType,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		Generation:     1,
		CreatedAt:      now,
		NextAttemptAt:  now,
	}

	if idempotencyKey != "" {
		claimed, err := p.repo.ClaimIdempotencyKey(ctx, q, idempotencyKey, ev.ID, now, now.Add(p.dedupeWindow))
		if err != nil {
			return uuid.Nil, false, err
		}
		if !claimed {
			p.logger.Info("Skipping duplicate outbox event",
				zap.String("idempotency_key", idempotencyKey),
				zap.String("event_type", eventType),
				zap.String("aggregate_id", aggregateID))
			return uuid.Nil, false, nil
		}
	}

	if err := p.repo.Insert(ctx, q, ev); err != nil {
		return uuid.Nil, false, err
	}
	p.logger.Debug("Outbox event recorded",
		zap.String("event_id", ev.ID.String()),
		zap.String("event_type", eventType),
		zap.String("aggregate_type", aggregateType),
		zap.String("aggregate_id", aggregateID))
	return ev.ID, true, nil
}

type EmailRequest struct {
	AggregateType  string
	AggregateID    string
	To             []string
	Subject        string
	TemplateID     string
	BodyText       string
	BodyHTML       string
	Variables      map[string]any
	Priority       domain.Priority
	CorrelationID  string
	IdempotencyKey string
	ExpiresAt      *time.Time
}

type SmsRequest struct {
	AggregateType  string
	AggregateID    string
	To             string
	TemplateID     string
	Text           string
	Variables      map[string]any
	Priority       domain.Priority
	CorrelationID  string
	IdempotencyKey string
	ExpiresAt      *time.Time
}

// PublishEmailRequested validates req, assigns the message id and records a
// notifications.email.requested.v1 event. It returns the message id, or
// uuid.Nil when the idempotency key was a duplicate.
func (p *Publisher) PublishEmailRequested(ctx context.Context, q domain.Querier, req EmailRequest) (uuid.UUID, error) {
	ev := domain.EmailRequestedEvent{
		Schema:         domain.SchemaEmailRequestedV1,
		MessageID:      p.newID(),
		IdempotencyKey: req.IdempotencyKey,
		To:             req.To,
		Subject:        req.Subject,
		TemplateID:     req.TemplateID,
		BodyText:       req.BodyText,
		BodyHTML:       req.BodyHTML,
		Variables:      req.Variables,
		Priority:       normalizePriority(req.Priority),
		CorrelationID:  req.CorrelationID,
		CreatedAt:      p.clock.Now().UTC(),
		ExpiresAt:      req.ExpiresAt,
		AggregateType:  req.AggregateType,
		AggregateID:    req.AggregateID,
	}
	if err := ev.Validate(); err != nil {
		return uuid.Nil, err
	}
	return p.publishNotification(ctx, q, req.AggregateType, req.AggregateID, domain.EventTypeEmailRequested, ev.MessageID, ev, req.IdempotencyKey)
}

func (p *Publisher) PublishSmsRequested(ctx context.Context, q domain.Querier, req SmsRequest) (uuid.UUID, error) {
	ev := domain.SmsRequestedEvent{
		Schema:         domain.SchemaSmsRequestedV1,
		MessageID:      p.newID(),
		IdempotencyKey: req.IdempotencyKey,
		To:             req.To,
		TemplateID:     req.TemplateID,
		Text:           req.Text,
		Variables:      req.Variables,
		Priority:       normalizePriority(req.Priority),
		CorrelationID:  req.CorrelationID,
		CreatedAt:      p.clock.Now().UTC(),
		ExpiresAt:      req.ExpiresAt,
		AggregateType:  req.AggregateType,
		AggregateID:    req.AggregateID,
	}
	if err := ev.Validate(p.smsMaxLength); err != nil {
		return uuid.Nil, err
	}
	return p.publishNotification(ctx, q, req.AggregateType, req.AggregateID, domain.EventTypeSmsRequested, ev.MessageID, ev, req.IdempotencyKey)
}

func (p *Publisher) publishNotification(
	ctx context.Context,
	q domain.Querier,
	aggregateType, aggregateID, eventType string,
	messageID uuid.UUID,
	event any,
	idempotencyKey string,
) (uuid.UUID, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	_, published, err := p.Publish(ctx, q, aggregateType, aggregateID, eventType, payload, idempotencyKey)
	if err != nil || !published {
		return uuid.Nil, err
	}
	return messageID, nil
}

func normalizePriority(p domain.Priority) domain.Priority {
	if p == domain.PriorityHigh {
		return p
	}
	return domain.PriorityNormal
}
