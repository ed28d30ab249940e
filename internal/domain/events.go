package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	EventTypeEmailRequested = "EmailRequested"
	EventTypeSmsRequested   = "SmsRequested"

	SchemaEmailRequestedV1 = "notifications.email.requested.v1"
	SchemaSmsRequestedV1   = "notifications.sms.requested.v1"

	DefaultSmsMaxLength = 160
)

// EmailRequestedEvent is the versioned wire document relayed to the broker.
type EmailRequestedEvent struct {
	Schema         string         `json:"schema"`
	MessageID      uuid.UUID      `json:"message_id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	To             []string       `json:"to"`
	Subject        string         `json:"subject,omitempty"`
	TemplateID     string         `json:"template_id,omitempty"`
	BodyText       string         `json:"body_text,omitempty"`
	BodyHTML       string         `json:"body_html,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	Priority       Priority       `json:"priority"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	AggregateType  string         `json:"aggregate_type"`
	AggregateID    string         `json:"aggregate_id"`
}

// SmsRequestedEvent carries a single recipient and no HTML body.
type SmsRequestedEvent struct {
	Schema         string         `json:"schema"`
	MessageID      uuid.UUID      `json:"message_id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	To             string         `json:"to"`
	TemplateID     string         `json:"template_id,omitempty"`
	Text           string         `json:"text,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	Priority       Priority       `json:"priority"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
	AggregateType  string         `json:"aggregate_type"`
	AggregateID    string         `json:"aggregate_id"`
}

func (e *EmailRequestedEvent) Validate() error {
	if e.MessageID == uuid.Nil {
		return fmt.Errorf("%w: message_id is required", ErrInvalidEvent)
	}
	if len(e.To) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrInvalidEvent)
	}
	for _, to := range e.To {
		if strings.TrimSpace(to) == "" {
			return fmt.Errorf("%w: empty recipient", ErrInvalidEvent)
		}
	}
	if e.TemplateID == "" && e.BodyText == "" && e.BodyHTML == "" {
		return fmt.Errorf("%w: template_id or inline body is required", ErrInvalidEvent)
	}
	return nil
}

func (e *SmsRequestedEvent) Validate(maxLength int) error {
	if e.MessageID == uuid.Nil {
		return fmt.Errorf("%w: message_id is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.To) == "" {
		return fmt.Errorf("%w: recipient is required", ErrInvalidEvent)
	}
	if e.TemplateID == "" && e.Text == "" {
		return fmt.Errorf("%w: template_id or text is required", ErrInvalidEvent)
	}
	if maxLength > 0 && utf8.RuneCountInString(e.Text) > maxLength {
		return fmt.Errorf("%w: %d > %d", ErrSmsTooLong, utf8.RuneCountInString(e.Text), maxLength)
	}
	return nil
}

// Envelope holds the fields every schema version shares. The relay reads it
// to set broker message properties without knowing the full schema.
type Envelope struct {
	Schema        string    `json:"schema"`
	MessageID     uuid.UUID `json:"message_id"`
	Priority      Priority  `json:"priority"`
	CorrelationID string    `json:"correlation_id"`
}

func PeekEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return env, nil
}

// NotificationRequest is the channel-agnostic view of a decoded wire event.
type NotificationRequest struct {
	Schema         string
	MessageID      uuid.UUID
	Channel        Channel
	Recipients     []string
	Subject        string
	TemplateID     string
	BodyText       string
	BodyHTML       string
	Variables      map[string]any
	Priority       Priority
	CorrelationID  string
	IdempotencyKey string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	AggregateType  string
	AggregateID    string
}

// DecodeNotificationRequest dispatches on the schema field.
func DecodeNotificationRequest(raw []byte) (*NotificationRequest, error) {
	env, err := PeekEnvelope(raw)
	if err != nil {
		return nil, err
	}

	switch env.Schema {
	case SchemaEmailRequestedV1:
		var ev EmailRequestedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if err := ev.Validate(); err != nil {
			return nil, err
		}
		return &NotificationRequest{
			Schema:         ev.Schema,
			MessageID:      ev.MessageID,
			Channel:        ChannelEmail,
			Recipients:     ev.To,
			Subject:        ev.Subject,
			TemplateID:     ev.TemplateID,
			BodyText:       ev.BodyText,
			BodyHTML:       ev.BodyHTML,
			Variables:      ev.Variables,
			Priority:       ev.Priority,
			CorrelationID:  ev.CorrelationID,
			IdempotencyKey: ev.IdempotencyKey,
			CreatedAt:      ev.CreatedAt,
			ExpiresAt:      ev.ExpiresAt,
			AggregateType:  ev.AggregateType,
			AggregateID:    ev.AggregateID,
		}, nil
	case SchemaSmsRequestedV1:
		var ev SmsRequestedEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		// Length is enforced at publish and render time against the configured limit.
		if err := ev.Validate(0); err != nil {
			return nil, err
		}
		return &NotificationRequest{
			Schema:         ev.Schema,
			MessageID:      ev.MessageID,
			Channel:        ChannelSMS,
			Recipients:     []string{ev.To},
			TemplateID:     ev.TemplateID,
			BodyText:       ev.Text,
			Variables:      ev.Variables,
			Priority:       ev.Priority,
			CorrelationID:  ev.CorrelationID,
			IdempotencyKey: ev.IdempotencyKey,
			CreatedAt:      ev.CreatedAt,
			ExpiresAt:      ev.ExpiresAt,
			AggregateType:  ev.AggregateType,
			AggregateID:    ev.AggregateID,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported schema %q", ErrInvalidEvent, env.Schema)
	}
}

// RoutingKey maps an outbox row onto the primary exchange. Notification
// event types route by channel; anything else falls back to
// aggregateType.eventType.
func RoutingKey(aggregateType, eventType string) string {
	switch eventType {
	case EventTypeEmailRequested:
		return string(ChannelEmail) + ".requested"
	case EventTypeSmsRequested:
		return string(ChannelSMS) + ".requested"
	}
	return strings.ToLower(aggregateType + "." + eventType)
}
