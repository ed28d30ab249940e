package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func ParseChannel(raw string) (Channel, error) {
	switch Channel(raw) {
	case ChannelEmail, ChannelSMS:
		return Channel(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, raw)
	}
}

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// AMQPPriority maps the notification priority onto the broker's 0-9 scale.
func (p Priority) AMQPPriority() uint8 {
	if p == PriorityHigh {
		return 5
	}
	return 0
}

type MessageStatus string

const (
	MessageStatusReceived   MessageStatus = "RECEIVED"
	MessageStatusProcessing MessageStatus = "PROCESSING"
	MessageStatusSent       MessageStatus = "SENT"
	MessageStatusFailed     MessageStatus = "FAILED"
	MessageStatusDLQ        MessageStatus = "DLQ"
)

// IsTerminal reports whether no further transitions are allowed.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusSent || s == MessageStatusDLQ
}

// CanTransitionTo encodes the delivery state machine. PROCESSING -> PROCESSING
// covers reclaiming a message whose worker died mid-send.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	switch s {
	case MessageStatusReceived:
		return next == MessageStatusProcessing || next == MessageStatusDLQ
	case MessageStatusProcessing:
		return next == MessageStatusProcessing || next == MessageStatusSent ||
			next == MessageStatusFailed || next == MessageStatusDLQ
	case MessageStatusFailed:
		return next == MessageStatusProcessing || next == MessageStatusDLQ
	default:
		return false
	}
}

const (
	LastErrorMaxRetries = "Max retry attempts exceeded"
	LastErrorExpired    = "Message expired"
)

// Message is one logical notification. ID equals the message_id carried by
// the wire event, so producer and consumer agree on identity.
type Message struct {
	ID             uuid.UUID
	Channel        Channel
	Recipients     []string
	TemplateID     string
	Subject        string
	Payload        json.RawMessage
	Status         MessageStatus
	AttemptCount   int
	LastError      string
	CorrelationID  string
	IdempotencyKey string
	Priority       Priority
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	SentAt         *time.Time
}

func (m *Message) IsExpired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// Transition validates and applies a status change in memory.
func (m *Message) Transition(next MessageStatus, now time.Time) error {
	if !m.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, next)
	}
	if next == MessageStatusSent && m.IsExpired(now) {
		return fmt.Errorf("message %s: %w", m.ID, ErrMessageExpired)
	}
	m.Status = next
	m.UpdatedAt = now
	if next == MessageStatusSent {
		sentAt := now
		m.SentAt = &sentAt
	}
	return nil
}

// NewMessageFromRequest builds the RECEIVED message for a decoded wire event.
func NewMessageFromRequest(req *NotificationRequest, raw json.RawMessage, now time.Time) *Message {
	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	return &Message{
		ID:             req.MessageID,
		Channel:        req.Channel,
		Recipients:     req.Recipients,
		TemplateID:     req.TemplateID,
		Subject:        req.Subject,
		Payload:        raw,
		Status:         MessageStatusReceived,
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       priority,
		ExpiresAt:      req.ExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
