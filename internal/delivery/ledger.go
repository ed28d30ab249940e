package delivery

import (
	"context"
	"time"

	"notifications/internal/domain"
	"notifications/internal/repository/attempt_repo"
	"notifications/internal/repository/message_repo"

	"github.com/google/uuid"
)

type AttemptView struct {
	AttemptNumber    int                  `json:"attempt_number"`
	Status           domain.AttemptStatus `json:"status"`
	ErrorCode        string               `json:"error_code,omitempty"`
	ErrorMessage     string               `json:"error_message,omitempty"`
	ProviderResponse string               `json:"provider_response,omitempty"`
	DurationMs       int64                `json:"duration_ms"`
	CreatedAt        time.Time            `json:"created_at"`
}

// MessageView is the read model of one message and its full attempt history.
type MessageView struct {
	ID             uuid.UUID            `json:"id"`
	Channel        domain.Channel       `json:"channel"`
	Recipients     []string             `json:"recipients"`
	TemplateID     string               `json:"template_id,omitempty"`
	Status         domain.MessageStatus `json:"status"`
	AttemptCount   int                  `json:"attempt_count"`
	LastError      string               `json:"last_error,omitempty"`
	CorrelationID  string               `json:"correlation_id,omitempty"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	Priority       domain.Priority      `json:"priority"`
	ExpiresAt      *time.Time           `json:"expires_at,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	SentAt         *time.Time           `json:"sent_at,omitempty"`
	Attempts       []AttemptView        `json:"attempts"`
}

type Ledger struct {
	db       domain.Querier
	messages message_repo.MessageRepository
	attempts attempt_repo.AttemptRepository
}

func NewLedger(db domain.Querier, messages message_repo.MessageRepository, attempts attempt_repo.AttemptRepository) *Ledger {
	return &Ledger{db: db, messages: messages, attempts: attempts}
}

// GetMessage returns domain.ErrMessageNotFound for an unknown id.
func (l *Ledger) GetMessage(ctx context.Context, id uuid.UUID) (*MessageView, error) {
	msg, err := l.messages.GetByID(ctx, l.db, id)
	if err != nil {
		return nil, err
	}
	return l.view(ctx, msg)
}

func (l *Ledger) GetMessageByIdempotencyKey(ctx context.Context, key string) (*MessageView, error) {
	msg, err := l.messages.GetByIdempotencyKey(ctx, l.db, key)
	if err != nil {
		return nil, err
	}
	return l.view(ctx, msg)
}

func (l *Ledger) view(ctx context.Context, msg *domain.Message) (*MessageView, error) {
	attempts, err := l.attempts.ListByMessage(ctx, l.db, msg.ID)
	if err != nil {
		return nil, err
	}

	v := &MessageView{
		ID:             msg.ID,
		Channel:        msg.Channel,
		Recipients:     msg.Recipients,
		TemplateID:     msg.TemplateID,
		Status:         msg.Status,
		AttemptCount:   msg.AttemptCount,
		LastError:      msg.LastError,
		CorrelationID:  msg.CorrelationID,
		IdempotencyKey: msg.IdempotencyKey,
		Priority:       msg.Priority,
		ExpiresAt:      msg.ExpiresAt,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
		SentAt:         msg.SentAt,
		Attempts:       make([]AttemptView, 0, len(attempts)),
	}
	for _, a := range attempts {
		v.Attempts = append(v.Attempts, AttemptView{
			AttemptNumber:    a.AttemptNumber,
			Status:           a.Status,
			ErrorCode:        a.ErrorCode,
			ErrorMessage:     a.ErrorMessage,
			ProviderResponse: a.ProviderResponse,
			DurationMs:       a.DurationMs,
			CreatedAt:        a.CreatedAt,
		})
	}
	return v, nil
}
