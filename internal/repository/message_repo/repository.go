package message_repo

import (
	"context"
	"errors"
	"time"

	"notifications/internal/domain"

	"github.com/google/uuid"
)

type MessageRepository interface {
	// CreateIfAbsent inserts m unless a row with the same id already exists;
	// it reports whether a row was written. Idempotency keys are not unique.
	// Callers scope them to a dedupe window.
	CreateIfAbsent(ctx context.Context, q domain.Querier, m *domain.Message) (bool, error)
	GetByID(ctx context.Context, q domain.Querier, id uuid.UUID) (*domain.Message, error)
	// GetByIdempotencyKey returns the most recently created message with key.
	GetByIdempotencyKey(ctx context.Context, q domain.Querier, key string) (*domain.Message, error)
	// Claim moves a claimable message to PROCESSING and increments its
	// attempt count. Claimable means RECEIVED, FAILED, or PROCESSING with
	// updated_at before staleBefore, with fewer than maxAttempts attempts.
	Claim(ctx context.Context, q domain.Querier, id uuid.UUID, now, staleBefore time.Time, maxAttempts int) (*domain.Message, error)
	UpdateStatus(ctx context.Context, q domain.Querier, m *domain.Message) error
}

var ErrMessageNotClaimable = errors.New("message is not claimable")
