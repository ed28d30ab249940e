package attempt_repo

import (
	"context"

	"notifications/internal/domain"

	"github.com/google/uuid"
)

type AttemptRepository interface {
	Append(ctx context.Context, q domain.Querier, a *domain.DeliveryAttempt) error
	ListByMessage(ctx context.Context, q domain.Querier, messageID uuid.UUID) ([]domain.DeliveryAttempt, error)
}
