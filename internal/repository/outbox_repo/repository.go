package outbox_repo

import (
	"context"
	"time"

	"notifications/internal/domain"

	"github.com/google/uuid"
)

type OutboxRepository interface {
	Insert(ctx context.Context, q domain.Querier, ev *domain.OutboxEvent) error
	// ClaimIdempotencyKey reserves key for eventID until expiresAt. It returns
	// false when a live claim for key already exists.
	ClaimIdempotencyKey(ctx context.Context, q domain.Querier, key string, eventID uuid.UUID, now, expiresAt time.Time) (bool, error)
	// FetchPending locks up to limit pending rows due at now, oldest first.
	FetchPending(ctx context.Context, q domain.Querier, now time.Time, limit int) ([]domain.OutboxEvent, error)
	MarkProcessed(ctx context.Context, q domain.Querier, id uuid.UUID, at time.Time) error
	// RecordFailure counts a failed publish, defers the row to nextAttemptAt
	// and returns the new attempt count.
	RecordFailure(ctx context.Context, q domain.Querier, id uuid.UUID, lastError string, nextAttemptAt time.Time) (int, error)
	MarkFailed(ctx context.Context, q domain.Querier, id uuid.UUID, lastError string, at time.Time) error
	DeleteProcessedBefore(ctx context.Context, q domain.Querier, cutoff time.Time) (int64, error)
	DeleteUnprocessedBefore(ctx context.Context, q domain.Querier, cutoff time.Time) (int64, error)
	DeleteExpiredClaims(ctx context.Context, q domain.Querier, now time.Time) (int64, error)
}
