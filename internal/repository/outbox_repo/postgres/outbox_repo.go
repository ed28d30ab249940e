package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"notifications/internal/domain"

	"github.com/google/uuid"
)

type OutboxRepository struct{}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{}
}

func (r *OutboxRepository) Insert(ctx context.Context, q domain.Querier, ev *domain.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, idempotency_key,
			generation, parent_id, publish_attempts, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	nextAttemptAt := ev.NextAttemptAt
	if nextAttemptAt.IsZero() {
		nextAttemptAt = ev.CreatedAt
	}
	_, err := q.ExecContext(ctx, query,
		ev.ID,
		ev.AggregateType,
		ev.AggregateID,
		ev.EventType,
		[]byte(ev.Payload),
		nullString(ev.IdempotencyKey),
		ev.Generation,
		ev.ParentID,
		ev.PublishAttempts,
		ev.CreatedAt,
		nextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

func (r *OutboxRepository) ClaimIdempotencyKey(ctx context.Context, q domain.Querier, key string, eventID uuid.UUID, now, expiresAt time.Time) (bool, error) {
	// The conditional DO UPDATE only takes over a claim whose window has
	// passed; a live claim yields no row.
	query := `
		INSERT INTO outbox_idempotency (key, event_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
			SET event_id = EXCLUDED.event_id, expires_at = EXCLUDED.expires_at
			WHERE outbox_idempotency.expires_at <= $4
		RETURNING event_id
	`
	var claimedFor uuid.UUID
	err := q.QueryRowContext(ctx, query, key, eventID, expiresAt, now).Scan(&claimedFor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim idempotency key %q: %w", key, err)
	}
	return true, nil
}

func (r *OutboxRepository) FetchPending(ctx context.Context, q domain.Querier, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	query := `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, idempotency_key,
			generation, parent_id, publish_attempts, last_error, created_at, next_attempt_at,
			processed_at, failed_at
		FROM outbox_events
		WHERE processed_at IS NULL AND failed_at IS NULL AND next_attempt_at <= $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := q.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending outbox events: %w", err)
	}
	defer rows.Close()

	var events []domain.OutboxEvent
	for rows.Next() {
		var (
			ev             domain.OutboxEvent
			payload        []byte
			idempotencyKey sql.NullString
			parentID       uuid.NullUUID
			lastError      sql.NullString
			processedAt    sql.NullTime
			failedAt       sql.NullTime
		)
		err := rows.Scan(
			&ev.ID,
			&ev.AggregateType,
			&ev.AggregateID,
			&ev.EventType,
			&payload,
			&idempotencyKey,
			&ev.Generation,
			&parentID,
			&ev.PublishAttempts,
			&lastError,
			&ev.CreatedAt,
			&ev.NextAttemptAt,
			&processedAt,
			&failedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		ev.Payload = payload
		ev.IdempotencyKey = idempotencyKey.String
		ev.LastError = lastError.String
		if parentID.Valid {
			ev.ParentID = &parentID.UUID
		}
		if processedAt.Valid {
			ev.ProcessedAt = &processedAt.Time
		}
		if failedAt.Valid {
			ev.FailedAt = &failedAt.Time
		}
		events = append(events, ev)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox events: %w", err)
	}
	return events, nil
}

func (r *OutboxRepository) MarkProcessed(ctx context.Context, q domain.Querier, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE outbox_events
		SET processed_at = $1
		WHERE id = $2 AND processed_at IS NULL
	`
	return execOne(ctx, q, query, "mark outbox event processed", id, at, id)
}

func (r *OutboxRepository) RecordFailure(ctx context.Context, q domain.Querier, id uuid.UUID, lastError string, nextAttemptAt time.Time) (int, error) {
	query := `
		UPDATE outbox_events
		SET publish_attempts = publish_attempts + 1, last_error = $1, next_attempt_at = $2
		WHERE id = $3
		RETURNING publish_attempts
	`
	var attempts int
	if err := q.QueryRowContext(ctx, query, lastError, nextAttemptAt, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to record publish failure for outbox event %s: %w", id, err)
	}
	return attempts, nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, q domain.Querier, id uuid.UUID, lastError string, at time.Time) error {
	query := `
		UPDATE outbox_events
		SET failed_at = $1, last_error = $2
		WHERE id = $3 AND processed_at IS NULL
	`
	return execOne(ctx, q, query, "mark outbox event failed", id, at, lastError, id)
}

func (r *OutboxRepository) DeleteProcessedBefore(ctx context.Context, q domain.Querier, cutoff time.Time) (int64, error) {
	query := `DELETE FROM outbox_events WHERE processed_at IS NOT NULL AND processed_at < $1`
	return execCount(ctx, q, query, "delete processed outbox events", cutoff)
}

// DeleteUnprocessedBefore purges rows that never reached the broker,
// including superseded and abandoned generations.
func (r *OutboxRepository) DeleteUnprocessedBefore(ctx context.Context, q domain.Querier, cutoff time.Time) (int64, error) {
	query := `DELETE FROM outbox_events WHERE processed_at IS NULL AND created_at < $1`
	return execCount(ctx, q, query, "delete unprocessed outbox events", cutoff)
}

func (r *OutboxRepository) DeleteExpiredClaims(ctx context.Context, q domain.Querier, now time.Time) (int64, error) {
	query := `DELETE FROM outbox_idempotency WHERE expires_at <= $1`
	return execCount(ctx, q, query, "delete expired idempotency claims", now)
}

func execOne(ctx context.Context, q domain.Querier, query, op string, id uuid.UUID, args ...any) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", op, id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected to %s: %w", op, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("outbox event %s not found or already settled", id)
	}
	return nil
}

func execCount(ctx context.Context, q domain.Querier, query, op string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected to %s: %w", op, err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
