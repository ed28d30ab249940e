package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"notifications/internal/domain"

	"github.com/google/uuid"
)

type AttemptRepository struct{}

func NewAttemptRepository() *AttemptRepository {
	return &AttemptRepository{}
}

func (r *AttemptRepository) Append(ctx context.Context, q domain.Querier, a *domain.DeliveryAttempt) error {
	query := `
		INSERT INTO delivery_attempts (id, message_id, attempt_number, status, error_code, error_message,
			provider_response, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := q.ExecContext(ctx, query,
		a.ID,
		a.MessageID,
		a.AttemptNumber,
		string(a.Status),
		nullString(a.ErrorCode),
		nullString(a.ErrorMessage),
		nullString(a.ProviderResponse),
		a.DurationMs,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append delivery attempt %d for message %s: %w", a.AttemptNumber, a.MessageID, err)
	}
	return nil
}

func (r *AttemptRepository) ListByMessage(ctx context.Context, q domain.Querier, messageID uuid.UUID) ([]domain.DeliveryAttempt, error) {
	query := `
		SELECT id, message_id, attempt_number, status, error_code, error_message, provider_response, duration_ms, created_at
		FROM delivery_attempts
		WHERE message_id = $1
		ORDER BY attempt_number ASC
	`
	rows, err := q.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts for message %s: %w", messageID, err)
	}
	defer rows.Close()

	var attempts []domain.DeliveryAttempt
	for rows.Next() {
		var (
			a                domain.DeliveryAttempt
			status           string
			errorCode        sql.NullString
			errorMessage     sql.NullString
			providerResponse sql.NullString
		)
		if err := rows.Scan(
			&a.ID,
			&a.MessageID,
			&a.AttemptNumber,
			&status,
			&errorCode,
			&errorMessage,
			&providerResponse,
			&a.DurationMs,
			&a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		a.Status = domain.AttemptStatus(status)
		a.ErrorCode = errorCode.String
		a.ErrorMessage = errorMessage.String
		a.ProviderResponse = providerResponse.String
		attempts = append(attempts, a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delivery attempts: %w", err)
	}
	return attempts, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
