package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"notifications/internal/domain"
	"notifications/internal/repository/message_repo"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const messageColumns = `id, channel, recipients, template_id, subject, payload, status, attempt_count, last_error,
	correlation_id, idempotency_key, priority, expires_at, created_at, updated_at, sent_at`

type MessageRepository struct{}

func NewMessageRepository() *MessageRepository {
	return &MessageRepository{}
}

func (r *MessageRepository) CreateIfAbsent(ctx context.Context, q domain.Querier, m *domain.Message) (bool, error) {
	query := `
		INSERT INTO messages (id, channel, recipients, template_id, subject, payload, status, attempt_count,
			correlation_id, idempotency_key, priority, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`
	res, err := q.ExecContext(ctx, query,
		m.ID,
		string(m.Channel),
		pq.Array(m.Recipients),
		nullString(m.TemplateID),
		nullString(m.Subject),
		[]byte(m.Payload),
		string(m.Status),
		m.AttemptCount,
		nullString(m.CorrelationID),
		nullString(m.IdempotencyKey),
		string(m.Priority),
		m.ExpiresAt,
		m.CreatedAt,
		m.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for message insert: %w", err)
	}
	return rowsAffected == 1, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, q domain.Querier, id uuid.UUID) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	m, err := scanMessage(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return m, nil
}

func (r *MessageRepository) GetByIdempotencyKey(ctx context.Context, q domain.Querier, key string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE idempotency_key = $1 ORDER BY created_at DESC LIMIT 1`
	m, err := scanMessage(q.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message by idempotency key %q: %w", key, err)
	}
	return m, nil
}

func (r *MessageRepository) Claim(ctx context.Context, q domain.Querier, id uuid.UUID, now, staleBefore time.Time, maxAttempts int) (*domain.Message, error) {
	query := `
		UPDATE messages
		SET status = 'PROCESSING', attempt_count = attempt_count + 1, updated_at = $2
		WHERE id = $1
			AND (status IN ('RECEIVED', 'FAILED') OR (status = 'PROCESSING' AND updated_at < $3))
			AND attempt_count < $4
		RETURNING ` + messageColumns
	m, err := scanMessage(q.QueryRowContext(ctx, query, id, now, staleBefore, maxAttempts))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, message_repo.ErrMessageNotClaimable
		}
		return nil, fmt.Errorf("failed to claim message %s: %w", id, err)
	}
	return m, nil
}

// UpdateStatus persists a transition already validated in memory. Terminal
// rows are never overwritten.
func (r *MessageRepository) UpdateStatus(ctx context.Context, q domain.Querier, m *domain.Message) error {
	query := `
		UPDATE messages
		SET status = $1, last_error = $2, updated_at = $3, sent_at = $4
		WHERE id = $5 AND status NOT IN ('SENT', 'DLQ')
	`
	res, err := q.ExecContext(ctx, query,
		string(m.Status),
		nullString(m.LastError),
		m.UpdatedAt,
		m.SentAt,
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update message status %s: %w", m.ID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for message update: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("message %s -> %s: %w", m.ID, m.Status, domain.ErrInvalidTransition)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var (
		m              domain.Message
		channel        string
		status         string
		priority       string
		payload        []byte
		templateID     sql.NullString
		subject        sql.NullString
		lastError      sql.NullString
		correlationID  sql.NullString
		idempotencyKey sql.NullString
		expiresAt      sql.NullTime
		sentAt         sql.NullTime
	)
	err := row.Scan(
		&m.ID,
		&channel,
		pq.Array(&m.Recipients),
		&templateID,
		&subject,
		&payload,
		&status,
		&m.AttemptCount,
		&lastError,
		&correlationID,
		&idempotencyKey,
		&priority,
		&expiresAt,
		&m.CreatedAt,
		&m.UpdatedAt,
		&sentAt,
	)
	if err != nil {
		return nil, err
	}
	m.Channel = domain.Channel(channel)
	m.Status = domain.MessageStatus(status)
	m.Priority = domain.Priority(priority)
	m.Payload = payload
	m.TemplateID = templateID.String
	m.Subject = subject.String
	m.LastError = lastError.String
	m.CorrelationID = correlationID.String
	m.IdempotencyKey = idempotencyKey.String
	if expiresAt.Valid {
		m.ExpiresAt = &expiresAt.Time
	}
	if sentAt.Valid {
		m.SentAt = &sentAt.Time
	}
	return &m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
