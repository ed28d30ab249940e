package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"notifications/internal/domain"

	"github.com/lib/pq"
)

type TemplateRepository struct{}

func NewTemplateRepository() *TemplateRepository {
	return &TemplateRepository{}
}

func (r *TemplateRepository) GetByID(ctx context.Context, q domain.Querier, id string) (*domain.Template, error) {
	query := `
		SELECT id, channel, subject, body_text, body_html, variables, active, created_at, updated_at
		FROM templates
		WHERE id = $1
	`
	var (
		t        domain.Template
		channel  string
		subject  sql.NullString
		bodyText sql.NullString
		bodyHTML sql.NullString
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&t.ID,
		&channel,
		&subject,
		&bodyText,
		&bodyHTML,
		pq.Array(&t.Variables),
		&t.Active,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to get template %s: %w", id, err)
	}
	t.Channel = domain.Channel(channel)
	t.Subject = subject.String
	t.BodyText = bodyText.String
	t.BodyHTML = bodyHTML.String
	return &t, nil
}
