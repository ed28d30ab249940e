package template_repo

import (
	"context"

	"notifications/internal/domain"
)

type TemplateRepository interface {
	GetByID(ctx context.Context, q domain.Querier, id string) (*domain.Template, error)
}
