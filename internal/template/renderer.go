package template

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"notifications/internal/domain"
	"notifications/internal/repository/template_repo"
)

// Rendered holds the provider-ready bodies for one notification.
type Rendered struct {
	Subject  string
	BodyText string
	BodyHTML string
}

// PreferredBody returns HTML for email when present, else plain text.
func (r *Rendered) PreferredBody(channel domain.Channel) string {
	if channel == domain.ChannelEmail && r.BodyHTML != "" {
		return r.BodyHTML
	}
	return r.BodyText
}

type Renderer struct {
	templates    template_repo.TemplateRepository
	db           domain.Querier
	smsMaxLength int
}

func NewRenderer(templates template_repo.TemplateRepository, db domain.Querier, smsMaxLength int) *Renderer {
	if smsMaxLength <= 0 {
		smsMaxLength = domain.DefaultSmsMaxLength
	}
	return &Renderer{templates: templates, db: db, smsMaxLength: smsMaxLength}
}

// Render resolves the request's template, if any, and substitutes its
// {placeholder} variables. Template and validation failures wrap the domain
// template sentinels; store failures are returned as-is.
func (r *Renderer) Render(ctx context.Context, req *domain.NotificationRequest) (*Rendered, error) {
	var rendered *Rendered
	if req.TemplateID == "" {
		rendered = &Rendered{
			Subject:  substitute(req.Subject, req.Variables),
			BodyText: substitute(req.BodyText, req.Variables),
			BodyHTML: substitute(req.BodyHTML, req.Variables),
		}
	} else {
		tmpl, err := r.templates.GetByID(ctx, r.db, req.TemplateID)
		if err != nil {
			return nil, err
		}
		if err := checkTemplate(tmpl, req); err != nil {
			return nil, err
		}
		subject := tmpl.Subject
		if subject == "" {
			subject = req.Subject
		}
		rendered = &Rendered{
			Subject:  substitute(subject, req.Variables),
			BodyText: substitute(tmpl.BodyText, req.Variables),
			BodyHTML: substitute(tmpl.BodyHTML, req.Variables),
		}
	}

	if req.Channel == domain.ChannelSMS {
		rendered.Subject = ""
		rendered.BodyHTML = ""
		if n := utf8.RuneCountInString(rendered.BodyText); n > r.smsMaxLength {
			return nil, fmt.Errorf("%w: rendered %d characters, limit %d", domain.ErrSmsTooLong, n, r.smsMaxLength)
		}
	}
	if rendered.PreferredBody(req.Channel) == "" {
		return nil, fmt.Errorf("%w: rendered body is empty", domain.ErrTemplateUnusable)
	}
	return rendered, nil
}

func checkTemplate(tmpl *domain.Template, req *domain.NotificationRequest) error {
	if !tmpl.Active {
		return fmt.Errorf("template %s: %w", tmpl.ID, domain.ErrTemplateInactive)
	}
	if tmpl.Channel != req.Channel {
		return fmt.Errorf("%w: template %s is for %s, not %s", domain.ErrTemplateUnusable, tmpl.ID, tmpl.Channel, req.Channel)
	}
	if !tmpl.Usable() {
		return fmt.Errorf("%w: template %s", domain.ErrTemplateUnusable, tmpl.ID)
	}

	var missing []string
	for _, name := range tmpl.Variables {
		if _, ok := req.Variables[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", domain.ErrMissingVariable, strings.Join(missing, ", "))
	}
	return nil
}

func substitute(text string, variables map[string]any) string {
	if text == "" || len(variables) == 0 {
		return text
	}
	pairs := make([]string, 0, len(variables)*2)
	for k, v := range variables {
		pairs = append(pairs, "{"+k+"}", fmt.Sprint(v))
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
