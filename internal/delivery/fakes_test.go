package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"notifications/internal/domain"
	"notifications/internal/repository/message_repo"
	"notifications/internal/sender"

	"github.com/google/uuid"
)

type memMessageRepository struct {
	mu   sync.Mutex
	byID map[uuid.UUID]domain.Message
}

func newMemMessageRepository() *memMessageRepository {
	return &memMessageRepository{byID: map[uuid.UUID]domain.Message{}}
}

func (r *memMessageRepository) CreateIfAbsent(_ context.Context, _ domain.Querier, m *domain.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[m.ID]; ok {
		return false, nil
	}
	r.byID[m.ID] = *m
	return true, nil
}

func (r *memMessageRepository) GetByID(_ context.Context, _ domain.Querier, id uuid.UUID) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return &m, nil
}

func (r *memMessageRepository) GetByIdempotencyKey(_ context.Context, _ domain.Querier, key string) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var newest *domain.Message
	for _, m := range r.byID {
		if m.IdempotencyKey == key && (newest == nil || m.CreatedAt.After(newest.CreatedAt)) {
			newest = &m
		}
	}
	if newest == nil {
		return nil, domain.ErrMessageNotFound
	}
	return newest, nil
}

func (r *memMessageRepository) Claim(_ context.Context, _ domain.Querier, id uuid.UUID, now, staleBefore time.Time, maxAttempts int) (*domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok {
		return nil, message_repo.ErrMessageNotClaimable
	}
	claimable := m.Status == domain.MessageStatusReceived || m.Status == domain.MessageStatusFailed ||
		(m.Status == domain.MessageStatusProcessing && m.UpdatedAt.Before(staleBefore))
	if !claimable || m.AttemptCount >= maxAttempts {
		return nil, message_repo.ErrMessageNotClaimable
	}
	m.Status = domain.MessageStatusProcessing
	m.AttemptCount++
	m.UpdatedAt = now
	r.byID[id] = m
	return &m, nil
}

func (r *memMessageRepository) UpdateStatus(ctx context.Context, _ domain.Querier, m *domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[m.ID]
	if !ok || stored.Status.IsTerminal() {
		return domain.ErrInvalidTransition
	}
	stored.Status = m.Status
	stored.LastError = m.LastError
	stored.UpdatedAt = m.UpdatedAt
	stored.SentAt = m.SentAt
	r.byID[m.ID] = stored
	return nil
}

func (r *memMessageRepository) get(id uuid.UUID) domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

func (r *memMessageRepository) put(m domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[m.ID] = m
}

// memAttemptRepository mirrors the table's unique constraints.
type memAttemptRepository struct {
	mu       sync.Mutex
	attempts []domain.DeliveryAttempt
}

func (r *memAttemptRepository) Append(_ context.Context, _ domain.Querier, a *domain.DeliveryAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.attempts {
		if existing.MessageID != a.MessageID {
			continue
		}
		if existing.AttemptNumber == a.AttemptNumber {
			return errors.New("duplicate attempt number")
		}
		if existing.Status == domain.AttemptStatusSuccess && a.Status == domain.AttemptStatusSuccess {
			return errors.New("second success attempt")
		}
	}
	r.attempts = append(r.attempts, *a)
	return nil
}

func (r *memAttemptRepository) ListByMessage(_ context.Context, _ domain.Querier, id uuid.UUID) ([]domain.DeliveryAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DeliveryAttempt
	for _, a := range r.attempts {
		if a.MessageID == id {
			out = append(out, a)
		}
	}
	return out, nil
}

type fakeTxRunner struct {
	err error
}

// RunInTx refuses to begin on a done context, as database/sql does.
func (f *fakeTxRunner) RunInTx(ctx context.Context, fn func(q domain.Querier) error) error {
	if f.err != nil {
		return f.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(nil)
}

type memTemplateRepository map[string]*domain.Template

func (r memTemplateRepository) GetByID(_ context.Context, _ domain.Querier, id string) (*domain.Template, error) {
	tmpl, ok := r[id]
	if !ok {
		return nil, domain.ErrTemplateNotFound
	}
	return tmpl, nil
}

type senderFunc func(ctx context.Context, n *sender.Notification) (*sender.Result, error)

func (f senderFunc) Send(ctx context.Context, n *sender.Notification) (*sender.Result, error) {
	return f(ctx, n)
}

type recordingStream struct {
	mu     sync.Mutex
	events []StatusEvent
	err    error
}

func (s *recordingStream) Emit(_ context.Context, ev StatusEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}
