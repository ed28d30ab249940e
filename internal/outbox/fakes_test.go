package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"notifications/internal/domain"

	"github.com/google/uuid"
)

type claim struct {
	eventID   uuid.UUID
	expiresAt time.Time
}

// memOutboxRepository keeps rows in memory. memTxRunner snapshots it so a
// failed transaction leaves no trace, as a rolled back tx would.
type memOutboxRepository struct {
	mu     sync.Mutex
	events map[uuid.UUID]domain.OutboxEvent
	claims map[string]claim
}

func newMemOutboxRepository() *memOutboxRepository {
	return &memOutboxRepository{
		events: map[uuid.UUID]domain.OutboxEvent{},
		claims: map[string]claim{},
	}
}

type memSnapshot struct {
	events map[uuid.UUID]domain.OutboxEvent
	claims map[string]claim
}

func (r *memOutboxRepository) snapshot() memSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := memSnapshot{events: map[uuid.UUID]domain.OutboxEvent{}, claims: map[string]claim{}}
	for k, v := range r.events {
		s.events[k] = v
	}
	for k, v := range r.claims {
		s.claims[k] = v
	}
	return s
}

func (r *memOutboxRepository) restore(s memSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = s.events
	r.claims = s.claims
}

func (r *memOutboxRepository) get(id uuid.UUID) (domain.OutboxEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	return ev, ok
}

func (r *memOutboxRepository) all() []domain.OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.OutboxEvent, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Generation < out[j].Generation
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *memOutboxRepository) put(ev domain.OutboxEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[ev.ID] = ev
}

func (r *memOutboxRepository) Insert(_ context.Context, _ domain.Querier, ev *domain.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[ev.ID]; ok {
		return errors.New("duplicate outbox id")
	}
	r.events[ev.ID] = *ev
	return nil
}

func (r *memOutboxRepository) ClaimIdempotencyKey(_ context.Context, _ domain.Querier, key string, eventID uuid.UUID, now, expiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.claims[key]; ok && c.expiresAt.After(now) {
		return false, nil
	}
	r.claims[key] = claim{eventID: eventID, expiresAt: expiresAt}
	return true, nil
}

func (r *memOutboxRepository) FetchPending(_ context.Context, _ domain.Querier, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	var pending []domain.OutboxEvent
	for _, ev := range r.all() {
		if ev.IsPending() && !ev.NextAttemptAt.After(now) {
			pending = append(pending, ev)
		}
	}
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (r *memOutboxRepository) MarkProcessed(_ context.Context, _ domain.Querier, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok || !ev.IsPending() {
		return errors.New("outbox event not found or already settled")
	}
	ev.ProcessedAt = &at
	r.events[id] = ev
	return nil
}

func (r *memOutboxRepository) RecordFailure(_ context.Context, _ domain.Querier, id uuid.UUID, lastError string, nextAttemptAt time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok {
		return 0, errors.New("outbox event not found")
	}
	ev.PublishAttempts++
	ev.LastError = lastError
	ev.NextAttemptAt = nextAttemptAt
	r.events[id] = ev
	return ev.PublishAttempts, nil
}

func (r *memOutboxRepository) MarkFailed(_ context.Context, _ domain.Querier, id uuid.UUID, lastError string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[id]
	if !ok || !ev.IsPending() {
		return errors.New("outbox event not found or already settled")
	}
	ev.FailedAt = &at
	ev.LastError = lastError
	r.events[id] = ev
	return nil
}

func (r *memOutboxRepository) DeleteProcessedBefore(_ context.Context, _ domain.Querier, cutoff time.Time) (int64, error) {
	return r.deleteWhere(func(ev domain.OutboxEvent) bool {
		return ev.ProcessedAt != nil && ev.ProcessedAt.Before(cutoff)
	}), nil
}

func (r *memOutboxRepository) DeleteUnprocessedBefore(_ context.Context, _ domain.Querier, cutoff time.Time) (int64, error) {
	return r.deleteWhere(func(ev domain.OutboxEvent) bool {
		return ev.ProcessedAt == nil && ev.CreatedAt.Before(cutoff)
	}), nil
}

func (r *memOutboxRepository) DeleteExpiredClaims(_ context.Context, _ domain.Querier, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k, c := range r.claims {
		if !c.expiresAt.After(now) {
			delete(r.claims, k)
			n++
		}
	}
	return n, nil
}

func (r *memOutboxRepository) deleteWhere(match func(domain.OutboxEvent) bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, ev := range r.events {
		if match(ev) {
			delete(r.events, id)
			n++
		}
	}
	return n
}

// memTxRunner rolls the repository back when fn fails and, like
// database/sql, refuses to begin or commit on a done context. commitErr
// simulates a crash between the broker ack and the commit.
type memTxRunner struct {
	repo      *memOutboxRepository
	commitErr error
}

func (m *memTxRunner) RunInTx(ctx context.Context, fn func(q domain.Querier) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := m.repo.snapshot()
	if err := fn(nil); err != nil {
		m.repo.restore(snap)
		return err
	}
	if err := ctx.Err(); err != nil {
		m.repo.restore(snap)
		return err
	}
	if m.commitErr != nil {
		m.repo.restore(snap)
		return m.commitErr
	}
	return nil
}

// ctxOutboxRepository fails every call on a done context, as a
// database/sql backed repository does.
type ctxOutboxRepository struct {
	*memOutboxRepository
}

func (r ctxOutboxRepository) Insert(ctx context.Context, q domain.Querier, ev *domain.OutboxEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.memOutboxRepository.Insert(ctx, q, ev)
}

func (r ctxOutboxRepository) FetchPending(ctx context.Context, q domain.Querier, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.memOutboxRepository.FetchPending(ctx, q, now, limit)
}

func (r ctxOutboxRepository) MarkProcessed(ctx context.Context, q domain.Querier, id uuid.UUID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.memOutboxRepository.MarkProcessed(ctx, q, id, at)
}

func (r ctxOutboxRepository) RecordFailure(ctx context.Context, q domain.Querier, id uuid.UUID, lastError string, nextAttemptAt time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return r.memOutboxRepository.RecordFailure(ctx, q, id, lastError, nextAttemptAt)
}

func (r ctxOutboxRepository) MarkFailed(ctx context.Context, q domain.Querier, id uuid.UUID, lastError string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.memOutboxRepository.MarkFailed(ctx, q, id, lastError, at)
}

type recordingEventPublisher struct {
	mu        sync.Mutex
	published []domain.OutboxEvent
	fail      func(ev *domain.OutboxEvent) error
}

func (p *recordingEventPublisher) PublishEvent(_ context.Context, ev *domain.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		if err := p.fail(ev); err != nil {
			return err
		}
	}
	p.published = append(p.published, *ev)
	return nil
}

func (p *recordingEventPublisher) ids() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uuid.UUID, 0, len(p.published))
	for _, ev := range p.published {
		out = append(out, ev.ID)
	}
	return out
}
