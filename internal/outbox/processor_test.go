package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"notifications/internal/domain"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var errBrokerDown = errors.New("broker unreachable")

func seedEvent(repo *memOutboxRepository, createdAt time.Time) domain.OutboxEvent {
	ev := domain.OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "User",
		AggregateID:   "42",
		EventType:     domain.EventTypeEmailRequested,
		Payload:       json.RawMessage(`{}`),
		Generation:    1,
		CreatedAt:     createdAt,
	}
	repo.put(ev)
	return ev
}

func newTestProcessor(repo *memOutboxRepository, pub EventPublisher, logger *zap.Logger) (*Processor, *memTxRunner, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(testStart)
	tx := &memTxRunner{repo: repo}
	p := NewProcessor(tx, repo, pub, clock, Config{
		PollInterval:       time.Second,
		BatchSize:          10,
		MaxPublishAttempts: 5,
		MaxGeneration:      3,
	}, logger)
	return p, tx, clock
}

func TestProcessOnce_PublishesInCreationOrder(t *testing.T) {
	repo := newMemOutboxRepository()
	first := seedEvent(repo, testStart.Add(-2*time.Second))
	second := seedEvent(repo, testStart.Add(-time.Second))
	pub := &recordingEventPublisher{}
	p, _, _ := newTestProcessor(repo, pub, zap.NewNop())

	res, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{Fetched: 2, Published: 2}, res)
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, pub.ids())

	for _, ev := range repo.all() {
		assert.NotNil(t, ev.ProcessedAt)
	}

	res, err = p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{}, res)
}

func TestProcessOnce_RespectsBatchSize(t *testing.T) {
	repo := newMemOutboxRepository()
	for i := 0; i < 15; i++ {
		seedEvent(repo, testStart.Add(time.Duration(i)*time.Millisecond))
	}
	pub := &recordingEventPublisher{}
	p, _, _ := newTestProcessor(repo, pub, zap.NewNop())

	res, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, res.Published)

	res, err = p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Published)
}

func TestProcessOnce_FailureDoesNotStopBatch(t *testing.T) {
	repo := newMemOutboxRepository()
	bad := seedEvent(repo, testStart.Add(-2*time.Second))
	good := seedEvent(repo, testStart.Add(-time.Second))
	pub := &recordingEventPublisher{fail: func(ev *domain.OutboxEvent) error {
		if ev.ID == bad.ID {
			return errBrokerDown
		}
		return nil
	}}
	p, _, _ := newTestProcessor(repo, pub, zap.NewNop())

	res, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{Fetched: 2, Published: 1, Failed: 1}, res)

	stored, _ := repo.get(bad.ID)
	assert.True(t, stored.IsPending())
	assert.Equal(t, 1, stored.PublishAttempts)
	assert.Equal(t, errBrokerDown.Error(), stored.LastError)
	assert.True(t, stored.NextAttemptAt.After(testStart))

	stored, _ = repo.get(good.ID)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestProcessOnce_BacksOffFailedRow(t *testing.T) {
	repo := newMemOutboxRepository()
	ev := seedEvent(repo, testStart)
	pub := &recordingEventPublisher{fail: func(*domain.OutboxEvent) error { return errBrokerDown }}
	p, _, clock := newTestProcessor(repo, pub, zap.NewNop())

	res, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	stored, _ := repo.get(ev.ID)
	assert.False(t, stored.NextAttemptAt.Before(testStart.Add(time.Second)))
	assert.True(t, stored.NextAttemptAt.Before(testStart.Add(2*time.Second)))

	res, err = p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)

	clock.Advance(2 * time.Second)
	res, err = p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	stored, _ = repo.get(ev.ID)
	assert.Equal(t, 2, stored.PublishAttempts)
	assert.False(t, stored.NextAttemptAt.Before(clock.Now().Add(2*time.Second)))
}

type slowConfirmPublisher struct {
	recordingEventPublisher
	slowID uuid.UUID
}

func (p *slowConfirmPublisher) PublishEvent(ctx context.Context, ev *domain.OutboxEvent) error {
	if ev.ID == p.slowID {
		<-ctx.Done()
		return ctx.Err()
	}
	return p.recordingEventPublisher.PublishEvent(ctx, ev)
}

// A confirm that outlasts the poll deadline must not undo the stamps of
// rows already acked, and must still count against the slow row.
func TestProcessOnce_SlowConfirmKeepsEarlierStamps(t *testing.T) {
	repo := newMemOutboxRepository()
	first := seedEvent(repo, testStart.Add(-2*time.Second))
	second := seedEvent(repo, testStart.Add(-time.Second))
	pub := &slowConfirmPublisher{slowID: second.ID}

	clock := clockwork.NewFakeClockAt(testStart)
	p := NewProcessor(&memTxRunner{repo: repo}, ctxOutboxRepository{repo}, pub, clock, Config{
		PollTimeout:        20 * time.Millisecond,
		BatchSize:          10,
		MaxPublishAttempts: 5,
		MaxGeneration:      3,
	}, zap.NewNop())

	res, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProcessResult{Fetched: 2, Published: 1, Failed: 1}, res)

	stored, _ := repo.get(first.ID)
	assert.NotNil(t, stored.ProcessedAt)
	stored, _ = repo.get(second.ID)
	assert.Equal(t, 1, stored.PublishAttempts)

	regenerated := 0
	for i := 0; i < 4; i++ {
		clock.Advance(10 * time.Minute)
		res, err := p.ProcessOnce(context.Background())
		require.NoError(t, err)
		regenerated += res.Regenerated
	}

	assert.Equal(t, []uuid.UUID{first.ID}, pub.ids())
	assert.Equal(t, 1, regenerated)
	stored, _ = repo.get(second.ID)
	assert.Equal(t, 5, stored.PublishAttempts)
	assert.NotNil(t, stored.FailedAt)
}

// A crash after the broker ack but before the commit leaves the row
// pending, so the next cycle publishes it again.
func TestProcessOnce_RepublishesAfterLostCommit(t *testing.T) {
	repo := newMemOutboxRepository()
	ev := seedEvent(repo, testStart)
	pub := &recordingEventPublisher{}
	p, tx, _ := newTestProcessor(repo, pub, zap.NewNop())

	tx.commitErr = errors.New("connection lost")
	_, err := p.ProcessOnce(context.Background())
	require.Error(t, err)

	stored, _ := repo.get(ev.ID)
	assert.True(t, stored.IsPending())

	tx.commitErr = nil
	res, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)
	assert.Equal(t, []uuid.UUID{ev.ID, ev.ID}, pub.ids())
}

func TestProcessOnce_RegeneratesAfterMaxAttempts(t *testing.T) {
	repo := newMemOutboxRepository()
	ev := seedEvent(repo, testStart.Add(-time.Minute))
	pub := &recordingEventPublisher{fail: func(*domain.OutboxEvent) error { return errBrokerDown }}
	p, _, clock := newTestProcessor(repo, pub, zap.NewNop())

	for i := 0; i < 4; i++ {
		res, err := p.ProcessOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
		assert.Zero(t, res.Regenerated)
		clock.Advance(10 * time.Minute)
	}

	res, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Regenerated)

	old, _ := repo.get(ev.ID)
	assert.NotNil(t, old.FailedAt)
	assert.Equal(t, 5, old.PublishAttempts)
	assert.Contains(t, old.LastError, "superseded")

	var next *domain.OutboxEvent
	for _, row := range repo.all() {
		if row.IsPending() {
			row := row
			next = &row
		}
	}
	require.NotNil(t, next)
	assert.Equal(t, 2, next.Generation)
	require.NotNil(t, next.ParentID)
	assert.Equal(t, ev.ID, *next.ParentID)
	assert.Equal(t, ev.Payload, next.Payload)
	assert.Zero(t, next.PublishAttempts)
	assert.True(t, next.NextAttemptAt.After(clock.Now()))
}

func TestProcessOnce_AbandonsLastGenerationWithAlert(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	repo := newMemOutboxRepository()
	ev := seedEvent(repo, testStart)
	ev.Generation = 3
	ev.PublishAttempts = 4
	repo.put(ev)

	pub := &recordingEventPublisher{fail: func(*domain.OutboxEvent) error { return errBrokerDown }}
	p, _, _ := newTestProcessor(repo, pub, zap.New(core))

	res, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)
	assert.Zero(t, res.Regenerated)

	stored, _ := repo.get(ev.ID)
	assert.NotNil(t, stored.FailedAt)
	assert.Len(t, repo.all(), 1)

	alerts := logs.FilterField(zap.Bool("alert", true)).All()
	require.Len(t, alerts, 1)
	assert.Equal(t, zapcore.ErrorLevel, alerts[0].Level)
	assert.Equal(t, ev.ID.String(), alerts[0].ContextMap()["event_id"])

	res, err = p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)
}

func TestProcessor_StartRelaysOnEachTick(t *testing.T) {
	repo := newMemOutboxRepository()
	seedEvent(repo, testStart)
	pub := &recordingEventPublisher{}
	p, _, clock := newTestProcessor(repo, pub, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	assert.Error(t, p.Start(ctx))

	assert.Eventually(t, func() bool { return len(pub.ids()) == 1 }, time.Second, 5*time.Millisecond)

	seedEvent(repo, testStart.Add(time.Millisecond))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	assert.Eventually(t, func() bool { return len(pub.ids()) == 2 }, time.Second, 5*time.Millisecond)

	p.Stop()
	p.Stop()
}
