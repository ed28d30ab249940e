package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"notifications/internal/domain"
	"notifications/internal/infrastructure/database"
	"notifications/internal/repository/outbox_repo"
	"notifications/internal/util"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// EventPublisher delivers one outbox row to the broker and returns only
// after the broker acknowledged it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev *domain.OutboxEvent) error
}

// rowWriteTimeout bounds the bookkeeping writes of one row beyond the
// publish itself.
const rowWriteTimeout = 5 * time.Second

type Config struct {
	PollInterval       time.Duration
	PollTimeout        time.Duration
	BatchSize          int
	MaxPublishAttempts int
	MaxGeneration      int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:       time.Second,
		PollTimeout:        30 * time.Second,
		BatchSize:          50,
		MaxPublishAttempts: 5,
		MaxGeneration:      3,
		RetryBaseDelay:     2 * time.Second,
		RetryMaxDelay:      5 * time.Minute,
	}
}

// ProcessResult counts one relay cycle. Failed counts every failed publish;
// Regenerated and Abandoned count the failures that ended a generation.
type ProcessResult struct {
	Fetched     int
	Published   int
	Failed      int
	Regenerated int
	Abandoned   int
}

type Processor struct {
	tx        database.TxRunner
	repo      outbox_repo.OutboxRepository
	publisher EventPublisher
	clock     clockwork.Clock
	newID     util.IDFunc
	cfg       Config
	logger    *zap.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewProcessor(
	tx database.TxRunner,
	repo outbox_repo.OutboxRepository,
	publisher EventPublisher,
	clock clockwork.Clock,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaults.PollTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.MaxPublishAttempts <= 0 {
		cfg.MaxPublishAttempts = defaults.MaxPublishAttempts
	}
	if cfg.MaxGeneration <= 0 {
		cfg.MaxGeneration = defaults.MaxGeneration
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = defaults.RetryMaxDelay
	}
	return &Processor{
		tx:        tx,
		repo:      repo,
		publisher: publisher,
		clock:     clock,
		newID:     util.GenerateUUID,
		cfg:       cfg,
		logger:    logger,
	}
}

func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("outbox processor already running")
	}
	p.running = true
	p.stopChan = make(chan struct{})

	p.wg.Add(1)
	go p.run(ctx, p.stopChan)

	p.logger.Info("Outbox processor started",
		zap.Duration("poll_interval", p.cfg.PollInterval),
		zap.Int("batch_size", p.cfg.BatchSize))
	return nil
}

// Stop signals the loop and waits for the in-flight cycle to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Outbox processor stopped.")
}

func (p *Processor) run(ctx context.Context, stop <-chan struct{}) {
	defer p.wg.Done()

	ticker := p.clock.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.Chan():
			p.poll(ctx)
		}
	}
}

func (p *Processor) poll(ctx context.Context) {
	res, err := p.ProcessOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("Outbox relay cycle failed", zap.Error(err))
		}
		return
	}
	if res.Fetched == 0 {
		p.logger.Debug("No pending outbox events found.")
		return
	}
	p.logger.Info("Outbox relay cycle completed",
		zap.Int("fetched", res.Fetched),
		zap.Int("published", res.Published),
		zap.Int("failed", res.Failed),
		zap.Int("regenerated", res.Regenerated),
		zap.Int("abandoned", res.Abandoned))
}

// ProcessOnce relays up to one batch. Each row is fetched, published and
// stamped in its own transaction, so a slow or failing row never undoes the
// bookkeeping of the rows before it. A failed row is deferred with backoff
// and never stops the batch. No new publish starts once the poll deadline is
// close.
func (p *Processor) ProcessOnce(ctx context.Context) (ProcessResult, error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.cfg.PollTimeout)
	defer cancel()
	deadline, _ := pollCtx.Deadline()
	margin := p.cfg.PollTimeout / 10

	var res ProcessResult
	seen := make(map[uuid.UUID]struct{}, p.cfg.BatchSize)
	for res.Fetched < p.cfg.BatchSize {
		if pollCtx.Err() != nil || time.Until(deadline) < margin {
			break
		}
		step, done, err := p.relayNext(pollCtx, seen)
		if err != nil {
			return res, fmt.Errorf("outbox relay cycle: %w", err)
		}
		if done {
			break
		}
		res.add(step)
	}
	return res, nil
}

// relayNext handles the oldest due row. Its transaction runs on a context
// detached from the poll deadline: once the broker acked a row, the stamp
// must land even if the cycle ran out of time during the confirm.
func (p *Processor) relayNext(pollCtx context.Context, seen map[uuid.UUID]struct{}) (ProcessResult, bool, error) {
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(pollCtx), p.cfg.PollTimeout+rowWriteTimeout)
	defer cancel()

	var (
		step ProcessResult
		done bool
	)
	err := p.tx.RunInTx(txCtx, func(q domain.Querier) error {
		step, done = ProcessResult{}, false

		events, err := p.repo.FetchPending(txCtx, q, p.clock.Now(), 1)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			done = true
			return nil
		}
		ev := &events[0]
		if _, ok := seen[ev.ID]; ok {
			done = true
			return nil
		}
		seen[ev.ID] = struct{}{}
		step.Fetched = 1

		pubErr := p.publisher.PublishEvent(pollCtx, ev)
		if pubErr == nil {
			if err := p.repo.MarkProcessed(txCtx, q, ev.ID, p.clock.Now()); err != nil {
				return err
			}
			step.Published = 1
			return nil
		}

		step.Failed = 1
		return p.handleFailure(txCtx, q, ev, pubErr, &step)
	})
	if err != nil {
		return ProcessResult{}, false, err
	}
	return step, done, nil
}

// handleFailure counts a failed publish against the row and defers it with
// exponential backoff across the whole lineage. Once a generation has used
// its attempts the row is superseded by a fresh copy one generation deeper,
// so it re-enters the queue behind newer rows. The last generation is
// stamped failed and raised as an alert.
func (p *Processor) handleFailure(ctx context.Context, q domain.Querier, ev *domain.OutboxEvent, pubErr error, res *ProcessResult) error {
	logger := p.logger.With(
		zap.String("event_id", ev.ID.String()),
		zap.String("event_type", ev.EventType),
		zap.Int("generation", ev.Generation))

	now := p.clock.Now()
	lineageAttempt := (ev.Generation-1)*p.cfg.MaxPublishAttempts + ev.PublishAttempts
	nextAttemptAt := now.Add(util.RetryDelay(p.cfg.RetryBaseDelay, p.cfg.RetryMaxDelay, lineageAttempt))

	attempts, err := p.repo.RecordFailure(ctx, q, ev.ID, pubErr.Error(), nextAttemptAt)
	if err != nil {
		return err
	}
	if attempts < p.cfg.MaxPublishAttempts {
		logger.Warn("Failed to publish outbox event, will retry",
			zap.Int("publish_attempts", attempts),
			zap.Time("next_attempt_at", nextAttemptAt),
			zap.Error(pubErr))
		return nil
	}

	if ev.Generation >= p.cfg.MaxGeneration {
		if err := p.repo.MarkFailed(ctx, q, ev.ID, pubErr.Error(), now); err != nil {
			return err
		}
		res.Abandoned++
		logger.Error("Outbox event exhausted every retry generation, giving up",
			zap.Bool("alert", true),
			zap.String("aggregate_type", ev.AggregateType),
			zap.String("aggregate_id", ev.AggregateID),
			zap.Int("publish_attempts", attempts),
			zap.Error(pubErr))
		return nil
	}

	next := ev.NextGeneration(p.newID(), now, nextAttemptAt)
	if err := p.repo.Insert(ctx, q, next); err != nil {
		return err
	}
	reason := fmt.Sprintf("superseded by %s (generation %d): %s", next.ID, next.Generation, pubErr.Error())
	if err := p.repo.MarkFailed(ctx, q, ev.ID, reason, now); err != nil {
		return err
	}
	res.Regenerated++
	logger.Warn("Outbox event regenerated after repeated publish failures",
		zap.String("next_event_id", next.ID.String()),
		zap.Int("next_generation", next.Generation),
		zap.Time("next_attempt_at", nextAttemptAt),
		zap.Error(pubErr))
	return nil
}

func (r *ProcessResult) add(o ProcessResult) {
	r.Fetched += o.Fetched
	r.Published += o.Published
	r.Failed += o.Failed
	r.Regenerated += o.Regenerated
	r.Abandoned += o.Abandoned
}
