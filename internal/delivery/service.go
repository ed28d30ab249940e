package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notifications/internal/domain"
	"notifications/internal/infrastructure/database"
	"notifications/internal/repository/attempt_repo"
	"notifications/internal/repository/message_repo"
	"notifications/internal/sender"
	"notifications/internal/template"
	"notifications/internal/util"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

var (
	// ErrRetryable marks an outcome the broker must route to the next tier.
	ErrRetryable = errors.New("delivery failed, retry in next tier")

	ErrSenderPanic     = errors.New("sender panicked")
	ErrNoSender        = errors.New("no sender configured for channel")
	errDuplicateKey    = errors.New("idempotency key belongs to another message")
	errMessageNotFound = errors.New("message neither created nor found")
)

type Renderer interface {
	Render(ctx context.Context, req *domain.NotificationRequest) (*template.Rendered, error)
}

type Config struct {
	SendTimeout          time.Duration
	ProcessingStaleAfter time.Duration
	// MaxAttempts caps provider sends per message across every copy of its
	// event. It matches the number of retry tiers.
	MaxAttempts int
	// DedupeWindow bounds how long an idempotency key keeps a second
	// message_id from being delivered.
	DedupeWindow time.Duration
}

// Service drives a Message through RECEIVED -> PROCESSING -> SENT | FAILED
// | DLQ and keeps the attempt ledger. It never sleeps between attempts; the
// broker's retry tiers decide when the next delivery happens.
type Service struct {
	db       domain.Querier
	tx       database.TxRunner
	messages message_repo.MessageRepository
	attempts attempt_repo.AttemptRepository
	renderer Renderer
	senders  map[domain.Channel]sender.Sender
	stream   StatusStream
	clock    clockwork.Clock
	newID    util.IDFunc
	cfg      Config
	logger   *zap.Logger
}

func NewService(
	db domain.Querier,
	tx database.TxRunner,
	messages message_repo.MessageRepository,
	attempts attempt_repo.AttemptRepository,
	renderer Renderer,
	senders map[domain.Channel]sender.Sender,
	stream StatusStream,
	clock clockwork.Clock,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if stream == nil {
		stream = NoopStatusStream{}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.ProcessingStaleAfter <= 0 {
		cfg.ProcessingStaleAfter = 2 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 5 * time.Minute
	}
	return &Service{
		db:       db,
		tx:       tx,
		messages: messages,
		attempts: attempts,
		renderer: renderer,
		senders:  senders,
		stream:   stream,
		clock:    clock,
		newID:    util.GenerateUUID,
		cfg:      cfg,
		logger:   logger,
	}
}

// Handle processes one delivery of a notification event. A nil return means
// the delivery is settled; an error wrapping ErrRetryable asks for the next
// retry tier; any other error is an infrastructure failure and the delivery
// should be redelivered as is.
func (s *Service) Handle(ctx context.Context, body []byte) error {
	req, err := domain.DecodeNotificationRequest(body)
	if err != nil {
		s.logger.Error("Discarding malformed notification event", zap.Error(err))
		return nil
	}
	logger := s.logger.With(zap.String("message_id", req.MessageID.String()), zap.String("channel", string(req.Channel)))

	now := s.clock.Now()
	msg, err := s.createOrFetch(ctx, req, body, now)
	if err != nil {
		if errors.Is(err, errDuplicateKey) {
			logger.Info("Discarding event with an idempotency key already used by another message",
				zap.String("idempotency_key", req.IdempotencyKey))
			return nil
		}
		return fmt.Errorf("load message %s: %w", req.MessageID, err)
	}

	if msg.Status.IsTerminal() {
		logger.Info("Discarding duplicate delivery of settled message", zap.String("status", string(msg.Status)))
		return nil
	}

	if msg.IsExpired(now) {
		return s.expire(ctx, msg, logger)
	}

	staleBefore := now.Add(-s.cfg.ProcessingStaleAfter)
	if msg.AttemptCount >= s.cfg.MaxAttempts {
		if msg.Status == domain.MessageStatusProcessing && !msg.UpdatedAt.Before(staleBefore) {
			// The last allowed attempt is still running elsewhere.
			logger.Warn("Message is on its last attempt on another worker, parking delivery")
			return fmt.Errorf("%w: message %s is being processed", ErrRetryable, msg.ID)
		}
		return s.deadLetter(ctx, msg, domain.LastErrorMaxRetries, logger)
	}

	claimed, err := s.messages.Claim(ctx, s.db, msg.ID, now, staleBefore, s.cfg.MaxAttempts)
	if err != nil {
		if errors.Is(err, message_repo.ErrMessageNotClaimable) {
			// Another worker holds it, or held it and died. Parking the copy
			// lets it return once the claim is settled or stale.
			logger.Warn("Message is in flight on another worker, parking delivery")
			return fmt.Errorf("%w: message %s is being processed", ErrRetryable, msg.ID)
		}
		return fmt.Errorf("claim message %s: %w", msg.ID, err)
	}

	attempt := s.attempt(ctx, claimed, req)
	logger = logger.With(zap.Int("attempt", attempt.AttemptNumber))

	return s.settle(ctx, claimed, attempt, logger)
}

// HandleDeadLetter settles a message that exhausted every retry tier.
func (s *Service) HandleDeadLetter(ctx context.Context, body []byte) error {
	req, err := domain.DecodeNotificationRequest(body)
	if err != nil {
		s.logger.Error("Discarding malformed dead-lettered event", zap.Error(err))
		return nil
	}
	logger := s.logger.With(zap.String("message_id", req.MessageID.String()), zap.String("channel", string(req.Channel)))

	now := s.clock.Now()
	msg, err := s.createOrFetch(ctx, req, body, now)
	if err != nil {
		if errors.Is(err, errDuplicateKey) {
			return nil
		}
		return fmt.Errorf("load message %s: %w", req.MessageID, err)
	}
	if msg.Status.IsTerminal() {
		logger.Info("Dead-lettered message already settled", zap.String("status", string(msg.Status)))
		return nil
	}
	return s.deadLetter(ctx, msg, domain.LastErrorMaxRetries, logger)
}

// deadLetter moves msg to DLQ with reason. The write is not tied to ctx so a
// shutdown in between does not leave the message behind.
func (s *Service) deadLetter(ctx context.Context, msg *domain.Message, reason string, logger *zap.Logger) error {
	now := s.clock.Now()
	if err := msg.Transition(domain.MessageStatusDLQ, now); err != nil {
		return fmt.Errorf("dead-letter message %s: %w", msg.ID, err)
	}
	msg.LastError = reason
	ctx = context.WithoutCancel(ctx)
	if err := s.messages.UpdateStatus(ctx, s.db, msg); err != nil {
		return fmt.Errorf("persist dead-lettered message %s: %w", msg.ID, err)
	}

	switch reason {
	case domain.LastErrorExpired:
		logger.Warn("Message expired before delivery, moved to DLQ", zap.Timep("expires_at", msg.ExpiresAt))
	default:
		logger.Error("Message exhausted all retry tiers",
			zap.Int("attempts", msg.AttemptCount),
			zap.String("last_error", msg.LastError))
	}
	s.emit(ctx, newStatusEvent(msg, nil, now), logger)
	return nil
}

func (s *Service) createOrFetch(ctx context.Context, req *domain.NotificationRequest, body []byte, now time.Time) (*domain.Message, error) {
	if req.IdempotencyKey != "" {
		dup, err := s.keyTakenByOther(ctx, req)
		if err != nil {
			return nil, err
		}
		if dup {
			return nil, errDuplicateKey
		}
	}

	candidate := domain.NewMessageFromRequest(req, body, now)
	created, err := s.messages.CreateIfAbsent(ctx, s.db, candidate)
	if err != nil {
		return nil, err
	}
	if created {
		return candidate, nil
	}

	msg, err := s.messages.GetByID(ctx, s.db, req.MessageID)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, domain.ErrMessageNotFound) {
		return nil, err
	}
	return nil, errMessageNotFound
}

// keyTakenByOther reports whether the newest message holding req's
// idempotency key has another id and was requested within the dedupe window
// of req. A republish after the window is a new notification.
func (s *Service) keyTakenByOther(ctx context.Context, req *domain.NotificationRequest) (bool, error) {
	prior, err := s.messages.GetByIdempotencyKey(ctx, s.db, req.IdempotencyKey)
	if errors.Is(err, domain.ErrMessageNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if prior.ID == req.MessageID {
		return false, nil
	}

	requestedAt := prior.CreatedAt
	if priorReq, err := domain.DecodeNotificationRequest(prior.Payload); err == nil && !priorReq.CreatedAt.IsZero() {
		requestedAt = priorReq.CreatedAt
	}
	if req.CreatedAt.IsZero() {
		return s.clock.Since(requestedAt) < s.cfg.DedupeWindow, nil
	}
	gap := req.CreatedAt.Sub(requestedAt)
	if gap < 0 {
		gap = -gap
	}
	return gap < s.cfg.DedupeWindow, nil
}

func (s *Service) expire(ctx context.Context, msg *domain.Message, logger *zap.Logger) error {
	return s.deadLetter(ctx, msg, domain.LastErrorExpired, logger)
}

// attempt renders and sends once, returning the ledger entry for the outcome.
func (s *Service) attempt(ctx context.Context, msg *domain.Message, req *domain.NotificationRequest) *domain.DeliveryAttempt {
	start := s.clock.Now()

	var (
		result *sender.Result
		err    error
	)
	rendered, err := s.renderer.Render(ctx, req)
	if err == nil {
		result, err = s.send(ctx, msg, rendered)
	}

	attempt := &domain.DeliveryAttempt{
		ID:            s.newID(),
		MessageID:     msg.ID,
		AttemptNumber: msg.AttemptCount,
		Status:        Classify(err),
		DurationMs:    s.clock.Since(start).Milliseconds(),
		CreatedAt:     s.clock.Now(),
	}
	if result != nil {
		attempt.ProviderResponse = result.ProviderResponse
	}
	if err != nil {
		attempt.ErrorCode = sender.ErrorCode(err)
		attempt.ErrorMessage = err.Error()
	}
	return attempt
}

// send enforces the hard timeout even against a sender that ignores its
// context, and turns a sender panic into an error.
func (s *Service) send(ctx context.Context, msg *domain.Message, rendered *template.Rendered) (*sender.Result, error) {
	snd, ok := s.senders[msg.Channel]
	if !ok || snd == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSender, msg.Channel)
	}

	n := &sender.Notification{
		MessageID:     msg.ID,
		Channel:       msg.Channel,
		Recipients:    msg.Recipients,
		Subject:       rendered.Subject,
		BodyText:      rendered.BodyText,
		BodyHTML:      rendered.BodyHTML,
		CorrelationID: msg.CorrelationID,
		Priority:      msg.Priority,
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	type outcome struct {
		result *sender.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrSenderPanic, r)}
			}
		}()
		result, err := snd.Send(sendCtx, n)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-sendCtx.Done():
		return nil, fmt.Errorf("send %s: %w", msg.ID, sendCtx.Err())
	}
}

// settle applies the attempt's outcome to the message and persists both in
// one transaction.
func (s *Service) settle(ctx context.Context, msg *domain.Message, attempt *domain.DeliveryAttempt, logger *zap.Logger) error {
	now := s.clock.Now()

	var next domain.MessageStatus
	switch attempt.Status {
	case domain.AttemptStatusSuccess:
		next = domain.MessageStatusSent
		msg.LastError = ""
	case domain.AttemptStatusRejected:
		next = domain.MessageStatusDLQ
		msg.LastError = attempt.ErrorMessage
	default:
		next = domain.MessageStatusFailed
		msg.LastError = attempt.ErrorMessage
	}

	if err := msg.Transition(next, now); err != nil {
		if !errors.Is(err, domain.ErrMessageExpired) {
			return fmt.Errorf("transition message %s: %w", msg.ID, err)
		}
		// Delivered after its deadline: the provider has it, but the
		// message may not be recorded as SENT.
		if err := msg.Transition(domain.MessageStatusDLQ, now); err != nil {
			return fmt.Errorf("transition message %s: %w", msg.ID, err)
		}
		msg.LastError = domain.LastErrorExpired
	}

	// A shutdown after the send must not lose the attempt or strand the
	// message in PROCESSING.
	ctx = context.WithoutCancel(ctx)
	err := s.tx.RunInTx(ctx, func(q domain.Querier) error {
		if err := s.attempts.Append(ctx, q, attempt); err != nil {
			return err
		}
		return s.messages.UpdateStatus(ctx, q, msg)
	})
	if err != nil {
		return fmt.Errorf("persist attempt %d for message %s: %w", attempt.AttemptNumber, msg.ID, err)
	}

	s.emit(ctx, newStatusEvent(msg, attempt, now), logger)

	switch msg.Status {
	case domain.MessageStatusSent:
		logger.Info("Notification delivered", zap.Int64("duration_ms", attempt.DurationMs))
		return nil
	case domain.MessageStatusDLQ:
		logger.Error("Notification permanently rejected, moved to DLQ",
			zap.String("attempt_status", string(attempt.Status)),
			zap.String("error_code", attempt.ErrorCode),
			zap.String("error", msg.LastError))
		return nil
	default:
		logger.Warn("Notification delivery failed",
			zap.String("attempt_status", string(attempt.Status)),
			zap.String("error_code", attempt.ErrorCode),
			zap.String("error", attempt.ErrorMessage))
		return fmt.Errorf("%w: attempt %d: %s", ErrRetryable, attempt.AttemptNumber, attempt.ErrorMessage)
	}
}

func (s *Service) emit(ctx context.Context, ev StatusEvent, logger *zap.Logger) {
	if err := s.stream.Emit(ctx, ev); err != nil {
		logger.Warn("Failed to emit delivery status event", zap.Error(err))
	}
}
