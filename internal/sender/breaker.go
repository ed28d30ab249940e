package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type BreakerConfig struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration
}

type breakerSender struct {
	next    Sender
	breaker *gobreaker.CircuitBreaker
}

// WithCircuitBreaker stops calling next after repeated transient failures.
// Permanent rejections describe the recipient, not provider health, so they
// never trip the breaker.
func WithCircuitBreaker(name string, next Sender, cfg BreakerConfig, logger *zap.Logger) Sender {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	settings := gobreaker.Settings{
		Name:        "sender-" + name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Sender circuit breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &breakerSender{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (s *breakerSender) Send(ctx context.Context, n *Notification) (*Result, error) {
	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.next.Send(ctx, n)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%s unavailable: %w", s.breaker.Name(), err)
		}
		return nil, err
	}
	result, _ := res.(*Result)
	return result, nil
}
