package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"notifications/internal/domain"
	"notifications/internal/sender"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.AttemptStatus
	}{
		{"success", nil, domain.AttemptStatusSuccess},
		{"invalid recipient", fmt.Errorf("smtp: %w", sender.ErrInvalidRecipient), domain.AttemptStatusRejected},
		{"unauthorized", sender.ErrUnauthorized, domain.AttemptStatusRejected},
		{"permanent provider error", &sender.ProviderError{Code: "550", Permanent: true}, domain.AttemptStatusRejected},
		{"missing variable", fmt.Errorf("%w: name", domain.ErrMissingVariable), domain.AttemptStatusRejected},
		{"inactive template", domain.ErrTemplateInactive, domain.AttemptStatusRejected},
		{"sms too long", domain.ErrSmsTooLong, domain.AttemptStatusRejected},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), domain.AttemptStatusTimeout},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutError{}}, domain.AttemptStatusTimeout},
		{"temporary provider error", &sender.ProviderError{Code: "421"}, domain.AttemptStatusFailed},
		{"open breaker", fmt.Errorf("sender-email unavailable: %w", gobreaker.ErrOpenState), domain.AttemptStatusFailed},
		{"panic", ErrSenderPanic, domain.AttemptStatusFailed},
		{"unknown", errors.New("connection reset by peer"), domain.AttemptStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
