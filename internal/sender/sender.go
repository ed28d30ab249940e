package sender

import (
	"context"
	"errors"
	"fmt"

	"notifications/internal/domain"

	"github.com/google/uuid"
)

var (
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrUnauthorized     = errors.New("provider rejected credentials")
)

// Notification is a fully rendered message ready for a provider.
type Notification struct {
	MessageID     uuid.UUID
	Channel       domain.Channel
	Recipients    []string
	Subject       string
	BodyText      string
	BodyHTML      string
	CorrelationID string
	Priority      domain.Priority
}

type Result struct {
	ProviderResponse string
}

// Sender hands a notification to a channel provider. Implementations must
// honor ctx cancellation.
type Sender interface {
	Send(ctx context.Context, n *Notification) (*Result, error)
}

// ProviderError is a failure reported by the provider itself, as opposed to
// a transport failure reaching it.
type ProviderError struct {
	Code      string
	Message   string
	Permanent bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
}

// IsPermanent reports whether retrying err can never succeed.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrInvalidRecipient) || errors.Is(err, ErrUnauthorized) {
		return true
	}
	var providerErr *ProviderError
	return errors.As(err, &providerErr) && providerErr.Permanent
}

// ErrorCode extracts a short code for the attempt ledger.
func ErrorCode(err error) string {
	var providerErr *ProviderError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &providerErr):
		return providerErr.Code
	case errors.Is(err, ErrInvalidRecipient):
		return "INVALID_RECIPIENT"
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	default:
		return ""
	}
}
