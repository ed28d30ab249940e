package domain

import (
	"time"

	"github.com/google/uuid"
)

type AttemptStatus string

const (
	AttemptStatusSuccess  AttemptStatus = "SUCCESS"
	AttemptStatusFailed   AttemptStatus = "FAILED"
	AttemptStatusTimeout  AttemptStatus = "TIMEOUT"
	AttemptStatusRejected AttemptStatus = "REJECTED"
)

// IsRetryable reports whether the broker should move the message to the next tier.
func (s AttemptStatus) IsRetryable() bool {
	return s == AttemptStatusFailed || s == AttemptStatusTimeout
}

// DeliveryAttempt rows are append-only; AttemptNumber is 1-based and unique per message.
type DeliveryAttempt struct {
	ID               uuid.UUID
	MessageID        uuid.UUID
	AttemptNumber    int
	Status           AttemptStatus
	ErrorCode        string
	ErrorMessage     string
	ProviderResponse string
	DurationMs       int64
	CreatedAt        time.Time
}
