package delivery

import (
	"context"
	"errors"
	"net"

	"notifications/internal/domain"
	"notifications/internal/sender"
)

var rejectedErrors = []error{
	domain.ErrTemplateNotFound,
	domain.ErrTemplateInactive,
	domain.ErrTemplateUnusable,
	domain.ErrMissingVariable,
	domain.ErrSmsTooLong,
	domain.ErrInvalidEvent,
}

// Classify maps the outcome of one delivery attempt onto the attempt
// ledger's status. REJECTED is permanent; FAILED and TIMEOUT go to the
// next retry tier.
func Classify(err error) domain.AttemptStatus {
	if err == nil {
		return domain.AttemptStatusSuccess
	}
	if sender.IsPermanent(err) {
		return domain.AttemptStatusRejected
	}
	for _, target := range rejectedErrors {
		if errors.Is(err, target) {
			return domain.AttemptStatusRejected
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.AttemptStatusTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.AttemptStatusTimeout
	}
	return domain.AttemptStatusFailed
}
