package delivery

import (
	"context"
	"testing"
	"time"

	"notifications/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_GetMessage(t *testing.T) {
	messages := newMemMessageRepository()
	attempts := &memAttemptRepository{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msg := domain.Message{
		ID:             uuid.New(),
		Channel:        domain.ChannelEmail,
		Recipients:     []string{"a@b.cl"},
		Status:         domain.MessageStatusSent,
		AttemptCount:   2,
		IdempotencyKey: "welcome-42",
		Priority:       domain.PriorityNormal,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	messages.put(msg)
	require.NoError(t, attempts.Append(context.Background(), nil, &domain.DeliveryAttempt{
		ID: uuid.New(), MessageID: msg.ID, AttemptNumber: 1, Status: domain.AttemptStatusTimeout, ErrorCode: "TIMEOUT",
	}))
	require.NoError(t, attempts.Append(context.Background(), nil, &domain.DeliveryAttempt{
		ID: uuid.New(), MessageID: msg.ID, AttemptNumber: 2, Status: domain.AttemptStatusSuccess,
	}))

	ledger := NewLedger(nil, messages, attempts)

	view, err := ledger.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageStatusSent, view.Status)
	require.Len(t, view.Attempts, 2)
	assert.Equal(t, domain.AttemptStatusTimeout, view.Attempts[0].Status)
	assert.Equal(t, domain.AttemptStatusSuccess, view.Attempts[1].Status)

	byKey, err := ledger.GetMessageByIdempotencyKey(context.Background(), "welcome-42")
	require.NoError(t, err)
	assert.Equal(t, msg.ID, byKey.ID)

	_, err = ledger.GetMessage(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}
