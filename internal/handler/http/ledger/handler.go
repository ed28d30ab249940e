package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"notifications/internal/delivery"
	"notifications/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type MessageLedger interface {
	GetMessage(ctx context.Context, id uuid.UUID) (*delivery.MessageView, error)
	GetMessageByIdempotencyKey(ctx context.Context, key string) (*delivery.MessageView, error)
}

type LedgerHandler struct {
	ledger MessageLedger
	logger *zap.Logger
}

func NewLedgerHandler(l MessageLedger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, logger: logger}
}

func (h *LedgerHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	messageIDStr := chi.URLParam(r, "messageID")
	messageID, err := uuid.Parse(messageIDStr)
	if err != nil {
		h.logger.Warn("Invalid message ID in GetMessage request", zap.String("message_id", messageIDStr))
		http.Error(w, "Invalid message ID", http.StatusBadRequest)
		return
	}

	res, err := h.ledger.GetMessage(r.Context(), messageID)
	h.respond(w, res, err, zap.String("message_id", messageIDStr))
}

func (h *LedgerHandler) FindMessage(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("idempotency_key")
	if key == "" {
		h.logger.Warn("idempotency_key is missing in FindMessage request")
		http.Error(w, "idempotency_key is required", http.StatusBadRequest)
		return
	}

	res, err := h.ledger.GetMessageByIdempotencyKey(r.Context(), key)
	h.respond(w, res, err, zap.String("idempotency_key", key))
}

func (h *LedgerHandler) respond(w http.ResponseWriter, res *delivery.MessageView, err error, field zap.Field) {
	if err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			h.logger.Info("Message not found", field)
			http.Error(w, "Message not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Error getting message", field, zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}
