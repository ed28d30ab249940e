package ledger

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func RegisterRoutes(r chi.Router, l MessageLedger, logger *zap.Logger) {
	handler := NewLedgerHandler(l, logger.With(zap.String("component", "LedgerHTTPHandler")))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Route("/messages", func(r chi.Router) {
		r.Get("/", handler.FindMessage)
		r.Get("/{messageID}", handler.GetMessage)
	})
}
