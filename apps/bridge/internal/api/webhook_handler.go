package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"bridge/apps/bridge/internal/custody"
	"bridge/apps/bridge/internal/model"
	"bridge/apps/bridge/internal/statemachine"
)

// ObservationSink is the state-machine entry point push events feed into.
type ObservationSink interface {
	HandleObservation(ctx context.Context, obs model.TransferObservation, actor string) error
}

// WebhookHandler ingests custody push notifications.
type WebhookHandler struct {
	gateway *custody.Gateway
	sink    ObservationSink
	logger  *zap.Logger
}

func NewWebhookHandler(gateway *custody.Gateway, sink ObservationSink, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{gateway: gateway, sink: sink, logger: logger}
}

// HandleCustodyWebhook handles POST /api/webhooks/custody. The signature
// covers "timestamp.body"; rejected webhooks change no state.
func (h *WebhookHandler) HandleCustodyWebhook(w http.ResponseWriter, r *http.Request) {
	timestamp := r.Header.Get("X-Custody-Timestamp")
	signature := r.Header.Get("X-Custody-Signature")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "unreadable_body")
		return
	}

	if err := h.gateway.VerifyWebhook(timestamp, signature, body); err != nil {
		switch {
		case errors.Is(err, custody.ErrStaleNotification):
			h.logger.Warn("Rejected stale custody webhook", zap.String("timestamp", timestamp))
			h.writeError(w, http.StatusBadRequest, "stale_notification")
		case errors.Is(err, custody.ErrInvalidSignature):
			h.logger.Warn("Rejected custody webhook with bad signature")
			h.writeError(w, http.StatusUnauthorized, "invalid_signature")
		default:
			h.logger.Error("Webhook verification failed", zap.Error(err))
			h.writeError(w, http.StatusBadRequest, "verification_failed")
		}
		return
	}

	obs, err := h.gateway.DecodeWebhook(body)
	if err != nil {
		h.logger.Warn("Undecodable custody webhook body", zap.Error(err))
		h.writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	if err := h.sink.HandleObservation(r.Context(), obs, "webhook"); err != nil {
		if errors.Is(err, statemachine.ErrConcurrentModification) {
			// A concurrent delivery won the race; the event is applied.
			h.writeOK(w)
			return
		}
		h.logger.Error("Failed to apply custody webhook",
			zap.String("tx_id", obs.TxID),
			zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "processing_failed")
		return
	}

	h.writeOK(w)
}

func (h *WebhookHandler) writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

func (h *WebhookHandler) writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
