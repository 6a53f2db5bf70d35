package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/ak-intelligence/whatia/internal/models"
)

// maxWebhookBodyBytes bounds webhook payload reads.
const maxWebhookBodyBytes = int64(65536)

// botWebhookHandler handles POST /bot, the Twilio inbound message webhook.
// It always acknowledges with 200 and an empty body: Twilio retries on
// non-2xx, and a retried turn would double-charge the trial quota.
func (s *Server) botWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.botWebhookHandler: processing inbound message", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.botWebhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.botWebhookHandler: failed to parse form", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	in := models.InboundMessage{
		From:             r.PostFormValue("From"),
		Body:             r.PostFormValue("Body"),
		MediaURL:         r.PostFormValue("MediaUrl0"),
		MediaContentType: r.PostFormValue("MediaContentType0"),
		MessageSID:       r.PostFormValue("MessageSid"),
	}

	// Replies go out through the messaging transport, not the webhook
	// response, so the turn runs on a background context.
	result, err := s.turns.HandleTurn(context.Background(), in)
	if err != nil {
		slog.Error("Server.botWebhookHandler: turn failed", "error", err, "sid", in.MessageSID)
	} else {
		slog.Info("Server.botWebhookHandler: turn handled",
			"outcome", result.Outcome, "phone", result.PhoneNumber, "sid", in.MessageSID)
	}
	w.WriteHeader(http.StatusOK)
}

// stripeWebhookHandler handles POST /webhook, the Stripe event endpoint.
func (s *Server) stripeWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.stripeWebhookHandler: processing stripe event", "method", r.Method)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.stripeWebhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		slog.Warn("Server.stripeWebhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid payload"))
		return
	}

	event, err := s.billing.VerifyEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		slog.Warn("Server.stripeWebhookHandler: signature verification failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Signature verification failed"))
		return
	}

	if err := s.billing.HandleEvent(r.Context(), event); err != nil {
		slog.Error("Server.stripeWebhookHandler: event handling failed", "error", err, "type", event.Type, "id", event.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process event"))
		return
	}

	slog.Info("Server.stripeWebhookHandler: event processed", "type", event.Type, "id", event.ID)
	writeJSONResponse(w, http.StatusOK, models.BillingSuccess())
}

// healthHandler handles GET /health. A throwaway lookup doubles as a store
// reachability probe.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, err := s.st.FindByPhone("+000000000000"); err != nil {
		slog.Error("Server.healthHandler: store unreachable", "error", err)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Store unreachable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "whatia"}))
}
