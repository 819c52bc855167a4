package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tutu-network/scribe/internal/infra/observability"
	"github.com/tutu-network/scribe/internal/infra/payments"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// ─── Payments ───────────────────────────────────────────────────────────────
//
// GET  /api/payments/products - purchasable credit packs
// POST /api/payments/intents  - start a purchase
// POST /api/payments/webhook  - processor settlement notifications

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.svc.Purchase.Products(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

type intentRequest struct {
	ProductID string `json:"productId"`
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	intent, err := s.svc.Purchase.CreateIntent(r.Context(), accountID(r.Context()), req.ProductID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// handleWebhook verifies and records a notification, then processes it.
// Once the event is recorded the response is 200 whatever the processing
// outcome; failures are retried from the inbox.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		observability.WebhookRequests.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		observability.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if strings.TrimSpace(s.cfg.WebhookSecret) == "" || s.svc.Inbox == nil {
		status = http.StatusServiceUnavailable
		writeError(w, status, "webhook secret not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeError(w, status, "failed to read request body")
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		status = http.StatusBadRequest
		writeError(w, status, "missing signature")
		return
	}

	ev, n, err := payments.ParseWebhook(payload, sig, s.cfg.WebhookSecret)
	if err != nil {
		status = http.StatusBadRequest
		if errors.Is(err, payments.ErrBadSignature) {
			writeError(w, status, "invalid signature")
		} else {
			writeError(w, status, "malformed event")
		}
		log.Warn().Err(err).Msg("webhook rejected")
		return
	}
	eventType = ev.EventType

	outcome, err := s.svc.Inbox.Receive(r.Context(), ev, n)
	if err != nil {
		log.Error().Err(err).Str("event_id", ev.EventID).Str("type", ev.EventType).Msg("record webhook event failed")
		status = http.StatusInternalServerError
		writeError(w, status, "processing failed")
		return
	}

	log.Info().Str("event_id", ev.EventID).Str("type", ev.EventType).Str("outcome", outcome).Msg("webhook received")
	writeJSON(w, status, map[string]any{"received": true, "outcome": outcome})
}
