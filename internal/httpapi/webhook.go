package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"outreach/internal/observability"
	sqsqueue "outreach/internal/queue/sqs"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body,
// keyed with the shared gateway webhook secret.
const SignatureHeader = "X-Gateway-Signature"

type EventQueue interface {
	EnqueueEvent(ctx context.Context, ev sqsqueue.InboundEvent) error
}

// Webhook receives inbound gateway events (replies, accepted invitations)
// and hands them to the event queue. State transitions happen in the
// webhook processor, not here.
type Webhook struct {
	Secret string
	Events EventQueue
}

func (h *Webhook) HandleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	if !h.verify(body, r.Header.Get(SignatureHeader)) {
		observability.InboundEvents.WithLabelValues("unknown", "bad_signature").Inc()
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	var ev sqsqueue.InboundEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		observability.InboundEvents.WithLabelValues("unknown", "bad_payload").Inc()
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if ev.Type != sqsqueue.EventReply && ev.Type != sqsqueue.EventInvitationAccepted {
		observability.InboundEvents.WithLabelValues(ev.Type, "ignored").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}
	if ev.AccountID == "" || ev.ProviderID == "" {
		observability.InboundEvents.WithLabelValues(ev.Type, "bad_payload").Inc()
		http.Error(w, "missing fields", http.StatusBadRequest)
		return
	}

	if err := h.Events.EnqueueEvent(r.Context(), ev); err != nil {
		slog.Error("enqueue inbound event failed", "type", ev.Type, "err", err)
		observability.InboundEvents.WithLabelValues(ev.Type, "enqueue_error").Inc()
		http.Error(w, "enqueue failed", http.StatusBadGateway)
		return
	}

	observability.InboundEvents.WithLabelValues(ev.Type, "accepted").Inc()
	w.WriteHeader(http.StatusAccepted)
}

func (h *Webhook) verify(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
