package tips

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
	"go.uber.org/zap"

	"github.com/deckline/backend/pkg/response"
)

const maxWebhookBody = 65536

// WebhookHandler turns Stripe checkout completions into tip events. The
// Stripe event id is the dedupe key, so redelivered webhooks never
// double-count a tip.
type WebhookHandler struct {
	repo          *Repository
	feed          *Feed
	signingSecret string
	logger        *zap.Logger
}

// NewWebhookHandler creates the Stripe webhook handler.
func NewWebhookHandler(repo *Repository, feed *Feed, signingSecret string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{repo: repo, feed: feed, signingSecret: signingSecret, logger: logger}
}

// HandleStripe handles POST /webhooks/stripe.
func (h *WebhookHandler) HandleStripe(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(c, "read body")
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.signingSecret)
	if err != nil {
		h.logger.Warn("stripe signature verification failed", zap.Error(err))
		response.BadRequest(c, "invalid signature")
		return
	}

	if event.Type != "checkout.session.completed" {
		response.OK(c, gin.H{"ignored": string(event.Type)})
		return
	}

	var checkout stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &checkout); err != nil {
		h.logger.Warn("decode checkout session", zap.Error(err))
		response.BadRequest(c, "invalid event payload")
		return
	}

	sessionID, err := uuid.Parse(checkout.Metadata["broadcast_session_id"])
	if err != nil {
		// A checkout without a broadcast session is not a tip; ack so Stripe
		// stops retrying.
		response.OK(c, gin.H{"ignored": "no broadcast session"})
		return
	}

	ev := Event{
		EventID:     event.ID,
		SessionID:   sessionID,
		AmountCents: checkout.AmountTotal,
		Message:     checkout.Metadata["message"],
		At:          time.Unix(event.Created, 0),
	}
	inserted, err := h.repo.Insert(c.Request.Context(), ev)
	if err != nil {
		h.logger.Error("persist tip", zap.Error(err))
		response.Internal(c, "failed to record tip")
		return
	}
	if inserted {
		h.feed.Publish(ev)
	}
	response.OK(c, gin.H{"received": true, "duplicate": !inserted})
}
