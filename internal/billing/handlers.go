package billing

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/credgate/internal/credits"
)

// maxPayload bounds a webhook body. Stripe documents events well under it.
const maxPayload = 64 << 10

// Handler receives Stripe webhook deliveries.
type Handler struct {
	processor *Processor
	secret    string
	logger    *slog.Logger
}

// NewHandler creates a webhook handler. An empty secret disables the route.
func NewHandler(processor *Processor, secret string, logger *slog.Logger) *Handler {
	return &Handler{processor: processor, secret: secret, logger: logger}
}

// RegisterRoutes sets up the webhook route. It must sit outside the user
// identity middleware: Stripe authenticates by signature.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/billing/webhook", h.Webhook)
}

// Webhook handles POST /billing/webhook
func (h *Handler) Webhook(c *gin.Context) {
	if h.secret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "billing_disabled"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayload+1))
	if err != nil || len(payload) > maxPayload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		eventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		h.logger.Warn("billing webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}

	result, err := h.processor.Process(c.Request.Context(), event)
	if err != nil {
		h.logger.Error("billing event failed", "event_id", event.ID, "type", event.Type, "error", err)
		// A non-2xx makes Stripe redeliver; only outages are worth that.
		if errors.Is(err, credits.ErrDatastoreUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "datastore_unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "result": result})
}
