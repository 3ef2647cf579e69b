package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/farellandr/spoticket-gate/internal/helpers"
	"github.com/farellandr/spoticket-gate/internal/metrics"
	"github.com/farellandr/spoticket-gate/internal/middleware"
	"github.com/farellandr/spoticket-gate/internal/webhook"
)

// RefundWebhook verifies and applies a gateway refund callback. Once the
// signature checks out the gateway always gets 200 so it stops retrying;
// processing failures are logged and left to a manual replay, which event-id
// dedup keeps safe.
func RefundWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	logger := middleware.GetLogger(c)
	cfg := middleware.GetWebhookConfig(c)
	svc := middleware.GetRefundService(c)
	if svc == nil || cfg.Secret == "" {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Webhook processing not configured.")
		return
	}

	rawBody, err := webhook.ReadBody(c.Request.Body, cfg.MaxBody)
	if err != nil {
		metrics.Webhook("rejected")
		if errors.Is(err, webhook.ErrBodyTooLarge) {
			helpers.RespondWithError(c, http.StatusRequestEntityTooLarge, "Payload too large.")
			return
		}
		helpers.RespondWithError(c, http.StatusBadRequest, "Failed to read request body.")
		return
	}

	if !webhook.Verify(rawBody, c.GetHeader(webhook.SignatureHeader), cfg.Secret) {
		metrics.Webhook("invalid_signature")
		logger.WarnContext(ctx, "webhook signature rejected", "remote_ip", c.ClientIP())
		helpers.RespondWithError(c, http.StatusUnauthorized, "Invalid signature.")
		return
	}

	ev, err := webhook.ParseEvent(rawBody, c.GetHeader(webhook.EventIDHeader))
	if err != nil {
		metrics.Webhook("malformed")
		logger.WarnContext(ctx, "webhook payload dropped", "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if err := svc.HandleWebhook(ctx, ev); err != nil {
		logger.ErrorContext(ctx, "webhook processing failed",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"gateway_refund_id", ev.GatewayRefundID,
			"error", err,
		)
		c.JSON(http.StatusOK, gin.H{"status": "logged"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
