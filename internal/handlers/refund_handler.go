package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/farellandr/spoticket-gate/internal/helpers"
	"github.com/farellandr/spoticket-gate/internal/middleware"
	"github.com/farellandr/spoticket-gate/internal/models"
	"github.com/farellandr/spoticket-gate/internal/refund"
)

type RefundRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

type CancelRefundRequest struct {
	Note string `json:"note" binding:"max=500"`
}

func refundResponse(r *models.Refund) gin.H {
	history := make([]gin.H, 0, len(r.History))
	for _, entry := range r.History {
		history = append(history, gin.H{
			"status":     entry.Status,
			"note":       entry.Note,
			"created_at": entry.CreatedAt,
		})
	}
	events := make([]gin.H, 0, len(r.WebhookEvents))
	for _, ev := range r.WebhookEvents {
		events = append(events, gin.H{
			"event_id":    ev.GatewayEventID,
			"event_type":  ev.EventType,
			"received_at": ev.ReceivedAt,
		})
	}
	return gin.H{
		"id":                r.ID,
		"ticket_id":         r.TicketID,
		"status":            r.Status,
		"original_amount":   r.OriginalAmount,
		"refund_amount":     r.RefundAmount,
		"refund_display":    helpers.FormatMinor(r.RefundAmount, r.Currency),
		"currency":          r.Currency,
		"reason":            r.Reason,
		"gateway_refund_id": r.GatewayRefundID,
		"failure_reason":    r.FailureReason,
		"processed_at":      r.ProcessedAt,
		"history":           history,
		"webhook_events":    events,
		"created_at":        r.CreatedAt,
	}
}

func RequestRefund(c *gin.Context) {
	identity, ok := middleware.CurrentUser(c)
	if !ok {
		helpers.RespondWithError(c, http.StatusUnauthorized, "User not authenticated.")
		return
	}

	ticketID, ok := helpers.ParamUUID(c, "id")
	if !ok {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid ticket ID.")
		return
	}

	var req RefundRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			helpers.RespondWithError(c, http.StatusBadRequest, "Invalid request payload.")
			return
		}
	}

	svc := middleware.GetRefundService(c)
	if svc == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Refund service not available.")
		return
	}

	result, err := svc.Initiate(c.Request.Context(), ticketID, identity.UserID, req.Reason)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"message": "Refund is being processed.",
			"refund":  refundResponse(result),
		})
	case errors.Is(err, refund.ErrGatewayTimeout) && result != nil:
		helpers.RespondWithErrorCode(c, http.StatusGatewayTimeout, "GATEWAY_TIMEOUT",
			"Payment gateway did not respond. The refund will be reconciled if the gateway completes it.", refundResponse(result))
	case errors.Is(err, refund.ErrGatewayRejected) && result != nil:
		helpers.RespondWithErrorCode(c, http.StatusBadGateway, "GATEWAY_REJECTED",
			"Payment gateway rejected the refund.", refundResponse(result))
	case errors.Is(err, refund.ErrTicketNotFound):
		helpers.RespondWithError(c, http.StatusNotFound, "Ticket not found.")
	case errors.Is(err, refund.ErrNotOwner):
		helpers.RespondWithError(c, http.StatusForbidden, "You don't have permission to refund this ticket.")
	case errors.Is(err, refund.ErrDuplicateRefund):
		helpers.RespondWithErrorCode(c, http.StatusConflict, "DUPLICATE_REFUND", "A refund already exists for this ticket.", nil)
	case errors.Is(err, refund.ErrTicketCancelled):
		helpers.RespondWithErrorCode(c, http.StatusConflict, "CANCELLED", "Ticket has already been cancelled.", nil)
	case errors.Is(err, refund.ErrRefundIneligible):
		helpers.RespondWithErrorCode(c, http.StatusUnprocessableEntity, "INELIGIBLE", err.Error(), nil)
	default:
		helpers.RespondWithError(c, http.StatusInternalServerError, "Failed to request refund.")
	}
}

func ListMyRefunds(c *gin.Context) {
	identity, ok := middleware.CurrentUser(c)
	if !ok {
		helpers.RespondWithError(c, http.StatusUnauthorized, "User not authenticated.")
		return
	}

	svc := middleware.GetRefundService(c)
	if svc == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Refund service not available.")
		return
	}

	refunds, err := svc.ListForUser(c.Request.Context(), identity.UserID)
	if err != nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Error retrieving refunds.")
		return
	}

	out := make([]gin.H, 0, len(refunds))
	for i := range refunds {
		out = append(out, refundResponse(&refunds[i]))
	}
	c.JSON(http.StatusOK, gin.H{"refunds": out})
}

func GetRefund(c *gin.Context) {
	identity, ok := middleware.CurrentUser(c)
	if !ok {
		helpers.RespondWithError(c, http.StatusUnauthorized, "User not authenticated.")
		return
	}

	refundID, ok := helpers.ParamUUID(c, "id")
	if !ok {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid refund ID.")
		return
	}

	svc := middleware.GetRefundService(c)
	if svc == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Refund service not available.")
		return
	}

	result, err := svc.Get(c.Request.Context(), refundID)
	if err != nil {
		if errors.Is(err, refund.ErrRefundNotFound) {
			helpers.RespondWithError(c, http.StatusNotFound, "Refund not found.")
			return
		}
		helpers.RespondWithError(c, http.StatusInternalServerError, "Error retrieving refund.")
		return
	}

	// non-owners get the same 404 as a missing refund
	if result.UserID != identity.UserID && identity.Role != models.RoleAdmin {
		helpers.RespondWithError(c, http.StatusNotFound, "Refund not found.")
		return
	}

	c.JSON(http.StatusOK, refundResponse(result))
}

func CancelRefund(c *gin.Context) {
	refundID, ok := helpers.ParamUUID(c, "id")
	if !ok {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid refund ID.")
		return
	}

	var req CancelRefundRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			helpers.RespondWithError(c, http.StatusBadRequest, "Invalid request payload.")
			return
		}
	}

	svc := middleware.GetRefundService(c)
	if svc == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Refund service not available.")
		return
	}

	result, err := svc.Cancel(c.Request.Context(), refundID, req.Note)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"message": "Refund cancelled.",
			"refund":  refundResponse(result),
		})
	case errors.Is(err, refund.ErrRefundNotFound):
		helpers.RespondWithError(c, http.StatusNotFound, "Refund not found.")
	case errors.Is(err, refund.ErrInvalidTransition):
		helpers.RespondWithErrorCode(c, http.StatusConflict, "INVALID_TRANSITION", "Refund can no longer be cancelled.", nil)
	default:
		helpers.RespondWithError(c, http.StatusInternalServerError, "Failed to cancel refund.")
	}
}
