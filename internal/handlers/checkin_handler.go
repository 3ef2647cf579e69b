package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/farellandr/spoticket-gate/internal/checkin"
	"github.com/farellandr/spoticket-gate/internal/helpers"
	"github.com/farellandr/spoticket-gate/internal/middleware"
)

type CheckInRequest struct {
	Code string `json:"code" binding:"required"`
}

func respondCheckInError(c *gin.Context, err error) {
	var used *checkin.AlreadyUsedError
	switch {
	case errors.As(err, &used):
		helpers.RespondWithErrorCode(c, http.StatusConflict, "ALREADY_USED", "Ticket has already been used.", gin.H{
			"scanned_at": used.ScannedAt.UTC().Format(time.RFC3339),
			"scanned_by": used.ScannedBy,
		})
	case errors.Is(err, checkin.ErrMalformedCode):
		helpers.RespondWithErrorCode(c, http.StatusBadRequest, "MALFORMED_CODE", "Ticket code is not valid.", nil)
	case errors.Is(err, checkin.ErrTicketNotFound):
		helpers.RespondWithErrorCode(c, http.StatusNotFound, "NOT_FOUND", "Ticket not found.", nil)
	case errors.Is(err, checkin.ErrTicketCancelled):
		helpers.RespondWithErrorCode(c, http.StatusConflict, "CANCELLED", "Ticket has been cancelled.", nil)
	default:
		helpers.RespondWithError(c, http.StatusInternalServerError, "Failed to check in ticket.")
	}
}

func CheckInTicket(c *gin.Context) {
	identity, ok := middleware.CurrentUser(c)
	if !ok {
		helpers.RespondWithError(c, http.StatusUnauthorized, "User not authenticated.")
		return
	}

	var req CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid request payload.")
		return
	}

	svc := middleware.GetCheckInService(c)
	if svc == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Check-in service not available.")
		return
	}

	ticket, err := svc.CheckIn(c.Request.Context(), strings.TrimSpace(req.Code), identity.UserID)
	if err != nil {
		respondCheckInError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Ticket checked in successfully.",
		"ticket":  ticketResponse(ticket),
	})
}

func LookupTicket(c *gin.Context) {
	svc := middleware.GetCheckInService(c)
	if svc == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Check-in service not available.")
		return
	}

	ticket, err := svc.Lookup(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondCheckInError(c, err)
		return
	}

	c.JSON(http.StatusOK, ticketResponse(ticket))
}
