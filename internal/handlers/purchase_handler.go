package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"gorm.io/gorm"

	"github.com/farellandr/spoticket-gate/internal/helpers"
	"github.com/farellandr/spoticket-gate/internal/inventory"
	"github.com/farellandr/spoticket-gate/internal/issuance"
	"github.com/farellandr/spoticket-gate/internal/middleware"
	"github.com/farellandr/spoticket-gate/internal/models"
)

type PurchaseRequest struct {
	EventID   *uuid.UUID `json:"event_id"`
	Quantity  int        `json:"quantity" binding:"required,gt=0"`
	ChargeRef string     `json:"charge_ref"`
	OrderRef  string     `json:"order_ref"`
}

func ticketResponse(ticket *models.Ticket) gin.H {
	return gin.H{
		"id":         ticket.ID,
		"code":       ticket.Code,
		"event_id":   ticket.EventID,
		"status":     ticket.Status,
		"price":      ticket.Price,
		"order_ref":  ticket.OrderRef,
		"scanned_at": ticket.ScannedAt,
		"created_at": ticket.CreatedAt,
	}
}

func CreatePurchase(c *gin.Context) {
	identity, ok := middleware.CurrentUser(c)
	if !ok {
		helpers.RespondWithError(c, http.StatusUnauthorized, "User not authenticated.")
		return
	}

	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid input. Please check your fields.")
		return
	}

	gormDB := middleware.GetDB(c)
	svc := middleware.GetIssuanceService(c)
	if gormDB == nil || svc == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Issuance service not available.")
		return
	}

	var eventID uuid.UUID
	if req.EventID != nil {
		eventID = *req.EventID
	} else {
		var event models.Event
		if err := gormDB.Select("id").First(&event).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				helpers.RespondWithError(c, http.StatusNotFound, "No event has been created yet.")
				return
			}
			helpers.RespondWithError(c, http.StatusInternalServerError, "Error retrieving event.")
			return
		}
		eventID = event.ID
	}

	chargeRef := req.ChargeRef
	if chargeRef == "" {
		chargeRef = "chg-" + uuid.NewString()
	}

	tickets, err := svc.Issue(c.Request.Context(), issuance.IssueRequest{
		EventID:   eventID,
		UserID:    identity.UserID,
		Quantity:  req.Quantity,
		ChargeRef: chargeRef,
		OrderRef:  req.OrderRef,
	})
	if err != nil {
		switch {
		case errors.Is(err, inventory.ErrInsufficientInventory):
			helpers.RespondWithErrorCode(c, http.StatusConflict, "SOLD_OUT", "Not enough tickets remaining.", nil)
		case errors.Is(err, inventory.ErrEventNotFound):
			helpers.RespondWithError(c, http.StatusNotFound, "Event not found.")
		case errors.Is(err, inventory.ErrInvalidQuantity), errors.Is(err, issuance.ErrMaxQuantity):
			helpers.RespondWithError(c, http.StatusBadRequest, err.Error())
		case errors.Is(err, issuance.ErrCodeGenerationExhausted):
			helpers.RespondWithError(c, http.StatusServiceUnavailable, "Could not allocate ticket codes. Please retry.")
		default:
			helpers.RespondWithError(c, http.StatusInternalServerError, "Failed to issue tickets.")
		}
		return
	}

	out := make([]gin.H, 0, len(tickets))
	for i := range tickets {
		out = append(out, ticketResponse(&tickets[i]))
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "Tickets issued successfully.",
		"tickets": out,
	})
}

func ListMyTickets(c *gin.Context) {
	identity, ok := middleware.CurrentUser(c)
	if !ok {
		helpers.RespondWithError(c, http.StatusUnauthorized, "User not authenticated.")
		return
	}

	gormDB := middleware.GetDB(c)
	if gormDB == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Database connection not found.")
		return
	}

	var tickets []models.Ticket
	if err := gormDB.Where("user_id = ?", identity.UserID).Order("created_at desc").Find(&tickets).Error; err != nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Error retrieving tickets.")
		return
	}

	out := make([]gin.H, 0, len(tickets))
	for i := range tickets {
		out = append(out, ticketResponse(&tickets[i]))
	}
	c.JSON(http.StatusOK, gin.H{"tickets": out})
}

func GetTicketQR(c *gin.Context) {
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

	gormDB := middleware.GetDB(c)
	if gormDB == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Database connection not found.")
		return
	}

	var ticket models.Ticket
	if err := gormDB.Where("id = ?", ticketID).First(&ticket).Error; err != nil {
		helpers.RespondWithError(c, http.StatusNotFound, "Ticket not found.")
		return
	}
	if ticket.UserID != identity.UserID {
		helpers.RespondWithError(c, http.StatusForbidden, "You don't have permission to view this ticket.")
		return
	}
	if ticket.Status != models.TicketActive {
		helpers.RespondWithError(c, http.StatusConflict, "Ticket is "+string(ticket.Status)+".")
		return
	}

	qrImage, err := qrcode.Encode(ticket.Code, qrcode.Medium, 256)
	if err != nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Failed to generate QR code.")
		return
	}

	c.Data(http.StatusOK, "image/png", qrImage)
}
