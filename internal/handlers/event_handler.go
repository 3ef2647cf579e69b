package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/farellandr/spoticket-gate/internal/helpers"
	"github.com/farellandr/spoticket-gate/internal/middleware"
	"github.com/farellandr/spoticket-gate/internal/models"
)

type CreateEventRequest struct {
	Title       string    `json:"title" binding:"required"`
	Description string    `json:"description" binding:"required"`
	Venue       string    `json:"venue" binding:"required"`
	StartTime   time.Time `json:"start_time" binding:"required"`
	EndTime     time.Time `json:"end_time" binding:"required"`
	Capacity    int       `json:"capacity" binding:"required,gt=0"`
	Price       string    `json:"price" binding:"required"`
	Currency    string    `json:"currency" binding:"required,len=3"`
}

type UpdateEventRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Venue       *string    `json:"venue"`
	StartTime   *time.Time `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
}

func eventResponse(event *models.Event) gin.H {
	return gin.H{
		"id":          event.ID,
		"title":       event.Title,
		"description": event.Description,
		"venue":       event.Venue,
		"start_time":  event.StartTime,
		"end_time":    event.EndTime,
		"capacity":    event.TotalCapacity,
		"remaining":   event.Remaining,
		"price":       helpers.MinorToMajor(event.UnitPrice, event.Currency).StringFixed(2),
		"price_minor": event.UnitPrice,
		"currency":    event.Currency,
	}
}

func CreateEvent(c *gin.Context) {
	var req CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid input. Please check your fields.")
		return
	}
	if !req.EndTime.After(req.StartTime) {
		helpers.RespondWithError(c, http.StatusBadRequest, "End time must be after start time.")
		return
	}

	currency := strings.ToUpper(req.Currency)
	price, err := helpers.MajorToMinor(req.Price, currency)
	if err != nil || price < 0 {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid price.")
		return
	}

	gormDB := middleware.GetDB(c)
	if gormDB == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Database connection not found.")
		return
	}

	var count int64
	if err := gormDB.Model(&models.Event{}).Count(&count).Error; err != nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Error checking existing event.")
		return
	}
	if count > 0 {
		helpers.RespondWithError(c, http.StatusConflict, "An event already exists.")
		return
	}

	event := models.Event{
		Singleton:     true,
		Title:         req.Title,
		Description:   req.Description,
		Venue:         req.Venue,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		TotalCapacity: req.Capacity,
		Remaining:     req.Capacity,
		UnitPrice:     price,
		Currency:      currency,
	}

	// The singleton unique index settles concurrent creates.
	if err := gormDB.Create(&event).Error; err != nil {
		if models.IsUniqueViolation(err) {
			helpers.RespondWithError(c, http.StatusConflict, "An event already exists.")
			return
		}
		helpers.RespondWithError(c, http.StatusInternalServerError, "Failed to create event.")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Event created successfully.",
		"event":   eventResponse(&event),
	})
}

func GetCurrentEvent(c *gin.Context) {
	gormDB := middleware.GetDB(c)
	if gormDB == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Database connection not found.")
		return
	}

	var event models.Event
	if err := gormDB.First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			helpers.RespondWithError(c, http.StatusNotFound, "No event has been created yet.")
			return
		}
		helpers.RespondWithError(c, http.StatusInternalServerError, "Error retrieving event.")
		return
	}

	c.JSON(http.StatusOK, eventResponse(&event))
}

// UpdateEvent changes descriptive fields only. Capacity and price are fixed
// once tickets can be sold against them.
func UpdateEvent(c *gin.Context) {
	eventID, ok := helpers.ParamUUID(c, "id")
	if !ok {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid event ID.")
		return
	}

	var req UpdateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid input. Please check your fields.")
		return
	}

	gormDB := middleware.GetDB(c)
	if gormDB == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Database connection not found.")
		return
	}

	var event models.Event
	if err := gormDB.Where("id = ?", eventID).First(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			helpers.RespondWithError(c, http.StatusNotFound, "Event not found.")
			return
		}
		helpers.RespondWithError(c, http.StatusInternalServerError, "Error retrieving event.")
		return
	}

	updates := map[string]interface{}{}
	if req.Title != nil {
		updates["title"] = *req.Title
	}
	if req.Description != nil {
		updates["description"] = *req.Description
	}
	if req.Venue != nil {
		updates["venue"] = *req.Venue
	}
	start, end := event.StartTime, event.EndTime
	if req.StartTime != nil {
		start = *req.StartTime
		updates["start_time"] = start
	}
	if req.EndTime != nil {
		end = *req.EndTime
		updates["end_time"] = end
	}
	if !end.After(start) {
		helpers.RespondWithError(c, http.StatusBadRequest, "End time must be after start time.")
		return
	}
	if len(updates) == 0 {
		c.JSON(http.StatusOK, eventResponse(&event))
		return
	}

	if err := gormDB.Model(&event).Updates(updates).Error; err != nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Failed to update event.")
		return
	}
	if err := gormDB.Where("id = ?", eventID).First(&event).Error; err != nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Error retrieving event.")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Event updated successfully.",
		"event":   eventResponse(&event),
	})
}

// DeleteEvent removes the event only while no ticket references it.
func DeleteEvent(c *gin.Context) {
	eventID, ok := helpers.ParamUUID(c, "id")
	if !ok {
		helpers.RespondWithError(c, http.StatusBadRequest, "Invalid event ID.")
		return
	}

	gormDB := middleware.GetDB(c)
	if gormDB == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Database connection not found.")
		return
	}

	result := gormDB.
		Where("id = ?", eventID).
		Where("NOT EXISTS (SELECT 1 FROM tickets WHERE tickets.event_id = events.id)").
		Delete(&models.Event{})
	if result.Error != nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Failed to delete event.")
		return
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := gormDB.Model(&models.Event{}).Where("id = ?", eventID).Count(&count).Error; err != nil {
			helpers.RespondWithError(c, http.StatusInternalServerError, "Failed to delete event.")
			return
		}
		if count == 0 {
			helpers.RespondWithError(c, http.StatusNotFound, "Event not found.")
			return
		}
		helpers.RespondWithError(c, http.StatusConflict, "Event has issued tickets and cannot be deleted.")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Event deleted successfully."})
}
