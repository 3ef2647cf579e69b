package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/farellandr/spoticket-gate/internal/helpers"
	"github.com/farellandr/spoticket-gate/internal/middleware"
	"github.com/farellandr/spoticket-gate/internal/models"
)

func GetProfile(c *gin.Context) {
	identity, ok := middleware.CurrentUser(c)
	if !ok {
		helpers.RespondWithError(c, http.StatusUnauthorized, "User ID not found in token.")
		return
	}

	gormDB := middleware.GetDB(c)
	if gormDB == nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Database connection not found.")
		return
	}

	var user models.User
	if err := gormDB.Preload("Role").Where("id = ?", identity.UserID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			helpers.RespondWithError(c, http.StatusNotFound, "User not found.")
			return
		}
		helpers.RespondWithError(c, http.StatusInternalServerError, "Error retrieving user.")
		return
	}

	var counts []struct {
		Status models.TicketStatus
		Total  int64
	}
	if err := gormDB.Model(&models.Ticket{}).Select("status, count(*) as total").
		Where("user_id = ?", user.ID).Group("status").Scan(&counts).Error; err != nil {
		helpers.RespondWithError(c, http.StatusInternalServerError, "Error retrieving tickets.")
		return
	}
	tickets := gin.H{}
	for _, row := range counts {
		tickets[string(row.Status)] = row.Total
	}

	c.JSON(http.StatusOK, gin.H{
		"id":      user.ID,
		"email":   user.Email,
		"name":    user.Name,
		"role":    user.Role.Name,
		"tickets": tickets,
	})
}
