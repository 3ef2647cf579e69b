// Package testutil builds throwaway databases and fixtures for package tests.
package testutil

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/farellandr/spoticket-gate/internal/models"
)

// NewDB opens a migrated in-memory SQLite database. A single connection
// serialises statements, so conditional updates behave like row locks.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

// Logger discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func SeedEvent(t *testing.T, db *gorm.DB, capacity int, unitPrice int64) *models.Event {
	t.Helper()

	start := time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second)
	event := &models.Event{
		Singleton:     true,
		Title:         "Test Night",
		Description:   "fixture",
		Venue:         "Hall A",
		StartTime:     start,
		EndTime:       start.Add(4 * time.Hour),
		TotalCapacity: capacity,
		Remaining:     capacity,
		UnitPrice:     unitPrice,
		Currency:      "INR",
	}
	require.NoError(t, db.Create(event).Error)
	return event
}

func SeedUser(t *testing.T, db *gorm.DB, roleName string) *models.User {
	t.Helper()

	var role models.Role
	err := db.Where(models.Role{Name: roleName}).FirstOrCreate(&role).Error
	require.NoError(t, err)

	user := &models.User{
		Email:    uuid.NewString() + "@example.com",
		Password: "x",
		Name:     "Test " + roleName,
		RoleID:   role.ID,
	}
	require.NoError(t, db.Create(user).Error)
	user.Role = role
	return user
}

func SeedTicket(t *testing.T, db *gorm.DB, event *models.Event, owner *models.User, code string) *models.Ticket {
	t.Helper()

	ticket := &models.Ticket{
		Code:      code,
		EventID:   event.ID,
		UserID:    owner.ID,
		Price:     event.UnitPrice,
		Status:    models.TicketActive,
		ChargeRef: "pr-" + uuid.NewString(),
		OrderRef:  "ord-" + uuid.NewString(),
	}
	require.NoError(t, db.Omit("Event").Create(ticket).Error)
	return ticket
}

func Remaining(t *testing.T, db *gorm.DB, eventID uuid.UUID) int {
	t.Helper()

	var event models.Event
	require.NoError(t, db.Select("remaining").Where("id = ?", eventID).Take(&event).Error)
	return event.Remaining
}
