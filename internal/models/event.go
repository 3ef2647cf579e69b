package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Event is the single sellable event. Singleton is always true; its unique
// index rejects a second row at the storage layer.
type Event struct {
	ID            uuid.UUID `gorm:"type:uuid;primary_key"`
	Singleton     bool      `gorm:"uniqueIndex;not null" json:"-"`
	Title         string    `gorm:"not null"`
	Description   string    `gorm:"not null"`
	Venue         string    `gorm:"not null"`
	StartTime     time.Time `gorm:"not null"`
	EndTime       time.Time `gorm:"not null"`
	TotalCapacity int       `gorm:"not null;check:chk_events_capacity,remaining >= 0 AND remaining <= total_capacity"`
	Remaining     int       `gorm:"not null"`
	UnitPrice     int64     `gorm:"not null"`
	Currency      string    `gorm:"size:3;not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (event *Event) BeforeCreate(tx *gorm.DB) (err error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	return
}
