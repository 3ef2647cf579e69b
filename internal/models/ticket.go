package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TicketStatus string

const (
	TicketActive    TicketStatus = "active"
	TicketUsed      TicketStatus = "used"
	TicketCancelled TicketStatus = "cancelled"
)

// Ticket is never deleted. Status only moves active -> used or
// active -> cancelled, always through a conditional update.
type Ticket struct {
	ID        uuid.UUID    `gorm:"type:uuid;primary_key"`
	Code      string       `gorm:"uniqueIndex;not null;size:40"`
	EventID   uuid.UUID    `gorm:"type:uuid;index;not null"`
	Event     Event        `json:"-"`
	UserID    uuid.UUID    `gorm:"type:uuid;index;not null"`
	Price     int64        `gorm:"not null"`
	Status    TicketStatus `gorm:"size:16;index;not null"`
	EntryTime *time.Time
	ScannedAt *time.Time
	ScannedBy *uuid.UUID `gorm:"type:uuid"`
	ChargeRef string
	OrderRef  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ticket *Ticket) BeforeCreate(tx *gorm.DB) (err error) {
	if ticket.ID == uuid.Nil {
		ticket.ID = uuid.New()
	}
	return
}
