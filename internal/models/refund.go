package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundProcessing RefundStatus = "processing"
	RefundProcessed  RefundStatus = "processed"
	RefundFailed     RefundStatus = "failed"
	RefundCancelled  RefundStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s RefundStatus) IsTerminal() bool {
	return s == RefundProcessed || s == RefundFailed || s == RefundCancelled
}

// Refund is unique per ticket. History and WebhookEvents are append-only.
type Refund struct {
	ID              uuid.UUID    `gorm:"type:uuid;primary_key"`
	TicketID        uuid.UUID    `gorm:"type:uuid;uniqueIndex;not null"`
	Ticket          Ticket       `json:"-"`
	UserID          uuid.UUID    `gorm:"type:uuid;index;not null"`
	OriginalAmount  int64        `gorm:"not null"`
	RefundAmount    int64        `gorm:"not null"`
	Currency        string       `gorm:"size:3;not null"`
	Reason          string
	GatewayRefundID *string      `gorm:"uniqueIndex"`
	Status          RefundStatus `gorm:"size:16;index;not null"`
	FailureReason   *string
	ProcessedAt     *time.Time
	History         []RefundStatusEntry  `gorm:"constraint:OnDelete:CASCADE"`
	WebhookEvents   []RefundWebhookEvent `gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (refund *Refund) BeforeCreate(tx *gorm.DB) (err error) {
	if refund.ID == uuid.Nil {
		refund.ID = uuid.New()
	}
	return
}

type RefundStatusEntry struct {
	ID        uuid.UUID    `gorm:"type:uuid;primary_key"`
	RefundID  uuid.UUID    `gorm:"type:uuid;index;not null"`
	Status    RefundStatus `gorm:"size:16;not null"`
	Note      string
	CreatedAt time.Time
}

func (entry *RefundStatusEntry) BeforeCreate(tx *gorm.DB) (err error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return
}

// RefundWebhookEvent is the raw gateway callback log. GatewayEventID is the
// deduplication key.
type RefundWebhookEvent struct {
	ID             uuid.UUID      `gorm:"type:uuid;primary_key"`
	RefundID       uuid.UUID      `gorm:"type:uuid;index;not null"`
	GatewayEventID string         `gorm:"uniqueIndex;not null"`
	EventType      string         `gorm:"not null"`
	Payload        datatypes.JSON `json:"payload"`
	ReceivedAt     time.Time      `gorm:"not null"`
}

func (event *RefundWebhookEvent) BeforeCreate(tx *gorm.DB) (err error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	return
}
