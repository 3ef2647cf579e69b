// Package inventory owns the remaining-seat counter on the event row. Every
// mutation is a single conditional UPDATE; nothing here reads then writes.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/farellandr/spoticket-gate/internal/models"
)

var (
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrEventNotFound         = errors.New("event not found")
	ErrInvalidQuantity       = errors.New("quantity must be positive")
	ErrOverRelease           = errors.New("release would exceed total capacity")
)

type State int

const (
	Reserved State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Reserved:
		return "reserved"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reservation is the result of a successful Reserve. It must end in exactly
// one of Commit or Release.
type Reservation struct {
	EventID  uuid.UUID
	Quantity int
	state    State
}

func (r *Reservation) State() State { return r.state }

// Commit marks the seats as sold. It is a no-op unless the reservation is
// still Reserved.
func (r *Reservation) Commit() {
	if r.state == Reserved {
		r.state = Committed
	}
}

// Release hands the reserved seats back. Calling it on a committed or
// already released reservation does nothing.
func (r *Reservation) Release(ctx context.Context, db *gorm.DB) error {
	if r.state != Reserved {
		return nil
	}
	if err := Restock(ctx, db, r.EventID, r.Quantity); err != nil {
		return err
	}
	r.state = RolledBack
	return nil
}

// Reserve decrements remaining by qty only if at least qty seats are left.
func Reserve(ctx context.Context, db *gorm.DB, eventID uuid.UUID, qty int) (*Reservation, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}

	result := db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ? AND remaining >= ?", eventID, qty).
		Update("remaining", gorm.Expr("remaining - ?", qty))
	if result.Error != nil {
		return nil, fmt.Errorf("reserve seats: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		if err := ensureEvent(ctx, db, eventID); err != nil {
			return nil, err
		}
		return nil, ErrInsufficientInventory
	}

	return &Reservation{EventID: eventID, Quantity: qty, state: Reserved}, nil
}

// Restock increments remaining by qty, never past total capacity.
func Restock(ctx context.Context, db *gorm.DB, eventID uuid.UUID, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	result := db.WithContext(ctx).Model(&models.Event{}).
		Where("id = ? AND remaining + ? <= total_capacity", eventID, qty).
		Update("remaining", gorm.Expr("remaining + ?", qty))
	if result.Error != nil {
		return fmt.Errorf("restock seats: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		if err := ensureEvent(ctx, db, eventID); err != nil {
			return err
		}
		return ErrOverRelease
	}
	return nil
}

// Snapshot returns the current counters. The values may be stale as soon as
// they are returned.
func Snapshot(ctx context.Context, db *gorm.DB, eventID uuid.UUID) (total, remaining int, err error) {
	var event models.Event
	err = db.WithContext(ctx).Select("total_capacity", "remaining").
		Where("id = ?", eventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, 0, ErrEventNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	return event.TotalCapacity, event.Remaining, nil
}

func ensureEvent(ctx context.Context, db *gorm.DB, eventID uuid.UUID) error {
	var count int64
	if err := db.WithContext(ctx).Model(&models.Event{}).Where("id = ?", eventID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrEventNotFound
	}
	return nil
}
