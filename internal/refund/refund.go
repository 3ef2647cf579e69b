// Package refund drives the refund state machine from user requests and from
// verified gateway callbacks.
//
//	pending -> processing -> processed | failed
//	pending | processing -> cancelled
//
// Every status write is a conditional UPDATE on the expected prior status and
// appends a history entry in the same transaction.
package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/farellandr/spoticket-gate/internal/gateway"
	"github.com/farellandr/spoticket-gate/internal/inventory"
	"github.com/farellandr/spoticket-gate/internal/metrics"
	"github.com/farellandr/spoticket-gate/internal/models"
	"github.com/farellandr/spoticket-gate/internal/notify"
	"github.com/farellandr/spoticket-gate/internal/pending"
)

// FailureGatewayTimeout is recorded when the gateway outcome is unknown. A
// later success callback may still move such a refund to processed.
const FailureGatewayTimeout = "gateway timeout"

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrNotOwner          = errors.New("ticket belongs to another user")
	ErrTicketCancelled   = errors.New("ticket already cancelled")
	ErrRefundIneligible  = errors.New("ticket is not eligible for a refund")
	ErrDuplicateRefund   = errors.New("a refund already exists for this ticket")
	ErrGatewayRejected   = errors.New("gateway rejected the refund")
	ErrGatewayTimeout    = errors.New("gateway timeout")
	ErrRefundNotFound    = errors.New("refund not found")
	ErrInvalidTransition = errors.New("refund cannot make this transition")
	ErrWebhookUnmatched  = errors.New("webhook matches no refund")
)

type Options struct {
	ProcessingFee  int64
	MinimumAmount  int64
	GatewayTimeout time.Duration
	Currency       string
}

type Service struct {
	db       *gorm.DB
	gateway  gateway.Gateway
	notifier notify.Notifier
	buffer   *pending.Buffer
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
}

func NewService(db *gorm.DB, gw gateway.Gateway, notifier notify.Notifier, buffer *pending.Buffer, logger *slog.Logger, opts Options) *Service {
	if opts.MinimumAmount <= 0 {
		opts.MinimumAmount = 1
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 10 * time.Second
	}
	if opts.Currency == "" {
		opts.Currency = "INR"
	}
	return &Service{
		db:       db,
		gateway:  gw,
		notifier: notifier,
		buffer:   buffer,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// ComputeAmount is the original charge minus the processing fee, floored at
// minimum.
func ComputeAmount(original, fee, minimum int64) int64 {
	amount := original - fee
	if amount < minimum {
		return minimum
	}
	return amount
}

// Get loads a refund with its history and webhook log, oldest first.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Refund, error) {
	var refund models.Refund
	err := s.db.WithContext(ctx).
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Preload("WebhookEvents", func(db *gorm.DB) *gorm.DB { return db.Order("received_at ASC") }).
		Where("id = ?", id).
		Take(&refund).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRefundNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load refund: %w", err)
	}
	return &refund, nil
}

func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Refund, error) {
	var refunds []models.Refund
	err := s.db.WithContext(ctx).
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&refunds).Error
	return refunds, err
}

// Cancel is the administrative pending|processing -> cancelled transition.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, note string) (*models.Refund, error) {
	if note == "" {
		note = "cancelled by administrator"
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		moved, err := transition(tx, id, []models.RefundStatus{models.RefundPending, models.RefundProcessing},
			models.RefundCancelled, nil, note)
		if err != nil {
			return err
		}
		if !moved {
			var count int64
			if err := tx.Model(&models.Refund{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrRefundNotFound
			}
			return ErrInvalidTransition
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RefundTransition(string(models.RefundCancelled), "admin")
	s.logger.InfoContext(ctx, "refund cancelled", "refund_id", id, "note", note)

	refund, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.notifyStatus(ctx, refund)
	return refund, nil
}

// transition moves the refund from one of from to target and appends a
// history entry. It reports false when the refund was not in any of from.
func transition(tx *gorm.DB, id uuid.UUID, from []models.RefundStatus, target models.RefundStatus, extra map[string]interface{}, note string) (bool, error) {
	updates := map[string]interface{}{"status": target}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.Model(&models.Refund{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("update refund status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	if err := appendHistory(tx, id, target, note); err != nil {
		return false, err
	}
	return true, nil
}

func appendHistory(tx *gorm.DB, id uuid.UUID, status models.RefundStatus, note string) error {
	entry := models.RefundStatusEntry{RefundID: id, Status: status, Note: note}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("append refund history: %w", err)
	}
	return nil
}

// cancelTicket moves the ticket active -> cancelled and returns the seat to
// inventory. A ticket that is no longer active is left alone.
func (s *Service) cancelTicket(ctx context.Context, tx *gorm.DB, ticketID uuid.UUID) (bool, error) {
	result := tx.Model(&models.Ticket{}).
		Where("id = ? AND status = ?", ticketID, models.TicketActive).
		Update("status", models.TicketCancelled)
	if result.Error != nil {
		return false, fmt.Errorf("cancel ticket: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	var ticket models.Ticket
	if err := tx.Select("event_id").Where("id = ?", ticketID).Take(&ticket).Error; err != nil {
		return true, fmt.Errorf("load ticket event: %w", err)
	}
	if err := inventory.Restock(ctx, tx, ticket.EventID, 1); err != nil {
		if !errors.Is(err, inventory.ErrOverRelease) && !errors.Is(err, inventory.ErrEventNotFound) {
			return true, err
		}
		s.logger.WarnContext(ctx, "seat not restocked", "ticket_id", ticketID, "error", err)
	}
	return true, nil
}

// notifyStatus is fire-and-forget; failures are logged by the notifier.
func (s *Service) notifyStatus(ctx context.Context, refund *models.Refund) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", refund.UserID).Take(&user).Error; err != nil {
		s.logger.WarnContext(ctx, "skipping refund notification", "refund_id", refund.ID, "error", err)
		return
	}
	var ticket models.Ticket
	if err := s.db.WithContext(ctx).Where("id = ?", refund.TicketID).Take(&ticket).Error; err != nil {
		s.logger.WarnContext(ctx, "skipping refund notification", "refund_id", refund.ID, "error", err)
		return
	}
	if err := s.notifier.SendRefundStatusChanged(ctx, user, ticket, *refund); err != nil {
		s.logger.WarnContext(ctx, "refund notification failed", "refund_id", refund.ID, "error", err)
	}
}
