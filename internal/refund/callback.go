package refund

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/farellandr/spoticket-gate/internal/metrics"
	"github.com/farellandr/spoticket-gate/internal/models"
	"github.com/farellandr/spoticket-gate/internal/webhook"
)

var errDuplicateEvent = errors.New("duplicate webhook event")

const defaultGatewayFailure = "refund failed at gateway"

// HandleWebhook applies a verified gateway callback. Duplicate deliveries and
// callbacks for unknown refunds are not errors; the gateway must not retry
// them.
func (s *Service) HandleWebhook(ctx context.Context, ev *webhook.Event) error {
	refund, err := s.match(ctx, ev)
	if err != nil {
		return err
	}
	if refund == nil {
		s.unmatched(ctx, ev)
		return nil
	}

	var target models.RefundStatus
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := models.RefundWebhookEvent{
			RefundID:       refund.ID,
			GatewayEventID: ev.ID,
			EventType:      ev.Type,
			Payload:        datatypes.JSON(ev.Raw),
			ReceivedAt:     s.now().UTC(),
		}
		if err := tx.Create(&record).Error; err != nil {
			if models.IsUniqueViolation(err) {
				return errDuplicateEvent
			}
			return fmt.Errorf("log webhook event: %w", err)
		}

		var err error
		target, err = s.apply(ctx, tx, refund, ev)
		return err
	})
	if errors.Is(err, errDuplicateEvent) {
		metrics.Webhook("duplicate")
		s.logger.InfoContext(ctx, "duplicate webhook ignored", "event_id", ev.ID, "refund_id", refund.ID)
		return nil
	}
	if err != nil {
		metrics.Webhook("error")
		return err
	}

	if target == "" {
		metrics.Webhook("logged")
		s.logger.InfoContext(ctx, "webhook logged", "event_id", ev.ID, "type", ev.Type, "refund_id", refund.ID)
		return nil
	}

	metrics.Webhook("applied")
	metrics.RefundTransition(string(target), "webhook")
	s.logger.InfoContext(ctx, "refund status changed by webhook",
		"event_id", ev.ID,
		"refund_id", refund.ID,
		"status", target,
	)

	if target.IsTerminal() {
		stored, err := s.Get(ctx, refund.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping refund notification", "refund_id", refund.ID, "error", err)
			return nil
		}
		s.notifyStatus(ctx, stored)
	}
	return nil
}

// apply maps the event to a transition and returns the new status, or "" if
// nothing changed.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, refund *models.Refund, ev *webhook.Event) (models.RefundStatus, error) {
	switch eventOutcome(ev) {
	case models.RefundProcessed:
		extra := map[string]interface{}{
			"processed_at":   gorm.Expr("COALESCE(processed_at, ?)", s.now().UTC()),
			"failure_reason": nil,
		}
		if ev.GatewayRefundID != "" && refund.GatewayRefundID == nil {
			extra["gateway_refund_id"] = ev.GatewayRefundID
		}

		// a timed out initiation may still have gone through
		result := tx.Model(&models.Refund{}).
			Where("id = ?", refund.ID).
			Where("status IN ? OR (status = ? AND failure_reason = ?)",
				[]models.RefundStatus{models.RefundPending, models.RefundProcessing},
				models.RefundFailed, FailureGatewayTimeout).
			Updates(withStatus(extra, models.RefundProcessed))
		if result.Error != nil {
			return "", fmt.Errorf("mark refund processed: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return "", nil
		}
		if err := appendHistory(tx, refund.ID, models.RefundProcessed, "gateway event "+ev.ID); err != nil {
			return "", err
		}
		if _, err := s.cancelTicket(ctx, tx, refund.TicketID); err != nil {
			return "", err
		}
		return models.RefundProcessed, nil

	case models.RefundFailed:
		reason := ev.ErrorDescription
		if reason == "" {
			reason = defaultGatewayFailure
		}
		moved, err := transition(tx, refund.ID,
			[]models.RefundStatus{models.RefundPending, models.RefundProcessing},
			models.RefundFailed, map[string]interface{}{"failure_reason": reason}, reason)
		if err != nil || !moved {
			return "", err
		}
		return models.RefundFailed, nil
	}
	return "", nil
}

func withStatus(updates map[string]interface{}, status models.RefundStatus) map[string]interface{} {
	updates["status"] = status
	return updates
}

func eventOutcome(ev *webhook.Event) models.RefundStatus {
	switch ev.Type {
	case webhook.EventRefundProcessed, webhook.EventRefundSucceeded, "succeeded":
		return models.RefundProcessed
	case webhook.EventRefundFailed, "failed":
		return models.RefundFailed
	}
	return ""
}

// match finds the refund by gateway id, then by the local id echoed in the
// gateway metadata.
func (s *Service) match(ctx context.Context, ev *webhook.Event) (*models.Refund, error) {
	db := s.db.WithContext(ctx)

	if ev.GatewayRefundID != "" {
		var refund models.Refund
		err := db.Where("gateway_refund_id = ?", ev.GatewayRefundID).Take(&refund).Error
		if err == nil {
			return &refund, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("match refund: %w", err)
		}
	}

	if id, err := uuid.Parse(ev.LocalRefundID); err == nil {
		var refund models.Refund
		err := db.Where("id = ?", id).Take(&refund).Error
		if err == nil {
			if refund.GatewayRefundID != nil && ev.GatewayRefundID != "" && *refund.GatewayRefundID != ev.GatewayRefundID {
				s.logger.WarnContext(ctx, "webhook refund id disagrees with recorded gateway id",
					"refund_id", refund.ID,
					"recorded", *refund.GatewayRefundID,
					"event", ev.GatewayRefundID,
				)
				return nil, nil
			}
			return &refund, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("match refund: %w", err)
		}
	}
	return nil, nil
}

func (s *Service) unmatched(ctx context.Context, ev *webhook.Event) {
	if s.buffer != nil && ev.GatewayRefundID != "" {
		err := s.buffer.Park(ctx, ev.GatewayRefundID, ev.ID, ev.Raw)
		if err == nil {
			metrics.Webhook("parked")
			s.logger.InfoContext(ctx, "unmatched webhook parked",
				"event_id", ev.ID,
				"gateway_refund_id", ev.GatewayRefundID,
			)
			return
		}
		s.logger.WarnContext(ctx, "failed to park webhook", "event_id", ev.ID, "error", err)
	}

	metrics.Webhook("unmatched")
	s.logger.WarnContext(ctx, "webhook dropped",
		"event_id", ev.ID,
		"gateway_refund_id", ev.GatewayRefundID,
		"error", ErrWebhookUnmatched,
	)
}

// ReplayPending applies callbacks parked for gatewayRefundID.
func (s *Service) ReplayPending(ctx context.Context, gatewayRefundID string) {
	entries, err := s.buffer.Drain(ctx, gatewayRefundID)
	if err != nil {
		s.logger.WarnContext(ctx, "parked webhooks could not all be read", "gateway_refund_id", gatewayRefundID, "error", err)
	}

	for _, entry := range entries {
		ev, err := webhook.ParseEvent(entry.Body, entry.EventID)
		if err != nil {
			s.logger.WarnContext(ctx, "discarding unreadable parked webhook", "event_id", entry.EventID, "error", err)
			continue
		}
		if err := s.HandleWebhook(ctx, ev); err != nil {
			s.logger.WarnContext(ctx, "parked webhook replay failed", "event_id", ev.ID, "error", err)
		}
	}
}
