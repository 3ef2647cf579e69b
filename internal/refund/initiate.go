package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/farellandr/spoticket-gate/internal/gateway"
	"github.com/farellandr/spoticket-gate/internal/metrics"
	"github.com/farellandr/spoticket-gate/internal/models"
)

// Initiate requests a refund for the user's ticket. When the gateway call
// fails, the refund is returned in status failed together with the error.
// The ticket is cancelled only after the gateway has accepted the refund.
func (s *Service) Initiate(ctx context.Context, ticketID, userID uuid.UUID, reason string) (*models.Refund, error) {
	var ticket models.Ticket
	err := s.db.WithContext(ctx).Where("id = ?", ticketID).Take(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	if ticket.UserID != userID {
		return nil, ErrNotOwner
	}

	// advisory only; the unique index on ticket_id settles races
	var existing int64
	if err := s.db.WithContext(ctx).Model(&models.Refund{}).Where("ticket_id = ?", ticketID).Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("check existing refund: %w", err)
	}
	if existing > 0 {
		return nil, ErrDuplicateRefund
	}

	switch {
	case ticket.Status == models.TicketCancelled:
		return nil, ErrTicketCancelled
	case ticket.Status == models.TicketUsed:
		return nil, fmt.Errorf("%w: ticket has been used", ErrRefundIneligible)
	case ticket.ChargeRef == "":
		return nil, fmt.Errorf("%w: no payment recorded", ErrRefundIneligible)
	}

	refund := models.Refund{
		TicketID:       ticket.ID,
		UserID:         userID,
		OriginalAmount: ticket.Price,
		RefundAmount:   ComputeAmount(ticket.Price, s.opts.ProcessingFee, s.opts.MinimumAmount),
		Currency:       s.opts.Currency,
		Reason:         reason,
		Status:         models.RefundPending,
		History: []models.RefundStatusEntry{
			{Status: models.RefundPending, Note: "refund requested"},
		},
	}
	if err := s.db.WithContext(ctx).Omit("Ticket").Create(&refund).Error; err != nil {
		if models.IsUniqueViolation(err) {
			return nil, ErrDuplicateRefund
		}
		return nil, fmt.Errorf("create refund: %w", err)
	}
	metrics.RefundTransition(string(models.RefundPending), "initiate")

	s.logger.InfoContext(ctx, "refund requested",
		"refund_id", refund.ID,
		"ticket_id", ticket.ID,
		"amount", refund.RefundAmount,
	)

	result, gwErr := s.callGateway(ctx, &refund, &ticket)

	// the gateway has acted; record the outcome even if the caller went away
	ctx = context.WithoutCancel(ctx)

	if gwErr != nil {
		return s.recordFailure(ctx, &refund, gwErr)
	}

	if err := s.markProcessing(ctx, &refund, result.GatewayRefundID); err != nil {
		return nil, err
	}
	s.ReplayPending(ctx, result.GatewayRefundID)

	return s.Get(ctx, refund.ID)
}

func (s *Service) callGateway(ctx context.Context, refund *models.Refund, ticket *models.Ticket) (*gateway.RefundResult, error) {
	// Once the request is sent only the gateway timeout ends the wait; a
	// caller hanging up must not turn an unknown outcome into a rejection.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.GatewayTimeout)
	defer cancel()

	started := time.Now()
	result, err := s.gateway.InitiateRefund(callCtx, gateway.RefundRequest{
		IdempotencyKey: refund.ID.String(),
		ChargeRef:      ticket.ChargeRef,
		Amount:         refund.RefundAmount,
		Currency:       refund.Currency,
		Reason:         refund.Reason,
		Metadata: map[string]string{
			"refund_id": refund.ID.String(),
			"ticket_id": ticket.ID.String(),
		},
	})

	switch {
	case err != nil && (gateway.IsTimeout(err) || callCtx.Err() != nil):
		metrics.ObserveGateway("timeout", started)
		return nil, fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
	case err != nil:
		metrics.ObserveGateway("rejected", started)
		return nil, fmt.Errorf("%w: %w", ErrGatewayRejected, err)
	case result == nil || result.GatewayRefundID == "":
		metrics.ObserveGateway("rejected", started)
		return nil, fmt.Errorf("%w: no refund id returned", ErrGatewayRejected)
	}

	metrics.ObserveGateway("accepted", started)
	return result, nil
}

// recordFailure moves the refund pending -> failed. There is no automatic
// retry; a new initiation is a manual decision.
func (s *Service) recordFailure(ctx context.Context, refund *models.Refund, gwErr error) (*models.Refund, error) {
	reason := FailureGatewayTimeout
	if !errors.Is(gwErr, ErrGatewayTimeout) {
		var rejected *gateway.RejectedError
		if errors.As(gwErr, &rejected) {
			reason = rejected.Error()
		} else {
			reason = gwErr.Error()
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := transition(tx, refund.ID, []models.RefundStatus{models.RefundPending},
			models.RefundFailed, map[string]interface{}{"failure_reason": reason}, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.RefundTransition(string(models.RefundFailed), "initiate")

	s.logger.WarnContext(ctx, "refund failed at gateway",
		"refund_id", refund.ID,
		"reason", reason,
	)

	stored, err := s.Get(ctx, refund.ID)
	if err != nil {
		return nil, err
	}
	s.notifyStatus(ctx, stored)
	return stored, gwErr
}

// markProcessing records the gateway id and moves pending -> processing,
// then cancels the ticket. A callback may already have moved the refund on;
// the gateway id is recorded regardless.
func (s *Service) markProcessing(ctx context.Context, refund *models.Refund, gatewayRefundID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Refund{}).
			Where("id = ? AND gateway_refund_id IS NULL", refund.ID).
			Update("gateway_refund_id", gatewayRefundID)
		if result.Error != nil {
			return fmt.Errorf("record gateway refund id: %w", result.Error)
		}

		moved, err := transition(tx, refund.ID, []models.RefundStatus{models.RefundPending},
			models.RefundProcessing, nil, "accepted by gateway "+gatewayRefundID)
		if err != nil {
			return err
		}
		if !moved {
			s.logger.InfoContext(ctx, "refund moved on before gateway acknowledgement was recorded",
				"refund_id", refund.ID,
				"gateway_refund_id", gatewayRefundID,
			)
			return nil
		}
		metrics.RefundTransition(string(models.RefundProcessing), "initiate")

		cancelled, err := s.cancelTicket(ctx, tx, refund.TicketID)
		if err != nil {
			return err
		}
		if !cancelled {
			s.logger.WarnContext(ctx, "ticket no longer active when refund was accepted",
				"refund_id", refund.ID,
				"ticket_id", refund.TicketID,
			)
		}
		return nil
	})
}
