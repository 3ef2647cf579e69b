// Package issuance mints tickets against the inventory ledger. A batch either
// fully exists afterwards or its reservation has been released.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/farellandr/spoticket-gate/internal/helpers"
	"github.com/farellandr/spoticket-gate/internal/inventory"
	"github.com/farellandr/spoticket-gate/internal/metrics"
	"github.com/farellandr/spoticket-gate/internal/models"
	"github.com/farellandr/spoticket-gate/internal/notify"
	"github.com/farellandr/spoticket-gate/internal/ticketcode"
)

const DefaultMaxAttempts = 10

var (
	ErrCodeGenerationExhausted = errors.New("code generation exhausted")
	ErrMaxQuantity             = errors.New("quantity exceeds per-purchase limit")

	errCodeCollision = errors.New("ticket code collision")
)

type IssueRequest struct {
	EventID   uuid.UUID
	UserID    uuid.UUID
	Quantity  int
	UnitPrice int64
	ChargeRef string
	OrderRef  string
}

type Options struct {
	MaxAttempts int
	MaxQuantity int
}

type Service struct {
	db       *gorm.DB
	codes    *ticketcode.Generator
	notifier notify.Notifier
	logger   *slog.Logger
	opts     Options
}

func NewService(db *gorm.DB, codes *ticketcode.Generator, notifier notify.Notifier, logger *slog.Logger, opts Options) *Service {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	return &Service{db: db, codes: codes, notifier: notifier, logger: logger, opts: opts}
}

// Issue reserves req.Quantity seats and persists one active ticket per seat.
func (s *Service) Issue(ctx context.Context, req IssueRequest) ([]models.Ticket, error) {
	if s.opts.MaxQuantity > 0 && req.Quantity > s.opts.MaxQuantity {
		return nil, ErrMaxQuantity
	}

	var event models.Event
	if err := s.db.WithContext(ctx).Where("id = ?", req.EventID).Take(&event).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, inventory.ErrEventNotFound
		}
		return nil, fmt.Errorf("load event: %w", err)
	}

	price := req.UnitPrice
	if price == 0 {
		price = event.UnitPrice
	}
	if req.OrderRef == "" {
		req.OrderRef = "ord-" + uuid.NewString()
	}

	reservation, err := inventory.Reserve(ctx, s.db, req.EventID, req.Quantity)
	if err != nil {
		if errors.Is(err, inventory.ErrInsufficientInventory) {
			metrics.IssueRejected("sold_out")
		}
		return nil, err
	}

	tickets, err := s.mint(ctx, req, price)
	if err != nil {
		s.compensate(ctx, reservation, err)
		return nil, err
	}
	reservation.Commit()
	metrics.TicketsIssued(len(tickets))

	s.logger.InfoContext(ctx, "tickets issued",
		"event_id", req.EventID,
		"user_id", req.UserID,
		"quantity", len(tickets),
		"order_ref", req.OrderRef,
	)

	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", req.UserID).Take(&user).Error; err != nil {
		s.logger.WarnContext(ctx, "skipping purchase notification", "user_id", req.UserID, "error", err)
	} else if err := s.notifier.SendTicketPurchased(ctx, user, tickets, event); err != nil {
		s.logger.WarnContext(ctx, "purchase notification failed", "user_id", req.UserID, "order_ref", req.OrderRef, "error", err)
	}

	return tickets, nil
}

func (s *Service) compensate(ctx context.Context, reservation *inventory.Reservation, cause error) {
	metrics.ReservationCompensated()
	if errors.Is(cause, ErrCodeGenerationExhausted) {
		metrics.IssueRejected("code_exhausted")
	} else {
		metrics.IssueRejected("persist_failed")
	}

	// the request context may already be cancelled
	if err := reservation.Release(context.WithoutCancel(ctx), s.db); err != nil {
		s.logger.ErrorContext(ctx, "failed to release reservation",
			"event_id", reservation.EventID,
			"quantity", reservation.Quantity,
			"error", err,
			"cause", cause,
		)
		return
	}
	s.logger.WarnContext(ctx, "reservation released",
		"event_id", reservation.EventID,
		"quantity", reservation.Quantity,
		"cause", cause,
	)
}

// mint generates codes and inserts the whole batch in one statement. A
// unique violation on insert means a concurrent batch took a code between
// lookup and insert; the batch is regenerated within the same attempt bound.
func (s *Service) mint(ctx context.Context, req IssueRequest, price int64) ([]models.Ticket, error) {
	var tickets []models.Ticket

	err := helpers.Retry(ctx, s.opts.MaxAttempts, func(int) error {
		batch, err := s.buildBatch(ctx, req, price)
		if err != nil {
			return err
		}

		err = s.db.WithContext(ctx).Omit(clause.Associations).Create(&batch).Error
		if models.IsUniqueViolation(err) {
			return helpers.Retryable(errCodeCollision)
		}
		if err != nil {
			return fmt.Errorf("persist tickets: %w", err)
		}

		tickets = batch
		return nil
	})

	var exhausted *helpers.RetryExhaustedError
	if errors.As(err, &exhausted) {
		return nil, fmt.Errorf("%w: %w", ErrCodeGenerationExhausted, err)
	}
	if err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Service) buildBatch(ctx context.Context, req IssueRequest, price int64) ([]models.Ticket, error) {
	batch := make([]models.Ticket, 0, req.Quantity)
	seen := make(map[string]bool, req.Quantity)

	for i := 0; i < req.Quantity; i++ {
		// exhaustion here is not retryable by the outer loop
		code, err := s.uniqueCode(ctx, seen)
		if err != nil {
			return nil, err
		}
		seen[code] = true

		batch = append(batch, models.Ticket{
			Code:      code,
			EventID:   req.EventID,
			UserID:    req.UserID,
			Price:     price,
			Status:    models.TicketActive,
			ChargeRef: req.ChargeRef,
			OrderRef:  req.OrderRef,
		})
	}
	return batch, nil
}

func (s *Service) uniqueCode(ctx context.Context, seen map[string]bool) (string, error) {
	var code string
	err := helpers.Retry(ctx, s.opts.MaxAttempts, func(int) error {
		candidate, err := s.codes.Generate()
		if err != nil {
			return err
		}
		if seen[candidate] {
			return helpers.Retryable(errCodeCollision)
		}

		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Ticket{}).Where("code = ?", candidate).Count(&count).Error; err != nil {
			return fmt.Errorf("look up ticket code: %w", err)
		}
		if count > 0 {
			return helpers.Retryable(errCodeCollision)
		}

		code = candidate
		return nil
	})
	return code, err
}
