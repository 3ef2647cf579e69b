// Package checkin admits ticket holders. The active -> used transition is a
// single conditional UPDATE, so racing scanners get exactly one winner.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/farellandr/spoticket-gate/internal/metrics"
	"github.com/farellandr/spoticket-gate/internal/models"
)

var (
	ErrMalformedCode   = errors.New("malformed ticket code")
	ErrTicketNotFound  = errors.New("ticket not found")
	ErrAlreadyUsed     = errors.New("ticket already used")
	ErrTicketCancelled = errors.New("ticket cancelled")
)

// AlreadyUsedError carries the original scan so the operator can see when
// and by whom the ticket was admitted.
type AlreadyUsedError struct {
	ScannedAt time.Time
	ScannedBy *uuid.UUID
}

func (e *AlreadyUsedError) Error() string {
	return fmt.Sprintf("ticket already used at %s", e.ScannedAt.Format(time.RFC3339))
}

func (e *AlreadyUsedError) Is(target error) bool {
	return target == ErrAlreadyUsed
}

// CodeValidator checks code shape without storage access.
type CodeValidator interface {
	IsValidFormat(code string) bool
}

type Service struct {
	db     *gorm.DB
	codes  CodeValidator
	logger *slog.Logger
	now    func() time.Time
}

func NewService(db *gorm.DB, codes CodeValidator, logger *slog.Logger) *Service {
	return &Service{db: db, codes: codes, logger: logger, now: time.Now}
}

// CheckIn marks the ticket used on behalf of agentID.
func (s *Service) CheckIn(ctx context.Context, code string, agentID uuid.UUID) (*models.Ticket, error) {
	ticket, err := s.Lookup(ctx, code)
	if err != nil {
		metrics.CheckIn(outcome(err))
		return nil, err
	}

	// postgres keeps microseconds
	now := s.now().UTC().Truncate(time.Microsecond)
	result := s.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ? AND status = ?", ticket.ID, models.TicketActive).
		Updates(map[string]interface{}{
			"status":     models.TicketUsed,
			"entry_time": now,
			"scanned_at": now,
			"scanned_by": agentID,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("check in ticket: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		err := s.rejection(ctx, ticket.ID)
		metrics.CheckIn(outcome(err))
		s.logger.InfoContext(ctx, "check-in rejected", "ticket_id", ticket.ID, "agent_id", agentID, "error", err)
		return nil, err
	}

	ticket.Status = models.TicketUsed
	ticket.EntryTime = &now
	ticket.ScannedAt = &now
	ticket.ScannedBy = &agentID

	metrics.CheckIn("admitted")
	s.logger.InfoContext(ctx, "ticket checked in", "ticket_id", ticket.ID, "agent_id", agentID)
	return ticket, nil
}

// Lookup validates the code format and loads the ticket without changing it.
func (s *Service) Lookup(ctx context.Context, code string) (*models.Ticket, error) {
	if !s.codes.IsValidFormat(code) {
		return nil, ErrMalformedCode
	}

	var ticket models.Ticket
	err := s.db.WithContext(ctx).Where("code = ?", code).Take(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket: %w", err)
	}
	return &ticket, nil
}

// rejection re-reads the ticket after a lost conditional update.
func (s *Service) rejection(ctx context.Context, id uuid.UUID) error {
	var current models.Ticket
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&current).Error; err != nil {
		return fmt.Errorf("reload ticket: %w", err)
	}

	switch current.Status {
	case models.TicketUsed:
		e := &AlreadyUsedError{ScannedBy: current.ScannedBy}
		if current.ScannedAt != nil {
			e.ScannedAt = *current.ScannedAt
		}
		return e
	case models.TicketCancelled:
		return ErrTicketCancelled
	default:
		return fmt.Errorf("ticket %s in unexpected status %q", id, current.Status)
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrMalformedCode):
		return "malformed"
	case errors.Is(err, ErrTicketNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrTicketCancelled):
		return "cancelled"
	default:
		return "error"
	}
}
