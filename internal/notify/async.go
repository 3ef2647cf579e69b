package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/farellandr/spoticket-gate/internal/models"
)

const defaultSendTimeout = 15 * time.Second

// Async runs every send on its own goroutine and always returns nil. Errors
// and panics from the wrapped notifier are logged.
type Async struct {
	next    Notifier
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsync(next Notifier, logger *slog.Logger) *Async {
	return &Async{next: next, logger: logger, timeout: defaultSendTimeout}
}

func (a *Async) SendTicketPurchased(ctx context.Context, user models.User, tickets []models.Ticket, event models.Event) error {
	a.dispatch(ctx, TemplateTicketPurchased, func(ctx context.Context) error {
		return a.next.SendTicketPurchased(ctx, user, tickets, event)
	})
	return nil
}

func (a *Async) SendRefundStatusChanged(ctx context.Context, user models.User, ticket models.Ticket, refund models.Refund) error {
	a.dispatch(ctx, TemplateRefundStatusChanged, func(ctx context.Context) error {
		return a.next.SendRefundStatusChanged(ctx, user, ticket, refund)
	})
	return nil
}

// Wait blocks until in-flight sends finish.
func (a *Async) Wait() {
	a.wg.Wait()
}

func (a *Async) dispatch(parent context.Context, template string, send func(context.Context) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("notification panicked", "template", template, "panic", fmt.Sprint(r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), a.timeout)
		defer cancel()

		if err := send(ctx); err != nil {
			a.logger.Warn("notification failed", "template", template, "error", err)
		}
	}()
}
