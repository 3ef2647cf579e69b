// Package notify delivers purchase and refund notifications. Delivery is a
// side channel: callers wrap their notifier in Async so failures never reach
// the request path.
package notify

import (
	"context"
	"fmt"

	"github.com/skip2/go-qrcode"

	"github.com/farellandr/spoticket-gate/internal/helpers"
	"github.com/farellandr/spoticket-gate/internal/models"
)

const (
	TemplateTicketPurchased     = "ticket_purchased"
	TemplateRefundStatusChanged = "refund_status_changed"
)

type Notifier interface {
	SendTicketPurchased(ctx context.Context, user models.User, tickets []models.Ticket, event models.Event) error
	SendRefundStatusChanged(ctx context.Context, user models.User, ticket models.Ticket, refund models.Refund) error
}

type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"-"`
}

type Message struct {
	Template    string                 `json:"template"`
	Recipient   string                 `json:"recipient"`
	Subject     string                 `json:"subject"`
	Data        map[string]interface{} `json:"data"`
	Attachments []Attachment           `json:"attachments,omitempty"`
}

// Sender is a delivery transport.
type Sender interface {
	Deliver(ctx context.Context, userID string, msg Message) error
}

// Templated renders messages and hands them to a Sender.
type Templated struct {
	sender Sender
}

func NewTemplated(sender Sender) *Templated {
	return &Templated{sender: sender}
}

func (n *Templated) SendTicketPurchased(ctx context.Context, user models.User, tickets []models.Ticket, event models.Event) error {
	codes := make([]string, 0, len(tickets))
	attachments := make([]Attachment, 0, len(tickets))
	var total int64
	for _, ticket := range tickets {
		png, err := qrcode.Encode(ticket.Code, qrcode.Medium, 256)
		if err != nil {
			return fmt.Errorf("render qr for %s: %w", ticket.Code, err)
		}
		codes = append(codes, ticket.Code)
		total += ticket.Price
		attachments = append(attachments, Attachment{
			Name:        ticket.Code + ".png",
			ContentType: "image/png",
			Content:     png,
		})
	}

	msg := Message{
		Template:  TemplateTicketPurchased,
		Recipient: user.Email,
		Subject:   fmt.Sprintf("Your tickets for %s", event.Title),
		Data: map[string]interface{}{
			"name":        user.Name,
			"event_id":    event.ID.String(),
			"event_title": event.Title,
			"venue":       event.Venue,
			"starts_at":   event.StartTime,
			"quantity":    len(tickets),
			"codes":       codes,
			"total":       helpers.FormatMinor(total, event.Currency),
		},
		Attachments: attachments,
	}
	return n.sender.Deliver(ctx, user.ID.String(), msg)
}

func (n *Templated) SendRefundStatusChanged(ctx context.Context, user models.User, ticket models.Ticket, refund models.Refund) error {
	data := map[string]interface{}{
		"name":          user.Name,
		"refund_id":     refund.ID.String(),
		"ticket_code":   ticket.Code,
		"status":        string(refund.Status),
		"refund_amount": helpers.FormatMinor(refund.RefundAmount, refund.Currency),
	}
	if refund.FailureReason != nil {
		data["failure_reason"] = *refund.FailureReason
	}
	if refund.ProcessedAt != nil {
		data["processed_at"] = *refund.ProcessedAt
	}

	msg := Message{
		Template:  TemplateRefundStatusChanged,
		Recipient: user.Email,
		Subject:   fmt.Sprintf("Refund %s", refund.Status),
		Data:      data,
	}
	return n.sender.Deliver(ctx, user.ID.String(), msg)
}
