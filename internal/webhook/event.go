package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	EventRefundCreated   = "refund.created"
	EventRefundProcessed = "refund.processed"
	EventRefundSucceeded = "refund.succeeded"
	EventRefundFailed    = "refund.failed"
	EventRefundSpeed     = "refund.speed_changed"
)

var (
	ErrMissingEventID  = errors.New("webhook event has no id")
	ErrMissingRefundID = errors.New("webhook event has no refund entity id")
	ErrBodyTooLarge    = errors.New("webhook body too large")
)

// Event is a decoded refund callback. Raw holds the exact bytes received.
type Event struct {
	ID               string
	Type             string
	GatewayRefundID  string
	RefundStatus     string
	ErrorDescription string
	LocalRefundID    string
	TicketID         string
	Raw              []byte
}

type envelope struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Payload struct {
		Refund struct {
			Entity struct {
				ID               string `json:"id"`
				Status           string `json:"status"`
				ErrorDescription string `json:"error_description"`
				Notes            struct {
					RefundID string `json:"refund_id"`
					TicketID string `json:"ticket_id"`
				} `json:"notes"`
			} `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

// ParseEvent decodes rawBody. headerEventID is used when the body carries
// no id of its own.
func ParseEvent(rawBody []byte, headerEventID string) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}

	id := strings.TrimSpace(env.ID)
	if id == "" {
		id = strings.TrimSpace(headerEventID)
	}
	if id == "" {
		return nil, ErrMissingEventID
	}

	entity := env.Payload.Refund.Entity
	if entity.ID == "" && entity.Notes.RefundID == "" {
		return nil, ErrMissingRefundID
	}

	return &Event{
		ID:               id,
		Type:             strings.ToLower(strings.TrimSpace(env.Event)),
		GatewayRefundID:  entity.ID,
		RefundStatus:     strings.ToLower(entity.Status),
		ErrorDescription: entity.ErrorDescription,
		LocalRefundID:    entity.Notes.RefundID,
		TicketID:         entity.Notes.TicketID,
		Raw:              rawBody,
	}, nil
}

// ReadBody reads at most limit bytes and fails if r holds more.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, ErrBodyTooLarge
	}
	return body, nil
}

// Payload builds a callback body in the shape ParseEvent reads. Used by the
// sandbox gateway.
func Payload(eventID, eventType, gatewayRefundID, status, errorDescription string, notes map[string]string) ([]byte, error) {
	entity := map[string]interface{}{
		"id":     gatewayRefundID,
		"status": status,
		"notes":  notes,
	}
	if errorDescription != "" {
		entity["error_description"] = errorDescription
	}
	return json.Marshal(map[string]interface{}{
		"id":    eventID,
		"event": eventType,
		"payload": map[string]interface{}{
			"refund": map[string]interface{}{"entity": entity},
		},
	})
}
