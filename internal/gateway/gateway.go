// Package gateway talks to the payment provider that executes refunds.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

var ErrTimeout = errors.New("gateway timeout")

// RejectedError is a definite refusal from the gateway.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type RefundRequest struct {
	// IdempotencyKey is the local refund id; replays with the same key must
	// not create a second refund at the gateway.
	IdempotencyKey string
	ChargeRef      string
	Amount         int64
	Currency       string
	Reason         string
	Metadata       map[string]string
}

type RefundResult struct {
	GatewayRefundID string
	Status          string
}

type Gateway interface {
	InitiateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// timeoutOr maps a failure that happened after ctx ended to ErrTimeout. The
// gateway may still have acted, so the outcome is unknown either way.
func timeoutOr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
