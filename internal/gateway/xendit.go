package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	xendit "github.com/xendit/xendit-go/v6"
	"github.com/xendit/xendit-go/v6/refund"

	"github.com/farellandr/spoticket-gate/internal/helpers"
)

const xenditReasonCustomer = "REQUESTED_BY_CUSTOMER"

type Xendit struct {
	client *xendit.APIClient
}

func NewXendit(client *xendit.APIClient) *Xendit {
	return &Xendit{client: client}
}

// XenditBaseURL points every API call of client at baseURL.
func XenditBaseURL(client *xendit.APIClient, baseURL string) error {
	cfg, ok := client.GetConfig().(*xendit.Configuration)
	if !ok {
		return errors.New("xendit: unexpected client configuration")
	}
	cfg.Servers = xendit.ServerConfigurations{{URL: baseURL}}
	return nil
}

// InitiateRefund refunds a payment request. ChargeRef is the Xendit payment
// request id recorded on the ticket at purchase time.
func (x *Xendit) InitiateRefund(ctx context.Context, req RefundRequest) (result *RefundResult, err error) {
	amount, _ := helpers.MinorToMajor(req.Amount, req.Currency).Float64()

	metadata := make(map[string]interface{}, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	body := *refund.NewCreateRefund()
	body.SetPaymentRequestId(req.ChargeRef)
	body.SetReferenceId(req.IdempotencyKey)
	body.SetAmount(amount)
	body.SetCurrency(req.Currency)
	body.SetReason(xenditReasonCustomer)
	body.SetMetadata(metadata)

	// The SDK dereferences a nil response when the transport fails, so a
	// dropped connection surfaces as a panic. The outcome is then unknown.
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: transport failure: %v", ErrTimeout, r)
		}
	}()

	resp, _, xErr := x.client.RefundApi.CreateRefund(ctx).
		IdempotencyKey(req.IdempotencyKey).
		CreateRefund(body).
		Execute()
	if xErr != nil {
		if ctx.Err() != nil {
			return nil, timeoutOr(ctx, ctx.Err())
		}
		if status, convErr := strconv.Atoi(xErr.Status()); convErr == nil && status >= 500 {
			return nil, fmt.Errorf("%w: gateway answered %d", ErrTimeout, status)
		}
		return nil, &RejectedError{Code: xErr.ErrorCode(), Message: xErr.Error()}
	}

	if resp == nil || resp.GetId() == "" {
		return nil, &RejectedError{Message: "gateway returned no refund id"}
	}
	return &RefundResult{GatewayRefundID: resp.GetId(), Status: "pending"}, nil
}

var _ Gateway = (*Xendit)(nil)

// IsTimeout reports whether err means the gateway outcome is unknown.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
