package gateway

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/farellandr/spoticket-gate/internal/webhook"
)

const (
	// charge refs with these prefixes exercise failure paths locally
	sandboxRejectPrefix  = "fail_"
	sandboxTimeoutPrefix = "timeout_"
)

type SandboxConfig struct {
	CallbackURL string
	Secret      string
	Delay       time.Duration
}

// Sandbox acknowledges every refund immediately and later posts a signed
// refund.processed callback, the way a real gateway would.
type Sandbox struct {
	cfg    SandboxConfig
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewSandbox(cfg SandboxConfig, logger *slog.Logger) *Sandbox {
	return &Sandbox{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (s *Sandbox) InitiateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	switch {
	case req.Amount <= 0:
		return nil, &RejectedError{Code: "INVALID_AMOUNT", Message: "refund amount must be positive"}
	case strings.HasPrefix(req.ChargeRef, sandboxRejectPrefix):
		return nil, &RejectedError{Code: "REFUND_NOT_ALLOWED", Message: "payment is not refundable"}
	case strings.HasPrefix(req.ChargeRef, sandboxTimeoutPrefix):
		<-ctx.Done()
		return nil, timeoutOr(ctx, ctx.Err())
	}

	result := &RefundResult{
		GatewayRefundID: "rfnd_" + uuid.NewString(),
		Status:          "pending",
	}

	if s.cfg.CallbackURL != "" {
		s.wg.Add(1)
		go s.callback(result.GatewayRefundID, req.Metadata)
	}
	return result, nil
}

// Wait blocks until pending callbacks have been sent.
func (s *Sandbox) Wait() {
	s.wg.Wait()
}

func (s *Sandbox) callback(gatewayRefundID string, notes map[string]string) {
	defer s.wg.Done()
	time.Sleep(s.cfg.Delay)

	body, err := webhook.Payload("evt_"+uuid.NewString(), webhook.EventRefundProcessed, gatewayRefundID, "processed", "", notes)
	if err != nil {
		s.logger.Error("sandbox: build callback", "error", err)
		return
	}

	if err := s.post(body); err != nil {
		s.logger.Warn("sandbox: callback failed", "gateway_refund_id", gatewayRefundID, "error", err)
	}
}

func (s *Sandbox) post(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, s.cfg.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(body, s.cfg.Secret))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %s", resp.Status)
	}
	return nil
}

var _ Gateway = (*Sandbox)(nil)
