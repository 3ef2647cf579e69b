package refund

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/farellandr/spoticket-gate/internal/gateway"
	"github.com/farellandr/spoticket-gate/internal/inventory"
	"github.com/farellandr/spoticket-gate/internal/models"
	"github.com/farellandr/spoticket-gate/internal/pending"
	"github.com/farellandr/spoticket-gate/internal/testutil"
	"github.com/farellandr/spoticket-gate/internal/webhook"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls []gateway.RefundRequest
	id    string
	err   error
	hang  bool
	delay time.Duration
}

func (g *fakeGateway) InitiateRefund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()

	if g.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	id := g.id
	if id == "" {
		id = "rfnd_" + uuid.NewString()
	}
	return &gateway.RefundResult{GatewayRefundID: id, Status: "pending"}, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []models.RefundStatus
}

func (n *recordingNotifier) SendTicketPurchased(context.Context, models.User, []models.Ticket, models.Event) error {
	return nil
}

func (n *recordingNotifier) SendRefundStatusChanged(_ context.Context, _ models.User, _ models.Ticket, refund models.Refund) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, refund.Status)
	return errors.New("notification backend down")
}

func (n *recordingNotifier) sent() []models.RefundStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.RefundStatus(nil), n.statuses...)
}

type fixture struct {
	db       *gorm.DB
	svc      *Service
	gw       *fakeGateway
	notifier *recordingNotifier
	event    *models.Event
	owner    *models.User
	ticket   *models.Ticket
}

func setup(t *testing.T, buffer *pending.Buffer) *fixture {
	t.Helper()
	db := testutil.NewDB(t)

	event := testutil.SeedEvent(t, db, 10, 50000)
	_, err := inventory.Reserve(context.Background(), db, event.ID, 1)
	require.NoError(t, err)

	owner := testutil.SeedUser(t, db, models.RoleAttendee)
	ticket := testutil.SeedTicket(t, db, event, owner, "TKT-"+uuid.NewString())

	gw := &fakeGateway{}
	notifier := &recordingNotifier{}
	svc := NewService(db, gw, notifier, buffer, testutil.Logger(), Options{
		ProcessingFee:  4000,
		MinimumAmount:  100,
		GatewayTimeout: 50 * time.Millisecond,
		Currency:       "INR",
	})
	return &fixture{db: db, svc: svc, gw: gw, notifier: notifier, event: event, owner: owner, ticket: ticket}
}

func (f *fixture) ticketStatus(t *testing.T) models.TicketStatus {
	t.Helper()
	var ticket models.Ticket
	require.NoError(t, f.db.Where("id = ?", f.ticket.ID).Take(&ticket).Error)
	return ticket.Status
}

func historyCount(refund *models.Refund, status models.RefundStatus) int {
	n := 0
	for _, h := range refund.History {
		if h.Status == status {
			n++
		}
	}
	return n
}

func processedEvent(t *testing.T, eventID, gatewayRefundID string, refundID uuid.UUID) *webhook.Event {
	t.Helper()
	notes := map[string]string{}
	if refundID != uuid.Nil {
		notes["refund_id"] = refundID.String()
	}
	body, err := webhook.Payload(eventID, webhook.EventRefundProcessed, gatewayRefundID, "processed", "", notes)
	require.NoError(t, err)
	ev, err := webhook.ParseEvent(body, "")
	require.NoError(t, err)
	return ev
}

func TestComputeAmount(t *testing.T) {
	tests := []struct {
		name                   string
		original, fee, minimum int64
		want                   int64
	}{
		{"fee deducted", 50000, 4000, 100, 46000},
		{"floored at minimum", 3000, 4000, 100, 100},
		{"exactly minimum", 4100, 4000, 100, 100},
		{"no fee", 50000, 0, 100, 50000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeAmount(tt.original, tt.fee, tt.minimum))
		})
	}
}

func TestInitiateAcceptedByGateway(t *testing.T) {
	f := setup(t, nil)
	f.gw.id = "rfnd_1"

	refund, err := f.svc.Initiate(context.Background(), f.ticket.ID, f.owner.ID, "cannot attend")
	require.NoError(t, err)

	assert.Equal(t, models.RefundProcessing, refund.Status)
	assert.Equal(t, int64(50000), refund.OriginalAmount)
	assert.Equal(t, int64(46000), refund.RefundAmount)
	require.NotNil(t, refund.GatewayRefundID)
	assert.Equal(t, "rfnd_1", *refund.GatewayRefundID)
	assert.Nil(t, refund.ProcessedAt)
	require.Len(t, refund.History, 2)
	assert.Equal(t, models.RefundPending, refund.History[0].Status)
	assert.Equal(t, models.RefundProcessing, refund.History[1].Status)

	assert.Equal(t, models.TicketCancelled, f.ticketStatus(t))
	assert.Equal(t, 10, testutil.Remaining(t, f.db, f.event.ID))

	require.Equal(t, 1, f.gw.callCount())
	call := f.gw.calls[0]
	assert.Equal(t, f.ticket.ChargeRef, call.ChargeRef)
	assert.Equal(t, int64(46000), call.Amount)
	assert.Equal(t, refund.ID.String(), call.IdempotencyKey)
	assert.Equal(t, refund.ID.String(), call.Metadata["refund_id"])
	assert.Equal(t, f.ticket.ID.String(), call.Metadata["ticket_id"])
}

func TestInitiateGatewayRejected(t *testing.T) {
	f := setup(t, nil)
	f.gw.err = &gateway.RejectedError{Code: "REFUND_NOT_ALLOWED", Message: "payment too old"}

	refund, err := f.svc.Initiate(context.Background(), f.ticket.ID, f.owner.ID, "")
	assert.ErrorIs(t, err, ErrGatewayRejected)
	require.NotNil(t, refund)
	assert.Equal(t, models.RefundFailed, refund.Status)
	require.NotNil(t, refund.FailureReason)
	assert.Equal(t, "REFUND_NOT_ALLOWED: payment too old", *refund.FailureReason)

	// rejection leaves the ticket usable
	assert.Equal(t, models.TicketActive, f.ticketStatus(t))
	assert.Equal(t, 9, testutil.Remaining(t, f.db, f.event.ID))
	assert.Equal(t, []models.RefundStatus{models.RefundFailed}, f.notifier.sent())

	// no automatic retry
	assert.Equal(t, 1, f.gw.callCount())
	_, err = f.svc.Initiate(context.Background(), f.ticket.ID, f.owner.ID, "")
	assert.ErrorIs(t, err, ErrDuplicateRefund)
}

func TestInitiateGatewayTimeoutThenLateSuccess(t *testing.T) {
	f := setup(t, nil)
	f.gw.hang = true

	refund, err := f.svc.Initiate(context.Background(), f.ticket.ID, f.owner.ID, "")
	assert.ErrorIs(t, err, ErrGatewayTimeout)
	require.NotNil(t, refund)
	assert.Equal(t, models.RefundFailed, refund.Status)
	assert.Equal(t, FailureGatewayTimeout, *refund.FailureReason)
	assert.Equal(t, models.TicketActive, f.ticketStatus(t))

	// the gateway did process it after all
	require.NoError(t, f.svc.HandleWebhook(context.Background(), processedEvent(t, "evt_late", "rfnd_late", refund.ID)))

	stored, err := f.svc.Get(context.Background(), refund.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundProcessed, stored.Status)
	assert.Nil(t, stored.FailureReason)
	require.NotNil(t, stored.GatewayRefundID)
	assert.Equal(t, "rfnd_late", *stored.GatewayRefundID)
	assert.NotNil(t, stored.ProcessedAt)
	assert.Equal(t, models.TicketCancelled, f.ticketStatus(t))
	assert.Equal(t, 10, testutil.Remaining(t, f.db, f.event.ID))
}

func TestInitiateSurvivesCallerCancellation(t *testing.T) {
	f := setup(t, nil)
	f.svc.opts.GatewayTimeout = 2 * time.Second
	f.gw.delay = 150 * time.Millisecond
	f.gw.id = "rfnd_after_hangup"

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	defer cancel()

	refund, err := f.svc.Initiate(ctx, f.ticket.ID, f.owner.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.RefundProcessing, refund.Status)
	require.NotNil(t, refund.GatewayRefundID)
	assert.Equal(t, "rfnd_after_hangup", *refund.GatewayRefundID)
	assert.Equal(t, models.TicketCancelled, f.ticketStatus(t))
}

func TestInitiateCancelledTransportIsRecordedAsTimeout(t *testing.T) {
	f := setup(t, nil)
	f.gw.err = fmt.Errorf("post refund: %w", context.Canceled)

	refund, err := f.svc.Initiate(context.Background(), f.ticket.ID, f.owner.ID, "")
	assert.ErrorIs(t, err, ErrGatewayTimeout)
	require.NotNil(t, refund)
	assert.Equal(t, models.RefundFailed, refund.Status)
	require.NotNil(t, refund.FailureReason)
	assert.Equal(t, FailureGatewayTimeout, *refund.FailureReason)

	// a late success still lands and takes the ticket out of circulation
	require.NoError(t, f.svc.HandleWebhook(context.Background(), processedEvent(t, "evt_after_cancel", "rfnd_after_cancel", refund.ID)))

	stored, err := f.svc.Get(context.Background(), refund.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundProcessed, stored.Status)
	assert.Equal(t, models.TicketCancelled, f.ticketStatus(t))
}

func TestInitiateRejections(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, f *fixture) (ticketID, userID uuid.UUID)
		wantErr error
	}{
		{
			name: "unknown ticket",
			prepare: func(t *testing.T, f *fixture) (uuid.UUID, uuid.UUID) {
				return uuid.New(), f.owner.ID
			},
			wantErr: ErrTicketNotFound,
		},
		{
			name: "someone else's ticket",
			prepare: func(t *testing.T, f *fixture) (uuid.UUID, uuid.UUID) {
				return f.ticket.ID, uuid.New()
			},
			wantErr: ErrNotOwner,
		},
		{
			name: "used ticket",
			prepare: func(t *testing.T, f *fixture) (uuid.UUID, uuid.UUID) {
				require.NoError(t, f.db.Model(&models.Ticket{}).Where("id = ?", f.ticket.ID).Update("status", models.TicketUsed).Error)
				return f.ticket.ID, f.owner.ID
			},
			wantErr: ErrRefundIneligible,
		},
		{
			name: "cancelled ticket",
			prepare: func(t *testing.T, f *fixture) (uuid.UUID, uuid.UUID) {
				require.NoError(t, f.db.Model(&models.Ticket{}).Where("id = ?", f.ticket.ID).Update("status", models.TicketCancelled).Error)
				return f.ticket.ID, f.owner.ID
			},
			wantErr: ErrTicketCancelled,
		},
		{
			name: "no charge reference",
			prepare: func(t *testing.T, f *fixture) (uuid.UUID, uuid.UUID) {
				require.NoError(t, f.db.Model(&models.Ticket{}).Where("id = ?", f.ticket.ID).Update("charge_ref", "").Error)
				return f.ticket.ID, f.owner.ID
			},
			wantErr: ErrRefundIneligible,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, nil)
			ticketID, userID := tt.prepare(t, f)

			_, err := f.svc.Initiate(context.Background(), ticketID, userID, "")
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, f.gw.callCount())

			var count int64
			require.NoError(t, f.db.Model(&models.Refund{}).Count(&count).Error)
			assert.Zero(t, count)
		})
	}
}

func TestConcurrentInitiateCreatesOneRefund(t *testing.T) {
	f := setup(t, nil)

	errs := make([]error, 4)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Initiate(context.Background(), f.ticket.ID, f.owner.ID, "")
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateRefund), errors.Is(err, ErrTicketCancelled):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, len(errs)-1, dup)
	assert.Equal(t, 1, f.gw.callCount())

	var count int64
	require.NoError(t, f.db.Model(&models.Refund{}).Where("ticket_id = ?", f.ticket.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDuplicateRefundEnforcedByStorage(t *testing.T) {
	f := setup(t, nil)

	first := models.Refund{TicketID: f.ticket.ID, UserID: f.owner.ID, OriginalAmount: 1, RefundAmount: 1, Currency: "INR", Status: models.RefundPending}
	require.NoError(t, f.db.Omit("Ticket").Create(&first).Error)

	second := models.Refund{TicketID: f.ticket.ID, UserID: f.owner.ID, OriginalAmount: 1, RefundAmount: 1, Currency: "INR", Status: models.RefundPending}
	err := f.db.Omit("Ticket").Create(&second).Error
	assert.True(t, models.IsUniqueViolation(err), "got %v", err)
}

func TestWebhookProcessedIsIdempotent(t *testing.T) {
	f := setup(t, nil)
	f.gw.id = "rfnd_1"
	ctx := context.Background()

	refund, err := f.svc.Initiate(ctx, f.ticket.ID, f.owner.ID, "")
	require.NoError(t, err)

	ev := processedEvent(t, "evt_1", "rfnd_1", uuid.Nil)
	require.NoError(t, f.svc.HandleWebhook(ctx, ev))

	first, err := f.svc.Get(ctx, refund.ID)
	require.NoError(t, err)
	require.NotNil(t, first.ProcessedAt)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.HandleWebhook(ctx, ev))
	}

	stored, err := f.svc.Get(ctx, refund.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundProcessed, stored.Status)
	assert.Equal(t, int64(46000), stored.RefundAmount)
	assert.True(t, first.ProcessedAt.Equal(*stored.ProcessedAt))
	assert.Equal(t, 1, historyCount(stored, models.RefundProcessed))
	assert.Len(t, stored.WebhookEvents, 1)
	assert.Equal(t, "evt_1", stored.WebhookEvents[0].GatewayEventID)
	assert.Equal(t, []models.RefundStatus{models.RefundProcessed}, f.notifier.sent())
}

func TestWebhookNewEventAfterTerminalDoesNotTransition(t *testing.T) {
	f := setup(t, nil)
	f.gw.id = "rfnd_1"
	ctx := context.Background()

	refund, err := f.svc.Initiate(ctx, f.ticket.ID, f.owner.ID, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleWebhook(ctx, processedEvent(t, "evt_1", "rfnd_1", uuid.Nil)))
	require.NoError(t, f.svc.HandleWebhook(ctx, processedEvent(t, "evt_2", "rfnd_1", uuid.Nil)))

	body, err := webhook.Payload("evt_3", webhook.EventRefundFailed, "rfnd_1", "failed", "late failure", nil)
	require.NoError(t, err)
	failed, err := webhook.ParseEvent(body, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleWebhook(ctx, failed))

	stored, err := f.svc.Get(ctx, refund.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundProcessed, stored.Status)
	assert.Equal(t, 1, historyCount(stored, models.RefundProcessed))
	assert.Zero(t, historyCount(stored, models.RefundFailed))
	assert.Len(t, stored.WebhookEvents, 3)
}

func TestWebhookFailedRecordsDescription(t *testing.T) {
	f := setup(t, nil)
	f.gw.id = "rfnd_1"
	ctx := context.Background()

	refund, err := f.svc.Initiate(ctx, f.ticket.ID, f.owner.ID, "")
	require.NoError(t, err)

	body, err := webhook.Payload("evt_1", webhook.EventRefundFailed, "rfnd_1", "failed", "bank account closed", nil)
	require.NoError(t, err)
	ev, err := webhook.ParseEvent(body, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleWebhook(ctx, ev))

	stored, err := f.svc.Get(ctx, refund.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundFailed, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, "bank account closed", *stored.FailureReason)
	assert.Nil(t, stored.ProcessedAt)
	assert.Equal(t, 1, historyCount(stored, models.RefundFailed))
}

func TestWebhookInformationalEventIsOnlyLogged(t *testing.T) {
	f := setup(t, nil)
	f.gw.id = "rfnd_1"
	ctx := context.Background()

	refund, err := f.svc.Initiate(ctx, f.ticket.ID, f.owner.ID, "")
	require.NoError(t, err)

	body, err := webhook.Payload("evt_speed", webhook.EventRefundSpeed, "rfnd_1", "pending", "", nil)
	require.NoError(t, err)
	ev, err := webhook.ParseEvent(body, "")
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleWebhook(ctx, ev))

	stored, err := f.svc.Get(ctx, refund.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundProcessing, stored.Status)
	assert.Len(t, stored.History, 2)
	require.Len(t, stored.WebhookEvents, 1)
	assert.Equal(t, webhook.EventRefundSpeed, stored.WebhookEvents[0].EventType)
}

func TestWebhookUnmatchedIsDropped(t *testing.T) {
	f := setup(t, nil)

	err := f.svc.HandleWebhook(context.Background(), processedEvent(t, "evt_1", "rfnd_unknown", uuid.Nil))
	assert.NoError(t, err)

	var count int64
	require.NoError(t, f.db.Model(&models.RefundWebhookEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestWebhookUnmatchedSurvivesBufferFailure(t *testing.T) {
	// no expectations are registered, so every redis call fails
	rdb, _ := redismock.NewClientMock()
	f := setup(t, pending.NewBuffer(rdb, time.Minute))

	err := f.svc.HandleWebhook(context.Background(), processedEvent(t, "evt_1", "rfnd_unknown", uuid.Nil))
	assert.NoError(t, err)
}

func TestParkedWebhookReplayedAfterAcknowledgement(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	f := setup(t, pending.NewBuffer(rdb, time.Minute))
	f.gw.id = "rfnd_early"

	// the callback raced ahead of the local write and was parked
	body, err := webhook.Payload("evt_early", webhook.EventRefundProcessed, "rfnd_early", "processed", "", nil)
	require.NoError(t, err)
	entry, err := cbor.Marshal(pending.Entry{EventID: "evt_early", Body: body, ReceivedAt: time.Now().UnixMilli()})
	require.NoError(t, err)

	mock.ExpectTxPipeline()
	mock.ExpectLRange("webhook:pending:rfnd_early", 0, -1).SetVal([]string{string(entry)})
	mock.ExpectDel("webhook:pending:rfnd_early").SetVal(1)
	mock.ExpectTxPipelineExec()

	refund, err := f.svc.Initiate(context.Background(), f.ticket.ID, f.owner.ID, "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, models.RefundProcessed, refund.Status)
	assert.NotNil(t, refund.ProcessedAt)
	require.Len(t, refund.WebhookEvents, 1)
	assert.Equal(t, "evt_early", refund.WebhookEvents[0].GatewayEventID)
}

func TestCancel(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	refund, err := f.svc.Initiate(ctx, f.ticket.ID, f.owner.ID, "")
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, refund.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.RefundCancelled, cancelled.Status)
	assert.Equal(t, 1, historyCount(cancelled, models.RefundCancelled))

	_, err = f.svc.Cancel(ctx, refund.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.Cancel(ctx, uuid.New(), "")
	assert.ErrorIs(t, err, ErrRefundNotFound)

	// a cancelled refund ignores later success callbacks
	require.NoError(t, f.svc.HandleWebhook(ctx, processedEvent(t, "evt_1", *refund.GatewayRefundID, uuid.Nil)))
	stored, err := f.svc.Get(ctx, refund.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundCancelled, stored.Status)
}

func TestListForUser(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	_, err := f.svc.Initiate(ctx, f.ticket.ID, f.owner.ID, "")
	require.NoError(t, err)

	refunds, err := f.svc.ListForUser(ctx, f.owner.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, f.ticket.ID, refunds[0].TicketID)

	others, err := f.svc.ListForUser(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, others)
}
