package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/farellandr/spoticket-gate/internal/checkin"
	"github.com/farellandr/spoticket-gate/internal/gateway"
	"github.com/farellandr/spoticket-gate/internal/issuance"
	"github.com/farellandr/spoticket-gate/internal/middleware"
	"github.com/farellandr/spoticket-gate/internal/models"
	"github.com/farellandr/spoticket-gate/internal/notify"
	"github.com/farellandr/spoticket-gate/internal/refund"
	"github.com/farellandr/spoticket-gate/internal/testutil"
	"github.com/farellandr/spoticket-gate/internal/ticketcode"
	"github.com/farellandr/spoticket-gate/internal/webhook"
)

const (
	jwtSecret     = "test-jwt-secret"
	webhookSecret = "test-webhook-secret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type harness struct {
	db     *gorm.DB
	codes  *ticketcode.Generator
	router *gin.Engine
	logs   *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.NewDB(t)
	logger := testutil.Logger()
	logs := &bytes.Buffer{}

	codes, err := ticketcode.New([]byte("test-code-secret"))
	require.NoError(t, err)

	notifier := notify.NewAsync(notify.NewTemplated(notify.NewLog(logger)), logger)
	t.Cleanup(notifier.Wait)

	gw := gateway.NewSandbox(gateway.SandboxConfig{Secret: webhookSecret}, logger)

	deps := Dependencies{
		DB:       db,
		Issuance: issuance.NewService(db, codes, notifier, logger, issuance.Options{MaxQuantity: 5}),
		CheckIn:  checkin.NewService(db, codes, logger),
		Refund: refund.NewService(db, gw, notifier, nil, logger, refund.Options{
			ProcessingFee:  4000,
			MinimumAmount:  100,
			GatewayTimeout: time.Second,
			Currency:       "INR",
		}),
		Auth:    middleware.AuthConfig{Secret: jwtSecret, TTL: time.Hour},
		Webhook: middleware.WebhookConfig{Secret: webhookSecret, MaxBody: 1 << 16},
		Logger:  slog.New(slog.NewTextHandler(logs, nil)),
	}

	r := gin.New()
	setupRoutes(r, deps)
	return &harness{db: db, codes: codes, router: r, logs: logs}
}

func tokenFor(t *testing.T, user *models.User) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": user.ID.String(),
		"role":    user.Role.Name,
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return signed
}

func (h *harness) do(t *testing.T, method, path, token string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var raw []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		raw = b
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (h *harness) validTicket(t *testing.T, event *models.Event, owner *models.User) *models.Ticket {
	t.Helper()

	code, err := h.codes.Generate()
	require.NoError(t, err)
	return testutil.SeedTicket(t, h.db, event, owner, code)
}

func TestRegisterLoginProfile(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.db.Create(&models.Role{Name: models.RoleAttendee}).Error)

	creds := map[string]string{"email": "ana@example.com", "password": "secret123", "name": "Ana"}
	w := h.do(t, http.MethodPost, "/v1/register", "", creds, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = h.do(t, http.MethodPost, "/v1/register", "", creds, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodPost, "/v1/login", "", map[string]string{"email": "ana@example.com", "password": "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, http.MethodPost, "/v1/login", "", map[string]string{"email": "ana@example.com", "password": "secret123"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	token, _ := decode(t, w)["token"].(string)
	require.NotEmpty(t, token)

	w = h.do(t, http.MethodGet, "/v1/profile", token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	profile := decode(t, w)
	assert.Equal(t, "ana@example.com", profile["email"])
	assert.Equal(t, models.RoleAttendee, profile["role"])
}

func TestCreateEventIsSingleton(t *testing.T) {
	h := newHarness(t)
	admin := testutil.SeedUser(t, h.db, models.RoleAdmin)
	attendee := testutil.SeedUser(t, h.db, models.RoleAttendee)

	start := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Second)
	body := map[string]interface{}{
		"title":       "Launch Night",
		"description": "one night only",
		"venue":       "Main Hall",
		"start_time":  start,
		"end_time":    start.Add(3 * time.Hour),
		"capacity":    100,
		"price":       "500.00",
		"currency":    "inr",
	}

	w := h.do(t, http.MethodPost, "/v1/events", tokenFor(t, attendee), body, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(t, http.MethodPost, "/v1/events", tokenFor(t, admin), body, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var event models.Event
	require.NoError(t, h.db.First(&event).Error)
	assert.EqualValues(t, 50000, event.UnitPrice)
	assert.Equal(t, "INR", event.Currency)
	assert.Equal(t, 100, event.Remaining)

	w = h.do(t, http.MethodPost, "/v1/events", tokenFor(t, admin), body, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodGet, "/v1/events/current", "", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "500.00", decode(t, w)["price"])
}

func TestDeleteEventRefusedOnceTicketsExist(t *testing.T) {
	h := newHarness(t)
	admin := testutil.SeedUser(t, h.db, models.RoleAdmin)
	event := testutil.SeedEvent(t, h.db, 5, 50000)
	h.validTicket(t, event, admin)

	w := h.do(t, http.MethodDelete, "/v1/events/"+event.ID.String(), tokenFor(t, admin), nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodDelete, "/v1/events/"+uuid.NewString(), tokenFor(t, admin), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPurchaseSoldOut(t *testing.T) {
	h := newHarness(t)
	event := testutil.SeedEvent(t, h.db, 2, 50000)
	buyer := testutil.SeedUser(t, h.db, models.RoleAttendee)
	token := tokenFor(t, buyer)

	w := h.do(t, http.MethodPost, "/v1/purchases", token, map[string]interface{}{"quantity": 2}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tickets, _ := decode(t, w)["tickets"].([]interface{})
	assert.Len(t, tickets, 2)

	w = h.do(t, http.MethodPost, "/v1/purchases", token, map[string]interface{}{"event_id": event.ID, "quantity": 1}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SOLD_OUT", decode(t, w)["code"])
	assert.Equal(t, 0, testutil.Remaining(t, h.db, event.ID))

	w = h.do(t, http.MethodPost, "/v1/purchases", token, map[string]interface{}{"quantity": 6}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodGet, "/v1/tickets", token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	mine, _ := decode(t, w)["tickets"].([]interface{})
	assert.Len(t, mine, 2)
}

func TestTicketQROwnerOnly(t *testing.T) {
	h := newHarness(t)
	event := testutil.SeedEvent(t, h.db, 5, 50000)
	owner := testutil.SeedUser(t, h.db, models.RoleAttendee)
	other := testutil.SeedUser(t, h.db, models.RoleAttendee)
	ticket := h.validTicket(t, event, owner)

	w := h.do(t, http.MethodGet, "/v1/tickets/"+ticket.ID.String()+"/qr", tokenFor(t, owner), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))

	w = h.do(t, http.MethodGet, "/v1/tickets/"+ticket.ID.String()+"/qr", tokenFor(t, other), nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCheckInResponses(t *testing.T) {
	h := newHarness(t)
	event := testutil.SeedEvent(t, h.db, 5, 50000)
	owner := testutil.SeedUser(t, h.db, models.RoleAttendee)
	scanner := testutil.SeedUser(t, h.db, models.RoleScanner)
	ticket := h.validTicket(t, event, owner)
	token := tokenFor(t, scanner)

	w := h.do(t, http.MethodPost, "/v1/checkin", tokenFor(t, owner), map[string]string{"code": ticket.Code}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(t, http.MethodPost, "/v1/checkin", token, map[string]string{"code": ticket.Code}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(t, http.MethodPost, "/v1/checkin", token, map[string]string{"code": ticket.Code}, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.Equal(t, "ALREADY_USED", body["code"])
	details, _ := body["details"].(map[string]interface{})
	assert.NotEmpty(t, details["scanned_at"])
	assert.Equal(t, scanner.ID.String(), details["scanned_by"])

	w = h.do(t, http.MethodPost, "/v1/checkin", token, map[string]string{"code": "TKT-garbage"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	unknown, err := h.codes.Generate()
	require.NoError(t, err)
	w = h.do(t, http.MethodPost, "/v1/checkin", token, map[string]string{"code": unknown}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodGet, "/v1/checkin/"+ticket.Code, token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(models.TicketUsed), decode(t, w)["status"])
}

func signedWebhook(t *testing.T, eventID, eventType, gatewayRefundID, status string) ([]byte, map[string]string) {
	t.Helper()

	body, err := webhook.Payload(eventID, eventType, gatewayRefundID, status, "", nil)
	require.NoError(t, err)
	return body, map[string]string{webhook.SignatureHeader: webhook.Sign(body, webhookSecret)}
}

func TestRefundWebhookFlow(t *testing.T) {
	h := newHarness(t)
	event := testutil.SeedEvent(t, h.db, 5, 50000)
	owner := testutil.SeedUser(t, h.db, models.RoleAttendee)
	ticket := h.validTicket(t, event, owner)
	token := tokenFor(t, owner)

	w := h.do(t, http.MethodPost, "/v1/tickets/"+ticket.ID.String()+"/refund", token, map[string]string{"reason": "cannot attend"}, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	created, _ := decode(t, w)["refund"].(map[string]interface{})
	require.Equal(t, string(models.RefundProcessing), created["status"])
	assert.EqualValues(t, 46000, created["refund_amount"])
	gatewayRefundID, _ := created["gateway_refund_id"].(string)
	require.NotEmpty(t, gatewayRefundID)
	refundID := created["id"].(string)

	w = h.do(t, http.MethodPost, "/v1/tickets/"+ticket.ID.String()+"/refund", token, nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	body, headers := signedWebhook(t, "evt_1", webhook.EventRefundProcessed, gatewayRefundID, "processed")

	w = h.do(t, http.MethodPost, "/v1/webhooks/refunds", "", body, map[string]string{webhook.SignatureHeader: "deadbeef"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var stored models.Refund
	require.NoError(t, h.db.Where("id = ?", refundID).Take(&stored).Error)
	assert.Equal(t, models.RefundProcessing, stored.Status)

	w = h.do(t, http.MethodPost, "/v1/webhooks/refunds", "", body, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// redelivery is acknowledged without another transition
	w = h.do(t, http.MethodPost, "/v1/webhooks/refunds", "", body, headers)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodGet, "/v1/refunds/"+refundID, token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, string(models.RefundProcessed), got["status"])
	assert.NotNil(t, got["processed_at"])
	events, _ := got["webhook_events"].([]interface{})
	assert.Len(t, events, 1)

	stranger := testutil.SeedUser(t, h.db, models.RoleAttendee)
	w = h.do(t, http.MethodGet, "/v1/refunds/"+refundID, tokenFor(t, stranger), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRefundWebhookUnmatchedIsAcknowledged(t *testing.T) {
	h := newHarness(t)

	body, headers := signedWebhook(t, "evt_orphan", webhook.EventRefundProcessed, "rfnd_unknown", "processed")
	w := h.do(t, http.MethodPost, "/v1/webhooks/refunds", "", body, headers)
	assert.Equal(t, http.StatusOK, w.Code)

	garbage := []byte(`{"not":"a refund"}`)
	w = h.do(t, http.MethodPost, "/v1/webhooks/refunds", "", garbage,
		map[string]string{webhook.SignatureHeader: webhook.Sign(garbage, webhookSecret)})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRefundGatewayRejectionKeepsTicket(t *testing.T) {
	h := newHarness(t)
	event := testutil.SeedEvent(t, h.db, 5, 50000)
	owner := testutil.SeedUser(t, h.db, models.RoleAttendee)
	ticket := h.validTicket(t, event, owner)
	require.NoError(t, h.db.Model(ticket).Update("charge_ref", "fail_charge").Error)

	w := h.do(t, http.MethodPost, "/v1/tickets/"+ticket.ID.String()+"/refund", tokenFor(t, owner), nil, nil)
	require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "GATEWAY_REJECTED", body["code"])
	details, _ := body["details"].(map[string]interface{})
	assert.Equal(t, string(models.RefundFailed), details["status"])
	assert.NotEmpty(t, details["failure_reason"])

	var stored models.Ticket
	require.NoError(t, h.db.Where("id = ?", ticket.ID).Take(&stored).Error)
	assert.Equal(t, models.TicketActive, stored.Status)
	assert.Equal(t, 5, testutil.Remaining(t, h.db, event.ID))
}

func TestAdminCancelRefund(t *testing.T) {
	h := newHarness(t)
	event := testutil.SeedEvent(t, h.db, 5, 50000)
	owner := testutil.SeedUser(t, h.db, models.RoleAttendee)
	admin := testutil.SeedUser(t, h.db, models.RoleAdmin)
	ticket := h.validTicket(t, event, owner)

	w := h.do(t, http.MethodPost, "/v1/tickets/"+ticket.ID.String()+"/refund", tokenFor(t, owner), nil, nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	created, _ := decode(t, w)["refund"].(map[string]interface{})
	path := "/v1/refunds/" + created["id"].(string) + "/cancel"

	w = h.do(t, http.MethodPost, path, tokenFor(t, owner), nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(t, http.MethodPost, path, tokenFor(t, admin), map[string]string{"note": "duplicate charge"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(t, http.MethodPost, path, tokenFor(t, admin), nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodGet, "/v1/refunds", tokenFor(t, owner), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	refunds, _ := decode(t, w)["refunds"].([]interface{})
	require.Len(t, refunds, 1)
	assert.Equal(t, string(models.RefundCancelled), refunds[0].(map[string]interface{})["status"])
}

func TestRefundWebhookStorageFailureIsAcknowledged(t *testing.T) {
	h := newHarness(t)

	sqlDB, err := h.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	body, headers := signedWebhook(t, "evt_db_down", webhook.EventRefundProcessed, "rfnd_db_down", "processed")
	w := h.do(t, http.MethodPost, "/v1/webhooks/refunds", "", body, headers)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, h.logs.String(), "webhook processing failed")
	assert.Contains(t, h.logs.String(), "evt_db_down")

	// a bad signature is still refused while storage is down
	w = h.do(t, http.MethodPost, "/v1/webhooks/refunds", "", body, map[string]string{webhook.SignatureHeader: "00"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
