package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/pocketbase/pocketbase/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-engine/config"
	"ticket-engine/internal/clock"
	"ticket-engine/internal/logger"
	"ticket-engine/internal/services"
	"ticket-engine/internal/services/bank"
	"ticket-engine/internal/testutil"
	"ticket-engine/models"
	"ticket-engine/security"
)

type apiFixture struct {
	orders   *OrderHandler
	payments *PaymentHandler
	checkins *CheckInHandler
	admin    *AdminHandler

	orderSvc *services.OrderService
	mock     *bank.Mock
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st := testutil.NewStore(t, clock.NewManual(testutil.Epoch))
	testutil.SeedSchedule(t, st, "s1", 10)
	testutil.SeedCategory(t, st, "ga", "s1", 5, testutil.CategoryOpts{Price: 20000})
	testutil.SeedGate(t, st, models.Gate{ID: "gate-a"})

	pub := services.NewNotifier(&config.Config{})
	ledger := services.NewLedgerService(st)
	orders := services.NewOrderService(st, ledger, pub, 10*time.Minute)
	gates := services.NewGateService(st, nil)
	checkins := services.NewCheckInService(st, gates, pub)

	m := bank.NewMock("secret")
	reg := bank.NewRegistry()
	reg.Register(m)
	payments := services.NewPaymentService(st, orders, reg, nil, services.PaymentOptions{})

	return &apiFixture{
		orders:   NewOrderHandler(orders, ledger),
		payments: NewPaymentHandler(payments),
		checkins: NewCheckInHandler(checkins, gates),
		admin:    NewAdminHandler(ledger, gates, checkins),
		orderSvc: orders,
		mock:     m,
	}
}

type decoded struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Meta      *Meta           `json:"meta"`
	Error     *ErrorInfo      `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id"`
}

func newEvent(method, target, body string, path map[string]string) (*core.RequestEvent, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range path {
		req.SetPathValue(k, v)
	}
	req = req.WithContext(logger.WithRequestID(req.Context(), "req-test"))

	rec := httptest.NewRecorder()
	e := &core.RequestEvent{}
	e.Request = req
	e.Response = rec
	return e, rec
}

func call(t *testing.T, fn func(*core.RequestEvent) error, method, target, body string, path map[string]string) (int, decoded) {
	t.Helper()
	e, rec := newEvent(method, target, body, path)
	require.NoError(t, fn(e))

	var resp decoded
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func (f *apiFixture) createOrder(t *testing.T, qty int) models.Order {
	t.Helper()
	code, resp := call(t, f.orders.CreateOrder, "POST", "/api/v1/orders",
		`{"schedule_id":"s1","category_id":"ga","quantity":`+itoa(qty)+`,"buyer":{"name":"Noy","email":"noy@api.test"}}`, nil)
	require.Equal(t, http.StatusCreated, code, string(resp.Data))
	var o models.Order
	require.NoError(t, json.Unmarshal(resp.Data, &o))
	return o
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestCreateOrder_Envelope(t *testing.T) {
	f := newAPIFixture(t)
	o := f.createOrder(t, 2)
	assert.Equal(t, models.OrderUnpaid, o.PaymentStatus)
	assert.Len(t, o.Items, 2)
	assert.Equal(t, "40000", o.TotalAmount.String())

	code, resp := call(t, f.orders.CreateOrder, "POST", "/api/v1/orders",
		`{"schedule_id":"s1","category_id":"ga","quantity":9,"buyer":{"name":"Kham","email":"x@api.test"}}`, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "out_of_stock", resp.Error.Code)
	assert.Equal(t, "req-test", resp.RequestID)
	assert.False(t, resp.Timestamp.IsZero())

	code, resp = call(t, f.orders.CreateOrder, "POST", "/api/v1/orders", `{"quantity":0}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", resp.Error.Code)
}

func TestGetOrder_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	code, resp := call(t, f.orders.GetOrder, "GET", "/api/v1/orders/nope", "", map[string]string{"orderId": "nope"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", resp.Error.Code)
}

func TestListOrders_Pagination(t *testing.T) {
	f := newAPIFixture(t)
	for range 3 {
		f.createOrder(t, 1)
	}

	code, resp := call(t, f.orders.ListOrders, "GET", "/api/v1/orders?per_page=2&status=UNPAID", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, resp.Meta)
	require.NotNil(t, resp.Meta.Pagination)
	assert.Equal(t, models.Pagination{Page: 1, PerPage: 2, TotalItems: 3, TotalPages: 2}, *resp.Meta.Pagination)

	var orders []models.Order
	require.NoError(t, json.Unmarshal(resp.Data, &orders))
	assert.Len(t, orders, 2)

	code, resp = call(t, f.orders.ListOrders, "GET", "/api/v1/orders?status=LOST", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", resp.Error.Code)
}

func TestCancelOrder_ThenInvalidTransition(t *testing.T) {
	f := newAPIFixture(t)
	o := f.createOrder(t, 1)
	path := map[string]string{"orderId": o.ID}

	code, resp := call(t, f.orders.CancelOrder, "POST", "/api/v1/orders/"+o.ID+"/cancel", `{"reason":"changed plans"}`, path)
	require.Equal(t, http.StatusOK, code)
	var canceled models.Order
	require.NoError(t, json.Unmarshal(resp.Data, &canceled))
	assert.Equal(t, models.OrderCanceled, canceled.PaymentStatus)
	assert.Equal(t, "changed plans", canceled.CancelReason)

	code, resp = call(t, f.orders.RefundOrder, "POST", "/api/v1/orders/"+o.ID+"/refund", "", path)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_transition", resp.Error.Code)
}

func TestPaymentFlow_WebhookAndScan(t *testing.T) {
	f := newAPIFixture(t)
	o := f.createOrder(t, 1)

	code, resp := call(t, f.payments.InitiatePayment, "POST", "/api/v1/payments", `{"order_id":"`+o.ID+`","provider":"mock"}`, nil)
	require.Equal(t, http.StatusCreated, code, string(resp.Data))
	var tx models.PaymentTransaction
	require.NoError(t, json.Unmarshal(resp.Data, &tx))
	assert.NotEmpty(t, tx.PaymentCode)

	body := `{"transaction_id":"` + tx.ID + `","status":"success","amount":"20000"}`
	hook := map[string]string{"provider": "mock"}

	e, rec := newEvent("POST", "/api/v1/payments/webhook/mock", body, hook)
	e.Request.Header.Set("X-Signature", "bad")
	require.NoError(t, f.payments.Webhook(e))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	e, rec = newEvent("POST", "/api/v1/payments/webhook/mock", body, hook)
	e.Request.Header.Set("X-Signature", f.mock.Sign([]byte(body)))
	require.NoError(t, f.payments.Webhook(e))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ack struct {
		Data models.Ack `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, models.OutcomeApplied, ack.Data.Outcome)
	assert.Equal(t, models.OrderPaid, ack.Data.OrderStatus)

	paid, err := f.orderSvc.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	qr := paid.Items[0].QRCode

	scan := `{"qr_code":"` + qr + `","gate_id":"gate-a"}`
	code, resp = call(t, f.checkins.Scan, "POST", "/api/v1/checkins/scan", scan, nil)
	require.Equal(t, http.StatusOK, code)
	var res models.CheckInResult
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	assert.Equal(t, models.CheckInSuccess, res.Status)

	code, resp = call(t, f.checkins.Scan, "POST", "/api/v1/checkins/scan", scan, nil)
	require.Equal(t, http.StatusOK, code, "rejections are not errors")
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	assert.Equal(t, models.CheckInDuplicate, res.Status)

	code, resp = call(t, f.checkins.History, "GET", "/api/v1/tickets/x/checkins", "", map[string]string{"itemId": paid.Items[0].ID})
	require.Equal(t, http.StatusOK, code)
	var history []models.CheckIn
	require.NoError(t, json.Unmarshal(resp.Data, &history))
	require.Len(t, history, 2)
	assert.Equal(t, "req-test", history[0].RequestID)
}

func TestWebhook_UnknownTransactionIsAcknowledged(t *testing.T) {
	f := newAPIFixture(t)
	body := `{"transaction_id":"ghost","status":"success","amount":"1"}`

	e, rec := newEvent("POST", "/api/v1/payments/webhook/mock", body, map[string]string{"provider": "mock"})
	e.Request.Header.Set("X-Signature", f.mock.Sign([]byte(body)))
	require.NoError(t, f.payments.Webhook(e))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"outcome":"unknown_transaction"`)
}

func TestAdmin_ConfigureAndGateLogin(t *testing.T) {
	f := newAPIFixture(t)

	code, resp := call(t, f.admin.PutSchedule, "PUT", "/api/v1/admin/schedules/s2", `{"event_id":"e2","capacity":50}`,
		map[string]string{"scheduleId": "s2"})
	require.Equal(t, http.StatusOK, code, string(resp.Data))

	code, resp = call(t, f.admin.PutCategory, "PUT", "/api/v1/admin/categories/c2",
		`{"schedule_id":"s2","name":"Floor","price":"75000","quota":60}`, map[string]string{"categoryId": "c2"})
	assert.Equal(t, http.StatusBadRequest, code, "quota above capacity")
	assert.Equal(t, "validation_error", resp.Error.Code)

	code, _ = call(t, f.admin.PutCategory, "PUT", "/api/v1/admin/categories/c2",
		`{"schedule_id":"s2","name":"Floor","price":"75000","quota":40}`, map[string]string{"categoryId": "c2"})
	require.Equal(t, http.StatusOK, code)

	code, resp = call(t, f.orders.Availability, "GET", "/api/v1/schedules/s2/availability", "", map[string]string{"scheduleId": "s2"})
	require.Equal(t, http.StatusOK, code)
	var avail []models.Availability
	require.NoError(t, json.Unmarshal(resp.Data, &avail))
	require.Len(t, avail, 1)
	assert.Equal(t, 40, avail[0].CategoryRemaining)

	gate := map[string]string{"gateId": "north"}
	code, _ = call(t, f.admin.PutGate, "PUT", "/api/v1/admin/gates/north", `{"code":"N1","name":"North","capacity":200,"category_ids":["c2"]}`, gate)
	require.Equal(t, http.StatusOK, code)

	code, resp = call(t, f.admin.PutGateAccessCode, "PUT", "/api/v1/admin/gates/north/access-code", `{"code":"4242"}`, gate)
	require.Equal(t, http.StatusOK, code)

	code, resp = call(t, f.checkins.GateLogin, "POST", "/api/v1/gates/north/login", `{"code":"0000"}`, gate)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "invalid_access_code", resp.Error.Code)

	code, resp = call(t, f.checkins.GateLogin, "POST", "/api/v1/gates/north/login", `{"code":"4242"}`, gate)
	require.Equal(t, http.StatusOK, code)
	var session services.GateSession
	require.NoError(t, json.Unmarshal(resp.Data, &session))
	assert.NotEmpty(t, session.Token)
	assert.True(t, session.Gate.Locked)
	assert.True(t, session.ExpiresAt.Equal(testutil.Epoch.Add(12*time.Hour)), session.ExpiresAt)

	code, resp = call(t, f.admin.GateStats, "GET", "/api/v1/admin/gates/north/stats", "", gate)
	require.Equal(t, http.StatusOK, code)
	var stats models.GateStats
	require.NoError(t, json.Unmarshal(resp.Data, &stats))
	assert.Equal(t, 200, stats.Capacity)
}

func TestScan_LockedGateNeedsDeviceToken(t *testing.T) {
	f := newAPIFixture(t)
	o := f.createOrder(t, 1)
	paid, err := f.orderSvc.ApplyPaymentEvent(context.Background(), o.ID, models.EventPaymentConfirmed)
	require.NoError(t, err)
	scan := `{"qr_code":"` + paid.Items[0].QRCode + `","gate_id":"gate-a"}`

	gate := map[string]string{"gateId": "gate-a"}
	code, _ := call(t, f.admin.PutGateAccessCode, "PUT", "/api/v1/admin/gates/gate-a/access-code", `{"code":"7788"}`, gate)
	require.Equal(t, http.StatusOK, code)

	code, resp := call(t, f.checkins.Scan, "POST", "/api/v1/checkins/scan", scan, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "gate_login_required", resp.Error.Code)

	code, resp = call(t, f.checkins.GateLogin, "POST", "/api/v1/gates/gate-a/login", `{"code":"7788"}`, gate)
	require.Equal(t, http.StatusOK, code)
	var session services.GateSession
	require.NoError(t, json.Unmarshal(resp.Data, &session))

	e, rec := newEvent("POST", "/api/v1/checkins/scan", scan, nil)
	e.Request.Header.Set(HeaderGateToken, session.Token+"x")
	require.NoError(t, f.checkins.Scan(e))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "tampered token")

	e, rec = newEvent("POST", "/api/v1/checkins/scan", scan, nil)
	e.Request.Header.Set(HeaderGateToken, session.Token)
	require.NoError(t, f.checkins.Scan(e))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Data models.CheckInResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, models.CheckInSuccess, out.Data.Status)
}

func TestScanRateLimit_AnswersInEnvelope(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	mw := security.NewRateLimiter(rdb, 1, time.Minute).ScanRateLimit(fail)

	mock.ExpectIncr("ratelimit:scan:192.0.2.1").SetVal(2)
	code, resp := call(t, mw.Func, "POST", "/api/v1/checkins/scan", `{"qr_code":"x"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.False(t, resp.Success)
	assert.Equal(t, "rate_limited", resp.Error.Code)
	assert.Equal(t, "req-test", resp.RequestID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestID_Middleware(t *testing.T) {
	mw := RequestID()

	req := httptest.NewRequest("GET", "/api/v1/orders", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	rec := httptest.NewRecorder()
	e := &core.RequestEvent{}
	e.Request = req
	e.Response = rec

	require.NoError(t, mw.Func(e))
	assert.Equal(t, "abc-123", rec.Header().Get(HeaderRequestID))
	assert.Equal(t, "abc-123", logger.RequestID(e.Request.Context()))

	e = &core.RequestEvent{}
	e.Request = httptest.NewRequest("GET", "/api/v1/orders", nil)
	rec = httptest.NewRecorder()
	e.Response = rec
	require.NoError(t, mw.Func(e))
	assert.Len(t, rec.Header().Get(HeaderRequestID), 36)
	assert.Equal(t, rec.Header().Get(HeaderRequestID), logger.RequestID(e.Request.Context()))
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	e, rec := newEvent("GET", "/health", "", nil)
	require.NoError(t, NewHealthHandler(pinger{}, nil).Check(e))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"disabled"`)

	e, rec = newEvent("GET", "/health", "", nil)
	require.NoError(t, NewHealthHandler(pinger{err: assert.AnError}, nil).Check(e))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"unhealthy"`)

	var resp decoded
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "unavailable", resp.Error.Code)
	assert.Equal(t, "req-test", resp.RequestID)
}
