package services

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-engine/internal/logger"
	"ticket-engine/internal/services/bank"
	"ticket-engine/internal/status"
	"ticket-engine/internal/testutil"
	"ticket-engine/models"
)

type downGateway struct{}

func (downGateway) Provider() bank.Provider { return bank.ProviderJDB }
func (downGateway) GenerateQR(context.Context, *bank.PaymentRequest) (string, error) {
	return "", errors.New("connection reset")
}
func (downGateway) CheckTransaction(context.Context, string) (*bank.TransactionStatus, error) {
	return nil, errors.New("connection reset")
}
func (downGateway) VerifyCallback(http.Header, []byte) (*bank.TransactionStatus, error) {
	return nil, status.ErrInvalidSignature
}
func (downGateway) SetTransactionChannel(chan<- *bank.TransactionStatus) {}
func (downGateway) Close(context.Context) error                        { return nil }

type paymentFixture struct {
	*fixture
	mock     *bank.Mock
	payments *PaymentService
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	t.Helper()
	f := newFixture(t)
	testutil.SeedSchedule(t, f.store, "s1", 10)
	testutil.SeedCategory(t, f.store, "ga", "s1", 10, testutil.CategoryOpts{Price: 50000})

	m := bank.NewMock("secret")
	reg := bank.NewRegistry()
	reg.Register(m)
	reg.Register(downGateway{})

	return &paymentFixture{
		fixture:  f,
		mock:     m,
		payments: NewPaymentService(f.store, f.orders, reg, nil, PaymentOptions{PollMinAge: time.Minute}),
	}
}

func (f *paymentFixture) initiate(t *testing.T, email string) (*models.Order, *models.PaymentTransaction) {
	t.Helper()
	o := f.order(t, "s1", "ga", 2, email)
	tx, err := f.payments.InitiatePayment(context.Background(), o.ID, "mock")
	require.NoError(t, err)
	return o, tx
}

func notification(tx *models.PaymentTransaction, st string) models.Notification {
	return models.Notification{TransactionID: tx.ID, Status: st, Amount: tx.Amount, Provider: "mock", RawPayload: `{"raw":true}`}
}

func TestInitiatePayment(t *testing.T) {
	f := newPaymentFixture(t)
	o, tx := f.initiate(t, "a@pay.test")

	assert.Equal(t, o.ID, tx.OrderID)
	assert.Equal(t, models.TransactionPending, tx.Status)
	assert.True(t, decimal.NewFromInt(100000).Equal(tx.Amount))
	assert.True(t, strings.HasPrefix(tx.PaymentCode, "MOCKPAY|"+tx.ID+"|"))

	stored, err := f.payments.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.PaymentCode, stored.PaymentCode)
	assert.Equal(t, "mock", stored.Provider)
}

func TestInitiatePayment_Rejections(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	paid := f.paidOrder(t, "s1", "ga", 1, "paid@pay.test")
	_, err := f.payments.InitiatePayment(ctx, paid.ID, "mock")
	assert.ErrorIs(t, err, status.ErrInvalidTransition)

	o := f.order(t, "s1", "ga", 1, "late@pay.test")
	_, err = f.payments.InitiatePayment(ctx, o.ID, "bcel")
	assert.ErrorIs(t, err, status.ErrUnsupportedProvider)

	f.clock.Advance(11 * time.Minute)
	_, err = f.payments.InitiatePayment(ctx, o.ID, "mock")
	assert.ErrorIs(t, err, status.ErrInvalidTransition)
}

func TestInitiatePayment_GatewayDownMarksFailed(t *testing.T) {
	f := newPaymentFixture(t)
	o := f.order(t, "s1", "ga", 1, "down@pay.test")

	_, err := f.payments.InitiatePayment(context.Background(), o.ID, "jdb")
	assert.ErrorIs(t, err, status.ErrFailedPayment)

	got, err := f.orders.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderUnpaid, got.PaymentStatus, "order keeps its window")
}

func TestHandleNotification_AppliesOnceAndRecordsEveryDelivery(t *testing.T) {
	f := newPaymentFixture(t)
	o, tx := f.initiate(t, "a@notify.test")
	ctx := logger.WithRequestID(context.Background(), "req-7")

	ack, err := f.payments.HandleNotification(ctx, notification(tx, "success"))
	require.NoError(t, err)
	assert.Equal(t, models.Ack{Acknowledged: true, Outcome: models.OutcomeApplied, OrderID: o.ID, OrderStatus: models.OrderPaid}, *ack)

	ack, err = f.payments.HandleNotification(ctx, notification(tx, "success"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, ack.Outcome)
	assert.Equal(t, models.OrderPaid, ack.OrderStatus)

	stored, err := f.payments.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionSuccess, stored.Status)

	events, err := f.store.ListPaymentEvents(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.OutcomeApplied, events[0].Outcome)
	assert.Equal(t, "req-7", events[0].RequestID)
	assert.Equal(t, o.ID, events[0].OrderID)
	assert.Equal(t, `{"raw":true}`, events[0].RawPayload)

	assert.Equal(t, 1, f.pub.on(orderChannel(o.ID)))
}

func TestHandleNotification_UnknownTransaction(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	ack, err := f.payments.HandleNotification(ctx, models.Notification{TransactionID: "ghost", Status: "success", Provider: "mock"})
	assert.ErrorIs(t, err, status.ErrUnknownTransaction)
	require.NotNil(t, ack)
	assert.True(t, ack.Acknowledged)
	assert.Equal(t, models.OutcomeUnknownTransaction, ack.Outcome)

	events, err := f.store.ListPaymentEvents(ctx, "ghost")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.OutcomeUnknownTransaction, events[0].Outcome)
}

func TestHandleNotification_Outcomes(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()

	t.Run("pending is ignored", func(t *testing.T) {
		o, tx := f.initiate(t, "pending@notify.test")
		ack, err := f.payments.HandleNotification(ctx, notification(tx, "pending"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeIgnored, ack.Outcome)
		got, _ := f.orders.GetOrder(ctx, o.ID)
		assert.Equal(t, models.OrderUnpaid, got.PaymentStatus)
	})

	t.Run("amount mismatch is not applied", func(t *testing.T) {
		o, tx := f.initiate(t, "short@notify.test")
		n := notification(tx, "success")
		n.Amount = tx.Amount.Sub(decimal.NewFromInt(1))
		ack, err := f.payments.HandleNotification(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeAmountMismatch, ack.Outcome)
		assert.Equal(t, models.OrderUnpaid, ack.OrderStatus)
		got, _ := f.orders.GetOrder(ctx, o.ID)
		assert.Equal(t, models.OrderUnpaid, got.PaymentStatus)
	})

	t.Run("failure releases seats", func(t *testing.T) {
		o, tx := f.initiate(t, "declined@notify.test")
		ack, err := f.payments.HandleNotification(ctx, notification(tx, "declined"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeApplied, ack.Outcome)
		assert.Equal(t, models.OrderFailed, ack.OrderStatus)
		stored, _ := f.payments.GetTransaction(ctx, tx.ID)
		assert.Equal(t, models.TransactionFailed, stored.Status)
		got, _ := f.orders.GetOrder(ctx, o.ID)
		assert.Equal(t, models.TicketCanceled, got.Items[0].Status)
	})

	t.Run("late payment after cancel", func(t *testing.T) {
		o, tx := f.initiate(t, "late@notify.test")
		_, err := f.orders.CancelOrder(ctx, o.ID, "")
		require.NoError(t, err)

		ack, err := f.payments.HandleNotification(ctx, notification(tx, "success"))
		require.NoError(t, err)
		assert.True(t, ack.Acknowledged)
		assert.Equal(t, models.OutcomeInvalidTransition, ack.Outcome)
		assert.Equal(t, models.OrderCanceled, ack.OrderStatus)
	})

	t.Run("refund", func(t *testing.T) {
		o, tx := f.initiate(t, "refund@notify.test")
		_, err := f.payments.HandleNotification(ctx, notification(tx, "paid"))
		require.NoError(t, err)
		ack, err := f.payments.HandleNotification(ctx, notification(tx, "refunded"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeApplied, ack.Outcome)
		got, _ := f.orders.GetOrder(ctx, o.ID)
		assert.Equal(t, models.OrderRefunded, got.PaymentStatus)
		stored, _ := f.payments.GetTransaction(ctx, tx.ID)
		assert.Equal(t, models.TransactionRefunded, stored.Status)
	})
}

func TestHandleNotification_RedisDedupe(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	f := newFixture(t)
	testutil.SeedSchedule(t, f.store, "s1", 10)
	testutil.SeedCategory(t, f.store, "ga", "s1", 10, testutil.CategoryOpts{})
	reg := bank.NewRegistry()
	reg.Register(bank.NewMock("secret"))
	payments := NewPaymentService(f.store, f.orders, reg, rdb, PaymentOptions{DedupeTTL: time.Hour})
	ctx := context.Background()

	o := f.order(t, "s1", "ga", 1, "dedupe@notify.test")
	tx, err := payments.InitiatePayment(ctx, o.ID, "mock")
	require.NoError(t, err)
	key := "payment:notify:" + tx.ID + ":success"
	now := f.store.Now().String()

	mock.ExpectSetNX(key, now, time.Hour).SetVal(false)
	ack, err := payments.HandleNotification(ctx, notification(tx, "SUCCESS"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, ack.Outcome)
	got, _ := f.orders.GetOrder(ctx, o.ID)
	assert.Equal(t, models.OrderUnpaid, got.PaymentStatus, "short-circuited before the order")

	mock.ExpectSetNX(key, now, time.Hour).SetErr(errors.New("redis down"))
	ack, err = payments.HandleNotification(ctx, notification(tx, "success"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, ack.Outcome, "redis is only an optimisation")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleNotification_FailedWriteReleasesClaim(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	f := newFixture(t)
	testutil.SeedSchedule(t, f.store, "s1", 10)
	testutil.SeedCategory(t, f.store, "ga", "s1", 10, testutil.CategoryOpts{})
	reg := bank.NewRegistry()
	reg.Register(bank.NewMock("secret"))
	payments := NewPaymentService(f.store, f.orders, reg, rdb, PaymentOptions{DedupeTTL: time.Hour})
	ctx := context.Background()

	o := f.order(t, "s1", "ga", 1, "retry@notify.test")
	tx, err := payments.InitiatePayment(ctx, o.ID, "mock")
	require.NoError(t, err)
	key := "payment:notify:" + tx.ID + ":success"
	now := f.store.Now().String()

	_, err = f.store.DB().NewQuery(`CREATE TRIGGER stuck_tx_status BEFORE UPDATE OF status ON payment_transactions
		BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`).Execute()
	require.NoError(t, err)

	mock.ExpectSetNX(key, now, time.Hour).SetVal(true)
	mock.ExpectDel(key).SetVal(1)
	_, err = payments.HandleNotification(ctx, notification(tx, "SUCCESS"))
	require.Error(t, err)

	stored, err := payments.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionPending, stored.Status)

	_, err = f.store.DB().NewQuery(`DROP TRIGGER stuck_tx_status`).Execute()
	require.NoError(t, err)

	// The redelivery is claimed afresh and finishes the transaction.
	mock.ExpectSetNX(key, now, time.Hour).SetVal(true)
	ack, err := payments.HandleNotification(ctx, notification(tx, "SUCCESS"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, ack.Outcome, "order was already paid by the first delivery")
	assert.Equal(t, models.OrderPaid, ack.OrderStatus)

	stored, err = payments.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TransactionSuccess, stored.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPollPending_SettlesFromGateway(t *testing.T) {
	f := newPaymentFixture(t)
	ctx := context.Background()
	o, tx := f.initiate(t, "poll@pay.test")
	f.initiate(t, "unpaid@pay.test")

	_, err := f.mock.Settle(ctx, tx.ID, bank.StatusSuccess, decimal.Zero)
	require.NoError(t, err)

	n, err := f.payments.PollPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "too young to poll")

	f.clock.Advance(2 * time.Minute)
	n, err = f.payments.PollPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "unpaid one stays pending")

	got, err := f.orders.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaid, got.PaymentStatus)
}

func TestConsume_ConfirmsPushes(t *testing.T) {
	f := newPaymentFixture(t)
	o, tx := f.initiate(t, "push@pay.test")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan *bank.TransactionStatus, 1)
	f.mock.SetTransactionChannel(ch)
	go f.payments.consume(ctx, f.mock, ch)

	_, err := f.payments.SimulatePayment(ctx, tx.ID, "", decimal.Zero)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := f.orders.GetOrder(context.Background(), o.ID)
		return err == nil && got.PaymentStatus == models.OrderPaid
	}, 2*time.Second, 10*time.Millisecond)

	_, err = f.payments.SimulatePayment(ctx, "ghost", "", decimal.Zero)
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestHandleWebhook_VerifiesSignature(t *testing.T) {
	f := newPaymentFixture(t)
	o, tx := f.initiate(t, "a@webhook.test")
	ctx := context.Background()

	body := []byte(`{"transaction_id":"` + tx.ID + `","status":"success","amount":"` + tx.Amount.String() + `"}`)

	_, err := f.payments.HandleWebhook(ctx, "mock", http.Header{"X-Signature": {"forged"}}, body)
	assert.ErrorIs(t, err, status.ErrInvalidSignature)
	events, err := f.store.ListPaymentEvents(ctx, tx.ID)
	require.NoError(t, err)
	assert.Empty(t, events, "nothing recorded for a bad signature")

	_, err = f.payments.HandleWebhook(ctx, "paypal", http.Header{}, body)
	assert.ErrorIs(t, err, status.ErrUnsupportedProvider)

	ack, err := f.payments.HandleWebhook(ctx, "mock", http.Header{"X-Signature": {f.mock.Sign(body)}}, body)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, ack.Outcome)
	assert.Equal(t, o.ID, ack.OrderID)

	events, err = f.store.ListPaymentEvents(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(body), events[0].RawPayload)
}
