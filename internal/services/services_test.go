package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ticket-engine/internal/clock"
	"ticket-engine/internal/store"
	"ticket-engine/internal/testutil"
	"ticket-engine/models"
)

type published struct {
	channel string
	msg     any
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, msg any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{channel: channel, msg: msg})
}

func (p *recordingPublisher) on(channel string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.msgs {
		if m.channel == channel {
			n++
		}
	}
	return n
}

type fixture struct {
	clock  *clock.Manual
	store  *store.Store
	pub    *recordingPublisher
	ledger *LedgerService
	orders *OrderService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(testutil.Epoch)
	st := testutil.NewStore(t, clk)
	pub := &recordingPublisher{}
	ledger := NewLedgerService(st)
	return &fixture{
		clock:  clk,
		store:  st,
		pub:    pub,
		ledger: ledger,
		orders: NewOrderService(st, ledger, pub, 10*time.Minute),
	}
}

func buyer(email string) models.Buyer {
	return models.Buyer{Name: "Somchai", Email: email}
}

func (f *fixture) order(t *testing.T, scheduleID, categoryID string, qty int, email string) *models.Order {
	t.Helper()
	o, err := f.orders.CreateOrder(context.Background(), CreateOrderInput{
		ScheduleID: scheduleID,
		CategoryID: categoryID,
		Quantity:   qty,
		Buyer:      buyer(email),
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) paidOrder(t *testing.T, scheduleID, categoryID string, qty int, email string) *models.Order {
	t.Helper()
	o := f.order(t, scheduleID, categoryID, qty, email)
	paid, err := f.orders.ApplyPaymentEvent(context.Background(), o.ID, models.EventPaymentConfirmed)
	require.NoError(t, err)
	return paid
}

func (f *fixture) remaining(t *testing.T, scheduleID, categoryID string) (int, int) {
	t.Helper()
	ctx := context.Background()
	sc, err := f.store.GetSchedule(ctx, scheduleID)
	require.NoError(t, err)
	cat, err := f.store.GetCategory(ctx, categoryID)
	require.NoError(t, err)
	return sc.RemainingSeats, cat.Remaining
}
