package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-engine/internal/clock"
	"ticket-engine/internal/status"
	"ticket-engine/internal/store"
	"ticket-engine/internal/testutil"
	"ticket-engine/models"
)

func seedOrder(t *testing.T, st *store.Store, orderID string, itemIDs ...string) {
	t.Helper()
	ctx := context.Background()
	testutil.SeedSchedule(t, st, "sch-1", 10)
	testutil.SeedCategory(t, st, "cat-1", "sch-1", 10, testutil.CategoryOpts{})

	require.NoError(t, st.InsertReservation(ctx, &models.Reservation{
		ID: "res-" + orderID, ScheduleID: "sch-1", CategoryID: "cat-1", Quantity: len(itemIDs), State: models.ReservationHeld,
	}))
	require.NoError(t, st.InsertOrder(ctx, &models.Order{
		ID: orderID, ScheduleID: "sch-1", CategoryID: "cat-1", ReservationID: "res-" + orderID,
		BuyerName: "Noy", BuyerEmail: "noy@example.la", BuyerKey: "email:noy@example.la",
		Quantity: len(itemIDs), TotalAmount: decimal.NewFromInt(300000), Currency: "LAK",
		PaymentStatus:    models.OrderUnpaid,
		PaymentExpiresAt: store.DateTimeOf(testutil.Epoch.Add(10 * time.Minute)),
	}))
	for _, id := range itemIDs {
		require.NoError(t, st.InsertOrderItem(ctx, &models.OrderItem{
			ID: id, OrderID: orderID, CategoryID: "cat-1", QRCode: "QR-" + id, Status: models.TicketUnpaid,
		}))
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	st := testutil.NewStore(t, nil)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

func TestDecrement_NeverGoesNegative(t *testing.T) {
	st := testutil.NewStore(t, nil)
	ctx := context.Background()
	testutil.SeedSchedule(t, st, "sch-1", 10)

	ok, err := st.DecrementSchedule(ctx, "sch-1", 10)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.DecrementSchedule(ctx, "sch-1", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	sc, err := st.GetSchedule(ctx, "sch-1")
	require.NoError(t, err)
	assert.Equal(t, 0, sc.RemainingSeats)

	// Returning more than was taken is refused.
	require.NoError(t, st.IncrementSchedule(ctx, "sch-1", 10))
	assert.Error(t, st.IncrementSchedule(ctx, "sch-1", 1))
}

func TestUpsertSchedule_CapacityChangeShiftsRemaining(t *testing.T) {
	st := testutil.NewStore(t, nil)
	ctx := context.Background()
	testutil.SeedSchedule(t, st, "sch-1", 10)

	ok, err := st.DecrementSchedule(ctx, "sch-1", 6)
	require.NoError(t, err)
	require.True(t, ok)

	sc := &models.Schedule{ID: "sch-1", Capacity: 12}
	require.NoError(t, st.UpsertSchedule(ctx, sc))
	assert.Equal(t, 6, sc.RemainingSeats)

	err = st.UpsertSchedule(ctx, &models.Schedule{ID: "sch-1", Capacity: 5})
	assert.ErrorIs(t, err, status.ErrValidation)
}

func TestGetSchedule_NotFound(t *testing.T) {
	st := testutil.NewStore(t, nil)
	_, err := st.GetSchedule(context.Background(), "missing")
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	st := testutil.NewStore(t, nil)
	ctx := context.Background()
	testutil.SeedSchedule(t, st, "sch-1", 10)

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(ctx context.Context) error {
		ok, err := st.DecrementSchedule(ctx, "sch-1", 4)
		require.NoError(t, err)
		require.True(t, ok)
		return boom
	})
	require.ErrorIs(t, err, boom)

	sc, err := st.GetSchedule(ctx, "sch-1")
	require.NoError(t, err)
	assert.Equal(t, 10, sc.RemainingSeats)
}

func TestTransitionReservation_OnlyOnce(t *testing.T) {
	st := testutil.NewStore(t, nil)
	ctx := context.Background()
	seedOrder(t, st, "ord-1", "item-1")

	ok, err := st.TransitionReservation(ctx, "res-ord-1", models.ReservationHeld, models.ReservationReleased)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.TransitionReservation(ctx, "res-ord-1", models.ReservationHeld, models.ReservationReleased)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransitionOrder_CompareAndSwap(t *testing.T) {
	clk := clock.NewManual(testutil.Epoch)
	st := testutil.NewStore(t, clk)
	ctx := context.Background()
	seedOrder(t, st, "ord-1", "item-1")

	// not yet expired
	ok, err := st.TransitionOrder(ctx, store.OrderTransition{
		ID: "ord-1", From: models.OrderUnpaid, To: models.OrderCanceled, ExpiredBy: st.Now(),
	})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.TransitionOrder(ctx, store.OrderTransition{ID: "ord-1", From: models.OrderUnpaid, To: models.OrderPaid})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.TransitionOrder(ctx, store.OrderTransition{ID: "ord-1", From: models.OrderUnpaid, To: models.OrderPaid})
	require.NoError(t, err)
	assert.False(t, ok)

	o, err := st.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaid, o.PaymentStatus)
	assert.False(t, o.PaidAt.IsZero())
	assert.Equal(t, "Noy", o.Buyer.Name)
	require.Len(t, o.Items, 1)
}

func TestExpiredOrderIDs(t *testing.T) {
	clk := clock.NewManual(testutil.Epoch)
	st := testutil.NewStore(t, clk)
	ctx := context.Background()
	seedOrder(t, st, "ord-1", "item-1")

	ids, err := st.ExpiredOrderIDs(ctx, st.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	clk.Advance(11 * time.Minute)
	ids, err = st.ExpiredOrderIDs(ctx, st.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ord-1"}, ids)
}

func TestCheckIns_AppendOnly(t *testing.T) {
	st := testutil.NewStore(t, nil)
	ctx := context.Background()

	require.NoError(t, st.InsertCheckIn(ctx, &models.CheckIn{
		ID: "ci-1", Status: models.CheckInFailed, Reason: models.ReasonNotFound, CheckedInAt: st.Now(),
	}))

	_, err := st.DB().NewQuery(`UPDATE check_ins SET status = 'SUCCESS' WHERE id = 'ci-1'`).Execute()
	assert.Error(t, err)
	_, err = st.DB().NewQuery(`DELETE FROM check_ins WHERE id = 'ci-1'`).Execute()
	assert.Error(t, err)

	rows, err := st.ListCheckIns(ctx, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.CheckInFailed, rows[0].Status)
}

func TestCheckIns_OneSuccessPerItem(t *testing.T) {
	st := testutil.NewStore(t, nil)
	ctx := context.Background()
	seedOrder(t, st, "ord-1", "item-1")

	success := func(id string) error {
		return st.InsertCheckIn(ctx, &models.CheckIn{ID: id, OrderItemID: "item-1", Status: models.CheckInSuccess, CheckedInAt: st.Now()})
	}
	require.NoError(t, success("ci-1"))
	assert.Error(t, success("ci-2"))

	for _, id := range []string{"ci-3", "ci-4"} {
		require.NoError(t, st.InsertCheckIn(ctx, &models.CheckIn{ID: id, OrderItemID: "item-1", Status: models.CheckInDuplicate, CheckedInAt: st.Now()}))
	}
}

func TestCheckInItem_OnlyFromPaid(t *testing.T) {
	st := testutil.NewStore(t, nil)
	ctx := context.Background()
	seedOrder(t, st, "ord-1", "item-1")

	ok, err := st.CheckInItem(ctx, "item-1", st.Now())
	require.NoError(t, err)
	assert.False(t, ok, "UNPAID ticket must not be admitted")

	n, err := st.SetItemStatuses(ctx, "ord-1", []models.TicketStatus{models.TicketUnpaid}, models.TicketPaid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err = st.CheckInItem(ctx, "item-1", st.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.CheckInItem(ctx, "item-1", st.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := st.GetItemByQRCode(ctx, "QR-item-1")
	require.NoError(t, err)
	assert.Equal(t, models.TicketCheckedIn, v.Status)
	assert.False(t, v.CheckInTime.IsZero())
	assert.False(t, v.IsVIP)
}

func TestInsertOrderItem_DuplicateCode(t *testing.T) {
	st := testutil.NewStore(t, nil)
	ctx := context.Background()
	seedOrder(t, st, "ord-1", "item-1")

	err := st.InsertOrderItem(ctx, &models.OrderItem{
		ID: "item-2", OrderID: "ord-1", CategoryID: "cat-1", QRCode: "QR-item-1", Status: models.TicketUnpaid,
	})
	assert.ErrorIs(t, err, store.ErrDuplicateQRCode)
}

func TestGates_Assignments(t *testing.T) {
	st := testutil.NewStore(t, nil)
	ctx := context.Background()
	testutil.SeedGate(t, st, models.Gate{ID: "g1", Capacity: 100, IsVIP: true, CategoryIDs: []string{"cat-b", "cat-a", "cat-a"}, StaffIDs: []string{"s1"}})

	g, err := st.GetGate(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"cat-a", "cat-b"}, g.CategoryIDs)
	assert.Equal(t, []string{"s1"}, g.StaffIDs)
	assert.True(t, g.IsVIP)

	require.NoError(t, st.SetGateStatus(ctx, "g1", models.GateInactive))
	require.NoError(t, st.ReplaceGateStaff(ctx, "g1", nil))
	g, err = st.GetGate(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, models.GateInactive, g.Status)
	assert.Empty(t, g.StaffIDs)

	assert.ErrorIs(t, st.SetGateStatus(ctx, "nope", models.GateActive), status.ErrNotFound)

	// codes are unique across gates
	err = st.UpsertGate(ctx, &models.Gate{ID: "g2", Code: g.Code, Status: models.GateActive})
	assert.ErrorIs(t, err, status.ErrValidation)
}

func TestPaymentEvents_AppendOnly(t *testing.T) {
	st := testutil.NewStore(t, nil)
	ctx := context.Background()

	require.NoError(t, st.InsertPaymentEvent(ctx, &models.PaymentEventRecord{
		ID: "pe-1", TransactionID: "tx-unknown", Provider: "mock", Status: "SUCCESS", Outcome: models.OutcomeUnknownTransaction,
	}))
	_, err := st.DB().NewQuery(`DELETE FROM payment_events`).Execute()
	assert.Error(t, err)

	evs, err := st.ListPaymentEvents(ctx, "tx-unknown")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, models.OutcomeUnknownTransaction, evs[0].Outcome)
}

func TestDateTimeOf_SortsLexically(t *testing.T) {
	a := store.DateTimeOf(time.Date(2026, 1, 1, 9, 0, 0, 5_000_000, time.UTC)).String()
	b := store.DateTimeOf(time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)).String()
	assert.Less(t, a, b)
	assert.Len(t, a, len(b))
	assert.True(t, store.DateTimeOf(time.Time{}).IsZero())
}
