package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"

	"ticket-engine/models"
)

const orderColumns = `id, schedule_id, category_id, reservation_id, buyer_id, buyer_name, buyer_email, buyer_phone,
	buyer_key, quantity, total_amount, currency, payment_status, payment_expires_at, paid_at, cancel_reason, created, updated`

const itemColumns = `id, order_id, category_id, qr_code, status, check_in_time, refunded_after_use, created, updated`

func (s *Store) InsertOrder(ctx context.Context, o *models.Order) error {
	now := s.Now()
	o.Created, o.Updated = now, now
	err := s.insert(ctx, "orders", dbx.Params{
		"id":                 o.ID,
		"schedule_id":        o.ScheduleID,
		"category_id":        o.CategoryID,
		"reservation_id":     o.ReservationID,
		"buyer_id":           o.BuyerID,
		"buyer_name":         o.BuyerName,
		"buyer_email":        o.BuyerEmail,
		"buyer_phone":        o.BuyerPhone,
		"buyer_key":          o.BuyerKey,
		"quantity":           o.Quantity,
		"total_amount":       o.TotalAmount,
		"currency":           o.Currency,
		"payment_status":     o.PaymentStatus,
		"payment_expires_at": o.PaymentExpiresAt,
		"paid_at":            o.PaidAt,
		"cancel_reason":      o.CancelReason,
		"created":            now,
		"updated":            now,
	})
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// InsertOrderItem writes one ticket. ErrDuplicateQRCode is returned when the
// generated code collides so the caller can retry with a fresh one.
func (s *Store) InsertOrderItem(ctx context.Context, it *models.OrderItem) error {
	now := s.Now()
	it.Created, it.Updated = now, now
	err := s.insert(ctx, "order_items", dbx.Params{
		"id":                 it.ID,
		"order_id":           it.OrderID,
		"category_id":        it.CategoryID,
		"qr_code":            it.QRCode,
		"status":             it.Status,
		"check_in_time":      it.CheckInTime,
		"refunded_after_use": it.RefundedAfterUse,
		"created":            now,
		"updated":            now,
	})
	if isUniqueViolation(err) && strings.Contains(err.Error(), "qr_code") {
		return ErrDuplicateQRCode
	}
	if err != nil {
		return fmt.Errorf("insert order item: %w", err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var o models.Order
	if err := s.one(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = {:id}`, dbx.Params{"id": id}, &o); err != nil {
		return nil, fmt.Errorf("order %s: %w", id, err)
	}
	items, err := s.ListOrderItems(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Items = items
	o.FillBuyer()
	return &o, nil
}

func (s *Store) ListOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.all(ctx, `SELECT `+itemColumns+` FROM order_items WHERE order_id = {:order} ORDER BY id`,
		dbx.Params{"order": orderID}, &items)
	if err != nil {
		return nil, fmt.Errorf("items of order %s: %w", orderID, err)
	}
	return items, nil
}

func (s *Store) ListOrders(ctx context.Context, f models.OrderFilter, limit int, offset int64) ([]models.Order, int64, error) {
	where := []string{"1 = 1"}
	params := dbx.Params{"limit": limit, "offset": offset}
	if f.Status != "" {
		where = append(where, "payment_status = {:status}")
		params["status"] = f.Status
	}
	if f.ScheduleID != "" {
		where = append(where, "schedule_id = {:schedule}")
		params["schedule"] = f.ScheduleID
	}
	if f.BuyerID != "" {
		where = append(where, "buyer_id = {:buyer}")
		params["buyer"] = f.BuyerID
	}
	cond := strings.Join(where, " AND ")

	var count struct {
		Total int64 `db:"total"`
	}
	if err := s.one(ctx, `SELECT COUNT(*) AS total FROM orders WHERE `+cond, params, &count); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	var orders []models.Order
	err := s.all(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+cond+` ORDER BY created DESC, id LIMIT {:limit} OFFSET {:offset}`,
		params, &orders)
	if err != nil {
		return nil, 0, fmt.Errorf("list orders: %w", err)
	}
	for i := range orders {
		orders[i].FillBuyer()
	}
	return orders, count.Total, nil
}

// CountBuyerTickets sums the tickets a buyer holds in a category across
// orders that are still live (UNPAID or PAID).
func (s *Store) CountBuyerTickets(ctx context.Context, buyerKey, categoryID string) (int, error) {
	var row struct {
		Total int `db:"total"`
	}
	err := s.one(ctx, `SELECT COALESCE(SUM(quantity), 0) AS total FROM orders
		WHERE buyer_key = {:buyer} AND category_id = {:category} AND payment_status IN ('UNPAID', 'PAID')`,
		dbx.Params{"buyer": buyerKey, "category": categoryID}, &row)
	if err != nil {
		return 0, fmt.Errorf("count buyer tickets: %w", err)
	}
	return row.Total, nil
}

// OrderTransition is a guarded status change.
type OrderTransition struct {
	ID     string
	From   models.OrderStatus
	To     models.OrderStatus
	Reason string
	// ExpiredBy, when set, additionally requires payment_expires_at to
	// have passed at that instant.
	ExpiredBy types.DateTime
}

// TransitionOrder is the compare-and-swap on orders.payment_status. It
// reports whether this call performed the change.
func (s *Store) TransitionOrder(ctx context.Context, t OrderTransition) (bool, error) {
	now := s.Now()
	params := dbx.Params{"id": t.ID, "from": t.From, "to": t.To, "now": now, "reason": t.Reason}

	set := "payment_status = {:to}, updated = {:now}"
	if t.To == models.OrderPaid {
		set += ", paid_at = {:now}"
	}
	if t.Reason != "" {
		set += ", cancel_reason = {:reason}"
	}

	cond := "id = {:id} AND payment_status = {:from}"
	if !t.ExpiredBy.IsZero() {
		cond += " AND payment_expires_at != '' AND payment_expires_at <= {:expired_by}"
		params["expired_by"] = t.ExpiredBy
	}

	n, err := s.exec(ctx, `UPDATE orders SET `+set+` WHERE `+cond, params)
	if err != nil {
		return false, fmt.Errorf("transition order %s: %w", t.ID, err)
	}
	return n == 1, nil
}

// SetItemStatuses moves every item of an order currently in one of from to
// status to, and returns how many moved.
func (s *Store) SetItemStatuses(ctx context.Context, orderID string, from []models.TicketStatus, to models.TicketStatus) (int64, error) {
	fromVals := make([]any, len(from))
	for i, f := range from {
		fromVals[i] = string(f)
	}
	q := s.builder(ctx).Update("order_items",
		dbx.Params{"status": string(to), "updated": s.Now()},
		dbx.And(dbx.HashExp{"order_id": orderID}, dbx.In("status", fromVals...)),
	).WithContext(ctx)
	res, err := q.Execute()
	if err != nil {
		return 0, fmt.Errorf("item statuses of order %s: %w", orderID, translate(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

// FlagRefundedAfterUse marks checked-in items of a refunded order. Their
// status stays CHECKED_IN.
func (s *Store) FlagRefundedAfterUse(ctx context.Context, orderID string) (int64, error) {
	n, err := s.exec(ctx, `UPDATE order_items SET refunded_after_use = 1, updated = {:now}
		WHERE order_id = {:order} AND status = 'CHECKED_IN'`,
		dbx.Params{"order": orderID, "now": s.Now()})
	if err != nil {
		return 0, fmt.Errorf("flag refunded after use %s: %w", orderID, err)
	}
	return n, nil
}

// ExpiredOrderIDs lists UNPAID orders whose payment window closed before now.
func (s *Store) ExpiredOrderIDs(ctx context.Context, now types.DateTime, limit int) ([]string, error) {
	var rows []struct {
		ID string `db:"id"`
	}
	err := s.all(ctx, `SELECT id FROM orders
		WHERE payment_status = 'UNPAID' AND payment_expires_at != '' AND payment_expires_at <= {:now}
		ORDER BY payment_expires_at LIMIT {:limit}`,
		dbx.Params{"now": now, "limit": limit}, &rows)
	if err != nil {
		return nil, fmt.Errorf("expired orders: %w", err)
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids, nil
}
