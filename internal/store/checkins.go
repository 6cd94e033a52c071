package store

import (
	"context"
	"fmt"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tools/types"

	"ticket-engine/models"
)

// TicketView is an order item joined with what a scan needs to decide.
type TicketView struct {
	models.OrderItem
	IsVIP bool `db:"is_vip"`
}

func (s *Store) GetItemByQRCode(ctx context.Context, code string) (*TicketView, error) {
	var v TicketView
	err := s.one(ctx, `SELECT i.id, i.order_id, i.category_id, i.qr_code, i.status, i.check_in_time,
			i.refunded_after_use, i.created, i.updated, c.is_vip
		FROM order_items i JOIN ticket_categories c ON c.id = i.category_id
		WHERE i.qr_code = {:code}`,
		dbx.Params{"code": code}, &v)
	if err != nil {
		return nil, fmt.Errorf("ticket by code: %w", err)
	}
	return &v, nil
}

func (s *Store) GetOrderItem(ctx context.Context, id string) (*models.OrderItem, error) {
	var it models.OrderItem
	if err := s.one(ctx, `SELECT `+itemColumns+` FROM order_items WHERE id = {:id}`, dbx.Params{"id": id}, &it); err != nil {
		return nil, fmt.Errorf("order item %s: %w", id, err)
	}
	return &it, nil
}

// CheckInItem is the PAID to CHECKED_IN compare-and-swap. It reports
// whether this call admitted the ticket.
func (s *Store) CheckInItem(ctx context.Context, id string, at types.DateTime) (bool, error) {
	n, err := s.exec(ctx, `UPDATE order_items SET status = 'CHECKED_IN', check_in_time = {:at}, updated = {:at}
		WHERE id = {:id} AND status = 'PAID'`,
		dbx.Params{"id": id, "at": at})
	if err != nil {
		return false, fmt.Errorf("check in item %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *Store) InsertCheckIn(ctx context.Context, c *models.CheckIn) error {
	err := s.insert(ctx, "check_ins", dbx.Params{
		"id":            c.ID,
		"order_item_id": c.OrderItemID,
		"gate_id":       c.GateID,
		"staff_id":      c.StaffID,
		"status":        c.Status,
		"reason":        c.Reason,
		"checked_in_at": c.CheckedInAt,
		"location":      c.Location,
		"ip":            c.IP,
		"user_agent":    c.UserAgent,
		"request_id":    c.RequestID,
	})
	if err != nil {
		return fmt.Errorf("insert check-in: %w", err)
	}
	return nil
}

const checkInColumns = `id, order_item_id, gate_id, staff_id, status, reason, checked_in_at, location, ip, user_agent, request_id`

func (s *Store) ListCheckIns(ctx context.Context, orderItemID string) ([]models.CheckIn, error) {
	var out []models.CheckIn
	err := s.all(ctx, `SELECT `+checkInColumns+` FROM check_ins WHERE order_item_id = {:item} ORDER BY checked_in_at, id`,
		dbx.Params{"item": orderItemID}, &out)
	if err != nil {
		return nil, fmt.Errorf("check-ins of %s: %w", orderItemID, err)
	}
	return out, nil
}

// CountCheckIns groups a gate's check-ins by status.
func (s *Store) CountCheckIns(ctx context.Context, gateID string) (map[models.CheckInStatus]int, error) {
	var rows []struct {
		Status models.CheckInStatus `db:"status"`
		Total  int                  `db:"total"`
	}
	err := s.all(ctx, `SELECT status, COUNT(*) AS total FROM check_ins WHERE gate_id = {:gate} GROUP BY status`,
		dbx.Params{"gate": gateID}, &rows)
	if err != nil {
		return nil, fmt.Errorf("count check-ins %s: %w", gateID, err)
	}
	out := make(map[models.CheckInStatus]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Total
	}
	return out, nil
}

// CheckInTotals counts every check-in outcome, for metrics.
func (s *Store) CheckInTotals(ctx context.Context) (map[models.CheckInStatus]int, error) {
	var rows []struct {
		Status models.CheckInStatus `db:"status"`
		Total  int                  `db:"total"`
	}
	if err := s.all(ctx, `SELECT status, COUNT(*) AS total FROM check_ins GROUP BY status`, nil, &rows); err != nil {
		return nil, fmt.Errorf("check-in totals: %w", err)
	}
	out := make(map[models.CheckInStatus]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Total
	}
	return out, nil
}
