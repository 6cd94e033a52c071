package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pocketbase/pocketbase/tools/types"

	"ticket-engine/internal/logger"
	"ticket-engine/internal/status"
	"ticket-engine/internal/store"
	"ticket-engine/models"
	"ticket-engine/monitoring"
	"ticket-engine/utils"
)

// CheckInService admits tickets at gates. A ticket is admitted once; every
// scan, admitted or not, leaves a CheckIn record.
type CheckInService struct {
	store *store.Store
	gates *GateService
	pub   Publisher
}

func NewCheckInService(st *store.Store, gates *GateService, pub Publisher) *CheckInService {
	return &CheckInService{store: st, gates: gates, pub: pub}
}

// ProcessScan decides a scan and records it. Rejections are results, not
// errors; an error means the scan could not be decided at all.
//
// The ticket and the gate are resolved before the write transaction opens,
// so only the admission swap and the scan record hold the store's lock.
func (s *CheckInService) ProcessScan(ctx context.Context, req models.ScanRequest) (*models.CheckInResult, error) {
	start := time.Now()

	res, admissible, err := s.resolve(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("process scan: %w", err)
	}

	err = s.store.WithTx(ctx, func(ctx context.Context) error {
		now := s.store.Now()
		if admissible {
			if err := s.admit(ctx, res, now); err != nil {
				return err
			}
		}

		rec := &models.CheckIn{
			ID:          uuid.NewString(),
			OrderItemID: res.OrderItemID,
			GateID:      req.GateID,
			StaffID:     req.StaffID,
			Status:      res.Status,
			Reason:      res.Reason,
			CheckedInAt: now,
			Location:    req.Location,
			IP:          req.IP,
			UserAgent:   req.UserAgent,
			RequestID:   logger.RequestID(ctx),
		}
		if err := s.store.InsertCheckIn(ctx, rec); err != nil {
			return err
		}
		res.CheckInID = rec.ID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("process scan: %w", err)
	}

	monitoring.TrackCheckIn(req.GateID, res.Status, res.Reason, time.Since(start))
	logger.From(ctx).Info("ticket scanned",
		"gate_id", req.GateID, "staff_id", req.StaffID, "order_item_id", res.OrderItemID,
		"result", res.Status, "reason", res.Reason)

	if req.GateID != "" {
		s.pub.Publish(ctx, gateChannel(req.GateID), map[string]any{
			"type":          "scan",
			"check_in_id":   res.CheckInID,
			"order_item_id": res.OrderItemID,
			"status":        res.Status,
			"reason":        res.Reason,
			"check_in_time": res.CheckInTime.String(),
		})
	}
	return res, nil
}

// resolve finds the ticket and asks the gate registry about it. A false
// admissible means res already carries the rejection.
func (s *CheckInService) resolve(ctx context.Context, req models.ScanRequest) (res *models.CheckInResult, admissible bool, err error) {
	// Malformed and unknown codes look the same to the scanner.
	if !utils.ValidQRToken(req.QRCode) {
		return rejected(&models.CheckInResult{}, models.ReasonNotFound, "Ticket not found"), false, nil
	}
	ticket, err := s.store.GetItemByQRCode(ctx, req.QRCode)
	if errors.Is(err, status.ErrNotFound) {
		return rejected(&models.CheckInResult{}, models.ReasonNotFound, "Ticket not found"), false, nil
	}
	if err != nil {
		return nil, false, err
	}

	res = &models.CheckInResult{
		OrderItemID: ticket.ID,
		CategoryID:  ticket.CategoryID,
		TicketState: ticket.Status,
		CheckInTime: ticket.CheckInTime,
	}
	if req.GateID == "" {
		return res, true, nil
	}

	reason, msg, err := s.gates.CheckAccess(ctx, req.GateID, ticket.CategoryID, req.StaffID)
	if err != nil {
		return nil, false, err
	}
	if reason != "" {
		return rejected(res, reason, msg), false, nil
	}
	return res, true, nil
}

// admit swaps the ticket from PAID to CHECKED_IN. When the swap loses, the
// ticket is re-read to tell a duplicate from a ticket that was never valid.
func (s *CheckInService) admit(ctx context.Context, res *models.CheckInResult, now types.DateTime) error {
	admitted, err := s.store.CheckInItem(ctx, res.OrderItemID, now)
	if err != nil {
		return err
	}
	if admitted {
		res.Status = models.CheckInSuccess
		res.TicketState = models.TicketCheckedIn
		res.CheckInTime = now
		res.Message = "Check-in successful"
		return nil
	}

	item, err := s.store.GetOrderItem(ctx, res.OrderItemID)
	if err != nil {
		return err
	}
	res.TicketState = item.Status
	res.CheckInTime = item.CheckInTime
	if item.Status == models.TicketCheckedIn {
		res.Status = models.CheckInDuplicate
		res.Message = "Ticket already checked in at " + item.CheckInTime.String()
		return nil
	}
	rejected(res, models.ReasonInvalidState, fmt.Sprintf("Ticket is %s", item.Status))
	return nil
}

func rejected(res *models.CheckInResult, reason, msg string) *models.CheckInResult {
	res.Status = models.CheckInFailed
	res.Reason = reason
	res.Message = msg
	return res
}

// History lists the scans of one ticket, oldest first.
func (s *CheckInService) History(ctx context.Context, orderItemID string) ([]models.CheckIn, error) {
	if _, err := s.store.GetOrderItem(ctx, orderItemID); err != nil {
		return nil, err
	}
	return s.store.ListCheckIns(ctx, orderItemID)
}

func (s *CheckInService) GateStats(ctx context.Context, gateID string) (*models.GateStats, error) {
	gate, err := s.gates.Get(ctx, gateID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountCheckIns(ctx, gateID)
	if err != nil {
		return nil, err
	}

	stats := &models.GateStats{
		GateID:    gate.ID,
		Capacity:  gate.Capacity,
		Admitted:  counts[models.CheckInSuccess],
		Duplicate: counts[models.CheckInDuplicate],
		Failed:    counts[models.CheckInFailed],
	}
	if gate.Capacity > 0 {
		stats.Occupancy = float64(stats.Admitted) / float64(gate.Capacity)
	}
	return stats, nil
}
