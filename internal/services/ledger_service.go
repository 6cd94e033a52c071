package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"ticket-engine/internal/status"
	"ticket-engine/internal/store"
	"ticket-engine/models"
	"ticket-engine/monitoring"
)

// LedgerService owns the seat counters of schedules and categories. A
// reservation moves from HELD to exactly one of COMMITTED or RELEASED.
type LedgerService struct {
	store *store.Store
}

func NewLedgerService(st *store.Store) *LedgerService {
	return &LedgerService{store: st}
}

// Reserve takes quantity seats from the category and its schedule. When ctx
// carries a transaction the reservation joins it.
func (s *LedgerService) Reserve(ctx context.Context, categoryID string, quantity int) (models.ReservationToken, error) {
	if quantity <= 0 {
		return models.ReservationToken{}, fmt.Errorf("quantity %d: %w", quantity, status.ErrValidation)
	}

	var res models.Reservation
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		cat, err := s.store.GetCategory(ctx, categoryID)
		if err != nil {
			return err
		}

		ok, err := s.store.DecrementCategory(ctx, cat.ID, quantity)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("category %s: %w", cat.ID, status.ErrOutOfStock)
		}

		ok, err = s.store.DecrementSchedule(ctx, cat.ScheduleID, quantity)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("schedule %s: %w", cat.ScheduleID, status.ErrOutOfStock)
		}

		res = models.Reservation{
			ID:         uuid.NewString(),
			ScheduleID: cat.ScheduleID,
			CategoryID: cat.ID,
			Quantity:   quantity,
			State:      models.ReservationHeld,
		}
		return s.store.InsertReservation(ctx, &res)
	})

	switch {
	case err == nil:
		monitoring.TrackLedger("reserve", "ok")
	case errors.Is(err, status.ErrOutOfStock):
		monitoring.TrackLedger("reserve", "out_of_stock")
		return models.ReservationToken{}, err
	default:
		monitoring.TrackLedger("reserve", "error")
		return models.ReservationToken{}, fmt.Errorf("reserve %s: %w", categoryID, err)
	}
	return res.Token(), nil
}

// Release gives the seats back. Only the call that moves the reservation
// out of HELD touches the counters; later calls are no-ops.
func (s *LedgerService) Release(ctx context.Context, token models.ReservationToken) error {
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.store.TransitionReservation(ctx, token.ID, models.ReservationHeld, models.ReservationReleased)
		if err != nil {
			return err
		}
		if !ok {
			return s.settled(ctx, token.ID, models.ReservationReleased)
		}

		// Counters follow the stored row, not the caller's copy of the token.
		res, err := s.store.GetReservation(ctx, token.ID)
		if err != nil {
			return err
		}
		if err := s.store.IncrementCategory(ctx, res.CategoryID, res.Quantity); err != nil {
			return err
		}
		return s.store.IncrementSchedule(ctx, res.ScheduleID, res.Quantity)
	})
	if err != nil {
		monitoring.TrackLedger("release", "error")
		return fmt.Errorf("release %s: %w", token.ID, err)
	}
	monitoring.TrackLedger("release", "ok")
	return nil
}

// Commit makes a reservation permanent. Counters do not change.
func (s *LedgerService) Commit(ctx context.Context, token models.ReservationToken) error {
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		ok, err := s.store.TransitionReservation(ctx, token.ID, models.ReservationHeld, models.ReservationCommitted)
		if err != nil || ok {
			return err
		}
		return s.settled(ctx, token.ID, models.ReservationCommitted)
	})
	if err != nil {
		monitoring.TrackLedger("commit", "error")
		return fmt.Errorf("commit %s: %w", token.ID, err)
	}
	monitoring.TrackLedger("commit", "ok")
	return nil
}

// settled is reached when the HELD guard failed. Reaching want again is a
// replay; the other terminal state is a conflict.
func (s *LedgerService) settled(ctx context.Context, id string, want models.ReservationState) error {
	res, err := s.store.GetReservation(ctx, id)
	if err != nil {
		return err
	}
	if res.State == want {
		return nil
	}
	return fmt.Errorf("reservation is %s: %w", res.State, status.ErrInvalidTransition)
}

func (s *LedgerService) Availability(ctx context.Context, categoryID string) (*models.Availability, error) {
	cat, err := s.store.GetCategory(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	sc, err := s.store.GetSchedule(ctx, cat.ScheduleID)
	if err != nil {
		return nil, err
	}
	return &models.Availability{
		ScheduleID:        sc.ID,
		CategoryID:        cat.ID,
		ScheduleCapacity:  sc.Capacity,
		ScheduleRemaining: sc.RemainingSeats,
		CategoryQuota:     cat.Quota,
		CategoryRemaining: cat.Remaining,
	}, nil
}

// ScheduleAvailability reports one entry per category of the schedule.
func (s *LedgerService) ScheduleAvailability(ctx context.Context, scheduleID string) ([]models.Availability, error) {
	sc, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	cats, err := s.store.ListCategories(ctx, scheduleID)
	if err != nil {
		return nil, err
	}

	out := make([]models.Availability, 0, len(cats))
	for _, c := range cats {
		out = append(out, models.Availability{
			ScheduleID:        sc.ID,
			CategoryID:        c.ID,
			ScheduleCapacity:  sc.Capacity,
			ScheduleRemaining: sc.RemainingSeats,
			CategoryQuota:     c.Quota,
			CategoryRemaining: c.Remaining,
		})
	}
	return out, nil
}

// ConfigureSchedule creates or resizes a schedule. The new capacity must
// cover the quotas already handed to its categories.
func (s *LedgerService) ConfigureSchedule(ctx context.Context, sc *models.Schedule) error {
	if strings.TrimSpace(sc.ID) == "" || sc.Capacity < 0 {
		return fmt.Errorf("schedule: %w: id and non-negative capacity required", status.ErrValidation)
	}

	return s.store.WithTx(ctx, func(ctx context.Context) error {
		quotas, err := s.store.SumQuotas(ctx, sc.ID, "")
		if err != nil {
			return err
		}
		if quotas > sc.Capacity {
			return fmt.Errorf("schedule %s: %w: capacity %d below category quotas %d",
				sc.ID, status.ErrValidation, sc.Capacity, quotas)
		}
		if err := s.store.UpsertSchedule(ctx, sc); err != nil {
			return err
		}
		slog.Info("schedule configured", "schedule_id", sc.ID, "capacity", sc.Capacity)
		return nil
	})
}

// ConfigureCategory creates or resizes a category. Quotas of one schedule
// never add up to more than its capacity.
func (s *LedgerService) ConfigureCategory(ctx context.Context, c *models.TicketCategory) error {
	switch {
	case strings.TrimSpace(c.ID) == "", c.ScheduleID == "":
		return fmt.Errorf("category: %w: id and schedule_id required", status.ErrValidation)
	case c.Quota < 0, c.LimitPerUser < 0, c.Price.IsNegative():
		return fmt.Errorf("category %s: %w: negative quota, limit or price", c.ID, status.ErrValidation)
	}
	if c.Currency == "" {
		c.Currency = "LAK"
	}

	return s.store.WithTx(ctx, func(ctx context.Context) error {
		sc, err := s.store.GetSchedule(ctx, c.ScheduleID)
		if err != nil {
			return err
		}
		others, err := s.store.SumQuotas(ctx, sc.ID, c.ID)
		if err != nil {
			return err
		}
		if others+c.Quota > sc.Capacity {
			return fmt.Errorf("category %s: %w: quotas %d exceed capacity %d",
				c.ID, status.ErrValidation, others+c.Quota, sc.Capacity)
		}
		if err := s.store.UpsertCategory(ctx, c); err != nil {
			return err
		}
		slog.Info("category configured", "category_id", c.ID, "schedule_id", sc.ID, "quota", c.Quota)
		return nil
	})
}
