package store

import (
	"context"
	"fmt"

	"github.com/pocketbase/dbx"

	"ticket-engine/internal/status"
	"ticket-engine/models"
)

const scheduleColumns = `id, event_id, starts_at, capacity, remaining_seats, created, updated`

const categoryColumns = `id, schedule_id, name, price, currency, quota, remaining, limit_per_user, is_vip, created, updated`

func (s *Store) GetSchedule(ctx context.Context, id string) (*models.Schedule, error) {
	var sc models.Schedule
	err := s.one(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = {:id}`, dbx.Params{"id": id}, &sc)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", id, err)
	}
	return &sc, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]models.Schedule, error) {
	var out []models.Schedule
	if err := s.all(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY starts_at, id`, nil, &out); err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return out, nil
}

func (s *Store) GetCategory(ctx context.Context, id string) (*models.TicketCategory, error) {
	var c models.TicketCategory
	err := s.one(ctx, `SELECT `+categoryColumns+` FROM ticket_categories WHERE id = {:id}`, dbx.Params{"id": id}, &c)
	if err != nil {
		return nil, fmt.Errorf("category %s: %w", id, err)
	}
	return &c, nil
}

func (s *Store) ListCategories(ctx context.Context, scheduleID string) ([]models.TicketCategory, error) {
	var out []models.TicketCategory
	err := s.all(ctx, `SELECT `+categoryColumns+` FROM ticket_categories WHERE schedule_id = {:schedule} ORDER BY id`,
		dbx.Params{"schedule": scheduleID}, &out)
	if err != nil {
		return nil, fmt.Errorf("list categories %s: %w", scheduleID, err)
	}
	return out, nil
}

// SumQuotas adds up the quotas of a schedule's categories, leaving out
// excludeID so an update can be checked against its own new value.
func (s *Store) SumQuotas(ctx context.Context, scheduleID, excludeID string) (int, error) {
	var row struct {
		Total int `db:"total"`
	}
	err := s.one(ctx, `SELECT COALESCE(SUM(quota), 0) AS total FROM ticket_categories WHERE schedule_id = {:schedule} AND id != {:exclude}`,
		dbx.Params{"schedule": scheduleID, "exclude": excludeID}, &row)
	if err != nil {
		return 0, fmt.Errorf("sum quotas %s: %w", scheduleID, err)
	}
	return row.Total, nil
}

// DecrementCategory takes quantity from the category counter. It reports
// false when fewer than quantity remain.
func (s *Store) DecrementCategory(ctx context.Context, id string, quantity int) (bool, error) {
	n, err := s.exec(ctx, `UPDATE ticket_categories SET remaining = remaining - {:q}, updated = {:now}
		WHERE id = {:id} AND remaining >= {:q}`,
		dbx.Params{"id": id, "q": quantity, "now": s.Now()})
	if err != nil {
		return false, fmt.Errorf("decrement category %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *Store) DecrementSchedule(ctx context.Context, id string, quantity int) (bool, error) {
	n, err := s.exec(ctx, `UPDATE schedules SET remaining_seats = remaining_seats - {:q}, updated = {:now}
		WHERE id = {:id} AND remaining_seats >= {:q}`,
		dbx.Params{"id": id, "q": quantity, "now": s.Now()})
	if err != nil {
		return false, fmt.Errorf("decrement schedule %s: %w", id, err)
	}
	return n == 1, nil
}

func (s *Store) IncrementCategory(ctx context.Context, id string, quantity int) error {
	n, err := s.exec(ctx, `UPDATE ticket_categories SET remaining = remaining + {:q}, updated = {:now}
		WHERE id = {:id} AND remaining + {:q} <= quota`,
		dbx.Params{"id": id, "q": quantity, "now": s.Now()})
	if err != nil {
		return fmt.Errorf("increment category %s: %w", id, err)
	}
	if n != 1 {
		return fmt.Errorf("increment category %s: counter would exceed quota", id)
	}
	return nil
}

func (s *Store) IncrementSchedule(ctx context.Context, id string, quantity int) error {
	n, err := s.exec(ctx, `UPDATE schedules SET remaining_seats = remaining_seats + {:q}, updated = {:now}
		WHERE id = {:id} AND remaining_seats + {:q} <= capacity`,
		dbx.Params{"id": id, "q": quantity, "now": s.Now()})
	if err != nil {
		return fmt.Errorf("increment schedule %s: %w", id, err)
	}
	if n != 1 {
		return fmt.Errorf("increment schedule %s: counter would exceed capacity", id)
	}
	return nil
}

func (s *Store) InsertReservation(ctx context.Context, r *models.Reservation) error {
	now := s.Now()
	r.Created, r.Updated = now, now
	err := s.insert(ctx, "reservations", dbx.Params{
		"id":          r.ID,
		"schedule_id": r.ScheduleID,
		"category_id": r.CategoryID,
		"quantity":    r.Quantity,
		"state":       r.State,
		"created":     now,
		"updated":     now,
	})
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (s *Store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	var r models.Reservation
	err := s.one(ctx, `SELECT id, schedule_id, category_id, quantity, state, created, updated FROM reservations WHERE id = {:id}`,
		dbx.Params{"id": id}, &r)
	if err != nil {
		return nil, fmt.Errorf("reservation %s: %w", id, err)
	}
	return &r, nil
}

// TransitionReservation moves a reservation from one state to another and
// reports whether this call made the change.
func (s *Store) TransitionReservation(ctx context.Context, id string, from, to models.ReservationState) (bool, error) {
	n, err := s.exec(ctx, `UPDATE reservations SET state = {:to}, updated = {:now} WHERE id = {:id} AND state = {:from}`,
		dbx.Params{"id": id, "from": from, "to": to, "now": s.Now()})
	if err != nil {
		return false, fmt.Errorf("transition reservation %s: %w", id, err)
	}
	return n == 1, nil
}

// UpsertSchedule creates a schedule or changes its capacity. remaining_seats
// moves by the capacity delta; a capacity below what is already sold is
// rejected.
func (s *Store) UpsertSchedule(ctx context.Context, sc *models.Schedule) error {
	now := s.Now()
	existing, err := s.GetSchedule(ctx, sc.ID)
	switch {
	case err == nil:
		delta := sc.Capacity - existing.Capacity
		n, err := s.exec(ctx, `UPDATE schedules SET capacity = {:cap}, remaining_seats = remaining_seats + {:delta},
			event_id = {:event}, starts_at = {:starts}, updated = {:now}
			WHERE id = {:id} AND remaining_seats + {:delta} >= 0`,
			dbx.Params{"id": sc.ID, "cap": sc.Capacity, "delta": delta, "event": sc.EventID, "starts": sc.StartsAt, "now": now})
		if err != nil {
			return fmt.Errorf("update schedule %s: %w", sc.ID, err)
		}
		if n != 1 {
			return fmt.Errorf("schedule %s: capacity below seats sold: %w", sc.ID, status.ErrValidation)
		}
	case isNotFound(err):
		sc.RemainingSeats = sc.Capacity
		sc.Created = now
		err = s.insert(ctx, "schedules", dbx.Params{
			"id":              sc.ID,
			"event_id":        sc.EventID,
			"starts_at":       sc.StartsAt,
			"capacity":        sc.Capacity,
			"remaining_seats": sc.Capacity,
			"created":         now,
			"updated":         now,
		})
		if err != nil {
			return fmt.Errorf("insert schedule %s: %w", sc.ID, err)
		}
	default:
		return err
	}

	fresh, err := s.GetSchedule(ctx, sc.ID)
	if err != nil {
		return err
	}
	*sc = *fresh
	return nil
}

// UpsertCategory mirrors UpsertSchedule for a category sub-ledger.
func (s *Store) UpsertCategory(ctx context.Context, c *models.TicketCategory) error {
	now := s.Now()
	existing, err := s.GetCategory(ctx, c.ID)
	switch {
	case err == nil:
		if existing.ScheduleID != c.ScheduleID {
			return fmt.Errorf("category %s belongs to schedule %s: %w", c.ID, existing.ScheduleID, status.ErrValidation)
		}
		delta := c.Quota - existing.Quota
		n, err := s.exec(ctx, `UPDATE ticket_categories SET quota = {:quota}, remaining = remaining + {:delta},
			name = {:name}, price = {:price}, currency = {:currency}, limit_per_user = {:limit}, is_vip = {:vip}, updated = {:now}
			WHERE id = {:id} AND remaining + {:delta} >= 0`,
			dbx.Params{
				"id": c.ID, "quota": c.Quota, "delta": delta, "name": c.Name, "price": c.Price,
				"currency": c.Currency, "limit": c.LimitPerUser, "vip": c.IsVIP, "now": now,
			})
		if err != nil {
			return fmt.Errorf("update category %s: %w", c.ID, err)
		}
		if n != 1 {
			return fmt.Errorf("category %s: quota below tickets sold: %w", c.ID, status.ErrValidation)
		}
	case isNotFound(err):
		err = s.insert(ctx, "ticket_categories", dbx.Params{
			"id":             c.ID,
			"schedule_id":    c.ScheduleID,
			"name":           c.Name,
			"price":          c.Price,
			"currency":       c.Currency,
			"quota":          c.Quota,
			"remaining":      c.Quota,
			"limit_per_user": c.LimitPerUser,
			"is_vip":         c.IsVIP,
			"created":        now,
			"updated":        now,
		})
		if err != nil {
			return fmt.Errorf("insert category %s: %w", c.ID, err)
		}
	default:
		return err
	}

	fresh, err := s.GetCategory(ctx, c.ID)
	if err != nil {
		return err
	}
	*c = *fresh
	return nil
}
