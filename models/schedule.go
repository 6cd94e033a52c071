package models

import (
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"
)

type Schedule struct {
	ID             string         `db:"id" json:"id"`
	EventID        string         `db:"event_id" json:"event_id"`
	StartsAt       types.DateTime `db:"starts_at" json:"starts_at"`
	Capacity       int            `db:"capacity" json:"capacity"`
	RemainingSeats int            `db:"remaining_seats" json:"remaining_seats"`
	Created        types.DateTime `db:"created" json:"created_at"`
	Updated        types.DateTime `db:"updated" json:"updated_at"`
}

// Sold is the number of seats held by live reservations or sold outright.
func (s Schedule) Sold() int {
	return s.Capacity - s.RemainingSeats
}

type TicketCategory struct {
	ID           string          `db:"id" json:"id"`
	ScheduleID   string          `db:"schedule_id" json:"schedule_id"`
	Name         string          `db:"name" json:"name"`
	Price        decimal.Decimal `db:"price" json:"price"`
	Currency     string          `db:"currency" json:"currency"`
	Quota        int             `db:"quota" json:"quota"`
	Remaining    int             `db:"remaining" json:"remaining"`
	LimitPerUser int             `db:"limit_per_user" json:"limit_per_user"`
	IsVIP        bool            `db:"is_vip" json:"is_vip"`
	Created      types.DateTime  `db:"created" json:"created_at"`
	Updated      types.DateTime  `db:"updated" json:"updated_at"`
}

func (c TicketCategory) Sold() int {
	return c.Quota - c.Remaining
}

type ReservationState string

const (
	ReservationHeld      ReservationState = "HELD"
	ReservationCommitted ReservationState = "COMMITTED"
	ReservationReleased  ReservationState = "RELEASED"
)

type Reservation struct {
	ID         string           `db:"id" json:"id"`
	ScheduleID string           `db:"schedule_id" json:"schedule_id"`
	CategoryID string           `db:"category_id" json:"category_id"`
	Quantity   int              `db:"quantity" json:"quantity"`
	State      ReservationState `db:"state" json:"state"`
	Created    types.DateTime   `db:"created" json:"created_at"`
	Updated    types.DateTime   `db:"updated" json:"updated_at"`
}

// ReservationToken identifies a provisional decrement of both the category
// and the schedule counters.
type ReservationToken struct {
	ID         string `json:"id"`
	ScheduleID string `json:"schedule_id"`
	CategoryID string `json:"category_id"`
	Quantity   int    `json:"quantity"`
}

func (r Reservation) Token() ReservationToken {
	return ReservationToken{
		ID:         r.ID,
		ScheduleID: r.ScheduleID,
		CategoryID: r.CategoryID,
		Quantity:   r.Quantity,
	}
}

type Availability struct {
	ScheduleID        string `json:"schedule_id"`
	CategoryID        string `json:"category_id,omitempty"`
	ScheduleCapacity  int    `json:"schedule_capacity"`
	ScheduleRemaining int    `json:"schedule_remaining"`
	CategoryQuota     int    `json:"category_quota,omitempty"`
	CategoryRemaining int    `json:"category_remaining,omitempty"`
}
