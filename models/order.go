package models

import (
	"strings"

	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderUnpaid   OrderStatus = "UNPAID"
	OrderPaid     OrderStatus = "PAID"
	OrderFailed   OrderStatus = "FAILED"
	OrderCanceled OrderStatus = "CANCELED"
	OrderRefunded OrderStatus = "REFUNDED"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderUnpaid, OrderPaid, OrderFailed, OrderCanceled, OrderRefunded:
		return true
	}
	return false
}

// PaymentEvent is an input to the order state machine.
type PaymentEvent string

const (
	EventPaymentConfirmed PaymentEvent = "payment_confirmed"
	EventPaymentFailed    PaymentEvent = "payment_failed"
	EventExpired          PaymentEvent = "expired"
	EventBuyerCanceled    PaymentEvent = "buyer_canceled"
	EventRefundProcessed  PaymentEvent = "refund_processed"
)

type transitionKey struct {
	from  OrderStatus
	event PaymentEvent
}

var orderTransitions = map[transitionKey]OrderStatus{
	{OrderUnpaid, EventPaymentConfirmed}: OrderPaid,
	{OrderUnpaid, EventPaymentFailed}:    OrderFailed,
	{OrderUnpaid, EventExpired}:          OrderCanceled,
	{OrderUnpaid, EventBuyerCanceled}:    OrderCanceled,
	{OrderPaid, EventRefundProcessed}:    OrderRefunded,
}

// NextOrderStatus looks up the transition table. ok is false when the event
// is not legal from the given state.
func NextOrderStatus(from OrderStatus, event PaymentEvent) (to OrderStatus, ok bool) {
	to, ok = orderTransitions[transitionKey{from, event}]
	return to, ok
}

// TargetStatus is the state an event leads to, regardless of origin. It is
// used to recognise replays of an event that was already applied.
func (e PaymentEvent) TargetStatus() (OrderStatus, bool) {
	switch e {
	case EventPaymentConfirmed:
		return OrderPaid, true
	case EventPaymentFailed:
		return OrderFailed, true
	case EventExpired, EventBuyerCanceled:
		return OrderCanceled, true
	case EventRefundProcessed:
		return OrderRefunded, true
	}
	return "", false
}

// ReleasesReservation reports whether reaching status gives the seats back.
func (s OrderStatus) ReleasesReservation() bool {
	return s == OrderFailed || s == OrderCanceled
}

type Buyer struct {
	ID    string `db:"buyer_id" json:"id"`
	Name  string `db:"buyer_name" json:"name"`
	Email string `db:"buyer_email" json:"email"`
	Phone string `db:"buyer_phone" json:"phone"`
}

// Key identifies the buyer for per-user limits: the account id when known,
// otherwise the normalised email, otherwise the phone number.
func (b Buyer) Key() string {
	switch {
	case b.ID != "":
		return "id:" + b.ID
	case b.Email != "":
		return "email:" + strings.ToLower(strings.TrimSpace(b.Email))
	case b.Phone != "":
		return "phone:" + strings.TrimSpace(b.Phone)
	}
	return ""
}

type Order struct {
	ID               string          `db:"id" json:"id"`
	ScheduleID       string          `db:"schedule_id" json:"schedule_id"`
	CategoryID       string          `db:"category_id" json:"category_id"`
	ReservationID    string          `db:"reservation_id" json:"reservation_id"`
	BuyerID          string          `db:"buyer_id" json:"-"`
	BuyerName        string          `db:"buyer_name" json:"-"`
	BuyerEmail       string          `db:"buyer_email" json:"-"`
	BuyerPhone       string          `db:"buyer_phone" json:"-"`
	BuyerKey         string          `db:"buyer_key" json:"-"`
	Quantity         int             `db:"quantity" json:"quantity"`
	TotalAmount      decimal.Decimal `db:"total_amount" json:"total_amount"`
	Currency         string          `db:"currency" json:"currency"`
	PaymentStatus    OrderStatus     `db:"payment_status" json:"payment_status"`
	PaymentExpiresAt types.DateTime  `db:"payment_expires_at" json:"payment_expires_at"`
	PaidAt           types.DateTime  `db:"paid_at" json:"paid_at"`
	CancelReason     string          `db:"cancel_reason" json:"cancel_reason,omitempty"`
	Created          types.DateTime  `db:"created" json:"created_at"`
	Updated          types.DateTime  `db:"updated" json:"updated_at"`

	Buyer Buyer       `db:"-" json:"buyer"`
	Items []OrderItem `db:"-" json:"items,omitempty"`
}

// FillBuyer copies the flattened buyer columns into Buyer.
func (o *Order) FillBuyer() {
	o.Buyer = Buyer{ID: o.BuyerID, Name: o.BuyerName, Email: o.BuyerEmail, Phone: o.BuyerPhone}
}

type TicketStatus string

const (
	TicketUnpaid    TicketStatus = "UNPAID"
	TicketPaid      TicketStatus = "PAID"
	TicketCheckedIn TicketStatus = "CHECKED_IN"
	TicketCanceled  TicketStatus = "CANCELED"
	TicketRefunded  TicketStatus = "REFUNDED"
)

type OrderItem struct {
	ID               string         `db:"id" json:"id"`
	OrderID          string         `db:"order_id" json:"order_id"`
	CategoryID       string         `db:"category_id" json:"category_id"`
	QRCode           string         `db:"qr_code" json:"qr_code"`
	Status           TicketStatus   `db:"status" json:"status"`
	CheckInTime      types.DateTime `db:"check_in_time" json:"check_in_time"`
	RefundedAfterUse bool           `db:"refunded_after_use" json:"refunded_after_use"`
	Created          types.DateTime `db:"created" json:"created_at"`
	Updated          types.DateTime `db:"updated" json:"updated_at"`
}

type OrderFilter struct {
	Status     OrderStatus
	ScheduleID string
	BuyerID    string
}

type Pagination struct {
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	TotalItems int64 `json:"total_items"`
	TotalPages int   `json:"total_pages"`
}

func NewPagination(page, perPage int, total int64) Pagination {
	if perPage <= 0 {
		perPage = 20
	}
	if page <= 0 {
		page = 1
	}
	pages := int((total + int64(perPage) - 1) / int64(perPage))
	if pages == 0 {
		pages = 1
	}
	return Pagination{Page: page, PerPage: perPage, TotalItems: total, TotalPages: pages}
}

func (p Pagination) Offset() int64 {
	return int64((p.Page - 1) * p.PerPage)
}
