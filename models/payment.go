package models

import (
	"strings"

	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "PENDING"
	TransactionSuccess  TransactionStatus = "SUCCESS"
	TransactionFailed   TransactionStatus = "FAILED"
	TransactionRefunded TransactionStatus = "REFUNDED"
)

// PaymentTransaction maps the id handed to a gateway back to the order.
type PaymentTransaction struct {
	ID          string            `db:"id" json:"transaction_id"`
	OrderID     string            `db:"order_id" json:"order_id"`
	Provider    string            `db:"provider" json:"provider"`
	Amount      decimal.Decimal   `db:"amount" json:"amount"`
	Currency    string            `db:"currency" json:"currency"`
	Status      TransactionStatus `db:"status" json:"status"`
	PaymentCode string            `db:"payment_code" json:"payment_code,omitempty"`
	Created     types.DateTime    `db:"created" json:"created_at"`
	Updated     types.DateTime    `db:"updated" json:"updated_at"`
}

// Notification is a verified gateway report about one transaction.
type Notification struct {
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Provider      string          `json:"provider"`
	RawPayload    string          `json:"-"`
}

// Event maps a gateway status string to an order event. ok is false for
// pending or unrecognised statuses.
func (n Notification) Event() (PaymentEvent, bool) {
	switch strings.ToLower(strings.TrimSpace(n.Status)) {
	case "success", "succeeded", "paid", "completed", "approved":
		return EventPaymentConfirmed, true
	case "failed", "failure", "declined", "rejected", "canceled", "cancelled", "expired":
		return EventPaymentFailed, true
	case "refunded", "refund":
		return EventRefundProcessed, true
	}
	return "", false
}

type NotificationOutcome string

const (
	OutcomeApplied            NotificationOutcome = "applied"
	OutcomeDuplicate          NotificationOutcome = "duplicate"
	OutcomeUnknownTransaction NotificationOutcome = "unknown_transaction"
	OutcomeIgnored            NotificationOutcome = "ignored"
	OutcomeInvalidTransition  NotificationOutcome = "invalid_transition"
	OutcomeAmountMismatch     NotificationOutcome = "amount_mismatch"
)

// PaymentEventRecord is the append-only audit row written for every
// notification received.
type PaymentEventRecord struct {
	ID            string              `db:"id" json:"id"`
	TransactionID string              `db:"transaction_id" json:"transaction_id"`
	OrderID       string              `db:"order_id" json:"order_id,omitempty"`
	Provider      string              `db:"provider" json:"provider"`
	Status        string              `db:"status" json:"status"`
	Outcome       NotificationOutcome `db:"outcome" json:"outcome"`
	RawPayload    string              `db:"raw_payload" json:"-"`
	RequestID     string              `db:"request_id" json:"request_id,omitempty"`
	ReceivedAt    types.DateTime      `db:"received_at" json:"received_at"`
}

// Ack tells the gateway whether to stop redelivering.
type Ack struct {
	Acknowledged bool                `json:"acknowledged"`
	Outcome      NotificationOutcome `json:"outcome"`
	OrderID      string              `json:"order_id,omitempty"`
	OrderStatus  OrderStatus         `json:"order_status,omitempty"`
}
