package models

import (
	"github.com/pocketbase/pocketbase/tools/types"
)

type CheckInStatus string

const (
	CheckInSuccess   CheckInStatus = "SUCCESS"
	CheckInFailed    CheckInStatus = "FAILED"
	CheckInDuplicate CheckInStatus = "DUPLICATE"
)

// Reasons recorded on FAILED check-ins.
const (
	ReasonNotFound         = "not_found"
	ReasonGateMismatch     = "gate_mismatch"
	ReasonStaffNotAssigned = "staff_not_assigned"
	ReasonInvalidState     = "invalid_state"
)

type CheckIn struct {
	ID          string         `db:"id" json:"id"`
	OrderItemID string         `db:"order_item_id" json:"order_item_id,omitempty"`
	GateID      string         `db:"gate_id" json:"gate_id,omitempty"`
	StaffID     string         `db:"staff_id" json:"staff_id,omitempty"`
	Status      CheckInStatus  `db:"status" json:"status"`
	Reason      string         `db:"reason" json:"reason,omitempty"`
	CheckedInAt types.DateTime `db:"checked_in_at" json:"checked_in_at"`
	Location    string         `db:"location" json:"location,omitempty"`
	IP          string         `db:"ip" json:"ip,omitempty"`
	UserAgent   string         `db:"user_agent" json:"user_agent,omitempty"`
	RequestID   string         `db:"request_id" json:"request_id,omitempty"`
}

type ScanRequest struct {
	QRCode    string `json:"qr_code"`
	GateID    string `json:"gate_id"`
	StaffID   string `json:"staff_id"`
	Location  string `json:"location"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// CheckInResult is what the scanner displays. Rejections are results, not
// errors.
type CheckInResult struct {
	Status      CheckInStatus  `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	CheckInID   string         `json:"check_in_id"`
	OrderItemID string         `json:"order_item_id,omitempty"`
	CategoryID  string         `json:"category_id,omitempty"`
	TicketState TicketStatus   `json:"ticket_status,omitempty"`
	CheckInTime types.DateTime `json:"check_in_time"`
	Message     string         `json:"message"`
}

type GateStats struct {
	GateID    string  `json:"gate_id"`
	Capacity  int     `json:"capacity"`
	Admitted  int     `json:"admitted"`
	Duplicate int     `json:"duplicate"`
	Failed    int     `json:"failed"`
	Occupancy float64 `json:"occupancy"`
}
