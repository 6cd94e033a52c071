package models

import (
	"slices"

	"github.com/pocketbase/pocketbase/tools/types"
)

type GateStatus string

const (
	GateActive   GateStatus = "ACTIVE"
	GateInactive GateStatus = "INACTIVE"
)

type Gate struct {
	ID             string         `db:"id" json:"id"`
	Code           string         `db:"code" json:"code"`
	Name           string         `db:"name" json:"name"`
	Capacity       int            `db:"capacity" json:"capacity"`
	IsVIP          bool           `db:"is_vip" json:"is_vip"`
	Status         GateStatus     `db:"status" json:"status"`
	AccessCodeHash string         `db:"access_code_hash" json:"-"`
	Created        types.DateTime `db:"created" json:"created_at"`
	Updated        types.DateTime `db:"updated" json:"updated_at"`

	CategoryIDs []string `db:"-" json:"category_ids"`
	StaffIDs    []string `db:"-" json:"staff_ids"`

	// Locked gates only take scans from devices that logged in with the
	// gate's access code.
	Locked bool `db:"-" json:"locked"`
}

func (g Gate) Active() bool {
	return g.Status == GateActive
}

// Authorizes applies the gate rule: an explicit category list wins,
// otherwise the gate's VIP flag must match the category's.
func (g Gate) Authorizes(categoryID string, categoryIsVIP bool) bool {
	if len(g.CategoryIDs) > 0 {
		return slices.Contains(g.CategoryIDs, categoryID)
	}
	return g.IsVIP == categoryIsVIP
}

// Staffed reports whether staffID may scan at this gate. Gates without
// assignments accept any staff.
func (g Gate) Staffed(staffID string) bool {
	if len(g.StaffIDs) == 0 {
		return true
	}
	return slices.Contains(g.StaffIDs, staffID)
}
