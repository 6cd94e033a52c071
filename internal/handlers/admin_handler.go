package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/core"

	"ticket-engine/internal/services"
	"ticket-engine/models"
)

// AdminHandler serves superuser-only configuration endpoints.
type AdminHandler struct {
	ledger   *services.LedgerService
	gates    *services.GateService
	checkins *services.CheckInService
}

func NewAdminHandler(ledger *services.LedgerService, gates *services.GateService, checkins *services.CheckInService) *AdminHandler {
	return &AdminHandler{ledger: ledger, gates: gates, checkins: checkins}
}

func (h *AdminHandler) PutSchedule(e *core.RequestEvent) error {
	var sc models.Schedule
	if err := e.BindBody(&sc); err != nil {
		return badRequest(e, "invalid request body")
	}
	sc.ID = e.Request.PathValue("scheduleId")

	if err := h.ledger.ConfigureSchedule(e.Request.Context(), &sc); err != nil {
		return failWith(e, err)
	}
	return success(e, http.StatusOK, sc)
}

func (h *AdminHandler) PutCategory(e *core.RequestEvent) error {
	var c models.TicketCategory
	if err := e.BindBody(&c); err != nil {
		return badRequest(e, "invalid request body")
	}
	c.ID = e.Request.PathValue("categoryId")

	if err := h.ledger.ConfigureCategory(e.Request.Context(), &c); err != nil {
		return failWith(e, err)
	}
	return success(e, http.StatusOK, c)
}

// PutGate creates or replaces a gate with its category and staff
// assignments.
func (h *AdminHandler) PutGate(e *core.RequestEvent) error {
	var g models.Gate
	if err := e.BindBody(&g); err != nil {
		return badRequest(e, "invalid request body")
	}
	g.ID = e.Request.PathValue("gateId")

	saved, err := h.gates.Upsert(e.Request.Context(), &g)
	if err != nil {
		return failWith(e, err)
	}
	return success(e, http.StatusOK, saved)
}

// PutGateAccessCode sets the gate's access code, generating one when the
// body leaves it empty. The plain code is only returned here.
func (h *AdminHandler) PutGateAccessCode(e *core.RequestEvent) error {
	var req struct {
		Code string `json:"code"`
	}
	if e.Request.ContentLength > 0 {
		if err := e.BindBody(&req); err != nil {
			return badRequest(e, "invalid request body")
		}
	}

	gateID := e.Request.PathValue("gateId")
	code, err := h.gates.SetAccessCode(e.Request.Context(), gateID, req.Code)
	if err != nil {
		return failWith(e, err)
	}
	return success(e, http.StatusOK, map[string]string{"gate_id": gateID, "code": code})
}

func (h *AdminHandler) GateStats(e *core.RequestEvent) error {
	stats, err := h.checkins.GateStats(e.Request.Context(), e.Request.PathValue("gateId"))
	if err != nil {
		return failWith(e, err)
	}
	return success(e, http.StatusOK, stats)
}
