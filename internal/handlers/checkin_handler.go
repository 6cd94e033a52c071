package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/core"

	"ticket-engine/internal/services"
	"ticket-engine/models"
)

// HeaderGateToken carries the device token issued by gate login.
const HeaderGateToken = "X-Gate-Token"

type CheckInHandler struct {
	checkins *services.CheckInService
	gates    *services.GateService
}

func NewCheckInHandler(checkins *services.CheckInService, gates *services.GateService) *CheckInHandler {
	return &CheckInHandler{checkins: checkins, gates: gates}
}

// Scan validates a ticket at a gate. Rejections are 200 with a typed
// result; only infrastructure failures are errors.
func (h *CheckInHandler) Scan(e *core.RequestEvent) error {
	var req models.ScanRequest
	if err := e.BindBody(&req); err != nil {
		return badRequest(e, "invalid request body")
	}
	if req.QRCode == "" {
		return badRequest(e, "qr_code is required")
	}
	req.IP = clientIP(e)
	req.UserAgent = e.Request.UserAgent()

	if req.GateID != "" {
		if err := h.gates.Authenticate(e.Request.Context(), req.GateID, e.Request.Header.Get(HeaderGateToken)); err != nil {
			return failWith(e, err)
		}
	}

	res, err := h.checkins.ProcessScan(e.Request.Context(), req)
	if err != nil {
		return failWith(e, err)
	}
	return success(e, http.StatusOK, res)
}

func (h *CheckInHandler) History(e *core.RequestEvent) error {
	history, err := h.checkins.History(e.Request.Context(), e.Request.PathValue("itemId"))
	if err != nil {
		return failWith(e, err)
	}
	return success(e, http.StatusOK, history)
}

// GateLogin trades a gate access code for the device token that scans at
// a locked gate must carry in X-Gate-Token.
func (h *CheckInHandler) GateLogin(e *core.RequestEvent) error {
	var req struct {
		Code string `json:"code"`
	}
	if err := e.BindBody(&req); err != nil || req.Code == "" {
		return badRequest(e, "code is required")
	}

	session, err := h.gates.Login(e.Request.Context(), e.Request.PathValue("gateId"), req.Code)
	if err != nil {
		return failWith(e, err)
	}
	return success(e, http.StatusOK, session)
}

func clientIP(e *core.RequestEvent) string {
	if e.App != nil {
		return e.RealIP()
	}
	return e.RemoteIP()
}
