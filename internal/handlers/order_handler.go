package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/core"

	"ticket-engine/internal/services"
	"ticket-engine/models"
)

type OrderHandler struct {
	orders *services.OrderService
	ledger *services.LedgerService
}

func NewOrderHandler(orders *services.OrderService, ledger *services.LedgerService) *OrderHandler {
	return &OrderHandler{orders: orders, ledger: ledger}
}

// CreateOrder reserves seats and opens an unpaid order.
func (h *OrderHandler) CreateOrder(e *core.RequestEvent) error {
	var in services.CreateOrderInput
	if err := e.BindBody(&in); err != nil {
		return badRequest(e, "invalid request body")
	}
	if e.Auth != nil && in.Buyer.ID == "" {
		in.Buyer.ID = e.Auth.Id
	}

	order, err := h.orders.CreateOrder(e.Request.Context(), in)
	if err != nil {
		return failWith(e, err)
	}
	return success(e, http.StatusCreated, order)
}

func (h *OrderHandler) ListOrders(e *core.RequestEvent) error {
	q := e.Request.URL.Query()
	filter := models.OrderFilter{
		Status:     models.OrderStatus(q.Get("status")),
		ScheduleID: q.Get("schedule_id"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return badRequest(e, "unknown status "+string(filter.Status))
	}
	page, perPage := pagination(e)

	orders, p, err := h.orders.ListOrders(e.Request.Context(), filter, page, perPage)
	if err != nil {
		return failWith(e, err)
	}
	return list(e, orders, p)
}

func (h *OrderHandler) GetOrder(e *core.RequestEvent) error {
	order, err := h.orders.GetOrder(e.Request.Context(), e.Request.PathValue("orderId"))
	if err != nil {
		return failWith(e, err)
	}
	return success(e, http.StatusOK, order)
}

func (h *OrderHandler) CancelOrder(e *core.RequestEvent) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if e.Request.ContentLength > 0 {
		if err := e.BindBody(&body); err != nil {
			return badRequest(e, "invalid request body")
		}
	}

	order, err := h.orders.CancelOrder(e.Request.Context(), e.Request.PathValue("orderId"), body.Reason)
	if err != nil {
		return failWith(e, err)
	}
	return success(e, http.StatusOK, order)
}

// RefundOrder records a refund already paid out by the gateway.
func (h *OrderHandler) RefundOrder(e *core.RequestEvent) error {
	order, err := h.orders.RefundOrder(e.Request.Context(), e.Request.PathValue("orderId"))
	if err != nil {
		return failWith(e, err)
	}
	return success(e, http.StatusOK, order)
}

func (h *OrderHandler) Availability(e *core.RequestEvent) error {
	avail, err := h.ledger.ScheduleAvailability(e.Request.Context(), e.Request.PathValue("scheduleId"))
	if err != nil {
		return failWith(e, err)
	}
	return success(e, http.StatusOK, avail)
}
