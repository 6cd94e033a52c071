package handlers

import (
	"context"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/redis/go-redis/v9"

	"ticket-engine/security"
	"ticket-engine/utils"
)

// Routes bundles everything the HTTP surface needs.
type Routes struct {
	Orders   *OrderHandler
	Payments *PaymentHandler
	CheckIns *CheckInHandler
	Admin    *AdminHandler
	Health   *HealthHandler
	Limiter  *security.RateLimiter

	// Development enables /test endpoints.
	Development bool
}

func (rt Routes) Register(r *router.Router[*core.RequestEvent]) {
	r.GET("/health", rt.Health.Check)

	v1 := r.Group("/api/v1")
	v1.Bind(RequestID())

	v1.POST("/orders", rt.Orders.CreateOrder)
	v1.GET("/orders", rt.Orders.ListOrders)
	v1.GET("/orders/{orderId}", rt.Orders.GetOrder)
	v1.POST("/orders/{orderId}/cancel", rt.Orders.CancelOrder)
	v1.POST("/orders/{orderId}/refund", rt.Orders.RefundOrder).Bind(apis.RequireSuperuserAuth())
	v1.GET("/schedules/{scheduleId}/availability", rt.Orders.Availability)

	v1.POST("/payments", rt.Payments.InitiatePayment)
	v1.GET("/payments/{transactionId}", rt.Payments.GetTransaction)
	v1.POST("/payments/webhook/{provider}", rt.Payments.Webhook)

	scan := v1.POST("/checkins/scan", rt.CheckIns.Scan)
	if rt.Limiter != nil {
		scan.Bind(rt.Limiter.ScanRateLimit(fail))
	}
	v1.GET("/tickets/{itemId}/checkins", rt.CheckIns.History)
	v1.POST("/gates/{gateId}/login", rt.CheckIns.GateLogin)

	admin := v1.Group("/admin")
	admin.Bind(apis.RequireSuperuserAuth())
	admin.PUT("/schedules/{scheduleId}", rt.Admin.PutSchedule)
	admin.PUT("/categories/{categoryId}", rt.Admin.PutCategory)
	admin.PUT("/gates/{gateId}", rt.Admin.PutGate)
	admin.PUT("/gates/{gateId}/access-code", rt.Admin.PutGateAccessCode)
	admin.GET("/gates/{gateId}/stats", rt.Admin.GateStats)

	if rt.Development {
		v1.POST("/test/simulate-payment", rt.Payments.SimulatePayment)
	}
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	store Pinger
	redis redis.Cmdable
}

func NewHealthHandler(store Pinger, rdb redis.Cmdable) *HealthHandler {
	return &HealthHandler{store: store, redis: rdb}
}

type health struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Check reports unhealthy when the store is down. Redis only degrades.
func (h *HealthHandler) Check(e *core.RequestEvent) error {
	checks := map[string]string{"store": "ok", "redis": "ok"}
	code, state := http.StatusOK, "healthy"

	if err := h.store.Ping(e.Request.Context()); err != nil {
		checks["store"] = err.Error()
		code, state = http.StatusServiceUnavailable, "unhealthy"
	}
	if h.redis == nil {
		checks["redis"] = "disabled"
	} else if err := utils.RedisHealthCheck(h.redis); err != nil {
		checks["redis"] = err.Error()
		if code == http.StatusOK {
			state = "degraded"
		}
	}

	resp := envelope(e)
	resp.Success = code == http.StatusOK
	resp.Data = health{Status: state, Checks: checks}
	if !resp.Success {
		resp.Error = &ErrorInfo{Code: "unavailable", Message: "store unavailable"}
	}
	return e.JSON(code, resp)
}
