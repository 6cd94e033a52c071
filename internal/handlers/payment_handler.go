package handlers

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/pocketbase/pocketbase/core"
	"github.com/shopspring/decimal"

	"ticket-engine/internal/services"
	"ticket-engine/internal/status"
)

const maxWebhookBody = 1 << 20

type PaymentHandler struct {
	payments *services.PaymentService
}

func NewPaymentHandler(payments *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

// InitiatePayment opens a gateway transaction for an unpaid order and
// returns its payable QR code.
func (h *PaymentHandler) InitiatePayment(e *core.RequestEvent) error {
	var req struct {
		OrderID  string `json:"order_id"`
		Provider string `json:"provider"`
	}
	if err := e.BindBody(&req); err != nil {
		return badRequest(e, "invalid request body")
	}
	if req.OrderID == "" {
		return badRequest(e, "order_id is required")
	}

	tx, err := h.payments.InitiatePayment(e.Request.Context(), req.OrderID, req.Provider)
	if err != nil {
		return failWith(e, err)
	}
	return success(e, http.StatusCreated, tx)
}

func (h *PaymentHandler) GetTransaction(e *core.RequestEvent) error {
	tx, err := h.payments.GetTransaction(e.Request.Context(), e.Request.PathValue("transactionId"))
	if err != nil {
		return failWith(e, err)
	}
	return success(e, http.StatusOK, tx)
}

// Webhook receives a gateway callback. Everything that was recorded is
// acknowledged with 200 so the gateway stops retrying; storage failures
// answer 5xx so it retries.
func (h *PaymentHandler) Webhook(e *core.RequestEvent) error {
	body, err := io.ReadAll(io.LimitReader(e.Request.Body, maxWebhookBody))
	if err != nil {
		return badRequest(e, "unreadable body")
	}
	e.Request.Body = io.NopCloser(bytes.NewReader(body))

	ack, err := h.payments.HandleWebhook(e.Request.Context(), e.Request.PathValue("provider"), e.Request.Header, body)
	if err != nil && !(ack != nil && errors.Is(err, status.ErrUnknownTransaction)) {
		return failWith(e, err)
	}
	return success(e, http.StatusOK, ack)
}

// SimulatePayment settles a mock transaction. Development only.
func (h *PaymentHandler) SimulatePayment(e *core.RequestEvent) error {
	var req struct {
		TransactionID string          `json:"transaction_id"`
		Status        string          `json:"status"`
		Amount        decimal.Decimal `json:"amount"`
	}
	if err := e.BindBody(&req); err != nil {
		return badRequest(e, "invalid request body")
	}
	if req.TransactionID == "" {
		return badRequest(e, "transaction_id is required")
	}

	ts, err := h.payments.SimulatePayment(e.Request.Context(), req.TransactionID, req.Status, req.Amount)
	if err != nil {
		return failWith(e, err)
	}
	return success(e, http.StatusAccepted, map[string]any{
		"transaction_id": ts.TransactionID,
		"status":         ts.Status,
		"amount":         ts.Amount,
	})
}
