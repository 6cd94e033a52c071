package status

import (
	"errors"
	"net/http"
)

var (
	ErrOutOfStock          = errors.New("ledger: out of stock")
	ErrInvalidTransition   = errors.New("order: invalid transition")
	ErrNotFound            = errors.New("record not found")
	ErrUnknownTransaction  = errors.New("payment: unknown transaction")
	ErrInvalidAccessCode   = errors.New("gate: invalid access code")
	ErrGateLoginRequired   = errors.New("gate: device login required")
	ErrTransientStorage    = errors.New("storage: transient failure")
	ErrValidation          = errors.New("validation failed")
	ErrInvalidSignature    = errors.New("payment: invalid signature")
	ErrUnsupportedProvider = errors.New("payment: unsupported provider")
	ErrFailedPayment       = errors.New("payment: payment failed")
)

// Code is the stable machine-readable code for err and the HTTP status it
// maps to. Unrecognised errors are internal.
func Code(err error) (string, int) {
	switch {
	case errors.Is(err, ErrOutOfStock):
		return "out_of_stock", http.StatusConflict
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition", http.StatusConflict
	case errors.Is(err, ErrNotFound):
		return "not_found", http.StatusNotFound
	case errors.Is(err, ErrUnknownTransaction):
		return "unknown_transaction", http.StatusNotFound
	case errors.Is(err, ErrInvalidAccessCode):
		return "invalid_access_code", http.StatusUnauthorized
	case errors.Is(err, ErrGateLoginRequired):
		return "gate_login_required", http.StatusUnauthorized
	case errors.Is(err, ErrValidation):
		return "validation_error", http.StatusBadRequest
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature", http.StatusUnauthorized
	case errors.Is(err, ErrUnsupportedProvider):
		return "unsupported_provider", http.StatusBadRequest
	case errors.Is(err, ErrFailedPayment):
		return "payment_failed", http.StatusBadGateway
	case errors.Is(err, ErrTransientStorage):
		return "unavailable", http.StatusServiceUnavailable
	}
	return "internal_error", http.StatusInternalServerError
}
