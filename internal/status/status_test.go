package status

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode_WrappedErrors(t *testing.T) {
	tests := []struct {
		err      error
		code     string
		httpCode int
	}{
		{fmt.Errorf("reserve cat-1: %w", ErrOutOfStock), "out_of_stock", http.StatusConflict},
		{fmt.Errorf("apply: %w", ErrInvalidTransition), "invalid_transition", http.StatusConflict},
		{fmt.Errorf("order o-1: %w", ErrNotFound), "not_found", http.StatusNotFound},
		{fmt.Errorf("buyer: %w", ErrValidation), "validation_error", http.StatusBadRequest},
		{fmt.Errorf("ldb: %w", ErrInvalidSignature), "invalid_signature", http.StatusUnauthorized},
		{fmt.Errorf("gate g-1: %w", ErrGateLoginRequired), "gate_login_required", http.StatusUnauthorized},
		{fmt.Errorf("gate g-1: %w", ErrInvalidAccessCode), "invalid_access_code", http.StatusUnauthorized},
		{fmt.Errorf("insert: %w", ErrTransientStorage), "unavailable", http.StatusServiceUnavailable},
		{errors.New("boom"), "internal_error", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		code, httpCode := Code(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
		assert.Equal(t, tt.httpCode, httpCode, tt.err.Error())
	}
}
