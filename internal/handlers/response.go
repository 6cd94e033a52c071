package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/hook"

	"ticket-engine/internal/logger"
	"ticket-engine/internal/status"
	"ticket-engine/models"
)

const (
	HeaderRequestID = "X-Request-ID"

	defaultPerPage = 20
	maxPerPage     = 100
)

// Response is the envelope every endpoint answers with.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Meta      *Meta      `json:"meta,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

type Meta struct {
	Pagination *models.Pagination `json:"pagination,omitempty"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func envelope(e *core.RequestEvent) Response {
	return Response{
		Timestamp: time.Now().UTC(),
		RequestID: logger.RequestID(e.Request.Context()),
	}
}

func success(e *core.RequestEvent, code int, data any) error {
	resp := envelope(e)
	resp.Success = true
	resp.Data = data
	return e.JSON(code, resp)
}

func list(e *core.RequestEvent, data any, p models.Pagination) error {
	resp := envelope(e)
	resp.Success = true
	resp.Data = data
	resp.Meta = &Meta{Pagination: &p}
	return e.JSON(http.StatusOK, resp)
}

func fail(e *core.RequestEvent, code int, errCode, message string) error {
	resp := envelope(e)
	resp.Error = &ErrorInfo{Code: errCode, Message: message}
	return e.JSON(code, resp)
}

// failWith maps err to its stable code. Internal errors are logged and
// reported without detail.
func failWith(e *core.RequestEvent, err error) error {
	code, httpStatus := status.Code(err)
	msg := err.Error()
	if httpStatus >= http.StatusInternalServerError {
		logger.From(e.Request.Context()).Error("request failed",
			"method", e.Request.Method, "path", e.Request.URL.Path, "error", err)
		if !errors.Is(err, status.ErrTransientStorage) {
			msg = "internal server error"
		}
	}
	return fail(e, httpStatus, code, msg)
}

func badRequest(e *core.RequestEvent, message string) error {
	return fail(e, http.StatusBadRequest, "validation_error", message)
}

// RequestID tags the request context with X-Request-ID, generating one when
// the caller did not send it, and echoes it back.
func RequestID() *hook.Handler[*core.RequestEvent] {
	return &hook.Handler[*core.RequestEvent]{
		Id: "engineRequestID",
		Func: func(e *core.RequestEvent) error {
			id := e.Request.Header.Get(HeaderRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			e.Response.Header().Set(HeaderRequestID, id)
			e.Request = e.Request.WithContext(logger.WithRequestID(e.Request.Context(), id))

			start := time.Now()
			err := e.Next()
			logger.From(e.Request.Context()).Debug("request",
				slog.String("method", e.Request.Method),
				slog.String("path", e.Request.URL.Path),
				slog.Duration("took", time.Since(start)))
			return err
		},
	}
}

func queryInt(e *core.RequestEvent, key string, def int) int {
	if v := e.Request.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			return n
		}
	}
	return def
}

func pagination(e *core.RequestEvent) (int, int) {
	return queryInt(e, "page", 1), min(queryInt(e, "per_page", defaultPerPage), maxPerPage)
}
