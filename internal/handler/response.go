package handler

import (
	"context"
	"errors"
	"net/http"

	"gowa-gateway/internal/queue"
	"gowa-gateway/internal/service"

	"github.com/labstack/echo/v4"
)

// Response is the envelope every JSON route answers with.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func SuccessResponse(c echo.Context, status int, message string, data interface{}) error {
	return c.JSON(status, Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

func ErrorResponse(c echo.Context, status int, message, code, details string) error {
	return c.JSON(status, Response{
		Success: false,
		Message: message,
		Error: &ErrorInfo{
			Code:    code,
			Details: details,
		},
	})
}

// serviceError maps manager errors to HTTP responses.
func serviceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidID):
		return ErrorResponse(c, http.StatusBadRequest, "Invalid session id", "INVALID_SESSION_ID", err.Error())
	case errors.Is(err, service.ErrSessionNotFound):
		return ErrorResponse(c, http.StatusNotFound, "Session not found", "SESSION_NOT_FOUND", "")
	case errors.Is(err, service.ErrForbidden):
		return ErrorResponse(c, http.StatusForbidden, "Session belongs to another tenant", "FORBIDDEN", "")
	case errors.Is(err, service.ErrNotConnected), errors.Is(err, queue.ErrClosed):
		return ErrorResponse(c, http.StatusConflict, "Session is not connected", "NOT_CONNECTED", "Please scan the QR code or wait for the reconnect")
	case errors.Is(err, service.ErrShuttingDown):
		return ErrorResponse(c, http.StatusServiceUnavailable, "Gateway is shutting down", "SHUTTING_DOWN", "")
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorResponse(c, http.StatusGatewayTimeout, "Operation timed out", "TIMEOUT", err.Error())
	}
	return ErrorResponse(c, http.StatusInternalServerError, "Internal server error", "INTERNAL_ERROR", err.Error())
}

// HTTPErrorHandler renders echo errors (404 routes, bind failures, panics)
// in the same envelope.
func HTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	message := "Internal Server Error"

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(code)
		}
	}

	errCode := "INTERNAL_ERROR"
	switch code {
	case http.StatusNotFound:
		message = "Endpoint not found"
		errCode = "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		message = "Method not allowed for this endpoint"
		errCode = "METHOD_NOT_ALLOWED"
	case http.StatusRequestEntityTooLarge:
		errCode = "PAYLOAD_TOO_LARGE"
	case http.StatusBadRequest:
		errCode = "INVALID_REQUEST"
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = ErrorResponse(c, code, message, errCode, "")
}
