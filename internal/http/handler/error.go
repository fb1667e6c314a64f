package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"kbapi/internal/http/middleware"
	"kbapi/internal/service"
)

// errorPayload defines the standardized error response body.
type errorPayload struct {
	RequestID string        `json:"request_id"`
	Error     errorEnvelope `json:"error"`
}

type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// requestIDFromCtx extracts request_id previously stored by middleware.RequestID.
func requestIDFromCtx(c *fiber.Ctx) string {
	if v := c.Locals(middleware.RequestIDLocalKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// writeError writes a standardized JSON error response without leaking internal errors.
//
// Parameters:
// - status: HTTP status code to return
// - code: machine-readable short error code (e.g., "INVALID_ID", "NOT_FOUND", "INTERNAL_ERROR")
// - message: human-readable safe message (no internal details)
func writeError(c *fiber.Ctx, status int, code, message string) error {
	res := errorPayload{
		RequestID: requestIDFromCtx(c),
		Error: errorEnvelope{
			Code:    code,
			Message: message,
		},
	}
	return c.Status(status).JSON(res)
}

// writeServiceError maps pipeline errors onto the error envelope. Infrastructure
// errors carry their remediation text, which is safe to show to operators.
func writeServiceError(c *fiber.Ctx, err error) error {
	var ie *service.InfrastructureError
	switch {
	case errors.As(err, &ie) && errors.Is(ie.Kind, service.ErrPermissionDenied):
		return writeError(c, fiber.StatusForbidden, "PERMISSION_DENIED", ie.Remediation)
	case errors.As(err, &ie):
		return writeError(c, fiber.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", ie.Remediation)
	case errors.Is(err, service.ErrNotFound):
		return writeError(c, fiber.StatusNotFound, "NOT_FOUND", "document not found")
	case errors.Is(err, service.ErrIDRequired):
		return writeError(c, fiber.StatusBadRequest, "INVALID_ID", "id is required")
	case errors.Is(err, service.ErrNoDocuments):
		return writeError(c, fiber.StatusBadRequest, "FILE_REQUIRED", "at least one file is required")
	case errors.Is(err, service.ErrTooManyFiles):
		return writeError(c, fiber.StatusBadRequest, "TOO_MANY_FILES", err.Error())
	default:
		return writeError(c, fiber.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// ErrorHandler returns a Fiber global error handler that standardizes error responses.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			status = e.Code
		}

		switch status {
		case fiber.StatusBadRequest:
			return writeError(c, status, "BAD_REQUEST", "bad request")
		case fiber.StatusNotFound:
			return writeError(c, status, "NOT_FOUND", "resource not found")
		case fiber.StatusMethodNotAllowed:
			return writeError(c, status, "METHOD_NOT_ALLOWED", "method not allowed")
		case fiber.StatusRequestEntityTooLarge:
			return writeError(c, status, "PAYLOAD_TOO_LARGE", "request body too large")
		default:
			return writeError(c, status, "INTERNAL_ERROR", "internal server error")
		}
	}
}
