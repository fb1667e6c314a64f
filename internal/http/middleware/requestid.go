package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	RequestIDHeader   = "X-Request-ID"
	RequestIDLocalKey = "request_id"

	maxRequestIDLen = 128
)

// RequestID reuses the caller's X-Request-ID when it is well formed and
// generates a UUID otherwise. The value is echoed on the response, kept in
// Locals under RequestIDLocalKey and recorded on the active server span.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(RequestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}

		c.Locals(RequestIDLocalKey, id)
		c.Set(RequestIDHeader, id)
		trace.SpanFromContext(c.UserContext()).SetAttributes(attribute.String("http.request_id", id))

		return c.Next()
	}
}

// validRequestID accepts visible ASCII only, so the id is safe to echo in
// headers and log lines.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}
