package middleware

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/trace"
)

// Logger is a middleware that logs each HTTP request as one JSON object per line on stdout.
func Logger(loc *time.Location) fiber.Handler {
	return LoggerWithWriter(os.Stdout, loc)
}

// LoggerWithWriter is Logger with a custom destination.
// Fields:
// - ts (RFC3339Nano in loc)
// - request_id (taken from context locals set by RequestID middleware)
// - method, path, status
// - latency (in milliseconds, as float)
// - trace_id when the request is sampled
func LoggerWithWriter(w io.Writer, loc *time.Location) fiber.Handler {
	if loc == nil {
		loc = time.UTC
	}
	var mu sync.Mutex
	enc := json.NewEncoder(w)

	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}
		level := "info"
		if status >= fiber.StatusInternalServerError {
			level = "error"
		}

		rid, _ := c.Locals(RequestIDLocalKey).(string)
		entry := map[string]any{
			"ts":         start.In(loc).Format(time.RFC3339Nano),
			"level":      level,
			"request_id": rid,
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     status,
			"latency":    float64(time.Since(start).Microseconds()) / 1000,
		}
		if sc := trace.SpanContextFromContext(c.UserContext()); sc.HasTraceID() {
			entry["trace_id"] = sc.TraceID().String()
		}

		mu.Lock()
		_ = enc.Encode(entry)
		mu.Unlock()

		return err
	}
}
