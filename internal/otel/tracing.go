// Package otel wires the OpenTelemetry tracer provider used by the HTTP layer,
// the instrumented SQL driver and the ingestion pipeline spans.
package otel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const defaultServiceName = "kbapi"

// ShutdownFunc flushes pending spans.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Init installs the global tracer provider with an OTLP exporter.
// OTEL_SDK_DISABLED=true or an unusable exporter leaves the noop provider in place.
func Init(ctx context.Context, loc *time.Location) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if os.Getenv("OTEL_SDK_DISABLED") == "true" {
		logJSON(loc, "info", map[string]any{"msg": "tracing_configured", "tracing_enabled": false})
		return noopShutdown, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(getEnv("OTEL_SERVICE_NAME", defaultServiceName)),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	protocol := getEnv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	exporter, err := newExporter(ctx, protocol)
	if err != nil {
		// Degrade gracefully: keep the noop tracer provider.
		logJSON(loc, "error", map[string]any{"msg": "tracing_init_failed", "error": err.Error()})
		return noopShutdown, nil
	}

	samplerType := getEnv("OTEL_TRACES_SAMPLER", "parentbased_traceidratio")
	samplerArg := getEnv("OTEL_TRACES_SAMPLER_ARG", "1.0")

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(sampler(samplerType, samplerArg)),
	)
	otel.SetTracerProvider(tp)

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	logJSON(loc, "info", map[string]any{
		"msg":             "tracing_configured",
		"tracing_enabled": true,
		"otlp_protocol":   protocol,
		"otlp_endpoint":   endpoint,
		"sampler":         samplerType,
		"sampler_arg":     samplerArg,
	})

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, protocol string) (*otlptrace.Exporter, error) {
	switch protocol {
	case "grpc":
		return otlptracegrpc.New(ctx)
	case "http/protobuf":
		return otlptracehttp.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s", protocol)
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

// sampler maps the OTEL_TRACES_SAMPLER names onto SDK samplers.
// Unknown names sample everything under the parent's decision.
func sampler(name, arg string) trace.Sampler {
	ratio, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		ratio = 1.0
	}

	switch name {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	case "parentbased_always_off":
		return trace.ParentBased(trace.NeverSample())
	case "parentbased_traceidratio":
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	default:
		return trace.ParentBased(trace.AlwaysSample())
	}
}

func logJSON(loc *time.Location, level string, entry map[string]any) {
	if loc == nil {
		loc = time.UTC
	}
	entry["ts"] = time.Now().In(loc).Format(time.RFC3339Nano)
	entry["level"] = level
	entry["component"] = "tracing"
	if b, err := json.Marshal(entry); err == nil {
		log.SetFlags(0)
		log.Println(string(b))
	}
}
