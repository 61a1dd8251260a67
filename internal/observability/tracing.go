package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/haasonsaas/nexus-core"

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	// Enabled turns span export on. When false, InitTracing is a no-op and
	// spans are no-op spans.
	Enabled bool

	// Endpoint is the OTLP gRPC collector endpoint (host:port).
	Endpoint string

	// ServiceName overrides the reported service name.
	ServiceName string
}

// InitTracing installs a global tracer provider exporting to an OTLP gRPC
// collector. The returned shutdown function flushes pending spans.
func InitTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "nexus-core"
	}

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	))
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// StartTurnSpan opens a span for one agent turn.
func StartTurnSpan(ctx context.Context, projectID, sessionID, traceID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.turn",
		trace.WithAttributes(
			attribute.String("nexus.project_id", projectID),
			attribute.String("nexus.session_id", sessionID),
			attribute.String("nexus.trace_id", traceID),
		))
}

// StartToolSpan opens a span for one tool execution.
func StartToolSpan(ctx context.Context, toolID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.tool",
		trace.WithAttributes(attribute.String("nexus.tool_id", toolID)))
}
