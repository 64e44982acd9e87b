package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type TracingConfig struct {
	Enabled  bool
	Endpoint string
	Service  string
}

// InitTracer installs an OTLP/HTTP tracer provider. Redis instrumentation reports to it.
// The returned function flushes and stops the provider.
func InitTracer(ctx context.Context, c TracingConfig) (func(context.Context) error, error) {
	if !c.Enabled {
		slog.InfoContext(ctx, "telemetry: tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4318"
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
	}

	service := c.Service
	if service == "" {
		service = "peerprep"
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", service))),
	)
	otel.SetTracerProvider(tp)

	slog.InfoContext(ctx, "telemetry: tracing enabled", "endpoint", endpoint)
	return tp.Shutdown, nil
}
