// Package observability sets up the process-wide tracer provider.
package observability

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type Config struct {
	ServiceName string
	// Stdout, when set, receives every finished span as pretty JSON.
	Stdout io.Writer
	// Exporters receive finished spans next to Stdout.
	Exporters []sdktrace.SpanExporter
	// Sync exports spans as they end instead of in batches.
	Sync bool
}

// InitTracer builds a tracer provider and installs it, together with the
// W3C trace context and baggage propagators, as the global default. The
// returned function flushes and stops it.
func InitTracer(cfg Config) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	exporters := cfg.Exporters
	if cfg.Stdout != nil {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Stdout), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("observability: stdout exporter: %w", err)
		}
		exporters = append([]sdktrace.SpanExporter{exporter}, exporters...)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewWithAttributes(
			"", // schema URL
			attribute.String("service.name", cfg.ServiceName),
		)),
	}
	for _, e := range exporters {
		if cfg.Sync {
			opts = append(opts, sdktrace.WithSyncer(e))
		} else {
			opts = append(opts, sdktrace.WithBatcher(e))
		}
	}
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, tp.Shutdown, nil
}
