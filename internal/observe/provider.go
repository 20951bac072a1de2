package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig selects where telemetry goes.
type ProviderConfig struct {
	// ServiceName defaults to "liveinterview".
	ServiceName string

	ServiceVersion string

	// OTLPEndpoint is an OTLP/HTTP traces URL. Empty keeps spans in process,
	// where they still feed trace_id into the logs.
	OTLPEndpoint string

	// SpanExporter overrides OTLPEndpoint. Tests pass an in-memory exporter.
	SpanExporter sdktrace.SpanExporter
}

// InitProvider installs the global meter and tracer providers and the W3C
// trace context propagator.
//
// Metrics are collected by a Prometheus reader that shares the default
// registry, so promhttp.Handler serves them on /metrics. The returned
// function flushes pending spans and must be called before exit.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "liveinterview"
	}

	// Schemaless so the merge never conflicts with the schema the SDK's
	// default resource carries.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	exp := cfg.SpanExporter
	if exp == nil && cfg.OTLPEndpoint != "" {
		exp, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
		if err != nil {
			return nil, fmt.Errorf("observe: otlp exporter: %w", err)
		}
	}

	reader, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exp != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	// Spans first so their export is not cut short by a slow metrics flush.
	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
