// Package obs wires ambient OpenTelemetry tracing around the worker's hot
// path (pollOnce, drainInboundQueue, RPC prompt execution), grounded on the
// teacher's internal/agent/loop_tracing.go span-per-operation shape but
// built on the real go.opentelemetry.io/otel SDK rather than the teacher's
// bespoke store.SpanData — since this bridge doesn't have a Postgres trace
// store, and go.mod already carries otel/sdk. Carried as an ambient
// concern per SPEC_FULL.md even though "metrics dashboards" are a
// spec.md Non-goal.
package obs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "rho-telegram-bridge"

// Shutdown flushes and stops the provider installed by Setup.
type Shutdown func(context.Context) error

// Setup installs a global TracerProvider. With otlpEndpoint empty it installs
// a provider with no exporter (spans are created and discarded), so callers
// never need to branch on whether tracing is enabled. With otlpEndpoint set
// it exports via OTLP/HTTP, matching the teacher's telemetry bootstrap.
func Setup(ctx context.Context, otlpEndpoint string) (Shutdown, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(tracerName),
	))
	if err != nil {
		return nil, fmt.Errorf("obs: build resource: %w", err)
	}

	var opts []sdktrace.TracerProviderOption
	opts = append(opts, sdktrace.WithResource(res))

	if otlpEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(otlpEndpoint))
		if err != nil {
			return nil, fmt.Errorf("obs: build otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartSpan begins a span named name under the package tracer, returning the
// derived context and an end func that records err (if any) before ending
// the span. Callers use it as:
//
//	ctx, end := obs.StartSpan(ctx, "pollOnce")
//	defer func() { end(err) }()
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	tracer := otel.Tracer(tracerName)
	spanCtx, span := tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	start := time.Now()
	return spanCtx, func(err error) {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
