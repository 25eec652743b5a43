// Package otelhelper wires OpenTelemetry tracing for norn binaries: a tracer
// provider exporting OTLP over HTTP, plus the span helpers and attribute
// keys shared by the engine.
package otelhelper

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys stamped on engine spans.
const (
	DefinitionIDKey      = "norn.definition.id"
	DefinitionNameKey    = "norn.definition.name"
	DefinitionVersionKey = "norn.definition.version"
	InstanceIDKey        = "norn.instance.id"
	ExternalIDKey        = "norn.instance.external_id"
	NodeIDKey            = "norn.node.id"
	NodeTypeKey          = "norn.node.type"
	AttemptKey           = "norn.node.attempt"
	EngineIDKey          = "norn.engine.id"
)

// Setup installs a global tracer provider exporting to the OTLP endpoint
// configured through the standard OTEL_EXPORTER_OTLP_* environment
// variables. The returned function flushes pending spans; call it on exit.
// Binaries that never call Setup leave the no-op global provider in place,
// so library spans cost nothing.
func Setup(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))

	return provider.Shutdown, nil
}

// nolint:ireturn // Returning the interface is how OpenTelemetry spans work.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
