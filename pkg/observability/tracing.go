package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
	Endpoint    string `mapstructure:"endpoint"`
}

// Span is the minimal tracing span surface components depend on.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
	SetStatus(ok bool, description string)
}

// StartSpanFunc starts a span; injected into repositories and services so
// they stay decoupled from the otel globals.
type StartSpanFunc func(ctx context.Context, name string) (context.Context, Span)

type otelSpan struct {
	span trace.Span
}

func (o *otelSpan) End() { o.span.End() }

func (o *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		o.span.SetAttributes(attribute.String(key, v))
	case int:
		o.span.SetAttributes(attribute.Int(key, v))
	case int64:
		o.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		o.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		o.span.SetAttributes(attribute.Bool(key, v))
	default:
		o.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (o *otelSpan) RecordError(err error) { o.span.RecordError(err) }

func (o *otelSpan) SetStatus(ok bool, description string) {
	if ok {
		o.span.SetStatus(codes.Ok, description)
		return
	}
	o.span.SetStatus(codes.Error, description)
}

// StartSpan starts a span from the globally registered tracer.
func StartSpan(ctx context.Context, name string) (context.Context, Span) {
	ctx, s := tracer().Start(ctx, name)
	return ctx, &otelSpan{span: s}
}

type noopSpan struct{}

func (noopSpan) End()                            {}
func (noopSpan) SetAttribute(string, interface{}) {}
func (noopSpan) RecordError(error)               {}
func (noopSpan) SetStatus(bool, string)          {}

// NoopStartSpan satisfies StartSpanFunc without recording anything.
func NoopStartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}

var globalTracer trace.Tracer

func tracer() trace.Tracer {
	if globalTracer == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return globalTracer
}

// InitTracing wires the OTLP gRPC exporter and registers the global
// tracer provider. The returned function flushes and shuts the provider
// down; call it on process exit.
func InitTracing(cfg TracingConfig) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "taskmill"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	globalTracer = otel.Tracer(cfg.ServiceName)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			fmt.Printf("error shutting down tracer provider: %v\n", err)
		}
	}, nil
}
