package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdoutmetric "go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelTelemetry implements Telemetry with OpenTelemetry tracing and metrics,
// exported via OTLP/gRPC in production or to stdout in dev mode.
type OTelTelemetry struct {
	tracer         trace.Tracer
	meter          metric.Meter
	traceProvider  *sdktrace.TracerProvider
	metricProvider *sdkmetric.MeterProvider

	counters   map[string]metric.Float64Counter
	countersMu sync.Mutex

	shutdownOnce sync.Once
}

// OTelOptions configures NewOTelTelemetry.
type OTelOptions struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string // OTLP/gRPC collector endpoint, e.g. "localhost:4317"
	DevMode        bool   // when true, exports traces/metrics to stdout instead of a collector
}

// NewOTelTelemetry wires up an OTLP/gRPC trace and metric pipeline. In
// DevMode it swaps the exporters for stdout ones so a developer without a
// collector running still sees span/metric output.
func NewOTelTelemetry(ctx context.Context, opts OTelOptions) (*OTelTelemetry, error) {
	if opts.ServiceName == "" {
		return nil, fmt.Errorf("service name is required: %w", ErrInvalidConfiguration)
	}
	if opts.ServiceVersion == "" {
		opts.ServiceVersion = "1.0.0"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(opts.ServiceName),
		semconv.ServiceVersionKey.String(opts.ServiceVersion),
	)

	traceProvider, err := newTraceProvider(ctx, res, opts)
	if err != nil {
		return nil, fmt.Errorf("trace provider: %w", err)
	}

	metricProvider, err := newMetricProvider(ctx, res, opts)
	if err != nil {
		_ = traceProvider.Shutdown(ctx)
		return nil, fmt.Errorf("metric provider: %w", err)
	}

	return &OTelTelemetry{
		tracer:         traceProvider.Tracer(opts.ServiceName),
		meter:          metricProvider.Meter(opts.ServiceName),
		traceProvider:  traceProvider,
		metricProvider: metricProvider,
		counters:       make(map[string]metric.Float64Counter),
	}, nil
}

func newTraceProvider(ctx context.Context, res *resource.Resource, opts OTelOptions) (*sdktrace.TracerProvider, error) {
	if opts.DevMode {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		return sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		), nil
	}

	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

func newMetricProvider(ctx context.Context, res *resource.Resource, opts OTelOptions) (*sdkmetric.MeterProvider, error) {
	if opts.DevMode {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))),
			sdkmetric.WithResource(res),
		), nil
	}

	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	exp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	), nil
}

func (t *OTelTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	spanCtx, span := t.tracer.Start(ctx, name)
	return spanCtx, &otelSpan{span: span}
}

func (t *OTelTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	counter := t.counterFor(name)
	if counter == nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrs...))
}

func (t *OTelTelemetry) counterFor(name string) metric.Float64Counter {
	t.countersMu.Lock()
	defer t.countersMu.Unlock()

	if c, ok := t.counters[name]; ok {
		return c
	}
	c, err := t.meter.Float64Counter(name)
	if err != nil {
		return nil
	}
	t.counters[name] = c
	return c
}

// Shutdown flushes and closes the trace/metric pipelines. Safe to call more
// than once.
func (t *OTelTelemetry) Shutdown(ctx context.Context) error {
	var err error
	t.shutdownOnce.Do(func() {
		if tErr := t.traceProvider.Shutdown(ctx); tErr != nil {
			err = tErr
		}
		if mErr := t.metricProvider.Shutdown(ctx); mErr != nil && err == nil {
			err = mErr
		}
	})
	return err
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", value)))
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
