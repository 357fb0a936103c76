// Package tracing wires argosd into an OpenTelemetry collector.
//
// Spans are exported over OTLP/gRPC with parent-based ratio sampling.
// When tracing is disabled Init installs nothing and returns a no-op
// closer, so callers never need to branch on configuration.
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

const (
	// tracerName identifies spans produced by this process.
	tracerName = "argosd"

	// dialTimeout bounds the blocking dial to the collector.
	dialTimeout = 5 * time.Second
)

// Config controls span export.
type Config struct {
	// Enabled determines whether spans are exported at all.
	Enabled bool

	// ServiceName is reported as the OTel service.name resource.
	ServiceName string

	// Endpoint is the OTLP gRPC collector address (host:port).
	Endpoint string

	// SampleRatio is the fraction of root traces to sample, in [0, 1].
	SampleRatio float64

	// Node labels every span with the reporting host.
	Node string
}

// Closer flushes and shuts down the tracer provider.
type Closer func(context.Context) error

// Init installs the global tracer provider and returns its closer.
//
// The dial to the collector blocks so that a misconfigured endpoint
// surfaces at startup instead of as silently dropped spans.
func Init(ctx context.Context, cfg Config) (Closer, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = tracerName
	}
	ratio := cfg.SampleRatio
	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	exp, err := otlptracegrpc.New(dialCtx,
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithBlock()),
	)
	if err != nil {
		return nil, err
	}

	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	}
	if cfg.Node != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.HostName(cfg.Node)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithBatchTimeout(time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

// Start begins a span on the global tracer.
//
// Before Init, or when tracing is disabled, the returned span is the
// OTel no-op implementation and costs nothing to end.
func Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// RecordError marks the span in ctx as failed if err is non-nil.
func RecordError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
}
