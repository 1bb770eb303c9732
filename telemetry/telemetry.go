// Package telemetry exports compile and run spans over OTLP/HTTP.
package telemetry

import (
	"context"
	"fmt"

	"github.com/colorfulnotion/bpfjit/jit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentation = "github.com/colorfulnotion/bpfjit"

// Client owns the tracer provider. A disabled client hands out spans that
// record nothing.
type Client struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	disabled bool
}

// NewNoOpClient creates a disabled client.
func NewNoOpClient() *Client {
	return &Client{
		tracer:   noop.NewTracerProvider().Tracer(instrumentation),
		disabled: true,
	}
}

// NewClient exports batches of spans to an OTLP/HTTP collector at
// endpoint (host:port, plain HTTP).
func NewClient(ctx context.Context, endpoint string) (*Client, error) {
	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter for %s: %w", endpoint, err)
	}
	return NewClientWith(sdktrace.NewBatchSpanProcessor(exp)), nil
}

// NewClientWith sends spans to sp.
func NewClientWith(sp sdktrace.SpanProcessor) *Client {
	res := resource.NewSchemaless(attribute.String("service.name", "bpfjit"))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sp),
		sdktrace.WithResource(res),
	)
	return &Client{provider: tp, tracer: tp.Tracer(instrumentation)}
}

func (c *Client) Enabled() bool {
	return !c.disabled
}

func (c *Client) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Close flushes pending spans.
func (c *Client) Close(ctx context.Context) error {
	if c.provider == nil {
		return nil
	}
	return c.provider.Shutdown(ctx)
}

// ImageAttrs describes a compiled image on a span.
func ImageAttrs(img *jit.Image) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int("jit.words", img.Words()),
		attribute.Int("jit.extable", len(img.Extable)),
		attribute.Int("jit.stack", img.Stack),
		attribute.String("jit.addr", fmt.Sprintf("%#x", img.Addr)),
	}
}

// Fail marks span as failed with err.
func Fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
