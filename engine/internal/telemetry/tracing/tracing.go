// Package tracing wraps OpenTelemetry span creation for hardware jobs. The
// sample percentage is consulted at span start so runtime policy changes
// take effect without rebuilding the tracer. No exporter is installed here;
// embedding applications attach their own via the global SDK if desired.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Tracer starts spans for engine operations.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)
}

type adaptiveTracer struct {
	tracer trace.Tracer
}

// NewAdaptiveTracer builds a Tracer whose sampling ratio is read from sample
// on every trace start. sample returns a percentage in [0,100]; out-of-range
// values are clamped.
func NewAdaptiveTracer(sample func() float64) Tracer {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(&dynamicSampler{pct: sample}))
	return &adaptiveTracer{tracer: tp.Tracer("cropsteer/engine")}
}

func (t *adaptiveTracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

type dynamicSampler struct {
	pct func() float64
}

func (s *dynamicSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	pct := 100.0
	if s.pct != nil {
		pct = s.pct()
	}
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	return sdktrace.TraceIDRatioBased(pct / 100).ShouldSample(p)
}

func (s *dynamicSampler) Description() string {
	return fmt.Sprintf("DynamicTraceIDRatio{%p}", s.pct)
}

// NewNoopTracer returns a Tracer that records nothing.
func NewNoopTracer() Tracer {
	return &adaptiveTracer{tracer: tracenoop.NewTracerProvider().Tracer("noop")}
}
