package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelProviderOptions configures the OpenTelemetry backend.
type OTelProviderOptions struct {
	// MeterProvider supplies the meter. Nil builds a default SDK provider
	// with no reader; exporters are an integrator concern.
	MeterProvider metric.MeterProvider
}

type otelProvider struct {
	meter metric.Meter
}

// NewOTelProvider returns a Provider backed by an OpenTelemetry meter.
func NewOTelProvider(opts OTelProviderOptions) Provider {
	mp := opts.MeterProvider
	if mp == nil {
		mp = sdkmetric.NewMeterProvider()
	}
	return &otelProvider{meter: mp.Meter("cropsteer/engine")}
}

func attrs(keys, values []string) []attribute.KeyValue {
	n := len(keys)
	if len(values) < n {
		n = len(values)
	}
	out := make([]attribute.KeyValue, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, attribute.String(keys[i], values[i]))
	}
	return out
}

func (p *otelProvider) NewCounter(opts CounterOpts) Counter {
	c, err := p.meter.Float64Counter(fqName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopCounter{}
	}
	return otelCounter{c: c, keys: opts.Labels}
}

func (p *otelProvider) NewGauge(opts GaugeOpts) Gauge {
	g, err := p.meter.Float64Gauge(fqName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopGauge{}
	}
	return otelGauge{g: g, keys: opts.Labels}
}

func (p *otelProvider) NewHistogram(opts HistogramOpts) Histogram {
	instOpts := []metric.Float64HistogramOption{metric.WithDescription(opts.Help)}
	if len(opts.Buckets) > 0 {
		instOpts = append(instOpts, metric.WithExplicitBucketBoundaries(opts.Buckets...))
	}
	h, err := p.meter.Float64Histogram(fqName(opts.CommonOpts), instOpts...)
	if err != nil {
		return noopHistogram{}
	}
	return otelHistogram{h: h, keys: opts.Labels}
}

type otelCounter struct {
	c    metric.Float64Counter
	keys []string
}

func (c otelCounter) Inc(labels ...string) { c.Add(1, labels...) }

func (c otelCounter) Add(v float64, labels ...string) {
	c.c.Add(context.Background(), v, metric.WithAttributes(attrs(c.keys, labels)...))
}

type otelGauge struct {
	g    metric.Float64Gauge
	keys []string
}

func (g otelGauge) Set(v float64, labels ...string) {
	g.g.Record(context.Background(), v, metric.WithAttributes(attrs(g.keys, labels)...))
}

type otelHistogram struct {
	h    metric.Float64Histogram
	keys []string
}

func (h otelHistogram) Observe(v float64, labels ...string) {
	h.h.Record(context.Background(), v, metric.WithAttributes(attrs(h.keys, labels)...))
}
