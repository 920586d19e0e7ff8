package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusProviderOptions configures the Prometheus backend.
type PrometheusProviderOptions struct {
	// Registry receives all instruments. Nil builds a private registry.
	Registry *prometheus.Registry
}

type prometheusProvider struct {
	reg *prometheus.Registry
}

// NewPrometheusProvider returns a Provider backed by a Prometheus registry.
func NewPrometheusProvider(opts PrometheusProviderOptions) Provider {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &prometheusProvider{reg: reg}
}

// MetricsHandler exposes the registry for HTTP scraping. Discovered via
// interface assertion by the facade; other backends simply lack it.
func (p *prometheusProvider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

func (p *prometheusProvider) NewCounter(opts CounterOpts) Counter {
	po := prometheus.CounterOpts{
		Namespace: opts.Namespace,
		Subsystem: opts.Subsystem,
		Name:      opts.Name,
		Help:      opts.Help,
	}
	if len(opts.Labels) == 0 {
		c := prometheus.NewCounter(po)
		p.reg.MustRegister(c)
		return promCounter{c: c}
	}
	vec := prometheus.NewCounterVec(po, opts.Labels)
	p.reg.MustRegister(vec)
	return promCounter{vec: vec, arity: len(opts.Labels)}
}

func (p *prometheusProvider) NewGauge(opts GaugeOpts) Gauge {
	po := prometheus.GaugeOpts{
		Namespace: opts.Namespace,
		Subsystem: opts.Subsystem,
		Name:      opts.Name,
		Help:      opts.Help,
	}
	if len(opts.Labels) == 0 {
		g := prometheus.NewGauge(po)
		p.reg.MustRegister(g)
		return promGauge{g: g}
	}
	vec := prometheus.NewGaugeVec(po, opts.Labels)
	p.reg.MustRegister(vec)
	return promGauge{vec: vec, arity: len(opts.Labels)}
}

func (p *prometheusProvider) NewHistogram(opts HistogramOpts) Histogram {
	po := prometheus.HistogramOpts{
		Namespace: opts.Namespace,
		Subsystem: opts.Subsystem,
		Name:      opts.Name,
		Help:      opts.Help,
		Buckets:   opts.Buckets,
	}
	if len(po.Buckets) == 0 {
		po.Buckets = prometheus.DefBuckets
	}
	if len(opts.Labels) == 0 {
		h := prometheus.NewHistogram(po)
		p.reg.MustRegister(h)
		return promHistogram{h: h}
	}
	vec := prometheus.NewHistogramVec(po, opts.Labels)
	p.reg.MustRegister(vec)
	return promHistogram{vec: vec, arity: len(opts.Labels)}
}

type promCounter struct {
	c     prometheus.Counter
	vec   *prometheus.CounterVec
	arity int
}

func (c promCounter) Inc(labels ...string) { c.Add(1, labels...) }

func (c promCounter) Add(v float64, labels ...string) {
	if c.vec != nil {
		if len(labels) != c.arity {
			return // arity mismatch: drop rather than panic in the hot path
		}
		c.vec.WithLabelValues(labels...).Add(v)
		return
	}
	c.c.Add(v)
}

type promGauge struct {
	g     prometheus.Gauge
	vec   *prometheus.GaugeVec
	arity int
}

func (g promGauge) Set(v float64, labels ...string) {
	if g.vec != nil {
		if len(labels) != g.arity {
			return
		}
		g.vec.WithLabelValues(labels...).Set(v)
		return
	}
	g.g.Set(v)
}

type promHistogram struct {
	h     prometheus.Histogram
	vec   *prometheus.HistogramVec
	arity int
}

func (h promHistogram) Observe(v float64, labels ...string) {
	if h.vec != nil {
		if len(labels) != h.arity {
			return
		}
		h.vec.WithLabelValues(labels...).Observe(v)
		return
	}
	h.h.Observe(v)
}
