// Package metrics abstracts instrument creation behind a Provider so the
// engine can emit to Prometheus, OpenTelemetry, or nothing, selected by
// configuration. Instruments are created once at engine construction;
// recording must be cheap and safe for concurrent use.
package metrics

// CommonOpts carries the shared naming fields for every instrument.
type CommonOpts struct {
	Namespace string
	Subsystem string
	Name      string
	Help      string
}

// CounterOpts configures a monotonically increasing counter.
type CounterOpts struct {
	CommonOpts
	Labels []string
}

// GaugeOpts configures a settable gauge.
type GaugeOpts struct {
	CommonOpts
	Labels []string
}

// HistogramOpts configures a distribution instrument. Buckets are only
// honored by backends with explicit bucketing.
type HistogramOpts struct {
	CommonOpts
	Labels  []string
	Buckets []float64
}

// Counter is a monotonically increasing value. Label values, when used,
// must match the declared label names positionally.
type Counter interface {
	Inc(labels ...string)
	Add(v float64, labels ...string)
}

// Gauge is a value that can go up and down.
type Gauge interface {
	Set(v float64, labels ...string)
}

// Histogram records observations of a distribution.
type Histogram interface {
	Observe(v float64, labels ...string)
}

// Provider creates instruments for one backend.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
}

// fqName joins the naming parts with underscores, skipping empty segments.
func fqName(c CommonOpts) string {
	out := c.Name
	if c.Subsystem != "" {
		out = c.Subsystem + "_" + out
	}
	if c.Namespace != "" {
		out = c.Namespace + "_" + out
	}
	return out
}
