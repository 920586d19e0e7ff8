package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusProviderRecordsAndExposes(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusProvider(PrometheusProviderOptions{Registry: reg})

	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Namespace: "cropsteer", Subsystem: "test", Name: "shots_total", Help: "shots"}, Labels: []string{"zone"}})
	c.Inc("1")
	c.Add(2, "1")
	c.Inc("2")

	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Namespace: "cropsteer", Subsystem: "test", Name: "queue_depth", Help: "depth"}})
	g.Set(4)

	h := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Namespace: "cropsteer", Subsystem: "test", Name: "job_seconds", Help: "dur"}, Buckets: []float64{0.1, 1, 10}})
	h.Observe(0.5)

	handler := p.(*prometheusProvider).MetricsHandler()
	require.NotNil(t, handler)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "cropsteer_test_shots_total")
	assert.Contains(t, body, `zone="1"`)
	assert.Contains(t, body, "cropsteer_test_queue_depth 4")
	assert.Contains(t, body, "cropsteer_test_job_seconds_bucket")
}

func TestPrometheusLabelArityMismatchIsDropped(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "labeled_total"}, Labels: []string{"a", "b"}})
	assert.NotPanics(t, func() { c.Inc("only-one") })
}

func TestOTelProviderInstruments(t *testing.T) {
	p := NewOTelProvider(OTelProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Namespace: "cropsteer", Name: "ticks_total", Help: "ticks"}, Labels: []string{"zone"}})
	assert.NotPanics(t, func() { c.Inc("1"); c.Add(3, "2") })

	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Name: "phase"}, Labels: []string{"zone"}})
	assert.NotPanics(t, func() { g.Set(2, "1") })

	h := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Name: "dur"}, Buckets: []float64{1, 2}})
	assert.NotPanics(t, func() { h.Observe(1.5) })
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider()
	assert.NotPanics(t, func() {
		p.NewCounter(CounterOpts{}).Inc()
		p.NewGauge(GaugeOpts{}).Set(1)
		p.NewHistogram(HistogramOpts{}).Observe(1)
	})
}
