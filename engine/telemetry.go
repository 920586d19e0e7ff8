package engine

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"cropsteer/engine/bridge"
	"cropsteer/engine/internal/telemetry/events"
	"cropsteer/engine/internal/telemetry/health"
	"cropsteer/engine/internal/telemetry/metrics"
	"cropsteer/engine/internal/telemetry/policy"
	"cropsteer/engine/models"
)

// Event is the engine's event record as exposed to API consumers.
type Event = events.Event

// Health vocabulary re-exported for consumers outside the internal tree.
type (
	HealthStatus   = health.Status
	HealthSnapshot = health.Snapshot
	ProbeResult    = health.ProbeResult
)

const (
	StatusHealthy   = health.StatusHealthy
	StatusDegraded  = health.StatusDegraded
	StatusUnhealthy = health.StatusUnhealthy
	StatusUnknown   = health.StatusUnknown
)

// Telemetry policy types re-exported for runtime adjustment via the API.
type (
	TelemetryPolicy = policy.TelemetryPolicy
	HealthPolicy    = policy.HealthPolicy
	TracingPolicy   = policy.TracingPolicy
	EventBusPolicy  = policy.EventBusPolicy
)

// DefaultTelemetryPolicy returns the normalized default policy.
func DefaultTelemetryPolicy() TelemetryPolicy { return policy.Default() }

// instruments bundles every metric the engine records. All are created once
// at construction; recording is lock-free.
type instruments struct {
	ticks        metrics.Counter
	tickDuration metrics.Histogram

	zonePhase      metrics.Gauge
	zoneVWC        metrics.Gauge
	zoneEC         metrics.Gauge
	zoneDryback    metrics.Gauge
	zoneConfidence metrics.Gauge
	zoneUnsafe     metrics.Gauge
	zoneDailyUse   metrics.Gauge

	transitions metrics.Counter
	shots       metrics.Counter
	shotVolume  metrics.Counter
	skips       metrics.Counter
	emergencies metrics.Counter
	outliers    metrics.Counter

	queueDepth  metrics.Gauge
	jobDuration metrics.Histogram

	snapshotDuration metrics.Histogram
	snapshotFailures metrics.Counter

	bridgeDropped metrics.Counter
	bridgeFailed  metrics.Counter

	events metrics.Counter
}

func newInstruments(p metrics.Provider) *instruments {
	c := func(sub, name, help string) metrics.CommonOpts {
		return metrics.CommonOpts{Namespace: "cropsteer", Subsystem: sub, Name: name, Help: help}
	}
	return &instruments{
		ticks: p.NewCounter(metrics.CounterOpts{
			CommonOpts: c("engine", "ticks_total", "Control loop ticks executed."),
		}),
		tickDuration: p.NewHistogram(metrics.HistogramOpts{
			CommonOpts: c("engine", "tick_duration_seconds", "Control loop tick latency."),
			Buckets:    []float64{0.001, 0.005, 0.025, 0.1, 0.5, 2},
		}),
		zonePhase: p.NewGauge(metrics.GaugeOpts{
			CommonOpts: c("zone", "phase", "Current phase ordinal (0=P0 .. 3=P3)."),
			Labels:     []string{"zone"},
		}),
		zoneVWC: p.NewGauge(metrics.GaugeOpts{
			CommonOpts: c("zone", "vwc_percent", "Fused volumetric water content."),
			Labels:     []string{"zone"},
		}),
		zoneEC: p.NewGauge(metrics.GaugeOpts{
			CommonOpts: c("zone", "ec", "Fused substrate EC in mS/cm."),
			Labels:     []string{"zone"},
		}),
		zoneDryback: p.NewGauge(metrics.GaugeOpts{
			CommonOpts: c("zone", "dryback_percent", "Dryback from the running VWC peak."),
			Labels:     []string{"zone"},
		}),
		zoneConfidence: p.NewGauge(metrics.GaugeOpts{
			CommonOpts: c("zone", "sensor_confidence", "Fusion confidence 0..1."),
			Labels:     []string{"zone"},
		}),
		zoneUnsafe: p.NewGauge(metrics.GaugeOpts{
			CommonOpts: c("zone", "unsafe", "1 when the zone is latched unsafe."),
			Labels:     []string{"zone"},
		}),
		zoneDailyUse: p.NewGauge(metrics.GaugeOpts{
			CommonOpts: c("zone", "daily_usage_ml", "Water delivered since the daily reset."),
			Labels:     []string{"zone"},
		}),
		transitions: p.NewCounter(metrics.CounterOpts{
			CommonOpts: c("phase", "transitions_total", "Phase transitions committed."),
			Labels:     []string{"zone", "from", "to"},
		}),
		shots: p.NewCounter(metrics.CounterOpts{
			CommonOpts: c("irrigation", "shots_total", "Irrigation shots completed."),
			Labels:     []string{"zone", "type"},
		}),
		shotVolume: p.NewCounter(metrics.CounterOpts{
			CommonOpts: c("irrigation", "volume_ml_total", "Water volume delivered."),
			Labels:     []string{"zone"},
		}),
		skips: p.NewCounter(metrics.CounterOpts{
			CommonOpts: c("irrigation", "skips_total", "Irrigation decisions vetoed."),
			Labels:     []string{"zone", "reason"},
		}),
		emergencies: p.NewCounter(metrics.CounterOpts{
			CommonOpts: c("irrigation", "emergency_total", "Emergency rehydration shots."),
			Labels:     []string{"zone"},
		}),
		outliers: p.NewCounter(metrics.CounterOpts{
			CommonOpts: c("fusion", "outliers_total", "Sensor samples rejected by the IQR fence."),
			Labels:     []string{"zone", "kind"},
		}),
		queueDepth: p.NewGauge(metrics.GaugeOpts{
			CommonOpts: c("sequencer", "queue_depth", "Jobs waiting for hardware."),
		}),
		jobDuration: p.NewHistogram(metrics.HistogramOpts{
			CommonOpts: c("sequencer", "job_duration_seconds", "Hardware job wall time."),
			Labels:     []string{"type"},
			Buckets:    []float64{1, 5, 15, 60, 120, 300, 600},
		}),
		snapshotDuration: p.NewHistogram(metrics.HistogramOpts{
			CommonOpts: c("persist", "snapshot_duration_seconds", "State snapshot write latency."),
			Buckets:    []float64{0.001, 0.01, 0.1, 1, 10},
		}),
		snapshotFailures: p.NewCounter(metrics.CounterOpts{
			CommonOpts: c("persist", "failures_total", "State snapshot writes that failed."),
		}),
		bridgeDropped: p.NewCounter(metrics.CounterOpts{
			CommonOpts: c("bridge", "dropped_writes_total", "Writes shed from the bridge queue."),
		}),
		bridgeFailed: p.NewCounter(metrics.CounterOpts{
			CommonOpts: c("bridge", "failed_writes_total", "Writes abandoned after retries."),
		}),
		events: p.NewCounter(metrics.CounterOpts{
			CommonOpts: c("", "events_total", "Engine events emitted."),
			Labels:     []string{"category", "type"},
		}),
	}
}

func phaseOrdinal(p models.Phase) float64 {
	switch p {
	case models.PhaseP1RampUp:
		return 1
	case models.PhaseP2Maintenance:
		return 2
	case models.PhaseP3PreDark:
		return 3
	default:
		return 0
	}
}

// eventRing retains the most recent events for the API and inspect command.
type eventRing struct {
	mu   sync.Mutex
	buf  []events.Event
	next int
	n    int
}

func newEventRing(size int) *eventRing {
	if size <= 0 {
		size = policy.Default().EventBus.RingSize
	}
	return &eventRing{buf: make([]events.Event, size)}
}

func (r *eventRing) capacity() int { return len(r.buf) }

func (r *eventRing) Add(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// Recent returns up to limit events, newest first. limit <= 0 means all
// retained.
func (r *eventRing) Recent(limit int) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > r.n {
		limit = r.n
	}
	out := make([]events.Event, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.next - 1 - i + 2*len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// emit stamps and fans one event out: internal bus, the retained ring, the
// events counter, and the host event bus as cropsteer_<type>.
func (e *Engine) emit(ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = e.clock.Now()
	}
	_ = e.bus.Publish(ev)

	e.telMu.RLock()
	ring := e.ring
	e.telMu.RUnlock()
	ring.Add(ev)
	e.inst.events.Inc(ev.Category, ev.Type)

	payload := make(map[string]interface{}, len(ev.Fields)+2)
	for k, v := range ev.Fields {
		payload[k] = v
	}
	if ev.Zone != 0 {
		payload["zone"] = ev.Zone
	}
	if ev.Severity != "" {
		payload["severity"] = ev.Severity
	}
	if err := e.br.PublishEvent("cropsteer_"+ev.Type, payload); err != nil && !errors.Is(err, bridge.ErrClosed) {
		e.log.Debug("host event publish failed", zap.String("type", ev.Type), zap.Error(err))
	}
}

// RecentEvents returns up to limit retained events, newest first.
func (e *Engine) RecentEvents(limit int) []Event {
	e.telMu.RLock()
	ring := e.ring
	e.telMu.RUnlock()
	return ring.Recent(limit)
}

// RegisterEventObserver subscribes fn to the live event stream. fn runs on
// the emitting goroutine and must not block. The returned cancel is
// idempotent.
func (e *Engine) RegisterEventObserver(fn func(Event)) func() {
	return e.bus.Subscribe(fn)
}

// Health evaluates the component probes, serving a cached snapshot within
// the policy's probe TTL.
func (e *Engine) Health(ctx context.Context) HealthSnapshot {
	e.telMu.RLock()
	ev := e.evaluator
	e.telMu.RUnlock()
	return ev.Evaluate(ctx)
}

// MetricsHandler returns the scrape handler when the configured metrics
// backend exposes one, else nil.
func (e *Engine) MetricsHandler() http.Handler {
	if h, ok := e.metrics.(interface{ MetricsHandler() http.Handler }); ok {
		return h.MetricsHandler()
	}
	return nil
}

// TelemetryPolicy returns the active policy.
func (e *Engine) TelemetryPolicy() TelemetryPolicy { return *e.pol.Load() }

// UpdateTelemetryPolicy normalizes and installs p. The event ring is resized
// preserving the newest retained events; probes and the trace sampler read
// the new thresholds on their next use.
func (e *Engine) UpdateTelemetryPolicy(p TelemetryPolicy) {
	norm := p.Normalize()
	e.pol.Store(&norm)

	e.telMu.Lock()
	defer e.telMu.Unlock()
	if e.ring == nil || e.ring.capacity() != norm.EventBus.RingSize {
		fresh := newEventRing(norm.EventBus.RingSize)
		if e.ring != nil {
			evs := e.ring.Recent(norm.EventBus.RingSize)
			for i := len(evs) - 1; i >= 0; i-- {
				fresh.Add(evs[i])
			}
		}
		e.ring = fresh
	}
	e.evaluator = health.NewEvaluator(norm.Health.ProbeTTL, e.probes...)
}

// buildProbes wires the component health checks. Probes read live engine
// state and the active policy on every evaluation.
func (e *Engine) buildProbes() []health.Probe {
	bridgeProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if p, ok := e.br.(interface{ Ping(context.Context) error }); ok {
			if err := p.Ping(ctx); err != nil {
				return health.Unhealthy("bridge", err.Error())
			}
		}
		if b, ok := e.br.(interface{ BreakerState() gobreaker.State }); ok {
			if b.BreakerState() == gobreaker.StateOpen {
				return health.Degraded("bridge", "write breaker open")
			}
		}
		if b, ok := e.br.(interface {
			Stats() bridge.BufferedStats
			QueueCap() int
		}); ok {
			if st := b.Stats(); st.Pending >= b.QueueCap() {
				return health.Degraded("bridge", "write queue full")
			}
		}
		return health.Healthy("bridge")
	})

	persistProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		pol := e.pol.Load()
		if e.store.Degraded() {
			return health.Degraded("persistence", "snapshot writes failing")
		}
		if last := e.store.LastSaved(); !last.IsZero() && e.clock.Since(last) > pol.Health.SnapshotStaleAfter {
			return health.Degraded("persistence", "last snapshot stale")
		}
		return health.Healthy("persistence")
	})

	sensorProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		pol := e.pol.Load()
		total, degraded, unsafe := e.zoneHealthCounts()
		if unsafe > 0 {
			return health.Unhealthy("sensors", "one or more zones latched unsafe")
		}
		if total == 0 {
			return health.Unknown("sensors", "no zones configured")
		}
		ratio := float64(degraded) / float64(total)
		switch {
		case ratio >= pol.Health.SensorUnhealthyRatio:
			return health.Unhealthy("sensors", "most zones degraded")
		case ratio >= pol.Health.SensorDegradedRatio:
			return health.Degraded("sensors", "some zones degraded")
		}
		return health.Healthy("sensors")
	})

	seqProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		pol := e.pol.Load()
		depth := e.seq.QueueDepth()
		switch {
		case depth >= pol.Health.QueueUnhealthyDepth:
			return health.Unhealthy("sequencer", "queue backlog critical")
		case depth >= pol.Health.QueueDegradedDepth:
			return health.Degraded("sequencer", "queue backlog growing")
		}
		return health.Healthy("sequencer")
	})

	return []health.Probe{bridgeProbe, persistProbe, sensorProbe, seqProbe}
}
