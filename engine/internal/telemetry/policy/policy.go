// Package policy holds runtime-adjustable telemetry thresholds. The facade
// stores the active policy in an atomic pointer; probes and the tracer read
// it on every evaluation so updates apply without restarts.
package policy

import "time"

// HealthPolicy tunes the health probes.
type HealthPolicy struct {
	// ProbeTTL caches probe evaluation for this long.
	ProbeTTL time.Duration
	// SensorDegradedRatio and SensorUnhealthyRatio classify the fraction of
	// zones currently degraded (parked or stale).
	SensorDegradedRatio  float64
	SensorUnhealthyRatio float64
	// QueueDegradedDepth and QueueUnhealthyDepth classify sequencer backlog.
	QueueDegradedDepth  int
	QueueUnhealthyDepth int
	// SnapshotStaleAfter marks persistence degraded when the last successful
	// snapshot is older than this.
	SnapshotStaleAfter time.Duration
}

// TracingPolicy tunes span sampling.
type TracingPolicy struct {
	SamplePercent float64 // 0..100
}

// EventBusPolicy tunes facade event retention.
type EventBusPolicy struct {
	RingSize int // recent events kept for inspect/API
}

// TelemetryPolicy aggregates all telemetry tuning knobs.
type TelemetryPolicy struct {
	Health   HealthPolicy
	Tracing  TracingPolicy
	EventBus EventBusPolicy
}

// Default returns the normalized default policy.
func Default() TelemetryPolicy {
	return TelemetryPolicy{
		Health: HealthPolicy{
			ProbeTTL:             5 * time.Second,
			SensorDegradedRatio:  0.25,
			SensorUnhealthyRatio: 0.5,
			QueueDegradedDepth:   8,
			QueueUnhealthyDepth:  32,
			SnapshotStaleAfter:   15 * time.Minute,
		},
		Tracing:  TracingPolicy{SamplePercent: 100},
		EventBus: EventBusPolicy{RingSize: 256},
	}
}

// Normalize clamps out-of-range values onto sane ones, falling back to the
// defaults where a field is unusable. It never mutates the receiver.
func (p TelemetryPolicy) Normalize() TelemetryPolicy {
	def := Default()
	out := p
	if out.Health.ProbeTTL < 0 {
		out.Health.ProbeTTL = def.Health.ProbeTTL
	}
	if out.Health.SensorDegradedRatio <= 0 || out.Health.SensorDegradedRatio > 1 {
		out.Health.SensorDegradedRatio = def.Health.SensorDegradedRatio
	}
	if out.Health.SensorUnhealthyRatio <= 0 || out.Health.SensorUnhealthyRatio > 1 {
		out.Health.SensorUnhealthyRatio = def.Health.SensorUnhealthyRatio
	}
	if out.Health.SensorUnhealthyRatio < out.Health.SensorDegradedRatio {
		out.Health.SensorUnhealthyRatio = out.Health.SensorDegradedRatio
	}
	if out.Health.QueueDegradedDepth <= 0 {
		out.Health.QueueDegradedDepth = def.Health.QueueDegradedDepth
	}
	if out.Health.QueueUnhealthyDepth <= out.Health.QueueDegradedDepth {
		out.Health.QueueUnhealthyDepth = out.Health.QueueDegradedDepth * 4
	}
	if out.Health.SnapshotStaleAfter <= 0 {
		out.Health.SnapshotStaleAfter = def.Health.SnapshotStaleAfter
	}
	if out.Tracing.SamplePercent < 0 {
		out.Tracing.SamplePercent = 0
	} else if out.Tracing.SamplePercent > 100 {
		out.Tracing.SamplePercent = 100
	}
	if out.EventBus.RingSize <= 0 {
		out.EventBus.RingSize = def.EventBus.RingSize
	}
	return out
}
