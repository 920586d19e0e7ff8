package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultIsAlreadyNormalized(t *testing.T) {
	def := Default()
	assert.Equal(t, def, def.Normalize())
}

func TestNormalizeClampsSamplePercent(t *testing.T) {
	p := Default()
	p.Tracing.SamplePercent = 250
	assert.Equal(t, float64(100), p.Normalize().Tracing.SamplePercent)

	p.Tracing.SamplePercent = -3
	assert.Equal(t, float64(0), p.Normalize().Tracing.SamplePercent)
}

func TestNormalizeRepairsRatios(t *testing.T) {
	p := Default()
	p.Health.SensorDegradedRatio = 0.8
	p.Health.SensorUnhealthyRatio = 0.4 // below degraded, must be lifted
	n := p.Normalize()
	assert.Equal(t, 0.8, n.Health.SensorDegradedRatio)
	assert.Equal(t, 0.8, n.Health.SensorUnhealthyRatio)

	p = Default()
	p.Health.SensorDegradedRatio = -1
	n = p.Normalize()
	assert.Equal(t, Default().Health.SensorDegradedRatio, n.Health.SensorDegradedRatio)
}

func TestNormalizeRepairsQueueDepths(t *testing.T) {
	p := Default()
	p.Health.QueueDegradedDepth = 10
	p.Health.QueueUnhealthyDepth = 5
	n := p.Normalize()
	assert.Equal(t, 10, n.Health.QueueDegradedDepth)
	assert.Equal(t, 40, n.Health.QueueUnhealthyDepth)
}

func TestNormalizeFillsZeroDurations(t *testing.T) {
	var p TelemetryPolicy
	n := p.Normalize()
	assert.Equal(t, Default().Health.SnapshotStaleAfter, n.Health.SnapshotStaleAfter)
	assert.Positive(t, n.EventBus.RingSize)
	// zero TTL is a valid "no caching" setting
	assert.Equal(t, time.Duration(0), n.Health.ProbeTTL)
}

func TestNormalizeDoesNotMutateReceiver(t *testing.T) {
	p := Default()
	p.Tracing.SamplePercent = 900
	_ = p.Normalize()
	assert.Equal(t, float64(900), p.Tracing.SamplePercent)
}
