package fusion

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"cropsteer/engine/models"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestFuser(clk *clocktesting.FakeClock, opts Options) *Fuser {
	return New(1, models.KindVWC, clk, opts)
}

func reading(id string, v float64, at time.Time) models.Reading {
	return models.Reading{SensorID: id, Zone: 1, Kind: models.KindVWC, Value: v, At: at}
}

func TestSingleSensorFuses(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	f := newTestFuser(clk, Options{})
	f.Register("a")
	f.Ingest(reading("a", 62.5, t0))

	fv, err := f.Fuse()
	require.NoError(t, err)
	assert.Equal(t, 62.5, fv.Value)
	assert.Equal(t, 1, fv.Sensors)
	assert.Equal(t, 1, fv.Total)
	assert.Equal(t, 1.0, fv.Confidence)
	assert.Equal(t, t0, fv.At)
}

func TestNoSamplesIsNoReliableSample(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	f := newTestFuser(clk, Options{})
	f.Register("a")

	_, err := f.Fuse()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoReliableSample))
}

func TestStaleSamplesAreDropped(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	f := newTestFuser(clk, Options{FreshnessHorizon: 5 * time.Minute})
	f.Ingest(reading("a", 60, t0))

	clk.SetTime(t0.Add(6 * time.Minute))
	_, err := f.Fuse()
	assert.True(t, errors.Is(err, ErrNoReliableSample))
}

func TestOutOfRangeRejectedAtIngest(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	f := newTestFuser(clk, Options{})
	f.Ingest(reading("a", 140, t0)) // VWC > 100
	f.Ingest(reading("a", -3, t0))

	assert.Equal(t, uint64(2), f.RejectedOutOfRange())
	_, err := f.Fuse()
	assert.True(t, errors.Is(err, ErrNoReliableSample))
}

func TestWrongKindIgnored(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	f := newTestFuser(clk, Options{})
	f.Ingest(models.Reading{SensorID: "a", Zone: 1, Kind: models.KindEC, Value: 2.0, At: t0})
	_, err := f.Fuse()
	assert.True(t, errors.Is(err, ErrNoReliableSample))
}

func TestIQRRejectsOutlier(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	var rejected []string
	f := newTestFuser(clk, Options{OnOutlier: func(id string) { rejected = append(rejected, id) }})
	for id, v := range map[string]float64{"a": 59, "b": 60, "c": 60.5, "d": 61, "e": 95} {
		f.Ingest(reading(id, v, t0))
	}

	fv, err := f.Fuse()
	require.NoError(t, err)
	assert.InDelta(t, 60.125, fv.Value, 1e-9)
	assert.Equal(t, 4, fv.Sensors)
	assert.Equal(t, 5, fv.Total)
	assert.Equal(t, []string{"e"}, rejected)
	// Confidence: 4/5 survivors, all at starting reliability.
	assert.InDelta(t, 0.8, fv.Confidence, 1e-9)

	rel, ok := f.Reliability("e")
	require.True(t, ok)
	assert.InDelta(t, 0.95, rel, 1e-9)
}

func TestIQRSkippedBelowFourSensors(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	f := newTestFuser(clk, Options{})
	// Two widely spread sensors: with so few probes the spread is
	// legitimate and both must contribute.
	f.Ingest(reading("a", 40, t0))
	f.Ingest(reading("b", 70, t0))

	fv, err := f.Fuse()
	require.NoError(t, err)
	assert.Equal(t, 2, fv.Sensors)
	assert.InDelta(t, 55.0, fv.Value, 1e-9)
}

func TestFuseIdempotentForSameSamples(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	f := newTestFuser(clk, Options{})
	for id, v := range map[string]float64{"a": 59, "b": 60, "c": 60.5, "d": 61, "e": 95} {
		f.Ingest(reading(id, v, t0))
	}

	first, err := f.Fuse()
	require.NoError(t, err)
	second, err := f.Fuse()
	require.NoError(t, err)
	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, first.Sensors, second.Sensors)

	peeked, err := f.Peek()
	require.NoError(t, err)
	assert.Equal(t, first.Value, peeked.Value)
}

func TestPeekDoesNotStepReliability(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	f := newTestFuser(clk, Options{})
	for id, v := range map[string]float64{"a": 59, "b": 60, "c": 60.5, "d": 61, "e": 95} {
		f.Ingest(reading(id, v, t0))
	}

	_, err := f.Peek()
	require.NoError(t, err)
	rel, ok := f.Reliability("e")
	require.True(t, ok)
	assert.Equal(t, reliabilityStart, rel)
}

func TestReliabilityFloorAndWeighting(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	f := newTestFuser(clk, Options{})
	// Drive the outlier sensor to the floor.
	for i := 0; i < 30; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		clk.SetTime(at)
		f.Ingest(reading("a", 59, at))
		f.Ingest(reading("b", 60, at))
		f.Ingest(reading("c", 60.5, at))
		f.Ingest(reading("d", 61, at))
		f.Ingest(reading("e", 95, at))
		_, err := f.Fuse()
		require.NoError(t, err)
	}
	rel, ok := f.Reliability("e")
	require.True(t, ok)
	assert.InDelta(t, reliabilityFloor, rel, 1e-9)

	relA, _ := f.Reliability("a")
	assert.Equal(t, reliabilityCeiling, relA)
}

func TestConfidenceReflectsMissingSensors(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	f := newTestFuser(clk, Options{})
	f.Register("a")
	f.Register("b")
	f.Ingest(reading("a", 60, t0))

	fv, err := f.Fuse()
	require.NoError(t, err)
	assert.Equal(t, 1, fv.Sensors)
	assert.Equal(t, 2, fv.Total)
	assert.InDelta(t, 0.5, fv.Confidence, 0.02)
}

func TestMinSensorsEnforced(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	f := newTestFuser(clk, Options{MinSensors: 2})
	f.Register("a")
	f.Register("b")
	f.Ingest(reading("a", 60, t0))

	_, err := f.Fuse()
	assert.True(t, errors.Is(err, ErrNoReliableSample))

	f.Ingest(reading("b", 61, t0))
	_, err = f.Fuse()
	assert.NoError(t, err)
}

func TestLastKnownSurvivesPruning(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0)
	f := newTestFuser(clk, Options{SampleWindow: 10 * time.Minute})
	f.Ingest(reading("a", 47, t0))

	clk.SetTime(t0.Add(25 * time.Minute))
	f.Tune(10*time.Minute, 5*time.Minute, 1)
	_, err := f.Fuse()
	assert.True(t, errors.Is(err, ErrNoReliableSample))

	v, at, ok := f.LastKnown()
	require.True(t, ok)
	assert.Equal(t, 47.0, v)
	assert.Equal(t, t0, at)
}

func TestNewestContributorTimestamp(t *testing.T) {
	clk := clocktesting.NewFakeClock(t0.Add(2 * time.Minute))
	f := newTestFuser(clk, Options{})
	f.Ingest(reading("a", 60, t0))
	f.Ingest(reading("b", 61, t0.Add(time.Minute)))

	fv, err := f.Fuse()
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), fv.At)
}
