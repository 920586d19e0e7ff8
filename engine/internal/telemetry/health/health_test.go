package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverallIsWorstComponent(t *testing.T) {
	e := NewEvaluator(0,
		ProbeFunc(func(context.Context) ProbeResult { return Healthy("bridge") }),
		ProbeFunc(func(context.Context) ProbeResult { return Degraded("persistence", "stale snapshot") }),
		ProbeFunc(func(context.Context) ProbeResult { return Healthy("sequencer") }),
	)
	snap := e.Evaluate(context.Background())
	assert.Equal(t, StatusDegraded, snap.Overall)
	require.Len(t, snap.Components, 3)

	e = NewEvaluator(0,
		ProbeFunc(func(context.Context) ProbeResult { return Degraded("a", "x") }),
		ProbeFunc(func(context.Context) ProbeResult { return Unhealthy("b", "y") }),
	)
	assert.Equal(t, StatusUnhealthy, e.Evaluate(context.Background()).Overall)
}

func TestUnknownBeatsHealthyOnly(t *testing.T) {
	e := NewEvaluator(0,
		ProbeFunc(func(context.Context) ProbeResult { return Healthy("a") }),
		ProbeFunc(func(context.Context) ProbeResult { return Unknown("b", "not initialized") }),
	)
	assert.Equal(t, StatusUnknown, e.Evaluate(context.Background()).Overall)
}

func TestNoProbesIsUnknown(t *testing.T) {
	e := NewEvaluator(time.Second)
	assert.Equal(t, StatusUnknown, e.Evaluate(context.Background()).Overall)
}

func TestTTLCachesResults(t *testing.T) {
	calls := 0
	e := NewEvaluator(time.Hour, ProbeFunc(func(context.Context) ProbeResult {
		calls++
		return Healthy("counted")
	}))
	e.Evaluate(context.Background())
	e.Evaluate(context.Background())
	e.Evaluate(context.Background())
	assert.Equal(t, 1, calls, "within TTL the cached snapshot is served")

	e.Invalidate()
	e.Evaluate(context.Background())
	assert.Equal(t, 2, calls)
}

func TestZeroTTLAlwaysReprobes(t *testing.T) {
	calls := 0
	e := NewEvaluator(0, ProbeFunc(func(context.Context) ProbeResult {
		calls++
		return Healthy("counted")
	}))
	e.Evaluate(context.Background())
	e.Evaluate(context.Background())
	assert.Equal(t, 2, calls)
}
