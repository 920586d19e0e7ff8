package dryback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cropsteer/engine/models"
)

var base = time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)

func at(min int) time.Time { return base.Add(time.Duration(min) * time.Minute) }

func TestPeakValleyCycleEmitsWindow(t *testing.T) {
	var got []models.DrybackWindow
	tr := New(1, Options{OnCompleted: func(w models.DrybackWindow) { got = append(got, w) }})

	// Rise to a peak, dry back, then rise again on irrigation.
	tr.Observe(60, at(0))
	tr.Observe(64, at(1))
	tr.Observe(66, at(2))  // peak
	tr.Observe(65.5, at(3)) // inside noise band, still seeking peak
	tr.Observe(64.8, at(4)) // 1.2 below peak, peak confirmed
	tr.Observe(60, at(10))
	tr.Observe(56, at(20)) // valley
	tr.Observe(57.5, at(21)) // 1.5 above valley, valley confirmed

	require.Len(t, got, 1)
	w := got[0]
	assert.Equal(t, 66.0, w.PeakVWC)
	assert.Equal(t, 56.0, w.ValleyVWC)
	assert.Equal(t, at(2), w.PeakAt)
	assert.Equal(t, at(20), w.ValleyAt)
	assert.InDelta(t, (66.0-56.0)/66.0*100, w.DropPct, 1e-9)

	last, ok := tr.LastWindow()
	require.True(t, ok)
	assert.Equal(t, w, last)
}

func TestNoiseInsideBandDoesNotConfirm(t *testing.T) {
	var count int
	tr := New(1, Options{OnCompleted: func(models.DrybackWindow) { count++ }})

	tr.Observe(60, at(0))
	// Wobble within the 1.0 band around the peak.
	for i := 1; i <= 8; i++ {
		if i%2 == 0 {
			tr.Observe(59.5, at(i))
		} else {
			tr.Observe(60, at(i))
		}
	}
	assert.Zero(t, count)
	peak, _, ok := tr.RunningPeak()
	require.True(t, ok)
	assert.Equal(t, 60.0, peak)
}

func TestDrybackIdentityAfterReset(t *testing.T) {
	tr := New(2, Options{})
	tr.ResetPeak(70, at(0))

	steps := []struct {
		vwc float64
		min int
	}{{70, 0}, {65, 30}, {60, 60}, {56, 90}}
	for _, s := range steps {
		tr.Observe(s.vwc, at(s.min))
		want := (70.0 - s.vwc) / 70.0 * 100
		assert.InDelta(t, want, tr.CurrentDrybackPercent(), 1e-9, "vwc=%v", s.vwc)
	}

	peak, peakAt, ok := tr.RunningPeak()
	require.True(t, ok)
	assert.Equal(t, 70.0, peak)
	assert.Equal(t, at(0), peakAt)
}

func TestResetThenImmediateRiseIsNotAWindow(t *testing.T) {
	var count int
	tr := New(1, Options{OnCompleted: func(models.DrybackWindow) { count++ }})
	tr.ResetPeak(60, at(0))
	tr.Observe(62, at(1)) // irrigation bump with no decline in between
	assert.Zero(t, count)

	peak, _, _ := tr.RunningPeak()
	assert.Equal(t, 62.0, peak)
}

func TestRehydrationAfterResetCompletesWindow(t *testing.T) {
	var got []models.DrybackWindow
	tr := New(1, Options{OnCompleted: func(w models.DrybackWindow) { got = append(got, w) }})
	tr.ResetPeak(70, at(0))
	tr.Observe(63, at(30))
	tr.Observe(56, at(60))
	tr.Observe(58, at(61)) // first ramp shot lands

	require.Len(t, got, 1)
	assert.Equal(t, 70.0, got[0].PeakVWC)
	assert.Equal(t, 56.0, got[0].ValleyVWC)
	assert.InDelta(t, 20.0, got[0].DropPct, 1e-9)
}

func TestMinuteDownsampling(t *testing.T) {
	tr := New(1, Options{})
	tr.Observe(60, base)
	tr.Observe(60.2, base.Add(20*time.Second))
	tr.Observe(60.4, base.Add(40*time.Second))
	tr.Observe(61, base.Add(70*time.Second))

	hist := tr.History()
	require.Len(t, hist, 2)
	assert.Equal(t, 60.4, hist[0].Value)
	assert.Equal(t, base.Truncate(time.Minute), hist[0].At)
	assert.Equal(t, 61.0, hist[1].Value)
}

func TestHistoryBounded(t *testing.T) {
	tr := New(1, Options{History: time.Hour})
	tr.Observe(60, at(0))
	tr.Observe(59, at(30))
	tr.Observe(58, at(90)) // pushes the first point past the horizon

	hist := tr.History()
	require.Len(t, hist, 2)
	assert.Equal(t, at(30), hist[0].At)
}

func TestWindowsPrunedWithHistory(t *testing.T) {
	tr := New(1, Options{History: time.Hour})
	tr.Observe(66, at(0))
	tr.Observe(56, at(5))
	tr.Observe(58, at(6)) // window completes, valley at minute 5

	require.Len(t, tr.Windows(), 1)
	tr.Observe(59, at(70))
	assert.Empty(t, tr.Windows())
}

func TestSetNoiseBand(t *testing.T) {
	var count int
	tr := New(1, Options{OnCompleted: func(models.DrybackWindow) { count++ }})
	tr.SetNoiseBand(3.0)

	tr.Observe(60, at(0))
	tr.Observe(58, at(1)) // 2.0 drop, below the widened band
	assert.Zero(t, count)
	tr.Observe(56.5, at(2)) // 3.5 drop confirms the peak
	tr.Observe(59.8, at(3)) // 3.3 rise confirms the valley
	assert.Equal(t, 1, count)
}
