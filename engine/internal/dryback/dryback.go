// Package dryback detects peak-to-valley moisture excursions in the fused
// VWC stream of a single zone. A two-state tracker with a hysteresis band
// confirms peaks and valleys; each confirmed excursion is recorded as a
// DrybackWindow and reported through an optional callback.
package dryback

import (
	"sync"
	"time"

	"cropsteer/engine/models"
)

const (
	defaultNoiseBand = 1.0
	defaultHistory   = 24 * time.Hour
)

type trackState int

const (
	seekingPeak trackState = iota
	seekingValley
)

// Point is one minute-downsampled fused VWC observation.
type Point struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// Options tune a Tracker. Zero values select defaults.
type Options struct {
	// NoiseBand is the hysteresis in VWC percentage points a reading must
	// move against the current trend before a peak or valley is confirmed.
	NoiseBand float64
	// History bounds how far back downsampled points and completed
	// windows are retained.
	History time.Duration
	// OnCompleted is invoked outside the tracker lock for every confirmed
	// excursion.
	OnCompleted func(models.DrybackWindow)
}

func (o Options) withDefaults() Options {
	if o.NoiseBand <= 0 {
		o.NoiseBand = defaultNoiseBand
	}
	if o.History <= 0 {
		o.History = defaultHistory
	}
	return o
}

// Tracker follows the fused VWC of one zone. It alternates between seeking a
// peak and seeking a valley; readings inside the noise band leave the state
// unchanged. All methods are safe for concurrent use.
type Tracker struct {
	zone models.ZoneID

	mu      sync.Mutex
	opts    Options
	history []Point
	windows []models.DrybackWindow

	state         trackState
	runningPeak   float64
	peakAt        time.Time
	runningValley float64
	valleyAt      time.Time

	lastValue float64
	lastAt    time.Time
	hasSample bool
}

// New returns a Tracker for the given zone.
func New(zone models.ZoneID, opts Options) *Tracker {
	return &Tracker{zone: zone, opts: opts.withDefaults()}
}

// Zone returns the zone this tracker follows.
func (t *Tracker) Zone() models.ZoneID { return t.zone }

// SetNoiseBand replaces the hysteresis band, for live tuning updates.
func (t *Tracker) SetNoiseBand(band float64) {
	if band <= 0 {
		return
	}
	t.mu.Lock()
	t.opts.NoiseBand = band
	t.mu.Unlock()
}

// Observe feeds one fused VWC value into the tracker. Consecutive values in
// the same minute collapse to a single history point; the state machine still
// steps on every call.
func (t *Tracker) Observe(v float64, at time.Time) {
	t.mu.Lock()
	minute := at.Truncate(time.Minute)
	if n := len(t.history); n > 0 && t.history[n-1].At.Equal(minute) {
		t.history[n-1].Value = v
	} else {
		t.history = append(t.history, Point{At: minute, Value: v})
	}
	t.pruneLocked(at)

	if !t.hasSample {
		t.state = seekingPeak
		t.runningPeak, t.peakAt = v, at
		t.runningValley, t.valleyAt = v, at
		t.lastValue, t.lastAt, t.hasSample = v, at, true
		t.mu.Unlock()
		return
	}
	t.lastValue, t.lastAt = v, at
	completed := t.stepLocked(v, at)
	cb := t.opts.OnCompleted
	t.mu.Unlock()

	if completed != nil && cb != nil {
		cb(*completed)
	}
}

// ResetPeak pins the running peak to the given value. The zone coordinator
// calls this when a zone enters its dryback phase so the subsequent decline
// is measured against the moisture level at phase entry.
func (t *Tracker) ResetPeak(v float64, at time.Time) {
	t.mu.Lock()
	t.state = seekingValley
	t.runningPeak, t.peakAt = v, at
	t.runningValley, t.valleyAt = v, at
	t.lastValue, t.lastAt, t.hasSample = v, at, true
	t.mu.Unlock()
}

// CurrentDrybackPercent reports the live percent drop from the running peak
// to the most recent observation. It is zero until a sample arrives.
func (t *Tracker) CurrentDrybackPercent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasSample || t.runningPeak <= 0 {
		return 0
	}
	return (t.runningPeak - t.lastValue) / t.runningPeak * 100
}

// RunningPeak returns the current peak reference and when it was set.
func (t *Tracker) RunningPeak() (float64, time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runningPeak, t.peakAt, t.hasSample
}

// Windows returns the completed excursions still inside the history horizon,
// oldest first.
func (t *Tracker) Windows() []models.DrybackWindow {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.DrybackWindow, len(t.windows))
	copy(out, t.windows)
	return out
}

// LastWindow returns the most recently completed excursion.
func (t *Tracker) LastWindow() (models.DrybackWindow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.windows) == 0 {
		return models.DrybackWindow{}, false
	}
	return t.windows[len(t.windows)-1], true
}

// History returns the retained minute-downsampled points, oldest first.
func (t *Tracker) History() []Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Point, len(t.history))
	copy(out, t.history)
	return out
}

func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.opts.History)
	i := 0
	for i < len(t.history) && t.history[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.history = append(t.history[:0], t.history[i:]...)
	}
	j := 0
	for j < len(t.windows) && t.windows[j].ValleyAt.Before(cutoff) {
		j++
	}
	if j > 0 {
		t.windows = append(t.windows[:0], t.windows[j:]...)
	}
}

// stepLocked advances the two-state tracker and returns the completed window
// on valley confirmation, nil otherwise.
func (t *Tracker) stepLocked(v float64, at time.Time) *models.DrybackWindow {
	switch t.state {
	case seekingPeak:
		if v >= t.runningPeak {
			t.runningPeak, t.peakAt = v, at
			return nil
		}
		if t.runningPeak-v >= t.opts.NoiseBand {
			t.state = seekingValley
			t.runningValley, t.valleyAt = v, at
		}
	case seekingValley:
		if v <= t.runningValley {
			t.runningValley, t.valleyAt = v, at
			return nil
		}
		if v-t.runningValley < t.opts.NoiseBand {
			return nil
		}
		// A rise without a preceding decline (peak pinned by ResetPeak,
		// then immediate irrigation) is a new peak, not an excursion.
		if t.runningValley >= t.runningPeak {
			t.state = seekingPeak
			t.runningPeak, t.peakAt = v, at
			return nil
		}
		w := models.DrybackWindow{
			PeakVWC:   t.runningPeak,
			ValleyVWC: t.runningValley,
			PeakAt:    t.peakAt,
			ValleyAt:  t.valleyAt,
		}
		if w.PeakVWC > 0 {
			w.DropPct = (w.PeakVWC - w.ValleyVWC) / w.PeakVWC * 100
		}
		t.windows = append(t.windows, w)
		t.state = seekingPeak
		t.runningPeak, t.peakAt = v, at
		return &w
	}
	return nil
}
