// Package fusion turns noisy multi-probe sensor readings into one trusted
// value per (zone, kind). Each pass filters stale and out-of-range samples,
// rejects inter-quartile-range outliers, and weights the survivors by a
// slow-moving per-sensor reliability score. VWC and EC never share an
// instance.
package fusion

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
	"k8s.io/utils/clock"

	"cropsteer/engine/models"
)

// ErrNoReliableSample is returned when, after filtering, fewer than the
// configured minimum of sensors contribute. Callers match with errors.Is.
var ErrNoReliableSample = errors.New("no reliable sample")

// Reliability stepping constants. Reliability starts at 1.0 and is nudged
// on every fusion pass: down for outliers, up for consistent sensors.
const (
	reliabilityStart   = 1.0
	reliabilityFloor   = 0.1
	reliabilityCeiling = 1.0
	outlierPenalty     = 0.05
	consistentReward   = 0.01
)

// iqrMinSensors is the smallest survivor count for which the IQR band is
// meaningful. Below it the band collapses onto the samples themselves and
// rejects legitimate spread, so the check is skipped.
const iqrMinSensors = 4

// Options tunes one Fuser. Zero values select the defaults.
type Options struct {
	// SampleWindow bounds the per-sensor ring of retained samples (default 10m).
	SampleWindow time.Duration
	// FreshnessHorizon is the oldest a sample may be and still contribute
	// to a fusion pass (default 5m).
	FreshnessHorizon time.Duration
	// MinSensors is the smallest survivor count for a usable fused value
	// (default 1).
	MinSensors int
	// OnOutlier observes each sensor rejected as an outlier, per pass.
	OnOutlier func(sensorID string)
}

func (o Options) withDefaults() Options {
	if o.SampleWindow <= 0 {
		o.SampleWindow = 10 * time.Minute
	}
	if o.FreshnessHorizon <= 0 {
		o.FreshnessHorizon = 5 * time.Minute
	}
	if o.MinSensors <= 0 {
		o.MinSensors = 1
	}
	return o
}

type sensorState struct {
	samples     []models.Reading // time-ordered, pruned to SampleWindow
	reliability float64
}

// Fuser fuses readings for one zone and one sensor kind.
type Fuser struct {
	zone models.ZoneID
	kind models.SensorKind
	clk  clock.PassiveClock

	mu      sync.Mutex
	opts    Options
	sensors map[string]*sensorState

	// Newest in-range sample ever seen, kept outside the pruned rings so
	// the emergency path can consult it long after the fusion window.
	lastValue float64
	lastAt    time.Time

	rejected uint64 // out-of-range ingests
}

// New builds a Fuser. clk must not be nil.
func New(zone models.ZoneID, kind models.SensorKind, clk clock.PassiveClock, opts Options) *Fuser {
	return &Fuser{
		zone:    zone,
		kind:    kind,
		clk:     clk,
		opts:    opts.withDefaults(),
		sensors: make(map[string]*sensorState),
	}
}

// Register declares a sensor so it counts toward the confidence denominator
// even before its first reading arrives.
func (f *Fuser) Register(sensorID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure(sensorID)
}

func (f *Fuser) ensure(sensorID string) *sensorState {
	s, ok := f.sensors[sensorID]
	if !ok {
		s = &sensorState{reliability: reliabilityStart}
		f.sensors[sensorID] = s
	}
	return s
}

// Tune adjusts the live-editable windows. Reliability state is preserved.
func (f *Fuser) Tune(sampleWindow, freshnessHorizon time.Duration, minSensors int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.opts
	o.SampleWindow = sampleWindow
	o.FreshnessHorizon = freshnessHorizon
	o.MinSensors = minSensors
	f.opts = o.withDefaults()
}

// Ingest appends one raw reading. Out-of-range values are counted and
// dropped; they never reach a fusion pass.
func (f *Fuser) Ingest(r models.Reading) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Kind != f.kind {
		return
	}
	if !r.InRange() {
		f.rejected++
		return
	}
	s := f.ensure(r.SensorID)
	s.samples = append(s.samples, r)
	f.pruneLocked(s, f.clk.Now())
	if r.At.After(f.lastAt) {
		f.lastValue = r.Value
		f.lastAt = r.At
	}
}

func (f *Fuser) pruneLocked(s *sensorState, now time.Time) {
	cutoff := now.Add(-f.opts.SampleWindow)
	i := 0
	for i < len(s.samples) && s.samples[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.samples = append(s.samples[:0], s.samples[i:]...)
	}
}

// candidate is one sensor's latest fresh sample entering a pass.
type candidate struct {
	id          string
	value       float64
	at          time.Time
	reliability float64
}

// pass is the outcome of one filtering+weighting computation.
type pass struct {
	fused     models.FusedValue
	survivors []string
	outliers  []string
	evaluated bool // at least one fresh sample existed
}

// computeLocked runs the fusion algorithm without mutating reliability.
func (f *Fuser) computeLocked(now time.Time) pass {
	var cands []candidate
	horizon := now.Add(-f.opts.FreshnessHorizon)
	for id, s := range f.sensors {
		f.pruneLocked(s, now)
		if len(s.samples) == 0 {
			continue
		}
		latest := s.samples[len(s.samples)-1]
		if latest.At.Before(horizon) {
			continue
		}
		cands = append(cands, candidate{id: id, value: latest.Value, at: latest.At, reliability: s.reliability})
	}
	total := len(f.sensors)
	out := pass{evaluated: len(cands) > 0}
	if len(cands) == 0 {
		return out
	}
	// Deterministic float accumulation order.
	sort.Slice(cands, func(i, j int) bool { return cands[i].id < cands[j].id })

	lo, hi, banded := iqrBand(cands)
	var survivors []candidate
	for _, c := range cands {
		if banded && (c.value < lo || c.value > hi) {
			out.outliers = append(out.outliers, c.id)
			continue
		}
		survivors = append(survivors, c)
		out.survivors = append(out.survivors, c.id)
	}
	if len(survivors) < f.opts.MinSensors {
		return out
	}

	values := make([]float64, len(survivors))
	weights := make([]float64, len(survivors))
	var relSum float64
	newest := survivors[0].at
	for i, c := range survivors {
		values[i] = c.value
		weights[i] = c.reliability
		relSum += c.reliability
		if c.at.After(newest) {
			newest = c.at
		}
	}
	out.fused = models.FusedValue{
		Value:      stat.Mean(values, weights),
		Confidence: float64(len(survivors)) / float64(total) * (relSum / float64(len(survivors))),
		Sensors:    len(survivors),
		Total:      total,
		At:         newest,
	}
	return out
}

// iqrBand returns the acceptance band [Q1-1.5·IQR, Q3+1.5·IQR] over the
// candidates' values. banded is false when too few candidates contribute for
// the band to mean anything.
func iqrBand(cands []candidate) (lo, hi float64, banded bool) {
	if len(cands) < iqrMinSensors {
		return 0, 0, false
	}
	values := make([]float64, len(cands))
	for i, c := range cands {
		values[i] = c.value
	}
	sort.Float64s(values)
	q1 := stat.Quantile(0.25, stat.Empirical, values, nil)
	q3 := stat.Quantile(0.75, stat.Empirical, values, nil)
	iqr := q3 - q1
	return q1 - 1.5*iqr, q3 + 1.5*iqr, true
}

// Fuse runs one fusion pass and steps each contributing sensor's
// reliability: outliers down, consistent sensors up. The fused value itself
// is a pure function of the current samples and the pre-step reliabilities,
// so immediate repeated calls agree on the value.
func (f *Fuser) Fuse() (models.FusedValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.computeLocked(f.clk.Now())
	if p.evaluated {
		for _, id := range p.outliers {
			s := f.sensors[id]
			s.reliability -= outlierPenalty
			if s.reliability < reliabilityFloor {
				s.reliability = reliabilityFloor
			}
			if f.opts.OnOutlier != nil {
				f.opts.OnOutlier(id)
			}
		}
		for _, id := range p.survivors {
			s := f.sensors[id]
			s.reliability += consistentReward
			if s.reliability > reliabilityCeiling {
				s.reliability = reliabilityCeiling
			}
		}
	}
	if len(p.survivors) < f.opts.MinSensors {
		return models.FusedValue{}, fmt.Errorf("zone %d %s: %w", f.zone, f.kind, ErrNoReliableSample)
	}
	return p.fused, nil
}

// Peek computes the fused value without stepping reliability. Dry-run
// evaluations use it so inspection does not perturb sensor trust.
func (f *Fuser) Peek() (models.FusedValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.computeLocked(f.clk.Now())
	if len(p.survivors) < f.opts.MinSensors {
		return models.FusedValue{}, fmt.Errorf("zone %d %s: %w", f.zone, f.kind, ErrNoReliableSample)
	}
	return p.fused, nil
}

// LastKnown returns the newest in-range sample ever ingested, with its
// timestamp. ok is false before the first valid reading. The emergency path
// uses this when fusion has gone stale.
func (f *Fuser) LastKnown() (value float64, at time.Time, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastAt.IsZero() {
		return 0, time.Time{}, false
	}
	return f.lastValue, f.lastAt, true
}

// Reliability reports a sensor's current reliability score; ok is false for
// unknown sensors.
func (f *Fuser) Reliability(sensorID string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sensors[sensorID]
	if !ok {
		return 0, false
	}
	return s.reliability, true
}

// RejectedOutOfRange reports how many ingested readings failed range
// validation.
func (f *Fuser) RejectedOutOfRange() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rejected
}
