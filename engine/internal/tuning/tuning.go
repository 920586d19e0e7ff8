// Package tuning holds the live-editable irrigation parameters. The active
// Settings value is swapped atomically on config reloads, and individual
// numeric parameters may be overridden per-snapshot through host entities
// (number.cs_<param>), so an operator can nudge a threshold from a dashboard
// without touching the config file. Overrides are resolved on every Snapshot
// call and never latched.
package tuning

import (
	"math"
	"sync/atomic"
	"time"

	"cropsteer/engine/models"
)

// ModePair carries the vegetative and generative variants of a parameter.
type ModePair struct {
	Veg float64
	Gen float64
}

// For selects the variant for the given steering mode.
func (p ModePair) For(mode models.SteeringMode) float64 {
	if mode == models.ModeGenerative {
		return p.Gen
	}
	return p.Veg
}

// ECTargets is the EC setpoint matrix by phase and steering mode.
type ECTargets struct {
	P0 ModePair
	P1 ModePair
	P2 ModePair
	P3 ModePair
}

// For selects the setpoint for the given phase and mode.
func (t ECTargets) For(phase models.Phase, mode models.SteeringMode) float64 {
	switch phase {
	case models.PhaseP0Dryback:
		return t.P0.For(mode)
	case models.PhaseP1RampUp:
		return t.P1.For(mode)
	case models.PhaseP3PreDark:
		return t.P3.For(mode)
	default:
		return t.P2.For(mode)
	}
}

// Settings is one immutable snapshot of every live-editable parameter.
// Percent fields are percent of substrate volume (shot sizes) or percent
// VWC (thresholds); EC values are mS/cm.
type Settings struct {
	Mode models.SteeringMode

	// P0 dryback.
	DrybackTarget ModePair // percent drop from the P0-entry peak
	P0MaxWait     time.Duration

	// P1 ramp-up.
	P1TargetVWCPct     float64
	P1InitialShotPct   float64
	P1ShotIncrementPct float64
	P1MaxShotPct       float64
	P1MinShots         int
	P1MaxShots         int
	P1InterShotDelay   time.Duration

	// P2 maintenance.
	P2VWCThresholdPct float64
	P2ShotPct         float64
	ECHigh            float64
	ECLow             float64
	VWCBumpHigh       float64
	VWCBumpLow        float64

	// P3 pre-dark and the emergency path.
	P3Lead                  ModePair // minutes expressed as duration via P3LeadFor
	P3EmergencyThresholdPct float64
	P3EmergencyShotPct      float64
	EmergencyCooldown       time.Duration

	ECTargets     ECTargets
	ECFlushTarget float64

	// Cadences.
	TickInterval     time.Duration
	SnapshotInterval time.Duration

	// Hardware sequencing.
	PumpPrime        time.Duration
	MainLinePressure time.Duration
	MainLineDrain    time.Duration
	MinShot          time.Duration
	MaxShot          time.Duration

	GroupThresholdPct float64
	ShotMultiplier    float64

	// Sensor trust.
	SampleWindow     time.Duration
	FreshnessHorizon time.Duration
	MinSensors       int
	SensorStaleGrace time.Duration
	EmergencyStale   time.Duration
	NoiseBandPct     float64

	WriteMaxAttempts int
}

// Default returns the documented defaults for every parameter.
func Default() Settings {
	return Settings{
		Mode: models.ModeVegetative,

		DrybackTarget: ModePair{Veg: 15, Gen: 20},
		P0MaxWait:     3 * time.Hour,

		P1TargetVWCPct:     65,
		P1InitialShotPct:   2.0,
		P1ShotIncrementPct: 0.5,
		P1MaxShotPct:       6.0,
		P1MinShots:         3,
		P1MaxShots:         12,
		P1InterShotDelay:   10 * time.Minute,

		P2VWCThresholdPct: 60,
		P2ShotPct:         3.0,
		ECHigh:            1.3,
		ECLow:             0.7,
		VWCBumpHigh:       3.0,
		VWCBumpLow:        2.0,

		P3Lead:                  ModePair{Veg: 60, Gen: 120},
		P3EmergencyThresholdPct: 35,
		P3EmergencyShotPct:      3.0,
		EmergencyCooldown:       30 * time.Minute,

		ECTargets: ECTargets{
			P0: ModePair{Veg: 2.5, Gen: 3.5},
			P1: ModePair{Veg: 2.0, Gen: 2.5},
			P2: ModePair{Veg: 2.2, Gen: 3.0},
			P3: ModePair{Veg: 2.5, Gen: 3.5},
		},
		ECFlushTarget: 0.8,

		TickInterval:     30 * time.Second,
		SnapshotInterval: 5 * time.Minute,

		PumpPrime:        2 * time.Second,
		MainLinePressure: 1 * time.Second,
		MainLineDrain:    500 * time.Millisecond,
		MinShot:          5 * time.Second,
		MaxShot:          5 * time.Minute,

		GroupThresholdPct: 50,
		ShotMultiplier:    1.0,

		SampleWindow:     10 * time.Minute,
		FreshnessHorizon: 5 * time.Minute,
		MinSensors:       1,
		SensorStaleGrace: 15 * time.Minute,
		EmergencyStale:   30 * time.Minute,
		NoiseBandPct:     1.0,

		WriteMaxAttempts: 3,
	}
}

// DrybackTargetPct returns the active P0 dryback target for the mode.
func (s Settings) DrybackTargetPct() float64 { return s.DrybackTarget.For(s.Mode) }

// P3LeadFor returns the pre-dark lead time for the mode. The pair stores
// minutes; this resolves it to a duration.
func (s Settings) P3LeadFor() time.Duration {
	return time.Duration(s.P3Lead.For(s.Mode)) * time.Minute
}

// ECTargetFor returns the EC setpoint for a phase under the active mode.
func (s Settings) ECTargetFor(phase models.Phase) float64 {
	return s.ECTargets.For(phase, s.Mode)
}

// Normalize clamps unusable values back onto the defaults. It never mutates
// the receiver. Zone topology is not part of Settings and cannot be edited
// live.
func (s Settings) Normalize() Settings {
	def := Default()
	out := s
	if !out.Mode.Valid() {
		out.Mode = def.Mode
	}
	if out.DrybackTarget.Veg <= 0 || out.DrybackTarget.Veg > 100 {
		out.DrybackTarget.Veg = def.DrybackTarget.Veg
	}
	if out.DrybackTarget.Gen <= 0 || out.DrybackTarget.Gen > 100 {
		out.DrybackTarget.Gen = def.DrybackTarget.Gen
	}
	if out.P0MaxWait <= 0 {
		out.P0MaxWait = def.P0MaxWait
	}
	if out.P1TargetVWCPct <= 0 || out.P1TargetVWCPct > 100 {
		out.P1TargetVWCPct = def.P1TargetVWCPct
	}
	if out.P1InitialShotPct <= 0 {
		out.P1InitialShotPct = def.P1InitialShotPct
	}
	if out.P1ShotIncrementPct < 0 {
		out.P1ShotIncrementPct = def.P1ShotIncrementPct
	}
	if out.P1MaxShotPct < out.P1InitialShotPct {
		out.P1MaxShotPct = out.P1InitialShotPct
	}
	if out.P1MinShots < 0 {
		out.P1MinShots = def.P1MinShots
	}
	if out.P1MaxShots < out.P1MinShots {
		out.P1MaxShots = out.P1MinShots
	}
	if out.P1InterShotDelay <= 0 {
		out.P1InterShotDelay = def.P1InterShotDelay
	}
	if out.P2VWCThresholdPct <= 0 || out.P2VWCThresholdPct > 100 {
		out.P2VWCThresholdPct = def.P2VWCThresholdPct
	}
	if out.P2ShotPct <= 0 {
		out.P2ShotPct = def.P2ShotPct
	}
	if out.ECHigh <= 1 {
		out.ECHigh = def.ECHigh
	}
	if out.ECLow <= 0 || out.ECLow >= 1 {
		out.ECLow = def.ECLow
	}
	if out.VWCBumpHigh < 0 {
		out.VWCBumpHigh = def.VWCBumpHigh
	}
	if out.VWCBumpLow < 0 {
		out.VWCBumpLow = def.VWCBumpLow
	}
	if out.P3Lead.Veg <= 0 {
		out.P3Lead.Veg = def.P3Lead.Veg
	}
	if out.P3Lead.Gen <= 0 {
		out.P3Lead.Gen = def.P3Lead.Gen
	}
	if out.P3EmergencyThresholdPct <= 0 || out.P3EmergencyThresholdPct > 100 {
		out.P3EmergencyThresholdPct = def.P3EmergencyThresholdPct
	}
	if out.P3EmergencyShotPct <= 0 {
		out.P3EmergencyShotPct = def.P3EmergencyShotPct
	}
	if out.EmergencyCooldown <= 0 {
		out.EmergencyCooldown = def.EmergencyCooldown
	}
	if out.ECFlushTarget <= 0 {
		out.ECFlushTarget = def.ECFlushTarget
	}
	if out.TickInterval <= 0 {
		out.TickInterval = def.TickInterval
	}
	if out.SnapshotInterval <= 0 {
		out.SnapshotInterval = def.SnapshotInterval
	}
	if out.PumpPrime <= 0 {
		out.PumpPrime = def.PumpPrime
	}
	if out.MainLinePressure <= 0 {
		out.MainLinePressure = def.MainLinePressure
	}
	if out.MainLineDrain <= 0 {
		out.MainLineDrain = def.MainLineDrain
	}
	if out.MinShot <= 0 {
		out.MinShot = def.MinShot
	}
	if out.MaxShot < out.MinShot {
		out.MaxShot = def.MaxShot
		if out.MaxShot < out.MinShot {
			out.MaxShot = out.MinShot
		}
	}
	if out.GroupThresholdPct <= 0 || out.GroupThresholdPct > 100 {
		out.GroupThresholdPct = def.GroupThresholdPct
	}
	if out.ShotMultiplier <= 0 {
		out.ShotMultiplier = def.ShotMultiplier
	}
	if out.SampleWindow <= 0 {
		out.SampleWindow = def.SampleWindow
	}
	if out.FreshnessHorizon <= 0 || out.FreshnessHorizon > out.SampleWindow {
		out.FreshnessHorizon = def.FreshnessHorizon
		if out.FreshnessHorizon > out.SampleWindow {
			out.FreshnessHorizon = out.SampleWindow
		}
	}
	if out.MinSensors <= 0 {
		out.MinSensors = def.MinSensors
	}
	if out.SensorStaleGrace <= 0 {
		out.SensorStaleGrace = def.SensorStaleGrace
	}
	if out.EmergencyStale < out.SensorStaleGrace {
		out.EmergencyStale = def.EmergencyStale
		if out.EmergencyStale < out.SensorStaleGrace {
			out.EmergencyStale = out.SensorStaleGrace
		}
	}
	if out.NoiseBandPct <= 0 {
		out.NoiseBandPct = def.NoiseBandPct
	}
	if out.WriteMaxAttempts <= 0 {
		out.WriteMaxAttempts = def.WriteMaxAttempts
	}
	return out
}

// Reader is the subset of the bridge the override resolver needs.
type Reader interface {
	Get(name string) (string, bool)
	GetNumeric(name string, def float64) float64
}

// override binds one host numeric entity to a Settings field.
type override struct {
	key   string
	apply func(*Settings, float64)
}

// OverridePrefix is prepended to override keys to form the entity id,
// e.g. number.cs_p2_vwc_threshold_pct.
const OverridePrefix = "number.cs_"

// overrides lists the parameters an operator can bias through host entities.
// Timings and topology are deliberately absent: those change through the
// config file only.
var overrides = []override{
	{"dryback_target_veg_pct", func(s *Settings, v float64) { s.DrybackTarget.Veg = v }},
	{"dryback_target_gen_pct", func(s *Settings, v float64) { s.DrybackTarget.Gen = v }},
	{"p1_target_vwc_pct", func(s *Settings, v float64) { s.P1TargetVWCPct = v }},
	{"p1_initial_shot_pct", func(s *Settings, v float64) { s.P1InitialShotPct = v }},
	{"p1_shot_increment_pct", func(s *Settings, v float64) { s.P1ShotIncrementPct = v }},
	{"p1_max_shot_pct", func(s *Settings, v float64) { s.P1MaxShotPct = v }},
	{"p2_vwc_threshold_pct", func(s *Settings, v float64) { s.P2VWCThresholdPct = v }},
	{"p2_shot_pct", func(s *Settings, v float64) { s.P2ShotPct = v }},
	{"p3_emergency_threshold_pct", func(s *Settings, v float64) { s.P3EmergencyThresholdPct = v }},
	{"p3_emergency_shot_pct", func(s *Settings, v float64) { s.P3EmergencyShotPct = v }},
	{"ec_flush_target", func(s *Settings, v float64) { s.ECFlushTarget = v }},
	{"group_threshold_pct", func(s *Settings, v float64) { s.GroupThresholdPct = v }},
	{"shot_multiplier", func(s *Settings, v float64) { s.ShotMultiplier = v }},
}

// Store publishes the active Settings. Update swaps the base value; Snapshot
// layers host overrides on top of the base and normalizes the result.
type Store struct {
	base   atomic.Pointer[Settings]
	reader Reader
}

// NewStore builds a Store seeded with base. reader may be nil, disabling
// host overrides.
func NewStore(base Settings, reader Reader) *Store {
	st := &Store{reader: reader}
	norm := base.Normalize()
	st.base.Store(&norm)
	return st
}

// Update atomically replaces the base settings.
func (st *Store) Update(s Settings) {
	norm := s.Normalize()
	st.base.Store(&norm)
}

// Base returns the current base settings without overrides.
func (st *Store) Base() Settings {
	return *st.base.Load()
}

// Snapshot returns the effective settings for one tick: the base with any
// host numeric overrides applied, re-normalized. Overrides are read fresh
// each call so removing the host entity restores the base value.
func (st *Store) Snapshot() Settings {
	out := *st.base.Load()
	if st.reader == nil {
		return out
	}
	for _, o := range overrides {
		if _, ok := st.reader.Get(OverridePrefix + o.key); !ok {
			continue
		}
		v := st.reader.GetNumeric(OverridePrefix+o.key, math.NaN())
		if math.IsNaN(v) {
			continue
		}
		o.apply(&out, v)
	}
	return out.Normalize()
}
