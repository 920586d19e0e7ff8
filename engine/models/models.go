package models

import (
	"fmt"
	"time"
)

// ZoneID identifies an irrigation zone (1..N, N small). IDs come from
// configuration and are immutable for the life of the process.
type ZoneID int

// Phase is one stage of the daily crop-steering cycle.
// Stable: values are persisted; renaming is a schema migration.
type Phase string

const (
	// PhaseP0Dryback is the overnight/morning dryback: no irrigation,
	// the substrate dries from its last peak toward the dryback target.
	PhaseP0Dryback Phase = "P0"
	// PhaseP1RampUp rehydrates the substrate with progressively larger shots.
	PhaseP1RampUp Phase = "P1"
	// PhaseP2Maintenance holds VWC near a threshold, biased by the EC ratio.
	PhaseP2Maintenance Phase = "P2"
	// PhaseP3PreDark is the pre-lights-off window; irrigation stops so the
	// substrate enters the night on a controlled dry-down.
	PhaseP3PreDark Phase = "P3"
)

// Valid reports whether p is one of the four known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseP0Dryback, PhaseP1RampUp, PhaseP2Maintenance, PhaseP3PreDark:
		return true
	}
	return false
}

// Label returns the human-readable phase name.
func (p Phase) Label() string {
	switch p {
	case PhaseP0Dryback:
		return "Dryback"
	case PhaseP1RampUp:
		return "RampUp"
	case PhaseP2Maintenance:
		return "Maintenance"
	case PhaseP3PreDark:
		return "PreDark"
	default:
		return "Unknown"
	}
}

func (p Phase) String() string { return string(p) }

// ParsePhase accepts the persisted short form ("P2") or the label form
// ("Maintenance", case-insensitive enough for operator input).
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "P0", "p0", "Dryback", "dryback":
		return PhaseP0Dryback, nil
	case "P1", "p1", "RampUp", "rampup", "ramp-up":
		return PhaseP1RampUp, nil
	case "P2", "p2", "Maintenance", "maintenance":
		return PhaseP2Maintenance, nil
	case "P3", "p3", "PreDark", "predark", "pre-dark":
		return PhaseP3PreDark, nil
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// SteeringMode selects the vegetative or generative parameter variants.
type SteeringMode string

const (
	ModeVegetative SteeringMode = "vegetative"
	ModeGenerative SteeringMode = "generative"
)

// Valid reports whether m is a known steering mode.
func (m SteeringMode) Valid() bool {
	return m == ModeVegetative || m == ModeGenerative
}

// SensorKind tags a reading stream. VWC and EC are never fused together.
type SensorKind string

const (
	KindVWC SensorKind = "vwc"
	KindEC  SensorKind = "ec"
)

// Range returns the plausible value range for the kind; samples outside it
// are invalid and never contribute to fusion.
func (k SensorKind) Range() (min, max float64) {
	switch k {
	case KindEC:
		return 0, 20
	default: // VWC
		return 0, 100
	}
}

// Priority orders irrigation jobs. Higher values run first.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps config strings onto Priority; empty means Normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// ShotType distinguishes why a shot was fired.
type ShotType string

const (
	ShotPhase     ShotType = "phase"     // produced by the per-phase decision rules
	ShotGroup     ShotType = "group"     // group burst triggered by a member shot
	ShotEmergency ShotType = "emergency" // emergency path, Critical priority
	ShotManual    ShotType = "manual"    // operator ExecuteShot service call
)

// EntityKind tags a host entity handle so misuse is caught at boot,
// not at actuation time.
type EntityKind string

const (
	EntitySwitch EntityKind = "switch"
	EntitySensor EntityKind = "sensor"
	EntityNumber EntityKind = "number"
)

// EntityRef is a typed handle to a host entity. Entity names are opaque
// strings at the bridge boundary only; everything above it carries refs.
type EntityRef struct {
	ID   string     `json:"id"`
	Kind EntityKind `json:"kind"`
}

// Validate rejects empty ids and unknown kinds.
func (r EntityRef) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("entity ref: empty id")
	}
	switch r.Kind {
	case EntitySwitch, EntitySensor, EntityNumber:
		return nil
	}
	return fmt.Errorf("entity ref %q: unknown kind %q", r.ID, r.Kind)
}

// Reading is a single raw sensor sample as delivered by the bridge.
type Reading struct {
	SensorID string     `json:"sensor_id"`
	Zone     ZoneID     `json:"zone"`
	Kind     SensorKind `json:"kind"`
	Value    float64    `json:"value"`
	At       time.Time  `json:"at"`
}

// InRange reports whether the value lies inside the kind's plausible range.
func (r Reading) InRange() bool {
	min, max := r.Kind.Range()
	return r.Value >= min && r.Value <= max
}

// FusedValue is the trusted per-(zone,kind) estimate produced by fusion.
type FusedValue struct {
	Value float64 `json:"value"`
	// Confidence is (survivors/total) * mean(reliability of survivors), in [0,1].
	Confidence float64 `json:"confidence"`
	// Sensors is the number of contributing (surviving) sensors this pass.
	Sensors int `json:"sensors"`
	// Total is the number of sensors registered for this zone and kind.
	Total int `json:"total"`
	// At is the timestamp of the newest contributing sample.
	At time.Time `json:"at"`
}

// DrybackWindow is one completed peak-to-valley moisture excursion.
type DrybackWindow struct {
	PeakVWC   float64   `json:"peak_vwc"`
	ValleyVWC float64   `json:"valley_vwc"`
	PeakAt    time.Time `json:"peak_at"`
	ValleyAt  time.Time `json:"valley_at"`
	DropPct   float64   `json:"drop_pct"`
}

// DecisionKind discriminates the Decision union.
type DecisionKind string

const (
	DecisionHold       DecisionKind = "hold"
	DecisionShot       DecisionKind = "shot"
	DecisionTransition DecisionKind = "transition"
	DecisionEmergency  DecisionKind = "emergency"
)

// Decision is the outcome of one zone tick: hold, fire a shot, change phase,
// or escalate to the emergency path. At most one per zone per tick.
type Decision struct {
	Zone   ZoneID       `json:"zone"`
	Kind   DecisionKind `json:"kind"`
	Reason string       `json:"reason,omitempty"`

	// Shot / Emergency fields.
	VolumeMl float64 `json:"volume_ml,omitempty"`
	// Deficit is how far below its effective threshold the zone sits
	// (threshold - fused VWC); the sequencer runs drier zones first.
	Deficit float64 `json:"deficit,omitempty"`

	// Transition fields.
	From Phase `json:"from,omitempty"`
	To   Phase `json:"to,omitempty"`
}

// JobZone is one zone's share of an irrigation job. Group bursts carry
// several; plain shots carry exactly one.
type JobZone struct {
	Zone     ZoneID        `json:"zone"`
	VolumeMl float64       `json:"volume_ml"`
	Duration time.Duration `json:"duration"`
	Valve    EntityRef     `json:"valve"`
	Deficit  float64       `json:"deficit,omitempty"`
}

// IrrigationJob is a queued actuation request. FIFO is stable within a
// priority; the sequencer breaks ties driest-first, then by zone id.
type IrrigationJob struct {
	ID         string    `json:"id"`
	Zones      []JobZone `json:"zones"`
	Pump       EntityRef `json:"pump"`
	MainValve  EntityRef `json:"main_valve"`
	Priority   Priority  `json:"priority"`
	ShotType   ShotType  `json:"shot_type"`
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	// Seq is assigned by the sequencer at enqueue and makes ordering stable.
	Seq uint64 `json:"seq"`
}

// Deficit returns the job's largest per-zone deficit (driest member).
func (j IrrigationJob) Deficit() float64 {
	d := 0.0
	for i, z := range j.Zones {
		if i == 0 || z.Deficit > d {
			d = z.Deficit
		}
	}
	return d
}

// LowestZone returns the smallest member zone id (final ordering tie-break).
func (j IrrigationJob) LowestZone() ZoneID {
	if len(j.Zones) == 0 {
		return 0
	}
	low := j.Zones[0].Zone
	for _, z := range j.Zones[1:] {
		if z.Zone < low {
			low = z.Zone
		}
	}
	return low
}

// JobResult reports what a finished (or aborted) job actually did.
type JobResult struct {
	JobID    string             `json:"job_id"`
	ShotType ShotType           `json:"shot_type"`
	Reason   string             `json:"reason"`
	Volumes  map[ZoneID]float64 `json:"volumes"` // delivered, prorated on interruption
	Started  time.Time          `json:"started"`
	Finished time.Time          `json:"finished"`
	// Completed is false when the job was preempted, cancelled, or aborted
	// by an actuation failure; AbortReason says which.
	Completed   bool   `json:"completed"`
	AbortReason string `json:"abort_reason,omitempty"`
}

// ZoneRuntime is the mutable per-zone state owned by the coordinator and
// persisted across restarts.
// Stable: field set mirrors the on-disk snapshot schema (version 1).
type ZoneRuntime struct {
	Phase                  Phase     `json:"phase"`
	PhaseEnteredAt         time.Time `json:"phaseEnteredAt"`
	PeakVWC                float64   `json:"peakVwc"`
	LastIrrigationAt       time.Time `json:"lastIrrigationAt"`
	ShotsInPhase           int       `json:"shotsInPhase"`
	CumulativeShotVolumeMl float64   `json:"cumulativeShotVolumeMl"`
	DailyUsageMl           float64   `json:"dailyUsageMl"`
	WeeklyUsageMl          float64   `json:"weeklyUsageMl"`
	DailyResetDate         string    `json:"dailyResetDate"`  // YYYY-MM-DD local
	WeeklyResetDate        string    `json:"weeklyResetDate"` // Monday of the ISO week, YYYY-MM-DD local
}

// InFlightMarker records a hardware job between its open and close halves.
// Entities are ordered pump, main-line valve, then zone valves, so crash
// recovery can run the shutdown sub-sequence without any other state.
type InFlightMarker struct {
	JobID    string   `json:"jobId"`
	Zones    []ZoneID `json:"zoneIds"`
	Step     int      `json:"step"`
	Entities []string `json:"entities"`
}

// PumpEntity returns the pump entity id recorded in the marker.
func (m InFlightMarker) PumpEntity() string {
	if len(m.Entities) > 0 {
		return m.Entities[0]
	}
	return ""
}

// MainEntity returns the main-line valve entity id recorded in the marker.
func (m InFlightMarker) MainEntity() string {
	if len(m.Entities) > 1 {
		return m.Entities[1]
	}
	return ""
}

// ValveEntities returns the zone valve entity ids recorded in the marker.
func (m InFlightMarker) ValveEntities() []string {
	if len(m.Entities) > 2 {
		return m.Entities[2:]
	}
	return nil
}
