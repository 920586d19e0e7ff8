// Package zone evaluates the per-tick decision for a single irrigation zone.
// Evaluate is pure: it mutates nothing and suspends on nothing, so the
// coordinator can call it for a live tick and the ops API can call it for a
// dry-run with identical semantics. Phase changes are described by an ordered
// guard table; the first matching row wins.
package zone

import (
	"time"

	"cropsteer/engine/internal/tuning"
	"cropsteer/engine/models"
)

// State is the coordinator's view of one zone at evaluation time. It is a
// value copy; Evaluate never writes back.
type State struct {
	Zone            models.ZoneID
	Phase           models.Phase
	PhaseEnteredAt  time.Time
	ShotsInPhase    int
	LastShotAt      time.Time
	LastEmergencyAt time.Time
	// Parked suspends transitions and normal irrigation after prolonged
	// sensor degradation; only the emergency path stays live.
	Parked bool
	// Unsafe disables the zone entirely until operator intervention.
	Unsafe bool
}

// Inputs is the sensor and schedule context for one tick.
type Inputs struct {
	Now time.Time

	VWC   models.FusedValue
	VWCOK bool
	EC    models.FusedValue
	ECOK  bool

	// DrybackPct is the detector's live percent drop from the P0-entry peak.
	DrybackPct float64

	LightsOn       bool
	UntilLightsOff time.Duration

	// LastVWC carries the newest in-range sample for the emergency path
	// when fusion fails; LastVWCOK is false once it ages past the
	// emergency staleness bound.
	LastVWC   float64
	LastVWCAt time.Time
	LastVWCOK bool
}

// Params is the per-zone irrigation topology (config, not live-tunable).
type Params struct {
	SubstrateVolumeMl   float64
	DripperCount        int
	DripperFlowMlPerMin float64
}

// Outcome is the result of one evaluation.
type Outcome struct {
	Decision models.Decision
	// Degraded reports that fused VWC was unavailable for this tick.
	Degraded bool
}

type guardFn func(s State, in Inputs, set tuning.Settings) bool

type rule struct {
	from   models.Phase
	to     models.Phase
	reason string
	guard  guardFn
}

// rules is scanned in order and the first match wins. The EC-reset row sits
// above the plain ramp-complete row: both can hold at once and the recorded
// reason must say the flush ended the ramp.
var rules = []rule{
	{models.PhaseP3PreDark, models.PhaseP0Dryback, "lights-off",
		func(s State, in Inputs, set tuning.Settings) bool {
			return !in.LightsOn
		}},
	{models.PhaseP0Dryback, models.PhaseP1RampUp, "dryback-target",
		func(s State, in Inputs, set tuning.Settings) bool {
			return in.VWCOK && in.DrybackPct >= set.DrybackTargetPct()
		}},
	{models.PhaseP0Dryback, models.PhaseP1RampUp, "p0-timeout",
		func(s State, in Inputs, set tuning.Settings) bool {
			return in.Now.Sub(s.PhaseEnteredAt) >= set.P0MaxWait
		}},
	{models.PhaseP0Dryback, models.PhaseP1RampUp, "emergency-rehydrate",
		func(s State, in Inputs, set tuning.Settings) bool {
			return in.VWCOK && in.VWC.Value < set.P3EmergencyThresholdPct
		}},
	{models.PhaseP1RampUp, models.PhaseP2Maintenance, "ec-reset",
		func(s State, in Inputs, set tuning.Settings) bool {
			return in.ECOK && in.EC.Value <= set.ECFlushTarget &&
				in.VWCOK && in.VWC.Value >= set.P1TargetVWCPct &&
				s.ShotsInPhase >= set.P1MinShots
		}},
	{models.PhaseP1RampUp, models.PhaseP2Maintenance, "p1-complete",
		func(s State, in Inputs, set tuning.Settings) bool {
			return in.VWCOK && in.VWC.Value >= set.P1TargetVWCPct &&
				s.ShotsInPhase >= set.P1MinShots
		}},
	{models.PhaseP1RampUp, models.PhaseP2Maintenance, "p1-max-shots",
		func(s State, in Inputs, set tuning.Settings) bool {
			return s.ShotsInPhase >= set.P1MaxShots
		}},
	{models.PhaseP2Maintenance, models.PhaseP3PreDark, "p3-lead",
		func(s State, in Inputs, set tuning.Settings) bool {
			return !in.LightsOn || in.UntilLightsOff <= set.P3LeadFor()
		}},
}

// Evaluate returns the single decision a tick makes for this zone: a phase
// transition, an emergency shot, a normal shot, or a hold. Transitions take
// precedence over shots; the shot a transition enables fires on the next
// tick.
func Evaluate(s State, in Inputs, set tuning.Settings, p Params) Outcome {
	out := Outcome{Degraded: !in.VWCOK}
	if s.Unsafe {
		out.Decision = hold(s.Zone, "unsafe")
		return out
	}

	if !s.Parked {
		for _, r := range rules {
			if r.from != s.Phase {
				continue
			}
			if !r.guard(s, in, set) {
				continue
			}
			out.Decision = models.Decision{
				Zone:   s.Zone,
				Kind:   models.DecisionTransition,
				Reason: r.reason,
				From:   r.from,
				To:     r.to,
			}
			return out
		}
	}

	if d, ok := emergencyDecision(s, in, set, p); ok {
		out.Decision = d
		return out
	}

	if s.Parked {
		out.Decision = hold(s.Zone, "parked")
		return out
	}
	if !in.VWCOK {
		out.Decision = hold(s.Zone, "sensor-degraded")
		return out
	}

	switch s.Phase {
	case models.PhaseP1RampUp:
		out.Decision = p1Shot(s, in, set, p)
	case models.PhaseP2Maintenance:
		out.Decision = p2Shot(s, in, set, p)
	case models.PhaseP0Dryback:
		out.Decision = hold(s.Zone, "drying-back")
	default: // P3
		out.Decision = hold(s.Zone, "pre-dark")
	}
	return out
}

// ForcedTransition is the decision recorded for an operator ForcePhase call.
// It bypasses the guard table entirely.
func ForcedTransition(zone models.ZoneID, from, to models.Phase) models.Decision {
	return models.Decision{
		Zone:   zone,
		Kind:   models.DecisionTransition,
		Reason: "forced",
		From:   from,
		To:     to,
	}
}

func hold(zone models.ZoneID, reason string) models.Decision {
	return models.Decision{Zone: zone, Kind: models.DecisionHold, Reason: reason}
}

// emergencyVWC picks the value the emergency path judges: the fused value
// when fusion succeeded, else the newest in-range sample while it is still
// inside the emergency staleness bound.
func emergencyVWC(in Inputs) (float64, bool) {
	if in.VWCOK {
		return in.VWC.Value, true
	}
	if in.LastVWCOK {
		return in.LastVWC, true
	}
	return 0, false
}

func emergencyDecision(s State, in Inputs, set tuning.Settings, p Params) (models.Decision, bool) {
	v, ok := emergencyVWC(in)
	if !ok || v >= set.P3EmergencyThresholdPct {
		return models.Decision{}, false
	}
	if !s.LastEmergencyAt.IsZero() && in.Now.Sub(s.LastEmergencyAt) < set.EmergencyCooldown {
		return models.Decision{}, false
	}
	return models.Decision{
		Zone:     s.Zone,
		Kind:     models.DecisionEmergency,
		Reason:   "emergency-low-vwc",
		VolumeMl: ShotVolume(set.P3EmergencyShotPct, p, set),
		Deficit:  set.P3EmergencyThresholdPct - v,
	}, true
}

func p1Shot(s State, in Inputs, set tuning.Settings, p Params) models.Decision {
	threshold := 0.9 * set.P1TargetVWCPct
	if in.VWC.Value >= threshold {
		return hold(s.Zone, "vwc-above-threshold")
	}
	if s.ShotsInPhase >= set.P1MaxShots {
		return hold(s.Zone, "shot-cap")
	}
	if !s.LastShotAt.IsZero() && in.Now.Sub(s.LastShotAt) < set.P1InterShotDelay {
		return hold(s.Zone, "inter-shot-delay")
	}
	pct := set.P1InitialShotPct + float64(s.ShotsInPhase)*set.P1ShotIncrementPct
	if pct > set.P1MaxShotPct {
		pct = set.P1MaxShotPct
	}
	reason := "P1 ramp"
	if s.ShotsInPhase == 0 {
		reason = "P1 ramp start"
	}
	return models.Decision{
		Zone:     s.Zone,
		Kind:     models.DecisionShot,
		Reason:   reason,
		VolumeMl: ShotVolume(pct, p, set),
		Deficit:  threshold - in.VWC.Value,
	}
}

func p2Shot(s State, in Inputs, set tuning.Settings, p Params) models.Decision {
	threshold := EffectiveP2Threshold(in, set)
	if in.VWC.Value >= threshold {
		return hold(s.Zone, "vwc-above-threshold")
	}
	return models.Decision{
		Zone:     s.Zone,
		Kind:     models.DecisionShot,
		Reason:   "P2 maintenance",
		VolumeMl: ShotVolume(set.P2ShotPct, p, set),
		Deficit:  threshold - in.VWC.Value,
	}
}

// EffectiveP2Threshold applies the EC-ratio bias to the maintenance
// threshold. A hot ratio raises the threshold (irrigate sooner, dilute); a
// low ratio lowers it (irrigate later, concentrate). The bias is recomputed
// from the live EC every call and never latched.
func EffectiveP2Threshold(in Inputs, set tuning.Settings) float64 {
	threshold := set.P2VWCThresholdPct
	if !in.ECOK {
		return threshold
	}
	target := set.ECTargetFor(models.PhaseP2Maintenance)
	if target <= 0 {
		return threshold
	}
	ratio := in.EC.Value / target
	switch {
	case ratio > set.ECHigh:
		threshold += set.VWCBumpHigh
	case ratio < set.ECLow:
		threshold -= set.VWCBumpLow
	}
	return threshold
}

// ShotVolume converts a shot size in percent of substrate volume to
// milliliters, scaled by the global shot multiplier.
func ShotVolume(pct float64, p Params, set tuning.Settings) float64 {
	return pct / 100 * p.SubstrateVolumeMl * set.ShotMultiplier
}

// ShotDuration converts a volume to valve-open time from the zone's dripper
// topology, clamped to the configured bounds.
func ShotDuration(volumeMl float64, p Params, set tuning.Settings) time.Duration {
	flow := float64(p.DripperCount) * p.DripperFlowMlPerMin
	if flow <= 0 || volumeMl <= 0 {
		return set.MinShot
	}
	d := time.Duration(volumeMl / flow * float64(time.Minute))
	if d < set.MinShot {
		return set.MinShot
	}
	if d > set.MaxShot {
		return set.MaxShot
	}
	return d
}
