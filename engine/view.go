package engine

import (
	"time"

	"cropsteer/engine/bridge"
	"cropsteer/engine/models"
)

// ZoneView is one zone's externally visible state.
type ZoneView struct {
	Zone           models.ZoneID `json:"zone"`
	Enabled        bool          `json:"enabled"`
	Group          string        `json:"group,omitempty"`
	Phase          models.Phase  `json:"phase"`
	PhaseEnteredAt time.Time     `json:"phaseEnteredAt"`
	ShotsInPhase   int           `json:"shotsInPhase"`

	VWC        *float64 `json:"vwc,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	EC         *float64 `json:"ec,omitempty"`
	DrybackPct float64  `json:"drybackPct"`
	PeakVWC    float64  `json:"peakVwc,omitempty"`

	LastIrrigationAt time.Time `json:"lastIrrigationAt,omitempty"`
	DailyUsageMl     float64   `json:"dailyUsageMl"`
	WeeklyUsageMl    float64   `json:"weeklyUsageMl"`
	CumulativeMl     float64   `json:"cumulativeMl"`
	DailyBudgetMl    float64   `json:"dailyBudgetMl,omitempty"`

	Parked         bool `json:"parked"`
	Unsafe         bool `json:"unsafe"`
	ManualOverride bool `json:"manualOverride"`
	Degraded       bool `json:"degraded"`
}

// RunningJob describes the job currently driving hardware.
type RunningJob struct {
	ID       string          `json:"id"`
	Zones    []models.ZoneID `json:"zones"`
	Type     models.ShotType `json:"type"`
	Reason   string          `json:"reason"`
	Priority string          `json:"priority"`
}

// View is a point-in-time picture of the whole controller.
type View struct {
	Time          time.Time           `json:"time"`
	Mode          models.SteeringMode `json:"mode"`
	LightsOn      bool                `json:"lightsOn"`
	NextLightsOff time.Time           `json:"nextLightsOff"`
	NextLightsOn  time.Time           `json:"nextLightsOn"`

	Zones []ZoneView `json:"zones"`

	QueueDepth int         `json:"queueDepth"`
	Running    *RunningJob `json:"running,omitempty"`

	PersistenceDegraded bool      `json:"persistenceDegraded"`
	LastSnapshotAt      time.Time `json:"lastSnapshotAt,omitempty"`

	BridgeWrites *bridge.BufferedStats `json:"bridgeWrites,omitempty"`
}

// Snapshot assembles the live view. Sensor values come from Peek, so reading
// the view never steps sensor reliability.
func (e *Engine) Snapshot() View {
	now := e.clock.Now()
	set := e.tun.Snapshot()
	v := View{Time: now, Mode: set.Mode}

	e.mu.Lock()
	sched := e.sched
	v.LightsOn = sched.IsOn(now)
	v.NextLightsOff = sched.NextOff(now)
	v.NextLightsOn = sched.NextOn(now)
	for _, id := range e.zoneOrder {
		zs := e.zones[id]
		zv := ZoneView{
			Zone:             id,
			Enabled:          zs.cfg.IsEnabled(),
			Group:            zs.cfg.Group,
			Phase:            zs.st.Phase,
			PhaseEnteredAt:   zs.st.PhaseEnteredAt,
			ShotsInPhase:     zs.st.ShotsInPhase,
			DrybackPct:       zs.dry.CurrentDrybackPercent(),
			LastIrrigationAt: zs.rt.LastIrrigationAt,
			DailyUsageMl:     zs.rt.DailyUsageMl,
			WeeklyUsageMl:    zs.rt.WeeklyUsageMl,
			CumulativeMl:     zs.rt.CumulativeShotVolumeMl,
			DailyBudgetMl:    zs.cfg.DailyBudgetMl,
			Parked:           zs.st.Parked,
			Unsafe:           zs.st.Unsafe,
			ManualOverride:   zs.manualActive(now),
			Degraded:         !zs.degradedSince.IsZero(),
		}
		if peak, _, ok := zs.dry.RunningPeak(); ok {
			zv.PeakVWC = peak
		}
		if fv, err := zs.vwc.Peek(); err == nil {
			val, conf := fv.Value, fv.Confidence
			zv.VWC, zv.Confidence = &val, &conf
		}
		if len(zs.cfg.EcSensors) > 0 {
			if fv, err := zs.ec.Peek(); err == nil {
				val := fv.Value
				zv.EC = &val
			}
		}
		v.Zones = append(v.Zones, zv)
	}
	e.mu.Unlock()

	v.QueueDepth = e.seq.QueueDepth()
	if job, ok := e.seq.Running(); ok {
		r := &RunningJob{
			ID:       job.ID,
			Type:     job.ShotType,
			Reason:   job.Reason,
			Priority: job.Priority.String(),
		}
		for _, jz := range job.Zones {
			r.Zones = append(r.Zones, jz.Zone)
		}
		v.Running = r
	}
	v.PersistenceDegraded = e.store.Degraded() || e.persistDegraded.Load()
	v.LastSnapshotAt = e.store.LastSaved()
	if s, ok := e.br.(interface{ Stats() bridge.BufferedStats }); ok {
		st := s.Stats()
		v.BridgeWrites = &st
	}
	return v
}

// CurrentParams returns the active parameter set.
func (e *Engine) CurrentParams() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// DrybackHistory returns the zone's completed dryback windows, oldest first.
func (e *Engine) DrybackHistory(id models.ZoneID) ([]models.DrybackWindow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	zs := e.zones[id]
	if zs == nil {
		return nil, ErrUnknownZone
	}
	return zs.dry.Windows(), nil
}
