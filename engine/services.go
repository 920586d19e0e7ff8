package engine

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cropsteer/engine/internal/telemetry/events"
	"cropsteer/engine/internal/zone"
	"cropsteer/engine/models"
)

// requestLog is the bounded idempotency record for ExecuteShot. Guarded by
// Engine.mu; oldest entries fall out first.
type requestLog struct {
	max   int
	order []string
	byID  map[string]string
}

func newRequestLog(max int) *requestLog {
	return &requestLog{max: max, byID: make(map[string]string, max)}
}

func (l *requestLog) get(requestID string) (string, bool) {
	id, ok := l.byID[requestID]
	return id, ok
}

func (l *requestLog) put(requestID, jobID string) {
	if _, ok := l.byID[requestID]; ok {
		l.byID[requestID] = jobID
		return
	}
	if len(l.order) >= l.max {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.byID, oldest)
	}
	l.order = append(l.order, requestID)
	l.byID[requestID] = jobID
}

// ForcePhase moves a zone to phase immediately, bypassing the guard table.
// It also clears the parked and unsafe latches: forcing a phase is the
// operator acknowledgement after a latch. Forcing the current phase only
// clears latches.
func (e *Engine) ForcePhase(id models.ZoneID, phase models.Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("engine: invalid phase %q", phase)
	}
	now := e.clock.Now()
	out := tickOutcome{phaseWrites: make(map[models.ZoneID]models.Phase)}

	e.mu.Lock()
	zs := e.zones[id]
	if zs == nil {
		e.mu.Unlock()
		return ErrUnknownZone
	}
	from := zs.st.Phase
	cleared := zs.st.Unsafe || zs.st.Parked
	zs.st.Unsafe = false
	zs.st.Parked = false
	if from != phase {
		d := zone.ForcedTransition(id, from, phase)
		e.applyTransitionLocked(zs, d, now, &out)
	}
	e.mu.Unlock()

	if cleared {
		e.log.Info("zone latches cleared by operator", zap.Int("zone", int(id)))
		e.inst.zoneUnsafe.Set(0, zoneLabel(id))
	}
	for _, ev := range out.events {
		e.emit(ev)
	}
	for zid, p := range out.phaseWrites {
		e.writePhase(zid, p)
	}
	e.nudgeSnapshot()
	return nil
}

// ShotRequest is an operator-initiated shot. Exactly one of VolumeMl or
// Duration must be positive; the other is derived from the zone's dripper
// topology. A RequestID makes the call idempotent: retries return the job
// the first call enqueued.
type ShotRequest struct {
	RequestID string
	Zone      models.ZoneID
	VolumeMl  float64
	Duration  time.Duration
	Reason    string
}

// ExecuteShot enqueues a manual shot at Critical priority. Manual shots pass
// the manual-override gate but still honor the system switch, zone enable
// and the unsafe latch.
func (e *Engine) ExecuteShot(req ShotRequest) (string, error) {
	set := e.tun.Snapshot()

	e.mu.Lock()
	zs := e.zones[req.Zone]
	if zs == nil {
		e.mu.Unlock()
		return "", ErrUnknownZone
	}
	if req.RequestID != "" {
		if jobID, ok := e.requests.get(req.RequestID); ok {
			e.mu.Unlock()
			return jobID, nil
		}
	}

	p := zoneParams(zs.cfg)
	vol, dur := req.VolumeMl, req.Duration
	switch {
	case vol <= 0 && dur <= 0:
		e.mu.Unlock()
		return "", errors.New("engine: shot needs a volume or a duration")
	case vol <= 0:
		vol = float64(p.DripperCount) * p.DripperFlowMlPerMin * dur.Minutes()
	case dur <= 0:
		dur = zone.ShotDuration(vol, p, set)
	}
	if dur < set.MinShot {
		dur = set.MinShot
	}
	if dur > set.MaxShot {
		dur = set.MaxShot
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual shot"
	}
	job := models.IrrigationJob{
		Zones: []models.JobZone{{
			Zone:     req.Zone,
			VolumeMl: vol,
			Duration: dur,
			Valve:    zs.cfg.ValveRef(),
		}},
		Pump:      zs.cfg.PumpRef(),
		MainValve: zs.cfg.MainValveRef(),
		Priority:  models.PriorityCritical,
		ShotType:  models.ShotManual,
		Reason:    reason,
	}
	jobID, err := e.seq.Enqueue(job)
	if err == nil && req.RequestID != "" {
		e.requests.put(req.RequestID, jobID)
	}
	e.mu.Unlock()

	if err != nil {
		return "", err
	}
	e.emitScheduled(job, jobID)
	return jobID, nil
}

// SetManualOverride hands a zone to the operator. While active the gate
// rejects every automatic job (phase, group and emergency); manual shots
// still run. Enabling it cancels the zone's queued and running work.
// d <= 0 keeps the override until explicitly cleared.
func (e *Engine) SetManualOverride(id models.ZoneID, on bool, d time.Duration) error {
	now := e.clock.Now()

	e.mu.Lock()
	zs := e.zones[id]
	if zs == nil {
		e.mu.Unlock()
		return ErrUnknownZone
	}
	zs.manual = on
	zs.manualUntil = time.Time{}
	if on && d > 0 {
		zs.manualUntil = now.Add(d)
	}
	e.mu.Unlock()

	if on {
		if removed, preempted := e.seq.Cancel(id); removed > 0 || preempted {
			e.log.Info("manual override cancelled queued work",
				zap.Int("zone", int(id)),
				zap.Int("removed", removed),
				zap.Bool("preempted", preempted))
		}
	}
	fields := map[string]interface{}{"active": on}
	if on && d > 0 {
		fields["durationSec"] = d.Seconds()
	}
	e.emit(events.Event{
		Category: events.CategoryIrrigation,
		Type:     string(models.EventManualOverride),
		Zone:     int(id),
		Fields:   fields,
	})
	return nil
}

// TransitionCheck reports what the state machine would decide right now. It
// is pure observation: no reliability stepping, no state changes.
type TransitionCheck struct {
	Zone          models.ZoneID   `json:"zone"`
	Phase         models.Phase    `json:"phase"`
	InPhaseForSec float64         `json:"inPhaseForSec"`
	DrybackPct    float64         `json:"drybackPct"`
	Decision      models.Decision `json:"decision"`
	Degraded      bool            `json:"degraded"`
}

// CheckTransitionConditions evaluates the zone's rules against current
// sensor state without committing anything.
func (e *Engine) CheckTransitionConditions(id models.ZoneID) (TransitionCheck, error) {
	set := e.tun.Snapshot()
	now := e.clock.Now()

	e.mu.Lock()
	defer e.mu.Unlock()
	zs := e.zones[id]
	if zs == nil {
		return TransitionCheck{}, ErrUnknownZone
	}
	fv, verr := zs.vwc.Peek()
	vok := verr == nil
	var ecv models.FusedValue
	eok := false
	if len(zs.cfg.EcSensors) > 0 {
		if v, err := zs.ec.Peek(); err == nil {
			ecv, eok = v, true
		}
	}
	lastV, lastAt, lastOK := zs.vwc.LastKnown()
	in := zone.Inputs{
		Now:            now,
		VWC:            fv,
		VWCOK:          vok,
		EC:             ecv,
		ECOK:           eok,
		DrybackPct:     zs.dry.CurrentDrybackPercent(),
		LightsOn:       e.sched.IsOn(now),
		UntilLightsOff: e.sched.UntilOff(now),
		LastVWC:        lastV,
		LastVWCAt:      lastAt,
		LastVWCOK:      lastOK && now.Sub(lastAt) <= set.EmergencyStale,
	}
	res := zone.Evaluate(zs.st, in, set, zoneParams(zs.cfg))
	return TransitionCheck{
		Zone:          id,
		Phase:         zs.st.Phase,
		InPhaseForSec: now.Sub(zs.st.PhaseEnteredAt).Seconds(),
		DrybackPct:    in.DrybackPct,
		Decision:      res.Decision,
		Degraded:      res.Degraded,
	}, nil
}
