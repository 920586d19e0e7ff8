// Package engine is the irrigation coordinator. It owns the per-zone phase
// state machines, fuses sensor input, evaluates decisions on a fixed tick,
// dispatches hardware jobs to the sequencer, and keeps the on-disk snapshot
// current so a crash never leaves hardware open or state lost. One Engine
// runs per controller process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"cropsteer/engine/bridge"
	"cropsteer/engine/internal/dryback"
	"cropsteer/engine/internal/fusion"
	"cropsteer/engine/internal/persist"
	"cropsteer/engine/internal/sequencer"
	"cropsteer/engine/internal/telemetry/events"
	"cropsteer/engine/internal/telemetry/health"
	"cropsteer/engine/internal/telemetry/metrics"
	"cropsteer/engine/internal/telemetry/policy"
	"cropsteer/engine/internal/telemetry/tracing"
	"cropsteer/engine/internal/tuning"
	"cropsteer/engine/internal/zone"
	"cropsteer/engine/models"
	"cropsteer/engine/schedule"
)

// Host entities the engine watches for operator control. Absent entities are
// permissive: only an explicit "off" blocks.
const (
	entitySystemEnabled  = "switch.cs_system_enabled"
	entityAutoIrrigation = "switch.cs_auto_irrigation"
)

func zonePhaseEntity(id models.ZoneID) string {
	return fmt.Sprintf("sensor.cs_zone_%d_phase", id)
}

func zoneEnabledEntity(id models.ZoneID) string {
	return fmt.Sprintf("switch.cs_zone_%d_enabled", id)
}

func zoneLabel(id models.ZoneID) string { return strconv.Itoa(int(id)) }

// ErrStateUnrecoverable wraps boot persistence failures that reconstruction
// cannot paper over (unreadable state directory, undecodable but present
// file the migrator also rejected). The daemon exits rather than run with
// amnesia it cannot explain.
var ErrStateUnrecoverable = errors.New("engine: persisted state unrecoverable")

// ErrUnknownZone is returned by services addressing a zone outside the
// configured topology.
var ErrUnknownZone = errors.New("engine: unknown zone")

// Gate veto reasons, surfaced in irrigation_skipped events.
var (
	errSystemDisabled = errors.New("system disabled")
	errAutoDisabled   = errors.New("auto-irrigation disabled")
	errZoneDisabled   = errors.New("zone disabled")
	errManualOverride = errors.New("manual override active")
	errZoneUnsafe     = errors.New("zone unsafe")
	errBudgetExceeded = errors.New("daily budget exceeded")
)

// Config wires an Engine. Params and Bridge are required; everything else
// defaults to production implementations.
type Config struct {
	Params Params
	Bridge bridge.Bridge

	Logger *zap.Logger
	Clock  clock.WithTicker
	FS     afero.Fs

	// ConfigPath enables live parameter reloads (file watch plus SIGHUP).
	ConfigPath string
}

// zoneState is everything the engine tracks for one zone. The containing
// map is built once in New and never mutated; individual fields are guarded
// by Engine.mu.
type zoneState struct {
	cfg      ZoneConfig
	priority models.Priority

	st zone.State          // phase machine state
	rt models.ZoneRuntime  // persisted counters

	vwc *fusion.Fuser
	ec  *fusion.Fuser
	dry *dryback.Tracker

	manual      bool
	manualUntil time.Time

	degradedSince time.Time

	lastVWC   models.FusedValue
	lastVWCOK bool

	// completed dryback windows collected under mu by the tracker callback,
	// drained into events by the tick.
	pendingWindows []models.DrybackWindow
}

func (zs *zoneState) manualActive(now time.Time) bool {
	return zs.manual && (zs.manualUntil.IsZero() || now.Before(zs.manualUntil))
}

func zoneParams(cfg ZoneConfig) zone.Params {
	return zone.Params{
		SubstrateVolumeMl:   cfg.SubstrateVolumeMl,
		DripperCount:        cfg.DripperCount,
		DripperFlowMlPerMin: cfg.DripperFlowMlPerMin,
	}
}

// Engine coordinates zones, sensors, the sequencer and persistence.
type Engine struct {
	cfg   Config
	log   *zap.Logger
	clock clock.WithTicker
	fs    afero.Fs

	br      bridge.Bridge
	act     sequencer.Actuator
	store   *persist.Store
	seq     *sequencer.Sequencer
	tun     *tuning.Store
	metrics metrics.Provider
	inst    *instruments
	tracer  tracing.Tracer
	bus     events.Bus

	telMu     sync.RWMutex
	ring      *eventRing
	evaluator *health.Evaluator
	probes    []health.Probe
	pol       atomic.Pointer[policy.TelemetryPolicy]

	mu        sync.Mutex
	params    Params
	sched     schedule.LightSchedule
	zones     map[models.ZoneID]*zoneState
	zoneOrder []models.ZoneID
	groupSize map[string]int
	curMarker *models.InFlightMarker
	jobSpans  map[string]trace.Span
	requests  *requestLog

	lastBridgeStats bridge.BufferedStats

	persistDegraded atomic.Bool

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
	unsubs  []func()
	snapCh  chan struct{}
}

// New builds an Engine from cfg. The engine is inert until Start.
func New(cfg Config) (*Engine, error) {
	if cfg.Bridge == nil {
		return nil, errors.New("engine: nil bridge")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}

	sched, err := cfg.Params.Schedule()
	if err != nil {
		return nil, err
	}

	var provider metrics.Provider
	switch cfg.Params.Telemetry.Metrics {
	case "otel":
		provider = metrics.NewOTelProvider(metrics.OTelProviderOptions{})
	case "noop":
		provider = metrics.NewNoopProvider()
	default:
		provider = metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}

	store, err := persist.NewStore(cfg.Params.StatePath, persist.Options{
		FS:     cfg.FS,
		Logger: cfg.Logger,
		Clock:  cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateUnrecoverable, err)
	}

	e := &Engine{
		cfg:       cfg,
		log:       cfg.Logger.Named("engine"),
		clock:     cfg.Clock,
		fs:        cfg.FS,
		br:        cfg.Bridge,
		act:       actuatorAdapter{cfg.Bridge},
		store:     store,
		tun:       tuning.NewStore(cfg.Params.Settings(), cfg.Bridge),
		metrics:   provider,
		inst:      newInstruments(provider),
		bus:       events.NewBus(),
		params:    cfg.Params,
		sched:     sched,
		zones:     make(map[models.ZoneID]*zoneState, len(cfg.Params.Zones)),
		groupSize: make(map[string]int),
		jobSpans:  make(map[string]trace.Span),
		requests:  newRequestLog(256),
		done:      make(chan struct{}),
		snapCh:    make(chan struct{}, 1),
	}
	e.tracer = tracing.NewAdaptiveTracer(func() float64 {
		return e.pol.Load().Tracing.SamplePercent
	})

	set := e.tun.Base()
	for _, zc := range cfg.Params.Zones {
		zc := zc
		zs := &zoneState{
			cfg: zc,
			st:  zone.State{Zone: zc.ID, Phase: models.PhaseP0Dryback},
			rt:  models.ZoneRuntime{Phase: models.PhaseP0Dryback},
		}
		zs.priority, _ = models.ParsePriority(zc.Priority)
		fuserOpts := func(kind models.SensorKind) fusion.Options {
			return fusion.Options{
				SampleWindow:     set.SampleWindow,
				FreshnessHorizon: set.FreshnessHorizon,
				MinSensors:       set.MinSensors,
				OnOutlier: func(sensorID string) {
					e.inst.outliers.Inc(zoneLabel(zc.ID), string(kind))
					e.log.Debug("outlier rejected",
						zap.Int("zone", int(zc.ID)),
						zap.String("kind", string(kind)),
						zap.String("sensor", sensorID))
				},
			}
		}
		zs.vwc = fusion.New(zc.ID, models.KindVWC, cfg.Clock, fuserOpts(models.KindVWC))
		for _, id := range zc.VwcSensors {
			zs.vwc.Register(id)
		}
		zs.ec = fusion.New(zc.ID, models.KindEC, cfg.Clock, fuserOpts(models.KindEC))
		for _, id := range zc.EcSensors {
			zs.ec.Register(id)
		}
		zs.dry = dryback.New(zc.ID, dryback.Options{
			NoiseBand: set.NoiseBandPct,
			OnCompleted: func(w models.DrybackWindow) {
				// Runs under Engine.mu via Observe; collected, emitted later.
				zs.pendingWindows = append(zs.pendingWindows, w)
			},
		})
		e.zones[zc.ID] = zs
		e.zoneOrder = append(e.zoneOrder, zc.ID)
		if zc.Group != "" && zc.IsEnabled() {
			e.groupSize[zc.Group]++
		}
	}
	sort.Slice(e.zoneOrder, func(i, j int) bool { return e.zoneOrder[i] < e.zoneOrder[j] })

	seq, err := sequencer.New(sequencer.Config{
		Actuator: e.act,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
		Settings: e.tun.Snapshot,
		Gate:     e.gateJob,
		Hooks: sequencer.Hooks{
			Started:     e.onJobStarted,
			Finished:    e.onJobFinished,
			Skipped:     e.onJobSkipped,
			Marker:      e.onMarker,
			MarkerClear: e.onMarkerClear,
		},
	})
	if err != nil {
		return nil, err
	}
	e.seq = seq

	e.probes = e.buildProbes()
	initial := policy.Default()
	initial.Tracing.SamplePercent = cfg.Params.Telemetry.TraceSamplePercent
	e.UpdateTelemetryPolicy(initial)

	return e, nil
}

// actuatorAdapter routes sequencer writes through the bridge's synchronous
// path when available.
type actuatorAdapter struct{ br bridge.Bridge }

func (a actuatorAdapter) SetSync(ctx context.Context, name, value string) error {
	if sw, ok := a.br.(interface {
		SetSync(ctx context.Context, name, value string) error
	}); ok {
		return sw.SetSync(ctx, name, value)
	}
	return a.br.Set(ctx, name, value)
}

// Start restores persisted state, completes any interrupted hardware
// sequence, and launches the control loops. The context bounds recovery
// only; the loops run until Stop.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine: already started")
	}
	if err := e.recover(ctx); err != nil {
		e.running.Store(false)
		return err
	}
	e.subscribeSensors()
	e.seq.Start()

	e.wg.Add(2)
	go e.tickLoop()
	go e.snapshotLoop()
	if e.cfg.ConfigPath != "" {
		e.watchConfig()
	}

	e.publishPhases()
	e.saveSnapshot(ctx)
	e.log.Info("engine started",
		zap.Int("zones", len(e.zones)),
		zap.String("state", e.store.Path()))
	return nil
}

// Stop halts the loops, drains the sequencer (closing hardware in order) and
// writes a final snapshot. Safe to call once; the bridge stays open for the
// owner to close.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	close(e.done)
	e.wg.Wait()
	for _, u := range e.unsubs {
		u()
	}
	e.unsubs = nil
	err := e.seq.Stop(ctx)
	e.saveSnapshot(ctx)
	e.log.Info("engine stopped")
	return err
}

// recover loads the snapshot, reconciles it with the configured topology and
// finishes any irrigation the previous process died inside of.
func (e *Engine) recover(ctx context.Context) error {
	snap, err := e.store.Load()
	switch {
	case errors.Is(err, persist.ErrNoSnapshot), errors.Is(err, persist.ErrInvalid):
		e.log.Warn("no usable snapshot, reconstructing state", zap.Error(err))
		e.reconstruct()
		return nil
	case err != nil:
		return fmt.Errorf("%w: %v", ErrStateUnrecoverable, err)
	}

	now := e.clock.Now()
	e.mu.Lock()
	for id, zs := range e.zones {
		rt, ok := snap.Zones[id]
		if !ok || !rt.Phase.Valid() {
			e.reconstructZoneLocked(zs, now)
			continue
		}
		zs.rt = rt
		zs.st.Phase = rt.Phase
		zs.st.PhaseEnteredAt = rt.PhaseEnteredAt
		zs.st.ShotsInPhase = rt.ShotsInPhase
		zs.st.LastShotAt = rt.LastIrrigationAt
		if rt.PeakVWC > 0 {
			zs.dry.ResetPeak(rt.PeakVWC, snap.Timestamp)
		}
	}
	e.resetCountersLocked(now)
	e.mu.Unlock()

	if m := snap.JobInFlight; m != nil {
		e.finishInterrupted(ctx, *m)
	}
	return nil
}

// reconstruct derives every zone's phase from the host (the published phase
// entity survives controller restarts) or, failing that, the light schedule.
func (e *Engine) reconstruct() {
	now := e.clock.Now()
	e.mu.Lock()
	for _, id := range e.zoneOrder {
		e.reconstructZoneLocked(e.zones[id], now)
	}
	e.resetCountersLocked(now)
	e.mu.Unlock()
}

func (e *Engine) reconstructZoneLocked(zs *zoneState, now time.Time) {
	phase := e.sched.DefaultPhaseFor(now)
	if raw, ok := e.br.Get(zonePhaseEntity(zs.cfg.ID)); ok && !bridge.IsSentinel(raw) {
		if p, err := models.ParsePhase(raw); err == nil {
			phase = p
		}
	}
	zs.st.Phase = phase
	zs.st.PhaseEnteredAt = now
	zs.st.ShotsInPhase = 0
	zs.rt.Phase = phase
	zs.rt.PhaseEnteredAt = now
	zs.rt.DailyResetDate = e.sched.LocalDate(now)
	zs.rt.WeeklyResetDate = e.sched.WeekStartDate(now)
}

// finishInterrupted closes the hardware a dead process left open, then
// records the recovery. The job itself is not resumed; delivered volume
// before the crash is unknowable and the decision rules will re-issue.
func (e *Engine) finishInterrupted(ctx context.Context, m models.InFlightMarker) {
	set := e.tun.Snapshot()
	err := sequencer.RunShutdown(ctx, e.act, e.clock, set.MainLineDrain, m)
	fields := map[string]interface{}{
		"jobId": m.JobID,
		"step":  m.Step,
	}
	if err != nil {
		e.log.Error("crash recovery shutdown failed", zap.String("job", m.JobID), zap.Error(err))
		fields["error"] = err.Error()
		e.mu.Lock()
		for _, id := range m.Zones {
			if zs := e.zones[id]; zs != nil {
				zs.st.Unsafe = true
			}
		}
		e.mu.Unlock()
	}
	sev := "warning"
	if err != nil {
		sev = "critical"
	}
	lowest := models.ZoneID(0)
	for _, id := range m.Zones {
		if lowest == 0 || id < lowest {
			lowest = id
		}
	}
	e.emit(events.Event{
		Category: events.CategoryRecovery,
		Type:     string(models.EventCrashRecovery),
		Severity: sev,
		Zone:     int(lowest),
		Fields:   fields,
	})
	for _, id := range m.Zones {
		e.inst.skips.Inc(zoneLabel(id), "crash-recovery")
	}
	e.emit(events.Event{
		Category: events.CategoryIrrigation,
		Type:     string(models.EventIrrigationSkipped),
		Zone:     int(lowest),
		Fields: map[string]interface{}{
			"jobId":  m.JobID,
			"reason": "crash-recovery",
		},
	})
	if err != nil {
		for _, id := range m.Zones {
			e.emitUnsafe(id, "crash recovery could not close hardware")
		}
	}
}

func (e *Engine) emitUnsafe(id models.ZoneID, detail string) {
	e.emit(events.Event{
		Category: events.CategorySensor,
		Type:     string(models.EventUnsafeZone),
		Severity: "critical",
		Zone:     int(id),
		Fields:   map[string]interface{}{"detail": detail},
	})
}

// subscribeSensors registers a bridge handler per configured sensor. The
// handler parses and timestamps the sample and hands it to the zone's fuser.
func (e *Engine) subscribeSensors() {
	for _, id := range e.zoneOrder {
		zs := e.zones[id]
		e.subscribeKind(zs, zs.vwc, models.KindVWC, zs.cfg.VwcSensors)
		e.subscribeKind(zs, zs.ec, models.KindEC, zs.cfg.EcSensors)
	}
}

func (e *Engine) subscribeKind(zs *zoneState, f *fusion.Fuser, kind models.SensorKind, sensors []string) {
	for _, sensorID := range sensors {
		sensorID := sensorID
		cancel, err := e.br.Subscribe(sensorID, func(_, value string) {
			v, ok := bridge.Numeric(value)
			if !ok {
				return
			}
			r := models.Reading{
				SensorID: sensorID,
				Zone:     zs.cfg.ID,
				Kind:     kind,
				Value:    v,
				At:       e.clock.Now(),
			}
			e.mu.Lock()
			f.Ingest(r)
			e.mu.Unlock()
		})
		if err != nil {
			e.log.Warn("sensor subscribe failed",
				zap.String("sensor", sensorID), zap.Error(err))
			continue
		}
		e.unsubs = append(e.unsubs, cancel)
	}
}

// publishPhases pushes every zone's phase entity to the host. Used at boot
// so dashboards recover immediately; transitions update incrementally after.
func (e *Engine) publishPhases() {
	e.mu.Lock()
	type pw struct {
		id    models.ZoneID
		phase models.Phase
	}
	writes := make([]pw, 0, len(e.zoneOrder))
	for _, id := range e.zoneOrder {
		writes = append(writes, pw{id, e.zones[id].st.Phase})
	}
	e.mu.Unlock()
	for _, w := range writes {
		e.writePhase(w.id, w.phase)
	}
}

func (e *Engine) writePhase(id models.ZoneID, phase models.Phase) {
	if err := e.br.Set(context.Background(), zonePhaseEntity(id), string(phase)); err != nil &&
		!errors.Is(err, bridge.ErrClosed) {
		e.log.Warn("phase publish failed", zap.Int("zone", int(id)), zap.Error(err))
	}
}

func (e *Engine) nudgeSnapshot() {
	select {
	case e.snapCh <- struct{}{}:
	default:
	}
}

// tickLoop drives runTick at the live tick interval, recreating the ticker
// when the interval is retuned.
func (e *Engine) tickLoop() {
	defer e.wg.Done()
	interval := e.tun.Snapshot().TickInterval
	t := e.clock.NewTicker(interval)
	defer func() { t.Stop() }()
	for {
		select {
		case <-e.done:
			return
		case <-t.C():
			e.runTick()
			if cur := e.tun.Snapshot().TickInterval; cur > 0 && cur != interval {
				t.Stop()
				interval = cur
				t = e.clock.NewTicker(interval)
			}
		}
	}
}

// snapshotLoop persists on the snapshot interval and on nudges (post
// transition, post shot).
func (e *Engine) snapshotLoop() {
	defer e.wg.Done()
	interval := e.tun.Snapshot().SnapshotInterval
	t := e.clock.NewTicker(interval)
	defer func() { t.Stop() }()
	for {
		select {
		case <-e.done:
			return
		case <-e.snapCh:
			e.saveSnapshot(context.Background())
		case <-t.C():
			e.saveSnapshot(context.Background())
			if cur := e.tun.Snapshot().SnapshotInterval; cur > 0 && cur != interval {
				t.Stop()
				interval = cur
				t = e.clock.NewTicker(interval)
			}
		}
	}
}

// tickOutcome carries everything a tick produced that must happen outside
// the coordinator lock.
type tickOutcome struct {
	decisions   []models.Decision
	events      []events.Event
	phaseWrites map[models.ZoneID]models.Phase
	transition  bool
}

// runTick executes one control-loop pass: fuse, track dryback, walk the
// staleness ladder, evaluate each zone, then dispatch outside the lock.
func (e *Engine) runTick() {
	start := e.clock.Now()
	set := e.tun.Snapshot()

	e.mu.Lock()
	sched := e.sched
	e.mu.Unlock()
	lightsOn := sched.IsOn(start)
	untilOff := sched.UntilOff(start)

	out := tickOutcome{phaseWrites: make(map[models.ZoneID]models.Phase)}

	e.mu.Lock()
	e.resetCountersLocked(start)
	for _, id := range e.zoneOrder {
		zs := e.zones[id]
		if !zs.cfg.IsEnabled() {
			continue
		}
		d := e.tickZoneLocked(zs, start, set, lightsOn, untilOff, &out)
		if d.Kind == models.DecisionShot || d.Kind == models.DecisionEmergency {
			out.decisions = append(out.decisions, d)
		}
	}
	e.mu.Unlock()

	for _, ev := range out.events {
		e.emit(ev)
	}
	for id, phase := range out.phaseWrites {
		e.writePhase(id, phase)
	}
	e.dispatch(out.decisions, set)
	if out.transition {
		e.nudgeSnapshot()
	}

	e.observeBridgeStats()
	e.inst.queueDepth.Set(float64(e.seq.QueueDepth()))
	e.inst.ticks.Inc()
	e.inst.tickDuration.Observe(e.clock.Since(start).Seconds())
}

// tickZoneLocked advances one zone. Caller holds e.mu; everything returned
// through out runs after the lock is released.
func (e *Engine) tickZoneLocked(zs *zoneState, now time.Time, set tuning.Settings,
	lightsOn bool, untilOff time.Duration, out *tickOutcome) models.Decision {

	id := zs.cfg.ID

	fv, verr := zs.vwc.Fuse()
	vok := verr == nil
	if vok {
		zs.lastVWC, zs.lastVWCOK = fv, true
		zs.dry.SetNoiseBand(set.NoiseBandPct)
		zs.dry.Observe(fv.Value, now)
	}
	var ev models.FusedValue
	eok := false
	if len(zs.cfg.EcSensors) > 0 {
		if v, err := zs.ec.Fuse(); err == nil {
			ev, eok = v, true
		}
	}

	for _, w := range zs.pendingWindows {
		out.events = append(out.events, events.Event{
			Category: events.CategoryPhase,
			Type:     string(models.EventDrybackCompleted),
			Zone:     int(id),
			Fields: map[string]interface{}{
				"peakVwc":   w.PeakVWC,
				"valleyVwc": w.ValleyVWC,
				"dropPct":   w.DropPct,
			},
		})
	}
	zs.pendingWindows = zs.pendingWindows[:0]

	e.walkStalenessLadderLocked(zs, now, set, vok, out)

	lastV, lastAt, lastOK := zs.vwc.LastKnown()
	in := zone.Inputs{
		Now:            now,
		VWC:            fv,
		VWCOK:          vok,
		EC:             ev,
		ECOK:           eok,
		DrybackPct:     zs.dry.CurrentDrybackPercent(),
		LightsOn:       lightsOn,
		UntilLightsOff: untilOff,
		LastVWC:        lastV,
		LastVWCAt:      lastAt,
		LastVWCOK:      lastOK && now.Sub(lastAt) <= set.EmergencyStale,
	}
	res := zone.Evaluate(zs.st, in, set, zoneParams(zs.cfg))
	d := res.Decision

	if d.Kind == models.DecisionTransition {
		e.applyTransitionLocked(zs, d, now, out)
	}

	e.inst.zonePhase.Set(phaseOrdinal(zs.st.Phase), zoneLabel(id))
	if vok {
		e.inst.zoneVWC.Set(fv.Value, zoneLabel(id))
		e.inst.zoneConfidence.Set(fv.Confidence, zoneLabel(id))
	}
	if eok {
		e.inst.zoneEC.Set(ev.Value, zoneLabel(id))
	}
	e.inst.zoneDryback.Set(in.DrybackPct, zoneLabel(id))
	e.inst.zoneDailyUse.Set(zs.rt.DailyUsageMl, zoneLabel(id))
	if zs.st.Unsafe {
		e.inst.zoneUnsafe.Set(1, zoneLabel(id))
	} else {
		e.inst.zoneUnsafe.Set(0, zoneLabel(id))
	}

	return d
}

// walkStalenessLadderLocked applies the degradation ladder: fresh readings
// clear it, prolonged absence parks the zone, extreme absence latches it
// unsafe. Unsafe never self-clears.
func (e *Engine) walkStalenessLadderLocked(zs *zoneState, now time.Time, set tuning.Settings,
	vok bool, out *tickOutcome) {

	id := zs.cfg.ID
	if vok {
		if !zs.degradedSince.IsZero() {
			e.log.Info("zone sensors recovered", zap.Int("zone", int(id)))
			zs.degradedSince = time.Time{}
			if zs.st.Parked {
				zs.st.Parked = false
			}
		}
		return
	}
	if zs.degradedSince.IsZero() {
		zs.degradedSince = now
		out.events = append(out.events, events.Event{
			Category: events.CategorySensor,
			Type:     string(models.EventSensorDegraded),
			Severity: "warning",
			Zone:     int(id),
		})
		return
	}
	age := now.Sub(zs.degradedSince)
	if age >= set.SensorStaleGrace && !zs.st.Parked {
		zs.st.Parked = true
		out.events = append(out.events, events.Event{
			Category: events.CategorySensor,
			Type:     string(models.EventSensorDegraded),
			Severity: "warning",
			Zone:     int(id),
			Fields:   map[string]interface{}{"parked": true, "staleSec": age.Seconds()},
		})
	}
	if age >= set.EmergencyStale && !zs.st.Unsafe {
		zs.st.Unsafe = true
		out.events = append(out.events, events.Event{
			Category: events.CategorySensor,
			Type:     string(models.EventUnsafeZone),
			Severity: "critical",
			Zone:     int(id),
			Fields:   map[string]interface{}{"staleSec": age.Seconds()},
		})
	}
}

// applyTransitionLocked commits a phase transition: state, runtime mirror,
// dryback peak reset on P0 entry, and the deferred event and host write.
func (e *Engine) applyTransitionLocked(zs *zoneState, d models.Decision, now time.Time, out *tickOutcome) {
	zs.st.Phase = d.To
	zs.st.PhaseEnteredAt = now
	zs.st.ShotsInPhase = 0
	zs.rt.Phase = d.To
	zs.rt.PhaseEnteredAt = now
	zs.rt.ShotsInPhase = 0

	if d.To == models.PhaseP0Dryback && zs.lastVWCOK {
		zs.dry.ResetPeak(zs.lastVWC.Value, now)
		zs.rt.PeakVWC = zs.lastVWC.Value
	}

	e.inst.transitions.Inc(zoneLabel(zs.cfg.ID), string(d.From), string(d.To))
	out.events = append(out.events, events.Event{
		Category: events.CategoryPhase,
		Type:     string(models.EventPhaseTransition),
		Zone:     int(zs.cfg.ID),
		Fields: map[string]interface{}{
			"from":   string(d.From),
			"to":     string(d.To),
			"reason": d.Reason,
		},
	})
	out.phaseWrites[zs.cfg.ID] = d.To
	out.transition = true
	e.log.Info("phase transition",
		zap.Int("zone", int(zs.cfg.ID)),
		zap.String("from", string(d.From)),
		zap.String("to", string(d.To)),
		zap.String("reason", d.Reason))
}

// resetCountersLocked rolls the daily and weekly usage counters when the
// schedule's date strings change. Dates persist so restarts never double or
// skip a reset.
func (e *Engine) resetCountersLocked(now time.Time) {
	today := e.sched.LocalDate(now)
	week := e.sched.WeekStartDate(now)
	for _, id := range e.zoneOrder {
		zs := e.zones[id]
		if zs.rt.DailyResetDate != today {
			zs.rt.DailyUsageMl = 0
			zs.rt.DailyResetDate = today
		}
		if zs.rt.WeeklyResetDate != week {
			zs.rt.WeeklyUsageMl = 0
			zs.rt.WeeklyResetDate = week
		}
	}
}

// dispatch turns shot decisions into sequencer jobs, merging P2 maintenance
// shots into a group burst when enough of a group wants water at once.
// Emergencies and P1 ramp shots always run alone.
func (e *Engine) dispatch(decs []models.Decision, set tuning.Settings) {
	if len(decs) == 0 {
		return
	}
	var solos []models.Decision
	grouped := make(map[string][]models.Decision)
	for _, d := range decs {
		zs := e.zones[d.Zone]
		if zs == nil {
			continue
		}
		if d.Kind == models.DecisionShot && d.Reason == "P2 maintenance" && zs.cfg.Group != "" {
			grouped[zs.cfg.Group] = append(grouped[zs.cfg.Group], d)
			continue
		}
		solos = append(solos, d)
	}
	groupNames := make([]string, 0, len(grouped))
	for g := range grouped {
		groupNames = append(groupNames, g)
	}
	sort.Strings(groupNames)
	for _, g := range groupNames {
		ds := grouped[g]
		members := e.groupSize[g]
		frac := float64(len(ds)) / float64(members) * 100
		if len(ds) >= 2 && frac >= set.GroupThresholdPct {
			e.enqueueGroup(g, ds, set)
			continue
		}
		solos = append(solos, ds...)
	}
	sort.Slice(solos, func(i, j int) bool { return solos[i].Zone < solos[j].Zone })
	for _, d := range solos {
		e.enqueueSingle(d, set)
	}
}

func (e *Engine) enqueueSingle(d models.Decision, set tuning.Settings) {
	if e.seq.Pending(d.Zone) {
		e.log.Debug("zone busy, decision deferred",
			zap.Int("zone", int(d.Zone)), zap.String("reason", d.Reason))
		return
	}
	zs := e.zones[d.Zone]
	p := zoneParams(zs.cfg)
	pr := zs.priority
	st := models.ShotPhase
	if d.Kind == models.DecisionEmergency {
		pr = models.PriorityCritical
		st = models.ShotEmergency
	}
	job := models.IrrigationJob{
		Zones: []models.JobZone{{
			Zone:     d.Zone,
			VolumeMl: d.VolumeMl,
			Duration: zone.ShotDuration(d.VolumeMl, p, set),
			Valve:    zs.cfg.ValveRef(),
			Deficit:  d.Deficit,
		}},
		Pump:      zs.cfg.PumpRef(),
		MainValve: zs.cfg.MainValveRef(),
		Priority:  pr,
		ShotType:  st,
		Reason:    d.Reason,
	}
	e.enqueueJob(job)
}

func (e *Engine) enqueueGroup(name string, ds []models.Decision, set tuning.Settings) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].Zone < ds[j].Zone })
	var jzs []models.JobZone
	pr := models.PriorityLow
	var pump, main models.EntityRef
	for _, d := range ds {
		if e.seq.Pending(d.Zone) {
			continue
		}
		zs := e.zones[d.Zone]
		p := zoneParams(zs.cfg)
		jzs = append(jzs, models.JobZone{
			Zone:     d.Zone,
			VolumeMl: d.VolumeMl,
			Duration: zone.ShotDuration(d.VolumeMl, p, set),
			Valve:    zs.cfg.ValveRef(),
			Deficit:  d.Deficit,
		})
		if zs.priority > pr {
			pr = zs.priority
		}
		pump, main = zs.cfg.PumpRef(), zs.cfg.MainValveRef()
	}
	if len(jzs) == 0 {
		return
	}
	e.enqueueJob(models.IrrigationJob{
		Zones:     jzs,
		Pump:      pump,
		MainValve: main,
		Priority:  pr,
		ShotType:  models.ShotGroup,
		Reason:    "group threshold " + name,
	})
}

func (e *Engine) enqueueJob(job models.IrrigationJob) {
	id, err := e.seq.Enqueue(job)
	if err != nil {
		if !errors.Is(err, sequencer.ErrStopped) {
			e.log.Warn("enqueue failed", zap.Error(err))
		}
		return
	}
	e.emitScheduled(job, id)
}

func (e *Engine) emitScheduled(job models.IrrigationJob, id string) {
	var total float64
	zoneIDs := make([]int, 0, len(job.Zones))
	for _, jz := range job.Zones {
		total += jz.VolumeMl
		zoneIDs = append(zoneIDs, int(jz.Zone))
	}
	e.emit(events.Event{
		Category: events.CategoryIrrigation,
		Type:     string(models.EventIrrigationScheduled),
		Zone:     int(job.LowestZone()),
		Fields: map[string]interface{}{
			"jobId":    id,
			"zones":    zoneIDs,
			"type":     string(job.ShotType),
			"reason":   job.Reason,
			"volumeMl": total,
		},
	})
}

// gateJob is the sequencer's final safety check, run immediately before the
// pump opens. Manual shots pass the override gate; Critical jobs pass the
// auto-irrigation switch and the daily budget.
func (e *Engine) gateJob(job models.IrrigationJob) error {
	if !e.hostSwitchAllows(entitySystemEnabled) {
		return errSystemDisabled
	}
	if job.Priority < models.PriorityCritical && !e.hostSwitchAllows(entityAutoIrrigation) {
		return errAutoDisabled
	}
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, jz := range job.Zones {
		zs := e.zones[jz.Zone]
		if zs == nil {
			return ErrUnknownZone
		}
		if !zs.cfg.IsEnabled() || !e.hostSwitchAllows(zoneEnabledEntity(jz.Zone)) {
			return errZoneDisabled
		}
		if job.ShotType != models.ShotManual && zs.manualActive(now) {
			return errManualOverride
		}
		if zs.st.Unsafe {
			return errZoneUnsafe
		}
		if job.Priority < models.PriorityCritical && zs.cfg.DailyBudgetMl > 0 &&
			zs.rt.DailyUsageMl+jz.VolumeMl > zs.cfg.DailyBudgetMl {
			return errBudgetExceeded
		}
	}
	return nil
}

// hostSwitchAllows treats a missing or sentinel switch as permissive; only
// an explicit "off" blocks.
func (e *Engine) hostSwitchAllows(name string) bool {
	raw, ok := e.br.Get(name)
	if !ok || bridge.IsSentinel(raw) {
		return true
	}
	return raw != "off"
}

func (e *Engine) onJobStarted(job models.IrrigationJob) {
	_, span := e.tracer.Start(context.Background(), "irrigation.job",
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.ShotType)),
		attribute.Int("job.zones", len(job.Zones)))
	e.mu.Lock()
	e.jobSpans[job.ID] = span
	e.mu.Unlock()

	zoneIDs := make([]int, 0, len(job.Zones))
	for _, jz := range job.Zones {
		zoneIDs = append(zoneIDs, int(jz.Zone))
	}
	e.emit(events.Event{
		Category: events.CategoryIrrigation,
		Type:     string(models.EventIrrigationStarted),
		Zone:     int(job.LowestZone()),
		Fields: map[string]interface{}{
			"jobId":  job.ID,
			"zones":  zoneIDs,
			"type":   string(job.ShotType),
			"reason": job.Reason,
		},
	})
}

func (e *Engine) onJobFinished(res models.JobResult) {
	now := res.Finished
	var unsafeZones []models.ZoneID

	e.mu.Lock()
	for id, vol := range res.Volumes {
		zs := e.zones[id]
		if zs == nil {
			continue
		}
		zs.rt.DailyUsageMl += vol
		zs.rt.WeeklyUsageMl += vol
		zs.rt.CumulativeShotVolumeMl += vol
		zs.rt.LastIrrigationAt = now
		zs.st.LastShotAt = now
		if res.Completed {
			zs.st.ShotsInPhase++
			zs.rt.ShotsInPhase = zs.st.ShotsInPhase
		}
		if res.ShotType == models.ShotEmergency {
			zs.st.LastEmergencyAt = now
		}
		if res.AbortReason == sequencer.AbortActuation {
			zs.st.Unsafe = true
			unsafeZones = append(unsafeZones, id)
		}
	}
	span := e.jobSpans[res.JobID]
	delete(e.jobSpans, res.JobID)
	e.mu.Unlock()

	var total float64
	for id, vol := range res.Volumes {
		total += vol
		if res.Completed {
			e.inst.shots.Inc(zoneLabel(id), string(res.ShotType))
			if res.ShotType == models.ShotEmergency {
				e.inst.emergencies.Inc(zoneLabel(id))
			}
		}
		e.inst.shotVolume.Add(vol, zoneLabel(id))
	}
	e.inst.jobDuration.Observe(res.Finished.Sub(res.Started).Seconds(), string(res.ShotType))

	fields := map[string]interface{}{
		"jobId":     res.JobID,
		"type":      string(res.ShotType),
		"reason":    res.Reason,
		"volumeMl":  total,
		"completed": res.Completed,
	}
	if res.AbortReason != "" {
		fields["abortReason"] = res.AbortReason
	}
	sev := ""
	if !res.Completed {
		sev = "warning"
	}
	e.emit(events.Event{
		Category: events.CategoryIrrigation,
		Type:     string(models.EventIrrigationCompleted),
		Severity: sev,
		Fields:   fields,
	})
	for _, id := range unsafeZones {
		e.emitUnsafe(id, "actuation failure")
	}
	if span != nil {
		span.End()
	}
	e.nudgeSnapshot()
}

func (e *Engine) onJobSkipped(job models.IrrigationJob, cause error) {
	for _, jz := range job.Zones {
		e.inst.skips.Inc(zoneLabel(jz.Zone), cause.Error())
	}
	e.emit(events.Event{
		Category: events.CategoryIrrigation,
		Type:     string(models.EventIrrigationSkipped),
		Zone:     int(job.LowestZone()),
		Fields: map[string]interface{}{
			"jobId":  job.ID,
			"type":   string(job.ShotType),
			"reason": cause.Error(),
		},
	})
}

// onMarker persists the in-flight marker synchronously: the pump must not
// open before the marker is durable.
func (e *Engine) onMarker(m models.InFlightMarker) {
	e.mu.Lock()
	cp := m
	e.curMarker = &cp
	e.mu.Unlock()
	e.saveSnapshot(context.Background())
}

func (e *Engine) onMarkerClear(jobID string) {
	e.mu.Lock()
	if e.curMarker != nil && e.curMarker.JobID == jobID {
		e.curMarker = nil
	}
	e.mu.Unlock()
	e.saveSnapshot(context.Background())
}

// buildSnapshot assembles the persisted document from live state.
func (e *Engine) buildSnapshot() persist.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	zones := make(map[models.ZoneID]models.ZoneRuntime, len(e.zones))
	for id, zs := range e.zones {
		rt := zs.rt
		rt.Phase = zs.st.Phase
		rt.PhaseEnteredAt = zs.st.PhaseEnteredAt
		rt.ShotsInPhase = zs.st.ShotsInPhase
		if peak, _, ok := zs.dry.RunningPeak(); ok {
			rt.PeakVWC = peak
		}
		zones[id] = rt
	}
	snap := persist.Snapshot{
		Timestamp: e.clock.Now(),
		Zones:     zones,
	}
	if e.curMarker != nil {
		cp := *e.curMarker
		snap.JobInFlight = &cp
	}
	return snap
}

func (e *Engine) saveSnapshot(ctx context.Context) {
	snap := e.buildSnapshot()
	start := e.clock.Now()
	err := e.store.Save(ctx, snap)
	e.inst.snapshotDuration.Observe(e.clock.Since(start).Seconds())
	if err != nil {
		e.inst.snapshotFailures.Inc()
		if !e.persistDegraded.Swap(true) {
			e.emit(events.Event{
				Category: events.CategoryPersistence,
				Type:     string(models.EventPersistenceDegraded),
				Severity: "warning",
				Fields:   map[string]interface{}{"error": err.Error()},
			})
		}
		e.log.Error("snapshot failed", zap.Error(err))
		return
	}
	if e.persistDegraded.Swap(false) {
		e.log.Info("snapshot writes recovered")
	}
}

// observeBridgeStats folds the buffered writer's counters into metrics and
// raises an event when writes were shed since the last tick.
func (e *Engine) observeBridgeStats() {
	s, ok := e.br.(interface{ Stats() bridge.BufferedStats })
	if !ok {
		return
	}
	cur := s.Stats()
	e.mu.Lock()
	prev := e.lastBridgeStats
	e.lastBridgeStats = cur
	e.mu.Unlock()

	if d := cur.Dropped - prev.Dropped; d > 0 {
		e.inst.bridgeDropped.Add(float64(d))
		e.emit(events.Event{
			Category: events.CategoryBridge,
			Type:     string(models.EventBridgeWriteDropped),
			Severity: "warning",
			Fields:   map[string]interface{}{"dropped": d},
		})
	}
	if d := cur.Failed - prev.Failed; d > 0 {
		e.inst.bridgeFailed.Add(float64(d))
	}
}

// zoneHealthCounts feeds the sensors probe: enabled zones, how many are
// degraded (stale or parked), how many are latched unsafe.
func (e *Engine) zoneHealthCounts() (total, degraded, unsafe int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, zs := range e.zones {
		if !zs.cfg.IsEnabled() {
			continue
		}
		total++
		if zs.st.Parked || !zs.degradedSince.IsZero() {
			degraded++
		}
		if zs.st.Unsafe {
			unsafe++
		}
	}
	return
}
