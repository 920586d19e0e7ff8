// Package sequencer owns every hardware actuation. One worker goroutine runs
// at most one irrigation job at a time system-wide; jobs wait in a priority
// queue ordered priority, then driest-first, then zone id, then arrival. The
// per-job hardware sequence and its dwells are fixed:
//
//	1. safety gate   2. pump on, prime     3. main valve on, pressurize
//	4. zone valves   5. hold per duration  6. valves off (staggered)
//	7. drain, main valve off               8. pump off
//
// A job-in-flight marker is written before the pump opens and updated at
// every step, so a crash at any point leaves enough on disk to close the
// hardware on the next boot.
package sequencer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"cropsteer/engine/internal/tuning"
	"cropsteer/engine/models"
)

// Abort reasons recorded in JobResult for jobs that did not complete.
const (
	// AbortPreempted: a Critical job displaced this one.
	AbortPreempted = "preempted"
	// AbortCancelled: an operator or shutdown cancel interrupted it.
	AbortCancelled = "cancelled"
	// AbortActuation: a hardware write failed; the coordinator marks the
	// affected zones Unsafe.
	AbortActuation = "actuation-failure"
)

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("sequencer: stopped")

var errPreempted = errors.New("sequencer: preempted")

// Actuator is the synchronous write path the sequencer drives. The buffered
// bridge decorator satisfies it; deadlines and retries live there.
type Actuator interface {
	SetSync(ctx context.Context, name, value string) error
}

// Hooks are invoked from the worker goroutine. All fields are optional.
type Hooks struct {
	// Started fires after the safety gate passes, before the pump opens.
	Started func(models.IrrigationJob)
	// Finished fires exactly once per started job, completed or not.
	Finished func(models.JobResult)
	// Skipped fires for jobs the safety gate rejected.
	Skipped func(models.IrrigationJob, error)
	// Marker persists the in-flight marker; it is called again on every
	// step change.
	Marker func(models.InFlightMarker)
	// MarkerClear removes the marker after the hardware is closed.
	MarkerClear func(jobID string)
}

// Config wires a Sequencer.
type Config struct {
	Actuator Actuator
	Clock    clock.Clock
	Logger   *zap.Logger
	// Settings supplies the live dwell timings, read once per job.
	Settings func() tuning.Settings
	// Gate vets a job immediately before its hardware sequence begins; a
	// non-nil error skips the job.
	Gate  func(models.IrrigationJob) error
	Hooks Hooks
}

// Sequencer serializes irrigation jobs onto the shared pump and main line.
type Sequencer struct {
	cfg Config
	log *zap.Logger

	started atomic.Bool

	mu           sync.Mutex
	queue        jobQueue
	seq          uint64
	running      *models.IrrigationJob
	preempt      chan struct{}
	preempted    bool
	preemptCause string
	stopped      bool

	wake chan struct{}
	wg   sync.WaitGroup
}

// New validates cfg and returns an unstarted Sequencer.
func New(cfg Config) (*Sequencer, error) {
	if cfg.Actuator == nil {
		return nil, errors.New("sequencer: nil actuator")
	}
	if cfg.Clock == nil {
		return nil, errors.New("sequencer: nil clock")
	}
	if cfg.Settings == nil {
		return nil, errors.New("sequencer: nil settings source")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Sequencer{
		cfg:  cfg,
		log:  cfg.Logger.Named("sequencer"),
		wake: make(chan struct{}, 1),
	}, nil
}

// Start launches the worker. Idempotent.
func (s *Sequencer) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.worker()
}

// Stop drains the running job and shuts the worker down. Queued jobs are
// abandoned. If ctx expires first the running job is preempted, which still
// closes the hardware before the worker exits.
func (s *Sequencer) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.nudge()

	if !s.started.Load() {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		s.firePreemptLocked(AbortCancelled)
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// Enqueue queues a job and returns its id. A Critical job preempts a running
// non-Critical one; the displaced job closes its hardware first.
func (s *Sequencer) Enqueue(job models.IrrigationJob) (string, error) {
	if len(job.Zones) == 0 {
		return "", errors.New("sequencer: job has no zones")
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", ErrStopped
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = s.cfg.Clock.Now()
	}
	s.seq++
	job.Seq = s.seq
	heap.Push(&s.queue, &job)
	if job.Priority == models.PriorityCritical &&
		s.running != nil && s.running.Priority < models.PriorityCritical {
		s.firePreemptLocked(AbortPreempted)
	}
	s.mu.Unlock()
	s.nudge()
	return job.ID, nil
}

// Cancel removes queued jobs touching the zone and preempts a running one.
// It returns the number of queued jobs removed and whether a running job was
// preempted.
func (s *Sequencer) Cancel(zone models.ZoneID) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	kept := s.queue[:0]
	for _, j := range s.queue {
		if jobHasZone(j, zone) {
			removed++
			continue
		}
		kept = append(kept, j)
	}
	s.queue = kept
	heap.Init(&s.queue)

	preempted := false
	if s.running != nil && jobHasZone(s.running, zone) && !s.preempted {
		s.firePreemptLocked(AbortCancelled)
		preempted = true
	}
	return removed, preempted
}

// Pending reports whether the zone has a queued or running job.
func (s *Sequencer) Pending(zone models.ZoneID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != nil && jobHasZone(s.running, zone) {
		return true
	}
	for _, j := range s.queue {
		if jobHasZone(j, zone) {
			return true
		}
	}
	return false
}

// QueueDepth returns the number of queued (not running) jobs.
func (s *Sequencer) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Running returns a copy of the in-progress job, if any.
func (s *Sequencer) Running() (models.IrrigationJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running == nil {
		return models.IrrigationJob{}, false
	}
	return *s.running, true
}

// Idle reports no running job and an empty queue.
func (s *Sequencer) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running == nil && len(s.queue) == 0
}

func (s *Sequencer) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// firePreemptLocked signals the running job at most once per run and records
// why, so the job result can say preempted versus cancelled.
func (s *Sequencer) firePreemptLocked(cause string) {
	if s.running == nil || s.preempt == nil || s.preempted {
		return
	}
	s.preempted = true
	s.preemptCause = cause
	close(s.preempt)
}

func (s *Sequencer) preemptCauseNow() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preemptCause == "" {
		return AbortPreempted
	}
	return s.preemptCause
}

func (s *Sequencer) worker() {
	defer s.wg.Done()
	for {
		job := s.next()
		if job == nil {
			return
		}
		s.run(job)
		s.mu.Lock()
		s.running = nil
		s.preempt = nil
		s.preempted = false
		s.preemptCause = ""
		s.mu.Unlock()
	}
}

func (s *Sequencer) next() *models.IrrigationJob {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return nil
		}
		if len(s.queue) > 0 {
			job := heap.Pop(&s.queue).(*models.IrrigationJob)
			s.running = job
			s.preempt = make(chan struct{})
			s.preempted = false
			s.preemptCause = ""
			s.mu.Unlock()
			return job
		}
		s.mu.Unlock()
		<-s.wake
	}
}

// runState carries one job through its hardware sequence.
type runState struct {
	job       *models.IrrigationJob
	set       tuning.Settings
	res       models.JobResult
	marker    models.InFlightMarker
	preempt   <-chan struct{}
	pumpOn    bool
	mainOn    bool
	valveOpen []bool
	holdStart time.Time
}

func (s *Sequencer) run(job *models.IrrigationJob) {
	s.mu.Lock()
	preempt := s.preempt
	s.mu.Unlock()

	log := s.log.With(
		zap.String("job", job.ID),
		zap.String("shot_type", string(job.ShotType)),
		zap.String("reason", job.Reason),
	)

	if s.cfg.Gate != nil {
		if err := s.cfg.Gate(*job); err != nil {
			log.Info("job blocked by safety gate", zap.Error(err))
			if s.cfg.Hooks.Skipped != nil {
				s.cfg.Hooks.Skipped(*job, err)
			}
			return
		}
	}

	rs := &runState{
		job:     job,
		set:     s.cfg.Settings(),
		preempt: preempt,
		res: models.JobResult{
			JobID:    job.ID,
			ShotType: job.ShotType,
			Reason:   job.Reason,
			Volumes:  make(map[models.ZoneID]float64, len(job.Zones)),
			Started:  s.cfg.Clock.Now(),
		},
		marker:    markerFor(*job),
		valveOpen: make([]bool, len(job.Zones)),
	}
	for _, z := range job.Zones {
		rs.res.Volumes[z.Zone] = 0
	}

	if s.cfg.Hooks.Started != nil {
		s.cfg.Hooks.Started(*job)
	}
	log.Info("job started",
		zap.Int("zones", len(job.Zones)),
		zap.String("priority", job.Priority.String()))

	// Step 2: pump on, prime.
	s.putMarker(rs, 2)
	if err := s.actuate(job.Pump.ID, "on"); err != nil {
		s.abort(rs, log, "pump-open", err)
		return
	}
	rs.pumpOn = true
	if err := s.dwell(preempt, rs.set.PumpPrime); err != nil {
		s.interrupt(rs, log, s.preemptCauseNow())
		return
	}

	// Step 3: main line on, pressurize.
	s.putMarker(rs, 3)
	if err := s.actuate(job.MainValve.ID, "on"); err != nil {
		s.abort(rs, log, "main-open", err)
		return
	}
	rs.mainOn = true
	if err := s.dwell(preempt, rs.set.MainLinePressure); err != nil {
		s.interrupt(rs, log, s.preemptCauseNow())
		return
	}

	// Step 4: zone valves on. Group bursts open every member here.
	s.putMarker(rs, 4)
	for i, z := range job.Zones {
		if err := s.actuate(z.Valve.ID, "on"); err != nil {
			s.abort(rs, log, fmt.Sprintf("valve-open zone %d", z.Zone), err)
			return
		}
		rs.valveOpen[i] = true
	}

	// Steps 5 and 6: hold, then close each valve at its own duration
	// offset, shortest first. Pump and main stay up until the last close.
	s.putMarker(rs, 5)
	rs.holdStart = s.cfg.Clock.Now()
	order := byDuration(job.Zones)
	elapsed := time.Duration(0)
	for _, i := range order {
		z := job.Zones[i]
		if wait := z.Duration - elapsed; wait > 0 {
			if err := s.dwell(preempt, wait); err != nil {
				s.interrupt(rs, log, s.preemptCauseNow())
				return
			}
			elapsed = z.Duration
		}
		s.putMarker(rs, 6)
		if err := s.actuate(z.Valve.ID, "off"); err != nil {
			s.abort(rs, log, fmt.Sprintf("valve-close zone %d", z.Zone), err)
			return
		}
		rs.valveOpen[i] = false
		rs.res.Volumes[z.Zone] = z.VolumeMl
	}

	// Step 7: drain, then close the main line.
	s.putMarker(rs, 7)
	s.sleep(rs.set.MainLineDrain)
	if err := s.actuate(job.MainValve.ID, "off"); err != nil {
		s.abort(rs, log, "main-close", err)
		return
	}
	rs.mainOn = false

	// Step 8: pump off.
	s.putMarker(rs, 8)
	if err := s.actuate(job.Pump.ID, "off"); err != nil {
		s.abort(rs, log, "pump-close", err)
		return
	}
	rs.pumpOn = false

	s.clearMarker(job.ID)
	rs.res.Completed = true
	rs.res.Finished = s.cfg.Clock.Now()
	log.Info("job completed", zap.Duration("took", rs.res.Finished.Sub(rs.res.Started)))
	if s.cfg.Hooks.Finished != nil {
		s.cfg.Hooks.Finished(rs.res)
	}
}

// interrupt performs the orderly shutdown half after a preempt or cancel.
func (s *Sequencer) interrupt(rs *runState, log *zap.Logger, reason string) {
	log.Warn("job interrupted, closing hardware", zap.String("cause", reason))
	s.finishAborted(rs, reason)
}

// abort handles an actuation failure: best-effort close, zones end Unsafe.
func (s *Sequencer) abort(rs *runState, log *zap.Logger, stage string, err error) {
	log.Error("actuation failed, aborting job",
		zap.String("stage", stage), zap.Error(err))
	s.finishAborted(rs, AbortActuation)
}

func (s *Sequencer) finishAborted(rs *runState, reason string) {
	// Valves still open at abort time get credit for the fraction of
	// their hold they actually saw.
	if !rs.holdStart.IsZero() {
		elapsed := s.cfg.Clock.Since(rs.holdStart)
		for i, open := range rs.valveOpen {
			if !open {
				continue
			}
			z := rs.job.Zones[i]
			frac := 1.0
			if z.Duration > 0 {
				frac = math.Min(1, float64(elapsed)/float64(z.Duration))
			}
			rs.res.Volumes[z.Zone] = z.VolumeMl * frac
		}
	}
	err := s.shutdownHalf(rs)
	rs.res.Completed = false
	rs.res.AbortReason = reason
	rs.res.Finished = s.cfg.Clock.Now()
	if err == nil {
		s.clearMarker(rs.job.ID)
	} else {
		// Leave the marker in place: boot recovery will re-run the
		// shutdown half against hardware we could not confirm closed.
		s.log.Warn("shutdown half incomplete, keeping in-flight marker",
			zap.String("job", rs.job.ID), zap.Error(err))
	}
	if s.cfg.Hooks.Finished != nil {
		s.cfg.Hooks.Finished(rs.res)
	}
}

// shutdownHalf closes whatever is open, in order: zone valves, drain dwell,
// main line, pump. It always runs to the end, collecting errors.
func (s *Sequencer) shutdownHalf(rs *runState) error {
	var errs []error
	for i, open := range rs.valveOpen {
		if !open {
			continue
		}
		z := rs.job.Zones[i]
		if err := s.actuate(z.Valve.ID, "off"); err != nil {
			errs = append(errs, fmt.Errorf("close valve %s: %w", z.Valve.ID, err))
		} else {
			rs.valveOpen[i] = false
		}
	}
	if rs.mainOn {
		s.sleep(rs.set.MainLineDrain)
		if err := s.actuate(rs.job.MainValve.ID, "off"); err != nil {
			errs = append(errs, fmt.Errorf("close main %s: %w", rs.job.MainValve.ID, err))
		} else {
			rs.mainOn = false
		}
	}
	if rs.pumpOn {
		if err := s.actuate(rs.job.Pump.ID, "off"); err != nil {
			errs = append(errs, fmt.Errorf("close pump %s: %w", rs.job.Pump.ID, err))
		} else {
			rs.pumpOn = false
		}
	}
	return errors.Join(errs...)
}

func (s *Sequencer) actuate(entity, value string) error {
	return s.cfg.Actuator.SetSync(context.Background(), entity, value)
}

// dwell waits d on the injected clock, returning early on preemption.
func (s *Sequencer) dwell(preempt <-chan struct{}, d time.Duration) error {
	if d <= 0 {
		select {
		case <-preempt:
			return errPreempted
		default:
			return nil
		}
	}
	t := s.cfg.Clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return nil
	case <-preempt:
		return errPreempted
	}
}

// sleep waits d unconditionally; shutdown dwells must not be interruptible.
func (s *Sequencer) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	t := s.cfg.Clock.NewTimer(d)
	defer t.Stop()
	<-t.C()
}

func (s *Sequencer) putMarker(rs *runState, step int) {
	rs.marker.Step = step
	if s.cfg.Hooks.Marker != nil {
		s.cfg.Hooks.Marker(rs.marker)
	}
}

func (s *Sequencer) clearMarker(jobID string) {
	if s.cfg.Hooks.MarkerClear != nil {
		s.cfg.Hooks.MarkerClear(jobID)
	}
}

// RunShutdown closes the entities named by a crash marker: zone valves,
// drain dwell, main line, pump. Errors are collected but never stop the
// sequence; recovery must always reach the pump.
func RunShutdown(ctx context.Context, act Actuator, clk clock.Clock, drain time.Duration, m models.InFlightMarker) error {
	var errs []error
	for _, v := range m.ValveEntities() {
		if err := act.SetSync(ctx, v, "off"); err != nil {
			errs = append(errs, fmt.Errorf("close valve %s: %w", v, err))
		}
	}
	if drain > 0 {
		t := clk.NewTimer(drain)
		<-t.C()
	}
	if e := m.MainEntity(); e != "" {
		if err := act.SetSync(ctx, e, "off"); err != nil {
			errs = append(errs, fmt.Errorf("close main %s: %w", e, err))
		}
	}
	if e := m.PumpEntity(); e != "" {
		if err := act.SetSync(ctx, e, "off"); err != nil {
			errs = append(errs, fmt.Errorf("close pump %s: %w", e, err))
		}
	}
	return errors.Join(errs...)
}

func markerFor(job models.IrrigationJob) models.InFlightMarker {
	zones := make([]models.ZoneID, 0, len(job.Zones))
	entities := make([]string, 0, len(job.Zones)+2)
	entities = append(entities, job.Pump.ID, job.MainValve.ID)
	for _, z := range job.Zones {
		zones = append(zones, z.Zone)
		entities = append(entities, z.Valve.ID)
	}
	return models.InFlightMarker{JobID: job.ID, Zones: zones, Step: 2, Entities: entities}
}

func jobHasZone(j *models.IrrigationJob, zone models.ZoneID) bool {
	for _, z := range j.Zones {
		if z.Zone == zone {
			return true
		}
	}
	return false
}

// byDuration returns zone indices ordered shortest valve-open time first.
func byDuration(zones []models.JobZone) []int {
	idx := make([]int, len(zones))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return zones[idx[a]].Duration < zones[idx[b]].Duration
	})
	return idx
}

// jobQueue is a max-heap: higher priority first, then larger deficit
// (driest), then lower zone id, then FIFO by sequence number.
type jobQueue []*models.IrrigationJob

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if ad, bd := a.Deficit(), b.Deficit(); ad != bd {
		return ad > bd
	}
	if az, bz := a.LowestZone(), b.LowestZone(); az != bz {
		return az < bz
	}
	return a.Seq < b.Seq
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(*models.IrrigationJob)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}
