// Package health evaluates subsystem probes into an overall status.
// Evaluation is cached for a TTL so frequent HTTP polling stays cheap.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the coarse health classification of a component or the system.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// rank orders statuses worst-first for aggregation.
func rank(s Status) int {
	switch s {
	case StatusUnhealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnknown:
		return 1
	default:
		return 0
	}
}

// ProbeResult is one component's verdict.
type ProbeResult struct {
	Component string    `json:"component"`
	Status    Status    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Healthy builds a passing result.
func Healthy(component string) ProbeResult {
	return ProbeResult{Component: component, Status: StatusHealthy}
}

// Degraded builds a result for a component that works with reduced margin.
func Degraded(component, detail string) ProbeResult {
	return ProbeResult{Component: component, Status: StatusDegraded, Detail: detail}
}

// Unhealthy builds a failing result.
func Unhealthy(component, detail string) ProbeResult {
	return ProbeResult{Component: component, Status: StatusUnhealthy, Detail: detail}
}

// Unknown builds a result for a component that cannot be assessed.
func Unknown(component, detail string) ProbeResult {
	return ProbeResult{Component: component, Status: StatusUnknown, Detail: detail}
}

// Probe checks one component.
type Probe interface {
	Check(ctx context.Context) ProbeResult
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) ProbeResult

// Check implements Probe.
func (f ProbeFunc) Check(ctx context.Context) ProbeResult { return f(ctx) }

// Snapshot is an aggregated evaluation of all probes.
type Snapshot struct {
	Overall     Status        `json:"overall"`
	Components  []ProbeResult `json:"components,omitempty"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// Evaluator runs probes and caches the aggregate for a TTL.
type Evaluator struct {
	ttl    time.Duration
	probes []Probe

	mu     sync.Mutex
	cached Snapshot
	valid  bool
}

// NewEvaluator builds an Evaluator. A non-positive ttl disables caching.
func NewEvaluator(ttl time.Duration, probes ...Probe) *Evaluator {
	return &Evaluator{ttl: ttl, probes: probes}
}

// Evaluate returns the cached snapshot when fresh, otherwise re-runs all
// probes. Overall is the worst component status; no probes means Unknown.
func (e *Evaluator) Evaluate(ctx context.Context) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	if e.valid && e.ttl > 0 && now.Sub(e.cached.EvaluatedAt) < e.ttl {
		return e.cached
	}
	snap := Snapshot{Overall: StatusUnknown, EvaluatedAt: now}
	if len(e.probes) > 0 {
		snap.Overall = StatusHealthy
		snap.Components = make([]ProbeResult, 0, len(e.probes))
		for _, p := range e.probes {
			res := p.Check(ctx)
			if res.CheckedAt.IsZero() {
				res.CheckedAt = now
			}
			snap.Components = append(snap.Components, res)
			if rank(res.Status) > rank(snap.Overall) {
				snap.Overall = res.Status
			}
		}
	}
	e.cached = snap
	e.valid = true
	return snap
}

// Invalidate drops the cached snapshot so the next Evaluate re-probes.
func (e *Evaluator) Invalidate() {
	e.mu.Lock()
	e.valid = false
	e.mu.Unlock()
}
