// Package events provides the internal telemetry event bus. Subscribers are
// invoked synchronously on the publisher's goroutine; they must be fast and
// must not block. Panics in a subscriber are recovered and counted so one
// bad observer cannot take down the engine.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event categories group related event types for filtering.
const (
	CategoryPhase       = "phase"
	CategoryIrrigation  = "irrigation"
	CategorySensor      = "sensor"
	CategoryPersistence = "persistence"
	CategoryBridge      = "bridge"
	CategoryHealth      = "health"
	CategoryConfig      = "config"
	CategoryRecovery    = "recovery"
)

// Event is the internal wire format carried by the bus.
type Event struct {
	Time     time.Time              `json:"time"`
	Category string                 `json:"category"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity,omitempty"`
	Zone     int                    `json:"zone,omitempty"`
	Labels   map[string]string      `json:"labels,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// Bus fans events out to subscribers.
type Bus interface {
	Publish(ev Event) error
	Subscribe(fn func(Event)) (cancel func())
	// Stats returns cumulative published and recovered-panic counts.
	Stats() (published, panics uint64)
}

type bus struct {
	mu        sync.RWMutex
	subs      map[int]func(Event)
	nextID    int
	published atomic.Uint64
	panics    atomic.Uint64
}

// NewBus returns an empty synchronous bus.
func NewBus() Bus {
	return &bus{subs: make(map[int]func(Event))}
}

func (b *bus) Publish(ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.published.Add(1)
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		b.deliver(fn, ev)
	}
	return nil
}

func (b *bus) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
		}
	}()
	fn(ev)
}

func (b *bus) Subscribe(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *bus) Stats() (uint64, uint64) {
	return b.published.Load(), b.panics.Load()
}
