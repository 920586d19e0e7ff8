package bridge

import (
	"context"
	"sync"
)

// Actuation records a single write accepted by the Memory bridge.
type Actuation struct {
	Name  string
	Value string
}

// PublishedEvent records an outbound platform event.
type PublishedEvent struct {
	Kind    string
	Payload map[string]interface{}
}

type stateChange struct {
	name  string
	value string
}

// Memory is an in-process Bridge used by tests and the standalone runtime.
// A single dispatch goroutine delivers state changes, so subscribers observe
// changes to any one entity in the order they were applied.
type Memory struct {
	mu     sync.Mutex
	states map[string]string
	subs   map[string]map[int]Handler
	nextID int
	closed bool

	actuations []Actuation
	events     []PublishedEvent

	changes chan stateChange
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewMemory returns an empty, started Memory bridge.
func NewMemory() *Memory {
	m := &Memory{
		states:  make(map[string]string),
		subs:    make(map[string]map[int]Handler),
		changes: make(chan stateChange, 256),
		done:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.dispatch()
	return m
}

func (m *Memory) dispatch() {
	defer m.wg.Done()
	for {
		select {
		case ch := <-m.changes:
			m.mu.Lock()
			handlers := make([]Handler, 0, len(m.subs[ch.name]))
			for _, h := range m.subs[ch.name] {
				handlers = append(handlers, h)
			}
			m.mu.Unlock()
			for _, h := range handlers {
				h(ch.name, ch.value)
			}
		case <-m.done:
			return
		}
	}
}

// Prime sets an entity state without notifying subscribers. Use it to seed
// initial states before the engine starts.
func (m *Memory) Prime(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[name] = value
}

// SetExternal applies a state change as if the host platform produced it:
// the state is updated and subscribers are notified.
func (m *Memory) SetExternal(name, value string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.states[name] = value
	m.mu.Unlock()

	select {
	case m.changes <- stateChange{name: name, value: value}:
	case <-m.done:
	}
}

// Get implements Bridge.
func (m *Memory) Get(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.states[name]
	return v, ok
}

// GetNumeric implements Bridge.
func (m *Memory) GetNumeric(name string, def float64) float64 {
	raw, ok := m.Get(name)
	if !ok {
		return def
	}
	v, ok := Numeric(raw)
	if !ok {
		return def
	}
	return v
}

// Set implements Bridge. Writes are recorded and visible via Actuations.
func (m *Memory) Set(ctx context.Context, name, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.states[name] = value
	m.actuations = append(m.actuations, Actuation{Name: name, Value: value})
	m.mu.Unlock()

	select {
	case m.changes <- stateChange{name: name, value: value}:
	case <-m.done:
	}
	return nil
}

// Subscribe implements Bridge.
func (m *Memory) Subscribe(name string, h Handler) (func(), error) {
	if h == nil {
		return func() {}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.subs[name] == nil {
		m.subs[name] = make(map[int]Handler)
	}
	id := m.nextID
	m.nextID++
	m.subs[name][id] = h

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[name], id)
		})
	}
	return cancel, nil
}

// PublishEvent implements Bridge.
func (m *Memory) PublishEvent(kind string, payload map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	m.events = append(m.events, PublishedEvent{Kind: kind, Payload: cp})
	return nil
}

// Close implements Bridge. It is idempotent.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	close(m.done)
	m.wg.Wait()
	return nil
}

// Actuations returns a copy of all writes applied through Set.
func (m *Memory) Actuations() []Actuation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Actuation, len(m.actuations))
	copy(out, m.actuations)
	return out
}

// Events returns a copy of all published platform events.
func (m *Memory) Events() []PublishedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishedEvent, len(m.events))
	copy(out, m.events)
	return out
}
