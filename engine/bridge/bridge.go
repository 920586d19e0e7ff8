// Package bridge abstracts the host automation platform: entity state reads,
// actuator writes, state-change subscriptions and outbound event publication.
//
// Implementations must tolerate an unreliable host. Reads may return sentinel
// values ("unknown", "unavailable", empty) which callers treat as absent;
// writes are retried by the Buffered decorator rather than by implementations.
package bridge

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// Sentinel values the host reports for entities without a usable state.
const (
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
)

var (
	// ErrClosed is returned by operations on a closed bridge.
	ErrClosed = errors.New("bridge: closed")
	// ErrWriteQueueFull is reported through the drop hook when the buffered
	// writer sheds its oldest pending write.
	ErrWriteQueueFull = errors.New("bridge: write queue full")
	// ErrWriteRejected is returned when the write breaker is open.
	ErrWriteRejected = errors.New("bridge: write rejected")
)

// Handler receives state changes for a subscribed entity.
type Handler func(name, value string)

// Bridge is the engine's view of the automation platform.
type Bridge interface {
	// Get returns the raw state of an entity. ok is false when the entity
	// does not exist; sentinel states are returned with ok=true.
	Get(name string) (string, bool)

	// GetNumeric parses the entity state as a float, returning def when the
	// entity is missing, a sentinel, or unparseable.
	GetNumeric(name string, def float64) float64

	// Set writes an entity state or actuates a switch. The value for
	// switches is "on" or "off".
	Set(ctx context.Context, name, value string) error

	// Subscribe registers h for state changes of name. The returned cancel
	// is idempotent.
	Subscribe(name string, h Handler) (cancel func(), err error)

	// PublishEvent emits a bus event on the host platform.
	PublishEvent(kind string, payload map[string]interface{}) error

	Close() error
}

// IsSentinel reports whether the raw state carries no usable value.
func IsSentinel(state string) bool {
	switch strings.TrimSpace(state) {
	case "", StateUnknown, StateUnavailable:
		return true
	}
	return false
}

// Numeric parses a raw state, rejecting sentinels.
func Numeric(state string) (float64, bool) {
	if IsSentinel(state) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(state), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
