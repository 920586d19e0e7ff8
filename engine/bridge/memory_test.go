package bridge

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetRecordsActuationAndNotifies(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	got := make(chan string, 1)
	cancel, err := m.Subscribe("switch.cs_pump", func(_, value string) { got <- value })
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, m.Set(context.Background(), "switch.cs_pump", "on"))

	select {
	case v := <-got:
		assert.Equal(t, "on", v)
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}
	assert.Equal(t, []Actuation{{Name: "switch.cs_pump", Value: "on"}}, m.Actuations())

	v, ok := m.Get("switch.cs_pump")
	require.True(t, ok)
	assert.Equal(t, "on", v)
}

func TestMemoryPerEntityOrdering(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	var mu sync.Mutex
	var seen []string
	_, err := m.Subscribe("sensor.cs_zone_1_vwc_1", func(_, value string) {
		mu.Lock()
		seen = append(seen, value)
		mu.Unlock()
	})
	require.NoError(t, err)

	want := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		v := strconv.Itoa(i)
		want = append(want, v)
		m.SetExternal("sensor.cs_zone_1_vwc_1", v)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 10
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
}

func TestMemorySubscribeCancelStopsDelivery(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	got := make(chan string, 4)
	cancel, err := m.Subscribe("sensor.cs_ec", func(_, v string) { got <- v })
	require.NoError(t, err)

	m.SetExternal("sensor.cs_ec", "1")
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}

	cancel()
	cancel() // idempotent
	m.SetExternal("sensor.cs_ec", "2")

	// A later subscriber on the same entity sees "3" only after "2" has
	// already been dispatched past the cancelled handler.
	relay := make(chan string, 1)
	_, err = m.Subscribe("sensor.cs_ec", func(_, v string) {
		if v == "3" {
			relay <- v
		}
	})
	require.NoError(t, err)
	m.SetExternal("sensor.cs_ec", "3")
	select {
	case <-relay:
	case <-time.After(time.Second):
		t.Fatal("second subscriber never notified")
	}
	assert.Len(t, got, 0)
}

func TestMemoryGetNumeric(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	m.Prime("sensor.cs_zone_1_vwc_1", "61.5")
	m.Prime("sensor.cs_zone_1_vwc_2", "unavailable")

	assert.Equal(t, 61.5, m.GetNumeric("sensor.cs_zone_1_vwc_1", 0))
	assert.Equal(t, 7.0, m.GetNumeric("sensor.cs_zone_1_vwc_2", 7))
	assert.Equal(t, 7.0, m.GetNumeric("sensor.cs_missing", 7))
}

func TestMemoryPublishEventCopiesPayload(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	payload := map[string]interface{}{"zone": 1}
	require.NoError(t, m.PublishEvent("cropsteer_phase_transition", payload))
	payload["zone"] = 2

	events := m.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "cropsteer_phase_transition", events[0].Kind)
	assert.Equal(t, 1, events[0].Payload["zone"])
}

func TestMemoryClosedBehaviour(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Set(context.Background(), "switch.cs_pump", "on"), ErrClosed)
	_, err := m.Subscribe("sensor.cs_ec", func(string, string) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.PublishEvent("k", nil), ErrClosed)
}

func TestSentinelHelpers(t *testing.T) {
	assert.True(t, IsSentinel(""))
	assert.True(t, IsSentinel("  "))
	assert.True(t, IsSentinel("unknown"))
	assert.True(t, IsSentinel("unavailable"))
	assert.False(t, IsSentinel("42"))

	v, ok := Numeric(" 42.5 ")
	require.True(t, ok)
	assert.Equal(t, 42.5, v)

	_, ok = Numeric("unavailable")
	assert.False(t, ok)
	_, ok = Numeric("abc")
	assert.False(t, ok)
}
