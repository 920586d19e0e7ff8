package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBus()
	var got1, got2 []Event
	b.Subscribe(func(ev Event) { got1 = append(got1, ev) })
	b.Subscribe(func(ev Event) { got2 = append(got2, ev) })

	require.NoError(t, b.Publish(Event{Category: CategoryPhase, Type: "phase_transition", Zone: 1}))

	require.Len(t, got1, 1)
	require.Len(t, got2, 1)
	assert.Equal(t, "phase_transition", got1[0].Type)
	assert.False(t, got1[0].Time.IsZero(), "publish stamps missing time")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	var got int
	cancel := b.Subscribe(func(Event) { got++ })
	require.NoError(t, b.Publish(Event{Type: "a"}))
	cancel()
	require.NoError(t, b.Publish(Event{Type: "b"}))
	assert.Equal(t, 1, got)
}

func TestSubscriberPanicIsRecovered(t *testing.T) {
	b := NewBus()
	var after []string
	b.Subscribe(func(Event) { panic("bad observer") })
	b.Subscribe(func(ev Event) { after = append(after, ev.Type) })

	require.NoError(t, b.Publish(Event{Type: "x", Time: time.Now()}))

	assert.Equal(t, []string{"x"}, after, "panic in one subscriber must not starve others")
	published, panics := b.Stats()
	assert.Equal(t, uint64(1), published)
	assert.Equal(t, uint64(1), panics)
}

func TestNilSubscriberIsIgnored(t *testing.T) {
	b := NewBus()
	cancel := b.Subscribe(nil)
	cancel() // no-op, must not panic
	assert.NoError(t, b.Publish(Event{Type: "y"}))
}
