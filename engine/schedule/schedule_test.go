package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cropsteer/engine/models"
)

func mustSchedule(t *testing.T, on, off int) LightSchedule {
	t.Helper()
	s, err := New(on, off, time.UTC)
	require.NoError(t, err)
	return s
}

func at(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return ts
}

func TestNewRejectsBadHours(t *testing.T) {
	_, err := New(-1, 20, time.UTC)
	assert.Error(t, err)
	_, err = New(8, 24, time.UTC)
	assert.Error(t, err)
	_, err = New(8, 8, time.UTC)
	assert.Error(t, err)
}

func TestIsOnDaytimeWindow(t *testing.T) {
	s := mustSchedule(t, 8, 20)
	cases := []struct {
		at   string
		want bool
	}{
		{"2026-03-02T07:59:00Z", false},
		{"2026-03-02T08:00:00Z", true},
		{"2026-03-02T13:30:00Z", true},
		{"2026-03-02T19:59:59Z", true},
		{"2026-03-02T20:00:00Z", false},
		{"2026-03-02T23:00:00Z", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, s.IsOn(at(t, c.at)), c.at)
	}
}

func TestIsOnOvernightWindow(t *testing.T) {
	s := mustSchedule(t, 18, 6)
	cases := []struct {
		at   string
		want bool
	}{
		{"2026-03-02T17:59:00Z", false},
		{"2026-03-02T18:00:00Z", true},
		{"2026-03-02T23:30:00Z", true},
		{"2026-03-03T02:00:00Z", true},
		{"2026-03-03T05:59:00Z", true},
		{"2026-03-03T06:00:00Z", false},
		{"2026-03-03T12:00:00Z", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, s.IsOn(at(t, c.at)), c.at)
	}
}

func TestNextOffAndUntilOff(t *testing.T) {
	s := mustSchedule(t, 8, 20)

	now := at(t, "2026-03-02T18:30:00Z")
	off := s.NextOff(now)
	assert.Equal(t, at(t, "2026-03-02T20:00:00Z"), off)
	assert.Equal(t, 90*time.Minute, s.UntilOff(now))

	// Past today's off boundary the next one is tomorrow's.
	now = at(t, "2026-03-02T21:00:00Z")
	assert.Equal(t, at(t, "2026-03-03T20:00:00Z"), s.NextOff(now))
}

func TestNextOffOvernight(t *testing.T) {
	s := mustSchedule(t, 18, 6)
	now := at(t, "2026-03-02T22:00:00Z")
	assert.Equal(t, at(t, "2026-03-03T06:00:00Z"), s.NextOff(now))
}

func TestNextOn(t *testing.T) {
	s := mustSchedule(t, 8, 20)
	assert.Equal(t, at(t, "2026-03-02T08:00:00Z"), s.NextOn(at(t, "2026-03-02T03:00:00Z")))
	assert.Equal(t, at(t, "2026-03-03T08:00:00Z"), s.NextOn(at(t, "2026-03-02T09:00:00Z")))
}

func TestLocalDateAndWeekStart(t *testing.T) {
	s := mustSchedule(t, 8, 20)

	// 2026-03-02 is a Monday.
	assert.Equal(t, "2026-03-02", s.LocalDate(at(t, "2026-03-02T10:00:00Z")))
	assert.Equal(t, "2026-03-02", s.WeekStartDate(at(t, "2026-03-02T10:00:00Z")))
	assert.Equal(t, "2026-03-02", s.WeekStartDate(at(t, "2026-03-05T10:00:00Z")))
	// Sunday still belongs to the Monday-anchored week.
	assert.Equal(t, "2026-03-02", s.WeekStartDate(at(t, "2026-03-08T10:00:00Z")))
	assert.Equal(t, "2026-03-09", s.WeekStartDate(at(t, "2026-03-09T00:30:00Z")))
}

func TestDefaultPhaseFor(t *testing.T) {
	s := mustSchedule(t, 8, 20)
	assert.Equal(t, models.PhaseP2Maintenance, s.DefaultPhaseFor(at(t, "2026-03-02T10:00:00Z")))
	assert.Equal(t, models.PhaseP0Dryback, s.DefaultPhaseFor(at(t, "2026-03-02T22:00:00Z")))
}
