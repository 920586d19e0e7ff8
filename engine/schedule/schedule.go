// Package schedule provides the grow-light schedule capability. All phase
// timing anchors derive from it; engine code never consults wall-clock
// policy directly.
package schedule

import (
	"fmt"
	"time"

	"cropsteer/engine/models"
)

// LightSchedule describes the daily grow-light window in local time.
// The window may cross midnight (OnHour > OffHour).
type LightSchedule struct {
	OnHour   int
	OffHour  int
	Location *time.Location
}

// New builds a LightSchedule. A nil location means time.Local.
func New(onHour, offHour int, loc *time.Location) (LightSchedule, error) {
	if onHour < 0 || onHour > 23 || offHour < 0 || offHour > 23 {
		return LightSchedule{}, fmt.Errorf("light schedule: hours must be 0..23 (on=%d off=%d)", onHour, offHour)
	}
	if onHour == offHour {
		return LightSchedule{}, fmt.Errorf("light schedule: on and off hour are both %d", onHour)
	}
	if loc == nil {
		loc = time.Local
	}
	return LightSchedule{OnHour: onHour, OffHour: offHour, Location: loc}, nil
}

func (s LightSchedule) loc() *time.Location {
	if s.Location == nil {
		return time.Local
	}
	return s.Location
}

// at returns the given hour boundary on now's local day, offset by days.
func (s LightSchedule) at(now time.Time, hour, dayOffset int) time.Time {
	n := now.In(s.loc())
	return time.Date(n.Year(), n.Month(), n.Day()+dayOffset, hour, 0, 0, 0, s.loc())
}

// IsOn reports whether the lights are on at the given instant.
func (s LightSchedule) IsOn(now time.Time) bool {
	n := now.In(s.loc())
	h := n.Hour()
	if s.OnHour < s.OffHour {
		return h >= s.OnHour && h < s.OffHour
	}
	// Window crosses midnight.
	return h >= s.OnHour || h < s.OffHour
}

// NextOff returns the next lights-off instant strictly after now.
func (s LightSchedule) NextOff(now time.Time) time.Time {
	for d := 0; ; d++ {
		t := s.at(now, s.OffHour, d)
		if t.After(now) {
			return t
		}
	}
}

// NextOn returns the next lights-on instant strictly after now.
func (s LightSchedule) NextOn(now time.Time) time.Time {
	for d := 0; ; d++ {
		t := s.at(now, s.OnHour, d)
		if t.After(now) {
			return t
		}
	}
}

// UntilOff returns the time remaining in the current lit period. It is only
// meaningful while IsOn; callers gate on that.
func (s LightSchedule) UntilOff(now time.Time) time.Duration {
	return s.NextOff(now).Sub(now)
}

// LocalDate formats now's local calendar date, the daily usage reset key.
func (s LightSchedule) LocalDate(now time.Time) string {
	return now.In(s.loc()).Format("2006-01-02")
}

// WeekStartDate returns the Monday of now's local ISO week, the weekly
// usage reset key.
func (s LightSchedule) WeekStartDate(now time.Time) string {
	n := now.In(s.loc())
	wd := int(n.Weekday()) // Sunday == 0
	offset := wd - 1
	if wd == 0 {
		offset = 6
	}
	monday := time.Date(n.Year(), n.Month(), n.Day()-offset, 0, 0, 0, 0, s.loc())
	return monday.Format("2006-01-02")
}

// DefaultPhaseFor is the boot fallback when no persisted or host state is
// available: Maintenance while lit, Dryback while dark.
func (s LightSchedule) DefaultPhaseFor(now time.Time) models.Phase {
	if s.IsOn(now) {
		return models.PhaseP2Maintenance
	}
	return models.PhaseP0Dryback
}
