package engine

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cropsteer/engine/internal/tuning"
	"cropsteer/engine/models"
)

func TestDefaultsAreValidWithTopology(t *testing.T) {
	p := testParams(testZone(1))
	require.NoError(t, p.Validate())

	assert.Equal(t, 65.0, p.P1TargetVwcPct)
	assert.Equal(t, 30, p.TickIntervalSec)
	assert.Equal(t, 50.0, p.GroupThresholdPct)
	assert.Equal(t, "memory", p.Bridge.Kind)
	assert.Equal(t, 5*time.Second, p.Bridge.PollInterval())
}

func TestDefaultsAloneRejectMissingZones(t *testing.T) {
	err := Defaults().Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "at least one zone")
}

func TestParseParamsLayersOverDefaults(t *testing.T) {
	doc := `
mode: generative
timezone: UTC
p2VwcThresholdPct: 55
lightSchedule:
  onHour: 6
  offHour: 18
zones:
  - id: 1
    pump: switch.pump_a
    mainValve: switch.main_a
    valve: switch.zone_1_valve
    vwcSensors: [sensor.vwc_z1_a, sensor.vwc_z1_b]
    dripperCount: 4
    dripperFlowMlPerMin: 60
    substrateVolumeMl: 4000
statePath: /state/cropsteer.json
`
	p, err := ParseParams([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "generative", p.Mode)
	assert.Equal(t, 55.0, p.P2VwcThresholdPct)
	assert.Equal(t, 6, p.LightSchedule.OnHour)
	assert.Equal(t, 18, p.LightSchedule.OffHour)

	// Keys the file does not set keep their defaults.
	assert.Equal(t, 65.0, p.P1TargetVwcPct)
	assert.Equal(t, 600, p.P1InterShotSec)
	assert.Equal(t, 300000, p.MaxShotMs)
	assert.Equal(t, ":8099", p.Listen)
	assert.Equal(t, "prom", p.Telemetry.Metrics)

	require.Len(t, p.Zones, 1)
	assert.Equal(t, []string{"sensor.vwc_z1_a", "sensor.vwc_z1_b"}, p.Zones[0].VwcSensors)
	assert.True(t, p.Zones[0].IsEnabled())
}

func TestParseParamsRejectsMalformedYaml(t *testing.T) {
	_, err := ParseParams([]byte("zones: ["))
	require.Error(t, err)
	assert.ErrorContains(t, err, "config: parse")
}

func TestLoadParams(t *testing.T) {
	fs := afero.NewMemMapFs()
	doc := `
timezone: UTC
zones:
  - id: 2
    pump: switch.pump_a
    mainValve: switch.main_a
    valve: switch.zone_2_valve
    vwcSensors: [sensor.vwc_z2_a]
    dripperCount: 2
    dripperFlowMlPerMin: 30
    substrateVolumeMl: 2000
`
	require.NoError(t, afero.WriteFile(fs, "/etc/cropsteer/params.yaml", []byte(doc), 0o644))

	p, err := LoadParams(fs, "/etc/cropsteer/params.yaml")
	require.NoError(t, err)
	require.Len(t, p.Zones, 1)
	assert.Equal(t, models.ZoneID(2), p.Zones[0].ID)

	_, err = LoadParams(fs, "/etc/cropsteer/missing.yaml")
	require.Error(t, err)
	assert.ErrorContains(t, err, "config: read")
}

func TestValidateCatchesBrokenConfig(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Params)
		wantErr string
	}{
		{"no zones", func(p *Params) { p.Zones = nil }, "at least one zone"},
		{"duplicate ids", func(p *Params) { p.Zones = append(p.Zones, testZone(1)) }, "duplicate zone id 1"},
		{"zone id out of range", func(p *Params) { p.Zones[0].ID = 9 }, "lte"},
		{"pump without domain", func(p *Params) { p.Zones[0].Pump = "pump_a" }, "no entity domain"},
		{"sensor without domain", func(p *Params) { p.Zones[0].VwcSensors = []string{"vwc_z1"} }, "no entity domain"},
		{"group pump mismatch", func(p *Params) {
			z2 := testZone(2)
			p.Zones[0].Group = "tableA"
			z2.Group = "tableA"
			z2.Pump = "switch.pump_b"
			p.Zones = append(p.Zones, z2)
		}, `group "tableA" zones disagree on pump`},
		{"group main-valve mismatch", func(p *Params) {
			z2 := testZone(2)
			p.Zones[0].Group = "tableA"
			z2.Group = "tableA"
			z2.MainValve = "switch.main_b"
			p.Zones = append(p.Zones, z2)
		}, "disagree on main-valve"},
		{"equal light hours", func(p *Params) { p.LightSchedule.OffHour = p.LightSchedule.OnHour }, "must differ"},
		{"shot bounds inverted", func(p *Params) { p.MaxShotMs = p.MinShotMs - 1 }, "maxShotMs below minShotMs"},
		{"p1 shot counts inverted", func(p *Params) { p.P1MinShots = 6; p.P1MaxShots = 2 }, "p1MaxShots below p1MinShots"},
		{"freshness beyond window", func(p *Params) { p.FreshnessHorizonSec = p.SampleWindowSec + 1 }, "freshnessHorizonSec exceeds"},
		{"unknown timezone", func(p *Params) { p.Timezone = "Nowhere/Atlantis" }, "timezone"},
		{"bad mode", func(p *Params) { p.Mode = "aggressive" }, "oneof"},
		{"bad zone priority", func(p *Params) { p.Zones[0].Priority = "urgent" }, "oneof"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := testParams(testZone(1))
			tc.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestZoneEnableFlagAndRefs(t *testing.T) {
	z := testZone(1)
	assert.True(t, z.IsEnabled())

	off := false
	z.Enabled = &off
	assert.False(t, z.IsEnabled())

	on := true
	z.Enabled = &on
	assert.True(t, z.IsEnabled())

	assert.Equal(t, models.EntityRef{ID: "switch.pump_a", Kind: models.EntitySwitch}, z.PumpRef())
	assert.Equal(t, models.EntityRef{ID: "switch.main_a", Kind: models.EntitySwitch}, z.MainValveRef())
	assert.Equal(t, models.EntityRef{ID: "switch.zone_1_valve", Kind: models.EntitySwitch}, z.ValveRef())
}

func TestSettingsMapping(t *testing.T) {
	p := testParams(testZone(1))
	p.Mode = string(models.ModeGenerative)
	p.DrybackTarget = DrybackTargetParams{VegPct: 12, GenPct: 18}
	p.P0MaxWaitMin = 240
	p.P1InterShotSec = 900
	p.EmergencyCooldownSec = 600
	p.TickIntervalSec = 60
	p.MinShotMs = 4000
	p.NoiseBandPct = 1.5

	s := p.Settings()
	assert.Equal(t, models.ModeGenerative, s.Mode)
	assert.Equal(t, tuning.ModePair{Veg: 12, Gen: 18}, s.DrybackTarget)
	assert.Equal(t, 4*time.Hour, s.P0MaxWait)
	assert.Equal(t, 15*time.Minute, s.P1InterShotDelay)
	assert.Equal(t, 10*time.Minute, s.EmergencyCooldown)
	assert.Equal(t, time.Minute, s.TickInterval)
	assert.Equal(t, 4*time.Second, s.MinShot)
	assert.Equal(t, 1.5, s.NoiseBandPct)
	assert.Equal(t, tuning.ModePair{Veg: 2.2, Gen: 3.0}, s.ECTargets.P2)

	// Zero lead time keeps the per-mode defaults; a value collapses both
	// steering modes onto it.
	assert.Equal(t, tuning.ModePair{Veg: 60, Gen: 120}, s.P3Lead)
	p.P3LeadTimeMin = 45
	assert.Equal(t, tuning.ModePair{Veg: 45, Gen: 45}, p.Settings().P3Lead)
}

func TestLocation(t *testing.T) {
	p := Defaults()
	loc, err := p.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)

	p.Timezone = "UTC"
	loc, err = p.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	p.Timezone = "Mars/Olympus"
	_, err = p.Location()
	assert.Error(t, err)
}

func TestScheduleFromParams(t *testing.T) {
	p := testParams(testZone(1))
	sched, err := p.Schedule()
	require.NoError(t, err)
	assert.True(t, sched.IsOn(t0))
	assert.False(t, sched.IsOn(t0.Add(9*time.Hour)))
}

func TestSameTopology(t *testing.T) {
	a := []ZoneConfig{testZone(1), testZone(2)}
	b := []ZoneConfig{testZone(1), testZone(2)}
	assert.True(t, sameTopology(a, b))

	b[1].Valve = "switch.other_valve"
	assert.False(t, sameTopology(a, b))
}
