package engine

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"cropsteer/engine/internal/tuning"
	"cropsteer/engine/models"
	"cropsteer/engine/schedule"
)

var validate = validator.New()

// LightScheduleParams anchor the daily phase cycle in local wall-clock hours.
type LightScheduleParams struct {
	OnHour  int `yaml:"onHour" validate:"gte=0,lte=23"`
	OffHour int `yaml:"offHour" validate:"gte=0,lte=23"`
}

// ModePairParams carries the vegetative and generative variants of a value.
type ModePairParams struct {
	Veg float64 `yaml:"veg"`
	Gen float64 `yaml:"gen"`
}

// ECTargetParams is the EC setpoint matrix by phase and steering mode.
type ECTargetParams struct {
	P0 ModePairParams `yaml:"p0"`
	P1 ModePairParams `yaml:"p1"`
	P2 ModePairParams `yaml:"p2"`
	P3 ModePairParams `yaml:"p3"`
}

// DrybackTargetParams is the P0 percent-drop target per steering mode.
type DrybackTargetParams struct {
	VegPct float64 `yaml:"vegPct" validate:"gt=0,lte=100"`
	GenPct float64 `yaml:"genPct" validate:"gt=0,lte=100"`
}

// ZoneConfig is one zone's topology. Topology is not live-editable: changes
// to the zones list take effect on restart only.
type ZoneConfig struct {
	ID      models.ZoneID `yaml:"id" validate:"gte=1,lte=6"`
	Enabled *bool         `yaml:"enabled"`

	Pump      string `yaml:"pump" validate:"required"`
	MainValve string `yaml:"mainValve" validate:"required"`
	Valve     string `yaml:"valve" validate:"required"`

	VwcSensors []string `yaml:"vwcSensors" validate:"required,min=1,dive,required"`
	EcSensors  []string `yaml:"ecSensors" validate:"omitempty,dive,required"`

	DripperCount        int     `yaml:"dripperCount" validate:"gte=1"`
	DripperFlowMlPerMin float64 `yaml:"dripperFlowMlPerMin" validate:"gt=0"`
	SubstrateVolumeMl   float64 `yaml:"substrateVolumeMl" validate:"gt=0"`

	Group         string  `yaml:"group"`
	DailyBudgetMl float64 `yaml:"dailyBudgetMl" validate:"gte=0"`
	Priority      string  `yaml:"priority" validate:"omitempty,oneof=low normal high critical"`
}

// IsEnabled treats an absent enabled key as true.
func (z ZoneConfig) IsEnabled() bool { return z.Enabled == nil || *z.Enabled }

// PumpRef returns the typed handle for the zone's feed pump.
func (z ZoneConfig) PumpRef() models.EntityRef {
	return models.EntityRef{ID: z.Pump, Kind: models.EntitySwitch}
}

// MainValveRef returns the typed handle for the shared main-line valve.
func (z ZoneConfig) MainValveRef() models.EntityRef {
	return models.EntityRef{ID: z.MainValve, Kind: models.EntitySwitch}
}

// ValveRef returns the typed handle for the zone's own valve.
func (z ZoneConfig) ValveRef() models.EntityRef {
	return models.EntityRef{ID: z.Valve, Kind: models.EntitySwitch}
}

// BridgeParams select and configure the daemon's host bridge.
type BridgeParams struct {
	Kind            string `yaml:"kind" validate:"omitempty,oneof=memory hass"`
	URL             string `yaml:"url"`
	Token           string `yaml:"token"`
	PollIntervalSec int    `yaml:"pollIntervalSec" validate:"gte=0"`
}

// PollInterval resolves the configured poll cadence.
func (b BridgeParams) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalSec) * time.Second
}

// TelemetryParams select the metrics backend and trace sampling.
type TelemetryParams struct {
	// Metrics is "prom", "otel" or "noop"; unrecognized values fall back
	// to prom.
	Metrics            string  `yaml:"metrics"`
	TraceSamplePercent float64 `yaml:"traceSamplePercent" validate:"gte=0,lte=100"`
}

// Params is the complete parameter file. Defaults supplies every documented
// default, so unmarshalling a file over a Defaults value overrides only the
// keys the file sets. Everything except zone topology and the daemon surface
// (statePath, listen, bridge) is live-editable.
type Params struct {
	Mode     string `yaml:"mode" validate:"omitempty,oneof=vegetative generative"`
	Timezone string `yaml:"timezone"`

	LightSchedule LightScheduleParams `yaml:"lightSchedule"`
	Zones         []ZoneConfig        `yaml:"zones" validate:"omitempty,max=6,dive"`

	DrybackTarget DrybackTargetParams `yaml:"drybackTarget"`
	P0MaxWaitMin  int                 `yaml:"p0MaxWaitMin" validate:"gt=0"`

	P1TargetVwcPct     float64 `yaml:"p1TargetVwcPct" validate:"gt=0,lte=100"`
	P1InitialShotPct   float64 `yaml:"p1InitialShotPct" validate:"gt=0"`
	P1ShotIncrementPct float64 `yaml:"p1ShotIncrementPct" validate:"gte=0"`
	P1MaxShotPct       float64 `yaml:"p1MaxShotPct" validate:"gt=0"`
	P1MinShots         int     `yaml:"p1MinShots" validate:"gte=0"`
	P1MaxShots         int     `yaml:"p1MaxShots" validate:"gte=1"`
	P1InterShotSec     int     `yaml:"p1InterShotSec" validate:"gt=0"`

	P2VwcThresholdPct float64 `yaml:"p2VwcThresholdPct" validate:"gt=0,lte=100"`
	P2ShotPct         float64 `yaml:"p2ShotPct" validate:"gt=0"`
	EcHigh            float64 `yaml:"ecHigh" validate:"gt=1"`
	EcLow             float64 `yaml:"ecLow" validate:"gt=0,lt=1"`
	VwcBumpHigh       float64 `yaml:"vwcBumpHigh" validate:"gte=0"`
	VwcBumpLow        float64 `yaml:"vwcBumpLow" validate:"gte=0"`

	// P3LeadTimeMin overrides both steering modes when set; 0 keeps the
	// per-mode defaults (veg 60, gen 120).
	P3LeadTimeMin           int     `yaml:"p3LeadTimeMin" validate:"gte=0"`
	P3EmergencyThresholdPct float64 `yaml:"p3EmergencyThresholdPct" validate:"gt=0,lte=100"`
	P3EmergencyShotPct      float64 `yaml:"p3EmergencyShotPct" validate:"gt=0"`
	EmergencyCooldownSec    int     `yaml:"emergencyCooldownSec" validate:"gt=0"`

	EcTargetByPhaseAndMode ECTargetParams `yaml:"ecTargetByPhaseAndMode"`
	EcFlushTarget          float64        `yaml:"ecFlushTarget" validate:"gt=0"`

	TickIntervalSec     int `yaml:"tickIntervalSec" validate:"gt=0"`
	SnapshotIntervalSec int `yaml:"snapshotIntervalSec" validate:"gt=0"`

	PumpPrimeMs        int `yaml:"pumpPrimeMs" validate:"gt=0"`
	MainLinePressureMs int `yaml:"mainLinePressureMs" validate:"gt=0"`
	MainLineDrainMs    int `yaml:"mainLineDrainMs" validate:"gt=0"`
	MinShotMs          int `yaml:"minShotMs" validate:"gt=0"`
	MaxShotMs          int `yaml:"maxShotMs" validate:"gt=0"`

	GroupThresholdPct float64 `yaml:"groupThresholdPct" validate:"gt=0,lte=100"`
	ShotMultiplier    float64 `yaml:"shotMultiplier" validate:"gt=0"`

	SampleWindowSec     int     `yaml:"sampleWindowSec" validate:"gt=0"`
	FreshnessHorizonSec int     `yaml:"freshnessHorizonSec" validate:"gt=0"`
	MinSensors          int     `yaml:"minSensors" validate:"gte=1"`
	SensorStaleGraceMin int     `yaml:"sensorStaleGraceMin" validate:"gt=0"`
	EmergencyStaleMin   int     `yaml:"emergencyStaleMin" validate:"gt=0"`
	NoiseBandPct        float64 `yaml:"noiseBandPct" validate:"gt=0"`

	WriteMaxAttempts int `yaml:"writeMaxAttempts" validate:"gte=1"`

	StatePath string `yaml:"statePath" validate:"required"`
	Listen    string `yaml:"listen"`

	Bridge    BridgeParams    `yaml:"bridge"`
	Telemetry TelemetryParams `yaml:"telemetry"`
}

// Defaults returns the documented default for every parameter. Zones is
// empty: topology always comes from the operator.
func Defaults() Params {
	return Params{
		Mode:     string(models.ModeVegetative),
		Timezone: "Local",

		LightSchedule: LightScheduleParams{OnHour: 8, OffHour: 20},

		DrybackTarget: DrybackTargetParams{VegPct: 15, GenPct: 20},
		P0MaxWaitMin:  180,

		P1TargetVwcPct:     65,
		P1InitialShotPct:   2.0,
		P1ShotIncrementPct: 0.5,
		P1MaxShotPct:       6.0,
		P1MinShots:         3,
		P1MaxShots:         12,
		P1InterShotSec:     600,

		P2VwcThresholdPct: 60,
		P2ShotPct:         3.0,
		EcHigh:            1.3,
		EcLow:             0.7,
		VwcBumpHigh:       3.0,
		VwcBumpLow:        2.0,

		P3EmergencyThresholdPct: 35,
		P3EmergencyShotPct:      3.0,
		EmergencyCooldownSec:    1800,

		EcTargetByPhaseAndMode: ECTargetParams{
			P0: ModePairParams{Veg: 2.5, Gen: 3.5},
			P1: ModePairParams{Veg: 2.0, Gen: 2.5},
			P2: ModePairParams{Veg: 2.2, Gen: 3.0},
			P3: ModePairParams{Veg: 2.5, Gen: 3.5},
		},
		EcFlushTarget: 0.8,

		TickIntervalSec:     30,
		SnapshotIntervalSec: 300,

		PumpPrimeMs:        2000,
		MainLinePressureMs: 1000,
		MainLineDrainMs:    500,
		MinShotMs:          5000,
		MaxShotMs:          300000,

		GroupThresholdPct: 50,
		ShotMultiplier:    1.0,

		SampleWindowSec:     600,
		FreshnessHorizonSec: 300,
		MinSensors:          1,
		SensorStaleGraceMin: 15,
		EmergencyStaleMin:   30,
		NoiseBandPct:        1.0,

		WriteMaxAttempts: 3,

		StatePath: "/var/lib/cropsteer/state.json",
		Listen:    ":8099",

		Bridge:    BridgeParams{Kind: "memory", PollIntervalSec: 5},
		Telemetry: TelemetryParams{Metrics: "prom", TraceSamplePercent: 100},
	}
}

// ParseParams layers YAML over Defaults and validates the result.
func ParseParams(data []byte) (Params, error) {
	p := Defaults()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// LoadParams reads the parameter file at path from fs and parses it.
func LoadParams(fs afero.Fs, path string) (Params, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Params{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseParams(data)
}

// Validate aggregates every problem with the parameter set into one error.
func (p Params) Validate() error {
	var errs []error
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("config: %s fails %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, fmt.Errorf("config: %w", err))
		}
	}
	if len(p.Zones) == 0 {
		errs = append(errs, errors.New("config: at least one zone is required"))
	}
	if p.LightSchedule.OnHour == p.LightSchedule.OffHour {
		errs = append(errs, errors.New("config: lightSchedule onHour and offHour must differ"))
	}
	if _, err := p.Location(); err != nil {
		errs = append(errs, fmt.Errorf("config: timezone %q: %w", p.Timezone, err))
	}
	if p.MaxShotMs < p.MinShotMs {
		errs = append(errs, errors.New("config: maxShotMs below minShotMs"))
	}
	if p.P1MaxShots < p.P1MinShots {
		errs = append(errs, errors.New("config: p1MaxShots below p1MinShots"))
	}
	if p.FreshnessHorizonSec > p.SampleWindowSec {
		errs = append(errs, errors.New("config: freshnessHorizonSec exceeds sampleWindowSec"))
	}

	seen := make(map[models.ZoneID]bool, len(p.Zones))
	groupPump := make(map[string]string)
	groupMain := make(map[string]string)
	for _, z := range p.Zones {
		if seen[z.ID] {
			errs = append(errs, fmt.Errorf("config: duplicate zone id %d", z.ID))
		}
		seen[z.ID] = true

		for field, name := range map[string]string{
			"pump": z.Pump, "mainValve": z.MainValve, "valve": z.Valve,
		} {
			if name != "" && !strings.Contains(name, ".") {
				errs = append(errs, fmt.Errorf("config: zone %d %s %q has no entity domain", z.ID, field, name))
			}
		}
		for _, s := range append(append([]string{}, z.VwcSensors...), z.EcSensors...) {
			if s != "" && !strings.Contains(s, ".") {
				errs = append(errs, fmt.Errorf("config: zone %d sensor %q has no entity domain", z.ID, s))
			}
		}

		// One hydraulic circuit per group: a burst job carries a single
		// pump and main-line valve.
		if z.Group != "" {
			if prev, ok := groupPump[z.Group]; ok && prev != z.Pump {
				errs = append(errs, fmt.Errorf("config: group %q zones disagree on pump entity", z.Group))
			}
			if prev, ok := groupMain[z.Group]; ok && prev != z.MainValve {
				errs = append(errs, fmt.Errorf("config: group %q zones disagree on main-valve entity", z.Group))
			}
			groupPump[z.Group] = z.Pump
			groupMain[z.Group] = z.MainValve
		}
	}
	return errors.Join(errs...)
}

// Location resolves the configured timezone.
func (p Params) Location() (*time.Location, error) {
	switch p.Timezone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	return time.LoadLocation(p.Timezone)
}

// Schedule builds the light schedule from the configured hours and timezone.
func (p Params) Schedule() (schedule.LightSchedule, error) {
	loc, err := p.Location()
	if err != nil {
		return schedule.LightSchedule{}, err
	}
	return schedule.New(p.LightSchedule.OnHour, p.LightSchedule.OffHour, loc)
}

// Settings maps the live-editable parameters onto a tuning.Settings value.
func (p Params) Settings() tuning.Settings {
	s := tuning.Default()
	if m := models.SteeringMode(p.Mode); m.Valid() {
		s.Mode = m
	}

	s.DrybackTarget = tuning.ModePair{Veg: p.DrybackTarget.VegPct, Gen: p.DrybackTarget.GenPct}
	s.P0MaxWait = time.Duration(p.P0MaxWaitMin) * time.Minute

	s.P1TargetVWCPct = p.P1TargetVwcPct
	s.P1InitialShotPct = p.P1InitialShotPct
	s.P1ShotIncrementPct = p.P1ShotIncrementPct
	s.P1MaxShotPct = p.P1MaxShotPct
	s.P1MinShots = p.P1MinShots
	s.P1MaxShots = p.P1MaxShots
	s.P1InterShotDelay = time.Duration(p.P1InterShotSec) * time.Second

	s.P2VWCThresholdPct = p.P2VwcThresholdPct
	s.P2ShotPct = p.P2ShotPct
	s.ECHigh = p.EcHigh
	s.ECLow = p.EcLow
	s.VWCBumpHigh = p.VwcBumpHigh
	s.VWCBumpLow = p.VwcBumpLow

	if p.P3LeadTimeMin > 0 {
		s.P3Lead = tuning.ModePair{Veg: float64(p.P3LeadTimeMin), Gen: float64(p.P3LeadTimeMin)}
	}
	s.P3EmergencyThresholdPct = p.P3EmergencyThresholdPct
	s.P3EmergencyShotPct = p.P3EmergencyShotPct
	s.EmergencyCooldown = time.Duration(p.EmergencyCooldownSec) * time.Second

	s.ECTargets = tuning.ECTargets{
		P0: tuning.ModePair(p.EcTargetByPhaseAndMode.P0),
		P1: tuning.ModePair(p.EcTargetByPhaseAndMode.P1),
		P2: tuning.ModePair(p.EcTargetByPhaseAndMode.P2),
		P3: tuning.ModePair(p.EcTargetByPhaseAndMode.P3),
	}
	s.ECFlushTarget = p.EcFlushTarget

	s.TickInterval = time.Duration(p.TickIntervalSec) * time.Second
	s.SnapshotInterval = time.Duration(p.SnapshotIntervalSec) * time.Second

	s.PumpPrime = time.Duration(p.PumpPrimeMs) * time.Millisecond
	s.MainLinePressure = time.Duration(p.MainLinePressureMs) * time.Millisecond
	s.MainLineDrain = time.Duration(p.MainLineDrainMs) * time.Millisecond
	s.MinShot = time.Duration(p.MinShotMs) * time.Millisecond
	s.MaxShot = time.Duration(p.MaxShotMs) * time.Millisecond

	s.GroupThresholdPct = p.GroupThresholdPct
	s.ShotMultiplier = p.ShotMultiplier

	s.SampleWindow = time.Duration(p.SampleWindowSec) * time.Second
	s.FreshnessHorizon = time.Duration(p.FreshnessHorizonSec) * time.Second
	s.MinSensors = p.MinSensors
	s.SensorStaleGrace = time.Duration(p.SensorStaleGraceMin) * time.Minute
	s.EmergencyStale = time.Duration(p.EmergencyStaleMin) * time.Minute
	s.NoiseBandPct = p.NoiseBandPct

	s.WriteMaxAttempts = p.WriteMaxAttempts

	return s.Normalize()
}

// sameTopology reports whether two zone lists describe identical hardware.
func sameTopology(a, b []ZoneConfig) bool {
	return reflect.DeepEqual(a, b)
}
