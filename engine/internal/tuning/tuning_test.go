package tuning

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cropsteer/engine/models"
)

// fakeReader is a map-backed Reader for override tests.
type fakeReader map[string]string

func (r fakeReader) Get(name string) (string, bool) {
	v, ok := r[name]
	return v, ok
}

func (r fakeReader) GetNumeric(name string, def float64) float64 {
	v, ok := r[name]
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func TestDefaultsNormalized(t *testing.T) {
	def := Default()
	assert.Equal(t, def, def.Normalize())
}

func TestNormalizeClampsBadValues(t *testing.T) {
	s := Default()
	s.P2VWCThresholdPct = -4
	s.ECHigh = 0.5
	s.MaxShot = time.Second
	s.MinShot = time.Minute
	s.Mode = models.SteeringMode("flowering")

	n := s.Normalize()
	assert.Equal(t, Default().P2VWCThresholdPct, n.P2VWCThresholdPct)
	assert.Equal(t, Default().ECHigh, n.ECHigh)
	assert.GreaterOrEqual(t, n.MaxShot, n.MinShot)
	assert.Equal(t, models.ModeVegetative, n.Mode)
}

func TestModeSelectors(t *testing.T) {
	s := Default()
	s.Mode = models.ModeVegetative
	assert.Equal(t, s.DrybackTarget.Veg, s.DrybackTargetPct())
	assert.Equal(t, time.Duration(s.P3Lead.Veg)*time.Minute, s.P3LeadFor())

	s.Mode = models.ModeGenerative
	assert.Equal(t, s.DrybackTarget.Gen, s.DrybackTargetPct())
	assert.Equal(t, time.Duration(s.P3Lead.Gen)*time.Minute, s.P3LeadFor())
}

func TestECTargetMatrix(t *testing.T) {
	s := Default()
	s.ECTargets = ECTargets{
		P0: ModePair{Veg: 1, Gen: 2},
		P1: ModePair{Veg: 3, Gen: 4},
		P2: ModePair{Veg: 5, Gen: 6},
		P3: ModePair{Veg: 7, Gen: 8},
	}
	s.Mode = models.ModeVegetative
	assert.Equal(t, 1.0, s.ECTargetFor(models.PhaseP0Dryback))
	assert.Equal(t, 5.0, s.ECTargetFor(models.PhaseP2Maintenance))
	s.Mode = models.ModeGenerative
	assert.Equal(t, 4.0, s.ECTargetFor(models.PhaseP1RampUp))
	assert.Equal(t, 8.0, s.ECTargetFor(models.PhaseP3PreDark))
}

func TestStoreUpdateSwapsBase(t *testing.T) {
	st := NewStore(Default(), nil)
	base := st.Base()
	require.Equal(t, Default().P2ShotPct, base.P2ShotPct)

	edited := base
	edited.P2ShotPct = 4.5
	st.Update(edited)
	assert.Equal(t, 4.5, st.Base().P2ShotPct)
	assert.Equal(t, 4.5, st.Snapshot().P2ShotPct)
}

func TestSnapshotAppliesOverrides(t *testing.T) {
	r := fakeReader{
		"number.cs_p2_vwc_threshold_pct": "58",
		"number.cs_shot_multiplier":      "1.25",
	}
	st := NewStore(Default(), r)

	snap := st.Snapshot()
	assert.Equal(t, 58.0, snap.P2VWCThresholdPct)
	assert.Equal(t, 1.25, snap.ShotMultiplier)
	// Base stays untouched.
	assert.Equal(t, Default().P2VWCThresholdPct, st.Base().P2VWCThresholdPct)

	// Removing the entity restores the base value on the next snapshot.
	delete(r, "number.cs_p2_vwc_threshold_pct")
	assert.Equal(t, Default().P2VWCThresholdPct, st.Snapshot().P2VWCThresholdPct)
}

func TestSnapshotIgnoresUnparseableOverrides(t *testing.T) {
	r := fakeReader{"number.cs_p2_shot_pct": "unavailable"}
	st := NewStore(Default(), r)
	assert.Equal(t, Default().P2ShotPct, st.Snapshot().P2ShotPct)
}

func TestSnapshotNormalizesOverrides(t *testing.T) {
	// An override that pushes a value out of range is clamped back.
	r := fakeReader{"number.cs_p2_vwc_threshold_pct": "400"}
	st := NewStore(Default(), r)
	assert.Equal(t, Default().P2VWCThresholdPct, st.Snapshot().P2VWCThresholdPct)
}
