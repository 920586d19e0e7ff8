package persist

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"cropsteer/engine/models"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, fs afero.Fs, clk *clocktesting.FakeClock, migrate MigrateFunc) *Store {
	t.Helper()
	st, err := NewStore("/state/cropsteer.json", Options{
		FS:      fs,
		Clock:   clk,
		Migrate: migrate,
	})
	require.NoError(t, err)
	return st
}

func rampZone() models.ZoneRuntime {
	return models.ZoneRuntime{
		Phase:                  models.PhaseP1RampUp,
		PhaseEnteredAt:         t0.Add(-time.Hour),
		PeakVWC:                68.5,
		LastIrrigationAt:       t0.Add(-10 * time.Minute),
		ShotsInPhase:           4,
		CumulativeShotVolumeMl: 1800,
		DailyUsageMl:           2400,
		WeeklyUsageMl:          9100,
		DailyResetDate:         "2026-03-02",
		WeeklyResetDate:        "2026-03-02",
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	clk := clocktesting.NewFakeClock(t0)
	st := newTestStore(t, fs, clk, nil)

	want := Snapshot{
		Zones: map[models.ZoneID]models.ZoneRuntime{
			1: rampZone(),
			2: {Phase: models.PhaseP0Dryback, PhaseEnteredAt: t0.Add(-2 * time.Hour), PeakVWC: 70},
		},
		JobInFlight: &models.InFlightMarker{
			JobID:    "job-1",
			Zones:    []models.ZoneID{1},
			Step:     5,
			Entities: []string{"switch.cs_pump", "switch.cs_main", "switch.cs_zone_valve_1"},
		},
	}
	require.NoError(t, st.Save(context.Background(), want))

	got, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, got.SchemaVersion)
	assert.True(t, got.Timestamp.Equal(t0))
	assert.Equal(t, want.Zones, got.Zones)
	require.NotNil(t, got.JobInFlight)
	assert.Equal(t, *want.JobInFlight, *got.JobInFlight)

	// A ramp interrupted by a restart picks up with its shot count intact.
	assert.Equal(t, 4, got.Zones[1].ShotsInPhase)
	assert.True(t, st.LastSaved().Equal(t0))
	assert.False(t, st.Degraded())
}

func TestSnapshotFileLayout(t *testing.T) {
	fs := afero.NewMemMapFs()
	clk := clocktesting.NewFakeClock(t0)
	st := newTestStore(t, fs, clk, nil)

	snap := Snapshot{Zones: map[models.ZoneID]models.ZoneRuntime{3: {Phase: models.PhaseP2Maintenance}}}
	require.NoError(t, st.Save(context.Background(), snap))

	raw, err := afero.ReadFile(fs, st.Path())
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))

	assert.JSONEq(t, "1", string(doc["schemaVersion"]))
	assert.JSONEq(t, "null", string(doc["jobInFlight"]))
	var zones map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc["zones"], &zones))
	assert.Contains(t, zones, "3")

	// No temp file lingers after the rename.
	exists, err := afero.Exists(fs, st.Path()+".tmp")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLoadMissingFile(t *testing.T) {
	st := newTestStore(t, afero.NewMemMapFs(), clocktesting.NewFakeClock(t0), nil)
	_, err := st.Load()
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestMalformedFileIsSoftFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := newTestStore(t, fs, clocktesting.NewFakeClock(t0), nil)
	require.NoError(t, afero.WriteFile(fs, st.Path(), []byte("{not json"), 0o600))

	_, err := st.Load()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFutureSchemaVersionRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := newTestStore(t, fs, clocktesting.NewFakeClock(t0), nil)
	doc := `{"schemaVersion": 2, "timestamp": "2026-03-02T09:00:00Z", "zones": {}, "jobInFlight": null}`
	require.NoError(t, afero.WriteFile(fs, st.Path(), []byte(doc), 0o600))

	_, err := st.Load()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "newer than this build")
}

func TestOlderSchemaVersionMigrates(t *testing.T) {
	fs := afero.NewMemMapFs()
	migrated := false
	migrate := func(version int, raw []byte) (Snapshot, error) {
		migrated = true
		assert.Equal(t, 0, version)
		return Snapshot{
			Zones: map[models.ZoneID]models.ZoneRuntime{1: {Phase: models.PhaseP2Maintenance}},
		}, nil
	}
	st := newTestStore(t, fs, clocktesting.NewFakeClock(t0), migrate)
	require.NoError(t, afero.WriteFile(fs, st.Path(), []byte(`{"zones":{"1":{"phase":"P2"}}}`), 0o600))

	snap, err := st.Load()
	require.NoError(t, err)
	assert.True(t, migrated)
	assert.Equal(t, SchemaVersion, snap.SchemaVersion)
	assert.Equal(t, models.PhaseP2Maintenance, snap.Zones[1].Phase)
}

func TestOlderSchemaVersionWithoutMigratorRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := newTestStore(t, fs, clocktesting.NewFakeClock(t0), nil)
	require.NoError(t, afero.WriteFile(fs, st.Path(), []byte(`{"zones":{}}`), 0o600))

	_, err := st.Load()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestUnknownPhaseRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := newTestStore(t, fs, clocktesting.NewFakeClock(t0), nil)
	doc := `{"schemaVersion": 1, "zones": {"1": {"phase": "P7"}}, "jobInFlight": null}`
	require.NoError(t, afero.WriteFile(fs, st.Path(), []byte(doc), 0o600))

	_, err := st.Load()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "unknown phase")
}

func TestNegativeCounterRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := newTestStore(t, fs, clocktesting.NewFakeClock(t0), nil)
	doc := `{"schemaVersion": 1, "zones": {"1": {"phase": "P2", "dailyUsageMl": -5}}}`
	require.NoError(t, afero.WriteFile(fs, st.Path(), []byte(doc), 0o600))

	_, err := st.Load()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestTruncatedMarkerRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := newTestStore(t, fs, clocktesting.NewFakeClock(t0), nil)
	doc := `{"schemaVersion": 1, "zones": {}, "jobInFlight": {"jobId": "x", "entities": ["only-pump"]}}`
	require.NoError(t, afero.WriteFile(fs, st.Path(), []byte(doc), 0o600))

	_, err := st.Load()
	assert.ErrorIs(t, err, ErrInvalid)
}

type failOpenFs struct{ afero.Fs }

func (f *failOpenFs) OpenFile(string, int, os.FileMode) (afero.File, error) {
	return nil, errors.New("disk full")
}

func TestFailedWriteKeepsPreviousSnapshot(t *testing.T) {
	fs := afero.NewMemMapFs()
	clk := clocktesting.NewFakeClock(t0)
	good := newTestStore(t, fs, clk, nil)

	first := Snapshot{Zones: map[models.ZoneID]models.ZoneRuntime{1: {Phase: models.PhaseP1RampUp}}}
	require.NoError(t, good.Save(context.Background(), first))

	bad := newTestStore(t, &failOpenFs{fs}, clk, nil)
	second := Snapshot{Zones: map[models.ZoneID]models.ZoneRuntime{1: {Phase: models.PhaseP3PreDark}}}
	require.Error(t, bad.Save(context.Background(), second))
	assert.True(t, bad.Degraded())

	snap, err := good.Load()
	require.NoError(t, err)
	assert.Equal(t, models.PhaseP1RampUp, snap.Zones[1].Phase)
}

// blockOpenFs stalls every OpenFile until release is closed.
type blockOpenFs struct {
	afero.Fs
	release chan struct{}
}

func (b *blockOpenFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	<-b.release
	return b.Fs.OpenFile(name, flag, perm)
}

func TestSaveDeadlineFlipsDegraded(t *testing.T) {
	mem := afero.NewMemMapFs()
	clk := clocktesting.NewFakeClock(t0)
	slow := &blockOpenFs{Fs: mem, release: make(chan struct{})}
	st, err := NewStore("/state/cropsteer.json", Options{FS: slow, Clock: clk})
	require.NoError(t, err)

	snap := Snapshot{Zones: map[models.ZoneID]models.ZoneRuntime{1: {Phase: models.PhaseP2Maintenance}}}
	saveErr := make(chan error, 1)
	go func() { saveErr <- st.Save(context.Background(), snap) }()

	waitForWaiters(t, clk)
	clk.Step(10 * time.Second)

	select {
	case err := <-saveErr:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("save did not observe its deadline")
	}
	assert.True(t, st.Degraded())
	assert.True(t, st.LastSaved().IsZero())

	// Once the disk recovers, the next snapshot clears the flag.
	close(slow.release)
	require.NoError(t, st.Save(context.Background(), snap))
	assert.False(t, st.Degraded())
}

func TestSaveHonorsCancellation(t *testing.T) {
	mem := afero.NewMemMapFs()
	clk := clocktesting.NewFakeClock(t0)
	slow := &blockOpenFs{Fs: mem, release: make(chan struct{})}
	st, err := NewStore("/state/cropsteer.json", Options{FS: slow, Clock: clk})
	require.NoError(t, err)
	defer close(slow.release)

	ctx, cancel := context.WithCancel(context.Background())
	saveErr := make(chan error, 1)
	go func() {
		saveErr <- st.Save(ctx, Snapshot{Zones: map[models.ZoneID]models.ZoneRuntime{}})
	}()
	cancel()

	select {
	case err := <-saveErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("save did not observe cancellation")
	}
}

func TestReadFileValidatesForeignSnapshot(t *testing.T) {
	fs := afero.NewMemMapFs()
	st := newTestStore(t, fs, clocktesting.NewFakeClock(t0), nil)

	doc := `{"schemaVersion": 1, "zones": {"2": {"phase": "P0"}}, "jobInFlight": null}`
	require.NoError(t, afero.WriteFile(fs, "/backups/night.json", []byte(doc), 0o600))

	snap, err := st.ReadFile("/backups/night.json")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseP0Dryback, snap.Zones[2].Phase)

	_, err = st.ReadFile("/backups/missing.json")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func waitForWaiters(t *testing.T, clk *clocktesting.FakeClock) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !clk.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatal("no clock waiters appeared")
		}
		time.Sleep(time.Millisecond)
	}
}
