// Package persist owns the on-disk snapshot: a single JSON document,
// atomically replaced, carrying everything the controller needs to pick up
// after a restart. Readers see either the previous snapshot or the new one,
// never a mix.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"cropsteer/engine/models"
)

// SchemaVersion is the snapshot layout this build reads and writes natively.
// Older files go through the configured migrator; newer files are rejected.
const SchemaVersion = 1

const defaultTimeout = 10 * time.Second

var (
	// ErrNoSnapshot means the store has never written a snapshot.
	ErrNoSnapshot = errors.New("persist: no snapshot")
	// ErrInvalid marks snapshot files that cannot be trusted. Boot treats it
	// as soft and reconstructs state instead of crashing.
	ErrInvalid = errors.New("persist: snapshot invalid")
	// ErrTimeout means a write did not finish inside the store deadline.
	ErrTimeout = errors.New("persist: write timed out")
)

// Snapshot is the complete persisted document (schema version 1). Zone keys
// marshal as decimal strings.
type Snapshot struct {
	SchemaVersion int                                  `json:"schemaVersion"`
	Timestamp     time.Time                            `json:"timestamp"`
	Zones         map[models.ZoneID]models.ZoneRuntime `json:"zones"`
	JobInFlight   *models.InFlightMarker               `json:"jobInFlight"`
}

// Validate rejects snapshots that would put the controller into an
// impossible state: unknown phases, negative counters, truncated markers.
func (s Snapshot) Validate() error {
	for id, zr := range s.Zones {
		if !zr.Phase.Valid() {
			return fmt.Errorf("zone %d: unknown phase %q", id, zr.Phase)
		}
		if zr.ShotsInPhase < 0 {
			return fmt.Errorf("zone %d: negative shot counter", id)
		}
		if zr.CumulativeShotVolumeMl < 0 || zr.DailyUsageMl < 0 || zr.WeeklyUsageMl < 0 {
			return fmt.Errorf("zone %d: negative usage counter", id)
		}
	}
	if m := s.JobInFlight; m != nil {
		if m.JobID == "" || len(m.Entities) < 2 {
			return errors.New("in-flight marker truncated")
		}
	}
	return nil
}

// MigrateFunc upgrades a snapshot written by an older build. It receives the
// schema version found on disk and the raw document.
type MigrateFunc func(version int, raw []byte) (Snapshot, error)

// Options configure a Store. The zero value targets the real filesystem
// with the standard 10 s write deadline.
type Options struct {
	FS      afero.Fs
	Logger  *zap.Logger
	Clock   clock.Clock
	Timeout time.Duration
	Migrate MigrateFunc
}

// Store reads and writes the snapshot file. Save may be called from several
// goroutines; file replacement is serialized and always lands the newest
// snapshot last.
type Store struct {
	fs      afero.Fs
	path    string
	log     *zap.Logger
	clock   clock.Clock
	timeout time.Duration
	migrate MigrateFunc

	degraded atomic.Bool

	mu         sync.Mutex
	lastSaved  time.Time
	writeSeq   uint64
	appliedSeq uint64
}

// NewStore prepares the state directory and returns a store for path.
func NewStore(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, errors.New("persist: empty snapshot path")
	}
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if err := opts.FS.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("persist: create state dir: %w", err)
	}
	return &Store{
		fs:      opts.FS,
		path:    path,
		log:     opts.Logger.Named("persist"),
		clock:   opts.Clock,
		timeout: opts.Timeout,
		migrate: opts.Migrate,
	}, nil
}

// Save writes snap atomically: temp file in the target directory, fsync,
// rename over the target. The file operation runs to completion even when
// ctx or the deadline expires first; the caller just stops waiting and the
// store stays degraded until a later Save succeeds.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	snap.SchemaVersion = SchemaVersion
	snap.Timestamp = s.clock.Now()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		s.degraded.Store(true)
		return fmt.Errorf("persist: encode snapshot: %w", err)
	}

	s.mu.Lock()
	s.writeSeq++
	seq := s.writeSeq
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.write(seq, data) }()

	timer := s.clock.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			s.degraded.Store(true)
			return err
		}
		s.degraded.Store(false)
		s.mu.Lock()
		s.lastSaved = snap.Timestamp
		s.mu.Unlock()
		return nil
	case <-timer.C():
		s.degraded.Store(true)
		s.log.Warn("snapshot write exceeded deadline",
			zap.Duration("deadline", s.timeout), zap.String("path", s.path))
		return ErrTimeout
	case <-ctx.Done():
		s.degraded.Store(true)
		return ctx.Err()
	}
}

// write performs the atomic replace. The sequence check stops a write that
// outlived its deadline from clobbering a newer snapshot.
func (s *Store) write(seq uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.appliedSeq {
		s.log.Debug("snapshot write superseded", zap.Uint64("seq", seq))
		return nil
	}
	if err := replaceFile(s.fs, s.path, data); err != nil {
		return err
	}
	s.appliedSeq = seq
	return nil
}

// replaceFile lands data at path via temp file, fsync and rename.
func replaceFile(fsys afero.Fs, path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("persist: open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("persist: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("persist: sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("persist: close temp file: %w", err)
	}
	if err := fsys.Rename(tmp, path); err != nil {
		return fmt.Errorf("persist: replace snapshot: %w", err)
	}
	return nil
}

// Load reads, validates, and if necessary migrates the current snapshot.
// A missing file is ErrNoSnapshot; anything unreadable wraps ErrInvalid.
func (s *Store) Load() (Snapshot, error) {
	return s.read(s.path)
}

// ReadFile decodes and validates a snapshot at an arbitrary path. The
// restore flow uses it to vet a file before installing it.
func (s *Store) ReadFile(path string) (Snapshot, error) {
	return s.read(path)
}

func (s *Store) read(path string) (Snapshot, error) {
	raw, err := afero.ReadFile(s.fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	}
	return decode(raw, path, s.migrate, s.log)
}

// Read decodes and validates the snapshot at path without constructing a
// Store. Inspection tooling uses it; schema migration is not applied.
func Read(fsys afero.Fs, path string) (Snapshot, error) {
	raw, err := afero.ReadFile(fsys, path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	}
	return decode(raw, path, nil, zap.NewNop())
}

// Install validates the snapshot at src and atomically replaces dst with it.
// The document is re-encoded but otherwise preserved, timestamp included.
// Callers must make sure no daemon owns dst while this runs.
func Install(fsys afero.Fs, src, dst string) (Snapshot, error) {
	snap, err := Read(fsys, src)
	if err != nil {
		return Snapshot{}, err
	}
	if err := fsys.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("persist: create state dir: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Snapshot{}, fmt.Errorf("persist: encode snapshot: %w", err)
	}
	if err := replaceFile(fsys, dst, data); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func decode(raw []byte, path string, migrate MigrateFunc, log *zap.Logger) (Snapshot, error) {
	var probe struct {
		SchemaVersion int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Snapshot{}, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}

	switch {
	case probe.SchemaVersion > SchemaVersion:
		return Snapshot{}, fmt.Errorf("%w: schema version %d is newer than this build supports (%d)",
			ErrInvalid, probe.SchemaVersion, SchemaVersion)
	case probe.SchemaVersion < SchemaVersion:
		if migrate == nil {
			return Snapshot{}, fmt.Errorf("%w: schema version %d needs migration and none is configured",
				ErrInvalid, probe.SchemaVersion)
		}
		snap, err := migrate(probe.SchemaVersion, raw)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: migrate from version %d: %v", ErrInvalid, probe.SchemaVersion, err)
		}
		if err := snap.Validate(); err != nil {
			return Snapshot{}, fmt.Errorf("%w: migrated snapshot: %v", ErrInvalid, err)
		}
		snap.SchemaVersion = SchemaVersion
		log.Info("migrated snapshot",
			zap.Int("from", probe.SchemaVersion), zap.Int("to", SchemaVersion))
		return snap, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}
	if err := snap.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return snap, nil
}

// Degraded reports whether the most recent write failed or timed out.
func (s *Store) Degraded() bool { return s.degraded.Load() }

// LastSaved returns the timestamp of the last snapshot confirmed on disk.
func (s *Store) LastSaved() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaved
}

// Path returns the snapshot file location.
func (s *Store) Path() string { return s.path }
