package engine

import (
	"github.com/spf13/afero"

	"cropsteer/engine/internal/persist"
)

// StateSnapshot is the persisted controller document: per-zone runtime
// counters plus the in-flight hardware marker, if any.
type StateSnapshot = persist.Snapshot

// State file sentinels for tooling that reads snapshots directly.
var (
	// ErrNoStateFile means no snapshot exists at the given path.
	ErrNoStateFile = persist.ErrNoSnapshot
	// ErrStateInvalid marks snapshot files that cannot be trusted.
	ErrStateInvalid = persist.ErrInvalid
)

// ReadStateFile decodes and validates the snapshot at path.
func ReadStateFile(fsys afero.Fs, path string) (StateSnapshot, error) {
	return persist.Read(fsys, path)
}

// InstallStateFile validates the snapshot at src and atomically installs it
// at dst, normally the configured statePath. Stop the daemon first: it reads
// the state file only at boot and would overwrite the restored copy on its
// next snapshot.
func InstallStateFile(fsys afero.Fs, src, dst string) (StateSnapshot, error) {
	return persist.Install(fsys, src, dst)
}
