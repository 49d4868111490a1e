package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SnapshotVersion tags the persistence file format. A snapshot written by
// a different version refuses to load.
const SnapshotVersion = 1

// Snapshot is the engine's whole persisted state: the stream offsets it
// has acknowledged and every module store, keyed by the fully-qualified
// module name (tenant.module).
type Snapshot struct {
	Version            int                        `json:"version"`
	SourceStreamOffset uint64                     `json:"source_stream_offset"`
	EventStreamOffset  uint64                     `json:"event_stream_offset"`
	Stores             map[string]json.RawMessage `json:"stores"`
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		Version: SnapshotVersion,
		Stores:  map[string]json.RawMessage{},
	}
}

// LoadSnapshot reads the persistence file. A missing file is a fresh
// start: zero offsets, no stores. A version mismatch is an error; the
// engine must not run against state it cannot interpret.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return newSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Errorf("snapshot %s has version %d, want %d: refusing to start",
			path, snap.Version, SnapshotVersion)
	}
	if snap.Stores == nil {
		snap.Stores = map[string]json.RawMessage{}
	}
	return &snap, nil
}

// Write persists the snapshot whole-file: temp file in the same directory,
// then rename, so a crash mid-write never corrupts the previous snapshot.
func (s *Snapshot) Write(path string) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot %s: %w", path, err)
	}
	return nil
}
