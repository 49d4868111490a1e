package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eng1.store")

	snap := newSnapshot()
	snap.SourceStreamOffset = 42
	snap.EventStreamOffset = 7
	snap.Stores["acme.sshd"] = json.RawMessage(`{"login_sessions":3}`)
	require.NoError(t, snap.Write(path))

	loaded, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), loaded.SourceStreamOffset)
	assert.Equal(t, uint64(7), loaded.EventStreamOffset)
	assert.JSONEq(t, `{"login_sessions":3}`, string(loaded.Stores["acme.sshd"]))
}

func TestLoadSnapshotMissingFileIsFreshStart(t *testing.T) {
	snap, err := LoadSnapshot(filepath.Join(t.TempDir(), "never-written.store"))
	require.NoError(t, err)
	assert.Zero(t, snap.SourceStreamOffset)
	assert.Zero(t, snap.EventStreamOffset)
	assert.Empty(t, snap.Stores)
	assert.Equal(t, SnapshotVersion, snap.Version)
}

func TestLoadSnapshotRefusesVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eng1.store")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"stores":{}}`), 0o644))

	_, err := LoadSnapshot(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to start")
}

func TestLoadSnapshotRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eng1.store")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := LoadSnapshot(path)
	require.Error(t, err)
}

func TestSnapshotWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eng1.store")
	require.NoError(t, newSnapshot().Write(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "eng1.store", entries[0].Name())
}
