package fileutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestRotateFileNothingToRotate(t *testing.T) {
	base := filepath.Join(t.TempDir(), "out")
	require.NoError(t, RotateFile(base, "csv", 10))

	_, err := os.Stat(base + ".csv")
	assert.True(t, os.IsNotExist(err))
}

func TestRotateFileShiftsChain(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "out")
	touch(t, base+".csv", "newest")
	touch(t, base+"_1.csv", "older")
	touch(t, base+"_2.csv", "oldest")

	require.NoError(t, RotateFile(base, "csv", 10))

	_, err := os.Stat(base + ".csv")
	assert.True(t, os.IsNotExist(err))
	for name, want := range map[string]string{
		base + "_1.csv": "newest",
		base + "_2.csv": "older",
		base + "_3.csv": "oldest",
	} {
		data, err := os.ReadFile(name)
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}
}

func TestRotateFileDropsOldestAtKeep(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "out")
	touch(t, base+".csv", "newest")
	touch(t, base+"_1.csv", "g1")
	touch(t, base+"_2.csv", "g2")

	require.NoError(t, RotateFile(base, "csv", 2))

	data, err := os.ReadFile(base + "_2.csv")
	require.NoError(t, err)
	assert.Equal(t, "g1", string(data))

	data, err = os.ReadFile(base + "_1.csv")
	require.NoError(t, err)
	assert.Equal(t, "newest", string(data))
}
