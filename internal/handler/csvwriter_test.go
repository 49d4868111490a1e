package handler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCSVWriter(t *testing.T, dir string, extra map[string]any) *CSVWriter {
	t.Helper()
	deps := testDeps(nil)
	h, err := New("handler.CSVWriter", "csv", deps)
	require.NoError(t, err)

	require.NoError(t, deps.Config.Set("handler.csv.output_directory", dir))
	for key, value := range extra {
		require.NoError(t, deps.Config.Set("handler.csv."+key, value))
	}
	require.NoError(t, h.Initialize())
	return h.(*CSVWriter)
}

func TestCSVWriterHeaderThenRows(t *testing.T) {
	dir := t.TempDir()
	h := newCSVWriter(t, dir, nil)
	defer h.Close()

	require.NoError(t, h.ProcessEvent(loginEvent(t)))
	require.NoError(t, h.ProcessEvent(loginEvent(t)))

	data, err := os.ReadFile(filepath.Join(dir, "acme.sshd-SSHDLogin.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "timestamp,user,addr", lines[0])
	assert.Equal(t, "2026-04-02 09:30:00,alice,10.0.0.1", lines[1])
	assert.Equal(t, lines[1], lines[2])
}

func TestCSVWriterRotatesPriorFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "acme.sshd-SSHDLogin")
	require.NoError(t, os.WriteFile(base+".csv", []byte("from last run\n"), 0o644))

	h := newCSVWriter(t, dir, nil)
	defer h.Close()
	require.NoError(t, h.ProcessEvent(loginEvent(t)))

	rotated, err := os.ReadFile(base + "_1.csv")
	require.NoError(t, err)
	assert.Equal(t, "from last run\n", string(rotated))

	fresh, err := os.ReadFile(base + ".csv")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(fresh), "timestamp,user,addr\n"))
}

func TestCSVWriterDisabled(t *testing.T) {
	dir := t.TempDir()
	h := newCSVWriter(t, dir, map[string]any{"enabled": false})

	require.NoError(t, h.ProcessEvent(loginEvent(t)))

	_, err := os.Stat(filepath.Join(dir, "acme.sshd-SSHDLogin.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestCSVWriterUncachedHandles(t *testing.T) {
	dir := t.TempDir()
	h := newCSVWriter(t, dir, map[string]any{"cache_filehandles": false})

	require.NoError(t, h.ProcessEvent(loginEvent(t)))
	assert.Empty(t, h.files)
	require.NoError(t, h.ProcessEvent(loginEvent(t)))

	data, err := os.ReadFile(filepath.Join(dir, "acme.sshd-SSHDLogin.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Len(t, lines, 3)
}
