package hostdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tu58fs/internal/decfile"
)

func TestPrepareCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub")
	snap, err := Prepare(dir, true, true)
	require.NoError(t, err)
	assert.NotNil(t, snap)
	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestPrepareRejectsMissingWithoutCreate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub")
	_, err := Prepare(dir, false, true)
	assert.Error(t, err)
}

func TestFromPDPFSWritesAndRemovesStaleFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.txt"), []byte("old"), 0o644))

	files := []*decfile.File{{Name: "KEEP", Ext: "TXT", Data: []byte("content")}}
	_, err := FromPDPFS(dir, files)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "stale.txt"))
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(filepath.Join(dir, "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestToPDPFSDerivesNamesAndReadsData(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hi"), 0o644))

	files, snap, err := ToPDPFS(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "README", files[0].Name)
	assert.Equal(t, "TXT", files[0].Ext)
	assert.Equal(t, []byte("hi"), files[0].Data)
	assert.NotNil(t, snap)
}

func TestToPDPFSDetectsNameCollision(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "verylongname1.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "verylongname2.txt"), []byte("b"), 0o644))

	_, _, err := ToPDPFS(dir)
	assert.Error(t, err)
}

func TestToPDPFSRecognizesBootSentinel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, decfile.BootSentinelName), []byte{1, 2}, 0o644))

	files, _, err := ToPDPFS(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, files[0].IsBoot())
}

func TestSnapshotChangedDetectsModification(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("1"), 0o644))

	snap, err := Prepare(dir, false, true)
	require.NoError(t, err)
	changed, err := snap.Changed()
	require.NoError(t, err)
	assert.True(t, changed, "snapshot created empty, directory has a file")

	_, snap2, err := ToPDPFS(dir)
	require.NoError(t, err)
	changed, err = snap2.Changed()
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("12"), 0o644))
	changed, err = snap2.Changed()
	require.NoError(t, err)
	assert.True(t, changed)
}
