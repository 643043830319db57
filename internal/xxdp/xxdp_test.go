package xxdp

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tu58fs/internal/blockimage"
	"tu58fs/internal/decfile"
)

func openTestImage(t *testing.T) *blockimage.Image {
	t.Helper()
	dir := t.TempDir()
	img, err := blockimage.Open(blockimage.OpenParams{
		Path:        filepath.Join(dir, "unit0.dsk"),
		Device:      blockimage.DeviceTU58,
		Filesystem:  blockimage.FSXXDP,
		AllowCreate: true,
	})
	require.NoError(t, err)
	return img
}

func TestFormatProducesEmptyParsableFilesystem(t *testing.T) {
	img := openTestImage(t)
	img.Lock()
	defer img.Unlock()

	require.NoError(t, Format(img))

	fs := New(img)
	require.NoError(t, fs.Parse())
	assert.Empty(t, fs.Files)
}

func TestRenderParseRoundTrip(t *testing.T) {
	img := openTestImage(t)
	img.Lock()

	files := []*decfile.File{
		{Name: "FOO", Ext: "TXT", Created: time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), Data: []byte("hello world")},
		{Name: "BIGFIL", Ext: "DAT", Created: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Data: make([]byte, fileBlockPayload*3+17)},
	}
	require.NoError(t, New(img).Render(files))
	img.Unlock()

	img.Lock()
	fs := New(img)
	require.NoError(t, fs.Parse())
	img.Unlock()

	require.Len(t, fs.Files, 2)
	assert.Equal(t, "FOO", fs.Files[0].Name)
	assert.Equal(t, "TXT", fs.Files[0].Ext)
	assert.Equal(t, []byte("hello world"), fs.Files[0].Data)
	assert.Equal(t, files[1].Data, fs.Files[1].Data)
}

func TestParseIdempotentAfterSecondRenderRoundTrip(t *testing.T) {
	img := openTestImage(t)
	img.Lock()
	files := []*decfile.File{{Name: "A", Ext: "B", Data: []byte("x")}}
	require.NoError(t, New(img).Render(files))
	img.Unlock()

	img.Lock()
	fs1 := New(img)
	require.NoError(t, fs1.Parse())
	require.NoError(t, New(img).Render(fs1.Files))
	img.Unlock()

	img.Lock()
	fs2 := New(img)
	require.NoError(t, fs2.Parse())
	img.Unlock()

	require.Len(t, fs2.Files, 1)
	assert.Equal(t, "A", fs2.Files[0].Name)
	assert.Equal(t, []byte("x"), fs2.Files[0].Data)
}

func TestParseRejectsCorruptUFDPointer(t *testing.T) {
	img := openTestImage(t)
	img.Lock()
	require.NoError(t, Format(img))

	buf := img.Buffer()
	home := blockOf(buf, homeBlock)
	mfdBlock := int(le16(home, 0))
	// Point the UFD start past the end of the image, an impossible block.
	putLE16(blockOf(buf, mfdBlock), 6, uint16(img.Blocks()+10))
	img.Unlock()

	img.Lock()
	err := New(img).Parse()
	img.Unlock()
	assert.Error(t, err)
}

func TestBootAndMonitorPseudofilesRoundTripThroughHostName(t *testing.T) {
	img := openTestImage(t)
	img.Lock()
	bootBytes := []byte{1, 2, 3, 4, 5}
	files := []*decfile.File{
		{Name: decfile.BootPseudoName, Ext: decfile.BootPseudoExt, Data: bootBytes},
		{Name: decfile.MonitorPseudoName, Ext: decfile.MonitorPseudoExt, Data: []byte("monitor image bytes")},
	}
	require.NoError(t, New(img).Render(files))
	img.Unlock()

	// The boot sector lands in block 0 directly, outside the UFD chain, so
	// the rendered image is bootable (spec.md §4.B).
	raw := img.Buffer()
	wantBoot := make([]byte, BlockSize)
	copy(wantBoot, bootBytes)
	assert.Equal(t, wantBoot, blockOf(raw, bootBlockIdx))

	img.Lock()
	fs := New(img)
	require.NoError(t, fs.Parse())
	img.Unlock()

	require.Len(t, fs.Files, 2)
	var boot, monitor *decfile.File
	for _, f := range fs.Files {
		switch {
		case f.IsBoot():
			boot = f
		case f.IsMonitor():
			monitor = f
		}
	}
	require.NotNil(t, boot)
	require.NotNil(t, monitor)

	assert.True(t, boot.Pseudo)
	assert.Equal(t, decfile.BootSentinelName, boot.HostName())
	assert.Equal(t, []int{bootBlockIdx}, boot.Blocks)
	assert.Equal(t, wantBoot, boot.Data)

	assert.True(t, monitor.Pseudo)
	assert.Equal(t, decfile.MonitorSentinelName, monitor.HostName())
	assert.Equal(t, []byte("monitor image bytes"), monitor.Data)
}
