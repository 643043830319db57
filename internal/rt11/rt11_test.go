package rt11

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
		Filesystem:  blockimage.FSRT11,
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
		{Name: "FOO", Ext: "TXT", Created: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), Data: []byte("contiguous data")},
		{Name: "BAR", Ext: "DAT", Created: time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC), Data: make([]byte, BlockSize*2+3)},
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
	// RT-11 stores whole blocks contiguously; the read-back payload is
	// block-padded, so only the written prefix is compared.
	assert.Equal(t, files[0].Data, fs.Files[0].Data[:len(files[0].Data)])
	assert.Len(t, fs.Files[1].Blocks, 3)
}

func TestFilesAreStoredInContiguousRuns(t *testing.T) {
	img := openTestImage(t)
	img.Lock()
	files := []*decfile.File{{Name: "A", Ext: "B", Data: make([]byte, BlockSize*4)}}
	require.NoError(t, New(img).Render(files))
	img.Unlock()

	blocks := files[0].Blocks
	require.Len(t, blocks, 4)
	for i := 1; i < len(blocks); i++ {
		assert.Equal(t, blocks[i-1]+1, blocks[i])
	}
}

func TestParseRejectsInvalidSegmentCount(t *testing.T) {
	img := openTestImage(t)
	img.Lock()
	require.NoError(t, Format(img))
	buf := img.Buffer()
	putLE16(blockOf(buf, homeBlock), 2, maxSegments+1)
	img.Unlock()

	img.Lock()
	err := New(img).Parse()
	img.Unlock()
	assert.Error(t, err)
}

func TestRenderRejectsTooManyFilesForOneSegment(t *testing.T) {
	img := openTestImage(t)
	img.Lock()
	defer img.Unlock()

	files := make([]*decfile.File, entriesPerSegment+1)
	for i := range files {
		files[i] = &decfile.File{Name: "F", Ext: "X"}
	}
	err := New(img).Render(files)
	assert.Error(t, err)
}

func TestDateRoundTrip(t *testing.T) {
	d := time.Date(2025, time.June, 15, 0, 0, 0, 0, time.UTC)
	w := encodeRT11Date(d)
	got := decodeRT11Date(w)
	assert.Equal(t, d, got)
}
