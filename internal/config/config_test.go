package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tu58fs/internal/blockimage"
)

func baseFlags() Flags {
	return Flags{
		Port:           "/dev/ttyUSB0",
		BaudRate:       9600,
		StopBits:       1,
		SyncTimeout:    3,
		OfflineTimeout: 5,
		Size:           "std",
	}
}

func TestValidateRejectsBadBaudRate(t *testing.T) {
	f := baseFlags()
	f.BaudRate = 100
	_, err := Validate(f)
	assert.Error(t, err)
}

func TestValidateRejectsBadStopBits(t *testing.T) {
	f := baseFlags()
	f.StopBits = 3
	_, err := Validate(f)
	assert.Error(t, err)
}

func TestValidateRejectsXXDPAndRT11Together(t *testing.T) {
	f := baseFlags()
	f.XXDP = true
	f.RT11 = true
	_, err := Validate(f)
	assert.Error(t, err)
}

func TestValidateRequiresPortUnlessPackOrUnpack(t *testing.T) {
	f := baseFlags()
	f.Port = ""
	_, err := Validate(f)
	assert.Error(t, err)

	f.Unpack = "img.dsk,dir"
	_, err = Validate(f)
	assert.NoError(t, err)
}

func TestValidateParsesDeviceSpec(t *testing.T) {
	f := baseFlags()
	f.XXDP = true
	f.Devices = []string{"0,c,disk0.dsk"}
	cfg, err := Validate(f)
	require.NoError(t, err)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, 0, cfg.Devices[0].Unit)
	assert.Equal(t, "c", cfg.Devices[0].Mode)
	assert.Equal(t, "disk0.dsk", cfg.Devices[0].Path)
	assert.Equal(t, blockimage.FSXXDP, cfg.Devices[0].FS)
}

func TestValidateRejectsMalformedDeviceSpec(t *testing.T) {
	f := baseFlags()
	f.Devices = []string{"not-a-spec"}
	_, err := Validate(f)
	assert.Error(t, err)
}

func TestValidateSharedDeviceRequiresFilesystem(t *testing.T) {
	f := baseFlags()
	f.SharedDevices = []string{"0,w,dir"}
	_, err := Validate(f)
	assert.Error(t, err)
}

func TestValidateParsesUnpackAndPack(t *testing.T) {
	f := baseFlags()
	f.Port = ""
	f.Unpack = "a.dsk,outdir"
	cfg, err := Validate(f)
	require.NoError(t, err)
	assert.Equal(t, [2]string{"a.dsk", "outdir"}, cfg.Unpack)
}

func TestSizeAutoEnablesAutosizing(t *testing.T) {
	f := baseFlags()
	f.XXDP = true
	f.Size = "auto"
	f.Devices = []string{"1,w,disk1.dsk"}
	cfg, err := Validate(f)
	require.NoError(t, err)
	assert.True(t, cfg.Devices[0].Autosize)
}

func TestSaveAndLoadStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	devices := []DeviceSpec{{Unit: 2, Mode: "r", Path: "x.dsk", Device: blockimage.DeviceTU58, FS: blockimage.FSXXDP}}
	require.NoError(t, SaveState(path, devices))

	st, err := LoadState(path)
	require.NoError(t, err)
	require.Len(t, st.Devices, 1)
	assert.Equal(t, devices[0], st.Devices[0])
}

func TestLoadStateMissingFileReturnsEmpty(t *testing.T) {
	st, err := LoadState(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Empty(t, st.Devices)
}

func TestLoadStateEmptyPathReturnsNil(t *testing.T) {
	st, err := LoadState("")
	require.NoError(t, err)
	assert.Nil(t, st)
}
