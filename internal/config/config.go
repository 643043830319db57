// Package config turns CLI flags into a validated Config (spec.md §6).
// The Default/Load/Validate shape mirrors internal/config/config.go in the
// teacher repository; the flags themselves are parsed by cobra/pflag
// instead of a JSON file, since this emulator has no persistent server
// config to hot-reload.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"tu58fs/internal/blockimage"
	"tu58fs/internal/tu58err"
)

// DeviceSpec is one `--device`/`--shareddevice` flag occurrence (spec.md
// §6: "<unit>,<r|w|c>,<filename>").
type DeviceSpec struct {
	Unit     int
	Mode     string // "r", "w", or "c" (create)
	Path     string
	Shared   bool
	Device   blockimage.DeviceKind
	FS       blockimage.FSKind
	Autosize bool
}

// Flags holds the raw, unvalidated CLI surface from spec.md §6.
type Flags struct {
	Port           string
	BaudRate       int
	StopBits       int
	MRSP           bool
	NoSync         bool
	VAX            bool
	Timing         int
	Background     bool
	SyncTimeout    int
	OfflineTimeout int
	XXDP           bool
	RT11           bool
	Size           string // "std" or "auto"
	Devices        []string
	SharedDevices  []string
	Unpack         string
	Pack           string
	State          string // optional state-snapshot file (SPEC_FULL ambient addition)
}

// RegisterFlags wires Flags onto a pflag.FlagSet, for use by the cobra root
// command in cmd/tu58fs.
func RegisterFlags(fs *pflag.FlagSet, f *Flags) {
	fs.StringVar(&f.Port, "port", "", "serial device to open")
	fs.IntVar(&f.BaudRate, "baudrate", 9600, "serial baud rate (1200-3000000)")
	fs.IntVar(&f.StopBits, "stopbits", 1, "serial stop bits (1 or 2)")
	fs.BoolVar(&f.MRSP, "mrsp", false, "enable MRSP per-byte handshake mode")
	fs.BoolVar(&f.NoSync, "nosync", false, "skip the startup INIT handshake")
	fs.BoolVar(&f.VAX, "vax", false, "remove optional inter-byte delays for VAX console timeouts")
	fs.IntVar(&f.Timing, "timing", 0, "timing delay profile (0, 1, or 2)")
	fs.BoolVar(&f.Background, "background", false, "suppress info: lines")
	fs.IntVar(&f.SyncTimeout, "synctimeout", 3, "seconds of serial idle before a dirty image is saved")
	fs.IntVar(&f.OfflineTimeout, "offlinetimeout", 5, "seconds of serial idle before an offline request takes effect")
	fs.BoolVar(&f.XXDP, "xxdp", false, "select the XXDP filesystem for all --device/--shareddevice flags (flag order is not considered)")
	fs.BoolVar(&f.RT11, "rt11", false, "select the RT-11 filesystem for all --device/--shareddevice flags (flag order is not considered)")
	fs.StringVar(&f.Size, "size", "std", "image size policy: std or auto")
	fs.StringArrayVar(&f.Devices, "device", nil, "<unit>,<r|w|c>,<filename>: attach a flat image file")
	fs.StringArrayVar(&f.SharedDevices, "shareddevice", nil, "<unit>,<r|w|c>,<dirname>: attach a host directory")
	fs.StringVar(&f.Unpack, "unpack", "", "<img>,<dir>: one-shot extract an image to a host directory, then exit")
	fs.StringVar(&f.Pack, "pack", "", "<dir>,<img>: one-shot build an image from a host directory, then exit")
	fs.StringVar(&f.State, "state", "", "optional path where the per-unit device table is written as JSON at startup")
}

// Config is the validated, ready-to-use configuration.
type Config struct {
	Port           string
	BaudRate       int
	StopBits       int
	MRSP           bool
	NoSync         bool
	VAX            bool
	Timing         int
	Background     bool
	SyncTimeout    time.Duration
	OfflineTimeout time.Duration
	Devices        []DeviceSpec
	Unpack         [2]string // img, dir; empty if unused
	Pack           [2]string // dir, img; empty if unused
	State          string
}

// Default returns a Config with the spec's documented defaults, mirroring
// internal/config.Default() in the teacher repository.
func Default() Config {
	return Config{
		BaudRate:       9600,
		StopBits:       1,
		Timing:         0,
		SyncTimeout:    3 * time.Second,
		OfflineTimeout: 5 * time.Second,
	}
}

// Validate converts Flags into a Config, mirroring
// internal/config.Config.Validate() in the teacher repository: normalize,
// reject contradictions, and fail fast with a tu58err.Error of kind
// ConfigError.
func Validate(f Flags) (Config, error) {
	c := Default()
	c.Port = f.Port
	c.BaudRate = f.BaudRate
	c.StopBits = f.StopBits
	c.MRSP = f.MRSP
	c.NoSync = f.NoSync
	c.VAX = f.VAX
	c.Timing = f.Timing
	c.Background = f.Background
	c.SyncTimeout = time.Duration(f.SyncTimeout) * time.Second
	c.OfflineTimeout = time.Duration(f.OfflineTimeout) * time.Second
	c.State = f.State

	if c.BaudRate < 1200 || c.BaudRate > 3000000 {
		return Config{}, tu58err.New(tu58err.ConfigError, "baudrate %d out of range 1200-3000000", c.BaudRate)
	}
	if c.StopBits != 1 && c.StopBits != 2 {
		return Config{}, tu58err.New(tu58err.ConfigError, "stopbits must be 1 or 2, got %d", c.StopBits)
	}
	if c.Timing < 0 || c.Timing > 2 {
		return Config{}, tu58err.New(tu58err.ConfigError, "timing must be 0, 1, or 2, got %d", c.Timing)
	}
	if f.XXDP && f.RT11 {
		return Config{}, tu58err.New(tu58err.ConfigError, "--xxdp and --rt11 are mutually exclusive")
	}
	autosize, err := parseSize(f.Size)
	if err != nil {
		return Config{}, err
	}

	fsKind := blockimage.FSNone
	if f.XXDP {
		fsKind = blockimage.FSXXDP
	} else if f.RT11 {
		fsKind = blockimage.FSRT11
	}

	for _, raw := range f.Devices {
		spec, err := parseDeviceSpec(raw, false, fsKind, autosize)
		if err != nil {
			return Config{}, err
		}
		c.Devices = append(c.Devices, spec)
	}
	for _, raw := range f.SharedDevices {
		spec, err := parseDeviceSpec(raw, true, fsKind, autosize)
		if err != nil {
			return Config{}, err
		}
		if fsKind == blockimage.FSNone {
			return Config{}, tu58err.New(tu58err.ConfigError, "--shareddevice %s requires --xxdp or --rt11", raw)
		}
		c.Devices = append(c.Devices, spec)
	}

	if f.Unpack != "" {
		parts := strings.SplitN(f.Unpack, ",", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Config{}, tu58err.New(tu58err.ConfigError, "--unpack requires <img>,<dir>, got %q", f.Unpack)
		}
		c.Unpack = [2]string{parts[0], parts[1]}
	}
	if f.Pack != "" {
		parts := strings.SplitN(f.Pack, ",", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Config{}, tu58err.New(tu58err.ConfigError, "--pack requires <dir>,<img>, got %q", f.Pack)
		}
		c.Pack = [2]string{parts[0], parts[1]}
	}

	if c.Port == "" && c.Unpack[0] == "" && c.Pack[0] == "" {
		return Config{}, tu58err.New(tu58err.ConfigError, "--port is required unless --unpack or --pack is given")
	}

	return c, nil
}

func parseSize(s string) (bool, error) {
	switch s {
	case "", "std":
		return false, nil
	case "auto":
		return true, nil
	default:
		return false, tu58err.New(tu58err.ConfigError, "--size must be std or auto, got %q", s)
	}
}

func parseDeviceSpec(raw string, shared bool, fsKind blockimage.FSKind, autosize bool) (DeviceSpec, error) {
	parts := strings.SplitN(raw, ",", 3)
	if len(parts) != 3 {
		return DeviceSpec{}, tu58err.New(tu58err.ConfigError, "malformed device spec %q: want <unit>,<mode>,<path>", raw)
	}
	unit, err := strconv.Atoi(parts[0])
	if err != nil || unit < 0 || unit > 7 {
		return DeviceSpec{}, tu58err.New(tu58err.ConfigError, "malformed device spec %q: unit must be 0-7", raw)
	}
	mode := strings.ToLower(parts[1])
	if mode != "r" && mode != "w" && mode != "c" {
		return DeviceSpec{}, tu58err.New(tu58err.ConfigError, "malformed device spec %q: mode must be r, w, or c", raw)
	}
	return DeviceSpec{
		Unit:     unit,
		Mode:     mode,
		Path:     parts[2],
		Shared:   shared,
		Device:   blockimage.DeviceTU58,
		FS:       fsKind,
		Autosize: autosize,
	}, nil
}

// State is the optional `--state` JSON snapshot of the per-unit device
// table (an ambient addition beyond spec.md §6). The CLI writes it at
// startup and does not read it back; LoadState reads such a file.
type State struct {
	Devices []DeviceSpec `json:"devices"`
}

// LoadState reads a previously saved state file, if path is non-empty.
func LoadState(path string) (*State, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{}, nil
		}
		return nil, tu58err.Wrap(tu58err.ConfigError, err, "reading state file %q", path)
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, tu58err.Wrap(tu58err.ConfigError, err, "parsing state file %q", path)
	}
	return &st, nil
}

// SaveState writes the current device table to path, if non-empty.
func SaveState(path string, devices []DeviceSpec) error {
	if path == "" {
		return nil
	}
	st := State{Devices: devices}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return tu58err.Wrap(tu58err.ConfigError, err, "encoding state")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return tu58err.Wrap(tu58err.ConfigError, err, "writing state file %q", path)
	}
	return nil
}
