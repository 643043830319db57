// Package blockimage implements the mutable, block-addressable byte array
// backing a TU58 (or RL02) device image: spec.md §3 "Image" and §4.A.
//
// The save-atomically-by-rename technique is adapted from
// internal/diskimage/atomic.go in the teacher repository.
package blockimage

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"tu58fs/internal/tu58err"
)

// BlockSize is the fixed TU58 block size in bytes.
const BlockSize = 512

// DeviceKind selects the geometry family of an image.
type DeviceKind int

const (
	DeviceTU58 DeviceKind = iota
	DeviceRL02
)

func (d DeviceKind) String() string {
	if d == DeviceRL02 {
		return "RL02"
	}
	return "TU58"
}

// FSKind selects the logical DEC filesystem layered on an image, if any.
type FSKind int

const (
	FSNone FSKind = iota
	FSXXDP
	FSRT11
)

// StdBlocks returns the standard (non-autosized) block count for a device
// kind. TU58 = 512 blocks = 256 KiB, per spec.md §3.
func StdBlocks(d DeviceKind) int {
	switch d {
	case DeviceRL02:
		return 20480 // 10 MiB, matches a real RL02 cartridge's rough capacity
	default:
		return 512
	}
}

// MaxAutosizeBlocks is the 32 MiB autosize ceiling (spec.md §3), in blocks.
const MaxAutosizeBlocks = 32 * 1024 * 1024 / BlockSize

// MaxSize returns the largest permitted block count for a device kind and
// autosizing flag.
func MaxSize(d DeviceKind, autosizing bool) int {
	if autosizing {
		return MaxAutosizeBlocks
	}
	return StdBlocks(d)
}

var geometryRegistry = map[FSKind]map[DeviceKind]bool{}

// RegisterGeometry records that fs can be laid out on device. Filesystem
// codec packages (internal/xxdp, internal/rt11) call this from init() so
// that blockimage never needs to import them.
func RegisterGeometry(fs FSKind, devices ...DeviceKind) {
	set, ok := geometryRegistry[fs]
	if !ok {
		set = map[DeviceKind]bool{}
		geometryRegistry[fs] = set
	}
	for _, d := range devices {
		set[d] = true
	}
}

func geometrySupported(fs FSKind, device DeviceKind) bool {
	set, ok := geometryRegistry[fs]
	if !ok {
		// No codec has registered for this FSKind at all; treat as
		// supported so tests that don't import a codec package still work
		// with FSNone-equivalent flows. FSNone itself is never checked
		// (see the call site in Open).
		return true
	}
	return set[device]
}

// Image is the mutable, lockable backing store for one drive unit.
type Image struct {
	mu sync.Mutex

	unit       int
	open       bool
	shared     bool
	readonly   bool
	changed    bool
	lastWrite  time.Time
	hostPath   string
	device     DeviceKind
	filesystem FSKind
	autosizing bool

	buffer []byte
	dirty  []bool // len(dirty) == blocks
	syncer Syncer
}

// InitFunc renders an initial empty filesystem into a freshly created,
// zero-filled image. It is supplied by the caller (internal/xxdp,
// internal/rt11) so that blockimage never imports the filesystem codecs.
type InitFunc func(img *Image) error

// OpenParams mirrors spec.md §4.A's open() signature.
type OpenParams struct {
	Unit        int
	Shared      bool
	Readonly    bool
	AllowCreate bool
	Path        string
	Device      DeviceKind
	Filesystem  FSKind
	Autosize    bool
	Init        InitFunc // only consulted when a new non-shared image is created
}

// Open implements spec.md §4.A's open operation.
func Open(p OpenParams) (*Image, error) {
	if p.Unit < 0 || p.Unit > 7 {
		return nil, tu58err.New(tu58err.InvalidDevice, "unit %d out of range 0..7", p.Unit)
	}
	if p.Shared && p.Filesystem == FSNone {
		return nil, tu58err.New(tu58err.FilesystemRequired, "shared device requires a filesystem")
	}
	if p.Filesystem != FSNone && !geometrySupported(p.Filesystem, p.Device) {
		// Open question #1 (DESIGN.md): the original tool let a TU58 device
		// be paired with an RL02 geometry descriptor ("testfs") without
		// complaint. Here that combination is rejected at construction time.
		return nil, tu58err.New(tu58err.InvalidDevice, "filesystem %v does not support device geometry %v", p.Filesystem, p.Device)
	}

	img := &Image{
		unit:       p.Unit,
		shared:     p.Shared,
		readonly:   p.Readonly,
		hostPath:   p.Path,
		device:     p.Device,
		filesystem: p.Filesystem,
		autosizing: p.Autosize,
	}

	if p.Shared {
		if err := openShared(img, p); err != nil {
			return nil, err
		}
		return img, nil
	}
	if err := openFlat(img, p); err != nil {
		return nil, err
	}
	return img, nil
}

func openFlat(img *Image, p OpenParams) error {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			return tu58err.Wrap(tu58err.IOError, err, "reading image %q", p.Path)
		}
		if !p.AllowCreate {
			return tu58err.New(tu58err.NotFound, "image %q does not exist", p.Path)
		}
		blocks := StdBlocks(p.Device)
		img.resize(blocks)
		img.open = true
		if p.Init != nil {
			if err := p.Init(img); err != nil {
				return err
			}
		}
		return nil
	}
	if len(data)%BlockSize != 0 {
		return tu58err.New(tu58err.UnsupportedSize, "image %q size %d is not a multiple of %d", p.Path, len(data), BlockSize)
	}
	blocks := len(data) / BlockSize
	if blocks > MaxSize(p.Device, p.Autosize) {
		return tu58err.New(tu58err.UnsupportedSize, "image %q has %d blocks, exceeds max %d", p.Path, blocks, MaxSize(p.Device, p.Autosize))
	}
	img.buffer = data
	img.dirty = make([]bool, blocks)
	img.open = true
	return nil
}

func openShared(img *Image, p OpenParams) error {
	fi, err := os.Stat(p.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			return tu58err.Wrap(tu58err.IOError, err, "stat directory %q", p.Path)
		}
		if !p.AllowCreate {
			return tu58err.New(tu58err.NotFound, "directory %q does not exist", p.Path)
		}
		if err := os.MkdirAll(p.Path, 0o755); err != nil {
			return tu58err.Wrap(tu58err.IOError, err, "creating directory %q", p.Path)
		}
	} else if !fi.IsDir() {
		return tu58err.New(tu58err.InvalidDevice, "%q is not a directory", p.Path)
	}
	img.resize(StdBlocks(p.Device))
	img.open = true
	// The buffer is populated by the first host->image reconciliation,
	// driven by internal/drive after Open returns (spec.md §4.D).
	return nil
}

// Lock/Unlock expose the single per-image lock from spec.md §5: a WRITE
// command holds it from the first received data byte through the bitmap
// update; a sync holds it across parse->reconcile->render.
func (img *Image) Lock()   { img.mu.Lock() }
func (img *Image) Unlock() { img.mu.Unlock() }

// Unit, IsOpen, Shared, Readonly, Autosizing, Device, Filesystem, HostPath
// are read-only accessors; callers must hold the lock if they race with
// mutation (Close changes IsOpen; WriteBlock/grow change Changed/size).

func (img *Image) Unit() int                    { return img.unit }
func (img *Image) IsOpen() bool                 { return img.open }
func (img *Image) Shared() bool                 { return img.shared }
func (img *Image) Readonly() bool               { return img.readonly }
func (img *Image) Autosizing() bool             { return img.autosizing }
func (img *Image) Device() DeviceKind           { return img.device }
func (img *Image) Filesystem() FSKind           { return img.filesystem }
func (img *Image) HostPath() string             { return img.hostPath }
func (img *Image) Blocks() int                  { return len(img.buffer) / BlockSize }
func (img *Image) SizeBytes() int               { return len(img.buffer) }
func (img *Image) Changed() bool                { return img.changed }

// LastWrite returns the timestamp of the most recent WriteBlock or
// MarkDirty call, the idle-clock reference for the sync-after-idle monitor
// (spec.md §4.F: "(now - last_write) >= synctimeout_sec"). Zero if the
// image has never been written to since it was opened or last saved.
func (img *Image) LastWrite() time.Time { return img.lastWrite }
func (img *Image) SetHostPath(path string)      { img.hostPath = path }

// Buffer returns the raw backing buffer. Callers (filesystem codecs) must
// hold img's lock for the duration of use and must not retain it past
// Unlock; spec.md §9 calls this a "short-lived borrow".
func (img *Image) Buffer() []byte { return img.buffer }

// DirtyBlocks returns a copy of the dirty bitmap.
func (img *Image) DirtyBlocks() []bool {
	out := make([]bool, len(img.dirty))
	copy(out, img.dirty)
	return out
}

// clearDirty clears the dirty bitmap and the changed flag, used after a
// successful Save.
func (img *Image) clearDirty() {
	for i := range img.dirty {
		img.dirty[i] = false
	}
	img.changed = false
	img.lastWrite = time.Time{}
}

func (img *Image) resize(blocks int) {
	newBuf := make([]byte, blocks*BlockSize)
	copy(newBuf, img.buffer)
	img.buffer = newBuf
	newDirty := make([]bool, blocks)
	copy(newDirty, img.dirty)
	img.dirty = newDirty
}

// grow implements the autosize growth policy: the image is resized to
// exactly toBlocks blocks, with no rounding, and never past MaxSize; the
// added bytes and dirty bits start at zero.
func (img *Image) grow(toBlocks int) error {
	if toBlocks > MaxSize(img.device, img.autosizing) {
		return tu58err.New(tu58err.OutOfRange, "block %d exceeds max size %d blocks", toBlocks-1, MaxSize(img.device, img.autosizing))
	}
	img.resize(toBlocks)
	return nil
}

// ReadBlock implements spec.md §4.A's read_block operation.
func (img *Image) ReadBlock(n int) ([]byte, error) {
	if n < 0 {
		return nil, tu58err.New(tu58err.OutOfRange, "negative block %d", n)
	}
	if n >= img.Blocks() {
		if !img.autosizing {
			return nil, tu58err.New(tu58err.OutOfRange, "block %d out of range (%d blocks)", n, img.Blocks())
		}
		if err := img.grow(n + 1); err != nil {
			return nil, err
		}
	}
	out := make([]byte, BlockSize)
	copy(out, img.buffer[n*BlockSize:(n+1)*BlockSize])
	return out, nil
}

// WriteBlock implements spec.md §4.A's write_block operation.
func (img *Image) WriteBlock(n int, data []byte) error {
	if n < 0 {
		return tu58err.New(tu58err.OutOfRange, "negative block %d", n)
	}
	if len(data) != BlockSize {
		return tu58err.New(tu58err.IOError, "write_block: payload must be %d bytes, got %d", BlockSize, len(data))
	}
	if n >= img.Blocks() {
		if !img.autosizing {
			return tu58err.New(tu58err.OutOfRange, "block %d out of range (%d blocks)", n, img.Blocks())
		}
		if err := img.grow(n + 1); err != nil {
			return err
		}
	}
	copy(img.buffer[n*BlockSize:(n+1)*BlockSize], data)
	img.dirty[n] = true
	img.changed = true
	img.lastWrite = time.Now()
	return nil
}

// EnsureBlocks grows the image to at least n blocks, honoring the autosize
// policy, for use by filesystem codecs during Render. Callers must hold
// img's lock.
func (img *Image) EnsureBlocks(n int) error {
	if n <= img.Blocks() {
		return nil
	}
	if !img.autosizing {
		return tu58err.New(tu58err.NoSpace, "layout needs %d blocks, image is fixed at %d", n, img.Blocks())
	}
	return img.grow(n)
}

// MarkDirty flags block n as dirty and sets Changed. Used by filesystem
// codecs after writing directly into Buffer() during Render. Callers must
// hold img's lock.
func (img *Image) MarkDirty(n int) {
	if n >= 0 && n < len(img.dirty) {
		img.dirty[n] = true
		img.changed = true
		img.lastWrite = time.Now()
	}
}

// Syncer renders a shared image's in-memory logical filesystem back into
// the image buffer and reconciles host files, or vice versa. It is
// supplied by internal/drive (which owns the filesystem codecs and the
// host-directory mirror) so that blockimage stays free of that cycle.
type Syncer func(img *Image) error

// Save implements spec.md §4.A's save operation. For non-shared images it
// writes the buffer atomically; for shared images it defers to sync,
// which the caller must have wired via SetSyncer.
func (img *Image) Save() error {
	if !img.shared {
		if err := writeFileAtomic(img.hostPath, img.buffer, 0o644); err != nil {
			return tu58err.Wrap(tu58err.IOError, err, "saving image %q", img.hostPath)
		}
		img.clearDirty()
		return nil
	}
	if img.syncer == nil {
		return tu58err.New(tu58err.IOError, "shared image %q has no syncer configured", img.hostPath)
	}
	if err := img.syncer(img); err != nil {
		return err
	}
	img.clearDirty()
	return nil
}

// SetSyncer wires the render+reconcile callback used by Save for shared
// images. internal/drive calls this once, right after blockimage.Open.
func (img *Image) SetSyncer(s Syncer) { img.syncer = s }

// Close implements spec.md §4.A's close operation.
func (img *Image) Close() error {
	var err error
	if img.changed {
		err = img.Save()
	}
	img.open = false
	img.buffer = nil
	img.dirty = nil
	return err
}

// writeFileAtomic writes data to path atomically: write-new, rename.
// Adapted from internal/diskimage/atomic.go in the teacher repository.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tu58fs-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	_ = os.Chmod(tmpName, perm)
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	ok = true
	return nil
}
