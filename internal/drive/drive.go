// Package drive implements the eight-unit drive bank and its sync-after-idle
// monitor loop (spec.md §4.F). The ticking-goroutine shape is adapted from
// internal/server/maintenance.go's startMaintenanceLoop in the teacher
// repository.
package drive

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"tu58fs/internal/blockimage"
	"tu58fs/internal/decfile"
	"tu58fs/internal/hostdir"
	"tu58fs/internal/rt11"
	"tu58fs/internal/tu58err"
	"tu58fs/internal/tu58proto"
	"tu58fs/internal/xxdp"
)

const NumUnits = 8

// UnitConfig describes how one unit was configured at startup, enough to
// rebuild its syncer and report status to the console dialog.
type UnitConfig struct {
	Unit       int
	Shared     bool
	Readonly   bool
	Path       string
	Device     blockimage.DeviceKind
	Filesystem blockimage.FSKind
	Autosize   bool
}

// Bank owns the eight-unit array, the offline-request flag, and the sync
// timer. It implements tu58proto.Bank.
type Bank struct {
	log *log.Logger

	mu     sync.Mutex
	images [NumUnits]*blockimage.Image
	snaps  [NumUnits]*hostdir.Snapshot

	offlineRequest [NumUnits]int32 // atomic bools, one per unit
	synctimeout    time.Duration
	offlinetimeout time.Duration
}

// New creates an empty bank; units are populated with OpenUnit.
func New(logger *log.Logger, synctimeout, offlinetimeout time.Duration) *Bank {
	if logger == nil {
		logger = log.Default()
	}
	return &Bank{log: logger, synctimeout: synctimeout, offlinetimeout: offlinetimeout}
}

// OpenUnit implements the per-unit half of spec.md §4.A's open(), wiring a
// shared image's Syncer to this bank's filesystem+hostdir reconciliation.
func (b *Bank) OpenUnit(cfg UnitConfig, allowCreate bool) error {
	if cfg.Unit < 0 || cfg.Unit >= NumUnits {
		return tu58err.New(tu58err.ConfigError, "unit %d out of range 0..%d", cfg.Unit, NumUnits-1)
	}

	var initFn blockimage.InitFunc
	switch cfg.Filesystem {
	case blockimage.FSXXDP:
		initFn = xxdp.Format
	case blockimage.FSRT11:
		initFn = rt11.Format
	}

	img, err := blockimage.Open(blockimage.OpenParams{
		Unit:        cfg.Unit,
		Shared:      cfg.Shared,
		Readonly:    cfg.Readonly,
		AllowCreate: allowCreate,
		Path:        cfg.Path,
		Device:      cfg.Device,
		Filesystem:  cfg.Filesystem,
		Autosize:    cfg.Autosize,
		Init:        initFn,
	})
	if err != nil {
		return err
	}

	if cfg.Shared {
		img.SetSyncer(b.syncerFor(cfg))
		if err := b.initialLoad(img, cfg); err != nil {
			return err
		}
	}

	b.mu.Lock()
	b.images[cfg.Unit] = img
	b.mu.Unlock()
	return nil
}

// initialLoad performs the first to_pdp_fs + render for a freshly opened
// shared unit, so the in-memory image reflects the host directory before
// any protocol traffic arrives.
func (b *Bank) initialLoad(img *blockimage.Image, cfg UnitConfig) error {
	snap, err := hostdir.Prepare(cfg.Path, true, true)
	if err != nil {
		return err
	}
	files, snap, err := hostdir.ToPDPFS(cfg.Path)
	if err != nil {
		return err
	}
	img.Lock()
	defer img.Unlock()
	if err := renderFiles(img, files); err != nil {
		return err
	}
	b.mu.Lock()
	b.snaps[cfg.Unit] = snap
	b.mu.Unlock()
	return nil
}

func renderFiles(img *blockimage.Image, files []*decfile.File) error {
	switch img.Filesystem() {
	case blockimage.FSXXDP:
		return xxdp.New(img).Render(files)
	case blockimage.FSRT11:
		return rt11.New(img).Render(files)
	default:
		return tu58err.New(tu58err.FilesystemRequired, "shared image has no filesystem configured")
	}
}

func parseFiles(img *blockimage.Image) ([]*decfile.File, error) {
	switch img.Filesystem() {
	case blockimage.FSXXDP:
		fs := xxdp.New(img)
		if err := fs.Parse(); err != nil {
			return nil, err
		}
		return fs.Files, nil
	case blockimage.FSRT11:
		fs := rt11.New(img)
		if err := fs.Parse(); err != nil {
			return nil, err
		}
		return fs.Files, nil
	default:
		return nil, tu58err.New(tu58err.FilesystemRequired, "shared image has no filesystem configured")
	}
}

// syncerFor builds the blockimage.Syncer for a shared unit (spec.md §4.A's
// save() for shared images): it parses the image and writes its files into
// the host directory (from_pdp_fs), then records the resulting snapshot.
// The host-to-image direction runs separately, in maybeReconcileFromHost.
func (b *Bank) syncerFor(cfg UnitConfig) blockimage.Syncer {
	return func(img *blockimage.Image) error {
		files, err := parseFiles(img)
		if err != nil {
			return err
		}
		snap, err := hostdir.FromPDPFS(cfg.Path, files)
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.snaps[cfg.Unit] = snap
		b.mu.Unlock()
		return nil
	}
}

// Unit implements tu58proto.Bank.
func (b *Bank) Unit(n int) (tu58proto.UnitStore, bool) {
	if n < 0 || n >= NumUnits {
		return nil, false
	}
	b.mu.Lock()
	img := b.images[n]
	b.mu.Unlock()
	if img == nil || !img.IsOpen() {
		return nil, false
	}
	return img, true
}

// OfflineRequested implements tu58proto.Bank: true if any unit currently
// has a latched offline request.
func (b *Bank) OfflineRequested() bool {
	for i := 0; i < NumUnits; i++ {
		if atomic.LoadInt32(&b.offlineRequest[i]) != 0 {
			return true
		}
	}
	return false
}

// RequestOffline latches the offline-request flag for a unit (spec.md §5:
// "a single word written by the UI thread and read by both others").
func (b *Bank) RequestOffline(unit int) {
	if unit < 0 || unit >= NumUnits {
		return
	}
	atomic.StoreInt32(&b.offlineRequest[unit], 1)
}

// ClearOffline clears the offline-request flag, restoring a unit to service
// (the console dialog's "C" choice).
func (b *Bank) ClearOffline(unit int) {
	if unit < 0 || unit >= NumUnits {
		return
	}
	atomic.StoreInt32(&b.offlineRequest[unit], 0)
}

// ReloadUnit implements the console dialog's "L" choice for a non-shared
// unit: close the current image and re-open the same unit against a
// different flat image file, all other parameters unchanged. Shared units
// reject this with UnsupportedOperation (DESIGN.md open question #2).
func (b *Bank) ReloadUnit(unit int, path string) error {
	b.mu.Lock()
	img := b.images[unit]
	b.mu.Unlock()
	if img == nil {
		return tu58err.New(tu58err.NotFound, "unit %d is not open", unit)
	}
	if img.Shared() {
		return tu58err.New(tu58err.UnsupportedOperation, "reload is not supported for shared devices")
	}

	device, fsKind, autosize, readonly := img.Device(), img.Filesystem(), img.Autosizing(), img.Readonly()
	if err := img.Close(); err != nil {
		return err
	}

	newImg, err := blockimage.Open(blockimage.OpenParams{
		Unit:        unit,
		Shared:      false,
		Readonly:    readonly,
		AllowCreate: false,
		Path:        path,
		Device:      device,
		Filesystem:  fsKind,
		Autosize:    autosize,
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.images[unit] = newImg
	b.mu.Unlock()
	return nil
}

// OfflineTimeout returns the configured offline-request idle window, used
// to build the protocol session's tu58proto.Options.
func (b *Bank) OfflineTimeout() time.Duration { return b.offlinetimeout }

// Image returns the backing image for a unit, for console status display.
// Returns nil if no image was ever opened for the unit; an image that has
// since been closed is returned as is (its IsOpen reports false).
func (b *Bank) Image(unit int) *blockimage.Image {
	if unit < 0 || unit >= NumUnits {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.images[unit]
}

// CloseAll closes every open unit, saving dirty images (spec.md §4.A close).
func (b *Bank) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, img := range b.images {
		if img == nil {
			continue
		}
		if err := img.Close(); err != nil {
			b.log.Printf("ERROR: closing unit %d: %v", i, err)
		}
	}
}

// Monitor implements tu58_monitor (spec.md §4.F): every tick, for each open
// image, saves it if changed and idle past synctimeout, and for shared
// units also drives the reverse to_pdp_fs reconciliation when the host
// directory itself has changed.
func (b *Bank) Monitor(ctx context.Context, tick time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
		}
		b.monitorOnce()
	}
}

func (b *Bank) monitorOnce() {
	for i := 0; i < NumUnits; i++ {
		b.mu.Lock()
		img := b.images[i]
		b.mu.Unlock()
		if img == nil || !img.IsOpen() {
			continue
		}

		img.Lock()
		changed := img.Changed()
		idleSince := time.Since(img.LastWrite())
		img.Unlock()
		if changed {
			// LastWrite is stamped on every WriteBlock/MarkDirty call, so a
			// unit under sustained write traffic keeps pushing its idle
			// clock out instead of syncing measured from the first write
			// (spec.md §4.F: "(now - last_write) >= synctimeout_sec").
			if idleSince >= b.synctimeout {
				img.Lock()
				err := img.Save()
				img.Unlock()
				if err != nil {
					b.log.Printf("ERROR: sync unit %d: %v", i, err)
				} else {
					b.log.Printf("info: unit %d synced", i)
				}
			}
			continue
		}

		if !img.Shared() {
			continue
		}
		b.maybeReconcileFromHost(i, img)
	}
}

// maybeReconcileFromHost implements the reverse direction of spec.md §4.D's
// live sync-after-idle reconciliation: if the host directory has changed
// since the last mirror snapshot, re-run to_pdp_fs and render it in.
func (b *Bank) maybeReconcileFromHost(unit int, img *blockimage.Image) {
	b.mu.Lock()
	snap := b.snaps[unit]
	b.mu.Unlock()
	if snap == nil {
		return
	}
	changed, err := snap.Changed()
	if err != nil {
		b.log.Printf("ERROR: checking host directory for unit %d: %v", unit, err)
		return
	}
	if !changed {
		return
	}

	files, newSnap, err := hostdir.ToPDPFS(img.HostPath())
	if err != nil {
		b.log.Printf("ERROR: reading host directory for unit %d: %v", unit, err)
		return
	}
	img.Lock()
	err = renderFiles(img, files)
	img.Unlock()
	if err != nil {
		b.log.Printf("ERROR: rendering unit %d from host directory: %v", unit, err)
		return
	}
	b.mu.Lock()
	b.snaps[unit] = newSnap
	b.mu.Unlock()
	b.log.Printf("info: unit %d re-rendered from host directory", unit)
}
