// Package decfile defines the logical file representation shared by the
// XXDP and RT-11 codecs (spec.md §3, "DEC file").
package decfile

import "time"

// Reserved host-side sentinel names for bootable metadata (spec.md §6).
const (
	BootSentinelName    = "@boot.block"
	MonitorSentinelName = "@monitor.bin"
)

// Reserved in-filesystem names for the pseudofiles that carry the boot
// sector and monitor image (XXDP convention; RT-11 has no monitor slot but
// shares the boot pseudofile name).
const (
	BootPseudoName    = "BOOT"
	BootPseudoExt     = "BLK"
	MonitorPseudoName = "MONITR"
	MonitorPseudoExt  = "SYS"
)

// File is a logical file inside a parsed filesystem.
type File struct {
	Name    string // 6-char RADIX-50 base name, space-padded on disk, trimmed here
	Ext     string // 3-char RADIX-50 extension, trimmed here
	Created time.Time
	Length  uint32 // payload length in bytes
	Blocks  []int  // ordered block numbers occupied by this file
	Data    []byte // payload bytes (len == Length, may be block-padded on disk)

	// Pseudo marks BOOT/MONITOR pseudofiles, which are not shown to the
	// host-directory mirror under their on-disk DEC name but under a
	// reserved sentinel host name instead.
	Pseudo bool
}

// IsBoot reports whether f's name/extension match the boot-block
// pseudofile, independent of whether Pseudo has been set yet: codecs call
// this to decide Pseudo in the first place.
func (f *File) IsBoot() bool {
	return f.Name == BootPseudoName && f.Ext == BootPseudoExt
}

// IsMonitor reports whether f's name/extension match the monitor
// pseudofile, independent of whether Pseudo has been set yet.
func (f *File) IsMonitor() bool {
	return f.Name == MonitorPseudoName && f.Ext == MonitorPseudoExt
}

// HostName renders the host-visible file name: "<base>.<ext>" in lowercase,
// or one of the reserved sentinels for pseudofiles (spec.md §6).
func (f *File) HostName() string {
	if f.IsBoot() {
		return BootSentinelName
	}
	if f.IsMonitor() {
		return MonitorSentinelName
	}
	name := toLower(f.Name)
	ext := toLower(f.Ext)
	if ext == "" {
		return name
	}
	return name + "." + ext
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
