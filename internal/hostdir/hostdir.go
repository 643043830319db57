// Package hostdir implements the bidirectional mirror between a host
// directory and a parsed DEC filesystem (spec.md §4.D). The file write and
// copy helpers are adapted from internal/fsops/fsops.go in the teacher
// repository; host paths are joined as given, with no sandboxing or symlink
// checks.
package hostdir

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tu58fs/internal/decfile"
	"tu58fs/internal/radix50"
	"tu58fs/internal/tu58err"
)

// Snapshot records, per logical file, the host mtime and size seen at the
// last successful reconciliation (spec.md §4.D's mirror invariant: "an
// exact image of the last successful reconciliation, not the current state
// of disk").
type Snapshot struct {
	Path    string
	entries map[string]entryStamp
}

type entryStamp struct {
	mtime time.Time
	size  int64
}

// Prepare implements spec.md §4.D's prepare operation.
func Prepare(path string, createOK, allowEmpty bool) (*Snapshot, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, tu58err.Wrap(tu58err.IOError, err, "stat host directory %q", path)
		}
		if !createOK {
			return nil, tu58err.New(tu58err.NotFound, "host directory %q does not exist", path)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, tu58err.Wrap(tu58err.IOError, err, "creating host directory %q", path)
		}
		return &Snapshot{Path: path, entries: map[string]entryStamp{}}, nil
	}
	if !fi.IsDir() {
		return nil, tu58err.New(tu58err.InvalidDevice, "%q is not a directory", path)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, tu58err.Wrap(tu58err.IOError, err, "reading host directory %q", path)
	}
	if len(entries) == 0 && !allowEmpty {
		return nil, tu58err.New(tu58err.NotFound, "host directory %q is empty", path)
	}
	return &Snapshot{Path: path, entries: map[string]entryStamp{}}, nil
}

// Changed reports whether any file under the snapshot's directory has a
// different mtime or size than was recorded at the last reconciliation —
// the trigger condition for the sync-after-idle's to_pdp_fs direction
// (spec.md §4.D).
func (s *Snapshot) Changed() (bool, error) {
	entries, err := os.ReadDir(s.Path)
	if err != nil {
		return false, tu58err.Wrap(tu58err.IOError, err, "reading host directory %q", s.Path)
	}
	if len(entries) != len(s.entries) {
		return true, nil
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return false, tu58err.Wrap(tu58err.IOError, err, "stat %q", e.Name())
		}
		stamp, ok := s.entries[e.Name()]
		if !ok || !stamp.mtime.Equal(fi.ModTime()) || stamp.size != fi.Size() {
			return true, nil
		}
	}
	return false, nil
}

// FromPDPFS implements spec.md §4.D's from_pdp_fs operation: materializes
// the parsed DEC filesystem's files into the host directory, deleting any
// host file not represented.
func FromPDPFS(path string, files []*decfile.File) (*Snapshot, error) {
	wanted := map[string]*decfile.File{}
	for _, f := range files {
		wanted[f.HostName()] = f
	}

	existing, err := os.ReadDir(path)
	if err != nil {
		return nil, tu58err.Wrap(tu58err.IOError, err, "reading host directory %q", path)
	}
	for _, e := range existing {
		if e.IsDir() {
			continue
		}
		if _, ok := wanted[e.Name()]; !ok {
			if err := os.Remove(filepath.Join(path, e.Name())); err != nil {
				return nil, tu58err.Wrap(tu58err.IOError, err, "removing stale host file %q", e.Name())
			}
		}
	}

	snap := &Snapshot{Path: path, entries: map[string]entryStamp{}}
	for name, f := range wanted {
		dst := filepath.Join(path, name)
		if err := writeFile(dst, f.Data); err != nil {
			return nil, tu58err.Wrap(tu58err.IOError, err, "writing host file %q", name)
		}
		mtime := f.Created
		if mtime.IsZero() {
			mtime = time.Now()
		}
		if err := os.Chtimes(dst, mtime, mtime); err != nil {
			return nil, tu58err.Wrap(tu58err.IOError, err, "setting mtime on %q", name)
		}
		fi, err := os.Stat(dst)
		if err != nil {
			return nil, tu58err.Wrap(tu58err.IOError, err, "stat %q after write", name)
		}
		snap.entries[name] = entryStamp{mtime: fi.ModTime(), size: fi.Size()}
	}
	return snap, nil
}

// ToPDPFS implements spec.md §4.D's to_pdp_fs operation: enumerates host
// files and returns their DEC-file representation, failing the whole
// operation on any unrepresentable name or name collision.
func ToPDPFS(path string) ([]*decfile.File, *Snapshot, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, nil, tu58err.Wrap(tu58err.IOError, err, "reading host directory %q", path)
	}

	var files []*decfile.File
	seen := map[string]string{} // DEC name+ext -> original host filename
	snap := &Snapshot{Path: path, entries: map[string]entryStamp{}}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		host := e.Name()
		fi, err := e.Info()
		if err != nil {
			return nil, nil, tu58err.Wrap(tu58err.IOError, err, "stat %q", host)
		}

		f, err := decodeHostName(host)
		if err != nil {
			return nil, nil, err
		}
		key := f.Name + "." + f.Ext
		if prior, ok := seen[key]; ok {
			return nil, nil, tu58err.New(tu58err.NameCollision, "host files %q and %q both map to DEC name %q", prior, host, key)
		}
		seen[key] = host

		data, err := os.ReadFile(filepath.Join(path, host))
		if err != nil {
			return nil, nil, tu58err.Wrap(tu58err.IOError, err, "reading host file %q", host)
		}
		f.Data = data
		f.Length = uint32(len(data))
		f.Created = fi.ModTime()
		files = append(files, f)
		snap.entries[host] = entryStamp{mtime: fi.ModTime(), size: fi.Size()}
	}
	return files, snap, nil
}

// decodeHostName derives a DEC file (without Data) from a host filename,
// applying the transliteration policy from spec.md §4.D: uppercase, drop
// invalid chars, truncate to 6.3, recognize the boot/monitor sentinels.
func decodeHostName(host string) (*decfile.File, error) {
	if host == decfile.BootSentinelName {
		return &decfile.File{Name: decfile.BootPseudoName, Ext: decfile.BootPseudoExt, Pseudo: true}, nil
	}
	if host == decfile.MonitorSentinelName {
		return &decfile.File{Name: decfile.MonitorPseudoName, Ext: decfile.MonitorPseudoExt, Pseudo: true}, nil
	}

	base := host
	ext := ""
	if i := strings.LastIndex(host, "."); i >= 0 {
		base = host[:i]
		ext = host[i+1:]
	}
	if !radix50.Valid(base) && !allASCIIPrintable(base) {
		return nil, tu58err.New(tu58err.NameCollision, "host filename %q is not representable in RADIX-50", host)
	}
	if !radix50.Valid(ext) && !allASCIIPrintable(ext) {
		return nil, tu58err.New(tu58err.NameCollision, "host filename %q has an unrepresentable extension", host)
	}
	dropInvalid := func(r rune) rune {
		if radix50.Valid(string(r)) {
			return r
		}
		return -1
	}
	name := strings.Map(dropInvalid, strings.ToUpper(base))
	if len(name) > 6 {
		name = name[:6]
	}
	decExt := strings.Map(dropInvalid, strings.ToUpper(ext))
	if len(decExt) > 3 {
		decExt = decExt[:3]
	}
	return &decfile.File{Name: name, Ext: decExt}, nil
}

func allASCIIPrintable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

func writeFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// Copy copies a regular file from src to dst, truncating dst if it exists.
func Copy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// String renders a snapshot for diagnostic logging.
func (s *Snapshot) String() string {
	return fmt.Sprintf("hostdir(%s, %d files)", s.Path, len(s.entries))
}
