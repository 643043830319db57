// Package xxdp implements the XXDP on-disk filesystem layout (spec.md
// §4.B): parse an image's block buffer into a list of logical files, and
// render a list of logical files back into an image's block buffer.
//
// Structurally this mirrors internal/diskimage/d64.go's
// parse-home/BAM/directory-chain pipeline from the teacher repository,
// generalized from Commodore's track/sector geometry to XXDP's flat
// block-number geometry and from a read-only mount to a full
// parse<->render round trip.
package xxdp

import (
	"encoding/binary"
	"time"

	"tu58fs/internal/blockimage"
	"tu58fs/internal/decfile"
	"tu58fs/internal/radix50"
	"tu58fs/internal/tu58err"
)

func init() {
	// Both TU58 and RL02 geometries are supported for XXDP, matching
	// spec.md §9's guidance that a mismatch (not an unsupported pairing)
	// is what should be rejected.
	blockimage.RegisterGeometry(blockimage.FSXXDP, blockimage.DeviceTU58, blockimage.DeviceRL02)
}

const (
	bootBlockIdx = 0
	homeBlock    = 1

	ufdEntryWords = 9
	ufdEntryBytes = ufdEntryWords * 2

	fileBlockPayload = 508 // bytes 4..511 of each 512-byte file-data block
)

// FileSystem is a non-owning view over an *blockimage.Image, spec.md §3.
type FileSystem struct {
	img    *blockimage.Image
	device blockimage.DeviceKind

	mfdBlock    int
	bitmapStart int
	bitmapCount int
	ufdStart    int
	ufdCount    int

	Files []*decfile.File
}

// New creates a filesystem view over img. The filesystem is short-lived by
// design (spec.md §3): created for one Parse or Render call, then
// discarded.
func New(img *blockimage.Image) *FileSystem {
	return &FileSystem{img: img, device: img.Device()}
}

// Parse implements spec.md §4.B's parse operation.
func (fs *FileSystem) Parse() error {
	buf := fs.img.Buffer()
	blocks := fs.img.Blocks()
	if homeBlock >= blocks {
		return tu58err.New(tu58err.CorruptMFD, "image too small for home block")
	}
	home := blockOf(buf, homeBlock)
	mfdBlock := int(le16(home, 0))
	if mfdBlock == 0 || mfdBlock >= blocks {
		return tu58err.New(tu58err.CorruptMFD, "invalid MFD start block %d", mfdBlock)
	}
	fs.mfdBlock = mfdBlock

	// Walk the MFD chain; the last block visited wins for bitmap/UFD
	// pointers, matching a simple non-fragmented MFD.
	visited := map[int]bool{}
	cur := mfdBlock
	for cur != 0 {
		if cur < 0 || cur >= blocks {
			return tu58err.New(tu58err.BlockOutOfRange, "MFD block %d out of range", cur)
		}
		if visited[cur] {
			return tu58err.New(tu58err.CycleInFile, "cycle in MFD chain at block %d", cur)
		}
		visited[cur] = true
		mfd := blockOf(buf, cur)
		next := int(le16(mfd, 0))
		fs.bitmapStart = int(le16(mfd, 2))
		fs.bitmapCount = int(le16(mfd, 4))
		fs.ufdStart = int(le16(mfd, 6))
		fs.ufdCount = int(le16(mfd, 8))
		cur = next
	}
	if fs.bitmapStart == 0 || fs.ufdStart == 0 {
		return tu58err.New(tu58err.CorruptMFD, "MFD missing bitmap or UFD pointer")
	}

	bitmap, err := fs.readBitmap()
	if err != nil {
		return err
	}

	files, err := fs.readUFD(blocks)
	if err != nil {
		return err
	}

	// Block 0 is reserved for the raw XXDP boot sector (spec.md §4.B) and
	// never appears in the UFD chain; surface it as a synthesized BOOT
	// pseudofile so it round-trips bit-identically through the host
	// directory mirror like any other file.
	if boot := readBootBlock(buf); boot != nil {
		files = append([]*decfile.File{boot}, files...)
	}

	// Invariant check (spec.md §3): every file's blocks are a subset of
	// the allocated bitmap and disjoint from every other file.
	seen := map[int]string{}
	for _, f := range files {
		for _, b := range f.Blocks {
			if b < 0 || b >= blocks || !bitmap[b] {
				return tu58err.New(tu58err.BitmapMismatch, "file %s uses unallocated block %d", f.Name, b)
			}
			if owner, ok := seen[b]; ok {
				return tu58err.New(tu58err.BitmapMismatch, "block %d claimed by both %s and %s", b, owner, f.Name)
			}
			seen[b] = f.Name
		}
	}

	fs.Files = files
	return nil
}

func (fs *FileSystem) readBitmap() ([]bool, error) {
	buf := fs.img.Buffer()
	blocks := fs.img.Blocks()
	bitmap := make([]bool, blocks)
	bit := 0
	for i := 0; i < fs.bitmapCount; i++ {
		blk := fs.bitmapStart + i
		if blk < 0 || blk >= blocks {
			return nil, tu58err.New(tu58err.BlockOutOfRange, "bitmap block %d out of range", blk)
		}
		data := blockOf(buf, blk)
		for byteIdx := 0; byteIdx < BlockSize && bit < blocks; byteIdx++ {
			b := data[byteIdx]
			for bitIdx := 0; bitIdx < 8 && bit < blocks; bitIdx++ {
				bitmap[bit] = (b>>uint(bitIdx))&1 == 1
				bit++
			}
		}
	}
	// Metadata blocks are implicitly allocated.
	bitmap[homeBlock] = true
	for i := 0; i < fs.bitmapCount; i++ {
		bitmap[fs.bitmapStart+i] = true
	}
	cur := fs.mfdBlock
	for cur != 0 && cur < blocks {
		bitmap[cur] = true
		cur = int(le16(blockOf(buf, cur), 0))
	}
	for i := 0; i < fs.ufdCount; i++ {
		if fs.ufdStart+i < blocks {
			bitmap[fs.ufdStart+i] = true
		}
	}
	return bitmap, nil
}

func (fs *FileSystem) readUFD(blocks int) ([]*decfile.File, error) {
	buf := fs.img.Buffer()
	var files []*decfile.File
	visited := map[int]bool{}
	cur := fs.ufdStart
outer:
	for cur != 0 {
		if cur < 0 || cur >= blocks {
			return nil, tu58err.New(tu58err.BlockOutOfRange, "UFD block %d out of range", cur)
		}
		if visited[cur] {
			return nil, tu58err.New(tu58err.CycleInFile, "cycle in UFD chain at block %d", cur)
		}
		visited[cur] = true
		dir := blockOf(buf, cur)
		next := int(le16(dir, 0))
		off := 2
		for off+ufdEntryBytes <= BlockSize {
			w := make([]uint16, ufdEntryWords)
			for i := range w {
				w[i] = le16(dir, off+i*2)
			}
			off += ufdEntryBytes
			if w[0] == 0 && w[1] == 0 {
				// Zero filename terminates the directory (spec.md §4.B).
				break outer
			}
			f, err := fs.readFileData(w)
			if err != nil {
				return nil, err
			}
			files = append(files, f)
		}
		cur = next
	}
	return files, nil
}

func (fs *FileSystem) readFileData(w []uint16) (*decfile.File, error) {
	name := radix50.DecodeName(w[0], w[1])
	ext := radix50.DecodeExt(w[2])
	date := decodeXXDPDate(w[3])
	start := int(w[4])
	lengthBlocks := int(w[5])
	// w[6]=last block, w[7]=contiguous flag, w[8]=reserved: not needed to
	// reconstruct payload and ignored here; Render computes them afresh.

	blocks := fs.img.Blocks()
	buf := fs.img.Buffer()

	var payload []byte
	blockList := make([]int, 0, lengthBlocks)
	cur := start
	visited := map[int]bool{}
	for cur != 0 {
		if cur < 0 || cur >= blocks {
			return nil, tu58err.New(tu58err.BlockOutOfRange, "file %s%s block %d out of range", name, ext, cur)
		}
		if visited[cur] {
			return nil, tu58err.New(tu58err.CycleInFile, "cycle in file %s%s at block %d", name, ext, cur)
		}
		visited[cur] = true
		blockList = append(blockList, cur)
		data := blockOf(buf, cur)
		next := int(le16(data, 0))
		valid := int(le16(data, 2))
		if valid > fileBlockPayload {
			valid = fileBlockPayload
		}
		payload = append(payload, data[4:4+valid]...)
		cur = next
	}

	f := &decfile.File{
		Name:    name,
		Ext:     ext,
		Created: date,
		Length:  uint32(len(payload)),
		Blocks:  blockList,
		Data:    payload,
	}
	f.Pseudo = f.IsBoot() || f.IsMonitor()
	return f, nil
}

// Render implements spec.md §4.B's render operation: the reverse of Parse.
// Files are written in the given order; allocation is first-fit ascending
// starting after the fixed metadata region.
func (fs *FileSystem) Render(files []*decfile.File) error {
	// Reserve: block 0 (boot block), home block, one MFD block, bitmap
	// blocks sized to the image, and UFD blocks sized to fit all entries
	// plus a small growth margin (spec.md §4.B).
	const growthMarginEntries = 8

	var boot *decfile.File
	rest := make([]*decfile.File, 0, len(files))
	for _, f := range files {
		if f.IsBoot() {
			boot = f
			continue
		}
		rest = append(rest, f)
	}
	files = rest

	existingBlocks := fs.img.Blocks()
	if existingBlocks < 2 {
		existingBlocks = blockimage.StdBlocks(fs.device)
	}

	bitmapBlocksFor := func(totalBlocks int) int {
		bits := totalBlocks
		bytesNeeded := (bits + 7) / 8
		return (bytesNeeded + BlockSize - 1) / BlockSize
	}

	entriesNeeded := len(files) + growthMarginEntries
	entriesPerBlock := (BlockSize - 2) / ufdEntryBytes
	ufdBlocks := (entriesNeeded + entriesPerBlock - 1) / entriesPerBlock
	if ufdBlocks < 1 {
		ufdBlocks = 1
	}

	dataBlocksNeeded := 0
	for _, f := range files {
		n := (len(f.Data) + fileBlockPayload - 1) / fileBlockPayload
		if n == 0 {
			n = 1
		}
		dataBlocksNeeded += n
	}

	// Iterate because bitmap size depends on total block count, which
	// depends on bitmap size.
	totalBlocks := existingBlocks
	for iter := 0; iter < 8; iter++ {
		bitmapBlocks := bitmapBlocksFor(totalBlocks)
		metaBlocks := 1 /*boot*/ + 1 /*home*/ + 1 /*mfd*/ + bitmapBlocks + ufdBlocks
		need := metaBlocks + dataBlocksNeeded
		if need <= totalBlocks {
			break
		}
		totalBlocks = need
	}
	bitmapBlocks := bitmapBlocksFor(totalBlocks)

	if err := fs.img.EnsureBlocks(totalBlocks); err != nil {
		return err
	}
	if fs.img.Blocks() > totalBlocks {
		totalBlocks = fs.img.Blocks()
		bitmapBlocks = bitmapBlocksFor(totalBlocks)
	}
	if totalBlocks-(3+bitmapBlocks+ufdBlocks) < dataBlocksNeeded {
		return tu58err.New(tu58err.NoSpace, "layout does not fit in %d blocks", totalBlocks)
	}

	buf := fs.img.Buffer()
	clearBlock := func(n int) { zero(blockOf(buf, n)) }

	homeBlk := homeBlock
	mfdBlk := homeBlk + 1
	bitmapStart := mfdBlk + 1
	ufdStart := bitmapStart + bitmapBlocks
	dataStart := ufdStart + ufdBlocks

	for n := 0; n < totalBlocks; n++ {
		clearBlock(n)
	}

	// Allocate file data, first-fit ascending from dataStart.
	bitmap := make([]bool, totalBlocks)
	markAllocated := func(n int) { bitmap[n] = true; fs.img.MarkDirty(n) }
	markAllocated(bootBlockIdx)
	markAllocated(homeBlk)
	markAllocated(mfdBlk)
	for i := 0; i < bitmapBlocks; i++ {
		markAllocated(bitmapStart + i)
	}
	for i := 0; i < ufdBlocks; i++ {
		markAllocated(ufdStart + i)
	}

	next := dataStart
	for _, f := range files {
		chunks := splitChunks(f.Data, fileBlockPayload)
		if len(chunks) == 0 {
			chunks = [][]byte{{}}
		}
		blockList := make([]int, len(chunks))
		for i := range chunks {
			blockList[i] = next
			markAllocated(next)
			next++
		}
		f.Blocks = blockList
		for i, chunk := range chunks {
			blk := blockOf(buf, blockList[i])
			var linkNext uint16
			if i+1 < len(blockList) {
				linkNext = uint16(blockList[i+1])
			}
			putLE16(blk, 0, linkNext)
			putLE16(blk, 2, uint16(len(chunk)))
			copy(blk[4:4+len(chunk)], chunk)
		}
	}
	if next > totalBlocks {
		return tu58err.New(tu58err.NoSpace, "file data overruns image: needed %d blocks, have %d", next, totalBlocks)
	}

	// Write UFD, preserving the caller's file ordering (spec.md §4.B).
	entryIdx := 0
	for i := 0; i < ufdBlocks; i++ {
		blk := blockOf(buf, ufdStart+i)
		var linkNext uint16
		if i+1 < ufdBlocks {
			linkNext = uint16(ufdStart + i + 1)
		}
		putLE16(blk, 0, linkNext)
		off := 2
		for off+ufdEntryBytes <= BlockSize && entryIdx < len(files) {
			f := files[entryIdx]
			writeUFDEntry(blk, off, f)
			off += ufdEntryBytes
			entryIdx++
		}
		// Remaining entries in this block, and all entries in later
		// blocks, stay zero: a zero filename terminates the directory.
	}

	// Write bitmap.
	for i := 0; i < totalBlocks; i++ {
		if !bitmap[i] {
			continue
		}
		blk := bitmapStart + i/(BlockSize*8)
		byteOff := (i % (BlockSize * 8)) / 8
		bitOff := uint(i % 8)
		data := blockOf(buf, blk)
		data[byteOff] |= 1 << bitOff
	}

	// Write MFD (single block; a multi-block MFD chain is unnecessary at
	// this scale but Parse supports walking one if present).
	mfd := blockOf(buf, mfdBlk)
	putLE16(mfd, 0, 0) // end of MFD chain
	putLE16(mfd, 2, uint16(bitmapStart))
	putLE16(mfd, 4, uint16(bitmapBlocks))
	putLE16(mfd, 6, uint16(ufdStart))
	putLE16(mfd, 8, uint16(ufdBlocks))

	// Write home block.
	home := blockOf(buf, homeBlk)
	putLE16(home, 0, uint16(mfdBlk))

	fs.bitmapStart, fs.bitmapCount = bitmapStart, bitmapBlocks
	fs.ufdStart, fs.ufdCount = ufdStart, ufdBlocks
	fs.mfdBlock = mfdBlk

	// The BOOT pseudofile, if present, is the raw XXDP boot sector and
	// lives in block 0 directly, outside the UFD/file-data chain, so the
	// rendered image is bit-identically bootable (spec.md §4.B).
	if boot != nil {
		bootBlk := blockOf(buf, bootBlockIdx)
		zero(bootBlk)
		copy(bootBlk, boot.Data)
		boot.Blocks = []int{bootBlockIdx}
		boot.Length = uint32(len(bootBlk))
		files = append([]*decfile.File{boot}, files...)
	}
	fs.Files = files

	return nil
}

func writeUFDEntry(blk []byte, off int, f *decfile.File) {
	w0, w1 := radix50.EncodeName(f.Name)
	wExt := radix50.EncodeExt(f.Ext)
	putLE16(blk, off+0, w0)
	putLE16(blk, off+2, w1)
	putLE16(blk, off+4, wExt)
	putLE16(blk, off+6, encodeXXDPDate(f.Created))
	putLE16(blk, off+8, uint16(f.Blocks[0]))
	putLE16(blk, off+10, uint16(len(f.Blocks)))
	last := f.Blocks[0]
	if n := len(f.Blocks); n > 0 {
		last = f.Blocks[n-1]
	}
	putLE16(blk, off+12, uint16(last))
	putLE16(blk, off+14, 1) // contiguous flag: file-data blocks are always a chain here, so "1" marks it complete
	putLE16(blk, off+16, 0) // reserved
}

func decodeXXDPDate(w uint16) time.Time {
	v := int(w)
	year := 1970 + v/1000
	dayOfYear := v % 1000
	if dayOfYear == 0 {
		dayOfYear = 1
	}
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, dayOfYear-1)
}

func encodeXXDPDate(t time.Time) uint16 {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	yearsSince1970 := t.Year() - 1970
	if yearsSince1970 < 0 {
		yearsSince1970 = 0
	}
	return uint16(yearsSince1970*1000 + t.YearDay())
}

const BlockSize = blockimage.BlockSize

func blockOf(buf []byte, n int) []byte {
	return buf[n*BlockSize : (n+1)*BlockSize]
}

func le16(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off : off+2])
}

func putLE16(b []byte, off int, v uint16) {
	binary.LittleEndian.PutUint16(b[off:off+2], v)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// readBootBlock synthesizes the BOOT pseudofile from block 0's raw bytes,
// or returns nil if block 0 is untouched (no bootstrap written).
func readBootBlock(buf []byte) *decfile.File {
	block := blockOf(buf, bootBlockIdx)
	if isAllZero(block) {
		return nil
	}
	data := make([]byte, len(block))
	copy(data, block)
	return &decfile.File{
		Name:   decfile.BootPseudoName,
		Ext:    decfile.BootPseudoExt,
		Length: uint32(len(data)),
		Blocks: []int{bootBlockIdx},
		Data:   data,
		Pseudo: true,
	}
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func splitChunks(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	var out [][]byte
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[i:end])
	}
	return out
}

// Format implements the InitFunc used by blockimage.Open to materialize a
// fresh, empty XXDP filesystem when a missing image is created (spec.md
// §4.A: "an empty XXDP/RT-11 filesystem").
func Format(img *blockimage.Image) error {
	fs := New(img)
	return fs.Render(nil)
}
