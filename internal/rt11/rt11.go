// Package rt11 implements the RT-11 on-disk filesystem layout (spec.md
// §4.C): a home block, a doubly-linked chain of directory segments holding
// fixed 7-word entries, and contiguous file-block runs (no per-file link
// words, unlike XXDP).
//
// Structurally this mirrors internal/xxdp's parse/render split, which in
// turn mirrors the teacher repository's d64.go parse/render pipeline,
// adapted to RT-11's segment-chain directory instead of XXDP's
// linked-block UFD.
package rt11

import (
	"encoding/binary"
	"time"

	"tu58fs/internal/blockimage"
	"tu58fs/internal/decfile"
	"tu58fs/internal/radix50"
	"tu58fs/internal/tu58err"
)

func init() {
	blockimage.RegisterGeometry(blockimage.FSRT11, blockimage.DeviceTU58, blockimage.DeviceRL02)
}

const (
	BlockSize = blockimage.BlockSize

	homeBlock           = 1
	firstSegmentBlock   = 6
	entriesPerSegment   = 72
	entryWords          = 7
	entryBytes          = entryWords * 2
	segmentHeaderWords  = 5
	segmentHeaderBytes  = segmentHeaderWords * 2
	segmentBlocks       = 2 // one segment occupies 2 blocks (spec.md §4.C)
	maxSegments         = 31

	statusTentative = 0o400
	statusEmpty     = 0o1000
	statusPermanent = 0o2000
	statusEndOfDir  = 0o4000
)

// FileSystem is a non-owning view over a *blockimage.Image.
type FileSystem struct {
	img    *blockimage.Image
	device blockimage.DeviceKind

	segmentCount  int // from home block: total segments available in the chain
	dataBlockBase int // first block number of file data, stored in segment 1's header

	Files []*decfile.File
}

func New(img *blockimage.Image) *FileSystem {
	return &FileSystem{img: img, device: img.Device()}
}

// Parse implements spec.md §4.C's parse operation.
func (fs *FileSystem) Parse() error {
	buf := fs.img.Buffer()
	blocks := fs.img.Blocks()
	if homeBlock >= blocks {
		return tu58err.New(tu58err.CorruptHome, "image too small for home block")
	}
	home := blockOf(buf, homeBlock)
	fs.segmentCount = int(le16(home, 2))
	if fs.segmentCount <= 0 || fs.segmentCount > maxSegments {
		return tu58err.New(tu58err.CorruptHome, "invalid segment count %d", fs.segmentCount)
	}

	var files []*decfile.File
	seg := 1
	visited := map[int]bool{}
	firstSeg := true
	for seg != 0 {
		if seg < 1 || seg > maxSegments {
			return tu58err.New(tu58err.InvalidSegmentChain, "segment number %d out of range", seg)
		}
		if visited[seg] {
			return tu58err.New(tu58err.InvalidSegmentChain, "cycle in segment chain at segment %d", seg)
		}
		visited[seg] = true

		segStart := firstSegmentBlock + (seg-1)*segmentBlocks
		if segStart+segmentBlocks > blocks {
			return tu58err.New(tu58err.InvalidSegmentChain, "segment %d block range out of image", seg)
		}
		segData := concatBlocks(buf, segStart, segmentBlocks)

		totalSegs := int(le16(segData, 0))
		nextSeg := int(le16(segData, 2))
		highestUsed := int(le16(segData, 4))
		extraWords := int(le16(segData, 6))
		dataBlockStart := int(le16(segData, 8))
		_ = totalSegs
		_ = highestUsed

		if firstSeg {
			fs.dataBlockBase = dataBlockStart
			firstSeg = false
		}

		entrySize := entryBytes + extraWords*2
		off := segmentHeaderBytes
		curDataBlock := dataBlockStart
		for i := 0; i < entriesPerSegment && off+entrySize <= len(segData); i++ {
			entry := segData[off : off+entrySize]
			off += entrySize
			status := le16(entry, 0)
			length := int(le16(entry, 8))
			if status&statusEndOfDir != 0 {
				break
			}
			if status&statusPermanent != 0 {
				f, err := fs.readPermanentEntry(buf, entry, curDataBlock, length)
				if err != nil {
					return err
				}
				files = append(files, f)
			}
			curDataBlock += length
		}
		seg = nextSeg
	}

	fs.Files = files
	return nil
}

// entry layout (spec.md §4.C, 7 words): 0: status, 1-2: name (2 words),
// 3: ext (1 word), 4: length (1 word), 5: job/channel (unused here),
// 6: creation date.
func (fs *FileSystem) readPermanentEntry(buf, entry []byte, startBlock, length int) (*decfile.File, error) {
	name := radix50.DecodeName(le16(entry, 2), le16(entry, 4))
	ext := radix50.DecodeExt(le16(entry, 6))
	date := decodeRT11Date(le16(entry, 12))

	blocks := fs.img.Blocks()
	if startBlock < 0 || startBlock+length > blocks {
		return nil, tu58err.New(tu58err.BlockOutOfRange, "file %s%s run [%d,%d) out of range", name, ext, startBlock, startBlock+length)
	}
	var payload []byte
	blockList := make([]int, length)
	for i := 0; i < length; i++ {
		blockList[i] = startBlock + i
		payload = append(payload, blockOf(buf, startBlock+i)...)
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

// Render implements spec.md §4.C's render operation. RT-11's directory
// format fixes the entry size once at format time (extraWords = 0 here,
// matching the emulator's own images); overlap is impossible by
// construction since allocation is purely sequential.
func (fs *FileSystem) Render(files []*decfile.File) error {
	existingBlocks := fs.img.Blocks()
	if existingBlocks < firstSegmentBlock+segmentBlocks {
		existingBlocks = blockimage.StdBlocks(fs.device)
	}

	dataBlocksNeeded := 0
	for _, f := range files {
		n := (len(f.Data) + BlockSize - 1) / BlockSize
		if n == 0 {
			n = 1
		}
		dataBlocksNeeded += n
	}
	if len(files) > entriesPerSegment {
		return tu58err.New(tu58err.NoSpace, "too many files for a single RT-11 directory segment: %d", len(files))
	}

	dataStart := firstSegmentBlock + segmentBlocks // single segment, spec.md §4.C default layout
	totalBlocks := dataStart + dataBlocksNeeded
	if totalBlocks < existingBlocks {
		totalBlocks = existingBlocks
	}
	if err := fs.img.EnsureBlocks(totalBlocks); err != nil {
		return err
	}
	if fs.img.Blocks() > totalBlocks {
		totalBlocks = fs.img.Blocks()
	}
	if totalBlocks-dataStart < dataBlocksNeeded {
		return tu58err.New(tu58err.NoSpace, "layout does not fit in %d blocks", totalBlocks)
	}

	buf := fs.img.Buffer()
	for n := 0; n < totalBlocks; n++ {
		zero(blockOf(buf, n))
		fs.img.MarkDirty(n)
	}

	cur := dataStart
	for _, f := range files {
		n := (len(f.Data) + BlockSize - 1) / BlockSize
		if n == 0 {
			n = 1
		}
		blockList := make([]int, n)
		for i := 0; i < n; i++ {
			blockList[i] = cur + i
			start := i * BlockSize
			end := start + BlockSize
			if end > len(f.Data) {
				end = len(f.Data)
			}
			copy(blockOf(buf, cur+i), f.Data[start:end])
		}
		f.Blocks = blockList
		cur += n
	}
	if cur > totalBlocks {
		return tu58err.New(tu58err.NoSpace, "file data overruns image: needed %d blocks, have %d", cur, totalBlocks)
	}

	// Directory segment 1.
	segData := make([]byte, segmentBlocks*BlockSize)
	putLE16(segData, 0, 1) // total segments in chain
	putLE16(segData, 2, 0) // next segment (none)
	putLE16(segData, 4, 1) // highest segment in use
	putLE16(segData, 6, 0) // extra bytes per entry / 2
	putLE16(segData, 8, uint16(dataStart))

	off := segmentHeaderBytes
	dataCur := dataStart
	for _, f := range files {
		n := len(f.Blocks)
		writeEntry(segData, off, f, n)
		off += entryBytes
		dataCur += n
	}
	// Terminator entry.
	if off+2 <= len(segData) {
		putLE16(segData, off, statusEndOfDir)
	}

	for i := 0; i < segmentBlocks; i++ {
		copy(blockOf(buf, firstSegmentBlock+i), segData[i*BlockSize:(i+1)*BlockSize])
		fs.img.MarkDirty(firstSegmentBlock + i)
	}

	// Home block.
	home := blockOf(buf, homeBlock)
	putLE16(home, 0, uint16(firstSegmentBlock))
	putLE16(home, 2, 1) // one segment in use
	fs.img.MarkDirty(homeBlock)

	fs.segmentCount = 1
	fs.dataBlockBase = dataStart
	fs.Files = files
	return nil
}

func writeEntry(seg []byte, off int, f *decfile.File, lengthBlocks int) {
	w0, w1 := radix50.EncodeName(f.Name)
	wExt := radix50.EncodeExt(f.Ext)
	putLE16(seg, off+0, statusPermanent)
	putLE16(seg, off+2, w0)
	putLE16(seg, off+4, w1)
	putLE16(seg, off+6, wExt)
	putLE16(seg, off+8, uint16(lengthBlocks))
	putLE16(seg, off+10, 0) // job/channel, unused
	putLE16(seg, off+12, encodeRT11Date(f.Created))
}

// An RT-11 date word holds the year offset from 1972 in bits 0-4, the day in
// bits 5-9, the month in bits 10-13, and in bits 14-15 a further year offset
// in steps of 32 years.
func decodeRT11Date(w uint16) time.Time {
	v := int(w)
	year := 1972 + v&0x1F + ((v>>14)&0x3)*32
	month := (v >> 10) & 0xF
	day := (v >> 5) & 0x1F
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

func encodeRT11Date(t time.Time) uint16 {
	if t.IsZero() {
		t = time.Now().UTC()
	}
	offset := t.Year() - 1972
	yearBits := offset&0x1F | ((offset>>5)&0x3)<<14
	monthBits := (int(t.Month()) & 0xF) << 10
	dayBits := (t.Day() & 0x1F) << 5
	return uint16(yearBits | monthBits | dayBits)
}

func blockOf(buf []byte, n int) []byte { return buf[n*BlockSize : (n+1)*BlockSize] }

func concatBlocks(buf []byte, start, count int) []byte {
	return buf[start*BlockSize : (start+count)*BlockSize]
}

func le16(b []byte, off int) uint16 { return binary.LittleEndian.Uint16(b[off : off+2]) }

func putLE16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:off+2], v) }

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Format implements the blockimage.InitFunc used when a missing image file
// is created fresh with an RT-11 filesystem (spec.md §4.A).
func Format(img *blockimage.Image) error {
	fs := New(img)
	return fs.Render(nil)
}
