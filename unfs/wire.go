package unfs

import (
	"bytes"
	"encoding/binary"

	"github.com/deyohong/UNFS/extent"
	"github.com/deyohong/UNFS/unfserr"
)

// On-disk constants (spec §3, §6). All multi-byte fields are little-endian.
const (
	PageSize       = 4096
	HeaderPages    = 2
	FileSlotPages  = 2
	MaxPathLen     = PageSize - 2
	VersionString  = "UNFS-1.0"
	entryHeaderLen = 32 // pageid + parentid + size + isdir + dscount
	extentWireLen  = 16 // pageid + pagecount, both u64 on the wire

	// MaxExtents is MAX_EXTENTS = (PAGE_SIZE - sizeof(EntryHeader)) / sizeof(Extent).
	MaxExtents = (PageSize - entryHeaderLen) / extentWireLen

	headerFixedLen = 160 // everything up to the deletion stack
)

// Header is the typed, in-memory form of the two-page on-disk header.
type Header struct {
	Label      [64]byte
	Version    [16]byte
	BlockCount uint64
	PageCount  uint64
	PageFree   uint64
	BlockSize  uint32
	PageSize   uint32
	DataPage   uint64
	FDNextPage uint64
	FDCount    uint64
	DirCount   uint64
	MapWords   uint64
	DelMax     uint32
	DelCount   uint32
	DelStack   []uint64 // len == DelCount; capacity/on-disk slot count is DelMax
}

// MarshalHeader renders h into a HeaderPages*PageSize buffer.
func MarshalHeader(h *Header) []byte {
	buf := make([]byte, HeaderPages*PageSize)
	copy(buf[0:64], h.Label[:])
	copy(buf[64:80], h.Version[:])
	binary.LittleEndian.PutUint64(buf[80:88], h.BlockCount)
	binary.LittleEndian.PutUint64(buf[88:96], h.PageCount)
	binary.LittleEndian.PutUint64(buf[96:104], h.PageFree)
	binary.LittleEndian.PutUint32(buf[104:108], h.BlockSize)
	binary.LittleEndian.PutUint32(buf[108:112], h.PageSize)
	binary.LittleEndian.PutUint64(buf[112:120], h.DataPage)
	binary.LittleEndian.PutUint64(buf[120:128], h.FDNextPage)
	binary.LittleEndian.PutUint64(buf[128:136], h.FDCount)
	binary.LittleEndian.PutUint64(buf[136:144], h.DirCount)
	binary.LittleEndian.PutUint64(buf[144:152], h.MapWords)
	binary.LittleEndian.PutUint32(buf[152:156], h.DelMax)
	binary.LittleEndian.PutUint32(buf[156:160], h.DelCount)
	for i, v := range h.DelStack {
		off := headerFixedLen + i*8
		binary.LittleEndian.PutUint64(buf[off:off+8], v)
	}
	return buf
}

// UnmarshalHeader parses a HeaderPages*PageSize buffer back into a Header,
// validating the version string (CorruptHeader otherwise).
func UnmarshalHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderPages*PageSize {
		return nil, unfserr.New(unfserr.CorruptHeader, "header buffer too short: %d bytes", len(buf))
	}
	h := &Header{}
	copy(h.Label[:], buf[0:64])
	copy(h.Version[:], buf[64:80])
	if !bytes.Equal(bytes.TrimRight(h.Version[:], "\x00"), []byte(VersionString)) {
		return nil, unfserr.New(unfserr.CorruptHeader, "unrecognized version %q", bytes.TrimRight(h.Version[:], "\x00"))
	}
	h.BlockCount = binary.LittleEndian.Uint64(buf[80:88])
	h.PageCount = binary.LittleEndian.Uint64(buf[88:96])
	h.PageFree = binary.LittleEndian.Uint64(buf[96:104])
	h.BlockSize = binary.LittleEndian.Uint32(buf[104:108])
	h.PageSize = binary.LittleEndian.Uint32(buf[108:112])
	h.DataPage = binary.LittleEndian.Uint64(buf[112:120])
	h.FDNextPage = binary.LittleEndian.Uint64(buf[120:128])
	h.FDCount = binary.LittleEndian.Uint64(buf[128:136])
	h.DirCount = binary.LittleEndian.Uint64(buf[136:144])
	h.MapWords = binary.LittleEndian.Uint64(buf[144:152])
	h.DelMax = binary.LittleEndian.Uint32(buf[152:156])
	h.DelCount = binary.LittleEndian.Uint32(buf[156:160])
	if headerFixedLen+int(h.DelMax)*8 > len(buf) {
		return nil, unfserr.New(unfserr.CorruptHeader, "deletion stack capacity %d overruns header pages", h.DelMax)
	}
	h.DelStack = make([]uint64, h.DelCount)
	for i := range h.DelStack {
		off := headerFixedLen + i*8
		h.DelStack[i] = binary.LittleEndian.Uint64(buf[off : off+8])
	}
	return h, nil
}

// entryHeaderWire is the on-disk layout of an entry slot's first page.
type entryHeaderWire struct {
	PageID   uint64
	ParentID uint64
	Size     uint64
	IsDir    uint32
	DSCount  uint32
	Extents  []extent.Extent
}

// marshalEntryPage1 renders the EntryHeader (and its extent list, for
// files) into one PageSize buffer.
func marshalEntryPage1(w entryHeaderWire) ([]byte, error) {
	if len(w.Extents) > MaxExtents {
		return nil, unfserr.New(unfserr.InvalidArgument, "extent count %d exceeds MAX_EXTENTS %d", len(w.Extents), MaxExtents)
	}
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint64(buf[0:8], w.PageID)
	binary.LittleEndian.PutUint64(buf[8:16], w.ParentID)
	binary.LittleEndian.PutUint64(buf[16:24], w.Size)
	binary.LittleEndian.PutUint32(buf[24:28], w.IsDir)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(len(w.Extents)))
	for i, e := range w.Extents {
		off := entryHeaderLen + i*extentWireLen
		binary.LittleEndian.PutUint64(buf[off:off+8], e.PageID)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(e.PageCount))
	}
	return buf, nil
}

func unmarshalEntryPage1(buf []byte) (entryHeaderWire, error) {
	if len(buf) < PageSize {
		return entryHeaderWire{}, unfserr.New(unfserr.CorruptHeader, "entry header page too short")
	}
	var w entryHeaderWire
	w.PageID = binary.LittleEndian.Uint64(buf[0:8])
	w.ParentID = binary.LittleEndian.Uint64(buf[8:16])
	w.Size = binary.LittleEndian.Uint64(buf[16:24])
	w.IsDir = binary.LittleEndian.Uint32(buf[24:28])
	w.DSCount = binary.LittleEndian.Uint32(buf[28:32])
	if w.DSCount > MaxExtents {
		return entryHeaderWire{}, unfserr.New(unfserr.CorruptHeader, "dscount %d exceeds MAX_EXTENTS", w.DSCount)
	}
	w.Extents = make([]extent.Extent, w.DSCount)
	for i := range w.Extents {
		off := entryHeaderLen + i*extentWireLen
		w.Extents[i].PageID = binary.LittleEndian.Uint64(buf[off : off+8])
		w.Extents[i].PageCount = uint32(binary.LittleEndian.Uint64(buf[off+8 : off+16]))
	}
	return w, nil
}

// marshalEntryPage2 renders the NUL-terminated canonical name into one
// PageSize buffer.
func marshalEntryPage2(name string) ([]byte, error) {
	if len(name) > MaxPathLen {
		return nil, unfserr.New(unfserr.InvalidArgument, "name %q exceeds MAX_PATH", name)
	}
	buf := make([]byte, PageSize)
	copy(buf, name)
	return buf, nil
}

func unmarshalEntryPage2(buf []byte) string {
	n := bytes.IndexByte(buf, 0)
	if n < 0 {
		n = len(buf)
	}
	return string(buf[:n])
}
