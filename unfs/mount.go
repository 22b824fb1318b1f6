package unfs

import (
	"context"
	"sync/atomic"

	"github.com/deyohong/UNFS/bitmap"
	"github.com/deyohong/UNFS/entry"
	"github.com/deyohong/UNFS/entrytree"
	"github.com/deyohong/UNFS/extent"
	"github.com/deyohong/UNFS/fdtable"
	"github.com/deyohong/UNFS/interfaces"
	"github.com/deyohong/UNFS/storage/device"
	"github.com/deyohong/UNFS/unfserr"
	"github.com/sirupsen/logrus"
)

// DefaultDelMax is the deletion-stack capacity format uses when the
// caller does not specify one: the largest stack that fits in the header
// pages after the fixed fields (1004 entries).
const DefaultDelMax = (HeaderPages*PageSize - headerFixedLen) / 8

// dataPageFor returns HEADER_PAGES + ceil(pageCount / bitsPerBitmapPage).
func dataPageFor(pageCount uint64) uint64 {
	const bitsPerBitmapPage = 64 * 512
	return HeaderPages + (pageCount+bitsPerBitmapPage-1)/bitsPerBitmapPage
}

func mapWordsFor(pageCount, dataPage uint64) uint64 {
	return (pageCount - dataPage + 63) / 64
}

// syncDataWordLimit keeps the bitmap's data/FD boundary aligned with the
// FD allocator's current lowest-allocated slot. Must be called under
// fs.mu after every fda mutation.
func (fs *Filesystem) syncDataWordLimit() {
	lowest := fs.fda.FDNextPage + fdtable.FileSlotPages
	fs.bm.SetDataWordLimit(fs.bm.DataWordLimitFor(lowest))
}

// Format writes a blank UNFS image to dev: empty bitmap, empty FD area,
// and a root directory entry at the topmost slot.
func Format(ctx context.Context, dev interfaces.Provider, label string, delMax uint32) error {
	if delMax == 0 {
		delMax = DefaultDelMax
	}
	blockCount, blockSize, pageCount := dev.Capacity()
	dataPage := dataPageFor(pageCount)
	mapWords := mapWordsFor(pageCount, dataPage)

	bm := bitmap.New(dataPage, mapWords, mapWords)
	fda := fdtable.New(bm, pageCount-fdtable.FileSlotPages, delMax)

	h := &Header{
		BlockCount: blockCount,
		PageCount:  pageCount,
		BlockSize:  blockSize,
		PageSize:   PageSize,
		DataPage:   dataPage,
		MapWords:   mapWords,
		DelMax:     delMax,
	}
	copy(h.Label[:], label)
	copy(h.Version[:], VersionString)

	pool := device.NewPool(dev, 1)
	ioc, release, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	rootID, err := fda.Allocate(true)
	if err != nil {
		return err
	}
	lowest := fda.FDNextPage + fdtable.FileSlotPages
	bm.SetDataWordLimit(bm.DataWordLimitFor(lowest))

	root := &entry.Entry{PageID: rootID, ParentID: 0, Name: "/", IsDir: true, Size: 0}

	fs := &Filesystem{dev: dev, pool: pool, header: h, bm: bm, fda: fda}
	if err := fs.writeSlot(ctx, ioc, root); err != nil {
		return err
	}
	// The root slot's allocation marked its bits dirty above; flush those
	// bitmap pages now so a fresh Open reads back a popcount matching
	// h.PageFree instead of the zero-filled device's blank bitmap.
	if err := fs.syncBitmap(ctx, ioc); err != nil {
		return err
	}
	h.FDNextPage = fda.FDNextPage
	h.FDCount = fda.FDCount
	h.DirCount = fda.DirCount
	h.PageFree = pageCount - bm.PopCount()
	return fs.writePages(ctx, ioc, 0, MarshalHeader(h))
}

// Open mounts dev: reads and validates the header, rebuilds the bitmap
// and FD allocator, and scans the FD area to rebuild the entry tree.
// Returns a live Filesystem and a Handle that Close/validate checks
// against future calls.
func Open(ctx context.Context, dev interfaces.Provider, ioContexts int) (*Filesystem, Handle, error) {
	pool := device.NewPool(dev, maxInt(ioContexts, 1))
	ioc, release, err := pool.Acquire(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	headerBuf, err := readPagesWith(ctx, dev, ioc, 0, HeaderPages)
	if err != nil {
		return nil, 0, err
	}
	h, err := UnmarshalHeader(headerBuf)
	if err != nil {
		return nil, 0, err
	}

	_, _, pageCount := dev.Capacity()
	if h.PageCount != pageCount {
		return nil, 0, unfserr.New(unfserr.CorruptHeader, "header page_count %d does not match device %d", h.PageCount, pageCount)
	}
	wantDataPage := dataPageFor(pageCount)
	if h.DataPage != wantDataPage {
		return nil, 0, unfserr.New(unfserr.CorruptHeader, "header data_page %d, expected %d", h.DataPage, wantDataPage)
	}
	wantMapWords := mapWordsFor(pageCount, h.DataPage)
	if h.MapWords != wantMapWords {
		return nil, 0, unfserr.New(unfserr.CorruptHeader, "header mapsize %d, expected %d", h.MapWords, wantMapWords)
	}
	if want := h.FDNextPage + (h.FDCount+uint64(h.DelCount)+1)*fdtable.FileSlotPages; want != h.PageCount {
		return nil, 0, unfserr.New(unfserr.CorruptHeader, "fd area invariant violated: got %d want %d", want, h.PageCount)
	}

	bitmapBuf, err := readPagesWith(ctx, dev, ioc, HeaderPages, uint32((h.MapWords+511)/512))
	if err != nil {
		return nil, 0, err
	}
	words := bytesToWords(bitmapBuf, h.MapWords)
	bm := bitmap.Load(h.DataPage, words, h.MapWords)

	if h.PageFree != h.PageCount-bm.PopCount() {
		return nil, 0, unfserr.New(unfserr.CorruptBitmap, "header page_free %d does not match popcount-derived %d", h.PageFree, h.PageCount-bm.PopCount())
	}

	fda := fdtable.Restore(bm, h.FDNextPage, h.DelMax, h.DelStack, h.FDCount, h.DirCount)
	bm.SetDataWordLimit(bm.DataWordLimitFor(fda.FDNextPage + fdtable.FileSlotPages))

	fs := &Filesystem{
		dev:    dev,
		pool:   pool,
		header: h,
		bm:     bm,
		fda:    fda,
		tree:   entrytree.New(),
		extMgr: extent.New(bm, dev, MaxExtents),
		state:  Initialized,
		log:    logrus.WithField("device", dev.Name()),
	}

	if err := fs.scanFDArea(ctx, ioc); err != nil {
		return nil, 0, err
	}

	fs.fsid = fnv64(dev.Name())
	fs.seq = atomic.AddUint64(&openSeq, 1)
	fs.state = Open
	return fs, makeHandle(fs.fsid, fs.seq), nil
}

// scanFDArea walks slot addresses downward from total_pages-FILE_SLOT_PAGES
// to fd_next_page+FILE_SLOT_PAGES, skipping deleted ones, inserting every
// live entry into the tree and creating ancestor stub directories as
// needed (spec §4.6).
func (fs *Filesystem) scanFDArea(ctx context.Context, ioc interfaces.IOContext) error {
	_, _, pageCount := fs.dev.Capacity()
	top := pageCount - fdtable.FileSlotPages
	bottom := fs.fda.FDNextPage + fdtable.FileSlotPages

	for addr := top; ; addr -= fdtable.FileSlotPages {
		if !fs.fda.IsDeleted(addr) {
			e, err := fs.readSlot(ctx, ioc, addr)
			if err != nil {
				return err
			}
			if err := entrytree.ValidateName(e.Name); err != nil {
				return unfserr.Wrap(unfserr.CorruptHeader, err, "slot %d has invalid name", addr)
			}

			// Creates stub ancestor directories for any prefix not yet
			// scanned; the leaf itself is reconciled below.
			fs.tree.EnsureAncestors(e.Name)

			if existing, ok := fs.tree.Find(e.Name); ok && existing.Stub {
				existing.PageID = e.PageID
				existing.ParentID = e.ParentID
				existing.IsDir = e.IsDir
				existing.Size = e.Size
				existing.Extents = e.Extents
				existing.Stub = false
			} else if !ok {
				parent, _ := fs.tree.FindParent(e.Name)
				if err := fs.tree.Add(parent, e); err != nil {
					return unfserr.Wrap(unfserr.CorruptHeader, err, "slot %d", addr)
				}
			}
		}
		if addr == bottom {
			break
		}
	}
	return nil
}

// Check verifies the in-memory tree that Open's mount-time scan built (as
// updated since): every non-root entry's own slot and extent pages must be
// marked used in the bitmap, and its parentid must equal the pageid of its
// parent directory in the tree. It does not re-read the FD area from the
// device, and the root entry is not checked.
func (fs *Filesystem) Check(ctx context.Context) error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	for _, name := range fs.tree.Names() {
		e, _ := fs.tree.Find(name)
		if e.Name == "/" {
			continue
		}
		if !fs.bm.Check(e.PageID, fdtable.FileSlotPages) {
			return unfserr.New(unfserr.CorruptBitmap, "entry %q slot %d not marked used", e.Name, e.PageID)
		}
		for _, ex := range e.Extents {
			if !fs.bm.Check(ex.PageID, ex.PageCount) {
				return unfserr.New(unfserr.CorruptBitmap, "entry %q extent at %d not marked used", e.Name, ex.PageID)
			}
		}
		parent, ok := fs.tree.FindParent(e.Name)
		if !ok || parent.PageID != e.ParentID {
			return unfserr.New(unfserr.CorruptHeader, "entry %q parentid %d does not match tree parent", e.Name, e.ParentID)
		}
	}
	return nil
}

// Close flushes dirty state and releases the device handle. The handle
// becomes invalid for any further calls.
func (fs *Filesystem) Close(ctx context.Context, h Handle) error {
	if err := fs.validate(h); err != nil {
		return err
	}
	fs.mountMu.Lock()
	defer fs.mountMu.Unlock()
	if err := fs.Flush(ctx); err != nil {
		return err
	}
	fs.mu.Lock()
	fs.state = Closed
	fs.mu.Unlock()
	return fs.dev.Close()
}

func readPagesWith(ctx context.Context, dev interfaces.Provider, ioc interfaces.IOContext, addr uint64, n uint32) ([]byte, error) {
	buf := make([]byte, int(n)*PageSize)
	if err := dev.Read(ctx, ioc, buf, addr, n); err != nil {
		return nil, unfserr.Wrap(unfserr.DeviceIO, err, "read %d pages at %d", n, addr)
	}
	return buf, nil
}

func bytesToWords(buf []byte, count uint64) []uint64 {
	words := make([]uint64, count)
	for i := range words {
		off := i * 8
		var w uint64
		for b := 0; b < 8; b++ {
			w |= uint64(buf[off+b]) << (8 * b)
		}
		words[i] = w
	}
	return words
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// openSeq numbers successful Opens process-wide, so each mount generation
// puts a distinct sequence number into the low half of its handles.
var openSeq uint64

// fnv64 is a tiny non-cryptographic hash used to derive the fsid half of
// a handle from the device name; the open sequence number in the low half
// is what tells mount generations of the same device apart.
func fnv64(s string) uint64 {
	const offset, prime = 14695981039346656037, 1099511628211
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}
