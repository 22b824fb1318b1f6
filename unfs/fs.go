// Package unfs implements the UNFS core: the page bitmap allocator, FD
// slot allocator, entry tree, and extent manager are wired together here
// into file/directory operations and a mount/format/check state machine
// over a pluggable device provider.
package unfs

import (
	"context"
	"encoding/binary"
	"sync"

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

// State is the filesystem handle lifecycle state (spec §4.6).
type State int

const (
	Closed State = iota
	Initialized
	Open
)

// Filesystem is one mounted UNFS instance. The filesystem lock (mu)
// protects the entry tree, bitmap, FD allocator, and header; each
// entry.Entry carries its own lock for field access and I/O
// serialization (spec §5). mountMu serializes Close calls on this
// instance; Format and Open do not take it, and there is no process-wide
// mount lock.
type Filesystem struct {
	mu      sync.RWMutex
	mountMu sync.Mutex

	dev  interfaces.Provider
	pool *device.Pool

	header *Header
	bm     *bitmap.Bitmap
	fda    *fdtable.Allocator
	tree   *entrytree.Tree
	extMgr *extent.Manager

	state State
	fsid  uint64 // hash of the device name
	seq   uint64 // process-wide open sequence number of this mount

	log *logrus.Entry
}

// ioSpan acquires an I/O context for the duration of one operation and
// returns it with a release function; the caller must not hold it across
// a block on the filesystem lock.
func (fs *Filesystem) ioSpan(ctx context.Context) (interfaces.IOContext, func(), error) {
	return fs.pool.Acquire(ctx)
}

func (fs *Filesystem) readPage(ctx context.Context, ioc interfaces.IOContext, pageAddr uint64) ([]byte, error) {
	buf := make([]byte, PageSize)
	if err := fs.dev.Read(ctx, ioc, buf, pageAddr, 1); err != nil {
		return nil, unfserr.Wrap(unfserr.DeviceIO, err, "read page %d", pageAddr)
	}
	return buf, nil
}

func (fs *Filesystem) readPages(ctx context.Context, ioc interfaces.IOContext, pageAddr uint64, n uint32) ([]byte, error) {
	buf := make([]byte, int(n)*PageSize)
	if err := fs.dev.Read(ctx, ioc, buf, pageAddr, n); err != nil {
		return nil, unfserr.Wrap(unfserr.DeviceIO, err, "read %d pages at %d", n, pageAddr)
	}
	return buf, nil
}

func (fs *Filesystem) writePages(ctx context.Context, ioc interfaces.IOContext, pageAddr uint64, buf []byte) error {
	n := uint32(len(buf) / PageSize)
	if err := fs.dev.Write(ctx, ioc, buf, pageAddr, n); err != nil {
		return unfserr.Wrap(unfserr.DeviceIO, err, "write %d pages at %d", n, pageAddr)
	}
	return nil
}

// readSlot reads the two-page FD slot at pageid and decodes it into an
// *entry.Entry (stub linkage only — Name/ParentID/PageID/Size/Extents;
// tree wiring is the caller's job).
func (fs *Filesystem) readSlot(ctx context.Context, ioc interfaces.IOContext, pageid uint64) (*entry.Entry, error) {
	buf, err := fs.readPages(ctx, ioc, pageid, FileSlotPages)
	if err != nil {
		return nil, err
	}
	w, err := unmarshalEntryPage1(buf[:PageSize])
	if err != nil {
		return nil, err
	}
	name := unmarshalEntryPage2(buf[PageSize : 2*PageSize])
	return &entry.Entry{
		PageID:   w.PageID,
		ParentID: w.ParentID,
		Name:     name,
		IsDir:    w.IsDir != 0,
		Size:     w.Size,
		Extents:  w.Extents,
	}, nil
}

// writeSlot persists e's header+name pages at e.PageID.
func (fs *Filesystem) writeSlot(ctx context.Context, ioc interfaces.IOContext, e *entry.Entry) error {
	isdir := uint32(0)
	if e.IsDir {
		isdir = 1
	}
	page1, err := marshalEntryPage1(entryHeaderWire{
		PageID:   e.PageID,
		ParentID: e.ParentID,
		Size:     e.Size,
		IsDir:    isdir,
		Extents:  e.Extents,
	})
	if err != nil {
		return err
	}
	page2, err := marshalEntryPage2(e.Name)
	if err != nil {
		return err
	}
	buf := make([]byte, 2*PageSize)
	copy(buf[:PageSize], page1)
	copy(buf[PageSize:], page2)
	return fs.writePages(ctx, ioc, e.PageID, buf)
}

// syncHeader rewrites the two header pages. Callers must hold fs.mu for
// writing.
func (fs *Filesystem) syncHeader(ctx context.Context, ioc interfaces.IOContext) error {
	fs.header.PageFree = fs.header.PageCount - fs.bm.PopCount()
	fs.header.FDNextPage = fs.fda.FDNextPage
	fs.header.FDCount = fs.fda.FDCount
	fs.header.DirCount = fs.fda.DirCount
	fs.header.DelCount = uint32(len(fs.fda.DelStack))
	fs.header.DelStack = append([]uint64(nil), fs.fda.DelStack...)
	return fs.writePages(ctx, ioc, 0, MarshalHeader(fs.header))
}

// syncBitmap flushes whichever bitmap pages have been marked dirty since
// the last sync.
func (fs *Filesystem) syncBitmap(ctx context.Context, ioc interfaces.IOContext) error {
	data, fd := fs.bm.DirtyBitmapPages()
	wpp := bitmap.WordsPerPage()
	flush := func(r struct {
		Low, High uint64
		Ok        bool
	}) error {
		if !r.Ok {
			return nil
		}
		lowWord, highWord := r.Low*wpp, (r.High+1)*wpp
		if total := uint64(len(fs.bm.Words)); highWord > total {
			// The last bitmap page is partial whenever mapWords isn't a
			// multiple of wordsPerPage (the common case: Words is sized to
			// exactly mapWords, never padded out to a page boundary). Clamp
			// to the real word count so the slice below never runs past
			// the end of Words.
			highWord = total
		}
		words := fs.bm.Words[lowWord:highWord]
		// Pages are written whole even when the dirtied range's last page is
		// partial: the buffer spans every bitmap page touched, filled from
		// the actual (possibly short) word count and zero-padded beyond it.
		pageSpan := r.High - r.Low + 1
		buf := make([]byte, pageSpan*wpp*8)
		for i, w := range words {
			binary.LittleEndian.PutUint64(buf[i*8:], w)
		}
		return fs.writePages(ctx, ioc, HeaderPages+r.Low, buf)
	}
	if err := flush(data); err != nil {
		return err
	}
	return flush(fd)
}

// Flush persists the header and any dirty bitmap regions. Called at
// close and by explicit sync requests (Open Question: sync only at close
// or explicit request, never implicitly on every write).
func (fs *Filesystem) Flush(ctx context.Context) error {
	ioc, release, err := fs.ioSpan(ctx)
	if err != nil {
		return err
	}
	defer release()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.syncBitmap(ctx, ioc); err != nil {
		return err
	}
	return fs.syncHeader(ctx, ioc)
}

// Stat returns a point-in-time snapshot of filesystem-wide counters, the
// Go analogue of the original implementation's unfs_stat (supplemented
// feature, spec silent on an explicit surface for it).
type Stat struct {
	BlockCount uint64
	PageCount  uint64
	PageFree   uint64
	FDCount    uint64
	DirCount   uint64
}

func (fs *Filesystem) Stat() Stat {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return Stat{
		BlockCount: fs.header.BlockCount,
		PageCount:  fs.header.PageCount,
		PageFree:   fs.header.PageCount - fs.bm.PopCount(),
		FDCount:    fs.fda.FDCount,
		DirCount:   fs.fda.DirCount,
	}
}
