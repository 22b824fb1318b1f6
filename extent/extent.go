// Package extent implements the per-file extent (DS) manager: grow,
// shrink, merge-compact, and read/write with read-modify-write boundary
// handling over a page bitmap allocator and a device provider (spec
// §4.4). It is grounded on the original unfs_node_resize / unfs_node_rw /
// unfs_node_merge_ds logic, reworked around bitmap.Bitmap and
// interfaces.Provider.
package extent

import (
	"context"

	"github.com/deyohong/UNFS/bitmap"
	"github.com/deyohong/UNFS/interfaces"
	"github.com/deyohong/UNFS/unfserr"
)

// PageSize matches the fixed device page size used throughout UNFS.
const PageSize = 4096

// Extent is one contiguous run of data pages.
type Extent struct {
	PageID    uint64
	PageCount uint32
}

// Manager grows, shrinks, and performs I/O against a file's extent list.
// It holds no per-file state itself; callers pass the current extent
// list and size on every call and receive the updated list/size back.
type Manager struct {
	bm         *bitmap.Bitmap
	dev        interfaces.Provider
	maxExtents int
}

// New creates a Manager bound to a bitmap allocator and device provider.
// maxExtents is MAX_EXTENTS from the header format (spec §3).
func New(bm *bitmap.Bitmap, dev interfaces.Provider, maxExtents int) *Manager {
	return &Manager{bm: bm, dev: dev, maxExtents: maxExtents}
}

func pagesFor(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}

// Grow extends extents to cover newSize bytes, allocating additional
// pages as needed. fill, if non-nil, zero-pads the stale tail of the
// previously-last page and writes *fill over every newly added page.
func (m *Manager) Grow(ctx context.Context, ioc interfaces.IOContext, extents []Extent, oldSize, newSize uint64, fill *byte) ([]Extent, error) {
	oldPages := pagesFor(oldSize)
	newPages := pagesFor(newSize)
	if newPages <= oldPages {
		if fill != nil {
			if err := m.fillTail(ctx, ioc, extents, oldSize, newSize, *fill); err != nil {
				return nil, err
			}
		}
		return extents, nil
	}
	addpc := newPages - oldPages

	if len(extents) >= m.maxExtents {
		merged, err := m.mergeCompact(ctx, ioc, extents, oldPages, newPages)
		if err != nil {
			return nil, err
		}
		// The merged run already covers newPages; nothing is left to append.
		if fill != nil {
			if err := m.fillTail(ctx, ioc, merged, oldSize, newSize, *fill); err != nil {
				return nil, err
			}
		}
		return merged, nil
	}

	pageid, err := m.bm.Alloc(uint32(addpc))
	if err != nil {
		return nil, err
	}
	if n := len(extents); n > 0 && extents[n-1].PageID+uint64(extents[n-1].PageCount) == pageid {
		extents[n-1].PageCount += uint32(addpc)
	} else {
		if len(extents) >= m.maxExtents {
			return nil, unfserr.New(unfserr.OutOfSpace, "extent list full at %d entries", m.maxExtents)
		}
		extents = append(extents, Extent{PageID: pageid, PageCount: uint32(addpc)})
	}

	if fill != nil {
		if err := m.fillTail(ctx, ioc, extents, oldSize, newSize, *fill); err != nil {
			return nil, err
		}
	}
	return extents, nil
}

// mergeCompact allocates a single run of newPages pages, copies the
// existing oldPages of content from every extent into its start in page
// runs, frees the old extents, and returns a single-extent list covering
// all newPages pages.
func (m *Manager) mergeCompact(ctx context.Context, ioc interfaces.IOContext, extents []Extent, oldPages, newPages uint64) ([]Extent, error) {
	dest, err := m.bm.Alloc(uint32(newPages))
	if err != nil {
		return nil, err
	}

	const maxRunPages = 64
	buf := make([]byte, PageSize*maxRunPages)
	var cursor uint64
	for _, e := range extents {
		var off uint32
		for off < e.PageCount {
			run := e.PageCount - off
			if run > maxRunPages {
				run = maxRunPages
			}
			chunk := buf[:int(run)*PageSize]
			if err := m.dev.Read(ctx, ioc, chunk, e.PageID+uint64(off), run); err != nil {
				return nil, unfserr.Wrap(unfserr.DeviceIO, err, "merge-compact read page %d+%d", e.PageID, off)
			}
			if err := m.dev.Write(ctx, ioc, chunk, dest+cursor, run); err != nil {
				return nil, unfserr.Wrap(unfserr.DeviceIO, err, "merge-compact write page %d+%d", dest, cursor)
			}
			cursor += uint64(run)
			off += run
		}
	}

	for _, e := range extents {
		m.bm.Free(e.PageID, e.PageCount)
	}
	return []Extent{{PageID: dest, PageCount: uint32(newPages)}}, nil
}

// Shrink releases ceil(old/PS) - ceil(new/PS) pages from the tail,
// dropping whole extents and truncating the final surviving one.
func (m *Manager) Shrink(extents []Extent, oldSize, newSize uint64) []Extent {
	oldPages := pagesFor(oldSize)
	newPages := pagesFor(newSize)
	if newPages >= oldPages {
		return extents
	}
	toFree := oldPages - newPages
	for toFree > 0 && len(extents) > 0 {
		last := &extents[len(extents)-1]
		if uint64(last.PageCount) <= toFree {
			m.bm.Free(last.PageID, last.PageCount)
			toFree -= uint64(last.PageCount)
			extents = extents[:len(extents)-1]
			continue
		}
		keep := uint32(uint64(last.PageCount) - toFree)
		m.bm.Free(last.PageID+uint64(keep), uint32(toFree))
		last.PageCount = keep
		toFree = 0
	}
	return extents
}

func pageAddrFor(extents []Extent, logical uint64) (uint64, bool) {
	var cursor uint64
	for _, e := range extents {
		if logical < cursor+uint64(e.PageCount) {
			return e.PageID + (logical - cursor), true
		}
		cursor += uint64(e.PageCount)
	}
	return 0, false
}

// Read copies len(buf) bytes starting at off into buf. off+len(buf) must
// not exceed size.
func (m *Manager) Read(ctx context.Context, ioc interfaces.IOContext, extents []Extent, size uint64, buf []byte, off uint64) (int, error) {
	n := uint64(len(buf))
	if off+n > size {
		return 0, unfserr.New(unfserr.InvalidArgument, "read range [%d,%d) exceeds size %d", off, off+n, size)
	}
	if n == 0 {
		return 0, nil
	}
	startPage := off / PageSize
	endPage := (off + n - 1) / PageSize

	pageBuf := make([]byte, PageSize)
	var logical, copied uint64
	for _, e := range extents {
		for i := uint32(0); i < e.PageCount; i++ {
			if logical > endPage {
				return int(copied), nil
			}
			if logical >= startPage {
				pageAddr := e.PageID + uint64(i)
				if err := m.dev.Read(ctx, ioc, pageBuf, pageAddr, 1); err != nil {
					return int(copied), unfserr.Wrap(unfserr.DeviceIO, err, "read page %d", pageAddr)
				}
				lo, hi := pageSpan(logical, off, n)
				dst := logical*PageSize + lo - off
				copy(buf[dst:dst+(hi-lo)], pageBuf[lo:hi])
				copied += hi - lo
			}
			logical++
		}
	}
	return int(copied), nil
}

// Write persists len(buf) bytes at off, auto-extending the file (and its
// extent list) if off+len(buf) exceeds size. Partial boundary pages are
// handled by read-modify-write. It returns the (possibly updated) extent
// list and new size.
func (m *Manager) Write(ctx context.Context, ioc interfaces.IOContext, extents []Extent, size uint64, buf []byte, off uint64) ([]Extent, uint64, error) {
	n := uint64(len(buf))
	newSize := size
	if off+n > size {
		newSize = off + n
	}
	if newSize > size {
		grown, err := m.Grow(ctx, ioc, extents, size, newSize, nil)
		if err != nil {
			return extents, size, err
		}
		extents = grown
	}

	startPage := off / PageSize
	endPage := (off + n - 1) / PageSize
	pageBuf := make([]byte, PageSize)
	var logical uint64
	for _, e := range extents {
		for i := uint32(0); i < e.PageCount; i++ {
			if logical > endPage {
				return extents, newSize, nil
			}
			if logical >= startPage {
				pageAddr := e.PageID + uint64(i)
				lo, hi := pageSpan(logical, off, n)
				if lo != 0 || hi != PageSize {
					if logical*PageSize < size {
						if err := m.dev.Read(ctx, ioc, pageBuf, pageAddr, 1); err != nil {
							return extents, newSize, unfserr.Wrap(unfserr.DeviceIO, err, "rmw read page %d", pageAddr)
						}
					} else {
						for i := range pageBuf {
							pageBuf[i] = 0
						}
					}
				}
				src := logical*PageSize + lo - off
				copy(pageBuf[lo:hi], buf[src:src+(hi-lo)])
				if err := m.dev.Write(ctx, ioc, pageBuf, pageAddr, 1); err != nil {
					return extents, newSize, unfserr.Wrap(unfserr.DeviceIO, err, "write page %d", pageAddr)
				}
			}
			logical++
		}
	}
	return extents, newSize, nil
}

// pageSpan returns the [lo,hi) byte range within the page at the given
// logical page index that [off, off+n) covers.
func pageSpan(logical, off, n uint64) (lo, hi uint64) {
	lo = 0
	if logical*PageSize < off {
		lo = off - logical*PageSize
	}
	hi = PageSize
	if (logical+1)*PageSize > off+n {
		hi = off + n - logical*PageSize
	}
	return lo, hi
}

// fillTail zero-fills the unused tail of the previously-last page (if
// oldSize was not page-aligned) and writes fill over every newly added
// page [oldPages, newPages).
func (m *Manager) fillTail(ctx context.Context, ioc interfaces.IOContext, extents []Extent, oldSize, newSize uint64, fill byte) error {
	oldPages := pagesFor(oldSize)
	newPages := pagesFor(newSize)
	pageBuf := make([]byte, PageSize)

	if rem := oldSize % PageSize; rem != 0 && oldPages > 0 {
		if pageAddr, ok := pageAddrFor(extents, oldPages-1); ok {
			if err := m.dev.Read(ctx, ioc, pageBuf, pageAddr, 1); err != nil {
				return unfserr.Wrap(unfserr.DeviceIO, err, "fill read page %d", pageAddr)
			}
			for i := rem; i < PageSize; i++ {
				pageBuf[i] = 0
			}
			if err := m.dev.Write(ctx, ioc, pageBuf, pageAddr, 1); err != nil {
				return unfserr.Wrap(unfserr.DeviceIO, err, "fill write page %d", pageAddr)
			}
		}
	}

	for i := range pageBuf {
		pageBuf[i] = fill
	}
	for logical := oldPages; logical < newPages; logical++ {
		pageAddr, ok := pageAddrFor(extents, logical)
		if !ok {
			continue
		}
		if err := m.dev.Write(ctx, ioc, pageBuf, pageAddr, 1); err != nil {
			return unfserr.Wrap(unfserr.DeviceIO, err, "fill write page %d", pageAddr)
		}
	}
	return nil
}

// Checksum computes the 64-bit rolling sum over every byte of the file:
// sum += (remaining_size << 32) | byte, where remaining_size counts this
// byte and everything after it.
func (m *Manager) Checksum(ctx context.Context, ioc interfaces.IOContext, extents []Extent, size uint64) (uint64, error) {
	var sum, consumed uint64
	pageBuf := make([]byte, PageSize)
	for _, e := range extents {
		for i := uint32(0); i < e.PageCount && consumed < size; i++ {
			pageAddr := e.PageID + uint64(i)
			if err := m.dev.Read(ctx, ioc, pageBuf, pageAddr, 1); err != nil {
				return 0, unfserr.Wrap(unfserr.DeviceIO, err, "checksum read page %d", pageAddr)
			}
			limit := PageSize
			if uint64(limit) > size-consumed {
				limit = int(size - consumed)
			}
			for b := 0; b < limit; b++ {
				remaining := size - consumed
				sum += (remaining << 32) | uint64(pageBuf[b])
				consumed++
			}
		}
	}
	return sum, nil
}

// TotalPages returns the page footprint of extents, used by callers that
// need to verify bitmap accounting (e.g. fsck).
func TotalPages(extents []Extent) uint64 {
	var n uint64
	for _, e := range extents {
		n += uint64(e.PageCount)
	}
	return n
}
