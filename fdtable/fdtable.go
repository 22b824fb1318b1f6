// Package fdtable implements the UNFS FD slot allocator: slots are
// carved two pages at a time from the top of the device downward, with a
// bounded deletion stack for reuse (spec §4.2).
package fdtable

import (
	"github.com/deyohong/UNFS/bitmap"
	"github.com/deyohong/UNFS/unfserr"
)

// FileSlotPages is the fixed size of one file/directory entry slot.
const FileSlotPages = 2

// RelocationPending describes the relocation an FD-area shrink must
// perform: the caller reads the slot at From, rewrites it at To, and
// updates the relocated entry's in-memory pageid (and, if it is a
// directory, every child's parentid) to To.
type RelocationPending struct {
	From, To uint64
}

// FreeResult is the outcome of Allocator.Free.
type FreeResult struct {
	Relocation *RelocationPending // nil when no relocation is required
}

// Allocator tracks the FD area boundary, counts, and deletion stack. It
// delegates the underlying bit bookkeeping to a bitmap.Bitmap so that FD
// slot reservations and data-page allocations share one consistent free
// map (invariant 3).
type Allocator struct {
	bm *bitmap.Bitmap

	FDNextPage uint64
	DelMax     uint32
	DelStack   []uint64
	FDCount    uint64
	DirCount   uint64
}

// New creates an allocator over bm, starting with an empty FD area whose
// next slot to carve is fdNextPage (spec: total_pages - FILE_SLOT_PAGES
// at format time).
func New(bm *bitmap.Bitmap, fdNextPage uint64, delMax uint32) *Allocator {
	return &Allocator{bm: bm, FDNextPage: fdNextPage, DelMax: delMax}
}

// Restore rebuilds allocator bookkeeping read back from the header at
// mount time.
func Restore(bm *bitmap.Bitmap, fdNextPage uint64, delMax uint32, delStack []uint64, fdCount, dirCount uint64) *Allocator {
	a := New(bm, fdNextPage, delMax)
	a.DelStack = append(a.DelStack[:0], delStack...)
	a.FDCount = fdCount
	a.DirCount = dirCount
	return a
}

// Allocate carves (or reuses) a two-page FD slot.
func (a *Allocator) Allocate(isdir bool) (uint64, error) {
	var slot uint64
	if n := len(a.DelStack); n > 0 {
		slot = a.DelStack[n-1]
		a.DelStack = a.DelStack[:n-1]
	} else {
		slot = a.FDNextPage
		a.bm.UseAt(slot, FileSlotPages)
		a.FDNextPage -= FileSlotPages
	}
	a.FDCount++
	if isdir {
		a.DirCount++
	}
	return slot, nil
}

// Free releases the slot at pageid. If the deletion stack has room, the
// slot is pushed for reuse and its bitmap bits are left set (spec: the
// page remains notionally allocated while on the stack). Otherwise the
// FD area must shrink by exactly one slot to stay contiguous (invariant
// 4); this always shrinks from the lowest-address allocated slot, which
// may require relocating that slot's occupant into the slot being freed.
//
// This resolves spec §4.2's relocation wording using original_source's
// unfs_node_remove, which computes the "last" slot (the lowest-address
// one) before mutating fd_next_page and relocates its content into the
// freed address — see DESIGN.md.
func (a *Allocator) Free(pageid uint64, isdir bool) FreeResult {
	if len(a.DelStack) < int(a.DelMax) {
		a.DelStack = append(a.DelStack, pageid)
		a.FDCount--
		if isdir {
			a.DirCount--
		}
		return FreeResult{}
	}

	lowest := a.FDNextPage + FileSlotPages
	a.FDNextPage = lowest
	a.FDCount--
	if isdir {
		a.DirCount--
	}

	if pageid == lowest {
		a.bm.Free(pageid, FileSlotPages)
		return FreeResult{}
	}
	if idx := a.stackIndex(lowest); idx >= 0 {
		// lowest is itself only a hole already sitting on the deletion
		// stack, not a live entry — the FD area shrinks past it with
		// nothing to relocate, so both the freed slot and the stale hole
		// vacate.
		a.DelStack = append(a.DelStack[:idx], a.DelStack[idx+1:]...)
		a.bm.Free(pageid, FileSlotPages)
		a.bm.Free(lowest, FileSlotPages)
		return FreeResult{}
	}
	// lowest holds a live entry that the caller's relocate step moves into
	// pageid, so only lowest's bits vacate here — pageid stays marked used
	// for the relocated content about to occupy it.
	a.bm.Free(lowest, FileSlotPages)
	return FreeResult{Relocation: &RelocationPending{From: lowest, To: pageid}}
}

func (a *Allocator) stackIndex(pageid uint64) int {
	for i, p := range a.DelStack {
		if p == pageid {
			return i
		}
	}
	return -1
}

// Validate checks invariant 4/5-adjacent header consistency:
// fd_next_page + (fd_count + delcount + 1) * FILE_SLOT_PAGES == totalPages.
func (a *Allocator) Validate(totalPages uint64) error {
	want := a.FDNextPage + (a.FDCount+uint64(len(a.DelStack))+1)*FileSlotPages
	if want != totalPages {
		return unfserr.New(unfserr.CorruptHeader,
			"fd area inconsistent: fd_next_page=%d fd_count=%d delcount=%d total=%d",
			a.FDNextPage, a.FDCount, len(a.DelStack), totalPages)
	}
	return nil
}

// IsDeleted reports whether pageid currently sits on the deletion stack,
// used by the mount-time scan to skip slots that hold stale data.
func (a *Allocator) IsDeleted(pageid uint64) bool {
	for _, p := range a.DelStack {
		if p == pageid {
			return true
		}
	}
	return false
}
