// Package entry defines the in-memory representation of one file or
// directory entry: the fields mirrored from its on-device EntryHeader
// slot (spec §3), plus the per-entry lock that serializes I/O on that
// file (spec §5).
package entry

import (
	"sync"

	"github.com/deyohong/UNFS/extent"
)

// Entry is the in-memory counterpart of an on-device FD slot.
type Entry struct {
	mu sync.RWMutex

	PageID   uint64 // this entry's own FD slot address
	ParentID uint64 // parent directory's FD slot address
	Name     string // canonical path, e.g. "/a/b/c"
	IsDir    bool

	// Size is byte length for files, immediate-child count for
	// directories.
	Size uint64

	// Extents is empty for directories.
	Extents []extent.Extent

	// Stub marks a placeholder ancestor directory created by
	// ensure_ancestors during mount, awaiting its real slot scan.
	Stub bool

	// OpenCount tracks outstanding open() handles; remove() and rename()
	// consult it before touching the entry.
	OpenCount int32

	// Dirty marks that the entry's header page needs to be rewritten on
	// close or explicit sync.
	Dirty bool
}

// Lock/Unlock/RLock/RUnlock expose the per-entry RWMutex directly so
// callers can hold it across the span of a read or write operation.
func (e *Entry) Lock()    { e.mu.Lock() }
func (e *Entry) Unlock()  { e.mu.Unlock() }
func (e *Entry) RLock()   { e.mu.RLock() }
func (e *Entry) RUnlock() { e.mu.RUnlock() }

// IsAncestorStub reports whether this entry is still awaiting its real
// on-device slot (pageid unknown, fabricated during a mount-time scan
// that found a descendant before its parent directory).
func (e *Entry) IsAncestorStub() bool { return e.Stub }
