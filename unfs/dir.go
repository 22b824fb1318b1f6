package unfs

import (
	"context"
	"strings"

	"github.com/deyohong/UNFS/entry"
	"github.com/deyohong/UNFS/entrytree"
	"github.com/deyohong/UNFS/fdtable"
	"github.com/deyohong/UNFS/interfaces"
	"github.com/deyohong/UNFS/unfserr"
)

// DirEntry is one immediate child as returned by DirList.
type DirEntry struct {
	Name  string
	Size  uint64
	IsDir bool
}

func leafName(name string) string {
	idx := strings.LastIndexByte(name, '/')
	return name[idx+1:]
}

// createLocked allocates a slot for name (isdir), links it under its
// already-existing parent, and persists both the new slot and the
// parent's updated child count. Caller must hold fs.mu for writing.
func (fs *Filesystem) createLocked(ctx context.Context, name string, isdir bool) (*entry.Entry, error) {
	if err := entrytree.ValidateName(name); err != nil {
		return nil, err
	}
	if existing, ok := fs.tree.Find(name); ok {
		if existing.Stub {
			unfserr.Fatal("entry %q resolved at mount to a stub with no real slot", name)
		}
		if existing.IsDir != isdir {
			return nil, unfserr.New(unfserr.AlreadyExists, "%q exists with a different type", name)
		}
		return existing, nil // create is idempotent on an identical existing entry
	}
	parent, ok := fs.tree.FindParent(name)
	if !ok {
		return nil, unfserr.New(unfserr.NotFound, "parent of %q does not exist", name)
	}

	pageid, err := fs.fda.Allocate(isdir)
	if err != nil {
		return nil, err
	}
	fs.syncDataWordLimit()

	e := &entry.Entry{PageID: pageid, ParentID: parent.PageID, Name: name, IsDir: isdir, Dirty: true}
	if err := fs.tree.Add(parent, e); err != nil {
		return nil, err
	}
	parent.Size++
	parent.Dirty = true

	ioc, release, err := fs.ioSpan(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := fs.writeSlot(ctx, ioc, e); err != nil {
		return nil, err
	}
	if err := fs.writeSlot(ctx, ioc, parent); err != nil {
		return nil, err
	}
	return e, nil
}

// Create adds name to the tree, optionally creating missing ancestor
// directories first (spec §4.5).
func (fs *Filesystem) Create(ctx context.Context, h Handle, name string, isdir, mkparents bool) (*entry.Entry, error) {
	if err := fs.validate(h); err != nil {
		return nil, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if mkparents {
		segments := strings.Split(strings.Trim(name, "/"), "/")
		prefix := ""
		for i := 0; i < len(segments)-1; i++ {
			prefix += "/" + segments[i]
			if _, err := fs.createLocked(ctx, prefix, true); err != nil {
				return nil, err
			}
		}
	}
	return fs.createLocked(ctx, name, isdir)
}

// Remove deletes name: a directory must be empty and neither it nor a
// file may have open handles.
func (fs *Filesystem) Remove(ctx context.Context, h Handle, name string, isdir bool) error {
	if err := fs.validate(h); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e, ok := fs.tree.Find(name)
	if !ok {
		return unfserr.New(unfserr.NotFound, "%q does not exist", name)
	}
	if e.IsDir != isdir {
		return unfserr.New(unfserr.InvalidArgument, "%q isdir mismatch", name)
	}
	if e.OpenCount > 0 {
		return unfserr.New(unfserr.Busy, "%q is open", name)
	}
	if e.IsDir && len(fs.tree.ChildrenOf(e)) > 0 {
		return unfserr.New(unfserr.Busy, "%q is not empty", name)
	}
	return fs.removeEntryLocked(ctx, e)
}

// removeEntryLocked tears down e: frees its extents, detaches it from
// the tree, releases its FD slot (possibly triggering last-slot
// relocation), and persists the parent's updated child count. Caller
// must hold fs.mu and have already checked OpenCount/emptiness.
func (fs *Filesystem) removeEntryLocked(ctx context.Context, e *entry.Entry) error {
	for _, ex := range e.Extents {
		fs.bm.Free(ex.PageID, ex.PageCount)
	}
	parent, hasParent := fs.tree.FindParent(e.Name)
	fs.tree.Remove(e)
	res := fs.fda.Free(e.PageID, e.IsDir)
	fs.syncDataWordLimit()

	ioc, release, err := fs.ioSpan(ctx)
	if err != nil {
		return err
	}
	defer release()

	if res.Relocation != nil {
		if err := fs.relocate(ctx, ioc, res.Relocation); err != nil {
			return err
		}
	}
	if hasParent {
		parent.Size--
		parent.Dirty = true
		if err := fs.writeSlot(ctx, ioc, parent); err != nil {
			return err
		}
	}
	return nil
}

// relocate implements the FD allocator's last-slot relocation: the
// entry physically stored at r.From is rewritten at r.To, its in-memory
// pageid updated, and, if it is a directory, every child's parentid
// follows it (spec §4.2/§4.3).
func (fs *Filesystem) relocate(ctx context.Context, ioc interfaces.IOContext, r *fdtable.RelocationPending) error {
	moved, err := fs.readSlot(ctx, ioc, r.From)
	if err != nil {
		return err
	}
	live, ok := fs.tree.Find(moved.Name)
	if !ok {
		unfserr.Fatal("relocation target %q (slot %d) missing from tree", moved.Name, r.From)
	}
	live.PageID = r.To
	if err := fs.writeSlot(ctx, ioc, live); err != nil {
		return err
	}
	if !live.IsDir {
		return nil
	}
	for _, child := range fs.tree.ChildrenOf(live) {
		child.ParentID = r.To
		child.Dirty = true
		if err := fs.writeSlot(ctx, ioc, child); err != nil {
			return err
		}
	}
	return nil
}

// Rename re-keys src to dst, reparenting it under dst's parent directory
// and, if override is set and dst already exists, removing dst first.
func (fs *Filesystem) Rename(ctx context.Context, h Handle, src, dst string, override bool) error {
	if err := fs.validate(h); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e, ok := fs.tree.Find(src)
	if !ok {
		return unfserr.New(unfserr.NotFound, "%q does not exist", src)
	}
	if e.OpenCount > 0 {
		return unfserr.New(unfserr.Busy, "%q is open", src)
	}

	if existing, exists := fs.tree.Find(dst); exists {
		if !override {
			return unfserr.New(unfserr.AlreadyExists, "%q exists", dst)
		}
		if existing.OpenCount > 0 {
			return unfserr.New(unfserr.Busy, "%q is open", dst)
		}
		if existing.IsDir && len(fs.tree.ChildrenOf(existing)) > 0 {
			return unfserr.New(unfserr.Busy, "%q is not empty", dst)
		}
		if err := fs.removeEntryLocked(ctx, existing); err != nil {
			return err
		}
	}

	srcParent, hasSrcParent := fs.tree.FindParent(src)
	dstParent, ok := fs.tree.FindParent(dst)
	if !ok {
		return unfserr.New(unfserr.NotFound, "parent of %q does not exist", dst)
	}

	oldName, oldParentID := e.Name, e.ParentID
	fs.tree.Remove(e)
	e.Name = dst
	e.ParentID = dstParent.PageID
	if err := fs.tree.Add(dstParent, e); err != nil {
		e.Name, e.ParentID = oldName, oldParentID
		fs.tree.Add(srcParent, e)
		return err
	}

	if hasSrcParent {
		srcParent.Size--
		srcParent.Dirty = true
	}
	dstParent.Size++
	dstParent.Dirty = true
	e.Dirty = true

	ioc, release, err := fs.ioSpan(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := fs.writeSlot(ctx, ioc, e); err != nil {
		return err
	}
	if hasSrcParent {
		if err := fs.writeSlot(ctx, ioc, srcParent); err != nil {
			return err
		}
	}
	return fs.writeSlot(ctx, ioc, dstParent)
}

// Exist reports whether name is present, and if so its type and size.
func (fs *Filesystem) Exist(h Handle, name string) (exists, isdir bool, size uint64, err error) {
	if err = fs.validate(h); err != nil {
		return
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	e, ok := fs.tree.Find(name)
	if !ok {
		return false, false, 0, nil
	}
	return true, e.IsDir, e.Size, nil
}

// DirList returns name's immediate children.
func (fs *Filesystem) DirList(h Handle, name string) ([]DirEntry, error) {
	if err := fs.validate(h); err != nil {
		return nil, err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	parent, ok := fs.tree.Find(name)
	if !ok {
		return nil, unfserr.New(unfserr.NotFound, "%q does not exist", name)
	}
	if !parent.IsDir {
		return nil, unfserr.New(unfserr.InvalidArgument, "%q is not a directory", name)
	}
	children := fs.tree.ChildrenOf(parent)
	out := make([]DirEntry, len(children))
	for i, c := range children {
		out[i] = DirEntry{Name: leafName(c.Name), Size: c.Size, IsDir: c.IsDir}
	}
	return out, nil
}
