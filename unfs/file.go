package unfs

import (
	"context"

	"github.com/deyohong/UNFS/entry"
	"github.com/deyohong/UNFS/unfserr"
)

// OpenFlag mirrors the CREATE/READONLY/EXCLUSIVE mode bits spec §4.5
// names for file_open.
type OpenFlag int

const (
	FlagCreate OpenFlag = 1 << iota
	FlagReadOnly
	FlagExclusive
)

// File is a handle to an open entry, returned by OpenFile.
type File struct {
	fs *Filesystem
	e  *entry.Entry
}

// OpenFile resolves name to an entry (creating it if FlagCreate is set
// and it is absent), bumping its open count.
func (fs *Filesystem) OpenFile(ctx context.Context, h Handle, name string, flags OpenFlag) (*File, error) {
	if err := fs.validate(h); err != nil {
		return nil, err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e, ok := fs.tree.Find(name)
	if !ok {
		if flags&FlagCreate == 0 {
			return nil, unfserr.New(unfserr.NotFound, "%q does not exist", name)
		}
		var err error
		e, err = fs.createLocked(ctx, name, false)
		if err != nil {
			return nil, err
		}
	} else if flags&FlagExclusive != 0 && e.OpenCount > 0 {
		return nil, unfserr.New(unfserr.Busy, "%q already open", name)
	}

	e.OpenCount++
	return &File{fs: fs, e: e}, nil
}

// CloseFile decrements f's open count and, if the entry is dirty,
// persists its slot and the header. This closes one open file handle,
// distinct from the Filesystem-wide Close in mount.go.
func (fs *Filesystem) CloseFile(ctx context.Context, h Handle, f *File) error {
	if err := fs.validate(h); err != nil {
		return err
	}
	fs.mu.Lock()
	f.e.OpenCount--
	dirty := f.e.Dirty
	f.e.Dirty = false
	fs.mu.Unlock()
	if !dirty {
		return nil
	}
	ioc, release, err := fs.ioSpan(ctx)
	if err != nil {
		return err
	}
	defer release()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.writeSlot(ctx, ioc, f.e); err != nil {
		return err
	}
	return fs.syncHeader(ctx, ioc)
}

// Read copies len(buf) bytes from f starting at off.
func (fs *Filesystem) Read(ctx context.Context, h Handle, f *File, buf []byte, off uint64) (int, error) {
	if err := fs.validate(h); err != nil {
		return 0, err
	}
	ioc, release, err := fs.ioSpan(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	f.e.RLock()
	defer f.e.RUnlock()
	return fs.extMgr.Read(ctx, ioc, f.e.Extents, f.e.Size, buf, off)
}

// Write persists buf at off, auto-extending f's size if needed.
func (fs *Filesystem) Write(ctx context.Context, h Handle, f *File, buf []byte, off uint64) (int, error) {
	if err := fs.validate(h); err != nil {
		return 0, err
	}
	ioc, release, err := fs.ioSpan(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	// Writes may allocate (auto-extend), which mutates the shared bitmap,
	// so they take the filesystem write lock like resize/create do,
	// rather than only the per-entry lock reads use.
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f.e.Lock()
	defer f.e.Unlock()

	extents, newSize, err := fs.extMgr.Write(ctx, ioc, f.e.Extents, f.e.Size, buf, off)
	if err != nil {
		return 0, err
	}
	f.e.Extents = extents
	f.e.Size = newSize
	f.e.Dirty = true
	fs.syncDataWordLimit()
	return len(buf), nil
}

// Resize grows or shrinks f to newSize, optionally filling newly exposed
// bytes with fill.
func (fs *Filesystem) Resize(ctx context.Context, h Handle, f *File, newSize uint64, fill *byte) error {
	if err := fs.validate(h); err != nil {
		return err
	}
	ioc, release, err := fs.ioSpan(ctx)
	if err != nil {
		return err
	}
	defer release()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	f.e.Lock()
	defer f.e.Unlock()

	if newSize >= f.e.Size {
		extents, err := fs.extMgr.Grow(ctx, ioc, f.e.Extents, f.e.Size, newSize, fill)
		if err != nil {
			return err
		}
		f.e.Extents = extents
	} else {
		f.e.Extents = fs.extMgr.Shrink(f.e.Extents, f.e.Size, newSize)
	}
	f.e.Size = newSize
	f.e.Dirty = true
	fs.syncDataWordLimit()
	return nil
}

// FileStat is the result of StatFile: size, extent count, and a copy of the
// extent list (spec §4.5's file_stat).
type FileStat struct {
	Size       uint64
	ExtentList []extentSnapshot
}

type extentSnapshot struct {
	PageID    uint64
	PageCount uint32
}

// StatFile snapshots f's size and extent list, distinct from the
// filesystem-wide Stat in fs.go.
func (fs *Filesystem) StatFile(h Handle, f *File) (FileStat, error) {
	if err := fs.validate(h); err != nil {
		return FileStat{}, err
	}
	f.e.RLock()
	defer f.e.RUnlock()
	out := FileStat{Size: f.e.Size}
	for _, e := range f.e.Extents {
		out.ExtentList = append(out.ExtentList, extentSnapshot{PageID: e.PageID, PageCount: e.PageCount})
	}
	return out, nil
}

// Checksum computes the 64-bit rolling sum over f's bytes.
func (fs *Filesystem) Checksum(ctx context.Context, h Handle, f *File) (uint64, error) {
	if err := fs.validate(h); err != nil {
		return 0, err
	}
	ioc, release, err := fs.ioSpan(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	f.e.RLock()
	defer f.e.RUnlock()
	return fs.extMgr.Checksum(ctx, ioc, f.e.Extents, f.e.Size)
}

// Name returns f's canonical path (spec §4.5's file_name).
func (f *File) Name() string { return f.e.Name }

// Sync explicitly persists f's slot if dirty, without decrementing its
// open count the way CloseFile does (Open Question decision: sync only
// happens at close or on an explicit request like this one, never
// implicitly after every write).
func (fs *Filesystem) Sync(ctx context.Context, h Handle, f *File) error {
	if err := fs.validate(h); err != nil {
		return err
	}
	ioc, release, err := fs.ioSpan(ctx)
	if err != nil {
		return err
	}
	defer release()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !f.e.Dirty {
		return nil
	}
	if err := fs.writeSlot(ctx, ioc, f.e); err != nil {
		return err
	}
	f.e.Dirty = false
	return fs.syncHeader(ctx, ioc)
}

