// Package device holds the concrete Provider implementations UNFS ships
// with: a raw block device backed by O_DIRECT, and an in-memory device
// used by every package's unit tests instead of a real block device.
package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/deyohong/UNFS/interfaces"
	"github.com/dsnet/golib/memfile"
)

// PageSize is the fixed UNFS page size; it is duplicated here (rather
// than imported from the unfs package) to keep storage/device free of a
// dependency on the core.
const PageSize = 4096

type memIOContext struct{ id int }

func (c memIOContext) ID() int { return c.id }

// MemDevice is an in-memory Provider over a byte slice, standing in for a
// raw block device in tests. It is not safe to share a *MemDevice between
// goroutines without relying on its internal lock, which serializes all
// read/write calls the way a single-queue raw device would.
type MemDevice struct {
	name string
	mu   sync.Mutex
	f    *memfile.File

	blockSize  uint32
	blockCount uint64
	pageCount  uint64
	nextCtx    int
}

// NewMemDevice allocates a zero-filled in-memory device of pageCount
// pages, addressable exactly like a raw block device of that size.
func NewMemDevice(name string, pageCount uint64, blockSize uint32) *MemDevice {
	buf := make([]byte, pageCount*PageSize)
	return &MemDevice{
		name:       name,
		f:          memfile.New(buf),
		blockSize:  blockSize,
		blockCount: (pageCount * PageSize) / uint64(blockSize),
		pageCount:  pageCount,
	}
}

func (d *MemDevice) Name() string { return d.name }

func (d *MemDevice) Capacity() (blockCount uint64, blockSize uint32, pageCount uint64) {
	return d.blockCount, d.blockSize, d.pageCount
}

func (d *MemDevice) IOCAlloc() interfaces.IOContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextCtx++
	return memIOContext{id: d.nextCtx}
}

func (d *MemDevice) IOCFree(interfaces.IOContext) {}

func (d *MemDevice) PageAlloc(ioc interfaces.IOContext, pageCount uint32) ([]byte, uint32) {
	return make([]byte, uint64(pageCount)*PageSize), pageCount
}

func (d *MemDevice) PageFree(interfaces.IOContext, []byte) {}

func (d *MemDevice) Read(_ context.Context, _ interfaces.IOContext, buf []byte, pageAddr uint64, pageCount uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int64(pageAddr) * PageSize
	n := int64(pageCount) * PageSize
	if _, err := d.f.ReadAt(buf[:n], off); err != nil {
		return fmt.Errorf("memdevice: read pa=%d pc=%d: %w", pageAddr, pageCount, err)
	}
	return nil
}

func (d *MemDevice) Write(_ context.Context, _ interfaces.IOContext, buf []byte, pageAddr uint64, pageCount uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := int64(pageAddr) * PageSize
	n := int64(pageCount) * PageSize
	if _, err := d.f.WriteAt(buf[:n], off); err != nil {
		return fmt.Errorf("memdevice: write pa=%d pc=%d: %w", pageAddr, pageCount, err)
	}
	return nil
}

func (d *MemDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
