package device

import (
	"context"

	"github.com/deyohong/UNFS/interfaces"
	"golang.org/x/sync/errgroup"
)

// Pool hands out a bounded number of interfaces.IOContext values, the Go
// analogue of spec §5's "pool of I/O contexts (NVMe queues or no-op
// contexts for raw block devices)". A context is acquired for the
// duration of a single operation span and released afterward; callers
// must not hold one across a block on the filesystem lock.
//
// This replaces the teacher's hash-table-of-latches/clock-eviction buffer
// pool (bufmgr.go's PinLatch/UnpinLatch): UNFS does not cache device
// pages in a pinned pool the way a B-tree buffer manager does, so only
// the bounded-acquire/release shape of that idiom carries over.
type Pool struct {
	provider interfaces.Provider
	slots    chan struct{}
}

// NewPool creates a pool that allows at most size concurrent I/O context
// acquisitions against provider.
func NewPool(provider interfaces.Provider, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{provider: provider, slots: make(chan struct{}, size)}
}

// Acquire blocks until a slot is free, then returns a live IOContext and a
// release function the caller must call exactly once.
func (p *Pool) Acquire(ctx context.Context) (interfaces.IOContext, func(), error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, func() {}, ctx.Err()
	}
	ioc := p.provider.IOCAlloc()
	release := func() {
		p.provider.IOCFree(ioc)
		<-p.slots
	}
	return ioc, release, nil
}

// FlushAll runs flush for each of the given dirty-page writers
// concurrently, bounded by the pool's size, and returns the first error
// encountered (spec §4.1/§4.2: bitmap and FD-area dirty ranges are
// flushed independently but must be surfaced as a single DeviceIO
// failure if any of them fails).
func (p *Pool) FlushAll(ctx context.Context, flushers ...func(context.Context, interfaces.IOContext) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, flush := range flushers {
		flush := flush
		g.Go(func() error {
			ioc, release, err := p.Acquire(gctx)
			if err != nil {
				return err
			}
			defer release()
			return flush(gctx, ioc)
		})
	}
	return g.Wait()
}
