package extent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deyohong/UNFS/bitmap"
	"github.com/deyohong/UNFS/storage/device"
)

func newTestManager(t *testing.T, maxExtents int) (*Manager, *device.MemDevice, *bitmap.Bitmap) {
	t.Helper()
	dev := device.NewMemDevice("mem", 2000, 512)
	bm := bitmap.New(100, 30, 30) // 30 words = 1920 data pages
	return New(bm, dev, maxExtents), dev, bm
}

func TestGrowAppendsContiguousExtent(t *testing.T) {
	ctx := context.Background()
	ioc := &noopIOC{}
	m, _, bm := newTestManager(t, 4)

	extents, err := m.Grow(ctx, ioc, nil, 0, 1, nil)
	require.NoError(t, err)
	require.Len(t, extents, 1)
	require.True(t, bm.Check(extents[0].PageID, 1))

	extents, err = m.Grow(ctx, ioc, extents, 1, PageSize+1, nil)
	require.NoError(t, err)
	// second alloc is contiguous with the first (bump allocator, nothing freed yet).
	require.Len(t, extents, 1)
	require.EqualValues(t, 2, extents[0].PageCount)
}

func TestGrowMergeCompactsWhenExtentListFull(t *testing.T) {
	ctx := context.Background()
	ioc := &noopIOC{}
	m, _, _ := newTestManager(t, 1)

	extents, err := m.Grow(ctx, ioc, nil, 0, 1, nil)
	require.NoError(t, err)

	buf := []byte("hello!!!")
	extents, _, err = m.Write(ctx, ioc, extents, PageSize, buf, 0)
	require.NoError(t, err)

	extents, err = m.Grow(ctx, ioc, extents, PageSize, 2*PageSize, nil)
	require.NoError(t, err)
	require.Len(t, extents, 1) // merge-compact keeps it to one extent
	require.EqualValues(t, 2, extents[0].PageCount)

	readBack := make([]byte, len(buf))
	n, err := m.Read(ctx, ioc, extents, 2*PageSize, readBack, 0)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, buf, readBack)
}

func TestShrinkTruncatesLastExtent(t *testing.T) {
	ctx := context.Background()
	ioc := &noopIOC{}
	m, _, bm := newTestManager(t, 4)

	extents, err := m.Grow(ctx, ioc, nil, 0, 3*PageSize, nil)
	require.NoError(t, err)
	require.True(t, bm.Check(extents[0].PageID, 3))

	extents = m.Shrink(extents, 3*PageSize, 1*PageSize+10)
	require.EqualValues(t, 2, TotalPages(extents))
}

func TestWriteAutoExtendsAndReadRoundTrips(t *testing.T) {
	ctx := context.Background()
	ioc := &noopIOC{}
	m, _, _ := newTestManager(t, 4)

	data := make([]byte, PageSize+100)
	for i := range data {
		data[i] = byte(i)
	}

	extents, size, err := m.Write(ctx, ioc, nil, 0, data, 0)
	require.NoError(t, err)
	require.EqualValues(t, len(data), size)

	out := make([]byte, len(data))
	n, err := m.Read(ctx, ioc, extents, size, out, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, out)
}

func TestWritePartialPageIsReadModifyWrite(t *testing.T) {
	ctx := context.Background()
	ioc := &noopIOC{}
	m, _, _ := newTestManager(t, 4)

	initial := make([]byte, PageSize)
	for i := range initial {
		initial[i] = 0xAA
	}
	extents, size, err := m.Write(ctx, ioc, nil, 0, initial, 0)
	require.NoError(t, err)

	patch := []byte{1, 2, 3, 4}
	extents, size, err = m.Write(ctx, ioc, extents, size, patch, 10)
	require.NoError(t, err)
	require.EqualValues(t, PageSize, size)

	out := make([]byte, PageSize)
	_, err = m.Read(ctx, ioc, extents, size, out, 0)
	require.NoError(t, err)
	require.Equal(t, byte(0xAA), out[9])
	require.Equal(t, patch, out[10:14])
	require.Equal(t, byte(0xAA), out[14])
}

func TestChecksumMatchesRollingSumFormula(t *testing.T) {
	ctx := context.Background()
	ioc := &noopIOC{}
	m, _, _ := newTestManager(t, 4)

	data := []byte{10, 20, 30}
	extents, size, err := m.Write(ctx, ioc, nil, 0, data, 0)
	require.NoError(t, err)

	got, err := m.Checksum(ctx, ioc, extents, size)
	require.NoError(t, err)

	var want uint64
	for i, b := range data {
		remaining := uint64(len(data) - i)
		want += (remaining << 32) | uint64(b)
	}
	require.Equal(t, want, got)
}

// noopIOC is a minimal interfaces.IOContext for tests against MemDevice,
// which ignores its contents.
type noopIOC struct{}

func (n *noopIOC) ID() int { return 0 }
