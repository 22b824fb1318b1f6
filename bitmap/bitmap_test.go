package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBitmap() *Bitmap {
	// 4 words = 256 data pages, no FD reservation inside the data range.
	return New(1000, 4, 4)
}

func TestAllocSmallLowEnd(t *testing.T) {
	b := newTestBitmap()
	pid, err := b.Alloc(10)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), pid)
	require.True(t, b.Check(1000, 10))
	require.False(t, b.Check(1010, 1))
}

func TestAllocSmallInternalGap(t *testing.T) {
	b := newTestBitmap()
	// occupy [1000,1010) then free [1003,1008) to open a hole between used
	// pages; the word's low end stays used, forcing a gap search on a
	// later alloc.
	_, err := b.Alloc(10)
	require.NoError(t, err)
	b.Free(1003, 5)

	pid, err := b.Alloc(3)
	require.NoError(t, err)
	require.Equal(t, uint64(1003), pid)
}

func TestAllocLargeSpansWords(t *testing.T) {
	b := newTestBitmap()
	pid, err := b.Alloc(70)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), pid)
	require.True(t, b.Check(1000, 70))
}

func TestFreeThenReallocReusesLowestAddress(t *testing.T) {
	b := newTestBitmap()
	a, err := b.Alloc(5)
	require.NoError(t, err)
	c, err := b.Alloc(5)
	require.NoError(t, err)
	b.Free(a, 5)

	d, err := b.Alloc(5)
	require.NoError(t, err)
	require.Equal(t, a, d)
	require.NotEqual(t, c, d)
}

func TestOutOfSpace(t *testing.T) {
	b := newTestBitmap()
	_, err := b.Alloc(257)
	require.Error(t, err)
}

func TestFreeUnsetBitIsFatal(t *testing.T) {
	b := newTestBitmap()
	require.Panics(t, func() {
		b.Free(1000, 1)
	})
}

func TestPopCountTracksUsage(t *testing.T) {
	b := newTestBitmap()
	require.Equal(t, uint64(0), b.PopCount())
	_, err := b.Alloc(20)
	require.NoError(t, err)
	require.Equal(t, uint64(20), b.PopCount())
}
