package fdtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deyohong/UNFS/bitmap"
)

// newTestAllocator builds a bitmap large enough to cover a small device's
// worth of FD slots (addresses 900..999) plus a little data headroom, and
// an Allocator whose first carve is the topmost slot, 998.
func newTestAllocator(delMax uint32) (*bitmap.Bitmap, *Allocator) {
	bm := bitmap.New(900, 2, 0) // 2 words = 128 pages, no data-eligible range
	a := New(bm, 998, delMax)
	return bm, a
}

func TestAllocateCarvesDownwardFromTop(t *testing.T) {
	_, a := newTestAllocator(4)
	root, err := a.Allocate(true)
	require.NoError(t, err)
	require.Equal(t, uint64(998), root)

	second, err := a.Allocate(false)
	require.NoError(t, err)
	require.Equal(t, uint64(996), second)

	require.EqualValues(t, 2, a.FDCount)
	require.EqualValues(t, 1, a.DirCount)
}

func TestFreePushesToDeletionStackWhenRoom(t *testing.T) {
	bm, a := newTestAllocator(4)
	p, _ := a.Allocate(false)
	require.True(t, bm.Check(p, FileSlotPages))

	res := a.Free(p, false)
	require.Nil(t, res.Relocation)
	require.Len(t, a.DelStack, 1)
	// bits remain set while the slot is held on the deletion stack.
	require.True(t, bm.Check(p, FileSlotPages))
}

func TestAllocateReusesDeletionStackSlot(t *testing.T) {
	_, a := newTestAllocator(4)
	p, _ := a.Allocate(false)
	a.Free(p, false)

	reused, err := a.Allocate(false)
	require.NoError(t, err)
	require.Equal(t, p, reused)
	require.Empty(t, a.DelStack)
}

func TestFreeBottommostSlotWhenStackFullNeedsNoRelocation(t *testing.T) {
	_, a := newTestAllocator(0) // delMax 0: every free takes the shrink path
	root, _ := a.Allocate(true) // 998
	second, _ := a.Allocate(false)
	_ = root

	// second (996) is the lowest-address allocated slot.
	res := a.Free(second, false)
	require.Nil(t, res.Relocation)
	require.Equal(t, uint64(996), a.FDNextPage)
}

func TestFreeNonBottommostSlotWhenStackFullSignalsRelocation(t *testing.T) {
	_, a := newTestAllocator(0)
	root, _ := a.Allocate(true)   // 998, highest-address slot
	_, _ = a.Allocate(false)      // 996, lowest-address slot

	res := a.Free(root, true)
	require.NotNil(t, res.Relocation)
	require.Equal(t, uint64(996), res.Relocation.From)
	require.Equal(t, uint64(998), res.Relocation.To)
	require.Equal(t, uint64(996), a.FDNextPage)
}

func TestFreeDropsStackedLowestSlotWithoutRelocation(t *testing.T) {
	_, a := newTestAllocator(1)
	root, _ := a.Allocate(true)  // 998
	second, _ := a.Allocate(false) // 996
	third, _ := a.Allocate(false)  // 994

	// Free the lowest slot first: with room on the stack (delMax 1) it is
	// pushed, not bitmap-cleared, and fd_next_page does not move yet.
	res := a.Free(third, false)
	require.Nil(t, res.Relocation)
	require.Equal(t, uint64(992), a.FDNextPage)
	require.Equal(t, []uint64{third}, a.DelStack)

	// Now the stack is full (len 1 == delMax 1); freeing another slot must
	// shrink the FD area past fd_next_page+2, which is `third` — itself
	// only a stacked hole, not a live entry, so it is dropped rather than
	// relocated.
	res = a.Free(second, false)
	require.Nil(t, res.Relocation)
	require.Empty(t, a.DelStack)
	require.Equal(t, uint64(994), a.FDNextPage)
	_ = root
}

func TestValidateDetectsInconsistentHeader(t *testing.T) {
	_, a := newTestAllocator(4)
	a.Allocate(false)
	require.NoError(t, a.Validate(1000))

	a.FDCount = 99
	require.Error(t, a.Validate(1000))
}

func TestIsDeleted(t *testing.T) {
	_, a := newTestAllocator(4)
	p, _ := a.Allocate(false)
	require.False(t, a.IsDeleted(p))
	a.Free(p, false)
	require.True(t, a.IsDeleted(p))
}
