// Package bitmap implements the UNFS page allocator: a free bitmap with
// one bit per data page, a monotonic search hint, and dirty-range
// tracking so only touched bitmap pages are flushed (spec §4.1).
//
// Bit order is MSB-first within each 64-bit word: bit 63 of word w maps
// to data page `dataPage + w*64 + 0`, bit 0 maps to `dataPage + w*64 +
// 63`. This is part of the on-disk wire format (spec §6) and must be
// preserved by any reimplementation that reads existing images.
package bitmap

import (
	"github.com/deyohong/UNFS/unfserr"
)

const (
	bitsPerWord  = 64
	pageSize     = 4096
	wordsPerPage = pageSize / 8 // 512 64-bit words per bitmap page
)

// pageRange is an inclusive [Low, High] page-address dirty range. A
// cleared range has Low > High.
type pageRange struct {
	Low, High uint64
	dirty     bool
}

func (r *pageRange) mark(low, high uint64) {
	if !r.dirty {
		r.Low, r.High = low, high
		r.dirty = true
		return
	}
	if low < r.Low {
		r.Low = low
	}
	if high > r.High {
		r.High = high
	}
}

// Bitmap is the page bitmap allocator. DataPage is the first page address
// the bitmap tracks; Words is a dense array of 64-bit words, MSB-first as
// described above.
type Bitmap struct {
	DataPage uint64
	Words    []uint64

	// mapNext is the first word index that may contain a zero bit
	// (monotonic hint, never needs to decrease except on Free).
	mapNext uint64

	// dataWordLimit bounds words usable for data-page allocation,
	// excluding words reserved for FD-area growth (spec invariant 4: the
	// FD area is contiguous from fdNextPage+FILE_SLOT_PAGES up to the
	// top of the device, and that range's pages are never data pages).
	dataWordLimit uint64

	dataDirty pageRange
	fdDirty   pageRange
}

// New creates a Bitmap over wordCount words tracking pages starting at
// dataPage. dataWordLimit is the word index (exclusive) beyond which bits
// belong to the FD-area guard range, not to data-page allocation.
func New(dataPage uint64, wordCount uint64, dataWordLimit uint64) *Bitmap {
	return &Bitmap{
		DataPage:      dataPage,
		Words:         make([]uint64, wordCount),
		dataWordLimit: dataWordLimit,
	}
}

// Load wraps an existing words slice (e.g. read back from disk at mount
// time) instead of allocating a fresh zeroed one.
func Load(dataPage uint64, words []uint64, dataWordLimit uint64) *Bitmap {
	b := New(dataPage, uint64(len(words)), dataWordLimit)
	copy(b.Words, words)
	b.rehint()
	return b
}

func (b *Bitmap) rehint() {
	var i uint64
	for i = 0; i < uint64(len(b.Words)) && b.Words[i] == ^uint64(0); i++ {
	}
	b.mapNext = i
}

func bitMask(offsetInWord int) uint64 {
	return uint64(1) << uint(63-offsetInWord)
}

func (b *Bitmap) testBit(wordIdx uint64, offsetInWord int) bool {
	return b.Words[wordIdx]&bitMask(offsetInWord) != 0
}

func (b *Bitmap) setBit(wordIdx uint64, offsetInWord int) {
	b.Words[wordIdx] |= bitMask(offsetInWord)
}

func (b *Bitmap) clearBit(wordIdx uint64, offsetInWord int) {
	b.Words[wordIdx] &^= bitMask(offsetInWord)
}

// pageToWord splits a data page address into a (word index, offset)
// pair.
func (b *Bitmap) pageToWord(pageid uint64) (wordIdx uint64, offset int) {
	p := pageid - b.DataPage
	return p / bitsPerWord, int(p % bitsPerWord)
}

func (b *Bitmap) wordToPage(wordIdx uint64, offset int) uint64 {
	return b.DataPage + wordIdx*bitsPerWord + uint64(offset)
}

// Alloc returns a contiguous run of n data pages, marking them used, or
// unfserr.OutOfSpace if no run satisfies the request.
func (b *Bitmap) Alloc(n uint32) (uint64, error) {
	if n == 0 {
		return 0, unfserr.New(unfserr.InvalidArgument, "alloc: zero page count")
	}
	var pageid uint64
	var found bool
	if n < 64 {
		pageid, found = b.allocSmall(int(n))
	} else {
		pageid, found = b.allocLarge(n)
	}
	if !found {
		return 0, unfserr.New(unfserr.OutOfSpace, "no run of %d free pages", n)
	}
	b.UseAt(pageid, n)
	return pageid, nil
}

// allocSmall implements the n<64 policy: from mapNext onward, prefer the
// low-end trailing-zero run of a word, else the first internal gap of
// sufficient length. Cross-word spans are not attempted.
func (b *Bitmap) allocSmall(n int) (uint64, bool) {
	for i := b.mapNext; i < b.dataWordLimit; i++ {
		w := b.Words[i]
		if w == 0 {
			return b.wordToPage(i, 0), true
		}
		// 1. low-end run starting at offset 0 (MSB side).
		run := leadingFreeRun(w)
		if run >= n {
			return b.wordToPage(i, 0), true
		}
		// 2. first internal zero gap of length >= n, first fit.
		if off, ok := firstGap(w, n); ok {
			return b.wordToPage(i, off), true
		}
	}
	return 0, false
}

// leadingFreeRun returns the number of consecutive free (zero) bits
// starting at page offset 0 of the word (the MSB side).
func leadingFreeRun(w uint64) int {
	n := 0
	for i := 0; i < 64; i++ {
		if w&bitMask(i) != 0 {
			break
		}
		n++
	}
	return n
}

// firstGap finds the lowest-offset run of n consecutive zero bits inside
// w, scanning in page-address order (offset 0 = MSB).
func firstGap(w uint64, n int) (int, bool) {
	run := 0
	for i := 0; i <= 64; i++ {
		free := i < 64 && w&bitMask(i) == 0
		if free {
			run++
			if run >= n {
				return i - run + 1, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// allocLarge implements the n>=64 policy: scan for ceil(n/64) consecutive
// fully-zero words.
func (b *Bitmap) allocLarge(n uint32) (uint64, bool) {
	need := (uint64(n) + bitsPerWord - 1) / bitsPerWord
	var run uint64
	var start uint64
	for i := b.mapNext; i < b.dataWordLimit; i++ {
		if b.Words[i] == 0 {
			if run == 0 {
				start = i
			}
			run++
			if run >= need {
				return b.wordToPage(start, 0), true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// UseAt marks n pages starting at pageid as used, without searching —
// used both by Alloc and by the FD allocator reserving a slot at an
// exact address (spec §4.2).
func (b *Bitmap) UseAt(pageid uint64, n uint32) {
	wordIdx, offset := b.pageToWord(pageid)
	remaining := int(n)
	for remaining > 0 {
		if b.testBit(wordIdx, offset) {
			unfserr.Fatal("bitmap: page %d already marked used", b.wordToPage(wordIdx, offset))
		}
		b.setBit(wordIdx, offset)
		remaining--
		offset++
		if offset == 64 {
			offset = 0
			wordIdx++
		}
	}
	b.advanceHint()
	b.markDirty(pageid, pageid+uint64(n)-1)
}

// Free clears n pages starting at pageid. It is FATAL if any targeted bit
// is not already set, asserting invariant 3.
func (b *Bitmap) Free(pageid uint64, n uint32) {
	wordIdx, offset := b.pageToWord(pageid)
	remaining := int(n)
	for remaining > 0 {
		if !b.testBit(wordIdx, offset) {
			unfserr.Fatal("bitmap: page %d already free", b.wordToPage(wordIdx, offset))
		}
		b.clearBit(wordIdx, offset)
		remaining--
		offset++
		if offset == 64 {
			offset = 0
			wordIdx++
		}
	}
	startWord, _ := b.pageToWord(pageid)
	if startWord < b.mapNext {
		b.mapNext = startWord
	}
	b.markDirty(pageid, pageid+uint64(n)-1)
}

// Check reports whether every page in [pageid, pageid+n) is marked used.
func (b *Bitmap) Check(pageid uint64, n uint32) bool {
	if pageid < b.DataPage {
		return false
	}
	wordIdx, offset := b.pageToWord(pageid)
	if wordIdx >= uint64(len(b.Words)) {
		return false
	}
	remaining := int(n)
	for remaining > 0 {
		if wordIdx >= uint64(len(b.Words)) || !b.testBit(wordIdx, offset) {
			return false
		}
		remaining--
		offset++
		if offset == 64 {
			offset = 0
			wordIdx++
		}
	}
	return true
}

func (b *Bitmap) advanceHint() {
	for b.mapNext < uint64(len(b.Words)) && b.Words[b.mapNext] == ^uint64(0) {
		b.mapNext++
	}
}

// markDirty records [low, high] as dirty in whichever of the two
// dirty-range pairs it belongs to — the FD area (above dataWordLimit's
// page boundary) or the data area.
func (b *Bitmap) markDirty(low, high uint64) {
	fdBoundary := b.wordToPage(b.dataWordLimit, 0)
	if low >= fdBoundary {
		b.fdDirty.mark(low, high)
	} else if high < fdBoundary {
		b.dataDirty.mark(low, high)
	} else {
		b.dataDirty.mark(low, fdBoundary-1)
		b.fdDirty.mark(fdBoundary, high)
	}
}

// PopCount returns the total number of set bits (used pages).
func (b *Bitmap) PopCount() uint64 {
	var n uint64
	for _, w := range b.Words {
		n += popcount64(w)
	}
	return n
}

func popcount64(w uint64) uint64 {
	var n uint64
	for w != 0 {
		n += w & 1
		w >>= 1
	}
	return n
}

// DirtyBitmapPages translates the data and FD dirty page-ranges into
// bitmap-page index ranges [low, high] (inclusive, relative to the first
// bitmap page) for batched flushing, and clears the dirty flags. A
// returned range has ok=false if nothing was dirty.
func (b *Bitmap) DirtyBitmapPages() (data, fd struct {
	Low, High uint64
	Ok        bool
}) {
	if b.dataDirty.dirty {
		lw, _ := b.pageToWord(b.dataDirty.Low)
		hw, _ := b.pageToWord(b.dataDirty.High)
		data.Low, data.High, data.Ok = lw/wordsPerPage, hw/wordsPerPage, true
		b.dataDirty = pageRange{}
	}
	if b.fdDirty.dirty {
		lw, _ := b.pageToWord(b.fdDirty.Low)
		hw, _ := b.pageToWord(b.fdDirty.High)
		fd.Low, fd.High, fd.Ok = lw/wordsPerPage, hw/wordsPerPage, true
		b.fdDirty = pageRange{}
	}
	return
}

// WordsPerPage exposes the bitmap-page granularity used by
// DirtyBitmapPages so callers can translate a bitmap-page index back
// into a word-index range for I/O.
func WordsPerPage() uint64 { return wordsPerPage }

// SetDataWordLimit moves the boundary between data-eligible words and the
// FD-area guard range. The FD slot allocator's FDNextPage recedes as
// slots are carved and advances as the FD area shrinks back; the caller
// (the core filesystem) recomputes and reinstalls this boundary after
// every FD allocator mutation so Alloc/allocLarge never hand out a page
// that the FD area still owns.
func (b *Bitmap) SetDataWordLimit(n uint64) {
	b.dataWordLimit = n
	if b.mapNext > n {
		b.mapNext = n
	}
}

// DataWordLimitFor computes the word index boundary corresponding to the
// lowest currently-allocated FD slot address, for SetDataWordLimit.
func (b *Bitmap) DataWordLimitFor(fdLowestSlot uint64) uint64 {
	if fdLowestSlot <= b.DataPage {
		return 0
	}
	return (fdLowestSlot - b.DataPage) / bitsPerWord
}
