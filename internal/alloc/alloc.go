// Package alloc implements the per-goroutine allocator facade over the
// shared lock-free bitmap. Each goroutine that opens a file owns its own
// *Allocator; the bitmap itself is the only state shared across
// goroutines/processes, and all cross-goroutine contention on it is
// resolved by CAS.
package alloc

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/ulayfs/ulayfs-go/internal/block"
	"github.com/ulayfs/ulayfs-go/internal/util"
)

// ErrNoSpace is returned when neither the local free list nor the
// shared bitmap can satisfy a request.
var ErrNoSpace = fmt.Errorf("alloc: no space")

// BitmapSource exposes the flat, word-addressed bit space backing the
// allocator: inline words in the meta block followed by words in
// overflow bitmap blocks. Word wordIdx covers logical block indices
// [wordIdx*64, wordIdx*64+64).
type BitmapSource interface {
	Word(wordIdx uint64) (*uint64, error)
	NumWords() uint64
}

type run struct {
	start block.LogicalBlockIdx
	size  uint32
}

// maxFreeListRuns bounds the per-goroutine free list; once exceeded,
// the largest cached run is drained back to the shared bitmap to make
// room, keeping goroutines from hoarding blocks indefinitely.
const maxFreeListRuns = 64

// Allocator is the per-goroutine allocation facade. It is not safe for
// concurrent use by multiple goroutines; each goroutine must have its
// own.
type Allocator struct {
	bm   BitmapSource
	hint uint64 // next bitmap word to probe

	// freeList is sorted ascending by size so the smallest run that
	// still satisfies a request can be picked with a single scan.
	freeList []run
}

// New constructs an Allocator over the given bitmap source, starting
// its search hint at word 0.
func New(bm BitmapSource) *Allocator {
	return &Allocator{bm: bm}
}

// Alloc returns numBlocks contiguous logical blocks, in [1, block.MaxAllocBlocks].
func (a *Allocator) Alloc(numBlocks uint32) (block.LogicalBlockIdx, error) {
	if numBlocks == 0 || numBlocks > block.MaxAllocBlocks {
		panic("alloc: numBlocks out of range")
	}
	if idx, ok := a.popFreeList(numBlocks); ok {
		return idx, nil
	}
	if idx, ok, err := a.allocBatch(numBlocks); err != nil {
		return 0, err
	} else if ok {
		return idx, nil
	}
	if numBlocks == 1 {
		if idx, ok, err := a.allocSingleBit(); err != nil {
			return 0, err
		} else if ok {
			return idx, nil
		}
	}
	return 0, ErrNoSpace
}

// popFreeList returns the smallest cached run that covers numBlocks,
// splitting off and returning any remainder to the list.
func (a *Allocator) popFreeList(numBlocks uint32) (block.LogicalBlockIdx, bool) {
	for i, r := range a.freeList {
		if r.size < numBlocks {
			continue
		}
		a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
		if rem := r.size - numBlocks; rem > 0 {
			a.pushFreeList(run{start: r.start + block.LogicalBlockIdx(numBlocks), size: rem})
		}
		return r.start, true
	}
	return 0, false
}

func (a *Allocator) pushFreeList(r run) {
	i := sort.Search(len(a.freeList), func(i int) bool { return a.freeList[i].size >= r.size })
	a.freeList = append(a.freeList, run{})
	copy(a.freeList[i+1:], a.freeList[i:])
	a.freeList[i] = r
	if len(a.freeList) > maxFreeListRuns {
		a.drainLargest()
	}
}

// allocBatch scans words starting from the hint for one that is
// entirely free, CASing it 0 -> all-ones to claim all 64 blocks at
// once.
func (a *Allocator) allocBatch(numBlocks uint32) (block.LogicalBlockIdx, bool, error) {
	n := a.bm.NumWords()
	for i := uint64(0); i < n; i++ {
		wordIdx := (a.hint + i) % n
		word, err := a.bm.Word(wordIdx)
		if err != nil {
			return 0, false, err
		}
		if block.TryAllocBatch(word) {
			a.hint = (wordIdx + 1) % n
			base := block.LogicalBlockIdx(wordIdx * 64)
			if rem := 64 - numBlocks; rem > 0 {
				a.pushFreeList(run{start: base + block.LogicalBlockIdx(numBlocks), size: rem})
			}
			util.DPrintf(10, "alloc: batch claimed word %d for %d blocks", wordIdx, numBlocks)
			return base, true, nil
		}
	}
	return 0, false, nil
}

// allocSingleBit services a 1-block request by CASing the lowest zero
// bit of some non-full word, used once no word is entirely free.
func (a *Allocator) allocSingleBit() (block.LogicalBlockIdx, bool, error) {
	n := a.bm.NumWords()
	for i := uint64(0); i < n; i++ {
		wordIdx := (a.hint + i) % n
		word, err := a.bm.Word(wordIdx)
		if err != nil {
			return 0, false, err
		}
		for {
			if bit, ok := block.TryAllocBit(word); ok {
				a.hint = wordIdx
				return block.LogicalBlockIdx(wordIdx*64 + uint64(bit)), true, nil
			}
			// TryAllocBit makes a single CAS attempt; retry this word
			// until it is observed full.
			if atomic.LoadUint64(word) == ^uint64(0) {
				break
			}
		}
	}
	return 0, false, nil
}

// Free returns a run to the local free list. Cached capacity stays
// invisible to other goroutines until DrainToBitmap is called, or until
// the list exceeds maxFreeListRuns and its largest run is cleared back
// into the shared bitmap.
func (a *Allocator) Free(idx block.LogicalBlockIdx, numBlocks uint32) {
	a.pushFreeList(run{start: idx, size: numBlocks})
}

// drainLargest evicts and returns to the bitmap the single largest
// cached run, used to keep the free list bounded.
func (a *Allocator) drainLargest() {
	if len(a.freeList) == 0 {
		return
	}
	last := len(a.freeList) - 1
	r := a.freeList[last]
	a.freeList = a.freeList[:last]
	a.clearBits(r)
}

// DrainToBitmap returns every run currently cached in the local free
// list back to the shared bitmap, clearing their bits. Callers use
// this when a goroutine is done with a file (e.g. on Close) so its
// unused reservation doesn't stay invisible to other goroutines/the GC
// until the whole process exits.
func (a *Allocator) DrainToBitmap() error {
	for _, r := range a.freeList {
		if err := a.clearBitsErr(r); err != nil {
			return err
		}
	}
	a.freeList = nil
	return nil
}

func (a *Allocator) clearBits(r run) {
	_ = a.clearBitsErr(r)
}

func (a *Allocator) clearBitsErr(r run) error {
	for off := uint32(0); off < r.size; off++ {
		idx := uint64(r.start) + uint64(off)
		word, err := a.bm.Word(idx / 64)
		if err != nil {
			return err
		}
		block.FreeBit(word, int(idx%64))
	}
	return nil
}
