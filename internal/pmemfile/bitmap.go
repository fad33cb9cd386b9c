package pmemfile

import (
	"fmt"
	"sync/atomic"

	"github.com/ulayfs/ulayfs-go/internal/alloc"
	"github.com/ulayfs/ulayfs-go/internal/block"
	"github.com/ulayfs/ulayfs-go/internal/memtable"
)

// metaBitmap is the alloc.BitmapSource over one file's allocation
// bitmap: the inline words carried in the meta block, followed by the
// words in however many overflow bitmap blocks the meta block's
// numBitmapBlocks currently claims. Bitmap blocks start at logical
// block 1 and run contiguously.
type metaBitmap struct {
	meta *block.MetaBlock
	mt   *memtable.MemTable
}

var _ alloc.BitmapSource = (*metaBitmap)(nil)

func (b *metaBitmap) NumWords() uint64 {
	return uint64(block.NumInlineBitmapWords) + uint64(b.meta.NumBitmapBlocks())*uint64(block.NumBitmapWordsPerBlock)
}

func (b *metaBitmap) Word(wordIdx uint64) (*uint64, error) {
	if wordIdx < uint64(block.NumInlineBitmapWords) {
		return b.meta.InlineBitmapWord(int(wordIdx)), nil
	}
	rest := wordIdx - uint64(block.NumInlineBitmapWords)
	blockOff := rest / uint64(block.NumBitmapWordsPerBlock)
	wordOff := rest % uint64(block.NumBitmapWordsPerBlock)
	blockIdx := block.LogicalBlockIdx(1 + blockOff)
	addr, err := b.mt.GetAddr(blockIdx)
	if err != nil {
		return nil, fmt.Errorf("pmemfile: bitmap block %d: %w", blockIdx, err)
	}
	return &block.AsBitmap(addr).Words[wordOff], nil
}

// MarkAllocated implements blktable.Bitmap, used to replay already
// committed writes into the bitmap on first open so the allocator
// doesn't hand out blocks a prior process already claimed.
func (b *metaBitmap) MarkAllocated(idx block.LogicalBlockIdx, numBlocks uint32) {
	for off := uint32(0); off < numBlocks; off++ {
		i := uint64(idx) + uint64(off)
		word, err := b.Word(i / 64)
		if err != nil {
			// The bitmap region is sized from meta.numBitmapBlocks, which
			// grows monotonically with the file; a replayed commit
			// referencing a block past it means the on-PMEM layout is
			// corrupt rather than something to recover from here.
			panic(fmt.Sprintf("pmemfile: MarkAllocated: %v", err))
		}
		bit := uint(i % 64)
		for {
			old := atomic.LoadUint64(word)
			if old&(uint64(1)<<bit) != 0 {
				break
			}
			if atomic.CompareAndSwapUint64(word, old, old|(uint64(1)<<bit)) {
				break
			}
		}
	}
}
