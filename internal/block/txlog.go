package block

import (
	"sync/atomic"
)

// TxLogBlock is a doubly-linked arena of tx entries. prev/next are
// logical block indices (0 meaning "none"); the tx manager follows next
// when the current block's entries are exhausted.
type TxLogBlock struct {
	prev, next uint32
	Entries    [NumTxEntriesPerBlock]uint64
}

// FormatTxLogBlock zeroes a freshly allocated tx-log block and sets its
// prev pointer (its next starts at 0, meaning "none yet"); callers
// persist the block's bytes before publishing it via a next-CAS.
func FormatTxLogBlock(blk []byte, prev LogicalBlockIdx) {
	tl := AsTxLog(blk)
	*tl = TxLogBlock{prev: prev}
}

func (tl *TxLogBlock) Prev() LogicalBlockIdx { return atomic.LoadUint32(&tl.prev) }

func (tl *TxLogBlock) Next() LogicalBlockIdx { return atomic.LoadUint32(&tl.next) }

// TryLinkNext CAS-links this block to next, succeeding only if no other
// thread has already linked it.
func (tl *TxLogBlock) TryLinkNext(next LogicalBlockIdx) bool {
	return atomic.CompareAndSwapUint32(&tl.next, 0, next)
}

// EntrySlot returns the address of the tx entry at local index i, for
// CAS placement.
func (tl *TxLogBlock) EntrySlot(i int) *uint64 { return &tl.Entries[i] }
