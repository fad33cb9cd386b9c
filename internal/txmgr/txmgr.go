// Package txmgr CAS-places TxBegin/TxCommit entries into the linked
// tx-log stream and lets callers iterate it in commit order. The tail is
// a best-effort hint: placement always scans forward from the hint,
// attempting a zero-to-entry CAS at each slot and advancing past
// losses, so multiple goroutines can append concurrently without any
// single lock serializing them.
package txmgr

import (
	"fmt"
	"sync/atomic"

	"github.com/ulayfs/ulayfs-go/internal/alloc"
	"github.com/ulayfs/ulayfs-go/internal/block"
	"github.com/ulayfs/ulayfs-go/internal/memtable"
)

// ErrCASRetryExhausted is returned by placement when MaxCASRetries
// forward slots were all lost to other goroutines, so the caller can
// decide whether to back off rather than spin indefinitely.
var ErrCASRetryExhausted = fmt.Errorf("txmgr: exhausted CAS retries finding an empty slot")

// MaxCASRetries bounds how many slots a single placement attempt will
// scan before giving up.
const MaxCASRetries = 4096

// BlockResolver materializes a logical block index into its bytes.
type BlockResolver interface {
	GetAddr(idx block.LogicalBlockIdx) ([]byte, error)
}

// TxCursor addresses one tx-entry slot: BlockIdx == 0 means the meta
// block's inline region, any other value a tx-log block.
type TxCursor struct {
	BlockIdx block.LogicalBlockIdx
	LocalIdx int
}

// TxMgr owns tx-entry placement and iteration for one goroutine's file
// handle. Several TxMgrs over the same file race safely via CAS.
type TxMgr struct {
	meta *block.MetaBlock
	mt   BlockResolver
	al   *alloc.Allocator

	tail TxCursor // local hint, not authoritative
}

// New constructs a TxMgr. al is used only to grow the tx-log chain when
// the inline region and all existing blocks are full.
func New(meta *block.MetaBlock, mt BlockResolver, al *alloc.Allocator) *TxMgr {
	return &TxMgr{meta: meta, mt: mt, al: al}
}

func arenaSize(blockIdx block.LogicalBlockIdx) int {
	if blockIdx == 0 {
		return block.NumInlineTxEntries
	}
	return block.NumTxEntriesPerBlock
}

func (tm *TxMgr) entrySlot(c TxCursor) (*uint64, error) {
	if c.BlockIdx == 0 {
		return tm.meta.InlineTxEntrySlot(c.LocalIdx), nil
	}
	addr, err := tm.mt.GetAddr(c.BlockIdx)
	if err != nil {
		return nil, err
	}
	return block.AsTxLog(addr).EntrySlot(c.LocalIdx), nil
}

// GetEntryFromBlock returns the entry at cursor; IsValid reports
// whether it has been committed to yet.
func (tm *TxMgr) GetEntryFromBlock(c TxCursor) (block.TxEntry, error) {
	slot, err := tm.entrySlot(c)
	if err != nil {
		return 0, err
	}
	return block.TxEntry(atomic.LoadUint64(slot)), nil
}

// handleIdxOverflow advances c past the end of its current arena,
// allocating a fresh tx-log block if doAlloc is set and none exists
// yet. ok is false only when the arena is exhausted,
// there's no next block, and doAlloc is false.
func (tm *TxMgr) handleIdxOverflow(c TxCursor, doAlloc bool) (TxCursor, bool, error) {
	if c.LocalIdx < arenaSize(c.BlockIdx) {
		return c, true, nil
	}

	next, err := tm.nextOf(c.BlockIdx)
	if err != nil {
		return TxCursor{}, false, err
	}
	if next != 0 {
		return TxCursor{BlockIdx: next, LocalIdx: 0}, true, nil
	}
	if !doAlloc {
		return c, false, nil
	}

	newIdx, err := tm.al.Alloc(1)
	if err != nil {
		return TxCursor{}, false, err
	}
	newAddr, err := tm.mt.GetAddr(newIdx)
	if err != nil {
		return TxCursor{}, false, err
	}
	block.FormatTxLogBlock(newAddr, c.BlockIdx)
	if err := memtable.PersistRange(newAddr); err != nil {
		return TxCursor{}, false, err
	}

	if tm.casLinkNext(c.BlockIdx, newIdx) {
		return TxCursor{BlockIdx: newIdx, LocalIdx: 0}, true, nil
	}
	// Lost the race: another goroutine already linked a block. Free
	// ours back to the local cache and follow the winner.
	tm.al.Free(newIdx, 1)
	winner, err := tm.nextOf(c.BlockIdx)
	if err != nil {
		return TxCursor{}, false, err
	}
	return TxCursor{BlockIdx: winner, LocalIdx: 0}, true, nil
}

func (tm *TxMgr) nextOf(blockIdx block.LogicalBlockIdx) (block.LogicalBlockIdx, error) {
	if blockIdx == 0 {
		return tm.meta.LogHead(), nil
	}
	addr, err := tm.mt.GetAddr(blockIdx)
	if err != nil {
		return 0, err
	}
	return block.AsTxLog(addr).Next(), nil
}

func (tm *TxMgr) casLinkNext(blockIdx, next block.LogicalBlockIdx) bool {
	if blockIdx == 0 {
		return tm.meta.CASLogHead(0, next)
	}
	addr, err := tm.mt.GetAddr(blockIdx)
	if err != nil {
		return false
	}
	return block.AsTxLog(addr).TryLinkNext(next)
}

// place scans forward from start, CASing entry into the first empty
// slot it finds, allocating new tx-log blocks as needed. It returns the
// cursor of the slot the entry landed in.
func (tm *TxMgr) place(start TxCursor, entry block.TxEntry) (TxCursor, error) {
	c := start
	for i := 0; i < MaxCASRetries; i++ {
		next, ok, err := tm.handleIdxOverflow(c, true)
		if err != nil {
			return TxCursor{}, err
		}
		if !ok {
			return TxCursor{}, ErrCASRetryExhausted
		}
		c = next

		slot, err := tm.entrySlot(c)
		if err != nil {
			return TxCursor{}, err
		}
		if atomic.CompareAndSwapUint64(slot, 0, uint64(entry)) {
			if err := memtable.PersistWord(slot); err != nil {
				return TxCursor{}, err
			}
			tm.tail = TxCursor{BlockIdx: c.BlockIdx, LocalIdx: c.LocalIdx + 1}
			return c, nil
		}
		c.LocalIdx++
	}
	return TxCursor{}, ErrCASRetryExhausted
}

// BeginTx CAS-places a TxBegin entry at the tail, returning its cursor.
func (tm *TxMgr) BeginTx(virtualStart block.VirtualBlockIdx, numBlocks uint32) (TxCursor, error) {
	return tm.place(tm.tail, block.MkTxBeginEntry(virtualStart, numBlocks))
}

// CommitTx CAS-places a TxCommitIndirect entry referencing logEntry,
// hinting back at beginCursor for faster begin/commit pairing.
func (tm *TxMgr) CommitTx(beginCursor TxCursor, logEntry block.LogEntryIdx) (TxCursor, error) {
	hint := uint32(beginCursor.LocalIdx)
	return tm.place(tm.tail, block.MkTxCommitIndirectEntry(logEntry, hint))
}

// CommitInline CAS-places a TxCommitInline entry describing a write
// that fit entirely in one contiguous run, with no log entry needed.
func (tm *TxMgr) CommitInline(virtualStart block.VirtualBlockIdx, numBlocks uint32, logicalStart block.LogicalBlockIdx) (TxCursor, error) {
	return tm.place(tm.tail, block.MkTxCommitInlineEntry(virtualStart, numBlocks, logicalStart))
}

// Next advances c by one slot, following overflow links but never
// allocating (do_alloc=false): used by readers iterating the committed
// stream, who must stop rather than create new blocks.
func (tm *TxMgr) Next(c TxCursor) (TxCursor, bool, error) {
	return tm.Advance(c, false)
}

// Resolve boundary-checks c without consuming a slot: if c.LocalIdx has
// reached its arena's end it follows (or, when doAlloc, allocates) the
// next block the same way Advance does, but otherwise returns c
// unchanged. Callers use this to find out whether the exact slot c
// names (post any necessary block hop) already holds an entry, without
// skipping past it the way Advance's unconditional LocalIdx++ would.
func (tm *TxMgr) Resolve(c TxCursor, doAlloc bool) (TxCursor, bool, error) {
	return tm.handleIdxOverflow(c, doAlloc)
}

// Advance moves c to the next slot, following overflow links and, if
// doAlloc is set, allocating a new tx-log block when the chain ends.
// blktable.Table's Update passes its own doAlloc through (the writer,
// which already holds the meta lock); NeedUpdate never calls Advance,
// only Resolve.
func (tm *TxMgr) Advance(c TxCursor, doAlloc bool) (TxCursor, bool, error) {
	c.LocalIdx++
	return tm.handleIdxOverflow(c, doAlloc)
}
