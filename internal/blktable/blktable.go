// Package blktable maintains the volatile, per-open-file reconstruction
// of the virtual-to-logical block mapping by replaying the committed tx
// stream. It is DRAM-only: nothing here is persisted,
// and it is rebuilt from scratch (or incrementally caught up) every
// time a goroutine opens the file.
package blktable

import (
	"sync"
	"sync/atomic"

	"github.com/ulayfs/ulayfs-go/internal/block"
	"github.com/ulayfs/ulayfs-go/internal/txmgr"
)

// LogEntryReader fetches the log entry referenced by a TxCommitIndirect
// entry, resolving the block and local index into the actual record.
type LogEntryReader interface {
	GetLogEntry(idx block.LogEntryIdx) (block.LogEntry, error)
}

// Bitmap gives InitBitmap a way to mark recovered blocks allocated.
type Bitmap interface {
	MarkAllocated(idx block.LogicalBlockIdx, numBlocks uint32)
}

// Table is the per-goroutine volatile block table. The published pair
// (cursor, fileSize) is safe to read from other goroutines via
// NeedUpdate; Update itself is single-writer, and callers must hold the
// file's meta lock across it.
type Table struct {
	tm  *txmgr.TxMgr
	log LogEntryReader

	mu    sync.RWMutex // guards table's slice identity/contents
	table []block.LogicalBlockIdx

	cursor   atomic.Value // txmgr.TxCursor
	fileSize atomic.Uint64
}

// New constructs an empty Table over tm, whose committed tx stream it
// will replay, and log, which resolves indirect commits' log entries.
func New(tm *txmgr.TxMgr, log LogEntryReader) *Table {
	t := &Table{tm: tm, log: log, table: make([]block.LogicalBlockIdx, 16)}
	t.cursor.Store(txmgr.TxCursor{})
	return t
}

// Get returns the logical block backing virtualIdx, or
// block.NullLogicalBlockIdx if it has not been allocated yet.
func (t *Table) Get(virtualIdx block.VirtualBlockIdx) block.LogicalBlockIdx {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if uint64(virtualIdx) >= uint64(len(t.table)) {
		return block.NullLogicalBlockIdx
	}
	return t.table[virtualIdx]
}

// FileSize returns the currently published file size.
func (t *Table) FileSize() uint64 { return t.fileSize.Load() }

// Cursor returns the currently published tail cursor.
func (t *Table) Cursor() txmgr.TxCursor { return t.cursor.Load().(txmgr.TxCursor) }

func (t *Table) resizeToFit(virtualIdx block.VirtualBlockIdx) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if uint64(virtualIdx) < uint64(len(t.table)) {
		return
	}
	newLen := len(t.table)
	for uint64(virtualIdx) >= uint64(newLen) {
		newLen *= 2
	}
	grown := make([]block.LogicalBlockIdx, newLen)
	copy(grown, t.table)
	t.table = grown
}

func (t *Table) setRange(start block.VirtualBlockIdx, numBlocks uint32, logicalStart block.LogicalBlockIdx) {
	end := block.VirtualBlockIdx(uint32(start) + numBlocks - 1)
	t.resizeToFit(end)
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := uint32(0); i < numBlocks; i++ {
		t.table[uint32(start)+i] = logicalStart + block.LogicalBlockIdx(i)
	}
}

// Update replays the committed tx stream from the current cursor
// forward, applying each valid entry to the table, then publishes the
// new (cursor, fileSize). Single-writer: the caller must hold the
// file's meta lock. When initBitmap is true (first open only), every
// block referenced by a replayed entry is also marked allocated in bm,
// so recovery can happen without a separate scan.
func (t *Table) Update(doAlloc bool, initBitmap bool, bm Bitmap) (uint64, error) {
	cursor, ok, err := t.tm.Resolve(t.Cursor(), doAlloc)
	if err != nil {
		return 0, err
	}
	fileSize := t.FileSize()
	if !ok {
		t.cursor.Store(cursor)
		return fileSize, nil
	}

	for {
		e, err := t.tm.GetEntryFromBlock(cursor)
		if err != nil {
			return 0, err
		}
		// cursor always names a slot not yet confirmed either way, so a
		// zero word here genuinely means "nothing committed here yet" —
		// stop and leave cursor pointing at this exact slot, rather than
		// skipping past it, since a writer may still CAS an entry into it
		// later (writers' tail hints are only best-effort and can land
		// behind where a previous Update call already looked).
		if !e.IsValid() {
			break
		}

		switch {
		case e.IsCommitInline():
			virtualStart, numBlocks, logicalStart := e.DecodeTxCommitInline()
			t.setRange(virtualStart, numBlocks, logicalStart)
			if bm != nil && initBitmap {
				bm.MarkAllocated(logicalStart, numBlocks)
			}
			end := uint64(virtualStart) + uint64(numBlocks)
			if end*block.BlockSize > fileSize {
				fileSize = end * block.BlockSize
			}
		case e.IsCommitIndirect():
			logIdx, _ := e.DecodeTxCommitIndirect()
			le, err := t.log.GetLogEntry(logIdx)
			if err != nil {
				return 0, err
			}
			numBlocks := uint32(le.NumBlocks)
			t.setRange(le.VirtualBlockIdx, numBlocks, le.LogicalBlockIdx)
			if bm != nil && initBitmap {
				bm.MarkAllocated(le.LogicalBlockIdx, numBlocks)
			}
			end := uint64(le.VirtualBlockIdx)*block.BlockSize + uint64(numBlocks-1)*block.BlockSize + uint64(le.Residual)
			if end > fileSize {
				fileSize = end
			}
		case e.IsBegin():
			// TxBegin entries don't move the table; they're only there
			// so handle_idx_overflow/get_entry_from_block have a paired
			// marker for recovery tooling to cross-check against.
		}

		next, ok, err := t.tm.Advance(cursor, doAlloc)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		cursor = next
	}

	t.cursor.Store(cursor)
	t.fileSize.Store(fileSize)
	return fileSize, nil
}

// NeedUpdate is the thread-safe, non-mutating fast path: a goroutine
// reading concurrently with the writer can call this to decide whether
// it needs to acquire the meta lock and call Update at all. It
// double-loads (cursor, fileSize) to detect a writer interleaving a
// store between the two loads; a mismatch alone is treated as "needs
// update" without consulting the tx stream, since the published state
// is in flux.
func (t *Table) NeedUpdate(doAlloc bool) (cursor txmgr.TxCursor, fileSize uint64, needsUpdate bool, err error) {
	cursor = t.Cursor()
	fileSize = t.FileSize()

	// The two loads above and the two below form the double-load: Go's
	// atomic.Value/Uint64 already give each individual load acquire
	// semantics, so reading cursor/fileSize twice and comparing is
	// enough to detect a writer's publish landing in between, without
	// needing an explicit fence instruction: any writer publish lands
	// between the pair of loads for one of the two fields (Update
	// stores cursor, then fileSize, above), so a mismatch on either
	// catches the interleaving.
	cursor2 := t.Cursor()
	fileSize2 := t.FileSize()
	if cursor != cursor2 || fileSize != fileSize2 {
		return cursor2, fileSize2, true, nil
	}

	// Resolve (not Advance) the published cursor: it already names the
	// exact slot Update last found empty, so this must check that same
	// slot rather than the one after it, or a commit a writer lands
	// there after the last Update call would never be noticed.
	resolved, ok, err := t.tm.Resolve(cursor, doAlloc)
	if err != nil {
		return cursor, fileSize, false, err
	}
	if !ok {
		return cursor, fileSize, false, nil
	}
	e, err := t.tm.GetEntryFromBlock(resolved)
	if err != nil {
		return cursor, fileSize, false, err
	}
	return cursor, fileSize, e.IsValid(), nil
}
