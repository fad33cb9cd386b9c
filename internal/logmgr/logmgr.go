// Package logmgr appends redo-log entries describing committed writes
// into log-entry blocks. Each goroutine owns its own
// LogMgr; entries within a block are only ever written by the goroutine
// that allocated it, so no CAS is needed on the entries themselves —
// cross-goroutine visibility is established later by the tx-commit
// entry's store fence.
package logmgr

import (
	"github.com/ulayfs/ulayfs-go/internal/alloc"
	"github.com/ulayfs/ulayfs-go/internal/block"
	"github.com/ulayfs/ulayfs-go/internal/memtable"
)

// BlockResolver gives the log manager a way to materialize an allocated
// logical block into its underlying bytes, without depending on the
// concrete file type that owns both the allocator and the mem table.
type BlockResolver interface {
	GetAddr(idx block.LogicalBlockIdx) ([]byte, error)
}

var _ BlockResolver = (*memtable.MemTable)(nil)

// LogMgr appends LogEntry records on behalf of a single goroutine.
type LogMgr struct {
	mt  BlockResolver
	al  *alloc.Allocator
	cur block.LogicalBlockIdx // current log-entry block, 0 if none yet
	lb  *block.LogEntryBlock
	n   int // next free local index in lb
}

// New constructs a LogMgr with no current block; the first WriteLogEntry
// call allocates one.
func New(mt BlockResolver, al *alloc.Allocator) *LogMgr {
	return &LogMgr{mt: mt, al: al}
}

// WriteLogEntry reserves the next slot in the current log-entry block,
// writes and persists e, and returns its (block, local index) address.
// When the current block is full (or there isn't one yet), a new block
// is allocated from al first.
func (lm *LogMgr) WriteLogEntry(e block.LogEntry) (block.LogEntryIdx, error) {
	if lm.lb == nil || lm.n >= block.NumLogEntriesPerBlock {
		if err := lm.allocBlock(); err != nil {
			return block.LogEntryIdx{}, err
		}
	}
	localIdx := lm.n
	lm.lb.PutLogEntry(localIdx, e)
	lm.n++

	addr, err := lm.mt.GetAddr(lm.cur)
	if err != nil {
		return block.LogEntryIdx{}, err
	}
	if err := memtable.PersistRange(addr[localIdx*16 : localIdx*16+16]); err != nil {
		return block.LogEntryIdx{}, err
	}
	return block.LogEntryIdx{BlockIdx: lm.cur, LocalIdx: uint8(localIdx)}, nil
}

func (lm *LogMgr) allocBlock() error {
	idx, err := lm.al.Alloc(1)
	if err != nil {
		return err
	}
	addr, err := lm.mt.GetAddr(idx)
	if err != nil {
		return err
	}
	lm.lb = block.AsLogEntryBlock(addr)
	*lm.lb = block.LogEntryBlock{}
	lm.cur = idx
	lm.n = 0
	return nil
}
