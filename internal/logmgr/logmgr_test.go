package logmgr

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulayfs/ulayfs-go/internal/alloc"
	"github.com/ulayfs/ulayfs-go/internal/block"
	"github.com/ulayfs/ulayfs-go/internal/memtable"
)

type wholeFileBitmap struct {
	mt *memtable.MemTable
}

func (w wholeFileBitmap) Word(wordIdx uint64) (*uint64, error) {
	addr, err := w.mt.GetAddr(block.LogicalBlockIdx(1 + wordIdx/uint64(block.NumBitmapWordsPerBlock)))
	if err != nil {
		return nil, err
	}
	bm := block.AsBitmap(addr)
	return &bm.Words[wordIdx%uint64(block.NumBitmapWordsPerBlock)], nil
}

func (w wholeFileBitmap) NumWords() uint64 { return uint64(block.NumBitmapWordsPerBlock) }

func newTestLogMgr(t *testing.T) *LogMgr {
	dir := t.TempDir()
	mt, err := memtable.Open(filepath.Join(dir, "data"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { mt.Close() })

	al := alloc.New(wholeFileBitmap{mt: mt})
	return New(mt, al)
}

func TestWriteLogEntryRoundTrip(t *testing.T) {
	lm := newTestLogMgr(t)

	e := block.LogEntry{Op: block.LogOpOverwrite, VirtualBlockIdx: 1, LogicalBlockIdx: 2, NumBlocks: 1, Residual: 100}
	idx, err := lm.WriteLogEntry(e)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), idx.LocalIdx)

	addr, err := lm.mt.GetAddr(idx.BlockIdx)
	require.NoError(t, err)
	got := block.AsLogEntryBlock(addr).GetLogEntry(int(idx.LocalIdx))
	assert.Equal(t, e, got)
}

func TestWriteLogEntryAllocatesNewBlockWhenFull(t *testing.T) {
	lm := newTestLogMgr(t)

	var first block.LogicalBlockIdx
	for i := 0; i < block.NumLogEntriesPerBlock; i++ {
		idx, err := lm.WriteLogEntry(block.LogEntry{Op: block.LogOpOverwrite, NumBlocks: 1})
		require.NoError(t, err)
		if i == 0 {
			first = idx.BlockIdx
		}
	}

	idx, err := lm.WriteLogEntry(block.LogEntry{Op: block.LogOpOverwrite, NumBlocks: 1})
	require.NoError(t, err)
	assert.NotEqual(t, first, idx.BlockIdx, "block should roll over once full")
	assert.Equal(t, uint8(0), idx.LocalIdx)
}
