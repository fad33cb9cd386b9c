package blktable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulayfs/ulayfs-go/internal/alloc"
	"github.com/ulayfs/ulayfs-go/internal/block"
	"github.com/ulayfs/ulayfs-go/internal/logmgr"
	"github.com/ulayfs/ulayfs-go/internal/memtable"
	"github.com/ulayfs/ulayfs-go/internal/txmgr"
)

type wholeFileBitmap struct {
	mt *memtable.MemTable
}

func (w wholeFileBitmap) Word(wordIdx uint64) (*uint64, error) {
	addr, err := w.mt.GetAddr(block.LogicalBlockIdx(1 + wordIdx/uint64(block.NumBitmapWordsPerBlock)))
	if err != nil {
		return nil, err
	}
	return &block.AsBitmap(addr).Words[wordIdx%uint64(block.NumBitmapWordsPerBlock)], nil
}

func (w wholeFileBitmap) NumWords() uint64 { return 4 * uint64(block.NumBitmapWordsPerBlock) }

type stubBitmap struct {
	marked map[block.LogicalBlockIdx]uint32
}

func (s *stubBitmap) MarkAllocated(idx block.LogicalBlockIdx, numBlocks uint32) {
	if s.marked == nil {
		s.marked = map[block.LogicalBlockIdx]uint32{}
	}
	s.marked[idx] = numBlocks
}

type logEntryReader struct {
	mt *memtable.MemTable
}

func (r *logEntryReader) GetLogEntry(idx block.LogEntryIdx) (block.LogEntry, error) {
	addr, err := r.mt.GetAddr(idx.BlockIdx)
	if err != nil {
		return block.LogEntry{}, err
	}
	return block.AsLogEntryBlock(addr).GetLogEntry(int(idx.LocalIdx)), nil
}

func newFixture(t *testing.T) (*txmgr.TxMgr, *logmgr.LogMgr, *memtable.MemTable) {
	dir := t.TempDir()
	mt, err := memtable.Open(filepath.Join(dir, "data"), 16)
	require.NoError(t, err)
	t.Cleanup(func() { mt.Close() })

	metaAddr, err := mt.GetAddr(0)
	require.NoError(t, err)
	meta := block.AsMeta(metaAddr)
	meta.Format(4)

	// Blocks 0-4 (the meta block and its four bitmap blocks) are not free
	// for the allocator to hand out.
	bitmapAddr, err := mt.GetAddr(1)
	require.NoError(t, err)
	block.AsBitmap(bitmapAddr).Words[0] = 0x1f
	// The allocator claims the first entirely free bitmap word, so the
	// first block it hands out is 64; map far enough to address it.
	require.NoError(t, mt.GrowTo(128))

	al := alloc.New(wholeFileBitmap{mt: mt})
	return txmgr.New(meta, mt, al), logmgr.New(mt, al), mt
}

func TestUpdateAppliesCommitInlineToTable(t *testing.T) {
	tm, _, mt := newFixture(t)
	tbl := New(tm, &logEntryReader{mt: mt})

	_, err := tm.BeginTx(0, 2)
	require.NoError(t, err)
	_, err = tm.CommitInline(0, 2, 10)
	require.NoError(t, err)

	fileSize, err := tbl.Update(true, false, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2)*block.BlockSize, fileSize)
	assert.Equal(t, block.LogicalBlockIdx(10), tbl.Get(0))
	assert.Equal(t, block.LogicalBlockIdx(11), tbl.Get(1))
	assert.Equal(t, block.NullLogicalBlockIdx, tbl.Get(2))
}

func TestUpdateAppliesCommitIndirectToTable(t *testing.T) {
	tm, lm, mt := newFixture(t)
	tbl := New(tm, &logEntryReader{mt: mt})

	beginC, err := tm.BeginTx(5, 1)
	require.NoError(t, err)
	logIdx, err := lm.WriteLogEntry(block.LogEntry{
		Op:              block.LogOpOverwrite,
		VirtualBlockIdx: 5,
		LogicalBlockIdx: 12,
		NumBlocks:       1,
		Residual:        100,
	})
	require.NoError(t, err)
	_, err = tm.CommitTx(beginC, logIdx)
	require.NoError(t, err)

	fileSize, err := tbl.Update(true, false, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5)*block.BlockSize+100, fileSize)
	assert.Equal(t, block.LogicalBlockIdx(12), tbl.Get(5))
}

func TestUpdateIsIdempotentFromSameCursor(t *testing.T) {
	tm, _, mt := newFixture(t)
	tbl := New(tm, &logEntryReader{mt: mt})

	_, err := tm.BeginTx(0, 3)
	require.NoError(t, err)
	_, err = tm.CommitInline(0, 3, 10)
	require.NoError(t, err)

	size1, err := tbl.Update(true, false, nil)
	require.NoError(t, err)
	cursor1 := tbl.Cursor()

	// Calling Update again with nothing new committed must be a no-op:
	// same published cursor and file size (P7).
	size2, err := tbl.Update(true, false, nil)
	require.NoError(t, err)
	assert.Equal(t, size1, size2)
	assert.Equal(t, cursor1, tbl.Cursor())
}

func TestUpdateWithInitBitmapMarksRecoveredBlocks(t *testing.T) {
	tm, _, mt := newFixture(t)
	tbl := New(tm, &logEntryReader{mt: mt})

	_, err := tm.BeginTx(0, 4)
	require.NoError(t, err)
	_, err = tm.CommitInline(0, 4, 10)
	require.NoError(t, err)

	bm := &stubBitmap{}
	_, err = tbl.Update(true, true, bm)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), bm.marked[block.LogicalBlockIdx(10)])
}

func TestNeedUpdateFalseWhenNothingNewCommitted(t *testing.T) {
	tm, _, mt := newFixture(t)
	tbl := New(tm, &logEntryReader{mt: mt})

	_, err := tm.BeginTx(0, 1)
	require.NoError(t, err)
	_, err = tm.CommitInline(0, 1, 10)
	require.NoError(t, err)
	_, err = tbl.Update(true, false, nil)
	require.NoError(t, err)

	_, _, needsUpdate, err := tbl.NeedUpdate(false)
	require.NoError(t, err)
	assert.False(t, needsUpdate)
}

func TestNeedUpdateTrueWhenWriterHasCommittedPastPublishedCursor(t *testing.T) {
	tm, _, mt := newFixture(t)
	tbl := New(tm, &logEntryReader{mt: mt})

	_, err := tm.BeginTx(0, 1)
	require.NoError(t, err)
	_, err = tm.CommitInline(0, 1, 10)
	require.NoError(t, err)
	_, err = tbl.Update(true, false, nil)
	require.NoError(t, err)

	_, err = tm.BeginTx(1, 1)
	require.NoError(t, err)
	_, err = tm.CommitInline(1, 1, 11)
	require.NoError(t, err)

	_, _, needsUpdate, err := tbl.NeedUpdate(false)
	require.NoError(t, err)
	assert.True(t, needsUpdate)
}
