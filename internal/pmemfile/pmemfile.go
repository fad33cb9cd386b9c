// Package pmemfile composes the block, memtable, alloc, logmgr, txmgr,
// offset and blktable packages into File, the engine's one exported
// surface: open a PMEM-backed file and pread/pwrite/read/write/lseek it
// with crash-consistent, lock-free semantics.
package pmemfile

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ulayfs/ulayfs-go/internal/alloc"
	"github.com/ulayfs/ulayfs-go/internal/block"
	"github.com/ulayfs/ulayfs-go/internal/blktable"
	"github.com/ulayfs/ulayfs-go/internal/config"
	"github.com/ulayfs/ulayfs-go/internal/futex"
	"github.com/ulayfs/ulayfs-go/internal/logmgr"
	"github.com/ulayfs/ulayfs-go/internal/memtable"
	"github.com/ulayfs/ulayfs-go/internal/offset"
	"github.com/ulayfs/ulayfs-go/internal/txmgr"
)

// ErrInvalidOffset is returned by Lseek when the resulting offset would
// be negative.
var ErrInvalidOffset = fmt.Errorf("pmemfile: resulting offset is negative")

// initialNumBlocks is how many blocks a brand-new file starts mapped
// to: the meta block plus one bitmap block. That bitmap block and the
// meta block's inline words together describe (24+512)*64 = 34304
// logical blocks, all of which Open then maps.
const initialNumBlocks = 2

// File is one goroutine's handle onto a PMEM-backed file. It is not
// safe for concurrent use by multiple goroutines: each goroutine that
// wants its own handle should call Open again, sharing the same
// underlying memtable-mapped bytes (the mmap, meta block, bitmap and tx
// log are what's actually shared and made safe by CAS and the meta
// lock, not the File struct itself). The one exception is the offset
// manager, shared via SharedOffset for goroutines cooperating on a
// single POSIX fd.
type File struct {
	path string
	mt   *memtable.MemTable
	meta *block.MetaBlock
	lock *futex.Locker

	bm  *metaBitmap
	al  *alloc.Allocator
	lm  *logmgr.LogMgr
	tm  *txmgr.TxMgr
	tbl *blktable.Table

	off *offset.Mgr

	closed bool
}

// Open opens or creates the file at path, formatting a fresh meta block
// if it's new, and replays the committed tx stream so the in-memory
// block table and bitmap reflect every write already committed by any
// prior process.
func Open(path string, opts config.Options) (*File, error) {
	mt, err := memtable.Open(path, initialNumBlocks)
	if err != nil {
		return nil, err
	}
	metaAddr, err := mt.GetAddr(0)
	if err != nil {
		_ = mt.Close()
		return nil, err
	}
	meta := block.AsMeta(metaAddr)
	isFresh := meta.NumBitmapBlocks() == 0 && meta.FileSize() == 0 && meta.LogHead() == 0

	lock := futex.New(meta.MetaLockWord())
	lock.Lock()
	defer lock.Unlock()

	if isFresh {
		const numBitmapBlocks = 1
		meta.Format(numBitmapBlocks)
		bitmapAddr, err := mt.GetAddr(1)
		if err != nil {
			_ = mt.Close()
			return nil, err
		}
		*block.AsBitmap(bitmapAddr) = block.BitmapBlock{}
		// Logical block 0 (meta) and blocks 1..numBitmapBlocks (the
		// bitmap region itself) aren't available for the allocator to
		// hand out; reserve them up front in word 0 of the inline
		// bitmap, which covers logical blocks 0-63.
		var reserved uint64
		for i := uint32(0); i <= numBitmapBlocks; i++ {
			reserved |= uint64(1) << i
		}
		atomic.StoreUint64(meta.InlineBitmapWord(0), reserved)
		if err := memtable.PersistRange(metaAddr); err != nil {
			_ = mt.Close()
			return nil, err
		}
		if err := memtable.PersistRange(bitmapAddr); err != nil {
			_ = mt.Close()
			return nil, err
		}
	}

	bm := &metaBitmap{meta: meta, mt: mt}
	// Map every logical block the bitmap can describe, so any index the
	// allocator hands out (data, log-entry or tx-log block) is addressable
	// without the log and tx managers having to grow the mapping.
	if err := mt.GrowTo(bm.NumWords() * 64); err != nil {
		_ = mt.Close()
		return nil, err
	}
	al := alloc.New(bm)
	lm := logmgr.New(mt, al)
	tm := txmgr.New(meta, mt, al)
	tbl := blktable.New(tm, &logEntryReader{mt: mt})

	if _, err := tbl.Update(true, !isFresh, bm); err != nil {
		_ = mt.Close()
		return nil, err
	}

	strict := opts.StrictOffsetSerial
	f := &File{
		path: path,
		mt:   mt,
		meta: meta,
		lock: lock,
		bm:   bm,
		al:   al,
		lm:   lm,
		tm:   tm,
		tbl:  tbl,
		off:  offset.New(0, strict),
	}
	return f, nil
}

// logEntryReader implements blktable.LogEntryReader over a memtable.
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

// SharedOffset lets several Files cooperating on one POSIX fd (e.g.
// after a dup) share program-order offset semantics instead of each
// tracking its own.
func (f *File) SharedOffset(m *offset.Mgr) { f.off = m }

// Close drains this handle's cached free-list runs back to the shared
// bitmap and unmaps the file. It does not remove the file itself.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.lock.Lock()
	err := f.al.DrainToBitmap()
	f.lock.Unlock()
	if err != nil {
		return err
	}
	return f.mt.Close()
}

// ensureUpToDate is the read-side fast path: NeedUpdate's cheap
// double-load decides whether the meta lock and a real Update are
// required at all.
func (f *File) ensureUpToDate() error {
	_, _, needsUpdate, err := f.tbl.NeedUpdate(false)
	if err != nil {
		return err
	}
	if !needsUpdate {
		return nil
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	_, err = f.tbl.Update(true, false, nil)
	return err
}

// Pread reads up to len(buf) bytes starting at the absolute file
// offset off, returning the number of bytes actually read. Reads past
// the end of file, or into a virtual block never written (a hole),
// return zero bytes for that range rather than an error.
func (f *File) Pread(buf []byte, off uint64) (int, error) {
	if err := f.ensureUpToDate(); err != nil {
		return 0, err
	}
	fileSize := f.tbl.FileSize()
	if off >= fileSize {
		return 0, nil
	}
	n := uint64(len(buf))
	if off+n > fileSize {
		n = fileSize - off
	}
	return f.copyOut(buf[:n], off)
}

func (f *File) copyOut(buf []byte, off uint64) (int, error) {
	done := 0
	for done < len(buf) {
		virtualIdx := block.VirtualBlockIdx((off + uint64(done)) / block.BlockSize)
		blockOff := (off + uint64(done)) % block.BlockSize
		chunk := block.BlockSize - blockOff
		if remaining := uint64(len(buf) - done); chunk > remaining {
			chunk = remaining
		}

		logicalIdx := f.tbl.Get(virtualIdx)
		if logicalIdx == block.NullLogicalBlockIdx {
			// Hole: zero bytes, buf is whatever the caller handed in, so
			// explicitly zero this chunk rather than leaving it
			// uninitialized garbage from a reused buffer.
			for i := uint64(0); i < chunk; i++ {
				buf[uint64(done)+i] = 0
			}
		} else {
			addr, err := f.mt.GetAddr(logicalIdx)
			if err != nil {
				return done, err
			}
			copy(buf[done:uint64(done)+chunk], addr[blockOff:blockOff+chunk])
		}
		done += int(chunk)
	}
	return done, nil
}

// Pwrite writes buf at the absolute file offset off. The write is
// crash-consistent: either the whole call's worth of data is visible to
// subsequent readers after a crash, or none of it is.
func (f *File) Pwrite(buf []byte, off uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if err := f.ensureUpToDate(); err != nil {
		return 0, err
	}
	virtualStart := block.VirtualBlockIdx(off / block.BlockSize)
	headOff := off % block.BlockSize
	end := off + uint64(len(buf))
	numBlocks := uint32((headOff + uint64(len(buf)) + block.BlockSize - 1) / block.BlockSize)
	if numBlocks > block.MaxAllocBlocks {
		return 0, fmt.Errorf("pmemfile: write of %d blocks exceeds the %d-block limit per call; split it at the caller", numBlocks, block.MaxAllocBlocks)
	}

	logicalStart, err := f.al.Alloc(numBlocks)
	if err != nil {
		return 0, err
	}

	if err := f.ensureMapped(logicalStart + block.LogicalBlockIdx(numBlocks)); err != nil {
		return 0, err
	}

	if err := f.writeShadowBlocks(logicalStart, numBlocks, virtualStart, headOff, buf, off); err != nil {
		return 0, err
	}

	residual := uint16(end - (uint64(virtualStart)+uint64(numBlocks)-1)*block.BlockSize)

	beginCursor, err := f.tm.BeginTx(virtualStart, numBlocks)
	if err != nil {
		return 0, err
	}

	// TxCommitInline has no room left in its packed 62 payload bits for
	// a residual, so it only ever describes a write that fills every
	// block it covers completely; anything with a partial head or tail
	// byte range needs the log entry's explicit residual field instead.
	fullBlocks := headOff == 0 && residual == uint16(block.BlockSize)
	if fullBlocks && block.CanInline(virtualStart, numBlocks, logicalStart) {
		if _, err := f.tm.CommitInline(virtualStart, numBlocks, logicalStart); err != nil {
			return 0, err
		}
	} else {
		entry := block.LogEntry{
			Op:              block.LogOpOverwrite,
			VirtualBlockIdx: virtualStart,
			LogicalBlockIdx: logicalStart,
			NumBlocks:       uint16(numBlocks),
			Residual:        residual,
		}
		logIdx, err := f.lm.WriteLogEntry(entry)
		if err != nil {
			return 0, err
		}
		if _, err := f.tm.CommitTx(beginCursor, logIdx); err != nil {
			return 0, err
		}
	}

	f.lock.Lock()
	newSize := end
	for {
		old := f.meta.FileSize()
		if newSize <= old {
			break
		}
		if f.meta.CASFileSize(old, newSize) {
			if err := memtable.PersistWord(f.meta.FileSizeWord()); err != nil {
				f.lock.Unlock()
				return 0, err
			}
			break
		}
	}
	f.lock.Unlock()

	// The block table caches a lower bound on committed state; the next
	// reader or writer to call ensureUpToDate/NeedUpdate replays past
	// this commit lazily rather than forcing an update here.
	return len(buf), nil
}

// ensureMapped grows the memtable mapping, under the meta lock, so
// every logical index below upTo is addressable. Open already maps
// every block the bitmap describes, so this only does work if an
// allocated index lies past that mapping.
func (f *File) ensureMapped(upTo block.LogicalBlockIdx) error {
	if uint64(upTo) <= f.mt.NumBlocks() {
		return nil
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.mt.GrowTo(uint64(upTo))
}

// writeShadowBlocks copies buf into the numBlocks freshly allocated
// blocks starting at logicalStart, preserving any existing head/tail
// bytes the write doesn't fully cover, then persists the whole run.
func (f *File) writeShadowBlocks(logicalStart block.LogicalBlockIdx, numBlocks uint32, virtualStart block.VirtualBlockIdx, headOff uint64, buf []byte, off uint64) error {
	written := 0
	for i := uint32(0); i < numBlocks; i++ {
		dstAddr, err := f.mt.GetAddr(logicalStart + block.LogicalBlockIdx(i))
		if err != nil {
			return err
		}

		blockStartOff := uint64(0)
		if i == 0 {
			blockStartOff = headOff
			if headOff > 0 {
				if err := f.copyPreimage(dstAddr[:headOff], virtualStart); err != nil {
					return err
				}
			}
		}

		remaining := uint64(len(buf) - written)
		space := block.BlockSize - blockStartOff
		n := remaining
		if n > space {
			n = space
		}
		copy(dstAddr[blockStartOff:blockStartOff+n], buf[written:uint64(written)+n])
		written += int(n)

		tailStart := blockStartOff + n
		if tailStart < block.BlockSize && uint64(written) == uint64(len(buf)) {
			if err := f.copyPostimage(dstAddr[tailStart:], virtualStart+block.VirtualBlockIdx(i)); err != nil {
				return err
			}
		}

		if err := memtable.PersistRange(dstAddr); err != nil {
			return err
		}
	}
	return nil
}

// copyPreimage fills dst (the first headOff bytes of the write's first
// new block) with whatever the old mapping for that virtual block held,
// or zeroes if it was never written (the block is a fresh hole).
func (f *File) copyPreimage(dst []byte, virtualIdx block.VirtualBlockIdx) error {
	oldLogical := f.tbl.Get(virtualIdx)
	if oldLogical == block.NullLogicalBlockIdx {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	oldAddr, err := f.mt.GetAddr(oldLogical)
	if err != nil {
		return err
	}
	copy(dst, oldAddr[:len(dst)])
	return nil
}

// copyPostimage fills dst (the tail of the write's last new block past
// the write's payload) the same way copyPreimage fills the head.
func (f *File) copyPostimage(dst []byte, virtualIdx block.VirtualBlockIdx) error {
	oldLogical := f.tbl.Get(virtualIdx)
	if oldLogical == block.NullLogicalBlockIdx {
		for i := range dst {
			dst[i] = 0
		}
		return nil
	}
	oldAddr, err := f.mt.GetAddr(oldLogical)
	if err != nil {
		return err
	}
	copy(dst, oldAddr[block.BlockSize-uint64(len(dst)):])
	return nil
}

// Read reads into buf starting at the handle's current offset and
// advances it by the number of bytes actually read.
func (f *File) Read(buf []byte) (int, error) {
	if err := f.ensureUpToDate(); err != nil {
		return 0, err
	}
	fileSize := f.tbl.FileSize()
	off, n, ticket := f.off.AcquireOffset(uint64(len(buf)), fileSize, true)
	f.off.WaitOffset(ticket)
	read, err := f.copyOut(buf[:n], off)
	f.off.ReleaseOffset(ticket, off+uint64(read))
	return read, err
}

// Write writes buf at the handle's current offset and advances it by
// len(buf).
func (f *File) Write(buf []byte) (int, error) {
	off, _, ticket := f.off.AcquireOffset(uint64(len(buf)), 0, false)
	f.off.WaitOffset(ticket)
	n, err := f.Pwrite(buf, off)
	f.off.ReleaseOffset(ticket, off+uint64(n))
	return n, err
}

// Whence selects lseek's interpretation of off, matching unix.SEEK_*.
type Whence int

const (
	SeekSet Whence = unix.SEEK_SET
	SeekCur Whence = unix.SEEK_CUR
	SeekEnd Whence = unix.SEEK_END
)

// Lseek repositions the handle's offset and returns the resulting
// absolute offset.
func (f *File) Lseek(off int64, whence Whence) (uint64, error) {
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = int64(f.off.Offset())
	case SeekEnd:
		if err := f.ensureUpToDate(); err != nil {
			return 0, err
		}
		base = int64(f.tbl.FileSize())
	default:
		return 0, fmt.Errorf("pmemfile: invalid whence %d", whence)
	}
	result := base + off
	if result < 0 {
		return 0, ErrInvalidOffset
	}
	f.off.SetOffset(uint64(result))
	return uint64(result), nil
}

// Fstat reports the file's current size.
func (f *File) Fstat() (uint64, error) {
	if err := f.ensureUpToDate(); err != nil {
		return 0, err
	}
	return f.tbl.FileSize(), nil
}
