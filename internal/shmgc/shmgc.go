// Package shmgc manages the cross-process shared-memory segment a
// garbage collector uses to find out which tx-log blocks are still
// being read by a live thread, in any process, before it reclaims them.
//
// Every process that opens the same PMEM file maps the same /dev/shm
// segment, keyed off the file's inode and creation time so unrelated
// files never collide and a deleted-and-recreated file gets a fresh
// segment. Each thread that touches the file claims one slot in the
// segment and publishes the tx-log block it last read from; the
// collector takes the minimum published block index across all live
// slots as its reclaim boundary.
package shmgc

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ulayfs/ulayfs-go/internal/block"
	"github.com/ulayfs/ulayfs-go/internal/futex"
	"github.com/ulayfs/ulayfs-go/internal/util"
)

// xattrName stores the segment's /dev/shm path on the PMEM file itself,
// so every process that opens the file derives the same path without
// needing to recompute it from inode and ctime a second time.
const xattrName = "user.ulayfs_shm_path"

// MaxSlots bounds how many threads across all processes can pin a
// tx-log block in a given file's segment at once.
const MaxSlots = 256

// slotSize is one cache line: initialized flag, lock word, pinned
// block index, padding.
const slotSize = 64

const segmentSize = MaxSlots * slotSize

// slot is the on-disk layout of one per-thread entry. Field order
// matches the natural alignment of each field; the init() check below
// is the bit-exactness backstop.
type slot struct {
	initialized uint32
	lockWord    uint32
	txBlockIdx  uint32
	pad         [52]byte
}

func init() {
	if unsafe.Sizeof(slot{}) != slotSize {
		panic("shmgc: slot is not exactly slotSize bytes")
	}
}

func asSlot(b []byte) *slot {
	return (*slot)(unsafe.Pointer(&b[0]))
}

// Slot is a claimed per-thread entry in a Segment. The thread that
// claimed it must call Release when it stops touching the file.
type Slot struct {
	raw   *slot
	locker *futex.Locker
}

// Lock excludes other holders of the same slot. A slot is only ever
// shared across goroutines that deliberately hand it off (e.g. after a
// fork); ordinary callers have exclusive use of their own slot and
// never need to call this.
func (s *Slot) Lock() { s.locker.Lock() }

// Unlock releases a lock taken with Lock.
func (s *Slot) Unlock() { s.locker.Unlock() }

// TxBlockIdx reports the tx-log block this slot currently pins.
func (s *Slot) TxBlockIdx() block.LogicalBlockIdx {
	return atomic.LoadUint32(&s.raw.txBlockIdx)
}

// SetTxBlockIdx publishes the tx-log block the owning thread last read
// from, pinning it and everything after it against reclamation.
func (s *Slot) SetTxBlockIdx(idx block.LogicalBlockIdx) {
	atomic.StoreUint32(&s.raw.txBlockIdx, idx)
}

// Release gives the slot back to the pool. The owning thread must not
// use s after calling this.
func (s *Slot) Release() {
	atomic.StoreUint32(&s.raw.txBlockIdx, block.NullLogicalBlockIdx)
	atomic.StoreUint32(&s.raw.initialized, 0)
}

// Segment is one file's shared-memory slot array, mapped by every
// process that has the file open.
type Segment struct {
	fd   int
	mem  []byte
	path string
}

// OpenForFile opens (creating if necessary) the shared-memory segment
// for the PMEM file behind fileFd, deriving its /dev/shm path from an
// xattr on fileFd, setting one if this is the first process to open
// the file.
func OpenForFile(fileFd int) (*Segment, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fileFd, &st); err != nil {
		return nil, fmt.Errorf("shmgc: fstat: %w", err)
	}

	path, err := segmentPath(fileFd, st)
	if err != nil {
		return nil, err
	}

	return Open(path)
}

// segmentPath reads the shm path previously stashed in fileFd's xattr,
// or computes and stashes one from the file's inode and ctime if this
// is the first process to open it.
func segmentPath(fileFd int, st unix.Stat_t) (string, error) {
	buf := make([]byte, 128)
	n, err := unix.Fgetxattr(fileFd, xattrName, buf)
	if err == nil {
		return string(buf[:n]), nil
	}
	if err != unix.ENODATA {
		return "", fmt.Errorf("shmgc: fgetxattr: %w", err)
	}

	ctimeNs := st.Ctim.Sec*1_000_000_000 + st.Ctim.Nsec
	path := fmt.Sprintf("/dev/shm/ulayfs_%016x_%013x", st.Ino, uint64(ctimeNs)>>3)

	if err := unix.Fsetxattr(fileFd, xattrName, []byte(path), 0); err != nil {
		// Another goroutine/process may have won the race and set an
		// xattr of its own; defer to whatever is there now rather than
		// erroring, since both paths name the same file's segment.
		buf := make([]byte, 128)
		n, rerr := unix.Fgetxattr(fileFd, xattrName, buf)
		if rerr != nil {
			return "", fmt.Errorf("shmgc: fsetxattr: %w", err)
		}
		return string(buf[:n]), nil
	}
	return path, nil
}

// Open maps the shared-memory segment at path, creating and sizing it
// if this is the first process to reach it.
func Open(path string) (*Segment, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmgc: open %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("shmgc: fstat %s: %w", path, err)
	}
	if st.Size < segmentSize {
		if err := unix.Ftruncate(fd, segmentSize); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("shmgc: ftruncate %s: %w", path, err)
		}
	}

	mem, err := unix.Mmap(fd, 0, segmentSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("shmgc: mmap %s: %w", path, err)
	}

	util.DPrintf(2, "shmgc: opened %s", path)
	return &Segment{fd: fd, mem: mem, path: path}, nil
}

func (g *Segment) slotBytes(i int) []byte {
	return g.mem[i*slotSize : (i+1)*slotSize]
}

// AllocSlot claims an unused slot for the calling thread. It returns an
// error if every slot in the segment is already claimed, which means
// more threads are live across all processes than MaxSlots allows.
func (g *Segment) AllocSlot() (*Slot, error) {
	for i := 0; i < MaxSlots; i++ {
		raw := asSlot(g.slotBytes(i))
		if !atomic.CompareAndSwapUint32(&raw.initialized, 0, 1) {
			continue
		}
		atomic.StoreUint32(&raw.txBlockIdx, block.NullLogicalBlockIdx)
		return &Slot{raw: raw, locker: futex.New(&raw.lockWord)}, nil
	}
	return nil, fmt.Errorf("shmgc: no free slot in %s (limit %d)", g.path, MaxSlots)
}

// MinPinnedTxBlock scans every claimed slot and returns the smallest
// pinned tx-log block index, or block.NullLogicalBlockIdx if no live
// thread has pinned anything. A collector must never reclaim the
// returned block or anything reachable forward from it.
func (g *Segment) MinPinnedTxBlock() block.LogicalBlockIdx {
	min := block.NullLogicalBlockIdx
	for i := 0; i < MaxSlots; i++ {
		raw := asSlot(g.slotBytes(i))
		if atomic.LoadUint32(&raw.initialized) == 0 {
			continue
		}
		idx := atomic.LoadUint32(&raw.txBlockIdx)
		if idx == block.NullLogicalBlockIdx {
			continue
		}
		if min == block.NullLogicalBlockIdx || idx < min {
			min = idx
		}
	}
	return min
}

// Unlink removes the segment's backing file from /dev/shm. Callers
// should only do this once they know no other process still has the
// PMEM file open.
func (g *Segment) Unlink() error {
	if err := unix.Unlink(g.path); err != nil {
		return fmt.Errorf("shmgc: unlink %s: %w", g.path, err)
	}
	return nil
}

// Close unmaps and closes the segment without removing it from
// /dev/shm; other processes may still have it open.
func (g *Segment) Close() error {
	if err := unix.Munmap(g.mem); err != nil {
		return err
	}
	return unix.Close(g.fd)
}

// UnlinkByFilePath removes the shared-memory segment belonging to the
// PMEM file at filepath, if one was ever created. Used to clean up
// after a file is deleted.
func UnlinkByFilePath(filepath string) error {
	buf := make([]byte, 128)
	n, err := unix.Getxattr(filepath, xattrName, buf)
	if err != nil {
		if err == unix.ENODATA {
			return nil
		}
		return fmt.Errorf("shmgc: getxattr %s: %w", filepath, err)
	}
	path := string(buf[:n])
	if err := unix.Unlink(path); err != nil {
		util.DPrintf(1, "shmgc: unlink %s: %v", path, err)
	}
	return nil
}
