// Package memtable maps logical block indices to host addresses backed
// by a memory-mapped PMEM file, and provides the cache-line-flush-plus-
// fence persistence primitive the rest of the core relies on.
//
// The whole address range a file could ever grow into is reserved with
// a single mmap at Open time, the way a DAX-mapped PMEM namespace is
// fixed in size for the life of the mapping: nothing above us ever
// remaps, so a *block.MetaBlock or other pointer obtained from GetAddr
// stays valid for as long as the MemTable is open, even across later
// growth. The backing file itself is sparse, so reserving the range
// costs address space, not disk.
package memtable

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ulayfs/ulayfs-go/internal/block"
	"github.com/ulayfs/ulayfs-go/internal/util"
)

// ErrOutOfRange is returned by GetAddr when the requested index is past
// the file's current logical extent.
var ErrOutOfRange = fmt.Errorf("memtable: logical index out of range")

// ErrMappingExhausted is returned by GrowTo when numBlocks exceeds the
// address range reserved at Open time.
var ErrMappingExhausted = fmt.Errorf("memtable: file has grown past the reserved mapping")

// MaxMappedBlocks bounds how large a single file's reserved mapping is:
// 1<<20 blocks of 4096 bytes each, 4GiB of address space reserved
// up front (sparse on disk) so GrowTo never has to remap.
const MaxMappedBlocks uint64 = 1 << 20

// MemTable owns the mmap'd view of a PMEM-backed file. GetAddr,
// NumBlocks and PersistRange are safe for concurrent readers; GrowTo
// must only be called while the caller holds the file's meta lock.
type MemTable struct {
	fd int

	mu        sync.RWMutex // guards numBlocks; mem's address never changes
	mem       []byte
	numBlocks uint64
}

// Open reserves MaxMappedBlocks worth of address space for the file at
// path (creating it if necessary) and maps at least numBlocks of it as
// immediately valid. The caller is responsible for formatting block 0
// (the meta block) on first creation.
func Open(path string, numBlocks uint64) (*MemTable, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0644)
	if err != nil {
		return nil, fmt.Errorf("memtable: open %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("memtable: fstat %s: %w", path, err)
	}

	reserved := MaxMappedBlocks * block.BlockSize
	if uint64(st.Size) < reserved {
		if err := unix.Ftruncate(fd, int64(reserved)); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("memtable: ftruncate %s: %w", path, err)
		}
	}

	mem, err := unix.Mmap(fd, 0, int(reserved), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("memtable: mmap %s: %w", path, err)
	}

	// A file already extends past what the caller asked for, e.g.
	// another goroutine/process grew it already: treat all of that as
	// immediately valid too.
	existingBlocks := uint64(st.Size) / block.BlockSize
	if existingBlocks > numBlocks {
		numBlocks = existingBlocks
	}

	util.DPrintf(2, "memtable: opened %s with %d blocks valid", path, numBlocks)
	return &MemTable{fd: fd, mem: mem, numBlocks: numBlocks}, nil
}

// GetAddr returns the block-sized slice backing logical block idx.
func (m *MemTable) GetAddr(idx block.LogicalBlockIdx) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if uint64(idx) >= m.numBlocks {
		return nil, ErrOutOfRange
	}
	off := uint64(idx) * block.BlockSize
	return m.mem[off : off+block.BlockSize], nil
}

// NumBlocks reports how many logical blocks are currently valid.
func (m *MemTable) NumBlocks() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.numBlocks
}

// GrowTo extends the file's logical extent to at least numBlocks,
// idempotent. Since the full address range is already mapped, this
// never remaps; it only needs to make sure the backing file itself
// covers the new extent (ftruncate on a sparse file is cheap) before
// publishing the new numBlocks.
func (m *MemTable) GrowTo(numBlocks uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if numBlocks <= m.numBlocks {
		return nil
	}
	if numBlocks > MaxMappedBlocks {
		return ErrMappingExhausted
	}
	newSize := numBlocks * block.BlockSize
	var st unix.Stat_t
	if err := unix.Fstat(m.fd, &st); err != nil {
		return fmt.Errorf("memtable: grow fstat: %w", err)
	}
	if uint64(st.Size) < newSize {
		if err := unix.Ftruncate(m.fd, int64(newSize)); err != nil {
			return fmt.Errorf("memtable: grow ftruncate: %w", err)
		}
	}
	m.numBlocks = numBlocks
	util.DPrintf(2, "memtable: grew to %d blocks valid", numBlocks)
	return nil
}

// Close unmaps and closes the backing file.
func (m *MemTable) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := unix.Munmap(m.mem); err != nil {
		return err
	}
	return unix.Close(m.fd)
}
