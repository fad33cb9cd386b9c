package memtable

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// PersistRange makes the bytes in data durable: on real PMEM this is a
// clflush/clwb-per-cache-line loop followed by an sfence, but amd64 and
// arm64 disagree on the exact instruction and Go has no portable way to
// emit either without per-arch assembly, so this synchronizes through
// the page cache via msync instead. Callers only depend on "durable
// once this returns", which msync(MS_SYNC) satisfies for mmap'd regular
// files; real PMEM deployments would substitute an arch-specific flush
// here behind the same signature.
func PersistRange(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Msync(pageAlign(data), unix.MS_SYNC)
}

// PersistWord makes the single 64-bit value at word durable, the same
// way PersistRange does for a larger range: used for the small,
// frequently-updated fields (a tx entry, the meta block's file size)
// that don't warrant building a []byte around their containing block.
func PersistWord(word *uint64) error {
	return PersistRange(unsafe.Slice((*byte)(unsafe.Pointer(word)), 8))
}

// pageAlign widens data to start at a page boundary, since msync
// operates on whole pages.
func pageAlign(data []byte) []byte {
	const pageSize = 4096
	lead := int(uintptr(unsafe.Pointer(&data[0])) & (pageSize - 1))
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(&data[0]))&^(pageSize-1))), len(data)+lead)
}
