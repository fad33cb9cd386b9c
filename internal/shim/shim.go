// Package shim gives callers a single fd-style handle across
// PMEM-backed files and ordinary OS files, the way a POSIX
// interposition layer dispatches open/read/write/close to either a
// custom implementation or the real syscall depending on which fd it
// sees.
//
// Go cannot intercept the open(2) syscall other code in the same
// process makes, so this package cannot be a drop-in replacement for
// libc the way an LD_PRELOAD shim is. Instead Open mints its own fd
// numbers, disjoint from the kernel's, and every other function here
// dispatches on whether the fd it's given is one of ours; an fd this
// package never minted is assumed to be a real OS fd and passed
// straight through to the corresponding syscall.
package shim

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/ulayfs/ulayfs-go/internal/config"
	"github.com/ulayfs/ulayfs-go/internal/pmemfile"
)

// firstFd is the first fd number Open ever mints: far enough above
// realistic OS fd ranges that a caller mixing this package's return
// values with raw OS fds is unlikely to collide by accident, though
// nothing here depends on that for correctness, only on the registry
// lookup.
const firstFd = 1 << 30

// NShard is the number of independent locks the registry spreads fds
// across, a prime to spread sequential fd numbers evenly.
const NShard = 257

type fdShard struct {
	mu    sync.RWMutex
	state map[int]*pmemfile.File
}

// Registry maps fds minted by Open back to the *pmemfile.File backing
// them. The zero value is not usable; construct with NewRegistry.
type Registry struct {
	shards []*fdShard
	nextFd int64
}

// NewRegistry constructs an empty registry. Most callers use the
// package-level functions (Open, Close, ...), which share one global
// Registry; construct one directly only to keep a dispatch table
// independent of the package-level state, e.g. in tests.
func NewRegistry() *Registry {
	r := &Registry{shards: make([]*fdShard, NShard), nextFd: firstFd}
	for i := range r.shards {
		r.shards[i] = &fdShard{state: make(map[int]*pmemfile.File)}
	}
	return r
}

func (r *Registry) shardFor(fd int) *fdShard {
	return r.shards[uint64(fd)%NShard]
}

// mint allocates a fresh fd number and registers f under it.
func (r *Registry) mint(f *pmemfile.File) int {
	fd := int(atomic.AddInt64(&r.nextFd, 1) - 1)
	shard := r.shardFor(fd)
	shard.mu.Lock()
	shard.state[fd] = f
	shard.mu.Unlock()
	return fd
}

// Dispatch reports the *pmemfile.File registered under fd, if any.
func (r *Registry) Dispatch(fd int) (*pmemfile.File, bool) {
	shard := r.shardFor(fd)
	shard.mu.RLock()
	f, ok := shard.state[fd]
	shard.mu.RUnlock()
	return f, ok
}

// unregister removes and returns fd's entry, if it was ours.
func (r *Registry) unregister(fd int) (*pmemfile.File, bool) {
	shard := r.shardFor(fd)
	shard.mu.Lock()
	f, ok := shard.state[fd]
	if ok {
		delete(shard.state, fd)
	}
	shard.mu.Unlock()
	return f, ok
}

var global = NewRegistry()

// Open opens path as a PMEM-backed file and returns a fd for it,
// usable with every other function in this package.
func Open(path string, opts config.Options) (int, error) {
	f, err := pmemfile.Open(path, opts)
	if err != nil {
		return -1, err
	}
	return global.mint(f), nil
}

// Close closes fd, whether it names a PMEM-backed file this package
// opened or a real OS fd.
func Close(fd int) error {
	if f, ok := global.unregister(fd); ok {
		return f.Close()
	}
	return unix.Close(fd)
}

// Write writes buf to fd at its current offset, advancing it.
func Write(fd int, buf []byte) (int, error) {
	if f, ok := global.Dispatch(fd); ok {
		return f.Write(buf)
	}
	return unix.Write(fd, buf)
}

// Read reads into buf from fd at its current offset, advancing it.
func Read(fd int, buf []byte) (int, error) {
	if f, ok := global.Dispatch(fd); ok {
		return f.Read(buf)
	}
	return unix.Read(fd, buf)
}

// Pwrite writes buf to fd at off without touching fd's current offset.
func Pwrite(fd int, buf []byte, off uint64) (int, error) {
	if f, ok := global.Dispatch(fd); ok {
		return f.Pwrite(buf, off)
	}
	n, err := unix.Pwrite(fd, buf, int64(off))
	return n, err
}

// Pread reads into buf from fd at off without touching fd's current offset.
func Pread(fd int, buf []byte, off uint64) (int, error) {
	if f, ok := global.Dispatch(fd); ok {
		return f.Pread(buf, off)
	}
	n, err := unix.Pread(fd, buf, int64(off))
	return n, err
}

// Lseek repositions fd's offset.
func Lseek(fd int, offset int64, whence pmemfile.Whence) (uint64, error) {
	if f, ok := global.Dispatch(fd); ok {
		return f.Lseek(offset, whence)
	}
	off, err := unix.Seek(fd, offset, int(whence))
	return uint64(off), err
}

// Fstat reports fd's current size.
func Fstat(fd int) (uint64, error) {
	if f, ok := global.Dispatch(fd); ok {
		return f.Fstat()
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, err
	}
	return uint64(st.Size), nil
}

// IsOurs reports whether fd was minted by Open and so is dispatched to
// a *pmemfile.File rather than passed through to the kernel.
func IsOurs(fd int) bool {
	_, ok := global.Dispatch(fd)
	return ok
}
