// Package futex provides a lock over a single word embedded directly in
// a PMEM-mapped block, used as the meta block's meta_lock. It is a thin
// wrapper over a *uint32; on non-Linux builds the futex syscall is
// replaced, by build tag, with a stub that makes Lock spin instead.
//
// This package does not implement robust-mutex crash recovery, which is
// left to an external GC: a crashed holder's word simply stays locked
// until the GC notices and clears it. Locker only provides correct
// mutual exclusion among live goroutines/processes.
package futex

import (
	"sync/atomic"
)

const (
	unlocked uint32 = 0
	locked   uint32 = 1
)

// Locker is a mutex backed by a single 32-bit word, suitable for
// embedding in shared/persistent memory shared across processes.
type Locker struct {
	word *uint32
}

// New wraps word as a Locker. word must not be moved or reused for
// anything else while the Locker is in use.
func New(word *uint32) *Locker {
	return &Locker{word: word}
}

// Lock blocks until the word transitions from unlocked to locked.
func (l *Locker) Lock() {
	for {
		if atomic.CompareAndSwapUint32(l.word, unlocked, locked) {
			return
		}
		if err := futexWait(l.word, locked); err != nil {
			// Platforms without futex support (see futex_stub.go) fall
			// back to a pure spin; futexWait returning an error just
			// means we didn't get to sleep, so retry the CAS directly.
			continue
		}
	}
}

// TryLock attempts to acquire the lock without blocking.
func (l *Locker) TryLock() bool {
	return atomic.CompareAndSwapUint32(l.word, unlocked, locked)
}

// Unlock releases the lock and wakes one waiter, if any.
func (l *Locker) Unlock() {
	atomic.StoreUint32(l.word, unlocked)
	_, _ = futexWake(l.word, 1)
}
