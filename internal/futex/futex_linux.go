//go:build linux

package futex

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// The lock word lives in a MAP_SHARED mapping that other processes, and
// other mappings of the same file in this process, wait on too, so the
// ops are the shared (non-FUTEX_PRIVATE_FLAG) forms.
const (
	futexOpWait = 0
	futexOpWake = 1
)

// futexWait sleeps while *addr == val, returning once the kernel wakes
// this waiter (spuriously or via futexWake) or the wait otherwise can't
// proceed. A non-nil error means the caller should just retry its CAS
// rather than treat this as fatal.
func futexWait(addr *uint32, val uint32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexOpWait,
		uintptr(val),
		0, 0, 0,
	)
	if errno != 0 && errno != unix.EAGAIN && errno != unix.EINTR {
		return errno
	}
	return nil
}

// futexWake wakes up to n waiters blocked on addr, returning how many
// were actually woken.
func futexWake(addr *uint32, n int) (int, error) {
	woken, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexOpWake,
		uintptr(n),
		0, 0, 0,
	)
	if errno != 0 {
		return 0, errno
	}
	return int(woken), nil
}
