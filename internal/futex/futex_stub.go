//go:build !linux

package futex

import "errors"

// ErrUnsupported is returned by futexWait on platforms with no futex
// syscall. Locker still works correctly on these platforms, it just
// spins on the CAS instead of sleeping in the kernel.
var ErrUnsupported = errors.New("futex: not supported on this platform")

func futexWait(addr *uint32, val uint32) error {
	return ErrUnsupported
}

func futexWake(addr *uint32, n int) (int, error) {
	return 0, ErrUnsupported
}
