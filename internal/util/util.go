// Package util holds small helpers shared across the engine: leveled
// debug logging and a handful of arithmetic and byte-slice helpers.
package util

import "log"

// Debug is the global debug verbosity; DPrintf calls at or below this
// level are printed. Raise it (e.g. via config) when chasing a bug.
var Debug uint64 = 1

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		log.Printf(format, a...)
	}
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	}
	return m
}

func Max(n uint64, m uint64) uint64 {
	if n > m {
		return n
	}
	return m
}

// AlignDown rounds n down to the nearest multiple of sz (sz a power of two).
func AlignDown(n uint64, sz uint64) uint64 {
	return n &^ (sz - 1)
}

// AlignUp rounds n up to the nearest multiple of sz (sz a power of two).
func AlignUp(n uint64, sz uint64) uint64 {
	return AlignDown(n+sz-1, sz)
}

// CloneByteSlice returns a fresh copy of b, so callers can hand out bytes
// that used to alias the mmap'd region without the risk of the caller
// observing a later in-place update.
func CloneByteSlice(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
