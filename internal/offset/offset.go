// Package offset implements the ticketed serializer that assigns
// sequential file offsets to relative operations (read, write, lseek)
// while preserving program order across goroutines sharing one file
// handle. It is purely a volatile, in-process structure:
// nothing here is written to PMEM.
package offset

import (
	"sync"

	"github.com/ulayfs/ulayfs-go/internal/config"
)

// Ticket identifies one acquire_offset call, handed out in increasing
// order.
type Ticket uint64

// published is what a ticket's holder reports once its tx entry has
// actually landed: a caller-chosen monotonic position (typically a
// counter the tx manager bumps on every successful placement) used to
// detect whether a later, concurrently-acquired ticket's append raced
// ahead of an earlier one in tx order.
type published struct {
	ticket Ticket
	pos    uint64
}

// Mgr is the per-file offset serializer. It is safe for concurrent use
// by multiple goroutines sharing a file handle.
type Mgr struct {
	mu sync.Mutex

	offset     uint64
	nextTicket Ticket

	strict bool
	slots  []published
}

// New constructs a Mgr with numSlots ring slots. strict selects whether
// WaitOffset/ValidateOffset/ReleaseOffset actually enforce ordering or
// are no-ops, since strict serialization is a configurable tradeoff.
func New(numSlots int, strict bool) *Mgr {
	if numSlots <= 0 {
		numSlots = config.NumOffsetQueueSlot
	}
	return &Mgr{strict: strict, slots: make([]published, numSlots)}
}

// AcquireOffset advances the file's logical offset by count (clamped to
// fileSize if stopAtBoundary is set, in which case the clamped count is
// returned), and returns the old offset plus a ticket for the caller to
// use with Wait/Validate/ReleaseOffset.
func (m *Mgr) AcquireOffset(count uint64, fileSize uint64, stopAtBoundary bool) (oldOffset uint64, grantedCount uint64, ticket Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldOffset = m.offset
	grantedCount = count
	if stopAtBoundary && oldOffset+count > fileSize {
		if oldOffset >= fileSize {
			grantedCount = 0
		} else {
			grantedCount = fileSize - oldOffset
		}
	}
	m.offset = oldOffset + grantedCount
	m.nextTicket++
	ticket = m.nextTicket
	return
}

// Offset reports the current logical offset (e.g. for lseek's SEEK_CUR).
func (m *Mgr) Offset() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}

// SetOffset overwrites the logical offset directly, for absolute seeks.
func (m *Mgr) SetOffset(v uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offset = v
}

func (m *Mgr) slot(t Ticket) *published { return &m.slots[uint64(t)%uint64(len(m.slots))] }

// WaitOffset spins until the previous ticket has published, so this
// goroutine's tx append only lands after the one that logically
// precedes it. A no-op when strict serialization is off.
func (m *Mgr) WaitOffset(ticket Ticket) {
	if !m.strict || ticket <= 1 {
		return
	}
	prevTicket := ticket - 1
	for {
		m.mu.Lock()
		got := m.slot(prevTicket).ticket
		m.mu.Unlock()
		if got == prevTicket {
			return
		}
	}
}

// ValidateOffset reports whether the previous ticket's published
// position is still <= pos, i.e. this goroutine's append did not race
// ahead of the one before it. When strict serialization is off, it
// always reports true.
func (m *Mgr) ValidateOffset(ticket Ticket, pos uint64) bool {
	if !m.strict || ticket <= 1 {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.slot(ticket - 1)
	return prev.ticket == ticket-1 && prev.pos <= pos
}

// ReleaseOffset publishes this ticket's final position so the next
// ticket's WaitOffset/ValidateOffset can proceed.
func (m *Mgr) ReleaseOffset(ticket Ticket, pos uint64) {
	if !m.strict {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.slot(ticket) = published{ticket: ticket, pos: pos}
}
