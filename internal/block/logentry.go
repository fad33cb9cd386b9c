package block

import "github.com/tchajed/marshal"

// LogOp identifies the kind of operation a log entry describes. Only
// OVERWRITE exists today; the type exists so a future op doesn't need a
// wire-format change.
type LogOp uint32

const LogOpOverwrite LogOp = 0

// LogEntry is the 16-byte redo record describing one committed write:
// which virtual blocks it covers, where their data actually lives, and
// how many bytes of the last block are real payload versus padding.
type LogEntry struct {
	Op              LogOp
	VirtualBlockIdx VirtualBlockIdx
	LogicalBlockIdx LogicalBlockIdx
	NumBlocks       uint16
	Residual        uint16 // bytes of real data in the last block
}

// LogEntryBlock is an arena of log entries, appended to sequentially by
// the single goroutine that owns it: single writer per block, so no CAS
// is needed on the entries themselves.
type LogEntryBlock struct {
	Entries [NumLogEntriesPerBlock][16]byte
}

// PutLogEntry encodes e into the block's local_idx-th slot; persisting
// the slot is left to the caller. Encoding packs the five fields into two 8-byte marshal ints
// (Op|VirtualBlockIdx, then LogicalBlockIdx|NumBlocks|Residual) rather
// than relying on narrower int widths, staying within marshal's 8-byte
// integer encode/decode surface.
func (lb *LogEntryBlock) PutLogEntry(localIdx int, e LogEntry) {
	enc := marshal.NewEnc(16)
	enc.PutInt(uint64(e.Op)<<32 | uint64(e.VirtualBlockIdx))
	enc.PutInt(uint64(e.LogicalBlockIdx)<<32 | uint64(e.NumBlocks)<<16 | uint64(e.Residual))
	copy(lb.Entries[localIdx][:], enc.Finish())
}

// GetLogEntry decodes the local_idx-th slot.
func (lb *LogEntryBlock) GetLogEntry(localIdx int) LogEntry {
	dec := marshal.NewDec(lb.Entries[localIdx][:])
	a := dec.GetInt()
	b := dec.GetInt()
	return LogEntry{
		Op:              LogOp(a >> 32),
		VirtualBlockIdx: VirtualBlockIdx(a & 0xffffffff),
		LogicalBlockIdx: LogicalBlockIdx(b >> 32),
		NumBlocks:       uint16((b >> 16) & 0xffff),
		Residual:        uint16(b & 0xffff),
	}
}
