// Package pcmap maps between bytecode offsets and native code offsets in
// fast-tier compiled code.
//
// The table is a compact stream with one record per bytecode op, in pc order.
// Each record is a header byte: bit 0 set means an unsigned native-offset
// delta follows, and bits 1..6 carry the operand-stack slot info for resuming
// at that op. Ops that emit no native code share the native offset of the
// next op that does, so their records have a zero delta. An index entry is
// kept every few records so lookups never scan the whole stream.
package pcmap

import (
	"fmt"
	"sort"

	"molten/internal/bytecode"
	"molten/internal/compact"
)

// SlotLoc says where an unsynced operand stack value lives when fast-tier
// code reaches an op boundary.
type SlotLoc uint8

const (
	SlotInR0   SlotLoc = 0
	SlotInR1   SlotLoc = 1
	SlotIgnore SlotLoc = 3
)

// SlotInfo packs the number of unsynced top-of-stack values (at most two)
// and their locations into six bits.
//
//	bits 0..1  number of unsynced slots
//	bits 2..3  location of the top slot
//	bits 4..5  location of the slot under it
type SlotInfo uint8

// AllSynced is the slot info for an op boundary where every operand stack
// value has been written to its frame slot.
func AllSynced() SlotInfo { return 0 }

// OneUnsynced describes a boundary with the top stack value held in a
// register.
func OneUnsynced(top SlotLoc) SlotInfo {
	return SlotInfo(1 | uint8(top)<<2)
}

// TwoUnsynced describes a boundary with the top two stack values held in
// registers.
func TwoUnsynced(top, next SlotLoc) SlotInfo {
	return SlotInfo(2 | uint8(top)<<2 | uint8(next)<<4)
}

func (si SlotInfo) NumUnsynced() int { return int(si & 0x3) }
func (si SlotInfo) TopLoc() SlotLoc  { return SlotLoc(si >> 2 & 0x3) }
func (si SlotInfo) NextLoc() SlotLoc { return SlotLoc(si >> 4 & 0x3) }

// indexInterval is how many op records share one index entry.
const indexInterval = 16

type indexEntry struct {
	pcOffset     uint32
	nativeOffset uint32
	bufferOffset uint32
}

// Table is the finished pc mapping for one script's fast-tier code.
type Table struct {
	index []indexEntry
	buf   []byte
}

// Builder accumulates one record per op while fast-tier code is emitted.
// Add must be called in increasing pc order with nondecreasing native
// offsets.
type Builder struct {
	recs []struct {
		pcOffset     uint32
		nativeOffset uint32
		slots        SlotInfo
	}
}

// Add records the native offset and resume slot info for the op at pcOffset.
func (b *Builder) Add(pcOffset, nativeOffset uint32, slots SlotInfo) {
	if n := len(b.recs); n > 0 {
		last := b.recs[n-1]
		if pcOffset <= last.pcOffset {
			panic(fmt.Sprintf("pcmap: pc %d not after %d", pcOffset, last.pcOffset))
		}
		if nativeOffset < last.nativeOffset {
			panic(fmt.Sprintf("pcmap: native offset %d before %d", nativeOffset, last.nativeOffset))
		}
	}
	b.recs = append(b.recs, struct {
		pcOffset     uint32
		nativeOffset uint32
		slots        SlotInfo
	}{pcOffset, nativeOffset, slots})
}

// Finish compresses the records into a lookup table.
func (b *Builder) Finish() *Table {
	t := &Table{}
	w := compact.NewWriter()
	prevNative := uint32(0)
	for i, rec := range b.recs {
		if i%indexInterval == 0 {
			t.index = append(t.index, indexEntry{
				pcOffset:     rec.pcOffset,
				nativeOffset: rec.nativeOffset,
				bufferOffset: uint32(w.Len()),
			})
			prevNative = rec.nativeOffset
		}
		hdr := byte(rec.slots) << 1
		if rec.nativeOffset != prevNative {
			hdr |= 1
		}
		w.WriteByte(hdr)
		if rec.nativeOffset != prevNative {
			w.WriteUnsigned(rec.nativeOffset - prevNative)
			prevNative = rec.nativeOffset
		}
	}
	t.buf = w.Bytes()
	return t
}

// chunkFor picks the index entry whose records cover nativeOffset. A return
// offset equal to the next chunk's first native offset still belongs to the
// current chunk, since the returning call is that chunk's last op.
func (t *Table) chunkFor(nativeOffset uint32, isReturn bool) int {
	return sort.Search(len(t.index)-1, func(i int) bool {
		next := t.index[i+1].nativeOffset
		if isReturn {
			return nativeOffset <= next
		}
		return nativeOffset < next
	})
}

// reader positions a compact reader at the start of chunk i's records.
func (t *Table) reader(i int) *compact.Reader {
	start := int(t.index[i].bufferOffset)
	end := len(t.buf)
	if i+1 < len(t.index) {
		end = int(t.index[i+1].bufferOffset)
	}
	return compact.NewReader(t.buf[start:end])
}

// NativeOffsetForPC returns the native offset and resume slot info for the
// op at pcOffset. ok is false when the table has no record for that pc.
func (t *Table) NativeOffsetForPC(s *bytecode.Script, pcOffset uint32) (native uint32, slots SlotInfo, ok bool) {
	if len(t.index) == 0 || pcOffset < t.index[0].pcOffset {
		return 0, 0, false
	}
	i := sort.Search(len(t.index)-1, func(i int) bool {
		return pcOffset < t.index[i+1].pcOffset
	})
	r := t.reader(i)
	curPC := t.index[i].pcOffset
	curNative := t.index[i].nativeOffset
	for r.More() {
		b, err := r.ReadByte()
		if err != nil {
			return 0, 0, false
		}
		if b&1 != 0 {
			delta, err := r.ReadUnsigned()
			if err != nil {
				return 0, 0, false
			}
			curNative += delta
		}
		if curPC == pcOffset {
			return curNative, SlotInfo(b >> 1), true
		}
		curPC = s.NextPC(curPC)
	}
	return 0, 0, false
}

// PCForNativeOffset returns the pc of the op whose emitted code contains
// nativeOffset. Offsets inside prologue code before the first op map to
// pc 0.
func (t *Table) PCForNativeOffset(s *bytecode.Script, nativeOffset uint32) (uint32, bool) {
	return t.pcForNativeOffset(s, nativeOffset, false)
}

// PCForReturnOffset returns the pc of the call-like op whose return address
// is nativeOffset. A return offset always equals the native offset recorded
// for the op after the call, so the match resolves to the preceding record.
func (t *Table) PCForReturnOffset(s *bytecode.Script, nativeOffset uint32) (uint32, bool) {
	return t.pcForNativeOffset(s, nativeOffset, true)
}

func (t *Table) pcForNativeOffset(s *bytecode.Script, nativeOffset uint32, isReturn bool) (uint32, bool) {
	if len(t.index) == 0 {
		return 0, false
	}
	i := t.chunkFor(nativeOffset, isReturn)
	curPC := t.index[i].pcOffset
	curNative := t.index[i].nativeOffset

	if !isReturn && nativeOffset < curNative {
		// Before the first op's code. Only possible in the first chunk.
		return 0, true
	}

	r := t.reader(i)
	lastPC := curPC
	for r.More() {
		b, err := r.ReadByte()
		if err != nil {
			return 0, false
		}
		if b&1 != 0 {
			delta, err := r.ReadUnsigned()
			if err != nil {
				return 0, false
			}
			curNative += delta
		}
		if isReturn {
			if nativeOffset == curNative {
				return lastPC, true
			}
		} else if nativeOffset < curNative {
			return lastPC, true
		}
		lastPC = curPC
		curPC = s.NextPC(curPC)
	}
	if !isReturn {
		// Offsets at or past the last op's code belong to the last op.
		return lastPC, true
	}
	if i+1 < len(t.index) && nativeOffset == t.index[i+1].nativeOffset {
		// The call is the chunk's last record, so its return offset is
		// the next chunk's first native offset.
		return lastPC, true
	}
	return 0, false
}
