package snapshot

import (
	"fmt"

	"molten/internal/compact"
)

// Writer builds the three snapshot buffers of one compiled script: the
// shared allocation table, the snapshot streams, and the recover records.
//
// Usage is two-phase per bailout site: add the site's instructions and end
// the recover record, then begin a snapshot referencing it and add one
// allocation per instruction operand, outermost frame first.
type Writer struct {
	rva     *compact.Writer
	seen    map[string]uint32
	snaps   *compact.Writer
	recover *compact.Writer

	pending []Instruction

	// operand totals per recover record, for checking snapshots against
	// the record they reference.
	operands map[uint32]int

	expect  int
	written int
	open    bool
}

func NewWriter() *Writer {
	return &Writer{
		rva:      compact.NewWriter(),
		seen:     make(map[string]uint32),
		snaps:    compact.NewWriter(),
		recover:  compact.NewWriter(),
		operands: make(map[uint32]int),
	}
}

// AddInstruction appends an instruction to the recover record being built.
func (w *Writer) AddInstruction(inst Instruction) {
	w.pending = append(w.pending, inst)
}

// AddResumePoint appends a frame's resume point.
func (w *Writer) AddResumePoint(pcOffset, numOps uint32) {
	w.AddInstruction(ResumePoint{PCOffset: pcOffset, NumOps: numOps})
}

// EndRecover finishes the current recover record and returns its offset.
func (w *Writer) EndRecover(resumeAfter bool) uint32 {
	if len(w.pending) == 0 {
		panic("snapshot: empty recover record")
	}
	if _, ok := w.pending[len(w.pending)-1].(ResumePoint); !ok {
		panic("snapshot: recover record must end on a resume point")
	}
	offset := uint32(w.recover.Len())
	rec := &Record{Instructions: w.pending, ResumeAfter: resumeAfter}
	encodeRecord(w.recover, rec)
	total := 0
	for _, inst := range w.pending {
		total += inst.NumOperands()
	}
	w.operands[offset] = total
	w.pending = nil
	return offset
}

// BeginSnapshot starts a snapshot for the given recover record and returns
// the snapshot offset to store in the code's side tables.
func (w *Writer) BeginSnapshot(kind BailoutKind, recoverOffset uint32) uint32 {
	if w.open {
		panic("snapshot: BeginSnapshot inside an open snapshot")
	}
	expect, ok := w.operands[recoverOffset]
	if !ok {
		panic(fmt.Sprintf("snapshot: no recover record at offset %d", recoverOffset))
	}
	offset := uint32(w.snaps.Len())
	w.snaps.WriteByte(byte(kind))
	w.snaps.WriteUnsigned(recoverOffset)
	w.open = true
	w.expect = expect
	w.written = 0
	return offset
}

// AddAllocation appends one operand's location to the open snapshot.
func (w *Writer) AddAllocation(a Allocation) {
	if !w.open {
		panic("snapshot: AddAllocation outside a snapshot")
	}
	if w.written == w.expect {
		panic(fmt.Sprintf("snapshot: more than %d allocations for record", w.expect))
	}
	enc := compact.NewWriter()
	a.encode(enc)
	key := string(enc.Bytes())
	off, ok := w.seen[key]
	if !ok {
		off = uint32(w.rva.Len())
		w.rva.WriteBytes(enc.Bytes())
		w.seen[key] = off
	}
	w.snaps.WriteUnsigned(off)
	w.written++
}

// EndSnapshot closes the open snapshot.
func (w *Writer) EndSnapshot() {
	if !w.open {
		panic("snapshot: EndSnapshot without BeginSnapshot")
	}
	if w.written != w.expect {
		panic(fmt.Sprintf("snapshot: %d allocations written, record has %d operands",
			w.written, w.expect))
	}
	w.open = false
}

// Finish returns the allocation table, snapshot stream, and recover stream.
func (w *Writer) Finish() (rva, snapshots, recoverData []byte) {
	if w.open {
		panic("snapshot: Finish with an open snapshot")
	}
	if len(w.pending) != 0 {
		panic("snapshot: Finish with an unfinished recover record")
	}
	return w.rva.Bytes(), w.snaps.Bytes(), w.recover.Bytes()
}
