package snapshot

import (
	"fmt"
	"math"

	"molten/internal/code"
	"molten/internal/compact"
	"molten/internal/mem"
	"molten/internal/regs"
	"molten/internal/safepoint"
	"molten/internal/value"
)

// Results holds the recomputed values of one frame's recover instructions,
// keyed by instruction index. Slots start as a guard magic and are filled
// once; resume points keep the guard forever. Results outlive the iterator
// that computed them: they are registered with the frame's activation so
// repeated reads and the collector see one copy.
type Results struct {
	fp   mem.Addr
	vals []value.Value
}

func newResults(fp mem.Addr, n int) *Results {
	r := &Results{fp: fp, vals: make([]value.Value, n)}
	for i := range r.vals {
		r.vals[i] = value.MagicValue(value.RecoverGuard)
	}
	return r
}

// FramePointer identifies the optimized frame the results belong to.
func (r *Results) FramePointer() mem.Addr { return r.fp }

func (r *Results) has(i uint32) bool {
	return int(i) < len(r.vals) && r.vals[i] != value.MagicValue(value.RecoverGuard)
}

func (r *Results) get(i uint32) value.Value {
	if !r.has(i) {
		panic(fmt.Sprintf("snapshot: result %d of frame %#x not computed", i, uint64(r.fp)))
	}
	return r.vals[i]
}

func (r *Results) set(i int, v value.Value) {
	if r.vals[i] != value.MagicValue(value.RecoverGuard) {
		panic(fmt.Sprintf("snapshot: result %d of frame %#x set twice", i, uint64(r.fp)))
	}
	r.vals[i] = v
}

// Trace visits every computed result, writing back any the visitor moved.
func (r *Results) Trace(visit func(value.Value) value.Value) {
	for i, v := range r.vals {
		if v == value.MagicValue(value.RecoverGuard) || !v.IsGCThing() {
			continue
		}
		if nv := visit(v); nv != v {
			r.vals[i] = nv
		}
	}
}

// ResultsStore keeps per-frame results alive for as long as the frame is on
// the stack. The activation implements it.
type ResultsStore interface {
	// FrameResults returns the results registered for fp, or nil.
	FrameResults(fp mem.Addr) *Results
	// RegisterFrameResults records results for their frame.
	RegisterFrameResults(r *Results)
}

// Fallback controls what MaybeRead does with an allocation that cannot be
// read directly.
type Fallback struct {
	// Store allows recover instructions to be executed and their results
	// kept. With a nil store, unreadable allocations read as an
	// optimized-out placeholder instead.
	Store ResultsStore
	// OnRecoverObserved, if set, runs the first time results are computed
	// for the frame. Observers of a live frame pass an invalidation hook
	// here: once deferred results have been seen, the code's assumption
	// that they are unobservable no longer holds.
	OnRecoverObserved func()
}

// Iterator walks one snapshot: the instructions of its recover record and
// the allocation stream feeding them. Copying an Iterator snapshots its
// position; the copy advances independently.
type Iterator struct {
	oc      *code.OptCode
	view    *mem.View
	fp      mem.Addr
	machine *regs.MachineState

	record *Record
	kind   BailoutKind

	alloc      compact.Reader
	allocStart int
	instIdx    int
	opsRead    int

	results *Results
}

// New opens the snapshot at snapshotOffset. The iterator is positioned on
// the first instruction; callers settle it on a frame before reading.
func New(oc *code.OptCode, snapshotOffset uint32, view *mem.View, fp mem.Addr, machine *regs.MachineState) (*Iterator, error) {
	r := compact.NewReaderAt(oc.SnapshotData, int(snapshotOffset))
	kind, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("snapshot: header at %d: %w", snapshotOffset, err)
	}
	recoverOffset, err := r.ReadUnsigned()
	if err != nil {
		return nil, fmt.Errorf("snapshot: header at %d: %w", snapshotOffset, err)
	}
	record, err := DecodeRecord(oc.RecoverData, recoverOffset)
	if err != nil {
		return nil, err
	}
	it := &Iterator{
		oc:      oc,
		view:    view,
		fp:      fp,
		machine: machine,
		record:  record,
		kind:    BailoutKind(kind),
		alloc:   *r,
	}
	it.allocStart = r.Position()
	return it, nil
}

func (it *Iterator) BailoutKind() BailoutKind { return it.kind }

// ReadKind decodes only the bailout kind byte of the snapshot at offset,
// for callers that must classify a bailout before any frame state exists.
func ReadKind(data []byte, offset uint32) (BailoutKind, error) {
	r := compact.NewReaderAt(data, int(offset))
	kind, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("snapshot: header at %d: %w", offset, err)
	}
	return BailoutKind(kind), nil
}

// FrameCount is the number of logical frames in the snapshot.
func (it *Iterator) FrameCount() int { return it.record.FrameCount() }

// FramePointer returns the physical frame the snapshot describes.
func (it *Iterator) FramePointer() mem.Addr { return it.fp }

func (it *Iterator) instruction() Instruction {
	return it.record.Instructions[it.instIdx]
}

// NumAllocations is the operand count of the current instruction. On a
// resume point that is the frame's full slot count.
func (it *Iterator) NumAllocations() int {
	return it.instruction().NumOperands()
}

// MoreAllocations reports whether operands of the current instruction
// remain unread.
func (it *Iterator) MoreAllocations() bool {
	return it.opsRead < it.NumAllocations()
}

// nextInstruction skips any unread operands and moves to the next
// instruction.
func (it *Iterator) nextInstruction() error {
	for it.MoreAllocations() {
		if err := it.Skip(); err != nil {
			return err
		}
	}
	if it.instIdx+1 >= len(it.record.Instructions) {
		return fmt.Errorf("snapshot: advance past the last instruction")
	}
	it.instIdx++
	it.opsRead = 0
	return nil
}

// SettleOnFrame advances to the next resume point, executing no recover
// instructions on the way. Must be called before the first frame read.
func (it *Iterator) SettleOnFrame() error {
	if it.opsRead != 0 {
		panic("snapshot: settle with operands already read")
	}
	for {
		if _, ok := it.instruction().(ResumePoint); ok {
			return nil
		}
		if err := it.nextInstruction(); err != nil {
			return err
		}
	}
}

// MoreFrames reports whether resume points remain after the current
// instruction. The record always ends on the innermost frame's resume
// point, so any trailing instruction implies another frame.
func (it *Iterator) MoreFrames() bool {
	return it.instIdx+1 < len(it.record.Instructions)
}

// NextFrame advances to the next (more deeply inlined) frame.
func (it *Iterator) NextFrame() error {
	if err := it.nextInstruction(); err != nil {
		return err
	}
	return it.SettleOnFrame()
}

func (it *Iterator) resumePoint() ResumePoint {
	rp, ok := it.instruction().(ResumePoint)
	if !ok {
		panic("snapshot: iterator not settled on a frame")
	}
	return rp
}

// PCOffset is the current frame's resume pc.
func (it *Iterator) PCOffset() uint32 { return it.resumePoint().PCOffset }

// ResumeAfter reports whether the innermost frame resumes after its op.
// Only meaningful on the innermost frame.
func (it *Iterator) ResumeAfter() bool {
	if it.MoreFrames() {
		panic("snapshot: ResumeAfter on a non-innermost frame")
	}
	return it.record.ResumeAfter
}

// ReadAllocation consumes the next operand's location without reading its
// value.
func (it *Iterator) ReadAllocation() (Allocation, error) {
	if !it.MoreAllocations() {
		return Allocation{}, fmt.Errorf("snapshot: read past the %d operands of %T",
			it.NumAllocations(), it.instruction())
	}
	off, err := it.alloc.ReadUnsigned()
	if err != nil {
		return Allocation{}, fmt.Errorf("snapshot: allocation stream: %w", err)
	}
	a, err := decodeAllocation(compact.NewReaderAt(it.oc.SnapshotRVA, int(off)))
	if err != nil {
		return Allocation{}, err
	}
	it.opsRead++
	return a, nil
}

// Skip consumes one operand.
func (it *Iterator) Skip() error {
	_, err := it.ReadAllocation()
	return err
}

func (it *Iterator) slotAddr(slot uint32) mem.Addr { return it.fp - mem.Addr(slot) }

func (it *Iterator) readGPR(r regs.RegID) uint64 {
	return it.view.Uint64(it.machine.GPRLocation(r))
}

func (it *Iterator) readLoc(l safepoint.Loc) uint32 {
	if l.Kind == safepoint.LocRegister {
		return it.view.Uint32(it.machine.GPRLocation(l.Reg))
	}
	return it.view.Uint32(it.slotAddr(l.Slot))
}

func (it *Iterator) writeLoc(l safepoint.Loc, half uint32) {
	if l.Kind == safepoint.LocRegister {
		it.view.SetUint32(it.machine.GPRLocation(l.Reg), half)
		return
	}
	it.view.SetUint32(it.slotAddr(l.Slot), half)
}

func (it *Iterator) locReadable(l safepoint.Loc) bool {
	return l.Kind == safepoint.LocStack || it.machine.HasGPR(l.Reg)
}

// allocationReadable reports whether the allocation's value can be produced
// right now. Register allocations need the machine state of the frame's
// interruption point; recover results need to have been computed.
func (it *Iterator) allocationReadable(a Allocation) bool {
	switch a.Kind {
	case AllocFloatReg:
		return it.machine.HasFPR(a.FPR)
	case AllocTypedReg, AllocUntypedReg:
		return it.machine.HasGPR(a.GPR)
	case AllocUntypedSplit:
		return it.locReadable(a.TagLoc) && it.locReadable(a.PayloadLoc)
	case AllocRecover:
		return it.results != nil && it.results.has(a.Index)
	default:
		return true
	}
}

func (it *Iterator) allocationValue(a Allocation) value.Value {
	switch a.Kind {
	case AllocConstant:
		return it.oc.Constants[a.Index]
	case AllocUndefined:
		return value.UndefinedValue()
	case AllocNull:
		return value.NullValue()
	case AllocFloatReg:
		raw := it.view.Uint64(it.machine.FPRLocation(a.FPR))
		return value.DoubleValue(math.Float64frombits(raw))
	case AllocTypedReg:
		return value.TypedPayload(a.Type, it.readGPR(a.GPR))
	case AllocTypedStack:
		return value.TypedPayload(a.Type, it.view.Uint64(it.slotAddr(a.Slot)))
	case AllocUntypedReg:
		return value.FromRaw(it.readGPR(a.GPR))
	case AllocUntypedStack:
		return value.FromRaw(it.view.Uint64(it.slotAddr(a.Slot)))
	case AllocUntypedSplit:
		return value.Combine(it.readLoc(a.TagLoc), it.readLoc(a.PayloadLoc))
	case AllocRecover:
		return it.results.get(a.Index)
	case AllocRecoverDefault:
		if it.results != nil && it.results.has(a.Index) {
			return it.results.get(a.Index)
		}
		return it.oc.Constants[a.DefaultIndex]
	}
	panic(fmt.Sprintf("snapshot: value of bad allocation kind %d", a.Kind))
}

// writePayload stores a value back into its allocation. Only the payload
// half of typed and split locations changes; literals have nowhere to
// write and recover results are owned by the activation.
func (it *Iterator) writePayload(a Allocation, v value.Value) {
	switch a.Kind {
	case AllocConstant:
		it.oc.Constants[a.Index] = v
	case AllocFloatReg:
		it.view.SetUint64(it.machine.FPRLocation(a.FPR), v.Raw())
	case AllocTypedReg:
		it.view.SetUint64(it.machine.GPRLocation(a.GPR), v.Payload())
	case AllocTypedStack:
		it.view.SetUint64(it.slotAddr(a.Slot), v.Payload())
	case AllocUntypedReg:
		it.view.SetUint64(it.machine.GPRLocation(a.GPR), v.Raw())
	case AllocUntypedStack:
		it.view.SetUint64(it.slotAddr(a.Slot), v.Raw())
	case AllocUntypedSplit:
		p := v.Split()
		it.writeLoc(a.TagLoc, p.Tag)
		it.writeLoc(a.PayloadLoc, p.Payload)
	default:
		panic(fmt.Sprintf("snapshot: write into %v allocation", a.Kind))
	}
}

// Read consumes one operand and returns its value. The allocation must be
// readable; use MaybeRead when it may not be.
func (it *Iterator) Read() (value.Value, error) {
	a, err := it.ReadAllocation()
	if err != nil {
		return value.Value(0), err
	}
	if !it.allocationReadable(a) {
		return value.Value(0), fmt.Errorf("snapshot: %v allocation not readable", a.Kind)
	}
	return it.allocationValue(a), nil
}

// MaybeRead consumes one operand. Unreadable recover results are computed
// through the fallback's store; with no store the value reads as an
// optimized-out placeholder.
func (it *Iterator) MaybeRead(fb Fallback) (value.Value, error) {
	a, err := it.ReadAllocation()
	if err != nil {
		return value.Value(0), err
	}
	return it.MaybeReadAllocation(a, fb)
}

// MaybeReadAllocation produces the value of an already-decoded allocation
// with the same fallback rules as MaybeRead. It does not consume operands,
// so a caller can hold an allocation and re-read it precisely later.
func (it *Iterator) MaybeReadAllocation(a Allocation, fb Fallback) (value.Value, error) {
	if it.allocationReadable(a) {
		return it.allocationValue(a), nil
	}
	if fb.Store != nil {
		if err := it.EnsureResults(fb); err != nil {
			return value.Value(0), err
		}
		if !it.allocationReadable(a) {
			return value.Value(0), fmt.Errorf("snapshot: %v allocation unreadable after recover", a.Kind)
		}
		return it.allocationValue(a), nil
	}
	return value.MagicValue(value.OptimizedOut), nil
}

// ReadWithDefault consumes one operand without running any recover
// instruction. Readable allocations return their value directly. An
// unreadable recover allocation with a default returns the default constant
// and reports the allocation, so the caller can re-read it precisely once a
// store is available.
func (it *Iterator) ReadWithDefault() (value.Value, Allocation, bool, error) {
	a, err := it.ReadAllocation()
	if err != nil {
		return value.Value(0), Allocation{}, false, err
	}
	if it.allocationReadable(a) {
		return it.allocationValue(a), Allocation{}, false, nil
	}
	if a.Kind == AllocRecoverDefault {
		return it.oc.Constants[a.DefaultIndex], a, true, nil
	}
	return value.Value(0), Allocation{}, false,
		fmt.Errorf("snapshot: %v allocation has no default", a.Kind)
}

// EnsureResults attaches the frame's recover results, computing them on
// first use. The empty results are registered with the store before
// computing so a recursive read of the same frame cannot recompute them.
func (it *Iterator) EnsureResults(fb Fallback) error {
	if it.results != nil {
		return nil
	}
	if fb.Store == nil {
		return fmt.Errorf("snapshot: recover results needed with no store")
	}
	if r := fb.Store.FrameResults(it.fp); r != nil {
		it.results = r
		return nil
	}
	if fb.OnRecoverObserved != nil {
		fb.OnRecoverObserved()
	}
	r := newResults(it.fp, len(it.record.Instructions)-1)
	fb.Store.RegisterFrameResults(r)
	if err := it.computeResults(r); err != nil {
		return err
	}
	it.results = r
	return nil
}

// computeResults runs every recover instruction in record order, reading
// operands through a fresh iterator with the partial results attached so
// instructions can consume earlier results.
func (it *Iterator) computeResults(r *Results) error {
	fresh := *it
	fresh.alloc.SetPosition(it.allocStart)
	fresh.instIdx = 0
	fresh.opsRead = 0
	fresh.results = r

	for i := range fresh.record.Instructions {
		switch inst := fresh.instruction().(type) {
		case ResumePoint:
			// Frames recompute nothing; their slot keeps the guard.
		case Arith:
			lhs, err := fresh.Read()
			if err != nil {
				return err
			}
			rhs, err := fresh.Read()
			if err != nil {
				return err
			}
			v, err := recoverArith(inst.Op, lhs, rhs)
			if err != nil {
				return err
			}
			r.set(i, v)
		default:
			return fmt.Errorf("snapshot: cannot recover %T", inst)
		}
		if i+1 < len(fresh.record.Instructions) {
			if err := fresh.nextInstruction(); err != nil {
				return err
			}
		}
	}
	return nil
}

// TraceAllocation visits the next operand for garbage collection. Values
// the visitor relocates are written back to the frame. Constants and
// recover results are skipped here; the code's constant pool and the
// activation's result sets are traced by their owners.
func (it *Iterator) TraceAllocation(visit func(value.Value) value.Value) error {
	a, err := it.ReadAllocation()
	if err != nil {
		return err
	}
	switch a.Kind {
	case AllocConstant, AllocUndefined, AllocNull, AllocRecover, AllocRecoverDefault:
		return nil
	}
	if !it.allocationReadable(a) {
		return nil
	}
	v := it.allocationValue(a)
	if !v.IsGCThing() {
		return nil
	}
	if nv := visit(v); nv != v {
		it.writePayload(a, nv)
	}
	return nil
}
