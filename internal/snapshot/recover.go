package snapshot

import (
	"fmt"
	"math"

	"molten/internal/compact"
	"molten/internal/value"
)

// BailoutKind says why optimized code gave up. It is recorded in each
// snapshot header and steers what happens after the frame is rebuilt.
type BailoutKind uint8

const (
	// BailNormal is a speculation failure with no further consequence.
	BailNormal BailoutKind = iota
	// BailBoundsCheck and BailShapeGuard invalidate the code after the
	// bailout completes, since the guard will keep failing.
	BailBoundsCheck
	BailShapeGuard
	// BailExceptionPropagation rebuilds frames so an attached debugger
	// can observe an exception unwinding through them. The rebuilt frame
	// immediately re-enters exception handling and never resumes.
	BailExceptionPropagation
)

func (k BailoutKind) String() string {
	switch k {
	case BailNormal:
		return "normal"
	case BailBoundsCheck:
		return "bounds-check"
	case BailShapeGuard:
		return "shape-guard"
	case BailExceptionPropagation:
		return "exception-propagation"
	}
	return fmt.Sprintf("bailout(%d)", uint8(k))
}

// Invalidates reports whether finishing a bailout of this kind must throw
// the compiled code away.
func (k BailoutKind) Invalidates() bool {
	return k == BailBoundsCheck || k == BailShapeGuard
}

// Instruction is one entry of a recover record.
type Instruction interface {
	// NumOperands is how many allocations the instruction consumes from
	// the allocation stream.
	NumOperands() int
}

// ResumePoint marks one logical frame: the op it resumes at and the frame's
// full operand count (scope chain, this, formals, locals, stack).
type ResumePoint struct {
	PCOffset uint32
	NumOps   uint32
}

func (rp ResumePoint) NumOperands() int { return int(rp.NumOps) }

// ArithOp is the operation of an Arith instruction.
type ArithOp uint8

const (
	ArithAdd ArithOp = iota
	ArithSub
	ArithMul
	ArithDiv
)

func (op ArithOp) String() string {
	switch op {
	case ArithAdd:
		return "add"
	case ArithSub:
		return "sub"
	case ArithMul:
		return "mul"
	case ArithDiv:
		return "div"
	}
	return fmt.Sprintf("arith(%d)", uint8(op))
}

// Arith is a binary numeric operation the compiler sank out of the code.
// Its result is recomputed from the operands when a frame needs it.
type Arith struct {
	Op ArithOp
}

func (Arith) NumOperands() int { return 2 }

// recoverArith recomputes a sunk operation. Operands are always numeric;
// the compiler only sinks arithmetic it proved to be on numbers.
func recoverArith(op ArithOp, lhs, rhs value.Value) (value.Value, error) {
	if !lhs.IsNumber() || !rhs.IsNumber() {
		return value.Value(0), fmt.Errorf("snapshot: %v on non-numbers %v and %v", op, lhs, rhs)
	}
	if lhs.IsInt32() && rhs.IsInt32() && op != ArithDiv {
		l, r := int64(lhs.Int32()), int64(rhs.Int32())
		var n int64
		switch op {
		case ArithAdd:
			n = l + r
		case ArithSub:
			n = l - r
		case ArithMul:
			n = l * r
		}
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return value.Int32Value(int32(n)), nil
		}
		return value.DoubleValue(float64(n)), nil
	}
	l, r := lhs.Number(), rhs.Number()
	switch op {
	case ArithAdd:
		return value.DoubleValue(l + r), nil
	case ArithSub:
		return value.DoubleValue(l - r), nil
	case ArithMul:
		return value.DoubleValue(l * r), nil
	case ArithDiv:
		return value.DoubleValue(l / r), nil
	}
	return value.Value(0), fmt.Errorf("snapshot: bad arith op %d", op)
}

// Instruction stream encoding: a kind byte, then the fields. Arith packs
// its operation into the kind byte.
const (
	instResumePoint = 0
	instArithBase   = 1
)

func encodeInstruction(w *compact.Writer, inst Instruction) {
	switch in := inst.(type) {
	case ResumePoint:
		w.WriteByte(instResumePoint)
		w.WriteUnsigned(in.PCOffset)
		w.WriteUnsigned(in.NumOps)
	case Arith:
		w.WriteByte(instArithBase + byte(in.Op))
	default:
		panic(fmt.Sprintf("snapshot: encode of unknown instruction %T", inst))
	}
}

func decodeInstruction(r *compact.Reader) (Instruction, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("snapshot: instruction kind: %w", err)
	}
	switch {
	case kind == instResumePoint:
		var rp ResumePoint
		if rp.PCOffset, err = r.ReadUnsigned(); err != nil {
			return nil, fmt.Errorf("snapshot: resume point: %w", err)
		}
		if rp.NumOps, err = r.ReadUnsigned(); err != nil {
			return nil, fmt.Errorf("snapshot: resume point: %w", err)
		}
		return rp, nil
	case kind >= instArithBase && kind < instArithBase+4:
		return Arith{Op: ArithOp(kind - instArithBase)}, nil
	}
	return nil, fmt.Errorf("snapshot: bad instruction kind %d", kind)
}

// Record is a decoded recover record: the instruction list for one bailout
// site. The last instruction is always the innermost frame's resume point.
type Record struct {
	Instructions []Instruction
	// ResumeAfter means the innermost frame resumes after its op rather
	// than at it: the op completed in a call and its result needs to be
	// placed, not recomputed.
	ResumeAfter bool
}

// FrameCount counts the resume points in the record.
func (rec *Record) FrameCount() int {
	n := 0
	for _, inst := range rec.Instructions {
		if _, ok := inst.(ResumePoint); ok {
			n++
		}
	}
	return n
}

func encodeRecord(w *compact.Writer, rec *Record) {
	hdr := uint32(len(rec.Instructions)) << 1
	if rec.ResumeAfter {
		hdr |= 1
	}
	w.WriteUnsigned(hdr)
	for _, inst := range rec.Instructions {
		encodeInstruction(w, inst)
	}
}

// DecodeRecord reads the recover record at offset in data.
func DecodeRecord(data []byte, offset uint32) (*Record, error) {
	r := compact.NewReaderAt(data, int(offset))
	hdr, err := r.ReadUnsigned()
	if err != nil {
		return nil, fmt.Errorf("snapshot: record header: %w", err)
	}
	rec := &Record{ResumeAfter: hdr&1 != 0}
	n := hdr >> 1
	if n == 0 {
		return nil, fmt.Errorf("snapshot: empty recover record at %d", offset)
	}
	rec.Instructions = make([]Instruction, n)
	for i := range rec.Instructions {
		if rec.Instructions[i], err = decodeInstruction(r); err != nil {
			return nil, err
		}
	}
	if _, ok := rec.Instructions[n-1].(ResumePoint); !ok {
		return nil, fmt.Errorf("snapshot: recover record at %d does not end on a resume point", offset)
	}
	return rec, nil
}
