// Package snapshot encodes where every live value of an optimized frame can
// be found, and decodes that back into values when the frame must be taken
// apart.
//
// A snapshot is two streams. The recover stream lists instructions: resume
// points, one per logical frame from the outermost call to the innermost,
// and arithmetic the compiler sank out of the code whose results must be
// recomputed. The allocation stream holds one location per instruction
// operand. Allocations are deduplicated: the distinct encodings live in a
// shared table and the stream stores table offsets.
package snapshot

import (
	"fmt"

	"molten/internal/compact"
	"molten/internal/regs"
	"molten/internal/safepoint"
	"molten/internal/value"
)

// AllocKind discriminates Allocation variants.
type AllocKind uint8

const (
	// AllocConstant is an index into the code's constant pool.
	AllocConstant AllocKind = iota
	// AllocUndefined and AllocNull are the literals, common enough to
	// encode without a pool entry.
	AllocUndefined
	AllocNull
	// AllocFloatReg is a double in a float register.
	AllocFloatReg
	// AllocTypedReg and AllocTypedStack hold just the payload; the type
	// was proven statically and is recorded in the allocation.
	AllocTypedReg
	AllocTypedStack
	// AllocUntypedReg and AllocUntypedStack hold a whole boxed value.
	AllocUntypedReg
	AllocUntypedStack
	// AllocUntypedSplit holds a boxed value as separate tag and payload
	// words, each in its own register or slot.
	AllocUntypedSplit
	// AllocRecover is the result of a recover instruction.
	AllocRecover
	// AllocRecoverDefault is a recover result that falls back to a
	// constant when the results were never computed.
	AllocRecoverDefault
)

func (k AllocKind) String() string {
	switch k {
	case AllocConstant:
		return "constant"
	case AllocUndefined:
		return "undefined"
	case AllocNull:
		return "null"
	case AllocFloatReg:
		return "float-reg"
	case AllocTypedReg:
		return "typed-reg"
	case AllocTypedStack:
		return "typed-stack"
	case AllocUntypedReg:
		return "untyped-reg"
	case AllocUntypedStack:
		return "untyped-stack"
	case AllocUntypedSplit:
		return "untyped-split"
	case AllocRecover:
		return "recover"
	case AllocRecoverDefault:
		return "recover-default"
	}
	return fmt.Sprintf("alloc(%d)", uint8(k))
}

// Allocation says where one operand of a resume point or recover
// instruction lives. Only the fields implied by Kind are meaningful.
type Allocation struct {
	Kind AllocKind

	Type value.Type      // typed kinds
	GPR  regs.RegID      // register kinds
	FPR  regs.FloatRegID // float register
	Slot uint32          // stack kinds: byte offset below fp

	// Index is the constant pool index or recover instruction index.
	Index uint32
	// DefaultIndex is the constant pool fallback of a recover-default.
	DefaultIndex uint32

	// Split halves.
	TagLoc     safepoint.Loc
	PayloadLoc safepoint.Loc
}

func ConstantAlloc(index uint32) Allocation {
	return Allocation{Kind: AllocConstant, Index: index}
}

func UndefinedAlloc() Allocation { return Allocation{Kind: AllocUndefined} }
func NullAlloc() Allocation      { return Allocation{Kind: AllocNull} }

func FloatRegAlloc(r regs.FloatRegID) Allocation {
	return Allocation{Kind: AllocFloatReg, FPR: r}
}

func TypedRegAlloc(t value.Type, r regs.RegID) Allocation {
	return Allocation{Kind: AllocTypedReg, Type: t, GPR: r}
}

func TypedStackAlloc(t value.Type, slot uint32) Allocation {
	return Allocation{Kind: AllocTypedStack, Type: t, Slot: slot}
}

func UntypedRegAlloc(r regs.RegID) Allocation {
	return Allocation{Kind: AllocUntypedReg, GPR: r}
}

func UntypedStackAlloc(slot uint32) Allocation {
	return Allocation{Kind: AllocUntypedStack, Slot: slot}
}

func SplitAlloc(tag, payload safepoint.Loc) Allocation {
	return Allocation{Kind: AllocUntypedSplit, TagLoc: tag, PayloadLoc: payload}
}

func RecoverAlloc(index uint32) Allocation {
	return Allocation{Kind: AllocRecover, Index: index}
}

func RecoverDefaultAlloc(index, defaultConstant uint32) Allocation {
	return Allocation{Kind: AllocRecoverDefault, Index: index, DefaultIndex: defaultConstant}
}

func (a Allocation) encode(w *compact.Writer) {
	w.WriteByte(byte(a.Kind))
	switch a.Kind {
	case AllocConstant, AllocRecover:
		w.WriteUnsigned(a.Index)
	case AllocUndefined, AllocNull:
	case AllocFloatReg:
		w.WriteByte(byte(a.FPR))
	case AllocTypedReg:
		w.WriteByte(byte(a.Type))
		w.WriteByte(byte(a.GPR))
	case AllocTypedStack:
		w.WriteByte(byte(a.Type))
		w.WriteUnsigned(a.Slot)
	case AllocUntypedReg:
		w.WriteByte(byte(a.GPR))
	case AllocUntypedStack:
		w.WriteUnsigned(a.Slot)
	case AllocUntypedSplit:
		a.TagLoc.Encode(w)
		a.PayloadLoc.Encode(w)
	case AllocRecoverDefault:
		w.WriteUnsigned(a.Index)
		w.WriteUnsigned(a.DefaultIndex)
	default:
		panic(fmt.Sprintf("snapshot: encode of bad allocation kind %d", a.Kind))
	}
}

func decodeAllocation(r *compact.Reader) (Allocation, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return Allocation{}, fmt.Errorf("snapshot: allocation kind: %w", err)
	}
	a := Allocation{Kind: AllocKind(kind)}
	switch a.Kind {
	case AllocConstant, AllocRecover:
		a.Index, err = r.ReadUnsigned()
	case AllocUndefined, AllocNull:
	case AllocFloatReg:
		var b byte
		if b, err = r.ReadByte(); err == nil {
			a.FPR = regs.FloatRegID(b)
		}
	case AllocTypedReg:
		var t, g byte
		if t, err = r.ReadByte(); err == nil {
			if g, err = r.ReadByte(); err == nil {
				a.Type, a.GPR = value.Type(t), regs.RegID(g)
			}
		}
	case AllocTypedStack:
		var t byte
		if t, err = r.ReadByte(); err == nil {
			a.Type = value.Type(t)
			a.Slot, err = r.ReadUnsigned()
		}
	case AllocUntypedReg:
		var b byte
		if b, err = r.ReadByte(); err == nil {
			a.GPR = regs.RegID(b)
		}
	case AllocUntypedStack:
		a.Slot, err = r.ReadUnsigned()
	case AllocUntypedSplit:
		if a.TagLoc, err = safepoint.DecodeLoc(r); err == nil {
			a.PayloadLoc, err = safepoint.DecodeLoc(r)
		}
	case AllocRecoverDefault:
		if a.Index, err = r.ReadUnsigned(); err == nil {
			a.DefaultIndex, err = r.ReadUnsigned()
		}
	default:
		return Allocation{}, fmt.Errorf("snapshot: bad allocation kind %d", kind)
	}
	if err != nil {
		return Allocation{}, fmt.Errorf("snapshot: %v allocation: %w", a.Kind, err)
	}
	return a, nil
}
