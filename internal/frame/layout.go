// Package frame walks synthetic machine stacks left by the two execution
// tiers. A stack is a span of a mem.View holding frames that grow toward
// lower addresses; each frame's header starts at its frame pointer and
// describes the frame above it, so the walk moves strictly caller-ward and
// terminates at the entry frame.
//
// The iterator in this package only reads headers. Interpreting a frame's
// body (optimized spill slots, fast-tier locals, exit footers) is done
// through the kind-specific views and the snapshot machinery layered on
// top.
package frame

import (
	"fmt"

	"molten/internal/mem"
	"molten/internal/value"
)

// Kind tags what pushed a frame. Kinds fit the low four bits of a
// descriptor word. The unwound kinds never appear in freshly pushed
// frames; exception handling relabels frames with them as it leaves.
type Kind uint8

const (
	KindEntry Kind = iota
	KindFastJS
	KindOptJS
	KindStub
	KindRectifier
	KindExit
	// KindBailout is an iterator state, not a descriptor tag: the top
	// optimized frame of an activation mid-bailout reads back as Bailout.
	KindBailout
	KindUnwoundFastJS
	KindUnwoundOptJS
	KindUnwoundStub
	KindUnwoundRectifier
)

var kindNames = [...]string{
	KindEntry:            "Entry",
	KindFastJS:           "FastJS",
	KindOptJS:            "OptJS",
	KindStub:             "Stub",
	KindRectifier:        "Rectifier",
	KindExit:             "Exit",
	KindBailout:          "Bailout",
	KindUnwoundFastJS:    "Unwound_FastJS",
	KindUnwoundOptJS:     "Unwound_OptJS",
	KindUnwoundStub:      "Unwound_Stub",
	KindUnwoundRectifier: "Unwound_Rectifier",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Descriptor is the word at a frame pointer. It describes the previous
// (caller) frame: how many bytes that frame pushed since its own frame
// pointer, and what kind of frame it is.
//
//	bits 0-3   previous frame kind
//	bits 4-63  previous frame local size in bytes
type Descriptor uint64

const kindMask = 0xf

// MakeDescriptor packs a caller's local size and kind.
func MakeDescriptor(prevLocalSize uint32, prevKind Kind) Descriptor {
	return Descriptor(prevLocalSize)<<4 | Descriptor(prevKind)
}

// PrevKind is the caller frame's kind.
func (d Descriptor) PrevKind() Kind { return Kind(d & kindMask) }

// PrevFrameLocalSize is the byte distance from the top of this frame's
// header to the caller's frame pointer: outgoing argument vector plus the
// caller's locals and spills.
func (d Descriptor) PrevFrameLocalSize() uint32 { return uint32(d >> 4) }

// Header word offsets from a frame pointer, growing upward. Every frame
// starts with a descriptor and return address; scripted frames (and the
// rectifier, which mimics them) add the callee token and actual-argument
// count, with the argument vector directly above.
const (
	DescriptorOffset    = 0
	ReturnAddrOffset    = 8
	CalleeTokenOffset   = 16
	NumActualArgsOffset = 24
	ArgvOffset          = 32

	// Stub frames replace the scripted words with the IC stub address and
	// the fast-tier frame pointer saved when the stub was entered.
	StubICOffset      = 16
	StubSavedFPOffset = 24
)

// Exit frame footer offsets, subtracted from the frame pointer. The footer
// identifies which native the exit reached and where its outgoing state
// lives; a native id of zero marks a bare exit with no footer data.
const (
	ExitNativeIDBelow = 8
	ExitOutParamBelow = 16
	ExitArgsBelow     = 24
)

// SizeOfFramePrefix is the byte size of a frame's header words. Walking to
// the caller skips the prefix, then the descriptor's local size.
func SizeOfFramePrefix(k Kind) uint32 {
	switch k {
	case KindFastJS, KindOptJS, KindBailout, KindUnwoundFastJS, KindUnwoundOptJS:
		return 32
	case KindStub, KindUnwoundStub:
		return 32
	case KindRectifier, KindUnwoundRectifier:
		return 32
	case KindExit:
		return 16
	case KindEntry:
		// The entry frame shares the first scripted frame's header; its
		// prefix is that header.
		return 32
	}
	panic(fmt.Sprintf("frame: prefix size of %v", k))
}

// EnsureExitFrame relabels the frame above fp as unwound, so that the
// header at fp can stand in for an exit frame while the stack below it is
// abandoned. Real exit frames, already-relabeled frames, and frames sitting
// directly on the entry need nothing.
func EnsureExitFrame(view *mem.View, fp mem.Addr) {
	d := Descriptor(view.Uint64(fp + DescriptorOffset))
	var k Kind
	switch d.PrevKind() {
	case KindUnwoundFastJS, KindUnwoundOptJS, KindUnwoundStub, KindUnwoundRectifier:
		return
	case KindEntry:
		return
	case KindFastJS:
		k = KindUnwoundFastJS
	case KindOptJS:
		k = KindUnwoundOptJS
	case KindStub:
		k = KindUnwoundStub
	case KindRectifier:
		// The rectifier pops its stack through its own descriptor, so the
		// descriptor must keep its size; only the kind changes.
		k = KindUnwoundRectifier
	default:
		panic(fmt.Sprintf("frame: cannot unwind over %v", d.PrevKind()))
	}
	view.SetUint64(fp+DescriptorOffset, uint64(MakeDescriptor(d.PrevFrameLocalSize(), k)))
}

// Fast-tier frame fields, subtracted from the frame pointer. Value slots
// (fixed locals, then the operand stack) follow the header downward.
const (
	FastScopeChainBelow  = 8
	FastReturnValueBelow = 16
	FastFlagsBelow       = 24

	// FastHeaderSize is the fixed byte size of the header; a fast frame's
	// local size is the header plus its live value slots.
	FastHeaderSize = 24
)

// Flag bits in the fast frame's flags word. The override pc, when present,
// sits in the word's high 32 bits.
const (
	FastFlagHasReturnValue = 1 << 0
	FastFlagOverridePC     = 1 << 1
)

// FastFrame is a view of one fast-tier frame. The size is the frame's
// local byte size, taken from the descriptor of the frame below it.
type FastFrame struct {
	view *mem.View
	fp   mem.Addr
	size uint32
}

// NewFastFrame opens a fast-tier frame view. Frame reconstruction uses it
// to fill frames it is laying out; the iterator uses it to read live ones.
func NewFastFrame(view *mem.View, fp mem.Addr, frameSize uint32) FastFrame {
	return FastFrame{view: view, fp: fp, size: frameSize}
}

// FP returns the frame pointer.
func (f FastFrame) FP() mem.Addr { return f.fp }

// ScopeChain is the frame's current environment object.
func (f FastFrame) ScopeChain() value.Value {
	return value.FromRaw(f.view.Uint64(f.fp - FastScopeChainBelow))
}

func (f FastFrame) SetScopeChain(v value.Value) {
	f.view.SetUint64(f.fp-FastScopeChainBelow, v.Raw())
}

func (f FastFrame) flags() uint64 { return f.view.Uint64(f.fp - FastFlagsBelow) }

func (f FastFrame) setFlags(w uint64) { f.view.SetUint64(f.fp-FastFlagsBelow, w) }

// HasReturnValue reports whether an explicit return value was stored.
func (f FastFrame) HasReturnValue() bool { return f.flags()&FastFlagHasReturnValue != 0 }

// ReturnValue reads the stored return value.
func (f FastFrame) ReturnValue() value.Value {
	return value.FromRaw(f.view.Uint64(f.fp - FastReturnValueBelow))
}

// SetReturnValue stores an explicit return value for the frame.
func (f FastFrame) SetReturnValue(v value.Value) {
	f.view.SetUint64(f.fp-FastReturnValueBelow, v.Raw())
	f.setFlags(f.flags() | FastFlagHasReturnValue)
}

// OverridePC returns the pc the frame should report instead of the one its
// return address resolves to. Scope unwinding sets it when it leaves the
// frame's pc out of sync with the unwound scope.
func (f FastFrame) OverridePC() (uint32, bool) {
	w := f.flags()
	return uint32(w >> 32), w&FastFlagOverridePC != 0
}

// SetOverridePC records an override pc in the flags word.
func (f FastFrame) SetOverridePC(pc uint32) {
	f.setFlags(uint64(pc)<<32 | f.flags()&0xffffffff | FastFlagOverridePC)
}

// NumValueSlots is the frame's live slot count: fixed locals plus the
// current operand stack depth.
func (f FastFrame) NumValueSlots() int {
	return int(f.size-FastHeaderSize) / 8
}

// ValueSlotAddr is the address of value slot i; slot 0 sits directly below
// the header.
func (f FastFrame) ValueSlotAddr(i int) mem.Addr {
	return f.fp - FastHeaderSize - mem.Addr(8*(i+1))
}

// ValueSlot reads value slot i.
func (f FastFrame) ValueSlot(i int) value.Value {
	return value.FromRaw(f.view.Uint64(f.ValueSlotAddr(i)))
}

// SetValueSlot writes value slot i.
func (f FastFrame) SetValueSlot(i int, v value.Value) {
	f.view.SetUint64(f.ValueSlotAddr(i), v.Raw())
}

// Local reads fixed local i. Locals are the first value slots.
func (f FastFrame) Local(i int) value.Value { return f.ValueSlot(i) }
