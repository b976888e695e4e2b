package frame

import (
	"fmt"

	"molten/internal/bytecode"
	"molten/internal/code"
	"molten/internal/mem"
	"molten/internal/regs"
	"molten/internal/safepoint"
	"molten/internal/snapshot"
	"molten/internal/value"
)

// Activation is one contiguous run of tier frames on a stack. TopFP points
// at the newest frame, always an exit frame (real or relabeled); it moves
// as exception handling discards frames.
type Activation struct {
	View     *mem.View
	Registry *code.Registry
	TopFP    mem.Addr

	// Bailout is set while a bailout is taking the top frame apart. The
	// iterator then starts on that frame instead of an exit frame, and
	// reads its machine state from here rather than from a safepoint.
	Bailout *BailoutState
}

// BailoutState carries what the bailout path saved about the interrupted
// optimized frame before its code can no longer be trusted.
type BailoutState struct {
	FP        mem.Addr
	FrameSize uint32
	Machine   *regs.MachineState
	Code      *code.OptCode
	// SnapshotOffset locates the snapshot describing the frame at the
	// point it was interrupted.
	SnapshotOffset uint32
}

// Iterator walks an activation's frames caller-ward. Next moves to the
// caller; the walk is done when it reaches the entry frame. The iterator
// holds no heap state of its own, so copies advance independently.
type Iterator struct {
	act  *Activation
	fp   mem.Addr
	kind Kind

	// frameSize is the current frame's local byte size, read from the
	// descriptor of the frame below while advancing.
	frameSize uint32
	// retToFP is the return address into the current frame's code: the
	// return address stored by the frame below.
	retToFP mem.Addr

	cachedSafepoint *safepoint.Safepoint
}

// NewIterator starts a walk at the activation's newest frame.
func NewIterator(act *Activation) *Iterator {
	it := &Iterator{act: act, fp: act.TopFP, kind: KindExit}
	if bd := act.Bailout; bd != nil {
		it.fp = bd.FP
		it.frameSize = bd.FrameSize
		it.kind = KindBailout
	}
	return it
}

// Done reports whether the walk has reached the entry frame.
func (it *Iterator) Done() bool { return it.kind == KindEntry }

// Next advances to the caller.
func (it *Iterator) Next() {
	if it.kind == KindEntry {
		panic("frame: Next past the entry frame")
	}
	it.frameSize = it.descriptor().PrevFrameLocalSize()
	it.cachedSafepoint = nil

	// The entry frame overlaps the first scripted frame's header, so the
	// frame pointer stays put.
	if it.PrevKind() == KindEntry {
		it.kind = KindEntry
		return
	}

	prev := it.prevFP()
	k := it.PrevKind()
	switch k {
	case KindUnwoundFastJS:
		k = KindFastJS
	case KindUnwoundOptJS:
		k = KindOptJS
	case KindUnwoundStub:
		k = KindStub
	}
	it.retToFP = it.ReturnAddress()
	it.kind = k
	it.fp = prev
}

func (it *Iterator) descriptor() Descriptor {
	return Descriptor(it.act.View.Uint64(it.fp + DescriptorOffset))
}

// Kind is the current frame's kind.
func (it *Iterator) Kind() Kind { return it.kind }

// PrevKind is the caller frame's kind, from the current descriptor.
func (it *Iterator) PrevKind() Kind { return it.descriptor().PrevKind() }

// FP is the current frame pointer.
func (it *Iterator) FP() mem.Addr { return it.fp }

// Act exposes the activation being walked.
func (it *Iterator) Act() *Activation { return it.act }

// FrameSize is the current frame's local byte size. For the activation's
// top frame it is only meaningful mid-bailout.
func (it *Iterator) FrameSize() uint32 { return it.frameSize }

// ReturnAddress is the address the current frame will return to, stored in
// its header.
func (it *Iterator) ReturnAddress() mem.Addr {
	return mem.Addr(it.act.View.Uint64(it.fp + ReturnAddrOffset))
}

// ReturnAddressToFP is the return address into the current frame's own
// code, recorded while walking past the frame below. Zero on the top
// frame.
func (it *Iterator) ReturnAddressToFP() mem.Addr { return it.retToFP }

// IsFakeExit reports whether the current exit frame is a relabeled scripted
// frame rather than a pushed one. Such frames keep their original header
// size so descriptor distances still hold.
func (it *Iterator) IsFakeExit() bool {
	if it.kind != KindExit {
		return false
	}
	switch it.PrevKind() {
	case KindUnwoundFastJS, KindUnwoundOptJS, KindUnwoundStub, KindUnwoundRectifier, KindEntry:
		return true
	}
	return false
}

// prevFP computes the caller's frame pointer: past this frame's header,
// then past everything the caller pushed.
func (it *Iterator) prevFP() mem.Addr {
	size := SizeOfFramePrefix(it.kind)
	if it.IsFakeExit() {
		// The header under a fake exit is still the scripted header it
		// was relabeled from.
		size = SizeOfFramePrefix(KindOptJS)
	}
	return it.fp + mem.Addr(size) + mem.Addr(it.descriptor().PrevFrameLocalSize())
}

// StackTop is the address just past everything the activation pushed. Only
// valid once the walk is done.
func (it *Iterator) StackTop() mem.Addr {
	if it.kind != KindEntry {
		panic("frame: StackTop before the entry frame")
	}
	return it.prevFP()
}

// IsScripted reports whether the frame runs bytecode.
func (it *Iterator) IsScripted() bool {
	return it.kind == KindFastJS || it.kind == KindOptJS || it.kind == KindBailout
}

func (it *Iterator) assertScripted(what string) {
	if !it.IsScripted() {
		panic(fmt.Sprintf("frame: %s of a %v frame", what, it.kind))
	}
}

// CalleeToken is the frame's callee token. Valid for scripted frames and
// the rectifier, which carries the token of the callee it pads for.
func (it *Iterator) CalleeToken() code.CalleeToken {
	if !it.IsScripted() && it.kind != KindRectifier {
		panic(fmt.Sprintf("frame: callee token of a %v frame", it.kind))
	}
	return code.CalleeToken(it.act.View.Uint64(it.fp + CalleeTokenOffset))
}

// IsFunctionFrame reports whether the frame runs a function rather than
// bare global code.
func (it *Iterator) IsFunctionFrame() bool { return it.CalleeToken().IsFunction() }

// Callee resolves the frame's function.
func (it *Iterator) Callee() *code.Function {
	it.assertScripted("callee")
	return it.act.Registry.FunctionFromToken(it.CalleeToken())
}

// MaybeCallee resolves the frame's function, or nil for global frames.
func (it *Iterator) MaybeCallee() *code.Function {
	if it.IsScripted() && it.IsFunctionFrame() {
		return it.Callee()
	}
	return nil
}

// Script resolves the frame's script.
func (it *Iterator) Script() *bytecode.Script {
	it.assertScripted("script")
	return it.act.Registry.ScriptFromToken(it.CalleeToken())
}

// NumActualArgs is the number of actual arguments the frame was called
// with, excluding the this value.
func (it *Iterator) NumActualArgs() uint32 {
	if !it.IsScripted() && it.kind != KindRectifier {
		panic(fmt.Sprintf("frame: argument count of a %v frame", it.kind))
	}
	return uint32(it.act.View.Uint64(it.fp + NumActualArgsOffset))
}

// ArgvAddr is the address of the argument vector; the this value comes
// first, actual arguments follow.
func (it *Iterator) ArgvAddr() mem.Addr { return it.fp + ArgvOffset }

// ThisValue reads the frame's this value.
func (it *Iterator) ThisValue() value.Value {
	return value.FromRaw(it.act.View.Uint64(it.ArgvAddr()))
}

// ActualArg reads actual argument i.
func (it *Iterator) ActualArg(i uint32) value.Value {
	if i >= it.NumActualArgs() {
		panic(fmt.Sprintf("frame: argument %d of %d", i, it.NumActualArgs()))
	}
	return value.FromRaw(it.act.View.Uint64(it.ArgvAddr() + mem.Addr(8*(i+1))))
}

// FastFrame narrows to the fast-tier view of the current frame.
func (it *Iterator) FastFrame() FastFrame {
	if it.kind != KindFastJS {
		panic(fmt.Sprintf("frame: fast-tier view of a %v frame", it.kind))
	}
	return NewFastFrame(it.act.View, it.fp, it.frameSize)
}

// StubSavedFP is the fast-tier frame pointer a stub frame saved on entry.
func (it *Iterator) StubSavedFP() mem.Addr {
	if it.kind != KindStub {
		panic(fmt.Sprintf("frame: stub fields of a %v frame", it.kind))
	}
	return mem.Addr(it.act.View.Uint64(it.fp + StubSavedFPOffset))
}

// StubICAddr is the IC stub a stub frame entered through.
func (it *Iterator) StubICAddr() mem.Addr {
	if it.kind != KindStub {
		panic(fmt.Sprintf("frame: stub fields of a %v frame", it.kind))
	}
	return mem.Addr(it.act.View.Uint64(it.fp + StubICOffset))
}

// ExitNativeID identifies the native an exit frame reached; zero for bare
// exits. Fake exits carry no footer at all.
func (it *Iterator) ExitNativeID() uint64 {
	if it.kind != KindExit || it.IsFakeExit() {
		panic(fmt.Sprintf("frame: exit footer of a %v frame", it.kind))
	}
	return it.act.View.Uint64(it.fp - ExitNativeIDBelow)
}

// ExitOutParamAddr is where the native writes its boxed result, or zero.
func (it *Iterator) ExitOutParamAddr() mem.Addr {
	return mem.Addr(it.act.View.Uint64(it.fp - ExitOutParamBelow))
}

// ExitArgAddr is the address of explicit native argument i.
func (it *Iterator) ExitArgAddr(i int) mem.Addr {
	return it.fp - ExitArgsBelow - mem.Addr(8*i)
}

// FastPC resolves the pc the current fast-tier frame is at: an override pc
// if scope unwinding stored one, otherwise the frame's return address
// mapped back through its code.
func (it *Iterator) FastPC() uint32 {
	f := it.FastFrame()
	if pc, ok := f.OverridePC(); ok {
		return pc
	}
	fc := it.act.Registry.State(it.Script()).Fast
	if fc == nil {
		panic(fmt.Sprintf("frame: %s has no fast-tier code", it.Script().Name))
	}
	pc, ok := fc.PCForReturnAddress(it.retToFP)
	if !ok {
		panic(fmt.Sprintf("frame: return address %#x not in %s fast code",
			uint64(it.retToFP), it.Script().Name))
	}
	return pc
}

// CheckInvalidation resolves the optimized code the frame is running and
// reports whether it has been invalidated since the frame was pushed. The
// current code attached to the script is not the frame's code in that
// case; the frame's own code is found through the invalidation side table
// keyed by the frame's return address. Callers must use the returned code
// for any table lookup keyed by that address.
func (it *Iterator) CheckInvalidation() (*code.OptCode, bool) {
	if it.kind == KindBailout {
		bd := it.act.Bailout
		cur := it.act.Registry.State(it.Script()).Opt
		return bd.Code, cur != bd.Code
	}
	it.assertScripted("invalidation check")
	cur := it.act.Registry.State(it.Script()).Opt
	if cur != nil && cur.ContainsAddress(it.retToFP) {
		return cur, false
	}
	oc, ok := it.act.Registry.InvalidatedCodeFor(it.retToFP)
	if !ok {
		panic(fmt.Sprintf("frame: no optimized code behind return address %#x",
			uint64(it.retToFP)))
	}
	return oc, true
}

// OptCode resolves the frame's optimized code, invalidated or not.
func (it *Iterator) OptCode() *code.OptCode {
	oc, _ := it.CheckInvalidation()
	return oc
}

// Safepoint decodes the safepoint covering the frame's interruption point.
// Not available mid-bailout; the bailout state replaces it.
func (it *Iterator) Safepoint() (*safepoint.Safepoint, error) {
	if it.kind != KindOptJS {
		panic(fmt.Sprintf("frame: safepoint of a %v frame", it.kind))
	}
	if it.cachedSafepoint != nil {
		return it.cachedSafepoint, nil
	}
	sp, err := it.OptCode().SafepointForReturnAddress(it.retToFP)
	if err != nil {
		return nil, err
	}
	it.cachedSafepoint = sp
	return sp, nil
}

// SpillBase is the address register spills descend from: the frame pointer
// less the code's full frame size. The full size is used because call
// sites do not unwind slack pushed above the spills.
func (it *Iterator) SpillBase() mem.Addr {
	return it.fp - mem.Addr(it.OptCode().FrameSize)
}

// MachineState rebuilds the register file at the frame's interruption
// point by replaying the safepoint's spill order backward from the spill
// base. Mid-bailout the state saved by the bailout path is returned
// instead.
func (it *Iterator) MachineState() (*regs.MachineState, error) {
	if it.kind == KindBailout {
		return it.act.Bailout.Machine, nil
	}
	sp, err := it.Safepoint()
	if err != nil {
		return nil, err
	}
	spill := it.SpillBase()
	m := &regs.MachineState{}
	for _, r := range sp.AllGPRSpills.Backward() {
		spill -= 8
		m.SetGPRLocation(r, spill)
	}
	// Float spills sit below the general spills, aligned down.
	spill &^= 7
	for _, r := range sp.AllFPRSpills.Backward() {
		spill -= 8
		m.SetFPRLocation(r, spill)
	}
	return m, nil
}

// SnapshotOffset locates the snapshot for the frame's interruption point.
func (it *Iterator) SnapshotOffset() uint32 {
	if it.kind == KindBailout {
		return it.act.Bailout.SnapshotOffset
	}
	if it.kind != KindOptJS {
		panic(fmt.Sprintf("frame: snapshot offset of a %v frame", it.kind))
	}
	e, ok := it.OptCode().OSIEntryForReturnAddress(it.retToFP)
	if !ok {
		panic(fmt.Sprintf("frame: no resume entry at return address %#x in %s",
			uint64(it.retToFP), it.Script().Name))
	}
	return e.SnapshotOffset
}

// SnapshotIterator opens the frame's snapshot with its machine state
// attached.
func (it *Iterator) SnapshotIterator() (*snapshot.Iterator, error) {
	oc, _ := it.CheckInvalidation()
	m, err := it.MachineState()
	if err != nil {
		return nil, err
	}
	return snapshot.New(oc, it.SnapshotOffset(), it.act.View, it.fp, m)
}
