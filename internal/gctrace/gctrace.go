// Package gctrace enumerates and updates the heap references held by live
// stack frames, once per collection pass per activation. Each frame kind
// has a fixed set of traced locations; optimized frames add whatever their
// safepoint lists, and a frame mid-bailout is traced through its snapshot
// instead, since no safepoint describes it while it is being taken apart.
//
// The collector drives this through a Tracer. Every visit returns the
// possibly relocated referent; when it differs, only the location that was
// visited is rewritten, and for boxed words only the payload bits change.
package gctrace

import (
	"fmt"

	"molten/internal/code"
	"molten/internal/frame"
	"molten/internal/mem"
	"molten/internal/regs"
	"molten/internal/safepoint"
	"molten/internal/value"
)

// Tracer is the collector's callback surface for one pass. A tracing pass
// returns every address unchanged; a moving pass returns the relocated
// address. Minor passes distinguish interior slots-or-elements pointers
// from object pointers; major passes may treat them alike.
type Tracer interface {
	// Value marks the referent of a boxed value. Called only for values
	// whose payload is a heap pointer.
	Value(v value.Value) value.Value
	// Object marks a raw object pointer.
	Object(a mem.Addr) mem.Addr
	// SlotsOrElements forwards an interior pointer into movable object
	// storage.
	SlotsOrElements(a mem.Addr) mem.Addr
}

// TraceActivation walks every frame of the activation and visits the
// locations known to hold references. Recover results registered for the
// activation's frames are owned by the engine and traced separately.
func TraceActivation(tr Tracer, act *frame.Activation) {
	it := frame.NewIterator(act)
	for {
		switch it.Kind() {
		case frame.KindExit:
			traceExit(tr, it)
		case frame.KindStub:
			traceStub(tr, it)
		case frame.KindRectifier, frame.KindUnwoundRectifier:
			traceRectifier(tr, it)
		case frame.KindFastJS:
			traceFast(tr, it)
		case frame.KindOptJS:
			traceOpt(tr, it)
		case frame.KindBailout:
			traceBailout(tr, it)
		case frame.KindEntry:
			return
		default:
			panic(fmt.Sprintf("gctrace: cannot trace a %v frame", it.Kind()))
		}
		it.Next()
	}
}

// traceBoxedAt visits the boxed value stored at a, writing the payload
// back if the referent moved.
func traceBoxedAt(tr Tracer, view *mem.View, a mem.Addr) {
	v := value.FromRaw(view.Uint64(a))
	if !v.IsGCThing() {
		return
	}
	if nv := tr.Value(v); nv != v {
		view.SetUint64(a, v.WithPayload(nv.Payload()).Raw())
	}
}

// tracePointerAt visits the raw pointer stored at a.
func tracePointerAt(tr Tracer, view *mem.View, a mem.Addr) {
	p := mem.Addr(view.Uint64(a))
	if p == 0 {
		return
	}
	if np := tr.Object(p); np != p {
		view.SetUint64(a, uint64(np))
	}
}

// traceCallee keeps the frame's function object alive. The token in the
// frame is a registry handle and never moves; the registry's address index
// follows the object.
func traceCallee(tr Tracer, reg *code.Registry, fn *code.Function) {
	if fn == nil || fn.Addr == 0 {
		return
	}
	if na := tr.Object(fn.Addr); na != fn.Addr {
		reg.RelocateFunction(fn, na)
	}
}

// traceArgv visits the frame's this value and actual arguments.
func traceArgv(tr Tracer, it *frame.Iterator) {
	view := it.Act().View
	argv := it.ArgvAddr()
	traceBoxedAt(tr, view, argv)
	for i := uint32(0); i < it.NumActualArgs(); i++ {
		traceBoxedAt(tr, view, argv+mem.Addr(8*(i+1)))
	}
}

// traceExit visits an exit frame's footer: the out parameter the native
// writes through and the explicit arguments, shaped by the callee's
// signature. Fake exits are relabeled scripted headers and carry no
// footer; their body is dead and already unreachable through descriptors.
func traceExit(tr Tracer, it *frame.Iterator) {
	if it.IsFakeExit() {
		return
	}
	id := it.ExitNativeID()
	if id == 0 {
		return
	}
	act := it.Act()
	sig := act.Registry.Native(id)
	if sig.OutValue {
		if out := it.ExitOutParamAddr(); out != 0 {
			traceBoxedAt(tr, act.View, out)
		}
	}
	for i, cls := range sig.Args {
		a := it.ExitArgAddr(i)
		switch cls {
		case code.ArgWord:
		case code.ArgValue:
			traceBoxedAt(tr, act.View, a)
		case code.ArgObject, code.ArgString:
			tracePointerAt(tr, act.View, a)
		default:
			panic(fmt.Sprintf("gctrace: bad exit argument class %d", cls))
		}
	}
}

// traceStub visits the fallback stub pointer a stub frame stored on entry,
// keeping the IC chain alive while a call runs through it.
func traceStub(tr Tracer, it *frame.Iterator) {
	view := it.Act().View
	a := it.FP() + frame.StubICOffset
	tracePointerAt(tr, view, a)
}

// traceRectifier visits only the this value. The padded argument vector
// duplicates words the stub frame above already owns, and the undefined
// fillers hold nothing.
func traceRectifier(tr Tracer, it *frame.Iterator) {
	traceBoxedAt(tr, it.Act().View, it.ArgvAddr())
}

func traceFast(tr Tracer, it *frame.Iterator) {
	act := it.Act()
	traceCallee(tr, act.Registry, it.MaybeCallee())
	if it.IsFunctionFrame() {
		traceArgv(tr, it)
	}
	ff := it.FastFrame()
	traceBoxedAt(tr, act.View, it.FP()-frame.FastScopeChainBelow)
	if ff.HasReturnValue() {
		traceBoxedAt(tr, act.View, it.FP()-frame.FastReturnValueBelow)
	}
	for i := 0; i < ff.NumValueSlots(); i++ {
		traceBoxedAt(tr, act.View, ff.ValueSlotAddr(i))
	}
}

// traceOpt visits exactly what the frame's safepoint lists: GC-typed and
// value-typed stack slots, the spilled registers of each class, and any
// split-encoded pairs, reassembled and written back one payload half at a
// time.
func traceOpt(tr Tracer, it *frame.Iterator) {
	act := it.Act()
	traceCallee(tr, act.Registry, it.MaybeCallee())
	if it.IsFunctionFrame() {
		traceArgv(tr, it)
	}

	sp, err := it.Safepoint()
	if err != nil {
		panic(fmt.Sprintf("gctrace: %v", err))
	}
	machine, err := it.MachineState()
	if err != nil {
		panic(fmt.Sprintf("gctrace: %v", err))
	}
	fp := it.FP()

	for _, slot := range sp.GCSlots {
		tracePointerAt(tr, act.View, fp-mem.Addr(slot))
	}
	for _, slot := range sp.ValueSlots {
		traceBoxedAt(tr, act.View, fp-mem.Addr(slot))
	}
	for _, slot := range sp.SlotsOrElementsSlots {
		a := fp - mem.Addr(slot)
		p := mem.Addr(act.View.Uint64(a))
		if np := tr.SlotsOrElements(p); np != p {
			act.View.SetUint64(a, uint64(np))
		}
	}

	for _, r := range sp.GCRegs.Backward() {
		tracePointerAt(tr, act.View, machine.GPRLocation(r))
	}
	for _, r := range sp.ValueRegs.Backward() {
		traceBoxedAt(tr, act.View, machine.GPRLocation(r))
	}
	for _, r := range sp.SlotsOrElementsRegs.Backward() {
		a := machine.GPRLocation(r)
		p := mem.Addr(act.View.Uint64(a))
		if np := tr.SlotsOrElements(p); np != p {
			act.View.SetUint64(a, uint64(np))
		}
	}

	for _, pair := range sp.SplitValues {
		traceSplit(tr, it, machine, pair)
	}
}

func splitHalfAddr(it *frame.Iterator, machine *regs.MachineState, l safepoint.Loc) mem.Addr {
	if l.Kind == safepoint.LocRegister {
		return machine.GPRLocation(l.Reg)
	}
	return it.FP() - mem.Addr(l.Slot)
}

// traceSplit reassembles a torn tag/payload pair, traces it as one logical
// value, and writes back only the payload half.
func traceSplit(tr Tracer, it *frame.Iterator, machine *regs.MachineState, pair safepoint.SplitValue) {
	view := it.Act().View
	tagAddr := splitHalfAddr(it, machine, pair.Type)
	payloadAddr := splitHalfAddr(it, machine, pair.Payload)
	v := value.Combine(view.Uint32(tagAddr), view.Uint32(payloadAddr))
	if !v.IsGCThing() {
		return
	}
	if nv := tr.Value(v); nv != v {
		view.SetUint32(payloadAddr, nv.Payload32())
	}
}

// traceBailout visits every allocation reachable through the snapshot of a
// frame mid-bailout. The safepoint subset is not enough here: the bailout
// is about to read all of them, so all of them must survive the pass.
func traceBailout(tr Tracer, it *frame.Iterator) {
	si, err := it.SnapshotIterator()
	if err != nil {
		panic(fmt.Sprintf("gctrace: %v", err))
	}
	if err := si.SettleOnFrame(); err != nil {
		panic(fmt.Sprintf("gctrace: %v", err))
	}
	for {
		for si.MoreAllocations() {
			if err := si.TraceAllocation(tr.Value); err != nil {
				panic(fmt.Sprintf("gctrace: %v", err))
			}
		}
		if !si.MoreFrames() {
			break
		}
		if err := si.NextFrame(); err != nil {
			panic(fmt.Sprintf("gctrace: %v", err))
		}
	}
	// The header above the interrupted frame still serves it.
	act := it.Act()
	traceCallee(tr, act.Registry, it.MaybeCallee())
	if it.IsFunctionFrame() {
		traceArgv(tr, it)
	}
}
