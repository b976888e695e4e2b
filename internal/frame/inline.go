package frame

import (
	"fmt"

	"molten/internal/bytecode"
	"molten/internal/code"
	"molten/internal/mem"
	"molten/internal/snapshot"
	"molten/internal/value"
)

const unknownFrameCount = ^uint32(0)

// CountArgSlots is the number of slots a resume point devotes to the frame
// environment before its fixed locals: the scope chain, plus the this
// value and the formals for function frames.
func CountArgSlots(s *bytecode.Script, fn *code.Function) uint32 {
	if fn == nil {
		return 1
	}
	return 2 + s.NArgs
}

// InlineFrameIterator presents one physical optimized frame as the logical
// frames the optimizing tier inlined into it. Construction settles on the
// innermost frame; Next moves outward toward the physical call.
//
// Each settle re-walks the snapshot from its outermost resume point,
// because the allocations naming an inner frame's callee live in the frame
// above it. The quadratic cost is bounded by the compiler's inlining
// depth.
type InlineFrameIterator struct {
	frame *Iterator
	start snapshot.Iterator
	si    snapshot.Iterator

	framesRead uint32
	frameCount uint32

	callee         *code.Function
	calleeAlloc    snapshot.Allocation
	calleeDeferred bool
	script         *bytecode.Script
	pcOff          uint32
	nactual        uint32
}

// NewInlineIterator opens the logical frames of it, settling on the
// innermost one and learning the frame count on the way down.
func NewInlineIterator(it *Iterator) (*InlineFrameIterator, error) {
	si, err := it.SnapshotIterator()
	if err != nil {
		return nil, err
	}
	f := &InlineFrameIterator{
		frame:      it,
		start:      *si,
		frameCount: unknownFrameCount,
	}
	if err := f.findNextFrame(); err != nil {
		return nil, err
	}
	return f, nil
}

// NewInlineIteratorAt clones src settled on the same logical frame. The
// clone reuses src's recorded depth, so settling is a bounded re-walk
// rather than a full descent.
func NewInlineIteratorAt(src *InlineFrameIterator) (*InlineFrameIterator, error) {
	f := &InlineFrameIterator{
		frame:      src.frame,
		start:      src.start,
		framesRead: src.framesRead - 1,
		frameCount: src.frameCount,
	}
	if err := f.findNextFrame(); err != nil {
		return nil, err
	}
	return f, nil
}

// More reports whether logical frames remain outward of the current one.
func (f *InlineFrameIterator) More() bool { return f.framesRead < f.frameCount }

// FrameNo numbers the current frame from the outside in: the outermost
// logical frame is 0.
func (f *InlineFrameIterator) FrameNo() uint32 { return f.frameCount - f.framesRead }

// FrameCount is the number of logical frames in the physical frame.
func (f *InlineFrameIterator) FrameCount() uint32 { return f.frameCount }

// Next settles on the next frame outward.
func (f *InlineFrameIterator) Next() error {
	if !f.More() {
		panic("frame: Next past the outermost inlined frame")
	}
	return f.findNextFrame()
}

// findNextFrame re-walks from the outermost resume point, deducing each
// call site's actual-argument count from its opcode and reading the callee
// to descend, until it reaches the frame framesRead steps before the one
// already settled on. On the first walk the depth is unknown and the walk
// runs to the innermost frame, counting.
func (f *InlineFrameIterator) findNextFrame() error {
	f.si = f.start
	f.callee = f.frame.MaybeCallee()
	f.calleeAlloc = snapshot.Allocation{}
	f.calleeDeferred = false
	f.script = f.frame.Script()
	if err := f.si.SettleOnFrame(); err != nil {
		return err
	}
	f.pcOff = f.si.PCOffset()
	// A fun-apply at the outermost call site forwards the physical
	// frame's actuals.
	f.nactual = f.frame.NumActualArgs()

	remaining := unknownFrameCount
	if f.frameCount != unknownFrameCount {
		remaining = f.FrameNo() - 1
	}

	i := uint32(1)
	for ; i <= remaining && f.si.MoreFrames(); i++ {
		op := f.script.OpAt(f.pcOff)
		switch op {
		case bytecode.OpGetProp:
			f.nactual = 0
		case bytecode.OpSetProp:
			f.nactual = 1
		case bytecode.OpFunCall:
			argc := f.script.ArgcAt(f.pcOff)
			if argc == 0 {
				panic(fmt.Sprintf("frame: fun-call at pc %d has no target", f.pcOff))
			}
			// The shifted this occupies the first argument slot.
			f.nactual = argc - 1
		case bytecode.OpFunApply:
			// Forwarded actuals; the count carries over from the frame
			// above.
		case bytecode.OpCall:
			f.nactual = f.script.ArgcAt(f.pcOff)
		default:
			panic(fmt.Sprintf("frame: %v at pc %d cannot host an inlined frame", op, f.pcOff))
		}

		// Skip to the callee: everything except the trailing this and
		// actuals.
		skip := f.si.NumAllocations() - int(f.nactual) - 2
		for j := 0; j < skip; j++ {
			if err := f.si.Skip(); err != nil {
				return err
			}
		}
		fv, alloc, deferred, err := f.si.ReadWithDefault()
		if err != nil {
			return err
		}
		if !fv.IsObject() {
			panic(fmt.Sprintf("frame: inlined callee at pc %d is %v, not a function", f.pcOff, fv))
		}
		fn, ok := f.frame.Act().Registry.FunctionAt(mem.Addr(fv.GCThingAddr()))
		if !ok {
			panic(fmt.Sprintf("frame: no function registered at %#x", fv.GCThingAddr()))
		}
		f.callee = fn
		f.calleeAlloc = alloc
		f.calleeDeferred = deferred
		f.script = fn.Script

		if err := f.si.NextFrame(); err != nil {
			return err
		}
		f.pcOff = f.si.PCOffset()
	}

	if f.frameCount == unknownFrameCount {
		f.frameCount = i
	}
	f.framesRead++
	return nil
}

// Frame exposes the physical frame under the logical ones.
func (f *InlineFrameIterator) Frame() *Iterator { return f.frame }

// Script is the current logical frame's script.
func (f *InlineFrameIterator) Script() *bytecode.Script { return f.script }

// PCOffset is the pc the current logical frame resumes at.
func (f *InlineFrameIterator) PCOffset() uint32 { return f.pcOff }

// IsFunctionFrame reports whether the current logical frame runs a
// function.
func (f *InlineFrameIterator) IsFunctionFrame() bool { return f.callee != nil }

// CalleeTemplate is the function the settle read for this frame, without
// running recover instructions. For callees the compiler rematerializes it
// may be the default template rather than the frame's own closure.
func (f *InlineFrameIterator) CalleeTemplate() *code.Function { return f.callee }

// Callee resolves the frame's function precisely, running its recover
// instruction through the fallback when the settle had to defer it.
func (f *InlineFrameIterator) Callee(fb snapshot.Fallback) (*code.Function, error) {
	if !f.calleeDeferred || fb.Store == nil {
		return f.callee, nil
	}
	s := f.si
	v, err := s.MaybeReadAllocation(f.calleeAlloc, fb)
	if err != nil {
		return nil, err
	}
	if !v.IsObject() {
		return nil, fmt.Errorf("frame: recovered callee is %v, not a function", v)
	}
	fn, ok := f.frame.Act().Registry.FunctionAt(mem.Addr(v.GCThingAddr()))
	if !ok {
		return nil, fmt.Errorf("frame: no function registered at %#x", v.GCThingAddr())
	}
	return fn, nil
}

// NumActualArgs is the logical frame's actual-argument count. Inner frames
// get the count deduced from their call site; the outermost frame reports
// the physical frame's count, which the call-site rules cannot see.
func (f *InlineFrameIterator) NumActualArgs() uint32 {
	if f.More() {
		return f.nactual
	}
	return f.frame.NumActualArgs()
}

// Snapshot returns an independent snapshot iterator settled on the current
// logical frame with none of its slots consumed.
func (f *InlineFrameIterator) Snapshot() snapshot.Iterator { return f.si }

// ReadThis reads the logical frame's this value from a fresh snapshot
// cursor, recovering through the fallback when needed.
func (f *InlineFrameIterator) ReadThis(fb snapshot.Fallback) (value.Value, error) {
	if f.callee == nil {
		panic("frame: global frames have no this slot")
	}
	s := f.si
	if err := s.Skip(); err != nil { // scope chain
		return value.Value(0), err
	}
	return s.MaybeRead(fb)
}
