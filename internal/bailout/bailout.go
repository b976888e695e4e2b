// Package bailout tears an optimized frame back down into the fast-tier
// frames it logically contains. The optimized tier inlines calls, keeps
// values in registers, and omits anything it proved dead, so the frame on
// the stack bears no resemblance to what fast-tier code expects; the
// frame's snapshot is the recipe for undoing all of that at the point the
// optimized code gave up.
//
// Reconstruction works against a private image rather than the stack
// itself, because the snapshot keeps reading the optimized frame's spill
// slots at the very addresses the new frames will occupy. The finished
// Record is committed over the stack only once every frame is down and the
// resume point is known. The outermost rebuilt frame reuses the optimized
// frame's own header and argument vector; each deeper logical frame gets a
// synthesized stub frame carrying the call into it, plus a rectifier frame
// when the call passed fewer arguments than the callee declares.
package bailout

import (
	"errors"
	"fmt"
	"os"

	"molten/internal/bytecode"
	"molten/internal/code"
	"molten/internal/frame"
	"molten/internal/mem"
	"molten/internal/pcmap"
	"molten/internal/snapshot"
	"molten/internal/value"
)

// ErrOverRecursed reports that the rebuilt frames need more stack than the
// view has below the incoming frame. Nothing was committed; the caller
// must unwind the activation instead of resuming it.
var ErrOverRecursed = errors.New("bailout: reconstructed frames overflow the stack")

// ExceptionInfo redirects a bailout run on behalf of exception handling.
type ExceptionInfo struct {
	// FrameNo is the logical frame, numbered outermost first, whose
	// handler takes the exception. Deeper frames are not rebuilt.
	FrameNo uint32
	// ResumePC is the handler's bytecode offset.
	ResumePC uint32
	// NumExprSlots is the operand stack depth the handler starts with.
	NumExprSlots uint32
	// PropagatingForDebugMode rebuilds every frame without entering a
	// handler, so the exception can be rethrown over fast-tier frames
	// where a debugger can see them.
	PropagatingForDebugMode bool
}

func (e *ExceptionInfo) catching() bool {
	return e != nil && !e.PropagatingForDebugMode
}

func (e *ExceptionInfo) propagating() bool {
	return e != nil && e.PropagatingForDebugMode
}

// Bail converts the optimized frame the iterator sits on into fast-tier
// frames, following the frame's snapshot. The iterator must be on the
// activation's bailing frame. The record comes back uncommitted: the
// caller inspects it, commits it, and finishes the control transfer.
// excInfo, when non-nil, redirects the unpack for exception handling.
func Bail(it *frame.Iterator, fb snapshot.Fallback, excInfo *ExceptionInfo) (*Record, error) {
	if it.Kind() != frame.KindBailout {
		panic(fmt.Sprintf("bailout: bailing out of a %v frame", it.Kind()))
	}
	act := it.Act()

	oc, _ := it.CheckInvalidation()
	if excInfo == nil {
		oc.NumBailouts++
	}

	si, err := it.SnapshotIterator()
	if err != nil {
		return nil, err
	}

	fn := it.MaybeCallee()
	scr := it.Script()

	if debugBailouts {
		fmt.Fprintf(os.Stderr, "bailout: bailing out of %s, snapshot offset %d, kind %v, %d frames\n",
			scr.Name, it.SnapshotOffset(), si.BailoutKind(), si.FrameCount())
	}

	u := &unpacker{
		reg:     act.Registry,
		b:       NewBuilder(act.View, it.FP()),
		si:      si,
		fb:      fb,
		excInfo: excInfo,
	}
	u.b.Header().Kind = si.BailoutKind()

	if err := si.SettleOnFrame(); err != nil {
		return nil, err
	}

	frameNo := uint32(0)
	for {
		if debugBailouts {
			fmt.Fprintf(os.Stderr, "bailout:  frame %d: %s pc %d (%d allocations)\n",
				frameNo, scr.Name, si.PCOffset(), si.NumAllocations())
		}
		handleException := u.excInfo.catching() && u.excInfo.FrameNo == frameNo
		var exc *ExceptionInfo
		if handleException || u.excInfo.propagating() {
			exc = u.excInfo
		}
		next, err := u.unpackFrame(fn, scr, frameNo > 0, exc)
		if err != nil {
			return nil, err
		}
		if !si.MoreFrames() || handleException {
			break
		}
		fn = next
		scr = fn.Script
		frameNo++
		if err := si.NextFrame(); err != nil {
			return nil, err
		}
	}

	// The outermost frame's formals were held back: deeper frames read
	// their own state out of allocations that may alias the original
	// argument values, so the vector above the incoming frame pointer is
	// only overwritten once every frame is down.
	for i, v := range u.startFormals {
		u.b.SetWordAt(u.b.Header().IncomingStack+frame.ArgvOffset+mem.Addr(8*(i+1)), v.Raw())
	}

	rec := u.b.Finish()
	rec.NumFrames = frameNo + 1
	if rec.StackBottom() < act.View.Base() {
		if debugBailouts {
			fmt.Fprintf(os.Stderr, "bailout: over-recursed: image bottom %#x below stack base %#x\n",
				uint64(rec.StackBottom()), uint64(act.View.Base()))
		}
		return nil, ErrOverRecursed
	}
	if debugBailouts {
		fmt.Fprintf(os.Stderr, "bailout: built %d frames in %d bytes, resume %#x at fp %#x\n",
			rec.NumFrames, rec.pushed, uint64(rec.ResumeAddr), uint64(rec.ResumeFramePtr))
	}

	// The frame never returns through the invalidation thunk now; its
	// claim on the code is settled here, exactly once per bailed frame.
	if _, invalidated := it.CheckInvalidation(); invalidated {
		act.Registry.ReleaseInvalidated(oc)
	}
	return rec, nil
}

// unpacker carries the state shared across the per-frame unpacks of one
// bailout.
type unpacker struct {
	reg     *code.Registry
	b       *Builder
	si      *snapshot.Iterator
	fb      snapshot.Fallback
	excInfo *ExceptionInfo

	// startFormals holds the outermost frame's formal arguments until
	// every frame has been unpacked.
	startFormals []value.Value
}

func (u *unpacker) popInto(loc pcmap.SlotLoc) {
	v := u.b.PopValue()
	rec := u.b.Header()
	switch loc {
	case pcmap.SlotInR0:
		rec.SetR0 = true
		rec.ValueR0 = v
	case pcmap.SlotInR1:
		rec.SetR1 = true
		rec.ValueR1 = v
	case pcmap.SlotIgnore:
	default:
		panic(fmt.Sprintf("bailout: bad unsynced slot location %d", loc))
	}
}

// hasLiveIteratorAt reports whether an iterator would be live at depth if
// the operand stack were that deep at pc.
func hasLiveIteratorAt(scr *bytecode.Script, pc, depth uint32) bool {
	for _, tn := range scr.TryNotes {
		if tn.Kind == bytecode.TryIterClose && tn.Covers(pc) && tn.StackDepth == depth {
			return true
		}
	}
	return false
}

// unpackFrame writes one logical frame's fast-tier image: the value slots
// read out of the snapshot and, when deeper frames follow, the stub frame
// (and rectifier) carrying the call into the next one, including that
// frame's header. It returns the callee of that call.
func (u *unpacker) unpackFrame(fn *code.Function, scr *bytecode.Script, hasCaller bool, exc *ExceptionInfo) (*code.Function, error) {
	si, b := u.si, u.b
	catching := exc.catching()
	propagating := exc.propagating()

	var exprSlots uint32
	if catching {
		exprSlots = exc.NumExprSlots
	} else {
		envSlots := scr.NFixed + frame.CountArgSlots(scr, fn)
		if n := uint32(si.NumAllocations()); n < envSlots {
			panic(fmt.Sprintf("bailout: frame of %s has %d allocations, needs %d for its environment",
				scr.Name, n, envSlots))
		}
		exprSlots = uint32(si.NumAllocations()) - envSlots
	}

	fp := b.StartFrame()
	innermost := !si.MoreFrames()
	rawResumeAfter := innermost && si.ResumeAfter()

	// Scope chain. A snapshot that never materialized one defers to the
	// callee's environment, except when the frame resumes at its first
	// op: then the slot stays unset and the prologue rebuilds it.
	sv, err := si.MaybeRead(u.fb)
	if err != nil {
		return nil, err
	}
	var scope value.Value
	intoPrologue := false
	switch {
	case sv.IsObject():
		scope = sv
	case fn != nil:
		if si.PCOffset() != 0 || rawResumeAfter || propagating {
			scope = value.ObjectValue(uint64(fn.Env))
		} else {
			intoPrologue = true
			scope = value.UndefinedValue()
		}
	default:
		env := u.reg.State(scr).GlobalEnv
		if env == 0 {
			panic(fmt.Sprintf("bailout: script %s has no global environment", scr.Name))
		}
		scope = value.ObjectValue(uint64(env))
	}

	b.WriteValue(scope, "ScopeChain")
	// Snapshots do not track the return value slot; it starts unset.
	b.WriteValue(value.UndefinedValue(), "ReturnValue")
	b.WriteWord(0, "Flags")

	if fn != nil {
		// The this value and formals live in the argument vector above
		// the frame header: the real stack for the outermost frame,
		// image words for deeper ones.
		thisv, err := si.MaybeRead(u.fb)
		if err != nil {
			return nil, err
		}
		b.SetWordAt(fp+frame.ArgvOffset, thisv.Raw())
		if !hasCaller {
			u.startFormals = make([]value.Value, scr.NArgs)
			for i := range u.startFormals {
				v, err := si.MaybeRead(u.fb)
				if err != nil {
					return nil, err
				}
				u.startFormals[i] = v
			}
		} else {
			for i := uint32(0); i < scr.NArgs; i++ {
				v, err := si.MaybeRead(u.fb)
				if err != nil {
					return nil, err
				}
				b.SetWordAt(fp+frame.ArgvOffset+mem.Addr(8*(i+1)), v.Raw())
			}
		}
	}

	for i := uint32(0); i < scr.NFixed; i++ {
		v, err := si.MaybeRead(u.fb)
		if err != nil {
			return nil, err
		}
		b.WriteValue(v, "FixedValue")
	}

	pcOff := si.PCOffset()
	resumeAfter := rawResumeAfter
	if catching {
		pcOff = exc.ResumePC
		resumeAfter = false
	}
	op := scr.OpAt(pcOff)

	// Calls the optimizing tier inlined never ran their fast-tier
	// calling convention, so the operand stack it expects has to be
	// staged by hand before the deeper frame is laid down.
	pushedSlots := uint32(0)
	var savedArgs []value.Value
	needsSave := op == bytecode.OpFunApply || op == bytecode.OpGetProp || op == bytecode.OpSetProp
	if !innermost && (op == bytecode.OpFunCall || needsSave) {
		var inlined uint32
		switch op {
		case bytecode.OpFunCall:
			inlined = 2 + scr.ArgcAt(pcOff) - 1
		case bytecode.OpFunApply:
			inlined = 2 + uint32(b.WordAt(fp+frame.NumActualArgsOffset))
		case bytecode.OpGetProp:
			inlined = 2
		case bytecode.OpSetProp:
			inlined = 3
		}
		if inlined > exprSlots {
			panic(fmt.Sprintf("bailout: %v at pc %d of %s claims %d inlined operands, stack has %d",
				op, pcOff, scr.Name, inlined, exprSlots))
		}
		pushedSlots = exprSlots - inlined

		for i := uint32(0); i < pushedSlots; i++ {
			v, err := si.MaybeRead(u.fb)
			if err != nil {
				return nil, err
			}
			b.WriteValue(v, "StackValue")
		}

		if op == bytecode.OpFunCall {
			// The fast tier keeps the fun.call function object below
			// the shifted arguments. It is never read; undefined does.
			b.WriteValue(value.UndefinedValue(), "StackValue")
		}

		if needsSave {
			// fun.apply spread its argument object and accessors never
			// pushed a call at all. The callee's arguments exist only
			// in the snapshot; save them for the frames below.
			if op == bytecode.OpFunApply {
				for i := 0; i < 4; i++ {
					b.WriteValue(value.UndefinedValue(), "StackValue")
				}
			}
			savedArgs = make([]value.Value, inlined)
			for i := range savedArgs {
				v, err := si.MaybeRead(u.fb)
				if err != nil {
					return nil, err
				}
				savedArgs[i] = v
			}
			if op == bytecode.OpSetProp {
				// The assigned value stays on the stack as the
				// expression result, whatever the setter does.
				b.WriteValue(savedArgs[len(savedArgs)-1], "StackValue")
			}
			pushedSlots = exprSlots
		}
	}

	for i := pushedSlots; i < exprSlots; i++ {
		var v value.Value
		if propagating && innermost && !hasLiveIteratorAt(scr, pcOff, i+1) {
			// Rethrowing over rebuilt frames: the throw may have
			// happened before this slot was pushed, so its allocation
			// can be garbage. Live iterators are the exception; the
			// unwinder still has to close them.
			if err := si.Skip(); err != nil {
				return nil, err
			}
			v = value.MagicValue(value.OptimizedOut)
		} else {
			var err error
			v, err = si.MaybeRead(u.fb)
			if err != nil {
				return nil, err
			}
		}
		b.WriteValue(v, "StackValue")
	}

	// Address of the last operand written; the callee and arguments of a
	// deeper call are read back from here.
	endOfValues := b.StackAddr()

	if !resumeAfter {
		pcOff = scr.SkipLoopEntry(pcOff)
		op = scr.OpAt(pcOff)
	}

	fc := u.reg.State(scr).Fast
	if fc == nil {
		panic(fmt.Sprintf("bailout: script %s has no fast-tier code", scr.Name))
	}

	if innermost || catching {
		if resumeAfter {
			pcOff = scr.NextPC(pcOff)
		}

		native, slots, ok := fc.NativeForPC(pcOff)
		if !ok {
			panic(fmt.Sprintf("bailout: no fast code for pc %d of %s", pcOff, scr.Name))
		}
		if propagating && resumeAfter {
			// Resume addresses are never entered while propagating, but
			// frame walks must report the throwing op, not its
			// successor.
			if at, _, ok := fc.NativeForPC(si.PCOffset()); ok {
				native = at
			}
		}

		if n := slots.NumUnsynced(); n > 0 {
			u.popInto(slots.TopLoc())
			if n > 1 {
				u.popInto(slots.NextLoc())
			}
			if debugBailouts {
				fmt.Fprintf(os.Stderr, "bailout:   popped %d unsynced operands\n", n)
			}
		}

		if intoPrologue {
			// The prologue pushes the frame's environment before the
			// first op runs, so enter the fast code at its top.
			native = fc.Code.Start
			if debugBailouts {
				fmt.Fprintf(os.Stderr, "bailout:   resuming into the prologue of %s\n", scr.Name)
			}
		}

		rec := b.Header()
		rec.ResumeFramePtr = fp
		rec.ResumeAddr = native
		rec.resumeFrameSize = b.FrameSize()
		if debugBailouts {
			mode := "at"
			if resumeAfter {
				mode = "after"
			}
			fmt.Fprintf(os.Stderr, "bailout:   resume %s pc %d of %s, frame size %d\n",
				mode, pcOff, scr.Name, rec.resumeFrameSize)
		}
		return nil, nil
	}

	// A deeper frame follows: lay down the stub frame that carries the
	// call, exactly as the fast tier's call IC would have left it.
	if debugBailouts {
		fmt.Fprintf(os.Stderr, "bailout:   stub frame under %s at pc %d (%v)\n", scr.Name, pcOff, op)
	}

	icEntry, ok := fc.ICEntryForPC(pcOff)
	if !ok {
		panic(fmt.Sprintf("bailout: no IC at pc %d of %s", pcOff, scr.Name))
	}
	icRet := fc.Code.Start + mem.Addr(icEntry.ReturnOffset)

	fastSize := b.FrameSize()
	b.WriteWord(uint64(fp), "SavedFramePtr")
	b.WriteWord(uint64(icEntry.StubAddr), "StubPtr")
	b.WriteWord(uint64(icRet), "ReturnAddr")
	b.WriteWord(uint64(frame.MakeDescriptor(fastSize, frame.KindFastJS)), "Descriptor")
	b.StartFrame()

	// The callee's argument vector: this value first, then the actuals,
	// top of stack last.
	var actualArgc uint32
	if needsSave {
		if op == bytecode.OpFunApply {
			actualArgc = uint32(b.WordAt(fp + frame.NumActualArgsOffset))
		} else if op == bytecode.OpSetProp {
			actualArgc = 1
		}
		if uint32(len(savedArgs)) != actualArgc+2 {
			panic(fmt.Sprintf("bailout: saved %d caller args, call carries %d", len(savedArgs), actualArgc))
		}
		for i := uint32(0); i < actualArgc+1; i++ {
			b.WriteValue(savedArgs[uint32(len(savedArgs))-(i+1)], "ArgVal")
		}
	} else {
		actualArgc = scr.ArgcAt(pcOff)
		if op == bytecode.OpFunCall {
			if actualArgc == 0 {
				panic(fmt.Sprintf("bailout: inlined fun.call with no arguments at pc %d of %s", pcOff, scr.Name))
			}
			actualArgc--
		}
		for i := uint32(0); i < actualArgc+1; i++ {
			b.WriteWord(b.WordAt(endOfValues+mem.Addr(8*i)), "ArgVal")
		}
	}

	var calleeV value.Value
	if needsSave {
		calleeV = savedArgs[0]
	} else {
		calleeV = value.FromRaw(b.WordAt(endOfValues + mem.Addr(8*(actualArgc+1))))
	}
	if !calleeV.IsObject() {
		panic(fmt.Sprintf("bailout: inlined callee at pc %d of %s is %v", pcOff, scr.Name, calleeV))
	}
	nextFn, ok := u.reg.FunctionAt(mem.Addr(calleeV.GCThingAddr()))
	if !ok {
		panic(fmt.Sprintf("bailout: no function registered at %#x", calleeV.GCThingAddr()))
	}
	token := nextFn.Token()
	stubRet := u.reg.StubReturnAddr(op)

	stubSize := b.FrameSize()
	b.WriteWord(uint64(actualArgc), "ActualArgc")
	b.WriteWord(uint64(token), "CalleeToken")
	b.WriteWord(uint64(stubRet), "ReturnAddr")

	if actualArgc >= nextFn.Script.NArgs {
		b.WriteWord(uint64(frame.MakeDescriptor(stubSize, frame.KindStub)), "Descriptor")
		b.StartFrame()
		return nextFn, nil
	}

	// The call passed fewer arguments than the callee declares, so the
	// fast tier would have gone through the rectifier. Synthesize its
	// frame: the original vector padded with undefined up to the formal
	// count.
	if debugBailouts {
		fmt.Fprintf(os.Stderr, "bailout:   rectifier frame: %d actuals of %d formals\n",
			actualArgc, nextFn.Script.NArgs)
	}
	b.WriteWord(uint64(frame.MakeDescriptor(stubSize, frame.KindStub)), "Descriptor")
	rectFP := b.StartFrame()

	for i := actualArgc; i < nextFn.Script.NArgs; i++ {
		b.WriteValue(value.UndefinedValue(), "FillerVal")
	}
	// The vector the stub pushed sits just above the rectifier's header.
	for i := int(actualArgc); i >= 0; i-- {
		b.WriteWord(b.WordAt(rectFP+frame.ArgvOffset+mem.Addr(8*i)), "CopiedArg")
	}

	rectSize := b.FrameSize()
	b.WriteWord(uint64(actualArgc), "ActualArgc")
	b.WriteWord(uint64(token), "CalleeToken")
	b.WriteWord(uint64(u.reg.RectifierReturnAddr()), "ReturnAddr")
	b.WriteWord(uint64(frame.MakeDescriptor(rectSize, frame.KindRectifier)), "Descriptor")
	b.StartFrame()
	return nextFn, nil
}
