// Package unwind walks an activation caller-ward with a pending exception
// until some frame's exception region takes it, and reports where
// execution resumes. Frames the walk leaves behind are dead: each is
// relabeled as unwound on the way past, so the surviving chain stays
// walkable and the collector never scans discarded slots.
//
// Region matching runs per logical frame against the script's try notes,
// innermost first. A note matches only when its declared operand depth is
// no deeper than the frame's live depth; a try the exception already
// unwound out of contributes nothing. Catch and finally handlers always
// resume in fast-tier code, so an optimized frame that wants to handle
// the exception is first torn down by the bailout engine with the handler
// as its target.
package unwind

import (
	"fmt"
	"os"

	"molten/internal/bailout"
	"molten/internal/bytecode"
	"molten/internal/frame"
	"molten/internal/mem"
	"molten/internal/snapshot"
	"molten/internal/value"
)

var debugUnwind = os.Getenv("MOLTEN_SPEW_UNWIND") != ""

// Kind says how execution continues after the unwind.
type Kind uint8

const (
	// ResumeEntry means no frame took the exception: the walk reached the
	// entry frame and the caller propagates whatever is still pending.
	ResumeEntry Kind = iota
	// ResumeCatch enters a catch handler in fast-tier code. The handler's
	// first op consumes the pending exception.
	ResumeCatch
	// ResumeFinally enters a finally handler carrying the exception; the
	// handler rethrows it when it completes normally.
	ResumeFinally
	// ResumeForcedReturn pops the newest surviving frame as if it had
	// returned. Its return value slot is already filled.
	ResumeForcedReturn
	// ResumeBailout continues in the bailout tail: an optimized frame was
	// torn down and its replacement fast-tier frames are already on the
	// stack.
	ResumeBailout
)

func (k Kind) String() string {
	switch k {
	case ResumeEntry:
		return "entry"
	case ResumeCatch:
		return "catch"
	case ResumeFinally:
		return "finally"
	case ResumeForcedReturn:
		return "forced-return"
	case ResumeBailout:
		return "bailout"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Resume is the unwinder's verdict: what the trampoline installs before
// execution continues.
type Resume struct {
	Kind Kind

	// Target is the native address to enter: the handler for Catch and
	// Finally, the bailout tail for Bailout. Entry and ForcedReturn
	// resume through the ordinary return path and carry no target.
	Target mem.Addr

	// FramePointer and StackPointer are the machine state to install.
	// For Entry the stack pointer is the activation's original top.
	FramePointer mem.Addr
	StackPointer mem.Addr

	// Exception is the pending exception as the unwind left it: what a
	// catch or finally handler receives, or what still propagates past
	// the entry frame. HasException is false once the exception was
	// consumed by a forced return or became uncatchable.
	Exception    value.Value
	HasException bool

	// Record is the committed reconstruction behind a ResumeBailout.
	Record *bailout.Record
}

// IteratorCloser closes for-in iterators the unwind abandons.
type IteratorCloser interface {
	// CloseForException closes iter while a catchable exception is
	// pending. The returned value, when ok, replaces the pending
	// exception: the close itself threw.
	CloseForException(iter value.Value) (value.Value, bool)
	// CloseForUncatchable closes iter without running anything
	// observable.
	CloseForUncatchable(iter value.Value)
}

// Context carries what unwinding needs from the surrounding runtime.
type Context struct {
	// DebugMode asks for frame-observable handling: optimized frames are
	// rebuilt as fast-tier frames before their regions are matched, so a
	// debugger sees every handler entry on a frame it can inspect.
	DebugMode bool
	// Iterators closes abandoned for-in iterators. With nil, abandoned
	// iterators are left open.
	Iterators IteratorCloser
	// Fallback reads elided allocations during exception bailouts.
	Fallback snapshot.Fallback
}

// HandleException finds the resume point for an exception pending on the
// activation's newest frame. Frames it unwinds past are relabeled and the
// activation top moves down to the newest survivor; on ResumeEntry every
// scripted frame is gone.
func HandleException(act *frame.Activation, exc value.Value, cx *Context) Resume {
	if cx == nil {
		cx = &Context{}
	}
	u := &unwinder{act: act, cx: cx, pending: exc, havePending: true}
	return u.run()
}

type unwinder struct {
	act *frame.Activation
	cx  *Context

	pending     value.Value
	havePending bool
}

func (u *unwinder) clearPending() {
	u.pending = value.UndefinedValue()
	u.havePending = false
}

// closing reports whether the pending exception is the generator-closing
// sentinel, which no catch block may see.
func (u *unwinder) closing() bool {
	return u.havePending && u.pending == value.MagicValue(value.GeneratorClosing)
}

func (u *unwinder) run() Resume {
	it := frame.NewIterator(u.act)
	for !it.Done() {
		if debugUnwind {
			fmt.Fprintf(os.Stderr, "unwind: %v frame at %#x\n", it.Kind(), uint64(it.FP()))
		}
		switch it.Kind() {
		case frame.KindOptJS:
			if r, done := u.optFrame(it); done {
				return r
			}
			// The frame is dead and will never return through the
			// invalidation thunk; settle its claim on the code here.
			if oc, invalidated := it.CheckInvalidation(); invalidated {
				u.act.Registry.ReleaseInvalidated(oc)
			}
		case frame.KindFastJS:
			if r, done := u.fastFrame(it); done {
				return r
			}
		}

		var passed mem.Addr
		if it.IsScripted() {
			passed = it.FP()
		}
		it.Next()
		if passed != 0 {
			// The passed frame's header stands in for an exit frame from
			// now on: walks of the remaining frames start there.
			frame.EnsureExitFrame(u.act.View, passed)
			u.act.TopFP = passed
		}
	}

	if debugUnwind {
		fmt.Fprintf(os.Stderr, "unwind: no handler, resuming at the entry frame %#x\n", uint64(it.FP()))
	}
	r := Resume{Kind: ResumeEntry, FramePointer: it.FP(), StackPointer: it.StackTop()}
	if u.havePending {
		r.Exception = u.pending
		r.HasException = true
	}
	return r
}

// closeIterator closes one abandoned for-in iterator using the convention
// the pending state calls for.
func (u *unwinder) closeIterator(iter value.Value) {
	if u.cx.Iterators == nil {
		return
	}
	if !u.havePending {
		u.cx.Iterators.CloseForUncatchable(iter)
		return
	}
	if nv, thrown := u.cx.Iterators.CloseForException(iter); thrown {
		// The close itself threw; its exception replaces the one that
		// was unwinding.
		u.pending = nv
	}
}

// fastFrame scans a fast-tier frame's try notes for one that takes the
// exception. Notes are ordered innermost first, so iterator closes run
// inside-out before any enclosing handler settles.
func (u *unwinder) fastFrame(it *frame.Iterator) (Resume, bool) {
	scr := it.Script()
	pc := it.FastPC()
	ff := it.FastFrame()

	nslots := uint32(ff.NumValueSlots())
	if nslots < scr.NFixed {
		panic(fmt.Sprintf("unwind: frame of %s holds %d slots, fewer than its %d fixed locals",
			scr.Name, nslots, scr.NFixed))
	}
	depth := nslots - scr.NFixed

	// The pc the scan has unwound the frame to; a forced return leaves it
	// behind as the frame's override pc.
	unwoundTo := pc
	settled := false

	for i := range scr.TryNotes {
		tn := &scr.TryNotes[i]
		if !tn.Covers(pc) || tn.StackDepth > depth {
			continue
		}
		switch tn.Kind {
		case bytecode.TryCatch:
			if !u.havePending || u.closing() {
				continue
			}
			if debugUnwind {
				fmt.Fprintf(os.Stderr, "unwind: catch in %s at pc %d, depth %d\n",
					scr.Name, tn.HandlerPC(), tn.StackDepth)
			}
			return Resume{
				Kind:         ResumeCatch,
				Target:       u.handlerAddr(scr, tn.HandlerPC()),
				FramePointer: it.FP(),
				StackPointer: handlerSP(it.FP(), scr, tn),
				Exception:    u.pending,
				HasException: true,
			}, true

		case bytecode.TryFinally:
			if !u.havePending {
				continue
			}
			if debugUnwind {
				fmt.Fprintf(os.Stderr, "unwind: finally in %s at pc %d, depth %d\n",
					scr.Name, tn.HandlerPC(), tn.StackDepth)
			}
			exc := u.pending
			u.clearPending()
			return Resume{
				Kind:         ResumeFinally,
				Target:       u.handlerAddr(scr, tn.HandlerPC()),
				FramePointer: it.FP(),
				StackPointer: handlerSP(it.FP(), scr, tn),
				Exception:    exc,
				HasException: true,
			}, true

		case bytecode.TryIterClose:
			// The iterator sits at the note's depth; everything pushed
			// above it is already unwound.
			iter := ff.ValueSlot(int(scr.NFixed + tn.StackDepth - 1))
			u.closeIterator(iter)
			unwoundTo = tn.Start
			settled = true

		case bytecode.TryLoop:
			// Structural bookkeeping only.
		}
	}

	if u.closing() {
		// The closing sentinel never reaches a catch block; once the
		// frame's cleanup has run, the frame returns instead.
		u.clearPending()
		if settled {
			ff.SetOverridePC(unwoundTo)
		}
		if !ff.HasReturnValue() {
			ff.SetReturnValue(value.UndefinedValue())
		}
		if debugUnwind {
			fmt.Fprintf(os.Stderr, "unwind: forced return from %s\n", scr.Name)
		}
		return Resume{
			Kind:         ResumeForcedReturn,
			FramePointer: it.FP(),
			StackPointer: it.FP() - frame.FastHeaderSize,
		}, true
	}
	return Resume{}, false
}

// handlerAddr resolves a handler pc to its fast-tier native address.
func (u *unwinder) handlerAddr(scr *bytecode.Script, pc uint32) mem.Addr {
	fc := u.act.Registry.State(scr).Fast
	if fc == nil {
		panic(fmt.Sprintf("unwind: script %s has no fast-tier code", scr.Name))
	}
	addr, _, ok := fc.NativeForPC(pc)
	if !ok {
		panic(fmt.Sprintf("unwind: no fast code for pc %d of %s", pc, scr.Name))
	}
	return addr
}

// handlerSP is the operand stack pointer a handler starts with: the frame
// cut down to the note's declared depth.
func handlerSP(fp mem.Addr, scr *bytecode.Script, tn *bytecode.TryNote) mem.Addr {
	return fp - frame.FastHeaderSize - mem.Addr(8*(scr.NFixed+tn.StackDepth))
}

// optFrame matches regions across an optimized frame's logical frames,
// innermost first. Any handler entry tears the physical frame down; the
// bailout engine rebuilds the handler's frame and everything outward of
// it, and the resume runs through the bailout tail.
func (u *unwinder) optFrame(it *frame.Iterator) (Resume, bool) {
	if u.havePending && (u.cx.DebugMode || u.closing()) {
		// Frame-observable handling and forced returns both need
		// fast-tier frames under them: rebuild every logical frame first,
		// then the search resumes over frames the fast tier owns.
		if debugUnwind {
			fmt.Fprintf(os.Stderr, "unwind: rebuilding %s before matching its regions\n",
				it.Script().Name)
		}
		return u.exceptionBailout(it, &bailout.ExceptionInfo{PropagatingForDebugMode: true})
	}

	inline, err := frame.NewInlineIterator(it)
	if err != nil {
		panic(fmt.Sprintf("unwind: opening inlined frames of %s: %v", it.Script().Name, err))
	}
	for {
		if r, done := u.optLogicalFrame(it, inline); done {
			return r, true
		}
		if !inline.More() {
			return Resume{}, false
		}
		if err := inline.Next(); err != nil {
			panic(fmt.Sprintf("unwind: advancing inlined frames of %s: %v", it.Script().Name, err))
		}
	}
}

func (u *unwinder) optLogicalFrame(it *frame.Iterator, inline *frame.InlineFrameIterator) (Resume, bool) {
	scr := inline.Script()
	pc := inline.PCOffset()

	envSlots := frame.CountArgSlots(scr, inline.CalleeTemplate()) + scr.NFixed
	si := inline.Snapshot()
	nallocs := uint32(si.NumAllocations())
	if nallocs < envSlots {
		panic(fmt.Sprintf("unwind: frame of %s has %d allocations, needs %d for its environment",
			scr.Name, nallocs, envSlots))
	}
	depth := nallocs - envSlots

	for i := range scr.TryNotes {
		tn := &scr.TryNotes[i]
		if !tn.Covers(pc) || tn.StackDepth > depth {
			continue
		}
		switch tn.Kind {
		case bytecode.TryCatch:
			if !u.havePending || u.closing() {
				continue
			}
			// Catching on this tier means a bailout every time; hold the
			// script back from re-optimizing while it keeps throwing.
			u.act.Registry.State(scr).WarmUpCount = 0
			if debugUnwind {
				fmt.Fprintf(os.Stderr, "unwind: catch in inlined %s (frame %d), bailing to pc %d\n",
					scr.Name, inline.FrameNo(), tn.HandlerPC())
			}
			if r, done := u.exceptionBailout(it, &bailout.ExceptionInfo{
				FrameNo:      inline.FrameNo(),
				ResumePC:     tn.HandlerPC(),
				NumExprSlots: tn.StackDepth,
			}); done {
				return r, true
			}
			// Reconstruction failed; the exception is gone and the scan
			// continues only to close iterators.

		case bytecode.TryFinally:
			if !u.havePending {
				continue
			}
			u.act.Registry.State(scr).WarmUpCount = 0
			if debugUnwind {
				fmt.Fprintf(os.Stderr, "unwind: finally in inlined %s (frame %d), bailing to pc %d\n",
					scr.Name, inline.FrameNo(), tn.HandlerPC())
			}
			exc := u.pending
			if r, done := u.exceptionBailout(it, &bailout.ExceptionInfo{
				FrameNo:      inline.FrameNo(),
				ResumePC:     tn.HandlerPC(),
				NumExprSlots: tn.StackDepth,
			}); done {
				u.clearPending()
				r.Exception = exc
				r.HasException = true
				return r, true
			}

		case bytecode.TryIterClose:
			// The iterator's allocation sits at the note's depth. Read it
			// off a fresh cursor; the settled one still owes the frame
			// its own slots.
			s := inline.Snapshot()
			skip := envSlots + tn.StackDepth - 1
			for j := uint32(0); j < skip; j++ {
				if err := s.Skip(); err != nil {
					panic(fmt.Sprintf("unwind: snapshot of %s: %v", scr.Name, err))
				}
			}
			iter, err := s.MaybeRead(u.cx.Fallback)
			if err != nil {
				panic(fmt.Sprintf("unwind: snapshot of %s: %v", scr.Name, err))
			}
			u.closeIterator(iter)

		case bytecode.TryLoop:
		}
	}
	return Resume{}, false
}

// exceptionBailout tears the optimized frame down around the exception:
// with a handler target the rebuilt frames stop at the handler, otherwise
// every logical frame comes back for a rethrow over fast-tier frames.
// Failure leaves the stack untouched and turns the exception uncatchable;
// the caller keeps scanning only to close iterators.
func (u *unwinder) exceptionBailout(it *frame.Iterator, info *bailout.ExceptionInfo) (Resume, bool) {
	act := it.Act()
	machine, err := it.MachineState()
	if err != nil {
		panic(fmt.Sprintf("unwind: machine state of %s: %v", it.Script().Name, err))
	}
	act.Bailout = &frame.BailoutState{
		FP:             it.FP(),
		FrameSize:      it.FrameSize(),
		Machine:        machine,
		Code:           it.OptCode(),
		SnapshotOffset: it.SnapshotOffset(),
	}
	defer func() { act.Bailout = nil }()

	rec, err := bailout.Bail(frame.NewIterator(act), u.cx.Fallback, info)
	if err != nil {
		// Nothing was committed. With nowhere to rebuild the handler's
		// frame, the exception cannot be delivered; it turns uncatchable.
		if debugUnwind {
			fmt.Fprintf(os.Stderr, "unwind: exception bailout of %s failed: %v\n",
				it.Script().Name, err)
		}
		u.clearPending()
		return Resume{}, false
	}
	if info.PropagatingForDebugMode {
		rec.Kind = snapshot.BailExceptionPropagation
	}
	rec.CommitTo(act.View)
	if debugUnwind {
		fmt.Fprintf(os.Stderr, "unwind: committed %d rebuilt frames, resume %#x\n",
			rec.NumFrames, uint64(rec.ResumeAddr))
	}

	r := Resume{
		Kind:         ResumeBailout,
		Target:       act.Registry.BailoutTailAddr(),
		FramePointer: rec.ResumeFramePtr,
		StackPointer: rec.StackBottom(),
		Record:       rec,
	}
	if u.havePending {
		r.Exception = u.pending
		r.HasException = true
	}
	return r, true
}
