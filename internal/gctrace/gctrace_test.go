package gctrace_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"molten/internal/bytecode"
	"molten/internal/code"
	"molten/internal/frame"
	"molten/internal/gctrace"
	"molten/internal/mem"
	"molten/internal/regs"
	"molten/internal/safepoint"
	"molten/internal/snapshot"
	"molten/internal/synth"
	"molten/internal/value"
)

// recordingTracer notes every visit and relocates the referents listed in
// move, leaving everything else in place.
type recordingTracer struct {
	values  []mem.Addr
	objects []mem.Addr
	move    map[mem.Addr]mem.Addr
}

func (t *recordingTracer) relocate(a mem.Addr) mem.Addr {
	if na, ok := t.move[a]; ok {
		return na
	}
	return a
}

func (t *recordingTracer) Value(v value.Value) value.Value {
	a := mem.Addr(v.GCThingAddr())
	t.values = append(t.values, a)
	return v.WithPayload(uint64(t.relocate(a)))
}

func (t *recordingTracer) Object(a mem.Addr) mem.Addr {
	t.objects = append(t.objects, a)
	return t.relocate(a)
}

func (t *recordingTracer) SlotsOrElements(a mem.Addr) mem.Addr {
	return t.relocate(a)
}

func TestTraceActivationVisitsFrameRoots(t *testing.T) {
	f := synth.Demo()
	thisObj := mem.Addr(f.Opt.Constants[0].Payload())
	ic, ok := f.MainFast.ICEntryForPC(1)
	if !ok {
		t.Fatal("main has no IC at pc 1")
	}

	tr := &recordingTracer{}
	gctrace.TraceActivation(tr, &f.Act.Activation)

	// Newest frame first: the optimized frame's callee, this, and traced
	// slot; the stub's IC; then main's callee, scope chain, and slots.
	wantObjects := []mem.Addr{f.Outer.Addr, ic.StubAddr, f.Main.Addr}
	if diff := cmp.Diff(wantObjects, tr.objects); diff != "" {
		t.Errorf("object visits (-want +got):\n%s", diff)
	}
	wantValues := []mem.Addr{thisObj, f.ScopeObj, f.Main.Env, f.Outer.Addr, thisObj}
	if diff := cmp.Diff(wantValues, tr.values); diff != "" {
		t.Errorf("value visits (-want +got):\n%s", diff)
	}
}

func TestTraceRelocatesBoxedPayloadOnly(t *testing.T) {
	f := synth.Demo()
	view := f.Act.View
	moved := f.ScopeObj + 0x1000

	rawTemp := view.Uint64(f.OptFP - 0x18)
	spill := view.Uint64(f.OptFP - 0x48)

	tr := &recordingTracer{move: map[mem.Addr]mem.Addr{f.ScopeObj: moved}}
	gctrace.TraceActivation(tr, &f.Act.Activation)

	got := value.FromRaw(view.Uint64(f.OptFP - 8))
	if !got.IsObject() || mem.Addr(got.Payload()) != moved {
		t.Errorf("traced slot after move = %v (%#x), want object @%#x",
			got.Type(), got.Payload(), uint64(moved))
	}
	// Untraced words do not move: the raw temporary and the boxed int
	// spill hold no references.
	if w := view.Uint64(f.OptFP - 0x18); w != rawTemp {
		t.Errorf("raw temporary rewritten: %#x, want %#x", w, rawTemp)
	}
	if w := view.Uint64(f.OptFP - 0x48); w != spill {
		t.Errorf("spill rewritten: %#x, want %#x", w, spill)
	}
}

func TestTraceRelocatesCalleeThroughRegistry(t *testing.T) {
	f := synth.Demo()
	old := f.Outer.Addr
	moved := old + 0x2000

	tr := &recordingTracer{move: map[mem.Addr]mem.Addr{old: moved}}
	gctrace.TraceActivation(tr, &f.Act.Activation)

	if f.Outer.Addr != moved {
		t.Errorf("outer.Addr = %#x, want %#x", uint64(f.Outer.Addr), uint64(moved))
	}
	if fn, ok := f.P.Reg.FunctionAt(moved); !ok || fn != f.Outer {
		t.Errorf("FunctionAt(%#x) = %v, %v, want outer", uint64(moved), fn, ok)
	}
	if _, ok := f.P.Reg.FunctionAt(old); ok {
		t.Errorf("stale index entry for %#x survived relocation", uint64(old))
	}

	// main's frame holds outer boxed in a value slot; the boxed copy
	// follows the object.
	it := frame.NewIterator(&f.Act.Activation)
	for it.Kind() != frame.KindFastJS {
		it.Next()
	}
	slot := it.FastFrame().ValueSlot(1)
	if !slot.IsObject() || mem.Addr(slot.Payload()) != moved {
		t.Errorf("boxed callee slot = %v (%#x), want object @%#x",
			slot.Type(), slot.Payload(), uint64(moved))
	}
}

func TestTraceBailoutFrameThroughSnapshot(t *testing.T) {
	f := synth.Demo()
	st, err := f.Interrupt()
	if err != nil {
		t.Fatal(err)
	}
	f.Act.Bailout = st
	defer func() { f.Act.Bailout = nil }()

	thisObj := mem.Addr(f.Opt.Constants[0].Payload())
	moved := f.ScopeObj + 0x1000
	tr := &recordingTracer{move: map[mem.Addr]mem.Addr{f.ScopeObj: moved}}
	gctrace.TraceActivation(tr, &f.Act.Activation)

	// Mid-bailout the walk starts at the dying frame and its references
	// come out of the snapshot, not the safepoint. The environment slot
	// surfaces first, from outer's resume point.
	wantValues := []mem.Addr{f.ScopeObj, thisObj, f.Main.Env, f.Outer.Addr, thisObj}
	if diff := cmp.Diff(wantValues, tr.values); diff != "" {
		t.Errorf("value visits (-want +got):\n%s", diff)
	}

	// The snapshot writeback lands on the same stack word the safepoint
	// names.
	got := value.FromRaw(f.Act.View.Uint64(f.OptFP - 8))
	if !got.IsObject() || mem.Addr(got.Payload()) != moved {
		t.Errorf("traced slot after move = %v (%#x), want object @%#x",
			got.Type(), got.Payload(), uint64(moved))
	}
}

func TestTraceExitFrameFooter(t *testing.T) {
	p := synth.NewProgram()
	fn := p.Function("caller", 0, 0, func(a *bytecode.Assembler) {
		a.Emit(bytecode.OpNop)
		a.Emit(bytecode.OpReturn)
	})
	id := p.Reg.RegisterNative(code.NativeSig{
		Name:     "defineProp",
		Args:     []code.ArgClass{code.ArgWord, code.ArgObject, code.ArgString},
		OutValue: true,
	})
	obj := p.AllocObject()
	str := p.AllocObject()
	res := p.AllocObject()

	st := synth.NewStack(p.Reg)
	st.PushBody(16)
	st.PushScripted(frame.KindFastJS, 0xe0, fn.Token(), 0, value.UndefinedValue())
	st.PushFastBody(value.UndefinedValue())
	exitFP := st.PushExit(0xf0, id)

	// The native's footer: out param pointer and three explicit args.
	view := st.View
	outSlot := exitFP - 0x100
	view.SetUint64(outSlot, value.ObjectValue(uint64(res)).Raw())
	view.SetUint64(exitFP-frame.ExitOutParamBelow, uint64(outSlot))
	view.SetUint64(exitFP-frame.ExitArgsBelow, 0x1234)
	view.SetUint64(exitFP-frame.ExitArgsBelow-8, uint64(obj))
	view.SetUint64(exitFP-frame.ExitArgsBelow-16, uint64(str))

	act := st.Activation(exitFP)
	tr := &recordingTracer{move: map[mem.Addr]mem.Addr{
		obj: obj + 0x40,
		res: res + 0x40,
	}}
	gctrace.TraceActivation(tr, act)

	wantObjects := []mem.Addr{obj, str, fn.Addr}
	if diff := cmp.Diff(wantObjects, tr.objects); diff != "" {
		t.Errorf("object visits (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]mem.Addr{res}, tr.values); diff != "" {
		t.Errorf("value visits (-want +got):\n%s", diff)
	}

	if w := view.Uint64(exitFP - frame.ExitArgsBelow); w != 0x1234 {
		t.Errorf("raw argument rewritten: %#x", w)
	}
	if w := view.Uint64(exitFP - frame.ExitArgsBelow - 8); w != uint64(obj+0x40) {
		t.Errorf("object argument = %#x, want %#x", w, uint64(obj+0x40))
	}
	out := value.FromRaw(view.Uint64(outSlot))
	if !out.IsObject() || mem.Addr(out.Payload()) != res+0x40 {
		t.Errorf("out param = %v (%#x), want object @%#x",
			out.Type(), out.Payload(), uint64(res+0x40))
	}
}

func TestTraceSplitPair(t *testing.T) {
	p := synth.NewProgram()
	fn := p.Function("mix", 0, 0, func(a *bytecode.Assembler) {
		a.Emit(bytecode.OpNop)
		a.Emit(bytecode.OpReturn)
	})
	obj := p.AllocObject()

	ob := p.NewOpt(fn, 0x30)
	w := ob.W
	w.AddResumePoint(0, 2)
	recov := w.EndRecover(false)
	off := w.BeginSnapshot(snapshot.BailNormal, recov)
	w.AddAllocation(snapshot.UndefinedAlloc())
	w.AddAllocation(snapshot.UndefinedAlloc())
	w.EndSnapshot()

	sp := &safepoint.Safepoint{
		AllGPRSpills: regs.GPRSet(0).Add(6),
		SplitValues: []safepoint.SplitValue{{
			Type:    safepoint.StackLoc(0x10),
			Payload: safepoint.RegLoc(6),
		}},
	}
	ret := ob.AddSite(off, sp)
	ob.Finish()

	// The pair is torn: tag half on the stack, payload half spilled.
	pair := value.ObjectValue(uint64(obj)).Split()
	st := synth.NewStack(p.Reg)
	st.PushBody(16)
	optFP := st.PushScripted(frame.KindOptJS, 0xe0, fn.Token(), 0, value.UndefinedValue())
	st.PushBody(8)
	tagAddr := st.PushWord(uint64(pair.Tag))
	st.PushBody(0x20)
	payloadAddr := st.PushWord(uint64(pair.Payload))
	exitFP := st.PushExit(ret, 0)
	act := st.Activation(exitFP)

	moved := obj + 0x40
	tr := &recordingTracer{move: map[mem.Addr]mem.Addr{obj: moved}}
	gctrace.TraceActivation(tr, act)

	if diff := cmp.Diff([]mem.Addr{obj}, tr.values); diff != "" {
		t.Errorf("value visits (-want +got):\n%s", diff)
	}
	if got := act.View.Uint32(payloadAddr); got != uint32(moved) {
		t.Errorf("payload half = %#x, want %#x", got, uint32(moved))
	}
	if got := act.View.Uint32(tagAddr); got != pair.Tag {
		t.Errorf("tag half rewritten: %#x, want %#x", got, pair.Tag)
	}
	if optFP-0x10 != tagAddr || optFP-0x38 != payloadAddr {
		t.Fatalf("rig layout drifted: tag %#x payload %#x from fp %#x",
			uint64(tagAddr), uint64(payloadAddr), uint64(optFP))
	}
}
