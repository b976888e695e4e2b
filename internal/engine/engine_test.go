package engine_test

import (
	"testing"

	"molten/internal/frame"
	"molten/internal/mem"
	"molten/internal/synth"
	"molten/internal/unwind"
	"molten/internal/value"
)

// movingTracer relocates the referents listed in move and leaves the rest.
type movingTracer struct {
	move map[mem.Addr]mem.Addr
}

func (t *movingTracer) relocate(a mem.Addr) mem.Addr {
	if na, ok := t.move[a]; ok {
		return na
	}
	return a
}

func (t *movingTracer) Value(v value.Value) value.Value {
	return v.WithPayload(uint64(t.relocate(mem.Addr(v.GCThingAddr()))))
}

func (t *movingTracer) Object(a mem.Addr) mem.Addr          { return t.relocate(a) }
func (t *movingTracer) SlotsOrElements(a mem.Addr) mem.Addr { return t.relocate(a) }

func TestGetPcScriptInnermostFrame(t *testing.T) {
	f := synth.Demo()

	// The newest scripted frame is outer's optimized frame; the answer is
	// the inlined call it is stopped inside.
	s, pc := f.Eng.GetPcScript(f.Act)
	if s != f.Leaf.Script || pc != 3 {
		t.Errorf("GetPcScript = %s pc %d, want leaf pc 3", s.Name, pc)
	}
	// Second resolution comes out of the cache.
	if s2, pc2 := f.Eng.GetPcScript(f.Act); s2 != s || pc2 != pc {
		t.Errorf("cached GetPcScript = %s pc %d, want %s pc %d", s2.Name, pc2, s.Name, pc)
	}

	// Mid-bailout there is no cacheable return address; resolution still
	// lands on the same logical frame.
	st, err := f.Interrupt()
	if err != nil {
		t.Fatal(err)
	}
	f.Act.Bailout = st
	defer func() { f.Act.Bailout = nil }()
	if s3, pc3 := f.Eng.GetPcScript(f.Act); s3 != f.Leaf.Script || pc3 != 3 {
		t.Errorf("mid-bailout GetPcScript = %s pc %d, want leaf pc 3", s3.Name, pc3)
	}
}

func TestGetPcScriptAcrossCollections(t *testing.T) {
	f := synth.Demo()
	s, pc := f.Eng.GetPcScript(f.Act)

	f.Eng.TraceAll(&movingTracer{})
	if got := f.Eng.GCNumber(); got != 1 {
		t.Fatalf("GCNumber after one pass = %d, want 1", got)
	}

	// The cache filled under generation 0 is gone; re-resolution gives
	// the same answer.
	if s2, pc2 := f.Eng.GetPcScript(f.Act); s2 != s || pc2 != pc {
		t.Errorf("GetPcScript after collection = %s pc %d, want %s pc %d",
			s2.Name, pc2, s.Name, pc)
	}
}

func TestBailoutInstallsResumeExitFrame(t *testing.T) {
	f := synth.Demo()
	st, err := f.Interrupt()
	if err != nil {
		t.Fatal(err)
	}
	rec, err := f.Eng.Bailout(f.Act, st)
	if err != nil {
		t.Fatal(err)
	}

	if rec.NumFrames != 2 {
		t.Errorf("NumFrames = %d, want 2", rec.NumFrames)
	}
	if f.Act.Bailout != nil {
		t.Error("bailout state still pinned after commit")
	}
	// A normal bailout does not condemn the code.
	if f.Opt.Invalidated {
		t.Error("normal bailout invalidated the code")
	}

	// The trampoline's exit frame sits directly under the rebuilt frames
	// and returns into the resume address.
	view := f.Act.View
	wantTop := rec.StackBottom() - 16
	if f.Act.TopFP != wantTop {
		t.Fatalf("TopFP = %#x, want %#x", uint64(f.Act.TopFP), uint64(wantTop))
	}
	d := frame.Descriptor(view.Uint64(f.Act.TopFP + frame.DescriptorOffset))
	if d.PrevKind() != frame.KindFastJS {
		t.Errorf("exit descriptor kind = %v, want FastJS", d.PrevKind())
	}
	if d.PrevFrameLocalSize() != rec.ResumeFrameSize() {
		t.Errorf("exit descriptor size = %d, want %d",
			d.PrevFrameLocalSize(), rec.ResumeFrameSize())
	}
	if ret := mem.Addr(view.Uint64(f.Act.TopFP + frame.ReturnAddrOffset)); ret != rec.ResumeAddr {
		t.Errorf("exit return address = %#x, want %#x", uint64(ret), uint64(rec.ResumeAddr))
	}
	if id := view.Uint64(f.Act.TopFP - frame.ExitNativeIDBelow); id != 0 {
		t.Errorf("resume exit carries native id %d", id)
	}
}

func TestInvalidateSettlesThroughBailout(t *testing.T) {
	f := synth.Demo()
	retOpt := mem.Addr(f.Act.View.Uint64(f.ExitFP + frame.ReturnAddrOffset))

	f.Eng.Invalidate(f.Opt)
	if !f.Opt.Invalidated {
		t.Fatal("code not marked invalidated")
	}
	if f.Opt.Live != 1 {
		t.Errorf("live count = %d, want 1 (the opt frame on the stack)", f.Opt.Live)
	}
	if oc, ok := f.P.Reg.InvalidatedCodeFor(retOpt); !ok || oc != f.Opt {
		t.Errorf("InvalidatedCodeFor(%#x) = %v, %v, want the condemned code",
			uint64(retOpt), oc, ok)
	}
	if f.P.Reg.State(f.Outer.Script).Opt != nil {
		t.Error("script state still offers the condemned code")
	}

	// Bailing the frame out settles its claim; the side-table entries go
	// with the last one.
	st, err := f.Interrupt()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Eng.Bailout(f.Act, st); err != nil {
		t.Fatal(err)
	}
	if f.Opt.Live != 0 {
		t.Errorf("live count after bailout = %d, want 0", f.Opt.Live)
	}
	if _, ok := f.P.Reg.InvalidatedCodeFor(retOpt); ok {
		t.Error("side-table entry survived the last frame's release")
	}
}

func TestTraceAllRelocatesConstants(t *testing.T) {
	f := synth.Demo()
	thisObj := mem.Addr(f.Opt.Constants[0].Payload())
	moved := thisObj + 0x1000

	f.Eng.TraceAll(&movingTracer{move: map[mem.Addr]mem.Addr{thisObj: moved}})

	c0 := f.Opt.Constants[0]
	if !c0.IsObject() || mem.Addr(c0.Payload()) != moved {
		t.Errorf("constant 0 = %v (%#x), want object @%#x",
			c0.Type(), c0.Payload(), uint64(moved))
	}
	if c1 := f.Opt.Constants[1]; !c1.IsInt32() || c1.Int32() != 11 {
		t.Errorf("constant 1 rewritten: %v", c1)
	}
	if c2 := f.Opt.Constants[2]; mem.Addr(c2.Payload()) != f.Leaf.Addr {
		t.Errorf("constant 2 = %#x, want leaf @%#x", c2.Payload(), uint64(f.Leaf.Addr))
	}
}

func TestHandleExceptionDefaultContext(t *testing.T) {
	f := synth.Demo()
	exc := value.StringValue(uint64(f.P.AllocObject()))

	r := f.Eng.HandleException(f.Act, exc, nil)
	if r.Kind != unwind.ResumeBailout {
		t.Fatalf("resume kind = %v, want the bailout tail", r.Kind)
	}
	if r.Target != f.P.Reg.BailoutTailAddr() {
		t.Errorf("target = %#x, want the bailout tail trampoline", uint64(r.Target))
	}
	if r.Record == nil || r.Record.NumFrames != 1 {
		t.Errorf("record = %+v, want one rebuilt frame stopping at the handler", r.Record)
	}
}
