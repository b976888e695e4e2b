package code

import (
	"testing"

	"molten/internal/bytecode"
	"molten/internal/compact"
	"molten/internal/pcmap"
	"molten/internal/safepoint"
)

func testScript(name string) *bytecode.Script {
	var a bytecode.Assembler
	a.Emit(bytecode.OpNop)
	a.EmitU8(bytecode.OpCall, 1)
	a.Emit(bytecode.OpReturn)
	return &bytecode.Script{Name: name, NArgs: 1, NFixed: 2, Code: a.Code()}
}

func TestCalleeTokens(t *testing.T) {
	r := NewRegistry()
	f := &Function{Name: "f", Script: testScript("f")}
	g := &Function{Name: "g", Script: testScript("g")}
	global := testScript("global")

	tf := r.RegisterFunction(f)
	tg := r.RegisterFunction(g)
	ts := r.RegisterScript(global)

	if !tf.IsFunction() || !tg.IsFunction() {
		t.Fatal("function tokens not tagged as functions")
	}
	if ts.IsFunction() {
		t.Fatal("script token tagged as function")
	}
	if got := r.FunctionFromToken(tg); got != g {
		t.Errorf("FunctionFromToken = %v, want %v", got.Name, g.Name)
	}
	if got := r.ScriptFromToken(tf); got != f.Script {
		t.Errorf("ScriptFromToken(function) = %v, want %v", got.Name, f.Script.Name)
	}
	if got := r.ScriptFromToken(ts); got != global {
		t.Errorf("ScriptFromToken(script) = %v, want %v", got.Name, global.Name)
	}
}

func TestAllocRange(t *testing.T) {
	r := NewRegistry()
	a := r.AllocRange(100)
	b := r.AllocRange(4)
	if a.Size() < 100 {
		t.Errorf("range size = %d, want >= 100", a.Size())
	}
	if a.Start%16 != 0 || b.Start%16 != 0 {
		t.Errorf("ranges not aligned: %#x %#x", uint64(a.Start), uint64(b.Start))
	}
	if b.Start < a.End {
		t.Errorf("ranges overlap: [%#x,%#x) then [%#x,%#x)",
			uint64(a.Start), uint64(a.End), uint64(b.Start), uint64(b.End))
	}
}

func buildFastCode(r *Registry, s *bytecode.Script) *FastCode {
	var b pcmap.Builder
	native := uint32(16)
	for pc := uint32(0); int(pc) < len(s.Code); pc = s.NextPC(pc) {
		b.Add(pc, native, pcmap.AllSynced())
		native += 8
	}
	fc := &FastCode{
		Script:         s,
		Code:           r.AllocRange(native + 32),
		PCMap:          b.Finish(),
		PrologueOffset: 16,
		ICEntries: []ICEntry{
			{ReturnOffset: 30, PCOffset: 1}, // the call op
		},
	}
	r.AttachFast(fc)
	return fc
}

func TestFastCodeLookups(t *testing.T) {
	r := NewRegistry()
	s := testScript("f")
	fc := buildFastCode(r, s)

	if got, ok := r.FastCodeAt(fc.Code.Start + 4); !ok || got != fc {
		t.Fatalf("FastCodeAt inside = %v %v, want the code", got, ok)
	}
	if _, ok := r.FastCodeAt(fc.Code.End); ok {
		t.Fatal("FastCodeAt(end) hit, want miss")
	}

	addr, _, ok := fc.NativeForPC(1)
	if !ok || addr != fc.Code.Start+24 {
		t.Errorf("NativeForPC(1) = %#x %v, want %#x", uint64(addr), ok, uint64(fc.Code.Start+24))
	}

	// Return address at the IC call site resolves through the IC table.
	ret := fc.Code.Start + 30
	if e, ok := fc.ICEntryForReturnAddress(ret); !ok || e.PCOffset != 1 {
		t.Errorf("ICEntryForReturnAddress = %+v %v, want pc 1", e, ok)
	}
	if pc, ok := fc.PCForReturnAddress(ret); !ok || pc != 1 {
		t.Errorf("PCForReturnAddress(ic) = %d %v, want 1", pc, ok)
	}
	if got, ok := fc.ReturnAddressForIC(1); !ok || got != ret {
		t.Errorf("ReturnAddressForIC(1) = %#x %v, want %#x", uint64(got), ok, uint64(ret))
	}

	// Prologue return addresses resolve to pc 0.
	if pc, ok := fc.PCForReturnAddress(fc.Code.Start + 8); !ok || pc != 0 {
		t.Errorf("PCForReturnAddress(prologue) = %d %v, want 0", pc, ok)
	}
}

func buildOptCode(r *Registry, s *bytecode.Script) *OptCode {
	sp := &safepoint.Safepoint{OSIReturnOffset: 40}
	w := compact.NewWriter()
	sp.Encode(w)
	oc := &OptCode{
		Script:        s,
		Code:          r.AllocRange(128),
		FrameSize:     64,
		SafepointData: w.Bytes(),
		OSIIndex:      []OSIEntry{{ReturnOffset: 40, SnapshotOffset: 7}},
		Safepoints:    []SafepointEntry{{ReturnOffset: 40, SafepointOffset: 0}},
	}
	r.AttachOpt(oc)
	return oc
}

func TestOptCodeLookups(t *testing.T) {
	r := NewRegistry()
	s := testScript("hot")
	oc := buildOptCode(r, s)

	ret := oc.Code.Start + 40
	if e, ok := oc.OSIEntryForReturnAddress(ret); !ok || e.SnapshotOffset != 7 {
		t.Errorf("OSIEntryForReturnAddress = %+v %v, want snapshot 7", e, ok)
	}
	if _, ok := oc.OSIEntryForReturnAddress(oc.Code.Start + 39); ok {
		t.Error("OSIEntryForReturnAddress off by one hit")
	}
	sp, err := oc.SafepointForReturnAddress(ret)
	if err != nil {
		t.Fatalf("SafepointForReturnAddress: %v", err)
	}
	if sp.OSIReturnOffset != 40 {
		t.Errorf("safepoint OSI return = %d, want 40", sp.OSIReturnOffset)
	}
	if _, err := oc.SafepointForReturnAddress(oc.Code.Start + 12); err == nil {
		t.Error("SafepointForReturnAddress at non-call offset succeeded")
	}
}

func TestInvalidationSideTable(t *testing.T) {
	r := NewRegistry()
	s := testScript("hot")
	oc := buildOptCode(r, s)
	ret := oc.Code.Start + 40

	if _, ok := r.InvalidatedCodeFor(ret); ok {
		t.Fatal("side table hit before invalidation")
	}

	r.Invalidate(oc, 2)
	if !oc.Invalidated {
		t.Fatal("code not marked invalidated")
	}
	if st := r.State(s); st.Opt != nil {
		t.Fatal("script still points at invalidated code")
	}
	got, ok := r.InvalidatedCodeFor(ret)
	if !ok || got != oc {
		t.Fatalf("InvalidatedCodeFor = %v %v, want the code", got, ok)
	}

	// Invalidated code stays resolvable by address while frames remain.
	if found, ok := r.OptCodeAt(ret); !ok || found != oc {
		t.Fatal("invalidated code lost from address lookup")
	}

	r.ReleaseInvalidated(oc)
	if _, ok := r.InvalidatedCodeFor(ret); !ok {
		t.Fatal("side table cleared before last frame left")
	}
	r.ReleaseInvalidated(oc)
	if _, ok := r.InvalidatedCodeFor(ret); ok {
		t.Fatal("side table entry survived the last release")
	}
}

func TestStubReturnAddrs(t *testing.T) {
	r := NewRegistry()
	call := r.StubReturnAddr(bytecode.OpCall)
	getProp := r.StubReturnAddr(bytecode.OpGetProp)
	setProp := r.StubReturnAddr(bytecode.OpSetProp)
	if call == getProp || call == setProp || getProp == setProp {
		t.Errorf("stub return addresses collide: %#x %#x %#x",
			uint64(call), uint64(getProp), uint64(setProp))
	}
	if r.StubReturnAddr(bytecode.OpFunApply) != call {
		t.Error("funapply should share the call stub return address")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("StubReturnAddr(add) did not panic")
		}
	}()
	r.StubReturnAddr(bytecode.OpAdd)
}
