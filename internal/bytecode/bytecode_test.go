package bytecode

import "testing"

func TestOpLengths(t *testing.T) {
	cases := []struct {
		op   Op
		want uint32
	}{
		{OpNop, 1},
		{OpInt8, 2},
		{OpCall, 2},
		{OpGetProp, 3},
		{OpGoto, 3},
		{OpReturn, 1},
	}
	for _, c := range cases {
		if got := c.op.Length(); got != c.want {
			t.Errorf("%v length = %d, want %d", c.op, got, c.want)
		}
	}
}

func TestScriptWalk(t *testing.T) {
	var a Assembler
	a.Emit(OpUndefined)
	a.EmitU8(OpInt8, 7)
	a.Emit(OpAdd)
	a.Emit(OpReturn)
	s := &Script{Name: "walk", Code: a.Code()}

	want := []Op{OpUndefined, OpInt8, OpAdd, OpReturn}
	var got []Op
	for pc := uint32(0); int(pc) < len(s.Code); pc = s.NextPC(pc) {
		got = append(got, s.OpAt(pc))
	}
	if len(got) != len(want) {
		t.Fatalf("walked %d ops, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("op %d = %v, want %v", i, got[i], want[i])
		}
	}
	if n := s.NumOps(); n != len(want) {
		t.Errorf("NumOps = %d, want %d", n, len(want))
	}
}

func TestOperandDecoding(t *testing.T) {
	var a Assembler
	callPC := a.EmitU8(OpCall, 3)
	jumpPC := a.EmitI16(OpGoto, -3)
	s := &Script{Name: "operands", Code: a.Code()}

	if argc := s.ArgcAt(callPC); argc != 3 {
		t.Errorf("ArgcAt = %d, want 3", argc)
	}
	if rel := s.I16At(jumpPC); rel != -3 {
		t.Errorf("I16At = %d, want -3", rel)
	}
	if target := s.JumpTargetAt(jumpPC); target != callPC {
		t.Errorf("JumpTargetAt = %d, want %d", target, callPC)
	}
}

func TestArgcAt_NonCallPanics(t *testing.T) {
	var a Assembler
	pc := a.Emit(OpAdd)
	s := &Script{Name: "panics", Code: a.Code()}

	defer func() {
		if recover() == nil {
			t.Fatal("ArgcAt on add did not panic")
		}
	}()
	s.ArgcAt(pc)
}

func TestSkipLoopEntry(t *testing.T) {
	// goto -> loophead, nop, add
	var a Assembler
	gotoPC := a.EmitI16(OpGoto, 3)
	a.Emit(OpLoopHead)
	a.Emit(OpNop)
	addPC := a.Emit(OpAdd)
	s := &Script{Name: "loop", Code: a.Code()}

	if got := s.SkipLoopEntry(gotoPC); got != addPC {
		t.Errorf("SkipLoopEntry(goto) = %d, want %d", got, addPC)
	}
	if got := s.SkipLoopEntry(addPC); got != addPC {
		t.Errorf("SkipLoopEntry(add) = %d, want %d", got, addPC)
	}
}

func TestSkipLoopEntry_GotoCycle(t *testing.T) {
	// Two gotos jumping at each other must terminate rather than spin.
	var a Assembler
	first := a.EmitI16(OpGoto, 3)
	a.EmitI16(OpGoto, -3)
	s := &Script{Name: "cycle", Code: a.Code()}

	// Any pc inside the cycle is acceptable; the call just has to return.
	got := s.SkipLoopEntry(first)
	if got != 0 && got != 3 {
		t.Errorf("SkipLoopEntry on cycle = %d, want a pc in the cycle", got)
	}
}

func TestTryNoteCovers(t *testing.T) {
	tn := TryNote{Kind: TryCatch, StackDepth: 2, Start: 10, Length: 8}
	cases := []struct {
		pc   uint32
		want bool
	}{
		{9, false},
		{10, true},
		{17, true},
		{18, false},
	}
	for _, c := range cases {
		if got := tn.Covers(c.pc); got != c.want {
			t.Errorf("Covers(%d) = %v, want %v", c.pc, got, c.want)
		}
	}
	if got := tn.HandlerPC(); got != 18 {
		t.Errorf("HandlerPC = %d, want 18", got)
	}
}

func TestInnermostTryNote(t *testing.T) {
	s := &Script{
		Name: "trynotes",
		TryNotes: []TryNote{
			{Kind: TryIterClose, StackDepth: 3, Start: 12, Length: 4},
			{Kind: TryCatch, StackDepth: 1, Start: 10, Length: 20},
			{Kind: TryFinally, StackDepth: 0, Start: 0, Length: 40},
		},
	}
	any := func(TryNote) bool { return true }

	tn := s.InnermostTryNote(13, 5, any)
	if tn == nil || tn.Kind != TryIterClose {
		t.Fatalf("InnermostTryNote(13) = %+v, want iter-close region", tn)
	}

	// Depth below the iter-close region's entry depth skips it.
	tn = s.InnermostTryNote(13, 2, any)
	if tn == nil || tn.Kind != TryCatch {
		t.Fatalf("InnermostTryNote(13, depth 2) = %+v, want catch region", tn)
	}

	onlyFinally := func(tn TryNote) bool { return tn.Kind == TryFinally }
	tn = s.InnermostTryNote(13, 5, onlyFinally)
	if tn == nil || tn.Kind != TryFinally {
		t.Fatalf("filtered InnermostTryNote = %+v, want finally region", tn)
	}

	if tn := s.InnermostTryNote(39, 5, func(tn TryNote) bool { return tn.Kind == TryCatch }); tn != nil {
		t.Errorf("InnermostTryNote outside catch = %+v, want nil", tn)
	}
}
