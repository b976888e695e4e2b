package pcmap

import (
	"testing"

	"molten/internal/bytecode"
)

// buildFixture assembles a script with one mapping record per op. Ops emit
// four bytes of code each except every third op, which emits nothing and so
// shares the native offset of the op after it. Every fifth op is a call.
func buildFixture(t *testing.T, numOps int) (*bytecode.Script, *Table, []uint32, []uint32) {
	t.Helper()
	var a bytecode.Assembler
	var b Builder
	pcs := make([]uint32, 0, numOps)
	natives := make([]uint32, 0, numOps)

	native := uint32(16) // prologue code before the first op
	for i := 0; i < numOps; i++ {
		var pc uint32
		if i%5 == 4 {
			pc = a.EmitU8(bytecode.OpCall, 0)
		} else {
			pc = a.Emit(bytecode.OpNop)
		}
		pcs = append(pcs, pc)
		natives = append(natives, native)
		b.Add(pc, native, AllSynced())
		if i%3 != 2 {
			native += 4
		}
	}
	s := &bytecode.Script{Name: "fixture", Code: a.Code()}
	return s, b.Finish(), pcs, natives
}

// lastOpAtOrBelow returns the pc the table should report for a native
// offset: the latest op whose recorded offset does not exceed it.
func lastOpAtOrBelow(pcs, natives []uint32, offset uint32) uint32 {
	want := pcs[0]
	for i := range natives {
		if natives[i] <= offset {
			want = pcs[i]
		}
	}
	return want
}

func TestNativeOffsetForPC(t *testing.T) {
	s, tbl, pcs, natives := buildFixture(t, 40)
	for i := range pcs {
		got, _, ok := tbl.NativeOffsetForPC(s, pcs[i])
		if !ok {
			t.Fatalf("no native offset for pc %d (op %d)", pcs[i], i)
		}
		if got != natives[i] {
			t.Errorf("op %d: native = %d, want %d", i, got, natives[i])
		}
	}
}

func TestNativeOffsetForPC_SlotInfo(t *testing.T) {
	var a bytecode.Assembler
	var b Builder
	pc0 := a.Emit(bytecode.OpNop)
	pc1 := a.Emit(bytecode.OpAdd)
	b.Add(pc0, 8, OneUnsynced(SlotInR0))
	b.Add(pc1, 12, TwoUnsynced(SlotInR1, SlotIgnore))
	s := &bytecode.Script{Name: "slots", Code: a.Code()}
	tbl := b.Finish()

	_, si, ok := tbl.NativeOffsetForPC(s, pc0)
	if !ok || si.NumUnsynced() != 1 || si.TopLoc() != SlotInR0 {
		t.Errorf("pc0 slot info = %v %d, want one unsynced in r0", ok, si)
	}
	_, si, ok = tbl.NativeOffsetForPC(s, pc1)
	if !ok || si.NumUnsynced() != 2 || si.TopLoc() != SlotInR1 || si.NextLoc() != SlotIgnore {
		t.Errorf("pc1 slot info = %v %d, want two unsynced r1/ignore", ok, si)
	}
}

func TestNativeOffsetForPC_Missing(t *testing.T) {
	s, tbl, pcs, _ := buildFixture(t, 10)
	bad := pcs[len(pcs)-1] + 100
	if _, _, ok := tbl.NativeOffsetForPC(s, bad); ok {
		t.Errorf("NativeOffsetForPC(%d) ok, want miss", bad)
	}
}

func TestPCForNativeOffset(t *testing.T) {
	s, tbl, pcs, natives := buildFixture(t, 40)

	// Inside the prologue, before any op's code.
	if pc, ok := tbl.PCForNativeOffset(s, 3); !ok || pc != 0 {
		t.Errorf("PCForNativeOffset(3) = %d %v, want 0 true", pc, ok)
	}

	// Exact record offsets. A zero-code op shares the next op's offset,
	// so the shared offset resolves to the op that owns the code.
	for i := range natives {
		want := lastOpAtOrBelow(pcs, natives, natives[i])
		if pc, ok := tbl.PCForNativeOffset(s, natives[i]); !ok || pc != want {
			t.Errorf("PCForNativeOffset(%d) = %d %v, want %d true", natives[i], pc, ok, want)
		}
	}

	// Offsets between two records belong to the earlier op.
	q := natives[10] + 1
	want := lastOpAtOrBelow(pcs, natives, q)
	if pc, ok := tbl.PCForNativeOffset(s, q); !ok || pc != want {
		t.Errorf("PCForNativeOffset(%d) = %d %v, want %d true", q, pc, ok, want)
	}

	// Past the last record.
	last := natives[len(natives)-1]
	if pc, ok := tbl.PCForNativeOffset(s, last+40); !ok || pc != pcs[len(pcs)-1] {
		t.Errorf("PCForNativeOffset(past end) = %d %v, want %d true", pc, ok, pcs[len(pcs)-1])
	}
}

func TestPCForReturnOffset(t *testing.T) {
	s, tbl, pcs, natives := buildFixture(t, 40)
	tested := 0
	for i := range pcs {
		if !s.OpAt(pcs[i]).IsCall() {
			continue
		}
		if i+1 >= len(natives) || natives[i+1] == natives[i] {
			continue
		}
		// The call's return offset is the next op's native offset.
		ret := natives[i+1]
		pc, ok := tbl.PCForReturnOffset(s, ret)
		if !ok {
			t.Fatalf("PCForReturnOffset(%d) missed for call op %d", ret, i)
		}
		if pc != pcs[i] {
			t.Errorf("PCForReturnOffset(%d) = %d, want call pc %d", ret, pc, pcs[i])
		}
		tested++
	}
	if tested == 0 {
		t.Fatal("fixture produced no testable calls")
	}
}

func TestPCForReturnOffset_ChunkBoundary(t *testing.T) {
	// Make the call the last record of the first chunk so its return
	// offset is the second chunk's first native offset.
	var a bytecode.Assembler
	var b Builder
	var callPC uint32
	native := uint32(0)
	for i := 0; i < indexInterval+4; i++ {
		var pc uint32
		if i == indexInterval-1 {
			pc = a.EmitU8(bytecode.OpCall, 1)
			callPC = pc
		} else {
			pc = a.Emit(bytecode.OpNop)
		}
		native += 8
		b.Add(pc, native, AllSynced())
	}
	s := &bytecode.Script{Name: "boundary", Code: a.Code()}
	tbl := b.Finish()

	ret := uint32(indexInterval+1) * 8
	pc, ok := tbl.PCForReturnOffset(s, ret)
	if !ok || pc != callPC {
		t.Errorf("PCForReturnOffset(%d) = %d %v, want %d true", ret, pc, ok, callPC)
	}
}
