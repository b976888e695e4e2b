package synth

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"molten/internal/frame"
	"molten/internal/value"
)

func kinds(act *frame.Activation) []frame.Kind {
	it := frame.NewIterator(act)
	var got []frame.Kind
	for {
		got = append(got, it.Kind())
		if it.Done() {
			return got
		}
		it.Next()
	}
}

func TestDemoStackShape(t *testing.T) {
	f := Demo()

	want := []frame.Kind{
		frame.KindExit, frame.KindOptJS, frame.KindStub,
		frame.KindFastJS, frame.KindEntry,
	}
	if diff := cmp.Diff(want, kinds(&f.Act.Activation)); diff != "" {
		t.Fatalf("walk mismatch (-want +got):\n%s", diff)
	}

	it := frame.NewIterator(&f.Act.Activation)
	it.Next()
	if it.FP() != f.OptFP {
		t.Errorf("optimized frame at %#x, want %#x", uint64(it.FP()), uint64(f.OptFP))
	}
	if got := it.OptCode(); got != f.Opt {
		t.Errorf("optimized frame resolves to the wrong code")
	}
	if got := it.SnapshotOffset(); got != f.SnapshotOffset {
		t.Errorf("SnapshotOffset = %d, want %d", got, f.SnapshotOffset)
	}
}

func TestDemoFastLayout(t *testing.T) {
	f := Demo()

	// The IC site at main's call pc is what the stub frame returns to.
	ret, ok := f.MainFast.ReturnAddressForIC(1)
	if !ok {
		t.Fatal("main has no IC at its call")
	}
	if pc, ok := f.MainFast.PCForReturnAddress(ret); !ok || pc != 1 {
		t.Errorf("IC return resolves to pc %d, %v; want 1", pc, ok)
	}
	if got := len(f.MainFast.Bytes); got != int(f.MainFast.Code.Size()) && got == 0 {
		t.Errorf("fast code kept no bytes")
	}
}

func TestDemoInterruptAndBail(t *testing.T) {
	f := Demo()

	st, err := f.Interrupt()
	if err != nil {
		t.Fatal(err)
	}
	if st.Code != f.Opt || st.FP != f.OptFP {
		t.Fatalf("interrupt captured the wrong frame")
	}
	if !st.Machine.HasGPR(5) {
		t.Fatal("x5 spill not recovered from the safepoint")
	}
	if got := value.FromRaw(f.Act.View.Uint64(st.Machine.GPRLocation(5))); got != value.Int32Value(13) {
		t.Errorf("spilled x5 = %v, want 13", got)
	}

	rec, err := f.Eng.Bailout(f.Act, st)
	if err != nil {
		t.Fatal(err)
	}
	if rec.NumFrames != 2 {
		t.Errorf("NumFrames = %d, want outer and the inlined leaf", rec.NumFrames)
	}

	want := []frame.Kind{
		frame.KindExit, frame.KindFastJS, frame.KindStub,
		frame.KindFastJS, frame.KindStub, frame.KindFastJS, frame.KindEntry,
	}
	if diff := cmp.Diff(want, kinds(&f.Act.Activation)); diff != "" {
		t.Fatalf("post-bailout walk mismatch (-want +got):\n%s", diff)
	}

	// The folded add was recovered: leaf resumes with 29 and 42 on its
	// operand stack.
	lf := frame.NewFastFrame(f.Act.View, rec.ResumeFramePtr, rec.ResumeFrameSize())
	if got := lf.ValueSlot(0); got != value.Int32Value(29) {
		t.Errorf("leaf stack 0 = %v, want 29", got)
	}
	if got := lf.ValueSlot(1); got != value.Int32Value(42) {
		t.Errorf("leaf stack 1 = %v, want the recovered sum 42", got)
	}
}

func TestDemoGetPcScript(t *testing.T) {
	f := Demo()
	// The newest scripted frame is the optimized one; its innermost
	// logical frame is the inlined leaf stopped at the add.
	s, pc := f.Eng.GetPcScript(f.Act)
	if s != f.Leaf.Script || pc != 3 {
		t.Errorf("GetPcScript = %q pc %d, want leaf pc 3", s.Name, pc)
	}
}
