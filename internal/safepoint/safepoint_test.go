package safepoint

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"molten/internal/compact"
	"molten/internal/regs"
)

func TestEncodeDecode(t *testing.T) {
	var all, gc, vals regs.GPRSet
	all.Add(2)
	all.Add(7)
	all.Add(30)
	gc.Add(7)
	vals.Add(30)
	var fprs regs.FPRSet
	fprs.Add(1)
	fprs.Add(3)

	sp := &Safepoint{
		OSIReturnOffset: 148,
		AllGPRSpills:    all,
		AllFPRSpills:    fprs,
		GCRegs:          gc,
		ValueRegs:       vals,
		GCSlots:         []uint32{96, 40},
		ValueSlots:      []uint32{48, 56, 120},
		SplitValues: []SplitValue{
			{Type: RegLoc(4), Payload: StackLoc(64)},
			{Type: StackLoc(72), Payload: StackLoc(80)},
		},
	}

	w := compact.NewWriter()
	sp.Encode(w)
	got, err := Decode(compact.NewReader(w.Bytes()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	// Slot lists come back sorted.
	want := *sp
	want.GCSlots = []uint32{40, 96}
	if diff := cmp.Diff(&want, got); diff != "" {
		t.Errorf("safepoint round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodeDecode_Empty(t *testing.T) {
	sp := &Safepoint{OSIReturnOffset: 4}
	w := compact.NewWriter()
	sp.Encode(w)
	got, err := Decode(compact.NewReader(w.Bytes()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(sp, got); diff != "" {
		t.Errorf("empty safepoint mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_Truncated(t *testing.T) {
	sp := &Safepoint{
		OSIReturnOffset: 12,
		GCSlots:         []uint32{8, 16, 24},
	}
	w := compact.NewWriter()
	sp.Encode(w)
	buf := w.Bytes()
	for n := 0; n < len(buf); n++ {
		if _, err := Decode(compact.NewReader(buf[:n])); err == nil {
			t.Errorf("Decode of %d/%d bytes succeeded, want error", n, len(buf))
		}
	}
}

func TestMultipleSafepointsShareBuffer(t *testing.T) {
	first := &Safepoint{OSIReturnOffset: 8, ValueSlots: []uint32{32}}
	second := &Safepoint{OSIReturnOffset: 24, GCSlots: []uint32{40, 48}}

	w := compact.NewWriter()
	first.Encode(w)
	secondOff := w.Len()
	second.Encode(w)

	r := compact.NewReaderAt(w.Bytes(), secondOff)
	got, err := Decode(r)
	if err != nil {
		t.Fatalf("Decode at offset %d: %v", secondOff, err)
	}
	if diff := cmp.Diff(second, got); diff != "" {
		t.Errorf("offset decode mismatch (-want +got):\n%s", diff)
	}
}
