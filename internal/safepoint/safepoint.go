// Package safepoint describes what the optimizing tier knows about a frame
// at one call site: which spilled registers and stack slots hold traceable
// pointers or boxed values, and where execution resumes if the code is
// invalidated while the call is on the stack.
//
// Safepoints are serialized into a per-script compact buffer. Stack slots
// are byte offsets below the frame pointer, so slot s names the word at
// fp-s. Slot lists are sorted ascending and delta coded.
package safepoint

import (
	"fmt"
	"sort"

	"molten/internal/compact"
	"molten/internal/regs"
)

// LocKind says whether a split-value half lives in a register or a slot.
type LocKind uint8

const (
	LocStack LocKind = iota
	LocRegister
)

// Loc is one half of a split boxed value.
type Loc struct {
	Kind LocKind
	Reg  regs.RegID // valid when Kind is LocRegister
	Slot uint32     // byte offset below fp when Kind is LocStack
}

// StackLoc returns a Loc naming the word at fp-slot.
func StackLoc(slot uint32) Loc { return Loc{Kind: LocStack, Slot: slot} }

// RegLoc returns a Loc naming a spilled register.
func RegLoc(r regs.RegID) Loc { return Loc{Kind: LocRegister, Reg: r} }

// SplitValue records where the two halves of a split-encoded boxed value
// live at a safepoint. Only used when values are stored as separate tag and
// payload words; the packed encoding uses ValueSlots and ValueRegs instead.
type SplitValue struct {
	Type    Loc
	Payload Loc
}

// Safepoint is the decoded description of one call site.
type Safepoint struct {
	// OSIReturnOffset is the native offset execution resumes at when the
	// code is invalidated under this call.
	OSIReturnOffset uint32

	// Register sets. AllGPRSpills lists every general register pushed in
	// the spill area below the frame's locals, in push order (highest
	// register first). GCRegs and ValueRegs are subsets holding raw
	// traceable pointers and boxed values. SlotsOrElementsRegs hold
	// interior pointers into movable object storage.
	AllGPRSpills        regs.GPRSet
	AllFPRSpills        regs.FPRSet
	GCRegs              regs.GPRSet
	ValueRegs           regs.GPRSet
	SlotsOrElementsRegs regs.GPRSet

	// Slot lists, byte offsets below fp.
	GCSlots              []uint32
	ValueSlots           []uint32
	SlotsOrElementsSlots []uint32

	// SplitValues is populated only by split-encoding compilers.
	SplitValues []SplitValue
}

// Encode appends the safepoint to w.
func (sp *Safepoint) Encode(w *compact.Writer) {
	w.WriteUnsigned(sp.OSIReturnOffset)
	w.WriteUnsigned(uint32(sp.AllGPRSpills))
	w.WriteUnsigned(uint32(sp.AllFPRSpills))
	w.WriteUnsigned(uint32(sp.GCRegs))
	w.WriteUnsigned(uint32(sp.ValueRegs))
	w.WriteUnsigned(uint32(sp.SlotsOrElementsRegs))
	encodeSlots(w, sp.GCSlots)
	encodeSlots(w, sp.ValueSlots)
	encodeSlots(w, sp.SlotsOrElementsSlots)
	w.WriteUnsigned(uint32(len(sp.SplitValues)))
	for _, v := range sp.SplitValues {
		v.Type.Encode(w)
		v.Payload.Encode(w)
	}
}

func encodeSlots(w *compact.Writer, slots []uint32) {
	sorted := make([]uint32, len(slots))
	copy(sorted, slots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	w.WriteUnsigned(uint32(len(sorted)))
	prev := uint32(0)
	for _, s := range sorted {
		w.WriteUnsigned(s - prev)
		prev = s
	}
}

// Encode appends the location to w.
func (l Loc) Encode(w *compact.Writer) {
	w.WriteByte(byte(l.Kind))
	if l.Kind == LocRegister {
		w.WriteByte(byte(l.Reg))
		return
	}
	w.WriteUnsigned(l.Slot)
}

// Decode reads one safepoint from r.
func Decode(r *compact.Reader) (*Safepoint, error) {
	raw := make([]uint32, 6)
	for i := range raw {
		v, err := r.ReadUnsigned()
		if err != nil {
			return nil, fmt.Errorf("safepoint: %w", err)
		}
		raw[i] = v
	}
	sp := &Safepoint{
		OSIReturnOffset:     raw[0],
		AllGPRSpills:        regs.GPRSet(raw[1]),
		AllFPRSpills:        regs.FPRSet(raw[2]),
		GCRegs:              regs.GPRSet(raw[3]),
		ValueRegs:           regs.GPRSet(raw[4]),
		SlotsOrElementsRegs: regs.GPRSet(raw[5]),
	}
	var err error
	if sp.GCSlots, err = decodeSlots(r); err != nil {
		return nil, err
	}
	if sp.ValueSlots, err = decodeSlots(r); err != nil {
		return nil, err
	}
	if sp.SlotsOrElementsSlots, err = decodeSlots(r); err != nil {
		return nil, err
	}
	n, err := r.ReadUnsigned()
	if err != nil {
		return nil, fmt.Errorf("safepoint: %w", err)
	}
	for i := uint32(0); i < n; i++ {
		var v SplitValue
		if v.Type, err = DecodeLoc(r); err != nil {
			return nil, err
		}
		if v.Payload, err = DecodeLoc(r); err != nil {
			return nil, err
		}
		sp.SplitValues = append(sp.SplitValues, v)
	}
	return sp, nil
}

func decodeSlots(r *compact.Reader) ([]uint32, error) {
	n, err := r.ReadUnsigned()
	if err != nil {
		return nil, fmt.Errorf("safepoint: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	slots := make([]uint32, n)
	cur := uint32(0)
	for i := range slots {
		delta, err := r.ReadUnsigned()
		if err != nil {
			return nil, fmt.Errorf("safepoint: %w", err)
		}
		cur += delta
		slots[i] = cur
	}
	return slots, nil
}

// DecodeLoc reads one location from r.
func DecodeLoc(r *compact.Reader) (Loc, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return Loc{}, fmt.Errorf("safepoint: %w", err)
	}
	switch LocKind(kind) {
	case LocRegister:
		reg, err := r.ReadByte()
		if err != nil {
			return Loc{}, fmt.Errorf("safepoint: %w", err)
		}
		return RegLoc(regs.RegID(reg)), nil
	case LocStack:
		slot, err := r.ReadUnsigned()
		if err != nil {
			return Loc{}, fmt.Errorf("safepoint: %w", err)
		}
		return StackLoc(slot), nil
	}
	return Loc{}, fmt.Errorf("safepoint: bad location kind %d", kind)
}
