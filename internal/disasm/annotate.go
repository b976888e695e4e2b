package disasm

import (
	"fmt"

	"molten/internal/code"
	"molten/internal/mem"
	"molten/internal/pcmap"
)

// Annotator returns an optional inline comment for an instruction.
// Empty string means no annotation. Receives the full Inst for access
// to both raw encoding and address.
type Annotator func(inst Inst) string

// FastAnnotator annotates a fast-tier blob from its side tables: the op
// each native offset compiles, the slot-sync state where it differs from
// fully synced, and the IC call sites.
func FastAnnotator(fc *code.FastCode) Annotator {
	// Pre-compute per-address labels; the tables are keyed by offset and
	// the op walk is cheap to do once.
	labels := make(map[uint64]string)
	s := fc.Script
	for pc := uint32(0); int(pc) < len(s.Code); pc = s.NextPC(pc) {
		addr, slots, ok := fc.NativeForPC(pc)
		if !ok {
			continue
		}
		label := fmt.Sprintf("pc %d: %v", pc, s.OpAt(pc))
		if slots.NumUnsynced() != 0 {
			label += " " + slotLabel(slots)
		}
		labels[uint64(addr)] = label
	}
	for _, e := range fc.ICEntries {
		addr := uint64(fc.Code.Start) + uint64(e.ReturnOffset) - 4
		labels[addr] = fmt.Sprintf("IC site, pc %d", e.PCOffset)
	}
	prologueEnd := uint64(fc.Code.Start) + uint64(fc.PrologueOffset)

	return func(inst Inst) string {
		if s, ok := labels[inst.Addr]; ok {
			return s
		}
		if inst.Addr < prologueEnd {
			return "prologue"
		}
		return ""
	}
}

func slotLabel(slots pcmap.SlotInfo) string {
	switch slots.NumUnsynced() {
	case 1:
		return fmt.Sprintf("[top=%s]", slotLocName(slots.TopLoc()))
	case 2:
		return fmt.Sprintf("[top=%s next=%s]", slotLocName(slots.TopLoc()), slotLocName(slots.NextLoc()))
	}
	return ""
}

func slotLocName(l pcmap.SlotLoc) string {
	switch l {
	case pcmap.SlotInR0:
		return "R0"
	case pcmap.SlotInR1:
		return "R1"
	case pcmap.SlotIgnore:
		return "ignore"
	}
	return "?"
}

// OptAnnotator annotates an optimizing-tier blob: each call site carries
// its resume-entry offset and the operand count of the safepoint covering
// it.
func OptAnnotator(oc *code.OptCode) Annotator {
	labels := make(map[uint64]string)
	for _, e := range oc.OSIIndex {
		addr := uint64(oc.Code.Start) + uint64(e.ReturnOffset) - 4
		labels[addr] = fmt.Sprintf("call site, snapshot %d", e.SnapshotOffset)
	}
	return func(inst Inst) string {
		if s, ok := labels[inst.Addr]; ok {
			return s
		}
		return ""
	}
}

// RegistrySymbols builds a symbol lookup over everything the registry
// knows: blob entry points and the runtime trampolines.
func RegistrySymbols(reg *code.Registry) SymbolLookup {
	syms := map[uint64]string{
		uint64(reg.RectifierReturnAddr()): "rectifier_return",
		uint64(reg.BailoutTailAddr()):     "bailout_tail",
		uint64(reg.ExceptionTailAddr()):   "exception_tail",
	}
	reg.EachFast(func(fc *code.FastCode) {
		syms[uint64(fc.Code.Start)] = "fast:" + fc.Script.Name
	})
	reg.EachOpt(func(oc *code.OptCode) {
		syms[uint64(oc.Code.Start)] = "opt:" + oc.Script.Name
	})
	return func(addr uint64) (string, bool) {
		name, ok := syms[addr]
		return name, ok
	}
}

// ResolveCode finds the blob containing addr and returns a ready-made
// annotator for it, with the blob's base and bytes.
func ResolveCode(reg *code.Registry, addr mem.Addr) (base mem.Addr, data []byte, ann Annotator, ok bool) {
	if fc, found := reg.FastCodeAt(addr); found && fc.Bytes != nil {
		return fc.Code.Start, fc.Bytes, FastAnnotator(fc), true
	}
	if oc, found := reg.OptCodeAt(addr); found && oc.Bytes != nil {
		return oc.Code.Start, oc.Bytes, OptAnnotator(oc), true
	}
	return 0, nil, nil, false
}
