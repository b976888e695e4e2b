// Package code tracks compiled code for the two execution tiers and the
// runtime trampolines, and resolves native addresses back to the scripts
// that own them.
//
// Native code here is synthetic: the registry hands out address ranges in a
// flat 64-bit space and the tiers attach their side tables to those ranges.
// Nothing is ever executed, but every address the runtime writes into a
// frame (return addresses, resume targets, stub returns) comes from a range
// allocated here, so lookups behave like they would against real code.
package code

import (
	"fmt"
	"sort"

	"molten/internal/bytecode"
	"molten/internal/compact"
	"molten/internal/mem"
	"molten/internal/pcmap"
	"molten/internal/safepoint"
	"molten/internal/value"
)

// CalleeToken identifies what a frame is running: a function or bare global
// code. The low bit tags the kind; the rest is a registry handle.
type CalleeToken uint64

const (
	tokenKindMask  = 1
	tokenScriptBit = 1
)

// IsFunction reports whether the token names a function rather than bare
// global code.
func (t CalleeToken) IsFunction() bool { return t&tokenKindMask == 0 }

func (t CalleeToken) handle() int { return int(t>>1) - 1 }

// Function is a callable: a script plus the environment its frames start
// in. Nargs comes from the script's formal count.
type Function struct {
	Name string
	// Script is the function's bytecode.
	Script *bytecode.Script
	// Env is the address of the function's environment object, used as
	// the scope chain for frames that never materialized one.
	Env mem.Addr
	// Addr is the function object's own heap address. Snapshots store
	// inlined callees as boxed object values holding this address.
	Addr mem.Addr

	token CalleeToken
}

// Token returns the callee token assigned by RegisterFunction. Frame
// reconstruction stores it in the headers of frames it synthesizes.
func (f *Function) Token() CalleeToken {
	if f.token == 0 {
		panic(fmt.Sprintf("code: function %q was never registered", f.Name))
	}
	return f.token
}

// Boxed returns the function as a boxed object value, the form callee
// allocations carry.
func (f *Function) Boxed() value.Value { return value.ObjectValue(uint64(f.Addr)) }

// ArgClass says what an exit frame argument slot holds, which decides how
// the collector treats it.
type ArgClass uint8

const (
	// ArgWord is untraced raw data.
	ArgWord ArgClass = iota
	// ArgValue is a full boxed value.
	ArgValue
	// ArgObject is a raw object pointer.
	ArgObject
	// ArgString is a raw string pointer.
	ArgString
)

// NativeSig describes one registered native call target: the shape of the
// argument words an exit frame to it carries, and whether it writes a boxed
// result through the frame's out param.
type NativeSig struct {
	Name     string
	Args     []ArgClass
	OutValue bool
}

// Range is a half-open span of native code addresses.
type Range struct {
	Start mem.Addr
	End   mem.Addr
}

func (r Range) Contains(a mem.Addr) bool { return a >= r.Start && a < r.End }

// Size returns the range length in bytes.
func (r Range) Size() uint32 { return uint32(r.End - r.Start) }

// ICEntry maps an inline-cache call site in fast-tier code to its op. The
// return offset is the native offset immediately after the IC call, which
// is what appears as a return address in frames below it.
type ICEntry struct {
	ReturnOffset uint32
	PCOffset     uint32
	// StubAddr is the heap address of the site's fallback stub, stored
	// in stub frames so the collector keeps the stub alive while a call
	// runs through it. Zero means the site has no stub object.
	StubAddr mem.Addr
}

// FastCode is one script's fast-tier compilation.
type FastCode struct {
	Script *bytecode.Script
	Code   Range
	// Bytes retains the emitted machine code for dumps; nil when the
	// blob is not kept.
	Bytes []byte
	PCMap  *pcmap.Table
	// ICEntries is sorted by return offset.
	ICEntries []ICEntry
	// PrologueOffset is the native offset of the first op's code. Return
	// addresses below it are still in the prologue and resolve to pc 0.
	PrologueOffset uint32
}

// ContainsAddress reports whether addr falls inside this code.
func (fc *FastCode) ContainsAddress(a mem.Addr) bool { return fc.Code.Contains(a) }

// NativeForPC returns the native address of the op at pc.
func (fc *FastCode) NativeForPC(pc uint32) (mem.Addr, pcmap.SlotInfo, bool) {
	off, slots, ok := fc.PCMap.NativeOffsetForPC(fc.Script, pc)
	if !ok {
		return 0, 0, false
	}
	return fc.Code.Start + mem.Addr(off), slots, true
}

// ICEntryForReturnAddress finds the IC whose call site produced the given
// return address.
func (fc *FastCode) ICEntryForReturnAddress(ret mem.Addr) (ICEntry, bool) {
	if !fc.Code.Contains(ret) {
		return ICEntry{}, false
	}
	off := uint32(ret - fc.Code.Start)
	i := sort.Search(len(fc.ICEntries), func(i int) bool {
		return fc.ICEntries[i].ReturnOffset >= off
	})
	if i < len(fc.ICEntries) && fc.ICEntries[i].ReturnOffset == off {
		return fc.ICEntries[i], true
	}
	return ICEntry{}, false
}

// ICEntryForPC returns the first IC entry belonging to the op at pcOffset.
func (fc *FastCode) ICEntryForPC(pcOffset uint32) (ICEntry, bool) {
	for _, e := range fc.ICEntries {
		if e.PCOffset == pcOffset {
			return e, true
		}
	}
	return ICEntry{}, false
}

// ReturnAddressForIC returns the native return address of the first IC
// call site belonging to the op at pcOffset. Frame reconstruction uses it
// as the return address of frames resuming under a call at that op.
func (fc *FastCode) ReturnAddressForIC(pcOffset uint32) (mem.Addr, bool) {
	e, ok := fc.ICEntryForPC(pcOffset)
	if !ok {
		return 0, false
	}
	return fc.Code.Start + mem.Addr(e.ReturnOffset), true
}

// PCForReturnAddress resolves a return address inside this code to the pc
// of the op that produced it. Addresses in the prologue resolve to pc 0,
// IC call sites resolve through the IC table, and anything else falls back
// to the pc mapping.
func (fc *FastCode) PCForReturnAddress(ret mem.Addr) (uint32, bool) {
	if !fc.Code.Contains(ret) {
		return 0, false
	}
	off := uint32(ret - fc.Code.Start)
	if off <= fc.PrologueOffset {
		return 0, true
	}
	if e, ok := fc.ICEntryForReturnAddress(ret); ok {
		return e.PCOffset, true
	}
	return fc.PCMap.PCForReturnOffset(fc.Script, off)
}

// OSIEntry maps a call site in optimized code to the snapshot to restore
// when that call is interrupted by invalidation or an exception.
type OSIEntry struct {
	ReturnOffset   uint32
	SnapshotOffset uint32
}

// SafepointEntry maps a call site to its encoded safepoint.
type SafepointEntry struct {
	ReturnOffset    uint32
	SafepointOffset uint32
}

// OptCode is one script's optimizing-tier compilation, with the side
// tables the runtime needs to take it apart again.
type OptCode struct {
	Script *bytecode.Script
	Code   Range
	// Bytes retains the emitted machine code for dumps; nil when the
	// blob is not kept.
	Bytes []byte

	// FrameSize is the byte distance from the frame pointer down to the
	// stack pointer while the code runs: locals plus register spills.
	FrameSize uint32

	// SnapshotRVA is the deduplicated allocation table; snapshot streams
	// in SnapshotData store byte offsets into it.
	SnapshotRVA  []byte
	SnapshotData []byte
	RecoverData  []byte
	Constants    []value.Value

	SafepointData []byte
	// Indexes sorted by return offset.
	OSIIndex   []OSIEntry
	Safepoints []SafepointEntry

	// Invalidated is set when the code's assumptions were broken. Frames
	// running it must bail out when control returns to them.
	Invalidated bool
	// Live counts stack frames still running this code after
	// invalidation. The last one to leave allows the code to be freed.
	Live int32

	// NumBailouts counts bailouts taken from this code. Past a threshold
	// the script stops being recompiled by the optimizing tier.
	NumBailouts uint32
}

// ContainsAddress reports whether addr falls inside this code.
func (oc *OptCode) ContainsAddress(a mem.Addr) bool { return oc.Code.Contains(a) }

func (oc *OptCode) returnOffset(ret mem.Addr) (uint32, bool) {
	if !oc.Code.Contains(ret) {
		return 0, false
	}
	return uint32(ret - oc.Code.Start), true
}

// OSIEntryForReturnAddress finds the OSI entry for a call site by its
// return address.
func (oc *OptCode) OSIEntryForReturnAddress(ret mem.Addr) (OSIEntry, bool) {
	off, ok := oc.returnOffset(ret)
	if !ok {
		return OSIEntry{}, false
	}
	i := sort.Search(len(oc.OSIIndex), func(i int) bool {
		return oc.OSIIndex[i].ReturnOffset >= off
	})
	if i < len(oc.OSIIndex) && oc.OSIIndex[i].ReturnOffset == off {
		return oc.OSIIndex[i], true
	}
	return OSIEntry{}, false
}

// SafepointForReturnAddress decodes the safepoint for a call site by its
// return address.
func (oc *OptCode) SafepointForReturnAddress(ret mem.Addr) (*safepoint.Safepoint, error) {
	off, ok := oc.returnOffset(ret)
	if !ok {
		return nil, fmt.Errorf("code: return address %#x not in %s", uint64(ret), oc.Script.Name)
	}
	i := sort.Search(len(oc.Safepoints), func(i int) bool {
		return oc.Safepoints[i].ReturnOffset >= off
	})
	if i == len(oc.Safepoints) || oc.Safepoints[i].ReturnOffset != off {
		return nil, fmt.Errorf("code: no safepoint at offset %d in %s", off, oc.Script.Name)
	}
	r := compact.NewReaderAt(oc.SafepointData, int(oc.Safepoints[i].SafepointOffset))
	sp, err := safepoint.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("code: safepoint at offset %d in %s: %w", off, oc.Script.Name, err)
	}
	return sp, nil
}

// ScriptState is the runtime compilation state for one script.
type ScriptState struct {
	Script *bytecode.Script
	Fast   *FastCode
	Opt    *OptCode

	// WarmUpCount gates recompilation. Exception handling resets it so a
	// script that keeps throwing does not immediately tier up again.
	WarmUpCount uint32
	// OptForbidden is set when the script bailed out too many times.
	OptForbidden bool
	// GlobalEnv is the environment bare global frames of this script run
	// in, used when a snapshot never materialized the scope chain.
	GlobalEnv mem.Addr
}
