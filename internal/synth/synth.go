// Package synth plays the part of the two code generators and the heap,
// producing exactly the artifacts the runtime consumes: code blobs with
// real arm64 words, pc mapping and IC tables for the fast tier, snapshot,
// recover, and safepoint tables for the optimizing tier, and stacks laid
// out the way calls leave them. Tests and the CLI build their worlds here;
// nothing in this package runs at execution time.
package synth

import (
	"fmt"

	"molten/internal/bytecode"
	"molten/internal/code"
	"molten/internal/compact"
	"molten/internal/mem"
	"molten/internal/pcmap"
	"molten/internal/safepoint"
	"molten/internal/snapshot"
	"molten/internal/value"
)

// heapBase is where fabricated heap objects live; distinct from the
// registry's code space and the stack range so addresses in dumps say what
// they are.
const heapBase mem.Addr = 0x0020_0000

// Program is a fabricated compiled world: a registry plus a bump allocator
// for heap object addresses.
type Program struct {
	Reg  *code.Registry
	heap mem.Addr
}

func NewProgram() *Program {
	return &Program{Reg: code.NewRegistry(), heap: heapBase}
}

// AllocObject reserves a fake heap object address.
func (p *Program) AllocObject() mem.Addr {
	a := p.heap
	p.heap += 0x40
	return a
}

// Script assembles a script.
func Script(name string, nargs, nfixed uint32, asm func(*bytecode.Assembler), notes ...bytecode.TryNote) *bytecode.Script {
	var a bytecode.Assembler
	asm(&a)
	return &bytecode.Script{Name: name, NArgs: nargs, NFixed: nfixed, Code: a.Code(), TryNotes: notes}
}

// Function assembles a script and registers it as a function with its own
// environment and function object addresses.
func (p *Program) Function(name string, nargs, nfixed uint32, asm func(*bytecode.Assembler), notes ...bytecode.TryNote) *code.Function {
	f := &code.Function{
		Name:   name,
		Script: Script(name, nargs, nfixed, asm, notes...),
		Env:    p.AllocObject(),
		Addr:   p.AllocObject(),
	}
	p.Reg.RegisterFunction(f)
	return f
}

// FastOptions shapes a fast-tier compilation.
type FastOptions struct {
	// Slots overrides the pc mapping slot info at individual pcs;
	// unlisted pcs map as fully synced.
	Slots map[uint32]pcmap.SlotInfo
	// ICPCs lists pcs that get inline-cache call sites, each with its
	// own fallback stub object.
	ICPCs []uint32
}

// fastPrologueSize is the byte offset of the first op's code; every op
// then takes two instruction words.
const (
	fastPrologueSize = 16
	fastOpSize       = 8
)

// CompileFast emits a fast-tier compilation for s: a real prologue, two
// words per op (the op id and a call or nop), and an epilogue. IC call
// sites return to the end of their op's words, which is where frames
// pushed under them record their return address.
func (p *Program) CompileFast(s *bytecode.Script, opts FastOptions) *code.FastCode {
	icAt := make(map[uint32]bool, len(opts.ICPCs))
	for _, pc := range opts.ICPCs {
		icAt[pc] = true
	}

	var e emitter
	e.word(instSTPPrologue)
	e.word(instMovFPSP)
	e.fillTo(fastPrologueSize)

	var b pcmap.Builder
	var ics []code.ICEntry
	for pc := uint32(0); int(pc) < len(s.Code); pc = s.NextPC(pc) {
		off := e.offset()
		b.Add(pc, off, opts.Slots[pc])
		op := s.OpAt(pc)
		e.word(movz(0, uint16(op)))
		if icAt[pc] {
			e.word(instBLNext)
			ics = append(ics, code.ICEntry{
				ReturnOffset: off + fastOpSize,
				PCOffset:     pc,
				StubAddr:     p.AllocObject(),
			})
		} else {
			e.word(instNOP)
		}
	}
	e.word(instLDPEpilogue)
	e.word(instRET)

	fc := &code.FastCode{
		Script:         s,
		Code:           p.Reg.AllocRange(e.offset()),
		Bytes:          e.buf,
		PCMap:          b.Finish(),
		ICEntries:      ics,
		PrologueOffset: fastPrologueSize,
	}
	p.Reg.AttachFast(fc)
	return fc
}

// Opt tier layout: call sites sit at fixed strides after the prologue so
// return offsets are assigned before the blob is emitted.
const (
	optFirstSiteOffset = 0x20
	optSiteStride      = 0x10
	optCodeSize        = 0x200
)

// OptBuilder accumulates one script's optimizing-tier compilation: its
// snapshot writer and its call sites.
type OptBuilder struct {
	p         *Program
	script    *bytecode.Script
	rng       code.Range
	frameSize uint32

	// W is the snapshot writer the caller records resume points and
	// allocations into.
	W *snapshot.Writer

	spData *compact.Writer
	osi    []code.OSIEntry
	sps    []code.SafepointEntry
}

// NewOpt starts an optimizing-tier compilation of fn's script with the
// given frame size (locals plus spill slack below the frame pointer).
func (p *Program) NewOpt(fn *code.Function, frameSize uint32) *OptBuilder {
	return &OptBuilder{
		p:         p,
		script:    fn.Script,
		rng:       p.Reg.AllocRange(optCodeSize),
		frameSize: frameSize,
		W:         snapshot.NewWriter(),
		spData:    compact.NewWriter(),
	}
}

// AddSite registers a call site resolving to the given snapshot, with sp
// describing the registers and slots live across the call. Returns the
// site's return address, the value frames under this call store.
func (b *OptBuilder) AddSite(snapOffset uint32, sp *safepoint.Safepoint) mem.Addr {
	retOff := uint32(optFirstSiteOffset + optSiteStride*len(b.osi))
	if retOff+optSiteStride > optCodeSize {
		panic(fmt.Sprintf("synth: too many call sites in %s", b.script.Name))
	}
	if sp == nil {
		sp = &safepoint.Safepoint{}
	}
	if sp.OSIReturnOffset == 0 {
		sp.OSIReturnOffset = retOff
	}
	spOff := uint32(b.spData.Len())
	sp.Encode(b.spData)
	b.osi = append(b.osi, code.OSIEntry{ReturnOffset: retOff, SnapshotOffset: snapOffset})
	b.sps = append(b.sps, code.SafepointEntry{ReturnOffset: retOff, SafepointOffset: spOff})
	return b.rng.Start + mem.Addr(retOff)
}

// Finish emits the blob and attaches the compilation.
func (b *OptBuilder) Finish(constants ...value.Value) *code.OptCode {
	var e emitter
	e.word(instSTPPrologue)
	e.word(instMovFPSP)
	for _, site := range b.osi {
		e.fillTo(site.ReturnOffset - 4)
		e.word(instBLNext)
	}
	e.fillTo(optCodeSize - 8)
	e.word(instLDPEpilogue)
	e.word(instRET)

	rva, snaps, recoverData := b.W.Finish()
	oc := &code.OptCode{
		Script:        b.script,
		Code:          b.rng,
		Bytes:         e.buf,
		FrameSize:     b.frameSize,
		SnapshotRVA:   rva,
		SnapshotData:  snaps,
		RecoverData:   recoverData,
		Constants:     constants,
		SafepointData: b.spData.Bytes(),
		OSIIndex:      b.osi,
		Safepoints:    b.sps,
	}
	b.p.Reg.AttachOpt(oc)
	return oc
}
