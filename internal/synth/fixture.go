package synth

import (
	"fmt"

	"molten/internal/bytecode"
	"molten/internal/code"
	"molten/internal/engine"
	"molten/internal/frame"
	"molten/internal/mem"
	"molten/internal/regs"
	"molten/internal/safepoint"
	"molten/internal/snapshot"
	"molten/internal/value"
)

// Fixture is a small but complete runtime world: three compiled functions,
// a live activation stopped inside optimized code with one inlined call,
// and the engine owning it all.
//
// The stack, newest frame first:
//
//	exit      (interruption point, below outer's call site)
//	OptJS     outer, with leaf inlined at its call
//	stub      the IC call stub main went through
//	FastJS    main, stopped at its call op
//	entry
type Fixture struct {
	P   *Program
	Eng *engine.Engine
	Act *engine.Activation

	Main, Outer, Leaf             *code.Function
	MainFast, OuterFast, LeafFast *code.FastCode
	Opt                           *code.OptCode

	MainFP, StubFP, OptFP, ExitFP mem.Addr
	// SnapshotOffset locates outer's snapshot at the interrupted call.
	SnapshotOffset uint32
	// ScopeObj is the environment object outer materialized; the opt
	// frame holds it boxed in a traced slot.
	ScopeObj mem.Addr
}

// Demo builds the standard fixture. The same world backs the CLI commands
// and doubles as an integration surface for tests.
func Demo() *Fixture {
	p := NewProgram()

	// main calls outer; outer adds its argument to a spilled temporary
	// inside a try region, through a call the optimizing tier inlined
	// leaf into.
	fnMain := p.Function("main", 0, 1, func(a *bytecode.Assembler) {
		a.Emit(bytecode.OpNop)       // pc 0
		a.EmitU8(bytecode.OpCall, 1) // pc 1
		a.Emit(bytecode.OpReturn)    // pc 3
	})
	fnOuter := p.Function("outer", 1, 1, func(a *bytecode.Assembler) {
		a.Emit(bytecode.OpNop)       // pc 0
		a.EmitU8(bytecode.OpInt8, 7) // pc 1
		a.EmitU8(bytecode.OpCall, 1) // pc 3
		a.Emit(bytecode.OpPop)       // pc 5
		a.Emit(bytecode.OpReturn)    // pc 6
		a.Emit(bytecode.OpUndefined) // pc 7, catch handler
		a.Emit(bytecode.OpReturn)    // pc 8
	}, bytecode.TryNote{Kind: bytecode.TryCatch, StackDepth: 0, Start: 1, Length: 6})
	fnLeaf := p.Function("leaf", 1, 0, func(a *bytecode.Assembler) {
		a.EmitU8(bytecode.OpGetArg, 0) // pc 0
		a.Emit(bytecode.OpDup)         // pc 2
		a.Emit(bytecode.OpAdd)         // pc 3
		a.Emit(bytecode.OpReturn)      // pc 4
	})

	mainFast := p.CompileFast(fnMain.Script, FastOptions{ICPCs: []uint32{1}})
	outerFast := p.CompileFast(fnOuter.Script, FastOptions{ICPCs: []uint32{3}})
	leafFast := p.CompileFast(fnLeaf.Script, FastOptions{})

	thisObj := p.AllocObject()
	scopeObj := p.AllocObject()

	// Outer's snapshot at the inlined call: outer sits at the call with
	// the callee, this, and argument on its stack; leaf resumes at the
	// add with its two operands, the second recovered from the folded
	// arithmetic.
	ob := p.NewOpt(fnOuter, 0x40)
	w := ob.W
	w.AddResumePoint(3, 7)
	w.AddInstruction(snapshot.Arith{Op: snapshot.ArithAdd})
	w.AddResumePoint(3, 5)
	recov := w.EndRecover(false)
	snapOff := w.BeginSnapshot(snapshot.BailNormal, recov)
	// outer: scope chain, this, formal, local, then the call operands.
	w.AddAllocation(snapshot.UntypedStackAlloc(8))
	w.AddAllocation(snapshot.ConstantAlloc(0))
	w.AddAllocation(snapshot.UntypedRegAlloc(5))
	w.AddAllocation(snapshot.ConstantAlloc(1))
	w.AddAllocation(snapshot.ConstantAlloc(2))
	w.AddAllocation(snapshot.UndefinedAlloc())
	w.AddAllocation(snapshot.ConstantAlloc(3))
	// folded add: the register argument plus the raw int32 temporary.
	w.AddAllocation(snapshot.UntypedRegAlloc(5))
	w.AddAllocation(snapshot.TypedStackAlloc(value.TypeInt32, 0x18))
	// leaf: scope chain and this never materialized, formal, then the
	// two add operands.
	w.AddAllocation(snapshot.UndefinedAlloc())
	w.AddAllocation(snapshot.UndefinedAlloc())
	w.AddAllocation(snapshot.ConstantAlloc(3))
	w.AddAllocation(snapshot.TypedStackAlloc(value.TypeInt32, 0x18))
	w.AddAllocation(snapshot.RecoverAlloc(1))
	w.EndSnapshot()

	sp := &safepoint.Safepoint{
		AllGPRSpills: regs.GPRSet(0).Add(5),
		ValueRegs:    regs.GPRSet(0).Add(5),
		ValueSlots:   []uint32{8},
	}
	retOpt := ob.AddSite(snapOff, sp)
	oc := ob.Finish(
		value.ObjectValue(uint64(thisObj)),
		value.Int32Value(11),
		fnLeaf.Boxed(),
		value.Int32Value(29),
	)

	// Now the stack, oldest frame first.
	st := NewStack(p.Reg)
	st.PushBody(16) // entry saved state

	retMain, _ := mainFast.ReturnAddressForIC(1)
	mainFP := st.PushScripted(frame.KindFastJS, 0xe0, fnMain.Token(), 0,
		value.UndefinedValue())
	st.PushFastBody(value.ObjectValue(uint64(fnMain.Env)),
		value.UndefinedValue(), // local
		fnOuter.Boxed(),        // callee
		value.ObjectValue(uint64(thisObj)),
		value.Int32Value(13))

	mainIC, _ := mainFast.ICEntryForPC(1)
	stubFP := st.PushStub(retMain, mainIC.StubAddr, mainFP)

	optFP := st.PushScripted(frame.KindOptJS, st.Reg.StubReturnAddr(bytecode.OpCall), fnOuter.Token(), 1,
		value.ObjectValue(uint64(thisObj)), value.Int32Value(13))
	st.PushValue(value.ObjectValue(uint64(scopeObj))) // fp-8, traced slot
	st.PushBody(8)
	st.PushWord(29)     // fp-0x18, raw int32 temporary
	st.PushBody(0x28)   // rest of the locals, down to fp-0x40
	st.PushValue(value.Int32Value(13)) // x5 spill at fp-0x48

	exitFP := st.PushExit(retOpt, 0)

	eng := engine.New(p.Reg)
	act := eng.NewActivation(st.View, exitFP)

	return &Fixture{
		P:   p,
		Eng: eng,
		Act: act,

		Main: fnMain, Outer: fnOuter, Leaf: fnLeaf,
		MainFast: mainFast, OuterFast: outerFast, LeafFast: leafFast,
		Opt: oc,

		MainFP: mainFP, StubFP: stubFP, OptFP: optFP, ExitFP: exitFP,
		SnapshotOffset: snapOff,
		ScopeObj:       scopeObj,
	}
}

// Interrupt captures the bailout state of the optimized frame the way the
// bailout trampoline would: the frame, its register file, and the snapshot
// for the interruption point.
func (f *Fixture) Interrupt() (*frame.BailoutState, error) {
	it := frame.NewIterator(&f.Act.Activation)
	for it.Kind() != frame.KindOptJS {
		if it.Done() {
			return nil, fmt.Errorf("synth: no optimized frame on the stack")
		}
		it.Next()
	}
	m, err := it.MachineState()
	if err != nil {
		return nil, err
	}
	return &frame.BailoutState{
		FP:             it.FP(),
		FrameSize:      it.OptCode().FrameSize,
		Machine:        m,
		Code:           it.OptCode(),
		SnapshotOffset: it.SnapshotOffset(),
	}, nil
}
