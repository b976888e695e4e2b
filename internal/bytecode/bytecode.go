// Bytecode model for the scripting language.
//
// The runtime does not interpret bytecode. It only needs enough structure to
// walk scripts op by op, classify call sites during frame reconstruction, and
// match exception regions against a pc. Opcode encodings are fixed width so
// pc arithmetic never needs a decode table at runtime.
package bytecode

import "fmt"

// Op is a bytecode opcode.
type Op byte

const (
	OpNop Op = iota
	OpUndefined
	OpNull
	OpTrue
	OpFalse
	OpInt8     // push int8 immediate
	OpGetLocal // read fixed local slot (u8)
	OpSetLocal // write fixed local slot (u8)
	OpGetArg   // read formal argument (u8)
	OpSetArg   // write formal argument (u8)
	OpPop
	OpDup
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpEq
	OpLt
	OpNot
	OpGetProp  // property read (u16 name index)
	OpSetProp  // property write (u16 name index)
	OpGetElem
	OpSetElem
	OpCall     // call with explicit argc (u8)
	OpFunCall  // fun.call-style invocation, argc includes the shifted this (u8)
	OpFunApply // fun.apply-style invocation forwarding the caller's actuals (u8)
	OpGoto     // unconditional jump (i16 relative to op start)
	OpIfFalse  // conditional jump (i16 relative to op start)
	OpLoopHead
	OpIter
	OpMoreIter
	OpEndIter
	OpReturn
	OpThrow

	numOps
)

var opInfo = [numOps]struct {
	name   string
	length uint32
}{
	OpNop:       {"nop", 1},
	OpUndefined: {"undefined", 1},
	OpNull:      {"null", 1},
	OpTrue:      {"true", 1},
	OpFalse:     {"false", 1},
	OpInt8:      {"int8", 2},
	OpGetLocal:  {"getlocal", 2},
	OpSetLocal:  {"setlocal", 2},
	OpGetArg:    {"getarg", 2},
	OpSetArg:    {"setarg", 2},
	OpPop:       {"pop", 1},
	OpDup:       {"dup", 1},
	OpAdd:       {"add", 1},
	OpSub:       {"sub", 1},
	OpMul:       {"mul", 1},
	OpDiv:       {"div", 1},
	OpEq:        {"eq", 1},
	OpLt:        {"lt", 1},
	OpNot:       {"not", 1},
	OpGetProp:   {"getprop", 3},
	OpSetProp:   {"setprop", 3},
	OpGetElem:   {"getelem", 1},
	OpSetElem:   {"setelem", 1},
	OpCall:      {"call", 2},
	OpFunCall:   {"funcall", 2},
	OpFunApply:  {"funapply", 2},
	OpGoto:      {"goto", 3},
	OpIfFalse:   {"iffalse", 3},
	OpLoopHead:  {"loophead", 1},
	OpIter:      {"iter", 1},
	OpMoreIter:  {"moreiter", 1},
	OpEndIter:   {"enditer", 1},
	OpReturn:    {"return", 1},
	OpThrow:     {"throw", 1},
}

func (op Op) valid() bool { return op < numOps && opInfo[op].length != 0 }

func (op Op) String() string {
	if !op.valid() {
		return fmt.Sprintf("op(%d)", byte(op))
	}
	return opInfo[op].name
}

// Length returns the encoded size of the op including operands.
func (op Op) Length() uint32 {
	if !op.valid() {
		panic(fmt.Sprintf("bytecode: bad opcode %d", byte(op)))
	}
	return opInfo[op].length
}

// IsCall reports whether op transfers control to a callee and leaves a
// result for the continuation.
func (op Op) IsCall() bool {
	return op == OpCall || op == OpFunCall || op == OpFunApply
}

// IsInlinable reports whether the optimizing tier may inline a callee at
// this op. Property accesses count: an inlined accessor shows up as a
// logical frame even though no call was written.
func (op Op) IsInlinable() bool {
	return op.IsCall() || op == OpGetProp || op == OpSetProp
}

// HasArgc reports whether the op carries an explicit argument-count operand.
func (op Op) HasArgc() bool {
	return op == OpCall || op == OpFunCall || op == OpFunApply
}

// TryKind classifies an exception region.
type TryKind uint8

const (
	TryCatch TryKind = iota
	TryFinally
	TryIterClose
	TryLoop
)

func (k TryKind) String() string {
	switch k {
	case TryCatch:
		return "catch"
	case TryFinally:
		return "finally"
	case TryIterClose:
		return "iter-close"
	case TryLoop:
		return "loop"
	}
	return fmt.Sprintf("trykind(%d)", uint8(k))
}

// TryNote describes one exception region: a half-open pc range [Start,
// Start+Length), the operand stack depth on entry to the region, and the
// region kind. The op at Start+Length is the region's handler (the catch or
// finally block entry). Regions in a script are ordered innermost first and
// either nest or are disjoint; they never partially overlap.
type TryNote struct {
	Kind       TryKind
	StackDepth uint32
	Start      uint32
	Length     uint32
}

// Covers reports whether the region contains pc.
func (tn TryNote) Covers(pc uint32) bool {
	return pc >= tn.Start && pc < tn.Start+tn.Length
}

// HandlerPC returns the pc of the region's handler.
func (tn TryNote) HandlerPC() uint32 { return tn.Start + tn.Length }

// Script is one compiled function's bytecode and layout counts.
type Script struct {
	Name     string
	NArgs    uint32 // formal parameters
	NFixed   uint32 // fixed local slots
	Code     []byte
	TryNotes []TryNote
}

// OpAt returns the opcode at pc.
func (s *Script) OpAt(pc uint32) Op {
	if int(pc) >= len(s.Code) {
		panic(fmt.Sprintf("bytecode: pc %d outside %s (%d bytes)", pc, s.Name, len(s.Code)))
	}
	return Op(s.Code[pc])
}

// NextPC returns the pc of the op following the one at pc.
func (s *Script) NextPC(pc uint32) uint32 {
	return pc + s.OpAt(pc).Length()
}

// U8At reads the single-byte operand of the op at pc.
func (s *Script) U8At(pc uint32) uint8 {
	op := s.OpAt(pc)
	if op.Length() < 2 {
		panic(fmt.Sprintf("bytecode: %v has no u8 operand", op))
	}
	return s.Code[pc+1]
}

// I16At reads the two-byte signed operand of the op at pc.
func (s *Script) I16At(pc uint32) int16 {
	op := s.OpAt(pc)
	if op.Length() < 3 {
		panic(fmt.Sprintf("bytecode: %v has no i16 operand", op))
	}
	return int16(uint16(s.Code[pc+1]) | uint16(s.Code[pc+2])<<8)
}

// ArgcAt reads the argument count operand of the call op at pc.
func (s *Script) ArgcAt(pc uint32) uint32 {
	op := s.OpAt(pc)
	if !op.HasArgc() {
		panic(fmt.Sprintf("bytecode: %v at pc %d has no argc", op, pc))
	}
	return uint32(s.Code[pc+1])
}

// JumpTargetAt resolves the target pc of the jump op at pc.
func (s *Script) JumpTargetAt(pc uint32) uint32 {
	return uint32(int64(pc) + int64(s.I16At(pc)))
}

// NumOps counts the ops in the script.
func (s *Script) NumOps() int {
	n := 0
	for pc := uint32(0); int(pc) < len(s.Code); pc = s.NextPC(pc) {
		n++
	}
	return n
}

// SkipLoopEntry advances pc past loop-head padding so a reconstructed frame
// does not resume on an op that would immediately re-enter the optimizing
// tier. Follows unconditional jumps to their targets. Uses a second cursor
// advancing at twice the rate to detect degenerate goto cycles.
func (s *Script) SkipLoopEntry(pc uint32) uint32 {
	step := func(pc uint32) uint32 {
		switch s.OpAt(pc) {
		case OpGoto:
			return s.JumpTargetAt(pc)
		case OpLoopHead, OpNop:
			return s.NextPC(pc)
		}
		return pc
	}
	faster := pc
	for {
		pc = step(pc)
		faster = step(step(faster))
		if faster == pc {
			return pc
		}
	}
}

// InnermostTryNote returns the innermost exception region covering pc whose
// declared stack depth does not exceed depth, preferring kinds matched by
// want. Returns nil if no region matches.
func (s *Script) InnermostTryNote(pc uint32, depth uint32, want func(TryNote) bool) *TryNote {
	for i := range s.TryNotes {
		tn := &s.TryNotes[i]
		if !tn.Covers(pc) || tn.StackDepth > depth {
			continue
		}
		if want(*tn) {
			return tn
		}
	}
	return nil
}

// Assembler builds script bytecode for tests and synthetic fixtures.
type Assembler struct {
	code []byte
}

// PC returns the offset the next op will be emitted at.
func (a *Assembler) PC() uint32 { return uint32(len(a.code)) }

// Emit appends a one-byte op and returns its pc.
func (a *Assembler) Emit(op Op) uint32 {
	if op.Length() != 1 {
		panic(fmt.Sprintf("bytecode: %v needs operands", op))
	}
	pc := a.PC()
	a.code = append(a.code, byte(op))
	return pc
}

// EmitU8 appends an op with a one-byte operand and returns its pc.
func (a *Assembler) EmitU8(op Op, v uint8) uint32 {
	if op.Length() != 2 {
		panic(fmt.Sprintf("bytecode: %v does not take a u8 operand", op))
	}
	pc := a.PC()
	a.code = append(a.code, byte(op), v)
	return pc
}

// EmitI16 appends an op with a two-byte signed operand and returns its pc.
func (a *Assembler) EmitI16(op Op, v int16) uint32 {
	if op.Length() != 3 {
		panic(fmt.Sprintf("bytecode: %v does not take an i16 operand", op))
	}
	pc := a.PC()
	a.code = append(a.code, byte(op), byte(uint16(v)), byte(uint16(v)>>8))
	return pc
}

// Code returns the assembled bytecode.
func (a *Assembler) Code() []byte { return a.code }
