package synth

import (
	"molten/internal/code"
	"molten/internal/frame"
	"molten/internal/mem"
	"molten/internal/value"
)

const (
	stackBase mem.Addr = 0x0040_0000
	stackSize          = 0x4000
)

// Stack builds an activation image the way calls do: the entry state
// first, then each frame below its caller. The cursor tracks the low edge
// of everything pushed so far.
type Stack struct {
	View *mem.View
	Reg  *code.Registry

	sp       mem.Addr
	prevKind frame.Kind
	body     uint32
}

func NewStack(reg *code.Registry) *Stack {
	view := mem.NewView(stackBase, make([]byte, stackSize))
	return &Stack{View: view, Reg: reg, sp: view.Limit(), prevKind: frame.KindEntry}
}

// SP returns the current low edge of the stack image.
func (s *Stack) SP() mem.Addr { return s.sp }

// PushBody grows the current frame's locals and spills by n bytes without
// writing them.
func (s *Stack) PushBody(n uint32) {
	s.sp -= mem.Addr(n)
	s.body += n
}

// PushWord pushes one raw word into the current frame's body and returns
// its address.
func (s *Stack) PushWord(w uint64) mem.Addr {
	s.sp -= 8
	s.View.SetUint64(s.sp, w)
	s.body += 8
	return s.sp
}

// PushValue pushes one boxed value into the current frame's body.
func (s *Stack) PushValue(v value.Value) mem.Addr {
	return s.PushWord(v.Raw())
}

// PushFastBody pushes the fast-tier header fields and value slots for the
// current frame and returns its frame size, the value FastFrame computes
// while walking.
func (s *Stack) PushFastBody(scope value.Value, slots ...value.Value) uint32 {
	s.PushWord(scope.Raw()) // scope chain
	s.PushWord(0)           // return value
	s.PushWord(0)           // flags
	for _, v := range slots {
		s.PushWord(v.Raw())
	}
	return frame.FastHeaderSize + uint32(8*len(slots))
}

// PushScripted pushes the header of a frame called from the current one:
// the outgoing argument vector, then descriptor, return address, callee
// token and actual count. argv[0] is the this value.
func (s *Stack) PushScripted(kind frame.Kind, ret mem.Addr, token code.CalleeToken, nactual uint32, argv ...value.Value) mem.Addr {
	for i := len(argv) - 1; i >= 0; i-- {
		s.sp -= 8
		s.View.SetUint64(s.sp, argv[i].Raw())
	}
	prevLocal := s.body + uint32(8*len(argv))
	s.sp -= 32
	fp := s.sp
	s.View.SetUint64(fp+frame.DescriptorOffset, uint64(frame.MakeDescriptor(prevLocal, s.prevKind)))
	s.View.SetUint64(fp+frame.ReturnAddrOffset, uint64(ret))
	s.View.SetUint64(fp+frame.CalleeTokenOffset, uint64(token))
	s.View.SetUint64(fp+frame.NumActualArgsOffset, uint64(nactual))
	s.prevKind = kind
	s.body = 0
	return fp
}

// PushStub pushes an IC stub frame.
func (s *Stack) PushStub(ret, icAddr, savedFP mem.Addr) mem.Addr {
	s.sp -= 32
	fp := s.sp
	s.View.SetUint64(fp+frame.DescriptorOffset, uint64(frame.MakeDescriptor(s.body, s.prevKind)))
	s.View.SetUint64(fp+frame.ReturnAddrOffset, uint64(ret))
	s.View.SetUint64(fp+frame.StubICOffset, uint64(icAddr))
	s.View.SetUint64(fp+frame.StubSavedFPOffset, uint64(savedFP))
	s.prevKind = frame.KindStub
	s.body = 0
	return fp
}

// PushExit pushes an exit frame with a bare footer calling the given
// registered native.
func (s *Stack) PushExit(ret mem.Addr, nativeID uint64) mem.Addr {
	prevLocal := s.body
	s.sp -= 16
	fp := s.sp
	s.View.SetUint64(fp+frame.DescriptorOffset, uint64(frame.MakeDescriptor(prevLocal, s.prevKind)))
	s.View.SetUint64(fp+frame.ReturnAddrOffset, uint64(ret))
	s.View.SetUint64(fp-frame.ExitNativeIDBelow, nativeID)
	s.prevKind = frame.KindExit
	s.body = 0
	return fp
}

// Activation wraps the stack built so far into an activation topped at fp.
func (s *Stack) Activation(top mem.Addr) *frame.Activation {
	return &frame.Activation{View: s.View, Registry: s.Reg, TopFP: top}
}
