package synth

import "encoding/binary"

// Fixed arm64 encodings the synthetic tiers emit. The code is never
// executed, but every word is a genuine instruction so disassembly of the
// blobs is real.
const (
	instSTPPrologue = 0xA9BF7BFD // stp x29, x30, [sp, #-16]!
	instMovFPSP     = 0x910003FD // mov x29, sp
	instLDPEpilogue = 0xA8C17BFD // ldp x29, x30, [sp], #16
	instRET         = 0xD65F03C0 // ret
	instNOP         = 0xD503201F // nop
	instBLNext      = 0x94000001 // bl to the following instruction
)

// movz encodes movz x<rd>, #imm.
func movz(rd uint8, imm uint16) uint32 {
	return 0xD2800000 | uint32(imm)<<5 | uint32(rd&0x1F)
}

type emitter struct {
	buf []byte
}

func (e *emitter) word(w uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	e.buf = append(e.buf, b[:]...)
}

func (e *emitter) offset() uint32 { return uint32(len(e.buf)) }

// fillTo pads with nops up to byte offset off.
func (e *emitter) fillTo(off uint32) {
	for e.offset() < off {
		e.word(instNOP)
	}
}
