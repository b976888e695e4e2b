package value

// Split layout (32-bit targets): the optimizing tier keeps the two halves of
// a boxed value in separate 32-bit locations. The tag half is the upper word
// of the packed encoding, the payload half the lower word. A pair is "torn"
// when one half lives in a register and the other on the stack; the decoder
// and the collector reassemble such pairs before acting on them.
//
// Pointer payloads must fit in 32 bits on split targets. Heap addresses used
// with split-mode allocations are validated when frames are synthesized, not
// here.

// Pair is the two halves of a boxed value on a split target.
type Pair struct {
	Tag     uint32
	Payload uint32
}

// Split tears a value into its tag and payload words.
func (v Value) Split() Pair {
	return Pair{Tag: uint32(uint64(v) >> 32), Payload: uint32(v)}
}

// Combine reassembles a value from its two halves.
func Combine(tag, payload uint32) Value {
	return Value(uint64(tag)<<32 | uint64(payload))
}

// Payload32 returns the low payload word written back after relocation on a
// split target.
func (v Value) Payload32() uint32 { return uint32(v) }

// WithPayload32 replaces only the low half of the value, the split-target
// equivalent of WithPayload.
func (v Value) WithPayload32(p uint32) Value {
	return Value(uint64(v)&^uint64(0xFFFFFFFF) | uint64(p))
}
