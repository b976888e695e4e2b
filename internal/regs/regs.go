// Register identities and recovered machine state.
//
// The optimizing tier spills live registers below the frame at call sites.
// Safepoints record which registers were spilled; walking that set against
// the frame's spill area yields a MachineState mapping each register to the
// stack address holding its value. Snapshot allocations in register modes
// resolve through that map.
package regs

import (
	"fmt"
	"math/bits"

	"molten/internal/mem"
)

// RegID identifies a general purpose register (x0..x31).
type RegID uint8

// FloatRegID identifies a floating point register (d0..d31).
type FloatRegID uint8

const (
	NumGPRs = 32
	NumFPRs = 32
)

// Value transfer registers. The fast tier resumes after a call expecting the
// operation's result boxed in R0; a few ops leave a second value in R1.
const (
	R0 RegID = 0
	R1 RegID = 1
)

// Frame and link registers, by arm64 convention.
const (
	FP RegID = 29
	LR RegID = 30
)

func (r RegID) String() string {
	switch r {
	case FP:
		return "fp"
	case LR:
		return "lr"
	}
	return fmt.Sprintf("x%d", uint8(r))
}

func (r FloatRegID) String() string {
	return fmt.Sprintf("d%d", uint8(r))
}

// GPRSet is a bitmask of general purpose registers.
type GPRSet uint32

// FPRSet is a bitmask of floating point registers.
type FPRSet uint32

// Add returns the set with r included.
func (s GPRSet) Add(r RegID) GPRSet { return s | 1<<r }

// Has reports whether r is in the set.
func (s GPRSet) Has(r RegID) bool { return s&(1<<r) != 0 }

// Count returns the number of registers in the set.
func (s GPRSet) Count() int { return bits.OnesCount32(uint32(s)) }

// Backward returns the set's registers in descending order. Spill areas are
// written by pushing the highest register first, so walking addresses
// downward from the spill base visits registers in this order.
func (s GPRSet) Backward() []RegID {
	out := make([]RegID, 0, s.Count())
	for i := NumGPRs - 1; i >= 0; i-- {
		if s.Has(RegID(i)) {
			out = append(out, RegID(i))
		}
	}
	return out
}

func (s FPRSet) Add(r FloatRegID) FPRSet { return s | 1<<r }

func (s FPRSet) Has(r FloatRegID) bool { return s&(1<<r) != 0 }

func (s FPRSet) Count() int { return bits.OnesCount32(uint32(s)) }

func (s FPRSet) Backward() []FloatRegID {
	out := make([]FloatRegID, 0, s.Count())
	for i := NumFPRs - 1; i >= 0; i-- {
		if s.Has(FloatRegID(i)) {
			out = append(out, FloatRegID(i))
		}
	}
	return out
}

// MachineState maps spilled registers to the stack addresses holding their
// values. Registers that were not spilled at the safepoint have no location;
// asking for one is a decoding bug and panics.
type MachineState struct {
	gprs    [NumGPRs]mem.Addr
	fprs    [NumFPRs]mem.Addr
	haveGPR GPRSet
	haveFPR FPRSet
}

// SetGPRLocation records that r was spilled at a.
func (m *MachineState) SetGPRLocation(r RegID, a mem.Addr) {
	m.gprs[r] = a
	m.haveGPR = m.haveGPR.Add(r)
}

// SetFPRLocation records that r was spilled at a.
func (m *MachineState) SetFPRLocation(r FloatRegID, a mem.Addr) {
	m.fprs[r] = a
	m.haveFPR = m.haveFPR.Add(r)
}

// HasGPR reports whether r has a spill location.
func (m *MachineState) HasGPR(r RegID) bool { return m.haveGPR.Has(r) }

// HasFPR reports whether r has a spill location.
func (m *MachineState) HasFPR(r FloatRegID) bool { return m.haveFPR.Has(r) }

// GPRLocation returns the spill address of r.
func (m *MachineState) GPRLocation(r RegID) mem.Addr {
	if !m.haveGPR.Has(r) {
		panic(fmt.Sprintf("regs: %v has no spill location", r))
	}
	return m.gprs[r]
}

// FPRLocation returns the spill address of r.
func (m *MachineState) FPRLocation(r FloatRegID) mem.Addr {
	if !m.haveFPR.Has(r) {
		panic(fmt.Sprintf("regs: %v has no spill location", r))
	}
	return m.fprs[r]
}

// GPRs returns the set of registers with spill locations.
func (m *MachineState) GPRs() GPRSet { return m.haveGPR }

// FPRs returns the set of float registers with spill locations.
func (m *MachineState) FPRs() FPRSet { return m.haveFPR }
