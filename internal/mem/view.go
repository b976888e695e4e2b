// Bounds-checked access to synthetic stack memory.
//
// The runtime never touches real process memory. Stacks live in byte slices
// and every frame pointer, slot address, and spill address is a virtual
// address inside a View. A stray address is a bug in frame layout or
// snapshot decoding, so out-of-range access panics instead of returning an
// error the caller would have to treat as impossible anyway.
package mem

import (
	"encoding/binary"
	"fmt"
)

// Addr is a virtual address. Stack addresses, return addresses, and native
// code addresses share this type.
type Addr uint64

// View maps the virtual range [base, base+len(data)) onto backing bytes.
// All multi-byte accesses are little-endian.
type View struct {
	base Addr
	data []byte
}

// NewView creates a view of data starting at virtual address base.
func NewView(base Addr, data []byte) *View {
	return &View{base: base, data: data}
}

// Base returns the lowest mapped address.
func (v *View) Base() Addr { return v.base }

// Limit returns one past the highest mapped address.
func (v *View) Limit() Addr { return v.base + Addr(len(v.data)) }

// Contains reports whether n bytes at a are inside the view.
func (v *View) Contains(a Addr, n int) bool {
	return a >= v.base && a+Addr(n) <= v.Limit() && a+Addr(n) >= a
}

func (v *View) index(a Addr, n int) int {
	if !v.Contains(a, n) {
		panic(fmt.Sprintf("mem: access [%#x,%#x) outside view [%#x,%#x)",
			uint64(a), uint64(a)+uint64(n), uint64(v.base), uint64(v.Limit())))
	}
	return int(a - v.base)
}

// Uint64 reads 8 bytes at a.
func (v *View) Uint64(a Addr) uint64 {
	i := v.index(a, 8)
	return binary.LittleEndian.Uint64(v.data[i:])
}

// SetUint64 writes 8 bytes at a.
func (v *View) SetUint64(a Addr, x uint64) {
	i := v.index(a, 8)
	binary.LittleEndian.PutUint64(v.data[i:], x)
}

// Uint32 reads 4 bytes at a.
func (v *View) Uint32(a Addr) uint32 {
	i := v.index(a, 4)
	return binary.LittleEndian.Uint32(v.data[i:])
}

// SetUint32 writes 4 bytes at a.
func (v *View) SetUint32(a Addr, x uint32) {
	i := v.index(a, 4)
	binary.LittleEndian.PutUint32(v.data[i:], x)
}

// Bytes returns the n bytes at a. The slice aliases the view's storage, so
// writes through it are visible to later reads.
func (v *View) Bytes(a Addr, n int) []byte {
	i := v.index(a, n)
	return v.data[i : i+n]
}
