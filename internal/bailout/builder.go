package bailout

import (
	"encoding/binary"
	"fmt"
	"os"

	"molten/internal/mem"
	"molten/internal/snapshot"
	"molten/internal/value"
)

var debugBailouts = os.Getenv("MOLTEN_SPEW_BAILOUTS") != ""

// Record is the hand-off from a finished bailout: the frame image to lay
// over the stack, the values to seed the fast tier's operand registers
// with, and where execution resumes.
type Record struct {
	// IncomingStack is the frame pointer of the optimized frame being
	// replaced. The image extends downward from it; the header and
	// argument vector above it keep serving the outermost rebuilt frame.
	IncomingStack mem.Addr

	// SetR0/SetR1 ask the resume path to seed the operand value
	// registers. The resume pc expects these stack values unsynced.
	SetR0   bool
	ValueR0 value.Value
	SetR1   bool
	ValueR1 value.Value

	// ResumeFramePtr is the innermost rebuilt frame; ResumeAddr is the
	// fast-tier code address execution continues at.
	ResumeFramePtr mem.Addr
	ResumeAddr     mem.Addr

	// NumFrames is how many fast-tier frames the image holds.
	NumFrames uint32

	// Kind is what triggered the bailout, for the post-resume checks.
	Kind snapshot.BailoutKind

	resumeFrameSize uint32
	pushed          uint32
	image           []byte
}

// StackBottom is the lowest address the image occupies once committed.
func (r *Record) StackBottom() mem.Addr { return r.IncomingStack - mem.Addr(r.pushed) }

// ResumeFrameSize is the innermost frame's local byte size after any
// unsynced pops: the descriptor contents for anything pushed below it.
func (r *Record) ResumeFrameSize() uint32 { return r.resumeFrameSize }

// CommitTo lays the image over the stack. Nothing at or above
// IncomingStack is touched.
func (r *Record) CommitTo(view *mem.View) {
	copy(view.Bytes(r.StackBottom(), int(r.pushed)), r.image)
}

// Builder lays out replacement frames in a private buffer instead of on
// the stack: the optimized frame's spills occupy the very addresses the
// new frames will, and snapshot reads keep hitting them throughout the
// build. The buffer's high end corresponds to the incoming frame pointer,
// words are pushed toward lower addresses, and the buffer doubles when it
// fills, keeping the image at the high end.
type Builder struct {
	view   *mem.View
	buf    []byte
	pushed uint32
	// frameStart is the pushed depth at the current frame's pointer.
	frameStart uint32
	header     *Record
}

const initialImageSize = 1024

// NewBuilder starts an image replacing the optimized frame at incoming.
func NewBuilder(view *mem.View, incoming mem.Addr) *Builder {
	return &Builder{
		view:   view,
		buf:    make([]byte, initialImageSize),
		header: &Record{IncomingStack: incoming},
	}
}

// Header is the record under construction. The pointer stays valid across
// buffer growth.
func (b *Builder) Header() *Record { return b.header }

// StackAddr is the virtual address of the image's lower edge; the last
// word pushed lives here.
func (b *Builder) StackAddr() mem.Addr {
	return b.header.IncomingStack - mem.Addr(b.pushed)
}

func (b *Builder) enlarge() {
	nb := make([]byte, 2*len(b.buf))
	copy(nb[len(nb)-int(b.pushed):], b.buf[len(b.buf)-int(b.pushed):])
	b.buf = nb
}

func (b *Builder) bufIndex(a mem.Addr) int {
	if a >= b.header.IncomingStack || b.header.IncomingStack-a > mem.Addr(b.pushed) {
		panic(fmt.Sprintf("bailout: address %#x outside the built image [%#x,%#x)",
			uint64(a), uint64(b.StackAddr()), uint64(b.header.IncomingStack)))
	}
	return len(b.buf) - int(b.header.IncomingStack-a)
}

// WriteWord pushes one raw word. what tags the word in spew output.
func (b *Builder) WriteWord(w uint64, what string) {
	for int(b.pushed)+8 > len(b.buf) {
		b.enlarge()
	}
	b.pushed += 8
	binary.LittleEndian.PutUint64(b.buf[len(b.buf)-int(b.pushed):], w)
	if debugBailouts {
		fmt.Fprintf(os.Stderr, "bailout:   push %-14s %016x @ %x\n",
			what, w, uint64(b.StackAddr()))
	}
}

// WriteValue pushes one boxed value.
func (b *Builder) WriteValue(v value.Value, what string) {
	b.WriteWord(v.Raw(), what)
}

// PopValue removes and returns the most recently pushed value: the top of
// the innermost frame's operand stack.
func (b *Builder) PopValue() value.Value {
	if b.pushed < b.frameStart+8 {
		panic("bailout: pop past the frame start")
	}
	v := value.FromRaw(binary.LittleEndian.Uint64(b.buf[len(b.buf)-int(b.pushed):]))
	b.pushed -= 8
	return v
}

// StartFrame marks the image's lower edge as a new frame pointer: the word
// just pushed is the new frame's descriptor. FrameSize counts from here.
func (b *Builder) StartFrame() mem.Addr {
	b.frameStart = b.pushed
	return b.StackAddr()
}

// FrameSize is the byte count pushed since the current frame started.
func (b *Builder) FrameSize() uint32 { return b.pushed - b.frameStart }

// WordAt reads a word from the image, or from the live stack when the
// address is at or above the incoming frame pointer (the replaced frame's
// header and argument vector).
func (b *Builder) WordAt(a mem.Addr) uint64 {
	if a >= b.header.IncomingStack {
		return b.view.Uint64(a)
	}
	return binary.LittleEndian.Uint64(b.buf[b.bufIndex(a):])
}

// SetWordAt patches a word already pushed, or one in the live stack at or
// above the incoming frame pointer.
func (b *Builder) SetWordAt(a mem.Addr, w uint64) {
	if a >= b.header.IncomingStack {
		b.view.SetUint64(a, w)
		return
	}
	binary.LittleEndian.PutUint64(b.buf[b.bufIndex(a):], w)
}

// Finish seals the record with the image built so far.
func (b *Builder) Finish() *Record {
	r := b.header
	r.pushed = b.pushed
	r.image = b.buf[len(b.buf)-int(b.pushed):]
	return r
}
