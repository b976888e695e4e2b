package code

import (
	"fmt"
	"sort"

	"molten/internal/bytecode"
	"molten/internal/mem"
)

// Registry owns the native address space and every compiled artifact in it.
// It answers the questions frame walking keeps asking: what code contains
// this address, what function does this token name, and has the code under
// this return address been invalidated.
type Registry struct {
	next mem.Addr

	functions []*Function
	byAddr    map[mem.Addr]*Function
	scripts   []*bytecode.Script
	natives   []NativeSig
	states    map[*bytecode.Script]*ScriptState

	// Sorted by Code.Start.
	fast []*FastCode
	opt  []*OptCode

	// invalidated maps the return addresses of call sites inside
	// invalidated code to that code. Entries are added when the code is
	// invalidated and removed as the frames below those call sites bail
	// out, so a hit means the frame above must not return normally.
	invalidated map[mem.Addr]*OptCode

	trampolines trampolines
}

// trampolines are the shared runtime stubs frames can return into.
type trampolines struct {
	rectifierReturn   mem.Addr
	bailoutTail       mem.Addr
	exceptionTail     mem.Addr
	stubCallReturn    mem.Addr
	stubGetPropReturn mem.Addr
	stubSetPropReturn mem.Addr
}

// codeBase is where native ranges start. Stacks live elsewhere in the
// address space; keeping code low makes addresses recognizable in dumps.
const codeBase mem.Addr = 0x0100_0000

// NewRegistry creates an empty registry with its trampolines allocated.
func NewRegistry() *Registry {
	r := &Registry{
		next:        codeBase,
		byAddr:      make(map[mem.Addr]*Function),
		states:      make(map[*bytecode.Script]*ScriptState),
		invalidated: make(map[mem.Addr]*OptCode),
	}
	// Trampoline return points. Each gets its own range so address math
	// in dumps stays unambiguous.
	r.trampolines.rectifierReturn = r.AllocRange(16).Start + 8
	r.trampolines.bailoutTail = r.AllocRange(16).Start
	r.trampolines.exceptionTail = r.AllocRange(16).Start
	r.trampolines.stubCallReturn = r.AllocRange(16).Start + 8
	r.trampolines.stubGetPropReturn = r.AllocRange(16).Start + 8
	r.trampolines.stubSetPropReturn = r.AllocRange(16).Start + 8
	return r
}

// AllocRange reserves size bytes of native address space.
func (r *Registry) AllocRange(size uint32) Range {
	// Keep ranges 16-byte aligned and separated so off-by-one return
	// addresses never land in a neighbor.
	aligned := (mem.Addr(size) + 15) &^ 15
	rg := Range{Start: r.next, End: r.next + aligned}
	r.next += aligned + 16
	return rg
}

// RectifierReturnAddr is the return address seen in frames called through
// the argument rectifier.
func (r *Registry) RectifierReturnAddr() mem.Addr { return r.trampolines.rectifierReturn }

// BailoutTailAddr is where reconstructed fast-tier frames resume before
// jumping to their real resume point.
func (r *Registry) BailoutTailAddr() mem.Addr { return r.trampolines.bailoutTail }

// ExceptionTailAddr is where unwinding code lands before dispatching to a
// handler.
func (r *Registry) ExceptionTailAddr() mem.Addr { return r.trampolines.exceptionTail }

// StubReturnAddr returns the shared return address used by fast-tier call
// stubs for the given op. Reconstructed stub frames use it so the frames
// above them look like they were pushed by a real stub call.
func (r *Registry) StubReturnAddr(op bytecode.Op) mem.Addr {
	switch op {
	case bytecode.OpGetProp:
		return r.trampolines.stubGetPropReturn
	case bytecode.OpSetProp:
		return r.trampolines.stubSetPropReturn
	}
	if !op.IsCall() {
		panic(fmt.Sprintf("code: no stub return address for %v", op))
	}
	return r.trampolines.stubCallReturn
}

// RegisterFunction assigns f a callee token and indexes its object address.
func (r *Registry) RegisterFunction(f *Function) CalleeToken {
	r.functions = append(r.functions, f)
	if f.Addr != 0 {
		r.byAddr[f.Addr] = f
	}
	f.token = CalleeToken(uint64(len(r.functions)) << 1)
	return f.token
}

// FunctionAt resolves a function object address, the payload of a boxed
// callee value, back to the function.
func (r *Registry) FunctionAt(a mem.Addr) (*Function, bool) {
	f, ok := r.byAddr[a]
	return f, ok
}

// RelocateFunction moves f's object address after the collector relocated
// it. Callee tokens are registry handles, not pointers, so frames holding
// them need no fixing; only the address index changes.
func (r *Registry) RelocateFunction(f *Function, a mem.Addr) {
	if f.Addr != 0 {
		delete(r.byAddr, f.Addr)
	}
	f.Addr = a
	if a != 0 {
		r.byAddr[a] = f
	}
}

// EachFast visits every fast-tier compilation attached to the registry.
func (r *Registry) EachFast(f func(*FastCode)) {
	for _, fc := range r.fast {
		f(fc)
	}
}

// EachOpt visits every optimizing-tier compilation ever attached,
// invalidated code included, so owners of their tables can trace them.
func (r *Registry) EachOpt(f func(*OptCode)) {
	for _, oc := range r.opt {
		f(oc)
	}
}

// RegisterNative records a native call signature and returns its id. Id 0
// is reserved for bare exits with nothing on the stack.
func (r *Registry) RegisterNative(sig NativeSig) uint64 {
	r.natives = append(r.natives, sig)
	return uint64(len(r.natives))
}

// Native resolves a native id from an exit frame footer.
func (r *Registry) Native(id uint64) NativeSig {
	if id == 0 || id > uint64(len(r.natives)) {
		panic(fmt.Sprintf("code: bad native id %d", id))
	}
	return r.natives[id-1]
}

// RegisterScript assigns bare global code a callee token.
func (r *Registry) RegisterScript(s *bytecode.Script) CalleeToken {
	r.scripts = append(r.scripts, s)
	return CalleeToken(uint64(len(r.scripts))<<1 | tokenScriptBit)
}

// FunctionFromToken resolves a function token.
func (r *Registry) FunctionFromToken(t CalleeToken) *Function {
	if !t.IsFunction() {
		panic(fmt.Sprintf("code: token %#x is not a function", uint64(t)))
	}
	h := t.handle()
	if h < 0 || h >= len(r.functions) {
		panic(fmt.Sprintf("code: bad function token %#x", uint64(t)))
	}
	return r.functions[h]
}

// ScriptFromToken resolves any token to its script.
func (r *Registry) ScriptFromToken(t CalleeToken) *bytecode.Script {
	if t.IsFunction() {
		return r.FunctionFromToken(t).Script
	}
	h := t.handle()
	if h < 0 || h >= len(r.scripts) {
		panic(fmt.Sprintf("code: bad script token %#x", uint64(t)))
	}
	return r.scripts[h]
}

// State returns the runtime compilation state for s, creating it on first
// use.
func (r *Registry) State(s *bytecode.Script) *ScriptState {
	st := r.states[s]
	if st == nil {
		st = &ScriptState{Script: s}
		r.states[s] = st
	}
	return st
}

// AttachFast installs fc as its script's fast-tier code.
func (r *Registry) AttachFast(fc *FastCode) {
	r.State(fc.Script).Fast = fc
	i := sort.Search(len(r.fast), func(i int) bool {
		return r.fast[i].Code.Start >= fc.Code.Start
	})
	r.fast = append(r.fast, nil)
	copy(r.fast[i+1:], r.fast[i:])
	r.fast[i] = fc
}

// AttachOpt installs oc as its script's optimizing-tier code.
func (r *Registry) AttachOpt(oc *OptCode) {
	r.State(oc.Script).Opt = oc
	i := sort.Search(len(r.opt), func(i int) bool {
		return r.opt[i].Code.Start >= oc.Code.Start
	})
	r.opt = append(r.opt, nil)
	copy(r.opt[i+1:], r.opt[i:])
	r.opt[i] = oc
}

// FastCodeAt finds the fast-tier code containing addr.
func (r *Registry) FastCodeAt(a mem.Addr) (*FastCode, bool) {
	i := sort.Search(len(r.fast), func(i int) bool {
		return r.fast[i].Code.End > a
	})
	if i < len(r.fast) && r.fast[i].Code.Contains(a) {
		return r.fast[i], true
	}
	return nil, false
}

// OptCodeAt finds the optimizing-tier code containing addr. Invalidated
// code stays findable while frames still reference it.
func (r *Registry) OptCodeAt(a mem.Addr) (*OptCode, bool) {
	i := sort.Search(len(r.opt), func(i int) bool {
		return r.opt[i].Code.End > a
	})
	if i < len(r.opt) && r.opt[i].Code.Contains(a) {
		return r.opt[i], true
	}
	return nil, false
}

// Invalidate marks oc invalidated and records every OSI call site of the
// code in the side table, so return addresses already on the stack resolve
// back to it. live is the number of frames currently running the code.
func (r *Registry) Invalidate(oc *OptCode, live int32) {
	if oc.Invalidated {
		return
	}
	oc.Invalidated = true
	oc.Live = live
	for _, e := range oc.OSIIndex {
		r.invalidated[oc.Code.Start+mem.Addr(e.ReturnOffset)] = oc
	}
	r.State(oc.Script).Opt = nil
}

// InvalidatedCodeFor checks whether ret is a call site inside invalidated
// code and returns that code.
func (r *Registry) InvalidatedCodeFor(ret mem.Addr) (*OptCode, bool) {
	oc, ok := r.invalidated[ret]
	return oc, ok
}

// ReleaseInvalidated drops one frame's claim on invalidated code. When the
// last frame leaves, the side-table entries are removed and the code range
// could be reused.
func (r *Registry) ReleaseInvalidated(oc *OptCode) {
	if !oc.Invalidated {
		panic(fmt.Sprintf("code: release of live code for %s", oc.Script.Name))
	}
	oc.Live--
	if oc.Live < 0 {
		panic(fmt.Sprintf("code: over-release of %s", oc.Script.Name))
	}
	if oc.Live == 0 {
		for _, e := range oc.OSIIndex {
			delete(r.invalidated, oc.Code.Start+mem.Addr(e.ReturnOffset))
		}
	}
}
