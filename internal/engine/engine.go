// Package engine is the runtime's face over the frame machinery: it owns
// activations and their recover results, answers "what script and pc is
// this stack at" with a small cache, performs bailouts, drives exception
// unwinding, and hands whole stacks to the collector.
package engine

import (
	"fmt"
	"os"

	"molten/internal/bailout"
	"molten/internal/bytecode"
	"molten/internal/code"
	"molten/internal/frame"
	"molten/internal/gctrace"
	"molten/internal/mem"
	"molten/internal/snapshot"
	"molten/internal/unwind"
	"molten/internal/value"
)

var debugEngine = os.Getenv("MOLTEN_SPEW_ENGINE") != ""

// Activation is one stack the engine runs code on. It carries the recover
// results computed for its optimized frames: results must outlive the
// iterator that computed them and die with the frame they describe, so the
// activation is their owner.
type Activation struct {
	frame.Activation

	results map[mem.Addr]*snapshot.Results
}

// FrameResults returns the recover results registered for the frame at fp.
func (a *Activation) FrameResults(fp mem.Addr) *snapshot.Results {
	return a.results[fp]
}

// RegisterFrameResults records freshly computed results for their frame.
func (a *Activation) RegisterFrameResults(r *snapshot.Results) {
	if a.results == nil {
		a.results = make(map[mem.Addr]*snapshot.Results)
	}
	if _, ok := a.results[r.FramePointer()]; ok {
		panic(fmt.Sprintf("engine: frame %#x already has recover results", uint64(r.FramePointer())))
	}
	a.results[r.FramePointer()] = r
}

// releaseDeadResults drops results belonging to frames below the surviving
// top. Frames grow toward lower addresses, so anything under TopFP is gone.
func (a *Activation) releaseDeadResults() {
	for fp := range a.results {
		if fp < a.TopFP {
			delete(a.results, fp)
		}
	}
}

// Fallback is the read policy for this activation: elided values are
// recovered and their results kept with the activation.
func (a *Activation) Fallback() snapshot.Fallback {
	return snapshot.Fallback{Store: a}
}

// Engine ties a registry's compiled code to the activations running it.
// One engine is owned by one runtime thread; independent engines share
// nothing and may run concurrently.
type Engine struct {
	Registry *code.Registry

	activations []*Activation

	// gcNumber advances once per collection pass; the pc-script cache
	// keys its validity to it.
	gcNumber uint32
	cache    *pcScriptCache
}

func New(reg *code.Registry) *Engine {
	return &Engine{Registry: reg}
}

// NewActivation adopts a stack with its newest frame at top.
func (e *Engine) NewActivation(view *mem.View, top mem.Addr) *Activation {
	a := &Activation{Activation: frame.Activation{
		View:     view,
		Registry: e.Registry,
		TopFP:    top,
	}}
	e.activations = append(e.activations, a)
	return a
}

// Activations returns the engine's live activations, newest last.
func (e *Engine) Activations() []*Activation { return e.activations }

// GetPcScript resolves the script and bytecode offset of the activation's
// newest scripted frame. Results are cached by the frame's return address;
// the cache is dropped wholesale when the collection generation advances,
// since a collection could have freed scripts the entries point at.
func (e *Engine) GetPcScript(act *Activation) (*bytecode.Script, uint32) {
	it := frame.NewIterator(&act.Activation)
	for !it.IsScripted() {
		if it.Done() {
			panic("engine: GetPcScript on an activation with no scripted frames")
		}
		it.Next()
	}

	if it.Kind() == frame.KindBailout {
		// Mid-bailout there is no stable return address to key on.
		return e.pcFromOpt(it)
	}

	ret := it.ReturnAddressToFP()
	if e.cache == nil {
		e.cache = newPcScriptCache(e.gcNumber)
	}
	if e.cache.gcNumber != e.gcNumber {
		*e.cache = *newPcScriptCache(e.gcNumber)
	}
	if s, pc, ok := e.cache.lookup(ret); ok {
		return s, pc
	}

	var s *bytecode.Script
	var pc uint32
	switch it.Kind() {
	case frame.KindFastJS:
		s, pc = it.Script(), it.FastPC()
	case frame.KindOptJS:
		s, pc = e.pcFromOpt(it)
	default:
		panic(fmt.Sprintf("engine: GetPcScript on a %v frame", it.Kind()))
	}
	e.cache.add(ret, s, pc)
	return s, pc
}

// pcFromOpt resolves the innermost logical frame of an optimized frame.
func (e *Engine) pcFromOpt(it *frame.Iterator) (*bytecode.Script, uint32) {
	inline, err := frame.NewInlineIterator(it)
	if err != nil {
		panic(fmt.Sprintf("engine: inlined frames of %s: %v", it.Script().Name, err))
	}
	return inline.Script(), inline.PCOffset()
}

// Bailout converts the interrupted optimized frame described by st into
// fast-tier frames on the stack and returns the committed record; the
// activation's top becomes the exit frame the resume trampoline leaves
// under the rebuilt frames. Bailout kinds that condemn the code invalidate
// it before reconstruction, so the decrement accounting in the bailout
// path settles this frame's claim.
func (e *Engine) Bailout(act *Activation, st *frame.BailoutState) (*bailout.Record, error) {
	act.Bailout = st
	defer func() { act.Bailout = nil }()

	kind, err := snapshot.ReadKind(st.Code.SnapshotData, st.SnapshotOffset)
	if err != nil {
		return nil, err
	}
	if kind.Invalidates() && !st.Code.Invalidated {
		e.Invalidate(st.Code)
	}

	rec, err := bailout.Bail(frame.NewIterator(&act.Activation), act.Fallback(), nil)
	if err != nil {
		return nil, err
	}
	rec.CommitTo(act.View)
	delete(act.results, st.FP)

	// The resume trampoline enters fast code through an exit frame under
	// the innermost rebuilt frame.
	exitFP := rec.StackBottom() - 16
	act.View.SetUint64(exitFP+frame.DescriptorOffset,
		uint64(frame.MakeDescriptor(rec.ResumeFrameSize(), frame.KindFastJS)))
	act.View.SetUint64(exitFP+frame.ReturnAddrOffset, uint64(rec.ResumeAddr))
	act.View.SetUint64(exitFP-frame.ExitNativeIDBelow, 0)
	act.TopFP = exitFP

	if debugEngine {
		fmt.Fprintf(os.Stderr, "engine: bailout (%v) rebuilt %d frames, resume %#x\n",
			rec.Kind, rec.NumFrames, uint64(rec.ResumeAddr))
	}
	return rec, nil
}

// Invalidate condemns oc, counting the frames still running it across
// every activation so each can settle its claim exactly once as it bails
// out or unwinds.
func (e *Engine) Invalidate(oc *code.OptCode) {
	live := int32(0)
	for _, act := range e.activations {
		for it := frame.NewIterator(&act.Activation); ; it.Next() {
			if it.Kind() == frame.KindOptJS || it.Kind() == frame.KindBailout {
				if c, _ := it.CheckInvalidation(); c == oc {
					live++
				}
			}
			if it.Done() {
				break
			}
		}
	}
	if debugEngine {
		fmt.Fprintf(os.Stderr, "engine: invalidating %s with %d live frames\n",
			oc.Script.Name, live)
	}
	e.Registry.Invalidate(oc, live)
}

// HandleException unwinds the activation for a pending exception and
// returns the resume decision. The context may be nil for default
// handling (no debugger, abandoned iterators left open).
func (e *Engine) HandleException(act *Activation, exc value.Value, cx *unwind.Context) unwind.Resume {
	if cx == nil {
		cx = &unwind.Context{}
	}
	if cx.Fallback.Store == nil {
		cx.Fallback = act.Fallback()
	}
	r := unwind.HandleException(&act.Activation, exc, cx)
	act.releaseDeadResults()
	return r
}

// TraceAll is the collector's entry point: called once per pass, it marks
// and updates every live reference in every activation, the recover
// results the engine holds for their frames, and the constant pools of the
// optimized code, then advances the collection generation.
func (e *Engine) TraceAll(tr gctrace.Tracer) {
	for _, act := range e.activations {
		gctrace.TraceActivation(tr, &act.Activation)
		for _, r := range act.results {
			r.Trace(tr.Value)
		}
	}
	e.Registry.EachOpt(func(oc *code.OptCode) {
		for i, v := range oc.Constants {
			if !v.IsGCThing() {
				continue
			}
			if nv := tr.Value(v); nv != v {
				oc.Constants[i] = v.WithPayload(nv.Payload())
			}
		}
	})
	e.gcNumber++
}

// GCNumber is the current collection generation.
func (e *Engine) GCNumber() uint32 { return e.gcNumber }
