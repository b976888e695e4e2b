// Package actgraph projects a live activation into lattice graphs: a call
// graph of who called whom, physical and inlined frames alike, and a CFG
// view with one function node per physical scripted frame.
package actgraph

import (
	"fmt"

	"github.com/zboralski/lattice"

	"molten/internal/frame"
)

// logical is one logical frame of the activation: a physical fast frame,
// or one of the frames the optimizing tier inlined into a physical frame.
type logical struct {
	name string
	pc   uint32
}

// physical is one physical scripted frame with its logical frames,
// outermost first.
type physical struct {
	kind   frame.Kind
	frames []logical
}

// collect walks the activation oldest-frame-last and returns its physical
// scripted frames newest first.
func collect(act *frame.Activation) ([]physical, error) {
	var phys []physical
	it := frame.NewIterator(act)
	for {
		switch it.Kind() {
		case frame.KindFastJS:
			phys = append(phys, physical{
				kind:   it.Kind(),
				frames: []logical{{name: frameName(it), pc: it.FastPC()}},
			})
		case frame.KindOptJS, frame.KindBailout:
			inline, err := frame.NewInlineIterator(it)
			if err != nil {
				return nil, fmt.Errorf("inlined frames of %s: %w", it.Script().Name, err)
			}
			// The inline iterator settles innermost first; build the
			// slice outward and reverse.
			var inner []logical
			for {
				inner = append(inner, logical{name: inline.Script().Name, pc: inline.PCOffset()})
				if !inline.More() {
					break
				}
				if err := inline.Next(); err != nil {
					return nil, fmt.Errorf("inlined frames of %s: %w", it.Script().Name, err)
				}
			}
			p := physical{kind: it.Kind()}
			for i := len(inner) - 1; i >= 0; i-- {
				p.frames = append(p.frames, inner[i])
			}
			phys = append(phys, p)
		}
		if it.Done() {
			return phys, nil
		}
		it.Next()
	}
}

func frameName(it *frame.Iterator) string {
	if fn := it.MaybeCallee(); fn != nil {
		return fn.Name
	}
	return it.Script().Name
}

// Build constructs the activation's call graph. Each logical frame's
// script becomes a node; each call still on the stack becomes an edge.
func Build(act *frame.Activation) (*lattice.Graph, error) {
	phys, err := collect(act)
	if err != nil {
		return nil, err
	}

	g := &lattice.Graph{}
	var prev string // callee-side name of the frame below
	// Oldest first, so edges read caller to callee.
	for i := len(phys) - 1; i >= 0; i-- {
		for _, lf := range phys[i].frames {
			g.Nodes = append(g.Nodes, lf.name)
			if prev != "" {
				g.Edges = append(g.Edges, lattice.Edge{Caller: prev, Callee: lf.name})
			}
			prev = lf.name
		}
	}
	g.Dedup()
	return g, nil
}

// BuildCFG constructs the CFG view: one FuncCFG per physical scripted
// frame, a basic block per logical frame, inline calls as block
// successors and call sites.
func BuildCFG(act *frame.Activation) (*lattice.CFGGraph, error) {
	phys, err := collect(act)
	if err != nil {
		return nil, err
	}

	cg := &lattice.CFGGraph{}
	// Oldest first, matching call order.
	for i := len(phys) - 1; i >= 0; i-- {
		p := phys[i]
		lcfg := &lattice.FuncCFG{Name: p.frames[0].name}
		for bi, lf := range p.frames {
			blk := &lattice.BasicBlock{
				ID:    bi,
				Start: int(lf.pc),
				End:   int(lf.pc) + 1,
				Term:  bi == len(p.frames)-1,
			}
			if bi < len(p.frames)-1 {
				blk.Succs = append(blk.Succs, lattice.Successor{BlockID: bi + 1, Cond: "inline"})
				blk.Calls = append(blk.Calls, lattice.CallSite{
					Offset: int(lf.pc),
					Callee: p.frames[bi+1].name,
				})
			} else if i > 0 {
				// The innermost logical frame is stopped at a call
				// into the physical frame above.
				blk.Calls = append(blk.Calls, lattice.CallSite{
					Offset: int(lf.pc),
					Callee: phys[i-1].frames[0].name,
				})
			}
			lcfg.Blocks = append(lcfg.Blocks, blk)
		}
		cg.Funcs = append(cg.Funcs, lcfg)
	}
	return cg, nil
}
