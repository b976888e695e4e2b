package actgraph

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"molten/internal/synth"
)

func TestBuildCallGraph(t *testing.T) {
	f := synth.Demo()

	g, err := Build(&f.Act.Activation)
	if err != nil {
		t.Fatal(err)
	}

	nodes := make(map[string]bool)
	for _, n := range g.Nodes {
		nodes[n] = true
	}
	want := map[string]bool{"main": true, "outer": true, "leaf": true}
	if diff := cmp.Diff(want, nodes); diff != "" {
		t.Errorf("nodes mismatch (-want +got):\n%s", diff)
	}

	type edgeKey struct{ Caller, Callee string }
	edges := make(map[edgeKey]bool)
	for _, e := range g.Edges {
		edges[edgeKey{e.Caller, e.Callee}] = true
	}
	wantEdges := map[edgeKey]bool{
		{Caller: "main", Callee: "outer"}: true,
		{Caller: "outer", Callee: "leaf"}: true,
	}
	if diff := cmp.Diff(wantEdges, edges); diff != "" {
		t.Errorf("edges mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildCFG(t *testing.T) {
	f := synth.Demo()

	cg, err := BuildCFG(&f.Act.Activation)
	if err != nil {
		t.Fatal(err)
	}
	if len(cg.Funcs) != 2 {
		t.Fatalf("got %d funcs, want main and outer", len(cg.Funcs))
	}

	// Oldest frame first.
	if cg.Funcs[0].Name != "main" || cg.Funcs[1].Name != "outer" {
		t.Fatalf("funcs = %q, %q", cg.Funcs[0].Name, cg.Funcs[1].Name)
	}

	// Main has one block, stopped at its call into outer.
	mb := cg.Funcs[0].Blocks
	if len(mb) != 1 || len(mb[0].Calls) != 1 || mb[0].Calls[0].Callee != "outer" {
		t.Errorf("main blocks malformed: %+v", mb)
	}

	// Outer holds the inlined leaf: two blocks linked by an inline edge.
	ob := cg.Funcs[1].Blocks
	if len(ob) != 2 {
		t.Fatalf("outer has %d blocks, want 2", len(ob))
	}
	if len(ob[0].Succs) != 1 || ob[0].Succs[0].BlockID != 1 {
		t.Errorf("outer block 0 successors = %+v", ob[0].Succs)
	}
	if len(ob[0].Calls) != 1 || ob[0].Calls[0].Callee != "leaf" {
		t.Errorf("outer block 0 calls = %+v", ob[0].Calls)
	}
	if !ob[1].Term {
		t.Error("innermost block not terminal")
	}
}
