package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/zboralski/lattice/render"

	"molten/internal/actgraph"
	"molten/internal/output"
	"molten/internal/synth"
)

func cmdGraph(args []string) error {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	cfg := fs.Bool("cfg", false, "render the per-function CFG view")
	outDir := fs.String("out", "", "output directory for DOT files")
	if err := fs.Parse(args); err != nil {
		return err
	}

	f := synth.Demo()

	var name, dot string
	if *cfg {
		cg, err := actgraph.BuildCFG(&f.Act.Activation)
		if err != nil {
			return err
		}
		name, dot = "cfg", render.DOTCFG(cg, "activation")
	} else {
		g, err := actgraph.Build(&f.Act.Activation)
		if err != nil {
			return err
		}
		name, dot = "callgraph", render.DOT(g, "activation")
	}

	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", *outDir, err)
		}
		return output.WriteDOT(*outDir, name, dot)
	}
	fmt.Print(dot)
	return nil
}
