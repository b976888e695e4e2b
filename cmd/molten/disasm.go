package main

import (
	"flag"
	"fmt"
	"os"

	"molten/internal/code"
	"molten/internal/disasm"
	"molten/internal/output"
	"molten/internal/synth"
)

func cmdDisasm(args []string) error {
	fs := flag.NewFlagSet("disasm", flag.ExitOnError)
	outDir := fs.String("out", "", "output directory for asm dumps")
	if err := fs.Parse(args); err != nil {
		return err
	}

	f := synth.Demo()
	syms := disasm.RegistrySymbols(f.P.Reg)

	type blob struct {
		name string
		base uint64
		data []byte
		ann  disasm.Annotator
	}
	var blobs []blob
	f.P.Reg.EachFast(func(fc *code.FastCode) {
		blobs = append(blobs, blob{
			name: "fast_" + fc.Script.Name,
			base: uint64(fc.Code.Start),
			data: fc.Bytes,
			ann:  disasm.FastAnnotator(fc),
		})
	})
	f.P.Reg.EachOpt(func(oc *code.OptCode) {
		blobs = append(blobs, blob{
			name: "opt_" + oc.Script.Name,
			base: uint64(oc.Code.Start),
			data: oc.Bytes,
			ann:  disasm.OptAnnotator(oc),
		})
	})

	for _, b := range blobs {
		if b.data == nil {
			continue
		}
		insts := disasm.Disassemble(b.data, disasm.Options{BaseAddr: b.base})
		if *outDir != "" {
			if err := output.WriteASM(*outDir, b.name, insts, syms, b.ann); err != nil {
				return err
			}
			continue
		}
		fmt.Printf("== %s ==\n", b.name)
		fmt.Print(disasm.Format(insts, syms, b.ann))
		fmt.Println()
	}

	if *outDir != "" {
		fmt.Fprintf(os.Stderr, "wrote %d asm dumps to %s\n", len(blobs), *outDir)
	}
	return nil
}
