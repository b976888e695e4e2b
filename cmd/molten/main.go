package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "frames":
		err = cmdFrames(os.Args[2:])
	case "values":
		err = cmdValues(os.Args[2:])
	case "bailout":
		err = cmdBailout(os.Args[2:])
	case "unwind":
		err = cmdUnwind(os.Args[2:])
	case "graph":
		err = cmdGraph(os.Args[2:])
	case "disasm":
		err = cmdDisasm(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `molten — tiered-runtime stack inspector

Commands run against a built-in demo world: three compiled functions
stopped inside optimized code with one inlined call.

Usage:
  molten frames  [--inline] [--regs] [--out <dir>]   Walk the activation's frames
  molten values  [--out <dir>]                       Decode snapshot values per logical frame
  molten bailout                                     Bail the optimized frame out and walk the result
  molten unwind  [--debug]                           Throw through the activation and report the resume
  molten graph   [--cfg] [--out <dir>]               Render the activation as DOT
  molten disasm  [--out <dir>]                       Disassemble the compiled blobs

Flags:
  --out <dir>    Write files instead of printing to stdout
  --inline       Expand inlined frames in the walk
  --regs         Dump the recovered register state of the optimized frame
  --cfg          Render the per-function CFG view instead of the call graph
  --debug        Unwind in debug mode (handlers enter on rebuilt frames)
`)
}
