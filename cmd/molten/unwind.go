package main

import (
	"flag"
	"fmt"

	"molten/internal/synth"
	"molten/internal/unwind"
	"molten/internal/value"
)

func cmdUnwind(args []string) error {
	fs := flag.NewFlagSet("unwind", flag.ExitOnError)
	debug := fs.Bool("debug", false, "unwind in debug mode")
	if err := fs.Parse(args); err != nil {
		return err
	}

	f := synth.Demo()

	// Throw a string exception from the interruption point. Outer's try
	// region covers the inlined call, so the unwind lands in its
	// handler.
	exc := value.StringValue(uint64(f.P.AllocObject()))
	res := f.Eng.HandleException(f.Act, exc, &unwind.Context{DebugMode: *debug})

	fmt.Printf("resume: %v\n", res.Kind)
	if res.Target != 0 {
		fmt.Printf("target %#x\n", uint64(res.Target))
	}
	fmt.Printf("fp %#x, sp %#x\n", uint64(res.FramePointer), uint64(res.StackPointer))
	if res.HasException {
		fmt.Printf("pending exception: %s\n", res.Exception)
	}
	if res.Record != nil {
		fmt.Printf("exception bailout: %d frame(s), resume address %#x\n",
			res.Record.NumFrames, uint64(res.Record.ResumeAddr))
	}

	fmt.Println("\nstack after unwind:")
	entries, err := collectFrames(f, false)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("  %-10s fp=%#012x", e.Kind, e.FP)
		if e.Script != "" {
			fmt.Printf("  %s pc %d", e.Script, e.PC)
		}
		fmt.Println()
	}
	return nil
}
