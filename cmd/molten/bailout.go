package main

import (
	"flag"
	"fmt"

	"molten/internal/synth"
)

func cmdBailout(args []string) error {
	fs := flag.NewFlagSet("bailout", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	f := synth.Demo()
	st, err := f.Interrupt()
	if err != nil {
		return err
	}
	fmt.Printf("interrupting opt:%s at fp %#x, snapshot %d\n",
		st.Code.Script.Name, uint64(st.FP), st.SnapshotOffset)

	rec, err := f.Eng.Bailout(f.Act, st)
	if err != nil {
		return err
	}
	fmt.Printf("bailed out %d logical frame(s), kind %v\n", rec.NumFrames, rec.Kind)
	fmt.Printf("resume fp %#x, resume address %#x, frame size %d\n",
		uint64(rec.ResumeFramePtr), uint64(rec.ResumeAddr), rec.ResumeFrameSize())
	if rec.SetR0 {
		fmt.Printf("R0 = %s\n", rec.ValueR0)
	}
	if rec.SetR1 {
		fmt.Printf("R1 = %s\n", rec.ValueR1)
	}

	fmt.Println("\nreconstructed stack:")
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
