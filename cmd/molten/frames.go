package main

import (
	"flag"
	"fmt"
	"os"

	"molten/internal/frame"
	"molten/internal/output"
	"molten/internal/synth"
)

func cmdFrames(args []string) error {
	fs := flag.NewFlagSet("frames", flag.ExitOnError)
	inline := fs.Bool("inline", false, "expand inlined frames")
	regsDump := fs.Bool("regs", false, "dump the optimized frame's register state")
	outDir := fs.String("out", "", "output directory for frames.json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	f := synth.Demo()
	entries, err := collectFrames(f, *inline)
	if err != nil {
		return err
	}

	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", *outDir, err)
		}
		return output.WriteFramesJSON(*outDir, entries)
	}

	for _, e := range entries {
		indent := ""
		if e.Inlined {
			indent = "    "
		}
		fmt.Printf("%s%-10s fp=%#012x", indent, e.Kind, e.FP)
		if e.Script != "" {
			fmt.Printf("  %s pc %d", e.Script, e.PC)
		}
		if e.Size != 0 {
			fmt.Printf("  size %d", e.Size)
		}
		fmt.Println()
	}

	if *regsDump {
		st, err := f.Interrupt()
		if err != nil {
			return err
		}
		fmt.Println("optimized frame registers:")
		for _, r := range st.Machine.GPRs().Backward() {
			addr := st.Machine.GPRLocation(r)
			fmt.Printf("  x%-2d @ %#012x = %#016x\n", r, uint64(addr), f.Act.View.Uint64(addr))
		}
	}
	return nil
}

func collectFrames(f *synth.Fixture, expandInline bool) ([]output.FrameEntry, error) {
	var entries []output.FrameEntry
	it := frame.NewIterator(&f.Act.Activation)
	for {
		e := output.FrameEntry{
			FP:            uint64(it.FP()),
			Kind:          it.Kind().String(),
			ReturnAddress: uint64(it.ReturnAddressToFP()),
			Size:          it.FrameSize(),
		}
		switch it.Kind() {
		case frame.KindFastJS:
			e.Script = it.Script().Name
			e.PC = it.FastPC()
			entries = append(entries, e)
		case frame.KindOptJS, frame.KindBailout:
			e.Script = it.Script().Name
			entries = append(entries, e)
			if expandInline {
				inline, err := frame.NewInlineIterator(it)
				if err != nil {
					return nil, fmt.Errorf("inlined frames of %s: %w", it.Script().Name, err)
				}
				for {
					entries = append(entries, output.FrameEntry{
						FP:      uint64(it.FP()),
						Kind:    "inlined",
						Script:  inline.Script().Name,
						PC:      inline.PCOffset(),
						Inlined: true,
					})
					if !inline.More() {
						break
					}
					if err := inline.Next(); err != nil {
						return nil, fmt.Errorf("inlined frames of %s: %w", it.Script().Name, err)
					}
				}
			}
		default:
			entries = append(entries, e)
		}
		if it.Done() {
			return entries, nil
		}
		it.Next()
	}
}
