package main

import (
	"flag"
	"fmt"
	"os"

	"molten/internal/frame"
	"molten/internal/output"
	"molten/internal/synth"
)

func cmdValues(args []string) error {
	fs := flag.NewFlagSet("values", flag.ExitOnError)
	outDir := fs.String("out", "", "output directory for values.json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	f := synth.Demo()

	// Settle on the optimized frame and decode every logical frame's
	// environment from its snapshot.
	it := frame.NewIterator(&f.Act.Activation)
	for it.Kind() != frame.KindOptJS {
		if it.Done() {
			return fmt.Errorf("no optimized frame on the stack")
		}
		it.Next()
	}

	si, err := it.SnapshotIterator()
	if err != nil {
		return fmt.Errorf("open snapshot of %s: %w", it.Script().Name, err)
	}
	if err := si.SettleOnFrame(); err != nil {
		return err
	}

	inline, err := frame.NewInlineIterator(it)
	if err != nil {
		return err
	}
	// Logical frame names run outermost first in the snapshot; the
	// inline iterator settles innermost, so collect names outward and
	// index from the back.
	var names []string
	for {
		names = append(names, inline.Script().Name)
		if !inline.More() {
			break
		}
		if err := inline.Next(); err != nil {
			return err
		}
	}

	fb := f.Act.Fallback()
	var entries []output.ValueEntry
	frameNo := 0
	for {
		e := output.ValueEntry{
			Script: names[len(names)-1-frameNo],
			PC:     si.PCOffset(),
		}
		for si.MoreAllocations() {
			v, err := si.MaybeRead(fb)
			if err != nil {
				return fmt.Errorf("read slot of %s: %w", e.Script, err)
			}
			e.Values = append(e.Values, v.String())
		}
		entries = append(entries, e)
		if !si.MoreFrames() {
			break
		}
		if err := si.NextFrame(); err != nil {
			return err
		}
		frameNo++
	}

	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", *outDir, err)
		}
		return output.WriteValuesJSON(*outDir, entries)
	}

	for _, e := range entries {
		fmt.Printf("%s pc %d:\n", e.Script, e.PC)
		for i, v := range e.Values {
			fmt.Printf("  [%d] %s\n", i, v)
		}
	}
	return nil
}
