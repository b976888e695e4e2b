// Package output writes runtime inspection results to files.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"molten/internal/disasm"
)

// FrameEntry is one frame of an activation walk, physical or inlined.
type FrameEntry struct {
	FP            uint64 `json:"fp"`
	Kind          string `json:"kind"`
	Script        string `json:"script,omitempty"`
	PC            uint32 `json:"pc,omitempty"`
	ReturnAddress uint64 `json:"return_address,omitempty"`
	Size          uint32 `json:"size,omitempty"`
	Inlined       bool   `json:"inlined,omitempty"`
}

// WriteFramesJSON writes an activation walk to frames.json.
func WriteFramesJSON(dir string, frames []FrameEntry) error {
	return writeJSON(filepath.Join(dir, "frames.json"), frames)
}

// ValueEntry is the decoded operand environment of one logical frame.
type ValueEntry struct {
	Script string   `json:"script"`
	PC     uint32   `json:"pc"`
	Values []string `json:"values"`
}

// WriteValuesJSON writes decoded snapshot values to values.json.
func WriteValuesJSON(dir string, values []ValueEntry) error {
	return writeJSON(filepath.Join(dir, "values.json"), values)
}

// WriteASM writes disassembled instructions to asm/<name>.txt.
func WriteASM(dir string, name string, insts []disasm.Inst, lookup disasm.SymbolLookup, annotators ...disasm.Annotator) error {
	path := filepath.Join(dir, "asm", name+".txt")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("output: mkdir asm: %w", err)
	}

	text := disasm.Format(insts, lookup, annotators...)
	return os.WriteFile(path, []byte(text), 0644)
}

// WriteASMSingle writes all instructions to a single asm.txt file.
func WriteASMSingle(dir string, insts []disasm.Inst, lookup disasm.SymbolLookup, annotators ...disasm.Annotator) error {
	path := filepath.Join(dir, "asm.txt")
	text := disasm.Format(insts, lookup, annotators...)
	return os.WriteFile(path, []byte(text), 0644)
}

// WriteDOT writes rendered graph output to <name>.dot.
func WriteDOT(dir, name, dot string) error {
	return os.WriteFile(filepath.Join(dir, name+".dot"), []byte(dot), 0644)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("output: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("output: encode %s: %w", path, err)
	}
	return nil
}
