// Package diag disassembles the instruction at a faulting task's saved
// program counter for inclusion in the router's Panic-path diagnostic
// dump (spec.md §7: "Panic halts the machine after printing
// diagnostics"). One disassembler per HAL backend mirrors the HAL's own
// per-arch split: golang.org/x/arch/x86/x86asm for the x86-like backend,
// golang.org/x/arch/arm64/arm64asm for the ARM-like one.
package diag

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Line is one disassembled instruction, ready to drop into a diagnostic
// dump: the address it was read from, its raw encoded bytes, and its
// rendered mnemonic form.
type Line struct {
	PC   uint64
	Raw  []byte
	Text string
}

// DisassembleX86 decodes one instruction from code (the bytes at the
// faulting PC, however many the caller could safely read — a page's
// worth is enough for any real x86 instruction) for the 32-bit x86-like
// backend. mode is the processor mode in bits (32, matching hal/x86's
// Capabilities().VirtAddrBits).
func DisassembleX86(pc uint64, code []byte, mode int) (Line, error) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return Line{}, fmt.Errorf("diag: x86 decode at %#x: %w", pc, err)
	}
	return Line{PC: pc, Raw: code[:inst.Len], Text: inst.String()}, nil
}

// DisassembleARM64 decodes one fixed-width instruction from code for the
// 64-bit ARM-like backend. Every A64 instruction is exactly 4 bytes, so
// unlike x86 there is no variable-length boundary to discover.
func DisassembleARM64(pc uint64, code []byte) (Line, error) {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return Line{}, fmt.Errorf("diag: arm64 decode at %#x: %w", pc, err)
	}
	return Line{PC: pc, Raw: code[:4], Text: inst.String()}, nil
}

// DumpX86 disassembles up to count consecutive instructions starting at
// pc, stopping early at the first decode error (a reasonable assumption
// the bytes ran out or code turned to data) rather than returning a
// partial error to the caller — a Panic-path diagnostic dump should show
// whatever it could read, never itself fail the panic it is documenting.
func DumpX86(pc uint64, code []byte, mode int, count int) []Line {
	var lines []Line
	offset := 0
	for i := 0; i < count && offset < len(code); i++ {
		ln, err := DisassembleX86(pc+uint64(offset), code[offset:], mode)
		if err != nil {
			break
		}
		lines = append(lines, ln)
		offset += len(ln.Raw)
	}
	return lines
}

// DumpARM64 is DumpX86's fixed-width-instruction counterpart.
func DumpARM64(pc uint64, code []byte, count int) []Line {
	var lines []Line
	offset := 0
	for i := 0; i < count && offset+4 <= len(code); i++ {
		ln, err := DisassembleARM64(pc+uint64(offset), code[offset:])
		if err != nil {
			break
		}
		lines = append(lines, ln)
		offset += 4
	}
	return lines
}
