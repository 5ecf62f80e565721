package insts

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders the instruction at the start of code in Intel
// syntax. It returns the text and the encoded length; undecodable bytes
// and lone prefixes are rendered as a single "db" byte.
func Disassemble(code []byte, pc uint32, code32 bool) (string, int) {
	if len(code) == 0 {
		return "??", 0
	}
	mode := 16
	if code32 {
		mode = 32
	}
	inst, err := x86asm.Decode(code, mode)
	if err != nil || inst.Len == 0 || inst.Op == 0 {
		return fmt.Sprintf("db 0x%02x", code[0]), 1
	}
	return strings.ToLower(x86asm.IntelSyntax(inst, uint64(pc), nil)), inst.Len
}

// Listing disassembles up to count instructions from code, one line per
// instruction prefixed with its address and encoded bytes.
func Listing(code []byte, pc uint32, code32 bool, count int) []string {
	var lines []string
	off := 0
	for i := 0; i < count && off < len(code); i++ {
		text, n := Disassemble(code[off:], pc+uint32(off), code32)
		lines = append(lines, fmt.Sprintf("%08x  %-20x  %s", pc+uint32(off), code[off:off+n], text))
		off += n
	}
	return lines
}
