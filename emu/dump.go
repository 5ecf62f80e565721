package emu

import (
	"fmt"
	"strings"

	"github.com/sarchlab/x86sim/insts"
)

var regNames = [8]string{"EAX", "ECX", "EDX", "EBX", "ESP", "EBP", "ESI", "EDI"}

var flagNames = []struct {
	bit  uint32
	name string
}{
	{FlagID, "ID"}, {FlagAC, "AC"}, {FlagVM, "VM"}, {FlagRF, "RF"},
	{FlagNT, "NT"}, {FlagOF, "OF"}, {FlagDF, "DF"}, {FlagIF, "IF"},
	{FlagTF, "TF"}, {FlagSF, "SF"}, {FlagZF, "ZF"}, {FlagAF, "AF"},
	{FlagPF, "PF"}, {FlagCF, "CF"},
}

// FlagString renders the set bits of an EFLAGS value and its IOPL.
func FlagString(v uint32) string {
	var parts []string
	for _, f := range flagNames {
		if v&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	parts = append(parts, fmt.Sprintf("IOPL=%d", (v>>12)&3))
	return strings.Join(parts, " ")
}

// Dump renders the architectural registers and the next instruction. It
// does not change any processor, TLB or guest page-table state.
func (c *CPU) Dump() string {
	var b strings.Builder

	for i, name := range regNames {
		fmt.Fprintf(&b, "%s=%08x", name, c.Regs.R[i])
		if i%4 == 3 {
			b.WriteByte('\n')
		} else {
			b.WriteByte(' ')
		}
	}

	fl := c.EFLAGS()
	fmt.Fprintf(&b, "EIP=%08x EFL=%08x [%s] CPL=%d\n", c.EIP, fl, FlagString(fl), c.CPL)

	for i, name := range segNames {
		s := c.Segs[i]
		fmt.Fprintf(&b, "%s=%04x base=%08x limit=%08x flags=%08x\n",
			name, s.Selector, s.Base, s.Limit, s.Flags)
	}
	fmt.Fprintf(&b, "LDT=%04x base=%08x limit=%08x\n", c.LDTR.Selector, c.LDTR.Base, c.LDTR.Limit)
	fmt.Fprintf(&b, "TR =%04x base=%08x limit=%08x\n", c.TR.Selector, c.TR.Base, c.TR.Limit)
	fmt.Fprintf(&b, "GDT=%08x:%04x IDT=%08x:%04x\n", c.GDTR.Base, c.GDTR.Limit, c.IDTR.Base, c.IDTR.Limit)
	fmt.Fprintf(&b, "CR0=%08x CR2=%08x CR3=%08x CR4=%08x\n", c.CR0, c.CR2, c.CR3, c.CR4)
	fmt.Fprintf(&b, "DR6=%08x DR7=%08x cycles=%d halted=%v\n", c.DR[6], c.DR[7], c.Cycles, c.Halted)

	fmt.Fprintf(&b, "%04x:%08x  %s\n", c.Segs[CS].Selector, c.EIP, c.NextInstruction())
	return b.String()
}

// NextInstruction disassembles the instruction at CS:EIP without side
// effects.
func (c *CPU) NextInstruction() string {
	var buf [insts.MaxLength]byte
	n := c.tr.Peek(c.Segs[CS].Base+c.EIP, buf[:])
	if n == 0 {
		return "<unmapped>"
	}
	text, _ := insts.Disassemble(buf[:n], c.EIP, c.Code32())
	return text
}
