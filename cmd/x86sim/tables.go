package main

import (
	"encoding/binary"
	"fmt"

	"github.com/xlab/treeprint"

	"github.com/sarchlab/x86sim/emu"
	"github.com/sarchlab/x86sim/mmu"
)

var systemTypes = map[uint8]string{
	0x1: "tss16 available",
	0x2: "ldt",
	0x3: "tss16 busy",
	0x4: "call gate16",
	0x5: "task gate",
	0x6: "interrupt gate16",
	0x7: "trap gate16",
	0x9: "tss32 available",
	0xB: "tss32 busy",
	0xC: "call gate32",
	0xE: "interrupt gate32",
	0xF: "trap gate32",
}

func isGate(d emu.Descriptor) bool {
	switch d.Type() {
	case 0x4, 0x5, 0x6, 0x7, 0xC, 0xE, 0xF:
		return d.System()
	}
	return false
}

// describe renders one descriptor on a single line.
func describe(d emu.Descriptor) string {
	present := "P"
	if !d.Present() {
		present = "NP"
	}

	if d.System() {
		name, ok := systemTypes[d.Type()]
		if !ok {
			return fmt.Sprintf("reserved type %x %s", d.Type(), present)
		}
		if isGate(d) {
			s := fmt.Sprintf("%s -> %04x:%08x dpl=%d %s", name, d.GateSelector(), d.GateOffset(), d.DPL(), present)
			if d.Type()&7 == 4 {
				s += fmt.Sprintf(" params=%d", d.GateParams())
			}
			return s
		}
		return fmt.Sprintf("%s base=%08x limit=%08x dpl=%d %s", name, d.Base(), d.Limit(), d.DPL(), present)
	}

	kind := "data"
	switch {
	case d.Code() && d.Conforming():
		kind = "code conforming"
	case d.Code():
		kind = "code"
	}
	access := ""
	if d.Readable() {
		access += "r"
	}
	if d.Writable() {
		access += "w"
	}
	if d.Code() {
		access += "x"
	}
	return fmt.Sprintf("%s base=%08x limit=%08x dpl=%d %s %s", kind, d.Base(), d.Limit(), d.DPL(), access, present)
}

// readDescriptors reads a descriptor table through the CPU's current
// translation without side effects. Unmapped entries stop the read.
func readDescriptors(c *emu.CPU, table emu.TableRegister) []emu.Descriptor {
	n := (uint32(table.Limit) + 1) / 8
	buf := make([]byte, n*8)
	got := c.Translator().Peek(table.Base, buf) / 8

	descs := make([]emu.Descriptor, got)
	for i := range descs {
		descs[i] = emu.Descriptor{
			Low:  binary.LittleEndian.Uint32(buf[i*8:]),
			High: binary.LittleEndian.Uint32(buf[i*8+4:]),
		}
	}
	return descs
}

// gdtTree lists the non-null GDT entries by selector.
func gdtTree(c *emu.CPU) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("GDT base=%08x limit=%04x", c.GDTR.Base, c.GDTR.Limit))
	for i, d := range readDescriptors(c, c.GDTR) {
		if i == 0 || d.Low == 0 && d.High == 0 {
			continue
		}
		tree.AddMetaNode(fmt.Sprintf("%04x", i*8), describe(d))
	}
	return tree
}

// idtTree lists the non-empty IDT entries by vector.
func idtTree(c *emu.CPU) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("IDT base=%08x limit=%04x", c.IDTR.Base, c.IDTR.Limit))
	for v, d := range readDescriptors(c, c.IDTR) {
		if d.Low == 0 && d.High == 0 {
			continue
		}
		tree.AddMetaNode(fmt.Sprintf("%02x", v), describe(d))
	}
	return tree
}

func pageFlags(e uint32) string {
	s := "r"
	if e&mmu.PTEWrite != 0 {
		s = "rw"
	}
	if e&mmu.PTEUser != 0 {
		return s + " user"
	}
	return s + " supervisor"
}

// mappingRun is a range of linear pages mapped contiguously with the same
// permissions.
type mappingRun struct {
	lin, phys, size uint32
	flags           string
}

func (r mappingRun) String() string {
	return fmt.Sprintf("%08x-%08x -> %08x %s", r.lin, r.lin+r.size-1, r.phys, r.flags)
}

// pagesTree walks the page directory at CR3 and lists each present
// directory entry with its mappings folded into contiguous runs.
func pagesTree(c *emu.CPU) treeprint.Tree {
	tree := treeprint.New()
	if c.CR0&emu.CR0PG == 0 {
		tree.SetValue("paging disabled")
		return tree
	}
	tree.SetValue(fmt.Sprintf("page directory %08x", c.CR3&^mmu.PageMask))

	mem := c.Translator().Memory()
	dir := c.CR3 &^ mmu.PageMask
	for i := uint32(0); i < 1024; i++ {
		pde := mem.Read32(dir + i*4)
		if pde&mmu.PTEPresent == 0 {
			continue
		}
		lin := i << 22

		if pde&mmu.PDELarge != 0 && c.CR4&emu.CR4PSE != 0 {
			run := mappingRun{lin: lin, phys: pde &^ 0x3FFFFF, size: 4 << 20, flags: pageFlags(pde)}
			tree.AddMetaNode(fmt.Sprintf("pde %03x", i), "4M "+run.String())
			continue
		}

		table := pde &^ mmu.PageMask
		branch := tree.AddMetaBranch(fmt.Sprintf("pde %03x", i), fmt.Sprintf("table %08x %s", table, pageFlags(pde)))
		var cur *mappingRun
		for j := uint32(0); j < 1024; j++ {
			pte := mem.Read32(table + j*4)
			if pte&mmu.PTEPresent == 0 {
				if cur != nil {
					branch.AddNode(cur.String())
					cur = nil
				}
				continue
			}
			page := lin | j<<12
			phys := pte &^ mmu.PageMask
			flags := pageFlags(pte)
			if cur != nil && cur.phys+cur.size == phys && cur.flags == flags {
				cur.size += mmu.PageSize
				continue
			}
			if cur != nil {
				branch.AddNode(cur.String())
			}
			cur = &mappingRun{lin: page, phys: phys, size: mmu.PageSize, flags: flags}
		}
		if cur != nil {
			branch.AddNode(cur.String())
		}
	}
	return tree
}
