package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/emu"
)

var _ = Describe("Segmentation", func() {
	var (
		r *rig
		c *emu.CPU
	)

	BeforeEach(func() {
		r = newRig()
		c = r.cpu
	})

	Context("when loading data segments", func() {
		It("should fault with #GP before a privilege violation changes anything", func() {
			r.enterUser()
			r.run(
				0xB8, 0x10, 0x00, 0x00, 0x00, // mov eax, kernel data
				0x8E, 0xD8, // mov ds, ax
				0xF4,
			)
			r.expectHandled(emu.VecGP)
			Expect(c.Segs[emu.DS].Selector).To(Equal(uint16(selUserData)))
			Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(selKernelData)))
			Expect(r.stack(0)).To(Equal(uint32(selKernelData)))
			Expect(r.stack(1)).To(Equal(uint32(codeBase + 5)))
		})

		It("should load a null selector into DS", func() {
			r.run(
				0x31, 0xC0, // xor eax, eax
				0x8E, 0xD8, // mov ds, ax
				0xF4,
			)
			Expect(c.Halted).To(BeTrue())
			Expect(c.EIP).To(Equal(uint32(codeBase + 5)))
			Expect(c.Segs[emu.DS]).To(Equal(emu.Segment{}))
		})

		It("should reject a null stack segment", func() {
			r.run(
				0x31, 0xC0, // xor eax, eax
				0x8E, 0xD0, // mov ss, ax
				0xF4,
			)
			r.expectHandled(emu.VecGP)
			Expect(c.Segs[emu.SS].Selector).To(Equal(uint16(selKernelData)))
			Expect(r.stack(0)).To(BeZero())
			Expect(r.stack(1)).To(Equal(uint32(codeBase + 2)))
		})

		It("should set the accessed bit of a loaded descriptor", func() {
			r.run(
				0xB8, 0x10, 0x00, 0x00, 0x00, // mov eax, kernel data
				0x8E, 0xE0, // mov fs, ax
				0xF4,
			)
			Expect(r.mem.Read32(gdtBase+selKernelData+4) & 0x100).To(Equal(uint32(0x100)))
			Expect(c.Segs[emu.FS].Limit).To(Equal(uint32(0xFFFFFFFF)))
		})

		It("should report #GP for a selector beyond the GDT limit", func() {
			r.run(
				0xB8, 0x80, 0x00, 0x00, 0x00, // mov eax, 0x80
				0x8E, 0xE8, // mov gs, ax
				0xF4,
			)
			r.expectHandled(emu.VecGP)
			Expect(r.stack(0)).To(Equal(uint32(0x80)))
		})
	})

	Context("when transferring control far", func() {
		It("should fault with #NP naming a not-present code segment", func() {
			r.run(0xEA, 0x00, 0x20, 0x00, 0x00, selAbsent, 0x00) // jmp 0x30:0x2000
			r.expectHandled(emu.VecNP)
			Expect(r.stack(0)).To(Equal(uint32(selAbsent)))
			Expect(r.stack(1)).To(Equal(uint32(codeBase)))
			Expect(c.Segs[emu.CS].Selector).To(Equal(uint16(selKernelCode)))
		})

		It("should jump to a present code segment", func() {
			r.load(codeBase+0x10, 0xF4)
			r.run(0xEA, 0x10, 0x10, 0x00, 0x00, selKernelCode, 0x00) // jmp 0x08:0x1010
			Expect(c.Halted).To(BeTrue())
			Expect(c.EIP).To(Equal(uint32(codeBase + 0x11)))
		})

		It("should reject a far call into a data segment", func() {
			r.run(0x9A, 0x00, 0x00, 0x00, 0x00, selKernelData, 0x00) // call 0x10:0
			r.expectHandled(emu.VecGP)
			Expect(r.stack(0)).To(Equal(uint32(selKernelData)))
		})

		It("should call through a gate onto the inner stack and return", func() {
			const kernelEntry = codeBase + 0x100
			gate := uint32(kernelEntry)
			r.mem.Write32(gdtBase+0x38, gate&0xFFFF|selKernelCode<<16)
			r.mem.Write32(gdtBase+0x3C, gate&0xFFFF0000|0xEC00|1)
			r.load(kernelEntry,
				0x8B, 0x44, 0x24, 0x08, // mov eax, [esp+8]
				0xCA, 0x04, 0x00, // retf 4
			)

			r.enterUser()
			r.run(
				0x68, 0x34, 0x12, 0x00, 0x00, // push 0x1234
				0x9A, 0x00, 0x00, 0x00, 0x00, selCallGate, 0x00, // call gate
				0xF4, // hlt faults at CPL 3
			)
			r.expectHandled(emu.VecGP)
			Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(0x1234)))
			Expect(r.stack(1)).To(Equal(uint32(codeBase + 12)))
			Expect(r.stack(2)).To(Equal(uint32(selUserCode)))
			Expect(r.stack(4)).To(Equal(uint32(userStack)))
			Expect(r.stack(5)).To(Equal(uint32(selUserData)))
		})
	})

	Context("when inspecting descriptors", func() {
		It("should report limits and access rights", func() {
			r.run(
				0xB8, selUserData, 0x00, 0x00, 0x00, // mov eax, user data
				0x0F, 0x03, 0xD8, // lsl ebx, eax
				0x0F, 0x02, 0xC8, // lar ecx, eax
				0xF4,
			)
			Expect(c.Regs.R[emu.EBX]).To(Equal(uint32(0xFFFFFFFF)))
			Expect(c.Regs.R[emu.ECX]).To(Equal(uint32(userDataFlags)))
			Expect(c.EFLAGS() & emu.FlagZF).To(Equal(emu.FlagZF))
		})

		It("should clear ZF when verifying a code segment for writing", func() {
			r.run(
				0xB8, selKernelCode, 0x00, 0x00, 0x00, // mov eax, kernel code
				0x0F, 0x00, 0xE8, // verw ax
				0xF4,
			)
			Expect(c.EFLAGS() & emu.FlagZF).To(BeZero())
		})

		It("should round-trip the GDT register", func() {
			r.mem.Write16(0x10000, 0x47)
			r.mem.Write32(0x10002, gdtBase)
			r.run(
				0x0F, 0x01, 0x15, 0x00, 0x00, 0x01, 0x00, // lgdt [0x10000]
				0x0F, 0x01, 0x05, 0x00, 0x01, 0x01, 0x00, // sgdt [0x10100]
				0xF4,
			)
			Expect(r.mem.Read16(0x10100)).To(Equal(uint16(0x47)))
			Expect(r.mem.Read32(0x10102)).To(Equal(uint32(gdtBase)))
		})

		It("should refuse LGDT outside ring 0", func() {
			r.enterUser()
			r.run(0x0F, 0x01, 0x15, 0x00, 0x00, 0x01, 0x00) // lgdt [0x10000]
			r.expectHandled(emu.VecGP)
			Expect(c.GDTR.Base).To(Equal(uint32(gdtBase)))
		})
	})
})
