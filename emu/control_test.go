package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/emu"
	"github.com/sarchlab/x86sim/insts"
)

var _ = Describe("Control transfer and stack", func() {
	var (
		r *rig
		c *emu.CPU
	)

	BeforeEach(func() {
		r = newRig()
		c = r.cpu
	})

	It("should call and return", func() {
		r.run(
			0xE8, 0x01, 0x00, 0x00, 0x00, // call +1
			0xF4, // hlt
			0x40, // inc eax
			0xC3, // ret
		)
		Expect(c.EIP).To(Equal(uint32(codeBase + 6)))
		Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(1)))
		Expect(c.Regs.R[emu.ESP]).To(Equal(uint32(userStack)))
	})

	It("should release arguments with RET imm16", func() {
		r.run(
			0x6A, 0x07, // push 7
			0xE8, 0x01, 0x00, 0x00, 0x00, // call +1
			0xF4,                   // hlt
			0x8B, 0x44, 0x24, 0x04, // mov eax, [esp+4]
			0xC2, 0x04, 0x00, // ret 4
		)
		Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(7)))
		Expect(c.Regs.R[emu.ESP]).To(Equal(uint32(userStack)))
	})

	It("should jump and call indirectly", func() {
		r.mem.Write32(0x10000, codeBase+0x20)
		r.load(codeBase+0x20, 0x43, 0xC3) // inc ebx; ret
		r.load(codeBase+0x30, 0xF4)
		r.run(
			0xFF, 0x15, 0x00, 0x00, 0x01, 0x00, // call [0x10000]
			0xB8, 0x30, 0x10, 0x00, 0x00, // mov eax, codeBase+0x30
			0xFF, 0xE0, // jmp eax
		)
		Expect(c.Regs.R[emu.EBX]).To(Equal(uint32(1)))
		Expect(c.EIP).To(Equal(uint32(codeBase + 0x31)))
	})

	DescribeTable("conditional jumps",
		func(eax, ebx uint32, jcc byte, taken bool) {
			c.Regs.R[emu.EAX] = eax
			c.Regs.R[emu.EBX] = ebx
			r.run(
				0x39, 0xD8, // cmp eax, ebx
				jcc, 0x01, // jcc +1
				0xF4, // not taken
				0xF4, // taken
			)
			if taken {
				Expect(c.EIP).To(Equal(uint32(codeBase + 6)))
			} else {
				Expect(c.EIP).To(Equal(uint32(codeBase + 5)))
			}
		},
		Entry("je equal", uint32(5), uint32(5), byte(0x74), true),
		Entry("jne equal", uint32(5), uint32(5), byte(0x75), false),
		Entry("jb below", uint32(1), uint32(2), byte(0x72), true),
		Entry("ja below", uint32(1), uint32(2), byte(0x77), false),
		Entry("jl signed less", uint32(0xFFFFFFFF), uint32(1), byte(0x7C), true),
		Entry("jb unsigned above", uint32(0xFFFFFFFF), uint32(1), byte(0x72), false),
		Entry("jg signed greater", uint32(1), uint32(0xFFFFFFFF), byte(0x7F), true),
		Entry("jle equal", uint32(3), uint32(3), byte(0x7E), true),
		Entry("jo overflow", uint32(0x80000000), uint32(1), byte(0x70), true),
		Entry("js negative", uint32(0), uint32(1), byte(0x78), true),
		Entry("jp even parity", uint32(3), uint32(0), byte(0x7A), true),
	)

	It("should take near jumps with 32-bit displacements", func() {
		r.run(
			0x0F, 0x84, 0x01, 0x00, 0x00, 0x00, // jz +1 (ZF clear after reset)
			0x90,                         // nop
			0xE9, 0x01, 0x00, 0x00, 0x00, // jmp +1
			0x90, // skipped
			0xF4,
		)
		Expect(c.EIP).To(Equal(uint32(codeBase + 14)))
	})

	It("should skip the loop on JECXZ", func() {
		r.run(
			0x31, 0xC9, // xor ecx, ecx
			0xE3, 0x01, // jecxz +1
			0x40, // inc eax
			0xF4,
		)
		Expect(c.Regs.R[emu.EAX]).To(BeZero())
	})

	It("should save and restore all registers", func() {
		for i := range c.Regs.R {
			c.Regs.R[i] = uint32(i+1) * 0x1111
		}
		c.Regs.R[emu.ESP] = userStack
		before := c.Regs
		r.run(
			0x60,       // pusha
			0x31, 0xC0, // xor eax, eax
			0x31, 0xF6, // xor esi, esi
			0x61, // popa
			0xF4,
		)
		Expect(c.Regs).To(Equal(before))
		Expect(r.mem.Read32(userStack - 4)).To(Equal(before.R[emu.EAX]))
		Expect(r.mem.Read32(userStack - 20)).To(Equal(uint32(userStack)))
	})

	It("should build and tear down a frame with ENTER and LEAVE", func() {
		c.Regs.R[emu.EBP] = 0x1234
		r.run(
			0xC8, 0x10, 0x00, 0x00, // enter 16, 0
			0x89, 0xE8, // mov eax, ebp
			0x89, 0xE3, // mov ebx, esp
			0xC9, // leave
			0xF4,
		)
		Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(userStack - 4)))
		Expect(c.Regs.R[emu.EBX]).To(Equal(uint32(userStack - 20)))
		Expect(c.Regs.R[emu.EBP]).To(Equal(uint32(0x1234)))
		Expect(c.Regs.R[emu.ESP]).To(Equal(uint32(userStack)))
	})

	It("should push and pop segment registers", func() {
		r.run(
			0x1E,       // push ds
			0x0F, 0xA9, // pop gs
			0xF4,
		)
		Expect(c.Segs[emu.GS].Selector).To(Equal(uint16(selKernelData)))
		Expect(c.Regs.R[emu.ESP]).To(Equal(uint32(userStack)))
	})

	It("should compute POP [ESP] with the incremented stack pointer", func() {
		r.run(
			0x68, 0x78, 0x56, 0x34, 0x12, // push 0x12345678
			0x6A, 0x00, // push 0
			0x8F, 0x04, 0x24, // pop [esp]
			0x58, // pop eax
			0xF4,
		)
		Expect(c.Regs.R[emu.EAX]).To(BeZero())
	})

	It("should push 16-bit values under an operand-size prefix", func() {
		r.run(
			0x66, 0x68, 0xCD, 0xAB, // push word 0xabcd
			0xF4,
		)
		Expect(c.Regs.R[emu.ESP]).To(Equal(uint32(userStack - 2)))
		Expect(r.mem.Read16(userStack - 2)).To(Equal(uint16(0xABCD)))
	})

	It("should exchange and translate", func() {
		r.mem.Write8(0x10005, 0x99)
		r.run(
			0xB8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
			0xBB, 0x00, 0x00, 0x01, 0x00, // mov ebx, 0x10000
			0xD7,       // xlat
			0x87, 0xD8, // xchg eax, ebx
			0xF4,
		)
		Expect(c.Regs.R[emu.EBX]).To(Equal(uint32(0x99)))
		Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(0x10000)))
	})

	It("should raise #UD when moving into CS", func() {
		r.run(0x8E, 0xC8) // mov cs, ax
		r.expectHandled(emu.VecUD)
	})

	It("should raise #UD for LEA with a register operand", func() {
		r.run(0x8D, 0xC0) // lea eax, eax
		r.expectHandled(emu.VecUD)
	})

	It("should report which opcodes are implemented", func() {
		Expect(emu.Implemented(0x90)).To(BeTrue())
		Expect(emu.Implemented(insts.TwoByte | 0xA2)).To(BeTrue())
		Expect(emu.Implemented(insts.TwoByte | 0xFF)).To(BeFalse())
	})
})
