package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/emu"
)

var _ = Describe("Integer instructions", func() {
	var (
		r *rig
		c *emu.CPU
	)

	BeforeEach(func() {
		r = newRig()
		c = r.cpu
	})

	flags := func() uint32 {
		return c.EFLAGS() & emu.ArithFlags
	}

	It("should wrap ADD and set carry and zero", func() {
		r.run(
			0xB8, 0xFF, 0xFF, 0xFF, 0xFF, // mov eax, -1
			0x83, 0xC0, 0x01, // add eax, 1
			0xF4,
		)
		Expect(c.Regs.R[emu.EAX]).To(BeZero())
		Expect(flags()).To(Equal(emu.FlagCF | emu.FlagZF | emu.FlagPF | emu.FlagAF))
	})

	It("should keep carry across INC", func() {
		r.run(
			0xB8, 0xFF, 0xFF, 0xFF, 0x7F, // mov eax, 0x7fffffff
			0xF9, // stc
			0x40, // inc eax
			0xF4,
		)
		Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(0x80000000)))
		Expect(flags() & (emu.FlagCF | emu.FlagOF | emu.FlagSF)).
			To(Equal(emu.FlagCF | emu.FlagOF | emu.FlagSF))
	})

	It("should chain ADC across a 64-bit add", func() {
		r.run(
			0xB8, 0xFF, 0xFF, 0xFF, 0xFF, // mov eax, 0xffffffff
			0xBA, 0x01, 0x00, 0x00, 0x00, // mov edx, 1
			0x83, 0xC0, 0x01, // add eax, 1
			0x83, 0xD2, 0x00, // adc edx, 0
			0xF4,
		)
		Expect(c.Regs.R[emu.EAX]).To(BeZero())
		Expect(c.Regs.R[emu.EDX]).To(Equal(uint32(2)))
	})

	It("should sum with LOOP", func() {
		r.run(
			0x31, 0xC0, // xor eax, eax
			0xB9, 0x0A, 0x00, 0x00, 0x00, // mov ecx, 10
			0x01, 0xC8, // add eax, ecx
			0xE2, 0xFC, // loop -4
			0xF4,
		)
		Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(55)))
		Expect(c.Regs.R[emu.ECX]).To(BeZero())
	})

	It("should report a significant high half of MUL", func() {
		r.run(
			0xB8, 0x00, 0x00, 0x01, 0x00, // mov eax, 0x10000
			0xBB, 0x00, 0x00, 0x01, 0x00, // mov ebx, 0x10000
			0xF7, 0xE3, // mul ebx
			0xF4,
		)
		Expect(c.Regs.R[emu.EAX]).To(BeZero())
		Expect(c.Regs.R[emu.EDX]).To(Equal(uint32(1)))
		Expect(flags() & (emu.FlagCF | emu.FlagOF)).To(Equal(emu.FlagCF | emu.FlagOF))
	})

	It("should divide EDX:EAX", func() {
		r.run(
			0xBA, 0x01, 0x00, 0x00, 0x00, // mov edx, 1
			0xB8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
			0xB9, 0x02, 0x00, 0x00, 0x00, // mov ecx, 2
			0xF7, 0xF1, // div ecx
			0xF4,
		)
		Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(0x80000002)))
		Expect(c.Regs.R[emu.EDX]).To(Equal(uint32(1)))
	})

	It("should raise #DE for a zero divisor without changing registers", func() {
		r.run(
			0x31, 0xC9, // xor ecx, ecx
			0xB8, 0x07, 0x00, 0x00, 0x00, // mov eax, 7
			0xF7, 0xF1, // div ecx
			0xF4,
		)
		r.expectHandled(emu.VecDE)
		Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(7)))
		Expect(r.stack(0)).To(Equal(uint32(codeBase + 7)))
		Expect(r.stack(1)).To(Equal(uint32(selKernelCode)))
	})

	It("should raise #DE when the quotient overflows", func() {
		r.run(
			0xBA, 0x02, 0x00, 0x00, 0x00, // mov edx, 2
			0xB9, 0x02, 0x00, 0x00, 0x00, // mov ecx, 2
			0xF7, 0xF1, // div ecx
			0xF4,
		)
		r.expectHandled(emu.VecDE)
		Expect(c.Regs.R[emu.EDX]).To(Equal(uint32(2)))
	})

	It("should sign-divide with IDIV", func() {
		r.run(
			0xB8, 0xF9, 0xFF, 0xFF, 0xFF, // mov eax, -7
			0x99,                         // cdq
			0xB9, 0x02, 0x00, 0x00, 0x00, // mov ecx, 2
			0xF7, 0xF9, // idiv ecx
			0xF4,
		)
		Expect(int32(c.Regs.R[emu.EAX])).To(Equal(int32(-3)))
		Expect(int32(c.Regs.R[emu.EDX])).To(Equal(int32(-1)))
	})

	It("should multiply with three-operand IMUL", func() {
		r.run(
			0xBB, 0xFD, 0xFF, 0xFF, 0xFF, // mov ebx, -3
			0x6B, 0xC3, 0x07, // imul eax, ebx, 7
			0xF4,
		)
		Expect(int32(c.Regs.R[emu.EAX])).To(Equal(int32(-21)))
		Expect(flags() & emu.FlagCF).To(BeZero())
	})

	It("should adjust packed BCD after an add", func() {
		r.run(
			0xB0, 0x15, // mov al, 0x15
			0x04, 0x27, // add al, 0x27
			0x27, // daa
			0xF4,
		)
		Expect(c.Regs.Read8(0)).To(Equal(uint8(0x42)))
		Expect(flags() & emu.FlagCF).To(BeZero())
	})

	It("should split AL with AAM and rejoin it with AAD", func() {
		r.run(
			0xB0, 0x3F, // mov al, 63
			0xD4, 0x0A, // aam
			0x66, 0x89, 0xC3, // mov bx, ax
			0xD5, 0x0A, // aad
			0xF4,
		)
		Expect(c.Regs.Read16(emu.EBX)).To(Equal(uint16(0x0603)))
		Expect(c.Regs.Read16(emu.EAX)).To(Equal(uint16(63)))
	})

	It("should shift in bits from a second register with SHLD", func() {
		r.run(
			0xB8, 0x78, 0x56, 0x34, 0x12, // mov eax, 0x12345678
			0xBA, 0x00, 0x00, 0x00, 0x9A, // mov edx, 0x9a000000
			0x0F, 0xA4, 0xD0, 0x08, // shld eax, edx, 8
			0xF4,
		)
		Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(0x3456789A)))
		Expect(flags() & emu.FlagCF).To(BeZero())
	})

	It("should rotate and report the carried bit", func() {
		r.run(
			0xB0, 0x81, // mov al, 0x81
			0xD0, 0xC0, // rol al, 1
			0xF4,
		)
		Expect(c.Regs.Read8(0)).To(Equal(uint8(0x03)))
		Expect(flags() & emu.FlagCF).To(Equal(emu.FlagCF))
	})

	It("should scan for the lowest and highest set bits", func() {
		r.run(
			0xBB, 0x00, 0x01, 0x01, 0x00, // mov ebx, 0x10100
			0x0F, 0xBC, 0xC3, // bsf eax, ebx
			0x0F, 0xBD, 0xCB, // bsr ecx, ebx
			0xF4,
		)
		Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(8)))
		Expect(c.Regs.R[emu.ECX]).To(Equal(uint32(16)))
		Expect(flags() & emu.FlagZF).To(BeZero())
	})

	It("should set ZF and leave the destination for a zero BSF source", func() {
		r.run(
			0xB8, 0x55, 0x00, 0x00, 0x00, // mov eax, 0x55
			0x31, 0xDB, // xor ebx, ebx
			0x0F, 0xBC, 0xC3, // bsf eax, ebx
			0xF4,
		)
		Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(0x55)))
		Expect(flags() & emu.FlagZF).To(Equal(emu.FlagZF))
	})

	It("should test and set bits in memory with a register offset", func() {
		r.run(
			0xB8, 0x23, 0x00, 0x00, 0x00, // mov eax, 35
			0x0F, 0xAB, 0x05, 0x00, 0x00, 0x01, 0x00, // bts [0x10000], eax
			0xF4,
		)
		Expect(r.mem.Read32(0x10004)).To(Equal(uint32(8)))
		Expect(flags() & emu.FlagCF).To(BeZero())
	})

	It("should exchange on a CMPXCHG match", func() {
		r.run(
			0xB8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
			0xB9, 0x05, 0x00, 0x00, 0x00, // mov ecx, 5
			0xBA, 0x09, 0x00, 0x00, 0x00, // mov edx, 9
			0x0F, 0xB1, 0xD1, // cmpxchg ecx, edx
			0xF4,
		)
		Expect(c.Regs.R[emu.ECX]).To(Equal(uint32(9)))
		Expect(flags() & emu.FlagZF).To(Equal(emu.FlagZF))
	})

	It("should load the accumulator on a CMPXCHG mismatch", func() {
		r.run(
			0xB8, 0x04, 0x00, 0x00, 0x00, // mov eax, 4
			0xB9, 0x05, 0x00, 0x00, 0x00, // mov ecx, 5
			0xBA, 0x09, 0x00, 0x00, 0x00, // mov edx, 9
			0x0F, 0xB1, 0xD1, // cmpxchg ecx, edx
			0xF4,
		)
		Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(5)))
		Expect(c.Regs.R[emu.ECX]).To(Equal(uint32(5)))
		Expect(flags() & emu.FlagZF).To(BeZero())
	})

	It("should reverse bytes with BSWAP", func() {
		r.run(
			0xB8, 0x78, 0x56, 0x34, 0x12, // mov eax, 0x12345678
			0x0F, 0xC8, // bswap eax
			0xF4,
		)
		Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(0x78563412)))
	})

	It("should zero- and sign-extend", func() {
		r.run(
			0xB3, 0x80, // mov bl, 0x80
			0x0F, 0xB6, 0xC3, // movzx eax, bl
			0x0F, 0xBE, 0xCB, // movsx ecx, bl
			0xF4,
		)
		Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(0x80)))
		Expect(c.Regs.R[emu.ECX]).To(Equal(uint32(0xFFFFFF80)))
	})

	It("should move conditionally", func() {
		r.run(
			0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
			0xBB, 0x02, 0x00, 0x00, 0x00, // mov ebx, 2
			0x39, 0xD8, // cmp eax, ebx
			0x0F, 0x4C, 0xC3, // cmovl eax, ebx
			0x0F, 0x9F, 0xC1, // setg cl
			0xF4,
		)
		Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(2)))
		Expect(c.Regs.Read8(1)).To(BeZero())
	})

	It("should address through SIB and 16-bit forms", func() {
		r.mem.Write32(0x10010, 0xCAFEF00D)
		r.mem.Write16(0x0006, 0xBEEF)
		r.run(
			0xBB, 0x00, 0x00, 0x01, 0x00, // mov ebx, 0x10000
			0xBE, 0x04, 0x00, 0x00, 0x00, // mov esi, 4
			0x8B, 0x04, 0xB3, // mov eax, [ebx+esi*4]
			0x31, 0xDB, // xor ebx, ebx
			0x67, 0x66, 0x8B, 0x48, 0x02, // mov cx, [bx+si+2]
			0xF4,
		)
		Expect(c.Regs.R[emu.EAX]).To(Equal(uint32(0xCAFEF00D)))
		Expect(c.Regs.Read16(emu.ECX)).To(Equal(uint16(0xBEEF)))
	})
})

var _ = Describe("EFLAGS round trip", func() {
	DescribeTable("POPF of a PUSHF image reproduces every flag",
		func(eax, ebx uint32, op ...byte) {
			r := newRig()
			r.cpu.Regs.R[emu.EAX] = eax
			r.cpu.Regs.R[emu.EBX] = ebx
			r.run(concat(op, []byte{
				0x9C, // pushf
				0x5A, // pop edx
				0x52, // push edx
				0x9D, // popf
				0x9C, // pushf
				0x59, // pop ecx
				0xF4,
			})...)
			Expect(r.cpu.Regs.R[emu.ECX]).To(Equal(r.cpu.Regs.R[emu.EDX]))
			Expect(r.cpu.Regs.R[emu.EDX] & 2).To(Equal(uint32(2)))
		},
		Entry("add", uint32(0x7FFFFFFF), uint32(1), byte(0x01), byte(0xD8)),
		Entry("adc", uint32(0xFFFFFFFF), uint32(0), byte(0xF9), byte(0x11), byte(0xD8)),
		Entry("sub", uint32(0), uint32(1), byte(0x29), byte(0xD8)),
		Entry("sbb", uint32(0x80000000), uint32(0), byte(0xF9), byte(0x19), byte(0xD8)),
		Entry("and", uint32(0xF0), uint32(0x0F), byte(0x21), byte(0xD8)),
		Entry("inc", uint32(0x7F), uint32(0), byte(0xF9), byte(0xFE), byte(0xC0)),
		Entry("dec", uint32(0), uint32(0), byte(0x48)),
		Entry("shl", uint32(0xC0000000), uint32(0), byte(0xD1), byte(0xE0)),
		Entry("sar", uint32(0x80000001), uint32(0), byte(0xD1), byte(0xF8)),
		Entry("imul", uint32(0x10000), uint32(0x10000), byte(0x0F), byte(0xAF), byte(0xC3)),
		Entry("std", uint32(0), uint32(0), byte(0xFD)),
	)
})
