package insts_test

import (
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/insts"
)

var _ = Describe("Decoder", func() {
	var (
		decoder *insts.Decoder
		inst    insts.Instruction
	)

	decode := func(code32 bool, code ...byte) error {
		return decoder.Decode(&insts.SliceSource{Buf: code}, code32, &inst)
	}

	BeforeEach(func() {
		decoder = insts.NewDecoder()
	})

	Describe("register forms", func() {
		// ADD EAX, EBX -> 01 D8
		It("should decode ADD EAX, EBX", func() {
			Expect(decode(true, 0x01, 0xD8)).To(Succeed())

			Expect(inst.Opcode).To(Equal(uint16(0x01)))
			Expect(inst.HasModRM).To(BeTrue())
			Expect(inst.Mod).To(Equal(uint8(3)))
			Expect(inst.Reg).To(Equal(uint8(3)))
			Expect(inst.RM).To(Equal(uint8(0)))
			Expect(inst.IsRegister()).To(BeTrue())
			Expect(inst.Len).To(Equal(2))
		})

		It("should size Iz by the operand-size prefix", func() {
			Expect(decode(true, 0x66, 0x05, 0x34, 0x12)).To(Succeed())

			Expect(inst.OpSize32).To(BeFalse())
			Expect(inst.OperandSize()).To(Equal(2))
			Expect(inst.Imm).To(Equal(uint32(0x1234)))
			Expect(inst.Len).To(Equal(4))
		})

		It("should read a full 32-bit immediate for MOV r32, imm32", func() {
			Expect(decode(true, 0xB8, 0x78, 0x56, 0x34, 0x12)).To(Succeed())
			Expect(inst.Imm).To(Equal(uint32(0x12345678)))
			Expect(inst.Len).To(Equal(5))
		})
	})

	Describe("32-bit addressing", func() {
		It("should decode [disp32] without a base register", func() {
			// MOV EAX, [0x12345678] -> 8B 05 78 56 34 12
			Expect(decode(true, 0x8B, 0x05, 0x78, 0x56, 0x34, 0x12)).To(Succeed())

			Expect(inst.Mod).To(Equal(uint8(0)))
			Expect(inst.RM).To(Equal(uint8(5)))
			Expect(inst.HasSIB).To(BeFalse())
			Expect(inst.Disp).To(Equal(uint32(0x12345678)))
			Expect(inst.Len).To(Equal(6))
		})

		It("should decode SIB with base=101 and mod=00 as index*scale+disp32", func() {
			// MOV EAX, [ECX*4+0x1000] -> 8B 04 8D 00 10 00 00
			Expect(decode(true, 0x8B, 0x04, 0x8D, 0x00, 0x10, 0x00, 0x00)).To(Succeed())

			Expect(inst.HasSIB).To(BeTrue())
			Expect(inst.Scale).To(Equal(uint8(2)))
			Expect(inst.Index).To(Equal(uint8(1)))
			Expect(inst.Base).To(Equal(uint8(5)))
			Expect(inst.Disp).To(Equal(uint32(0x1000)))
			Expect(inst.Len).To(Equal(7))
		})

		It("should decode SIB with index=100 as no index", func() {
			// MOV EAX, [ESP] -> 8B 04 24
			Expect(decode(true, 0x8B, 0x04, 0x24)).To(Succeed())

			Expect(inst.HasSIB).To(BeTrue())
			Expect(inst.Index).To(Equal(uint8(4)))
			Expect(inst.Base).To(Equal(uint8(4)))
			Expect(inst.Len).To(Equal(3))
		})

		It("should sign-extend an 8-bit displacement", func() {
			// MOV EAX, [EBP-4] -> 8B 45 FC
			Expect(decode(true, 0x8B, 0x45, 0xFC)).To(Succeed())
			Expect(inst.Disp).To(Equal(uint32(0xFFFFFFFC)))
		})

		It("should read a disp32 for mod=10", func() {
			// MOV EAX, [EBX+0x100] -> 8B 83 00 01 00 00
			Expect(decode(true, 0x8B, 0x83, 0x00, 0x01, 0x00, 0x00)).To(Succeed())
			Expect(inst.Disp).To(Equal(uint32(0x100)))
			Expect(inst.Len).To(Equal(6))
		})
	})

	Describe("16-bit addressing", func() {
		It("should decode mod=00 rm=110 as disp16", func() {
			// MOV CX, [0x1234] -> 8B 0E 34 12
			Expect(decode(false, 0x8B, 0x0E, 0x34, 0x12)).To(Succeed())

			Expect(inst.AddrSize32).To(BeFalse())
			Expect(inst.Reg).To(Equal(uint8(1)))
			Expect(inst.Disp).To(Equal(uint32(0x1234)))
			Expect(inst.Len).To(Equal(4))
		})

		It("should sign-extend disp8 in 16-bit forms", func() {
			// MOV AX, [BP-2] -> 8B 46 FE
			Expect(decode(false, 0x8B, 0x46, 0xFE)).To(Succeed())
			Expect(inst.RM).To(Equal(uint8(6)))
			Expect(inst.Disp).To(Equal(uint32(0xFFFFFFFE)))
		})

		It("should switch to 32-bit addressing with 0x67", func() {
			// MOV AX, [EAX] with 67 prefix in 16-bit code -> 67 8B 00
			Expect(decode(false, 0x67, 0x8B, 0x00)).To(Succeed())
			Expect(inst.AddrSize32).To(BeTrue())
			Expect(inst.OpSize32).To(BeFalse())
		})
	})

	Describe("immediates", func() {
		It("should decode a far pointer", func() {
			// JMP 0008:12345678 -> EA 78 56 34 12 08 00
			Expect(decode(true, 0xEA, 0x78, 0x56, 0x34, 0x12, 0x08, 0x00)).To(Succeed())
			Expect(inst.Imm).To(Equal(uint32(0x12345678)))
			Expect(inst.Imm2).To(Equal(uint32(8)))
			Expect(inst.Len).To(Equal(7))
		})

		It("should decode ENTER's two immediates", func() {
			Expect(decode(true, 0xC8, 0x10, 0x00, 0x01)).To(Succeed())
			Expect(inst.Imm).To(Equal(uint32(0x10)))
			Expect(inst.Imm2).To(Equal(uint32(1)))
		})

		It("should only read an immediate for TEST in group 3", func() {
			Expect(decode(true, 0xF6, 0xC1, 0x0F)).To(Succeed())
			Expect(inst.Imm).To(Equal(uint32(0x0F)))
			Expect(inst.Len).To(Equal(3))

			// NOT CL -> F6 D1
			Expect(decode(true, 0xF6, 0xD1)).To(Succeed())
			Expect(inst.Len).To(Equal(2))
		})

		It("should size moffs by the address size", func() {
			Expect(decode(true, 0x67, 0xA1, 0x34, 0x12)).To(Succeed())
			Expect(inst.Imm).To(Equal(uint32(0x1234)))
			Expect(inst.Len).To(Equal(4))
		})
	})

	Describe("two-byte map", func() {
		It("should decode MOVZX EAX, CL", func() {
			Expect(decode(true, 0x0F, 0xB6, 0xC1)).To(Succeed())
			Expect(inst.Opcode).To(Equal(uint16(insts.TwoByte | 0xB6)))
			Expect(inst.RM).To(Equal(uint8(1)))
		})

		It("should decode a near Jcc with rel32", func() {
			Expect(decode(true, 0x0F, 0x84, 0x10, 0x00, 0x00, 0x00)).To(Succeed())
			Expect(inst.Opcode).To(Equal(uint16(insts.TwoByte | 0x84)))
			Expect(inst.Imm).To(Equal(uint32(0x10)))
			Expect(inst.Len).To(Equal(6))
		})
	})

	Describe("prefixes", func() {
		It("should record REP, segment override and LOCK", func() {
			Expect(decode(true, 0xF3, 0xA5)).To(Succeed())
			Expect(inst.Rep).To(Equal(insts.RepE))

			Expect(decode(true, 0x2E, 0x8B, 0x00)).To(Succeed())
			Expect(inst.Seg).To(Equal(insts.SegCS))

			Expect(decode(true, 0xF0, 0x01, 0x00)).To(Succeed())
			Expect(inst.Lock).To(BeTrue())
		})

		It("should reset the context for each instruction", func() {
			Expect(decode(true, 0xF2, 0x64, 0xAE)).To(Succeed())
			Expect(decode(true, 0xAE)).To(Succeed())
			Expect(inst.Rep).To(Equal(insts.RepNone))
			Expect(inst.Seg).To(Equal(insts.SegNone))
		})
	})

	Describe("errors", func() {
		It("should reject undefined opcodes", func() {
			Expect(decode(true, 0x0F, 0xFF)).To(MatchError(insts.ErrInvalidOpcode))
		})

		It("should reject encodings longer than 15 bytes", func() {
			code := make([]byte, 16)
			for i := range code {
				code[i] = 0x66
			}
			Expect(decode(true, code...)).To(MatchError(insts.ErrTooLong))
		})

		It("should propagate source errors", func() {
			Expect(decode(true, 0xB8, 0x01)).To(MatchError(insts.ErrEndOfBuffer))
		})
	})

	Describe("Disassemble", func() {
		It("should render Intel syntax", func() {
			text, n := insts.Disassemble([]byte{0x01, 0xD8}, 0x1000, true)
			Expect(n).To(Equal(2))
			Expect(text).To(ContainSubstring("add"))
		})

		DescribeTable("should fall back to db for undecodable bytes",
			func(code []byte) {
				text, n := insts.Disassemble(code, 0, true)
				Expect(n).To(Equal(1))
				Expect(text).To(Equal(fmt.Sprintf("db 0x%02x", code[0])))
			},
			Entry("lone escape", []byte{0x0F}),
			Entry("ud0", []byte{0x0F, 0xFF}),
			Entry("operand size prefix", []byte{0x66}),
			Entry("rep prefix", []byte{0xF3}),
		)
	})
})
