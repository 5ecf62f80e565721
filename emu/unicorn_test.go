//go:build unicorn

package emu_test

import (
	"math/rand"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/sarchlab/x86sim/emu"
)

var ucRegs = [8]int{
	uc.X86_REG_EAX, uc.X86_REG_ECX, uc.X86_REG_EDX, uc.X86_REG_EBX,
	uc.X86_REG_ESP, uc.X86_REG_EBP, uc.X86_REG_ESI, uc.X86_REG_EDI,
}

// randomProgram emits straight-line register code whose end state is
// fully defined: it never touches ESP and it ends with an ADD so that no
// undefined flag survives.
func randomProgram(rng *rand.Rand, n int) []byte {
	reg := func() byte {
		for {
			if r := byte(rng.Intn(8)); r != emu.ESP {
				return r
			}
		}
	}
	alu := []byte{0x01, 0x09, 0x11, 0x19, 0x21, 0x29, 0x31, 0x39, 0x85}
	shifts := []byte{0, 1, 2, 3, 4, 5, 7}

	var code []byte
	for i := 0; i < n; i++ {
		switch rng.Intn(10) {
		case 0, 1:
			op := alu[rng.Intn(len(alu))]
			code = append(code, op, 0xC0|reg()<<3|reg())
		case 2:
			op := alu[rng.Intn(len(alu))] &^ 1
			code = append(code, op, 0xC0|byte(rng.Intn(8))<<3|byte(rng.Intn(8)))
		case 3:
			code = append(code, 0x40+reg()+byte(rng.Intn(2))*8)
		case 4:
			k := shifts[rng.Intn(len(shifts))]
			count := byte(1 + rng.Intn(31))
			if k == 2 || k == 3 {
				count = 1
			}
			code = append(code, 0xC1, 0xC0|k<<3|reg(), count)
		case 5:
			code = append(code, 0x0F, 0xAF, 0xC0|reg()<<3|reg())
		case 6:
			code = append(code, 0xF7, 0xC0|byte(2+rng.Intn(2))<<3|reg())
		case 7:
			code = append(code, 0xB8+reg())
			code = append(code, le32(rng.Uint32())...)
		case 8:
			code = append(code, 0x0F, 0xA4+byte(rng.Intn(2))*8, 0xC0|reg()<<3|reg(), byte(1+rng.Intn(31)))
		default:
			code = append(code, 0x0F, 0xC8+reg())
		}
	}
	return append(code, 0x01, 0xD8)
}

func runUnicorn(code []byte, regs [8]uint32) ([8]uint32, uint32) {
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_32)
	Expect(err).NotTo(HaveOccurred())
	defer mu.Close()

	Expect(mu.MemMap(codeBase, 0x1000)).To(Succeed())
	Expect(mu.MemWrite(codeBase, code)).To(Succeed())
	for i, r := range ucRegs {
		Expect(mu.RegWrite(r, uint64(regs[i]))).To(Succeed())
	}
	Expect(mu.RegWrite(uc.X86_REG_EFLAGS, 2)).To(Succeed())
	Expect(mu.Start(codeBase, codeBase+uint64(len(code)))).To(Succeed())

	var out [8]uint32
	for i, r := range ucRegs {
		v, err := mu.RegRead(r)
		Expect(err).NotTo(HaveOccurred())
		out[i] = uint32(v)
	}
	fl, err := mu.RegRead(uc.X86_REG_EFLAGS)
	Expect(err).NotTo(HaveOccurred())
	return out, uint32(fl)
}

var _ = Describe("Differential execution against Unicorn", func() {
	It("should agree on registers and flags for random programs", func() {
		rng := rand.New(rand.NewSource(42))
		for i := 0; i < 500; i++ {
			code := randomProgram(rng, 24)
			var regs [8]uint32
			for j := range regs {
				regs[j] = rng.Uint32()
			}
			regs[emu.ESP] = userStack

			wantRegs, wantFlags := runUnicorn(code, regs)

			r := newRig()
			r.cpu.Regs.R = regs
			r.run(append(code, 0xF4)...)

			Expect(r.cpu.Regs.R).To(Equal(wantRegs), "program %x", code)
			Expect(r.cpu.EFLAGS()&emu.ArithFlags).To(Equal(wantFlags&emu.ArithFlags), "program %x", code)
		}
	})
})
