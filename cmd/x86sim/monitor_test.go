package main

import (
	"bytes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/config"
	"github.com/sarchlab/x86sim/emu"
	"github.com/sarchlab/x86sim/machine"
)

var _ = Describe("Monitor", func() {
	const entry = 0x10000

	var (
		m   *machine.Machine
		mon *monitor
		out *bytes.Buffer
	)

	BeforeEach(func() {
		cfg := config.Default()
		cfg.MemSize = 4 << 20
		cfg.Boot = config.DefaultBoot()

		var err error
		m, err = machine.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		_, err = m.LoadImage([]byte{
			0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
			0x40,       // inc eax
			0x40,       // inc eax
			0xFA, 0xF4, // cli; hlt
		}, entry)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Boot()).To(Succeed())

		out = &bytes.Buffer{}
		mon = newMonitor(m, out)
	})

	It("should step and show registers", func() {
		Expect(mon.exec("step 2")).To(Succeed())
		Expect(m.CPU().Regs.R[emu.EAX]).To(Equal(uint32(2)))
		Expect(out.String()).To(ContainSubstring("2 cycles"))
		Expect(out.String()).To(ContainSubstring("inc eax"))

		out.Reset()
		Expect(mon.exec("regs")).To(Succeed())
		Expect(out.String()).To(ContainSubstring("EAX=00000002"))
	})

	It("should stop at a breakpoint and at a halt", func() {
		Expect(mon.exec("break 0x10006")).To(Succeed())
		Expect(mon.exec("continue")).To(Succeed())
		Expect(out.String()).To(ContainSubstring("breakpoint 00010006"))
		Expect(m.CPU().EIP).To(Equal(uint32(0x10006)))

		out.Reset()
		Expect(mon.exec("b")).To(Succeed())
		Expect(out.String()).To(Equal("00010006\n"))

		Expect(mon.exec("b 0x10006")).To(Succeed())
		out.Reset()
		Expect(mon.exec("c")).To(Succeed())
		Expect(out.String()).To(ContainSubstring("halted"))
		Expect(m.CPU().Regs.R[emu.EAX]).To(Equal(uint32(3)))
	})

	It("should dump memory and disassemble", func() {
		Expect(mon.exec("x 0x10000 8")).To(Succeed())
		Expect(out.String()).To(Equal("00010000  b8 01 00 00 00 40 40 fa\n"))

		out.Reset()
		Expect(mon.exec("u 0x10000 2")).To(Succeed())
		Expect(out.String()).To(ContainSubstring("mov eax, 0x1"))
		Expect(out.String()).To(ContainSubstring("00010005"))
	})

	It("should print descriptor tables", func() {
		mem := m.Memory()
		mem.Write32(0x508, 0x0000FFFF)
		mem.Write32(0x50C, 0x00CF9A00)
		mem.Write32(0x600+0x20*8, 0x00083000)
		mem.Write32(0x600+0x20*8+4, 0x00008E00)
		c := m.CPU()
		c.GDTR = emu.TableRegister{Base: 0x500, Limit: 0xF}
		c.IDTR = emu.TableRegister{Base: 0x600, Limit: 0x7FF}

		Expect(mon.exec("gdt")).To(Succeed())
		Expect(out.String()).To(ContainSubstring("[0008]  code base=00000000 limit=ffffffff dpl=0 rx P"))

		out.Reset()
		Expect(mon.exec("idt")).To(Succeed())
		Expect(out.String()).To(ContainSubstring("[20]  interrupt gate32 -> 0008:00003000 dpl=0 P"))
	})

	It("should fold page mappings into runs", func() {
		Expect(mon.exec("pages")).To(Succeed())
		Expect(out.String()).To(ContainSubstring("paging disabled"))

		mem := m.Memory()
		mem.Write32(0x20000, 0x21000|3)
		for i := uint32(0); i < 16; i++ {
			mem.Write32(0x21000+4*i, i<<12|3)
		}
		mem.Write32(0x21000+4*32, 0x100000|7)
		m.CPU().SetControlRegister(3, 0x20000)
		m.CPU().SetControlRegister(0, m.CPU().CR0|emu.CR0PG)

		out.Reset()
		Expect(mon.exec("pages")).To(Succeed())
		Expect(out.String()).To(ContainSubstring("00000000-0000ffff -> 00000000 rw supervisor"))
		Expect(out.String()).To(ContainSubstring("00020000-00020fff -> 00100000 rw user"))
	})

	It("should raise interrupts and reset", func() {
		Expect(mon.exec("irq 0x21")).To(Succeed())
		Expect(m.IRQ().Pending()).To(BeTrue())

		Expect(mon.exec("reset")).To(Succeed())
		Expect(m.CPU().EIP).To(Equal(uint32(0xFFF0)))
		Expect(m.IRQ().Pending()).To(BeFalse())
	})

	It("should report bad input and quit", func() {
		Expect(mon.exec("frobnicate")).To(MatchError(ContainSubstring("unknown command")))
		Expect(mon.exec("step x")).To(MatchError(ContainSubstring("invalid count")))
		Expect(mon.exec("irq")).To(HaveOccurred())
		Expect(mon.exec("")).To(Succeed())
		Expect(mon.exec("quit")).To(MatchError(errQuit))
	})
})
