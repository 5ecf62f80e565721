package emu_test

import (
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/emu"
	"github.com/sarchlab/x86sim/mmu"
)

// Guest memory layout shared by the CPU tests.
const (
	gdtBase     = 0x0100
	tssBase     = 0x0200
	codeBase    = 0x1000
	idtBase     = 0x2000
	handlerBase = 0x3000
	kernelStack = 0x8000
	userStack   = 0x9000
	pageDir     = 0x20000
	pageTable   = 0x21000
	memSize     = 0x400000
)

// Selectors installed in the test GDT.
const (
	selKernelCode = 0x08
	selKernelData = 0x10
	selUserCode   = 0x1B
	selUserData   = 0x23
	selTSS        = 0x28
	selAbsent     = 0x30
	selCallGate   = 0x3B
)

// Descriptor high dwords without the base and limit bits.
const (
	kernelCodeFlags = 0x00C09A00
	kernelDataFlags = 0x00C09200
	userCodeFlags   = 0x00C0FA00
	userDataFlags   = 0x00C0F200
	tss32Flags      = 0x00008900
)

// Gate access bytes.
const (
	intGate   = 0x8E00
	trapGate  = 0x8F00
	userGate  = 0xEE00
	taskGate  = 0x8500
	absentInt = 0x0E00
)

type rig struct {
	mem *mmu.Arena
	cpu *emu.CPU
}

func handlerAt(vector uint8) uint32 {
	return handlerBase + uint32(vector)*16
}

// newRig builds a ring 0 protected-mode machine with flat segments, a
// 32-bit TSS and an IDT whose every vector points at a HLT.
func newRig(opts ...emu.Option) *rig {
	r := &rig{mem: mmu.NewArena(memSize)}
	r.cpu = emu.NewCPU(r.mem, opts...)

	r.setDescriptor(selKernelCode, 0, 0xFFFFF, kernelCodeFlags)
	r.setDescriptor(selKernelData, 0, 0xFFFFF, kernelDataFlags)
	r.setDescriptor(selUserCode, 0, 0xFFFFF, userCodeFlags)
	r.setDescriptor(selUserData, 0, 0xFFFFF, userDataFlags)
	r.setDescriptor(selTSS, tssBase, 0x67, tss32Flags)
	r.setDescriptor(selAbsent, 0, 0xFFFFF, kernelCodeFlags&^0x8000)
	r.mem.Write32(tssBase+4, kernelStack)
	r.mem.Write32(tssBase+8, selKernelData)

	for v := 0; v < 256; v++ {
		r.setGate(uint8(v), selKernelCode, handlerAt(uint8(v)), intGate)
		r.mem.Write8(handlerAt(uint8(v)), 0xF4)
	}

	c := r.cpu
	c.EnterFlatMode(codeBase)
	c.GDTR = emu.TableRegister{Base: gdtBase, Limit: 0x47}
	c.IDTR = emu.TableRegister{Base: idtBase, Limit: 0x7FF}
	c.TR = emu.Segment{Selector: selTSS, Base: tssBase, Limit: 0x67, Flags: tss32Flags | 0x200}
	c.Regs.R[emu.ESP] = userStack
	return r
}

func (r *rig) setDescriptor(sel uint16, base, limit, flags uint32) {
	addr := gdtBase + uint32(sel&^7)
	r.mem.Write32(addr, limit&0xFFFF|base<<16)
	r.mem.Write32(addr+4, base>>16&0xFF|flags|limit&0xF0000|base&0xFF000000)
}

func (r *rig) setGate(vector uint8, sel uint16, off uint32, access uint32) {
	addr := idtBase + uint32(vector)*8
	r.mem.Write32(addr, off&0xFFFF|uint32(sel)<<16)
	r.mem.Write32(addr+4, off&0xFFFF0000|access)
}

// enterUser drops to ring 3 with flat user segments.
func (r *rig) enterUser() {
	c := r.cpu
	c.CPL = 3
	code := emu.Segment{Selector: selUserCode, Limit: 0xFFFFFFFF, Flags: userCodeFlags | 0x000F0100}
	data := emu.Segment{Selector: selUserData, Limit: 0xFFFFFFFF, Flags: userDataFlags | 0x000F0100}
	for i := range c.Segs {
		c.Segs[i] = data
	}
	c.Segs[emu.CS] = code
	c.Regs.R[emu.ESP] = userStack
}

// identityPaging maps the first 4 MiB one to one as user-writable pages
// and turns paging on.
func (r *rig) identityPaging() {
	r.mem.Write32(pageDir, pageTable|mmu.PTEPresent|mmu.PTEWrite|mmu.PTEUser)
	for i := uint32(0); i < 1024; i++ {
		r.mem.Write32(pageTable+i*4, i<<12|mmu.PTEPresent|mmu.PTEWrite|mmu.PTEUser)
	}
	r.cpu.SetControlRegister(3, pageDir)
	r.cpu.SetControlRegister(0, r.cpu.CR0|emu.CR0PG)
}

func (r *rig) unmap(lin uint32) {
	r.mem.Write32(pageTable+(lin>>12&0x3FF)*4, 0)
}

func (r *rig) load(addr uint32, code ...byte) {
	Expect(r.mem.Load(addr, code)).To(Succeed())
}

// run loads code at codeBase and executes until the CPU halts.
func (r *rig) run(code ...byte) emu.Status {
	r.load(codeBase, code...)
	status, err := r.cpu.Exec(100000, nil)
	Expect(err).NotTo(HaveOccurred())
	return status
}

// stack returns the i-th dword above the stack pointer.
func (r *rig) stack(i int) uint32 {
	return r.mem.Read32(r.cpu.Regs.R[emu.ESP] + uint32(i)*4)
}

// expectHandled asserts that the handler of vector ran its HLT.
func (r *rig) expectHandled(vector uint8) {
	ExpectWithOffset(1, r.cpu.Halted).To(BeTrue())
	ExpectWithOffset(1, r.cpu.EIP).To(Equal(handlerAt(vector) + 1))
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// fakePIC asserts a single vector until it is acknowledged.
type fakePIC struct {
	pending bool
	vector  uint8
	acks    int
}

func (p *fakePIC) Pending() bool { return p.pending }

func (p *fakePIC) Acknowledge() uint8 {
	p.pending = false
	p.acks++
	return p.vector
}

// fakePorts records port writes and answers reads from a table.
type fakePorts struct {
	in  map[uint16]uint32
	out []portWrite
}

type portWrite struct {
	port  uint16
	size  int
	value uint32
}

func newFakePorts() *fakePorts {
	return &fakePorts{in: map[uint16]uint32{}}
}

func (p *fakePorts) In8(port uint16) uint8   { return uint8(p.in[port]) }
func (p *fakePorts) In16(port uint16) uint16 { return uint16(p.in[port]) }
func (p *fakePorts) In32(port uint16) uint32 { return p.in[port] }

func (p *fakePorts) Out8(port uint16, v uint8) {
	p.out = append(p.out, portWrite{port, 1, uint32(v)})
}

func (p *fakePorts) Out16(port uint16, v uint16) {
	p.out = append(p.out, portWrite{port, 2, uint32(v)})
}

func (p *fakePorts) Out32(port uint16, v uint32) {
	p.out = append(p.out, portWrite{port, 4, v})
}
