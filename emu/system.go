package emu

import (
	"github.com/sarchlab/x86sim/insts"
)

func init() {
	register(opGroup6, tb|0x00)
	register(opGroup7, tb|0x01)
	register(opLAR, tb|0x02)
	register(opLSL, tb|0x03)
	register(opCLTS, tb|0x06)
	register(opCacheFlush, tb|0x08, tb|0x09)
	register(opUD2, tb|0x0B)
	register(opNopRM, tb|0x1F)
	register(opMovCR, tb|0x20, tb|0x22)
	register(opMovDR, tb|0x21, tb|0x23)
	register(opWRMSR, tb|0x30)
	register(opRDTSC, tb|0x31)
	register(opRDMSR, tb|0x32)
	register(opCPUID, tb|0xA2)
	register(opARPL, 0x63)
	register(opCLI, 0xFA)
	register(opSTI, 0xFB)
	register(opIn, 0xE4, 0xE5, 0xEC, 0xED)
	register(opOut, 0xE6, 0xE7, 0xEE, 0xEF)
}

// CPUID identification.
const (
	cpuidSignature = 0x543                     // family 5, model 4, stepping 3
	cpuidFeatures  = 1<<3 | 1<<4 | 1<<5 | 1<<8 // PSE, TSC, MSR, CX8
)

var cpuidVendor = [3]uint32{0x756E6547, 0x49656E69, 0x6C65746E} // "GenuineIntel" as EBX, EDX, ECX

// privileged reports #GP(0) unless running at CPL 0 or in real mode.
func (c *CPU) privileged() error {
	if c.ProtectedMode() && c.CPL != 0 {
		return errGP(0)
	}
	return nil
}

// protectedOnly raises #UD outside protected mode proper.
func (c *CPU) protectedOnly() error {
	if !c.ProtectedMode() || c.V86() {
		return errUD()
	}
	return nil
}

// ioAllowed checks IOPL for IN, OUT, INS and OUTS. There is no I/O
// permission bitmap.
func (c *CPU) ioAllowed() error {
	if c.ProtectedMode() && (c.V86() || c.CPL > c.IOPL()) {
		return errGP(0)
	}
	return nil
}

// storeSelector writes a selector to a register (zero-extended to the
// operand size) or to a 16-bit memory operand.
func (c *CPU) storeSelector(inst *insts.Instruction, v uint32) error {
	dst := c.rm(inst)
	if dst.mem {
		return c.store(dst, 2, v)
	}
	c.Regs.Write(opSize(inst), dst.reg, v)
	return nil
}

func opGroup6(c *CPU, inst *insts.Instruction) error {
	if err := c.protectedOnly(); err != nil {
		return err
	}
	switch inst.Reg {
	case 0:
		return c.storeSelector(inst, uint32(c.LDTR.Selector))
	case 1:
		return c.storeSelector(inst, uint32(c.TR.Selector))
	case 2, 3:
		if err := c.privileged(); err != nil {
			return err
		}
		sel, err := c.load(c.rm(inst), 2)
		if err != nil {
			return err
		}
		if inst.Reg == 2 {
			return c.loadLDT(uint16(sel))
		}
		return c.loadTR(uint16(sel))
	case 4, 5:
		sel, err := c.load(c.rm(inst), 2)
		if err != nil {
			return err
		}
		ok, err := c.verify(uint16(sel), inst.Reg == 5)
		if err != nil {
			return err
		}
		c.Flags = c.Flags.withBits(FlagZF, flagIf(ok, FlagZF))
		return nil
	}
	return errUD()
}

func (c *CPU) loadLDT(sel uint16) error {
	if selIndex(sel) == 0 && sel&4 == 0 {
		c.LDTR = Segment{Selector: sel}
		return nil
	}
	if sel&4 != 0 {
		return errGP(selIndex(sel))
	}
	d, _, err := c.readDescriptor(sel)
	if err != nil {
		return err
	}
	if !d.System() || d.Type() != sysLDT {
		return errGP(selIndex(sel))
	}
	if !d.Present() {
		return errNP(selIndex(sel))
	}
	c.LDTR = d.segment(sel)
	return nil
}

func (c *CPU) loadTR(sel uint16) error {
	if (selIndex(sel) == 0 && sel&4 == 0) || sel&4 != 0 {
		return errGP(selIndex(sel))
	}
	d, addr, err := c.readDescriptor(sel)
	if err != nil {
		return err
	}
	if !d.System() || (d.Type() != sysTSS16 && d.Type() != sysTSS32) {
		return errGP(selIndex(sel))
	}
	if !d.Present() {
		return errNP(selIndex(sel))
	}
	d.High |= 2 << 8 // busy
	if err := c.writeLin(addr+4, 4, d.High, false); err != nil {
		return err
	}
	c.TR = d.segment(sel)
	return nil
}

// verify implements VERR and VERW.
func (c *CPU) verify(sel uint16, write bool) (bool, error) {
	if selIndex(sel) == 0 && sel&4 == 0 {
		return false, nil
	}
	d, _, ok, err := c.probeDescriptor(sel)
	if err != nil || !ok || d.System() {
		return false, err
	}
	if write {
		if !d.Writable() {
			return false, nil
		}
	} else if !d.Readable() {
		return false, nil
	}
	if !d.Conforming() && (d.DPL() < c.CPL || d.DPL() < uint8(sel&3)) {
		return false, nil
	}
	return true, nil
}

// accessible looks up sel for LAR and LSL, applying the privilege check
// and the set of system types each instruction accepts.
func (c *CPU) accessible(sel uint16, lar bool) (Descriptor, bool, error) {
	if selIndex(sel) == 0 && sel&4 == 0 {
		return Descriptor{}, false, nil
	}
	d, _, ok, err := c.probeDescriptor(sel)
	if err != nil || !ok {
		return d, false, err
	}
	if d.System() {
		switch d.Type() {
		case sysTSS16, sysLDT, sysTSS16Busy, sysTSS32, sysTSS32Busy:
		case sysCallGate16, sysTaskGate, sysCallGate32:
			if !lar {
				return d, false, nil
			}
		default:
			return d, false, nil
		}
	}
	if !d.Conforming() && (d.DPL() < c.CPL || d.DPL() < uint8(sel&3)) {
		return d, false, nil
	}
	return d, true, nil
}

func opLAR(c *CPU, inst *insts.Instruction) error {
	return c.loadAccess(inst, true)
}

func opLSL(c *CPU, inst *insts.Instruction) error {
	return c.loadAccess(inst, false)
}

func (c *CPU) loadAccess(inst *insts.Instruction, lar bool) error {
	if err := c.protectedOnly(); err != nil {
		return err
	}
	sel, err := c.load(c.rm(inst), 2)
	if err != nil {
		return err
	}
	d, ok, err := c.accessible(uint16(sel), lar)
	if err != nil {
		return err
	}
	if ok {
		v := d.Limit()
		if lar {
			v = d.High & 0x00F0FF00
		}
		c.Regs.Write(opSize(inst), inst.Reg, v)
	}
	c.Flags = c.Flags.withBits(FlagZF, flagIf(ok, FlagZF))
	return nil
}

func opGroup7(c *CPU, inst *insts.Instruction) error {
	switch inst.Reg {
	case 0, 1:
		op, err := c.memOnly(inst)
		if err != nil {
			return err
		}
		t := c.GDTR
		if inst.Reg == 1 {
			t = c.IDTR
		}
		base := t.Base
		if !inst.OpSize32 {
			base &= 0x00FFFFFF
		}
		if err := c.store(op, 2, uint32(t.Limit)); err != nil {
			return err
		}
		op.lin += 2
		return c.store(op, 4, base)

	case 2, 3:
		if err := c.privileged(); err != nil {
			return err
		}
		op, err := c.memOnly(inst)
		if err != nil {
			return err
		}
		limit, err := c.load(op, 2)
		if err != nil {
			return err
		}
		op.lin += 2
		base, err := c.load(op, 4)
		if err != nil {
			return err
		}
		if !inst.OpSize32 {
			base &= 0x00FFFFFF
		}
		t := TableRegister{Base: base, Limit: uint16(limit)}
		if inst.Reg == 2 {
			c.GDTR = t
		} else {
			c.IDTR = t
		}
		return nil

	case 4:
		dst := c.rm(inst)
		if dst.mem {
			return c.store(dst, 2, c.CR0)
		}
		c.Regs.Write(opSize(inst), dst.reg, c.CR0)
		return nil

	case 6:
		if err := c.privileged(); err != nil {
			return err
		}
		v, err := c.load(c.rm(inst), 2)
		if err != nil {
			return err
		}
		// LMSW can set PE but never clear it.
		cr0 := c.CR0&^0xF | v&0xF | c.CR0&CR0PE
		return c.writeCR0(cr0)

	case 7:
		if err := c.privileged(); err != nil {
			return err
		}
		op, err := c.memOnly(inst)
		if err != nil {
			return err
		}
		c.tr.FlushPage(op.lin)
		return nil
	}
	return errUD()
}

func opCLTS(c *CPU, _ *insts.Instruction) error {
	if err := c.privileged(); err != nil {
		return err
	}
	c.CR0 &^= CR0TS
	return nil
}

func opCacheFlush(c *CPU, _ *insts.Instruction) error {
	return c.privileged()
}

func opUD2(*CPU, *insts.Instruction) error {
	return errUD()
}

func opNopRM(*CPU, *insts.Instruction) error {
	return nil
}

const cr4Supported = CR4TSD | 1<<3 | CR4PSE // TSD, DE, PSE

func (c *CPU) writeCR0(v uint32) error {
	if v&CR0PG != 0 && v&CR0PE == 0 {
		return errGP(0)
	}
	c.SetControlRegister(0, v)
	if v&CR0PE == 0 {
		c.CPL = 0
	}
	return nil
}

// opMovCR moves between a general register and CR0, CR2, CR3 or CR4. The
// ModRM mod field is ignored.
func opMovCR(c *CPU, inst *insts.Instruction) error {
	if err := c.privileged(); err != nil {
		return err
	}
	if inst.Reg == 1 || inst.Reg > 4 {
		return errUD()
	}
	if inst.Opcode == tb|0x20 {
		var v uint32
		switch inst.Reg {
		case 0:
			v = c.CR0
		case 2:
			v = c.CR2
		case 3:
			v = c.CR3
		case 4:
			v = c.CR4
		}
		c.Regs.R[inst.RM] = v
		return nil
	}

	v := c.Regs.R[inst.RM]
	switch inst.Reg {
	case 0:
		return c.writeCR0(v)
	case 4:
		if v&^cr4Supported != 0 {
			return errGP(0)
		}
	}
	c.SetControlRegister(int(inst.Reg), v)
	return nil
}

func opMovDR(c *CPU, inst *insts.Instruction) error {
	if err := c.privileged(); err != nil {
		return err
	}
	n := inst.Reg
	if n == 4 || n == 5 {
		n += 2
	}
	if inst.Opcode == tb|0x21 {
		c.Regs.R[inst.RM] = c.DR[n]
		return nil
	}
	c.DR[n] = c.Regs.R[inst.RM]
	return nil
}

// TSC returns the time-stamp counter.
func (c *CPU) TSC() uint64 {
	return c.Cycles + c.TSCOffset
}

func opRDTSC(c *CPU, _ *insts.Instruction) error {
	if c.CR4&CR4TSD != 0 {
		if err := c.privileged(); err != nil {
			return err
		}
	}
	tsc := c.TSC()
	c.Regs.R[EAX], c.Regs.R[EDX] = uint32(tsc), uint32(tsc>>32)
	return nil
}

func opRDMSR(c *CPU, _ *insts.Instruction) error {
	if err := c.privileged(); err != nil {
		return err
	}
	var v uint64
	switch c.Regs.R[ECX] {
	case MSRTimeStampCounter:
		v = c.TSC()
	case MSRSysenterCS:
		v = uint64(c.SysenterCS)
	case MSRSysenterESP:
		v = uint64(c.SysenterESP)
	case MSRSysenterEIP:
		v = uint64(c.SysenterEIP)
	default:
		return errGP(0)
	}
	c.Regs.R[EAX], c.Regs.R[EDX] = uint32(v), uint32(v>>32)
	return nil
}

func opWRMSR(c *CPU, _ *insts.Instruction) error {
	if err := c.privileged(); err != nil {
		return err
	}
	v := uint64(c.Regs.R[EDX])<<32 | uint64(c.Regs.R[EAX])
	switch c.Regs.R[ECX] {
	case MSRTimeStampCounter:
		c.TSCOffset = v - c.Cycles
	case MSRSysenterCS:
		c.SysenterCS = uint32(v)
	case MSRSysenterESP:
		c.SysenterESP = uint32(v)
	case MSRSysenterEIP:
		c.SysenterEIP = uint32(v)
	default:
		return errGP(0)
	}
	return nil
}

func opCPUID(c *CPU, _ *insts.Instruction) error {
	r := &c.Regs
	switch r.R[EAX] {
	case 0:
		r.R[EAX] = 1
		r.R[EBX], r.R[EDX], r.R[ECX] = cpuidVendor[0], cpuidVendor[1], cpuidVendor[2]
	case 1:
		r.R[EAX] = cpuidSignature
		r.R[EBX], r.R[ECX] = 0, 0
		r.R[EDX] = cpuidFeatures
	default:
		r.R[EAX], r.R[EBX], r.R[ECX], r.R[EDX] = 0, 0, 0, 0
	}
	return nil
}

func opARPL(c *CPU, inst *insts.Instruction) error {
	if err := c.protectedOnly(); err != nil {
		return err
	}
	dst := c.rm(inst)
	v, err := c.load(dst, 2)
	if err != nil {
		return err
	}
	src := c.Regs.Read16(inst.Reg)
	adjust := v&3 < uint32(src&3)
	if adjust {
		if err := c.store(dst, 2, v&^3|uint32(src&3)); err != nil {
			return err
		}
	}
	c.Flags = c.Flags.withBits(FlagZF, flagIf(adjust, FlagZF))
	return nil
}

// interruptFlagAllowed reports whether CLI and STI may run.
func (c *CPU) interruptFlagAllowed() error {
	if c.ProtectedMode() && c.CPL > c.IOPL() {
		return errGP(0)
	}
	return nil
}

func opCLI(c *CPU, _ *insts.Instruction) error {
	if err := c.interruptFlagAllowed(); err != nil {
		return err
	}
	c.Control &^= FlagIF
	return nil
}

func opSTI(c *CPU, _ *insts.Instruction) error {
	if err := c.interruptFlagAllowed(); err != nil {
		return err
	}
	if c.Control&FlagIF == 0 {
		c.shadow = true
	}
	c.Control |= FlagIF
	return nil
}

func ioPort(c *CPU, inst *insts.Instruction) uint16 {
	if inst.Opcode&8 != 0 {
		return uint16(c.Regs.R[EDX])
	}
	return uint16(inst.Imm)
}

func (c *CPU) portIn(port uint16, size int) uint32 {
	switch size {
	case 1:
		return uint32(c.ports.In8(port))
	case 2:
		return uint32(c.ports.In16(port))
	}
	return c.ports.In32(port)
}

func (c *CPU) portOut(port uint16, size int, v uint32) {
	switch size {
	case 1:
		c.ports.Out8(port, uint8(v))
	case 2:
		c.ports.Out16(port, uint16(v))
	default:
		c.ports.Out32(port, v)
	}
}

func opIn(c *CPU, inst *insts.Instruction) error {
	if err := c.ioAllowed(); err != nil {
		return err
	}
	size := byteOrOp(inst)
	c.Regs.Write(size, EAX, c.portIn(ioPort(c, inst), size))
	return nil
}

func opOut(c *CPU, inst *insts.Instruction) error {
	if err := c.ioAllowed(); err != nil {
		return err
	}
	size := byteOrOp(inst)
	c.portOut(ioPort(c, inst), size, c.Regs.Read(size, EAX))
	return nil
}
