package emu

import "github.com/sarchlab/x86sim/insts"

func init() {
	registerRange(0x88, 0x8B, opMov)
	register(opMovFromSeg, 0x8C)
	register(opMovToSeg, 0x8E)
	register(opLEA, 0x8D)
	registerRange(0xA0, 0xA3, opMovOffset)
	registerRange(0xB0, 0xBF, opMovImmReg)
	register(opMovImm, 0xC6, 0xC7)
	register(opMovExtend, tb|0xB6, tb|0xB7, tb|0xBE, tb|0xBF)
	registerRange(tb|0x40, tb|0x4F, opCMov)
	registerRange(tb|0x90, tb|0x9F, opSetCC)
	register(opXchg, 0x86, 0x87)
	registerRange(0x90, 0x97, opXchgAcc)
	register(opXLAT, 0xD7)
	register(opLoadFar, 0xC4, 0xC5, tb|0xB2, tb|0xB4, tb|0xB5)
	register(opSAHF, 0x9E)
	register(opLAHF, 0x9F)
	register(opFlagOp, 0xF5, 0xF8, 0xF9, 0xFC, 0xFD)
}

func opMov(c *CPU, inst *insts.Instruction) error {
	size := byteOrOp(inst)
	if inst.Opcode < 0x8A {
		return c.store(c.rm(inst), size, c.Regs.Read(size, inst.Reg))
	}
	v, err := c.load(c.rm(inst), size)
	if err != nil {
		return err
	}
	c.Regs.Write(size, inst.Reg, v)
	return nil
}

func opMovFromSeg(c *CPU, inst *insts.Instruction) error {
	if inst.Reg > GS {
		return errUD()
	}
	sel := uint32(c.Segs[inst.Reg].Selector)
	dst := c.rm(inst)
	if dst.mem {
		return c.store(dst, 2, sel)
	}
	c.Regs.Write(opSize(inst), dst.reg, sel)
	return nil
}

func opMovToSeg(c *CPU, inst *insts.Instruction) error {
	if inst.Reg > GS || inst.Reg == CS {
		return errUD()
	}
	sel, err := c.load(c.rm(inst), 2)
	if err != nil {
		return err
	}
	return c.loadSegment(int(inst.Reg), uint16(sel))
}

func opLEA(c *CPU, inst *insts.Instruction) error {
	if inst.Mod == 3 {
		return errUD()
	}
	_, off := c.effectiveAddress(inst)
	c.Regs.Write(opSize(inst), inst.Reg, off)
	return nil
}

func opMovOffset(c *CPU, inst *insts.Instruction) error {
	size := byteOrOp(inst)
	seg := DS
	if inst.Seg != insts.SegNone {
		seg = inst.Seg
	}
	if inst.Opcode < 0xA2 {
		v, err := c.read(seg, inst.Imm, size)
		if err != nil {
			return err
		}
		c.Regs.Write(size, EAX, v)
		return nil
	}
	return c.write(seg, inst.Imm, size, c.Regs.Read(size, EAX))
}

func opMovImmReg(c *CPU, inst *insts.Instruction) error {
	reg := uint8(inst.Opcode & 7)
	if inst.Opcode < 0xB8 {
		c.Regs.Write8(reg, uint8(inst.Imm))
		return nil
	}
	c.Regs.Write(opSize(inst), reg, inst.Imm)
	return nil
}

func opMovImm(c *CPU, inst *insts.Instruction) error {
	if inst.Reg != 0 {
		return errUD()
	}
	return c.store(c.rm(inst), byteOrOp(inst), inst.Imm)
}

// opMovExtend implements MOVZX and MOVSX.
func opMovExtend(c *CPU, inst *insts.Instruction) error {
	srcSize := 1
	if inst.Opcode&1 != 0 {
		srcSize = 2
	}
	v, err := c.load(c.rm(inst), srcSize)
	if err != nil {
		return err
	}
	if inst.Opcode >= tb|0xBE {
		v = signExtend(v, srcSize)
	}
	c.Regs.Write(opSize(inst), inst.Reg, v)
	return nil
}

func opCMov(c *CPU, inst *insts.Instruction) error {
	size := opSize(inst)
	v, err := c.load(c.rm(inst), size)
	if err != nil {
		return err
	}
	if c.Flags.Cond(uint8(inst.Opcode & 0xF)) {
		c.Regs.Write(size, inst.Reg, v)
	}
	return nil
}

func opSetCC(c *CPU, inst *insts.Instruction) error {
	var v uint32
	if c.Flags.Cond(uint8(inst.Opcode & 0xF)) {
		v = 1
	}
	return c.store(c.rm(inst), 1, v)
}

func opXchg(c *CPU, inst *insts.Instruction) error {
	size := byteOrOp(inst)
	dst := c.rm(inst)
	v, err := c.load(dst, size)
	if err != nil {
		return err
	}
	if err := c.store(dst, size, c.Regs.Read(size, inst.Reg)); err != nil {
		return err
	}
	c.Regs.Write(size, inst.Reg, v)
	return nil
}

func opXchgAcc(c *CPU, inst *insts.Instruction) error {
	reg := uint8(inst.Opcode & 7)
	if reg == EAX {
		return nil // NOP
	}
	size := opSize(inst)
	a, b := c.Regs.Read(size, EAX), c.Regs.Read(size, reg)
	c.Regs.Write(size, EAX, b)
	c.Regs.Write(size, reg, a)
	return nil
}

func opXLAT(c *CPU, inst *insts.Instruction) error {
	seg := DS
	if inst.Seg != insts.SegNone {
		seg = inst.Seg
	}
	off := (c.Regs.R[EBX] + uint32(c.Regs.Read8(0))) & addrMask(inst)
	v, err := c.read(seg, off, 1)
	if err != nil {
		return err
	}
	c.Regs.Write8(0, uint8(v))
	return nil
}

// opLoadFar implements LES, LDS, LSS, LFS and LGS.
func opLoadFar(c *CPU, inst *insts.Instruction) error {
	op, err := c.memOnly(inst)
	if err != nil {
		return err
	}
	size := opSize(inst)
	off, err := c.load(op, size)
	if err != nil {
		return err
	}
	selOp := op
	selOp.lin += uint32(size)
	sel, err := c.load(selOp, 2)
	if err != nil {
		return err
	}

	var seg int
	switch inst.Opcode {
	case 0xC4:
		seg = ES
	case 0xC5:
		seg = DS
	case tb | 0xB2:
		seg = SS
	case tb | 0xB4:
		seg = FS
	default:
		seg = GS
	}
	if err := c.loadSegment(seg, uint16(sel)); err != nil {
		return err
	}
	c.Regs.Write(size, inst.Reg, off)
	return nil
}

const sahfMask = FlagSF | FlagZF | FlagAF | FlagPF | FlagCF

func opSAHF(c *CPU, _ *insts.Instruction) error {
	c.Flags = c.Flags.withBits(sahfMask, uint32(c.Regs.Read8(4)))
	return nil
}

func opLAHF(c *CPU, _ *insts.Instruction) error {
	c.Regs.Write8(4, uint8(c.EFLAGS()))
	return nil
}

// opFlagOp implements CMC, CLC, STC, CLD and STD.
func opFlagOp(c *CPU, inst *insts.Instruction) error {
	switch inst.Opcode {
	case 0xF5:
		c.Flags = c.Flags.withBits(FlagCF, flagIf(!c.Flags.CF(), FlagCF))
	case 0xF8:
		c.Flags = c.Flags.withBits(FlagCF, 0)
	case 0xF9:
		c.Flags = c.Flags.withBits(FlagCF, FlagCF)
	case 0xFC:
		c.Control &^= FlagDF
	case 0xFD:
		c.Control |= FlagDF
	}
	return nil
}
