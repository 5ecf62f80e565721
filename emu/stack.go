package emu

import "github.com/sarchlab/x86sim/insts"

func init() {
	registerRange(0x50, 0x57, opPushReg)
	registerRange(0x58, 0x5F, opPopReg)
	register(opPushSeg, 0x06, 0x0E, 0x16, 0x1E, tb|0xA0, tb|0xA8)
	register(opPopSeg, 0x07, 0x17, 0x1F, tb|0xA1, tb|0xA9)
	register(opPushA, 0x60)
	register(opPopA, 0x61)
	register(opPushImm, 0x68, 0x6A)
	register(opPopRM, 0x8F)
	register(opPushF, 0x9C)
	register(opPopF, 0x9D)
	register(opEnter, 0xC8)
	register(opLeave, 0xC9)
}

func opPushReg(c *CPU, inst *insts.Instruction) error {
	size := opSize(inst)
	return c.push(size, c.Regs.Read(size, uint8(inst.Opcode&7)))
}

func opPopReg(c *CPU, inst *insts.Instruction) error {
	size := opSize(inst)
	v, err := c.pop(size)
	if err != nil {
		return err
	}
	c.Regs.Write(size, uint8(inst.Opcode&7), v)
	return nil
}

// segOperand returns the segment register named by a PUSH/POP sreg opcode.
func segOperand(op uint16) int {
	switch op {
	case tb | 0xA0, tb | 0xA1:
		return FS
	case tb | 0xA8, tb | 0xA9:
		return GS
	}
	return int(op>>3) & 3
}

func opPushSeg(c *CPU, inst *insts.Instruction) error {
	seg := segOperand(inst.Opcode)
	return c.push(opSize(inst), uint32(c.Segs[seg].Selector))
}

func opPopSeg(c *CPU, inst *insts.Instruction) error {
	size := opSize(inst)
	sel, err := c.stackRead(0, size)
	if err != nil {
		return err
	}
	if err := c.loadSegment(segOperand(inst.Opcode), uint16(sel)); err != nil {
		return err
	}
	c.setSP(c.Regs.R[ESP] + uint32(size))
	return nil
}

func opPushA(c *CPU, inst *insts.Instruction) error {
	size := opSize(inst)
	sp := c.Regs.R[ESP]
	for reg := uint8(EAX); reg <= EDI; reg++ {
		v := c.Regs.Read(size, reg)
		if reg == ESP {
			v = sp
		}
		if err := c.push(size, v); err != nil {
			return err
		}
	}
	return nil
}

func opPopA(c *CPU, inst *insts.Instruction) error {
	size := opSize(inst)
	for reg := uint8(EDI); ; reg-- {
		v, err := c.pop(size)
		if err != nil {
			return err
		}
		if reg != ESP {
			c.Regs.Write(size, reg, v)
		}
		if reg == EAX {
			return nil
		}
	}
}

func opPushImm(c *CPU, inst *insts.Instruction) error {
	v := inst.Imm
	if inst.Opcode == 0x6A {
		v = signExtend(v, 1)
	}
	return c.push(opSize(inst), v)
}

// opPopRM pops into a register or memory operand. The destination
// address is computed after ESP has moved.
func opPopRM(c *CPU, inst *insts.Instruction) error {
	if inst.Reg != 0 {
		return errUD()
	}
	size := opSize(inst)
	v, err := c.stackRead(0, size)
	if err != nil {
		return err
	}
	c.setSP(c.Regs.R[ESP] + uint32(size))
	return c.store(c.rm(inst), size, v)
}

func opPushF(c *CPU, inst *insts.Instruction) error {
	if c.V86() && c.IOPL() < 3 {
		return errGP(0)
	}
	return c.push(opSize(inst), c.EFLAGS()&^(FlagVM|FlagRF))
}

func opPopF(c *CPU, inst *insts.Instruction) error {
	if c.V86() && c.IOPL() < 3 {
		return errGP(0)
	}
	size := opSize(inst)
	v, err := c.pop(size)
	if err != nil {
		return err
	}
	c.loadFlags(v, c.flagsWritable(size))
	return nil
}

func opEnter(c *CPU, inst *insts.Instruction) error {
	size := opSize(inst)
	level := inst.Imm2 & 31
	mask := c.stackMask()

	if err := c.push(size, c.Regs.Read(size, EBP)); err != nil {
		return err
	}
	frameTemp := c.Regs.R[ESP] & mask

	if level > 0 {
		bp := c.Regs.R[EBP]
		for i := uint32(1); i < level; i++ {
			bp = (bp - uint32(size)) & mask
			v, err := c.readLin(c.Segs[SS].Base+bp, size, c.CPL == 3)
			if err != nil {
				return err
			}
			if err := c.push(size, v); err != nil {
				return err
			}
		}
		if err := c.push(size, frameTemp); err != nil {
			return err
		}
	}

	c.Regs.Write(size, EBP, frameTemp)
	c.setSP(c.Regs.R[ESP] - inst.Imm)
	return nil
}

func opLeave(c *CPU, inst *insts.Instruction) error {
	size := opSize(inst)
	c.setSP(c.Regs.R[EBP])
	v, err := c.pop(size)
	if err != nil {
		return err
	}
	c.Regs.Write(size, EBP, v)
	return nil
}
