package emu

import "github.com/sarchlab/x86sim/insts"

func init() {
	registerRange(0x70, 0x7F, opJcc)
	registerRange(tb|0x80, tb|0x8F, opJcc)
	register(opJmpRel, 0xE9, 0xEB)
	register(opCallRel, 0xE8)
	register(opRet, 0xC2, 0xC3)
	register(opRetFar, 0xCA, 0xCB)
	register(opJmpFar, 0xEA)
	register(opCallFar, 0x9A)
	register(opLoop, 0xE0, 0xE1, 0xE2, 0xE3)
	register(opGroup4, 0xFE)
	register(opGroup5, 0xFF)
	register(opInt3, 0xCC)
	register(opInt, 0xCD)
	register(opInto, 0xCE)
	register(opICEBP, 0xF1)
	register(opIret, 0xCF)
	register(opHlt, 0xF4)
	register(opBound, 0x62)
}

// jumpRel adds a relative displacement to the next EIP, truncating to
// 16 bits for 16-bit operand size.
func (c *CPU) jumpRel(inst *insts.Instruction, disp uint32) {
	t := c.next + disp
	if !inst.OpSize32 {
		t &= 0xFFFF
	}
	c.next = t
}

func relDisp(inst *insts.Instruction) uint32 {
	switch inst.Opcode {
	case 0xEB, 0xE0, 0xE1, 0xE2, 0xE3:
		return signExtend(inst.Imm, 1)
	}
	if inst.Opcode < 0x80 {
		return signExtend(inst.Imm, 1)
	}
	return signExtend(inst.Imm, opSize(inst))
}

func opJcc(c *CPU, inst *insts.Instruction) error {
	if c.Flags.Cond(uint8(inst.Opcode & 0xF)) {
		c.jumpRel(inst, relDisp(inst))
	}
	return nil
}

func opJmpRel(c *CPU, inst *insts.Instruction) error {
	c.jumpRel(inst, relDisp(inst))
	return nil
}

func opCallRel(c *CPU, inst *insts.Instruction) error {
	if err := c.push(opSize(inst), c.next); err != nil {
		return err
	}
	c.jumpRel(inst, relDisp(inst))
	return nil
}

func (c *CPU) returnNear(size int, imm uint32) error {
	v, err := c.pop(size)
	if err != nil {
		return err
	}
	c.setSP(c.Regs.R[ESP] + imm)
	c.next = v
	return nil
}

func opRet(c *CPU, inst *insts.Instruction) error {
	var imm uint32
	if inst.Opcode == 0xC2 {
		imm = inst.Imm
	}
	return c.returnNear(opSize(inst), imm)
}

func opRetFar(c *CPU, inst *insts.Instruction) error {
	var imm uint32
	if inst.Opcode == 0xCA {
		imm = inst.Imm
	}
	return c.returnFar(opSize(inst), imm)
}

func opJmpFar(c *CPU, inst *insts.Instruction) error {
	return c.jumpFar(uint16(inst.Imm2), inst.Imm)
}

func opCallFar(c *CPU, inst *insts.Instruction) error {
	return c.callFar(uint16(inst.Imm2), inst.Imm, opSize(inst))
}

// opLoop implements LOOPNE, LOOPE, LOOP and JCXZ. The counter is CX or
// ECX by address size.
func opLoop(c *CPU, inst *insts.Instruction) error {
	mask := addrMask(inst)
	count := c.Regs.R[ECX] & mask
	var taken bool
	if inst.Opcode == 0xE3 {
		taken = count == 0
	} else {
		count = (count - 1) & mask
		c.Regs.R[ECX] = c.Regs.R[ECX]&^mask | count
		taken = count != 0
		switch inst.Opcode {
		case 0xE0:
			taken = taken && !c.Flags.ZF()
		case 0xE1:
			taken = taken && c.Flags.ZF()
		}
	}
	if taken {
		c.jumpRel(inst, relDisp(inst))
	}
	return nil
}

func opGroup4(c *CPU, inst *insts.Instruction) error {
	if inst.Reg > 1 {
		return errUD()
	}
	dst := c.rm(inst)
	v, err := c.load(dst, 1)
	if err != nil {
		return err
	}
	return c.store(dst, 1, c.incDec(inst.Reg == 1, 1, v))
}

// farPointer reads an m16:16 or m16:32 operand.
func (c *CPU) farPointer(inst *insts.Instruction) (uint16, uint32, error) {
	op, err := c.memOnly(inst)
	if err != nil {
		return 0, 0, err
	}
	size := opSize(inst)
	off, err := c.load(op, size)
	if err != nil {
		return 0, 0, err
	}
	op.lin += uint32(size)
	sel, err := c.load(op, 2)
	if err != nil {
		return 0, 0, err
	}
	return uint16(sel), off, nil
}

func opGroup5(c *CPU, inst *insts.Instruction) error {
	size := opSize(inst)
	switch inst.Reg {
	case 0, 1:
		dst := c.rm(inst)
		v, err := c.load(dst, size)
		if err != nil {
			return err
		}
		return c.store(dst, size, c.incDec(inst.Reg == 1, size, v))
	case 2, 4:
		target, err := c.load(c.rm(inst), size)
		if err != nil {
			return err
		}
		if inst.Reg == 2 {
			if err := c.push(size, c.next); err != nil {
				return err
			}
		}
		c.next = target
		return nil
	case 3, 5:
		sel, off, err := c.farPointer(inst)
		if err != nil {
			return err
		}
		if inst.Reg == 3 {
			return c.callFar(sel, off, size)
		}
		return c.jumpFar(sel, off)
	case 6:
		v, err := c.load(c.rm(inst), size)
		if err != nil {
			return err
		}
		return c.push(size, v)
	}
	return errUD()
}

func opInt3(c *CPU, _ *insts.Instruction) error {
	return c.interrupt(VecBP, kindSoftTrap, false, 0, c.next)
}

func opInt(c *CPU, inst *insts.Instruction) error {
	return c.interrupt(uint8(inst.Imm), kindSoftware, false, 0, c.next)
}

func opInto(c *CPU, _ *insts.Instruction) error {
	if !c.Flags.OF() {
		return nil
	}
	return c.interrupt(VecOF, kindSoftTrap, false, 0, c.next)
}

func opICEBP(c *CPU, _ *insts.Instruction) error {
	return c.interrupt(VecDB, kindICEBP, false, 0, c.next)
}

func opIret(c *CPU, inst *insts.Instruction) error {
	return c.iret(opSize(inst))
}

func opHlt(c *CPU, _ *insts.Instruction) error {
	if c.ProtectedMode() && c.CPL != 0 {
		return errGP(0)
	}
	c.Halted = true
	return nil
}

func opBound(c *CPU, inst *insts.Instruction) error {
	op, err := c.memOnly(inst)
	if err != nil {
		return err
	}
	size := opSize(inst)
	lo, err := c.load(op, size)
	if err != nil {
		return err
	}
	op.lin += uint32(size)
	hi, err := c.load(op, size)
	if err != nil {
		return err
	}
	idx := int32(signExtend(c.Regs.Read(size, inst.Reg), size))
	if idx < int32(signExtend(lo, size)) || idx > int32(signExtend(hi, size)) {
		return &Fault{Vector: VecBR}
	}
	return nil
}
