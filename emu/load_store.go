package emu

import "github.com/sarchlab/x86sim/insts"

// readLin reads size bytes at a linear address.
func (c *CPU) readLin(lin uint32, size int, user bool) (uint32, error) {
	switch size {
	case 1:
		v, err := c.tr.Read8(lin, user)
		return uint32(v), err
	case 2:
		v, err := c.tr.Read16(lin, user)
		return uint32(v), err
	default:
		return c.tr.Read32(lin, user)
	}
}

// writeLin writes size bytes at a linear address.
func (c *CPU) writeLin(lin uint32, size int, v uint32, user bool) error {
	switch size {
	case 1:
		return c.tr.Write8(lin, uint8(v), user)
	case 2:
		return c.tr.Write16(lin, uint16(v), user)
	default:
		return c.tr.Write32(lin, v, user)
	}
}

// read reads size bytes at seg:off with the current privilege.
func (c *CPU) read(seg int, off uint32, size int) (uint32, error) {
	return c.readLin(c.Segs[seg].Base+off, size, c.CPL == 3)
}

// write writes size bytes at seg:off with the current privilege.
func (c *CPU) write(seg int, off uint32, size int, v uint32) error {
	return c.writeLin(c.Segs[seg].Base+off, size, v, c.CPL == 3)
}

// operand is a resolved ModRM operand: a register or a linear address.
type operand struct {
	mem bool
	reg uint8
	lin uint32
}

// effectiveAddress resolves the memory form of a ModRM operand to a
// segment and offset.
func (c *CPU) effectiveAddress(inst *insts.Instruction) (int, uint32) {
	seg := DS
	var off uint32

	if !inst.AddrSize32 {
		r := &c.Regs
		switch inst.RM {
		case 0:
			off = r.R[EBX] + r.R[ESI]
		case 1:
			off = r.R[EBX] + r.R[EDI]
		case 2:
			off = r.R[EBP] + r.R[ESI]
			seg = SS
		case 3:
			off = r.R[EBP] + r.R[EDI]
			seg = SS
		case 4:
			off = r.R[ESI]
		case 5:
			off = r.R[EDI]
		case 6:
			if inst.Mod != 0 {
				off = r.R[EBP]
				seg = SS
			}
		case 7:
			off = r.R[EBX]
		}
		off = (off + inst.Disp) & 0xFFFF
	} else if inst.HasSIB {
		if inst.Base == 5 && inst.Mod == 0 {
			off = 0
		} else {
			off = c.Regs.R[inst.Base]
			if inst.Base == ESP || inst.Base == EBP {
				seg = SS
			}
		}
		if inst.Index != 4 {
			off += c.Regs.R[inst.Index] << inst.Scale
		}
		off += inst.Disp
	} else {
		if inst.Mod == 0 && inst.RM == 5 {
			off = 0
		} else {
			off = c.Regs.R[inst.RM]
			if inst.RM == EBP {
				seg = SS
			}
		}
		off += inst.Disp
	}

	if inst.Seg != insts.SegNone {
		seg = inst.Seg
	}
	return seg, off
}

// rm resolves the ModRM r/m operand.
func (c *CPU) rm(inst *insts.Instruction) operand {
	if inst.Mod == 3 {
		return operand{reg: inst.RM}
	}
	seg, off := c.effectiveAddress(inst)
	return operand{mem: true, lin: c.Segs[seg].Base + off}
}

func (c *CPU) load(op operand, size int) (uint32, error) {
	if !op.mem {
		return c.Regs.Read(size, op.reg), nil
	}
	return c.readLin(op.lin, size, c.CPL == 3)
}

func (c *CPU) store(op operand, size int, v uint32) error {
	if !op.mem {
		c.Regs.Write(size, op.reg, v)
		return nil
	}
	return c.writeLin(op.lin, size, v, c.CPL == 3)
}

// memOnly resolves a ModRM operand that must be in memory.
func (c *CPU) memOnly(inst *insts.Instruction) (operand, error) {
	if inst.Mod == 3 {
		return operand{}, errUD()
	}
	return c.rm(inst), nil
}

// stackMask returns the mask applied to ESP by the current stack segment.
func (c *CPU) stackMask() uint32 {
	if c.Stack32() {
		return 0xFFFFFFFF
	}
	return 0xFFFF
}

func (c *CPU) sp() uint32 {
	return c.Regs.R[ESP] & c.stackMask()
}

func (c *CPU) setSP(v uint32) {
	mask := c.stackMask()
	c.Regs.R[ESP] = c.Regs.R[ESP]&^mask | v&mask
}

// push pushes size bytes on SS:ESP.
func (c *CPU) push(size int, v uint32) error {
	sp := (c.Regs.R[ESP] - uint32(size)) & c.stackMask()
	if err := c.writeLin(c.Segs[SS].Base+sp, size, v, c.CPL == 3); err != nil {
		return err
	}
	c.setSP(sp)
	return nil
}

// pop pops size bytes from SS:ESP.
func (c *CPU) pop(size int) (uint32, error) {
	v, err := c.stackRead(0, size)
	if err != nil {
		return 0, err
	}
	c.setSP(c.Regs.R[ESP] + uint32(size))
	return v, nil
}

// stackRead reads size bytes at SS:ESP+off without moving ESP.
func (c *CPU) stackRead(off uint32, size int) (uint32, error) {
	sp := (c.Regs.R[ESP] + off) & c.stackMask()
	return c.readLin(c.Segs[SS].Base+sp, size, c.CPL == 3)
}

// frame writes a sequence of pushes to an arbitrary stack without
// touching CPU state, so that a fault part way leaves nothing committed.
type frame struct {
	c    *CPU
	base uint32
	sp   uint32
	mask uint32
	user bool
}

func (f *frame) push(size int, v uint32) error {
	f.sp = (f.sp - uint32(size)) & f.mask
	return f.c.writeLin(f.base+f.sp, size, v, f.user)
}

// unframe reads a sequence of pops from the current stack without
// touching CPU state.
type unframe struct {
	c  *CPU
	sp uint32
}

func (c *CPU) unframe() *unframe {
	return &unframe{c: c, sp: c.Regs.R[ESP]}
}

func (u *unframe) pop(size int) (uint32, error) {
	v, err := u.c.readLin(u.c.Segs[SS].Base+u.sp&u.c.stackMask(), size, u.c.CPL == 3)
	if err != nil {
		return 0, err
	}
	u.sp += uint32(size)
	return v, nil
}

// opSize returns the operand size of a non-byte instruction.
func opSize(inst *insts.Instruction) int {
	if inst.OpSize32 {
		return 4
	}
	return 2
}

// byteOrOp returns 1 for even opcodes (byte forms) and the operand size
// for odd ones.
func byteOrOp(inst *insts.Instruction) int {
	if inst.Opcode&1 == 0 {
		return 1
	}
	return opSize(inst)
}

// addrMask returns the mask of the effective address size.
func addrMask(inst *insts.Instruction) uint32 {
	if inst.AddrSize32 {
		return 0xFFFFFFFF
	}
	return 0xFFFF
}

func signExtend(v uint32, size int) uint32 {
	switch size {
	case 1:
		return uint32(int32(int8(v)))
	case 2:
		return uint32(int32(int16(v)))
	}
	return v
}
