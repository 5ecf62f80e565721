package emu

import (
	"math/bits"

	"github.com/sarchlab/x86sim/insts"
)

// Group 1 operations, in opcode bits 3-5 and ModRM reg order.
const (
	aluADD = iota
	aluOR
	aluADC
	aluSBB
	aluAND
	aluSUB
	aluXOR
	aluCMP
)

func init() {
	for base := 0x00; base <= 0x38; base += 0x08 {
		registerRange(base, base+5, opALU)
	}
	registerRange(0x80, 0x83, opGroup1)
	register(opTest, 0x84, 0x85, 0xA8, 0xA9)
	registerRange(0x40, 0x4F, opIncDecReg)
	register(opGroup3, 0xF6, 0xF7)
	register(opIMul, tb|0xAF, 0x69, 0x6B)
	register(opShiftGroup, 0xC0, 0xC1, 0xD0, 0xD1, 0xD2, 0xD3)
	register(opShiftDouble, tb|0xA4, tb|0xA5, tb|0xAC, tb|0xAD)
	register(opBitTest, tb|0xA3, tb|0xAB, tb|0xB3, tb|0xBB, tb|0xBA)
	register(opBitScan, tb|0xBC, tb|0xBD)
	register(opCmpXchg, tb|0xB0, tb|0xB1)
	register(opXAdd, tb|0xC0, tb|0xC1)
	register(opCmpXchg8B, tb|0xC7)
	registerRange(tb|0xC8, tb|0xCF, opBSwap)
	register(opDAA, 0x27)
	register(opDAS, 0x2F)
	register(opAAA, 0x37)
	register(opAAS, 0x3F)
	register(opAAM, 0xD4)
	register(opAAD, 0xD5)
	register(opSALC, 0xD6)
	register(opCBW, 0x98)
	register(opCWD, 0x99)
}

func flagIf(cond bool, flag uint32) uint32 {
	if cond {
		return flag
	}
	return 0
}

// arith performs a group 1 operation on size-byte operands and records
// its flags. CMP returns the difference, which callers discard.
func (c *CPU) arith(kind uint8, size int, a, b uint32) uint32 {
	w := uint8(size)
	var r uint32
	switch kind {
	case aluADD:
		r = a + b
		c.Flags.Set(OpAdd, w, r, b)
	case aluOR:
		r = a | b
		c.Flags.Set(OpLogic, w, r, 0)
	case aluADC:
		if c.Flags.CF() {
			r = a + b + 1
			c.Flags.Set(OpAdc, w, r, b)
		} else {
			r = a + b
			c.Flags.Set(OpAdd, w, r, b)
		}
	case aluSBB:
		if c.Flags.CF() {
			r = a - b - 1
			c.Flags.Set(OpSbb, w, r, b)
		} else {
			r = a - b
			c.Flags.Set(OpSub, w, r, b)
		}
	case aluAND:
		r = a & b
		c.Flags.Set(OpLogic, w, r, 0)
	case aluSUB, aluCMP:
		r = a - b
		c.Flags.Set(OpSub, w, r, b)
	case aluXOR:
		r = a ^ b
		c.Flags.Set(OpLogic, w, r, 0)
	}
	return r & widthMask(w)
}

func (c *CPU) incDec(dec bool, size int, v uint32) uint32 {
	if dec {
		r := (v - 1) & widthMask(uint8(size))
		c.Flags.SetIncDec(OpDec, uint8(size), r)
		return r
	}
	r := (v + 1) & widthMask(uint8(size))
	c.Flags.SetIncDec(OpInc, uint8(size), r)
	return r
}

func opALU(c *CPU, inst *insts.Instruction) error {
	kind := uint8(inst.Opcode>>3) & 7
	size := byteOrOp(inst)

	switch inst.Opcode & 7 {
	case 0, 1:
		dst := c.rm(inst)
		a, err := c.load(dst, size)
		if err != nil {
			return err
		}
		r := c.arith(kind, size, a, c.Regs.Read(size, inst.Reg))
		if kind == aluCMP {
			return nil
		}
		return c.store(dst, size, r)
	case 2, 3:
		b, err := c.load(c.rm(inst), size)
		if err != nil {
			return err
		}
		r := c.arith(kind, size, c.Regs.Read(size, inst.Reg), b)
		if kind != aluCMP {
			c.Regs.Write(size, inst.Reg, r)
		}
	default:
		r := c.arith(kind, size, c.Regs.Read(size, EAX), inst.Imm)
		if kind != aluCMP {
			c.Regs.Write(size, EAX, r)
		}
	}
	return nil
}

func opGroup1(c *CPU, inst *insts.Instruction) error {
	size := byteOrOp(inst)
	imm := inst.Imm
	if inst.Opcode == 0x83 {
		imm = signExtend(imm, 1)
	}
	dst := c.rm(inst)
	a, err := c.load(dst, size)
	if err != nil {
		return err
	}
	r := c.arith(inst.Reg, size, a, imm)
	if inst.Reg == aluCMP {
		return nil
	}
	return c.store(dst, size, r)
}

func opTest(c *CPU, inst *insts.Instruction) error {
	size := byteOrOp(inst)
	var a, b uint32
	if inst.Opcode >= 0xA8 {
		a, b = c.Regs.Read(size, EAX), inst.Imm
	} else {
		v, err := c.load(c.rm(inst), size)
		if err != nil {
			return err
		}
		a, b = v, c.Regs.Read(size, inst.Reg)
	}
	c.arith(aluAND, size, a, b)
	return nil
}

func opIncDecReg(c *CPU, inst *insts.Instruction) error {
	size := opSize(inst)
	reg := uint8(inst.Opcode & 7)
	r := c.incDec(inst.Opcode >= 0x48, size, c.Regs.Read(size, reg))
	c.Regs.Write(size, reg, r)
	return nil
}

func opGroup3(c *CPU, inst *insts.Instruction) error {
	size := byteOrOp(inst)
	w := uint8(size)
	dst := c.rm(inst)
	v, err := c.load(dst, size)
	if err != nil {
		return err
	}

	switch inst.Reg {
	case 0, 1:
		c.Flags.Set(OpLogic, w, v&inst.Imm, 0)
	case 2:
		return c.store(dst, size, ^v)
	case 3:
		r := -v
		if err := c.store(dst, size, r); err != nil {
			return err
		}
		c.Flags.Set(OpSub, w, r, v)
	case 4:
		c.mul(size, v)
	case 5:
		c.imul(size, v)
	case 6:
		return c.div(size, v)
	case 7:
		return c.idiv(size, v)
	}
	return nil
}

// mul implements the one-operand unsigned multiply into eAX/eDX.
func (c *CPU) mul(size int, v uint32) {
	r := &c.Regs
	var lo, hi uint32
	switch size {
	case 1:
		p := uint32(r.Read8(0)) * (v & 0xFF)
		r.Write16(EAX, uint16(p))
		lo, hi = p&0xFF, p>>8
	case 2:
		p := uint32(r.Read16(EAX)) * (v & 0xFFFF)
		r.Write16(EAX, uint16(p))
		r.Write16(EDX, uint16(p>>16))
		lo, hi = p&0xFFFF, p>>16
	default:
		hi, lo = bits.Mul32(r.R[EAX], v)
		r.R[EAX], r.R[EDX] = lo, hi
	}
	c.Flags.Set(OpMul, uint8(size), lo, hi)
}

// imul implements the one-operand signed multiply into eAX/eDX.
func (c *CPU) imul(size int, v uint32) {
	r := &c.Regs
	var lo uint32
	var over bool
	switch size {
	case 1:
		p := int16(int8(r.Read8(0))) * int16(int8(v))
		r.Write16(EAX, uint16(p))
		lo, over = uint32(uint8(p)), p != int16(int8(p))
	case 2:
		p := int32(int16(r.Read16(EAX))) * int32(int16(v))
		r.Write16(EAX, uint16(p))
		r.Write16(EDX, uint16(p>>16))
		lo, over = uint32(uint16(p)), p != int32(int16(p))
	default:
		p := int64(int32(r.R[EAX])) * int64(int32(v))
		r.R[EAX], r.R[EDX] = uint32(p), uint32(p>>32)
		lo, over = uint32(p), p != int64(int32(p))
	}
	c.Flags.Set(OpMul, uint8(size), lo, flagIf(over, 1))
}

func (c *CPU) div(size int, v uint32) error {
	r := &c.Regs
	v &= widthMask(uint8(size))
	if v == 0 {
		return errDE()
	}
	switch size {
	case 1:
		n := uint32(r.Read16(EAX))
		q := n / v
		if q > 0xFF {
			return errDE()
		}
		r.Write16(EAX, uint16(n%v)<<8|uint16(q))
	case 2:
		n := uint32(r.Read16(EDX))<<16 | uint32(r.Read16(EAX))
		q := n / v
		if q > 0xFFFF {
			return errDE()
		}
		r.Write16(EAX, uint16(q))
		r.Write16(EDX, uint16(n%v))
	default:
		if r.R[EDX] >= v {
			return errDE()
		}
		q, rem := bits.Div32(r.R[EDX], r.R[EAX], v)
		r.R[EAX], r.R[EDX] = q, rem
	}
	return nil
}

func (c *CPU) idiv(size int, v uint32) error {
	r := &c.Regs
	if v&widthMask(uint8(size)) == 0 {
		return errDE()
	}
	switch size {
	case 1:
		n, d := int32(int16(r.Read16(EAX))), int32(int8(v))
		q := n / d
		if q != int32(int8(q)) {
			return errDE()
		}
		r.Write16(EAX, uint16(uint8(n%d))<<8|uint16(uint8(q)))
	case 2:
		n := int32(uint32(r.Read16(EDX))<<16 | uint32(r.Read16(EAX)))
		d := int32(int16(v))
		q := n / d
		if q != int32(int16(q)) {
			return errDE()
		}
		r.Write16(EAX, uint16(q))
		r.Write16(EDX, uint16(n%d))
	default:
		n := int64(uint64(r.R[EDX])<<32 | uint64(r.R[EAX]))
		d := int64(int32(v))
		q := n / d
		if q != int64(int32(q)) {
			return errDE()
		}
		r.R[EAX], r.R[EDX] = uint32(q), uint32(n%d)
	}
	return nil
}

// opIMul handles the two- and three-operand IMUL forms.
func opIMul(c *CPU, inst *insts.Instruction) error {
	size := opSize(inst)
	src, err := c.load(c.rm(inst), size)
	if err != nil {
		return err
	}
	var other uint32
	switch inst.Opcode {
	case 0x69:
		other = inst.Imm
	case 0x6B:
		other = signExtend(inst.Imm, 1)
	default:
		other = c.Regs.Read(size, inst.Reg)
	}

	p := int64(int32(signExtend(src, size))) * int64(int32(signExtend(other, size)))
	lo := uint32(p) & widthMask(uint8(size))
	over := p != int64(int32(signExtend(lo, size)))
	c.Regs.Write(size, inst.Reg, lo)
	c.Flags.Set(OpMul, uint8(size), lo, flagIf(over, 1))
	return nil
}

func opShiftGroup(c *CPU, inst *insts.Instruction) error {
	size := byteOrOp(inst)
	var count uint32
	switch inst.Opcode {
	case 0xC0, 0xC1:
		count = inst.Imm
	case 0xD0, 0xD1:
		count = 1
	default:
		count = c.Regs.R[ECX] & 0xFF
	}
	dst := c.rm(inst)
	v, err := c.load(dst, size)
	if err != nil {
		return err
	}
	r, changed := c.shift(inst.Reg, size, v, count)
	if !changed {
		return nil
	}
	return c.store(dst, size, r)
}

// shift performs a group 2 rotate or shift. It reports false when the
// masked count leaves both operand and flags untouched.
func (c *CPU) shift(kind uint8, size int, v, count uint32) (uint32, bool) {
	w := uint8(size)
	nbits := uint32(size * 8)
	m := widthMask(w)
	v &= m
	n := count & 0x1F

	switch kind {
	case 0, 1: // ROL, ROR
		if n == 0 {
			return v, false
		}
		k := n % nbits
		var r, cf, of uint32
		if kind == 0 {
			r = (v<<k | v>>(nbits-k)) & m
			cf = r & 1
			of = r>>(nbits-1) ^ cf
		} else {
			r = (v>>k | v<<(nbits-k)) & m
			cf = r >> (nbits - 1)
			of = cf ^ (r>>(nbits-2))&1
		}
		c.Flags = c.Flags.withBits(FlagCF|FlagOF, flagIf(cf != 0, FlagCF)|flagIf(of != 0, FlagOF))
		return r, true

	case 2, 3: // RCL, RCR
		switch size {
		case 1:
			n %= 9
		case 2:
			n %= 17
		}
		if n == 0 {
			return v, false
		}
		x := uint64(v)
		if c.Flags.CF() {
			x |= 1 << nbits
		}
		m1 := uint64(1)<<(nbits+1) - 1
		if kind == 2 {
			x = (x<<n | x>>(nbits+1-n)) & m1
		} else {
			x = (x>>n | x<<(nbits+1-n)) & m1
		}
		r := uint32(x) & m
		cf := x>>nbits&1 != 0
		of := (v^r)>>(nbits-1)&1 != 0
		c.Flags = c.Flags.withBits(FlagCF|FlagOF, flagIf(cf, FlagCF)|flagIf(of, FlagOF))
		return r, true

	case 4, 6: // SHL, SAL
		if n == 0 {
			return v, false
		}
		r := v << n
		c.Flags.Set(OpShl, w, r, v<<(n-1))
		return r & m, true

	case 5: // SHR
		if n == 0 {
			return v, false
		}
		r := v >> n
		c.Flags.Set(OpShr, w, r, v>>(n-1))
		return r, true

	default: // SAR
		if n == 0 {
			return v, false
		}
		s := int32(signExtend(v, size))
		r := uint32(s >> n)
		c.Flags.Set(OpSar, w, r, uint32(s>>(n-1)))
		return r & m, true
	}
}

func opShiftDouble(c *CPU, inst *insts.Instruction) error {
	size := opSize(inst)
	count := inst.Imm
	if inst.Opcode == tb|0xA5 || inst.Opcode == tb|0xAD {
		count = c.Regs.R[ECX]
	}
	n := count & 0x1F
	if n == 0 {
		return nil
	}
	dst := c.rm(inst)
	a, err := c.load(dst, size)
	if err != nil {
		return err
	}
	b := c.Regs.Read(size, inst.Reg)
	left := inst.Opcode <= tb|0xA5

	var r, src uint32
	switch {
	case size == 4 && left:
		x := uint64(a)<<32 | uint64(b)
		r, src = uint32(x<<n>>32), uint32(x<<(n-1)>>32)
	case size == 4:
		x := uint64(b)<<32 | uint64(a)
		r, src = uint32(x>>n), uint32(x>>(n-1))
	case left:
		// a:b:a so that counts above 16 keep rotating in the destination
		x := uint64(a)<<32 | uint64(b)<<16 | uint64(a)
		r, src = uint32(x<<n>>32)&0xFFFF, uint32(x<<(n-1)>>32)&0xFFFF
	default:
		x := uint64(a) | uint64(b)<<16 | uint64(a)<<32
		r, src = uint32(x>>n)&0xFFFF, uint32(x>>(n-1))&0xFFFF
	}

	if err := c.store(dst, size, r); err != nil {
		return err
	}
	if left {
		c.Flags.Set(OpShl, uint8(size), r, src)
	} else {
		c.Flags.Set(OpShr, uint8(size), r, src)
	}
	return nil
}

func opBitTest(c *CPU, inst *insts.Instruction) error {
	size := opSize(inst)
	nbits := uint32(size * 8)

	var kind uint8 // 0 BT, 1 BTS, 2 BTR, 3 BTC
	var off uint32
	imm := inst.Opcode == tb|0xBA
	if imm {
		if inst.Reg < 4 {
			return errUD()
		}
		kind = inst.Reg - 4
		off = inst.Imm
	} else {
		kind = uint8(inst.Opcode>>3) & 3
		off = c.Regs.Read(size, inst.Reg)
	}

	dst := c.rm(inst)
	if dst.mem && !imm {
		// A register bit offset addresses the whole bit string.
		if size == 4 {
			dst.lin += uint32(int32(off)>>5) * 4
		} else {
			dst.lin += uint32(int32(int16(off))>>4) * 2
		}
	}
	bit := off & (nbits - 1)

	v, err := c.load(dst, size)
	if err != nil {
		return err
	}
	cf := v>>bit&1 != 0
	if kind != 0 {
		switch kind {
		case 1:
			v |= 1 << bit
		case 2:
			v &^= 1 << bit
		case 3:
			v ^= 1 << bit
		}
		if err := c.store(dst, size, v); err != nil {
			return err
		}
	}
	c.Flags = c.Flags.withBits(FlagCF, flagIf(cf, FlagCF))
	return nil
}

func opBitScan(c *CPU, inst *insts.Instruction) error {
	size := opSize(inst)
	v, err := c.load(c.rm(inst), size)
	if err != nil {
		return err
	}
	c.Flags.Set(OpLogic, uint8(size), v, 0)
	if v == 0 {
		return nil
	}
	idx := uint32(bits.TrailingZeros32(v))
	if inst.Opcode == tb|0xBD {
		idx = uint32(31 - bits.LeadingZeros32(v))
	}
	c.Regs.Write(size, inst.Reg, idx)
	return nil
}

func opCmpXchg(c *CPU, inst *insts.Instruction) error {
	size := byteOrOp(inst)
	dst := c.rm(inst)
	v, err := c.load(dst, size)
	if err != nil {
		return err
	}
	acc := c.Regs.Read(size, EAX)
	if acc == v {
		if err := c.store(dst, size, c.Regs.Read(size, inst.Reg)); err != nil {
			return err
		}
	} else {
		if dst.mem {
			if err := c.store(dst, size, v); err != nil {
				return err
			}
		}
		c.Regs.Write(size, EAX, v)
	}
	c.arith(aluCMP, size, acc, v)
	return nil
}

func opXAdd(c *CPU, inst *insts.Instruction) error {
	size := byteOrOp(inst)
	dst := c.rm(inst)
	v, err := c.load(dst, size)
	if err != nil {
		return err
	}
	r := c.arith(aluADD, size, v, c.Regs.Read(size, inst.Reg))
	c.Regs.Write(size, inst.Reg, v)
	return c.store(dst, size, r)
}

func opCmpXchg8B(c *CPU, inst *insts.Instruction) error {
	if inst.Reg != 1 {
		return errUD()
	}
	op, err := c.memOnly(inst)
	if err != nil {
		return err
	}
	hiOp := op
	hiOp.lin += 4

	lo, err := c.load(op, 4)
	if err != nil {
		return err
	}
	hi, err := c.load(hiOp, 4)
	if err != nil {
		return err
	}

	r := &c.Regs
	equal := lo == r.R[EAX] && hi == r.R[EDX]
	if equal {
		lo, hi = r.R[EBX], r.R[ECX]
	}
	if err := c.store(op, 4, lo); err != nil {
		return err
	}
	if err := c.store(hiOp, 4, hi); err != nil {
		return err
	}
	if !equal {
		r.R[EAX], r.R[EDX] = lo, hi
	}
	c.Flags = c.Flags.withBits(FlagZF, flagIf(equal, FlagZF))
	return nil
}

func opBSwap(c *CPU, inst *insts.Instruction) error {
	reg := uint8(inst.Opcode & 7)
	if !inst.OpSize32 {
		// The 16-bit form is undefined; it clears the low word.
		c.Regs.Write16(reg, 0)
		return nil
	}
	c.Regs.R[reg] = bits.ReverseBytes32(c.Regs.R[reg])
	return nil
}

// setBCDFlags sets SF, ZF and PF from an 8-bit result and replaces AF
// and CF, leaving OF clear.
func (c *CPU) setBCDFlags(al uint8, af, cf bool) {
	v := flagIf(al == 0, FlagZF) | flagIf(al&0x80 != 0, FlagSF) |
		flagIf(bits.OnesCount8(al)&1 == 0, FlagPF) |
		flagIf(af, FlagAF) | flagIf(cf, FlagCF)
	c.Flags.SetEflags(v)
}

func opDAA(c *CPU, _ *insts.Instruction) error {
	old := c.Regs.Read8(0)
	al := old
	cf, af := c.Flags.CF(), c.Flags.AF()
	var newAF, newCF bool
	if al&0x0F > 9 || af {
		al += 6
		newAF = true
	}
	if old > 0x99 || cf {
		al += 0x60
		newCF = true
	}
	c.Regs.Write8(0, al)
	c.setBCDFlags(al, newAF, newCF)
	return nil
}

func opDAS(c *CPU, _ *insts.Instruction) error {
	old := c.Regs.Read8(0)
	al := old
	cf, af := c.Flags.CF(), c.Flags.AF()
	var newAF, newCF bool
	if al&0x0F > 9 || af {
		newAF = true
		if al < 6 || cf {
			newCF = true
		}
		al -= 6
	}
	if old > 0x99 || cf {
		al -= 0x60
		newCF = true
	}
	c.Regs.Write8(0, al)
	c.setBCDFlags(al, newAF, newCF)
	return nil
}

func opAAA(c *CPU, _ *insts.Instruction) error {
	return c.asciiAdjust(true)
}

func opAAS(c *CPU, _ *insts.Instruction) error {
	return c.asciiAdjust(false)
}

// asciiAdjust implements AAA and AAS. Flags other than AF and CF keep
// their previous values.
func (c *CPU) asciiAdjust(add bool) error {
	al := c.Regs.Read8(0)
	ah := c.Regs.Read8(4)
	adjust := al&0x0F > 9 || c.Flags.AF()
	if adjust {
		if add {
			carry := uint8(0)
			if al > 0xF9 {
				carry = 1
			}
			al = (al + 6) & 0x0F
			ah += 1 + carry
		} else {
			borrow := uint8(0)
			if al < 6 {
				borrow = 1
			}
			al = (al - 6) & 0x0F
			ah -= 1 + borrow
		}
	} else {
		al &= 0x0F
	}
	c.Regs.Write16(EAX, uint16(ah)<<8|uint16(al))
	c.Flags = c.Flags.withBits(FlagAF|FlagCF, flagIf(adjust, FlagAF|FlagCF))
	return nil
}

func opAAM(c *CPU, inst *insts.Instruction) error {
	base := uint8(inst.Imm)
	if base == 0 {
		return errDE()
	}
	al := c.Regs.Read8(0)
	r := al % base
	c.Regs.Write16(EAX, uint16(al/base)<<8|uint16(r))
	c.Flags.Set(OpLogic, 1, uint32(r), 0)
	return nil
}

func opAAD(c *CPU, inst *insts.Instruction) error {
	al := c.Regs.Read8(0)
	ah := c.Regs.Read8(4)
	r := al + ah*uint8(inst.Imm)
	c.Regs.Write16(EAX, uint16(r))
	c.Flags.Set(OpLogic, 1, uint32(r), 0)
	return nil
}

func opSALC(c *CPU, _ *insts.Instruction) error {
	var al uint8
	if c.Flags.CF() {
		al = 0xFF
	}
	c.Regs.Write8(0, al)
	return nil
}

func opCBW(c *CPU, inst *insts.Instruction) error {
	if inst.OpSize32 {
		c.Regs.R[EAX] = signExtend(c.Regs.R[EAX], 2)
	} else {
		c.Regs.Write16(EAX, uint16(signExtend(c.Regs.R[EAX], 1)))
	}
	return nil
}

func opCWD(c *CPU, inst *insts.Instruction) error {
	size := opSize(inst)
	var fill uint32
	if c.Regs.Read(size, EAX)&widthSign(uint8(size)) != 0 {
		fill = 0xFFFFFFFF
	}
	c.Regs.Write(size, EDX, fill)
	return nil
}
