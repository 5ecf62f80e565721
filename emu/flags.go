package emu

import "math/bits"

// FlagOp identifies the family of formulas that reproduce the arithmetic
// flags of the last flag-setting operation.
type FlagOp uint8

// Flag operation tags.
const (
	// OpEflags means Dst already holds the arithmetic flag bits.
	OpEflags FlagOp = iota
	OpAdd
	OpAdc // add with carry-in set
	OpSub
	OpSbb // subtract with borrow-in set
	OpLogic
	OpInc
	OpDec
	OpShl // Src holds the operand shifted by count-1
	OpShr // Src holds the operand shifted by count-1
	OpSar // Src holds the operand shifted by count-1
	OpMul // Src is non-zero when the high half is significant
)

var flagOpNames = [...]string{
	"eflags", "add", "adc", "sub", "sbb", "logic",
	"inc", "dec", "shl", "shr", "sar", "mul",
}

func (op FlagOp) String() string {
	if int(op) < len(flagOpNames) {
		return flagOpNames[op]
	}
	return "?"
}

// LazyFlags is the deferred flags tuple. For add and subtract families
// Dst is the result and Src the second operand; the first operand is
// recovered from them. INC and DEC leave Src alone and stash the previous
// tag and result in Op2/Width2/Dst2 so that carry still refers to the
// operation before them.
type LazyFlags struct {
	Op    FlagOp
	Width uint8 // operand size in bytes
	Dst   uint32
	Src   uint32

	Op2    FlagOp
	Width2 uint8
	Dst2   uint32
}

func widthMask(w uint8) uint32 {
	switch w {
	case 1:
		return 0xFF
	case 2:
		return 0xFFFF
	default:
		return 0xFFFFFFFF
	}
}

func widthSign(w uint8) uint32 {
	switch w {
	case 1:
		return 0x80
	case 2:
		return 0x8000
	default:
		return 0x80000000
	}
}

// Set records a flag-setting operation.
func (f *LazyFlags) Set(op FlagOp, w uint8, dst, src uint32) {
	m := widthMask(w)
	f.Op = op
	f.Width = w
	f.Dst = dst & m
	f.Src = src & m
}

// SetIncDec records INC or DEC, preserving the carry of the previous
// operation.
func (f *LazyFlags) SetIncDec(op FlagOp, w uint8, dst uint32) {
	if f.Op != OpInc && f.Op != OpDec {
		f.Op2 = f.Op
		f.Width2 = f.Width
		f.Dst2 = f.Dst
	}
	f.Op = op
	f.Width = w
	f.Dst = dst & widthMask(w)
}

// SetEflags replaces the tuple by explicit arithmetic flag bits.
func (f *LazyFlags) SetEflags(v uint32) {
	*f = LazyFlags{Op: OpEflags, Dst: v & ArithFlags}
}

// first recovers the first operand of an add or subtract family op.
func (f LazyFlags) first() uint32 {
	m := widthMask(f.Width)
	switch f.Op {
	case OpAdd:
		return (f.Dst - f.Src) & m
	case OpAdc:
		return (f.Dst - f.Src - 1) & m
	case OpSub:
		return (f.Dst + f.Src) & m
	case OpSbb:
		return (f.Dst + f.Src + 1) & m
	}
	return 0
}

func carryOf(op FlagOp, w uint8, dst, src uint32) bool {
	m := widthMask(w)
	switch op {
	case OpEflags:
		return dst&FlagCF != 0
	case OpAdd:
		return dst < src
	case OpAdc:
		return dst <= src
	case OpSub:
		return (dst+src)&m < src
	case OpSbb:
		return (dst+src+1)&m <= src
	case OpShl:
		return src&widthSign(w) != 0
	case OpShr, OpSar:
		return src&1 != 0
	case OpMul:
		return src != 0
	}
	return false
}

// CF materializes the carry flag.
func (f LazyFlags) CF() bool {
	if f.Op == OpInc || f.Op == OpDec {
		return carryOf(f.Op2, f.Width2, f.Dst2, f.Src)
	}
	return carryOf(f.Op, f.Width, f.Dst, f.Src)
}

// PF materializes the parity flag (even parity of the low byte).
func (f LazyFlags) PF() bool {
	if f.Op == OpEflags {
		return f.Dst&FlagPF != 0
	}
	return bits.OnesCount8(uint8(f.Dst))&1 == 0
}

// AF materializes the adjust flag.
func (f LazyFlags) AF() bool {
	switch f.Op {
	case OpEflags:
		return f.Dst&FlagAF != 0
	case OpAdd, OpAdc, OpSub, OpSbb:
		return (f.first()^f.Src^f.Dst)&0x10 != 0
	case OpInc:
		return f.Dst&0xF == 0
	case OpDec:
		return f.Dst&0xF == 0xF
	}
	return false
}

// ZF materializes the zero flag.
func (f LazyFlags) ZF() bool {
	if f.Op == OpEflags {
		return f.Dst&FlagZF != 0
	}
	return f.Dst&widthMask(f.Width) == 0
}

// SF materializes the sign flag.
func (f LazyFlags) SF() bool {
	if f.Op == OpEflags {
		return f.Dst&FlagSF != 0
	}
	return f.Dst&widthSign(f.Width) != 0
}

// OF materializes the overflow flag.
func (f LazyFlags) OF() bool {
	sign := widthSign(f.Width)
	switch f.Op {
	case OpEflags:
		return f.Dst&FlagOF != 0
	case OpAdd, OpAdc:
		x := f.first()
		return (x^f.Dst)&(f.Src^f.Dst)&sign != 0
	case OpSub, OpSbb:
		x := f.first()
		return (x^f.Src)&(x^f.Dst)&sign != 0
	case OpInc:
		return f.Dst == sign
	case OpDec:
		return f.Dst == sign-1
	case OpShl, OpShr, OpSar:
		return (f.Src^f.Dst)&sign != 0
	case OpMul:
		return f.Src != 0
	}
	return false
}

// Compute materializes all arithmetic flag bits.
func (f LazyFlags) Compute() uint32 {
	if f.Op == OpEflags {
		return f.Dst & ArithFlags
	}
	var v uint32
	if f.CF() {
		v |= FlagCF
	}
	if f.PF() {
		v |= FlagPF
	}
	if f.AF() {
		v |= FlagAF
	}
	if f.ZF() {
		v |= FlagZF
	}
	if f.SF() {
		v |= FlagSF
	}
	if f.OF() {
		v |= FlagOF
	}
	return v
}

// Cond evaluates a condition code (the low nibble of Jcc/SETcc/CMOVcc).
func (f LazyFlags) Cond(cc uint8) bool {
	var r bool
	switch cc >> 1 {
	case 0:
		r = f.OF()
	case 1:
		r = f.CF()
	case 2:
		r = f.ZF()
	case 3:
		r = f.CF() || f.ZF()
	case 4:
		r = f.SF()
	case 5:
		r = f.PF()
	case 6:
		r = f.SF() != f.OF()
	case 7:
		r = f.ZF() || f.SF() != f.OF()
	}
	if cc&1 != 0 {
		return !r
	}
	return r
}

// withBits returns flags equal to the current ones with the bits in mask
// replaced by set.
func (f LazyFlags) withBits(mask, set uint32) LazyFlags {
	v := f.Compute()&^mask | set&mask
	return LazyFlags{Op: OpEflags, Dst: v}
}
