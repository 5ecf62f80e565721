package insts

import "errors"

// MaxLength is the architectural limit on encoded instruction length.
const MaxLength = 15

var (
	// ErrInvalidOpcode is returned for opcodes with no decode entry.
	ErrInvalidOpcode = errors.New("invalid opcode")
	// ErrTooLong is returned when an encoding exceeds MaxLength bytes.
	ErrTooLong = errors.New("instruction exceeds 15 bytes")
)

// Segment register numbers, in ModRM/Sreg encoding order.
const (
	SegES = 0
	SegCS = 1
	SegSS = 2
	SegDS = 3
	SegFS = 4
	SegGS = 5

	// SegNone marks the absence of a segment override.
	SegNone = -1
)

// Rep is the repeat prefix attached to an instruction.
type Rep uint8

// Repeat prefixes.
const (
	RepNone Rep = iota
	RepE        // F3: REP / REPE / REPZ
	RepNE       // F2: REPNE / REPNZ
)

// Context is the per-instruction decode state mutated only by prefixes.
type Context struct {
	OpSize32   bool // effective operand size is 32 bits
	AddrSize32 bool // effective address size is 32 bits
	Seg        int  // segment override or SegNone
	Rep        Rep
	Lock       bool
}

// Instruction is one decoded IA-32 instruction.
type Instruction struct {
	Context

	// Opcode is the primary opcode byte; 0F-map opcodes carry TwoByte.
	Opcode uint16

	HasModRM bool
	Mod      uint8
	Reg      uint8
	RM       uint8

	HasSIB bool
	Scale  uint8
	Index  uint8
	Base   uint8

	// Disp is the sign-extended displacement.
	Disp uint32
	// Imm is the first immediate, zero-extended.
	Imm uint32
	// Imm2 holds the selector of a far pointer or ENTER's nesting level.
	Imm2 uint32

	// Len is the number of bytes consumed, prefixes included.
	Len int
}

// OperandSize returns 2 or 4, the effective operand size in bytes.
func (i *Instruction) OperandSize() int {
	if i.OpSize32 {
		return 4
	}
	return 2
}

// IsRegister reports whether the ModRM operand names a register.
func (i *Instruction) IsRegister() bool {
	return i.Mod == 3
}

// ByteSource supplies code bytes to the decoder. Errors (typically page
// faults) abort decoding and are returned unchanged.
type ByteSource interface {
	NextByte() (byte, error)
}

// Decoder decodes IA-32 machine code into instructions.
type Decoder struct {
	src ByteSource
	n   int
}

// NewDecoder creates a new IA-32 instruction decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) next() (byte, error) {
	if d.n >= MaxLength {
		return 0, ErrTooLong
	}
	b, err := d.src.NextByte()
	if err != nil {
		return 0, err
	}
	d.n++
	return b, nil
}

func (d *Decoder) next16() (uint32, error) {
	lo, err := d.next()
	if err != nil {
		return 0, err
	}
	hi, err := d.next()
	if err != nil {
		return 0, err
	}
	return uint32(lo) | uint32(hi)<<8, nil
}

func (d *Decoder) next32() (uint32, error) {
	lo, err := d.next16()
	if err != nil {
		return 0, err
	}
	hi, err := d.next16()
	if err != nil {
		return 0, err
	}
	return lo | hi<<16, nil
}

// Decode reads one instruction from src into inst. code32 selects the
// default operand and address size (the D bit of the code segment).
func (d *Decoder) Decode(src ByteSource, code32 bool, inst *Instruction) error {
	*inst = Instruction{}
	inst.OpSize32 = code32
	inst.AddrSize32 = code32
	inst.Seg = SegNone

	d.src = src
	d.n = 0
	defer func() { d.src = nil }()

	b, err := d.prefixes(code32, inst)
	if err != nil {
		return err
	}

	op := uint16(b)
	if b == 0x0F {
		b, err = d.next()
		if err != nil {
			return err
		}
		op = TwoByte | uint16(b)
	}
	inst.Opcode = op

	info := opTable[op]
	if !info.Valid {
		inst.Len = d.n
		return ErrInvalidOpcode
	}

	if info.ModRM {
		if err := d.modRM(inst); err != nil {
			return err
		}
	}

	if err := d.immediate(info.Imm, inst); err != nil {
		return err
	}

	inst.Len = d.n
	return nil
}

// prefixes consumes prefix bytes and returns the first opcode byte.
func (d *Decoder) prefixes(code32 bool, inst *Instruction) (byte, error) {
	for {
		b, err := d.next()
		if err != nil {
			return 0, err
		}
		switch b {
		case 0x66:
			inst.OpSize32 = !code32
		case 0x67:
			inst.AddrSize32 = !code32
		case 0x26:
			inst.Seg = SegES
		case 0x2E:
			inst.Seg = SegCS
		case 0x36:
			inst.Seg = SegSS
		case 0x3E:
			inst.Seg = SegDS
		case 0x64:
			inst.Seg = SegFS
		case 0x65:
			inst.Seg = SegGS
		case 0xF0:
			inst.Lock = true
		case 0xF2:
			inst.Rep = RepNE
		case 0xF3:
			inst.Rep = RepE
		default:
			return b, nil
		}
	}
}

func (d *Decoder) modRM(inst *Instruction) error {
	m, err := d.next()
	if err != nil {
		return err
	}
	inst.HasModRM = true
	inst.Mod = m >> 6
	inst.Reg = (m >> 3) & 7
	inst.RM = m & 7

	if inst.Mod == 3 {
		return nil
	}

	if !inst.AddrSize32 {
		switch {
		case inst.Mod == 0 && inst.RM == 6:
			v, err := d.next16()
			if err != nil {
				return err
			}
			inst.Disp = uint32(int32(int16(v)))
		case inst.Mod == 1:
			v, err := d.next()
			if err != nil {
				return err
			}
			inst.Disp = uint32(int32(int8(v)))
		case inst.Mod == 2:
			v, err := d.next16()
			if err != nil {
				return err
			}
			inst.Disp = uint32(int32(int16(v)))
		}
		return nil
	}

	needDisp32 := false
	if inst.RM == 4 {
		s, err := d.next()
		if err != nil {
			return err
		}
		inst.HasSIB = true
		inst.Scale = s >> 6
		inst.Index = (s >> 3) & 7
		inst.Base = s & 7
		// base=101 with mod=00: disp32 and no base register
		if inst.Base == 5 && inst.Mod == 0 {
			needDisp32 = true
		}
	} else if inst.Mod == 0 && inst.RM == 5 {
		needDisp32 = true
	}

	switch {
	case inst.Mod == 1:
		v, err := d.next()
		if err != nil {
			return err
		}
		inst.Disp = uint32(int32(int8(v)))
	case inst.Mod == 2 || needDisp32:
		v, err := d.next32()
		if err != nil {
			return err
		}
		inst.Disp = v
	}
	return nil
}

func (d *Decoder) immediate(kind ImmKind, inst *Instruction) error {
	var err error
	switch kind {
	case ImmNone:
	case ImmByte:
		var b byte
		b, err = d.next()
		inst.Imm = uint32(b)
	case ImmWord:
		inst.Imm, err = d.next16()
	case ImmVar, ImmVarFull:
		inst.Imm, err = d.sized(inst.OpSize32)
	case ImmFarPtr:
		inst.Imm, err = d.sized(inst.OpSize32)
		if err == nil {
			inst.Imm2, err = d.next16()
		}
	case ImmMoffs:
		inst.Imm, err = d.sized(inst.AddrSize32)
	case ImmEnter:
		inst.Imm, err = d.next16()
		if err == nil {
			var b byte
			b, err = d.next()
			inst.Imm2 = uint32(b)
		}
	case ImmGroup3Byte:
		if inst.Reg < 2 {
			var b byte
			b, err = d.next()
			inst.Imm = uint32(b)
		}
	case ImmGroup3Var:
		if inst.Reg < 2 {
			inst.Imm, err = d.sized(inst.OpSize32)
		}
	}
	return err
}

func (d *Decoder) sized(is32 bool) (uint32, error) {
	if is32 {
		return d.next32()
	}
	return d.next16()
}

// SliceSource is a ByteSource over an in-memory buffer.
type SliceSource struct {
	Buf []byte
	Pos int
}

// ErrEndOfBuffer is returned by SliceSource when the buffer is exhausted.
var ErrEndOfBuffer = errors.New("end of code buffer")

// NextByte implements ByteSource.
func (s *SliceSource) NextByte() (byte, error) {
	if s.Pos >= len(s.Buf) {
		return 0, ErrEndOfBuffer
	}
	b := s.Buf[s.Pos]
	s.Pos++
	return b, nil
}
