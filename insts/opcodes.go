package insts

// ImmKind describes the immediate operand that follows an opcode.
type ImmKind uint8

// Immediate operand kinds.
const (
	ImmNone       ImmKind = iota
	ImmByte               // Ib / Jb
	ImmWord               // Iw
	ImmVar                // Iz / Jz: 16 or 32 bits by operand size
	ImmFarPtr             // Ap: offset (16/32) followed by a 16-bit selector
	ImmMoffs              // Ob / Ov: offset sized by address size
	ImmEnter              // Iw followed by Ib
	ImmGroup3Byte         // F6: Ib only for /0 and /1 (TEST)
	ImmGroup3Var          // F7: Iz only for /0 and /1 (TEST)
	ImmVarFull            // Iv for B8-BF: 16 or 32 bits by operand size
)

// OpInfo holds the decode attributes of one opcode.
type OpInfo struct {
	Valid bool
	ModRM bool
	Imm   ImmKind
}

// TwoByte is OR-ed into Instruction.Opcode for opcodes of the 0F map.
const TwoByte = 0x100

// opTable is indexed by Opcode (0x000-0x0FF one-byte, 0x100-0x1FF 0F map).
var opTable [512]OpInfo

func def(op int, modrm bool, imm ImmKind) {
	opTable[op] = OpInfo{Valid: true, ModRM: modrm, Imm: imm}
}

func defRange(lo, hi int, modrm bool, imm ImmKind) {
	for op := lo; op <= hi; op++ {
		def(op, modrm, imm)
	}
}

func init() {
	// ALU blocks: op Eb,Gb / Ev,Gv / Gb,Eb / Gv,Ev / AL,Ib / eAX,Iz
	for base := 0x00; base <= 0x38; base += 0x08 {
		defRange(base, base+3, true, ImmNone)
		def(base+4, false, ImmByte)
		def(base+5, false, ImmVar)
	}
	for _, op := range []int{0x06, 0x07, 0x0E, 0x16, 0x17, 0x1E, 0x1F, 0x27, 0x2F, 0x37, 0x3F} {
		def(op, false, ImmNone)
	}

	defRange(0x40, 0x61, false, ImmNone) // INC/DEC/PUSH/POP r, PUSHA, POPA
	def(0x62, true, ImmNone)             // BOUND
	def(0x63, true, ImmNone)             // ARPL
	def(0x68, false, ImmVar)
	def(0x69, true, ImmVar)
	def(0x6A, false, ImmByte)
	def(0x6B, true, ImmByte)
	defRange(0x6C, 0x6F, false, ImmNone) // INS/OUTS
	defRange(0x70, 0x7F, false, ImmByte) // Jcc rel8

	def(0x80, true, ImmByte)
	def(0x81, true, ImmVar)
	def(0x82, true, ImmByte)
	def(0x83, true, ImmByte)
	defRange(0x84, 0x8F, true, ImmNone)
	defRange(0x90, 0x99, false, ImmNone)
	def(0x9A, false, ImmFarPtr)
	defRange(0x9B, 0x9F, false, ImmNone)
	defRange(0xA0, 0xA3, false, ImmMoffs)
	defRange(0xA4, 0xA7, false, ImmNone)
	def(0xA8, false, ImmByte)
	def(0xA9, false, ImmVar)
	defRange(0xAA, 0xAF, false, ImmNone)
	defRange(0xB0, 0xB7, false, ImmByte)
	defRange(0xB8, 0xBF, false, ImmVarFull)

	def(0xC0, true, ImmByte)
	def(0xC1, true, ImmByte)
	def(0xC2, false, ImmWord)
	def(0xC3, false, ImmNone)
	def(0xC4, true, ImmNone)
	def(0xC5, true, ImmNone)
	def(0xC6, true, ImmByte)
	def(0xC7, true, ImmVar)
	def(0xC8, false, ImmEnter)
	def(0xC9, false, ImmNone)
	def(0xCA, false, ImmWord)
	def(0xCB, false, ImmNone)
	def(0xCC, false, ImmNone)
	def(0xCD, false, ImmByte)
	def(0xCE, false, ImmNone)
	def(0xCF, false, ImmNone)

	defRange(0xD0, 0xD3, true, ImmNone)
	def(0xD4, false, ImmByte)
	def(0xD5, false, ImmByte)
	def(0xD6, false, ImmNone)
	def(0xD7, false, ImmNone)
	defRange(0xD8, 0xDF, true, ImmNone) // x87 escape

	defRange(0xE0, 0xE7, false, ImmByte) // LOOPcc, JCXZ, IN/OUT imm8
	def(0xE8, false, ImmVar)
	def(0xE9, false, ImmVar)
	def(0xEA, false, ImmFarPtr)
	def(0xEB, false, ImmByte)
	defRange(0xEC, 0xEF, false, ImmNone)
	def(0xF1, false, ImmNone)
	def(0xF4, false, ImmNone)
	def(0xF5, false, ImmNone)
	def(0xF6, true, ImmGroup3Byte)
	def(0xF7, true, ImmGroup3Var)
	defRange(0xF8, 0xFD, false, ImmNone)
	def(0xFE, true, ImmNone)
	def(0xFF, true, ImmNone)

	// 0F map
	def(TwoByte|0x00, true, ImmNone)
	def(TwoByte|0x01, true, ImmNone)
	def(TwoByte|0x02, true, ImmNone)
	def(TwoByte|0x03, true, ImmNone)
	def(TwoByte|0x06, false, ImmNone)
	def(TwoByte|0x08, false, ImmNone)
	def(TwoByte|0x09, false, ImmNone)
	def(TwoByte|0x0B, false, ImmNone)
	def(TwoByte|0x1F, true, ImmNone)
	defRange(TwoByte|0x20, TwoByte|0x23, true, ImmNone)
	def(TwoByte|0x30, false, ImmNone)
	def(TwoByte|0x31, false, ImmNone)
	def(TwoByte|0x32, false, ImmNone)
	defRange(TwoByte|0x40, TwoByte|0x4F, true, ImmNone)
	defRange(TwoByte|0x80, TwoByte|0x8F, false, ImmVar)
	defRange(TwoByte|0x90, TwoByte|0x9F, true, ImmNone)
	def(TwoByte|0xA0, false, ImmNone)
	def(TwoByte|0xA1, false, ImmNone)
	def(TwoByte|0xA2, false, ImmNone)
	def(TwoByte|0xA3, true, ImmNone)
	def(TwoByte|0xA4, true, ImmByte)
	def(TwoByte|0xA5, true, ImmNone)
	def(TwoByte|0xA8, false, ImmNone)
	def(TwoByte|0xA9, false, ImmNone)
	def(TwoByte|0xAB, true, ImmNone)
	def(TwoByte|0xAC, true, ImmByte)
	def(TwoByte|0xAD, true, ImmNone)
	def(TwoByte|0xAF, true, ImmNone)
	defRange(TwoByte|0xB0, TwoByte|0xB7, true, ImmNone)
	def(TwoByte|0xBA, true, ImmByte)
	defRange(TwoByte|0xBB, TwoByte|0xBF, true, ImmNone)
	def(TwoByte|0xC0, true, ImmNone)
	def(TwoByte|0xC1, true, ImmNone)
	def(TwoByte|0xC7, true, ImmNone)
	defRange(TwoByte|0xC8, TwoByte|0xCF, false, ImmNone)
}

// Lookup returns the decode attributes for an opcode.
func Lookup(opcode uint16) OpInfo {
	return opTable[opcode&0x1FF]
}
