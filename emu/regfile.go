package emu

// General-purpose register numbers, in ModRM encoding order.
const (
	EAX = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
)

// RegFile represents the IA-32 general-purpose register file.
type RegFile struct {
	// R holds EAX, ECX, EDX, EBX, ESP, EBP, ESI and EDI.
	R [8]uint32
}

// Read32 reads a 32-bit register.
func (r *RegFile) Read32(reg uint8) uint32 {
	return r.R[reg&7]
}

// Write32 writes a 32-bit register.
func (r *RegFile) Write32(reg uint8, v uint32) {
	r.R[reg&7] = v
}

// Read16 reads the low word of a register.
func (r *RegFile) Read16(reg uint8) uint16 {
	return uint16(r.R[reg&7])
}

// Write16 writes the low word of a register, preserving the high word.
func (r *RegFile) Write16(reg uint8, v uint16) {
	r.R[reg&7] = r.R[reg&7]&0xFFFF0000 | uint32(v)
}

// Read8 reads a byte register. Numbers 0-3 select AL, CL, DL, BL and
// 4-7 select AH, CH, DH, BH.
func (r *RegFile) Read8(reg uint8) uint8 {
	if reg&4 == 0 {
		return uint8(r.R[reg&3])
	}
	return uint8(r.R[reg&3] >> 8)
}

// Write8 writes a byte register.
func (r *RegFile) Write8(reg uint8, v uint8) {
	if reg&4 == 0 {
		r.R[reg&3] = r.R[reg&3]&0xFFFFFF00 | uint32(v)
		return
	}
	r.R[reg&3] = r.R[reg&3]&0xFFFF00FF | uint32(v)<<8
}

// Read reads a register of size 1, 2 or 4 bytes, zero-extended.
func (r *RegFile) Read(size int, reg uint8) uint32 {
	switch size {
	case 1:
		return uint32(r.Read8(reg))
	case 2:
		return uint32(r.Read16(reg))
	default:
		return r.Read32(reg)
	}
}

// Write writes a register of size 1, 2 or 4 bytes.
func (r *RegFile) Write(size int, reg uint8, v uint32) {
	switch size {
	case 1:
		r.Write8(reg, uint8(v))
	case 2:
		r.Write16(reg, uint16(v))
	default:
		r.Write32(reg, v)
	}
}
