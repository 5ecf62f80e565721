// Package insts provides IA-32 instruction decoding.
//
// This package turns a stream of guest code bytes into structured
// Instruction values. It handles:
//   - Prefixes: operand-size, address-size, segment override, REP/REPNE, LOCK
//   - One-byte opcodes and the 0F two-byte escape map
//   - ModRM, SIB and displacement forms for 16-bit and 32-bit addressing
//   - Immediate operands sized by opcode and effective operand size
//
// Usage:
//
//	decoder := insts.NewDecoder()
//	var inst insts.Instruction
//	err := decoder.Decode(src, true, &inst) // 32-bit code segment
//	fmt.Printf("opcode %03X modrm=%v len=%d\n", inst.Opcode, inst.HasModRM, inst.Len)
//
// The decoder never computes effective addresses; register contents and
// segment bases belong to the executing core.
package insts
