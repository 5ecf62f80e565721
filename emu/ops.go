package emu

import "github.com/sarchlab/x86sim/insts"

type handler func(*CPU, *insts.Instruction) error

// handlers is indexed by insts.Instruction.Opcode. Opcodes without an
// entry raise #UD.
var handlers [512]handler

const tb = insts.TwoByte

func register(h handler, opcodes ...int) {
	for _, op := range opcodes {
		handlers[op] = h
	}
}

func registerRange(lo, hi int, h handler) {
	for op := lo; op <= hi; op++ {
		handlers[op] = h
	}
}

// Implemented reports whether opcode has a handler.
func Implemented(opcode uint16) bool {
	return handlers[opcode&0x1FF] != nil
}
