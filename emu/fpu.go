package emu

import "github.com/sarchlab/x86sim/insts"

func init() {
	registerRange(0xD8, 0xDF, opFPU)
	register(opWait, 0x9B)
}

// opFPU accepts an x87 escape without numeric effect. No coprocessor is
// reported, so store instructions leave memory untouched and a probing
// guest falls back to emulation.
func opFPU(c *CPU, _ *insts.Instruction) error {
	if c.CR0&(CR0EM|CR0TS) != 0 {
		return errNM()
	}
	c.FPUTouched = true
	return nil
}

func opWait(c *CPU, _ *insts.Instruction) error {
	if c.CR0&(CR0TS|CR0MP) == CR0TS|CR0MP {
		return errNM()
	}
	return nil
}
