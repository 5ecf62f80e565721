// Package emu provides a functional IA-32 processor core: lazy flags,
// segmentation and privilege checks, interrupt and exception delivery,
// and an opcode-table interpreter over an mmu.Translator.
package emu

import (
	"errors"
	"log/slog"

	"github.com/sarchlab/x86sim/insts"
	"github.com/sarchlab/x86sim/mmu"
)

// Status is the outcome of an Exec call.
type Status int

// Exec results.
const (
	// StatusNormal means the cycle budget was used up.
	StatusNormal Status = iota
	// StatusHalted means the CPU is halted waiting for an interrupt.
	StatusHalted
	// StatusAborted means an unsupported condition ended the run.
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusHalted:
		return "halted"
	case StatusAborted:
		return "aborted"
	}
	return "unknown"
}

// PortIO is the I/O port space the core reads and writes.
type PortIO interface {
	In8(port uint16) uint8
	In16(port uint16) uint16
	In32(port uint16) uint32
	Out8(port uint16, v uint8)
	Out16(port uint16, v uint16)
	Out32(port uint16, v uint32)
}

// InterruptController drives the maskable interrupt line. Acknowledge is
// only called when the core is about to deliver the interrupt.
type InterruptController interface {
	Pending() bool
	Acknowledge() uint8
}

type openBus struct{}

func (openBus) In8(uint16) uint8     { return 0xFF }
func (openBus) In16(uint16) uint16   { return 0xFFFF }
func (openBus) In32(uint16) uint32   { return 0xFFFFFFFF }
func (openBus) Out8(uint16, uint8)   {}
func (openBus) Out16(uint16, uint16) {}
func (openBus) Out32(uint16, uint32) {}
func (openBus) Pending() bool        { return false }
func (openBus) Acknowledge() uint8   { return 0 }

// Stats counts execution events.
type Stats struct {
	Instructions uint64
	Faults       uint64
	Interrupts   uint64
	FastStrings  uint64
}

// snapshot is the register state restored when an instruction faults.
type snapshot struct {
	regs    RegFile
	eip     uint32
	flags   LazyFlags
	control uint32
}

// CPU executes IA-32 instructions.
type CPU struct {
	State

	tr      *mmu.Translator
	decoder *insts.Decoder
	fetch   fetcher
	inst    insts.Instruction

	ports  PortIO
	pic    InterruptController
	logger *slog.Logger

	fastStrings bool

	// next is the EIP of the following instruction; handlers that
	// transfer control overwrite it.
	next  uint32
	saved snapshot

	// shadow suppresses interrupts for one instruction after STI and
	// stack segment loads.
	shadow bool

	latched       bool
	latchedVector uint8

	// softInt is set when the current instruction delivered a software
	// interrupt, which suppresses the single-step trap.
	softInt bool

	stats Stats
}

// Option is a functional option for configuring the CPU.
type Option func(*CPU)

// WithPortIO connects the I/O port space.
func WithPortIO(p PortIO) Option {
	return func(c *CPU) {
		c.ports = p
	}
}

// WithInterruptController connects the maskable interrupt line.
func WithInterruptController(ic InterruptController) Option {
	return func(c *CPU) {
		c.pic = ic
	}
}

// WithLogger sets the logger used for aborts and resets.
func WithLogger(l *slog.Logger) Option {
	return func(c *CPU) {
		c.logger = l
	}
}

// WithStringFastPath enables or disables bulk REP string execution.
func WithStringFastPath(enabled bool) Option {
	return func(c *CPU) {
		c.fastStrings = enabled
	}
}

// NewCPU creates a processor over physical memory mem, in its power-on
// state.
func NewCPU(mem mmu.PhysicalMemory, opts ...Option) *CPU {
	c := &CPU{
		tr:          mmu.NewTranslator(mem),
		decoder:     insts.NewDecoder(),
		ports:       openBus{},
		pic:         openBus{},
		logger:      slog.New(slog.DiscardHandler),
		fastStrings: true,
	}
	c.fetch.c = c

	for _, opt := range opts {
		opt(c)
	}

	c.Reset()
	return c
}

// Translator returns the address translator.
func (c *CPU) Translator() *mmu.Translator {
	return c.tr
}

// Stats returns execution statistics.
func (c *CPU) Stats() Stats {
	return c.stats
}

// Reset puts the processor in its power-on state: real mode, CS:IP at
// F000:FFF0, paging off, TLB empty.
func (c *CPU) Reset() {
	cycles := c.Cycles
	c.State = State{Cycles: cycles}
	c.SetEFLAGS(0)
	c.CR0 = CR0ET
	for i := range c.Segs {
		c.Segs[i] = realSegment(0)
	}
	c.Segs[CS] = realSegment(0xF000)
	c.EIP = 0xFFF0
	c.GDTR.Limit = 0xFFFF
	c.IDTR.Limit = 0x3FF
	c.LDTR = Segment{Limit: 0xFFFF}
	c.TR = Segment{Limit: 0xFFFF}
	c.DR[6] = 0xFFFF0FF0
	c.DR[7] = 0x400
	c.Regs.R[EDX] = cpuidSignature

	c.tr.SetCR4(c.CR4)
	c.tr.SetCR0(c.CR0)
	c.tr.SetCR3(c.CR3)

	c.shadow = false
	c.latched = false
	c.logger.Debug("cpu reset")
}

// EnterFlatMode switches to 32-bit protected mode at CPL 0 with flat
// 4 GiB code (selector 0x08) and data (selector 0x10) segments loaded
// into the descriptor caches. The GDT itself is left untouched.
func (c *CPU) EnterFlatMode(eip uint32) {
	c.CR0 |= CR0PE
	c.tr.SetCR0(c.CR0)
	c.CPL = 0
	code := Segment{Selector: 0x08, Limit: 0xFFFFFFFF, Flags: flatCodeFlags}
	data := Segment{Selector: 0x10, Limit: 0xFFFFFFFF, Flags: flatDataFlags}
	for i := range c.Segs {
		c.Segs[i] = data
	}
	c.Segs[CS] = code
	c.EIP = eip
}

// SetControlRegister writes CR0, CR3 or CR4 with the same side effects as
// MOV CRn.
func (c *CPU) SetControlRegister(n int, v uint32) {
	switch n {
	case 0:
		c.CR0 = v | CR0ET
		c.tr.SetCR0(c.CR0)
	case 2:
		c.CR2 = v
	case 3:
		c.CR3 = v
		c.tr.SetCR3(v)
	case 4:
		c.CR4 = v
		c.tr.SetCR4(v)
	}
}

func (c *CPU) save() {
	c.saved = snapshot{regs: c.Regs, eip: c.EIP, flags: c.Flags, control: c.Control}
}

// commit makes the current register state the rollback point.
func (c *CPU) commit() {
	c.save()
}

func (c *CPU) restore() {
	c.Regs = c.saved.regs
	c.EIP = c.saved.eip
	c.Flags = c.saved.flags
	c.Control = c.saved.control
}

// Exec runs until cycles instructions have executed, the CPU halts, or
// the run aborts. A non-nil pending fault is delivered first.
func (c *CPU) Exec(cycles int, pending *Fault) (Status, error) {
	if pending != nil {
		if err := c.raise(pending); err != nil {
			return c.aborted(err)
		}
	}

	end := c.Cycles + uint64(cycles)
	for c.Cycles < end {
		if err := c.checkInterrupts(); err != nil {
			return c.aborted(err)
		}
		if c.Halted {
			return StatusHalted, nil
		}
		if err := c.step(); err != nil {
			return c.aborted(err)
		}
	}
	return StatusNormal, nil
}

func (c *CPU) aborted(err error) (Status, error) {
	c.logger.Warn("emulation aborted", "err", err, "cycles", c.Cycles)
	return StatusAborted, err
}

// Step executes a single instruction, ignoring interrupts. It returns an
// error only when the run must abort.
func (c *CPU) Step() error {
	if c.Halted {
		return nil
	}
	return c.step()
}

func (c *CPU) step() error {
	c.save()
	c.softInt = false
	trap := c.Control&FlagTF != 0

	err := c.execute()
	c.Cycles++
	if err != nil {
		f, ok := c.asFault(err)
		if !ok {
			return err
		}
		c.restore()
		return c.raise(f)
	}

	c.EIP = c.next
	c.stats.Instructions++
	if trap && !c.softInt {
		c.DR[6] |= 1 << 14
		return c.raise(&Fault{Vector: VecDB})
	}
	return nil
}

func (c *CPU) execute() error {
	code32 := c.Code32()
	c.fetch.reset(code32)

	inst := &c.inst
	if err := c.decoder.Decode(&c.fetch, code32, inst); err != nil {
		return err
	}

	c.next = c.EIP + uint32(inst.Len)
	if !code32 {
		c.next &= 0xFFFF
	}

	h := handlers[inst.Opcode]
	if h == nil {
		return errUD()
	}
	return h(c, inst)
}

// asFault converts errors raised while executing guest code into the
// architectural fault to deliver. Page faults record CR2.
func (c *CPU) asFault(err error) (*Fault, bool) {
	switch e := err.(type) {
	case *Fault:
		return e, true
	case *mmu.PageFault:
		c.CR2 = e.Addr
		return &Fault{Vector: VecPF, HasErrorCode: true, ErrorCode: e.Code}, true
	}
	switch {
	case errors.Is(err, insts.ErrInvalidOpcode):
		return &Fault{Vector: VecUD}, true
	case errors.Is(err, insts.ErrTooLong):
		return NewFault(VecGP, 0), true
	}
	return nil, false
}

// raise delivers an exception, escalating to a double fault or aborting
// with a triple fault when delivery itself faults.
func (c *CPU) raise(f *Fault) error {
	c.stats.Faults++
	cur := f
	for {
		err := c.interrupt(cur.Vector, kindException, cur.HasErrorCode, cur.ErrorCode, c.EIP)
		if err == nil {
			return nil
		}
		next, ok := c.asFault(err)
		if !ok {
			return err
		}
		if cur.Vector == VecDF {
			return c.abort(ErrTripleFault, next.Error())
		}
		if escalates(cur.Vector, next.Vector) {
			cur = NewFault(VecDF, 0)
		} else {
			cur = next
		}
	}
}

func (c *CPU) abort(err error, msg string) error {
	return &AbortError{Err: err, CS: c.Segs[CS].Selector, EIP: c.EIP, Msg: msg}
}

// checkInterrupts delivers a latched or newly asserted external
// interrupt at an instruction boundary.
func (c *CPU) checkInterrupts() error {
	if c.shadow {
		c.shadow = false
		return nil
	}
	if c.Control&FlagIF == 0 {
		return nil
	}
	if !c.latched {
		if !c.pic.Pending() {
			return nil
		}
		c.latchedVector = c.pic.Acknowledge()
		c.latched = true
	}

	c.Halted = false
	c.Cycles++
	err := c.interrupt(c.latchedVector, kindExternal, false, 0, c.EIP)
	if err == nil {
		c.latched = false
		c.stats.Interrupts++
		return nil
	}

	f, ok := c.asFault(err)
	if !ok {
		return err
	}
	// Only a page fault leaves the interrupt latched. It is retried once
	// the fault handler has returned and IF is set again.
	if f.Vector != VecPF {
		c.latched = false
	}
	return c.raise(f)
}

// Latched returns the external interrupt vector accepted but not yet
// delivered, if any.
func (c *CPU) Latched() (uint8, bool) {
	return c.latchedVector, c.latched
}

// fetcher feeds code bytes at CS:EIP to the decoder through the
// translator, one byte at a time.
type fetcher struct {
	c    *CPU
	base uint32
	ip   uint32
	mask uint32
	user bool
}

func (f *fetcher) reset(code32 bool) {
	f.base = f.c.Segs[CS].Base
	f.ip = f.c.EIP
	f.mask = 0xFFFF
	if code32 {
		f.mask = 0xFFFFFFFF
	}
	f.user = f.c.CPL == 3
}

func (f *fetcher) NextByte() (byte, error) {
	b, err := f.c.tr.Read8(f.base+f.ip&f.mask, f.user)
	if err != nil {
		return 0, err
	}
	f.ip++
	return b, nil
}
