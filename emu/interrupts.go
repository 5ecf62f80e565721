package emu

import "fmt"

// eventKind classifies the source of an interrupt for gate checks and
// the EXT bit of error codes.
type eventKind uint8

const (
	kindException eventKind = iota
	kindExternal
	kindSoftware // INT n
	kindSoftTrap // INT3 and INTO
	kindICEBP    // INT1
)

func (k eventKind) external() bool {
	return k == kindException || k == kindExternal
}

func (k eventKind) software() bool {
	return k == kindSoftware || k == kindSoftTrap
}

// interrupt transfers control to the handler for vector. retEIP is the
// return address pushed for the handler. Nothing is committed unless the
// whole delivery succeeds.
func (c *CPU) interrupt(vector uint8, kind eventKind, hasErr bool, code, retEIP uint32) error {
	var err error
	if c.ProtectedMode() {
		err = c.interruptProtected(vector, kind, hasErr, code, retEIP)
	} else {
		err = c.interruptReal(vector, retEIP)
	}
	if err != nil {
		return err
	}
	if kind.software() || kind == kindICEBP {
		c.softInt = true
	}
	c.Halted = false
	c.EIP = c.next
	return nil
}

// interruptReal delivers through the real-mode vector table.
func (c *CPU) interruptReal(vector uint8, retEIP uint32) error {
	off := uint32(vector) * 4
	if off+3 > uint32(c.IDTR.Limit) {
		return errGP(0)
	}
	ip, err := c.readLin(c.IDTR.Base+off, 2, false)
	if err != nil {
		return err
	}
	cs, err := c.readLin(c.IDTR.Base+off+2, 2, false)
	if err != nil {
		return err
	}

	f := c.stackFrame()
	if err := f.push(2, c.EFLAGS()); err != nil {
		return err
	}
	if err := f.push(2, uint32(c.Segs[CS].Selector)); err != nil {
		return err
	}
	if err := f.push(2, retEIP); err != nil {
		return err
	}

	c.setSP(f.sp)
	c.Control &^= FlagIF | FlagTF | FlagAC | FlagRF
	c.loadRealCS(uint16(cs))
	c.next = ip
	return nil
}

// stackFrame starts a push sequence on the current stack.
func (c *CPU) stackFrame() *frame {
	mask := c.stackMask()
	return &frame{
		c:    c,
		base: c.Segs[SS].Base,
		sp:   c.Regs.R[ESP] & mask,
		mask: mask,
		user: c.CPL == 3,
	}
}

func (c *CPU) interruptProtected(vector uint8, kind eventKind, hasErr bool, code, retEIP uint32) error {
	var ext uint32
	if kind.external() {
		ext = 1
	}
	idtCode := uint32(vector)<<3 | 2 | ext

	if kind == kindSoftware && c.V86() && c.IOPL() < 3 {
		return errGP(0)
	}
	if uint32(vector)*8+7 > uint32(c.IDTR.Limit) {
		return errGP(idtCode)
	}
	addr := c.IDTR.Base + uint32(vector)*8
	low, err := c.readLin(addr, 4, false)
	if err != nil {
		return err
	}
	high, err := c.readLin(addr+4, 4, false)
	if err != nil {
		return err
	}
	gate := Descriptor{Low: low, High: high}

	if !gate.System() {
		return errGP(idtCode)
	}
	switch gate.Type() {
	case sysIntGate16, sysIntGate32, sysTrapGate16, sysTrapGate32:
	case sysTaskGate:
		return c.abort(ErrTaskGate, fmt.Sprintf("vector %d", vector))
	default:
		return errGP(idtCode)
	}
	if kind.software() && gate.DPL() < c.CPL {
		return errGP(idtCode)
	}
	if !gate.Present() {
		return errNP(idtCode)
	}

	sel := gate.GateSelector()
	if selIndex(sel) == 0 && sel&4 == 0 {
		return errGP(ext)
	}
	d, dAddr, ok, err := c.probeDescriptor(sel)
	if err != nil {
		return err
	}
	if !ok || !d.Code() || d.DPL() > c.CPL {
		return errGP(selIndex(sel) | ext)
	}
	if !d.Present() {
		return errNP(selIndex(sel) | ext)
	}
	off := gate.GateOffset()
	if off > d.Limit() {
		return errGP(0)
	}

	size := 2
	if gate.Type()&8 != 0 {
		size = 4
	}
	eflags := c.EFLAGS()

	cleared := FlagTF | FlagNT | FlagRF | FlagVM
	if gate.Type() == sysIntGate16 || gate.Type() == sysIntGate32 {
		cleared |= FlagIF
	}

	if c.V86() || (!d.Conforming() && d.DPL() < c.CPL) {
		if c.V86() && (d.DPL() != 0 || d.Conforming()) {
			return errGP(selIndex(sel) | ext)
		}
		return c.interruptInner(d, dAddr, sel, off, size, eflags, cleared, hasErr, code, retEIP)
	}

	f := c.stackFrame()
	if err := f.push(size, eflags); err != nil {
		return err
	}
	if err := f.push(size, uint32(c.Segs[CS].Selector)); err != nil {
		return err
	}
	if err := f.push(size, retEIP); err != nil {
		return err
	}
	if hasErr {
		if err := f.push(size, code); err != nil {
			return err
		}
	}

	if err := c.loadCS(d, dAddr, sel, c.CPL); err != nil {
		return err
	}
	c.Control &^= cleared
	c.setSP(f.sp)
	c.next = off
	return nil
}

// interruptInner delivers to a more privileged handler on the stack named
// by the TSS. Leaving virtual-8086 mode also saves and clears the data
// segment registers.
func (c *CPU) interruptInner(d Descriptor, dAddr uint32, sel uint16, off uint32, size int,
	eflags, cleared uint32, hasErr bool, code, retEIP uint32) error {
	pl := d.DPL()
	ssSel, esp, err := c.tssStack(pl)
	if err != nil {
		return err
	}
	ss, ssAddr, err := c.checkStackSegment(ssSel, pl, errTS)
	if err != nil {
		return err
	}

	fromV86 := c.V86()
	f := c.newFrame(ss, esp)
	var words []uint32
	if fromV86 {
		words = append(words,
			uint32(c.Segs[GS].Selector), uint32(c.Segs[FS].Selector),
			uint32(c.Segs[DS].Selector), uint32(c.Segs[ES].Selector))
	}
	words = append(words, uint32(c.Segs[SS].Selector), c.Regs.R[ESP], eflags,
		uint32(c.Segs[CS].Selector), retEIP)
	if hasErr {
		words = append(words, code)
	}
	for _, w := range words {
		if err := f.push(size, w); err != nil {
			return err
		}
	}

	if err := c.setAccessed(&ss, ssAddr); err != nil {
		return err
	}
	if err := c.loadCS(d, dAddr, sel, pl); err != nil {
		return err
	}
	c.Segs[SS] = ss.segment(ssSel)
	if fromV86 {
		for _, seg := range [...]int{ES, DS, FS, GS} {
			c.Segs[seg] = Segment{}
		}
	}
	c.Control &^= cleared
	c.setSP(f.sp)
	c.next = off
	return nil
}

// flagsWritable returns the EFLAGS bits POPF and IRET may change at the
// current privilege level.
func (c *CPU) flagsWritable(size int) uint32 {
	m := ArithFlags | FlagTF | FlagDF | FlagNT | FlagAC | FlagID
	if !c.ProtectedMode() || c.CPL == 0 {
		m |= FlagIOPL
	}
	if !c.ProtectedMode() || c.CPL <= c.IOPL() {
		m |= FlagIF
	}
	if size == 2 {
		m &= 0xFFFF
	}
	return m
}

// loadFlags replaces the bits of EFLAGS selected by mask.
func (c *CPU) loadFlags(v, mask uint32) {
	n := c.EFLAGS()&^mask | v&mask
	c.Flags.SetEflags(n)
	c.Control = n & ControlFlags
}

// iret implements IRET and IRETD.
func (c *CPU) iret(size int) error {
	if !c.ProtectedMode() {
		return c.iretReal(size)
	}
	if c.V86() {
		if c.IOPL() < 3 {
			return errGP(0)
		}
		return c.iretReal(size)
	}
	if c.Control&FlagNT != 0 {
		return c.abort(ErrTaskSwitch, "IRET with NT set")
	}

	u := c.unframe()
	eip, err := u.pop(size)
	if err != nil {
		return err
	}
	cs, err := u.pop(size)
	if err != nil {
		return err
	}
	fl, err := u.pop(size)
	if err != nil {
		return err
	}

	if size == 4 && fl&FlagVM != 0 && c.CPL == 0 {
		return c.iretToV86(u, eip, uint16(cs), fl)
	}

	sel := uint16(cs)
	d, addr, rpl, err := c.checkReturnCS(sel)
	if err != nil {
		return err
	}
	if eip > d.Limit() {
		return errGP(0)
	}
	mask := c.flagsWritable(size) | FlagRF

	if rpl == c.CPL {
		if err := c.loadCS(d, addr, sel, rpl); err != nil {
			return err
		}
		c.setSP(u.sp)
		c.next = eip
		c.loadFlags(fl, mask)
		return nil
	}

	esp, err := u.pop(size)
	if err != nil {
		return err
	}
	ss, err := u.pop(size)
	if err != nil {
		return err
	}
	if err := c.returnOuter(d, addr, sel, eip, uint16(ss), esp); err != nil {
		return err
	}
	c.loadFlags(fl, mask)
	return nil
}

func (c *CPU) iretReal(size int) error {
	u := c.unframe()
	eip, err := u.pop(size)
	if err != nil {
		return err
	}
	cs, err := u.pop(size)
	if err != nil {
		return err
	}
	fl, err := u.pop(size)
	if err != nil {
		return err
	}
	c.loadRealCS(uint16(cs))
	c.setSP(u.sp)
	c.next = eip
	c.loadFlags(fl, c.flagsWritable(size))
	return nil
}

// iretToV86 returns from a ring 0 handler to virtual-8086 code.
func (c *CPU) iretToV86(u *unframe, eip uint32, cs uint16, fl uint32) error {
	var v [6]uint32 // ESP SS ES DS FS GS
	for i := range v {
		w, err := u.pop(4)
		if err != nil {
			return err
		}
		v[i] = w
	}

	c.SetEFLAGS(fl)
	c.CPL = 3
	c.Segs[CS] = v86Segment(cs)
	c.Segs[SS] = v86Segment(uint16(v[1]))
	c.Segs[ES] = v86Segment(uint16(v[2]))
	c.Segs[DS] = v86Segment(uint16(v[3]))
	c.Segs[FS] = v86Segment(uint16(v[4]))
	c.Segs[GS] = v86Segment(uint16(v[5]))
	c.Regs.R[ESP] = v[0]
	c.next = eip & 0xFFFF
	return nil
}
