package emu

// Descriptor high-dword bits.
const (
	descAccessed   uint32 = 1 << 8
	descRW         uint32 = 1 << 9  // readable code / writable data
	descConforming uint32 = 1 << 10 // conforming code / expand-down data
	descCode       uint32 = 1 << 11
	descS          uint32 = 1 << 12
	descPresent    uint32 = 1 << 15
	descBig        uint32 = 1 << 22
	descGran       uint32 = 1 << 23

	flatCodeFlags uint32 = 0x00CF9B00
	flatDataFlags uint32 = 0x00CF9300
	realFlags     uint32 = 0x00009300
	v86Flags      uint32 = 0x0000F300
)

// System descriptor types.
const (
	sysTSS16      = 0x1
	sysLDT        = 0x2
	sysTSS16Busy  = 0x3
	sysCallGate16 = 0x4
	sysTaskGate   = 0x5
	sysIntGate16  = 0x6
	sysTrapGate16 = 0x7
	sysTSS32      = 0x9
	sysTSS32Busy  = 0xB
	sysCallGate32 = 0xC
	sysIntGate32  = 0xE
	sysTrapGate32 = 0xF
)

func realSegment(sel uint16) Segment {
	return Segment{Selector: sel, Base: uint32(sel) << 4, Limit: 0xFFFF, Flags: realFlags}
}

func v86Segment(sel uint16) Segment {
	return Segment{Selector: sel, Base: uint32(sel) << 4, Limit: 0xFFFF, Flags: v86Flags}
}

// Descriptor is a raw 8-byte GDT, LDT or IDT entry.
type Descriptor struct {
	Low, High uint32
}

// Base returns the segment base.
func (d Descriptor) Base() uint32 {
	return d.Low>>16 | (d.High&0xFF)<<16 | d.High&0xFF000000
}

// Limit returns the segment limit expanded by the granularity bit.
func (d Descriptor) Limit() uint32 {
	l := d.Low&0xFFFF | d.High&0xF0000
	if d.High&descGran != 0 {
		l = l<<12 | 0xFFF
	}
	return l
}

// DPL returns the descriptor privilege level.
func (d Descriptor) DPL() uint8 { return uint8(d.High>>13) & 3 }

// Present reports the P bit.
func (d Descriptor) Present() bool { return d.High&descPresent != 0 }

// System reports whether this is a system descriptor (S bit clear).
func (d Descriptor) System() bool { return d.High&descS == 0 }

// Type returns the 4-bit type field.
func (d Descriptor) Type() uint8 { return uint8(d.High>>8) & 0xF }

// Code reports a code segment descriptor.
func (d Descriptor) Code() bool { return !d.System() && d.High&descCode != 0 }

// Data reports a data segment descriptor.
func (d Descriptor) Data() bool { return !d.System() && d.High&descCode == 0 }

// Conforming reports a conforming code segment.
func (d Descriptor) Conforming() bool { return d.Code() && d.High&descConforming != 0 }

// Readable reports a data segment or a readable code segment.
func (d Descriptor) Readable() bool { return d.Data() || d.High&descRW != 0 }

// Writable reports a writable data segment.
func (d Descriptor) Writable() bool { return d.Data() && d.High&descRW != 0 }

// GateSelector returns the target selector of a gate.
func (d Descriptor) GateSelector() uint16 { return uint16(d.Low >> 16) }

// GateOffset returns the target offset of a gate.
func (d Descriptor) GateOffset() uint32 {
	if d.Type()&8 == 0 {
		return d.Low & 0xFFFF
	}
	return d.Low&0xFFFF | d.High&0xFFFF0000
}

// GateParams returns the parameter count of a call gate.
func (d Descriptor) GateParams() uint32 { return d.High & 0x1F }

func (d Descriptor) segment(sel uint16) Segment {
	return Segment{Selector: sel, Base: d.Base(), Limit: d.Limit(), Flags: d.High}
}

func selIndex(sel uint16) uint32 { return uint32(sel) &^ 3 }

// readDescriptor fetches the descriptor named by sel from the GDT or LDT.
// It returns the linear address of the entry. A selector beyond the table
// limit raises #GP(selector).
func (c *CPU) readDescriptor(sel uint16) (Descriptor, uint32, error) {
	d, addr, ok, err := c.probeDescriptor(sel)
	if err != nil {
		return d, addr, err
	}
	if !ok {
		return d, addr, errGP(selIndex(sel))
	}
	return d, addr, nil
}

// probeDescriptor is readDescriptor without the bounds fault.
func (c *CPU) probeDescriptor(sel uint16) (Descriptor, uint32, bool, error) {
	base, limit := c.GDTR.Base, uint32(c.GDTR.Limit)
	if sel&4 != 0 {
		if c.LDTR.Selector&^3 == 0 {
			return Descriptor{}, 0, false, nil
		}
		base, limit = c.LDTR.Base, c.LDTR.Limit
	}
	idx := uint32(sel) &^ 7
	if idx+7 > limit {
		return Descriptor{}, 0, false, nil
	}
	addr := base + idx
	low, err := c.readLin(addr, 4, false)
	if err != nil {
		return Descriptor{}, 0, false, err
	}
	high, err := c.readLin(addr+4, 4, false)
	if err != nil {
		return Descriptor{}, 0, false, err
	}
	return Descriptor{Low: low, High: high}, addr, true, nil
}

// setAccessed sets the accessed bit of a code or data descriptor in its
// table.
func (c *CPU) setAccessed(d *Descriptor, addr uint32) error {
	if d.System() || d.High&descAccessed != 0 {
		return nil
	}
	d.High |= descAccessed
	return c.writeLin(addr+4, 4, d.High, false)
}

// loadSegment loads a data or stack segment register.
func (c *CPU) loadSegment(seg int, sel uint16) error {
	if !c.ProtectedMode() {
		s := &c.Segs[seg]
		s.Selector = sel
		s.Base = uint32(sel) << 4
		if seg == SS {
			c.shadow = true
		}
		return nil
	}
	if c.V86() {
		c.Segs[seg] = v86Segment(sel)
		if seg == SS {
			c.shadow = true
		}
		return nil
	}

	if seg == SS {
		return c.loadStackSegment(sel)
	}

	if selIndex(sel) == 0 && sel&4 == 0 {
		c.Segs[seg] = Segment{Selector: sel}
		return nil
	}
	d, addr, err := c.readDescriptor(sel)
	if err != nil {
		return err
	}
	if d.System() || (d.Code() && !d.Readable()) {
		return errGP(selIndex(sel))
	}
	if !d.Conforming() {
		rpl := uint8(sel & 3)
		if rpl > d.DPL() || c.CPL > d.DPL() {
			return errGP(selIndex(sel))
		}
	}
	if !d.Present() {
		return errNP(selIndex(sel))
	}
	if err := c.setAccessed(&d, addr); err != nil {
		return err
	}
	c.Segs[seg] = d.segment(sel)
	return nil
}

func (c *CPU) loadStackSegment(sel uint16) error {
	d, addr, err := c.checkStackSegment(sel, c.CPL, errGP)
	if err != nil {
		return err
	}
	if err := c.setAccessed(&d, addr); err != nil {
		return err
	}
	c.Segs[SS] = d.segment(sel)
	c.shadow = true
	return nil
}

// checkStackSegment validates sel as a stack segment for privilege level
// pl. Type and privilege violations are reported through bad, which is
// #GP for explicit loads and #TS for TSS-supplied stacks.
func (c *CPU) checkStackSegment(sel uint16, pl uint8, bad func(uint32) error) (Descriptor, uint32, error) {
	if selIndex(sel) == 0 && sel&4 == 0 {
		return Descriptor{}, 0, bad(0)
	}
	d, addr, ok, err := c.probeDescriptor(sel)
	if err != nil {
		return d, addr, err
	}
	if !ok {
		return d, addr, bad(selIndex(sel))
	}
	if uint8(sel&3) != pl || !d.Writable() || d.DPL() != pl {
		return d, addr, bad(selIndex(sel))
	}
	if !d.Present() {
		return d, addr, errSS(selIndex(sel))
	}
	return d, addr, nil
}

// checkCodeTarget validates a code segment for a direct far JMP or CALL.
func (c *CPU) checkCodeTarget(d Descriptor, sel uint16) error {
	if !d.Code() {
		return errGP(selIndex(sel))
	}
	if d.Conforming() {
		if d.DPL() > c.CPL {
			return errGP(selIndex(sel))
		}
	} else if uint8(sel&3) > c.CPL || d.DPL() != c.CPL {
		return errGP(selIndex(sel))
	}
	if !d.Present() {
		return errNP(selIndex(sel))
	}
	return nil
}

// loadCS commits a validated code segment at privilege level pl.
func (c *CPU) loadCS(d Descriptor, addr uint32, sel uint16, pl uint8) error {
	if err := c.setAccessed(&d, addr); err != nil {
		return err
	}
	c.Segs[CS] = d.segment(sel&^3 | uint16(pl))
	c.CPL = pl
	return nil
}

// jumpFar implements JMP ptr16:16/32 and JMP m16:16/32.
func (c *CPU) jumpFar(sel uint16, off uint32) error {
	if !c.ProtectedMode() || c.V86() {
		c.loadRealCS(sel)
		c.next = off
		return nil
	}
	if selIndex(sel) == 0 && sel&4 == 0 {
		return errGP(0)
	}
	d, addr, err := c.readDescriptor(sel)
	if err != nil {
		return err
	}

	if !d.System() {
		if err := c.checkCodeTarget(d, sel); err != nil {
			return err
		}
		if off > d.Limit() {
			return errGP(0)
		}
		if err := c.loadCS(d, addr, sel, c.CPL); err != nil {
			return err
		}
		c.next = off
		return nil
	}

	switch d.Type() {
	case sysCallGate16, sysCallGate32:
		return c.jumpGate(d, sel)
	case sysTaskGate:
		return c.abort(ErrTaskGate, "far jump through task gate")
	case sysTSS16, sysTSS32:
		return c.abort(ErrTaskSwitch, "far jump to TSS")
	}
	return errGP(selIndex(sel))
}

func (c *CPU) loadRealCS(sel uint16) {
	if c.V86() {
		c.Segs[CS] = v86Segment(sel)
		return
	}
	s := &c.Segs[CS]
	s.Selector = sel
	s.Base = uint32(sel) << 4
}

// gateTarget validates a call gate and its target code segment.
func (c *CPU) gateTarget(gate Descriptor, sel uint16) (Descriptor, uint32, uint16, error) {
	if gate.DPL() < c.CPL || gate.DPL() < uint8(sel&3) {
		return Descriptor{}, 0, 0, errGP(selIndex(sel))
	}
	if !gate.Present() {
		return Descriptor{}, 0, 0, errNP(selIndex(sel))
	}
	target := gate.GateSelector()
	if selIndex(target) == 0 && target&4 == 0 {
		return Descriptor{}, 0, 0, errGP(0)
	}
	d, addr, err := c.readDescriptor(target)
	if err != nil {
		return d, addr, target, err
	}
	if !d.Code() || d.DPL() > c.CPL {
		return d, addr, target, errGP(selIndex(target))
	}
	if !d.Present() {
		return d, addr, target, errNP(selIndex(target))
	}
	return d, addr, target, nil
}

func (c *CPU) jumpGate(gate Descriptor, sel uint16) error {
	d, addr, target, err := c.gateTarget(gate, sel)
	if err != nil {
		return err
	}
	if !d.Conforming() && d.DPL() != c.CPL {
		return errGP(selIndex(target))
	}
	off := gate.GateOffset()
	if off > d.Limit() {
		return errGP(0)
	}
	if err := c.loadCS(d, addr, target, c.CPL); err != nil {
		return err
	}
	c.next = off
	return nil
}

// callFar implements CALL ptr16:16/32 and CALL m16:16/32. size is the
// operand size of the instruction.
func (c *CPU) callFar(sel uint16, off uint32, size int) error {
	if !c.ProtectedMode() || c.V86() {
		if err := c.push(size, uint32(c.Segs[CS].Selector)); err != nil {
			return err
		}
		if err := c.push(size, c.next); err != nil {
			return err
		}
		c.loadRealCS(sel)
		c.next = off
		return nil
	}
	if selIndex(sel) == 0 && sel&4 == 0 {
		return errGP(0)
	}
	d, addr, err := c.readDescriptor(sel)
	if err != nil {
		return err
	}

	if !d.System() {
		if err := c.checkCodeTarget(d, sel); err != nil {
			return err
		}
		if off > d.Limit() {
			return errGP(0)
		}
		if err := c.push(size, uint32(c.Segs[CS].Selector)); err != nil {
			return err
		}
		if err := c.push(size, c.next); err != nil {
			return err
		}
		if err := c.loadCS(d, addr, sel, c.CPL); err != nil {
			return err
		}
		c.next = off
		return nil
	}

	switch d.Type() {
	case sysCallGate16, sysCallGate32:
		return c.callGate(d, sel)
	case sysTaskGate:
		return c.abort(ErrTaskGate, "far call through task gate")
	case sysTSS16, sysTSS32:
		return c.abort(ErrTaskSwitch, "far call to TSS")
	}
	return errGP(selIndex(sel))
}

func (c *CPU) callGate(gate Descriptor, sel uint16) error {
	d, addr, target, err := c.gateTarget(gate, sel)
	if err != nil {
		return err
	}
	size := 2
	if gate.Type() == sysCallGate32 {
		size = 4
	}
	off := gate.GateOffset()
	if off > d.Limit() {
		return errGP(0)
	}

	if d.Conforming() || d.DPL() == c.CPL {
		if err := c.push(size, uint32(c.Segs[CS].Selector)); err != nil {
			return err
		}
		if err := c.push(size, c.next); err != nil {
			return err
		}
		if err := c.loadCS(d, addr, target, c.CPL); err != nil {
			return err
		}
		c.next = off
		return nil
	}

	// More privileged: switch to the inner stack from the TSS.
	pl := d.DPL()
	ssSel, esp, err := c.tssStack(pl)
	if err != nil {
		return err
	}
	ssDesc, ssAddr, err := c.checkStackSegment(ssSel, pl, errTS)
	if err != nil {
		return err
	}

	f := c.newFrame(ssDesc, esp)
	if err := f.push(size, uint32(c.Segs[SS].Selector)); err != nil {
		return err
	}
	if err := f.push(size, c.Regs.R[ESP]); err != nil {
		return err
	}
	params := gate.GateParams()
	for i := params; i > 0; i-- {
		v, err := c.stackRead((i-1)*uint32(size), size)
		if err != nil {
			return err
		}
		if err := f.push(size, v); err != nil {
			return err
		}
	}
	if err := f.push(size, uint32(c.Segs[CS].Selector)); err != nil {
		return err
	}
	if err := f.push(size, c.next); err != nil {
		return err
	}

	if err := c.setAccessed(&ssDesc, ssAddr); err != nil {
		return err
	}
	if err := c.loadCS(d, addr, target, pl); err != nil {
		return err
	}
	c.Segs[SS] = ssDesc.segment(ssSel)
	c.setSP(f.sp)
	c.next = off
	return nil
}

// newFrame starts a supervisor push sequence on the stack described by
// ss at esp.
func (c *CPU) newFrame(ss Descriptor, esp uint32) *frame {
	mask := uint32(0xFFFF)
	if ss.High&descBig != 0 {
		mask = 0xFFFFFFFF
	}
	return &frame{c: c, base: ss.Base(), sp: esp & mask, mask: mask}
}

// tssStack reads the stack pointer for privilege level pl from the
// current TSS.
func (c *CPU) tssStack(pl uint8) (uint16, uint32, error) {
	tr := c.TR
	if selIndex(tr.Selector) == 0 {
		return 0, 0, errTS(0)
	}
	if (tr.Flags>>8)&8 != 0 {
		off := 4 + uint32(pl)*8
		if off+5 > tr.Limit {
			return 0, 0, errTS(selIndex(tr.Selector))
		}
		esp, err := c.readLin(tr.Base+off, 4, false)
		if err != nil {
			return 0, 0, err
		}
		ss, err := c.readLin(tr.Base+off+4, 2, false)
		if err != nil {
			return 0, 0, err
		}
		return uint16(ss), esp, nil
	}

	off := 2 + uint32(pl)*4
	if off+3 > tr.Limit {
		return 0, 0, errTS(selIndex(tr.Selector))
	}
	sp, err := c.readLin(tr.Base+off, 2, false)
	if err != nil {
		return 0, 0, err
	}
	ss, err := c.readLin(tr.Base+off+2, 2, false)
	if err != nil {
		return 0, 0, err
	}
	return uint16(ss), sp, nil
}

// returnFar implements RETF [imm16].
func (c *CPU) returnFar(size int, imm uint32) error {
	u := c.unframe()
	eip, err := u.pop(size)
	if err != nil {
		return err
	}
	sel32, err := u.pop(size)
	if err != nil {
		return err
	}
	sel := uint16(sel32)

	if !c.ProtectedMode() || c.V86() {
		c.loadRealCS(sel)
		c.setSP(u.sp + imm)
		c.next = eip
		return nil
	}

	d, addr, rpl, err := c.checkReturnCS(sel)
	if err != nil {
		return err
	}

	if rpl == c.CPL {
		if err := c.loadCS(d, addr, sel, rpl); err != nil {
			return err
		}
		c.setSP(u.sp + imm)
		c.next = eip
		return nil
	}

	u.sp += imm
	esp, err := u.pop(size)
	if err != nil {
		return err
	}
	ssSel32, err := u.pop(size)
	if err != nil {
		return err
	}
	return c.returnOuter(d, addr, sel, eip, uint16(ssSel32), esp+imm)
}

// checkReturnCS validates the code selector popped by RETF or IRET.
func (c *CPU) checkReturnCS(sel uint16) (Descriptor, uint32, uint8, error) {
	rpl := uint8(sel & 3)
	if selIndex(sel) == 0 && sel&4 == 0 {
		return Descriptor{}, 0, rpl, errGP(0)
	}
	if rpl < c.CPL {
		return Descriptor{}, 0, rpl, errGP(selIndex(sel))
	}
	d, addr, err := c.readDescriptor(sel)
	if err != nil {
		return d, addr, rpl, err
	}
	if !d.Code() {
		return d, addr, rpl, errGP(selIndex(sel))
	}
	if d.Conforming() {
		if d.DPL() > rpl {
			return d, addr, rpl, errGP(selIndex(sel))
		}
	} else if d.DPL() != rpl {
		return d, addr, rpl, errGP(selIndex(sel))
	}
	if !d.Present() {
		return d, addr, rpl, errNP(selIndex(sel))
	}
	return d, addr, rpl, nil
}

// returnOuter completes a return to a less privileged level: it loads
// the outer stack and code segments and drops data segment registers the
// outer level may not use.
func (c *CPU) returnOuter(cs Descriptor, csAddr uint32, csSel uint16, eip uint32, ssSel uint16, esp uint32) error {
	pl := uint8(csSel & 3)
	ss, ssAddr, err := c.checkStackSegment(ssSel, pl, errGP)
	if err != nil {
		return err
	}
	if err := c.setAccessed(&ss, ssAddr); err != nil {
		return err
	}
	if err := c.loadCS(cs, csAddr, csSel, pl); err != nil {
		return err
	}
	c.Segs[SS] = ss.segment(ssSel)
	c.setSP(esp)
	c.next = eip
	c.dropInaccessibleSegments()
	return nil
}

// dropInaccessibleSegments nulls data segment registers whose descriptor
// privilege is now below CPL.
func (c *CPU) dropInaccessibleSegments() {
	for _, seg := range [...]int{ES, DS, FS, GS} {
		s := c.Segs[seg]
		if selIndex(s.Selector) == 0 && s.Selector&4 == 0 {
			continue
		}
		isCode := s.Flags&descCode != 0
		conforming := isCode && s.Flags&descConforming != 0
		if !conforming && s.DPL() < c.CPL {
			c.Segs[seg] = Segment{}
		}
	}
}
