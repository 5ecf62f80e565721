package emu

import (
	"encoding/binary"

	"github.com/sarchlab/x86sim/insts"
	"github.com/sarchlab/x86sim/mmu"
)

func init() {
	register(opMovs, 0xA4, 0xA5)
	register(opCmps, 0xA6, 0xA7)
	register(opStos, 0xAA, 0xAB)
	register(opLods, 0xAC, 0xAD)
	register(opScas, 0xAE, 0xAF)
	register(opIns, 0x6C, 0x6D)
	register(opOuts, 0x6E, 0x6F)
}

// repBatch bounds the elements one dispatch of a REP instruction may
// execute. The instruction then restarts so interrupts are checked
// between repeat groups.
const repBatch = 4096

// stringOp carries the per-instruction parameters of a string
// instruction.
type stringOp struct {
	c     *CPU
	inst  *insts.Instruction
	size  int
	amask uint32
	delta uint32
	src   int // source segment; the destination is always ES
}

func (c *CPU) newStringOp(inst *insts.Instruction) *stringOp {
	s := &stringOp{
		c:     c,
		inst:  inst,
		size:  byteOrOp(inst),
		amask: addrMask(inst),
		src:   DS,
	}
	s.delta = uint32(s.size)
	if c.Control&FlagDF != 0 {
		s.delta = -s.delta
	}
	if inst.Seg != insts.SegNone {
		s.src = inst.Seg
	}
	return s
}

func (s *stringOp) si() uint32 { return s.c.Regs.R[ESI] & s.amask }
func (s *stringOp) di() uint32 { return s.c.Regs.R[EDI] & s.amask }

func (s *stringOp) count() uint32 { return s.c.Regs.R[ECX] & s.amask }

func (s *stringOp) setCount(n uint32) {
	r := &s.c.Regs.R[ECX]
	*r = *r&^s.amask | n&s.amask
}

// advance moves an index register by n elements.
func (s *stringOp) advance(reg uint8, n uint32) {
	r := &s.c.Regs.R[reg]
	*r = *r&^s.amask | (*r+s.delta*n)&s.amask
}

// stop reports whether a REPE/REPNE scan or compare ends after the
// element just compared.
func (s *stringOp) stop() bool {
	switch s.inst.Rep {
	case insts.RepE:
		return !s.c.Flags.ZF()
	case insts.RepNE:
		return s.c.Flags.ZF()
	}
	return false
}

// bulkFunc runs up to n elements directly on host memory and returns how
// many it completed and whether a termination condition was met. It
// returns zero when the fast path does not apply.
type bulkFunc func(n uint32) (uint32, bool)

// repeat runs a string instruction, honoring REP prefixes. elem executes
// one element and reports a termination condition.
func (c *CPU) repeat(s *stringOp, bulk bulkFunc, elem func() (bool, error)) error {
	if s.inst.Rep == insts.RepNone {
		_, err := elem()
		return err
	}

	budget := uint32(repBatch)
	for budget > 0 {
		count := s.count()
		if count == 0 {
			return nil
		}

		if bulk != nil && c.fastStrings && c.Control&FlagDF == 0 {
			if n, stop := bulk(min(count, budget)); n > 0 {
				s.setCount(count - n)
				c.commit()
				c.stats.FastStrings++
				if stop {
					return nil
				}
				budget -= n
				continue
			}
		}

		stop, err := elem()
		if err != nil {
			return err
		}
		s.setCount(count - 1)
		c.commit()
		if stop {
			return nil
		}
		budget--
	}

	if s.count() != 0 {
		c.next = c.EIP
	}
	return nil
}

// span limits n elements starting at offset off so that they neither
// wrap the address size nor leave the page holding lin.
func (s *stringOp) span(n, off, lin uint32) uint32 {
	size := uint32(s.size)
	if k := (mmu.PageSize - lin&mmu.PageMask) / size; k < n {
		n = k
	}
	if k := uint32((uint64(s.amask) - uint64(off) + 1) / uint64(size)); k < n {
		n = k
	}
	return n
}

// hostRange resolves n bytes at lin to a host memory offset. It reports
// false when the page is not plain host memory; translation faults are
// left for the element-wise path to raise.
func (c *CPU) hostRange(lin, n uint32, write bool) (uint32, bool) {
	phys, err := c.tr.Translate(lin, write, c.CPL == 3)
	if err != nil {
		return 0, false
	}
	if uint64(phys)+uint64(n) > uint64(len(c.tr.Host())) {
		return 0, false
	}
	return phys, true
}

func getLE(b []byte, size int) uint32 {
	switch size {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	}
	return binary.LittleEndian.Uint32(b)
}

func putLE(b []byte, size int, v uint32) {
	switch size {
	case 1:
		b[0] = uint8(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	default:
		binary.LittleEndian.PutUint32(b, v)
	}
}

func opMovs(c *CPU, inst *insts.Instruction) error {
	s := c.newStringOp(inst)
	elem := func() (bool, error) {
		v, err := c.read(s.src, s.si(), s.size)
		if err != nil {
			return false, err
		}
		if err := c.write(ES, s.di(), s.size, v); err != nil {
			return false, err
		}
		s.advance(ESI, 1)
		s.advance(EDI, 1)
		return false, nil
	}
	bulk := func(n uint32) (uint32, bool) {
		srcLin := c.Segs[s.src].Base + s.si()
		dstLin := c.Segs[ES].Base + s.di()
		n = s.span(s.span(n, s.si(), srcLin), s.di(), dstLin)
		if n == 0 {
			return 0, false
		}
		bytes := n * uint32(s.size)
		src, ok := c.hostRange(srcLin, bytes, false)
		if !ok {
			return 0, false
		}
		dst, ok := c.hostRange(dstLin, bytes, true)
		if !ok {
			return 0, false
		}
		// A forward element copy into an overlapping higher destination
		// replicates the source, which copy does not.
		if dst > src && dst < src+bytes {
			return 0, false
		}
		host := c.tr.Host()
		copy(host[dst:dst+bytes], host[src:src+bytes])
		s.advance(ESI, n)
		s.advance(EDI, n)
		return n, false
	}
	return c.repeat(s, bulk, elem)
}

func opStos(c *CPU, inst *insts.Instruction) error {
	s := c.newStringOp(inst)
	v := c.Regs.Read(s.size, EAX)
	elem := func() (bool, error) {
		if err := c.write(ES, s.di(), s.size, v); err != nil {
			return false, err
		}
		s.advance(EDI, 1)
		return false, nil
	}
	bulk := func(n uint32) (uint32, bool) {
		lin := c.Segs[ES].Base + s.di()
		n = s.span(n, s.di(), lin)
		if n == 0 {
			return 0, false
		}
		bytes := n * uint32(s.size)
		phys, ok := c.hostRange(lin, bytes, true)
		if !ok {
			return 0, false
		}
		dst := c.tr.Host()[phys : phys+bytes]
		for i := 0; i < len(dst); i += s.size {
			putLE(dst[i:], s.size, v)
		}
		s.advance(EDI, n)
		return n, false
	}
	return c.repeat(s, bulk, elem)
}

func opLods(c *CPU, inst *insts.Instruction) error {
	s := c.newStringOp(inst)
	return c.repeat(s, nil, func() (bool, error) {
		v, err := c.read(s.src, s.si(), s.size)
		if err != nil {
			return false, err
		}
		c.Regs.Write(s.size, EAX, v)
		s.advance(ESI, 1)
		return false, nil
	})
}

func opScas(c *CPU, inst *insts.Instruction) error {
	s := c.newStringOp(inst)
	acc := c.Regs.Read(s.size, EAX)
	elem := func() (bool, error) {
		v, err := c.read(ES, s.di(), s.size)
		if err != nil {
			return false, err
		}
		c.arith(aluCMP, s.size, acc, v)
		s.advance(EDI, 1)
		return s.stop(), nil
	}
	bulk := func(n uint32) (uint32, bool) {
		lin := c.Segs[ES].Base + s.di()
		n = s.span(n, s.di(), lin)
		if n == 0 {
			return 0, false
		}
		phys, ok := c.hostRange(lin, n*uint32(s.size), false)
		if !ok {
			return 0, false
		}
		mem := c.tr.Host()[phys:]
		for i := uint32(0); i < n; i++ {
			c.arith(aluCMP, s.size, acc, getLE(mem[i*uint32(s.size):], s.size))
			if s.stop() {
				s.advance(EDI, i+1)
				return i + 1, true
			}
		}
		s.advance(EDI, n)
		return n, false
	}
	return c.repeat(s, bulk, elem)
}

func opCmps(c *CPU, inst *insts.Instruction) error {
	s := c.newStringOp(inst)
	elem := func() (bool, error) {
		a, err := c.read(s.src, s.si(), s.size)
		if err != nil {
			return false, err
		}
		b, err := c.read(ES, s.di(), s.size)
		if err != nil {
			return false, err
		}
		c.arith(aluCMP, s.size, a, b)
		s.advance(ESI, 1)
		s.advance(EDI, 1)
		return s.stop(), nil
	}
	bulk := func(n uint32) (uint32, bool) {
		srcLin := c.Segs[s.src].Base + s.si()
		dstLin := c.Segs[ES].Base + s.di()
		n = s.span(s.span(n, s.si(), srcLin), s.di(), dstLin)
		if n == 0 {
			return 0, false
		}
		bytes := n * uint32(s.size)
		sp, ok := c.hostRange(srcLin, bytes, false)
		if !ok {
			return 0, false
		}
		dp, ok := c.hostRange(dstLin, bytes, false)
		if !ok {
			return 0, false
		}
		host := c.tr.Host()
		src, dst := host[sp:sp+bytes], host[dp:dp+bytes]
		for i := uint32(0); i < n; i++ {
			off := i * uint32(s.size)
			c.arith(aluCMP, s.size, getLE(src[off:], s.size), getLE(dst[off:], s.size))
			if s.stop() {
				s.advance(ESI, i+1)
				s.advance(EDI, i+1)
				return i + 1, true
			}
		}
		s.advance(ESI, n)
		s.advance(EDI, n)
		return n, false
	}
	return c.repeat(s, bulk, elem)
}

func opIns(c *CPU, inst *insts.Instruction) error {
	if err := c.ioAllowed(); err != nil {
		return err
	}
	s := c.newStringOp(inst)
	port := uint16(c.Regs.R[EDX])
	return c.repeat(s, nil, func() (bool, error) {
		// Probe the destination before touching the device.
		if _, err := c.tr.Translate(c.Segs[ES].Base+s.di(), true, c.CPL == 3); err != nil {
			return false, err
		}
		if err := c.write(ES, s.di(), s.size, c.portIn(port, s.size)); err != nil {
			return false, err
		}
		s.advance(EDI, 1)
		return false, nil
	})
}

func opOuts(c *CPU, inst *insts.Instruction) error {
	if err := c.ioAllowed(); err != nil {
		return err
	}
	s := c.newStringOp(inst)
	port := uint16(c.Regs.R[EDX])
	return c.repeat(s, nil, func() (bool, error) {
		v, err := c.read(s.src, s.si(), s.size)
		if err != nil {
			return false, err
		}
		c.portOut(port, s.size, v)
		s.advance(ESI, 1)
		return false, nil
	})
}
