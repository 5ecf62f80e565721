package mmu

import (
	"encoding/binary"
	"fmt"
)

// Page directory and page table entry bits.
const (
	PTEPresent  uint32 = 1 << 0
	PTEWrite    uint32 = 1 << 1
	PTEUser     uint32 = 1 << 2
	PTEAccessed uint32 = 1 << 5
	PTEDirty    uint32 = 1 << 6
	PDELarge    uint32 = 1 << 7
)

// Control register bits the translator reacts to.
const (
	CR0WP  uint32 = 1 << 16
	CR0PG  uint32 = 1 << 31
	CR4PSE uint32 = 1 << 4
)

// Page fault error code bits.
const (
	PFPresent uint32 = 1 << 0
	PFWrite   uint32 = 1 << 1
	PFUser    uint32 = 1 << 2
)

// PageFault is returned when a walk denies an access.
type PageFault struct {
	Addr uint32 // faulting linear address (CR2)
	Code uint32 // error code pushed with vector 14
}

func (f *PageFault) Error() string {
	return fmt.Sprintf("page fault at 0x%08x (code %d)", f.Addr, f.Code)
}

// Translator maps linear addresses to physical addresses, caching
// validated walks in a TLB.
type Translator struct {
	mem  PhysicalMemory
	host []byte
	tlb  *TLB

	paging bool
	wp     bool
	pse    bool
	cr3    uint32

	walks uint64
}

// NewTranslator creates a translator over mem with paging disabled.
func NewTranslator(mem PhysicalMemory) *Translator {
	return &Translator{
		mem:  mem,
		host: mem.Host(),
		tlb:  NewTLB(),
	}
}

// TLB returns the translator's TLB.
func (t *Translator) TLB() *TLB {
	return t.tlb
}

// Memory returns the physical memory port.
func (t *Translator) Memory() PhysicalMemory {
	return t.mem
}

// Host returns the directly addressable physical memory.
func (t *Translator) Host() []byte {
	return t.host
}

// Walks returns the number of page-table walks performed.
func (t *Translator) Walks() uint64 {
	return t.walks
}

// Paging reports whether paging is enabled.
func (t *Translator) Paging() bool {
	return t.paging
}

// SetCR0 applies CR0. Toggling PG or WP flushes the TLB.
func (t *Translator) SetCR0(cr0 uint32) {
	paging := cr0&CR0PG != 0
	wp := cr0&CR0WP != 0
	if paging != t.paging || wp != t.wp {
		t.tlb.Flush()
	}
	t.paging = paging
	t.wp = wp
}

// SetCR3 loads the page directory base. Every load flushes the TLB.
func (t *Translator) SetCR3(cr3 uint32) {
	t.cr3 = cr3
	t.tlb.Flush()
}

// SetCR4 applies CR4. Toggling PSE flushes the TLB.
func (t *Translator) SetCR4(cr4 uint32) {
	pse := cr4&CR4PSE != 0
	if pse != t.pse {
		t.tlb.Flush()
	}
	t.pse = pse
}

// FlushAll invalidates every cached translation.
func (t *Translator) FlushAll() {
	t.tlb.Flush()
}

// FlushPage invalidates the cached translation of the page holding lin.
func (t *Translator) FlushPage(lin uint32) {
	t.tlb.FlushPage(lin)
}

// Translate returns the physical address for a linear address, walking
// the page tables on a TLB miss.
func (t *Translator) Translate(lin uint32, write, user bool) (uint32, error) {
	if phys, ok := t.tlb.Lookup(lin, AccessFor(write, user)); ok {
		return phys, nil
	}
	return t.fill(lin, write, user)
}

func (t *Translator) cacheable(phys uint32) bool {
	return uint64(phys&^PageMask)+PageSize <= uint64(len(t.host))
}

func (t *Translator) fill(lin uint32, write, user bool) (uint32, error) {
	if !t.paging {
		if t.cacheable(lin) {
			t.tlb.Install(lin, lin, PermAll)
		}
		return lin, nil
	}

	res, err := t.walk(lin, write, user, true)
	if err != nil {
		return 0, err
	}
	if t.cacheable(res.phys) {
		t.tlb.Install(lin, res.phys, res.perm)
	}
	return res.phys, nil
}

type walkResult struct {
	phys  uint32
	entry uint32 // effective leaf entry after A/D updates
	perm  Perm
}

// walk resolves lin through the page tables. With commit set, accessed
// and dirty bits are written back to the guest's tables.
func (t *Translator) walk(lin uint32, write, user, commit bool) (walkResult, error) {
	t.walks++

	pdeAddr := (t.cr3 &^ PageMask) + (lin>>22)*4
	pde := t.mem.Read32(pdeAddr)
	if pde&PTEPresent == 0 {
		return walkResult{}, t.fault(lin, false, write, user)
	}

	if t.pse && pde&PDELarge != 0 {
		if !t.allowed(pde, write, user) {
			return walkResult{}, t.fault(lin, true, write, user)
		}
		updated := pde | PTEAccessed
		if write {
			updated |= PTEDirty
		}
		if commit && updated != pde {
			t.mem.Write32(pdeAddr, updated)
		}
		return walkResult{
			phys:  (pde & 0xFFC00000) | (lin & 0x003FFFFF),
			entry: updated,
			perm:  t.perms(updated, updated),
		}, nil
	}

	pteAddr := (pde &^ PageMask) + ((lin>>PageShift)&0x3FF)*4
	pte := t.mem.Read32(pteAddr)
	if pte&PTEPresent == 0 {
		return walkResult{}, t.fault(lin, false, write, user)
	}

	combined := pde & pte
	if !t.allowed(combined, write, user) {
		return walkResult{}, t.fault(lin, true, write, user)
	}

	if commit {
		if pde&PTEAccessed == 0 {
			t.mem.Write32(pdeAddr, pde|PTEAccessed)
		}
	}
	updated := pte | PTEAccessed
	if write {
		updated |= PTEDirty
	}
	if commit && updated != pte {
		t.mem.Write32(pteAddr, updated)
	}

	return walkResult{
		phys:  (pte &^ PageMask) | (lin & PageMask),
		entry: updated,
		perm:  t.perms(combined, updated),
	}, nil
}

func (t *Translator) allowed(flags uint32, write, user bool) bool {
	if user {
		if flags&PTEUser == 0 {
			return false
		}
		return !write || flags&PTEWrite != 0
	}
	if write && t.wp {
		return flags&PTEWrite != 0
	}
	return true
}

// perms derives the tables a validated walk may populate. Write tables
// are only populated once the leaf is dirty, so the first write to a
// clean page always walks and sets D.
func (t *Translator) perms(combined, leaf uint32) Perm {
	p := PermReadSupervisor
	if combined&PTEUser != 0 {
		p |= PermReadUser
	}
	if leaf&PTEDirty == 0 {
		return p
	}
	if combined&PTEWrite != 0 || !t.wp {
		p |= PermWriteSupervisor
	}
	if combined&PTEUser != 0 && combined&PTEWrite != 0 {
		p |= PermWriteUser
	}
	return p
}

func (t *Translator) fault(lin uint32, present, write, user bool) error {
	var code uint32
	if present {
		code |= PFPresent
	}
	if write {
		code |= PFWrite
	}
	if user {
		code |= PFUser
	}
	return &PageFault{Addr: lin, Code: code}
}

// Probe translates lin for a supervisor read without touching the TLB or
// the guest's accessed and dirty bits. It also returns the leaf entry
// (zero when paging is off).
func (t *Translator) Probe(lin uint32) (phys uint32, entry uint32, ok bool) {
	if !t.paging {
		return lin, 0, true
	}
	walks := t.walks
	res, err := t.walk(lin, false, false, false)
	t.walks = walks
	if err != nil {
		return 0, 0, false
	}
	return res.phys, res.entry, true
}

// Peek copies memory starting at lin into buf without side effects and
// returns the number of bytes copied before the first unmapped page.
func (t *Translator) Peek(lin uint32, buf []byte) int {
	for i := range buf {
		phys, _, ok := t.Probe(lin + uint32(i))
		if !ok {
			return i
		}
		buf[i] = t.mem.Read8(phys)
	}
	return len(buf)
}

// Read8 reads a byte at a linear address.
func (t *Translator) Read8(lin uint32, user bool) (uint8, error) {
	if phys, ok := t.tlb.Lookup(lin, AccessFor(false, user)); ok {
		return t.host[phys], nil
	}
	phys, err := t.fill(lin, false, user)
	if err != nil {
		return 0, err
	}
	return t.mem.Read8(phys), nil
}

// Read16 reads a word at a linear address.
func (t *Translator) Read16(lin uint32, user bool) (uint16, error) {
	if lin&PageMask > PageSize-2 {
		return t.read16Split(lin, user)
	}
	if phys, ok := t.tlb.Lookup(lin, AccessFor(false, user)); ok {
		return binary.LittleEndian.Uint16(t.host[phys:]), nil
	}
	phys, err := t.fill(lin, false, user)
	if err != nil {
		return 0, err
	}
	return t.mem.Read16(phys), nil
}

// Read32 reads a dword at a linear address.
func (t *Translator) Read32(lin uint32, user bool) (uint32, error) {
	if lin&PageMask > PageSize-4 {
		return t.read32Split(lin, user)
	}
	if phys, ok := t.tlb.Lookup(lin, AccessFor(false, user)); ok {
		return binary.LittleEndian.Uint32(t.host[phys:]), nil
	}
	phys, err := t.fill(lin, false, user)
	if err != nil {
		return 0, err
	}
	return t.mem.Read32(phys), nil
}

// Write8 writes a byte at a linear address.
func (t *Translator) Write8(lin uint32, v uint8, user bool) error {
	if phys, ok := t.tlb.Lookup(lin, AccessFor(true, user)); ok {
		t.host[phys] = v
		return nil
	}
	phys, err := t.fill(lin, true, user)
	if err != nil {
		return err
	}
	t.mem.Write8(phys, v)
	return nil
}

// Write16 writes a word at a linear address.
func (t *Translator) Write16(lin uint32, v uint16, user bool) error {
	if lin&PageMask > PageSize-2 {
		return t.writeSplit(lin, uint32(v), 2, user)
	}
	if phys, ok := t.tlb.Lookup(lin, AccessFor(true, user)); ok {
		binary.LittleEndian.PutUint16(t.host[phys:], v)
		return nil
	}
	phys, err := t.fill(lin, true, user)
	if err != nil {
		return err
	}
	t.mem.Write16(phys, v)
	return nil
}

// Write32 writes a dword at a linear address.
func (t *Translator) Write32(lin uint32, v uint32, user bool) error {
	if lin&PageMask > PageSize-4 {
		return t.writeSplit(lin, v, 4, user)
	}
	if phys, ok := t.tlb.Lookup(lin, AccessFor(true, user)); ok {
		binary.LittleEndian.PutUint32(t.host[phys:], v)
		return nil
	}
	phys, err := t.fill(lin, true, user)
	if err != nil {
		return err
	}
	t.mem.Write32(phys, v)
	return nil
}

// splitPages translates both pages touched by an access that crosses a
// page boundary, first page first, before any byte moves.
func (t *Translator) splitPages(lin uint32, write, user bool) (lo, hi uint32, err error) {
	lo, err = t.Translate(lin, write, user)
	if err != nil {
		return 0, 0, err
	}
	next := (lin &^ PageMask) + PageSize
	hi, err = t.Translate(next, write, user)
	if err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}

func splitAddr(lin, lo, hi uint32, i uint32) uint32 {
	a := lin + i
	if a&^PageMask == lin&^PageMask {
		return lo + i
	}
	return hi + (a & PageMask)
}

func (t *Translator) read16Split(lin uint32, user bool) (uint16, error) {
	lo, hi, err := t.splitPages(lin, false, user)
	if err != nil {
		return 0, err
	}
	b0 := t.mem.Read8(splitAddr(lin, lo, hi, 0))
	b1 := t.mem.Read8(splitAddr(lin, lo, hi, 1))
	return uint16(b0) | uint16(b1)<<8, nil
}

func (t *Translator) read32Split(lin uint32, user bool) (uint32, error) {
	lo, hi, err := t.splitPages(lin, false, user)
	if err != nil {
		return 0, err
	}
	var v uint32
	for i := uint32(0); i < 4; i++ {
		v |= uint32(t.mem.Read8(splitAddr(lin, lo, hi, i))) << (8 * i)
	}
	return v, nil
}

func (t *Translator) writeSplit(lin uint32, v uint32, n uint32, user bool) error {
	lo, hi, err := t.splitPages(lin, true, user)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		t.mem.Write8(splitAddr(lin, lo, hi, i), uint8(v>>(8*i)))
	}
	return nil
}
