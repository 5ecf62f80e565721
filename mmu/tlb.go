package mmu

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// Page geometry.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1

	numPages = 1 << (32 - PageShift)
)

// Residency geometry: at most Capacity pages hold TLB entries at once.
const (
	residencySets = 256
	residencyWays = 8

	// Capacity is the maximum number of populated linear pages.
	Capacity = residencySets * residencyWays
)

// Access selects one of the four page-tag tables.
type Access uint8

// Table indices. Bit 0 is write, bit 1 is user.
const (
	ReadSupervisor Access = iota
	WriteSupervisor
	ReadUser
	WriteUser

	numTables
)

// AccessFor returns the table index for an access kind.
func AccessFor(write, user bool) Access {
	a := ReadSupervisor
	if write {
		a |= WriteSupervisor
	}
	if user {
		a |= ReadUser
	}
	return a
}

// Perm is a set of tables an installed page is valid for.
type Perm uint8

// Permission bits, one per Access.
const (
	PermReadSupervisor  Perm = 1 << ReadSupervisor
	PermWriteSupervisor Perm = 1 << WriteSupervisor
	PermReadUser        Perm = 1 << ReadUser
	PermWriteUser       Perm = 1 << WriteUser

	PermAll = PermReadSupervisor | PermWriteSupervisor | PermReadUser | PermWriteUser
)

// noEntry marks a page that must be resolved by a walk.
const noEntry int32 = -1

// TLBStats counts TLB maintenance events.
type TLBStats struct {
	Fills       uint64
	Evictions   uint64
	Flushes     uint64
	PageFlushes uint64
}

// TLB is the software TLB. Each table maps a linear page index to
// (physical page address XOR linear page address), so a hit yields the
// physical address with a single XOR. Residency is tracked with an
// LRU directory so a full flush only touches populated pages.
type TLB struct {
	tables [numTables][]int32

	// Akita directory tracking which linear pages own table slots.
	resident *akitacache.DirectoryImpl

	stats TLBStats
}

// NewTLB creates an empty TLB.
func NewTLB() *TLB {
	t := &TLB{
		resident: akitacache.NewDirectory(
			residencySets,
			residencyWays,
			PageSize,
			akitacache.NewLRUVictimFinder(),
		),
	}
	for i := range t.tables {
		tbl := make([]int32, numPages)
		for j := range tbl {
			tbl[j] = noEntry
		}
		t.tables[i] = tbl
	}
	return t
}

// Stats returns TLB statistics.
func (t *TLB) Stats() TLBStats {
	return t.stats
}

// Lookup returns the physical address for lin if the page is resident
// in the table selected by acc.
func (t *TLB) Lookup(lin uint32, acc Access) (uint32, bool) {
	e := t.tables[acc][lin>>PageShift]
	if e == noEntry {
		return 0, false
	}
	return uint32(e) ^ lin, true
}

// Resident reports how many linear pages currently hold entries.
func (t *TLB) Resident() int {
	n := 0
	for _, set := range t.resident.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid {
				n++
			}
		}
	}
	return n
}

// Install records that the page holding lin maps to the page holding
// phys for every table in perm. Tables not in perm keep their contents.
func (t *TLB) Install(lin, phys uint32, perm Perm) {
	linPage := lin &^ PageMask
	t.track(linPage)

	tag := int32((phys &^ PageMask) ^ linPage)
	idx := lin >> PageShift
	for a := Access(0); a < numTables; a++ {
		if perm&(1<<a) != 0 {
			t.tables[a][idx] = tag
		}
	}
	t.stats.Fills++
}

func (t *TLB) track(linPage uint32) {
	addr := uint64(linPage)
	block := t.resident.Lookup(0, addr)
	if block != nil && block.IsValid {
		t.resident.Visit(block)
		return
	}

	victim := t.resident.FindVictim(addr)
	if victim.IsValid {
		t.clear(uint32(victim.Tag))
		t.stats.Evictions++
	}
	victim.Tag = addr
	victim.IsValid = true
	t.resident.Visit(victim)
}

func (t *TLB) clear(linPage uint32) {
	idx := linPage >> PageShift
	for a := range t.tables {
		t.tables[a][idx] = noEntry
	}
}

// FlushPage removes every entry for the page holding lin.
func (t *TLB) FlushPage(lin uint32) {
	linPage := lin &^ PageMask
	t.clear(linPage)

	block := t.resident.Lookup(0, uint64(linPage))
	if block != nil && block.IsValid {
		block.IsValid = false
	}
	t.stats.PageFlushes++
}

// Flush removes every entry.
func (t *TLB) Flush() {
	for _, set := range t.resident.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid {
				t.clear(uint32(block.Tag))
			}
			block.IsValid = false
		}
	}
	t.stats.Flushes++
}
