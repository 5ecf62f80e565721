// Package mmu provides linear-to-physical address translation for the
// IA-32 core: a flat physical memory arena, a software TLB made of four
// page-tag tables, and the two-level page-table walker that fills it.
package mmu

import (
	"encoding/binary"
	"fmt"
)

// PhysicalMemory is the port the translator uses to reach guest physical
// memory. Host returns the directly addressable prefix of physical memory;
// only pages that lie completely inside it are cached in the TLB.
type PhysicalMemory interface {
	Read8(addr uint32) uint8
	Read16(addr uint32) uint16
	Read32(addr uint32) uint32
	Write8(addr uint32, v uint8)
	Write16(addr uint32, v uint16)
	Write32(addr uint32, v uint32)
	Host() []byte
}

// Arena is contiguous guest RAM starting at physical address 0.
// Reads beyond the end return all-ones; writes beyond the end are dropped.
type Arena struct {
	buf []byte
}

// NewArena allocates size bytes of zeroed guest RAM.
func NewArena(size uint32) *Arena {
	return &Arena{buf: make([]byte, size)}
}

// Size returns the arena size in bytes.
func (a *Arena) Size() uint32 {
	return uint32(len(a.buf))
}

// Host returns the backing slice.
func (a *Arena) Host() []byte {
	return a.buf
}

func (a *Arena) inRange(addr uint32, n uint32) bool {
	return uint64(addr)+uint64(n) <= uint64(len(a.buf))
}

// Read8 reads a byte.
func (a *Arena) Read8(addr uint32) uint8 {
	if !a.inRange(addr, 1) {
		return 0xFF
	}
	return a.buf[addr]
}

// Read16 reads a little-endian word.
func (a *Arena) Read16(addr uint32) uint16 {
	if !a.inRange(addr, 2) {
		return uint16(a.Read8(addr)) | uint16(a.Read8(addr+1))<<8
	}
	return binary.LittleEndian.Uint16(a.buf[addr:])
}

// Read32 reads a little-endian dword.
func (a *Arena) Read32(addr uint32) uint32 {
	if !a.inRange(addr, 4) {
		return uint32(a.Read16(addr)) | uint32(a.Read16(addr+2))<<16
	}
	return binary.LittleEndian.Uint32(a.buf[addr:])
}

// Write8 writes a byte.
func (a *Arena) Write8(addr uint32, v uint8) {
	if a.inRange(addr, 1) {
		a.buf[addr] = v
	}
}

// Write16 writes a little-endian word.
func (a *Arena) Write16(addr uint32, v uint16) {
	if !a.inRange(addr, 2) {
		a.Write8(addr, uint8(v))
		a.Write8(addr+1, uint8(v>>8))
		return
	}
	binary.LittleEndian.PutUint16(a.buf[addr:], v)
}

// Write32 writes a little-endian dword.
func (a *Arena) Write32(addr uint32, v uint32) {
	if !a.inRange(addr, 4) {
		a.Write16(addr, uint16(v))
		a.Write16(addr+2, uint16(v>>16))
		return
	}
	binary.LittleEndian.PutUint32(a.buf[addr:], v)
}

// Load copies data to physical address addr.
func (a *Arena) Load(addr uint32, data []byte) error {
	if !a.inRange(addr, uint32(len(data))) {
		return fmt.Errorf("image of %d bytes at 0x%08x exceeds %d bytes of RAM",
			len(data), addr, len(a.buf))
	}
	copy(a.buf[addr:], data)
	return nil
}
