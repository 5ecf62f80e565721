// Package loader reads guest images: raw binaries and ELF32 i386
// executables.
package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"
)

// SegmentFlags represents memory protection flags for a segment.
type SegmentFlags uint32

const (
	// SegmentFlagExecute indicates the segment is executable.
	SegmentFlagExecute SegmentFlags = 1 << iota
	// SegmentFlagWrite indicates the segment is writable.
	SegmentFlagWrite
	// SegmentFlagRead indicates the segment is readable.
	SegmentFlagRead
)

// Segment is a block of bytes placed in guest physical memory.
type Segment struct {
	// PhysAddr is where the segment is placed in physical memory.
	PhysAddr uint32
	// VirtAddr is the linked address. It equals PhysAddr for raw images.
	VirtAddr uint32
	// Data contains the segment contents from the file.
	Data []byte
	// MemSize is the size in memory. Bytes past len(Data) are zeroed.
	MemSize uint32
	Flags   SegmentFlags
}

// Program is a parsed image.
type Program struct {
	// Entry is the linked entry point. For raw images it is the load
	// address.
	Entry    uint32
	Segments []Segment
	// ELF reports whether the image was an ELF file.
	ELF bool
}

// Memory is the physical memory a Program is copied into.
type Memory interface {
	Load(addr uint32, data []byte) error
}

// Load reads the image at path. ELF files are placed at their segments'
// physical addresses; anything else is a raw image placed at addr.
func Load(path string, addr uint32) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	if bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		prog, err := ParseELF(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return prog, nil
	}

	return Raw(data, addr), nil
}

// Raw wraps a flat binary loaded at addr.
func Raw(data []byte, addr uint32) *Program {
	return &Program{
		Entry: addr,
		Segments: []Segment{{
			PhysAddr: addr,
			VirtAddr: addr,
			Data:     data,
			MemSize:  uint32(len(data)),
			Flags:    SegmentFlagRead | SegmentFlagWrite | SegmentFlagExecute,
		}},
	}
}

// ParseELF parses a 32-bit little-endian i386 executable and collects its
// PT_LOAD segments.
func ParseELF(r io.ReaderAt) (*Program, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ELF file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if f.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("not a 32-bit ELF file")
	}
	if f.Machine != elf.EM_386 {
		return nil, fmt.Errorf("not an i386 ELF file (machine type: %v)", f.Machine)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("not a little-endian ELF file")
	}

	prog := &Program{Entry: uint32(f.Entry), ELF: true}

	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}
		if phdr.Memsz < phdr.Filesz {
			return nil, fmt.Errorf("segment at 0x%x: memory size smaller than file size", phdr.Vaddr)
		}

		data := make([]byte, phdr.Filesz)
		if phdr.Filesz > 0 {
			n, err := phdr.ReadAt(data, 0)
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("failed to read segment at 0x%x: %w", phdr.Vaddr, err)
			}
			if uint64(n) != phdr.Filesz {
				return nil, fmt.Errorf("short read for segment at 0x%x: got %d bytes, expected %d",
					phdr.Vaddr, n, phdr.Filesz)
			}
		}

		var flags SegmentFlags
		if phdr.Flags&elf.PF_X != 0 {
			flags |= SegmentFlagExecute
		}
		if phdr.Flags&elf.PF_W != 0 {
			flags |= SegmentFlagWrite
		}
		if phdr.Flags&elf.PF_R != 0 {
			flags |= SegmentFlagRead
		}

		prog.Segments = append(prog.Segments, Segment{
			PhysAddr: uint32(phdr.Paddr),
			VirtAddr: uint32(phdr.Vaddr),
			Data:     data,
			MemSize:  uint32(phdr.Memsz),
			Flags:    flags,
		})
	}

	return prog, nil
}

// Size returns the span in bytes from the lowest to the highest physical
// byte the program occupies.
func (p *Program) Size() uint32 {
	if len(p.Segments) == 0 {
		return 0
	}
	lo, hi := ^uint32(0), uint32(0)
	for _, seg := range p.Segments {
		lo = min(lo, seg.PhysAddr)
		hi = max(hi, seg.PhysAddr+seg.MemSize)
	}
	return hi - lo
}

// LoadInto copies every segment into mem and zeroes the BSS tails.
func (p *Program) LoadInto(mem Memory) error {
	for _, seg := range p.Segments {
		if err := mem.Load(seg.PhysAddr, seg.Data); err != nil {
			return fmt.Errorf("failed to place segment at 0x%x: %w", seg.PhysAddr, err)
		}
		if bss := seg.MemSize - uint32(len(seg.Data)); bss > 0 {
			addr := seg.PhysAddr + uint32(len(seg.Data))
			if err := mem.Load(addr, make([]byte, bss)); err != nil {
				return fmt.Errorf("failed to clear bss at 0x%x: %w", addr, err)
			}
		}
	}
	return nil
}
