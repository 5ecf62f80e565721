package benchmarks

import (
	"encoding/binary"

	"github.com/sarchlab/x86sim/emu"
	"github.com/sarchlab/x86sim/machine"
)

// GetMicrobenchmarks returns the standard set of programs. Each targets
// one part of the interpreter.
func GetMicrobenchmarks() []Benchmark {
	return []Benchmark{
		arithmeticLoop(),
		dependencyChain(),
		branchHeavy(),
		functionCalls(),
		memoryCopy(),
		stringScan(),
		pagedWalk(),
		softwareInterrupts(),
	}
}

// GetCoreBenchmarks returns a small set for quick validation.
func GetCoreBenchmarks() []Benchmark {
	return []Benchmark{
		arithmeticLoop(),
		memoryCopy(),
		pagedWalk(),
	}
}

// Lookup returns the named benchmark.
func Lookup(name string) (Benchmark, bool) {
	for _, b := range GetMicrobenchmarks() {
		if b.Name == name {
			return b, true
		}
	}
	return Benchmark{}, false
}

// BuildProgram concatenates encoded instructions.
func BuildProgram(parts ...[]byte) []byte {
	var program []byte
	for _, p := range parts {
		program = append(program, p...)
	}
	return program
}

// Imm32 encodes a little-endian dword immediate.
func Imm32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

// b is shorthand for raw encoding bytes.
func b(bytes ...byte) []byte { return bytes }

var stop = b(0xFA, 0xF4) // cli; hlt

func arithmeticLoop() Benchmark {
	const n = 100000
	var sum uint32
	for i := uint32(1); i <= n; i++ {
		sum += i
	}
	return Benchmark{
		Name:        "arithmetic_loop",
		Description: "sum of 1..100000 with ADD/DEC/JNZ - decode and dispatch rate",
		Program: BuildProgram(
			b(0xB9), Imm32(n), // mov ecx, n
			b(0x31, 0xC0), // xor eax, eax
			b(0x01, 0xC8), // loop: add eax, ecx
			b(0x49),       // dec ecx
			b(0x75, 0xFB), // jnz loop
			stop,
		),
		Expected: sum,
	}
}

func dependencyChain() Benchmark {
	const n = 50000
	expected := uint32(1)
	for i := 0; i < n; i++ {
		expected = expected*3 + 7
	}
	return Benchmark{
		Name:        "dependency_chain",
		Description: "x = x*3 + 7 chained 50000 times - IMUL and lazy flag pressure",
		Program: BuildProgram(
			b(0xB8), Imm32(1), // mov eax, 1
			b(0xB9), Imm32(n), // mov ecx, n
			b(0x6B, 0xC0, 0x03), // loop: imul eax, eax, 3
			b(0x83, 0xC0, 0x07), // add eax, 7
			b(0x49),             // dec ecx
			b(0x75, 0xF7),       // jnz loop
			stop,
		),
		Expected: expected,
	}
}

func branchHeavy() Benchmark {
	const n = 100000
	return Benchmark{
		Name:        "branch_heavy",
		Description: "count odd values of a 100000-step counter - alternating JZ outcomes",
		Program: BuildProgram(
			b(0xB9), Imm32(n), // mov ecx, n
			b(0x31, 0xC0),       // xor eax, eax
			b(0xF6, 0xC1, 0x01), // loop: test cl, 1
			b(0x74, 0x01),       // jz skip
			b(0x40),             // inc eax
			b(0x49),             // skip: dec ecx
			b(0x75, 0xF7),       // jnz loop
			stop,
		),
		Expected: n / 2,
	}
}

func functionCalls() Benchmark {
	const n = 50000
	return Benchmark{
		Name:        "function_calls",
		Description: "50000 CALL/RET pairs - stack pushes through the TLB",
		Program: BuildProgram(
			b(0xB9), Imm32(n), // mov ecx, n
			b(0x31, 0xC0),     // xor eax, eax
			b(0xE8), Imm32(5), // loop: call f
			b(0x49),       // dec ecx
			b(0x75, 0xF8), // jnz loop
			stop,
			b(0x40), // f: inc eax
			b(0xC3), // ret
		),
		Expected: n,
	}
}

func memoryCopy() Benchmark {
	const (
		src   = 0x100000
		dst   = 0x200000
		count = 0x40000
	)
	pattern := func(i uint32) uint32 { return i * 2654435761 }
	return Benchmark{
		Name:        "memory_copy",
		Description: "REP MOVSD of 1 MiB - string engine bulk path",
		Setup: func(m *machine.Machine) {
			mem := m.Memory()
			for i := uint32(0); i < count; i++ {
				mem.Write32(src+4*i, pattern(i))
			}
		},
		Program: BuildProgram(
			b(0xBE), Imm32(src), // mov esi, src
			b(0xBF), Imm32(dst), // mov edi, dst
			b(0xB9), Imm32(count), // mov ecx, count
			b(0xFC),                         // cld
			b(0xF3, 0xA5),                   // rep movsd
			b(0xA1), Imm32(dst+4*(count-1)), // mov eax, [last]
			stop,
		),
		Expected: pattern(count - 1),
	}
}

func stringScan() Benchmark {
	const (
		base  = 0x100000
		count = 0x100000
		match = 0xC0000
	)
	return Benchmark{
		Name:        "string_scan",
		Description: "REPNE SCASB over 768 KiB - compare loop with early exit",
		Setup: func(m *machine.Machine) {
			m.Memory().Write8(base+match, 0x5A)
		},
		Program: BuildProgram(
			b(0xBF), Imm32(base), // mov edi, base
			b(0xB9), Imm32(count), // mov ecx, count
			b(0xB0, 0x5A), // mov al, 0x5a
			b(0xFC),       // cld
			b(0xF2, 0xAE), // repne scasb
			b(0x89, 0xC8), // mov eax, ecx
			stop,
		),
		Expected: count - (match + 1),
	}
}

func pagedWalk() Benchmark {
	const (
		pageDir = 0x300000
		data    = 0x400000
		pages   = 2048
		passes  = 20
	)
	var sum uint32
	for k := uint32(0); k < pages; k++ {
		sum += k
	}
	return Benchmark{
		Name:        "paged_walk",
		Description: "one load per page over 8 MiB, 20 passes - TLB fills and evictions",
		Setup: func(m *machine.Machine) {
			mem := m.Memory()
			// Identity map the first 16 MiB with four page tables.
			for t := uint32(0); t < 4; t++ {
				table := pageDir + 0x1000*(t+1)
				mem.Write32(pageDir+4*t, table|3)
				for i := uint32(0); i < 1024; i++ {
					mem.Write32(table+4*i, (t*1024+i)<<12|3)
				}
			}
			for k := uint32(0); k < pages; k++ {
				mem.Write32(data+k*0x1000, k)
			}
			c := m.CPU()
			c.SetControlRegister(3, pageDir)
			c.SetControlRegister(0, c.CR0|emu.CR0PG)
		},
		Program: BuildProgram(
			b(0xBA), Imm32(passes), // mov edx, passes
			b(0x31, 0xC0),        // xor eax, eax
			b(0xBE), Imm32(data), // outer: mov esi, data
			b(0xB9), Imm32(pages), // mov ecx, pages
			b(0x03, 0x06),                // inner: add eax, [esi]
			b(0x81, 0xC6), Imm32(0x1000), // add esi, 0x1000
			b(0x49),       // dec ecx
			b(0x75, 0xF5), // jnz inner
			b(0x4A),       // dec edx
			b(0x75, 0xE8), // jnz outer
			stop,
		),
		Expected: sum * passes,
	}
}

func softwareInterrupts() Benchmark {
	const (
		gdt     = 0x500
		idt     = 0x800
		handler = 0x20000
		n       = 20000
	)
	return Benchmark{
		Name:        "software_interrupts",
		Description: "20000 INT 0x80 / IRET round trips - gate and descriptor checks",
		Setup: func(m *machine.Machine) {
			mem := m.Memory()
			mem.Write32(gdt+8, 0x0000FFFF)
			mem.Write32(gdt+12, 0x00CF9A00)
			mem.Write32(gdt+16, 0x0000FFFF)
			mem.Write32(gdt+20, 0x00CF9200)
			mem.Write32(idt+0x80*8, 0x08<<16|handler&0xFFFF)
			mem.Write32(idt+0x80*8+4, handler&0xFFFF0000|0x8F00)
			mem.Write8(handler, 0x40)   // inc eax
			mem.Write8(handler+1, 0xCF) // iret

			c := m.CPU()
			c.GDTR = emu.TableRegister{Base: gdt, Limit: 0x17}
			c.IDTR = emu.TableRegister{Base: idt, Limit: 0x7FF}
		},
		Program: BuildProgram(
			b(0xB9), Imm32(n), // mov ecx, n
			b(0x31, 0xC0), // xor eax, eax
			b(0xCD, 0x80), // loop: int 0x80
			b(0x49),       // dec ecx
			b(0x75, 0xFB), // jnz loop
			stop,
		),
		Expected: n,
	}
}
