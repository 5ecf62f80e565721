package emu

// Segment register numbers, matching insts.SegES..insts.SegGS.
const (
	ES = iota
	CS
	SS
	DS
	FS
	GS
)

var segNames = [6]string{"ES", "CS", "SS", "DS", "FS", "GS"}

// EFLAGS bits.
const (
	FlagCF   uint32 = 1 << 0
	FlagRsv1 uint32 = 1 << 1
	FlagPF   uint32 = 1 << 2
	FlagAF   uint32 = 1 << 4
	FlagZF   uint32 = 1 << 6
	FlagSF   uint32 = 1 << 7
	FlagTF   uint32 = 1 << 8
	FlagIF   uint32 = 1 << 9
	FlagDF   uint32 = 1 << 10
	FlagOF   uint32 = 1 << 11
	FlagIOPL uint32 = 3 << 12
	FlagNT   uint32 = 1 << 14
	FlagRF   uint32 = 1 << 16
	FlagVM   uint32 = 1 << 17
	FlagAC   uint32 = 1 << 18
	FlagID   uint32 = 1 << 21

	// ArithFlags are the bits owned by the lazy flags engine.
	ArithFlags = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF

	// ControlFlags are the non-arithmetic bits stored eagerly.
	ControlFlags = FlagTF | FlagIF | FlagDF | FlagIOPL | FlagNT | FlagRF | FlagVM | FlagAC | FlagID
)

// Control register bits.
const (
	CR0PE uint32 = 1 << 0
	CR0MP uint32 = 1 << 1
	CR0EM uint32 = 1 << 2
	CR0TS uint32 = 1 << 3
	CR0ET uint32 = 1 << 4
	CR0NE uint32 = 1 << 5
	CR0WP uint32 = 1 << 16
	CR0AM uint32 = 1 << 18
	CR0PG uint32 = 1 << 31

	CR4VME uint32 = 1 << 0
	CR4TSD uint32 = 1 << 2
	CR4PSE uint32 = 1 << 4
)

// Segment is a segment register together with its descriptor cache.
// Limit is already expanded by the granularity bit; Flags holds the
// high dword of the descriptor it was loaded from.
type Segment struct {
	Selector uint16
	Base     uint32
	Limit    uint32
	Flags    uint32
}

// DPL returns the descriptor privilege level of the cached descriptor.
func (s Segment) DPL() uint8 {
	return uint8(s.Flags>>13) & 3
}

// Big reports whether the D/B bit is set (32-bit code or stack).
func (s Segment) Big() bool {
	return s.Flags&descBig != 0
}

// TableRegister is GDTR or IDTR.
type TableRegister struct {
	Base  uint32
	Limit uint16
}

// MSR numbers the core implements.
const (
	MSRTimeStampCounter = 0x10
	MSRSysenterCS       = 0x174
	MSRSysenterESP      = 0x175
	MSRSysenterEIP      = 0x176
)

// State is the architectural state of the processor. It holds no
// behavior; the CPU mutates it.
type State struct {
	Regs RegFile
	EIP  uint32
	CPL  uint8

	CR0, CR2, CR3, CR4 uint32
	DR                 [8]uint32

	Segs     [6]Segment
	LDTR, TR Segment
	GDTR     TableRegister
	IDTR     TableRegister

	// Flags holds the deferred arithmetic flags; Control holds the rest
	// of EFLAGS.
	Flags   LazyFlags
	Control uint32

	// Cycles is the monotonic cycle counter.
	Cycles uint64
	Halted bool

	// FPUTouched records that an x87 instruction executed.
	FPUTouched bool

	TSCOffset   uint64
	SysenterCS  uint32
	SysenterESP uint32
	SysenterEIP uint32
}

// EFLAGS materializes the full flags register.
func (s *State) EFLAGS() uint32 {
	return s.Flags.Compute() | s.Control | FlagRsv1
}

// SetEFLAGS replaces the full flags register.
func (s *State) SetEFLAGS(v uint32) {
	s.Flags = LazyFlags{Op: OpEflags, Dst: v & ArithFlags}
	s.Control = v & ControlFlags
}

// IOPL returns the I/O privilege level.
func (s *State) IOPL() uint8 {
	return uint8(s.Control>>12) & 3
}

// ProtectedMode reports whether CR0.PE is set.
func (s *State) ProtectedMode() bool {
	return s.CR0&CR0PE != 0
}

// V86 reports whether the processor is in virtual-8086 mode.
func (s *State) V86() bool {
	return s.Control&FlagVM != 0
}

// Code32 reports whether the current code segment defaults to 32 bits.
func (s *State) Code32() bool {
	return s.ProtectedMode() && !s.V86() && s.Segs[CS].Big()
}

// Stack32 reports whether the stack segment uses ESP rather than SP.
func (s *State) Stack32() bool {
	return s.ProtectedMode() && !s.V86() && s.Segs[SS].Big()
}
