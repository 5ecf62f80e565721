package emu

import (
	"errors"
	"fmt"
)

// Exception vectors.
const (
	VecDE  = 0 // divide error
	VecDB  = 1 // debug
	VecNMI = 2
	VecBP  = 3  // breakpoint
	VecOF  = 4  // overflow
	VecBR  = 5  // bound range
	VecUD  = 6  // invalid opcode
	VecNM  = 7  // device not available
	VecDF  = 8  // double fault
	VecTS  = 10 // invalid TSS
	VecNP  = 11 // segment not present
	VecSS  = 12 // stack fault
	VecGP  = 13 // general protection
	VecPF  = 14 // page fault
	VecMF  = 16 // x87 error
	VecAC  = 17 // alignment check
)

// Fault is an architectural exception raised by an instruction. It is
// delivered to the guest and never returned from Exec.
type Fault struct {
	Vector       uint8
	HasErrorCode bool
	ErrorCode    uint32
}

func (f *Fault) Error() string {
	if f.HasErrorCode {
		return fmt.Sprintf("exception %d (error code 0x%x)", f.Vector, f.ErrorCode)
	}
	return fmt.Sprintf("exception %d", f.Vector)
}

// HasErrorCode reports whether exceptions with vector push an error code.
func HasErrorCode(vector uint8) bool {
	switch vector {
	case VecDF, VecTS, VecNP, VecSS, VecGP, VecPF, VecAC:
		return true
	}
	return false
}

// NewFault builds the fault for vector, attaching code when the vector
// architecturally carries one.
func NewFault(vector uint8, code uint32) *Fault {
	if HasErrorCode(vector) {
		return &Fault{Vector: vector, HasErrorCode: true, ErrorCode: code}
	}
	return &Fault{Vector: vector}
}

func errUD() error            { return &Fault{Vector: VecUD} }
func errDE() error            { return &Fault{Vector: VecDE} }
func errNM() error            { return &Fault{Vector: VecNM} }
func errGP(code uint32) error { return NewFault(VecGP, code) }
func errNP(code uint32) error { return NewFault(VecNP, code) }
func errSS(code uint32) error { return NewFault(VecSS, code) }
func errTS(code uint32) error { return NewFault(VecTS, code) }

// contributory reports whether vector belongs to the contributory class
// for double-fault detection.
func contributory(vector uint8) bool {
	switch vector {
	case VecDE, VecTS, VecNP, VecSS, VecGP:
		return true
	}
	return false
}

// escalates reports whether a second exception raised while delivering
// the first turns into a double fault.
func escalates(first, second uint8) bool {
	switch {
	case contributory(first):
		return contributory(second)
	case first == VecPF:
		return second == VecPF || contributory(second)
	}
	return false
}

// Conditions that end an emulation run.
var (
	ErrTaskGate    = errors.New("task gates are not supported")
	ErrTaskSwitch  = errors.New("hardware task switching is not supported")
	ErrTripleFault = errors.New("triple fault")
	ErrUnsupported = errors.New("unsupported processor configuration")
)

// AbortError reports an unrecoverable condition. It wraps one of the
// Err* sentinels and records where it happened.
type AbortError struct {
	Err error
	CS  uint16
	EIP uint32
	Msg string
}

func (e *AbortError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%v at %04x:%08x: %s", e.Err, e.CS, e.EIP, e.Msg)
	}
	return fmt.Sprintf("%v at %04x:%08x", e.Err, e.CS, e.EIP)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}
