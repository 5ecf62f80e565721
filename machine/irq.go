package machine

import "sync"

// IRQLine is a single maskable interrupt input with the vector the
// interrupt controller would supply. It may be raised from any
// goroutine; the CPU samples it between instructions.
type IRQLine struct {
	mu      sync.Mutex
	pending bool
	vector  uint8
	acks    uint64
}

// Raise asserts the line with vector. A second Raise before the CPU
// acknowledges replaces the vector.
func (l *IRQLine) Raise(vector uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = true
	l.vector = vector
}

// Lower withdraws an unacknowledged request.
func (l *IRQLine) Lower() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = false
}

// Pending reports whether the line is asserted.
func (l *IRQLine) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// Acknowledge returns the vector and drops the line.
func (l *IRQLine) Acknowledge() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = false
	l.acks++
	return l.vector
}

// Acknowledged returns how many interrupts the CPU has accepted.
func (l *IRQLine) Acknowledged() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acks
}
