package machine

import "fmt"

// portCount is the size of the decoded I/O space. Ports alias modulo
// portCount.
const portCount = 1024

// ReadFunc handles a port read. It receives the full port number.
type ReadFunc func(port uint16) uint32

// WriteFunc handles a port write. It receives the full port number.
type WriteFunc func(port uint16, v uint32)

// PortBus routes IN and OUT instructions to per-port handlers. Each
// access width has its own table. Unclaimed byte reads return 0xFF and
// unclaimed dword reads return 0xFFFFFFFF. Unclaimed word accesses are
// split into two byte accesses.
type PortBus struct {
	read  [3][portCount]ReadFunc
	write [3][portCount]WriteFunc
}

// NewPortBus creates a bus with no devices and a sink on the POST
// diagnostic port 0x80.
func NewPortBus() *PortBus {
	b := &PortBus{}
	_ = b.RegisterWrite(0x80, 1, 1, func(uint16, uint32) {})
	return b
}

func widthIndex(size int) (int, error) {
	switch size {
	case 1:
		return 0, nil
	case 2:
		return 1, nil
	case 4:
		return 2, nil
	}
	return 0, fmt.Errorf("invalid port access size %d", size)
}

// RegisterRead installs fn for size-byte reads of length bytes of ports
// starting at start, one entry every size ports.
func (b *PortBus) RegisterRead(start uint16, length, size int, fn ReadFunc) error {
	w, err := widthIndex(size)
	if err != nil {
		return err
	}
	for i := 0; i < length; i += size {
		b.read[w][(int(start)+i)%portCount] = fn
	}
	return nil
}

// RegisterWrite installs fn for size-byte writes of length bytes of
// ports starting at start, one entry every size ports.
func (b *PortBus) RegisterWrite(start uint16, length, size int, fn WriteFunc) error {
	w, err := widthIndex(size)
	if err != nil {
		return err
	}
	for i := 0; i < length; i += size {
		b.write[w][(int(start)+i)%portCount] = fn
	}
	return nil
}

// In8 reads a byte port. Unclaimed ports read 0xFF.
func (b *PortBus) In8(port uint16) uint8 {
	if fn := b.read[0][port%portCount]; fn != nil {
		return uint8(fn(port))
	}
	return 0xFF
}

// In16 reads a word port, falling back to two byte reads.
func (b *PortBus) In16(port uint16) uint16 {
	if fn := b.read[1][port%portCount]; fn != nil {
		return uint16(fn(port))
	}
	hi := (port + 1) % portCount
	return uint16(b.In8(port)) | uint16(b.In8(hi))<<8
}

// In32 reads a dword port. Unclaimed ports read 0xFFFFFFFF.
func (b *PortBus) In32(port uint16) uint32 {
	if fn := b.read[2][port%portCount]; fn != nil {
		return fn(port)
	}
	return 0xFFFFFFFF
}

// Out8 writes a byte port.
func (b *PortBus) Out8(port uint16, v uint8) {
	if fn := b.write[0][port%portCount]; fn != nil {
		fn(port, uint32(v))
	}
}

// Out16 writes a word port, falling back to two byte writes.
func (b *PortBus) Out16(port uint16, v uint16) {
	if fn := b.write[1][port%portCount]; fn != nil {
		fn(port, uint32(v))
		return
	}
	b.Out8(port, uint8(v))
	b.Out8((port+1)%portCount, uint8(v>>8))
}

// Out32 writes a dword port.
func (b *PortBus) Out32(port uint16, v uint32) {
	if fn := b.write[2][port%portCount]; fn != nil {
		fn(port, v)
	}
}
