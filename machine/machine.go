// Package machine drives an emu.CPU: it owns guest memory, routes port
// I/O, carries the interrupt line, places boot images and runs the
// processor in fixed quanta.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sarchlab/x86sim/config"
	"github.com/sarchlab/x86sim/emu"
	"github.com/sarchlab/x86sim/loader"
	"github.com/sarchlab/x86sim/mmu"
)

const tracerName = "github.com/sarchlab/x86sim/machine"

// Ticker is a device model advanced before every quantum, such as a
// timer that raises the interrupt line.
type Ticker interface {
	Update(cycles uint64)
}

// TickerFunc adapts a function to Ticker.
type TickerFunc func(cycles uint64)

// Update calls f.
func (f TickerFunc) Update(cycles uint64) { f(cycles) }

// StopReason says why Run returned.
type StopReason int

const (
	// StopCanceled means the context was canceled.
	StopCanceled StopReason = iota
	// StopReset means a reset was requested.
	StopReset
	// StopAborted means the CPU hit an unsupported condition.
	StopAborted
	// StopDeadlock means the CPU halted with interrupts disabled.
	StopDeadlock
	// StopCycleLimit means the configured cycle limit was reached.
	StopCycleLimit
)

func (r StopReason) String() string {
	switch r {
	case StopCanceled:
		return "canceled"
	case StopReset:
		return "reset"
	case StopAborted:
		return "aborted"
	case StopDeadlock:
		return "halted with interrupts disabled"
	case StopCycleLimit:
		return "cycle limit"
	}
	return "unknown"
}

// Machine is a CPU with its memory, port bus and interrupt line.
type Machine struct {
	cfg *config.Config

	mem   *mmu.Arena
	cpu   *emu.CPU
	ports *PortBus
	irq   *IRQLine

	console    io.Writer
	logger     *slog.Logger
	tracer     trace.Tracer
	cycleLimit uint64
	cpuOpts    []emu.Option

	tickers    []Ticker
	imageSizes []uint32
	resetReq   atomic.Bool
}

// Option is a functional option for configuring the Machine.
type Option func(*Machine)

// WithLogger sets the logger for the machine and its CPU.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = l
	}
}

// WithConsole sets where bytes written to the console port go.
func WithConsole(w io.Writer) Option {
	return func(m *Machine) {
		m.console = w
	}
}

// WithTracerProvider sets the provider used for run spans. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Machine) {
		m.tracer = tp.Tracer(tracerName)
	}
}

// WithCycleLimit stops Run once the CPU has executed n cycles. Zero means
// no limit.
func WithCycleLimit(n uint64) Option {
	return func(m *Machine) {
		m.cycleLimit = n
	}
}

// WithCPUOptions passes extra options to the CPU.
func WithCPUOptions(opts ...emu.Option) Option {
	return func(m *Machine) {
		m.cpuOpts = append(m.cpuOpts, opts...)
	}
}

// New builds a machine from cfg. The CPU starts at the reset vector;
// call Boot to place images and apply the boot convention.
func New(cfg *config.Config, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid machine config: %w", err)
	}

	m := &Machine{
		cfg:     cfg.Clone(),
		ports:   NewPortBus(),
		irq:     &IRQLine{},
		console: io.Discard,
		logger:  slog.New(slog.DiscardHandler),
		tracer:  otel.GetTracerProvider().Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}

	if port := m.cfg.ConsolePort; port != 0 {
		err := m.ports.RegisterWrite(port, 1, 1, func(_ uint16, v uint32) {
			_, _ = m.console.Write([]byte{uint8(v)})
		})
		if err != nil {
			return nil, err
		}
	}

	m.mem = mmu.NewArena(m.cfg.MemSize)
	cpuOpts := []emu.Option{
		emu.WithPortIO(m.ports),
		emu.WithInterruptController(m.irq),
		emu.WithLogger(m.logger),
		emu.WithStringFastPath(m.cfg.StringFastPath),
	}
	m.cpu = emu.NewCPU(m.mem, append(cpuOpts, m.cpuOpts...)...)
	m.applyTSCPolicy()

	return m, nil
}

// Config returns a copy of the machine configuration.
func (m *Machine) Config() *config.Config { return m.cfg.Clone() }

// CPU returns the processor.
func (m *Machine) CPU() *emu.CPU { return m.cpu }

// Memory returns guest physical memory.
func (m *Machine) Memory() *mmu.Arena { return m.mem }

// Ports returns the I/O port bus.
func (m *Machine) Ports() *PortBus { return m.ports }

// IRQ returns the maskable interrupt line.
func (m *Machine) IRQ() *IRQLine { return m.irq }

// AddTicker registers a device advanced before every quantum.
func (m *Machine) AddTicker(t Ticker) {
	m.tickers = append(m.tickers, t)
}

// RequestReset asks the run loop to stop after the current quantum. It
// is safe to call from port handlers and other goroutines.
func (m *Machine) RequestReset() {
	m.resetReq.Store(true)
}

// LoadImage copies data to physical address addr and returns its size.
func (m *Machine) LoadImage(data []byte, addr uint32) (uint32, error) {
	if err := m.mem.Load(addr, data); err != nil {
		return 0, fmt.Errorf("failed to load image: %w", err)
	}
	return uint32(len(data)), nil
}

// WriteString stores s followed by a NUL byte at physical address addr.
func (m *Machine) WriteString(addr uint32, s string) error {
	if err := m.mem.Load(addr, append([]byte(s), 0)); err != nil {
		return fmt.Errorf("failed to write string: %w", err)
	}
	return nil
}

// LoadFile places the image at path, raw or ELF, and records its size
// for the boot convention.
func (m *Machine) LoadFile(path string, addr uint32) (*loader.Program, error) {
	prog, err := loader.Load(path, addr)
	if err != nil {
		return nil, err
	}
	if err := prog.LoadInto(m.mem); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.imageSizes = append(m.imageSizes, prog.Size())
	m.logger.Info("image loaded", "path", path, "addr", fmt.Sprintf("0x%x", addr),
		"size", prog.Size(), "elf", prog.ELF)
	return prog, nil
}

// Boot loads the configured images and, if a boot block is configured,
// starts the CPU in flat protected mode at its entry with EAX holding
// the memory size, EBX the size of the second image and ECX the command
// line address.
func (m *Machine) Boot() error {
	for _, img := range m.cfg.Images {
		if _, err := m.LoadFile(img.Path, img.Address); err != nil {
			return err
		}
	}

	b := m.cfg.Boot
	if b == nil {
		m.logger.Info("starting at reset vector")
		return nil
	}

	if err := m.WriteString(b.CmdlineAddr, b.Cmdline); err != nil {
		return err
	}

	c := m.cpu
	c.EnterFlatMode(b.Entry)
	c.Regs.R[emu.EAX] = m.cfg.MemSize
	c.Regs.R[emu.EBX] = 0
	if len(m.imageSizes) > 1 {
		c.Regs.R[emu.EBX] = m.imageSizes[1]
	}
	c.Regs.R[emu.ECX] = b.CmdlineAddr

	m.logger.Info("boot", "entry", fmt.Sprintf("0x%08x", b.Entry),
		"mem", m.cfg.MemSize, "initrd", c.Regs.R[emu.EBX])
	return nil
}

// Reset puts the CPU back in its power-on state, drops the interrupt
// line and clears a pending reset request. Memory is left as is.
func (m *Machine) Reset() {
	m.cpu.Reset()
	m.irq.Lower()
	m.resetReq.Store(false)
	m.applyTSCPolicy()
}

func (m *Machine) applyTSCPolicy() {
	if m.cfg.RestrictTSC {
		m.cpu.SetControlRegister(4, m.cpu.CR4|emu.CR4TSD)
	}
}

// Run executes the CPU in quanta of QuantumCycles until the context is
// canceled, a reset is requested, the CPU aborts or deadlocks, or the
// cycle limit is reached. The error is non-nil only for aborts.
func (m *Machine) Run(ctx context.Context) (StopReason, error) {
	ctx, span := m.tracer.Start(ctx, "machine.Run")
	defer span.End()

	start := m.cpu.Cycles
	reason, err := m.run(ctx, span)

	executed := m.cpu.Cycles - start
	span.SetAttributes(
		attribute.String("stop_reason", reason.String()),
		attribute.Int64("cycles", int64(executed)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	m.logger.Info("run finished", "reason", reason.String(), "cycles", executed,
		"stats", fmt.Sprintf("%+v", m.cpu.Stats()))
	return reason, err
}

func (m *Machine) run(ctx context.Context, span trace.Span) (StopReason, error) {
	quantum := m.cfg.QuantumCycles
	idle := time.Duration(m.cfg.IdleSleep)

	for {
		if ctx.Err() != nil {
			return StopCanceled, nil
		}
		if m.resetReq.Load() {
			m.logger.Info("reset requested")
			return StopReset, nil
		}

		n := quantum
		if m.cycleLimit != 0 {
			left := int64(m.cycleLimit) - int64(m.cpu.Cycles)
			if left <= 0 {
				return StopCycleLimit, nil
			}
			n = int(min(left, int64(quantum)))
		}

		status, err := m.quantum(ctx, n)
		switch status {
		case emu.StatusAborted:
			m.logAbort(err)
			return StopAborted, err
		case emu.StatusHalted:
			if m.cpu.Control&emu.FlagIF == 0 && !m.resetReq.Load() {
				return StopDeadlock, nil
			}
			span.AddEvent("idle")
			if err := sleep(ctx, idle); err != nil {
				return StopCanceled, nil
			}
		}
	}
}

// quantum advances the tickers and runs the CPU for up to n cycles.
func (m *Machine) quantum(ctx context.Context, n int) (emu.Status, error) {
	_, span := m.tracer.Start(ctx, "machine.Quantum")
	defer span.End()

	for _, t := range m.tickers {
		t.Update(m.cpu.Cycles)
	}

	start := m.cpu.Cycles
	status, err := m.cpu.Exec(n, nil)

	span.SetAttributes(
		attribute.String("status", status.String()),
		attribute.Int64("cycles", int64(m.cpu.Cycles-start)),
		attribute.Bool("halted", status == emu.StatusHalted),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	m.logger.Debug("quantum", "status", status.String(), "cycles", m.cpu.Cycles-start,
		"eip", fmt.Sprintf("%04x:%08x", m.cpu.Segs[emu.CS].Selector, m.cpu.EIP))
	return status, err
}

func (m *Machine) logAbort(err error) {
	var abort *emu.AbortError
	if errors.As(err, &abort) && errors.Is(err, emu.ErrTripleFault) {
		m.logger.Error("triple fault", "cs", abort.CS, "eip", fmt.Sprintf("0x%08x", abort.EIP))
		return
	}
	m.logger.Error("cpu aborted", "err", err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
