package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/sarchlab/x86sim/emu"
	"github.com/sarchlab/x86sim/insts"
	"github.com/sarchlab/x86sim/machine"
)

const monitorHelp = `commands:
  r, regs               show registers
  s, step [n]           execute n instructions (default 1)
  c, continue [n]       run until a breakpoint, halt or n instructions
  b, break [addr]       toggle a breakpoint at a linear address, or list them
  x, mem addr [len]     hex dump linear memory
  u, disasm [addr] [n]  disassemble n instructions (default: at CS:EIP)
  gdt | idt | pages     dump descriptor tables or paging structures
  irq vector            raise the interrupt line
  reset                 reset the processor
  q, quit               leave the monitor`

// continueLimit bounds a continue without an explicit count.
const continueLimit = 100_000_000

var errQuit = errors.New("quit")

// monitor executes debugger commands against a machine.
type monitor struct {
	m           *machine.Machine
	out         io.Writer
	breakpoints map[uint32]bool
}

func newMonitor(m *machine.Machine, out io.Writer) *monitor {
	return &monitor{m: m, out: out, breakpoints: map[uint32]bool{}}
}

func parseCount(args []string, i int, def uint64) (uint64, error) {
	if len(args) <= i {
		return def, nil
	}
	n, err := strconv.ParseUint(args[i], 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid count %q", args[i])
	}
	return n, nil
}

// exec runs one command line. It returns errQuit when the session should
// end; other errors are reported to the user and the session goes on.
func (mon *monitor) exec(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	c := mon.m.CPU()

	switch args[0] {
	case "h", "help", "?":
		fmt.Fprintln(mon.out, monitorHelp)
	case "q", "quit", "exit":
		return errQuit
	case "r", "regs":
		fmt.Fprint(mon.out, c.Dump())
	case "s", "step":
		n, err := parseCount(args, 1, 1)
		if err != nil {
			return err
		}
		return mon.run(n, false)
	case "c", "continue":
		n, err := parseCount(args, 1, continueLimit)
		if err != nil {
			return err
		}
		return mon.run(n, true)
	case "b", "break":
		return mon.toggleBreak(args[1:])
	case "x", "mem":
		return mon.dumpMemory(args[1:])
	case "u", "disasm":
		return mon.disassemble(args[1:])
	case "gdt":
		fmt.Fprint(mon.out, gdtTree(c).String())
	case "idt":
		fmt.Fprint(mon.out, idtTree(c).String())
	case "pages":
		fmt.Fprint(mon.out, pagesTree(c).String())
	case "irq":
		if len(args) < 2 {
			return fmt.Errorf("usage: irq vector")
		}
		v, err := strconv.ParseUint(args[1], 0, 8)
		if err != nil {
			return fmt.Errorf("invalid vector %q", args[1])
		}
		mon.m.IRQ().Raise(uint8(v))
	case "reset":
		mon.m.Reset()
		fmt.Fprintf(mon.out, "%04x:%08x  %s\n", c.Segs[emu.CS].Selector, c.EIP, c.NextInstruction())
	default:
		return fmt.Errorf("unknown command %q (try help)", args[0])
	}
	return nil
}

func (mon *monitor) pc() uint32 {
	c := mon.m.CPU()
	return c.Segs[emu.CS].Base + c.EIP
}

// run executes up to n instructions one at a time so that breakpoints
// and halts are seen between instructions.
func (mon *monitor) run(n uint64, stopAtBreak bool) error {
	c := mon.m.CPU()
	start := c.Cycles
	for i := uint64(0); i < n; i++ {
		status, err := c.Exec(1, nil)
		if err != nil {
			fmt.Fprint(mon.out, c.Dump())
			return fmt.Errorf("aborted: %w", err)
		}
		if status == emu.StatusHalted {
			fmt.Fprintln(mon.out, "halted")
			break
		}
		if stopAtBreak && mon.breakpoints[mon.pc()] {
			fmt.Fprintf(mon.out, "breakpoint %08x\n", mon.pc())
			break
		}
	}
	fmt.Fprintf(mon.out, "%d cycles\n%04x:%08x  %s\n", c.Cycles-start,
		c.Segs[emu.CS].Selector, c.EIP, c.NextInstruction())
	return nil
}

func (mon *monitor) toggleBreak(args []string) error {
	if len(args) == 0 {
		addrs := make([]uint32, 0, len(mon.breakpoints))
		for a := range mon.breakpoints {
			addrs = append(addrs, a)
		}
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		for _, a := range addrs {
			fmt.Fprintf(mon.out, "%08x\n", a)
		}
		return nil
	}

	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	if mon.breakpoints[addr] {
		delete(mon.breakpoints, addr)
		fmt.Fprintf(mon.out, "breakpoint %08x cleared\n", addr)
		return nil
	}
	mon.breakpoints[addr] = true
	fmt.Fprintf(mon.out, "breakpoint %08x set\n", addr)
	return nil
}

func (mon *monitor) dumpMemory(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: mem addr [len]")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return err
	}
	n, err := parseCount(args, 1, 64)
	if err != nil {
		return err
	}

	buf := make([]byte, min(n, 4096))
	got := mon.m.CPU().Translator().Peek(addr, buf)
	for off := 0; off < got; off += 16 {
		end := min(off+16, got)
		fmt.Fprintf(mon.out, "%08x  % x\n", addr+uint32(off), buf[off:end])
	}
	if got < len(buf) {
		fmt.Fprintf(mon.out, "%08x  <unmapped>\n", addr+uint32(got))
	}
	return nil
}

func (mon *monitor) disassemble(args []string) error {
	c := mon.m.CPU()
	addr := mon.pc()
	if len(args) > 0 {
		a, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		addr = a
	}
	n, err := parseCount(args, 1, 10)
	if err != nil {
		return err
	}

	buf := make([]byte, n*insts.MaxLength)
	got := c.Translator().Peek(addr, buf)
	for _, line := range insts.Listing(buf[:got], addr, c.Code32(), int(n)) {
		fmt.Fprintln(mon.out, line)
	}
	return nil
}

func newMonitorCommand(flags *machineFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Boot the configured images and debug them interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := flags.newMachine(cmd)
			if err != nil {
				return err
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt:      "(x86sim) ",
				HistoryFile: filepath.Join(os.TempDir(), "x86sim_history"),
			})
			if err != nil {
				return fmt.Errorf("failed to start readline: %w", err)
			}
			defer func() { _ = rl.Close() }()

			mon := newMonitor(m, rl.Stdout())
			fmt.Fprint(mon.out, m.CPU().Dump())

			last := ""
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					continue
				}
				if err != nil {
					return nil
				}

				line = strings.TrimSpace(line)
				if line == "" {
					line = last
				}
				last = line

				if err := mon.exec(line); err != nil {
					if errors.Is(err, errQuit) {
						return nil
					}
					fmt.Fprintf(mon.out, "error: %v\n", err)
				}
			}
		},
	}
}
