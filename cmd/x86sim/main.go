// Command x86sim runs IA-32 guest software on the x86sim interpreter.
//
// Usage:
//
//	x86sim run --image kernel.bin@0x10000 --entry 0x10000
//	x86sim monitor --config machine.json
//	x86sim profile --cpuprofile cpu.out --config machine.json
//	x86sim bench --csv
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sarchlab/x86sim/config"
	"github.com/sarchlab/x86sim/machine"
)

// machineFlags are the options shared by every command that builds a
// machine. Flags override values from --config.
type machineFlags struct {
	configPath   string
	logLevel     string
	otlpEndpoint string

	memSize       uint32
	quantum       int
	images        []string
	entry         string
	cmdline       string
	cmdlineAddr   string
	restrictTSC   bool
	noFastStrings bool
	maxCycles     uint64
}

func (f *machineFlags) register(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&f.configPath, "config", "", "Path to machine configuration JSON file")
	flags.StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&f.otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP endpoint URL for run traces")
	flags.Uint32Var(&f.memSize, "mem", 0, "Guest memory size in bytes")
	flags.IntVar(&f.quantum, "quantum", 0, "Instructions per scheduling quantum")
	flags.StringArrayVar(&f.images, "image", nil, "Image to load as path[@address]; repeatable")
	flags.StringVar(&f.entry, "entry", "", "Start in flat protected mode at this address")
	flags.StringVar(&f.cmdline, "cmdline", "", "Kernel command line")
	flags.StringVar(&f.cmdlineAddr, "cmdline-addr", "", "Physical address of the command line")
	flags.BoolVar(&f.restrictTSC, "restrict-tsc", false, "Set CR4.TSD so ring 3 cannot read the TSC")
	flags.BoolVar(&f.noFastStrings, "no-fast-strings", false, "Disable bulk REP string execution")
	flags.Uint64Var(&f.maxCycles, "max-cycles", 0, "Stop after this many instructions (0 = unlimited)")
}

// parseAddr accepts decimal, 0x-prefixed hex and other Go integer forms.
func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uint32(v), nil
}

// parseImage splits path[@address]. Without an address, the image goes
// at 0x100000.
func parseImage(arg string) (config.Image, error) {
	path, addr, found := strings.Cut(arg, "@")
	img := config.Image{Path: path, Address: 0x100000}
	if path == "" {
		return img, fmt.Errorf("invalid image %q: empty path", arg)
	}
	if found {
		a, err := parseAddr(addr)
		if err != nil {
			return img, fmt.Errorf("invalid image %q: %w", arg, err)
		}
		img.Address = a
	}
	return img, nil
}

// config merges the configuration file with flags set on cmd.
func (f *machineFlags) config(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}

	changed := cmd.Flags().Changed
	if changed("mem") {
		cfg.MemSize = f.memSize
	}
	if changed("quantum") {
		cfg.QuantumCycles = f.quantum
	}
	if changed("image") {
		cfg.Images = nil
		for _, arg := range f.images {
			img, err := parseImage(arg)
			if err != nil {
				return nil, err
			}
			cfg.Images = append(cfg.Images, img)
		}
	}
	if changed("entry") || changed("cmdline") || changed("cmdline-addr") {
		if cfg.Boot == nil {
			cfg.Boot = config.DefaultBoot()
		}
	}
	if changed("entry") {
		entry, err := parseAddr(f.entry)
		if err != nil {
			return nil, err
		}
		cfg.Boot.Entry = entry
	}
	if changed("cmdline") {
		cfg.Boot.Cmdline = f.cmdline
	}
	if changed("cmdline-addr") {
		addr, err := parseAddr(f.cmdlineAddr)
		if err != nil {
			return nil, err
		}
		cfg.Boot.CmdlineAddr = addr
	}
	if changed("restrict-tsc") {
		cfg.RestrictTSC = f.restrictTSC
	}
	if changed("no-fast-strings") {
		cfg.StringFastPath = !f.noFastStrings
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid machine config: %w", err)
	}
	return cfg, nil
}

func (f *machineFlags) logger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", f.logLevel, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// newMachine builds and boots a machine from the flags. The console port
// writes to stdout.
func (f *machineFlags) newMachine(cmd *cobra.Command, opts ...machine.Option) (*machine.Machine, error) {
	cfg, err := f.config(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := f.logger()
	if err != nil {
		return nil, err
	}

	opts = append([]machine.Option{
		machine.WithLogger(logger),
		machine.WithConsole(cmd.OutOrStdout()),
		machine.WithCycleLimit(f.maxCycles),
	}, opts...)
	m, err := machine.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := m.Boot(); err != nil {
		return nil, err
	}
	return m, nil
}

func newRootCommand() *cobra.Command {
	flags := &machineFlags{}
	root := &cobra.Command{
		Use:           "x86sim",
		Short:         "IA-32 protected-mode interpreter",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	flags.register(root)

	root.AddCommand(
		newRunCommand(flags),
		newMonitorCommand(flags),
		newProfileCommand(flags),
		newBenchCommand(flags),
	)
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
