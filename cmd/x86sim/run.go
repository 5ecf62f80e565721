package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sarchlab/x86sim/machine"
)

func newRunCommand(flags *machineFlags) *cobra.Command {
	var stats bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the configured images and run until stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tp, shutdown, err := tracerProvider(ctx, flags.otlpEndpoint)
			if err != nil {
				return err
			}
			defer func() { _ = shutdown(context.Background()) }()

			m, err := flags.newMachine(cmd, machine.WithTracerProvider(tp))
			if err != nil {
				return err
			}

			reason, err := m.Run(ctx)
			if stats {
				printStats(cmd, m)
			}
			if err != nil {
				return fmt.Errorf("emulation aborted: %w\n%s", err, m.CPU().Dump())
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "stopped: %v\n", reason)
			return nil
		},
	}
	cmd.Flags().BoolVar(&stats, "stats", false, "Print execution statistics on exit")
	return cmd
}

func printStats(cmd *cobra.Command, m *machine.Machine) {
	c := m.CPU()
	s := c.Stats()
	tlb := c.Translator().TLB().Stats()
	out := cmd.ErrOrStderr()
	fmt.Fprintf(out, "Instructions: %d\n", s.Instructions)
	fmt.Fprintf(out, "Cycles:       %d\n", c.Cycles)
	fmt.Fprintf(out, "Faults:       %d\n", s.Faults)
	fmt.Fprintf(out, "Interrupts:   %d\n", s.Interrupts)
	fmt.Fprintf(out, "Fast strings: %d\n", s.FastStrings)
	fmt.Fprintf(out, "Page walks:   %d\n", c.Translator().Walks())
	fmt.Fprintf(out, "TLB fills:    %d (evictions %d, flushes %d, page flushes %d)\n",
		tlb.Fills, tlb.Evictions, tlb.Flushes, tlb.PageFlushes)
}
