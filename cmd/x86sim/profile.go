package main

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"
	"time"

	"github.com/spf13/cobra"

	"github.com/sarchlab/x86sim/benchmarks"
	"github.com/sarchlab/x86sim/machine"
)

func newProfileCommand(flags *machineFlags) *cobra.Command {
	var (
		cpuProfile string
		memProfile string
		duration   time.Duration
		program    string
	)

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Run under the Go profiler and report interpreter throughput",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				m   *machine.Machine
				err error
			)
			if program != "" {
				bench, ok := benchmarks.Lookup(program)
				if !ok {
					return fmt.Errorf("unknown benchmark program %q", program)
				}
				config := benchmarks.DefaultConfig()
				config.CycleLimit = flags.maxCycles
				m, err = benchmarks.NewHarness(config).NewMachine(bench)
			} else {
				m, err = flags.newMachine(cmd)
			}
			if err != nil {
				return err
			}

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return fmt.Errorf("failed to create CPU profile: %w", err)
				}
				defer func() { _ = f.Close() }()

				if err := pprof.StartCPUProfile(f); err != nil {
					return fmt.Errorf("failed to start CPU profile: %w", err)
				}
				defer pprof.StopCPUProfile()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), duration)
			defer cancel()

			start := time.Now()
			reason, runErr := m.Run(ctx)
			elapsed := time.Since(start)

			if memProfile != "" {
				f, err := os.Create(memProfile)
				if err != nil {
					return fmt.Errorf("failed to create memory profile: %w", err)
				}
				defer func() { _ = f.Close() }()

				if err := pprof.WriteHeapProfile(f); err != nil {
					return fmt.Errorf("failed to write memory profile: %w", err)
				}
			}

			stats := m.CPU().Stats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\nProfiling Results:\n")
			fmt.Fprintf(out, "Stop reason: %v\n", reason)
			fmt.Fprintf(out, "Instructions executed: %d\n", stats.Instructions)
			fmt.Fprintf(out, "Elapsed time: %v\n", elapsed)
			if stats.Instructions > 0 {
				fmt.Fprintf(out, "Instructions/second: %.0f\n", float64(stats.Instructions)/elapsed.Seconds())
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&cpuProfile, "cpuprofile", "", "Write CPU profile to file")
	cmd.Flags().StringVar(&memProfile, "memprofile", "", "Write memory profile to file")
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "Maximum run time")
	cmd.Flags().StringVar(&program, "program", "", "Profile a built-in benchmark program instead of the configured images")
	return cmd
}
