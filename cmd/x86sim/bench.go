package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sarchlab/x86sim/benchmarks"
)

func newBenchCommand(flags *machineFlags) *cobra.Command {
	var (
		csvOutput  bool
		jsonOutput bool
		core       bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run the built-in throughput benchmarks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config := benchmarks.DefaultConfig()
			config.StringFastPath = !flags.noFastStrings
			config.Output = cmd.OutOrStdout()

			harness := benchmarks.NewHarness(config)
			if core {
				harness.AddBenchmarks(benchmarks.GetCoreBenchmarks())
			} else {
				harness.AddBenchmarks(benchmarks.GetMicrobenchmarks())
			}

			results := harness.RunAll()
			switch {
			case jsonOutput:
				if err := harness.PrintJSON(results); err != nil {
					return err
				}
			case csvOutput:
				harness.PrintCSV(results)
			default:
				harness.PrintResults(results)
			}

			for _, r := range results {
				if !r.Passed {
					return fmt.Errorf("benchmark %s failed: result 0x%08x %s", r.Name, r.Result, r.Error)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&csvOutput, "csv", false, "Output results in CSV format")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results in JSON format")
	cmd.Flags().BoolVar(&core, "core", false, "Run only the core subset")
	return cmd
}
