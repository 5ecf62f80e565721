// Package benchmarks runs canned guest programs through a machine and
// reports interpreter throughput.
package benchmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sarchlab/x86sim/config"
	"github.com/sarchlab/x86sim/emu"
	"github.com/sarchlab/x86sim/machine"
)

// Load addresses shared by every benchmark program.
const (
	ProgramAddr = 0x10000
	StackTop    = 0x80000
)

// BenchmarkResult holds the results of a single benchmark run.
type BenchmarkResult struct {
	// Name identifies the benchmark
	Name string `json:"name"`

	// Description explains what the benchmark measures
	Description string `json:"description"`

	// Instructions is the number of instructions retired
	Instructions uint64 `json:"instructions"`

	Faults      uint64 `json:"faults"`
	Interrupts  uint64 `json:"interrupts"`
	FastStrings uint64 `json:"fast_strings"`

	// TLB maintenance
	TLBFills     uint64 `json:"tlb_fills"`
	TLBEvictions uint64 `json:"tlb_evictions"`
	PageWalks    uint64 `json:"page_walks"`

	// Result is EAX when the program halted
	Result uint32 `json:"result"`

	// Passed reports whether Result matched the expected value
	Passed bool `json:"passed"`

	Error string `json:"error,omitempty"`

	// WallTime is the actual time taken to run the program
	WallTime time.Duration `json:"wall_time_ns"`

	// MIPS is millions of instructions per wall-clock second
	MIPS float64 `json:"mips"`
}

// Benchmark defines a single benchmark program. Programs run in flat
// 32-bit protected mode at ProgramAddr, leave their result in EAX and
// stop with CLI; HLT.
type Benchmark struct {
	Name        string
	Description string

	// Setup prepares memory and processor state after the program is
	// loaded.
	Setup func(m *machine.Machine)

	// Program is the x86 machine code to execute
	Program []byte

	// Expected is the value EAX must hold at the end
	Expected uint32
}

// HarnessConfig configures the benchmark harness.
type HarnessConfig struct {
	// StringFastPath enables bulk REP string execution
	StringFastPath bool

	// CycleLimit bounds each program
	CycleLimit uint64

	// Output is where to write results (default: os.Stdout)
	Output io.Writer
}

// DefaultConfig returns a default harness configuration.
func DefaultConfig() HarnessConfig {
	return HarnessConfig{
		StringFastPath: true,
		CycleLimit:     100_000_000,
		Output:         os.Stdout,
	}
}

// Harness runs benchmarks and reports results.
type Harness struct {
	config     HarnessConfig
	benchmarks []Benchmark
}

// NewHarness creates a new benchmark harness.
func NewHarness(config HarnessConfig) *Harness {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	return &Harness{config: config}
}

// AddBenchmark adds a benchmark to the harness.
func (h *Harness) AddBenchmark(b Benchmark) {
	h.benchmarks = append(h.benchmarks, b)
}

// AddBenchmarks adds multiple benchmarks to the harness.
func (h *Harness) AddBenchmarks(benchmarks []Benchmark) {
	h.benchmarks = append(h.benchmarks, benchmarks...)
}

// RunAll executes all benchmarks and returns results.
func (h *Harness) RunAll() []BenchmarkResult {
	results := make([]BenchmarkResult, 0, len(h.benchmarks))
	for _, bench := range h.benchmarks {
		results = append(results, h.Run(bench))
	}
	return results
}

// NewMachine builds a machine with bench loaded and set up, ready to run.
func (h *Harness) NewMachine(bench Benchmark) (*machine.Machine, error) {
	cfg := config.Default()
	cfg.StringFastPath = h.config.StringFastPath
	cfg.IdleSleep = 0
	cfg.Boot = &config.Boot{Entry: ProgramAddr, CmdlineAddr: 0xF800}

	m, err := machine.New(cfg, machine.WithCycleLimit(h.config.CycleLimit))
	if err != nil {
		return nil, err
	}
	if _, err := m.LoadImage(bench.Program, ProgramAddr); err != nil {
		return nil, err
	}
	if err := m.Boot(); err != nil {
		return nil, err
	}
	m.CPU().Regs.R[emu.ESP] = StackTop
	if bench.Setup != nil {
		bench.Setup(m)
	}
	return m, nil
}

// Run executes a single benchmark.
func (h *Harness) Run(bench Benchmark) BenchmarkResult {
	result := BenchmarkResult{Name: bench.Name, Description: bench.Description}

	m, err := h.NewMachine(bench)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	start := time.Now()
	reason, err := m.Run(context.Background())
	result.WallTime = time.Since(start)

	c := m.CPU()
	stats := c.Stats()
	tlb := c.Translator().TLB().Stats()
	result.Instructions = stats.Instructions
	result.Faults = stats.Faults
	result.Interrupts = stats.Interrupts
	result.FastStrings = stats.FastStrings
	result.TLBFills = tlb.Fills
	result.TLBEvictions = tlb.Evictions
	result.PageWalks = c.Translator().Walks()
	result.Result = c.Regs.R[emu.EAX]
	if secs := result.WallTime.Seconds(); secs > 0 {
		result.MIPS = float64(result.Instructions) / secs / 1e6
	}

	switch {
	case err != nil:
		result.Error = err.Error()
	case reason != machine.StopDeadlock:
		result.Error = fmt.Sprintf("program did not halt: %v", reason)
	default:
		result.Passed = result.Result == bench.Expected
	}
	return result
}

// PrintResults outputs benchmark results in a human-readable format.
func (h *Harness) PrintResults(results []BenchmarkResult) {
	out := h.config.Output
	_, _ = fmt.Fprintln(out, "=== x86sim Benchmark Results ===")
	_, _ = fmt.Fprintln(out, "")

	for _, r := range results {
		_, _ = fmt.Fprintf(out, "Benchmark: %s\n", r.Name)
		_, _ = fmt.Fprintf(out, "  Description: %s\n", r.Description)
		if r.Error != "" {
			_, _ = fmt.Fprintf(out, "  Error: %s\n\n", r.Error)
			continue
		}
		_, _ = fmt.Fprintf(out, "  Result: 0x%08x (passed: %v)\n", r.Result, r.Passed)
		_, _ = fmt.Fprintf(out, "  Instructions: %d\n", r.Instructions)
		_, _ = fmt.Fprintf(out, "  Faults:       %d\n", r.Faults)
		_, _ = fmt.Fprintf(out, "  Interrupts:   %d\n", r.Interrupts)
		_, _ = fmt.Fprintf(out, "  Fast strings: %d\n", r.FastStrings)
		if r.PageWalks > 0 {
			_, _ = fmt.Fprintln(out, "  --- TLB ---")
			_, _ = fmt.Fprintf(out, "  Fills:     %d\n", r.TLBFills)
			_, _ = fmt.Fprintf(out, "  Evictions: %d\n", r.TLBEvictions)
			_, _ = fmt.Fprintf(out, "  Walks:     %d\n", r.PageWalks)
		}
		_, _ = fmt.Fprintf(out, "  Wall Time: %v (%.1f MIPS)\n", r.WallTime, r.MIPS)
		_, _ = fmt.Fprintln(out, "")
	}
}

// PrintCSV outputs benchmark results in CSV format for easy comparison.
func (h *Harness) PrintCSV(results []BenchmarkResult) {
	_, _ = fmt.Fprintln(h.config.Output,
		"name,instructions,faults,interrupts,fast_strings,tlb_fills,tlb_evictions,page_walks,wall_ns,mips,passed")

	for _, r := range results {
		_, _ = fmt.Fprintf(h.config.Output, "%s,%d,%d,%d,%d,%d,%d,%d,%d,%.2f,%v\n",
			r.Name,
			r.Instructions,
			r.Faults,
			r.Interrupts,
			r.FastStrings,
			r.TLBFills,
			r.TLBEvictions,
			r.PageWalks,
			r.WallTime.Nanoseconds(),
			r.MIPS,
			r.Passed,
		)
	}
}

// BenchmarkReport is the JSON output format for benchmark results.
type BenchmarkReport struct {
	Timestamp      string            `json:"timestamp"`
	StringFastPath bool              `json:"string_fast_path"`
	Results        []BenchmarkResult `json:"results"`
	Summary        ReportSummary     `json:"summary"`
}

// ReportSummary contains aggregate statistics across all benchmarks.
type ReportSummary struct {
	TotalBenchmarks   int           `json:"total_benchmarks"`
	Passed            int           `json:"passed"`
	TotalInstructions uint64        `json:"total_instructions"`
	TotalWallTime     time.Duration `json:"total_wall_time_ns"`
	MIPS              float64       `json:"mips"`
}

// PrintJSON outputs benchmark results in JSON format for automated comparison.
func (h *Harness) PrintJSON(results []BenchmarkResult) error {
	summary := ReportSummary{TotalBenchmarks: len(results)}
	for _, r := range results {
		summary.TotalInstructions += r.Instructions
		summary.TotalWallTime += r.WallTime
		if r.Passed {
			summary.Passed++
		}
	}
	if secs := summary.TotalWallTime.Seconds(); secs > 0 {
		summary.MIPS = float64(summary.TotalInstructions) / secs / 1e6
	}

	report := BenchmarkReport{
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		StringFastPath: h.config.StringFastPath,
		Results:        results,
		Summary:        summary,
	}

	encoder := json.NewEncoder(h.config.Output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
