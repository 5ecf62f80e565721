// Package main provides the entry point for x86sim.
// x86sim is an IA-32 protected-mode interpreter with paging, privilege
// checks and interrupt delivery.
//
// For the full CLI, use: go run ./cmd/x86sim
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("x86sim - IA-32 Protected-Mode Interpreter")
	fmt.Println("")
	fmt.Println("Usage: x86sim <command> [options]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  run       Boot the configured images and run until stopped")
	fmt.Println("  monitor   Debug interactively (step, break, regs, gdt, idt, pages)")
	fmt.Println("  profile   Run under the Go profiler")
	fmt.Println("  bench     Run the built-in throughput benchmarks")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/x86sim --help' for the full CLI.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/x86sim' instead.")
	}
}
