// Package main provides the entry point for cosim.
// cosim couples host-side Go test benches to an HDL simulator over the SiCo
// socket protocol.
//
// For the full CLI, use: go run ./cmd/cosim
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("cosim - host side of a SiCo co-simulation")
	fmt.Println("")
	fmt.Println("Usage: cosim [options]")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  -config    Path to configuration JSON file")
	fmt.Println("  -socket    Simulator socket path")
	fmt.Println("  -channel   Channel to drive")
	fmt.Println("  -finish    Finish the simulation this long after start")
	fmt.Println("  -trace     Trace database path")
	fmt.Println("  -v         Log verbosity")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/cosim' for the full CLI and")
	fmt.Println("'go run ./cmd/sicostub' for a stand-in simulator.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/cosim' instead.")
	}
}
