// Command allocprofctl instruments a Go package with allocation-tracking
// hook calls, then builds or runs it.
//
// Go offers no LD_PRELOAD or GOT-rewriting equivalent for intercepting
// malloc at the symbol table, so allocprofctl instruments source instead:
// it walks a package's AST, rewrites `new(T)` and `make(...)` expressions
// that escape to the heap into calls through a Tracker, and adds the
// tracker's import plus a package-level tracker variable and helper to each
// rewritten file. Nothing is added to the main function.
//
// Usage:
//
//	allocprofctl build main.go      # instrument, then go build
//	allocprofctl run main.go        # instrument, then go run
//	allocprofctl version
package main

import (
	"fmt"
	"os"
)

const version = "0.1.0-alpha"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "build":
		buildCommand(os.Args[2:])
	case "run":
		runCommand(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("allocprofctl version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`allocprofctl - allocation-tracking instrumentation tool

USAGE:
    allocprofctl <command> [arguments]

COMMANDS:
    build      Instrument then 'go build' a Go program
    run        Instrument then 'go run' a Go program
    version    Show version information
    help       Show this help message

EXAMPLES:
    allocprofctl build -o myapp main.go
    allocprofctl run main.go -- --flag=value

ABOUT:
    allocprofctl rewrites heap-escaping allocation sites (new(T), make(...))
    to route through an allocprof.Tracker, then delegates to the standard
    Go toolchain for the actual build or run.
`)
}
