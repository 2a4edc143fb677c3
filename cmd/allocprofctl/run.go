package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/dd-trace/allocprof/cmd/allocprofctl/instrument"
	alloclink "github.com/dd-trace/allocprof/cmd/allocprofctl/runtime"
)

// runCommand instruments the named sources (or the current directory) and
// execs `go run` against the result, forwarding the program's own
// arguments and exit code.
func runCommand(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "allocprofctl run: expected at least one source file or directory")
		os.Exit(1)
	}

	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "allocprofctl run: %v\n", err)
		os.Exit(1)
	}

	sources, rawAllocator, programArgs := splitRunArgs(args)
	if len(sources) == 0 {
		sources = []string{"."}
	}

	goFiles, err := collectGoFiles(sources, workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "allocprofctl run: collect source files: %v\n", err)
		os.Exit(1)
	}
	if len(goFiles) == 0 {
		fmt.Fprintln(os.Stderr, "allocprofctl run: no Go source files found")
		os.Exit(1)
	}

	ws, err := createBuildWorkspace()
	if err != nil {
		fmt.Fprintf(os.Stderr, "allocprofctl run: %v\n", err)
		os.Exit(1)
	}
	defer ws.cleanup()

	modRoot, err := alloclink.FindModuleRoot(workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "allocprofctl run: locate module: %v\n", err)
		os.Exit(1)
	}
	if err := alloclink.EnsureRequire(modRoot, "v0.1.0-alpha", modRoot); err != nil {
		fmt.Fprintf(os.Stderr, "allocprofctl run: wire go.mod: %v\n", err)
		os.Exit(1)
	}

	for _, src := range goFiles {
		outPath := filepath.Join(ws.srcDir, filepath.Base(src))
		res, err := instrument.File(src, outPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "allocprofctl run: instrument %s: %v\n", src, err)
			os.Exit(1)
		}
		if res.MainInjected {
			if err := alloclink.WireTracker(outPath, rawAllocator); err != nil {
				fmt.Fprintf(os.Stderr, "allocprofctl run: wire tracker in %s: %v\n", outPath, err)
				os.Exit(1)
			}
		}
	}

	cmdArgs := append([]string{"run", "."}, programArgs...)
	cmd := exec.Command("go", cmdArgs...)
	cmd.Dir = ws.srcDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "allocprofctl run: %v\n", err)
		os.Exit(1)
	}
}

// splitRunArgs separates allocprofctl's own flags from the program's
// source files and forwarded arguments. Everything after a bare "--"
// is forwarded to the instrumented program unexamined.
func splitRunArgs(args []string) (sources []string, rawAllocator string, programArgs []string) {
	rawAllocator = "nil"
	i := 0
	for ; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			i++
			break
		}
		if arg == "-raw-allocator" {
			if i+1 < len(args) {
				i++
				rawAllocator = args[i]
			}
			continue
		}
		sources = append(sources, arg)
	}
	if i < len(args) {
		programArgs = args[i:]
	}
	return sources, rawAllocator, programArgs
}
