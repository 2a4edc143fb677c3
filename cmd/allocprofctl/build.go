package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dd-trace/allocprof/cmd/allocprofctl/instrument"
	alloclink "github.com/dd-trace/allocprof/cmd/allocprofctl/runtime"
)

// buildConfig mirrors the arguments `go build` itself accepts, plus the
// raw-allocator expression allocprofctl needs to wire the tracker.
type buildConfig struct {
	sourceFiles  []string
	outputFile   string
	buildFlags   []string
	rawAllocator string
	verbose      bool
	workDir      string
}

func buildCommand(args []string) {
	cfg, err := parseBuildArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "allocprofctl build: %v\n", err)
		os.Exit(1)
	}

	if err := runBuild(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "allocprofctl build: %v\n", err)
		os.Exit(1)
	}
}

func parseBuildArgs(args []string) (*buildConfig, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getwd: %w", err)
	}

	cfg := &buildConfig{workDir: workDir, rawAllocator: "nil"}

	expectingValue := false
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if expectingValue {
			cfg.buildFlags = append(cfg.buildFlags, arg)
			expectingValue = false
			continue
		}

		switch {
		case arg == "-o":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-o flag requires an argument")
			}
			i++
			cfg.outputFile = args[i]
		case strings.HasPrefix(arg, "-o="):
			cfg.outputFile = strings.TrimPrefix(arg, "-o=")
		case arg == "-v":
			cfg.verbose = true
		case arg == "-raw-allocator":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-raw-allocator flag requires an argument")
			}
			i++
			cfg.rawAllocator = args[i]
		case strings.HasPrefix(arg, "-"):
			cfg.buildFlags = append(cfg.buildFlags, arg)
			expectingValue = needsValue(arg)
		default:
			cfg.sourceFiles = append(cfg.sourceFiles, arg)
		}
	}

	if len(cfg.sourceFiles) == 0 {
		cfg.sourceFiles = []string{"."}
	}
	return cfg, nil
}

func needsValue(flag string) bool {
	valueFlags := []string{
		"-ldflags", "-gcflags", "-asmflags", "-gccgoflags",
		"-tags", "-installsuffix", "-buildmode", "-mod",
		"-modfile", "-overlay", "-pkgdir", "-toolexec",
	}
	for _, vf := range valueFlags {
		if strings.HasPrefix(flag, vf+"=") {
			return false
		}
		if flag == vf {
			return true
		}
	}
	return false
}

func runBuild(cfg *buildConfig) error {
	goFiles, err := collectGoFiles(cfg.sourceFiles, cfg.workDir)
	if err != nil {
		return fmt.Errorf("collect source files: %w", err)
	}
	if len(goFiles) == 0 {
		return fmt.Errorf("no Go source files found")
	}

	ws, err := createBuildWorkspace()
	if err != nil {
		return err
	}
	defer ws.cleanup()

	modRoot, err := alloclink.FindModuleRoot(cfg.workDir)
	if err != nil {
		return fmt.Errorf("locate module: %w", err)
	}
	if err := alloclink.EnsureRequire(modRoot, "v0.1.0-alpha", modRoot); err != nil {
		return fmt.Errorf("wire go.mod: %w", err)
	}

	for _, src := range goFiles {
		outPath := filepath.Join(ws.srcDir, filepath.Base(src))
		res, err := instrument.File(src, outPath)
		if err != nil {
			return fmt.Errorf("instrument %s: %w", src, err)
		}
		if res.MainInjected {
			if err := alloclink.WireTracker(outPath, cfg.rawAllocator); err != nil {
				return fmt.Errorf("wire tracker in %s: %w", outPath, err)
			}
		}
		if cfg.verbose {
			fmt.Printf("instrumented %s -> %s (%d sites)\n", src, outPath, res.SitesRewritten)
		}
	}

	args := []string{"build"}
	if cfg.outputFile != "" {
		out := cfg.outputFile
		if !filepath.IsAbs(out) {
			out = filepath.Join(cfg.workDir, out)
		}
		args = append(args, "-o", out)
	}
	args = append(args, cfg.buildFlags...)
	args = append(args, ".")

	cmd := exec.Command("go", args...)
	cmd.Dir = ws.srcDir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

type buildWorkspace struct {
	dir    string
	srcDir string
}

func createBuildWorkspace() (*buildWorkspace, error) {
	dir, err := os.MkdirTemp("", "allocprofctl-build-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	srcDir := filepath.Join(dir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("create src dir: %w", err)
	}
	return &buildWorkspace{dir: dir, srcDir: srcDir}, nil
}

func (w *buildWorkspace) cleanup() {
	if w.dir != "" {
		_ = os.RemoveAll(w.dir)
	}
}

func collectGoFiles(sources []string, workDir string) ([]string, error) {
	var goFiles []string
	for _, src := range sources {
		srcPath := src
		if !filepath.IsAbs(srcPath) {
			srcPath = filepath.Join(workDir, src)
		}

		info, err := os.Stat(srcPath)
		if err != nil {
			return nil, fmt.Errorf("cannot access %s: %w", src, err)
		}

		if info.IsDir() {
			entries, err := os.ReadDir(srcPath)
			if err != nil {
				return nil, fmt.Errorf("cannot read directory %s: %w", srcPath, err)
			}
			for _, entry := range entries {
				if entry.IsDir() {
					continue
				}
				name := entry.Name()
				if strings.HasSuffix(name, ".go") && !strings.HasSuffix(name, "_test.go") {
					goFiles = append(goFiles, filepath.Join(srcPath, name))
				}
			}
			continue
		}

		if strings.HasSuffix(srcPath, ".go") {
			goFiles = append(goFiles, srcPath)
		}
	}
	return goFiles, nil
}
