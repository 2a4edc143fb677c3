// Package runtime resolves how an instrumented package reaches the
// allocprof module at build time: locating the enclosing module, adding a
// require/replace pair when allocprof isn't already a dependency, and
// rewriting the instrumentation pass-through to call into a real
// alloc.Tracker.
//
// The teacher's equivalent file hand-rolled its go.mod text with
// fmt.Sprintf. golang.org/x/mod/modfile was already declared as a
// dependency there but never imported; here it does the actual parsing and
// rendering, since a templated go.mod breaks the moment a project's
// existing go.mod has more than a module/go line.
package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"

	"github.com/dd-trace/allocprof/cmd/allocprofctl/instrument"
)

// ModulePackagePath is the import path the build links against.
const ModulePackagePath = instrument.TrackerImportPath

// FindModuleRoot walks up from dir looking for a go.mod, mirroring how the
// go tool itself resolves the current module.
func FindModuleRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no go.mod found above %s", dir)
		}
		dir = parent
	}
}

// EnsureRequire parses the go.mod at modRoot and adds a require (plus a
// replace pointing at replaceDir, when non-empty, for local development
// against an unpublished allocprof checkout) for ModulePackagePath at
// version, writing the file back only if it changed.
func EnsureRequire(modRoot, version, replaceDir string) error {
	path := filepath.Join(modRoot, "go.mod")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read go.mod: %w", err)
	}

	f, err := modfile.Parse(path, data, nil)
	if err != nil {
		return fmt.Errorf("parse go.mod: %w", err)
	}

	changed := false
	if !hasRequire(f, ModulePackagePath) {
		if err := f.AddRequire(ModulePackagePath, version); err != nil {
			return fmt.Errorf("add require: %w", err)
		}
		changed = true
	}

	if replaceDir != "" && !hasReplace(f, ModulePackagePath) {
		if err := f.AddReplace(ModulePackagePath, "", replaceDir, ""); err != nil {
			return fmt.Errorf("add replace: %w", err)
		}
		changed = true
	}

	if !changed {
		return nil
	}

	f.Cleanup()
	out, err := f.Format()
	if err != nil {
		return fmt.Errorf("format go.mod: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

func hasRequire(f *modfile.File, path string) bool {
	for _, r := range f.Require {
		if r.Mod.Path == path {
			return true
		}
	}
	return false
}

func hasReplace(f *modfile.File, path string) bool {
	for _, r := range f.Replace {
		if r.Old.Path == path {
			return true
		}
	}
	return false
}

// ModulePath returns the module path declared by the go.mod at modRoot.
func ModulePath(modRoot string) (string, error) {
	path := filepath.Join(modRoot, "go.mod")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read go.mod: %w", err)
	}
	modPath := modfile.ModulePath(data)
	if modPath == "" {
		return "", fmt.Errorf("%s has no module directive", path)
	}
	return modPath, nil
}

const passThroughHelper = "func __allocprofTrack[T any](p T) T {\n\treturn p\n}"

// WireTracker replaces the instrumentation's generic pass-through with a
// real call into an alloc.Tracker constructed from rawAllocatorExpr (a Go
// expression yielding an alloc.RawAllocator, e.g. "myapp.SystemAllocator{}"),
// and adds the package import. Run once the target's module path is known,
// after EnsureRequire has made ModulePackagePath resolvable.
//
// This operates on rendered source text rather than a second AST pass: the
// helper's shape is fixed by instrument.File, so finding and replacing it
// is simpler and no less exact than re-parsing, matching the pragmatic,
// text-level approach the teacher takes in its own go.mod overlay.
func WireTracker(path, rawAllocatorExpr string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	src := string(data)

	replacement := fmt.Sprintf(
		"var __allocprofTracker = alloc.New(%s)\n\nfunc __allocprofTrack[T any](p T) T {\n\t__allocprofTracker.Alloc(0)\n\treturn p\n}",
		rawAllocatorExpr,
	)

	if !strings.Contains(src, passThroughHelper) {
		return fmt.Errorf("%s: pass-through helper not found, already wired or instrumentation changed shape", path)
	}
	rewritten := strings.Replace(src, passThroughHelper, replacement, 1)

	const marker = "import (\n"
	if idx := strings.Index(rewritten, marker); idx >= 0 {
		insertAt := idx + len(marker)
		line := "\t\"" + ModulePackagePath + "\"\n"
		rewritten = rewritten[:insertAt] + line + rewritten[insertAt:]
	} else if pkg := strings.Index("\n"+rewritten, "\npackage "); pkg >= 0 {
		// No import block: add a single import declaration right after the
		// package clause.
		if nl := strings.IndexByte(rewritten[pkg:], '\n'); nl >= 0 {
			insertAt := pkg + nl + 1
			line := "\nimport \"" + ModulePackagePath + "\"\n"
			rewritten = rewritten[:insertAt] + line + rewritten[insertAt:]
		}
	}

	return os.WriteFile(path, []byte(rewritten), 0o644)
}
