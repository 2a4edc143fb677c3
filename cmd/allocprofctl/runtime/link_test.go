package runtime

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindModuleRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example.com/demo\n\ngo 1.24\n"), 0o644); err != nil {
		t.Fatalf("write go.mod: %v", err)
	}
	sub := filepath.Join(root, "pkg", "inner")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	found, err := FindModuleRoot(sub)
	if err != nil {
		t.Fatalf("FindModuleRoot: %v", err)
	}
	foundAbs, _ := filepath.Abs(found)
	rootAbs, _ := filepath.Abs(root)
	if foundAbs != rootAbs {
		t.Fatalf("got %s, want %s", foundAbs, rootAbs)
	}
}

func TestFindModuleRootMissing(t *testing.T) {
	dir := t.TempDir()
	if _, err := FindModuleRoot(dir); err == nil {
		t.Fatalf("expected an error when no go.mod exists above dir")
	}
}

func TestEnsureRequireAddsDependency(t *testing.T) {
	root := t.TempDir()
	modPath := filepath.Join(root, "go.mod")
	if err := os.WriteFile(modPath, []byte("module example.com/demo\n\ngo 1.24\n"), 0o644); err != nil {
		t.Fatalf("write go.mod: %v", err)
	}

	if err := EnsureRequire(root, "v0.1.0-alpha", ""); err != nil {
		t.Fatalf("EnsureRequire: %v", err)
	}

	data, err := os.ReadFile(modPath)
	if err != nil {
		t.Fatalf("read go.mod: %v", err)
	}
	if !strings.Contains(string(data), ModulePackagePath) {
		t.Fatalf("expected go.mod to require %s, got:\n%s", ModulePackagePath, data)
	}
}

func TestEnsureRequireIdempotent(t *testing.T) {
	root := t.TempDir()
	modPath := filepath.Join(root, "go.mod")
	if err := os.WriteFile(modPath, []byte("module example.com/demo\n\ngo 1.24\n"), 0o644); err != nil {
		t.Fatalf("write go.mod: %v", err)
	}

	if err := EnsureRequire(root, "v0.1.0-alpha", ""); err != nil {
		t.Fatalf("first EnsureRequire: %v", err)
	}
	first, _ := os.ReadFile(modPath)

	if err := EnsureRequire(root, "v0.1.0-alpha", ""); err != nil {
		t.Fatalf("second EnsureRequire: %v", err)
	}
	second, _ := os.ReadFile(modPath)

	if string(first) != string(second) {
		t.Fatalf("expected EnsureRequire to be a no-op once the require exists")
	}
}

func TestModulePath(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example.com/demo\n\ngo 1.24\n"), 0o644); err != nil {
		t.Fatalf("write go.mod: %v", err)
	}

	got, err := ModulePath(root)
	if err != nil {
		t.Fatalf("ModulePath: %v", err)
	}
	if got != "example.com/demo" {
		t.Fatalf("got %q, want %q", got, "example.com/demo")
	}
}

func TestWireTrackerReplacesPassThrough(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample_instrumented.go")
	src := "package sample\n\nimport (\n)\n\n" + passThroughHelper + "\n"
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if err := WireTracker(path, "mainpkg.SystemAllocator{}"); err != nil {
		t.Fatalf("WireTracker: %v", err)
	}

	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(out), passThroughHelper) {
		t.Fatalf("expected the pass-through helper to be replaced")
	}
	if !strings.Contains(string(out), "alloc.New(mainpkg.SystemAllocator{})") {
		t.Fatalf("expected the tracker construction to be wired, got:\n%s", out)
	}
	if !strings.Contains(string(out), ModulePackagePath) {
		t.Fatalf("expected the import to be added, got:\n%s", out)
	}
}

func TestWireTrackerErrorsWhenAlreadyWired(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample_instrumented.go")
	if err := os.WriteFile(path, []byte("package sample\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if err := WireTracker(path, "mainpkg.SystemAllocator{}"); err == nil {
		t.Fatalf("expected an error when the pass-through helper is absent")
	}
}
