package instrument

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileRewritesNewAndMakeSites(t *testing.T) {
	src := `package sample

func build() {
	p := new(int)
	s := make([]byte, 16)
	_ = p
	_ = s
}
`
	dir := t.TempDir()
	in := filepath.Join(dir, "sample.go")
	out := filepath.Join(dir, "sample_instrumented.go")
	if err := os.WriteFile(in, []byte(src), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	res, err := File(in, out)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if res.SitesRewritten != 2 {
		t.Fatalf("expected 2 rewritten sites, got %d", res.SitesRewritten)
	}
	if !res.MainInjected {
		t.Fatalf("expected the pass-through helper to be injected")
	}

	out1, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(out1), trackerCallName) {
		t.Fatalf("expected output to reference %s, got:\n%s", trackerCallName, out1)
	}

	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, out, nil, parser.AllErrors); err != nil {
		t.Fatalf("instrumented output does not parse: %v", err)
	}
}

func TestFileLeavesNonAllocSourceUnchanged(t *testing.T) {
	src := `package sample

func noop() int {
	x := 1
	return x
}
`
	dir := t.TempDir()
	in := filepath.Join(dir, "sample.go")
	out := filepath.Join(dir, "sample_instrumented.go")
	if err := os.WriteFile(in, []byte(src), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	res, err := File(in, out)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if res.SitesRewritten != 0 {
		t.Fatalf("expected 0 rewritten sites, got %d", res.SitesRewritten)
	}
	if res.MainInjected {
		t.Fatalf("did not expect the helper to be injected when nothing was rewritten")
	}
}

func TestFileIsIdempotentOnSecondPass(t *testing.T) {
	src := `package sample

func build() {
	p := new(int)
	_ = p
}
`
	dir := t.TempDir()
	in := filepath.Join(dir, "sample.go")
	out := filepath.Join(dir, "sample_instrumented.go")
	if err := os.WriteFile(in, []byte(src), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := File(in, out); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	res, err := File(out, out)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res.MainInjected {
		t.Fatalf("expected the second pass to find the helper already present")
	}
}
