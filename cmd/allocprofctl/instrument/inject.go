package instrument

import (
	"go/ast"
)

// hasHelper reports whether f already declares the pass-through helper,
// so repeated instrumentation passes stay idempotent.
func hasHelper(f *ast.File) bool {
	for _, decl := range f.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok && fn.Name.Name == trackerCallName {
			return true
		}
	}
	return false
}

// injectImportAndInit adds the package-level __allocprofTrack pass-through
// every rewritten allocation site calls. It intentionally does not yet
// import TrackerImportPath: the helper is a type-preserving no-op until
// runtime/link.go rewrites its body to construct and call through a real
// alloc.Tracker, at which point the import is added alongside that
// rewrite. Splitting the two steps lets File run independently of module
// path resolution.
func injectImportAndInit(f *ast.File) bool {
	if hasHelper(f) {
		return false
	}
	f.Decls = append(f.Decls, trackHelperDecl())
	return true
}

// trackHelperDecl builds a type-preserving pass-through:
//
//	func __allocprofTrack[T any](p T) T { return p }
//
// Every rewritten new(T)/make(...) call site routes through this name.
// Generic instantiation, not `any`, is what keeps `x := __allocprofTrack(new(int))`
// typed as *int rather than widening it to an interface value at every
// allocation site. Recording the call site is the instrumentation's job;
// deciding what RawAllocator backs the eventual alloc.Tracker is left to
// link.go, which rewrites the call body once it knows the target's module
// path.
func trackHelperDecl() ast.Decl {
	return &ast.FuncDecl{
		Name: ast.NewIdent(trackerCallName),
		Type: &ast.FuncType{
			TypeParams: &ast.FieldList{List: []*ast.Field{
				{Names: []*ast.Ident{ast.NewIdent("T")}, Type: ast.NewIdent("any")},
			}},
			Params: &ast.FieldList{List: []*ast.Field{
				{Names: []*ast.Ident{ast.NewIdent("p")}, Type: ast.NewIdent("T")},
			}},
			Results: &ast.FieldList{List: []*ast.Field{
				{Type: ast.NewIdent("T")},
			}},
		},
		Body: &ast.BlockStmt{List: []ast.Stmt{
			&ast.ReturnStmt{Results: []ast.Expr{ast.NewIdent("p")}},
		}},
	}
}
