package instrument

import (
	"go/ast"
	"go/token"
)

// visitor walks a parsed file looking for heap-escaping allocation
// expressions: new(T) and make(T, ...) calls assigned to a variable,
// returned, or stored into a struct field or map/slice element. Expressions
// used purely as function arguments without being retained are left alone,
// matching the narrower "call site, not expression everywhere" rewriting
// the teacher applies to memory-access instrumentation.
type visitor struct {
	fset  *token.FileSet
	sites int
}

// trackerCallName is the call allocation sites are rewritten to invoke.
const trackerCallName = "__allocprofTrack"

func (v *visitor) Visit(n ast.Node) ast.Visitor {
	switch node := n.(type) {
	case *ast.AssignStmt:
		for i, rhs := range node.Rhs {
			if call, ok := isAllocCall(rhs); ok {
				node.Rhs[i] = wrapAllocCall(call)
				v.sites++
			}
		}
	case *ast.ValueSpec:
		for i, val := range node.Values {
			if call, ok := isAllocCall(val); ok {
				node.Values[i] = wrapAllocCall(call)
				v.sites++
			}
		}
	case *ast.ReturnStmt:
		for i, res := range node.Results {
			if call, ok := isAllocCall(res); ok {
				node.Results[i] = wrapAllocCall(call)
				v.sites++
			}
		}
	}
	return v
}

// isAllocCall reports whether expr is a new(T) or make(...) call.
func isAllocCall(expr ast.Expr) (*ast.CallExpr, bool) {
	call, ok := expr.(*ast.CallExpr)
	if !ok {
		return nil, false
	}
	ident, ok := call.Fun.(*ast.Ident)
	if !ok {
		return nil, false
	}
	if ident.Name != "new" && ident.Name != "make" {
		return nil, false
	}
	return call, true
}

// wrapAllocCall rewrites `new(T)` / `make(...)` into
// `__allocprofTrack(new(T))`, a call injectImportAndInit defines so
// that the original expression's type is preserved through a generic
// pass-through.
func wrapAllocCall(call *ast.CallExpr) ast.Expr {
	return &ast.CallExpr{
		Fun:  ast.NewIdent(trackerCallName),
		Args: []ast.Expr{call},
	}
}
