package parser

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// Kind is the kind of a top-level Go declaration
type Kind string

const (
	KindImport    Kind = "import"
	KindFunction  Kind = "function"
	KindMethod    Kind = "method"
	KindStruct    Kind = "struct"
	KindInterface Kind = "interface"
	KindType      Kind = "type"
	KindConst     Kind = "const"
	KindVar       Kind = "var"
)

// Decl is a top-level declaration with its 1-based line span. Doc
// comments are not part of the span.
type Decl struct {
	Kind      Kind
	Name      string
	Receiver  string // Methods only
	StartLine int
	EndLine   int
}

// Result holds what was extracted from one Go source file
type Result struct {
	Package string
	Imports []string
	Decls   []Decl
}

// ParseSource parses Go source and extracts its top-level declarations.
// On a syntax error the declarations of the partial AST are returned along
// with the error.
func ParseSource(filename string, src string) (*Result, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, src, parser.SkipObjectResolution)
	if file == nil {
		return nil, fmt.Errorf("syntax error: %w", err)
	}

	result := &Result{}
	if file.Name != nil {
		result.Package = file.Name.Name
	}
	for _, imp := range file.Imports {
		result.Imports = append(result.Imports, strings.Trim(imp.Path.Value, `"`))
	}

	e := &extractor{fset: fset}
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			e.function(d)
		case *ast.GenDecl:
			e.genDecl(d)
		}
	}
	result.Decls = e.decls

	if err != nil {
		return result, fmt.Errorf("syntax error: %w", err)
	}
	return result, nil
}

type extractor struct {
	fset  *token.FileSet
	decls []Decl
}

func (e *extractor) add(kind Kind, name, receiver string, node ast.Node) {
	e.decls = append(e.decls, Decl{
		Kind:      kind,
		Name:      name,
		Receiver:  receiver,
		StartLine: e.fset.Position(node.Pos()).Line,
		EndLine:   e.fset.Position(node.End()).Line,
	})
}

func (e *extractor) function(fn *ast.FuncDecl) {
	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		e.add(KindMethod, fn.Name.Name, receiverType(fn.Recv.List[0].Type), fn)
		return
	}
	e.add(KindFunction, fn.Name.Name, "", fn)
}

func (e *extractor) genDecl(gen *ast.GenDecl) {
	switch gen.Tok {
	case token.IMPORT:
		e.add(KindImport, "", "", gen)
		return
	case token.CONST, token.VAR:
		kind := KindVar
		if gen.Tok == token.CONST {
			kind = KindConst
		}
		for _, spec := range gen.Specs {
			vs := spec.(*ast.ValueSpec)
			for _, name := range vs.Names {
				e.add(kind, name.Name, "", vs)
			}
		}
		return
	}

	for _, spec := range gen.Specs {
		ts, ok := spec.(*ast.TypeSpec)
		if !ok {
			continue
		}
		switch ts.Type.(type) {
		case *ast.StructType:
			e.add(KindStruct, ts.Name.Name, "", ts)
		case *ast.InterfaceType:
			e.add(KindInterface, ts.Name.Name, "", ts)
		default:
			e.add(KindType, ts.Name.Name, "", ts)
		}
	}
}

// receiverType extracts the receiver type name from a method, generic
// receivers included
func receiverType(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverType(t.X)
	case *ast.IndexExpr:
		return receiverType(t.X)
	case *ast.IndexListExpr:
		return receiverType(t.X)
	case *ast.Ident:
		return t.Name
	}
	return ""
}

// Overlapping returns the declarations intersecting the line range
func (r *Result) Overlapping(startLine, endLine int) []Decl {
	var out []Decl
	for _, d := range r.Decls {
		if d.StartLine <= endLine && d.EndLine >= startLine {
			out = append(out, d)
		}
	}
	return out
}

// Symbols names the declarations intersecting the line range, imports
// excluded. Methods are named Receiver.Method.
func (r *Result) Symbols(startLine, endLine int) []string {
	var names []string
	for _, d := range r.Overlapping(startLine, endLine) {
		switch {
		case d.Kind == KindImport:
		case d.Receiver != "":
			names = append(names, d.Receiver+"."+d.Name)
		default:
			names = append(names, d.Name)
		}
	}
	return names
}
