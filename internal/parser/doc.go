// Package parser extracts top-level declarations from Go source using
// go/parser and go/ast.
//
// The chunker records, for each chunk of a Go file, the names of the
// declarations the chunk intersects. They travel in the point payload
// metadata and come back with search results:
//
//	res, err := parser.ParseSource("pool.go", src)
//	if res != nil {
//	    names := res.Symbols(12, 40) // e.g. ["Pool", "Pool.Acquire"]
//	}
//
// Syntax errors are not fatal: the declarations of the partial AST are
// returned together with the error. Chunk classification does not use the
// parser.
package parser
