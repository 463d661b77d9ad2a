// Package chunker discovers workspace files and divides them into overlapping chunks
// for embedding and search.
//
// # Basic Usage
//
//	c, err := chunker.New(chunker.DefaultOptions("/path/to/workspace"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	files, stats, err := c.Discover(ctx)
//	for _, f := range files {
//	    chunks, err := c.ChunkFile(f)
//	    ...
//	}
//
// # Discovery
//
// Discovery walks the workspace root, prunes well-known dependency and VCS
// directories, and applies the include/exclude globs (doublestar syntax,
// matched against slash separated relative paths). Empty files, files larger
// than MaxFileSize and binary files (by extension or a NUL byte in the first
// 8000 bytes) are skipped unless IncludeBinary is set.
//
// # Chunking Strategy
//
// Chunks are produced by a sliding window over lines:
//   - Lines accumulate until the next one would push the chunk past MaxSize
//     while it already holds at least MinSize bytes
//   - The next chunk starts with the trailing lines of the previous one whose
//     combined size fits in Overlap
//   - Lines longer than MaxSize-MinSize are split at rune boundaries and keep
//     their line number
//
// Every chunk except the last of a file satisfies MinSize <= Size <= MaxSize.
// Chunk boundaries and ids depend only on content and options.
//
// # Classification
//
// Classify tags a chunk as function, class, import, export, comment or block
// by matching shallow per-line patterns. It is an approximation and may
// mislabel chunks that mix several constructs.
package chunker
