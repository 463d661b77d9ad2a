package chunker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dshills/ctxengine/internal/parser"
	"github.com/dshills/ctxengine/pkg/types"
)

const (
	// DefaultMinSize is the default lower bound of a chunk in bytes
	DefaultMinSize = 500

	// DefaultMaxSize is the default upper bound of a chunk in bytes
	DefaultMaxSize = 1500

	// DefaultOverlap is the default byte budget of the tail shared with the previous chunk
	DefaultOverlap = 200

	// DefaultMaxFileSize is the largest file accepted by discovery
	DefaultMaxFileSize = 1 << 20
)

// Options configures discovery and the sliding window
type Options struct {
	Root          string
	Include       []string
	Exclude       []string
	MaxFileSize   int64
	IncludeBinary bool

	MinSize int
	MaxSize int
	Overlap int
}

// DefaultOptions returns options for the given workspace root
func DefaultOptions(root string) Options {
	return Options{
		Root:        root,
		Include:     []string{"**/*"},
		MaxFileSize: DefaultMaxFileSize,
		MinSize:     DefaultMinSize,
		MaxSize:     DefaultMaxSize,
		Overlap:     DefaultOverlap,
	}
}

// Validate checks the window bounds
func (o Options) Validate() error {
	if o.MinSize <= 0 || o.MaxSize <= o.MinSize {
		return types.NewValidationError("chunk size", fmt.Sprintf("need 0 < min (%d) < max (%d)", o.MinSize, o.MaxSize))
	}
	if o.MaxSize-o.MinSize < 2 {
		return types.NewValidationError("chunk size", "max must exceed min by at least 2")
	}
	if o.Overlap < 0 || o.Overlap >= o.MinSize {
		return types.NewValidationError("chunk overlap", fmt.Sprintf("need 0 <= overlap (%d) < min (%d)", o.Overlap, o.MinSize))
	}
	if o.MaxFileSize <= 0 {
		return types.NewValidationError("max file size", "must be positive")
	}
	for _, p := range append(append([]string{}, o.Include...), o.Exclude...) {
		if !validPattern(p) {
			return types.NewValidationError("glob", fmt.Sprintf("invalid pattern %q", p))
		}
	}
	return nil
}

// Chunker discovers workspace files and splits them into overlapping chunks
type Chunker struct {
	opts Options
	root string
}

// New creates a Chunker. The root is resolved to an absolute path.
func New(opts Options) (*Chunker, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Chunker{opts: opts, root: root}, nil
}

// Root returns the absolute workspace root
func (c *Chunker) Root() string {
	return c.root
}

// ChunkFile reads a discovered file and chunks it. Read failures are
// returned as *types.FileError.
func (c *Chunker) ChunkFile(rec types.FileRecord) ([]*types.Chunk, error) {
	content, err := os.ReadFile(rec.Path)
	if err != nil {
		return nil, &types.FileError{Path: rec.RelPath, Err: fmt.Errorf("failed to read file: %w", err)}
	}
	if !rec.Binary && !utf8.Valid(content) {
		content = []byte(strings.ToValidUTF8(string(content), "�"))
	}

	lang := rec.Language
	if lang == "" {
		lang = DetectLanguage(rec.RelPath)
	}
	return c.ChunkContent(rec.RelPath, lang, string(content)), nil
}

// unit is a piece of a line, including its trailing newline when present
type unit struct {
	text string
	line int
}

// ChunkContent splits content with a sliding window. It is a pure function
// of its inputs and the window options.
//
// Lines are accumulated until appending the next one would exceed MaxSize
// while the chunk already holds MinSize bytes. The following chunk then
// restarts from the longest run of trailing lines of the previous chunk
// whose total size fits in Overlap.
func (c *Chunker) ChunkContent(relPath, language, content string) []*types.Chunk {
	units := splitUnits(content, c.opts.MaxSize-c.opts.MinSize)
	if len(units) == 0 {
		return nil
	}

	var decls *parser.Result
	if language == "go" {
		// Declarations of a partial AST are still useful
		decls, _ = parser.ParseSource(relPath, content)
	}

	var chunks []*types.Chunk
	start := 0    // First unit of the current chunk
	size := 0     // Bytes in the current chunk
	newUnits := 0 // Units not shared with the previous chunk

	emit := func(end int) {
		chunks = append(chunks, c.buildChunk(relPath, language, units[start:end], len(chunks), decls))
	}

	for i := 0; i < len(units); i++ {
		next := len(units[i].text)
		if size >= c.opts.MinSize && size+next > c.opts.MaxSize && newUnits > 0 {
			emit(i)

			// Restart from the tail that fits in the overlap budget
			tail := i
			overlap := 0
			for tail > start+1 && overlap+len(units[tail-1].text) <= c.opts.Overlap {
				tail--
				overlap += len(units[tail].text)
			}
			start = tail
			size = overlap
			newUnits = 0
		}
		size += next
		newUnits++
	}

	if newUnits > 0 {
		emit(len(units))
	}
	return chunks
}

func (c *Chunker) buildChunk(relPath, language string, units []unit, ordinal int, decls *parser.Result) *types.Chunk {
	var b strings.Builder
	for _, u := range units {
		b.WriteString(u.text)
	}
	content := b.String()

	startLine := units[0].line
	endLine := units[len(units)-1].line

	chunk := &types.Chunk{
		ID:        types.ChunkID(relPath, startLine, endLine, ordinal),
		FileID:    relPath,
		Index:     ordinal,
		Content:   content,
		Size:      len(content),
		StartLine: startLine,
		EndLine:   endLine,
		ChunkType: Classify(content),
		Language:  language,
	}
	if decls != nil {
		if symbols := decls.Symbols(startLine, endLine); len(symbols) > 0 {
			chunk.Metadata = map[string]any{
				types.MetadataPackage: decls.Package,
				types.MetadataSymbols: symbols,
			}
		}
	}
	chunk.ComputeContentHash()
	return chunk
}

// splitUnits splits content into lines, breaking lines longer than maxPiece
// bytes at rune boundaries. Pieces of one line share its line number.
func splitUnits(content string, maxPiece int) []unit {
	if content == "" {
		return nil
	}
	lines := strings.SplitAfter(content, "\n")
	units := make([]unit, 0, len(lines))
	for i, line := range lines {
		if line == "" {
			continue
		}
		for len(line) > maxPiece {
			cut := maxPiece
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				// maxPiece is smaller than the rune; take the whole rune
				_, cut = utf8.DecodeRuneInString(line)
			}
			units = append(units, unit{text: line[:cut], line: i + 1})
			line = line[cut:]
		}
		if line != "" {
			units = append(units, unit{text: line, line: i + 1})
		}
	}
	return units
}
