package chunker

import (
	"regexp"
	"strings"

	"github.com/dshills/ctxengine/pkg/types"
)

// Shallow per-line patterns. Classification is a best-effort heuristic over
// the text of a chunk and does not parse the language.
var (
	importPattern = regexp.MustCompile(`^\s*(import\b|from\s+\S+\s+import\b|#include\b|require\s*\(|using\s+[\w.]+\s*;|use\s+[\w:]+|package\s+\w+\s*;?$)`)
	exportPattern = regexp.MustCompile(`^\s*(export\s+(default\s+)?(const|let|var|function|class|interface|type|enum|async|\{)|module\.exports\b|exports\.\w+\s*=|pub\s+use\b)`)
	classPattern  = regexp.MustCompile(`^\s*((export\s+)?(default\s+)?(abstract\s+)?(public\s+|private\s+|protected\s+|internal\s+)?(final\s+|sealed\s+|data\s+)?(class|interface|trait|enum|struct|record)\s+\w+|type\s+\w+\s+(struct|interface)\b|(pub\s+)?(struct|enum|trait|impl)\b)`)
	funcPattern   = regexp.MustCompile(`^\s*(func\s|(async\s+)?def\s+\w+|(export\s+)?(async\s+)?function\b|(pub(\([\w:]+\))?\s+)?(async\s+)?fn\s+\w+|(public|private|protected|static|internal|override)(\s+\w+)*\s+\w+(<[^>]*>)?\s*\([^;]*\)\s*(\{|throws|$)|(const|let|var)\s+\w+\s*=\s*(async\s*)?(\([^)]*\)|\w+)\s*=>)`)
	commentPrefix = []string{"//", "#", "/*", "*", "*/", "--", ";;", "<!--", `"""`, "'''"}
)

// Classify tags chunk content as function, class, import, export, comment or block
func Classify(content string) types.ChunkType {
	var lines []string
	for _, l := range strings.Split(content, "\n") {
		if t := strings.TrimSpace(l); t != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return types.ChunkBlock
	}

	comments, imports := 0, 0
	hasClass, hasFunc, hasExport := false, false, false
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if isComment(t) {
			comments++
			continue
		}
		switch {
		case importPattern.MatchString(l):
			imports++
		case classPattern.MatchString(l):
			hasClass = true
		case funcPattern.MatchString(l):
			hasFunc = true
		}
		if exportPattern.MatchString(l) {
			hasExport = true
		}
	}

	code := len(lines) - comments
	switch {
	case code == 0:
		return types.ChunkComment
	case imports*2 > code:
		return types.ChunkImport
	case hasClass:
		return types.ChunkClass
	case hasFunc:
		return types.ChunkFunction
	case hasExport:
		return types.ChunkExport
	case comments*2 > len(lines):
		return types.ChunkComment
	default:
		return types.ChunkBlock
	}
}

func isComment(trimmed string) bool {
	for _, p := range commentPrefix {
		if strings.HasPrefix(trimmed, p) {
			// "#include" and friends are preprocessor lines, not comments
			return p != "#" || !strings.HasPrefix(trimmed, "#include")
		}
	}
	return false
}
