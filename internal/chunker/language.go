package chunker

import (
	"path/filepath"
	"strings"
)

var languageByExt = map[string]string{
	".go":     "go",
	".py":     "python",
	".pyi":    "python",
	".js":     "javascript",
	".mjs":    "javascript",
	".cjs":    "javascript",
	".jsx":    "javascript",
	".ts":     "typescript",
	".tsx":    "typescript",
	".java":   "java",
	".kt":     "kotlin",
	".kts":    "kotlin",
	".scala":  "scala",
	".rs":     "rust",
	".c":      "c",
	".h":      "c",
	".cc":     "cpp",
	".cpp":    "cpp",
	".cxx":    "cpp",
	".hpp":    "cpp",
	".cs":     "csharp",
	".rb":     "ruby",
	".php":    "php",
	".swift":  "swift",
	".m":      "objective-c",
	".lua":    "lua",
	".sh":     "shell",
	".bash":   "shell",
	".zsh":    "shell",
	".sql":    "sql",
	".html":   "html",
	".htm":    "html",
	".css":    "css",
	".scss":   "scss",
	".vue":    "vue",
	".svelte": "svelte",
	".md":     "markdown",
	".json":   "json",
	".yaml":   "yaml",
	".yml":    "yaml",
	".toml":   "toml",
	".xml":    "xml",
	".proto":  "protobuf",
	".tf":     "terraform",
	".dart":   "dart",
	".ex":     "elixir",
	".exs":    "elixir",
	".erl":    "erlang",
	".hs":     "haskell",
	".clj":    "clojure",
	".r":      "r",
	".jl":     "julia",
}

var languageByName = map[string]string{
	"dockerfile":     "dockerfile",
	"makefile":       "makefile",
	"go.mod":         "go-mod",
	"cmakelists.txt": "cmake",
}

// DetectLanguage classifies a file by its extension or well-known name.
// Unknown files are reported as "text".
func DetectLanguage(path string) string {
	base := strings.ToLower(filepath.Base(path))
	if lang, ok := languageByName[base]; ok {
		return lang
	}
	if lang, ok := languageByExt[strings.ToLower(filepath.Ext(base))]; ok {
		return lang
	}
	return "text"
}
