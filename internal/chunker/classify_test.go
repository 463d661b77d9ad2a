package chunker

import (
	"testing"

	"github.com/dshills/ctxengine/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected types.ChunkType
	}{
		{
			name:     "go function",
			content:  "func Add(a, b int) int {\n\treturn a + b\n}\n",
			expected: types.ChunkFunction,
		},
		{
			name:     "python function",
			content:  "async def fetch(url):\n    return await get(url)\n",
			expected: types.ChunkFunction,
		},
		{
			name:     "arrow function",
			content:  "const handler = async (req) => {\n  return req.body\n}\n",
			expected: types.ChunkFunction,
		},
		{
			name:     "go struct",
			content:  "type Pool struct {\n\tmu sync.Mutex\n}\n",
			expected: types.ChunkClass,
		},
		{
			name:     "ts class",
			content:  "export class Store {\n  private items = []\n}\n",
			expected: types.ChunkClass,
		},
		{
			name:     "imports",
			content:  "import os\nimport sys\nfrom typing import List\n",
			expected: types.ChunkImport,
		},
		{
			name:     "export",
			content:  "export const LIMIT = 10;\nexport { a, b };\n",
			expected: types.ChunkExport,
		},
		{
			name:     "comment block",
			content:  "// Package foo does things.\n// It has two lines.\n",
			expected: types.ChunkComment,
		},
		{
			name:     "plain block",
			content:  "x = 1\ny = x + 2\n",
			expected: types.ChunkBlock,
		},
		{
			name:     "blank",
			content:  "\n\n",
			expected: types.ChunkBlock,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.content))
		})
	}
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, "go", DetectLanguage("internal/pool/pool.go"))
	assert.Equal(t, "typescript", DetectLanguage("web/App.TSX"))
	assert.Equal(t, "dockerfile", DetectLanguage("deploy/Dockerfile"))
	assert.Equal(t, "text", DetectLanguage("LICENSE"))
}
