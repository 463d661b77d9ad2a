package embedder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		provider string
		wantErr  bool
	}{
		{"ollama", Config{Provider: "ollama"}, ProviderOllama, false},
		{"local alias", Config{Provider: "LOCAL"}, ProviderOllama, false},
		{"empty defaults to ollama", Config{}, ProviderOllama, false},
		{"jina", Config{Provider: "jina", Options: Options{APIKey: "k"}}, ProviderJina, false},
		{"jina without key", Config{Provider: "jina"}, "", true},
		{"openai", Config{Provider: "openai", Options: Options{APIKey: "k"}}, ProviderOpenAI, false},
		{"openai compatible server without key", Config{Provider: "openai", Options: Options{BaseURL: "http://localhost:8080/v1"}}, ProviderOpenAI, false},
		{"static", Config{Provider: "static", Options: Options{Dimension: 8}}, ProviderStatic, false},
		{"unknown", Config{Provider: "cohere"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer e.Close()
			assert.Equal(t, tt.provider, e.Provider())
			assert.NotEmpty(t, e.Model())
		})
	}
}

func TestNew_CacheSize(t *testing.T) {
	e, err := New(Config{Provider: "static", CacheSize: 10, Options: Options{Dimension: 4}})
	require.NoError(t, err)

	sp, ok := e.(*StaticProvider)
	require.True(t, ok)
	assert.NotNil(t, sp.cache)
}
