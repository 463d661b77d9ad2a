package embedder

import (
	"fmt"
	"strings"
)

// Environment variables consulted for API keys
const (
	EnvJinaAPIKey   = "JINA_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
)

// Config holds embedder configuration
type Config struct {
	Provider  string
	CacheSize int
	Options
}

// New creates an embedder with explicit configuration. The variant is chosen
// by name; a zero CacheSize disables caching.
func New(cfg Config) (Embedder, error) {
	opts := cfg.Options
	if cfg.CacheSize > 0 && opts.Cache == nil {
		opts.Cache = NewCache(cfg.CacheSize)
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderOllama, ProviderLocal, "":
		return NewOllamaProvider(opts), nil
	case ProviderJina:
		return NewJinaProvider(opts)
	case ProviderOpenAI:
		return NewOpenAIProvider(opts)
	case ProviderStatic:
		return NewStaticProvider(opts), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}
