// Package embedder generates vector embeddings for code chunks using various providers.
//
// The embedder supports a locally hosted provider (Ollama), remote APIs (OpenAI and
// compatible servers, Jina AI) and an offline deterministic provider, and adds
// batching, caching, validation and retry on top of each.
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.Config{
//	    Provider:  "ollama",
//	    CacheSize: 10000,
//	    Options:   embedder.Options{Model: "nomic-embed-text", Retry: retry.DefaultPolicy()},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer emb.Close()
//
//	result, err := emb.GenerateEmbedding(ctx, embedder.EmbeddingRequest{
//	    Text: "func ParseFile(path string) error { ... }",
//	})
//
// # Batch Processing
//
// GenerateBatch accepts at most MaxBatchSize texts. EmbedAll splits larger inputs:
//
//	vectors, err := embedder.EmbedAll(ctx, emb, texts, 0)
//	// vectors[i] belongs to texts[i]
//
// # Errors
//
// Provider failures are reported as *ProviderError with a kind:
//
//   - unreachable, rate_limited, server: transient, retried with backoff
//   - auth, bad_request, malformed: returned immediately
//
// When retries are exhausted the ProviderError is wrapped in a
// types.ConnectivityError. Both match with errors.Is (types.ErrProvider,
// types.ErrConnectivity).
//
// # Caching
//
// Embeddings are cached in an LRU keyed by provider, model and the SHA-256 of
// the text. Cached vectors are copied on read.
package embedder
