package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dshills/ctxengine/internal/retry"
)

// pingText is embedded by TestConnection
const pingText = "connection test"

// batchCall performs one provider request for a batch of texts
type batchCall func(ctx context.Context, texts []string) (vectors [][]float32, tokens int, err error)

type batchResult struct {
	vectors [][]float32
	tokens  int
}

// base implements caching, validation and retry shared by all providers
type base struct {
	name     string
	model    string
	maxBatch int
	dim      atomic.Int64
	cache    *Cache
	policy   retry.Policy
	logger   *slog.Logger
	call     batchCall
}

func newBase(name, model string, maxBatch, dim int, opts Options, call batchCall) *base {
	b := &base{
		name:     name,
		model:    model,
		maxBatch: maxBatch,
		cache:    opts.Cache,
		policy:   opts.Retry,
		logger:   opts.Logger,
		call:     call,
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.dim.Store(int64(dim))
	return b
}

func (b *base) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	resp, err := b.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

func (b *base) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}
	if len(req.Texts) > b.maxBatch {
		return nil, fmt.Errorf("%w: max %d texts allowed", ErrBatchTooLarge, b.maxBatch)
	}

	embeddings := make([]*Embedding, len(req.Texts))
	var missIdx []int
	var missTexts []string
	for i, text := range req.Texts {
		if b.cache != nil {
			if emb, ok := b.cache.Get(b.cacheKey(text)); ok {
				embeddings[i] = emb
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	tokens := 0
	if len(missTexts) > 0 {
		res, err := b.embedUncached(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		tokens = res.tokens

		for j, vec := range res.vectors {
			text := missTexts[j]
			emb := &Embedding{
				Vector:    vec,
				Dimension: len(vec),
				Provider:  b.name,
				Model:     b.model,
				Hash:      ComputeHash(text),
			}
			embeddings[missIdx[j]] = emb
			if b.cache != nil {
				cached := *emb
				cached.Vector = append([]float32(nil), vec...)
				b.cache.Set(b.cacheKey(text), &cached)
			}
		}
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   b.name,
		Model:      b.model,
		TokenUsage: tokens,
	}, nil
}

// embedUncached calls the provider under the retry policy and validates the response
func (b *base) embedUncached(ctx context.Context, texts []string) (batchResult, error) {
	res, err := retry.Do(ctx, b.policy, b.logger, b.name+" embed", isTransient, func(ctx context.Context) (batchResult, error) {
		vectors, tokens, err := b.call(ctx, texts)
		if err != nil {
			return batchResult{}, err
		}
		return batchResult{vectors: vectors, tokens: tokens}, nil
	})
	if err != nil {
		return batchResult{}, err
	}

	if len(res.vectors) != len(texts) {
		return batchResult{}, b.malformed(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(res.vectors)))
	}
	for i, vec := range res.vectors {
		if err := b.checkVector(vec); err != nil {
			return batchResult{}, b.malformed(fmt.Errorf("embedding %d: %w", i, err))
		}
	}
	return res, nil
}

// checkVector rejects empty or non-finite vectors and dimension changes
func (b *base) checkVector(vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty vector")
	}
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("non-finite component")
		}
	}
	dim := int64(len(vec))
	if !b.dim.CompareAndSwap(0, dim) && b.dim.Load() != dim {
		return fmt.Errorf("dimension %d does not match %d", dim, b.dim.Load())
	}
	return nil
}

func (b *base) malformed(err error) error {
	return &ProviderError{Kind: KindMalformed, Provider: b.name, Err: err}
}

func (b *base) cacheKey(text string) string {
	return b.name + "/" + b.model + "/" + ComputeHash(text)
}

func (b *base) TestConnection(ctx context.Context) ConnectionResult {
	start := time.Now()
	res, err := b.embedUncached(ctx, []string{pingText})
	latency := time.Since(start)
	if err != nil {
		return ConnectionResult{Latency: latency, Error: err.Error()}
	}
	return ConnectionResult{
		Success:   true,
		Latency:   latency,
		Dimension: len(res.vectors[0]),
	}
}

func (b *base) MaxBatchSize() int {
	return b.maxBatch
}

func (b *base) Dimension() int {
	return int(b.dim.Load())
}

func (b *base) Provider() string {
	return b.name
}

func (b *base) Model() string {
	return b.model
}

// maxErrorBody bounds how much of an error response is kept
const maxErrorBody = 4096

// postJSON sends a JSON request and decodes a JSON response, classifying
// failures as ProviderError
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &ProviderError{Kind: KindBadRequest, Provider: provider, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ProviderError{Kind: KindUnreachable, Provider: provider, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ProviderError{
			Kind:       kindForStatus(resp.StatusCode),
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("api error: %s", bytes.TrimSpace(bodyBytes)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ProviderError{Kind: KindMalformed, Provider: provider, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
