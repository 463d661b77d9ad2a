package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dshills/ctxengine/internal/retry"
)

// Provider configuration
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderJina   = "jina"
	ProviderStatic = "static"

	// ProviderLocal is an alias of the locally hosted provider
	ProviderLocal = "local"

	// Default endpoints
	DefaultOllamaURL = "http://localhost:11434"
	DefaultJinaURL   = "https://api.jina.ai/v1"

	// Default models
	DefaultOllamaModel = "nomic-embed-text"
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"

	// Dimensions
	JinaDimension        = 1024
	OpenAIDimension      = 1536
	OpenAILargeDimension = 3072
	StaticDimension      = 384

	// Batch limits
	OllamaMaxBatch = 32
	RemoteMaxBatch = 100
	StaticMaxBatch = 256

	DefaultTimeout = 30 * time.Second
)

// Options are shared by all provider constructors
type Options struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	Timeout   time.Duration
	Cache     *Cache
	Retry     retry.Policy
	Logger    *slog.Logger
}

func (o Options) httpClient() *http.Client {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// OllamaProvider implements Embedder using a locally hosted Ollama server
type OllamaProvider struct {
	*base
	baseURL    string
	httpClient *http.Client
}

// NewOllamaProvider creates an embedder for the Ollama /api/embed endpoint.
// The dimension is learned from the first response unless configured.
func NewOllamaProvider(opts Options) *OllamaProvider {
	p := &OllamaProvider{
		baseURL:    strings.TrimRight(orDefault(opts.BaseURL, DefaultOllamaURL), "/"),
		httpClient: opts.httpClient(),
	}
	p.base = newBase(ProviderOllama, orDefault(opts.Model, DefaultOllamaModel), OllamaMaxBatch, opts.Dimension, opts, p.callAPI)
	return p
}

type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaResponse struct {
	Embeddings      [][]float32 `json:"embeddings"`
	PromptEvalCount int         `json:"prompt_eval_count"`
}

func (o *OllamaProvider) callAPI(ctx context.Context, texts []string) ([][]float32, int, error) {
	var resp ollamaResponse
	err := postJSON(ctx, o.httpClient, ProviderOllama, o.baseURL+"/api/embed", nil,
		ollamaRequest{Model: o.model, Input: texts}, &resp)
	if err != nil {
		return nil, 0, err
	}
	return resp.Embeddings, resp.PromptEvalCount, nil
}

func (o *OllamaProvider) Close() error {
	o.httpClient.CloseIdleConnections()
	return nil
}

// JinaProvider implements Embedder using the Jina AI API
type JinaProvider struct {
	*base
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewJinaProvider creates a new Jina AI embedder
func NewJinaProvider(opts Options) (*JinaProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvJinaAPIKey)
	}

	p := &JinaProvider{
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(orDefault(opts.BaseURL, DefaultJinaURL), "/"),
		httpClient: opts.httpClient(),
	}
	dim := opts.Dimension
	if dim == 0 {
		dim = JinaDimension
	}
	p.base = newBase(ProviderJina, orDefault(opts.Model, DefaultJinaModel), RemoteMaxBatch, dim, opts, p.callAPI)
	return p, nil
}

type jinaRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type jinaResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (j *JinaProvider) callAPI(ctx context.Context, texts []string) ([][]float32, int, error) {
	var resp jinaResponse
	err := postJSON(ctx, j.httpClient, ProviderJina, j.baseURL+"/embeddings",
		map[string]string{"Authorization": "Bearer " + j.apiKey},
		jinaRequest{Input: texts, Model: j.model}, &resp)
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(resp.Data, func(a, b int) bool { return resp.Data[a].Index < resp.Data[b].Index })
	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, resp.Usage.TotalTokens, nil
}

func (j *JinaProvider) Close() error {
	j.httpClient.CloseIdleConnections()
	return nil
}

// OpenAIProvider implements Embedder using the OpenAI embeddings API or a
// compatible server
type OpenAIProvider struct {
	*base
	client     *openai.Client
	httpClient *http.Client
}

// NewOpenAIProvider creates a new OpenAI embedder
func NewOpenAIProvider(opts Options) (*OpenAIProvider, error) {
	if opts.APIKey == "" && opts.BaseURL == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvOpenAIAPIKey)
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	httpClient := opts.httpClient()
	cfg.HTTPClient = httpClient

	model := orDefault(opts.Model, DefaultOpenAIModel)
	dim := opts.Dimension
	if dim == 0 {
		switch model {
		case "text-embedding-3-large":
			dim = OpenAILargeDimension
		case "text-embedding-3-small", "text-embedding-ada-002":
			dim = OpenAIDimension
		}
	}

	p := &OpenAIProvider{
		client:     openai.NewClientWithConfig(cfg),
		httpClient: httpClient,
	}
	p.base = newBase(ProviderOpenAI, model, RemoteMaxBatch, dim, opts, p.callAPI)
	return p, nil
}

func (o *OpenAIProvider) callAPI(ctx context.Context, texts []string) ([][]float32, int, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(o.model),
		Input: texts,
	})
	if err != nil {
		return nil, 0, classifyOpenAIError(ctx, err)
	}

	sort.Slice(resp.Data, func(a, b int) bool { return resp.Data[a].Index < resp.Data[b].Index })
	vectors := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		v := make([]float32, len(d.Embedding))
		for k := range d.Embedding {
			v[k] = float32(d.Embedding[k])
		}
		vectors[i] = v
	}
	return vectors, resp.Usage.TotalTokens, nil
}

func classifyOpenAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Kind: kindForStatus(apiErr.HTTPStatusCode), Provider: ProviderOpenAI, StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Kind: kindForStatus(reqErr.HTTPStatusCode), Provider: ProviderOpenAI, StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return &ProviderError{Kind: KindUnreachable, Provider: ProviderOpenAI, Err: err}
}

func (o *OpenAIProvider) Close() error {
	o.httpClient.CloseIdleConnections()
	return nil
}

// StaticProvider produces deterministic pseudo-embeddings from a content hash.
// It needs no network and is meant for tests and offline indexing; vectors
// carry no semantic meaning.
type StaticProvider struct {
	*base
}

// NewStaticProvider creates a StaticProvider
func NewStaticProvider(opts Options) *StaticProvider {
	dim := opts.Dimension
	if dim <= 0 {
		dim = StaticDimension
	}
	p := &StaticProvider{}
	p.base = newBase(ProviderStatic, orDefault(opts.Model, "static-sha256"), StaticMaxBatch, dim, opts,
		func(ctx context.Context, texts []string) ([][]float32, int, error) {
			vectors := make([][]float32, len(texts))
			for i, text := range texts {
				vectors[i] = HashVector(text, dim)
			}
			return vectors, 0, nil
		})
	return p
}

func (s *StaticProvider) Close() error {
	return nil
}

// HashVector expands the SHA-256 of text into a unit vector of the given dimension
func HashVector(text string, dim int) []float32 {
	seed := sha256.Sum256([]byte(text))
	vector := make([]float32, dim)
	var block [32]byte
	var counter [8]byte
	for i := 0; i < dim; i++ {
		if i%8 == 0 {
			binary.LittleEndian.PutUint64(counter[:], uint64(i/8))
			block = sha256.Sum256(append(seed[:], counter[:]...))
		}
		u := binary.LittleEndian.Uint32(block[(i%8)*4:])
		vector[i] = float32(u)/float32(1<<32)*2 - 1
	}
	return NormalizeVector(vector)
}
