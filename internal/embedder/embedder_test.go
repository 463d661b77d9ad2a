package embedder

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeHash(t *testing.T) {
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", ComputeHash("hello world"))
	assert.Equal(t, ComputeHash("test"), ComputeHash("test"))
	assert.NotEqual(t, ComputeHash("a"), ComputeHash("b"))
}

func TestValidateBatchRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     BatchEmbeddingRequest
		wantErr error
	}{
		{"valid", BatchEmbeddingRequest{Texts: []string{"a", "b"}}, nil},
		{"empty", BatchEmbeddingRequest{}, ErrInvalidInput},
		{"blank entry", BatchEmbeddingRequest{Texts: []string{"a", ""}}, ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBatchRequest(tt.req)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	assert.ErrorIs(t, ValidateRequest(EmbeddingRequest{}), ErrEmptyText)
}

func TestCache_ReturnsCopies(t *testing.T) {
	cache := NewCache(2)
	cache.Set("k", &Embedding{Vector: []float32{1, 2, 3}, Dimension: 3})

	got, ok := cache.Get("k")
	require.True(t, ok)
	got.Vector[0] = 99

	again, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, float32(1), again.Vector[0])

	cache.Set("k2", &Embedding{})
	cache.Set("k3", &Embedding{})
	assert.Equal(t, 2, cache.Size())

	cache.Clear()
	assert.Equal(t, 0, cache.Size())
}

func TestNormalizeVector(t *testing.T) {
	v := NormalizeVector([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	assert.Equal(t, zero, NormalizeVector(zero))
}

func TestHashVector(t *testing.T) {
	a := HashVector("alpha", 64)
	b := HashVector("alpha", 64)
	c := HashVector("beta", 64)

	require.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	var norm float64
	for _, x := range a {
		assert.False(t, math.IsNaN(float64(x)))
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-4)
}

func TestEmbedAll_SplitsAndPreservesOrder(t *testing.T) {
	p := NewStaticProvider(Options{Dimension: 8})
	texts := make([]string, 600)
	for i := range texts {
		texts[i] = string(rune('a'+i%26)) + string(rune('A'+i/26))
	}

	vectors, err := EmbedAll(context.Background(), p, texts, 0)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	for i, text := range texts {
		assert.Equal(t, HashVector(text, 8), vectors[i])
	}

	empty, err := EmbedAll(context.Background(), p, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

type countingEmbedder struct {
	*StaticProvider
	batches []int
}

func (c *countingEmbedder) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	c.batches = append(c.batches, len(req.Texts))
	return c.StaticProvider.GenerateBatch(ctx, req)
}

func TestEmbedAll_BatchSize(t *testing.T) {
	e := &countingEmbedder{StaticProvider: NewStaticProvider(Options{Dimension: 4})}
	texts := []string{"a", "b", "c", "d", "e"}

	_, err := EmbedAll(context.Background(), e, texts, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, e.batches)
}

type failingEmbedder struct {
	*StaticProvider
}

func (f *failingEmbedder) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	return nil, &ProviderError{Kind: KindAuth, Provider: "test", Err: errors.New("denied")}
}

func (f *failingEmbedder) TestConnection(ctx context.Context) ConnectionResult {
	return ConnectionResult{Error: "denied"}
}

func (f *failingEmbedder) Dimension() int {
	return 0
}

func TestEmbedAll_PropagatesError(t *testing.T) {
	e := &failingEmbedder{StaticProvider: NewStaticProvider(Options{})}
	_, err := EmbedAll(context.Background(), e, []string{"x"}, 0)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindAuth, pe.Kind)
}

func TestResolveDimension(t *testing.T) {
	d, err := ResolveDimension(context.Background(), NewStaticProvider(Options{Dimension: 12}))
	require.NoError(t, err)
	assert.Equal(t, 12, d)

	_, err = ResolveDimension(context.Background(), &failingEmbedder{StaticProvider: NewStaticProvider(Options{})})
	assert.Error(t, err)
}
