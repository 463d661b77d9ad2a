package searcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctxengine/internal/embedder"
	"github.com/dshills/ctxengine/pkg/types"
)

// fakeIndex answers the n-th search with responses[n], repeating the last one
type fakeIndex struct {
	mu        sync.Mutex
	responses [][]types.ScoredPoint
	errs      []error
	requests  []types.SearchRequest
}

func (f *fakeIndex) Search(ctx context.Context, collection string, req types.SearchRequest) ([]types.ScoredPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.requests)
	f.requests = append(f.requests, req)
	if n < len(f.errs) && f.errs[n] != nil {
		return nil, f.errs[n]
	}
	if len(f.responses) == 0 {
		return nil, nil
	}
	resp := f.responses[min(n, len(f.responses)-1)]
	return append([]types.ScoredPoint(nil), resp...), nil
}

func (f *fakeIndex) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func hit(path string, score float64) types.ScoredPoint {
	return types.ScoredPoint{
		ID:    fmt.Sprintf("%s-%.3f", path, score),
		Score: score,
		Payload: map[string]any{
			types.PayloadFilePath:  path,
			types.PayloadContent:   "snippet of " + path,
			types.PayloadStartLine: 3,
			types.PayloadEndLine:   9,
			types.PayloadLanguage:  "go",
			types.PayloadChunkType: string(types.ChunkFunction),
		},
	}
}

type failingEmbedder struct {
	embedder.Embedder
}

func (f *failingEmbedder) GenerateEmbedding(ctx context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	return nil, &embedder.ProviderError{Kind: embedder.KindUnreachable, Provider: "test", Err: errors.New("connection refused")}
}

func newTestSearcher(t *testing.T, index Index, root string, cfg Config) *Searcher {
	t.Helper()
	if cfg.Collection == "" {
		cfg.Collection = "code"
	}
	emb := embedder.NewStaticProvider(embedder.Options{Dimension: 8})
	s, err := New(index, emb, root, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func paths(results []types.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.FilePath
	}
	return out
}

func TestDedupeAndRank(t *testing.T) {
	hits := []types.ScoredPoint{
		hit("fileA", 0.8),
		hit("fileB", 0.7),
		hit("fileA", 0.9),
		hit("fileC", 0.95),
		hit("fileB", 0.75),
	}

	results := DedupeAndRank(hits, 0, 3)

	require.Len(t, results, 3)
	assert.Equal(t, []string{"fileC", "fileA", "fileB"}, paths(results))
	assert.InDelta(t, 0.95, results[0].Score, 1e-9)
	assert.InDelta(t, 0.9, results[1].Score, 1e-9)
	assert.InDelta(t, 0.75, results[2].Score, 1e-9)
	for i, r := range results {
		assert.Equal(t, i+1, r.Rank)
		require.NoError(t, r.Validate())
	}

	assert.Equal(t, 3, results[0].StartLine)
	assert.Equal(t, 9, results[0].EndLine)
	assert.Equal(t, "go", results[0].Language)
	assert.Equal(t, types.ChunkFunction, results[0].ChunkType)
	assert.Equal(t, "snippet of fileC", results[0].Snippet)
	assert.Empty(t, results[0].Content)
}

func TestDedupeAndRank_NeverExceedsMax(t *testing.T) {
	for n := 0; n <= 60; n += 7 {
		hits := make([]types.ScoredPoint, n)
		for i := range hits {
			hits[i] = hit(fmt.Sprintf("f%d", i%17), float64((i*37)%100)/100)
		}
		for _, maxResults := range []int{0, 1, 5, 100} {
			results := DedupeAndRank(hits, 0, maxResults)
			assert.LessOrEqual(t, len(results), maxResults)

			seen := map[string]bool{}
			for i, r := range results {
				assert.False(t, seen[r.FilePath], "duplicate %s", r.FilePath)
				seen[r.FilePath] = true
				if i > 0 {
					assert.GreaterOrEqual(t, results[i-1].Score, r.Score)
				}
			}
		}
	}
}

func TestDedupeAndRank_Threshold(t *testing.T) {
	hits := []types.ScoredPoint{
		hit("a", 0.9),
		hit("b", 0.49),
		hit("c", 0.5),
		{ID: "nopath", Score: 0.99, Payload: map[string]any{}},
	}

	results := DedupeAndRank(hits, 0.5, 10)
	assert.Equal(t, []string{"a", "c"}, paths(results))
}

func TestDedupeAndRank_TiesOrderedByPath(t *testing.T) {
	results := DedupeAndRank([]types.ScoredPoint{hit("b", 0.7), hit("a", 0.7), hit("c", 0.7)}, 0, 2)
	assert.Equal(t, []string{"a", "b"}, paths(results))
}

func TestFileTypeFilter(t *testing.T) {
	assert.Nil(t, FileTypeFilter(nil))
	assert.Nil(t, FileTypeFilter([]string{" ", ""}))

	single := FileTypeFilter([]string{"Go"})
	require.Len(t, single.Must, 1)
	assert.Equal(t, types.PayloadLanguage, single.Must[0].Key)
	assert.Equal(t, "go", single.Must[0].Value)

	multi := FileTypeFilter([]string{"go", "Python", "GO"})
	require.Len(t, multi.Must, 1)
	assert.Equal(t, []any{"go", "python"}, multi.Must[0].Any)
}

func TestNew_Validation(t *testing.T) {
	emb := embedder.NewStaticProvider(embedder.Options{Dimension: 8})

	_, err := New(nil, emb, "", Config{Collection: "code"}, nil)
	assert.Error(t, err)

	_, err = New(&fakeIndex{}, emb, "", Config{}, nil)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestSearch(t *testing.T) {
	index := &fakeIndex{responses: [][]types.ScoredPoint{{
		hit("a.go", 0.9), hit("b.go", 0.8), hit("a.go", 0.7), hit("c.go", 0.6),
	}}}
	s := newTestSearcher(t, index, "", Config{OverfetchFactor: 4})

	resp, err := s.Search(context.Background(), types.QueryRequest{
		Text:           "parse config",
		MaxResults:     2,
		FileTypeFilter: []string{"go"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.go", "b.go"}, paths(resp.Results))
	assert.Equal(t, 4, resp.TotalHits)
	assert.Equal(t, 8, resp.QueryVectorN)
	assert.False(t, resp.CacheHit)
	assert.Nil(t, resp.Related)

	require.Equal(t, 1, index.calls())
	req := index.requests[0]
	assert.Equal(t, 8, req.Limit)
	assert.True(t, req.WithPayload)
	assert.Len(t, req.Vector, 8)
	require.NotNil(t, req.Filter)
	assert.Equal(t, "go", req.Filter.Must[0].Value)
}

func TestSearch_Defaults(t *testing.T) {
	index := &fakeIndex{responses: [][]types.ScoredPoint{{
		hit("a.go", 0.9), hit("b.go", 0.6), hit("c.go", 0.4),
	}}}
	s := newTestSearcher(t, index, "", Config{MaxResults: 10, MinSimilarity: 0.5, OverfetchFactor: 3})

	resp, err := s.Search(context.Background(), types.QueryRequest{Text: "q"})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.go", "b.go"}, paths(resp.Results))
	assert.Equal(t, 30, index.requests[0].Limit)
}

func TestSearch_Errors(t *testing.T) {
	_, err := newTestSearcher(t, &fakeIndex{}, "", Config{}).Search(context.Background(), types.QueryRequest{})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = newTestSearcher(t, &fakeIndex{}, "", Config{}).Search(context.Background(),
		types.QueryRequest{Text: "q", MinSimilarity: 1.5})
	assert.ErrorIs(t, err, types.ErrValidation)

	index := &fakeIndex{errs: []error{types.ErrCollectionNotFound}}
	_, err = newTestSearcher(t, index, "", Config{}).Search(context.Background(), types.QueryRequest{Text: "q"})
	assert.ErrorIs(t, err, types.ErrCollectionNotFound)

	s, err := New(&fakeIndex{}, &failingEmbedder{}, "", Config{Collection: "code"}, nil)
	require.NoError(t, err)
	_, err = s.Search(context.Background(), types.QueryRequest{Text: "q"})
	assert.ErrorIs(t, err, types.ErrProvider)
}

func TestSearch_HydratesOnlyFinalResults(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.go", "b.go", "c.go"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte("package "+name[:1]+"\n"), 0o644))
	}

	index := &fakeIndex{responses: [][]types.ScoredPoint{{
		hit("a.go", 0.9), hit("b.go", 0.8), hit("c.go", 0.7), hit("../escape.go", 0.95),
	}}}
	s := newTestSearcher(t, index, root, Config{})

	var read []string
	s.readFile = func(path string) ([]byte, error) {
		read = append(read, path)
		return os.ReadFile(path)
	}

	resp, err := s.Search(context.Background(), types.QueryRequest{Text: "q", MaxResults: 2, MinSimilarity: 0.1, IncludeContent: true})
	require.NoError(t, err)

	require.Equal(t, []string{"../escape.go", "a.go"}, paths(resp.Results))
	assert.Empty(t, resp.Results[0].Content)
	assert.Equal(t, "package a\n", resp.Results[1].Content)
	assert.Equal(t, []string{filepath.Join(root, "a.go")}, read)
}

func TestSearch_MissingFileKeepsSnippet(t *testing.T) {
	index := &fakeIndex{responses: [][]types.ScoredPoint{{hit("gone.go", 0.9)}}}
	s := newTestSearcher(t, index, t.TempDir(), Config{})

	resp, err := s.Search(context.Background(), types.QueryRequest{Text: "q", IncludeContent: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Empty(t, resp.Results[0].Content)
	assert.Equal(t, "snippet of gone.go", resp.Results[0].Snippet)
}

func TestSearch_Related(t *testing.T) {
	index := &fakeIndex{responses: [][]types.ScoredPoint{
		{hit("a.go", 0.9), hit("b.go", 0.8), hit("c.go", 0.4)},
		{hit("a.go", 0.9), hit("b.go", 0.8), hit("c.go", 0.4), hit("d.go", 0.35), hit("e.go", 0.2)},
	}}
	s := newTestSearcher(t, index, "", Config{MinSimilarity: 0.5, RelatedMinSimilarity: 0.3, MaxRelated: 5, OverfetchFactor: 2})

	resp, err := s.Search(context.Background(), types.QueryRequest{Text: "q", IncludeRelated: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"a.go", "b.go"}, paths(resp.Results))
	assert.Equal(t, []string{"c.go", "d.go"}, paths(resp.Related))
	assert.Equal(t, 1, resp.Related[0].Rank)
	require.Equal(t, 2, index.calls())
	assert.Equal(t, 14, index.requests[1].Limit)
}

func TestSearch_RelatedFailureKeepsResults(t *testing.T) {
	index := &fakeIndex{
		responses: [][]types.ScoredPoint{{hit("a.go", 0.9)}},
		errs:      []error{nil, errors.New("boom")},
	}
	s := newTestSearcher(t, index, "", Config{MaxRelated: 3})

	resp, err := s.Search(context.Background(), types.QueryRequest{Text: "q", IncludeRelated: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go"}, paths(resp.Results))
	assert.Empty(t, resp.Related)
}

func TestSearch_Cache(t *testing.T) {
	index := &fakeIndex{responses: [][]types.ScoredPoint{{hit("a.go", 0.9), hit("b.go", 0.8)}}}
	s := newTestSearcher(t, index, "", Config{CacheSize: 10, CacheTTL: time.Minute})
	ctx := context.Background()

	first, err := s.Search(ctx, types.QueryRequest{Text: "q", FileTypeFilter: []string{"Go", "python"}})
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	// Mutating a returned response does not leak into the cache
	first.Results[0].FilePath = "mutated"

	second, err := s.Search(ctx, types.QueryRequest{Text: "q", FileTypeFilter: []string{"python", "go"}})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, []string{"a.go", "b.go"}, paths(second.Results))
	assert.Equal(t, 1, index.calls())

	_, err = s.Search(ctx, types.QueryRequest{Text: "other"})
	require.NoError(t, err)
	assert.Equal(t, 2, index.calls())
	assert.Equal(t, 2, s.cache.len())

	s.Purge()
	assert.Zero(t, s.cache.len())
	third, err := s.Search(ctx, types.QueryRequest{Text: "q", FileTypeFilter: []string{"go", "python"}})
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
	assert.Equal(t, 3, index.calls())
}

func TestSearch_CacheExpires(t *testing.T) {
	index := &fakeIndex{responses: [][]types.ScoredPoint{{hit("a.go", 0.9)}}}
	s := newTestSearcher(t, index, "", Config{CacheSize: 10, CacheTTL: time.Minute})

	now := time.Now()
	s.cache.now = func() time.Time { return now }

	_, err := s.Search(context.Background(), types.QueryRequest{Text: "q"})
	require.NoError(t, err)
	_, err = s.Search(context.Background(), types.QueryRequest{Text: "q"})
	require.NoError(t, err)
	assert.Equal(t, 1, index.calls())

	now = now.Add(2 * time.Minute)
	resp, err := s.Search(context.Background(), types.QueryRequest{Text: "q"})
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, 2, index.calls())
}

func TestSearch_CacheDisabled(t *testing.T) {
	index := &fakeIndex{responses: [][]types.ScoredPoint{{hit("a.go", 0.9)}}}
	s := newTestSearcher(t, index, "", Config{})

	for range 2 {
		resp, err := s.Search(context.Background(), types.QueryRequest{Text: "q"})
		require.NoError(t, err)
		assert.False(t, resp.CacheHit)
	}
	assert.Equal(t, 2, index.calls())
	s.Purge()
}
