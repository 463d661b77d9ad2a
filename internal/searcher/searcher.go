package searcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dshills/ctxengine/internal/embedder"
	"github.com/dshills/ctxengine/internal/vectorstore"
	"github.com/dshills/ctxengine/pkg/types"
)

// Index is the read side of the vector store client
type Index interface {
	Search(ctx context.Context, collection string, req types.SearchRequest) ([]types.ScoredPoint, error)
}

// Config controls query defaults and the response cache
type Config struct {
	Collection           string
	MaxResults           int
	MinSimilarity        float64
	RelatedMinSimilarity float64
	MaxRelated           int
	OverfetchFactor      int // Raw hits fetched per requested result, to survive dedup
	CacheSize            int // 0 disables the cache
	CacheTTL             time.Duration
}

// Searcher answers similarity queries: embed, search, filter by threshold,
// dedupe by file, rank, truncate and optionally hydrate file content
type Searcher struct {
	index    Index
	embedder embedder.Embedder
	root     string
	cfg      Config
	logger   *slog.Logger
	cache    *queryCache

	readFile func(string) ([]byte, error)
}

// New creates a Searcher. root is the workspace root used to hydrate content.
func New(index Index, emb embedder.Embedder, root string, cfg Config, logger *slog.Logger) (*Searcher, error) {
	if index == nil || emb == nil {
		return nil, errors.New("searcher: index and embedder are required")
	}
	if cfg.Collection == "" {
		return nil, types.NewValidationError("collection", "is required")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.OverfetchFactor <= 0 {
		cfg.OverfetchFactor = 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Searcher{
		index:    index,
		embedder: emb,
		root:     root,
		cfg:      cfg,
		logger:   logger,
		readFile: os.ReadFile,
	}
	if cfg.CacheSize > 0 {
		cache, err := newQueryCache(cfg.CacheSize, cfg.CacheTTL)
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}
	return s, nil
}

// Purge drops every cached response. Call it whenever the index changes.
func (s *Searcher) Purge() {
	if s.cache != nil {
		s.cache.purge()
	}
}

// Search runs a query
func (s *Searcher) Search(ctx context.Context, req types.QueryRequest) (*types.QueryResponse, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.MaxResults == 0 {
		req.MaxResults = s.cfg.MaxResults
	}
	if req.MinSimilarity == 0 {
		req.MinSimilarity = s.cfg.MinSimilarity
	}

	key := cacheKey(req)
	if s.cache != nil {
		if resp, ok := s.cache.get(key); ok {
			resp.CacheHit = true
			resp.DurationMs = time.Since(start).Milliseconds()
			return resp, nil
		}
	}

	emb, err := s.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: req.Text})
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	filter := FileTypeFilter(req.FileTypeFilter)
	hits, err := s.index.Search(ctx, s.cfg.Collection, types.SearchRequest{
		Vector:      emb.Vector,
		Limit:       s.fetchLimit(req.MaxResults),
		Filter:      filter,
		WithPayload: true,
	})
	if err != nil {
		return nil, err
	}

	resp := &types.QueryResponse{
		Results:      DedupeAndRank(hits, req.MinSimilarity, req.MaxResults),
		TotalHits:    len(hits),
		QueryVectorN: len(emb.Vector),
	}

	if req.IncludeRelated && s.cfg.MaxRelated > 0 {
		related, err := s.related(ctx, emb.Vector, filter, resp.Results)
		if err != nil {
			// A failed related search does not fail the query
			s.logger.Warn("related file search failed", "error", err)
		} else {
			resp.Related = related
		}
	}

	// Hydrate only the final, truncated set
	if req.IncludeContent {
		s.hydrate(resp.Results)
		s.hydrate(resp.Related)
	}

	if s.cache != nil {
		s.cache.add(key, resp)
	}
	resp.DurationMs = time.Since(start).Milliseconds()

	s.logger.Debug("query served",
		"hits", resp.TotalHits,
		"results", len(resp.Results),
		"related", len(resp.Related),
		"duration_ms", resp.DurationMs)
	return resp, nil
}

// related runs the secondary, lower threshold search and keeps files not
// already in the primary results
func (s *Searcher) related(ctx context.Context, vector []float32, filter *types.Filter, primary []types.SearchResult) ([]types.SearchResult, error) {
	hits, err := s.index.Search(ctx, s.cfg.Collection, types.SearchRequest{
		Vector:      vector,
		Limit:       s.fetchLimit(len(primary) + s.cfg.MaxRelated),
		Filter:      filter,
		WithPayload: true,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(primary))
	for _, r := range primary {
		seen[r.FilePath] = true
	}
	kept := hits[:0:0]
	for _, h := range hits {
		if !seen[h.PayloadString(types.PayloadFilePath)] {
			kept = append(kept, h)
		}
	}
	return DedupeAndRank(kept, s.cfg.RelatedMinSimilarity, s.cfg.MaxRelated), nil
}

func (s *Searcher) fetchLimit(results int) int {
	return min(max(results*s.cfg.OverfetchFactor, vectorstore.MinSearchLimit), vectorstore.MaxSearchLimit)
}

// hydrate loads the full content of each result file. Unreadable files keep
// their snippet only.
func (s *Searcher) hydrate(results []types.SearchResult) {
	for i := range results {
		path, ok := s.resolve(results[i].FilePath)
		if !ok {
			continue
		}
		content, err := s.readFile(path)
		if err != nil {
			s.logger.Warn("failed to hydrate result", "path", results[i].FilePath, "error", err)
			continue
		}
		results[i].Content = string(content)
	}
}

// resolve maps a workspace path to disk, refusing paths that escape the root
func (s *Searcher) resolve(rel string) (string, bool) {
	if s.root == "" || filepath.IsAbs(rel) {
		return "", false
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.Join(s.root, clean), true
}

// FileTypeFilter builds a language filter, nil when no types are given
func FileTypeFilter(fileTypes []string) *types.Filter {
	var values []any
	seen := make(map[string]bool, len(fileTypes))
	for _, ft := range fileTypes {
		ft = strings.ToLower(strings.TrimSpace(ft))
		if ft == "" || seen[ft] {
			continue
		}
		seen[ft] = true
		values = append(values, ft)
	}
	switch len(values) {
	case 0:
		return nil
	case 1:
		return types.MatchField(types.PayloadLanguage, values[0])
	default:
		return &types.Filter{Must: []types.FieldCondition{{Key: types.PayloadLanguage, Any: values}}}
	}
}

// DedupeAndRank drops hits below minScore, keeps the best hit per file,
// sorts by descending score and truncates to maxResults. Equal scores are
// ordered by path.
func DedupeAndRank(hits []types.ScoredPoint, minScore float64, maxResults int) []types.SearchResult {
	best := make(map[string]types.ScoredPoint, len(hits))
	for _, h := range hits {
		if h.Score < minScore {
			continue
		}
		path := h.PayloadString(types.PayloadFilePath)
		if path == "" {
			continue
		}
		if cur, ok := best[path]; !ok || h.Score > cur.Score {
			best[path] = h
		}
	}

	results := make([]types.SearchResult, 0, len(best))
	for path, h := range best {
		results = append(results, types.SearchResult{
			FilePath:  path,
			Score:     h.Score,
			StartLine: h.PayloadInt(types.PayloadStartLine),
			EndLine:   h.PayloadInt(types.PayloadEndLine),
			Language:  h.PayloadString(types.PayloadLanguage),
			ChunkType: types.ChunkType(h.PayloadString(types.PayloadChunkType)),
			Snippet:   h.PayloadString(types.PayloadContent),
			Symbols:   h.MetadataStrings(types.MetadataSymbols),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].FilePath < results[j].FilePath
	})

	if maxResults >= 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}
