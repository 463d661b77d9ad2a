package types

import "errors"

// QueryRequest is an inbound similarity query
type QueryRequest struct {
	Text           string
	MaxResults     int
	MinSimilarity  float64 // 0 means the configured default
	IncludeContent bool
	FileTypeFilter []string // Languages, e.g. "go", "python"
	IncludeRelated bool
}

// Validate checks the request bounds
func (q *QueryRequest) Validate() error {
	if q.Text == "" {
		return NewValidationError("query", "text cannot be empty")
	}
	if q.MaxResults < 0 {
		return NewValidationError("maxResults", "must not be negative")
	}
	if q.MinSimilarity < 0 || q.MinSimilarity > 1 {
		return NewValidationError("minSimilarity", "must be between 0 and 1")
	}
	return nil
}

// SearchResult is a deduplicated, ranked hit for a single file
type SearchResult struct {
	FilePath  string
	Score     float64
	Rank      int // Position in result set (1-based)
	StartLine int
	EndLine   int
	Language  string
	ChunkType ChunkType
	Snippet   string   // Content of the best matching chunk
	Symbols   []string // Go declarations in the best matching chunk
	Content   string   // Full file content, only when hydrated
}

// QueryResponse is the result of a query
type QueryResponse struct {
	Results      []SearchResult
	Related      []SearchResult
	TotalHits    int // Raw hits before dedup
	CacheHit     bool
	DurationMs   int64
	QueryVectorN int
}

// Validate checks if the search result is valid
func (sr *SearchResult) Validate() error {
	if sr.FilePath == "" {
		return errors.New("file path is required")
	}

	if sr.Rank < 1 {
		return errors.New("rank must be positive")
	}

	return nil
}
