// Package searcher serves similarity queries against the vector store.
//
// A query is embedded with the configured provider and searched in the
// collection, optionally restricted to a set of languages. Hits below the
// similarity threshold are dropped, then hits are deduplicated by file path
// keeping each file's best score, ranked by descending score and truncated to
// the requested count. Full file content is read only for that final set.
//
//	s, err := searcher.New(client, emb, root, searcher.Config{Collection: "code"}, logger)
//	resp, err := s.Search(ctx, types.QueryRequest{
//	    Text:           "retry with exponential backoff",
//	    MaxResults:     5,
//	    IncludeContent: true,
//	})
//
// # Related files
//
// With IncludeRelated set, a second search at the lower RelatedMinSimilarity
// threshold returns up to MaxRelated files that are not among the primary
// results.
//
// # Caching
//
// Responses are kept in an LRU cache with a TTL, keyed by every request field
// that affects the result. The cache does not observe the index; callers
// Purge it after indexing sessions and incremental updates.
package searcher
