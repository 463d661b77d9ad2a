package searcher

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/ctxengine/pkg/types"
)

// cacheEntry is a cached response with its expiration time
type cacheEntry struct {
	response  *types.QueryResponse
	expiresAt time.Time
}

// queryCache is an LRU of query responses with a TTL per entry
type queryCache struct {
	mu  sync.Mutex
	lru *lru.Cache[[32]byte, *cacheEntry]
	ttl time.Duration
	now func() time.Time
}

func newQueryCache(size int, ttl time.Duration) (*queryCache, error) {
	c, err := lru.New[[32]byte, *cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	return &queryCache{lru: c, ttl: ttl, now: time.Now}, nil
}

// get returns a copy of a live entry
func (c *queryCache) get(key [32]byte) (*types.QueryResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().After(entry.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return copyResponse(entry.response), true
}

func (c *queryCache) add(key [32]byte, resp *types.QueryResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, &cacheEntry{
		response:  copyResponse(resp),
		expiresAt: c.now().Add(c.ttl),
	})
}

func (c *queryCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

func (c *queryCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// copyResponse deep copies a response; SearchResult holds only values
func copyResponse(src *types.QueryResponse) *types.QueryResponse {
	dst := *src
	dst.Results = slices.Clone(src.Results)
	dst.Related = slices.Clone(src.Related)
	return &dst
}

// cacheKey hashes every request field that changes the response
func cacheKey(req types.QueryRequest) [32]byte {
	fileTypes := make([]string, len(req.FileTypeFilter))
	for i, ft := range req.FileTypeFilter {
		fileTypes[i] = strings.ToLower(strings.TrimSpace(ft))
	}
	slices.Sort(fileTypes)

	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d|%.4f|%t|%t|%s",
		req.Text, req.MaxResults, req.MinSimilarity, req.IncludeContent, req.IncludeRelated,
		strings.Join(fileTypes, ","))
	return sha256.Sum256([]byte(b.String()))
}
