package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/dshills/ctxengine/internal/pool"
	"github.com/dshills/ctxengine/internal/retry"
	"github.com/dshills/ctxengine/pkg/types"
)

// Limits enforced before any request leaves the process
const (
	MaxCollectionNameLen = 255
	MaxVectorSize        = 65536
	MinSearchLimit       = 1
	MaxSearchLimit       = 10000
	DefaultBatchSize     = 100
	DefaultHealthTTL     = 30 * time.Second
)

var collectionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config controls client behavior
type Config struct {
	BatchSize int
	HealthTTL time.Duration
	Retry     retry.Policy
}

// Client is the resilient vector store client. Every network operation runs
// on a pooled connection under the retry policy.
type Client struct {
	cfg    Config
	pool   *pool.Pool[Conn]
	logger *slog.Logger

	healthMu sync.Mutex
	health   types.HealthStatus
	checked  bool
}

// NewClient creates a client over an existing pool
func NewClient(p *pool.Pool[Conn], cfg Config, logger *slog.Logger) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.HealthTTL <= 0 {
		cfg.HealthTTL = DefaultHealthTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, pool: p, logger: logger}
}

// PoolStats returns a snapshot of the underlying pool
func (c *Client) PoolStats() pool.Stats {
	return c.pool.Stats()
}

// ValidateCollectionName checks the name charset and length
func ValidateCollectionName(name string) error {
	if name == "" {
		return types.NewValidationError("collection", "name is required")
	}
	if len(name) > MaxCollectionNameLen {
		return types.NewValidationError("collection", fmt.Sprintf("name exceeds %d characters", MaxCollectionNameLen))
	}
	if !collectionNamePattern.MatchString(name) {
		return types.NewValidationError("collection", "name may only contain letters, digits, '-' and '_'")
	}
	return nil
}

// ValidateVector checks that a vector is non-empty and every component is finite
func ValidateVector(field string, v []float32) error {
	if len(v) == 0 {
		return types.NewValidationError(field, "vector is empty")
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return types.NewValidationError(field, fmt.Sprintf("component %d is not finite", i))
		}
	}
	return nil
}

// withConn runs fn on a pooled connection under the retry policy. A
// connection whose transport failed is flagged so the pool destroys it.
func withConn[T any](ctx context.Context, c *Client, op string, fn func(ctx context.Context, conn Conn) (T, error)) (T, error) {
	return retry.Do(ctx, c.cfg.Retry, c.logger, op, isRetryable, func(ctx context.Context) (T, error) {
		pc, err := c.pool.Acquire(ctx)
		if err != nil {
			var zero T
			return zero, err
		}
		defer c.pool.Release(pc)

		result, err := fn(ctx, pc.Conn)
		if err != nil && isBroken(err) {
			pc.MarkBroken()
		}
		return result, err
	})
}

// HealthCheck returns the cached status while it is younger than the TTL,
// unless force is set. Otherwise it pings one pooled connection.
func (c *Client) HealthCheck(ctx context.Context, force bool) types.HealthStatus {
	c.healthMu.Lock()
	if !force && c.checked && time.Since(c.health.LastCheck) < c.cfg.HealthTTL {
		st := c.health
		c.healthMu.Unlock()
		return st
	}
	c.healthMu.Unlock()

	start := time.Now()
	err := c.ping(ctx)
	st := types.HealthStatus{
		IsHealthy:    err == nil,
		LastCheck:    time.Now(),
		ResponseTime: time.Since(start),
	}

	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	if err != nil {
		st.LastError = err.Error()
		st.ConsecutiveFailures = c.health.ConsecutiveFailures + 1
		c.logger.Debug("vector store ping failed", "error", err, "consecutive_failures", st.ConsecutiveFailures)
	}
	c.health = st
	c.checked = true
	return st
}

func (c *Client) ping(ctx context.Context) error {
	pc, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Release(pc)

	if err := pc.Conn.Ping(ctx); err != nil {
		if isBroken(err) {
			pc.MarkBroken()
		}
		return err
	}
	return nil
}

// EnsureCollection creates the collection when absent. An existing collection
// must match vectorSize and distance; it is never modified.
func (c *Client) EnsureCollection(ctx context.Context, name string, vectorSize int, distance types.Distance) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if vectorSize < 1 || vectorSize > MaxVectorSize {
		return types.NewValidationError("vectorSize", fmt.Sprintf("must be between 1 and %d", MaxVectorSize))
	}
	distance, err := types.ParseDistance(string(distance))
	if err != nil {
		return err
	}

	created, err := withConn(ctx, c, "ensure_collection", func(ctx context.Context, conn Conn) (bool, error) {
		info, err := conn.GetCollection(ctx, name)
		if errors.Is(err, types.ErrCollectionNotFound) {
			err = conn.CreateCollection(ctx, name, types.CollectionConfig{VectorSize: vectorSize, Distance: distance})
			if err == nil {
				return true, nil
			}
			if !errors.Is(err, ErrAlreadyExists) {
				return false, err
			}
			// Lost a creation race; verify what the winner created
			info, err = conn.GetCollection(ctx, name)
		}
		if err != nil {
			return false, err
		}
		if info.VectorSize != vectorSize || info.Distance != distance {
			return false, fmt.Errorf("%w: %s has size %d/%s, want %d/%s", types.ErrCollectionMismatch,
				name, info.VectorSize, info.Distance, vectorSize, distance)
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if created {
		c.logger.Info("created collection", "collection", name, "vector_size", vectorSize, "distance", distance)
	}
	return nil
}

// UpsertChunks validates every chunk and vector, then writes points in
// sequential batches. A failed batch stops the upload; earlier batches stay
// committed and the returned *BatchError says how far it got.
func (c *Client) UpsertChunks(ctx context.Context, collection string, chunks []*types.Chunk, vectors [][]float32) error {
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if len(chunks) != len(vectors) {
		return types.NewValidationError("vectors", fmt.Sprintf("got %d vectors for %d chunks", len(vectors), len(chunks)))
	}
	if len(chunks) == 0 {
		return nil
	}

	points := make([]types.Point, len(chunks))
	dim := len(vectors[0])
	for i, chunk := range chunks {
		if chunk == nil {
			return types.NewValidationError(fmt.Sprintf("chunks[%d]", i), "is nil")
		}
		if err := chunk.Validate(); err != nil {
			return types.NewValidationError(fmt.Sprintf("chunks[%d]", i), err.Error())
		}
		if err := ValidateVector(fmt.Sprintf("vectors[%d]", i), vectors[i]); err != nil {
			return err
		}
		if len(vectors[i]) != dim {
			return types.NewValidationError(fmt.Sprintf("vectors[%d]", i),
				fmt.Sprintf("dimension %d differs from %d", len(vectors[i]), dim))
		}
		points[i] = types.Point{ID: chunk.ID, Vector: vectors[i], Payload: chunk.Payload()}
	}

	batches := (len(points) + c.cfg.BatchSize - 1) / c.cfg.BatchSize
	committed := 0
	for b := 0; b < batches; b++ {
		end := min((b+1)*c.cfg.BatchSize, len(points))
		batch := points[b*c.cfg.BatchSize : end]

		_, err := withConn(ctx, c, "upsert_points", func(ctx context.Context, conn Conn) (struct{}, error) {
			return struct{}{}, conn.UpsertPoints(ctx, collection, batch)
		})
		if err != nil {
			sample := batch[0]
			c.logger.Error("upsert batch failed",
				"collection", collection,
				"batch", b,
				"batches", batches,
				"committed", committed,
				"sample_id", sample.ID,
				"error", err)
			return &BatchError{
				Collection: collection,
				Batch:      b,
				Batches:    batches,
				Committed:  committed,
				SampleID:   sample.ID,
				SampleFile: fmt.Sprint(sample.Payload[types.PayloadFilePath]),
				Err:        err,
			}
		}
		committed += len(batch)
		c.logger.Debug("upserted batch", "collection", collection, "batch", b, "points", len(batch))
	}
	return nil
}

// Search runs a similarity search, or a payload-only scroll when the vector
// is empty. Scores are normalized so that higher is always better:
// euclidean distances d become 1/(1+d).
func (c *Client) Search(ctx context.Context, collection string, req types.SearchRequest) ([]types.ScoredPoint, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if req.Limit < MinSearchLimit || req.Limit > MaxSearchLimit {
		return nil, types.NewValidationError("limit", fmt.Sprintf("must be between %d and %d", MinSearchLimit, MaxSearchLimit))
	}
	if len(req.Vector) > 0 {
		if err := ValidateVector("vector", req.Vector); err != nil {
			return nil, err
		}
	}

	return withConn(ctx, c, "search", func(ctx context.Context, conn Conn) ([]types.ScoredPoint, error) {
		info, err := conn.GetCollection(ctx, collection)
		if err != nil {
			return nil, err
		}

		if len(req.Vector) == 0 {
			return conn.Scroll(ctx, collection, req.Filter, req.Limit)
		}
		if len(req.Vector) != info.VectorSize {
			return nil, types.NewValidationError("vector",
				fmt.Sprintf("dimension %d does not match collection dimension %d", len(req.Vector), info.VectorSize))
		}

		hits, err := conn.Search(ctx, collection, req)
		if err != nil {
			return nil, err
		}
		if info.Distance == types.DistanceEuclidean {
			for i := range hits {
				hits[i].Score = 1 / (1 + hits[i].Score)
			}
		}
		return hits, nil
	})
}

// DeleteVectorsForFile removes every point whose payload filePath equals path
func (c *Client) DeleteVectorsForFile(ctx context.Context, collection, path string) error {
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if path == "" {
		return types.NewValidationError("path", "is required")
	}

	_, err := withConn(ctx, c, "delete_file_vectors", func(ctx context.Context, conn Conn) (struct{}, error) {
		return struct{}{}, conn.DeletePoints(ctx, collection, types.PointSelector{
			Filter: types.MatchField(types.PayloadFilePath, path),
		})
	})
	return err
}

// pruneScanLimit is the page size used when scanning for stale files
const pruneScanLimit = 256

// PruneFiles removes the points of every file not in keep and returns the
// paths it removed. A missing collection has nothing to prune.
func (c *Client) PruneFiles(ctx context.Context, collection string, keep []string) ([]string, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	var filter *types.Filter
	if len(keep) > 0 {
		values := make([]any, len(keep))
		for i, path := range keep {
			values[i] = path
		}
		filter = &types.Filter{MustNot: []types.FieldCondition{{Key: types.PayloadFilePath, Any: values}}}
	}

	removed := make(map[string]bool)
	var paths []string
	for {
		stale, err := withConn(ctx, c, "prune_files", func(ctx context.Context, conn Conn) ([]string, error) {
			points, err := conn.Scroll(ctx, collection, filter, pruneScanLimit)
			if err != nil {
				return nil, err
			}
			var page []string
			for _, p := range points {
				path := p.PayloadString(types.PayloadFilePath)
				if path == "" || removed[path] || slices.Contains(page, path) {
					continue
				}
				if err := conn.DeletePoints(ctx, collection, types.PointSelector{
					Filter: types.MatchField(types.PayloadFilePath, path),
				}); err != nil {
					return nil, err
				}
				page = append(page, path)
			}
			return page, nil
		})
		if errors.Is(err, types.ErrCollectionNotFound) {
			return paths, nil
		}
		if err != nil {
			return paths, err
		}
		// Points without a path never leave the scan, so stop once a page
		// yields nothing new
		if len(stale) == 0 {
			break
		}
		for _, path := range stale {
			removed[path] = true
		}
		paths = append(paths, stale...)
	}

	if len(paths) > 0 {
		c.logger.Info("pruned stale files", "collection", collection, "files", len(paths))
	}
	return paths, nil
}

// DeleteCollection drops a collection and all its points
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	_, err := withConn(ctx, c, "delete_collection", func(ctx context.Context, conn Conn) (struct{}, error) {
		return struct{}{}, conn.DeleteCollection(ctx, name)
	})
	if err == nil {
		c.logger.Info("deleted collection", "collection", name)
	}
	return err
}

// GetCollectionStats returns point count, dimension and status
func (c *Client) GetCollectionStats(ctx context.Context, name string) (*types.CollectionInfo, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	return withConn(ctx, c, "collection_stats", func(ctx context.Context, conn Conn) (*types.CollectionInfo, error) {
		return conn.GetCollection(ctx, name)
	})
}

// ListCollections returns every collection name known to the backend
func (c *Client) ListCollections(ctx context.Context) ([]string, error) {
	return withConn(ctx, c, "list_collections", func(ctx context.Context, conn Conn) ([]string, error) {
		return conn.ListCollections(ctx)
	})
}
