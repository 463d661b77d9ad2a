// Package engine assembles the indexing and retrieval components from a
// configuration and owns their lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dshills/ctxengine/internal/chunker"
	"github.com/dshills/ctxengine/internal/config"
	"github.com/dshills/ctxengine/internal/embedder"
	"github.com/dshills/ctxengine/internal/health"
	"github.com/dshills/ctxengine/internal/indexer"
	"github.com/dshills/ctxengine/internal/pool"
	"github.com/dshills/ctxengine/internal/retry"
	"github.com/dshills/ctxengine/internal/searcher"
	"github.com/dshills/ctxengine/internal/storage"
	"github.com/dshills/ctxengine/internal/vectorstore"
	"github.com/dshills/ctxengine/pkg/types"
)

const defaultDialTimeout = 30 * time.Second

// Engine wires the embedder, the pooled vector store client, the health
// monitor, the chunker, the orchestrator and the searcher together
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	Embedder embedder.Embedder
	Client   *vectorstore.Client
	Monitor  *health.Monitor
	Chunker  *chunker.Chunker
	Indexer  *indexer.Orchestrator
	Searcher *searcher.Searcher

	pool   *pool.Pool[vectorstore.Conn]
	sqlite *storage.SQLiteStorage // nil unless the sqlite backend is used
	unsub  []func()
}

// HealthReport combines the health of every external dependency
type HealthReport struct {
	VectorStore types.HealthStatus
	Pool        pool.Stats
	Embedder    embedder.ConnectionResult
	Index       types.IndexState
}

// New builds an engine. Nothing is started until Start.
func New(cfg *config.Config, logger *slog.Logger) (e *Engine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	distance, err := types.ParseDistance(cfg.VectorStore.Distance)
	if err != nil {
		return nil, err
	}

	e = &Engine{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = e.Close(context.Background())
		}
	}()

	policy := retryPolicy(cfg.Retry)

	e.Embedder, err = embedder.New(embedder.Config{
		Provider:  cfg.Embedding.Provider,
		CacheSize: cfg.Embedding.CacheSize,
		Options: embedder.Options{
			BaseURL:   cfg.Embedding.BaseURL,
			APIKey:    cfg.Embedding.APIKey,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Embedding.Dimension,
			Timeout:   cfg.Embedding.Timeout,
			Retry:     policy,
			Logger:    logger.With("component", "embedder"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	dial, err := e.dialer()
	if err != nil {
		return nil, err
	}
	e.pool, err = pool.New(pool.Config{
		MinConnections:  cfg.Pool.MinConnections,
		MaxConnections:  cfg.Pool.MaxConnections,
		AcquireTimeout:  cfg.Pool.AcquireTimeout,
		IdleTimeout:     cfg.Pool.IdleTimeout,
		HealthInterval:  cfg.Pool.HealthInterval,
		CleanupInterval: cfg.Pool.CleanupInterval,
		PingTimeout:     pool.DefaultConfig().PingTimeout,
	}, dial, logger.With("component", "pool"))
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	e.Client = vectorstore.NewClient(e.pool, vectorstore.Config{
		BatchSize: cfg.VectorStore.BatchSize,
		HealthTTL: cfg.VectorStore.HealthTTL,
		Retry:     policy,
	}, logger.With("component", "vectorstore"))

	e.Monitor = health.NewMonitor(e.Client, health.Config{
		Interval:         cfg.Health.Interval,
		FailureThreshold: cfg.Health.FailureThreshold,
		AutoRecovery:     cfg.Health.AutoRecovery,
		RecoveryDelay:    cfg.Health.RecoveryDelay,
		SlowThreshold:    cfg.Health.SlowThreshold,
	}, logger.With("component", "health"))

	e.Chunker, err = chunker.New(chunker.Options{
		Root:          cfg.Workspace.Root,
		Include:       cfg.Workspace.Include,
		Exclude:       cfg.Workspace.Exclude,
		MaxFileSize:   cfg.Workspace.MaxFileSize,
		IncludeBinary: cfg.Workspace.IncludeBinary,
		MinSize:       cfg.Chunking.MinSize,
		MaxSize:       cfg.Chunking.MaxSize,
		Overlap:       cfg.Chunking.Overlap,
	})
	if err != nil {
		return nil, fmt.Errorf("create chunker: %w", err)
	}

	e.Indexer, err = indexer.New(e.Chunker, e.Embedder, e.Client, indexer.Config{
		Collection:     cfg.VectorStore.Collection,
		Distance:       distance,
		MaxWorkers:     cfg.Indexing.MaxWorkers,
		EmbedBatchSize: cfg.Embedding.BatchSize,
	}, logger.With("component", "indexer"))
	if err != nil {
		return nil, err
	}

	e.Searcher, err = searcher.New(e.Client, e.Embedder, e.Chunker.Root(), searcher.Config{
		Collection:           cfg.VectorStore.Collection,
		MaxResults:           cfg.Query.MaxResults,
		MinSimilarity:        cfg.Query.MinSimilarity,
		RelatedMinSimilarity: cfg.Query.RelatedMinSimilarity,
		MaxRelated:           cfg.Query.MaxRelated,
		OverfetchFactor:      cfg.Query.OverfetchFactor,
		CacheSize:            cfg.Query.CacheSize,
		CacheTTL:             cfg.Query.CacheTTL,
	}, logger.With("component", "searcher"))
	if err != nil {
		return nil, err
	}

	e.unsub = append(e.unsub, e.Indexer.OnStateChange(func(ev indexer.StateChange) {
		if purgeOnStateChange(ev) {
			e.Searcher.Purge()
		}
	}))
	return e, nil
}

// purgeOnStateChange reports whether cached answers may be stale after ev.
// A full reindex drops the collection as soon as it starts, and a failed
// session may have written part of its results.
func purgeOnStateChange(ev indexer.StateChange) bool {
	switch {
	case ev.To == types.StateCompleted, ev.To == types.StateError:
		return true
	case ev.Full && ev.From == types.StateIdle && ev.To == types.StateIndexing:
		return true
	}
	return false
}

func (e *Engine) dialer() (pool.Dialer[vectorstore.Conn], error) {
	vs := e.cfg.VectorStore
	switch vs.Backend {
	case config.BackendSQLite:
		if dir := filepath.Dir(vs.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		store, err := storage.NewSQLiteStorage(vs.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite vector store: %w", err)
		}
		e.sqlite = store
		e.logger.Info("using embedded vector store", "path", vs.DBPath, "build", storage.BuildMode)
		return vectorstore.NewSQLiteDialer(store), nil
	default:
		timeout := e.cfg.Retry.AttemptTimeout
		if timeout <= 0 {
			timeout = defaultDialTimeout
		}
		dial, err := vectorstore.NewQdrantDialer(vs.URL, vs.APIKey, timeout)
		if err != nil {
			return nil, fmt.Errorf("qdrant dialer: %w", err)
		}
		e.logger.Info("using qdrant vector store", "addr", vs.URL)
		return dial, nil
	}
}

func retryPolicy(rc config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxRetries:     rc.MaxRetries,
		BaseDelay:      rc.BaseDelay,
		MaxDelay:       rc.MaxDelay,
		Multiplier:     rc.Multiplier,
		AttemptTimeout: rc.AttemptTimeout,
	}
}

// Config returns the configuration the engine was built from
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Start warms the pool and starts the background sweeps and the health
// monitor. An unreachable vector store is logged, not fatal: the monitor
// keeps probing and operations retry.
func (e *Engine) Start(ctx context.Context) {
	if err := e.pool.Warm(ctx); err != nil {
		e.logger.Warn("vector store not reachable at startup", "error", err)
	}
	e.pool.Start()
	e.Monitor.Start(ctx)
	e.logger.Info("engine started",
		"workspace", e.Chunker.Root(),
		"collection", e.cfg.VectorStore.Collection,
		"provider", e.Embedder.Provider(),
		"model", e.Embedder.Model())
}

// HandleFileChange applies an incremental update and drops cached query
// results when the index changed
func (e *Engine) HandleFileChange(ctx context.Context, change indexer.FileChange) (indexer.ChangeResult, error) {
	res, err := e.Indexer.HandleFileChange(ctx, change)
	if err == nil && res.Action != indexer.ActionSkipped {
		e.Searcher.Purge()
	}
	return res, err
}

// Health reports the vector store, pool, embedder and index state. force
// bypasses the cached vector store status.
func (e *Engine) Health(ctx context.Context, force bool) HealthReport {
	return HealthReport{
		VectorStore: e.Client.HealthCheck(ctx, force),
		Pool:        e.Client.PoolStats(),
		Embedder:    e.Embedder.TestConnection(ctx),
		Index:       e.Indexer.GetIndexState(),
	}
}

// Close cancels indexing and releases every resource. It is safe on a
// partially built engine.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	for _, fn := range e.unsub {
		fn()
	}
	if e.Indexer != nil {
		if err := e.Indexer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop indexing: %w", err))
		}
	}
	if e.Monitor != nil {
		e.Monitor.Stop()
	}
	if e.pool != nil {
		if err := e.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool: %w", err))
		}
	}
	if e.sqlite != nil {
		if err := e.sqlite.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sqlite: %w", err))
		}
	}
	if e.Embedder != nil {
		if err := e.Embedder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close embedder: %w", err))
		}
	}
	return errors.Join(errs...)
}
