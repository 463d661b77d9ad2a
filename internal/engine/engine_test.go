package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctxengine/internal/config"
	"github.com/dshills/ctxengine/internal/indexer"
	"github.com/dshills/ctxengine/pkg/types"
)

var workspaceFiles = map[string]string{
	"retry/backoff.go":  "package retry\n\n// Backoff doubles the delay after every failed attempt.\nfunc Backoff(attempt int) int { return 1 << attempt }\n",
	"pool/pool.go":      "package pool\n\n// Acquire hands out an idle connection or dials a new one.\nfunc Acquire() {}\n",
	"docs/README.md":    "# Project\n\nIndexes source files into a vector database.\n",
	"web/app.py":        "def handler(request):\n    return {'status': 'ok'}\n",
	"node_modules/x.js": "module.exports = {}\n",
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	root := t.TempDir()
	for name, content := range workspaceFiles {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	cfg := config.Default()
	cfg.Workspace.Root = root
	cfg.Embedding.Provider = "static"
	cfg.Embedding.Dimension = 64
	cfg.VectorStore.Backend = config.BackendSQLite
	cfg.VectorStore.DBPath = filepath.Join(t.TempDir(), "vectors.db")
	cfg.VectorStore.Collection = "engine-test"
	cfg.Health.Interval = time.Hour
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond

	e, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, e.Close(ctx))
	})

	e.Start(context.Background())
	return e
}

func indexWorkspace(t *testing.T, e *Engine) types.IndexState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := e.Indexer.StartIndexing(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Indexer.Wait(ctx))
	return e.Indexer.GetIndexState()
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.VectorStore.Backend = "mongo"

	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestEngine_IndexAndSearch(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	st := indexWorkspace(t, e)
	require.Equal(t, types.StateCompleted, st.State, st.FatalError)
	assert.Equal(t, 4, st.FilesTotal)
	assert.Equal(t, 4, st.FilesProcessed)
	assert.Empty(t, st.Errors)

	stats, err := e.Client.GetCollectionStats(ctx, "engine-test")
	require.NoError(t, err)
	assert.Equal(t, int64(st.ChunksIndexed), stats.PointsCount)
	assert.Equal(t, 64, stats.VectorSize)

	// The static provider maps identical text to identical vectors
	resp, err := e.Searcher.Search(ctx, types.QueryRequest{
		Text:           workspaceFiles["retry/backoff.go"],
		MaxResults:     3,
		IncludeContent: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	top := resp.Results[0]
	assert.Equal(t, "retry/backoff.go", top.FilePath)
	assert.InDelta(t, 1.0, top.Score, 1e-4)
	assert.Equal(t, "go", top.Language)
	assert.Equal(t, workspaceFiles["retry/backoff.go"], top.Content)
	assert.Equal(t, []string{"Backoff"}, top.Symbols)

	resp, err = e.Searcher.Search(ctx, types.QueryRequest{
		Text:           workspaceFiles["retry/backoff.go"],
		MaxResults:     3,
		MinSimilarity:  0.01,
		FileTypeFilter: []string{"python"},
	})
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.Equal(t, "web/app.py", r.FilePath)
	}
}

func TestEngine_FileChangePurgesCache(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	indexWorkspace(t, e)

	query := types.QueryRequest{Text: workspaceFiles["pool/pool.go"], MaxResults: 2}
	first, err := e.Searcher.Search(ctx, query)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := e.Searcher.Search(ctx, query)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)

	res, err := e.HandleFileChange(ctx, indexer.FileChange{Type: indexer.FileDeleted, Path: "pool/pool.go"})
	require.NoError(t, err)
	assert.Equal(t, indexer.ActionDeleted, res.Action)

	third, err := e.Searcher.Search(ctx, query)
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
	for _, r := range third.Results {
		assert.NotEqual(t, "pool/pool.go", r.FilePath)
	}
}

func TestEngine_Health(t *testing.T) {
	e := newTestEngine(t)

	report := e.Health(context.Background(), true)
	assert.True(t, report.VectorStore.IsHealthy)
	assert.Zero(t, report.VectorStore.ConsecutiveFailures)
	assert.True(t, report.Embedder.Success)
	assert.Equal(t, 64, report.Embedder.Dimension)
	assert.GreaterOrEqual(t, report.Pool.Total, 1)
	assert.Equal(t, types.StateIdle, report.Index.State)
}

func TestEngine_FullReindex(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first := indexWorkspace(t, e)

	_, err := e.Indexer.TriggerFullReindex(ctx)
	require.NoError(t, err)
	require.NoError(t, e.Indexer.Wait(ctx))
	second := e.Indexer.GetIndexState()

	assert.Equal(t, types.StateCompleted, second.State)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	stats, err := e.Client.GetCollectionStats(ctx, "engine-test")
	require.NoError(t, err)
	assert.Equal(t, int64(first.ChunksIndexed), stats.PointsCount)
}

func TestEngine_ReindexPrunesRemovedFiles(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	indexWorkspace(t, e)

	require.NoError(t, os.Remove(filepath.Join(e.cfg.Workspace.Root, "web", "app.py")))
	st := indexWorkspace(t, e)
	require.Equal(t, types.StateCompleted, st.State, st.FatalError)
	assert.Equal(t, 1, st.FilesRemoved)

	resp, err := e.Searcher.Search(ctx, types.QueryRequest{
		Text:           workspaceFiles["web/app.py"],
		MaxResults:     5,
		MinSimilarity:  0.01,
		FileTypeFilter: []string{"python"},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestPurgeOnStateChange(t *testing.T) {
	tests := []struct {
		name string
		ev   indexer.StateChange
		want bool
	}{
		{"completed", indexer.StateChange{From: types.StateIndexing, To: types.StateCompleted}, true},
		{"failed", indexer.StateChange{From: types.StateIndexing, To: types.StateError}, true},
		{"full reindex starts", indexer.StateChange{From: types.StateIdle, To: types.StateIndexing, Full: true}, true},
		{"incremental session starts", indexer.StateChange{From: types.StateIdle, To: types.StateIndexing}, false},
		{"paused", indexer.StateChange{From: types.StateIndexing, To: types.StatePaused, Full: true}, false},
		{"resumed", indexer.StateChange{From: types.StatePaused, To: types.StateIndexing, Full: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, purgeOnStateChange(tt.ev))
		})
	}
}
