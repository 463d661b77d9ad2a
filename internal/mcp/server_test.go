package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/ctxengine/internal/config"
	"github.com/dshills/ctxengine/internal/engine"
	"github.com/dshills/ctxengine/pkg/types"
)

const backoffSource = "package retry\n\n// Backoff doubles the delay after every failed attempt.\nfunc Backoff(attempt int) int { return 1 << attempt }\n"

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"retry/backoff.go": backoffSource,
		"web/app.py":       "def handler(request):\n    return {'status': 'ok'}\n",
	}
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	cfg := config.Default()
	cfg.Workspace.Root = root
	cfg.Embedding.Provider = "static"
	cfg.Embedding.Dimension = 32
	cfg.VectorStore.Backend = config.BackendSQLite
	cfg.VectorStore.DBPath = filepath.Join(t.TempDir(), "vectors.db")
	cfg.VectorStore.Collection = "mcp-test"
	cfg.Health.Interval = time.Hour

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, eng.Close(ctx))
	})
	eng.Start(context.Background())

	return NewServer(eng, logger), root
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func decodeResult(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	var mcpErr *MCPError
	require.True(t, errors.As(err, &mcpErr), "expected *MCPError, got %v", err)
	assert.Equal(t, code, mcpErr.Code, mcpErr.Error())
}

func TestServer_ListsTools(t *testing.T) {
	s, _ := newTestServer(t)

	msg := s.mcp.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp))

	var names []string
	for _, tool := range resp.Result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"start_indexing", "trigger_full_reindex", "pause_indexing", "resume_indexing",
		"cancel_indexing", "get_index_state", "file_changed", "search_code", "get_health",
	}, names)
}

func TestServer_IndexAndSearch(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleStartIndexing(ctx, callRequest("start_indexing", map[string]any{"wait": true}))
	require.NoError(t, err)
	state := decodeResult(t, result)
	assert.Equal(t, string(types.StateCompleted), state["state"])
	progress := state["progress"].(map[string]any)
	assert.EqualValues(t, 2, progress["files_processed"])
	assert.Equal(t, "100.0", progress["percent_complete"])

	result, err = s.handleSearchCode(ctx, callRequest("search_code", map[string]any{
		"query":           backoffSource,
		"max_results":     float64(1),
		"include_content": true,
	}))
	require.NoError(t, err)
	out := decodeResult(t, result)
	results := out["results"].([]any)
	require.Len(t, results, 1)
	top := results[0].(map[string]any)
	assert.Equal(t, "retry/backoff.go", top["file_path"])
	assert.EqualValues(t, 1, top["rank"])
	assert.Equal(t, backoffSource, top["content"])

	result, err = s.handleGetIndexState(ctx, callRequest("get_index_state", nil))
	require.NoError(t, err)
	assert.Equal(t, state["session_id"], decodeResult(t, result)["session_id"])
}

func TestServer_StartWithoutWait(t *testing.T) {
	s, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := s.handleTriggerFullReindex(ctx, callRequest("trigger_full_reindex", nil))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.NotEmpty(t, out["session_id"])
	assert.Equal(t, true, out["full_reindex"])

	require.NoError(t, s.engine.Indexer.Wait(ctx))
	assert.Equal(t, types.StateCompleted, s.engine.Indexer.GetIndexState().State)
}

func TestServer_SearchValidation(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
		code int
	}{
		{"missing query", map[string]any{}, ErrorCodeInvalidParams},
		{"empty query", map[string]any{"query": ""}, ErrorCodeInvalidParams},
		{"limit too large", map[string]any{"query": "x", "max_results": float64(maxResultsLimit + 1)}, ErrorCodeInvalidParams},
		{"negative limit", map[string]any{"query": "x", "max_results": float64(-1)}, ErrorCodeInvalidParams},
		{"similarity out of range", map[string]any{"query": "x", "min_similarity": 1.5}, ErrorCodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.handleSearchCode(ctx, callRequest("search_code", tt.args))
			requireCode(t, err, tt.code)
		})
	}
}

func TestServer_ControlWithoutSession(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	_, err := s.handlePauseIndexing(ctx, callRequest("pause_indexing", nil))
	requireCode(t, err, ErrorCodeNoActiveSession)

	_, err = s.handleResumeIndexing(ctx, callRequest("resume_indexing", nil))
	requireCode(t, err, ErrorCodeNoActiveSession)

	_, err = s.handleCancelIndexing(ctx, callRequest("cancel_indexing", nil))
	requireCode(t, err, ErrorCodeNoActiveSession)
}

func TestServer_FileChanged(t *testing.T) {
	s, root := newTestServer(t)
	ctx := context.Background()

	path := filepath.Join(root, "pkg", "new.go")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("package pkg\n\nfunc New() {}\n"), 0o644))

	result, err := s.handleFileChanged(ctx, callRequest("file_changed", map[string]any{
		"path": "pkg/new.go",
		"type": "create",
	}))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Equal(t, "pkg/new.go", out["path"])
	assert.Equal(t, "indexed", out["action"])
	assert.EqualValues(t, 1, out["chunks"])

	result, err = s.handleFileChanged(ctx, callRequest("file_changed", map[string]any{
		"path": path,
		"type": "delete",
	}))
	require.NoError(t, err)
	assert.Equal(t, "deleted", decodeResult(t, result)["action"])

	t.Run("invalid arguments", func(t *testing.T) {
		_, err := s.handleFileChanged(ctx, callRequest("file_changed", map[string]any{"type": "create"}))
		requireCode(t, err, ErrorCodeInvalidParams)

		_, err = s.handleFileChanged(ctx, callRequest("file_changed", map[string]any{"path": "a.go", "type": "rename"}))
		requireCode(t, err, ErrorCodeInvalidParams)

		_, err = s.handleFileChanged(ctx, callRequest("file_changed", map[string]any{"path": "../outside.go", "type": "update"}))
		requireCode(t, err, ErrorCodeInvalidParams)
	})
}

func TestServer_GetHealth(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleGetHealth(context.Background(), callRequest("get_health", map[string]any{"force": true}))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Equal(t, true, out["healthy"])
	assert.Equal(t, true, out["vector_store"].(map[string]any)["healthy"])
	assert.EqualValues(t, 32, out["embedder"].(map[string]any)["dimension"])
	assert.Equal(t, string(types.StateIdle), out["indexing"].(map[string]any)["state"])
}

func TestToMCPError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{types.NewValidationError("query", "empty"), ErrorCodeInvalidParams},
		{types.ErrIndexingInProgress, ErrorCodeIndexingInProgress},
		{fmt.Errorf("pause: %w", types.ErrNoActiveSession), ErrorCodeNoActiveSession},
		{&types.ConnectivityError{Op: "search", Attempts: 4, Err: errors.New("refused")}, ErrorCodeConnectivity},
		{types.ErrAcquireTimeout, ErrorCodeConnectivity},
		{fmt.Errorf("%w: jina: unauthorized", types.ErrProvider), ErrorCodeProvider},
		{types.ErrCollectionNotFound, ErrorCodeNotIndexed},
		{types.ErrCollectionMismatch, ErrorCodeCollectionMismatch},
		{errors.New("boom"), ErrorCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			err := toMCPError("failed", tt.err)
			requireCode(t, err, tt.code)
			assert.Contains(t, err.Error(), tt.err.Error())
		})
	}
}

func TestStateResponse_TruncatesErrors(t *testing.T) {
	st := types.IndexState{
		SessionID: "s1",
		State:     types.StateCompleted,
		Errors: []types.SessionError{
			{Path: "a.go", Kind: "provider", Message: "rejected"},
			{Path: "b.go", Kind: "file_processing", Message: "unreadable"},
			{Path: "c.go", Kind: "worker_failure", Message: "panic"},
		},
		FatalError: "",
	}

	out := stateResponse(st, 2)
	assert.Equal(t, 3, out["error_count"])
	assert.Len(t, out["errors"], 2)
	assert.NotContains(t, out, "fatal_error")

	out = stateResponse(st, 0)
	assert.NotContains(t, out, "errors")
}
