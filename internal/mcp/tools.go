package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/ctxengine/internal/engine"
	"github.com/dshills/ctxengine/internal/indexer"
	"github.com/dshills/ctxengine/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams      = -32602 // Invalid method parameters
	ErrorCodeInternalError      = -32603 // Internal JSON-RPC error
	ErrorCodeIndexingInProgress = -32002 // Another indexing session is already running
	ErrorCodeNoActiveSession    = -32003 // Pause, resume or cancel without a session
	ErrorCodeConnectivity       = -32004 // Vector database unreachable after retries
	ErrorCodeProvider           = -32005 // Embedding provider rejected the request
	ErrorCodeNotIndexed         = -32006 // Collection does not exist yet
	ErrorCodeCollectionMismatch = -32007 // Collection exists with another dimension or distance
)

const (
	maxResultsLimit  = 100
	defaultMaxErrors = 20
	timeFormat       = time.RFC3339
)

// handleStartIndexing handles the start_indexing tool invocation
func (s *Server) handleStartIndexing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.startSession(ctx, request, false)
}

// handleTriggerFullReindex handles the trigger_full_reindex tool invocation
func (s *Server) handleTriggerFullReindex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.startSession(ctx, request, true)
}

func (s *Server) startSession(ctx context.Context, request mcp.CallToolRequest, full bool) (*mcp.CallToolResult, error) {
	start := s.engine.Indexer.StartIndexing
	if full {
		start = s.engine.Indexer.TriggerFullReindex
	}

	id, err := start(ctx)
	if err != nil {
		return nil, toMCPError("failed to start indexing", err)
	}

	if !request.GetBool("wait", false) {
		return mcp.NewToolResultText(formatJSON(map[string]any{
			"session_id":   id,
			"state":        types.StateIndexing,
			"full_reindex": full,
		})), nil
	}

	if err := s.engine.Indexer.Wait(ctx); err != nil {
		return nil, toMCPError("wait for indexing", err)
	}
	return mcp.NewToolResultText(formatJSON(stateResponse(s.engine.Indexer.GetIndexState(), defaultMaxErrors))), nil
}

func (s *Server) handlePauseIndexing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control("pause", s.engine.Indexer.PauseIndexing)
}

func (s *Server) handleResumeIndexing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control("resume", s.engine.Indexer.ResumeIndexing)
}

func (s *Server) handleCancelIndexing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.control("cancel", s.engine.Indexer.CancelIndexing)
}

// control runs a session command and reports the resulting state
func (s *Server) control(name string, fn func() error) (*mcp.CallToolResult, error) {
	if err := fn(); err != nil {
		return nil, toMCPError(name+" failed", err)
	}
	st := s.engine.Indexer.GetIndexState()
	return mcp.NewToolResultText(formatJSON(map[string]any{
		"session_id": st.SessionID,
		"state":      st.State,
		"cancelled":  st.Cancelled,
	})), nil
}

// handleGetIndexState handles the get_index_state tool invocation
func (s *Server) handleGetIndexState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	maxErrors := request.GetInt("max_errors", defaultMaxErrors)
	if maxErrors < 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "max_errors must not be negative", map[string]any{
			"param": "max_errors",
			"value": maxErrors,
		})
	}
	return mcp.NewToolResultText(formatJSON(stateResponse(s.engine.Indexer.GetIndexState(), maxErrors))), nil
}

// handleFileChanged handles the file_changed tool invocation
func (s *Server) handleFileChanged(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil || path == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "path parameter is required", map[string]any{
			"param":  "path",
			"reason": "missing or empty",
		})
	}
	changeType, err := request.RequireString("type")
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "type parameter is required", map[string]any{
			"param":   "type",
			"allowed": []string{"create", "update", "delete"},
		})
	}

	res, err := s.engine.HandleFileChange(ctx, indexer.FileChange{
		Type: indexer.FileChangeType(changeType),
		Path: path,
	})
	if err != nil {
		return nil, toMCPError("file update failed", err)
	}

	response := map[string]any{
		"path":   res.Path,
		"action": res.Action,
		"chunks": res.Chunks,
	}
	if res.Reason != "" {
		response["reason"] = res.Reason
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleSearchCode handles the search_code tool invocation
func (s *Server) handleSearchCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "query parameter is required and cannot be empty", map[string]any{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	limit := request.GetInt("max_results", 0)
	if limit < 0 || limit > maxResultsLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, fmt.Sprintf("max_results must be between 1 and %d", maxResultsLimit), map[string]any{
			"param": "max_results",
			"value": limit,
		})
	}

	resp, err := s.engine.Searcher.Search(ctx, types.QueryRequest{
		Text:           query,
		MaxResults:     limit,
		MinSimilarity:  request.GetFloat("min_similarity", 0),
		IncludeContent: request.GetBool("include_content", false),
		IncludeRelated: request.GetBool("include_related", false),
		FileTypeFilter: request.GetStringSlice("file_types", nil),
	})
	if err != nil {
		return nil, toMCPError("search failed", err)
	}

	response := map[string]any{
		"query":       query,
		"results":     resultList(resp.Results),
		"total_hits":  resp.TotalHits,
		"cache_hit":   resp.CacheHit,
		"duration_ms": resp.DurationMs,
	}
	if len(resp.Related) > 0 {
		response["related"] = resultList(resp.Related)
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetHealth handles the get_health tool invocation
func (s *Server) handleGetHealth(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report := s.engine.Health(ctx, request.GetBool("force", false))
	return mcp.NewToolResultText(formatJSON(healthResponse(report))), nil
}

// Helper functions

func stateResponse(st types.IndexState, maxErrors int) map[string]any {
	p := st.Progress()
	response := map[string]any{
		"session_id": st.SessionID,
		"state":      st.State,
		"collection": st.Collection,
		"cancelled":  st.Cancelled,
		"progress": map[string]any{
			"percent_complete": fmt.Sprintf("%.1f", p.PercentComplete),
			"files_total":      st.FilesTotal,
			"files_processed":  st.FilesProcessed,
			"files_failed":     st.FilesFailed,
			"files_removed":    st.FilesRemoved,
			"chunks_produced":  st.ChunksProduced,
			"chunks_indexed":   st.ChunksIndexed,
			"elapsed_ms":       p.TimeElapsed.Milliseconds(),
		},
		"error_count": len(st.Errors),
	}
	if !st.StartedAt.IsZero() {
		response["started_at"] = st.StartedAt.Format(timeFormat)
	}
	if !st.FinishedAt.IsZero() {
		response["finished_at"] = st.FinishedAt.Format(timeFormat)
	}
	if st.FatalError != "" {
		response["fatal_error"] = st.FatalError
	}

	if n := min(len(st.Errors), maxErrors); n > 0 {
		errs := make([]map[string]any, n)
		for i, e := range st.Errors[:n] {
			errs[i] = map[string]any{
				"path":    e.Path,
				"kind":    e.Kind,
				"message": e.Message,
			}
		}
		response["errors"] = errs
	}
	return response
}

func resultList(results []types.SearchResult) []map[string]any {
	out := make([]map[string]any, len(results))
	for i, r := range results {
		item := map[string]any{
			"rank":       r.Rank,
			"file_path":  r.FilePath,
			"score":      r.Score,
			"start_line": r.StartLine,
			"end_line":   r.EndLine,
			"language":   r.Language,
			"chunk_type": r.ChunkType,
			"snippet":    r.Snippet,
		}
		if len(r.Symbols) > 0 {
			item["symbols"] = r.Symbols
		}
		if r.Content != "" {
			item["content"] = r.Content
		}
		out[i] = item
	}
	return out
}

func healthResponse(r engine.HealthReport) map[string]any {
	vs := map[string]any{
		"healthy":              r.VectorStore.IsHealthy,
		"consecutive_failures": r.VectorStore.ConsecutiveFailures,
		"response_time_ms":     r.VectorStore.ResponseTime.Milliseconds(),
		"slow":                 r.VectorStore.Slow,
	}
	if !r.VectorStore.LastCheck.IsZero() {
		vs["last_check"] = r.VectorStore.LastCheck.Format(timeFormat)
	}
	if r.VectorStore.LastError != "" {
		vs["last_error"] = r.VectorStore.LastError
	}

	emb := map[string]any{
		"success":    r.Embedder.Success,
		"latency_ms": r.Embedder.Latency.Milliseconds(),
		"dimension":  r.Embedder.Dimension,
	}
	if r.Embedder.Error != "" {
		emb["error"] = r.Embedder.Error
	}

	return map[string]any{
		"healthy":      r.VectorStore.IsHealthy && r.Embedder.Success,
		"vector_store": vs,
		"pool": map[string]any{
			"total":     r.Pool.Total,
			"active":    r.Pool.Active,
			"idle":      r.Pool.Idle,
			"unhealthy": r.Pool.Unhealthy,
			"waiting":   r.Pool.Waiting,
			"timeouts":  r.Pool.Timeouts,
		},
		"embedder": emb,
		"indexing": map[string]any{
			"session_id": r.Index.SessionID,
			"state":      r.Index.State,
		},
	}
}

// toMCPError maps the error taxonomy onto MCP error codes
func toMCPError(message string, err error) error {
	code := ErrorCodeInternalError
	switch {
	case errors.Is(err, types.ErrValidation):
		code = ErrorCodeInvalidParams
	case errors.Is(err, types.ErrIndexingInProgress):
		code = ErrorCodeIndexingInProgress
	case errors.Is(err, types.ErrNoActiveSession):
		code = ErrorCodeNoActiveSession
	case errors.Is(err, types.ErrCollectionNotFound):
		code = ErrorCodeNotIndexed
	case errors.Is(err, types.ErrCollectionMismatch):
		code = ErrorCodeCollectionMismatch
	case errors.Is(err, types.ErrProvider):
		code = ErrorCodeProvider
	case errors.Is(err, types.ErrConnectivity),
		errors.Is(err, types.ErrAcquireTimeout),
		errors.Is(err, types.ErrPoolClosed):
		code = ErrorCodeConnectivity
	}
	return newMCPError(code, message, map[string]any{
		"error": err.Error(),
	})
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data any) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    any
}

func (e *MCPError) Error() string {
	if m, ok := e.Data.(map[string]any); ok {
		if detail, ok := m["error"]; ok {
			return fmt.Sprintf("MCP error %d: %s: %v", e.Code, e.Message, detail)
		}
	}
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]any) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}
