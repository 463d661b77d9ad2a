package mcp

import (
	"context"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/ctxengine/internal/engine"
	"github.com/dshills/ctxengine/pkg/types"
)

const (
	// ServerName is the MCP server name
	ServerName = "ctxengine"
	// ProgressMethod is the notification method carrying indexing progress
	ProgressMethod = "notifications/index_progress"
)

// ServerVersion is the reported server version, set by the CLI at startup
var ServerVersion = "dev"

// Server wraps the MCP server with the engine it controls
type Server struct {
	mcp    *server.MCPServer
	engine *engine.Engine
	logger *slog.Logger
	unsub  func()
}

// NewServer creates a new MCP server instance over an engine
func NewServer(eng *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mcpServer := server.NewMCPServer(
		ServerName,
		ServerVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s := &Server{
		mcp:    mcpServer,
		engine: eng,
		logger: logger,
	}
	s.registerTools()

	// Forward indexing progress to every connected client
	s.unsub = eng.Indexer.OnProgress(func(p types.Progress) {
		s.mcp.SendNotificationToAllClients(ProgressMethod, progressParams(p))
	})
	return s
}

// Serve runs the MCP server on the given streams until ctx is done or
// the input is closed
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	defer s.unsub()

	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))

	s.logger.Info("mcp server listening on stdio", "name", ServerName, "version", ServerVersion)
	return stdio.Listen(ctx, in, out)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(startIndexingTool(), s.handleStartIndexing)
	s.mcp.AddTool(triggerFullReindexTool(), s.handleTriggerFullReindex)
	s.mcp.AddTool(pauseIndexingTool(), s.handlePauseIndexing)
	s.mcp.AddTool(resumeIndexingTool(), s.handleResumeIndexing)
	s.mcp.AddTool(cancelIndexingTool(), s.handleCancelIndexing)
	s.mcp.AddTool(getIndexStateTool(), s.handleGetIndexState)
	s.mcp.AddTool(fileChangedTool(), s.handleFileChanged)
	s.mcp.AddTool(searchCodeTool(), s.handleSearchCode)
	s.mcp.AddTool(getHealthTool(), s.handleGetHealth)
}

func progressParams(p types.Progress) map[string]any {
	return map[string]any{
		"session_id":         p.SessionID,
		"status":             p.Status,
		"percent_complete":   p.PercentComplete,
		"files_processed":    p.FilesProcessed,
		"total_files":        p.TotalFiles,
		"chunks_indexed":     p.ChunksIndexed,
		"errors_encountered": p.ErrorsEncountered,
		"elapsed_ms":         p.TimeElapsed.Milliseconds(),
	}
}
