package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

var readOnly = mcp.ToolAnnotation{
	ReadOnlyHint:    mcp.ToBoolPtr(true),
	DestructiveHint: mcp.ToBoolPtr(false),
	IdempotentHint:  mcp.ToBoolPtr(true),
	OpenWorldHint:   mcp.ToBoolPtr(false),
}

// startIndexingTool returns the tool definition for start_indexing
func startIndexingTool() mcp.Tool {
	return mcp.NewTool("start_indexing",
		mcp.WithDescription("Start indexing the workspace into the vector database. Returns the session id immediately; poll get_index_state for progress."),
		mcp.WithBoolean("wait",
			mcp.Description("If true, block until the session finishes and return its final state"),
			mcp.DefaultBool(false),
		),
	)
}

// triggerFullReindexTool returns the tool definition for trigger_full_reindex
func triggerFullReindexTool() mcp.Tool {
	return mcp.NewTool("trigger_full_reindex",
		mcp.WithDescription("Drop the collection and index the whole workspace from scratch"),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithBoolean("wait",
			mcp.Description("If true, block until the session finishes and return its final state"),
			mcp.DefaultBool(false),
		),
	)
}

func pauseIndexingTool() mcp.Tool {
	return mcp.NewTool("pause_indexing",
		mcp.WithDescription("Pause the active indexing session. Files already in flight finish."),
	)
}

func resumeIndexingTool() mcp.Tool {
	return mcp.NewTool("resume_indexing",
		mcp.WithDescription("Resume a paused indexing session"),
	)
}

func cancelIndexingTool() mcp.Tool {
	return mcp.NewTool("cancel_indexing",
		mcp.WithDescription("Cancel the active indexing session. Work already done is kept."),
	)
}

// getIndexStateTool returns the tool definition for get_index_state
func getIndexStateTool() mcp.Tool {
	return mcp.NewTool("get_index_state",
		mcp.WithDescription("Report the current or last indexing session: state, progress counters and errors"),
		mcp.WithToolAnnotation(readOnly),
		mcp.WithNumber("max_errors",
			mcp.Description("Maximum number of session errors to include (default 20)"),
			mcp.Min(0),
		),
	)
}

// fileChangedTool returns the tool definition for file_changed
func fileChangedTool() mcp.Tool {
	return mcp.NewTool("file_changed",
		mcp.WithDescription("Apply an incremental update for a single created, updated or deleted file. Skipped while an indexing session is active."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("File path, absolute or relative to the workspace root"),
		),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Kind of change"),
			mcp.Enum("create", "update", "delete"),
		),
	)
}

// searchCodeTool returns the tool definition for search_code
func searchCodeTool() mcp.Tool {
	return mcp.NewTool("search_code",
		mcp.WithDescription("Search the indexed workspace by semantic similarity. Returns one ranked result per file."),
		mcp.WithToolAnnotation(readOnly),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural language or code query"),
		),
		mcp.WithNumber("max_results",
			mcp.Description("Maximum number of files to return (default from configuration)"),
			mcp.Min(1),
			mcp.Max(maxResultsLimit),
		),
		mcp.WithNumber("min_similarity",
			mcp.Description("Minimum similarity score between 0 and 1 (default from configuration)"),
			mcp.Min(0),
			mcp.Max(1),
		),
		mcp.WithBoolean("include_content",
			mcp.Description("If true, include the full content of each result file"),
			mcp.DefaultBool(false),
		),
		mcp.WithBoolean("include_related",
			mcp.Description("If true, also return related files found at a lower threshold"),
			mcp.DefaultBool(false),
		),
		mcp.WithArray("file_types",
			mcp.Description("Restrict results to these languages, e.g. [\"go\", \"python\"]"),
			mcp.WithStringItems(),
		),
	)
}

// getHealthTool returns the tool definition for get_health
func getHealthTool() mcp.Tool {
	return mcp.NewTool("get_health",
		mcp.WithDescription("Report vector database, connection pool, embedding provider and indexing health"),
		mcp.WithToolAnnotation(readOnly),
		mcp.WithBoolean("force",
			mcp.Description("If true, query the vector database instead of using the cached status"),
			mcp.DefaultBool(false),
		),
	)
}
