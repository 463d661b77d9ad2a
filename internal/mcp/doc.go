// Package mcp implements the Model Context Protocol (MCP) server for ctxengine.
//
// The server exposes the engine's control surface as tools:
//   - start_indexing, trigger_full_reindex: start a session (optionally waiting for it)
//   - pause_indexing, resume_indexing, cancel_indexing: control the active session
//   - get_index_state: current or last session state, counters and errors
//   - file_changed: incremental update of a single file
//   - search_code: similarity search over the indexed workspace
//   - get_health: vector database, pool, embedding provider and indexing health
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// While a session runs, the server broadcasts progress as
// notifications/index_progress messages.
//
// # Basic Usage
//
//	ctxengine serve --workspace /path/to/project
//
// # Tool: search_code
//
//	Request:
//	{
//	  "name": "search_code",
//	  "arguments": {
//	    "query": "exponential backoff between retries",
//	    "max_results": 5,
//	    "file_types": ["go"],
//	    "include_related": true
//	  }
//	}
//
//	Response:
//	{
//	  "query": "exponential backoff between retries",
//	  "results": [
//	    {
//	      "rank": 1,
//	      "file_path": "internal/retry/retry.go",
//	      "score": 0.87,
//	      "start_line": 12,
//	      "end_line": 48,
//	      "language": "go",
//	      "chunk_type": "function",
//	      "snippet": "func Do[T any](ctx context.Context, ..."
//	    }
//	  ],
//	  "total_hits": 20,
//	  "cache_hit": false,
//	  "duration_ms": 41
//	}
//
// # MCP Client Configuration
//
//	{
//	  "mcpServers": {
//	    "ctxengine": {
//	      "command": "/usr/local/bin/ctxengine",
//	      "args": ["serve", "--workspace", "/path/to/project"],
//	      "env": {
//	        "CTXENGINE_EMBEDDING_API_KEY": "your-api-key"
//	      }
//	    }
//	  }
//	}
//
// # Error Handling
//
// Handlers return *MCPError values; the error taxonomy maps onto codes:
//   - -32602: Invalid params (validation errors)
//   - -32603: Internal error
//   - -32002: Indexing in progress
//   - -32003: No active session
//   - -32004: Vector database unreachable
//   - -32005: Embedding provider error
//   - -32006: Collection not indexed
//   - -32007: Collection configuration mismatch
//
// # Logging
//
// The server logs to stderr; stdout is reserved for the protocol.
package mcp
