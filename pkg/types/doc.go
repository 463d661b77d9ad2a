// Package types provides shared type definitions for the ctxengine indexing engine.
//
// This package defines the domain types passed between the chunker, the embedding
// providers, the vector store client, the indexing orchestrator and the query engine.
//
// # Core Types
//
// FileRecord describes a file accepted by discovery. Chunk is a bounded slice of a
// file and the unit of embedding and retrieval:
//
//	chunk := &types.Chunk{
//	    ID:        types.ChunkID("internal/pool/pool.go", 10, 42, 0),
//	    FileID:    "internal/pool/pool.go",
//	    Content:   body,
//	    StartLine: 10,
//	    EndLine:   42,
//	    ChunkType: types.ChunkFunction,
//	}
//
// Point, ScoredPoint and Filter model the vector database wire contract. Chunk
// payloads use the Payload* keys so that filters such as
//
//	types.MatchField(types.PayloadFilePath, "main.go")
//
// select the points of a single file.
//
// # Errors
//
// Failures are classified by kind (validation, connectivity, provider, file
// processing, worker failure) and matched with errors.Is:
//
//	if errors.Is(err, types.ErrValidation) {
//	    // never retried
//	}
//
// # Sessions
//
// SessionState enumerates the indexing state machine. Progress is the snapshot
// delivered to progress subscribers.
package types
