// Package indexer runs indexing sessions over a workspace.
//
// An Orchestrator owns at most one active session. A session discovers files
// through the chunker, fans them out to a pool of workers that chunk and
// embed one file at a time, and aggregates their results on a single control
// goroutine, which is the only writer of the session state. When every file
// has been processed the accumulated chunks are written to the vector store.
//
// # Session states
//
//	idle -> indexing -> paused <-> indexing -> completed | error
//
// Pause and cancel are cooperative: workers check the session gate between
// files, so a file in flight always finishes. A cancelled session still writes
// what it produced and ends as completed with Cancelled set. Failing to
// establish the collection ends the session in the error state; per-file
// failures are recorded and the session continues.
//
// # Usage
//
//	orch, err := indexer.New(chunker, emb, client, indexer.Config{Collection: "code"}, logger)
//	id, err := orch.StartIndexing(ctx)
//	_ = orch.Wait(ctx)
//	state := orch.GetIndexState()
//
// Single-file updates go through HandleFileChange. They run synchronously and
// are skipped while a session holds the index.
package indexer
