// Package vectorstore is the resilient client for the vector database.
//
// A Client validates requests locally, then runs each network operation on a
// pooled Conn under an exponential backoff policy. Two backends implement
// Conn:
//
//   - QdrantConn wraps the official gRPC client, one channel per pooled
//     connection. Unavailable, DeadlineExceeded, ResourceExhausted and Aborted
//     are retried; Unavailable also flags the connection so the pool
//     replaces it. Other status codes are permanent.
//   - The embedded SQLite store (see package storage), shared by all pooled
//     handles.
//
// Upserts are written in sequential batches. When a batch fails the call
// stops and returns a *BatchError; earlier batches remain committed, so
// callers that need the data must retry the whole upsert. Point ids are
// deterministic, which makes that retry idempotent.
package vectorstore
