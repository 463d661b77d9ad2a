package vectorstore

import (
	"errors"
	"fmt"

	"github.com/dshills/ctxengine/internal/retry"
	"github.com/dshills/ctxengine/internal/storage"
	"github.com/dshills/ctxengine/pkg/types"
)

// ErrAlreadyExists is returned by backends when creating a collection that exists
var ErrAlreadyExists = storage.ErrAlreadyExists

// BatchError reports a failed upsert batch. Batches before Batch were
// committed and are not rolled back.
type BatchError struct {
	Collection string
	Batch      int // Zero-based index of the failed batch
	Batches    int
	Committed  int // Points written by earlier batches
	SampleID   string
	SampleFile string
	Err        error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("upsert into %s failed at batch %d/%d (committed %d points, sample point %s from %s): %v",
		e.Collection, e.Batch+1, e.Batches, e.Committed, e.SampleID, e.SampleFile, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// CommittedPoints returns the number of points written before the failure
func (e *BatchError) CommittedPoints() int {
	return e.Committed
}

// isRetryable extends the default classifier with the collection errors,
// which no amount of retrying fixes
func isRetryable(err error) bool {
	if errors.Is(err, types.ErrCollectionNotFound) ||
		errors.Is(err, types.ErrCollectionMismatch) ||
		errors.Is(err, ErrAlreadyExists) {
		return false
	}
	return retry.IsRetryable(err)
}

// isBroken reports whether err came from a failed transport, in which case
// the connection must not be reused
func isBroken(err error) bool {
	var b interface{ Broken() bool }
	return errors.As(err, &b) && b.Broken()
}
